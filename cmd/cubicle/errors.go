package main

import "fmt"

// UsageError signals a malformed invocation (bad flags, wrong argument
// count, unknown subcommand). Distinct from a runtime failure so main can
// map it to exit code 1 without treating it as a propagated subprocess
// failure.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

func usageErrorf(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}
