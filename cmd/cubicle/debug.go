package main

import (
	"fmt"
	"io"
)

// DebugLogger prints diagnostic messages gated on whether debugging was
// requested (the CUBICLE_DEBUG environment variable); it is disabled (all methods no-ops)
// when output is nil.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger returns a logger writing to output, or a disabled logger if
// output is nil.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled reports whether this logger actually writes anything.
func (d *DebugLogger) Enabled() bool {
	return d != nil && d.output != nil
}

// Logf writes a formatted debug line, a no-op when disabled.
func (d *DebugLogger) Logf(format string, args ...any) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// AsDebugf adapts this logger to the sandbox.Debugf / buildsched callback
// shape threaded through the lower layers.
func (d *DebugLogger) AsDebugf() func(format string, args ...any) {
	return func(format string, args ...any) {
		d.Logf(format, args...)
	}
}
