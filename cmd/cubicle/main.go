// Command cubicle manages sandboxed development environments backed by
// either bubblewrap namespaces or long-lived Docker containers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cubicle-sh/cubicle/internal/sandbox"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run dispatches argv to the matching subcommand and returns the process
// exit code: 0 on success, 1 on a usage or environment-existence error,
// whatever the backing sandbox exited with on a propagated subprocess
// failure.
func Run(argv []string, stdout, stderr *os.File) int {
	if len(argv) == 0 {
		fmt.Fprintln(stderr, "usage: cubicle COMMAND [ARG...] (try 'cubicle help')")

		return 1
	}

	sub, rest := argv[0], argv[1:]

	if sub == "help" || sub == "--help" || sub == "-h" {
		printHelp(stdout)

		return 0
	}

	handler, ok := subcommands[sub]
	if !ok {
		fmt.Fprintf(stderr, "cubicle: unknown command %q (try 'cubicle help')\n", sub)

		return 1
	}

	debugEnabled := os.Getenv("CUBICLE_DEBUG") != ""

	a, err := newApp(debugEnabled)
	if err != nil {
		fmt.Fprintln(stderr, err)

		return 1
	}

	err = handler(context.Background(), a, rest, stdout, stderr)

	return exitCodeFor(err)
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	var exitErr *sandbox.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode == 0 {
			return 1
		}

		return exitErr.ExitCode
	}

	fmt.Fprintln(os.Stderr, err)

	return 1
}

func printHelp(out *os.File) {
	fmt.Fprint(out, `usage: cubicle COMMAND [ARG...]

commands:
  enter NAME                          enter an existing environment
  exec NAME COMMAND [ARG...]          run a command inside an environment
  help                                show this message
  list [--format default|json|names]  list environments
  new [--enter] [--packages SPEC] NAME
                                      create a new environment
  packages [--format default|json|names]
                                      list known packages
  purge NAME...                       delete one or more environments
  reset [--clean] [--packages SPEC] NAME...
                                      rebuild one or more environments
  tmp [--packages SPEC]               create and enter a throwaway environment
`)
}
