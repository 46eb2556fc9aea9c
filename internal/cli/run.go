package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Version is reported by --version.
var Version = "dev"

// exitError lets a command finish with a non-zero code without an error
// message, e.g. a cycle with per-asset failures.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Run executes the command line args (without argv[0]) and returns the exit
// code. It is the testable entry point of the binary.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "error:", err)
	}
	return ExitCode(err)
}
