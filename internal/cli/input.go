package cli

import (
	"context"
	"errors"
	"fmt"

	"assetweaver/internal/assetdb"
	"assetweaver/internal/pipeline"
)

const (
	ExitSuccess           = 0
	ExitPartialFailure    = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError carries the exit code for errors detected before any
// pipeline work starts.
type InvocationError struct {
	ExitCode int
	Message  string
	Cause    error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Cause }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configError(msg string, err error) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: msg, Cause: err}
}

// ExitCode maps an error to a semantic exit code.
//
//   - nil and cancellation are success.
//   - Invocation errors carry their own code.
//   - A corrupt database is a configuration error: the operator must decide.
//   - Everything else, including persistence failures, is internal.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if errors.Is(err, assetdb.ErrCorruptState) {
		return ExitConfigError
	}
	return ExitInternalError
}

// reportExitCode maps a finished cycle to an exit code.
func reportExitCode(rep *pipeline.Report) int {
	if rep == nil {
		return ExitInternalError
	}
	switch {
	case rep.Result == pipeline.ResultFatal:
		return ExitInternalError
	case rep.Result == pipeline.ResultCancelled:
		return ExitSuccess
	case rep.Result == pipeline.ResultPartialFailure, rep.PackErr != nil:
		return ExitPartialFailure
	default:
		return ExitSuccess
	}
}
