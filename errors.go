package nativetest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-nativetest/reporting"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// RuntimeError is an operational failure that ends the process with exit
// code 2, such as a broken registry file. Executables names the registry
// entries that could not be listed or run, if that was the cause.
type RuntimeError struct {
	Err         error
	Executables []string
}

func (e *RuntimeError) Error() string {
	if len(e.Executables) > 0 {
		return fmt.Sprintf("runtime error: executables could not be run (%s): %v", strings.Join(e.Executables, ", "), e.Err)
	}
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError wraps err.
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// newExecutablesError collects the executables of a run that could not be
// run. It returns nil when every executable ran.
func newExecutablesError(summary *reporting.Summary) *RuntimeError {
	var (
		names []string
		errs  []error
	)
	for _, exe := range summary.Executables {
		if exe.Error == nil {
			continue
		}
		names = append(names, exe.Name)
		errs = append(errs, fmt.Errorf("%s: %w", exe.Name, exe.Error))
	}
	if len(names) == 0 {
		return nil
	}
	return &RuntimeError{Err: errors.Join(errs...), Executables: names}
}

// IsRuntimeError reports whether err is or wraps a RuntimeError.
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports a run in which tests failed (exit code 1). Tests
// holds the failed and errored tests as "<executable>/<test id>".
type TestFailureError struct {
	Message string
	Tests   []string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a TestFailureError with the run summary.
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// newFailedRunError describes a run whose summary has failed or errored
// tests.
func newFailedRunError(summary *reporting.Summary) *TestFailureError {
	err := NewTestFailureError(summary.String())
	for _, exe := range summary.Executables {
		for _, res := range exe.Results {
			if res.Status == types.TestStatusFail || res.Status == types.TestStatusError {
				err.Tests = append(err.Tests, exe.Name+"/"+res.Info.ID)
			}
		}
	}
	return err
}

// IsTestFailureError reports whether err is or wraps a TestFailureError.
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
