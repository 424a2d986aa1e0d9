// Package exitcodes defines the exit codes of op-nativetest.
package exitcodes

// A run-once invocation exits with TestFailure when any executed test failed
// or errored, and with RuntimeErr when the run itself could not complete.
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
