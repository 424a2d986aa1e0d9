package testtree

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// Builder accumulates the result of one test in one run. Build must be
// called exactly once.
type Builder struct {
	tree   *Tree
	test   *Test
	parent string
	clock  clock.Clock

	mu       sync.Mutex
	result   types.TestResult
	duration bool
	built    bool
}

// NewBuilder starts a result for test. test may be nil for tests that are
// reported by an executable but unknown to the tree; info then describes it.
func (t *Tree) NewBuilder(test *Test, info types.TestInfo, runID string) *Builder {
	var parent string
	if test != nil {
		info = test.Info
		parent = test.Parent
	}
	return &Builder{
		tree:   t,
		test:   test,
		parent: parent,
		clock:  clock.NewClock(),
		result: types.TestResult{
			Info:   info,
			RunID:  runID,
			Status: types.TestStatusRunning,
		},
	}
}

// WithClock replaces the clock used to measure durations.
func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// WithParent files the result below parent. Results of known tests are
// filed below the parent of their record.
func (b *Builder) WithParent(parent string) *Builder {
	b.parent = parent
	return b
}

// ID returns the test id.
func (b *Builder) ID() string {
	return b.result.Info.ID
}

func (b *Builder) Started() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result.Started.IsZero() {
		b.result.Started = b.clock.Now()
	}
}

func (b *Builder) Passed() {
	b.setStatus(types.TestStatusPass, "")
}

func (b *Builder) Failed(msg string) {
	b.setStatus(types.TestStatusFail, msg)
}

// Errored marks the test errored. Errored is never downgraded by a later
// Passed or Failed.
func (b *Builder) Errored(msg string) {
	b.setStatus(types.TestStatusError, msg)
}

func (b *Builder) Skipped(reason string) {
	b.setStatus(types.TestStatusSkip, reason)
}

// AddFailure records a failed assertion. A running or passed test becomes
// failed.
func (b *Builder) AddFailure(f types.Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Failures = append(b.result.Failures, f)
	if b.result.Status == types.TestStatusRunning || b.result.Status == types.TestStatusPass {
		b.result.Status = types.TestStatusFail
	}
}

// AppendOutput attributes captured output to the test.
func (b *Builder) AppendOutput(text string) {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Output = append(b.result.Output, strings.Split(text, "\n")...)
}

// SetDuration records the duration reported by the framework.
func (b *Builder) SetDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Duration = d
	b.duration = true
}

// Status returns the status accumulated so far.
func (b *Builder) Status() types.TestStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result.Status
}

// Built reports whether Build was called.
func (b *Builder) Built() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.built
}

// Build finalises the result and records it in the tree. A test that never
// reported a final status is errored. Calling Build twice panics.
func (b *Builder) Build() types.TestResult {
	b.mu.Lock()
	if b.built {
		b.mu.Unlock()
		panic(fmt.Sprintf("testtree: result for %q built twice", b.result.Info.ID))
	}
	b.built = true
	if !b.result.Status.IsFinal() {
		b.result.Status = types.TestStatusError
		if b.result.Message == "" {
			b.result.Message = "test did not report a result"
		}
	}
	if !b.duration && !b.result.Started.IsZero() {
		b.result.Duration = b.clock.Since(b.result.Started)
	}
	res := b.result
	b.mu.Unlock()

	b.tree.record(b.parent, b.test, res)
	return res
}

func (b *Builder) setStatus(status types.TestStatus, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result.Status == types.TestStatusError && status != types.TestStatusError {
		return
	}
	if status == types.TestStatusPass && len(b.result.Failures) > 0 {
		status = types.TestStatusFail
	}
	b.result.Status = status
	if msg != "" {
		if b.result.Message != "" && status == types.TestStatusError {
			b.result.Message += "\n" + msg
		} else {
			b.result.Message = msg
		}
	}
}
