// Package types contains shared types used across the op-nativetest framework
package types

import (
	"fmt"
	"strings"
	"time"
)

// TestStatus represents the possible states of a test execution
type TestStatus string

const (
	TestStatusPass    TestStatus = "pass"
	TestStatusFail    TestStatus = "fail"
	TestStatusSkip    TestStatus = "skip"
	TestStatusError   TestStatus = "error"
	TestStatusRunning TestStatus = "running"
)

// IsFinal returns true for statuses a finished test can end up in.
func (s TestStatus) IsFinal() bool {
	switch s {
	case TestStatusPass, TestStatusFail, TestStatusSkip, TestStatusError:
		return true
	}
	return false
}

// TestInfo is the static description of a test as reported by an executable's listing.
type TestInfo struct {
	ID          string   // Identifier passed back to the executable to select this test
	Name        string   // Display name
	Suite       string   // Enclosing suite or fixture, empty if none
	File        string   // Source file, if the framework reports it
	Line        int      // Source line, 0 if unknown
	Tags        []string // Framework tags (e.g. Catch2 "[fast]")
	Description string
	Skipped     bool // Disabled or hidden by default
}

// Location returns "file:line", or an empty string if no file is known.
func (t TestInfo) Location() string {
	if t.File == "" {
		return ""
	}
	if t.Line <= 0 {
		return t.File
	}
	return fmt.Sprintf("%s:%d", t.File, t.Line)
}

// Equal reports whether two descriptions are identical.
func (t TestInfo) Equal(o TestInfo) bool {
	if t.ID != o.ID || t.Name != o.Name || t.Suite != o.Suite || t.File != o.File ||
		t.Line != o.Line || t.Description != o.Description || t.Skipped != o.Skipped {
		return false
	}
	if len(t.Tags) != len(o.Tags) {
		return false
	}
	for i := range t.Tags {
		if t.Tags[i] != o.Tags[i] {
			return false
		}
	}
	return true
}

// Failure is a single failed assertion or error location inside a test.
type Failure struct {
	File    string
	Line    int
	Message string
	Section []string // Section path inside the test, outermost first
}

func (f Failure) String() string {
	var b strings.Builder
	if len(f.Section) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(f.Section, " / "))
		b.WriteString("] ")
	}
	if f.File != "" {
		b.WriteString(fmt.Sprintf("%s:%d: ", f.File, f.Line))
	}
	b.WriteString(f.Message)
	return b.String()
}

// TestResult captures the outcome of a single test run
type TestResult struct {
	Info     TestInfo
	RunID    string
	Status   TestStatus
	Message  string        // Failure, error or skip reason
	Duration time.Duration // Reported by the framework when available, measured otherwise
	Failures []Failure
	Output   []string // Captured stdout/stderr lines attributed to this test
	Started  time.Time
}

// Error returns the result's message as an error, or nil for passing tests.
func (r *TestResult) Error() error {
	if r == nil || r.Status == TestStatusPass || r.Status == TestStatusSkip {
		return nil
	}
	if r.Message == "" && len(r.Failures) == 0 {
		return fmt.Errorf("test %s", r.Status)
	}
	parts := make([]string, 0, len(r.Failures)+1)
	if r.Message != "" {
		parts = append(parts, r.Message)
	}
	for _, f := range r.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Errorf("%s", strings.Join(parts, "\n"))
}

// GetTestDisplayName returns the name used when printing a test.
func GetTestDisplayName(info TestInfo) string {
	if info.Name != "" {
		return info.Name
	}
	return info.ID
}
