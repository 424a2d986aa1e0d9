// Package testtree keeps the test records discovered in native test
// executables and the results produced for them.
package testtree

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// Test is a test record owned by the tree. Records are grouped by the
// executable (parent) that declares them.
type Test struct {
	Parent string
	Info   types.TestInfo

	// Result of the most recent run, nil if the test never ran.
	Last *types.TestResult
}

// Stats aggregates the results of one run.
type Stats struct {
	Total    int
	Passed   int
	Failed   int
	Skipped  int
	Errored  int
	PassRate float64
	Status   types.TestStatus
	Duration time.Duration
}

// Tree is a concurrency safe store of test records and results.
type Tree struct {
	mu      sync.RWMutex
	tests   map[string]map[string]*Test // parent -> id -> test
	results map[string][]recorded // runID -> results in completion order
}

type recorded struct {
	parent string
	result types.TestResult
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		tests:   make(map[string]map[string]*Test),
		results: make(map[string][]recorded),
	}
}

// CreateTest adds a record below parent. An existing record with the same
// id is replaced.
func (t *Tree) CreateTest(parent string, info types.TestInfo) *Test {
	t.mu.Lock()
	defer t.mu.Unlock()
	group, ok := t.tests[parent]
	if !ok {
		group = make(map[string]*Test)
		t.tests[parent] = group
	}
	test := &Test{Parent: parent, Info: info}
	group[info.ID] = test
	return test
}

// UpdateTest replaces the description of test and reports whether it changed.
func (t *Tree) UpdateTest(test *Test, info types.TestInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if test.Info.Equal(info) {
		return false
	}
	if info.ID != test.Info.ID {
		group := t.tests[test.Parent]
		delete(group, test.Info.ID)
		group[info.ID] = test
	}
	test.Info = info
	return true
}

// RemoveTest deletes test from the tree.
func (t *Tree) RemoveTest(test *Test) {
	t.mu.Lock()
	defer t.mu.Unlock()
	group := t.tests[test.Parent]
	if group[test.Info.ID] == test {
		delete(group, test.Info.ID)
	}
	if len(group) == 0 {
		delete(t.tests, test.Parent)
	}
}

// Lookup returns the record with the given id below parent.
func (t *Tree) Lookup(parent, id string) (*Test, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	test, ok := t.tests[parent][id]
	return test, ok
}

// Tests returns the records below parent sorted by id.
func (t *Tree) Tests(parent string) []*Test {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Test, 0, len(t.tests[parent]))
	for _, test := range t.tests[parent] {
		out = append(out, test)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Parents returns the names of all executables with at least one test.
func (t *Tree) Parents() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tests))
	for p := range t.tests {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Results returns the results recorded for runID in completion order.
func (t *Tree) Results(runID string) []types.TestResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.TestResult, 0, len(t.results[runID]))
	for _, r := range t.results[runID] {
		out = append(out, r.result)
	}
	return out
}

// ResultsOf returns the results recorded for runID below parent.
func (t *Tree) ResultsOf(parent, runID string) []types.TestResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.TestResult
	for _, r := range t.results[runID] {
		if r.parent == parent {
			out = append(out, r.result)
		}
	}
	return out
}

// ComputeStats summarises results.
func ComputeStats(results []types.TestResult) Stats {
	var s Stats
	for _, r := range results {
		s.Total++
		s.Duration += r.Duration
		switch r.Status {
		case types.TestStatusPass:
			s.Passed++
		case types.TestStatusFail:
			s.Failed++
		case types.TestStatusSkip:
			s.Skipped++
		case types.TestStatusError:
			s.Errored++
		}
	}
	if executed := s.Total - s.Skipped; executed > 0 {
		s.PassRate = float64(s.Passed) / float64(executed) * 100
	}
	switch {
	case s.Errored > 0:
		s.Status = types.TestStatusError
	case s.Failed > 0:
		s.Status = types.TestStatusFail
	case s.Total > 0 && s.Skipped == s.Total:
		s.Status = types.TestStatusSkip
	default:
		s.Status = types.TestStatusPass
	}
	return s
}

func (t *Tree) record(parent string, test *Test, res types.TestResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[res.RunID] = append(t.results[res.RunID], recorded{parent: parent, result: res})
	if test != nil {
		last := res
		test.Last = &last
	}
}
