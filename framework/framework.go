// Package framework defines how native test frameworks are driven: which
// arguments list and run tests, and how their output is turned into test
// records and results.
package framework

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// ListSink receives the tests found while listing an executable.
type ListSink interface {
	AddTest(info types.TestInfo)
}

// Builder accumulates the result of one test.
type Builder interface {
	Started()
	Passed()
	Failed(msg string)
	Errored(msg string)
	Skipped(reason string)
	AddFailure(f types.Failure)
	AppendOutput(text string)
	SetDuration(d time.Duration)
	Build() types.TestResult
}

// RunSink receives the results reported while running an executable.
type RunSink interface {
	// Begin returns the builder for the test with the given id. Ids that
	// were not requested still get a builder.
	Begin(id string) Builder
	// Output receives process output that belongs to no test.
	Output(text string)
}

// Session consumes the output of one process. Write receives standard
// output. Write and WriteStderr may be called concurrently.
type Session interface {
	io.Writer
	WriteStderr(p []byte)
	End() error
}

// Framework drives one kind of test executable.
type Framework interface {
	Name() string
	Version() string
	ListArgs() []string
	NewListSession(sink ListSink, l log.Logger) Session
	RunArgs(ids []string) []string
	NewRunSession(sink RunSink, l log.Logger) Session
}

// Kind recognises and creates a Framework.
type Kind interface {
	Name() string
	// Match inspects the --help output of an executable and reports whether
	// it belongs to this kind, along with the version if one is printed.
	Match(help string) (version string, ok bool)
	New(version string) Framework
}

// Registry holds the known framework kinds in detection order.
type Registry struct {
	kinds  []Kind
	byName map[string]Kind
}

// NewRegistry returns a registry of kinds. Names must be unique.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{byName: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		if _, dup := r.byName[k.Name()]; dup {
			return nil, fmt.Errorf("duplicate framework %q", k.Name())
		}
		r.byName[k.Name()] = k
		r.kinds = append(r.kinds, k)
	}
	return r, nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	k, ok := r.byName[name]
	return k, ok
}

// Kinds returns the registered kinds in detection order.
func (r *Registry) Kinds() []Kind {
	return append([]Kind(nil), r.kinds...)
}

// Names returns the sorted names of all kinds.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
