package executable

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/metrics"
	"github.com/ethereum-optimism/infra/op-nativetest/process"
	"github.com/ethereum-optimism/infra/op-nativetest/taskpool"
	"github.com/ethereum-optimism/infra/op-nativetest/testtree"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

// Request selects the tests of one run by id.
type Request struct {
	RunID string // Generated when empty

	// Direct tests were selected explicitly and run even when skipped.
	Direct []string
	// Parent tests were selected through their executable. Skipped ones are
	// reported as skipped without running.
	Parent []string
}

// ChunkReport describes one process of a run.
type ChunkReport struct {
	Tests  []string
	Result process.Result
}

// Report is the outcome of Run.
type Report struct {
	RunID      string
	Results    []types.TestResult
	Chunks     []ChunkReport
	Missing    []string // Requested tests the executable never reported
	Unexpected []string // Reported tests that were not requested
	Output     []string // Process output that belongs to no test
	Reloading  bool     // A background reload was scheduled
}

// Stats summarizes the results of the report.
func (r *Report) Stats() testtree.Stats {
	return testtree.ComputeStats(r.Results)
}

// Run runs the requested tests. Every requested test known to the executable
// gets exactly one result. Unknown ids are ignored.
func (e *Executable) Run(ctx context.Context, req Request) (*Report, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("run %s", e.cfg.Name))
	defer span.End()
	span.SetAttributes(attribute.String("run_id", req.RunID))

	if err := e.lock.Lock(ctx); err != nil {
		return nil, err
	}
	report, err := e.run(ctx, req)
	e.lock.Unlock()

	if report != nil && (len(report.Unexpected) > 0 || report.missingAfterOk) {
		e.log.Info("Test list changed, reloading", "missing", len(report.Missing), "unexpected", len(report.Unexpected))
		report.Reloading = true
		e.scheduleReload()
	}
	if err != nil {
		span.RecordError(err)
		return report.public(), err
	}
	return report.public(), nil
}

// runState is the report while chunks are still running.
type runState struct {
	Report
	mu             sync.Mutex
	missingAfterOk bool
}

func (s *runState) public() *Report {
	if s == nil {
		return nil
	}
	return &s.Report
}

func (e *Executable) run(ctx context.Context, req Request) (*runState, error) {
	state := &runState{Report: Report{RunID: req.RunID}}
	tree := e.cfg.Tree

	var (
		toRun []*testtree.Test
		seen  = make(map[string]bool)
	)
	add := func(id string, direct bool) {
		if seen[id] {
			return
		}
		seen[id] = true
		t, ok := tree.Lookup(e.cfg.Name, id)
		if !ok {
			e.log.Warn("Ignoring unknown test", "test", id)
			return
		}
		if !direct && t.Info.Skipped {
			b := tree.NewBuilder(t, t.Info, req.RunID).WithClock(e.clock)
			b.Skipped("disabled")
			b.Build()
			return
		}
		toRun = append(toRun, t)
	}
	for _, id := range req.Direct {
		add(id, true)
	}
	for _, id := range req.Parent {
		add(id, false)
	}

	ids := make([]string, len(toRun))
	byID := make(map[string]*testtree.Test, len(toRun))
	for i, t := range toRun {
		ids[i] = t.Info.ID
		byID[t.Info.ID] = t
	}

	var chunks [][]string
	known := len(tree.Tests(e.cfg.Name))
	for _, bucket := range splitBuckets(ids, known, e.cfg.ParallelizationLimit) {
		chunks = append(chunks, splitChunks(bucket, e.cfg.ChunkBudget)...)
	}
	e.log.Debug("Running tests", "run", req.RunID, "tests", len(ids), "chunks", len(chunks))

	// A chunk that fails to spawn leaves its siblings running. Only ctx
	// cancels them.
	var g errgroup.Group
	for _, chunk := range chunks {
		g.Go(func() error {
			started := false
			err := e.cfg.Pool.Run(ctx, func(ctx context.Context, slot taskpool.Slot) error {
				started = true
				return e.runChunk(ctx, state, slot, chunk, byID)
			})
			if err != nil && !started {
				e.errorAll(state.RunID, chunk, byID, "test run was cancelled")
			}
			return err
		})
	}
	err := g.Wait()

	state.Results = tree.ResultsOf(e.cfg.Name, req.RunID)
	for _, res := range state.Results {
		metrics.RecordTest(e.cfg.Name, res.Status)
	}
	if err == nil {
		err = ctx.Err()
	}
	return state, err
}

func (e *Executable) runChunk(ctx context.Context, state *runState, slot taskpool.Slot, ids []string, byID map[string]*testtree.Test) error {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("chunk %s", e.cfg.Name))
	defer span.End()
	span.SetAttributes(attribute.Int("tests", len(ids)), attribute.Int("slot", int(slot)))
	e.recordSlots()

	sink := &runSink{
		e:        e,
		runID:    state.RunID,
		expected: make(map[string]*testtree.Test, len(ids)),
		begun:    make(map[string]bool),
	}
	for _, id := range ids {
		sink.expected[id] = byID[id]
	}

	h, err := e.spawn(ctx, e.cfg.Framework.RunArgs(ids))
	if err != nil {
		span.RecordError(err)
		e.errorAll(state.RunID, ids, byID, fmt.Sprintf("failed to start test process: %v", err))
		return err
	}
	res, err := e.stream(h, e.cfg.Framework.NewRunSession(sink, e.log))
	if err != nil {
		e.log.Warn("Failed to process test output", "pid", h.Pid(), "err", err)
	}
	span.SetAttributes(attribute.String("result", res.Kind.String()))

	missing, unexpected := sink.finish(ids, res)
	if len(missing) > 0 {
		e.log.Warn("Tests were not reported", "count", len(missing), "result", res)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.Chunks = append(state.Chunks, ChunkReport{Tests: ids, Result: res})
	state.Missing = append(state.Missing, missing...)
	state.Unexpected = append(state.Unexpected, unexpected...)
	state.Output = append(state.Output, sink.output...)
	if len(missing) > 0 && res.Kind == process.ResultOk {
		state.missingAfterOk = true
	}
	return nil
}

// runSink hands out builders for the tests one process reports.
type runSink struct {
	e        *Executable
	runID    string
	expected map[string]*testtree.Test

	mu         sync.Mutex
	builders   []*testtree.Builder
	begun      map[string]bool
	unexpected []string
	output     []string
}

var _ framework.RunSink = (*runSink)(nil)

func (s *runSink) Begin(id string) framework.Builder {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree := s.e.cfg.Tree
	t, ok := s.expected[id]
	if !ok {
		s.unexpected = append(s.unexpected, id)
		t, _ = tree.Lookup(s.e.cfg.Name, id)
	} else if s.begun[id] {
		s.e.log.Warn("Test reported twice", "test", id)
	}
	s.begun[id] = true
	b := tree.NewBuilder(t, types.TestInfo{ID: id, Name: id}, s.runID).WithParent(s.e.cfg.Name).WithClock(s.e.clock)
	s.builders = append(s.builders, b)
	return b
}

func (s *runSink) Output(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, text)
}

// finish completes the builders the process left open and errors the
// requested tests it never reported.
func (s *runSink) finish(ids []string, res process.Result) (missing, unexpected []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := leftBehindMessage(res, s.e.cfg.TimeLimit)
	for _, b := range s.builders {
		if !b.Built() {
			s.e.log.Debug("Test did not finish", "test", b.ID(), "status", b.Status(), "result", res)
			b.Errored(msg)
			b.Build()
		}
	}
	for _, id := range ids {
		if s.begun[id] {
			continue
		}
		missing = append(missing, id)
		b := s.e.cfg.Tree.NewBuilder(s.expected[id], types.TestInfo{ID: id}, s.runID).WithParent(s.e.cfg.Name).WithClock(s.e.clock)
		if res.Kind == process.ResultOk {
			b.Errored("test was not reported by the executable")
		} else {
			b.Errored(msg)
		}
		b.Build()
	}
	return missing, s.unexpected
}

// errorAll records an errored result for tests that never got a process.
func (e *Executable) errorAll(runID string, ids []string, byID map[string]*testtree.Test, msg string) {
	for _, id := range ids {
		b := e.cfg.Tree.NewBuilder(byID[id], types.TestInfo{ID: id}, runID).WithParent(e.cfg.Name).WithClock(e.clock)
		b.Errored(msg)
		b.Build()
	}
}

func leftBehindMessage(res process.Result, limit *process.TimeLimit) string {
	switch res.Kind {
	case process.ResultCancelledByUser:
		return "test run was cancelled"
	case process.ResultTimeoutByUser:
		if limit != nil {
			return fmt.Sprintf("test run timed out after %s", limit.Get())
		}
		return "test run timed out"
	case process.ResultErrored:
		return "test process crashed: " + res.Message
	default:
		return fmt.Sprintf("test process exited with code %d before the test finished", res.ExitCode)
	}
}
