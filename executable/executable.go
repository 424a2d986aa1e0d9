// Package executable lists and runs the tests of one native test binary.
//
// Reloads and runs of the same executable never overlap. Runs are split into
// buckets for the executable's declared parallelism and into chunks that keep
// command lines short, each chunk running as one process under a slot of the
// shared task pool.
package executable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/metrics"
	"github.com/ethereum-optimism/infra/op-nativetest/process"
	"github.com/ethereum-optimism/infra/op-nativetest/taskpool"
	"github.com/ethereum-optimism/infra/op-nativetest/testtree"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
)

const (
	// DefaultChunkBudget bounds the summed length of the test ids passed to
	// one process.
	DefaultChunkBudget = 30000
	// DefaultParallelizationLimit is the number of processes one run of an
	// executable may use when its configuration does not say otherwise.
	DefaultParallelizationLimit = 1
)

var (
	// BusyRetryDelay is the wait before spawning again after the binary was
	// reported busy.
	BusyRetryDelay = 2 * time.Second
	// BusyRetryAttempts is the number of retries after a busy error.
	BusyRetryAttempts = 1
)

// Config describes one executable.
type Config struct {
	Name      string // Parent of the executable's test records
	Path      string
	Dir       string
	Args      []string // Passed before the framework arguments
	Env       []string
	Framework framework.Framework

	Pool *taskpool.TaskPool
	Tree *testtree.Tree

	TimeLimit            *process.TimeLimit // Shared limit per process, nil for none
	ParallelizationLimit int
	ChunkBudget          int
	LowPriority          bool

	Clock  clock.Clock
	Logger log.Logger
}

// Executable is a test binary whose tests are kept in a testtree.Tree.
type Executable struct {
	cfg    Config
	log    log.Logger
	clock  clock.Clock
	tracer trace.Tracer
	lock   *busyLock
	start  func(ctx context.Context, spec process.Spec, opts ...process.Option) (*process.Handle, error)

	modTime time.Time // guarded by lock

	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Executable, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("executable name is required")
	case cfg.Path == "":
		return nil, fmt.Errorf("executable %s: path is required", cfg.Name)
	case cfg.Framework == nil:
		return nil, fmt.Errorf("executable %s: framework is required", cfg.Name)
	case cfg.Pool == nil || cfg.Tree == nil:
		return nil, fmt.Errorf("executable %s: task pool and test tree are required", cfg.Name)
	}
	if cfg.ParallelizationLimit < 1 {
		cfg.ParallelizationLimit = DefaultParallelizationLimit
	}
	if cfg.ChunkBudget < 1 {
		cfg.ChunkBudget = DefaultChunkBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executable{
		cfg:    cfg,
		log:    cfg.Logger.New("executable", cfg.Name),
		clock:  cfg.Clock,
		tracer: otel.Tracer("executable"),
		lock:   newBusyLock(),
		start:  process.Start,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (e *Executable) Name() string                   { return e.cfg.Name }
func (e *Executable) Path() string                   { return e.cfg.Path }
func (e *Executable) Framework() framework.Framework { return e.cfg.Framework }

// Busy reports whether a reload or a run is in progress.
func (e *Executable) Busy() bool {
	return e.lock.Busy()
}

// Tests returns the test records currently known for the executable.
func (e *Executable) Tests() []*testtree.Test {
	return e.cfg.Tree.Tests(e.cfg.Name)
}

// Close cancels background reloads and waits for them.
func (e *Executable) Close() {
	e.cancel()
	e.background.Wait()
}

// Reload lists the tests of the executable and replaces its records in the
// tree. Unless force is set, nothing happens while the binary's modification
// time is unchanged. It reports whether a listing was performed.
func (e *Executable) Reload(ctx context.Context, force bool) (bool, error) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("reload %s", e.cfg.Name))
	defer span.End()

	if err := e.lock.Lock(ctx); err != nil {
		return false, err
	}
	defer e.lock.Unlock()

	reloaded, err := e.reload(ctx, force)
	span.SetAttributes(attribute.Bool("reloaded", reloaded))
	if err != nil {
		span.RecordError(err)
	}
	return reloaded, err
}

func (e *Executable) reload(ctx context.Context, force bool) (bool, error) {
	st, err := os.Stat(e.cfg.Path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", e.cfg.Path, err)
	}
	modTime := st.ModTime()
	if !force && modTime.Equal(e.modTime) {
		e.log.Debug("Executable unchanged, skipping reload")
		return false, nil
	}

	started := e.clock.Now()
	var found []types.TestInfo
	sink := listSink(func(info types.TestInfo) { found = append(found, info) })
	err = e.cfg.Pool.Run(ctx, func(ctx context.Context, slot taskpool.Slot) error {
		e.recordSlots()
		session := e.cfg.Framework.NewListSession(sink, e.log)
		res, err := e.execute(ctx, e.cfg.Framework.ListArgs(), session)
		if err != nil {
			return err
		}
		switch res.Kind {
		case process.ResultOk:
			if res.ExitCode != 0 {
				// Catch2 v2 exits with the number of listed tests.
				e.log.Debug("Listing exited with non-zero code", "code", res.ExitCode)
			}
			return nil
		case process.ResultCancelledByUser:
			return ctx.Err()
		default:
			return fmt.Errorf("listing %s %s", e.cfg.Name, res)
		}
	})
	if err != nil {
		metrics.RecordErrorDetails("reload", err)
		return false, err
	}

	created, updated, removed := e.apply(found)
	e.modTime = modTime
	elapsed := e.clock.Since(started)
	metrics.RecordReloadDuration(e.cfg.Name, elapsed)
	e.log.Info("Reloaded tests", "tests", len(found), "created", created, "updated", updated, "removed", removed, "duration", elapsed)
	return true, nil
}

// apply makes the records of the executable match found.
func (e *Executable) apply(found []types.TestInfo) (created, updated, removed int) {
	tree := e.cfg.Tree
	seen := make(map[string]bool, len(found))
	for _, info := range found {
		if seen[info.ID] {
			e.log.Warn("Duplicate test in listing", "test", info.ID)
			continue
		}
		seen[info.ID] = true
		if t, ok := tree.Lookup(e.cfg.Name, info.ID); ok {
			if tree.UpdateTest(t, info) {
				updated++
			}
			continue
		}
		tree.CreateTest(e.cfg.Name, info)
		created++
	}
	for _, t := range tree.Tests(e.cfg.Name) {
		if !seen[t.Info.ID] {
			tree.RemoveTest(t)
			removed++
		}
	}
	return created, updated, removed
}

// spawn starts the executable with args, retrying while the binary is busy.
func (e *Executable) spawn(ctx context.Context, args []string) (*process.Handle, error) {
	spec := process.Spec{
		Path: e.cfg.Path,
		Args: append(append([]string{}, e.cfg.Args...), args...),
		Dir:  e.cfg.Dir,
		Env:  e.cfg.Env,
	}
	opts := []process.Option{
		process.WithClock(e.clock),
		process.WithLogger(e.log),
	}
	if e.cfg.TimeLimit != nil {
		opts = append(opts, process.WithTimeLimit(e.cfg.TimeLimit))
	}
	if e.cfg.LowPriority {
		opts = append(opts, process.WithLowPriority())
	}

	for attempt := 0; ; attempt++ {
		h, err := e.start(ctx, spec, opts...)
		if err == nil {
			return h, nil
		}
		if !process.IsBusy(err) || attempt >= BusyRetryAttempts {
			return nil, err
		}
		e.log.Warn("Executable is busy, retrying", "delay", BusyRetryDelay, "err", err)
		metrics.RecordBusyRetry(e.cfg.Name)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clock.After(BusyRetryDelay):
		}
	}
}

// execute spawns the executable and feeds its output to session until the
// process closes.
func (e *Executable) execute(ctx context.Context, args []string, session framework.Session) (process.Result, error) {
	h, err := e.spawn(ctx, args)
	if err != nil {
		return process.Result{}, err
	}
	res, err := e.stream(h, session)
	if err != nil {
		e.log.Warn("Failed to process output", "pid", h.Pid(), "err", err)
	}
	return res, nil
}

// stream copies both output streams of h into session, ends the session and
// waits for the process result. Output errors are returned alongside the
// result.
func (e *Executable) stream(h *process.Handle, session framework.Session) (process.Result, error) {
	var g errgroup.Group
	g.Go(func() error {
		stdout := h.Stdout()
		defer stdout.Close()
		if _, err := io.Copy(session, stdout); err != nil {
			_, _ = io.Copy(io.Discard, stdout)
			return fmt.Errorf("stdout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		stderr := h.Stderr()
		defer stderr.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				session.WriteStderr(buf[:n])
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("stderr: %w", err)
			}
		}
	})
	readErr := g.Wait()
	endErr := session.End()
	res := h.Wait()
	metrics.RecordProcessResult(e.cfg.Name, res.Kind.String())
	return res, errors.Join(readErr, endErr)
}

// scheduleReload reloads the executable in the background once the current
// operation has released the lock.
func (e *Executable) scheduleReload() {
	if e.ctx.Err() != nil {
		return
	}
	metrics.RecordDriftReload(e.cfg.Name)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if _, err := e.Reload(e.ctx, true); err != nil {
			e.log.Error("Background reload failed", "err", err)
		}
	}()
}

func (e *Executable) recordSlots() {
	st := e.cfg.Pool.Stats()
	metrics.RecordSlots(st.Used, st.Waiting)
}

type listSink func(types.TestInfo)

func (f listSink) AddTest(info types.TestInfo) { f(info) }
