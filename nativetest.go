// Package nativetest runs the tests of native test executables, once or
// periodically, and reports their results.
package nativetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-nativetest/exitcodes"
	"github.com/ethereum-optimism/infra/op-nativetest/executable"
	"github.com/ethereum-optimism/infra/op-nativetest/framework"
	"github.com/ethereum-optimism/infra/op-nativetest/framework/catch2"
	"github.com/ethereum-optimism/infra/op-nativetest/framework/gtest"
	"github.com/ethereum-optimism/infra/op-nativetest/metrics"
	"github.com/ethereum-optimism/infra/op-nativetest/process"
	"github.com/ethereum-optimism/infra/op-nativetest/registry"
	"github.com/ethereum-optimism/infra/op-nativetest/reporting"
	"github.com/ethereum-optimism/infra/op-nativetest/service"
	"github.com/ethereum-optimism/infra/op-nativetest/taskpool"
	"github.com/ethereum-optimism/infra/op-nativetest/testtree"
	"github.com/ethereum-optimism/infra/op-nativetest/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// nativeTest implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &nativeTest{}

// nativeTest loads the executables of the registry file and runs them.
type nativeTest struct {
	ctx     context.Context
	config  *Config
	version string
	clock   clock.Clock
	out     io.Writer

	frameworks *framework.Registry
	detector   *framework.Detector
	registry   *registry.Registry
	pool       *taskpool.TaskPool
	tree       *testtree.Tree
	logs       *reporting.LogWriter
	scheduler  TestScheduler

	// defaultLimit is shared by the executables without a timeout of their
	// own and follows the registry file's default.
	defaultLimit *process.TimeLimit
	svc        *service.Service

	mu          sync.Mutex
	executables map[string]*managedExecutable
	result      *reporting.Summary

	ready            atomic.Bool
	running          atomic.Bool
	shutdownCallback func(error)
}

// managedExecutable remembers the registry entry an executable was built
// from so that configuration changes replace it. limit is the entry's own
// time limit, nil when it inherits the default.
type managedExecutable struct {
	entry registry.Executable
	exe   *executable.Executable
	limit *process.TimeLimit
}

// target is one registry entry of a run, either built or failed to build.
type target struct {
	name string
	exe  *executable.Executable
	err  error
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*nativeTest, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating op-nativetest with config",
		"configFile", config.ConfigFile,
		"concurrency", config.Concurrency,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"allowSkips", config.AllowSkips)

	frameworks, err := framework.NewRegistry(catch2.Kind{}, gtest.Kind{})
	if err != nil {
		return nil, fmt.Errorf("failed to create framework registry: %w", err)
	}
	detector, err := framework.NewDetector(frameworks, framework.DefaultDetectCacheSize, config.Log)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewRegistry(registry.Config{
		Log:            config.Log,
		ConfigFile:     config.ConfigFile,
		Frameworks:     frameworks.Names(),
		DefaultTimeout: config.TestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	taskPool, err := taskpool.New(config.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create task pool: %w", err)
	}
	logs, err := reporting.NewLogWriter(config.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	n := &nativeTest{
		ctx:              ctx,
		config:           config,
		version:          version,
		clock:            clock.NewClock(),
		out:              os.Stdout,
		frameworks:       frameworks,
		detector:         detector,
		registry:         reg,
		pool:             taskPool,
		tree:             testtree.New(),
		logs:             logs,
		scheduler:        NewDefaultTestScheduler(config.RunInterval, config.RunOnce, config.Log),
		defaultLimit:     process.NewTimeLimit(config.TestTimeout),
		executables:      make(map[string]*managedExecutable),
		shutdownCallback: shutdownCallback,
	}
	n.svc = service.New(service.Config{
		HealthzAddr: config.HealthzAddr,
		MetricsAddr: metricsAddr(config),
		Ready:       n.ready.Load,
		Log:         config.Log,
	})
	n.scheduler.RegisterCallback(n.runTests)
	config.Log.Info("Created registry and task pool", "executables", len(reg.Executables()), "slots", config.Concurrency)
	return n, nil
}

func metricsAddr(config *Config) string {
	if config.Metrics.ListenAddr == "" {
		return ""
	}
	return net.JoinHostPort(config.Metrics.ListenAddr, strconv.Itoa(config.Metrics.ListenPort))
}

// Start serves healthz and metrics, runs the tests and, in periodic mode,
// leaves the scheduler running.
// Start implements the cliapp.Lifecycle interface.
func (n *nativeTest) Start(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			n.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	n.ctx = ctx
	n.running.Store(true)
	if err := n.svc.Start(); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start service: %w", err))
	}

	if n.config.RunOnce {
		n.config.Log.Info("Starting op-nativetest in run-once mode", "version", n.version)
	} else {
		n.config.Log.Info("Starting op-nativetest in periodic mode", "version", n.version, "interval", n.config.RunInterval)
	}

	if err := n.scheduler.Start(ctx); err != nil {
		n.config.Log.Error("Runtime error running tests", "error", err)
		return err
	}

	if n.config.RunOnce {
		n.config.Log.Info("Tests completed, exiting (run-once mode)")
		if err := n.outcome(); err != nil {
			n.config.Log.Warn("Run-once test run did not pass", "err", err)
			return err
		}
		go func() {
			n.shutdownCallback(nil)
		}()
	}
	return nil
}

// outcome turns the last summary into the error deciding the exit code.
func (n *nativeTest) outcome() error {
	summary := n.LastResult()
	if summary == nil {
		return NewRuntimeError(errors.New("no test run completed"))
	}
	if err := newExecutablesError(summary); err != nil {
		return err
	}
	stats := summary.Stats()
	switch {
	case stats.Failed > 0 || stats.Errored > 0:
		return newFailedRunError(summary)
	case stats.Status == types.TestStatusSkip && !n.config.AllowSkips:
		return NewTestFailureError(fmt.Sprintf("all %d tests were skipped", stats.Total))
	}
	return nil
}

// runTests runs all tests and processes the results. Only a registry that
// cannot be loaded fails the run; problems with single executables are
// reported with their results.
func (n *nativeTest) runTests(ctx context.Context) error {
	runID := uuid.New().String()
	started := n.clock.Now()
	log := n.config.Log.New("run", runID)
	log.Info("Running all tests...")

	targets, err := n.syncExecutables(ctx)
	if err != nil {
		log.Error("Runtime error loading executables", "error", err)
		metrics.RecordErrorDetails("registry", err)
		return NewRuntimeError(err)
	}

	results := make([]reporting.ExecutableResults, len(targets))
	p := pool.New()
	for i, tgt := range targets {
		p.Go(func() {
			results[i] = n.runExecutable(ctx, runID, tgt)
		})
	}
	p.Wait()

	summary := &reporting.Summary{
		RunID:       runID,
		Duration:    n.clock.Since(started),
		Executables: results,
	}
	n.mu.Lock()
	n.result = summary
	n.mu.Unlock()

	n.report(summary)
	n.ready.Store(true)
	log.Info("Test run completed", "status", summary.Stats().Status, "duration", summary.Duration)
	return nil
}

// runExecutable reloads the tests of one executable if its binary changed
// and runs them.
func (n *nativeTest) runExecutable(ctx context.Context, runID string, tgt target) reporting.ExecutableResults {
	res := reporting.ExecutableResults{Name: tgt.name}
	if tgt.err != nil {
		res.Error = tgt.err
		return res
	}
	started := n.clock.Now()
	defer func() { res.Duration = n.clock.Since(started) }()

	if _, err := tgt.exe.Reload(ctx, false); err != nil {
		res.Error = fmt.Errorf("failed to list tests: %w", err)
		metrics.RecordError("reload")
		return res
	}
	direct, parent := n.selectTests(tgt.exe)
	report, err := tgt.exe.Run(ctx, executable.Request{RunID: runID, Direct: direct, Parent: parent})
	if report != nil {
		res.Results = report.Results
	}
	if err != nil {
		res.Error = err
	}
	return res
}

// selectTests splits the known tests of exe into those matched by the run
// pattern and the rest.
func (n *nativeTest) selectTests(exe *executable.Executable) (direct, parent []string) {
	for _, t := range exe.Tests() {
		if n.config.RunPattern != nil && n.config.RunPattern.MatchString(exe.Name()+"/"+t.Info.ID) {
			direct = append(direct, t.Info.ID)
		} else {
			parent = append(parent, t.Info.ID)
		}
	}
	return direct, parent
}

// syncExecutables reloads the registry file and brings the managed
// executables in line with it, in file order. Timeout changes are applied to
// the running limits; other changes rebuild the executable.
func (n *nativeTest) syncExecutables(ctx context.Context) ([]target, error) {
	if err := n.registry.Reload(); err != nil {
		return nil, err
	}
	n.applyDefaults(n.registry.Defaults())
	entries := n.registry.Executables()

	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	targets := make([]target, 0, len(entries))
	for _, entry := range entries {
		seen[entry.Name] = true
		if cur, ok := n.executables[entry.Name]; ok {
			if sameExceptTimeout(cur.entry, entry) {
				if cur.limit != nil && cur.entry.Timeout != entry.Timeout {
					n.config.Log.Info("Executable timeout changed", "name", entry.Name, "from", cur.entry.Timeout, "to", entry.Timeout)
					cur.limit.Set(entry.Timeout)
				}
				cur.entry = entry
				targets = append(targets, target{name: entry.Name, exe: cur.exe})
				continue
			}
			cur.exe.Close()
			delete(n.executables, entry.Name)
		}

		managed, err := n.newExecutable(ctx, entry)
		if err != nil {
			n.config.Log.Warn("Cannot use executable", "name", entry.Name, "path", entry.Path, "err", err)
			targets = append(targets, target{name: entry.Name, err: err})
			continue
		}
		n.executables[entry.Name] = managed
		targets = append(targets, target{name: entry.Name, exe: managed.exe})
	}

	for name, cur := range n.executables {
		if seen[name] {
			continue
		}
		n.config.Log.Info("Executable removed from registry", "name", name)
		cur.exe.Close()
		delete(n.executables, name)
	}
	for _, parent := range n.tree.Parents() {
		if seen[parent] {
			continue
		}
		for _, t := range n.tree.Tests(parent) {
			n.tree.RemoveTest(t)
		}
	}
	return targets, nil
}

// applyDefaults updates the shared time limit and the number of slots from
// the registry file, falling back to the command line settings.
func (n *nativeTest) applyDefaults(defaults registry.Defaults) {
	if limit := n.defaultLimit.Get(); limit != defaults.Timeout {
		n.config.Log.Info("Default test timeout changed", "from", limit, "to", defaults.Timeout)
		n.defaultLimit.Set(defaults.Timeout)
	}
	slots := n.config.Concurrency
	if defaults.Concurrency > 0 {
		slots = defaults.Concurrency
	}
	if cur := n.pool.MaxTaskCount(); cur != slots {
		n.config.Log.Info("Concurrency changed", "from", cur, "to", slots)
		if err := n.pool.SetMaxTaskCount(slots); err != nil {
			n.config.Log.Error("Failed to change concurrency", "err", err)
		}
	}
}

func sameExceptTimeout(a, b registry.Executable) bool {
	a.Timeout, b.Timeout = 0, 0
	return reflect.DeepEqual(a, b)
}

func (n *nativeTest) newExecutable(ctx context.Context, entry registry.Executable) (*managedExecutable, error) {
	fw, err := n.framework(ctx, entry)
	if err != nil {
		return nil, err
	}
	managed := &managedExecutable{entry: entry}
	limit := n.defaultLimit
	if !entry.InheritsTimeout {
		managed.limit = process.NewTimeLimit(entry.Timeout)
		limit = managed.limit
	}
	managed.exe, err = executable.New(executable.Config{
		Name:                 entry.Name,
		Path:                 entry.Path,
		Dir:                  entry.Dir,
		Args:                 entry.Args,
		Env:                  entry.Env,
		Framework:            fw,
		Pool:                 n.pool,
		Tree:                 n.tree,
		TimeLimit:            limit,
		ParallelizationLimit: entry.ParallelizationLimit,
		LowPriority:          entry.LowPriority,
		Clock:                n.clock,
		Logger:               n.config.Log,
	})
	if err != nil {
		return nil, err
	}
	return managed, nil
}

// framework resolves the framework named by entry from the executable's
// --help output. A named framework only has its version detected.
func (n *nativeTest) framework(ctx context.Context, entry registry.Executable) (framework.Framework, error) {
	if entry.Framework == registry.FrameworkAuto {
		return n.detector.Detect(ctx, entry.Path)
	}
	kind, ok := n.frameworks.Lookup(entry.Framework)
	if !ok {
		return nil, fmt.Errorf("unknown framework %q", entry.Framework)
	}
	return n.detector.DetectVersion(ctx, entry.Path, kind)
}

// report prints the results table and the summary line, writes the output
// logs and records the run metrics.
func (n *nativeTest) report(summary *reporting.Summary) {
	reporting.PrintTable(n.out, summary, reporting.TableOptions{ShowPassed: n.config.ShowOutput})
	fmt.Fprintln(n.out, summary.String())

	if err := n.logs.Write(summary); err != nil {
		n.config.Log.Error("Failed to write test logs", "err", err)
		metrics.RecordErrorDetails("logs", err)
	} else {
		n.config.Log.Info("Test logs written", "dir", n.logs.RunDir(summary.RunID))
	}

	stats := summary.Stats()
	metrics.RecordRun(summary.RunID, string(stats.Status), stats.Total, stats.Passed, stats.Failed, summary.Duration)
}

// LastResult returns the summary of the most recent run, nil before the
// first run completed.
func (n *nativeTest) LastResult() *reporting.Summary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.result
}

// Stop stops the scheduler, background reloads and the servers. A run in
// progress is cancelled through the context passed to Start.
// Stop implements the cliapp.Lifecycle interface.
func (n *nativeTest) Stop(ctx context.Context) error {
	n.config.Log.Info("Stopping op-nativetest")
	if !n.running.Swap(false) {
		n.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	if err := n.scheduler.Stop(); err != nil {
		return err
	}
	waitErr := n.scheduler.WaitForShutdown(ctx)

	n.mu.Lock()
	for _, cur := range n.executables {
		cur.exe.Close()
	}
	n.mu.Unlock()
	n.svc.Shutdown(ctx)

	n.config.Log.Info("op-nativetest stopped successfully")
	return waitErr
}

func (n *nativeTest) Stopped() bool {
	return !n.running.Load()
}
