// Package process starts child processes and kills them when their context
// is cancelled or a shared time limit expires.
package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
)

// KillGracePeriod is how long a process may take to exit after the soft
// terminate signal before it is killed outright.
const KillGracePeriod = 5 * time.Second

const (
	lowPriorityDelay    = time.Second
	lowPriorityAttempts = 3
)

// State is the lifecycle position of a supervised process.
type State int

const (
	StateSpawned State = iota
	StateRunning
	StateClosed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Spec describes the process to spawn.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the current environment
}

type options struct {
	clock       clock.Clock
	limit       *TimeLimit
	log         log.Logger
	lowPriority bool
	observe     func(os.Signal)
}

// Option configures Start.
type Option func(*options)

// WithClock sets the clock used for the grace, time limit and priority timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTimeLimit subjects the process to a shared maximum running time.
func WithTimeLimit(l *TimeLimit) Option {
	return func(o *options) { o.limit = l }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithLowPriority lowers the OS scheduling priority of the process shortly
// after it starts.
func WithLowPriority() Option {
	return func(o *options) { o.lowPriority = true }
}

// withSignalObserver is called with every signal sent to the process.
func withSignalObserver(fn func(os.Signal)) Option {
	return func(o *options) { o.observe = fn }
}

// Handle is a running process started by Start.
type Handle struct {
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	ctx     context.Context
	clock   clock.Clock
	log     log.Logger
	observe func(os.Signal)
	started time.Time

	mu          sync.Mutex
	state       State
	closed      bool
	killed      bool
	killTimeout time.Duration

	done   chan struct{}
	result Result
}

// Start spawns the process described by spec and returns once the OS has
// started it. Cancelling ctx kills the process; the result is then
// ResultCancelledByUser. Any failure to spawn is returned as a *SpawnError.
//
// The caller must drain and close Stdout and Stderr.
func Start(ctx context.Context, spec Spec, opts ...Option) (*Handle, error) {
	o := options{
		clock: clock.NewClock(),
		log:   log.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if spec.Path == "" {
		return nil, &SpawnError{Path: spec.Path, Err: errors.New("empty executable path")}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	prepareCommand(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	h := &Handle{
		cmd:     cmd,
		stdout:  stdoutR,
		stderr:  stderrR,
		ctx:     ctx,
		clock:   o.clock,
		log:     o.log,
		observe: o.observe,
		state:   StateSpawned,
		done:    make(chan struct{}),
	}

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	h.started = h.clock.Now()
	h.mu.Lock()
	h.state = StateRunning
	h.mu.Unlock()
	h.log = h.log.New("pid", cmd.Process.Pid)
	h.log.Debug("Process started", "path", spec.Path, "args", len(spec.Args))

	go h.wait()
	go h.supervise(o.limit)
	if o.lowPriority {
		go h.deprioritize()
	}
	return h, nil
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Stdout returns the read end of the process's standard output.
func (h *Handle) Stdout() io.ReadCloser {
	return h.stdout
}

// Stderr returns the read end of the process's standard error.
func (h *Handle) Stderr() io.ReadCloser {
	return h.stderr
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the process has exited and its Result is known.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns its Result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Kill asks the process to terminate. A non-zero timeout marks the kill as
// caused by an expired time limit. If the process is still alive after
// KillGracePeriod it is killed outright. Calls after the first, or after the
// process exited, do nothing.
func (h *Handle) Kill(timeout time.Duration) {
	h.mu.Lock()
	if h.killed || h.closed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.killTimeout = timeout
	h.state = StateKilled
	h.mu.Unlock()

	h.log.Debug("Terminating process", "timeout", timeout)
	h.signal(softTerminateSignal)
	go h.escalate()
}

func (h *Handle) escalate() {
	timer := h.clock.NewTimer(KillGracePeriod)
	defer timer.Stop()
	select {
	case <-h.done:
		return
	case <-timer.C():
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	h.log.Warn("Process ignored terminate signal, killing", "grace", KillGracePeriod)
	h.signal(os.Kill)
}

func (h *Handle) signal(sig os.Signal) {
	if h.observe != nil {
		h.observe(sig)
	}
	if err := signalProcess(h.cmd.Process, sig); err != nil {
		h.log.Warn("Failed to signal process", "signal", sig, "err", err)
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.closed = true
	if h.state != StateKilled {
		h.state = StateClosed
	}
	h.result = h.classify(err)
	h.mu.Unlock()

	h.log.Debug("Process exited", "result", h.result)
	close(h.done)
}

// classify must be called with h.mu held.
func (h *Handle) classify(waitErr error) Result {
	if h.ctx.Err() != nil {
		return Result{Kind: ResultCancelledByUser}
	}
	if h.killed && h.killTimeout > 0 {
		return Result{Kind: ResultTimeoutByUser}
	}

	ps := h.cmd.ProcessState
	if ps == nil {
		msg := "unexpected process state"
		if waitErr != nil {
			msg = waitErr.Error()
		}
		return Result{Kind: ResultErrored, Message: msg}
	}
	if code := ps.ExitCode(); code >= 0 {
		if desc, bad := hostExitCode(code); bad {
			return Result{Kind: ResultErrored, ExitCode: code, Message: desc}
		}
		return Result{Kind: ResultOk, ExitCode: code}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Result{Kind: ResultErrored, ExitCode: -1, Message: ws.Signal().String()}
	}
	return Result{Kind: ResultErrored, ExitCode: -1, Message: "unexpected process state"}
}

// supervise kills the process when ctx is cancelled or the time limit
// expires. The limit timer is re-armed whenever the limit changes.
func (h *Handle) supervise(limit *TimeLimit) {
	var changes <-chan struct{}
	if limit != nil {
		ch, unwatch := limit.Watch()
		defer unwatch()
		changes = ch
	}

	var (
		timer   clock.Timer
		expired <-chan time.Time
		armed   time.Duration
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
			timer, expired = nil, nil
		}
	}
	defer stop()

	// arm returns false if the limit has already been exceeded.
	arm := func() bool {
		stop()
		if limit == nil {
			return true
		}
		armed = limit.Get()
		if armed <= 0 {
			return true
		}
		left := remaining(armed, h.clock.Since(h.started))
		if left == 0 {
			return false
		}
		timer = h.clock.NewTimer(left)
		expired = timer.C()
		return true
	}

	if !arm() {
		h.Kill(armed)
		return
	}
	for {
		select {
		case <-h.done:
			return
		case <-h.ctx.Done():
			h.Kill(0)
			return
		case <-expired:
			h.log.Info("Process exceeded time limit", "limit", armed)
			h.Kill(armed)
			return
		case <-changes:
			if !arm() {
				h.log.Info("Process exceeded updated time limit", "limit", armed)
				h.Kill(armed)
				return
			}
		}
	}
}

func (h *Handle) deprioritize() {
	for attempt := 1; attempt <= lowPriorityAttempts; attempt++ {
		timer := h.clock.NewTimer(lowPriorityDelay)
		select {
		case <-h.done:
			timer.Stop()
			return
		case <-timer.C():
		}
		err := setLowPriority(h.Pid())
		if err == nil {
			return
		}
		h.log.Debug("Failed to lower process priority", "attempt", attempt, "err", err)
	}
}
