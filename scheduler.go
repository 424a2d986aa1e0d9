package nativetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
)

// TestScheduler decides when test runs happen.
type TestScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RegisterCallback(func(ctx context.Context) error)
	WaitForShutdown(ctx context.Context) error
	Stopped() bool
}

// DefaultTestScheduler runs the callback once on Start and then, unless it
// runs once, again every interval until stopped.
type DefaultTestScheduler struct {
	interval time.Duration
	runOnce  bool
	clock    clock.Clock
	logger   log.Logger
	callback func(ctx context.Context) error

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDefaultTestScheduler creates a scheduler on the wall clock.
func NewDefaultTestScheduler(interval time.Duration, runOnce bool, logger log.Logger) *DefaultTestScheduler {
	return newTestScheduler(interval, runOnce, clock.NewClock(), logger)
}

func newTestScheduler(interval time.Duration, runOnce bool, c clock.Clock, logger log.Logger) *DefaultTestScheduler {
	if logger == nil {
		logger = log.New()
	}
	return &DefaultTestScheduler{
		interval: interval,
		runOnce:  runOnce,
		clock:    c,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// RegisterCallback sets the function called for every run.
func (s *DefaultTestScheduler) RegisterCallback(callback func(ctx context.Context) error) {
	s.callback = callback
}

// Start runs the callback immediately. Its error is returned, and in
// periodic mode no further runs are scheduled after an error.
func (s *DefaultTestScheduler) Start(ctx context.Context) error {
	if s.callback == nil {
		return errors.New("callback must be registered before starting scheduler")
	}

	s.done = make(chan struct{})
	s.running.Store(true)

	if s.runOnce {
		s.logger.Info("Starting scheduler in run-once mode")
		return s.callback(ctx)
	}

	s.logger.Info("Starting scheduler in periodic mode", "interval", s.interval)
	if err := s.callback(ctx); err != nil {
		return err
	}

	done := s.done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			timer := s.clock.NewTimer(s.interval)
			select {
			case <-timer.C():
				if !s.running.Load() {
					return
				}
				s.logger.Info("Running periodic tests")
				if err := s.callback(ctx); err != nil {
					s.logger.Error("Error running periodic tests", "err", err)
				}
			case <-done:
				timer.Stop()
				s.logger.Debug("Done signal received, stopping periodic runs")
				return
			case <-ctx.Done():
				timer.Stop()
				s.logger.Debug("Context canceled, stopping periodic runs")
				s.running.Store(false)
				return
			}
		}
	}()
	return nil
}

// Stop prevents further runs. A run in progress is not interrupted.
func (s *DefaultTestScheduler) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.done)
	return nil
}

// Stopped reports whether the scheduler no longer runs tests.
func (s *DefaultTestScheduler) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until the periodic goroutine exited or ctx is done.
func (s *DefaultTestScheduler) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for scheduler to stop", "err", ctx.Err())
		return ctx.Err()
	}
}
