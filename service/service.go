// Package service runs the healthz and metrics HTTP servers next to the
// test runner.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-nativetest/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

// Config selects the listen addresses. Empty addresses use the defaults.
type Config struct {
	HealthzAddr string
	MetricsAddr string
	Ready       ReadinessFunc
	Log         log.Logger
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	cfg       Config
	listeners []net.Listener
}

func New(cfg Config) *Service {
	if cfg.HealthzAddr == "" {
		cfg.HealthzAddr = net.JoinHostPort(HealthzHost, HealthzPort)
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = net.JoinHostPort(MetricsHost, MetricsPort)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Service{
		Healthz: NewHealthzServer(cfg.Ready),
		Metrics: NewMetricsServer(nil),
		cfg:     cfg,
	}
}

// Start binds both servers and serves them in the background.
func (s *Service) Start() error {
	s.cfg.Log.Info("service starting")

	healthzLn, err := net.Listen("tcp", s.cfg.HealthzAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HealthzAddr, err)
	}
	metricsLn, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		healthzLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.MetricsAddr, err)
	}
	s.listeners = []net.Listener{healthzLn, metricsLn}

	go func() {
		s.cfg.Log.Info("starting healthz server", "addr", healthzLn.Addr())
		if err := s.Healthz.Start(healthzLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Log.Error("error running healthz server", "err", err)
			metrics.RecordErrorDetails("error running healthz server", err)
		}
	}()
	go func() {
		s.cfg.Log.Info("starting metrics server", "addr", metricsLn.Addr())
		if err := s.Metrics.Start(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Log.Error("error running metrics server", "err", err)
			metrics.RecordErrorDetails("error running metrics server", err)
		}
	}()

	s.cfg.Log.Info("service started")
	return nil
}

// Addrs returns the bound healthz and metrics addresses after Start.
func (s *Service) Addrs() (healthzAddr, metricsAddr net.Addr) {
	if len(s.listeners) != 2 {
		return nil, nil
	}
	return s.listeners[0].Addr(), s.listeners[1].Addr()
}

func (s *Service) Shutdown(ctx context.Context) {
	s.cfg.Log.Info("service shutting down")

	_ = s.Healthz.Shutdown(ctx)
	s.cfg.Log.Info("healthz stopped")

	_ = s.Metrics.Shutdown(ctx)
	s.cfg.Log.Info("metrics stopped")

	s.cfg.Log.Info("service stopped")
}
