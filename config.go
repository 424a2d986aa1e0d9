package nativetest

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-nativetest/flags"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// Config holds the application configuration
type Config struct {
	ConfigFile  string         // Registry file listing the executables
	RunPattern  *regexp.Regexp // Selects direct tests, nil selects none
	Concurrency int            // Maximum number of test processes at once
	TestTimeout time.Duration  // Default limit per test process, 0 for none
	RunInterval time.Duration  // Interval between test runs
	RunOnce     bool           // Exit after one test run
	AllowSkips  bool           // Skipped tests do not fail the run
	ShowOutput  bool           // Show passing tests in the results table
	LogDir      string         // Directory to store test logs
	HealthzAddr string
	Metrics     opmetrics.CLIConfig
	Log         log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	configFile := ctx.String(flags.ConfigFile.Name)
	if configFile == "" {
		return nil, errors.New("registry config file is required")
	}
	absConfigFile, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for config file '%s': %w", configFile, err)
	}

	var runPattern *regexp.Regexp
	if p := ctx.String(flags.Run.Name); p != "" {
		runPattern, err = regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid run pattern '%s': %w", p, err)
		}
	}

	concurrency := ctx.Int(flags.Concurrency.Name)
	if concurrency < 0 {
		return nil, fmt.Errorf("concurrency must not be negative, got %d", concurrency)
	}
	if concurrency == 0 {
		concurrency = runtime.NumCPU()
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	return &Config{
		ConfigFile:  absConfigFile,
		RunPattern:  runPattern,
		Concurrency: concurrency,
		TestTimeout: ctx.Duration(flags.TestTimeout.Name),
		RunInterval: runInterval,
		RunOnce:     runOnce,
		AllowSkips:  ctx.Bool(flags.AllowSkips.Name),
		ShowOutput:  ctx.Bool(flags.ShowOutput.Name),
		LogDir:      logDir,
		HealthzAddr: ctx.String(flags.HealthzAddr.Name),
		Metrics:     metricsCfg,
		Log:         log,
	}, nil
}
