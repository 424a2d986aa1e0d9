package flags

import (
	"fmt"
	"regexp"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_NATIVETEST"

const runFlagName = "run"

var (
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to the registry file listing the test executables (eg. 'tests.yaml' or 'tests.toml')",
	}
	Run = &cli.StringFlag{
		Name:    runFlagName,
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN"),
		Usage:   "Regular expression matched against '<executable>/<test id>'. Matching tests run even when disabled; the others run as part of their executable.",
		Action: func(_ *cli.Context, v string) error {
			return validateRunPattern(v)
		},
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Maximum number of test processes running at once (0 = number of CPUs)",
	}
	TestTimeout = &cli.DurationFlag{
		Name:    "test-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_TIMEOUT"),
		Usage:   "Maximum running time of one test process, unless the registry file sets one (0 = no limit)",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between test runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_DIR"),
		Usage:   "Directory to store per-test output logs",
	}
	AllowSkips = &cli.BoolFlag{
		Name:    "allow-skips",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALLOW_SKIPS"),
		Usage:   "Treat a run with skipped tests as passing",
	}
	ShowOutput = &cli.BoolFlag{
		Name:    "show-output",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_OUTPUT"),
		Usage:   "List passing and skipped tests in the results table, not only failures",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Listen address of the healthz server",
	}
)

var requiredFlags = []cli.Flag{
	ConfigFile,
}

var optionalFlags = []cli.Flag{
	Run,
	Concurrency,
	TestTimeout,
	RunInterval,
	LogDir,
	AllowSkips,
	ShowOutput,
	HealthzAddr,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}

func validateRunPattern(v string) error {
	if _, err := regexp.Compile(v); err != nil {
		return fmt.Errorf("invalid --%s pattern: %w", runFlagName, err)
	}
	return nil
}
