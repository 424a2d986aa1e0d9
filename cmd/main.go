package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	nativetest "github.com/ethereum-optimism/infra/op-nativetest"
	"github.com/ethereum-optimism/infra/op-nativetest/exitcodes"
	"github.com/ethereum-optimism/infra/op-nativetest/flags"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-nativetest"
	app.Usage = "Native Test Executable Runner"
	app.Description = "op-nativetest runs Catch2 and GoogleTest executables and reports their results"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
		}
	}

	shutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	ctx := ctxinterrupt.WithSignalWaiterMain(context.Background())
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

// exitCode maps run errors to process exit codes. Errors that are neither
// runtime errors nor test failures count as test failures.
func exitCode(err error) int {
	if nativetest.IsRuntimeError(err) {
		return exitcodes.RuntimeErr
	}
	return exitcodes.TestFailure
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := nativetest.NewConfig(ctx, log)
	if err != nil {
		return nil, nativetest.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	svc, err := nativetest.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, nativetest.NewRuntimeError(fmt.Errorf("failed to create op-nativetest: %w", err))
	}
	return svc, nil
}
