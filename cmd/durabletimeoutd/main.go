// Command durabletimeoutd runs the timeout sweep in its own process,
// separate from activity execution. Operators who want to scale claim
// throughput and timeout sweeping independently run this alongside one or
// more durableworkerd processes against the same database; the task queue
// is the only thing they share, so neither binary knows the other exists.
//
// Like durableworkerd, this binary links no workflow types of its own —
// sweeping a timed-out claim still replays the owning workflow to call its
// OnActivityFailed handler, so operators must register the same workflow
// types here that their worker processes register.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/durableflow/config"
	"goa.design/durableflow/executor"
	"goa.design/durableflow/store/postgres"
	"goa.design/durableflow/telemetry"
	"goa.design/durableflow/telemetry/promexport"
	"goa.design/durableflow/timeoutmanager"
	"goa.design/durableflow/workflow"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "durabletimeoutd",
		Short: "Run the durable execution engine's timeout sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("durabletimeoutd: %w", err)
	}

	store, err := postgres.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("durabletimeoutd: %w", err)
	}
	defer store.Close()

	logger := telemetry.NewClueLogger()
	metrics := promexport.New()
	tracer := telemetry.NewClueTracer()

	registry := workflow.NewRegistry()

	// Register this deployment's workflow types here, mirroring
	// durableworkerd's registration site, e.g.:
	//   registry.Register("my_workflow", myworkflow.New)

	var execOpts []executor.Option
	if cfg.Executor.ReplayIDsOnly {
		execOpts = append(execOpts, executor.WithReplayMode(executor.ReplayIDsOnly))
	}
	exec := executor.New(store, registry, logger, metrics, tracer, execOpts...)
	mgr := timeoutmanager.New(store, exec, cfg.TimeoutManager.ToManagerConfig(), logger, metrics, tracer)

	return mgr.Run(ctx)
}
