// Command durableworkerd runs one worker process: a durable.Engine claiming
// and executing activities, sweeping timed-out claims, firing timers, and
// replaying workflow state machines against Postgres. It mounts the admin
// HTTP surface alongside it so operators have one binary to deploy per
// worker node.
//
// durableworkerd is a library host, not a finished product: it links no
// workflow or activity types of its own. Operators vendor this package (or
// copy it) and add their own RegisterWorkflowType/RegisterActivity calls
// on the engine right after durable.New below.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/durableflow/admin"
	"goa.design/durableflow/breaker"
	"goa.design/durableflow/config"
	"goa.design/durableflow/engine/durable"
	"goa.design/durableflow/store/postgres"
	"goa.design/durableflow/telemetry"
	"goa.design/durableflow/telemetry/promexport"
)

func main() {
	var configPath, backend string

	root := &cobra.Command{
		Use:   "durableworkerd",
		Short: "Run a durable execution engine worker process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if backend == "inmem" {
				return runInmem(cmd.Context(), telemetry.NewClueLogger())
			}
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	root.Flags().StringVar(&backend, "backend", "durable", `engine backend to run: "durable" (Postgres-backed, production) or "inmem" (in-process demo, no database required)`)

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
		return fmt.Errorf("durableworkerd: %w", err)
	}

	store, err := postgres.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("durableworkerd: %w", err)
	}
	defer store.Close()

	metrics := promexport.New()
	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()

	br := breaker.New(store, cfg.CircuitBreaker.ToBreakerConfig())

	eng, err := durable.New(durable.Options{
		Store:          store,
		Worker:         cfg.Worker.ToWorkerpoolConfig(),
		Breaker:        br,
		TimeoutManager: cfg.TimeoutManager.ToManagerConfig(),
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		ReplayIDsOnly:  cfg.Executor.ReplayIDsOnly,
	})
	if err != nil {
		return fmt.Errorf("durableworkerd: %w", err)
	}

	// Register this node's workflow and activity types here before
	// starting, e.g.:
	//   eng.RegisterWorkflowType("my_workflow", myworkflow.New)
	//   eng.RegisterActivity(ctx, engine.ActivityDefinition{Name: "my_activity", Handler: myActivityHandler})

	adminSrv := admin.New(store, store, eng.Bus(), logger)

	addr, err := url.Parse(cfg.Admin.Addr)
	if err != nil {
		return fmt.Errorf("durableworkerd: invalid admin addr %q: %w", cfg.Admin.Addr, err)
	}

	errc := make(chan error, 3)
	go func() { errc <- eng.Run(ctx) }()
	go func() { errc <- adminSrv.ListenAndServe(ctx, addr) }()
	if cfg.Admin.MetricsAddr != "" {
		go func() { errc <- serveMetrics(ctx, cfg.Admin.MetricsAddr, metrics) }()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

func serveMetrics(ctx context.Context, addr string, metrics *promexport.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return srv.Close()
	}
}
