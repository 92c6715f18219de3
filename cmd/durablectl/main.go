// Command durablectl is the operator CLI for a running durable execution
// engine deployment: applying the database schema, and inspecting or
// nudging workflows, tasks, the dead-letter queue, and circuit breakers
// through the admin HTTP surface (admin.Server).
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "durablectl",
		Short:         "Operate a durable execution engine deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("dsn", "", "Postgres DSN (overrides DURABLEFLOW_DATABASE_DSN)")
	root.PersistentFlags().String("admin-addr", "http://localhost:8080", "base URL of the admin HTTP surface")

	root.AddCommand(
		newMigrateCommand(),
		newWorkflowCommand(),
		newTaskCommand(),
		newDlqCommand(),
		newBreakerCommand(),
	)
	return root
}
