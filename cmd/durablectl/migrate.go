package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"goa.design/durableflow/store/postgres"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the event store schema to the configured database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := resolveDSN(cmd)
			if err != nil {
				return err
			}
			store, err := postgres.Open(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("durablectl: connect: %w", err)
			}
			defer store.Close()

			if err := store.ExecSchema(cmd.Context(), postgres.Schema); err != nil {
				return fmt.Errorf("durablectl: migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func resolveDSN(cmd *cobra.Command) (string, error) {
	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn != "" {
		return dsn, nil
	}
	if dsn := os.Getenv("DURABLEFLOW_DATABASE_DSN"); dsn != "" {
		return dsn, nil
	}
	return "", fmt.Errorf("durablectl: no DSN given (use --dsn or DURABLEFLOW_DATABASE_DSN)")
}
