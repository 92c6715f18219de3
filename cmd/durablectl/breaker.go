package main

import "github.com/spf13/cobra"

func newBreakerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breakers",
	}
	cmd.AddCommand(newBreakerShowCommand(), newBreakerResetCommand())
	return cmd
}

func newBreakerShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show a circuit breaker's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", "/breakers/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newBreakerResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Force a circuit breaker closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "POST", "/breakers/"+args[0]+"/reset", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}
