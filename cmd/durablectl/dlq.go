package main

import "github.com/spf13/cobra"

func newDlqCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered tasks",
	}
	cmd.AddCommand(newDlqListCommand(), newDlqRequeueCommand(), newDlqDeleteCommand(), newDlqPurgeCommand())
	return cmd
}

func newDlqListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dead-letter queue entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", "/dlq", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newDlqRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Requeue a dead-lettered task for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "POST", "/dlq/"+args[0]+"/requeue", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newDlqDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Delete a dead-letter queue entry without requeuing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAdminClient(cmd).do(cmd.Context(), "DELETE", "/dlq/"+args[0], nil, nil)
		},
	}
}

func newDlqPurgeCommand() *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge dead-letter queue entries older than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/dlq"
			if olderThan != "" {
				path += "?older_than=" + olderThan
			}
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "DELETE", path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "Go duration string, e.g. 720h (default 30 days)")
	return cmd
}
