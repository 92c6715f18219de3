package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and control workflow instances",
	}
	cmd.AddCommand(
		newWorkflowListCommand(),
		newWorkflowShowCommand(),
		newWorkflowEventsCommand(),
		newWorkflowSignalCommand(),
		newWorkflowCancelCommand(),
	)
	return cmd
}

func newWorkflowListCommand() *cobra.Command {
	var workflowType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/workflows"
			if workflowType != "" {
				path += "?workflow_type=" + workflowType
			}
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&workflowType, "type", "", "filter by workflow type")
	return cmd
}

func newWorkflowShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", "/workflows/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newWorkflowEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <workflow-id>",
		Short: "List a workflow instance's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", "/workflows/"+args[0]+"/events", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newWorkflowSignalCommand() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "signal <workflow-id> <signal-type>",
		Short: "Send a signal to a workflow instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if payload != "" {
				raw = json.RawMessage(payload)
			}
			body := map[string]any{"signal_type": args[1], "payload": raw}
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "POST", "/workflows/"+args[0]+"/signal", body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON-encoded signal payload")
	return cmd
}

func newWorkflowCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "POST", "/workflows/"+args[0]+"/cancel", nil, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
			return printJSON(cmd, out)
		},
	}
}
