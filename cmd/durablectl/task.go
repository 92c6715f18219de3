package main

import "github.com/spf13/cobra"

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect the task queue",
	}
	cmd.AddCommand(newTaskListCommand(), newTaskShowCommand(), newTaskStatsCommand())
	return cmd
}

func newTaskListCommand() *cobra.Command {
	var status, activityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/tasks?status=" + status + "&activity_type=" + activityType
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by task status")
	cmd.Flags().StringVar(&activityType, "activity-type", "", "filter by activity type")
	return cmd
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", "/tasks/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newTaskStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out any
			if err := newAdminClient(cmd).do(cmd.Context(), "GET", "/tasks/stats", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}
