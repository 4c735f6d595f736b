package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskpilot/pkg/audit"
	"taskpilot/pkg/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect tasks",
}

var (
	taskUser   string
	taskStatus string
	taskLimit  int
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		status := task.Status(taskStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", taskStatus)
		}
		var (
			tasks []task.Task
			err   error
		)
		switch {
		case taskUser != "":
			p, rerr := app.resolvePrincipal(ctx, taskUser)
			if rerr != nil {
				return rerr
			}
			tasks, err = app.tasks.ListForUser(ctx, p.ID, status, taskLimit)
		case status != "":
			tasks, err = app.tasks.ListByStatus(ctx, status, taskLimit)
		default:
			return errors.New("--user or --status is required")
		}
		if err != nil {
			return err
		}
		return showTasks(tasks)
	},
}

var taskPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List tasks awaiting approval, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tasks, err := app.tasks.ListPending(cmd.Context(), taskLimit)
		if err != nil {
			return err
		}
		return showTasks(tasks)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task with its plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := app.tasks.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, t)
		}
		printTask(os.Stdout, t)
		return nil
	},
}

func showTasks(tasks []task.Task) error {
	if jsonOutput {
		return printJSON(os.Stdout, tasks)
	}
	printTasks(os.Stdout, tasks)
	return nil
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit log",
}

var auditFilter audit.Filter

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		events, err := app.events.Query(cmd.Context(), auditFilter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, events)
		}
		printEvents(os.Stdout, events)
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the audit hash chain",
	RunE: func(cmd *cobra.Command, _ []string) error {
		err := app.events.VerifyChain(cmd.Context())
		printChain(os.Stdout, err)
		return err
	},
}

func init() {
	taskListCmd.Flags().StringVar(&taskUser, "user", "", "owner principal (ID or name)")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status")
	for _, c := range []*cobra.Command{taskListCmd, taskPendingCmd} {
		c.Flags().IntVarP(&taskLimit, "limit", "n", 50, "maximum tasks to show")
	}
	taskCmd.AddCommand(taskListCmd, taskPendingCmd, taskGetCmd)

	auditListCmd.Flags().StringVar(&auditFilter.TaskID, "task", "", "filter by task ID")
	auditListCmd.Flags().StringVar(&auditFilter.UserID, "user", "", "filter by principal ID")
	auditListCmd.Flags().StringVar(&auditFilter.Action, "action", "", "filter by action")
	auditListCmd.Flags().IntVarP(&auditFilter.Limit, "limit", "n", 50, "maximum events to show")
	auditListCmd.Flags().IntVar(&auditFilter.Offset, "offset", 0, "events to skip")
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)

	rootCmd.AddCommand(taskCmd, auditCmd)
}
