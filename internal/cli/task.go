package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/milla-ai/dispatch/internal/config"
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskRunCmd())
	cmd.AddCommand(newTaskApproveCmd())
	cmd.AddCommand(newTaskRejectCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskTrailCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		supervisor      string
		agent           string
		action          string
		payload         string
		safety          string
		requireApproval bool
		run             bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task (optionally run it immediately)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" || action == "" {
				return errors.New("--agent and --action are required")
			}
			if safety != "" && safety != models.SafetyLow && safety != models.SafetyHigh {
				return errors.New("--safety must be low or high")
			}
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload must be valid JSON")
				}
				raw = json.RawMessage(payload)
			}

			ctx := cmd.Context()
			c, err := openCore(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			task, err := c.Store.AddTask(ctx, store.Task{
				TaskID:          uuid.NewString(),
				Supervisor:      supervisor,
				Agent:           agent,
				Action:          action,
				Payload:         raw,
				SafetyLevel:     safety,
				RequireApproval: requireApproval,
			})
			if err != nil {
				return err
			}
			c.Worker.Audit.MustRecord(ctx, task.TaskID, task.Agent, task.Action, models.EventCreated, "")
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s (%s/%s)\n", task.TaskID, task.Agent, task.Action)

			if run {
				updated, runErr := c.Worker.Run(ctx, task.TaskID)
				if updated != nil {
					task = *updated
				}
				printTask(cmd, task)
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&supervisor, "supervisor", "", "Name of the requesting supervisor")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent handler name")
	cmd.Flags().StringVar(&action, "action", "", "Action the handler should perform")
	cmd.Flags().StringVar(&payload, "payload", "", "Raw JSON payload for the handler")
	cmd.Flags().StringVar(&safety, "safety", "", "Safety level: low or high")
	cmd.Flags().BoolVar(&requireApproval, "require-approval", false, "Block execution until approved")
	cmd.Flags().BoolVar(&run, "run", false, "Run the task immediately after creating it")
	return cmd
}

func newTaskRunCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task through its agent handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			ctx := cmd.Context()
			c, err := openCore(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			task, err := c.Worker.Run(ctx, taskID)
			if task != nil {
				printTask(cmd, *task)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	return cmd
}

func newTaskApproveCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a task gated on human approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			ctx := cmd.Context()
			c, err := openCore(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if _, err := c.Worker.Approve(ctx, taskID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Approved task %s\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	return cmd
}

func newTaskRejectCmd() *cobra.Command {
	var taskID string
	var reason string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a gated task (cancels it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			ctx := cmd.Context()
			c, err := openCore(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if _, err := c.Worker.Reject(ctx, taskID, reason); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rejected task %s\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task was rejected")
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending or in-progress task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			ctx := cmd.Context()
			c, err := openCore(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if _, err := c.Worker.Cancel(ctx, taskID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tasks, err := st.ListTasks(ctx, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("%s  %-11s  %s/%s", t.TaskID, t.Status, t.Agent, t.Action)
				if t.RequireApproval && !t.Approved {
					line += "  (awaiting approval)"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max tasks to list (0 = all)")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			ctx := cmd.Context()
			st, err := store.Open(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			task, err := st.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			printTask(cmd, *task)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	return cmd
}

func newTaskTrailCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "trail",
		Short: "Show the audit trail for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			ctx := cmd.Context()
			st, err := store.Open(config.MustHomeFrom(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if _, err := st.GetTask(ctx, taskID); err != nil {
				return err
			}
			events, err := st.ListAuditEvents(ctx, taskID)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No events.")
				return nil
			}
			for _, e := range events {
				line := fmt.Sprintf("%d  %s  %s  %s/%s", e.EventID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.Agent, e.Action)
				if e.Detail != "" {
					line += "  " + e.Detail
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	return cmd
}

func printTask(cmd *cobra.Command, t store.Task) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Task:    %s\n", t.TaskID)
	_, _ = fmt.Fprintf(out, "Agent:   %s/%s\n", t.Agent, t.Action)
	_, _ = fmt.Fprintf(out, "Status:  %s\n", t.Status)
	if t.RequireApproval {
		_, _ = fmt.Fprintf(out, "Approved: %v\n", t.Approved)
	}
	if t.RejectReason != "" {
		_, _ = fmt.Fprintf(out, "Reject reason: %s\n", t.RejectReason)
	}
	if len(t.Result) > 0 {
		_, _ = fmt.Fprintf(out, "Result:  %s\n", string(t.Result))
	}
	if t.Error != "" {
		_, _ = fmt.Fprintf(out, "Error:   %s\n", t.Error)
	}
}
