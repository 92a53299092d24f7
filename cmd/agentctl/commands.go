package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agentlink/internal/apiclient"
	"agentlink/internal/domain"
	"agentlink/internal/orchestrator"
)

type cliFlags struct {
	addr    string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Inspect and drive an agentlink orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultAddr := os.Getenv("AGENTLINK_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://127.0.0.1:8787"
	}
	root.PersistentFlags().StringVar(&flags.addr, "addr", defaultAddr, "orchestrator base URL")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newTasksCmd(flags),
		newTaskCmd(flags),
		newCreateCmd(flags),
		newCancelCmd(flags),
		newStatsCmd(flags),
	)
	return root
}

func (f *cliFlags) client(cmd *cobra.Command) (*apiclient.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	return apiclient.New(f.addr), ctx, cancel
}

func newTasksCmd(flags *cliFlags) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, cancel := flags.client(cmd)
			defer cancel()
			tasks, err := c.Tasks(ctx, status)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	return cmd
}

func newTaskCmd(flags *cliFlags) *cobra.Command {
	var decisions int
	cmd := &cobra.Command{
		Use:   "task <id>",
		Short: "Show one task and its decision journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := flags.client(cmd)
			defer cancel()
			view, err := c.Task(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printTask(out, view)
			if decisions <= 0 {
				return nil
			}
			items, err := c.Decisions(ctx, view.ID, decisions)
			if err != nil {
				return err
			}
			printDecisions(out, items)
			return nil
		},
	}
	cmd.Flags().IntVar(&decisions, "decisions", 20, "journal entries to show, 0 for none")
	return cmd
}

func newCreateCmd(flags *cliFlags) *cobra.Command {
	var (
		req      apiclient.CreateTaskRequest
		noStart  bool
		retries  int
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "Create a task, optionally decomposed into subtasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Description = strings.Join(args, " ")
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &retries
			}
			if deadline > 0 {
				req.DeadlineSeconds = int(deadline.Seconds())
			}
			if noStart {
				start := false
				req.AutoStart = &start
			}
			c, ctx, cancel := flags.client(cmd)
			defer cancel()
			view, err := c.CreateTask(ctx, req)
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen)
			green.Fprintf(cmd.OutOrStdout(), "created %s", view.ID)
			fmt.Fprintf(cmd.OutOrStdout(), " status=%s subtasks=%d\n", view.Status, len(view.Subtasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Priority, "priority", "medium", "low, medium, high or critical")
	cmd.Flags().BoolVar(&req.Decompose, "decompose", false, "split into subtasks with the planner")
	cmd.Flags().BoolVar(&req.Sequential, "sequential", false, "chain decomposed subtasks one after another")
	cmd.Flags().BoolVar(&req.Critical, "critical", false, "a failure of this task fails its parent")
	cmd.Flags().StringSliceVar(&req.Constraints, "constraint", nil, "constraint passed to the planner and workers (repeatable)")
	cmd.Flags().IntVar(&retries, "max-retries", 0, "retries before the task fails")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "fail the task if not done within this duration")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "register without scheduling")
	return cmd
}

func newCancelCmd(flags *cliFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := flags.client(cmd)
			defer cancel()
			if err := c.Cancel(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via agentctl", "reason recorded in the journal")
	return cmd
}

func newStatsCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show coordinator, endpoint and worker counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, cancel := flags.client(cmd)
			defer cancel()
			summary, err := c.Summary(ctx)
			if err != nil {
				return err
			}
			stats, err := c.Endpoints(ctx)
			if err != nil {
				return err
			}
			workers, err := c.Workers(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			cyan.Fprintf(out, "Coordinator %s\n", summary.AgentID)
			fmt.Fprintf(out, "  tasks=%d", summary.Total)
			for _, s := range []domain.TaskStatus{
				domain.TaskStatusPending, domain.TaskStatusAssigned, domain.TaskStatusRunning,
				domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled,
			} {
				fmt.Fprintf(out, " %s=%d", s, summary.ByStatus[s])
			}
			fmt.Fprintln(out)

			cyan.Fprintln(out, "\nEndpoints")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tSENT\tDELIVERED\tRECEIVED\tPENDING\tRETRIED\tFAILED\tDUPLICATES\tDENIED")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.AgentID, s.Sent, s.Delivered, s.Received, s.Pending, s.Retried, s.Failed, s.Duplicates, s.Denied)
			}
			_ = w.Flush()

			cyan.Fprintln(out, "\nWorkers")
			w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tQUEUED\tCURRENT\tCOMPLETED\tFAILED\tCANCELLED\tCAPABILITIES")
			for _, wk := range workers {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%s\n",
					wk.AgentID, wk.Queued, orDash(wk.Current), wk.Completed, wk.Failed, wk.Cancelled, strings.Join(wk.Capabilities, ","))
			}
			return w.Flush()
		},
	}
}

func statusPrinter(s domain.TaskStatus) *color.Color {
	switch s {
	case domain.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case domain.TaskStatusFailed:
		return color.New(color.FgRed)
	case domain.TaskStatusCancelled:
		return color.New(color.Faint)
	case domain.TaskStatusRunning, domain.TaskStatusAssigned:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}

func printTasks(out io.Writer, tasks []orchestrator.TaskView) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tWORKER\tRETRIES\tDESCRIPTION")
	for _, t := range tasks {
		status := string(t.Status)
		if t.Retrying {
			status = "retrying"
		}
		desc := t.Description
		if t.ParentID != "" {
			desc = "└ " + desc
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, statusPrinter(t.Status).Sprint(status), t.Priority, orDash(t.AssignedTo),
			t.Metadata.RetryCount, t.Metadata.MaxRetries, trim(desc, 60))
	}
	_ = w.Flush()
}

func printTask(out io.Writer, v orchestrator.TaskView) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(out, "%s\n", v.ID)
	fmt.Fprintf(out, "  description: %s\n", v.Description)
	fmt.Fprintf(out, "  status:      %s", statusPrinter(v.Status).Sprint(v.Status))
	if v.Retrying {
		fmt.Fprint(out, " (retrying)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  priority:    %s\n", v.Priority)
	fmt.Fprintf(out, "  attempt:     %d (retries %d/%d)\n", v.Metadata.Attempt, v.Metadata.RetryCount, v.Metadata.MaxRetries)
	fmt.Fprintf(out, "  progress:    %.0f%%\n", v.Metadata.Progress*100)
	if v.AssignedTo != "" {
		fmt.Fprintf(out, "  worker:      %s\n", v.AssignedTo)
	}
	if v.ParentID != "" {
		fmt.Fprintf(out, "  parent:      %s\n", v.ParentID)
	}
	if v.Metadata.LastError != "" {
		color.New(color.FgRed).Fprintf(out, "  error:       %s\n", v.Metadata.LastError)
	}
	for _, id := range v.Subtasks {
		fmt.Fprintf(out, "  subtask %s  %s\n", id, v.SubtaskStatus[id])
	}
	if len(v.Result) > 0 {
		fmt.Fprintf(out, "  result:      %s\n", trim(string(v.Result), 400))
	}
}

func printDecisions(out io.Writer, items []domain.DecisionLog) {
	if len(items) == 0 {
		return
	}
	yellow := color.New(color.FgYellow)
	yellow.Fprintln(out, "\nDecisions")
	for _, d := range items {
		fmt.Fprintf(out, "  [%s] %s %s: %s\n", d.CreatedAt.Local().Format("15:04:05"), d.Actor, d.Action, trim(d.Reason, 100))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
