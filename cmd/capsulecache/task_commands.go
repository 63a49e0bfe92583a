package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/queue"
)

func newTaskCommand(ctx *commandContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage download tasks",
	}

	taskCmd.AddCommand(newTaskAddCommand(ctx))
	taskCmd.AddCommand(newTaskListCommand(ctx))
	taskCmd.AddCommand(newTaskStatusCommand(ctx))
	taskCmd.AddCommand(newTaskControlCommand(ctx, "pause", "Pause a task", (*queue.Queue).Pause))
	taskCmd.AddCommand(newTaskControlCommand(ctx, "resume", "Resume a paused task", (*queue.Queue).Resume))
	taskCmd.AddCommand(newTaskControlCommand(ctx, "cancel", "Cancel a task", (*queue.Queue).Cancel))
	taskCmd.AddCommand(newTaskClearCommand(ctx))

	return taskCmd
}

func newTaskAddCommand(ctx *commandContext) *cobra.Command {
	var priority int
	var maxRetries int
	var sha256Flag string
	var sizeFlag int64

	cmd := &cobra.Command{
		Use:   "add <capsule-id> <file-type> <url>",
		Short: "Queue an asset for download by a running server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			capsuleID, fileType, err := parseAssetArgs(args[:2])
			if err != nil {
				return err
			}
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}

			req := queue.SubmitRequest{
				CapsuleID:  capsuleID,
				FileType:   fileType,
				RemoteURL:  args[2],
				RemoteHash: sha256Flag,
				RemoteSize: sizeFlag,
				Priority:   &priority,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			task, created, err := rt.queue.Submit(req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "Queued %s\n", task.ID)
			} else {
				fmt.Fprintf(out, "Already %s as %s\n", task.Status, task.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", constants.DefaultPriority, "Queue priority, 0-10")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget (defaults to queue.max_retries)")
	cmd.Flags().StringVar(&sha256Flag, "sha256", "", "Expected SHA-256 of the object")
	cmd.Flags().Int64Var(&sizeFlag, "size", 0, "Expected size in bytes")
	return cmd
}

func newTaskListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := rt.db.ListTasks(limit)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum tasks to show")
	return cmd
}

func printTasks(out io.Writer, tasks []*domain.DownloadTask) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "Tasks: none")
		return
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		size := humanBytes(t.DownloadedBytes)
		if t.RemoteSize > 0 {
			size += " / " + humanBytes(t.RemoteSize)
		}
		rows = append(rows, []string{
			t.ID,
			strconv.FormatInt(t.CapsuleID, 10),
			string(t.FileType),
			string(t.Status),
			strconv.Itoa(t.Priority),
			fmt.Sprintf("%.1f%%", t.Progress),
			size,
			fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
			humanize.Time(t.CreatedAt),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Capsule", "Type", "Status", "Priority", "Progress", "Bytes", "Retries", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
}

func newTaskStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			st, err := rt.db.GetQueueStatus()
			if err != nil {
				return err
			}
			rows := [][]string{
				{string(domain.TaskStatusPending), strconv.Itoa(st.Pending)},
				{string(domain.TaskStatusDownloading), strconv.Itoa(st.Downloading)},
				{string(domain.TaskStatusPaused), strconv.Itoa(st.Paused)},
				{string(domain.TaskStatusCompleted), strconv.Itoa(st.Completed)},
				{string(domain.TaskStatusFailed), strconv.Itoa(st.Failed)},
				{string(domain.TaskStatusCancelled), strconv.Itoa(st.Cancelled)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Tasks"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}

// newTaskControlCommand changes a task's state in the database. A server
// running the task notices on its next progress write.
func newTaskControlCommand(ctx *commandContext, use, short string, op func(*queue.Queue, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if err := op(rt.queue, args[0]); err != nil {
				return err
			}
			task, err := rt.db.GetTask(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", task.ID, task.Status)
			return nil
		},
	}
}

func newTaskClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete finished tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			n, err := rt.db.ClearFinishedTasks()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d tasks\n", n)
			return nil
		},
	}
}
