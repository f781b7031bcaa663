package main

import (
	"context"
	"fmt"
	"io"

	"github.com/hyperengineering/keel/internal/types"
	"github.com/spf13/cobra"
)

var (
	queueStatus string
	queueLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the memory propagation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memory sync records",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count memory sync records by status",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <memory-id> <source-agent> <target-agent>",
	Short: "Queue delivery of a stored memory to a target agent",
	Args:  cobra.ExactArgs(3),
	RunE:  runQueueEnqueue,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <record-id>",
	Short: "Make a failed record eligible for dispatch now",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueRedriveCmd = &cobra.Command{
	Use:   "redrive <record-id>",
	Short: "Enqueue a fresh copy of a dead-lettered record",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRedrive,
}

var queueDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch cycle and exit",
	Args:  cobra.NoArgs,
	RunE:  runQueueDispatch,
}

func init() {
	queueListCmd.Flags().StringVar(&queueStatus, "status", "",
		"Only records in this status")
	queueListCmd.Flags().IntVar(&queueLimit, "limit", 100,
		"Maximum records to list")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueEnqueueCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueRedriveCmd)
	queueCmd.AddCommand(queueDispatchCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	var status types.MemoryStatus
	if queueStatus != "" {
		s, err := types.ParseMemoryStatus(queueStatus)
		if err != nil {
			return err
		}
		status = s
	}
	if queueLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		records, err := a.queue.List(ctx, status, queueLimit)
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"records": records,
				"total":   len(records),
			})
		}

		if len(records) == 0 {
			fmt.Fprintln(out, "No records found.")
			return nil
		}

		w := newTabWriter(out)
		fmt.Fprintln(w, "ID\tMEMORY\tSOURCE\tTARGET\tSTATUS\tRETRIES\tNEXT ATTEMPT\tERROR")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				r.ID, r.MemoryID, r.SourceAgent, r.TargetAgent, r.Status,
				r.RetryCount, r.MaxRetries, formatTime(r.NextAttemptAt), orDash(r.ErrorMessage))
		}
		w.Flush()
		return nil
	})
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, stats)
		}
		w := newTabWriter(out)
		fmt.Fprintln(w, "STATUS\tCOUNT")
		for _, s := range types.AllStatuses {
			fmt.Fprintf(w, "%s\t%d\n", s, stats.Counts[s])
		}
		fmt.Fprintf(w, "total\t%d\n", stats.Total)
		w.Flush()
		return nil
	})
}

func runQueueEnqueue(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		rec, err := a.queue.Enqueue(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		return printRecord(cmd.OutOrStdout(), "Enqueued", rec)
	})
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		rec, err := a.queue.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		return printRecord(cmd.OutOrStdout(), "Retry scheduled for", rec)
	})
}

func runQueueRedrive(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		rec, err := a.queue.Redrive(ctx, args[0])
		if err != nil {
			return err
		}
		return printRecord(cmd.OutOrStdout(), "Redriven as", rec)
	})
}

func runQueueDispatch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		n := a.dispatcher.RunCycle(ctx)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"dispatched": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %d record(s).\n", n)
		return nil
	})
}

func printRecord(w io.Writer, verb string, r *types.MemorySyncRecord) error {
	if jsonOutput {
		return printJSON(w, r)
	}
	fmt.Fprintf(w, "%s %s (%s -> %s, %s)\n", verb, r.ID, r.SourceAgent, r.TargetAgent, r.Status)
	return nil
}
