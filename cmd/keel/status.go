package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/keel/internal/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints per source and queue counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		statuses, err := a.scheduler.Status(ctx)
		if err != nil {
			return err
		}
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"sources": statuses,
				"queue":   stats,
			})
		}

		if len(statuses) == 0 {
			fmt.Fprintln(out, "No sources configured.")
		} else {
			w := newTabWriter(out)
			fmt.Fprintln(w, "SOURCE\tTABLE\tCURSOR\tFAILURES\tLAST SUCCESS\tSTATE")
			for _, st := range statuses {
				cursor, failures, lastSuccess := "-", 0, "-"
				if cp := st.Checkpoint; cp != nil {
					cursor = orDash(string(cp.Cursor))
					failures = cp.ConsecutiveFailures
					lastSuccess = formatTime(cp.LastSuccessAt)
				}
				state := "ok"
				if st.Alerting {
					state = "ALERTING"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					st.SourceID, st.Table, cursor, failures, lastSuccess, state)
			}
			w.Flush()
		}

		fmt.Fprintf(out, "\nQueue: %d total", stats.Total)
		for _, s := range types.AllStatuses {
			fmt.Fprintf(out, ", %s %d", s, stats.Counts[s])
		}
		fmt.Fprintln(out)
		return nil
	})
}
