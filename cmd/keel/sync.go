package main

import (
	"context"
	"fmt"
	"io"

	"github.com/hyperengineering/keel/internal/types"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run source syncs without the server",
}

var syncTriggerCmd = &cobra.Command{
	Use:   "trigger <source-id>",
	Short: "Run one sync for a source now",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncTrigger,
}

var syncAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Run one sync for every configured source",
	Args:  cobra.NoArgs,
	RunE:  runSyncAll,
}

func init() {
	syncCmd.AddCommand(syncTriggerCmd)
	syncCmd.AddCommand(syncAllCmd)
}

func runSyncTrigger(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.scheduler.Trigger(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := printJSON(out, result); err != nil {
				return err
			}
		} else {
			printRunResult(out, result)
		}

		if result.Status == types.RunFailed {
			return fmt.Errorf("sync %s failed: %s", result.SourceID, result.Error)
		}
		return nil
	})
}

func runSyncAll(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		results := a.scheduler.RunCycle(ctx)

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"results": results})
		}

		w := newTabWriter(out)
		fmt.Fprintln(w, "SOURCE\tSTATUS\tPAGES\tAPPLIED\tCURSOR\tERROR")
		failed := 0
		for _, r := range results {
			if r == nil {
				continue
			}
			if r.Status == types.RunFailed {
				failed++
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				r.SourceID, r.Status, r.Pages, r.Applied.Total(), orDash(string(r.Cursor)), orDash(r.Error))
		}
		w.Flush()

		if failed > 0 {
			return fmt.Errorf("%d source(s) failed", failed)
		}
		return nil
	})
}

func printRunResult(w io.Writer, r *types.RunResult) {
	fmt.Fprintf(w, "Source:    %s\n", r.SourceID)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Pages:     %d\n", r.Pages)
	fmt.Fprintf(w, "Applied:   %d inserted, %d updated, %d unchanged\n",
		r.Applied.Inserted, r.Applied.Updated, r.Applied.Unchanged)
	fmt.Fprintf(w, "Cursor:    %s\n", orDash(string(r.Cursor)))
	if r.Report != nil {
		drift := "none"
		if r.Report.DriftDetected {
			drift = fmt.Sprintf("detected (source %d/%s, replica %d/%s)",
				r.Report.SourceCount, r.Report.SourceChecksum,
				r.Report.ReplicaCount, r.Report.ReplicaChecksum)
		}
		fmt.Fprintf(w, "Drift:     %s\n", drift)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", r.Error)
	}
	if r.Alerting {
		fmt.Fprintln(w, "Alerting:  yes")
	}
	fmt.Fprintf(w, "Duration:  %s\n", r.Duration)
}
