package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and exit",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.sweeper.Sweep(ctx)

		out := cmd.OutOrStdout()
		if jsonOutput {
			if perr := printJSON(out, result); perr != nil {
				return perr
			}
		} else {
			fmt.Fprintf(out, "Memory records removed:  %d\n", result.MemoryRecords)
			fmt.Fprintf(out, "Reports removed:         %d\n", result.Reports)
			fmt.Fprintf(out, "Orphan memories removed: %d\n", result.Memories)
			for _, key := range result.Archives {
				fmt.Fprintf(out, "Archived to %s\n", key)
			}
		}
		return err
	})
}
