package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/prologueii14/pqctls/internal/results"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs, or show one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := results.Open(cfg.Results.Path, 0, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rec, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("run %s not found", args[0])
		}
		fmt.Fprintf(out, "Source: %s\n", rec.Source)
		return rec.RunStatistics.WriteText(out)
	}

	runs, err := store.List(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tSTARTED\tCONNS\tOK\tFAILED\tSUCCESS\tSOURCE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
			r.RunID, r.Mode, r.StartTime.Format("2006-01-02 15:04:05"),
			r.TotalConnections, r.SuccessfulConnections, r.FailedConnections,
			r.SuccessRate(), r.Source)
	}
	return tw.Flush()
}
