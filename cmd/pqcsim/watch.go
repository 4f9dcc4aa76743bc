package main

import (
	"fmt"

	"github.com/prologueii14/pqctls/internal/probe"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow run events published over NATS",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sub, err := probe.NewSubscriber(cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer sub.Close()

	out := cmd.OutOrStdout()
	err = sub.Start(func(e probe.Event) {
		fmt.Fprintf(out, "%s %-8s run=%s mode=%s conns=%d ok=%d failed=%d bytes=%d (%.1f%%)\n",
			e.Time.Format("15:04:05.000"), e.Kind, e.RunID, e.Mode,
			e.TotalConnections, e.SuccessfulConnections, e.FailedConnections,
			e.TotalBytesSent, e.SuccessRate)
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	<-ctx.Done()
	return nil
}
