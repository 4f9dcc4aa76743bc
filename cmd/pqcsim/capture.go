package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prologueii14/pqctls/pkg/pcap"
	"github.com/spf13/cobra"
)

var captureOpts struct {
	iface    string
	output   string
	count    int
	duration time.Duration
	filter   string
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record endpoint traffic from a live interface to a pcap file",
	Args:  cobra.NoArgs,
	RunE:  runCapture,
}

func init() {
	f := captureCmd.Flags()
	f.StringVarP(&captureOpts.iface, "interface", "i", "lo", "Interface to capture on")
	f.StringVarP(&captureOpts.output, "output", "o", "", "pcap file to write (default: data/pcaps/capture_<time>.pcap)")
	f.IntVar(&captureOpts.count, "count", 0, "Stop after this many packets (0 = no limit)")
	f.DurationVar(&captureOpts.duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	f.StringVar(&captureOpts.filter, "filter", "", "BPF filter (default: the endpoint port)")
}

func runCapture(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	if captureOpts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, captureOpts.duration)
		defer cancel()
	}

	filter := captureOpts.filter
	if filter == "" {
		filter = pcap.CapturePort(cfg.Topology.ServerPort)
	}
	n, path, err := captureToFile(ctx, captureOpts.iface, filter, captureOpts.count, captureOpts.output)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Captured %d packets to %s\n", n, path)
	return nil
}

// captureToFile runs a live capture into path, or a timestamped file under
// data/pcaps when path is empty.
func captureToFile(ctx context.Context, iface, filter string, count int, path string) (int, string, error) {
	if path == "" {
		path = filepath.Join("data", "pcaps", "capture_"+time.Now().Format("20060102_150405")+".pcap")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, path, fmt.Errorf("failed to create capture directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, path, fmt.Errorf("failed to create capture file: %w", err)
	}
	defer f.Close()

	n, err := pcap.Capture(ctx, pcap.CaptureOptions{
		Interface:  iface,
		BPFFilter:  filter,
		MaxPackets: count,
	}, f, logger)
	return n, path, err
}
