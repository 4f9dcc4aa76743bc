package main

import (
	"context"
	"fmt"
	"sync"
	"text/tabwriter"

	"github.com/prologueii14/pqctls/internal/factory"
	"github.com/prologueii14/pqctls/internal/pattern"
	"github.com/prologueii14/pqctls/pkg/pcap"
	"github.com/spf13/cobra"
)

var experimentOpts struct {
	patterns   string
	capture    bool
	iface      string
	captureOut string
}

var experimentCmd = &cobra.Command{
	Use:   "experiment <experiment.yaml>",
	Short: "Run a sequence of named traffic patterns",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperiment,
}

func init() {
	f := experimentCmd.Flags()
	f.StringVar(&experimentOpts.patterns, "patterns", "configs/traffic_patterns.yaml", "Pattern table")
	f.BoolVar(&experimentOpts.capture, "capture", false, "Record the experiment's traffic to a pcap file")
	f.StringVarP(&experimentOpts.iface, "interface", "i", "lo", "Interface to capture on")
	f.StringVarP(&experimentOpts.captureOut, "capture-output", "o", "", "pcap file to write when capturing")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	table, err := pattern.LoadFile(experimentOpts.patterns)
	if err != nil {
		return err
	}
	exp, err := pattern.LoadExperiment(args[0])
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, "experiment", args[0])
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signalContext()
	defer stop()

	var wg sync.WaitGroup
	if experimentOpts.capture {
		capCtx, cancelCapture := context.WithCancel(ctx)
		defer func() {
			cancelCapture()
			wg.Wait()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, path, err := captureToFile(capCtx, experimentOpts.iface, pcap.CapturePort(cfg.Topology.ServerPort), 0, experimentOpts.captureOut)
			if err != nil {
				logger.Error().Err(err).Msg("capture failed")
				return
			}
			logger.Info().Int("packets", n).Str("path", path).Msg("capture written")
		}()
	}

	env := pattern.Env{
		Driver:     newDriver(cfg),
		Tracker:    rt.tracker,
		MaxPayload: cfg.Simulation.MaxPayload,
		Logger:     logger,
	}
	var ep factory.Endpoint
	if cfg.Endpoint.Enabled {
		ep = newEndpoint(cfg)
	}
	runner := pattern.NewRunner(table, env, ep, cfg.Simulation.Seed)

	res, err := runner.Run(ctx, exp)
	if err != nil && len(res) == 0 {
		return err
	}
	if err != nil {
		logger.Warn().Err(err).Msg("experiment stopped early")
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nExperiment: %s\n", exp.Name)
	fmt.Fprintln(tw, "STEP\tPATTERN\tOK\tFAILED\tBYTES")
	for i, r := range res {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\n", i+1, r.Pattern, r.Success, r.Failed, r.Bytes)
	}
	t := pattern.Totals(res)
	fmt.Fprintf(tw, "\tTOTAL\t%d\t%d\t%d\n", t.Successes, t.Failures, t.Bytes)
	return tw.Flush()
}
