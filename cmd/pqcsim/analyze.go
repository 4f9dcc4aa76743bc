package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/engine/manager"
	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/flow"
	"github.com/prologueii14/pqctls/internal/model"
	"github.com/prologueii14/pqctls/pkg/pcap"
	"github.com/spf13/cobra"
)

var analyzeOpts struct {
	output   string
	legacy   bool
	workers  int
	export   bool
	networks []string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <capture.pcap>",
	Short: "Reconstruct connection-level features from a capture",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVarP(&analyzeOpts.output, "output", "o", "", "Feature file to write (default: <capture>_features.json)")
	f.BoolVar(&analyzeOpts.legacy, "legacy", false, "Write the packet-level feature format instead")
	f.IntVar(&analyzeOpts.workers, "workers", runtime.NumCPU(), "Packet parsing workers")
	f.BoolVar(&analyzeOpts.export, "export-clickhouse", false, "Also export the flows to ClickHouse")
	f.StringSliceVar(&analyzeOpts.networks, "network", nil, "Only group flows touching these CIDRs (repeatable)")
}

func defaultFeaturePath(capture string) string {
	ext := filepath.Ext(capture)
	return strings.TrimSuffix(capture, ext) + "_features.json"
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	capture := args[0]
	out := analyzeOpts.output
	if out == "" {
		out = defaultFeaturePath(capture)
	}
	if len(analyzeOpts.networks) > 0 {
		cfg.Analysis.Networks = analyzeOpts.networks
	}

	reader, err := pcap.NewReader(capture)
	if err != nil {
		return err
	}
	defer reader.Close()

	start := time.Now()
	if analyzeOpts.legacy {
		return analyzeLegacy(cmd, reader, capture, out)
	}

	rec, err := flow.NewReconstructor(flow.Options{
		Resort:   cfg.Analysis.Resort,
		Networks: cfg.Analysis.Networks,
	}, logger)
	if err != nil {
		return err
	}
	sink := manager.SinkFunc(func(_ gopacket.Packet, info *model.PacketInfo) {
		if info != nil {
			rec.ProcessPacket(info)
		}
	})

	// Without re-sorting, flow boundaries follow arrival order.
	m := manager.NewManager(manager.Options{
		Workers: analyzeOpts.workers,
		Ordered: !cfg.Analysis.Resort,
	}, logger, sink)
	m.Start()
	readErr := reader.ReadRawPackets(m.InputChannel())
	m.Stop()
	if readErr != nil {
		return readErr
	}

	set := rec.FeatureSet(capture)
	diag := rec.Diagnostics()
	logger.Info().
		Str("capture", capture).
		Int("packets", diag.Total).
		Int("ipv4", diag.IPv4).
		Int("ipv6", diag.IPv6).
		Int("non_ip", diag.NonIP).
		Float64("grouped_ratio", diag.GroupedRatio()).
		Int("flows", len(set.Connections)).
		Dur("elapsed", time.Since(start)).
		Msg("capture analyzed")
	if diag.Total > 0 && diag.Grouped == 0 {
		logger.Warn().Msg("no packet could be grouped into a flow; check the capture and the network filter")
	}

	if err := features.Save(out, set); err != nil {
		return err
	}
	logger.Info().Str("path", out).Msg("features written")

	if analyzeOpts.export || cfg.ClickHouse.Enabled {
		if err := exportClickHouse(cmd.Context(), cfg.ClickHouse, set); err != nil {
			return err
		}
	}

	summary := (&features.Features{Path: out, Format: features.FormatConnectionLevel, Flows: set}).Summary()
	return summary.WriteText(cmd.OutOrStdout())
}

func analyzeLegacy(cmd *cobra.Command, reader *pcap.Reader, capture, out string) error {
	analyzer := flow.NewPacketAnalyzer()
	m := manager.NewManager(manager.Options{Ordered: true}, logger,
		manager.SinkFunc(func(p gopacket.Packet, _ *model.PacketInfo) { analyzer.Observe(p) }))
	m.Start()
	readErr := reader.ReadRawPackets(m.InputChannel())
	m.Stop()
	if readErr != nil {
		return readErr
	}

	set := analyzer.FeatureSet(capture)
	if err := features.SaveLegacy(out, set); err != nil {
		return err
	}
	logger.Info().Str("path", out).Int("packets", set.TotalPackets).Msg("legacy features written")

	summary := (&features.Features{Path: out, Format: features.FormatPacketLevel, Legacy: set}).Summary()
	return summary.WriteText(cmd.OutOrStdout())
}

func exportClickHouse(ctx context.Context, cfg config.ClickHouseConfig, set *features.FlowFeatureSet) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	exp, err := features.NewClickHouseExporter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("clickhouse export: %w", err)
	}
	defer exp.Close()
	return exp.Export(ctx, set)
}
