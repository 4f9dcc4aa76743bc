package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/gopacket"
	"github.com/prologueii14/pqctls/internal/engine/manager"
	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/flow"
	"github.com/prologueii14/pqctls/internal/model"
	"github.com/prologueii14/pqctls/pkg/pcap"
	"github.com/spf13/cobra"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <capture.pcap>",
	Short: "Report the protocol makeup of a capture",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiagnose,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <features.json>",
	Short: "Print a summary of a feature file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		f, err := features.Load(args[0])
		if err != nil {
			return err
		}
		return f.Summary().WriteText(cmd.OutOrStdout())
	},
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reader, err := pcap.NewReader(args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	tally := flow.NewLayerTally()
	rec, err := flow.NewReconstructor(flow.Options{Resort: true, Networks: cfg.Analysis.Networks}, logger)
	if err != nil {
		return err
	}
	m := manager.NewManager(manager.Options{Workers: 1}, logger,
		manager.SinkFunc(func(p gopacket.Packet, info *model.PacketInfo) {
			tally.Observe(p)
			if info != nil {
				rec.ProcessPacket(info)
			}
		}))
	m.Start()
	readErr := reader.ReadRawPackets(m.InputChannel())
	m.Stop()
	if readErr != nil {
		return readErr
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Capture: %s (link type %s)\n\n", args[0], reader.LinkType())
	if err := tally.Report().WriteText(out); err != nil {
		return err
	}

	d := rec.Diagnostics()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nFlow grouping")
	fmt.Fprintf(tw, "  packets\t%d\n", d.Total)
	fmt.Fprintf(tw, "  IPv4 / IPv6\t%d / %d\n", d.IPv4, d.IPv6)
	fmt.Fprintf(tw, "  TCP / UDP\t%d / %d\n", d.TCP, d.UDP)
	fmt.Fprintf(tw, "  non-IP\t%d\n", d.NonIP)
	fmt.Fprintf(tw, "  filtered\t%d\n", d.Filtered)
	fmt.Fprintf(tw, "  grouped\t%d (%.1f%%)\n", d.Grouped, d.GroupedRatio()*100)
	fmt.Fprintf(tw, "  flows\t%d\n", len(rec.FeatureSet(args[0]).Connections))
	return tw.Flush()
}
