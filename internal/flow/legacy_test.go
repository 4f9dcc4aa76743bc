package flow

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prologueii14/pqctls/pkg/pcap"
)

func framePacket(t *testing.T, f pcap.Frame) gopacket.Packet {
	t.Helper()
	data, err := pcap.BuildFrame(f)
	if err != nil {
		t.Fatalf("BuildFrame() error = %v", err)
	}
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	p.Metadata().CaptureInfo = gopacket.CaptureInfo{Timestamp: f.Timestamp, CaptureLength: len(data), Length: len(data)}
	return p
}

func legacyFrames() []pcap.Frame {
	base := time.Unix(1700000000, 0)
	client, server := net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}
	return []pcap.Frame{
		{Timestamp: base, SrcIP: client, DstIP: server, SrcPort: 50000, DstPort: 443, Payload: 100},
		{Timestamp: base.Add(100 * time.Millisecond), SrcIP: server, DstIP: client, SrcPort: 443, DstPort: 50000, Payload: 900},
		{Timestamp: base.Add(300 * time.Millisecond), SrcIP: client, DstIP: server, SrcPort: 50001, DstPort: 22, Payload: 10},
		{Timestamp: base.Add(400 * time.Millisecond), SrcIP: client, DstIP: server, SrcPort: 40000, DstPort: 123, UDP: true, Payload: 48},
	}
}

func TestPacketAnalyzer(t *testing.T) {
	a := NewPacketAnalyzer()
	var sizes []int
	for _, f := range legacyFrames() {
		p := framePacket(t, f)
		sizes = append(sizes, len(p.Data()))
		a.Observe(p)
	}

	set := a.FeatureSet("/captures/browse.pcap")
	if set.File != "browse.pcap" {
		t.Errorf("File = %q", set.File)
	}
	if set.TotalPackets != 4 || len(set.PacketSizes) != 4 || len(set.Intervals) != 3 {
		t.Fatalf("counts = %d packets, %d sizes, %d intervals", set.TotalPackets, len(set.PacketSizes), len(set.Intervals))
	}
	if set.Statistics.MinPacketSize != sizes[2] || set.Statistics.MaxPacketSize != sizes[1] {
		t.Errorf("min/max = %d/%d", set.Statistics.MinPacketSize, set.Statistics.MaxPacketSize)
	}
	if got := set.Statistics.MaxInterval; got < 0.199 || got > 0.201 {
		t.Errorf("MaxInterval = %g, want 0.2", got)
	}
	want := map[string]int{"HTTPS": 2, "SSH": 1, "NTP": 1}
	for proto, n := range want {
		if set.ProtocolDistribution[proto] != n {
			t.Errorf("distribution[%s] = %d, want %d", proto, set.ProtocolDistribution[proto], n)
		}
	}
}

func TestPacketAnalyzer_TruncatesSamples(t *testing.T) {
	a := NewPacketAnalyzer()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 150; i++ {
		a.Observe(framePacket(t, pcap.Frame{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			SrcIP:     net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
			SrcPort: 50000, DstPort: 8080, Payload: i,
		}))
	}
	set := a.FeatureSet("big.pcap")
	if set.TotalPackets != 150 {
		t.Errorf("TotalPackets = %d", set.TotalPackets)
	}
	if len(set.PacketSizes) != 100 || len(set.Intervals) != 100 {
		t.Errorf("samples = %d sizes, %d intervals, want 100 each", len(set.PacketSizes), len(set.Intervals))
	}
}

func TestLayerTally(t *testing.T) {
	tally := NewLayerTally()
	for _, f := range legacyFrames() {
		tally.Observe(framePacket(t, f))
	}
	report := tally.Report()
	if report.Total != 4 {
		t.Errorf("Total = %d", report.Total)
	}
	if report.Combinations[0].Name != "Ethernet > IPv4 > TCP > HTTPS" || report.Combinations[0].Count != 2 {
		t.Errorf("top combination = %+v", report.Combinations[0])
	}
	if report.Layers[0].Name != "Ethernet" || report.Layers[0].Count != 4 {
		t.Errorf("top layer = %+v", report.Layers[0])
	}

	var buf bytes.Buffer
	if err := report.WriteText(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "50.0%") {
		t.Errorf("report missing percentages:\n%s", buf.String())
	}
}
