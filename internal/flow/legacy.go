package flow

import (
	"math"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prologueii14/pqctls/internal/features"
)

// PacketAnalyzer builds the packet-level feature set: per-packet sizes,
// inter-arrival intervals and a port-based protocol distribution.
type PacketAnalyzer struct {
	sizes     []int
	intervals []float64
	protocols map[string]int
	prev      time.Time
	seen      bool
}

func NewPacketAnalyzer() *PacketAnalyzer {
	return &PacketAnalyzer{protocols: map[string]int{}}
}

// Observe records one packet in capture order.
func (a *PacketAnalyzer) Observe(packet gopacket.Packet) {
	ts := packet.Metadata().Timestamp
	a.sizes = append(a.sizes, len(packet.Data()))
	if a.seen {
		a.intervals = append(a.intervals, ts.Sub(a.prev).Seconds())
	}
	a.prev, a.seen = ts, true
	a.protocols[packetLabel(packet)]++
}

// FeatureSet computes the statistics over every observed packet and keeps
// only the leading samples.
func (a *PacketAnalyzer) FeatureSet(capturePath string) *features.LegacyPacketFeatureSet {
	set := &features.LegacyPacketFeatureSet{
		File:                 filepath.Base(capturePath),
		TotalPackets:         len(a.sizes),
		ProtocolDistribution: a.protocols,
		PacketSizes:          truncate(a.sizes, features.LegacySampleLimit),
		Intervals:            truncate(a.intervals, features.LegacySampleLimit),
	}

	if len(a.sizes) > 0 {
		sum, lo, hi := 0, math.MaxInt, 0
		for _, s := range a.sizes {
			sum += s
			lo = min(lo, s)
			hi = max(hi, s)
		}
		set.Statistics.AvgPacketSize = float64(sum) / float64(len(a.sizes))
		set.Statistics.MinPacketSize = lo
		set.Statistics.MaxPacketSize = hi
	}
	if len(a.intervals) > 0 {
		sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
		for _, iv := range a.intervals {
			sum += iv
			lo = math.Min(lo, iv)
			hi = math.Max(hi, iv)
		}
		set.Statistics.AvgInterval = sum / float64(len(a.intervals))
		set.Statistics.MinInterval = lo
		set.Statistics.MaxInterval = hi
	}
	return set
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		s = s[:n]
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// packetLabel is the richer, port-based labelling used for the packet-level
// distribution.
func packetLabel(packet gopacket.Packet) string {
	ipv6 := false
	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ipv6 = true
	default:
		return "Ethernet"
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		either := func(p layers.TCPPort) bool { return tcp.SrcPort == p || tcp.DstPort == p }
		switch {
		case either(443):
			return "HTTPS"
		case either(80):
			return "HTTP"
		case either(22):
			return "SSH"
		case either(21):
			return "FTP"
		case either(25):
			return "SMTP"
		}
		return "TCP"
	}

	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		either := func(p layers.UDPPort) bool { return udp.SrcPort == p || udp.DstPort == p }
		switch {
		case packet.Layer(layers.LayerTypeDNS) != nil:
			return "DNS"
		case either(443), either(80):
			return "QUIC"
		case either(53):
			return "DNS"
		case either(123):
			return "NTP"
		case either(5353):
			return "mDNS"
		}
		return "UDP"
	}

	if ipv6 {
		return "IPv6"
	}
	return "IP"
}
