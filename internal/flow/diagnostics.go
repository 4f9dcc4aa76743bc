package flow

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prologueii14/pqctls/internal/model"
)

// Diagnostics tallies what a capture contained, independent of grouping.
type Diagnostics struct {
	Total    int `json:"total"`
	IPv4     int `json:"ipv4"`
	IPv6     int `json:"ipv6"`
	TCP      int `json:"tcp"`
	UDP      int `json:"udp"`
	NonIP    int `json:"non_ip"`
	Grouped  int `json:"grouped"`
	Filtered int `json:"filtered"`
}

func (d *Diagnostics) observe(p *model.PacketInfo) {
	d.Total++
	switch p.IPVersion {
	case 4:
		d.IPv4++
	case 6:
		d.IPv6++
	default:
		d.NonIP++
		return
	}
	switch p.FiveTuple.Protocol {
	case model.ProtocolTCP:
		d.TCP++
	case model.ProtocolUDP:
		d.UDP++
	}
}

// GroupedRatio is the share of packets that landed in a flow.
func (d Diagnostics) GroupedRatio() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Grouped) / float64(d.Total)
}

// LayerCount is a named tally.
type LayerCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// CaptureReport describes the layer structure of a capture.
type CaptureReport struct {
	Total        int          `json:"total"`
	Layers       []LayerCount `json:"layers"`
	Combinations []LayerCount `json:"combinations"`
}

const reportTopCombinations = 15

// LayerTally accumulates a CaptureReport from decoded packets.
type LayerTally struct {
	total  int
	layers map[string]int
	combos map[string]int
}

func NewLayerTally() *LayerTally {
	return &LayerTally{layers: map[string]int{}, combos: map[string]int{}}
}

// Observe records the layer stack of one packet.
func (t *LayerTally) Observe(packet gopacket.Packet) {
	t.total++
	stack := layerStack(packet)
	for _, l := range stack {
		t.layers[l]++
	}
	name := "Unknown"
	if len(stack) > 0 {
		name = strings.Join(stack, " > ")
	}
	t.combos[name]++
}

// Report returns layer counts and the most common combinations, both in
// descending order.
func (t *LayerTally) Report() CaptureReport {
	combos := sortCounts(t.combos)
	if len(combos) > reportTopCombinations {
		combos = combos[:reportTopCombinations]
	}
	return CaptureReport{Total: t.total, Layers: sortCounts(t.layers), Combinations: combos}
}

func layerStack(packet gopacket.Packet) []string {
	var stack []string
	if packet.Layer(layers.LayerTypeEthernet) != nil {
		stack = append(stack, "Ethernet")
	}
	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		stack = append(stack, "IPv4")
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		stack = append(stack, "IPv6")
	case packet.Layer(layers.LayerTypeARP) != nil:
		stack = append(stack, "ARP")
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		stack = append(stack, "TCP")
		if tcp.SrcPort == 443 || tcp.DstPort == 443 {
			stack = append(stack, "HTTPS")
		} else if tcp.SrcPort == 80 || tcp.DstPort == 80 {
			stack = append(stack, "HTTP")
		}
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		stack = append(stack, "UDP")
		if udp.SrcPort == 53 || udp.DstPort == 53 {
			stack = append(stack, "DNS")
		} else if udp.SrcPort == 443 || udp.DstPort == 443 {
			stack = append(stack, "QUIC")
		}
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil || packet.Layer(layers.LayerTypeICMPv6) != nil {
		stack = append(stack, "ICMP")
	}
	return stack
}

func sortCounts(m map[string]int) []LayerCount {
	out := make([]LayerCount, 0, len(m))
	for name, n := range m {
		out = append(out, LayerCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// WriteText renders the report with percentages.
func (r CaptureReport) WriteText(w io.Writer) error {
	pct := func(n int) float64 {
		if r.Total == 0 {
			return 0
		}
		return float64(n) / float64(r.Total) * 100
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Packets:\t%d\n\nLayer\tCount\tShare\n", r.Total)
	for _, l := range r.Layers {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", l.Name, l.Count, pct(l.Count))
	}
	fmt.Fprintf(tw, "\nCombination\tCount\tShare\n")
	for _, c := range r.Combinations {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", c.Name, c.Count, pct(c.Count))
	}
	return tw.Flush()
}
