package flow

import (
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prologueii14/pqctls/internal/model"
	"github.com/rs/zerolog"
)

var epoch = time.Unix(0, 0)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func pkt(src string, sport uint16, dst string, dport uint16, proto uint8, ts float64, length int) *model.PacketInfo {
	srcIP := net.ParseIP(src)
	version := uint8(6)
	if srcIP.To4() != nil {
		version = 4
	}
	return &model.PacketInfo{
		Timestamp: at(ts),
		Length:    length,
		IPVersion: version,
		Ports:     proto == model.ProtocolTCP || proto == model.ProtocolUDP,
		FiveTuple: model.FiveTuple{
			SrcIP:    srcIP,
			DstIP:    net.ParseIP(dst),
			SrcPort:  sport,
			DstPort:  dport,
			Protocol: proto,
		},
	}
}

func nonIP(ts float64, length int) *model.PacketInfo {
	return &model.PacketInfo{Timestamp: at(ts), Length: length}
}

func TestKeyOf_Symmetry(t *testing.T) {
	tests := []struct {
		name  string
		p     *model.PacketInfo
		label string
	}{
		{"tls", pkt("10.0.0.1", 50000, "10.0.0.2", 443, model.ProtocolTCP, 0, 60), LabelHTTPS},
		{"quic", pkt("10.0.0.1", 50000, "10.0.0.2", 443, model.ProtocolUDP, 0, 60), LabelQUIC},
		{"dns", pkt("10.0.0.1", 40000, "8.8.8.8", 53, model.ProtocolUDP, 0, 60), LabelDNS},
		{"plain tcp", pkt("10.0.0.1", 40000, "10.0.0.2", 22, model.ProtocolTCP, 0, 60), LabelTCP},
		{"plain udp", pkt("10.0.0.1", 40000, "10.0.0.2", 123, model.ProtocolUDP, 0, 60), LabelUDP},
		{"ipv6", pkt("2001:db8::2", 443, "2001:db8::1", 51000, model.ProtocolTCP, 0, 60), LabelHTTPS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := tt.p.FiveTuple
			rev := pkt(ft.DstIP.String(), ft.DstPort, ft.SrcIP.String(), ft.SrcPort, ft.Protocol, 1, 60)

			k1, ok1 := KeyOf(tt.p)
			k2, ok2 := KeyOf(rev)
			if !ok1 || !ok2 {
				t.Fatal("expected both directions to have a key")
			}
			if k1 != k2 {
				t.Errorf("KeyOf not symmetric: %+v vs %+v", k1, k2)
			}
			if k1.Label != tt.label {
				t.Errorf("Label = %q, want %q", k1.Label, tt.label)
			}
			if k1.B.Less(k1.A) {
				t.Errorf("endpoints not canonical: %+v", k1)
			}
		})
	}
}

func TestKeyOf_NoKey(t *testing.T) {
	icmp := pkt("10.0.0.1", 0, "10.0.0.2", 0, 1, 0, 60)
	for _, p := range []*model.PacketInfo{nonIP(0, 42), icmp, nil} {
		if _, ok := KeyOf(p); ok {
			t.Errorf("KeyOf(%+v) should report no key", p)
		}
	}
}

func TestReconstruct_TruncatedTransportNotGrouped(t *testing.T) {
	// IP header says TCP but no TCP header was decoded.
	cut := pkt("10.0.0.1", 0, "10.0.0.2", 0, model.ProtocolTCP, 0.5, 37)
	cut.Ports = false
	if _, ok := KeyOf(cut); ok {
		t.Fatal("a packet without a decoded TCP header must have no key")
	}

	set := Reconstruct("cut.pcap", []*model.PacketInfo{
		pkt("10.0.0.1", 50000, "10.0.0.2", 443, model.ProtocolTCP, 0, 100),
		cut,
	})
	if len(set.Connections) != 1 || set.Statistics.TotalBytes != 100 || set.Statistics.TotalPackets != 1 {
		t.Errorf("truncated packet leaked into flows: %+v", set.Statistics)
	}
}

func TestFeatureSet_TiesKeepCaptureOrder(t *testing.T) {
	r, _ := NewReconstructor(Options{Resort: true}, zerolog.Nop())
	// Same timestamp, delivered out of capture order.
	for _, seq := range []uint64{3, 1, 2} {
		p := pkt("10.0.0.1", uint16(40000+seq), "10.0.0.2", 443, model.ProtocolTCP, 1.0001, 60)
		p.Seq = seq
		r.ProcessPacket(p)
	}
	var srcs []string
	for _, c := range r.FeatureSet("ties").Connections {
		srcs = append(srcs, c.Src)
	}
	want := []string{"10.0.0.1:40001", "10.0.0.1:40002", "10.0.0.1:40003"}
	if diff := cmp.Diff(want, srcs); diff != "" {
		t.Errorf("tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestReconstruct_Scenario(t *testing.T) {
	packets := []*model.PacketInfo{
		pkt("10.0.0.1", 50000, "10.0.0.2", 443, model.ProtocolTCP, 0, 100),
		pkt("10.0.0.2", 443, "10.0.0.1", 50000, model.ProtocolTCP, 0.1, 200),
		pkt("10.0.0.1", 40000, "10.0.0.3", 53, model.ProtocolUDP, 0.05, 50),
	}

	// Capture order, as a reader would deliver it.
	r, err := NewReconstructor(Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	set := r.Reconstruct("scenario.pcap", packets)

	if len(set.Connections) != 2 {
		t.Fatalf("got %d flows, want 2", len(set.Connections))
	}
	x, y := set.Connections[0], set.Connections[1]
	if x.ID != 0 || x.StartTime != 0 || x.EndTime != 0.1 || x.TotalBytes != 300 || x.PacketCount != 2 {
		t.Errorf("flow 0 = %+v", x)
	}
	if x.Protocol != LabelHTTPS || x.Src != "10.0.0.1:50000" || x.Dst != "10.0.0.2:443" {
		t.Errorf("flow 0 endpoints = %s %s -> %s", x.Protocol, x.Src, x.Dst)
	}
	if x.MinPacketSize != 100 || x.MaxPacketSize != 200 || x.AvgPacketSize != 150 || x.Duration != 0.1 {
		t.Errorf("flow 0 sizes = %+v", x)
	}
	if y.ID != 1 || y.StartTime != 0.05 || y.TotalBytes != 50 || y.PacketCount != 1 || y.Protocol != LabelDNS {
		t.Errorf("flow 1 = %+v", y)
	}
}

func randomPackets(n int, seed int64) []*model.PacketInfo {
	rng := rand.New(rand.NewSource(seed))
	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "2001:db8::1", "2001:db8::2"}
	ports := []uint16{53, 443, 8080, 50000, 50001}
	var out []*model.PacketInfo
	for i := 0; i < n; i++ {
		if rng.Intn(10) == 0 {
			out = append(out, nonIP(float64(i)/100, 42))
			continue
		}
		a, b := hosts[rng.Intn(3)], hosts[rng.Intn(3)]
		if rng.Intn(4) == 0 {
			a, b = hosts[3+rng.Intn(2)], hosts[3+rng.Intn(2)]
		}
		proto := model.ProtocolTCP
		if rng.Intn(2) == 0 {
			proto = model.ProtocolUDP
		}
		out = append(out, pkt(a, ports[rng.Intn(len(ports))], b, ports[rng.Intn(len(ports))], proto, float64(rng.Intn(1000))/100, 40+rng.Intn(1400)))
	}
	return out
}

func TestReconstruct_Properties(t *testing.T) {
	for _, resort := range []bool{true, false} {
		packets := randomPackets(500, 11)
		r, err := NewReconstructor(Options{Resort: resort}, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		set := r.Reconstruct("random.pcap", packets)

		var keyedBytes, flowBytes int64
		for _, p := range packets {
			if _, ok := KeyOf(p); ok {
				keyedBytes += int64(p.Length)
			}
		}
		for i, f := range set.Connections {
			flowBytes += f.TotalBytes
			if f.ID != i {
				t.Errorf("resort=%v: flow %d has id %d", resort, i, f.ID)
			}
			if i > 0 && set.Connections[i-1].StartTime > f.StartTime {
				t.Errorf("resort=%v: flows not ordered at %d", resort, i)
			}
			if f.PacketCount < 1 {
				t.Errorf("resort=%v: flow %d has no packets", resort, i)
			}
		}
		if keyedBytes != flowBytes {
			t.Errorf("resort=%v: conservation broken: %d keyed bytes, %d flow bytes", resort, keyedBytes, flowBytes)
		}
		if set.Statistics.TotalConnections != len(set.Connections) || set.Statistics.TotalBytes != flowBytes {
			t.Errorf("resort=%v: aggregate statistics inconsistent: %+v", resort, set.Statistics)
		}
		if resort {
			for i, f := range set.Connections {
				if f.StartTime > f.EndTime {
					t.Errorf("flow %d starts after it ends", i)
				}
			}
		}

		d := r.Diagnostics()
		if d.Total != len(packets) || d.IPv4+d.IPv6+d.NonIP != d.Total {
			t.Errorf("diagnostics do not add up: %+v", d)
		}
	}
}

func TestReconstruct_Resort(t *testing.T) {
	packets := []*model.PacketInfo{
		pkt("10.0.0.1", 50000, "10.0.0.2", 443, model.ProtocolTCP, 2.0, 100),
		pkt("10.0.0.2", 443, "10.0.0.1", 50000, model.ProtocolTCP, 1.0, 100),
	}

	set := Reconstruct("merged.pcap", packets)
	f := set.Connections[0]
	if f.StartTime != 1 || f.EndTime != 2 || f.Duration != 1 {
		t.Errorf("resorted flow = start %g end %g duration %g", f.StartTime, f.EndTime, f.Duration)
	}
	if !packets[0].Timestamp.Equal(at(2.0)) {
		t.Error("Reconstruct must not reorder the caller's slice")
	}
}

func TestReconstruct_Degenerate(t *testing.T) {
	empty := Reconstruct("empty.pcap", nil)
	if len(empty.Connections) != 0 || empty.Statistics.TotalConnections != 0 {
		t.Errorf("empty input = %+v", empty)
	}

	r, _ := NewReconstructor(Options{Resort: true}, zerolog.Nop())
	onlyNonIP := r.Reconstruct("arp.pcap", []*model.PacketInfo{nonIP(0, 42), nonIP(1, 42)})
	if len(onlyNonIP.Connections) != 0 {
		t.Errorf("non-IP capture produced %d flows", len(onlyNonIP.Connections))
	}
	if d := r.Diagnostics(); d.NonIP != 2 || d.Grouped != 0 {
		t.Errorf("diagnostics = %+v", d)
	}
}

func TestReconstruct_NetworkFilter(t *testing.T) {
	packets := []*model.PacketInfo{
		pkt("10.0.0.1", 50000, "10.0.0.2", 443, model.ProtocolTCP, 0, 100),
		pkt("192.168.1.5", 50000, "192.168.1.6", 443, model.ProtocolTCP, 1, 100),
		pkt("2001:db8::1", 50000, "2001:db8::2", 443, model.ProtocolTCP, 2, 100),
	}
	r, err := NewReconstructor(Options{Resort: true, Networks: []string{"10.0.0.0/8", "2001:db8::/32"}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	set := r.Reconstruct("mixed.pcap", packets)

	var srcs []string
	for _, f := range set.Connections {
		srcs = append(srcs, f.Src)
	}
	want := []string{"10.0.0.1:50000", "[2001:db8::1]:50000"}
	if diff := cmp.Diff(want, srcs); diff != "" {
		t.Errorf("filtered flows mismatch (-want +got):\n%s", diff)
	}
	if d := r.Diagnostics(); d.Filtered != 1 {
		t.Errorf("Filtered = %d, want 1", d.Filtered)
	}

	if _, err := NewReconstructor(Options{Networks: []string{"10.0.0.0/33"}}, zerolog.Nop()); err == nil {
		t.Error("expected an error for an invalid CIDR")
	}
}

func TestReconstructor_StreamingReset(t *testing.T) {
	r, _ := NewReconstructor(Options{}, zerolog.Nop())
	r.ProcessPacket(pkt("10.0.0.1", 1, "10.0.0.2", 2, model.ProtocolTCP, 0, 10))
	if n := len(r.FeatureSet("live").Connections); n != 1 {
		t.Fatalf("got %d flows, want 1", n)
	}
	r.Reset()
	if n := len(r.FeatureSet("live").Connections); n != 0 {
		t.Errorf("after Reset got %d flows", n)
	}
}
