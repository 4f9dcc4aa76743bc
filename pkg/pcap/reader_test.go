package pcap

import (
	"bytes"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prologueii14/pqctls/internal/model"
)

func testFrames() []Frame {
	base := time.Unix(1700000000, 0)
	return []Frame{
		{Timestamp: base, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}, SrcPort: 50000, DstPort: 443, Payload: 120},
		{Timestamp: base.Add(10 * time.Millisecond), SrcIP: net.IP{10, 0, 0, 2}, DstIP: net.IP{10, 0, 0, 1}, SrcPort: 443, DstPort: 50000, Payload: 800},
		{Timestamp: base.Add(20 * time.Millisecond), SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::53"), SrcPort: 40000, DstPort: 53, UDP: true, Payload: 30},
	}
}

func TestReader_ReadPackets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pcap")
	if err := WriteFrames(path, testFrames()); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer reader.Close()

	out := make(chan *model.PacketInfo)
	errc := make(chan error, 1)
	go func() { errc <- reader.ReadPackets(out) }()

	var got []*model.PacketInfo
	for info := range out {
		got = append(got, info)
	}
	if err := <-errc; err != nil {
		t.Fatalf("ReadPackets() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("Expected to read 3 packets, but got %d", len(got))
	}
	if got[2].IPVersion != 6 || got[2].FiveTuple.Protocol != model.ProtocolUDP {
		t.Errorf("third packet = v%d proto %d, want v6 UDP", got[2].IPVersion, got[2].FiveTuple.Protocol)
	}
	if want := time.Unix(1700000000, 0).Add(10 * time.Millisecond); !got[1].Timestamp.Equal(want) {
		t.Errorf("second packet timestamp = %v, want %v", got[1].Timestamp, want)
	}
}

func TestReadFile_Lengths(t *testing.T) {
	frames := testFrames()
	path := filepath.Join(t.TempDir(), "test.pcap")
	if err := WriteFrames(path, frames); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	packets, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for i, f := range frames {
		data, err := BuildFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		if packets[i].Length != len(data) {
			t.Errorf("packet %d length = %d, want %d", i, packets[i].Length, len(data))
		}
	}
}

func TestNewReader_Pcapng(t *testing.T) {
	var buf bytes.Buffer
	ng, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatalf("NewNgWriter() error = %v", err)
	}
	for _, f := range testFrames() {
		data, err := BuildFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		ci := gopacket.CaptureInfo{Timestamp: f.Timestamp, CaptureLength: len(data), Length: len(data), InterfaceIndex: 0}
		if err := ng.WritePacket(ci, data); err != nil {
			t.Fatalf("WritePacket() error = %v", err)
		}
	}
	if err := ng.Flush(); err != nil {
		t.Fatal(err)
	}

	r, err := newReader(&buf)
	if err != nil {
		t.Fatalf("newReader(pcapng) error = %v", err)
	}
	n := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		n++
	}
	if n != 3 {
		t.Errorf("read %d packets from pcapng, want 3", n)
	}
}

func TestNewReader_Garbage(t *testing.T) {
	if _, err := newReader(bytes.NewReader([]byte("definitely not a capture"))); err == nil {
		t.Error("expected an error for a non-capture file")
	}
}
