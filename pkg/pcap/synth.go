package pcap

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Frame describes one synthetic Ethernet frame.
type Frame struct {
	Timestamp time.Time
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	UDP       bool
	Payload   int
}

var (
	synthSrcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	synthDstMAC = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA}
)

// BuildFrame serializes f into Ethernet/IP/TCP|UDP bytes. The IP version
// follows SrcIP.
func BuildFrame(f Frame) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: synthSrcMAC, DstMAC: synthDstMAC}

	var netLayer gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	ipProto := layers.IPProtocolTCP
	if f.UDP {
		ipProto = layers.IPProtocolUDP
	}

	if v4 := f.SrcIP.To4(); v4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: ipProto, SrcIP: v4, DstIP: f.DstIP.To4()}
		netLayer, ipLayer = ip, ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: ipProto, SrcIP: f.SrcIP, DstIP: f.DstIP}
		netLayer, ipLayer = ip, ip
	}

	var transport gopacket.SerializableLayer
	if f.UDP {
		udp := &layers.UDP{SrcPort: layers.UDPPort(f.SrcPort), DstPort: layers.UDPPort(f.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		transport = udp
	} else {
		tcp := &layers.TCP{SrcPort: layers.TCPPort(f.SrcPort), DstPort: layers.TCPPort(f.DstPort), ACK: true, PSH: true, Window: 14600}
		if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		transport = tcp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	payload := gopacket.Payload(make([]byte, f.Payload))
	if err := gopacket.SerializeLayers(buf, opts, eth, ipLayer, transport, payload); err != nil {
		return nil, fmt.Errorf("failed to serialize layers: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFrames writes frames to a new pcap file at filePath.
func WriteFrames(filePath string, frames []Frame) error {
	w, err := NewWriter(filePath, layers.LinkTypeEthernet)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, f := range frames {
		data, err := BuildFrame(f)
		if err != nil {
			return err
		}
		ci := gopacket.CaptureInfo{Timestamp: f.Timestamp, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			return err
		}
	}
	return nil
}
