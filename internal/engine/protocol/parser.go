package protocol

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prologueii14/pqctls/internal/model"
)

// ErrEmptyPacket is returned for frames with no captured bytes.
var ErrEmptyPacket = errors.New("empty packet")

// ParsePacket extracts the packet record from a decoded gopacket.Packet.
// Non-IP frames and IP frames without a decodable TCP/UDP header still
// produce a record so that callers can account for them; IPVersion and
// Ports tell them apart. Length is the wire length, or the captured length
// when the capture did not record one.
func ParsePacket(packet gopacket.Packet) (*model.PacketInfo, error) {
	data := packet.Data()
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	info := &model.PacketInfo{
		Length: len(data),
	}
	if meta := packet.Metadata(); meta != nil {
		info.Timestamp = meta.Timestamp
		if meta.Length > 0 {
			info.Length = meta.Length
		}
	}

	var fiveTuple model.FiveTuple

	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.Protocol)
		info.IPVersion = 4
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		fiveTuple.SrcIP = ip.SrcIP
		fiveTuple.DstIP = ip.DstIP
		fiveTuple.Protocol = uint8(ip.NextHeader)
		info.IPVersion = 6
	} else {
		info.FiveTuple = fiveTuple
		return info, nil
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		fiveTuple.SrcPort = uint16(tcp.SrcPort)
		fiveTuple.DstPort = uint16(tcp.DstPort)
		fiveTuple.Protocol = model.ProtocolTCP
		info.Ports = true
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		fiveTuple.SrcPort = uint16(udp.SrcPort)
		fiveTuple.DstPort = uint16(udp.DstPort)
		fiveTuple.Protocol = model.ProtocolUDP
		info.Ports = true
	}

	info.FiveTuple = fiveTuple
	return info, nil
}

// ParseFrame decodes raw link-layer bytes and parses them like ParsePacket.
func ParseFrame(data []byte, ci gopacket.CaptureInfo, linkType gopacket.Decoder) (*model.PacketInfo, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	md := packet.Metadata()
	md.CaptureInfo = ci
	return ParsePacket(packet)
}
