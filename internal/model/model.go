package model

import (
	"net"
	"time"
)

// IP protocol numbers the flow layer cares about.
const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

// FiveTuple represents the 5-tuple of a network packet. Ports are only
// meaningful when Protocol is TCP or UDP.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// PacketInfo holds the metadata extracted from a single captured frame.
// IPVersion is 0 when the frame carries no IP layer. FiveTuple.Protocol is
// the IP header's protocol field; Ports is set only when a TCP or UDP
// header was actually decoded. Seq is the 1-based capture position, 0 when
// unknown.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
	IPVersion uint8
	Ports     bool
	Seq       uint64
}

// IsIP reports whether the frame had an IPv4 or IPv6 layer.
func (p *PacketInfo) IsIP() bool {
	return p.IPVersion == 4 || p.IPVersion == 6
}

// HasTransport reports whether the frame carried a TCP or UDP header.
func (p *PacketInfo) HasTransport() bool {
	return p.IsIP() && p.Ports &&
		(p.FiveTuple.Protocol == ProtocolTCP || p.FiveTuple.Protocol == ProtocolUDP)
}
