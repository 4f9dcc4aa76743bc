package flow

import (
	"net"
	"strconv"

	"github.com/prologueii14/pqctls/internal/model"
)

// Protocol labels assigned to flows.
const (
	LabelHTTPS = "HTTPS"
	LabelQUIC  = "QUIC"
	LabelDNS   = "DNS"
	LabelTCP   = "TCP"
	LabelUDP   = "UDP"
)

// Endpoint is one side of a connection.
type Endpoint struct {
	Addr string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Addr, strconv.Itoa(int(e.Port)))
}

// Less orders endpoints by address string, then port.
func (e Endpoint) Less(o Endpoint) bool {
	if e.Addr != o.Addr {
		return e.Addr < o.Addr
	}
	return e.Port < o.Port
}

// Key identifies a bidirectional connection. A is never greater than B, so
// both directions of a connection produce the same Key.
type Key struct {
	A     Endpoint
	B     Endpoint
	Label string
}

// KeyOf returns the canonical key of p. It reports false for packets
// without an IP layer or without a TCP/UDP header.
func KeyOf(p *model.PacketInfo) (Key, bool) {
	if p == nil || !p.HasTransport() {
		return Key{}, false
	}
	ft := p.FiveTuple
	a := Endpoint{Addr: ft.SrcIP.String(), Port: ft.SrcPort}
	b := Endpoint{Addr: ft.DstIP.String(), Port: ft.DstPort}
	if b.Less(a) {
		a, b = b, a
	}
	return Key{A: a, B: b, Label: Label(ft)}, true
}

// Label derives the protocol label from the transport and either port.
func Label(ft model.FiveTuple) string {
	either := func(port uint16) bool {
		return ft.SrcPort == port || ft.DstPort == port
	}
	switch ft.Protocol {
	case model.ProtocolTCP:
		if either(443) {
			return LabelHTTPS
		}
		return LabelTCP
	case model.ProtocolUDP:
		if either(443) {
			return LabelQUIC
		}
		if either(53) {
			return LabelDNS
		}
		return LabelUDP
	}
	return ""
}
