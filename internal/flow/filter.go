package flow

import (
	"fmt"
	"net"

	"github.com/prologueii14/pqctls/internal/model"
	"github.com/yl2chen/cidranger"
)

// NetworkFilter admits packets with at least one endpoint inside one of its
// networks.
type NetworkFilter struct {
	ranger cidranger.Ranger
	size   int
}

// NewNetworkFilter parses cidrs. An empty list yields a filter that admits
// everything.
func NewNetworkFilter(cidrs []string) (*NetworkFilter, error) {
	f := &NetworkFilter{ranger: cidranger.NewPCTrieRanger()}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", c, err)
		}
		if err := f.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("failed to add network %q: %w", c, err)
		}
		f.size++
	}
	return f, nil
}

// Allows reports whether p should be grouped.
func (f *NetworkFilter) Allows(p *model.PacketInfo) bool {
	if f == nil || f.size == 0 {
		return true
	}
	return f.contains(p.FiveTuple.SrcIP) || f.contains(p.FiveTuple.DstIP)
}

func (f *NetworkFilter) contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	ok, err := f.ranger.Contains(ip)
	return err == nil && ok
}
