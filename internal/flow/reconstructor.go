package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/model"
	"github.com/rs/zerolog"
)

// Options tune reconstruction.
type Options struct {
	// Resort stable-sorts packets by timestamp before grouping, so that
	// merged or reordered captures still yield correct start and end times.
	Resort bool
	// Networks restricts grouping to packets touching these CIDRs.
	Networks []string
}

type group struct {
	key     Key
	packets int
	bytes   int64
	minSize int
	maxSize int
	start   time.Time
	end     time.Time
	// startSeq is the capture position of the packet that set start.
	startSeq uint64
	index    int
}

// Reconstructor groups packets into bidirectional flows. ProcessPacket may
// be called from one goroutine while another takes a FeatureSet.
type Reconstructor struct {
	opts   Options
	filter *NetworkFilter
	logger zerolog.Logger

	mu     sync.Mutex
	groups map[Key]*group
	order  []*group
	diag   Diagnostics
}

// NewReconstructor validates opts and returns an empty reconstructor.
func NewReconstructor(opts Options, logger zerolog.Logger) (*Reconstructor, error) {
	filter, err := NewNetworkFilter(opts.Networks)
	if err != nil {
		return nil, err
	}
	return &Reconstructor{
		opts:   opts,
		filter: filter,
		logger: logger,
		groups: make(map[Key]*group),
	}, nil
}

// ProcessPacket adds one packet. Packets with no flow key are only counted
// in the diagnostics.
func (r *Reconstructor) ProcessPacket(p *model.PacketInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.diag.observe(p)

	key, ok := KeyOf(p)
	if !ok {
		return
	}
	if !r.filter.Allows(p) {
		r.diag.Filtered++
		return
	}
	r.diag.Grouped++

	g, exists := r.groups[key]
	if !exists {
		g = &group{
			key:      key,
			minSize:  p.Length,
			maxSize:  p.Length,
			start:    p.Timestamp,
			end:      p.Timestamp,
			startSeq: p.Seq,
			index:    len(r.order),
		}
		r.groups[key] = g
		r.order = append(r.order, g)
	}
	g.packets++
	g.bytes += int64(p.Length)
	if p.Length < g.minSize {
		g.minSize = p.Length
	}
	if p.Length > g.maxSize {
		g.maxSize = p.Length
	}
	if r.opts.Resort {
		if p.Timestamp.Before(g.start) || (p.Timestamp.Equal(g.start) && p.Seq < g.startSeq) {
			g.start = p.Timestamp
			g.startSeq = p.Seq
		}
		if p.Timestamp.After(g.end) {
			g.end = p.Timestamp
		}
	} else {
		g.end = p.Timestamp
	}
}

// FeatureSet derives the flow records seen so far, sorted by start time
// with ids renumbered. Flows starting at the same instant keep capture
// order, so the ids do not depend on how many workers parsed the capture.
func (r *Reconstructor) FeatureSet(source string) *features.FlowFeatureSet {
	r.mu.Lock()
	groups := make([]*group, 0, len(r.order))
	for _, g := range r.order {
		if g.packets > 0 {
			groups = append(groups, g)
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if !a.start.Equal(b.start) {
			return a.start.Before(b.start)
		}
		if a.startSeq != b.startSeq {
			return a.startSeq < b.startSeq
		}
		return a.index < b.index
	})
	flows := make([]features.FlowRecord, len(groups))
	for i, g := range groups {
		flows[i] = g.record()
	}
	r.mu.Unlock()

	return features.NewFlowFeatureSet(source, flows)
}

// Diagnostics returns the protocol tallies observed so far.
func (r *Reconstructor) Diagnostics() Diagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diag
}

// Reset clears all accumulated state.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = make(map[Key]*group)
	r.order = nil
	r.diag = Diagnostics{}
}

// Reconstruct groups packets into a feature set. It does not modify packets.
func (r *Reconstructor) Reconstruct(source string, packets []*model.PacketInfo) *features.FlowFeatureSet {
	r.Reset()

	if r.opts.Resort {
		sorted := make([]*model.PacketInfo, len(packets))
		copy(sorted, packets)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		packets = sorted
	}

	for _, p := range packets {
		r.ProcessPacket(p)
	}

	set := r.FeatureSet(source)
	d := r.Diagnostics()
	r.logger.Info().
		Str("source", source).
		Int("packets", d.Total).
		Int("grouped", d.Grouped).
		Int("flows", len(set.Connections)).
		Msg("reconstructed flows")
	return set
}

// Reconstruct groups packets with default options and no logging.
func Reconstruct(source string, packets []*model.PacketInfo) *features.FlowFeatureSet {
	r, _ := NewReconstructor(Options{Resort: true}, zerolog.Nop())
	return r.Reconstruct(source, packets)
}

func (g *group) record() features.FlowRecord {
	start := seconds(g.start)
	end := seconds(g.end)
	return features.FlowRecord{
		Protocol:      g.key.Label,
		Src:           g.key.A.String(),
		Dst:           g.key.B.String(),
		PacketCount:   g.packets,
		TotalBytes:    g.bytes,
		Duration:      features.Round(end-start, 3),
		StartTime:     features.Round(start, 3),
		EndTime:       features.Round(end, 3),
		AvgPacketSize: features.Round(float64(g.bytes)/float64(g.packets), 2),
		MinPacketSize: g.minSize,
		MaxPacketSize: g.maxSize,
	}
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
