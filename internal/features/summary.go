package features

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
)

const summaryTopConnections = 10

// Summary is a human-oriented rollup of a loaded feature file.
type Summary struct {
	Path             string         `json:"path"`
	Format           string         `json:"format"`
	SourcesCount     int            `json:"sources_count"`
	TotalConnections int            `json:"total_connections"`
	TotalPackets     int            `json:"total_packets"`
	TotalBytes       int64          `json:"total_bytes"`
	TotalDuration    float64        `json:"total_duration"`
	AvgPacketSize    float64        `json:"avg_packet_size"`
	AvgInterval      float64        `json:"avg_interval"`
	ByProtocol       map[string]int `json:"by_protocol"`
	FirstConnections []FlowRecord   `json:"first_connections,omitempty"`
}

func (f *Features) Summary() Summary {
	s := Summary{
		Path:         f.Path,
		Format:       f.Format.String(),
		SourcesCount: 1,
		ByProtocol:   map[string]int{},
	}

	switch {
	case f.Flows != nil:
		st := f.Flows.Statistics
		s.TotalConnections = st.TotalConnections
		s.TotalPackets = st.TotalPackets
		s.TotalBytes = st.TotalBytes
		s.TotalDuration = st.TotalDuration
		if st.TotalPackets > 0 {
			s.AvgPacketSize = Round(float64(st.TotalBytes)/float64(st.TotalPackets), 2)
		}
		if n := len(f.Flows.Connections); n > 1 {
			first := f.Flows.Connections[0].StartTime
			last := f.Flows.Connections[n-1].StartTime
			s.AvgInterval = Round((last-first)/float64(n-1), 4)
		}
		for proto, p := range st.ByProtocol {
			s.ByProtocol[proto] = p.Count
		}
		top := f.Flows.Connections
		if len(top) > summaryTopConnections {
			top = top[:summaryTopConnections]
		}
		s.FirstConnections = top
	case f.Legacy != nil:
		s.TotalPackets = f.Legacy.TotalPackets
		s.AvgPacketSize = f.Legacy.Statistics.AvgPacketSize
		s.AvgInterval = f.Legacy.Statistics.AvgInterval
		for proto, n := range f.Legacy.ProtocolDistribution {
			s.ByProtocol[proto] = n
		}
	}
	return s
}

// WriteText renders the summary as an aligned text report.
func (s Summary) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Source:\t%s (%s)\n", s.Path, s.Format)
	if s.TotalConnections > 0 {
		fmt.Fprintf(tw, "Connections:\t%d\n", s.TotalConnections)
		fmt.Fprintf(tw, "Traffic:\t%d bytes (%.2f MB)\n", s.TotalBytes, float64(s.TotalBytes)/1024/1024)
		fmt.Fprintf(tw, "Duration:\t%.2f s\n", s.TotalDuration)
	}
	fmt.Fprintf(tw, "Packets:\t%d\n", s.TotalPackets)
	fmt.Fprintf(tw, "Avg packet size:\t%.2f bytes\n", s.AvgPacketSize)
	fmt.Fprintf(tw, "Avg interval:\t%.4f s\n", s.AvgInterval)

	protos := make([]string, 0, len(s.ByProtocol))
	for p := range s.ByProtocol {
		protos = append(protos, p)
	}
	sort.Strings(protos)
	for _, p := range protos {
		fmt.Fprintf(tw, "  %s\t%d\n", p, s.ByProtocol[p])
	}

	if len(s.FirstConnections) > 0 {
		fmt.Fprintln(tw, "\nID\tProtocol\tPackets\tKB\tDuration (s)")
		for _, c := range s.FirstConnections {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%.1f\t%.2f\n", c.ID, c.Protocol, c.PacketCount, float64(c.TotalBytes)/1024, c.Duration)
		}
		if more := s.TotalConnections - len(s.FirstConnections); more > 0 {
			fmt.Fprintf(tw, "... %d more connections\n", more)
		}
	}
	return tw.Flush()
}
