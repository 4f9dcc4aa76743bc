package features

import (
	"math"
	"sort"
)

// AnalysisTypeConnectionLevel tags feature sets produced by the flow
// reconstructor.
const AnalysisTypeConnectionLevel = "connection_level"

// LegacySampleLimit is the number of packet sizes and intervals a legacy
// feature file keeps.
const LegacySampleLimit = 100

type Metadata struct {
	SourcePcap   string `json:"source_pcap"`
	AnalysisType string `json:"analysis_type"`
}

// FlowRecord summarizes one bidirectional connection. Times are seconds
// since the Unix epoch rounded to milliseconds; averages to two decimals.
type FlowRecord struct {
	ID            int     `json:"id"`
	Protocol      string  `json:"protocol"`
	Src           string  `json:"src"`
	Dst           string  `json:"dst"`
	PacketCount   int     `json:"packet_count"`
	TotalBytes    int64   `json:"total_bytes"`
	Duration      float64 `json:"duration"`
	StartTime     float64 `json:"start_time"`
	EndTime       float64 `json:"end_time"`
	AvgPacketSize float64 `json:"avg_packet_size"`
	MinPacketSize int     `json:"min_packet_size"`
	MaxPacketSize int     `json:"max_packet_size"`
}

type ProtocolStats struct {
	Count   int   `json:"count"`
	Bytes   int64 `json:"bytes"`
	Packets int   `json:"packets"`
}

type AggregateStats struct {
	TotalConnections        int                      `json:"total_connections"`
	TotalPackets            int                      `json:"total_packets"`
	TotalBytes              int64                    `json:"total_bytes"`
	TotalDuration           float64                  `json:"total_duration"`
	AvgPacketsPerConnection float64                  `json:"avg_packets_per_connection"`
	AvgBytesPerConnection   float64                  `json:"avg_bytes_per_connection"`
	ByProtocol              map[string]ProtocolStats `json:"by_protocol"`
}

// FlowFeatureSet is the connection-level output of flow reconstruction.
// Connections are ordered by StartTime and IDs are their index.
type FlowFeatureSet struct {
	Metadata    Metadata       `json:"metadata"`
	Statistics  AggregateStats `json:"statistics"`
	Connections []FlowRecord   `json:"connections"`
}

// NewFlowFeatureSet sorts flows by start time, renumbers them and derives
// the aggregate statistics.
func NewFlowFeatureSet(source string, flows []FlowRecord) *FlowFeatureSet {
	sort.SliceStable(flows, func(i, j int) bool {
		return flows[i].StartTime < flows[j].StartTime
	})
	for i := range flows {
		flows[i].ID = i
	}
	if flows == nil {
		flows = []FlowRecord{}
	}
	return &FlowFeatureSet{
		Metadata: Metadata{
			SourcePcap:   source,
			AnalysisType: AnalysisTypeConnectionLevel,
		},
		Statistics:  ComputeStatistics(flows),
		Connections: flows,
	}
}

// ComputeStatistics derives AggregateStats from flows. An empty slice
// yields zero statistics.
func ComputeStatistics(flows []FlowRecord) AggregateStats {
	stats := AggregateStats{ByProtocol: map[string]ProtocolStats{}}
	if len(flows) == 0 {
		return stats
	}

	minStart, maxEnd := flows[0].StartTime, flows[0].EndTime
	for _, f := range flows {
		stats.TotalPackets += f.PacketCount
		stats.TotalBytes += f.TotalBytes
		minStart = math.Min(minStart, f.StartTime)
		maxEnd = math.Max(maxEnd, f.EndTime)

		p := stats.ByProtocol[f.Protocol]
		p.Count++
		p.Bytes += f.TotalBytes
		p.Packets += f.PacketCount
		stats.ByProtocol[f.Protocol] = p
	}

	n := float64(len(flows))
	stats.TotalConnections = len(flows)
	stats.TotalDuration = Round(maxEnd-minStart, 3)
	stats.AvgPacketsPerConnection = Round(float64(stats.TotalPackets)/n, 2)
	stats.AvgBytesPerConnection = Round(float64(stats.TotalBytes)/n, 2)
	return stats
}

// LegacyStatistics holds the packet-level aggregates of a legacy feature file.
type LegacyStatistics struct {
	AvgPacketSize float64 `json:"avg_packet_size"`
	MinPacketSize int     `json:"min_packet_size"`
	MaxPacketSize int     `json:"max_packet_size"`
	AvgInterval   float64 `json:"avg_interval"`
	MinInterval   float64 `json:"min_interval"`
	MaxInterval   float64 `json:"max_interval"`
}

// LegacyPacketFeatureSet is the older packet-level feature shape. The size
// and interval samples are truncated, so they do not describe the whole
// capture.
type LegacyPacketFeatureSet struct {
	File                 string           `json:"file"`
	TotalPackets         int              `json:"total_packets"`
	ProtocolDistribution map[string]int   `json:"protocol_distribution"`
	Statistics           LegacyStatistics `json:"statistics"`
	PacketSizes          []int            `json:"packet_size_sample"`
	Intervals            []float64        `json:"interval_sample"`
}

// Round rounds v to the given number of decimal places, half away from zero.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
