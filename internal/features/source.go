package features

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buger/jsonparser"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
)

// Format identifies which persisted shape a feature file holds.
type Format int

const (
	FormatUnknown Format = iota
	FormatConnectionLevel
	FormatPacketLevel
)

func (f Format) String() string {
	switch f {
	case FormatConnectionLevel:
		return "connection_level"
	case FormatPacketLevel:
		return "packet_level"
	default:
		return "unknown"
	}
}

var (
	connectionKeys = []string{"connections", "flows"}
	packetKeys     = []string{"packet_size_sample", "packet_sizes"}
)

const acceptedShapes = "expected a connection-level file (connections/flows) or a packet-level file (packet_size_sample)"

// Detect inspects the top-level keys of a persisted feature file.
func Detect(data []byte) (Format, error) {
	if !json.Valid(data) {
		return FormatUnknown, simerrors.ErrCaptureFormat("feature file is not valid JSON; "+acceptedShapes, nil)
	}
	if firstKey(data, connectionKeys) != "" {
		return FormatConnectionLevel, nil
	}
	if firstKey(data, packetKeys) != "" {
		return FormatPacketLevel, nil
	}
	return FormatUnknown, simerrors.ErrCaptureFormat("unrecognized feature file; "+acceptedShapes, nil)
}

func firstKey(data []byte, keys []string) string {
	for _, k := range keys {
		if _, dt, _, err := jsonparser.Get(data, k); err == nil && dt != jsonparser.Null {
			return k
		}
	}
	return ""
}

// Features is a loaded feature file. Exactly one of Flows and Legacy is set,
// matching Format.
type Features struct {
	Path   string
	Format Format
	Flows  *FlowFeatureSet
	Legacy *LegacyPacketFeatureSet
}

// Load reads and normalizes the feature file at path.
func Load(path string) (*Features, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse normalizes an in-memory feature document.
func Parse(data []byte) (*Features, error) {
	format, err := Detect(data)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatConnectionLevel:
		set, err := parseConnectionLevel(data)
		if err != nil {
			return nil, err
		}
		return &Features{Format: format, Flows: set}, nil
	default:
		legacy, err := parsePacketLevel(data)
		if err != nil {
			return nil, err
		}
		return &Features{Format: format, Legacy: legacy}, nil
	}
}

func parseConnectionLevel(data []byte) (*FlowFeatureSet, error) {
	var doc struct {
		Metadata   Metadata        `json:"metadata"`
		Statistics *AggregateStats `json:"statistics"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, simerrors.ErrCaptureFormat("malformed connection-level file", err)
	}

	raw, _, _, err := jsonparser.Get(data, firstKey(data, connectionKeys))
	if err != nil {
		return nil, simerrors.ErrCaptureFormat("malformed connection list", err)
	}
	var flows []FlowRecord
	if err := json.Unmarshal(raw, &flows); err != nil {
		return nil, simerrors.ErrCaptureFormat("malformed connection list", err)
	}
	if flows == nil {
		flows = []FlowRecord{}
	}

	set := &FlowFeatureSet{Metadata: doc.Metadata, Connections: flows}
	if doc.Statistics != nil {
		set.Statistics = *doc.Statistics
	} else {
		set.Statistics = ComputeStatistics(flows)
	}
	if set.Metadata.AnalysisType == "" {
		set.Metadata.AnalysisType = AnalysisTypeConnectionLevel
	}
	return set, nil
}

func parsePacketLevel(data []byte) (*LegacyPacketFeatureSet, error) {
	var doc struct {
		LegacyPacketFeatureSet
		PacketSizesFull []int     `json:"packet_sizes"`
		IntervalsFull   []float64 `json:"intervals"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, simerrors.ErrCaptureFormat("malformed packet-level file", err)
	}
	legacy := doc.LegacyPacketFeatureSet
	if legacy.PacketSizes == nil {
		legacy.PacketSizes = doc.PacketSizesFull
	}
	if legacy.Intervals == nil {
		legacy.Intervals = doc.IntervalsFull
	}
	return &legacy, nil
}

// SizePopulation is the set of sizes the statistical scheduler samples
// from: the packet size sample for legacy files, per-flow byte totals for
// connection-level files.
func (f *Features) SizePopulation() []int {
	if f.Legacy != nil {
		return f.Legacy.PacketSizes
	}
	if f.Flows == nil {
		return nil
	}
	sizes := make([]int, 0, len(f.Flows.Connections))
	for _, c := range f.Flows.Connections {
		sizes = append(sizes, int(c.TotalBytes))
	}
	return sizes
}

// Save writes set as indented JSON, creating parent directories.
func Save(path string, set *FlowFeatureSet) error {
	return writeJSON(path, set)
}

// SaveLegacy writes a packet-level feature file.
func SaveLegacy(path string, set *LegacyPacketFeatureSet) error {
	return writeJSON(path, set)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write features: %w", err)
	}
	return nil
}
