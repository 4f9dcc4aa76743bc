package features

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prologueii14/pqctls/internal/config"
	"github.com/rs/zerolog"
)

const createFlowTableStatement = `
CREATE TABLE IF NOT EXISTS flow_features (
    ExportedAt    DateTime,
    SourcePcap    String,
    FlowID        UInt32,
    Protocol      LowCardinality(String),
    Src           String,
    Dst           String,
    PacketCount   UInt64,
    TotalBytes    UInt64,
    StartTime     Float64,
    EndTime       Float64,
    Duration      Float64,
    AvgPacketSize Float64,
    MinPacketSize UInt32,
    MaxPacketSize UInt32
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(ExportedAt)
ORDER BY (SourcePcap, FlowID);
`

// ClickHouseExporter writes reconstructed flows to the flow_features table.
type ClickHouseExporter struct {
	conn   driver.Conn
	logger zerolog.Logger
}

// NewClickHouseExporter connects and ensures the table exists.
func NewClickHouseExporter(ctx context.Context, cfg config.ClickHouseConfig, logger zerolog.Logger) (*ClickHouseExporter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createFlowTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info().Str("host", cfg.Host).Msg("connected to clickhouse")
	return &ClickHouseExporter{conn: conn, logger: logger}, nil
}

// Export inserts every connection of set in one batch.
func (e *ClickHouseExporter) Export(ctx context.Context, set *FlowFeatureSet) error {
	if len(set.Connections) == 0 {
		return nil
	}

	batch, err := e.conn.PrepareBatch(ctx, "INSERT INTO flow_features")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now()
	for _, c := range set.Connections {
		err := batch.Append(
			now,
			set.Metadata.SourcePcap,
			uint32(c.ID),
			c.Protocol,
			c.Src,
			c.Dst,
			uint64(c.PacketCount),
			uint64(c.TotalBytes),
			c.StartTime,
			c.EndTime,
			c.Duration,
			c.AvgPacketSize,
			uint32(c.MinPacketSize),
			uint32(c.MaxPacketSize),
		)
		if err != nil {
			return fmt.Errorf("failed to append flow %d to batch: %w", c.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	e.logger.Info().Int("flows", len(set.Connections)).Str("source", set.Metadata.SourcePcap).Msg("exported flows to clickhouse")
	return nil
}

func (e *ClickHouseExporter) Close() error {
	return e.conn.Close()
}
