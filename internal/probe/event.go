// Package probe publishes run progress over NATS and consumes it on the
// other side.
package probe

import (
	"fmt"
	"time"

	"github.com/prologueii14/pqctls/internal/stats"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	KindStarted  = "started"
	KindProgress = "progress"
	KindFinished = "finished"
)

// Event is one run progress notification.
type Event struct {
	Kind                  string    `json:"kind"`
	RunID                 string    `json:"run_id"`
	Mode                  string    `json:"mode"`
	TotalConnections      int       `json:"total_connections"`
	SuccessfulConnections int       `json:"successful_connections"`
	FailedConnections     int       `json:"failed_connections"`
	TotalBytesSent        int64     `json:"total_bytes_sent"`
	PayloadBytesSent      int64     `json:"payload_bytes_sent"`
	SuccessRate           float64   `json:"success_rate"`
	Time                  time.Time `json:"time"`
}

func NewEvent(kind string, s stats.RunStatistics, at time.Time) Event {
	return Event{
		Kind:                  kind,
		RunID:                 s.RunID,
		Mode:                  s.Mode,
		TotalConnections:      s.TotalConnections,
		SuccessfulConnections: s.SuccessfulConnections,
		FailedConnections:     s.FailedConnections,
		TotalBytesSent:        s.TotalBytesSent,
		PayloadBytesSent:      s.PayloadBytesSent,
		SuccessRate:           s.SuccessRate(),
		Time:                  at,
	}
}

// Marshal encodes e as a protobuf Struct.
func (e Event) Marshal() ([]byte, error) {
	ts := timestamppb.New(e.Time)
	st, err := structpb.NewStruct(map[string]any{
		"kind":                   e.Kind,
		"run_id":                 e.RunID,
		"mode":                   e.Mode,
		"total_connections":      e.TotalConnections,
		"successful_connections": e.SuccessfulConnections,
		"failed_connections":     e.FailedConnections,
		"total_bytes_sent":       e.TotalBytesSent,
		"payload_bytes_sent":     e.PayloadBytesSent,
		"success_rate":           e.SuccessRate,
		"time":                   map[string]any{"seconds": ts.GetSeconds(), "nanos": ts.GetNanos()},
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// UnmarshalEvent decodes a message produced by Event.Marshal.
func UnmarshalEvent(data []byte) (Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	f := st.GetFields()
	e := Event{
		Kind:                  f["kind"].GetStringValue(),
		RunID:                 f["run_id"].GetStringValue(),
		Mode:                  f["mode"].GetStringValue(),
		TotalConnections:      int(f["total_connections"].GetNumberValue()),
		SuccessfulConnections: int(f["successful_connections"].GetNumberValue()),
		FailedConnections:     int(f["failed_connections"].GetNumberValue()),
		TotalBytesSent:        int64(f["total_bytes_sent"].GetNumberValue()),
		PayloadBytesSent:      int64(f["payload_bytes_sent"].GetNumberValue()),
		SuccessRate:           f["success_rate"].GetNumberValue(),
	}
	if e.Kind == "" {
		return Event{}, fmt.Errorf("decode event: missing kind")
	}
	if tf := f["time"].GetStructValue().GetFields(); tf != nil {
		ts := &timestamppb.Timestamp{
			Seconds: int64(tf["seconds"].GetNumberValue()),
			Nanos:   int32(tf["nanos"].GetNumberValue()),
		}
		if err := ts.CheckValid(); err != nil {
			return Event{}, fmt.Errorf("decode event time: %w", err)
		}
		e.Time = ts.AsTime()
	}
	return e, nil
}
