package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatistics aggregates one scheduler run.
//
// TotalBytesSent is the byte count credited to successful connections:
// the recorded flow size in replay mode, the sampled size in statistical
// mode. PayloadBytesSent is what was actually handed to the driver, which
// is smaller whenever the payload was capped.
type RunStatistics struct {
	RunID                 string    `json:"run_id"`
	Mode                  string    `json:"mode"`
	TotalConnections      int       `json:"total_connections"`
	SuccessfulConnections int       `json:"successful_connections"`
	FailedConnections     int       `json:"failed_connections"`
	TotalBytesSent        int64     `json:"total_bytes_sent"`
	PayloadBytesSent      int64     `json:"payload_bytes_sent"`
	StartTime             time.Time `json:"start_time"`
	EndTime               time.Time `json:"end_time,omitempty"`
}

// SuccessRate is the percentage of successful connections, 0 when nothing
// was attempted.
func (s RunStatistics) SuccessRate() float64 {
	if s.TotalConnections == 0 {
		return 0
	}
	return float64(s.SuccessfulConnections) / float64(s.TotalConnections) * 100
}

// Duration is the wall-clock length of the run; for a run still in progress
// it is measured up to now.
func (s RunStatistics) Duration() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartTime)
}

// ThroughputMBps is TotalBytesSent per second in MiB.
func (s RunStatistics) ThroughputMBps() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.TotalBytesSent) / d / 1024 / 1024
}

// ConnectionRate is attempted connections per second.
func (s RunStatistics) ConnectionRate() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.TotalConnections) / d
}

// WriteText renders the end-of-run summary.
func (s RunStatistics) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"Run %s (%s)\n"+
			"  Connections: %d total, %d ok, %d failed (%.1f%% success)\n"+
			"  Bytes:       %d credited, %d payload\n"+
			"  Duration:    %.2fs\n"+
			"  Throughput:  %.2f MB/s, %.2f conn/s\n",
		s.RunID, s.Mode,
		s.TotalConnections, s.SuccessfulConnections, s.FailedConnections, s.SuccessRate(),
		s.TotalBytesSent, s.PayloadBytesSent,
		s.Duration().Seconds(),
		s.ThroughputMBps(), s.ConnectionRate(),
	)
	return err
}

// Tally is a batch of attempt outcomes, folded into a Tracker in one step.
type Tally struct {
	Attempts     int
	Successes    int
	Failures     int
	Bytes        int64
	PayloadBytes int64
}

// Add records one attempt.
func (t *Tally) Add(ok bool, bytes, payload int64) {
	t.Attempts++
	if ok {
		t.Successes++
		t.Bytes += bytes
		t.PayloadBytes += payload
		return
	}
	t.Failures++
}

// Listener is notified of run progress. Calls are made outside the
// tracker's lock, from the goroutine that changed the statistics.
type Listener interface {
	RunStarted(s RunStatistics)
	Progress(s RunStatistics, delta Tally)
	RunFinished(s RunStatistics)
}

// Tracker owns the RunStatistics of one scheduler. Writers call Record or
// Merge; readers take a Snapshot at any time.
type Tracker struct {
	mode string
	now  func() time.Time

	mu        sync.Mutex
	stats     RunStatistics
	listeners []Listener
}

func NewTracker(mode string, listeners ...Listener) *Tracker {
	return &Tracker{
		mode:      mode,
		now:       time.Now,
		listeners: listeners,
		stats:     RunStatistics{Mode: mode},
	}
}

// AddListener subscribes l to subsequent events.
func (t *Tracker) AddListener(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Start resets the statistics for a new run with a fresh id.
func (t *Tracker) Start() RunStatistics {
	t.mu.Lock()
	t.stats = RunStatistics{
		RunID:     uuid.NewString(),
		Mode:      t.mode,
		StartTime: t.now(),
	}
	s, ls := t.stats, t.listeners
	t.mu.Unlock()

	for _, l := range ls {
		l.RunStarted(s)
	}
	return s
}

// Record folds a single attempt.
func (t *Tracker) Record(ok bool, bytes, payload int64) {
	var d Tally
	d.Add(ok, bytes, payload)
	t.Merge(d)
}

// Merge folds a batch of attempts.
func (t *Tracker) Merge(d Tally) {
	if d.Attempts == 0 {
		return
	}
	t.mu.Lock()
	t.stats.TotalConnections += d.Attempts
	t.stats.SuccessfulConnections += d.Successes
	t.stats.FailedConnections += d.Failures
	t.stats.TotalBytesSent += d.Bytes
	t.stats.PayloadBytesSent += d.PayloadBytes
	s, ls := t.stats, t.listeners
	t.mu.Unlock()

	for _, l := range ls {
		l.Progress(s, d)
	}
}

// Finish stamps the end time and returns the final statistics.
func (t *Tracker) Finish() RunStatistics {
	t.mu.Lock()
	t.stats.EndTime = t.now()
	s, ls := t.stats, t.listeners
	t.mu.Unlock()

	for _, l := range ls {
		l.RunFinished(s)
	}
	return s
}

// Snapshot returns a copy of the current statistics.
func (t *Tracker) Snapshot() RunStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
