package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/driver"
	"github.com/prologueii14/pqctls/internal/factory"
	"github.com/prologueii14/pqctls/internal/features"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
	"github.com/rs/zerolog"
)

type fakeEndpoint struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (e *fakeEndpoint) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.starts++
	return nil
}

func (e *fakeEndpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.stops++
	return nil
}

func (e *fakeEndpoint) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

// payloadDriver succeeds on the zero-byte probe and records every other
// payload size, failing them when fail is set.
type payloadDriver struct {
	fail bool

	mu    sync.Mutex
	sizes []int
}

func (d *payloadDriver) Connect(_ context.Context, size int) error {
	if size == 0 {
		return nil
	}
	d.mu.Lock()
	d.sizes = append(d.sizes, size)
	d.mu.Unlock()
	if d.fail {
		return simerrors.ErrConnectionFailed("refused", nil)
	}
	return nil
}

func flowSet(flows ...features.FlowRecord) *features.FlowFeatureSet {
	return features.NewFlowFeatureSet("test.pcap", flows)
}

func flow(start, end float64, bytes int64) features.FlowRecord {
	return features.FlowRecord{
		Protocol:    "HTTPS",
		Src:         "10.0.0.1:50000",
		Dst:         "10.0.0.2:443",
		PacketCount: 2,
		TotalBytes:  bytes,
		StartTime:   start,
		EndTime:     end,
	}
}

func testDeps(d driver.Driver, sleep factory.SleepFunc) factory.Deps {
	return factory.Deps{Driver: d, Logger: zerolog.Nop(), Sleep: sleep}
}

func TestDelay(t *testing.T) {
	cur := flow(0, 1.0, 100)
	tests := []struct {
		name      string
		next      features.FlowRecord
		timeScale float64
		maxDelay  time.Duration
		want      time.Duration
	}{
		{"capped", flow(3.0, 4.0, 100), 10, 100 * time.Millisecond, 100 * time.Millisecond},
		{"uncapped", flow(3.0, 4.0, 100), 10, 0, 200 * time.Millisecond},
		{"under cap", flow(1.5, 2.0, 100), 10, 100 * time.Millisecond, 50 * time.Millisecond},
		{"overlapping flows", flow(0.5, 2.0, 100), 10, 0, 0},
		{"zero time scale", flow(3.0, 4.0, 100), 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(cur, tt.next, tt.timeScale, tt.maxDelay); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReplay_RunBeforeSetup(t *testing.T) {
	r := NewReplay(flowSet(flow(0, 1, 100)), ReplayOptions{}, testDeps(&payloadDriver{}, nil))
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Run() error = %v, want ErrNotReady", err)
	}
}

func TestReplay_SleepsScaledGap(t *testing.T) {
	sleeper := &sleepRecorder{}
	set := flowSet(flow(0, 1.0, 300), flow(3.0, 3.5, 400))
	opts := ReplayOptions{TimeScale: 10, MaxDelay: 100 * time.Millisecond, MaxPayload: 1000}
	r := NewReplay(set, opts, testDeps(&payloadDriver{}, sleeper.Sleep))

	ctx := context.Background()
	if err := r.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]time.Duration{100 * time.Millisecond}, sleeper.delays); diff != "" {
		t.Errorf("sleeps mismatch (-want +got):\n%s", diff)
	}
}

func TestReplay_FilterCapAndPayload(t *testing.T) {
	drv := &payloadDriver{}
	set := flowSet(
		flow(0, 0.1, 50),
		flow(1, 1.1, 500),
		flow(2, 2.1, 2000),
		flow(3, 3.1, 150),
	)
	opts := ReplayOptions{
		TimeScale:    10,
		MaxPayload:   1000,
		MaxFlows:     2,
		SkipSmall:    true,
		MinFlowBytes: 100,
	}
	r := NewReplay(set, opts, testDeps(drv, (&sleepRecorder{}).Sleep))

	ctx := context.Background()
	if err := r.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	got, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if diff := cmp.Diff([]int{500, 1000}, drv.sizes); diff != "" {
		t.Errorf("payload sizes mismatch (-want +got):\n%s", diff)
	}
	if got.TotalConnections != 2 || got.SuccessfulConnections != 2 {
		t.Errorf("connections = %d/%d, want 2/2", got.SuccessfulConnections, got.TotalConnections)
	}
	if got.TotalBytesSent != 2500 {
		t.Errorf("TotalBytesSent = %d, want 2500", got.TotalBytesSent)
	}
	if got.PayloadBytesSent != 1500 {
		t.Errorf("PayloadBytesSent = %d, want 1500", got.PayloadBytesSent)
	}
	if got.RunID == "" || got.Mode != config.ModeReplay {
		t.Errorf("run identity = %q/%q", got.RunID, got.Mode)
	}
}

func TestReplay_FollowsIDOrder(t *testing.T) {
	set := flowSet(flow(0, 0.1, 100), flow(1, 1.1, 200), flow(2, 2.1, 300))
	// A hand-edited file listing connections out of id order.
	set.Connections[0], set.Connections[2] = set.Connections[2], set.Connections[0]

	drv := &payloadDriver{}
	r := NewReplay(set, ReplayOptions{TimeScale: 10}, testDeps(drv, (&sleepRecorder{}).Sleep))
	ctx := context.Background()
	if err := r.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{100, 200, 300}, drv.sizes); diff != "" {
		t.Errorf("replay order mismatch (-want +got):\n%s", diff)
	}
	if set.Connections[0].ID != 2 {
		t.Error("Flows must not reorder the feature set in place")
	}
}

func TestReplay_FailuresAreNotFatal(t *testing.T) {
	set := flowSet(flow(0, 0.1, 200), flow(0.2, 0.3, 300), flow(0.4, 0.5, 400))
	r := NewReplay(set, ReplayOptions{TimeScale: 10}, testDeps(&payloadDriver{fail: true}, (&sleepRecorder{}).Sleep))

	ctx := context.Background()
	if err := r.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	got, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.TotalConnections != 3 || got.FailedConnections != 3 || got.SuccessfulConnections != 0 {
		t.Errorf("got %+v, want 3 failed attempts", got)
	}
	if got.TotalBytesSent != 0 || got.SuccessRate() != 0 {
		t.Errorf("failed attempts credited bytes: %+v", got)
	}
}

func TestReplay_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	drv := driver.Func(func(ctx context.Context, size int) error {
		if size == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return simerrors.ErrConnectionFailed("dial", err)
		}
		if calls.Add(1) == 3 {
			cancel()
		}
		return nil
	})

	var flows []features.FlowRecord
	for i := 0; i < 10; i++ {
		flows = append(flows, flow(float64(i), float64(i)+0.5, 200))
	}
	r := NewReplay(flowSet(flows...), ReplayOptions{TimeScale: 10}, testDeps(drv, (&sleepRecorder{}).Sleep))
	if err := r.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	got, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got.TotalConnections != 3 || got.SuccessfulConnections != 3 {
		t.Errorf("got %d/%d connections, want the 3 completed before cancellation",
			got.SuccessfulConnections, got.TotalConnections)
	}
	if got.EndTime.IsZero() {
		t.Error("EndTime should be stamped on cancellation")
	}
}

func TestSetup_ProbeFailureReleasesEndpoint(t *testing.T) {
	ep := &fakeEndpoint{}
	drv := driver.Func(func(context.Context, int) error {
		return simerrors.ErrConnectionFailed("refused", nil)
	})
	deps := testDeps(drv, nil)
	deps.Endpoint = ep

	r := NewReplay(flowSet(flow(0, 1, 100)), ReplayOptions{}, deps)
	err := r.Setup(context.Background())
	if !simerrors.IsEndpointUnreachable(err) {
		t.Fatalf("Setup() error = %v, want ENDPOINT_UNREACHABLE", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if ep.starts != 1 || ep.stops != 1 {
		t.Errorf("endpoint starts/stops = %d/%d, want 1/1", ep.starts, ep.stops)
	}
	if _, err := r.Run(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Run() after failed Setup error = %v, want ErrNotReady", err)
	}
}

func TestRun_ReleasesEndpointOnce(t *testing.T) {
	ep := &fakeEndpoint{}
	deps := testDeps(&payloadDriver{}, (&sleepRecorder{}).Sleep)
	deps.Endpoint = ep

	s, err := NewStatistical([]int{100}, StatisticalOptions{Clients: 1, ConnectionsPerClient: 2}, deps)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !ep.IsRunning() {
		t.Fatal("Setup should start the endpoint")
	}
	if _, err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s.Close()
	if ep.stops != 1 {
		t.Errorf("endpoint stopped %d times, want 1", ep.stops)
	}
}

func TestStatistical_BoundedConcurrency(t *testing.T) {
	var inFlight, peak, attempts atomic.Int32
	drv := driver.Func(func(_ context.Context, size int) error {
		if size == 0 {
			return nil
		}
		attempts.Add(1)
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	opts := StatisticalOptions{
		Clients:              5,
		ConnectionsPerClient: 3,
		Threading:            true,
		MaxWorkers:           2,
		Seed:                 1,
		MaxPayload:           10000,
	}
	s, err := NewStatistical([]int{100, 200, 300}, opts, testDeps(drv, (&sleepRecorder{}).Sleep))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	got, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if attempts.Load() != 15 || got.TotalConnections != 15 {
		t.Errorf("attempts = %d, recorded = %d, want 15", attempts.Load(), got.TotalConnections)
	}
}

func TestStatistical_DeterministicForSeed(t *testing.T) {
	sizes := []int{120, 480, 950, 1500, 7000, 25000}
	run := func(threading bool) (int64, []int) {
		drv := &payloadDriver{}
		opts := StatisticalOptions{
			Clients:              4,
			ConnectionsPerClient: 5,
			Threading:            threading,
			MaxWorkers:           3,
			Seed:                 42,
			MaxPayload:           10000,
		}
		s, err := NewStatistical(sizes, opts, testDeps(drv, (&sleepRecorder{}).Sleep))
		if err != nil {
			t.Fatal(err)
		}
		ctx := context.Background()
		if err := s.Setup(ctx); err != nil {
			t.Fatal(err)
		}
		got, err := s.Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return got.TotalBytesSent, drv.sizes
	}

	seqTotal, seqSizes := run(false)
	parTotal, _ := run(true)
	againTotal, againSizes := run(false)

	if seqTotal != parTotal || seqTotal != againTotal {
		t.Errorf("totals differ for the same seed: %d, %d, %d", seqTotal, parTotal, againTotal)
	}
	if diff := cmp.Diff(seqSizes, againSizes); diff != "" {
		t.Errorf("sequential runs drew different sizes (-first +second):\n%s", diff)
	}
	for _, sz := range seqSizes {
		if sz > 10000 {
			t.Errorf("size %d exceeds the payload cap", sz)
		}
	}
}

func TestStatistical_IntervalsBetweenConnections(t *testing.T) {
	sleeper := &sleepRecorder{}
	opts := StatisticalOptions{
		Clients:              1,
		ConnectionsPerClient: 4,
		IntervalMin:          100 * time.Millisecond,
		IntervalMax:          500 * time.Millisecond,
		Seed:                 7,
	}
	s, err := NewStatistical([]int{100}, opts, testDeps(&payloadDriver{}, sleeper.Sleep))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if len(sleeper.delays) != 3 {
		t.Fatalf("slept %d times, want 3 (none after the last connection)", len(sleeper.delays))
	}
	for _, d := range sleeper.delays {
		if d < opts.IntervalMin || d > opts.IntervalMax {
			t.Errorf("interval %v outside [%v, %v]", d, opts.IntervalMin, opts.IntervalMax)
		}
	}
}

func TestNewStatistical_Invalid(t *testing.T) {
	deps := testDeps(&payloadDriver{}, nil)
	valid := StatisticalOptions{Clients: 1, ConnectionsPerClient: 1}

	if _, err := NewStatistical(nil, valid, deps); !simerrors.IsInvalidConfig(err) {
		t.Errorf("empty sizes error = %v, want INVALID_CONFIG", err)
	}
	if _, err := NewStatistical([]int{1}, StatisticalOptions{ConnectionsPerClient: 1}, deps); !simerrors.IsInvalidConfig(err) {
		t.Errorf("zero clients error = %v, want INVALID_CONFIG", err)
	}
	inverted := valid
	inverted.IntervalMin, inverted.IntervalMax = time.Second, time.Millisecond
	if _, err := NewStatistical([]int{1}, inverted, deps); !simerrors.IsInvalidConfig(err) {
		t.Errorf("inverted range error = %v, want INVALID_CONFIG", err)
	}
}

func TestFactory_Modes(t *testing.T) {
	if diff := cmp.Diff([]string{config.ModeReplay, config.ModeStatistical}, factory.Modes()); diff != "" {
		t.Errorf("registered modes mismatch (-want +got):\n%s", diff)
	}

	legacy := &features.Features{
		Format: features.FormatPacketLevel,
		Legacy: &features.LegacyPacketFeatureSet{PacketSizes: []int{100, 200}},
	}
	cfg := config.Default()
	deps := testDeps(&payloadDriver{}, nil)

	if _, err := factory.Create(cfg, legacy, deps); !simerrors.IsInvalidConfig(err) {
		t.Errorf("replay over legacy features error = %v, want INVALID_CONFIG", err)
	}

	cfg.Mode = config.ModeStatistical
	s, err := factory.Create(cfg, legacy, deps)
	if err != nil {
		t.Fatalf("Create(statistical) error = %v", err)
	}
	if _, ok := s.(*Statistical); !ok {
		t.Errorf("Create(statistical) = %T", s)
	}

	cfg.Mode = "bogus"
	if _, err := factory.Create(cfg, legacy, deps); !simerrors.IsInvalidConfig(err) {
		t.Errorf("unknown mode error = %v, want INVALID_CONFIG", err)
	}
}
