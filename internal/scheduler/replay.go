package scheduler

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/factory"
	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/stats"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
)

func init() {
	factory.RegisterScheduler(config.ModeReplay, func(cfg config.Config, src *features.Features, deps factory.Deps) (factory.Scheduler, error) {
		if src.Flows == nil {
			return nil, simerrors.ErrInvalidConfig("replay mode needs a connection-level feature file, got "+src.Format.String(), nil)
		}
		return NewReplay(src.Flows, ReplayOptionsFrom(cfg.Simulation.Replay), deps), nil
	})
}

// progressEvery is how many replayed connections pass between progress
// log lines.
const progressEvery = 10

// ReplayOptions tune a Replay.
type ReplayOptions struct {
	// TimeScale divides recorded gaps. Values <= 0 disable waiting.
	TimeScale float64
	// MaxDelay caps a single wait; 0 leaves waits uncapped.
	MaxDelay time.Duration
	// MaxPayload caps the bytes sent per connection; 0 sends the flow's
	// full byte count.
	MaxPayload int64
	// MaxFlows limits the number of flows replayed; 0 replays all.
	MaxFlows     int
	SkipSmall    bool
	MinFlowBytes int64
}

func ReplayOptionsFrom(rc config.ReplayConfig) ReplayOptions {
	return ReplayOptions{
		TimeScale:    rc.TimeScale,
		MaxDelay:     rc.MaxDelay.Std(),
		MaxPayload:   int64(rc.MaxPayload),
		MaxFlows:     rc.MaxPackets,
		SkipSmall:    rc.SkipSmallPackets,
		MinFlowBytes: rc.MinFlowBytes,
	}
}

// Replay re-enacts the flows of a connection-level feature set in ID order,
// one connection per flow, preserving the scaled gaps between them.
type Replay struct {
	lifecycle
	set  *features.FlowFeatureSet
	opts ReplayOptions
}

func NewReplay(set *features.FlowFeatureSet, opts ReplayOptions, deps factory.Deps) *Replay {
	deps = withDefaults(deps)
	if deps.Tracker == nil {
		deps.Tracker = stats.NewTracker(config.ModeReplay)
	}
	return &Replay{
		lifecycle: lifecycle{deps: deps},
		set:       set,
		opts:      opts,
	}
}

// Flows returns the flows Run will replay in ascending id order, after the
// small-flow filter and the flow cap.
func (r *Replay) Flows() []features.FlowRecord {
	ordered := slices.Clone(r.set.Connections)
	slices.SortStableFunc(ordered, func(a, b features.FlowRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})

	var out []features.FlowRecord
	for _, f := range ordered {
		if r.opts.SkipSmall && f.TotalBytes < r.opts.MinFlowBytes {
			continue
		}
		out = append(out, f)
		if r.opts.MaxFlows > 0 && len(out) == r.opts.MaxFlows {
			break
		}
	}
	return out
}

// Payload is the number of bytes sent for f.
func (r *Replay) Payload(f features.FlowRecord) int64 {
	if r.opts.MaxPayload > 0 && f.TotalBytes > r.opts.MaxPayload {
		return r.opts.MaxPayload
	}
	return f.TotalBytes
}

// Delay is the wait between replaying cur and next: the idle gap between
// them divided by timeScale, capped at maxDelay. Overlapping flows and a
// non-positive timeScale yield no wait.
func Delay(cur, next features.FlowRecord, timeScale float64, maxDelay time.Duration) time.Duration {
	gap := next.StartTime - cur.EndTime
	if gap <= 0 || timeScale <= 0 {
		return 0
	}
	d := time.Duration(math.Round(gap / timeScale * float64(time.Second)))
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

// Run replays every selected flow. Failed connections are counted and the
// run continues. On cancellation Run returns the statistics gathered so far
// together with ctx.Err(). The owned endpoint is released when Run returns.
func (r *Replay) Run(ctx context.Context) (stats.RunStatistics, error) {
	if !r.isReady() {
		return stats.RunStatistics{}, ErrNotReady
	}
	defer r.Close()

	log := r.deps.Logger
	tracker := r.deps.Tracker
	flows := r.Flows()

	tracker.Start()
	log.Info().
		Int("flows", len(flows)).
		Int("available", len(r.set.Connections)).
		Float64("time_scale", r.opts.TimeScale).
		Msg("replay started")

	for i, f := range flows {
		payload := r.Payload(f)
		err := r.deps.Driver.Connect(ctx, int(payload))
		if err != nil && ctx.Err() != nil {
			break
		}
		tracker.Record(err == nil, f.TotalBytes, payload)
		if err != nil {
			log.Debug().Err(err).Int("flow", f.ID).Msg("connection failed")
		}

		if (i+1)%progressEvery == 0 || i == len(flows)-1 {
			s := tracker.Snapshot()
			log.Info().
				Int("done", i+1).
				Int("total", len(flows)).
				Int("ok", s.SuccessfulConnections).
				Int("failed", s.FailedConnections).
				Msg("replay progress")
		}

		if i < len(flows)-1 {
			if err := r.deps.Sleep(ctx, Delay(f, flows[i+1], r.opts.TimeScale, r.opts.MaxDelay)); err != nil {
				break
			}
		}
	}

	final := tracker.Finish()
	log.Info().
		Int("connections", final.TotalConnections).
		Float64("success_rate", final.SuccessRate()).
		Dur("elapsed", final.Duration()).
		Msg("replay finished")
	return final, ctx.Err()
}
