package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/factory"
	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/stats"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func init() {
	factory.RegisterScheduler(config.ModeStatistical, func(cfg config.Config, src *features.Features, deps factory.Deps) (factory.Scheduler, error) {
		return NewStatistical(src.SizePopulation(), StatisticalOptionsFrom(cfg), deps)
	})
}

// burstZeroRatio is the share of zero-length intervals in burst mode.
const burstZeroRatio = 0.7

// StatisticalOptions tune a Statistical scheduler.
type StatisticalOptions struct {
	Clients              int
	ConnectionsPerClient int
	// IntervalMin and IntervalMax bound the uniform wait between two
	// connections of the same client.
	IntervalMin time.Duration
	IntervalMax time.Duration
	Threading   bool
	MaxWorkers  int
	Seed        int64
	MaxPayload  int
	Burst       bool
}

func StatisticalOptionsFrom(cfg config.Config) StatisticalOptions {
	ir := cfg.Topology.PerClient.IntervalRange
	return StatisticalOptions{
		Clients:              cfg.Topology.Clients,
		ConnectionsPerClient: cfg.Topology.PerClient.Connections,
		IntervalMin:          time.Duration(ir[0] * float64(time.Second)),
		IntervalMax:          time.Duration(ir[1] * float64(time.Second)),
		Threading:            cfg.Simulation.Execution.Threading,
		MaxWorkers:           cfg.Simulation.Execution.MaxWorkers,
		Seed:                 cfg.Simulation.Seed,
		MaxPayload:           cfg.Simulation.MaxPayload,
		Burst:                cfg.Simulation.Burst,
	}
}

// Statistical simulates a population of clients, each making a fixed
// number of connections with sizes drawn from an observed population.
type Statistical struct {
	lifecycle
	sizes []int
	opts  StatisticalOptions
}

// NewStatistical returns an INVALID_CONFIG error when sizes is empty or the
// options describe no traffic.
func NewStatistical(sizes []int, opts StatisticalOptions, deps factory.Deps) (*Statistical, error) {
	if len(sizes) == 0 {
		return nil, simerrors.ErrInvalidConfig("feature source has no sizes to sample", nil)
	}
	if opts.Clients <= 0 || opts.ConnectionsPerClient <= 0 {
		return nil, simerrors.ErrInvalidConfig("clients and connections per client must be positive", nil)
	}
	if opts.IntervalMax < opts.IntervalMin {
		return nil, simerrors.ErrInvalidConfig("interval range is inverted", nil)
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}

	deps = withDefaults(deps)
	if deps.Tracker == nil {
		deps.Tracker = stats.NewTracker(config.ModeStatistical)
	}
	return &Statistical{
		lifecycle: lifecycle{deps: deps},
		sizes:     sizes,
		opts:      opts,
	}, nil
}

// Run drives every client to completion. With threading enabled, clients
// run in batches of MaxWorkers and a batch's results reach the tracker
// once all of its clients have finished.
func (s *Statistical) Run(ctx context.Context) (stats.RunStatistics, error) {
	if !s.isReady() {
		return stats.RunStatistics{}, ErrNotReady
	}
	defer s.Close()

	log := s.deps.Logger
	tracker := s.deps.Tracker
	tracker.Start()
	log.Info().
		Int("clients", s.opts.Clients).
		Int("connections_per_client", s.opts.ConnectionsPerClient).
		Bool("threading", s.opts.Threading).
		Int("max_workers", s.opts.MaxWorkers).
		Int64("seed", s.opts.Seed).
		Msg("statistical run started")

	if s.opts.Threading {
		s.runBatched(ctx, tracker)
	} else {
		s.runSequential(ctx, tracker)
	}

	final := tracker.Finish()
	log.Info().
		Int("connections", final.TotalConnections).
		Float64("success_rate", final.SuccessRate()).
		Dur("elapsed", final.Duration()).
		Msg("statistical run finished")
	return final, ctx.Err()
}

func (s *Statistical) runSequential(ctx context.Context, tracker *stats.Tracker) {
	for c := 0; c < s.opts.Clients && ctx.Err() == nil; c++ {
		tracker.Merge(s.runClient(ctx, c))
		s.deps.Logger.Info().Int("client", c).Int("of", s.opts.Clients).Msg("client finished")
	}
}

func (s *Statistical) runBatched(ctx context.Context, tracker *stats.Tracker) {
	for start := 0; start < s.opts.Clients && ctx.Err() == nil; start += s.opts.MaxWorkers {
		n := min(s.opts.MaxWorkers, s.opts.Clients-start)
		results := make([]stats.Tally, n)

		var g errgroup.Group
		for j := 0; j < n; j++ {
			g.Go(func() error {
				results[j] = s.runClient(ctx, start+j)
				return nil
			})
		}
		g.Wait()

		var batch stats.Tally
		for _, r := range results {
			tracker.Merge(r)
			batch.Attempts += r.Attempts
			batch.Successes += r.Successes
		}
		s.deps.Logger.Info().
			Int("first_client", start).
			Int("clients", n).
			Int("attempts", batch.Attempts).
			Int("ok", batch.Successes).
			Msg("batch finished")
	}
}

// runClient makes one client's connections. The client's random stream
// depends only on the seed and its index, so the sizes it sends do not
// depend on scheduling.
func (s *Statistical) runClient(ctx context.Context, index int) stats.Tally {
	rng := rand.New(rand.NewSource(s.opts.Seed + int64(index)))
	var t stats.Tally
	for k := 0; k < s.opts.ConnectionsPerClient; k++ {
		sampled := max(s.sizes[rng.Intn(len(s.sizes))], 0)
		size := sampled
		if s.opts.MaxPayload > 0 && size > s.opts.MaxPayload {
			size = s.opts.MaxPayload
		}

		err := s.deps.Driver.Connect(ctx, size)
		if err != nil && ctx.Err() != nil {
			return t
		}
		t.Add(err == nil, int64(sampled), int64(size))
		if err != nil {
			s.deps.Logger.Debug().Err(err).Int("client", index).Int("size", size).Msg("connection failed")
		}

		if k < s.opts.ConnectionsPerClient-1 {
			if err := s.deps.Sleep(ctx, s.interval(rng)); err != nil {
				return t
			}
		}
	}
	return t
}

func (s *Statistical) interval(rng *rand.Rand) time.Duration {
	if s.opts.Burst && rng.Float64() < burstZeroRatio {
		return 0
	}
	span := s.opts.IntervalMax - s.opts.IntervalMin
	return s.opts.IntervalMin + time.Duration(rng.Float64()*float64(span))
}
