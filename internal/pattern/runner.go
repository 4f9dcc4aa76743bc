package pattern

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prologueii14/pqctls/internal/factory"
	"github.com/prologueii14/pqctls/internal/scheduler"
	"github.com/prologueii14/pqctls/internal/stats"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
)

// Runner plays experiments against one endpoint.
type Runner struct {
	patterns *File
	env      Env
	endpoint factory.Endpoint
}

// NewRunner uses env for every step. A nil env.Sleep waits in real time
// and a nil env.Rand is seeded with seed. endpoint may be nil when the
// target is managed elsewhere.
func NewRunner(patterns *File, env Env, endpoint factory.Endpoint, seed int64) *Runner {
	if env.Sleep == nil {
		env.Sleep = scheduler.Sleep
	}
	if env.Rand == nil {
		env.Rand = rand.New(rand.NewSource(seed))
	}
	return &Runner{patterns: patterns, env: env, endpoint: endpoint}
}

// Run executes the experiment's sequence in order and returns the result
// of every step that ran. A step's failed connections do not stop the
// experiment; an unknown pattern, an unreachable endpoint or cancellation
// does.
func (r *Runner) Run(ctx context.Context, exp *Experiment) ([]Result, error) {
	log := r.env.Logger.With().Str("experiment", exp.Name).Logger()

	// Resolve all steps before any traffic.
	steps := make([]Pattern, len(exp.Sequences))
	gens := make([]Generator, len(exp.Sequences))
	for i, s := range exp.Sequences {
		p, err := s.Resolve(r.patterns)
		if err != nil {
			return nil, err
		}
		g, err := Lookup(s.Pattern)
		if err != nil {
			return nil, err
		}
		steps[i], gens[i] = p, g
	}

	if ep := r.endpoint; ep != nil {
		if !ep.IsRunning() {
			if err := ep.Start(ctx); err != nil {
				return nil, simerrors.ErrEndpointUnreachable("failed to start endpoint", err)
			}
		}
		defer ep.Stop()
	}
	if err := r.env.Driver.Connect(ctx, 0); err != nil {
		return nil, simerrors.ErrEndpointUnreachable("probe connection failed", err)
	}

	if r.env.Tracker != nil {
		r.env.Tracker.Start()
		defer r.env.Tracker.Finish()
	}

	log.Info().Str("description", exp.Description).Int("steps", len(steps)).Msg("experiment started")
	results := make([]Result, 0, len(steps))
	for i, s := range exp.Sequences {
		res, err := gens[i].Execute(ctx, s.Pattern, steps[i], r.env)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", i+1, s.Pattern, err)
		}

		if s.Wait > 0 {
			log.Info().Float64("seconds", s.Wait).Msg("waiting")
			if err := r.env.Sleep(ctx, time.Duration(s.Wait*float64(time.Second))); err != nil {
				return results, err
			}
		}
	}
	log.Info().Msg("experiment finished")
	return results, nil
}

// Totals sums step results.
func Totals(results []Result) stats.Tally {
	var t stats.Tally
	for _, r := range results {
		t.Attempts += r.Success + r.Failed
		t.Successes += r.Success
		t.Failures += r.Failed
		t.Bytes += r.Bytes
	}
	return t
}
