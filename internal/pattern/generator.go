package pattern

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prologueii14/pqctls/internal/driver"
	"github.com/prologueii14/pqctls/internal/factory"
	"github.com/prologueii14/pqctls/internal/stats"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
	"github.com/rs/zerolog"
)

// burstZeroRatio is the share of zero-length intervals in burst mode.
const burstZeroRatio = 0.7

// Env is what a generator needs to emit traffic.
type Env struct {
	Driver     driver.Driver
	Tracker    *stats.Tracker
	Sleep      factory.SleepFunc
	Rand       *rand.Rand
	MaxPayload int
	Logger     zerolog.Logger
}

// Result counts one pattern execution.
type Result struct {
	Pattern string `json:"pattern"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Bytes   int64  `json:"bytes"`
}

// Generator executes a resolved pattern.
type Generator interface {
	Execute(ctx context.Context, name string, p Pattern, env Env) (Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, name string, p Pattern, env Env) (Result, error)

func (f GeneratorFunc) Execute(ctx context.Context, name string, p Pattern, env Env) (Result, error) {
	return f(ctx, name, p, env)
}

var (
	mu         sync.RWMutex
	generators = make(map[string]Generator)
)

func init() {
	for _, name := range []string{"web_browsing", "video_streaming", "file_download", "gaming"} {
		Register(name, GeneratorFunc(SimpleTraffic))
	}
}

// Register binds a pattern name to its generator.
func Register(name string, g Generator) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := generators[name]; exists {
		panic(fmt.Sprintf("pattern '%s' already registered", name))
	}
	generators[name] = g
}

// Lookup returns the generator registered for name.
func Lookup(name string) (Generator, error) {
	mu.RLock()
	defer mu.RUnlock()
	g, ok := generators[name]
	if !ok {
		return nil, simerrors.ErrInvalidConfig(fmt.Sprintf("no generator registered for pattern '%s'", name), nil)
	}
	return g, nil
}

// Registered lists the registered pattern names in order.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(generators))
	for n := range generators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SimpleTraffic makes p.Connections connections with uniformly drawn sizes
// and intervals. Failed connections are counted; cancellation stops the
// pattern and returns ctx.Err().
func SimpleTraffic(ctx context.Context, name string, p Pattern, env Env) (Result, error) {
	res := Result{Pattern: name}
	log := env.Logger.With().Str("pattern", name).Logger()
	log.Info().
		Str("description", p.Description).
		Int("connections", p.Connections).
		Int("size_min", p.Size.Min).
		Int("size_max", p.Size.Max).
		Bool("burst", p.Burst).
		Msg("pattern started")

	for i := 0; i < p.Connections; i++ {
		size := p.Size.Min + env.Rand.Intn(p.Size.Max-p.Size.Min+1)
		payload := size
		if env.MaxPayload > 0 && payload > env.MaxPayload {
			payload = env.MaxPayload
		}

		err := env.Driver.Connect(ctx, payload)
		if err != nil && ctx.Err() != nil {
			return res, ctx.Err()
		}
		if env.Tracker != nil {
			env.Tracker.Record(err == nil, int64(size), int64(payload))
		}
		if err != nil {
			res.Failed++
			log.Debug().Err(err).Int("n", i+1).Msg("connection failed")
		} else {
			res.Success++
			res.Bytes += int64(size)
		}

		if i < p.Connections-1 {
			if err := env.Sleep(ctx, interval(p, env.Rand)); err != nil {
				return res, err
			}
		}
	}

	log.Info().Int("success", res.Success).Int("failed", res.Failed).Msg("pattern finished")
	return res, nil
}

func interval(p Pattern, rng *rand.Rand) time.Duration {
	if p.Burst && rng.Float64() < burstZeroRatio {
		return 0
	}
	secs := p.Interval.Min + rng.Float64()*(p.Interval.Max-p.Interval.Min)
	return time.Duration(secs * float64(time.Second))
}
