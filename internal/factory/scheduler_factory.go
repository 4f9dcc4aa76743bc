package factory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/driver"
	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/stats"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
	"github.com/rs/zerolog"
)

// Scheduler drives simulated connections against an endpoint. Setup must
// succeed before Run; Close releases whatever Setup acquired and may be
// called at any time.
type Scheduler interface {
	Setup(ctx context.Context) error
	Run(ctx context.Context) (stats.RunStatistics, error)
	Close() error
}

// Endpoint is the lifecycle of an endpoint a scheduler owns.
type Endpoint interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
}

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Deps are the collaborators handed to every scheduler.
type Deps struct {
	Driver driver.Driver
	// Endpoint is nil when traffic targets an endpoint the scheduler
	// does not manage.
	Endpoint   Endpoint
	HealthAddr string
	Tracker    *stats.Tracker
	Logger     zerolog.Logger
	Sleep      SleepFunc
}

// SchedulerFactory builds a scheduler for one mode from the run's
// configuration and its feature source.
type SchedulerFactory func(cfg config.Config, src *features.Features, deps Deps) (Scheduler, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]SchedulerFactory)
)

// RegisterScheduler registers the factory for a mode.
func RegisterScheduler(mode string, factory SchedulerFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[mode]; exists {
		panic(fmt.Sprintf("scheduler mode '%s' already registered", mode))
	}
	registry[mode] = factory
}

// Modes lists the registered modes in name order.
func Modes() []string {
	mu.RLock()
	defer mu.RUnlock()
	modes := make([]string, 0, len(registry))
	for m := range registry {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

// Create builds the scheduler for cfg.Mode.
func Create(cfg config.Config, src *features.Features, deps Deps) (Scheduler, error) {
	mu.RLock()
	factory, ok := registry[cfg.Mode]
	mu.RUnlock()
	if !ok {
		return nil, simerrors.ErrInvalidConfig(fmt.Sprintf("unknown mode '%s'", cfg.Mode), nil)
	}
	if src == nil {
		return nil, simerrors.ErrInvalidConfig("no feature source", nil)
	}
	if deps.Driver == nil {
		return nil, simerrors.ErrInvalidConfig("no connection driver", nil)
	}
	if deps.Tracker == nil {
		deps.Tracker = stats.NewTracker(cfg.Mode)
	}

	s, err := factory(cfg, src, deps)
	if err != nil {
		return nil, fmt.Errorf("error creating scheduler for mode '%s': %w", cfg.Mode, err)
	}
	deps.Logger.Info().Str("mode", cfg.Mode).Str("source", src.Path).Stringer("format", src.Format).Msg("scheduler created")
	return s, nil
}
