// Package scheduler turns a feature source into timed calls on a
// connection driver. Two modes are registered with the factory: replay,
// which follows recorded flow timing, and statistical, which samples sizes
// and intervals for a population of concurrent clients.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prologueii14/pqctls/internal/endpoint"
	"github.com/prologueii14/pqctls/internal/factory"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
)

// ErrNotReady is returned by Run when Setup has not succeeded.
var ErrNotReady = errors.New("scheduler: Run called before a successful Setup")

const (
	healthTimeout      = 5 * time.Second
	healthPollInterval = 50 * time.Millisecond
)

// Sleep waits for d unless ctx ends first, in which case it returns
// ctx.Err().
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lifecycle is the setup and teardown shared by both modes.
type lifecycle struct {
	deps factory.Deps

	mu      sync.Mutex
	ready   bool
	release sync.Once
	stopErr error
}

func withDefaults(deps factory.Deps) factory.Deps {
	if deps.Sleep == nil {
		deps.Sleep = Sleep
	}
	return deps
}

// Setup brings up the owned endpoint, waits for it to report healthy and
// makes one probe connection. Any failure tears the endpoint down and is
// reported as ENDPOINT_UNREACHABLE.
func (l *lifecycle) Setup(ctx context.Context) error {
	if err := l.setup(ctx); err != nil {
		l.Close()
		return err
	}
	l.mu.Lock()
	l.ready = true
	l.mu.Unlock()
	return nil
}

func (l *lifecycle) setup(ctx context.Context) error {
	log := l.deps.Logger
	if ep := l.deps.Endpoint; ep != nil && !ep.IsRunning() {
		if err := ep.Start(ctx); err != nil {
			return simerrors.ErrEndpointUnreachable("failed to start endpoint", err)
		}
		log.Debug().Msg("endpoint started")
	}

	if addr := l.deps.HealthAddr; addr != "" {
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := endpoint.WaitHealthy(hctx, addr, healthPollInterval)
		cancel()
		if err != nil {
			return simerrors.ErrEndpointUnreachable("health check failed", err)
		}
	}

	if err := l.deps.Driver.Connect(ctx, 0); err != nil {
		return simerrors.ErrEndpointUnreachable("probe connection failed", err)
	}
	log.Info().Msg("endpoint reachable")
	return nil
}

func (l *lifecycle) isReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Close stops the owned endpoint. Only the first call has an effect.
func (l *lifecycle) Close() error {
	l.release.Do(func() {
		l.mu.Lock()
		l.ready = false
		l.mu.Unlock()
		if ep := l.deps.Endpoint; ep != nil {
			l.stopErr = ep.Stop()
			l.deps.Logger.Debug().Msg("endpoint released")
		}
	})
	return l.stopErr
}
