package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prologueii14/pqctls/internal/api"
	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/driver"
	"github.com/prologueii14/pqctls/internal/endpoint"
	"github.com/prologueii14/pqctls/internal/factory"
	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/metrics"
	"github.com/prologueii14/pqctls/internal/probe"
	"github.com/prologueii14/pqctls/internal/results"
	_ "github.com/prologueii14/pqctls/internal/scheduler" // Registers the replay and statistical modes
	"github.com/prologueii14/pqctls/internal/stats"
	simerrors "github.com/prologueii14/pqctls/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive simulated connections from a feature file",
	Long: `simulate loads the configured feature file and runs it in replay or
statistical mode. Failed connections are counted and reported; the command
only fails when the run cannot start.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

// runtimeDeps are the optional sinks a run reports to.
type runtimeDeps struct {
	tracker  *stats.Tracker
	registry *prometheus.Registry
	store    *results.Store
	closers  []func()
}

func (d *runtimeDeps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// newRuntime builds the tracker and attaches metrics, run history and the
// NATS publisher as configured.
func newRuntime(cfg config.Config, mode, source string) (*runtimeDeps, error) {
	d := &runtimeDeps{registry: prometheus.NewRegistry()}
	d.tracker = stats.NewTracker(mode, metrics.New(d.registry))

	if cfg.Results.Enabled {
		store, err := results.Open(cfg.Results.Path, 0, logger)
		if err != nil {
			return nil, err
		}
		d.store = store
		d.closers = append(d.closers, func() { store.Close() })
		d.tracker.AddListener(results.NewRecorder(store, source, logger))
	}

	if cfg.NATS.Enabled {
		pub, err := probe.NewPublisher(cfg.NATS, logger)
		if err != nil {
			logger.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, run events will not be published")
		} else {
			d.closers = append(d.closers, pub.Close)
			d.tracker.AddListener(pub)
		}
	}
	return d, nil
}

func newEndpoint(cfg config.Config) *endpoint.Server {
	return endpoint.New(endpoint.Options{
		Addr:       cfg.ServerAddr(),
		HealthAddr: cfg.HealthAddr(),
		CertFile:   cfg.Endpoint.CertFile,
		KeyFile:    cfg.Endpoint.KeyFile,
	}, logger)
}

func newDriver(cfg config.Config) driver.Driver {
	return driver.NewTLSDriver(cfg.ServerAddr(), driver.WithTimeout(cfg.Simulation.ConnectTimeout.Std()))
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, ok := cfg.ActiveSource()
	if !ok {
		return simerrors.ErrInvalidConfig("no feature source enabled; configure sources or pass --features", nil)
	}
	feats, err := features.Load(src.Path)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, cfg.Mode, src.Path)
	if err != nil {
		return err
	}
	defer rt.close()

	if cfg.API.Enabled {
		hub := api.NewHub(logger)
		rt.tracker.AddListener(hub)
		summary := feats.Summary()
		srv := api.New(api.Options{
			Tracker:  rt.tracker,
			Store:    rt.store,
			Summary:  &summary,
			Hub:      hub,
			Gatherer: rt.registry,
		}, logger)
		srv.Start(cfg.API.ListenAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	deps := factory.Deps{
		Driver:     newDriver(cfg),
		HealthAddr: cfg.HealthAddr(),
		Tracker:    rt.tracker,
		Logger:     logger,
	}
	if cfg.Endpoint.Enabled {
		deps.Endpoint = newEndpoint(cfg)
	}

	sched, err := factory.Create(cfg, feats, deps)
	if err != nil {
		return err
	}
	defer sched.Close()

	ctx, stop := signalContext()
	defer stop()
	if d := cfg.Simulation.Duration.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := sched.Setup(ctx); err != nil {
		return err
	}
	result, err := sched.Run(ctx)
	switch {
	case err == nil:
	case simerrors.IsContextError(err):
		logger.Warn().Err(err).Msg("run stopped early")
	default:
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout())
	return result.WriteText(cmd.OutOrStdout())
}
