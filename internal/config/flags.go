package config

import (
	"github.com/spf13/pflag"
)

// Overrides holds command-line values that take precedence over the file.
type Overrides struct {
	Mode      string
	Features  string
	Port      int
	Clients   int
	Seed      int64
	TimeScale float64
	LogLevel  string
}

// BindFlags registers the override flags on fs.
func (o *Overrides) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Mode, "mode", "", "Simulation mode (replay|statistical)")
	fs.StringVarP(&o.Features, "features", "f", "", "Feature file to drive the run; replaces the configured sources")
	fs.IntVar(&o.Port, "port", 0, "Endpoint port")
	fs.IntVar(&o.Clients, "clients", 0, "Number of simulated clients (statistical mode)")
	fs.Int64Var(&o.Seed, "seed", 0, "Random seed (statistical mode)")
	fs.Float64Var(&o.TimeScale, "time-scale", 0, "Divisor applied to recorded gaps (replay mode)")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
}

// Apply returns cfg with every flag that was set on fs applied.
func (o Overrides) Apply(cfg Config, fs *pflag.FlagSet) Config {
	if fs.Changed("mode") {
		cfg.Mode = o.Mode
	}
	if fs.Changed("features") {
		cfg.Sources = []SourceConfig{{Type: "json", Path: o.Features, Enabled: true}}
	}
	if fs.Changed("port") {
		cfg.Topology.ServerPort = o.Port
	}
	if fs.Changed("clients") {
		cfg.Topology.Clients = o.Clients
	}
	if fs.Changed("seed") {
		cfg.Simulation.Seed = o.Seed
	}
	if fs.Changed("time-scale") {
		cfg.Simulation.Replay.TimeScale = o.TimeScale
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = o.LogLevel
	}
	return cfg
}
