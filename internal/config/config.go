package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	simerrors "github.com/prologueii14/pqctls/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Simulation modes.
const (
	ModeReplay      = "replay"
	ModeStatistical = "statistical"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "100ms" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// PerClientConfig describes the traffic each simulated client generates.
type PerClientConfig struct {
	Connections   int        `yaml:"connections"`
	IntervalRange [2]float64 `yaml:"interval_range"`
}

// TopologyConfig describes the endpoint and the simulated clients.
type TopologyConfig struct {
	Clients    int             `yaml:"clients"`
	ServerHost string          `yaml:"server_host"`
	ServerPort int             `yaml:"server_port"`
	HealthPort int             `yaml:"health_port"`
	PerClient  PerClientConfig `yaml:"per_client"`
}

type ExecutionConfig struct {
	Threading  bool `yaml:"threading"`
	MaxWorkers int  `yaml:"max_workers"`
}

// ReplayConfig tunes the replay scheduler.
type ReplayConfig struct {
	MaxPackets       int      `yaml:"max_packets"`
	TimeScale        float64  `yaml:"time_scale"`
	SkipSmallPackets bool     `yaml:"skip_small_packets"`
	MinFlowBytes     int64    `yaml:"min_flow_bytes"`
	MaxPayload       int      `yaml:"max_payload"`
	MaxDelay         Duration `yaml:"max_delay"`
}

type SimulationConfig struct {
	Duration       Duration        `yaml:"duration"`
	Seed           int64           `yaml:"seed"`
	ConnectTimeout Duration        `yaml:"connect_timeout"`
	MaxPayload     int             `yaml:"max_payload_statistical"`
	Burst          bool            `yaml:"burst"`
	Execution      ExecutionConfig `yaml:"execution"`
	Replay         ReplayConfig    `yaml:"replay"`
}

// SourceConfig names one persisted feature file.
type SourceConfig struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

// EndpointConfig controls the in-process TLS endpoint. Empty cert and key
// paths make the endpoint generate a self-signed certificate.
type EndpointConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AnalysisConfig struct {
	Resort   bool     `yaml:"resort"`
	Networks []string `yaml:"networks"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ResultsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// ClickHouseConfig holds the connection details for the optional flow export.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level configuration struct for the entire application.
// It is built once and passed by value to the components that need it.
type Config struct {
	Mode       string           `yaml:"mode"`
	Topology   TopologyConfig   `yaml:"topology"`
	Simulation SimulationConfig `yaml:"simulation"`
	Sources    []SourceConfig   `yaml:"sources"`
	Endpoint   EndpointConfig   `yaml:"endpoint"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Results    ResultsConfig    `yaml:"results"`
	NATS       NATSConfig       `yaml:"nats"`
	API        APIConfig        `yaml:"api"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// Default returns a Config with the defaults every file is merged onto.
func Default() Config {
	return Config{
		Mode: ModeReplay,
		Topology: TopologyConfig{
			Clients:    5,
			ServerHost: "127.0.0.1",
			ServerPort: 8443,
			PerClient: PerClientConfig{
				Connections:   10,
				IntervalRange: [2]float64{0.1, 0.5},
			},
		},
		Simulation: SimulationConfig{
			Seed:           42,
			ConnectTimeout: Duration(10 * time.Second),
			MaxPayload:     10000,
			Execution: ExecutionConfig{
				Threading:  true,
				MaxWorkers: 4,
			},
			Replay: ReplayConfig{
				TimeScale:    10,
				MinFlowBytes: 100,
				MaxPayload:   1000,
				MaxDelay:     Duration(100 * time.Millisecond),
			},
		},
		Endpoint: EndpointConfig{Enabled: true},
		Analysis: AnalysisConfig{Resort: true},
		Logging:  LoggingConfig{Level: "info"},
		Results:  ResultsConfig{Path: "results/runs.db"},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "pqcsim.runs.progress",
		},
		API: APIConfig{ListenAddr: ":8080"},
		ClickHouse: ClickHouseConfig{
			Host:     "127.0.0.1",
			Port:     9000,
			Database: "default",
			Username: "default",
		},
	}
}

// ReadConfig reads the YAML file at filePath over Default without
// validating it, so that callers can apply overrides first.
func ReadConfig(filePath string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, simerrors.ErrInvalidConfig("failed to unmarshal config YAML", err)
	}
	return cfg, nil
}

// LoadConfig reads the YAML file at filePath over Default and validates the
// result.
func LoadConfig(filePath string) (Config, error) {
	cfg, err := ReadConfig(filePath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the keys the schedulers depend on.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return simerrors.ErrInvalidConfig(fmt.Sprintf(format, args...), nil)
	}

	switch c.Mode {
	case ModeReplay, ModeStatistical:
	case "":
		return invalid("mode is required")
	default:
		return invalid("unknown mode %q, must be one of: replay, statistical", c.Mode)
	}

	if c.Topology.ServerPort <= 0 || c.Topology.ServerPort > 65535 {
		return invalid("topology.server_port must be in 1..65535, got %d", c.Topology.ServerPort)
	}
	if c.Topology.HealthPort < 0 || c.Topology.HealthPort > 65535 {
		return invalid("topology.health_port must be in 0..65535, got %d", c.Topology.HealthPort)
	}
	if c.Simulation.ConnectTimeout <= 0 {
		return invalid("simulation.connect_timeout must be positive")
	}
	if c.Simulation.Duration < 0 {
		return invalid("simulation.duration must not be negative")
	}

	if c.Mode == ModeReplay {
		r := c.Simulation.Replay
		if r.TimeScale <= 0 {
			return invalid("simulation.replay.time_scale must be positive, got %g", r.TimeScale)
		}
		if r.MaxPackets < 0 {
			return invalid("simulation.replay.max_packets must not be negative")
		}
		if r.MaxPayload <= 0 {
			return invalid("simulation.replay.max_payload must be positive")
		}
		if r.MaxDelay < 0 {
			return invalid("simulation.replay.max_delay must not be negative")
		}
	}

	if c.Mode == ModeStatistical {
		if c.Topology.Clients <= 0 {
			return invalid("topology.clients must be positive, got %d", c.Topology.Clients)
		}
		if c.Topology.PerClient.Connections <= 0 {
			return invalid("topology.per_client.connections must be positive, got %d", c.Topology.PerClient.Connections)
		}
		ir := c.Topology.PerClient.IntervalRange
		if ir[0] < 0 || ir[1] < ir[0] {
			return invalid("topology.per_client.interval_range must satisfy 0 <= min <= max, got [%g, %g]", ir[0], ir[1])
		}
		if c.Simulation.Execution.Threading && c.Simulation.Execution.MaxWorkers <= 0 {
			return invalid("simulation.execution.max_workers must be positive when threading is enabled")
		}
		if c.Simulation.MaxPayload <= 0 {
			return invalid("simulation.max_payload_statistical must be positive")
		}
	}

	enabled := 0
	for i, s := range c.Sources {
		if !s.Enabled {
			continue
		}
		enabled++
		if s.Path == "" {
			return invalid("sources[%d].path is required", i)
		}
		if s.Type != "" && s.Type != "json" {
			return invalid("sources[%d].type %q is not supported, must be json", i, s.Type)
		}
	}
	if enabled > 1 {
		return invalid("%d sources are enabled; exactly one feature source per run is supported", enabled)
	}
	return nil
}

// ActiveSource returns the enabled feature source, if any.
func (c Config) ActiveSource() (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Enabled {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// ServerAddr is the endpoint address the driver dials.
func (c Config) ServerAddr() string {
	return net.JoinHostPort(c.Topology.ServerHost, strconv.Itoa(c.Topology.ServerPort))
}

// HealthAddr is the gRPC health address, or "" when none is configured.
func (c Config) HealthAddr() string {
	if c.Topology.HealthPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Topology.ServerHost, strconv.Itoa(c.Topology.HealthPort))
}
