// Package config loads and validates the BCH server configuration.
//
// Configuration is YAML with environment-variable overrides for the handful
// of values that differ between deployments (listen port, NATS URL, metrics
// port). Every duration field accepts Go duration syntax ("200ms", "5m").
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HansOlavAarvik/BCH-server/errors"
)

// Duration wraps time.Duration with YAML unmarshalling from strings like "200ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ListenConfig configures the UDP intake socket.
type ListenConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// IntakeConfig configures the bounded queue between the socket read loop and
// the classification workers.
type IntakeConfig struct {
	QueueDepth int `yaml:"queue_depth"`
	Workers    int `yaml:"workers"`
}

// ReassemblyConfig bounds reordering tolerance per device channel.
type ReassemblyConfig struct {
	ReorderDepth int      `yaml:"reorder_depth"`
	ReorderWait  Duration `yaml:"reorder_wait"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// RetentionConfig bounds the time-series buffers. Capacity is derived from
// window x nominal rate x margin; exceeding it is a BufferOverrun.
type RetentionConfig struct {
	Readings       Duration `yaml:"readings"`
	Vibration      Duration `yaml:"vibration"`
	Audio          Duration `yaml:"audio"`
	CapacityMargin float64  `yaml:"capacity_margin"`
}

// WindowConfig configures one channel's analysis windows.
type WindowConfig struct {
	Size    int     `yaml:"size"`    // samples per window
	Overlap float64 `yaml:"overlap"` // fraction carried into the next window
}

// SpectralConfig configures the frequency analysis engine.
type SpectralConfig struct {
	Vibration          WindowConfig `yaml:"vibration"`
	Audio              WindowConfig `yaml:"audio"`
	MaxMissingFraction float64      `yaml:"max_missing_fraction"`
}

// ThresholdConfig is one default alarm threshold applied to every device
// until overridden through the management interface.
type ThresholdConfig struct {
	Metric     string  `yaml:"metric"`
	Low        float64 `yaml:"low"`
	High       float64 `yaml:"high"`
	Hysteresis float64 `yaml:"hysteresis"`
}

// DeviceConfig configures registry housekeeping.
type DeviceConfig struct {
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// NATSConfig configures the optional egress publisher. An empty URL disables it.
type NATSConfig struct {
	URL             string `yaml:"url"`
	AlarmSubject    string `yaml:"alarm_subject"`
	SpectralSubject string `yaml:"spectral_subject"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Config is the complete server configuration.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Intake     IntakeConfig      `yaml:"intake"`
	Reassembly ReassemblyConfig  `yaml:"reassembly"`
	Retention  RetentionConfig   `yaml:"retention"`
	Spectral   SpectralConfig    `yaml:"spectral"`
	Device     DeviceConfig      `yaml:"device"`
	Thresholds []ThresholdConfig `yaml:"thresholds"`
	NATS       NATSConfig        `yaml:"nats"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// Default returns the configuration used when no file is provided. The
// values mirror what the cabinet devices actually send: one shared port for
// JSON and raw traffic, 1 kHz vibration, 32 kHz audio.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Bind: "0.0.0.0", Port: 3390},
		Intake: IntakeConfig{QueueDepth: 5000, Workers: 4},
		Reassembly: ReassemblyConfig{
			ReorderDepth: 64,
			ReorderWait:  Duration(200 * time.Millisecond),
			IdleTimeout:  Duration(30 * time.Second),
		},
		Retention: RetentionConfig{
			Readings:       Duration(1 * time.Hour),
			Vibration:      Duration(60 * time.Second),
			Audio:          Duration(10 * time.Second),
			CapacityMargin: 1.5,
		},
		Spectral: SpectralConfig{
			Vibration:          WindowConfig{Size: 512, Overlap: 0.5},
			Audio:              WindowConfig{Size: 4096, Overlap: 0.5},
			MaxMissingFraction: 0.25,
		},
		Device: DeviceConfig{IdleTimeout: Duration(5 * time.Minute)},
		Thresholds: []ThresholdConfig{
			{Metric: "temperature.inside", Low: 5, High: 40, Hysteresis: 2},
			{Metric: "temperature.outside", Low: -10, High: 40, Hysteresis: 2},
			{Metric: "humidity.inside", Low: 20, High: 80, Hysteresis: 5},
			{Metric: "humidity.outside", Low: 0, High: 100, Hysteresis: 5},
		},
		NATS: NATSConfig{
			AlarmSubject:    "cabinet.alarm",
			SpectralSubject: "cabinet.spectral",
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
	}
}

// Load reads configuration from a YAML file, applies defaults for anything
// unset, applies environment overrides, and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "YAML parse")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the deployment-level environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BCH_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = port
		}
	}
	if v := os.Getenv("BCH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("BCH_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("listen port %d out of range", c.Listen.Port),
			"config", "Validate", "listen port")
	}
	if c.Intake.QueueDepth <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("intake queue depth %d must be positive", c.Intake.QueueDepth),
			"config", "Validate", "intake queue")
	}
	if c.Intake.Workers <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("intake workers %d must be positive", c.Intake.Workers),
			"config", "Validate", "intake workers")
	}
	if c.Reassembly.ReorderDepth <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("reorder depth %d must be positive", c.Reassembly.ReorderDepth),
			"config", "Validate", "reorder depth")
	}
	if c.Reassembly.ReorderWait.Std() <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("reorder wait must be positive"),
			"config", "Validate", "reorder wait")
	}
	if c.Retention.CapacityMargin < 1.0 {
		return errors.WrapInvalid(
			fmt.Errorf("capacity margin %.2f must be >= 1.0", c.Retention.CapacityMargin),
			"config", "Validate", "capacity margin")
	}
	for _, w := range []WindowConfig{c.Spectral.Vibration, c.Spectral.Audio} {
		if w.Size <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("spectral window size %d must be positive", w.Size),
				"config", "Validate", "spectral window")
		}
		if w.Overlap < 0 || w.Overlap >= 1 {
			return errors.WrapInvalid(
				fmt.Errorf("spectral overlap %.2f must be in [0,1)", w.Overlap),
				"config", "Validate", "spectral overlap")
		}
	}
	if c.Spectral.MaxMissingFraction < 0 || c.Spectral.MaxMissingFraction > 1 {
		return errors.WrapInvalid(
			fmt.Errorf("max missing fraction %.2f must be in [0,1]", c.Spectral.MaxMissingFraction),
			"config", "Validate", "missing fraction")
	}
	for _, th := range c.Thresholds {
		if th.Metric == "" {
			return errors.WrapInvalid(
				fmt.Errorf("threshold with empty metric name"),
				"config", "Validate", "threshold metric")
		}
		if th.Low >= th.High {
			return errors.WrapInvalid(
				fmt.Errorf("threshold %s: low %.2f must be < high %.2f", th.Metric, th.Low, th.High),
				"config", "Validate", "threshold bounds")
		}
		if th.Hysteresis < 0 {
			return errors.WrapInvalid(
				fmt.Errorf("threshold %s: negative hysteresis", th.Metric),
				"config", "Validate", "threshold hysteresis")
		}
	}
	return nil
}
