package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansOlavAarvik/BCH-server/errors"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3390, cfg.Listen.Port)
	assert.Equal(t, 64, cfg.Reassembly.ReorderDepth)
	assert.Equal(t, 200*time.Millisecond, cfg.Reassembly.ReorderWait.Std())
	assert.Equal(t, 0.25, cfg.Spectral.MaxMissingFraction)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Listen.Port, cfg.Listen.Port)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bch.yaml")
	content := `
listen:
  port: 9000
reassembly:
  reorder_depth: 32
  reorder_wait: 150ms
spectral:
  vibration:
    size: 256
    overlap: 0.25
thresholds:
  - metric: temperature.inside
    low: 0
    high: 30
    hysteresis: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Listen.Port)
	assert.Equal(t, 32, cfg.Reassembly.ReorderDepth)
	assert.Equal(t, 150*time.Millisecond, cfg.Reassembly.ReorderWait.Std())
	assert.Equal(t, 256, cfg.Spectral.Vibration.Size)
	assert.Equal(t, 0.25, cfg.Spectral.Vibration.Overlap)

	// Unset sections keep defaults
	assert.Equal(t, 4096, cfg.Spectral.Audio.Size)
	assert.Equal(t, "0.0.0.0", cfg.Listen.Bind)

	require.Len(t, cfg.Thresholds, 1)
	assert.Equal(t, 30.0, cfg.Thresholds[0].High)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reassembly:\n  reorder_wait: soon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/bch.yaml")
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BCH_LISTEN_PORT", "4100")
	t.Setenv("BCH_NATS_URL", "nats://broker:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Listen.Port)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.Listen.Port = -1 }},
		{"zero queue depth", func(c *Config) { c.Intake.QueueDepth = 0 }},
		{"zero workers", func(c *Config) { c.Intake.Workers = 0 }},
		{"zero reorder depth", func(c *Config) { c.Reassembly.ReorderDepth = 0 }},
		{"zero reorder wait", func(c *Config) { c.Reassembly.ReorderWait = 0 }},
		{"margin below one", func(c *Config) { c.Retention.CapacityMargin = 0.5 }},
		{"zero window", func(c *Config) { c.Spectral.Vibration.Size = 0 }},
		{"overlap one", func(c *Config) { c.Spectral.Audio.Overlap = 1.0 }},
		{"missing fraction above one", func(c *Config) { c.Spectral.MaxMissingFraction = 1.5 }},
		{"empty threshold metric", func(c *Config) { c.Thresholds[0].Metric = "" }},
		{"inverted threshold bounds", func(c *Config) { c.Thresholds[0].Low = 50 }},
		{"negative hysteresis", func(c *Config) { c.Thresholds[0].Hysteresis = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
