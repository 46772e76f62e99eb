package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(Default()))
}

func TestDecodeYAMLOverridesDefaults(t *testing.T) {
	t.Parallel()
	raw := []byte(`
dispatch:
  max_batch_size: 200
  priorities:
    low: {weight: 0.25, max_delay: 10m}
monitor:
  enabled: false
`)
	cfg, err := Decode("config.yaml", raw)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Dispatch.MaxBatchSize)
	assert.Equal(t, 0.25, cfg.Dispatch.Priorities["low"].Weight)
	assert.Equal(t, "10m", cfg.Dispatch.Priorities["low"].MaxDelay)
	// untouched map entries keep their defaults
	assert.Equal(t, 4.0, cfg.Dispatch.Priorities["critical"].Weight)
	assert.False(t, cfg.Monitor.Enabled)
	assert.Equal(t, 50, cfg.Dispatch.MinBatchSize)
	require.NoError(t, Validate(cfg))
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.json", []byte(`{"dispatch":{"nope":1}}`))
	require.Error(t, err)

	_, err = Decode("config.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *Config)
		cfgErr bool
	}{
		{name: "monitor interval below minimum", mutate: func(c *Config) { c.Monitor.Interval = "5s" }, cfgErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Dispatch.RetryDelay = "soon" }},
		{name: "unknown priority", mutate: func(c *Config) {
			c.Dispatch.Priorities["urgent"] = PriorityConfig{Weight: 1}
		}},
		{name: "zero weight", mutate: func(c *Config) {
			c.Dispatch.Priorities["low"] = PriorityConfig{Weight: 0}
		}},
		{name: "min above max", mutate: func(c *Config) { c.Dispatch.MinBatchSize = 600 }},
		{name: "batch over gateway cap", mutate: func(c *Config) { c.Gateway.MaxRecipients = 100 }, cfgErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }},
		{name: "event sink without brokers", mutate: func(c *Config) { c.EventSink.Enabled = true }},
		{name: "bad timezone", mutate: func(c *Config) { c.Digest.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if got := IsConfigurationError(err); got != tt.cfgErr {
				t.Fatalf("IsConfigurationError = %v, want %v (err=%v)", got, tt.cfgErr, err)
			}
		})
	}
}

func TestManagerReloadPublishesOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"monitor":{"interval":"30s"}}`), 0o600))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "30s", cfg.Monitor.Interval)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, published, "unchanged file must not publish")

	require.NoError(t, os.WriteFile(path, []byte(`{"monitor":{"interval":"45s"}}`), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)

	select {
	case got := <-sub:
		require.Equal(t, "45s", got.Monitor.Interval)
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"monitor":{"interval":"1s"}}`), 0o600))
	_, err = m.Reload(context.Background())
	require.True(t, IsConfigurationError(err))
	require.Equal(t, "45s", m.Get().Monitor.Interval)
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.Dispatch.MaxRetries = 5
	require.Equal(t, []string{"logging", "dispatch"}, ChangedSections(a, b))
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 2s ")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)
	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
	require.Equal(t, time.Minute, MustDuration("", time.Minute))
}
