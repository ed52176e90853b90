package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trafficmesh/core"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeDirect, cfg.Orchestrator.Mode)
	assert.Equal(t, core.DefaultChokePoints(), cfg.ChokePointCatalog())
}

func TestFromYAML_OverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
orchestrator:
  mode: a2a
  interval: 30s
  emergency_threshold: 0.85
store:
  driver: sqlite
  path: /tmp/mesh.db
choke_points:
  - id: hebbal
    name: Hebbal Flyover
    capacity: 1800
    threshold_fraction: 0.75
    lat: 13.0358
    lng: 77.5970
`))
	require.NoError(t, err)

	assert.Equal(t, ModeA2A, cfg.Orchestrator.Mode)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Interval)
	assert.Equal(t, 0.85, cfg.Orchestrator.EmergencyThreshold)
	assert.Equal(t, 15*time.Second, cfg.Orchestrator.AdvisorTimeout)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	require.Len(t, cfg.ChokePoints, 1)
	assert.Equal(t, 1350, cfg.ChokePointCatalog()[0].ThresholdCount())
}

func TestYAMLCanBeReadBack(t *testing.T) {
	data, err := Default().YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "interval: 1m0s")

	cfg, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trafficmesh.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
transport:
  driver: kafka
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`), 0o600))

	t.Setenv("TRAFFICMESH_ORCHESTRATOR_INTERVAL", "45s")
	t.Setenv("TRAFFICMESH_ADVISOR_PROVIDER", "anthropic")
	t.Setenv("TRAFFICMESH_ADVISOR_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, TransportKafka, cfg.Transport.Driver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Transport.Brokers)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.Interval)
	assert.Equal(t, AdvisorAnthropic, cfg.Advisor.Provider)
	assert.Equal(t, "sk-test", cfg.Advisor.APIKey)
	assert.Equal(t, 10*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Len(t, cfg.ChokePoints, 3)
}

func TestLoad_WithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Orchestrator, cfg.Orchestrator)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config init")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"store driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite path", func(c *Config) { c.Store.Driver, c.Store.Path = StoreSQLite, "" }, "store.path"},
		{"transport driver", func(c *Config) { c.Transport.Driver = "nats" }, "transport.driver"},
		{"kafka brokers", func(c *Config) { c.Transport.Driver, c.Transport.Brokers = TransportKafka, nil }, "brokers"},
		{"mode", func(c *Config) { c.Orchestrator.Mode = "swarm" }, "orchestrator.mode"},
		{"interval", func(c *Config) { c.Orchestrator.Interval = 0 }, "interval"},
		{"threshold", func(c *Config) { c.Orchestrator.EmergencyThreshold = 1.5 }, "emergency_threshold"},
		{"routes", func(c *Config) { c.Orchestrator.TargetRoutes = nil }, "target_routes"},
		{"authorities", func(c *Config) { c.Orchestrator.Authorities = nil }, "authorities"},
		{"advisor", func(c *Config) { c.Advisor.Provider = "oracle" }, "advisor.provider"},
		{"no choke points", func(c *Config) { c.ChokePoints = nil }, "choke_points"},
		{"bad capacity", func(c *Config) { c.ChokePoints[0].Capacity = 0 }, "positive capacity"},
		{"duplicate", func(c *Config) { c.ChokePoints[1].ID = c.ChokePoints[0].ID }, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
