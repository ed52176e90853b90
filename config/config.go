// Package config loads trafficmesh.yml. Defaults come from Default; a file and
// TRAFFICMESH_* environment variables override them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/trafficmesh/core"
	"github.com/hupe1980/trafficmesh/logging"
)

// EnvPrefix prefixes environment overrides, e.g. TRAFFICMESH_SERVER_ADDR.
const EnvPrefix = "TRAFFICMESH"

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Transport drivers.
const (
	TransportMemory = "memory"
	TransportKafka  = "kafka"
)

// Orchestrator modes.
const (
	// ModeDirect calls perception, prediction and execution in process.
	ModeDirect = "direct"
	// ModeA2A runs the four role agents and drives them over the transport.
	ModeA2A = "a2a"
)

// Advisor providers.
const (
	AdvisorNone      = "none"
	AdvisorAnthropic = "anthropic"
	AdvisorOpenAI    = "openai"
)

// Config models trafficmesh.yml.
type Config struct {
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Transport    TransportConfig    `yaml:"transport" mapstructure:"transport"`
	Registry     RegistryConfig     `yaml:"registry" mapstructure:"registry"`
	Perception   PerceptionConfig   `yaml:"perception" mapstructure:"perception"`
	Prediction   PredictionConfig   `yaml:"prediction" mapstructure:"prediction"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Advisor      AdvisorConfig      `yaml:"advisor" mapstructure:"advisor"`
	ChokePoints  []ChokePointConfig `yaml:"choke_points" mapstructure:"choke_points"`
}

type LogConfig struct {
	Level     string `yaml:"level" mapstructure:"level"`
	Format    string `yaml:"format" mapstructure:"format"`
	AddSource bool   `yaml:"add_source" mapstructure:"add_source"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path" mapstructure:"path"`
}

type TransportConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	Brokers      []string      `yaml:"brokers" mapstructure:"brokers"`
	TopicPrefix  string        `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	GroupID      string        `yaml:"group_id" mapstructure:"group_id"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	// CallTimeout bounds one A2A request/response exchange.
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	ExpireAfter       time.Duration `yaml:"expire_after" mapstructure:"expire_after"`
}

type PerceptionConfig struct {
	SourceTimeout      time.Duration `yaml:"source_timeout" mapstructure:"source_timeout"`
	TelemetryWindow    time.Duration `yaml:"telemetry_window" mapstructure:"telemetry_window"`
	ChokePointRadiusKM float64       `yaml:"choke_point_radius_km" mapstructure:"choke_point_radius_km"`
}

type PredictionConfig struct {
	StaleAfter     time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	ProximityKM    float64       `yaml:"proximity_km" mapstructure:"proximity_km"`
	HorizonMinutes int           `yaml:"horizon_minutes" mapstructure:"horizon_minutes"`
}

type AreaConfig struct {
	Lat      float64 `yaml:"lat" mapstructure:"lat"`
	Lng      float64 `yaml:"lng" mapstructure:"lng"`
	RadiusKM float64 `yaml:"radius_km" mapstructure:"radius_km"`
}

// Area converts the config to the core type.
func (a AreaConfig) Area() core.Area {
	return core.Area{Center: core.LatLng{Lat: a.Lat, Lng: a.Lng}, RadiusKM: a.RadiusKM}
}

type OrchestratorConfig struct {
	Mode                string        `yaml:"mode" mapstructure:"mode"`
	Interval            time.Duration `yaml:"interval" mapstructure:"interval"`
	PerceptionTimeout   time.Duration `yaml:"perception_timeout" mapstructure:"perception_timeout"`
	PredictionTimeout   time.Duration `yaml:"prediction_timeout" mapstructure:"prediction_timeout"`
	AdvisorTimeout      time.Duration `yaml:"advisor_timeout" mapstructure:"advisor_timeout"`
	ExecutionTimeout    time.Duration `yaml:"execution_timeout" mapstructure:"execution_timeout"`
	EmergencyThreshold  float64       `yaml:"emergency_threshold" mapstructure:"emergency_threshold"`
	MaxConcurrentCycles int           `yaml:"max_concurrent_cycles" mapstructure:"max_concurrent_cycles"`
	HistorySize         int           `yaml:"history_size" mapstructure:"history_size"`
	TargetRoutes        []string      `yaml:"target_routes" mapstructure:"target_routes"`
	Authorities         []string      `yaml:"authorities" mapstructure:"authorities"`
	Area                AreaConfig    `yaml:"area" mapstructure:"area"`
}

type AdvisorConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	Model       string  `yaml:"model" mapstructure:"model"`
	APIKey      string  `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL     string  `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
}

type ChokePointConfig struct {
	ID                string  `yaml:"id" mapstructure:"id"`
	Name              string  `yaml:"name" mapstructure:"name"`
	Capacity          int     `yaml:"capacity" mapstructure:"capacity"`
	ThresholdFraction float64 `yaml:"threshold_fraction" mapstructure:"threshold_fraction"`
	Lat               float64 `yaml:"lat" mapstructure:"lat"`
	Lng               float64 `yaml:"lng" mapstructure:"lng"`
}

// ChokePoint converts the entry to the core type.
func (c ChokePointConfig) ChokePoint() core.ChokePoint {
	return core.ChokePoint{
		ID:                c.ID,
		Name:              c.Name,
		Capacity:          c.Capacity,
		ThresholdFraction: c.ThresholdFraction,
		Location:          core.LatLng{Lat: c.Lat, Lng: c.Lng},
	}
}

// Default returns the built-in configuration: in-memory store and transport,
// direct mode, no advisor and the Bengaluru choke-point catalog.
func Default() *Config {
	cfg := &Config{
		Log:    LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Store:  StoreConfig{Driver: StoreMemory, Path: "trafficmesh.db"},
		Transport: TransportConfig{
			Driver:       TransportMemory,
			Brokers:      []string{"localhost:9092"},
			TopicPrefix:  "trafficmesh",
			GroupID:      "trafficmesh",
			MaxAttempts:  3,
			RetryBackoff: 200 * time.Millisecond,
			CallTimeout:  30 * time.Second,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        30 * time.Second,
			ExpireAfter:       2 * time.Minute,
		},
		Perception: PerceptionConfig{
			SourceTimeout:      2 * time.Second,
			TelemetryWindow:    10 * time.Minute,
			ChokePointRadiusKM: 2,
		},
		Prediction: PredictionConfig{StaleAfter: 5 * time.Minute, ProximityKM: 5, HorizonMinutes: 30},
		Orchestrator: OrchestratorConfig{
			Mode:                ModeDirect,
			Interval:            time.Minute,
			PerceptionTimeout:   10 * time.Second,
			PredictionTimeout:   10 * time.Second,
			AdvisorTimeout:      15 * time.Second,
			ExecutionTimeout:    30 * time.Second,
			EmergencyThreshold:  0.9,
			MaxConcurrentCycles: 4,
			HistorySize:         100,
			TargetRoutes:        []string{"Outer Ring Road", "Hosur Road Alternate"},
			Authorities:         core.DefaultAuthorities(),
			Area:                AreaConfig{Lat: 12.9716, Lng: 77.5946, RadiusKM: 30},
		},
		Advisor: AdvisorConfig{Provider: AdvisorNone, Temperature: 0.2, MaxTokens: 1024},
	}
	for _, cp := range core.DefaultChokePoints() {
		cfg.ChokePoints = append(cfg.ChokePoints, ChokePointConfig{
			ID:                cp.ID,
			Name:              cp.Name,
			Capacity:          cp.Capacity,
			ThresholdFraction: cp.ThresholdFraction,
			Lat:               cp.Location.Lat,
			Lng:               cp.Location.Lng,
		})
	}
	return cfg
}

// FromYAML parses data over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAML renders the config.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads path (optional) on top of the defaults and applies TRAFFICMESH_*
// environment overrides. Nested keys use underscores, so
// orchestrator.interval is TRAFFICMESH_ORCHESTRATOR_INTERVAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows.
	_ = v.BindEnv("advisor.api_key")
	_ = v.BindEnv("advisor.base_url")
	base, err := Default().YAML()
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config %s not found; create one with trafficmesh config init", path)
			}
			return nil, err
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for values the mesh cannot run with.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("config.log.format must be json or text")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("config.store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config.store.driver %q is not one of memory, sqlite", c.Store.Driver)
	}
	switch c.Transport.Driver {
	case TransportMemory:
	case TransportKafka:
		if len(c.Transport.Brokers) == 0 {
			return fmt.Errorf("config.transport.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("config.transport.driver %q is not one of memory, kafka", c.Transport.Driver)
	}
	if c.Orchestrator.Mode != ModeDirect && c.Orchestrator.Mode != ModeA2A {
		return fmt.Errorf("config.orchestrator.mode %q is not one of direct, a2a", c.Orchestrator.Mode)
	}
	if c.Orchestrator.Interval <= 0 {
		return fmt.Errorf("config.orchestrator.interval must be positive")
	}
	if t := c.Orchestrator.EmergencyThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config.orchestrator.emergency_threshold %v outside (0,1]", t)
	}
	if len(c.Orchestrator.TargetRoutes) == 0 {
		return fmt.Errorf("config.orchestrator.target_routes needs at least one route")
	}
	if len(c.Orchestrator.Authorities) == 0 {
		return fmt.Errorf("config.orchestrator.authorities needs at least one authority")
	}
	switch c.Advisor.Provider {
	case AdvisorNone, AdvisorAnthropic, AdvisorOpenAI:
	default:
		return fmt.Errorf("config.advisor.provider %q is not one of none, anthropic, openai", c.Advisor.Provider)
	}
	if len(c.ChokePoints) == 0 {
		return fmt.Errorf("config.choke_points needs at least one entry")
	}
	seen := map[string]bool{}
	for _, cp := range c.ChokePoints {
		if err := cp.ChokePoint().Validate(); err != nil {
			return fmt.Errorf("config.choke_points: %w", err)
		}
		if seen[cp.ID] {
			return fmt.Errorf("config.choke_points: duplicate id %s", cp.ID)
		}
		seen[cp.ID] = true
	}
	return nil
}

// ChokePointCatalog returns the configured catalog as core types.
func (c *Config) ChokePointCatalog() []core.ChokePoint {
	out := make([]core.ChokePoint, 0, len(c.ChokePoints))
	for _, cp := range c.ChokePoints {
		out = append(out, cp.ChokePoint())
	}
	return out
}
