package domain

import (
	"fmt"
	"math"
	"time"
)

// Config is everything Kestrel reads at startup. internal/config fills it
// from a profile's defaults and KESTREL_* environment variables.
type Config struct {
	Profile Profile      `json:"profile"`
	Server  ServerConfig `json:"server"`

	Detection DetectionConfig `json:"detection"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Profile names a bundle of backing-service defaults.
type Profile string

const (
	// ProfileStandalone is one process: SQLite, in-process cache, channels.
	ProfileStandalone Profile = "standalone"
	// ProfileDistributed shares state through PostgreSQL, Redis and NATS.
	ProfileDistributed Profile = "distributed"
)

// ServerConfig timeouts are in seconds.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`
	WriteTimeout int    `json:"writeTimeout"`
}

// LoggingConfig takes slog level names and "json" or "text".
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// TracingConfig enables the OpenTelemetry tracer provider. The only
// exporter is "stdout".
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"`
}

// SeverityBands are the lower confidence bounds of each severity.
// Anything below Medium maps to LOW.
type SeverityBands struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
}

// DetectionConfig carries every rule threshold and engine budget.
type DetectionConfig struct {
	FreshWalletHours          float64 `json:"freshWalletHours"`
	WhaleThresholdUSD         float64 `json:"whaleThresholdUsd"`
	HammerWindowMinutes       int     `json:"hammerWindowMinutes"`
	HammerMinTrades           int     `json:"hammerMinTrades"`
	HammerMinVolumeUSD        float64 `json:"hammerMinVolumeUsd"`
	SizingMultiplierThreshold float64 `json:"sizingMultiplierThreshold"`
	SizingMinSamples          int64   `json:"sizingMinSamples"`
	MinConfidence             float64 `json:"minConfidence"`
	CacheTTLSeconds           int     `json:"cacheTtlSeconds"`
	StatsWindowHours          int     `json:"statsWindowHours"`
	AlertCooldownMinutes      int     `json:"alertCooldownMinutes"`
	AlertHourlyCap            int     `json:"alertHourlyCap"`
	RuleTimeoutMs             int     `json:"ruleTimeoutMs"`

	// Bands maps confidence to severity before rule ceilings apply.
	Bands SeverityBands `json:"bands"`

	// Gate selects the alert rate gate: "memory" or "cache".
	Gate string `json:"gate"`
}

// DefaultDetectionConfig returns the stock thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		FreshWalletHours:          72,
		WhaleThresholdUSD:         1000,
		HammerWindowMinutes:       60,
		HammerMinTrades:           4,
		HammerMinVolumeUSD:        2000,
		SizingMultiplierThreshold: 3,
		SizingMinSamples:          5,
		MinConfidence:             0.60,
		CacheTTLSeconds:           300,
		StatsWindowHours:          24 * 7,
		AlertCooldownMinutes:      15,
		AlertHourlyCap:            5,
		RuleTimeoutMs:             200,
		Bands: SeverityBands{
			Critical: 0.85,
			High:     0.60,
			Medium:   0.40,
		},
		Gate: "memory",
	}
}

// FreshWalletAge is the age under which a wallet counts as fresh.
func (d DetectionConfig) FreshWalletAge() time.Duration {
	return time.Duration(d.FreshWalletHours * float64(time.Hour))
}

// HammerWindow is the trailing structuring window.
func (d DetectionConfig) HammerWindow() time.Duration {
	return time.Duration(d.HammerWindowMinutes) * time.Minute
}

// CacheTTL is the market statistics freshness bound.
func (d DetectionConfig) CacheTTL() time.Duration {
	return time.Duration(d.CacheTTLSeconds) * time.Second
}

// StatsWindow is the lookback used for market baselines.
func (d DetectionConfig) StatsWindow() time.Duration {
	return time.Duration(d.StatsWindowHours) * time.Hour
}

// AlertCooldown is the minimum gap between alerts per (wallet, type).
func (d DetectionConfig) AlertCooldown() time.Duration {
	return time.Duration(d.AlertCooldownMinutes) * time.Minute
}

// RuleTimeout is the per-rule evaluation budget.
func (d DetectionConfig) RuleTimeout() time.Duration {
	return time.Duration(d.RuleTimeoutMs) * time.Millisecond
}

// Validate rejects thresholds the rules cannot work with.
func (d DetectionConfig) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"freshWalletHours", d.FreshWalletHours},
		{"whaleThresholdUsd", d.WhaleThresholdUSD},
		{"hammerWindowMinutes", float64(d.HammerWindowMinutes)},
		{"hammerMinTrades", float64(d.HammerMinTrades)},
		{"hammerMinVolumeUsd", d.HammerMinVolumeUSD},
		{"sizingMultiplierThreshold", d.SizingMultiplierThreshold},
		{"sizingMinSamples", float64(d.SizingMinSamples)},
		{"cacheTtlSeconds", float64(d.CacheTTLSeconds)},
		{"statsWindowHours", float64(d.StatsWindowHours)},
		{"alertHourlyCap", float64(d.AlertHourlyCap)},
		{"ruleTimeoutMs", float64(d.RuleTimeoutMs)},
	}
	for _, p := range positive {
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) || p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrConfiguration, p.name, p.value)
		}
	}

	if d.SizingMultiplierThreshold <= 1 {
		return fmt.Errorf("%w: sizingMultiplierThreshold must be greater than 1", ErrConfiguration)
	}
	if d.AlertCooldownMinutes < 0 {
		return fmt.Errorf("%w: alertCooldownMinutes must not be negative", ErrConfiguration)
	}
	if !inUnit(d.MinConfidence) {
		return fmt.Errorf("%w: minConfidence must be within [0, 1]", ErrConfiguration)
	}
	if err := d.Bands.Validate(); err != nil {
		return err
	}

	switch d.Gate {
	case "", "memory", "cache":
	default:
		return fmt.Errorf("%w: unsupported gate %q", ErrConfiguration, d.Gate)
	}
	return nil
}

// Validate checks that bands are within [0, 1] and strictly descending.
func (b SeverityBands) Validate() error {
	if !inUnit(b.Critical) || !inUnit(b.High) || !inUnit(b.Medium) {
		return fmt.Errorf("%w: severity bands must be within [0, 1]", ErrConfiguration)
	}
	if !(b.Critical > b.High && b.High > b.Medium) {
		return fmt.Errorf("%w: severity bands must be strictly descending (critical > high > medium)", ErrConfiguration)
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// DefaultConfig returns the standalone configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile:   ProfileStandalone,
		Detection: DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "kestrel",
			ExporterType: "stdout",
		},
	}
}

// DistributedConfig returns a configuration backed by PostgreSQL, Redis and NATS.
// Alert gating moves onto the shared cache so that several engine nodes
// enforce one budget.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileDistributed
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-engine",
	}
	cfg.Detection.Gate = "cache"
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrConfiguration)
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", ErrConfiguration, c.Repository.Driver)
	}
	return c.Detection.Validate()
}
