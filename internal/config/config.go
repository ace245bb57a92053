// Package config loads Kestrel configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prefix is prepended to every variable name.
const Prefix = "KESTREL_"

// Load builds the configuration. The profile picks the defaults, then
// KESTREL_* variables override them. Variables already set in the
// environment win over .env files. Missing .env files are ignored; a
// malformed value fails with domain.ErrConfiguration.
func Load(envFiles ...string) (*domain.Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfiguration, f, err)
		}
	}

	e := &reader{}

	var cfg *domain.Config
	switch p := domain.Profile(strings.ToLower(e.str("PROFILE", string(domain.ProfileStandalone)))); p {
	case domain.ProfileStandalone:
		cfg = domain.DefaultConfig()
	case domain.ProfileDistributed:
		cfg = domain.DistributedConfig()
	default:
		return nil, fmt.Errorf("%w: unknown profile %q", domain.ErrConfiguration, p)
	}

	// Server
	cfg.Server.Host = e.str("HOST", cfg.Server.Host)
	cfg.Server.Port = e.integer("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = e.integer("READ_TIMEOUT_SECONDS", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = e.integer("WRITE_TIMEOUT_SECONDS", cfg.Server.WriteTimeout)

	// Detection
	d := &cfg.Detection
	d.FreshWalletHours = e.number("FRESH_WALLET_HOURS", d.FreshWalletHours)
	d.WhaleThresholdUSD = e.number("WHALE_THRESHOLD_USD", d.WhaleThresholdUSD)
	d.HammerWindowMinutes = e.integer("HAMMER_WINDOW_MINUTES", d.HammerWindowMinutes)
	d.HammerMinTrades = e.integer("HAMMER_MIN_TRADES", d.HammerMinTrades)
	d.HammerMinVolumeUSD = e.number("HAMMER_MIN_VOLUME_USD", d.HammerMinVolumeUSD)
	d.SizingMultiplierThreshold = e.number("SIZING_MULTIPLIER", d.SizingMultiplierThreshold)
	d.SizingMinSamples = int64(e.integer("SIZING_MIN_SAMPLES", int(d.SizingMinSamples)))
	d.MinConfidence = e.number("MIN_CONFIDENCE", d.MinConfidence)
	d.CacheTTLSeconds = e.integer("CACHE_TTL_SECONDS", d.CacheTTLSeconds)
	d.StatsWindowHours = e.integer("STATS_WINDOW_HOURS", d.StatsWindowHours)
	d.AlertCooldownMinutes = e.integer("ALERT_COOLDOWN_MINUTES", d.AlertCooldownMinutes)
	d.AlertHourlyCap = e.integer("ALERT_HOURLY_CAP", d.AlertHourlyCap)
	d.RuleTimeoutMs = e.integer("RULE_TIMEOUT_MS", d.RuleTimeoutMs)
	d.Bands.Critical = e.number("SEVERITY_CRITICAL", d.Bands.Critical)
	d.Bands.High = e.number("SEVERITY_HIGH", d.Bands.High)
	d.Bands.Medium = e.number("SEVERITY_MEDIUM", d.Bands.Medium)
	d.Gate = e.str("ALERT_GATE", d.Gate)

	// Repository
	r := &cfg.Repository
	r.Driver = e.str("DB_DRIVER", r.Driver)
	r.SQLitePath = e.str("SQLITE_PATH", r.SQLitePath)
	r.PostgresHost = e.str("POSTGRES_HOST", r.PostgresHost)
	r.PostgresPort = e.integer("POSTGRES_PORT", r.PostgresPort)
	r.PostgresUser = e.str("POSTGRES_USER", r.PostgresUser)
	r.PostgresPassword = e.str("POSTGRES_PASSWORD", r.PostgresPassword)
	r.PostgresDB = e.str("POSTGRES_DB", r.PostgresDB)
	r.PostgresSSLMode = e.str("POSTGRES_SSLMODE", r.PostgresSSLMode)

	// Cache
	c := &cfg.Cache
	c.Type = e.str("CACHE_TYPE", c.Type)
	c.RedisAddr = e.str("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = e.str("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = e.integer("REDIS_DB", c.RedisDB)
	c.LocalMaxSize = e.integer("CACHE_MAX_SIZE", c.LocalMaxSize)
	c.EnableTwoPhase = e.flag("CACHE_TWO_PHASE", c.EnableTwoPhase)

	// Event bus
	b := &cfg.EventBus
	b.Type = e.str("BUS_TYPE", b.Type)
	b.NATSUrl = e.str("NATS_URL", b.NATSUrl)
	b.NATSToken = e.str("NATS_TOKEN", b.NATSToken)
	b.NATSQueueGroup = e.str("NATS_QUEUE_GROUP", b.NATSQueueGroup)
	b.ChannelBufferSize = e.integer("BUS_BUFFER_SIZE", b.ChannelBufferSize)

	// Observability
	cfg.Logging.Level = strings.ToLower(e.str("LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(e.str("LOG_FORMAT", cfg.Logging.Format))
	if e.flag("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = e.flag("TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ExporterType = e.str("TRACING_EXPORTER", cfg.Tracing.ExporterType)
	cfg.Tracing.ServiceName = e.str("SERVICE_NAME", cfg.Tracing.ServiceName)

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(e.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reader looks up prefixed variables and collects parse failures.
type reader struct {
	errs []string
}

func (r *reader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(Prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key, v, kind string) {
	r.errs = append(r.errs, fmt.Sprintf("%s%s=%q is not a valid %s", Prefix, key, v, kind))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, "integer")
		return def
	}
	return n
}

func (r *reader) number(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, "number")
		return def
	}
	return f
}

func (r *reader) flag(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, "boolean")
		return def
	}
	return b
}
