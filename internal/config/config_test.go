package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// noEnvFile keeps Load away from a stray .env in the working directory.
func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KESTREL_PROFILE", "")

	cfg, err := Load(noEnvFile(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Profile != domain.ProfileStandalone {
		t.Errorf("expected standalone profile, got %s", cfg.Profile)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.Cache.Type != "memory" || cfg.EventBus.Type != "channel" {
		t.Errorf("unexpected standalone backends: %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	}

	want := domain.DefaultDetectionConfig()
	if cfg.Detection != want {
		t.Errorf("expected default detection config, got %+v", cfg.Detection)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KESTREL_PROFILE", "distributed")
	t.Setenv("KESTREL_FRESH_WALLET_HOURS", "48")
	t.Setenv("KESTREL_WHALE_THRESHOLD_USD", "2500.5")
	t.Setenv("KESTREL_HAMMER_MIN_TRADES", "6")
	t.Setenv("KESTREL_MIN_CONFIDENCE", "0.7")
	t.Setenv("KESTREL_RULE_TIMEOUT_MS", "150")
	t.Setenv("KESTREL_PORT", "9090")
	t.Setenv("KESTREL_REDIS_ADDR", "redis:6379")
	t.Setenv("KESTREL_DEBUG", "true")

	cfg, err := Load(noEnvFile(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Profile != domain.ProfileDistributed || cfg.Repository.Driver != "postgres" {
		t.Errorf("expected distributed defaults, got %s/%s", cfg.Profile, cfg.Repository.Driver)
	}
	if cfg.Detection.Gate != "cache" {
		t.Errorf("expected cache gate in distributed profile, got %q", cfg.Detection.Gate)
	}
	d := cfg.Detection
	if d.FreshWalletHours != 48 || d.WhaleThresholdUSD != 2500.5 || d.HammerMinTrades != 6 {
		t.Errorf("thresholds not applied: %+v", d)
	}
	if d.MinConfidence != 0.7 || d.RuleTimeoutMs != 150 {
		t.Errorf("engine settings not applied: %+v", d)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Cache.RedisAddr != "redis:6379" {
		t.Errorf("expected redis addr override, got %s", cfg.Cache.RedisAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadEnvFile(t *testing.T) {
	const key = "KESTREL_HAMMER_WINDOW_MINUTES"
	t.Setenv(key, "")
	os.Unsetenv(key)
	t.Setenv("KESTREL_ALERT_HOURLY_CAP", "9")

	path := filepath.Join(t.TempDir(), ".env")
	content := "KESTREL_HAMMER_WINDOW_MINUTES=30\nKESTREL_ALERT_HOURLY_CAP=2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Detection.HammerWindowMinutes != 30 {
		t.Errorf("expected window from file, got %d", cfg.Detection.HammerWindowMinutes)
	}
	if cfg.Detection.AlertHourlyCap != 9 {
		t.Errorf("expected environment to win over file, got %d", cfg.Detection.AlertHourlyCap)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string][2]string{
		"MalformedInt":   {"KESTREL_HAMMER_MIN_TRADES", "four"},
		"MalformedFloat": {"KESTREL_MIN_CONFIDENCE", "high"},
		"MalformedBool":  {"KESTREL_TRACING", "sometimes"},
		"OutOfRange":     {"KESTREL_MIN_CONFIDENCE", "1.5"},
		"BadMultiplier":  {"KESTREL_SIZING_MULTIPLIER", "0.5"},
		"UnknownProfile": {"KESTREL_PROFILE", "cluster"},
		"BadPort":        {"KESTREL_PORT", "70000"},
	}

	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(noEnvFile(t)); !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration for %s=%s, got %v", kv[0], kv[1], err)
			}
		})
	}
}
