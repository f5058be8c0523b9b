package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TypingTTL != 30*time.Second {
		t.Errorf("TypingTTL = %v, want 30s", cfg.TypingTTL)
	}
	if cfg.RecentCacheSize != 100 || cfg.RecentCacheTTL != time.Hour {
		t.Errorf("recent cache = %d/%v, want 100/1h", cfg.RecentCacheSize, cfg.RecentCacheTTL)
	}
	if cfg.JWTSecret == "" {
		t.Error("development should fall back to a dev secret")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("BUS_DRIVER", "kafka")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.BusDriver != "kafka" {
		t.Errorf("BusDriver = %q", cfg.BusDriver)
	}
}

func TestLoadRequiresSecretOutsideDevelopment(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
