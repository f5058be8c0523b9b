package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var ErrMissingSecret = errors.New("JWT_SECRET is required in production")

// Config holds settings shared by every service binary.
type Config struct {
	Env         string `env:"ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8081"`
	GatewayAddr string `env:"GATEWAY_ADDR" envDefault:":8080"`
	// EmbedAPI mounts the request/response API on the gateway listener,
	// which is required for the in-process bus.
	EmbedAPI bool `env:"EMBED_API" envDefault:"false"`

	StoreDriver    string   `env:"STORE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string   `env:"DATABASE_URL" envDefault:"file:chat.db?_pragma=busy_timeout(5000)"`
	ScyllaHosts    []string `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	ScyllaKeyspace string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	BusDriver    string   `env:"BUS_DRIVER" envDefault:"inproc"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat-events"`
	NATSURL      string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject  string   `env:"NATS_SUBJECT" envDefault:"chat.events"`

	JWTSecret     string `env:"JWT_SECRET"`
	NodeID        int64  `env:"NODE_ID" envDefault:"1"`
	DirectoryFile string `env:"DIRECTORY_FILE" envDefault:"directory.yaml"`

	TypingTTL            time.Duration `env:"TYPING_TTL" envDefault:"30s"`
	OnlineLease          time.Duration `env:"ONLINE_LEASE" envDefault:"2m"`
	LastSeenRetention    time.Duration `env:"LAST_SEEN_RETENTION" envDefault:"720h"`
	RecentCacheSize      int           `env:"RECENT_CACHE_SIZE" envDefault:"100"`
	RecentCacheTTL       time.Duration `env:"RECENT_CACHE_TTL" envDefault:"1h"`
	BroadcastConcurrency int           `env:"BROADCAST_CONCURRENCY" envDefault:"16"`
	MaxBodyBytes         int           `env:"MAX_BODY_BYTES" envDefault:"8192"`
}

// Load reads a .env file when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.JWTSecret == "" {
		if !cfg.IsDevelopment() {
			return nil, ErrMissingSecret
		}
		cfg.JWTSecret = "dev-secret"
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
