// Package app builds the chat service and its backends from Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/auth"
	"github.com/mahaj/schoolchat/pkg/bus"
	"github.com/mahaj/schoolchat/pkg/bus/kafka"
	"github.com/mahaj/schoolchat/pkg/bus/nats"
	"github.com/mahaj/schoolchat/pkg/chat"
	"github.com/mahaj/schoolchat/pkg/config"
	"github.com/mahaj/schoolchat/pkg/db"
	"github.com/mahaj/schoolchat/pkg/directory"
	"github.com/mahaj/schoolchat/pkg/presence"
	"github.com/mahaj/schoolchat/pkg/rooms"
	"github.com/mahaj/schoolchat/pkg/snowflake"
	"github.com/mahaj/schoolchat/pkg/store"
	"github.com/mahaj/schoolchat/pkg/store/scylla"
	"github.com/mahaj/schoolchat/pkg/store/sqlstore"
)

var ErrUnknownDriver = errors.New("unknown driver")

type App struct {
	Store    store.Store
	Presence *presence.Redis
	Bus      bus.Bus
	Chat     *chat.Service
	Signer   *auth.Signer
	Logger   zerolog.Logger

	closers []func() error
}

// OpenStore connects to the configured durable store. It does not create
// the schema.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return sqlstore.Open(ctx, sqlstore.SQLite, cfg.DatabaseURL)
	case "postgres":
		return sqlstore.Open(ctx, sqlstore.Postgres, cfg.DatabaseURL)
	case "scylla":
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, logger)
		if err != nil {
			return nil, err
		}
		return scylla.New(session), nil
	}
	return nil, fmt.Errorf("%w: store %q", ErrUnknownDriver, cfg.StoreDriver)
}

type schema interface {
	Migrate(ctx context.Context) error
	Drop(ctx context.Context) error
}

// Migrate creates the store's schema, or drops it when drop is set.
func Migrate(ctx context.Context, s store.Store, drop bool) error {
	sc, ok := s.(schema)
	if !ok {
		return fmt.Errorf("%T has no schema management", s)
	}
	if drop {
		return sc.Drop(ctx)
	}
	return sc.Migrate(ctx)
}

func openBus(cfg *config.Config, logger zerolog.Logger) (bus.Bus, error) {
	switch cfg.BusDriver {
	case "inproc":
		return bus.NewInProc(bus.DefaultBuffer), nil
	case "kafka":
		return kafka.New(kafka.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Buffer:  bus.DefaultBuffer,
		}, logger), nil
	case "nats":
		return nats.Connect(cfg.NATSURL, cfg.NATSSubject, bus.DefaultBuffer, logger)
	}
	return nil, fmt.Errorf("%w: bus %q", ErrUnknownDriver, cfg.BusDriver)
}

// New connects every backend. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Signer: auth.NewSigner(cfg.JWTSecret), Logger: logger}
	if err := a.open(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var err error
	a.Store, err = OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a.closers = append(a.closers, a.Store.Close)
	if cfg.StoreDriver == "sqlite" {
		if err := Migrate(ctx, a.Store, false); err != nil {
			return err
		}
	}
	logger.Info().Str("driver", cfg.StoreDriver).Msg("durable store connected")

	a.Presence, err = presence.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, presence.Options{
		TypingTTL:         cfg.TypingTTL,
		OnlineLease:       cfg.OnlineLease,
		LastSeenRetention: cfg.LastSeenRetention,
		RecentSize:        cfg.RecentCacheSize,
		RecentTTL:         cfg.RecentCacheTTL,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Presence.Close)
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	a.Bus, err = openBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s bus: %w", cfg.BusDriver, err)
	}
	a.closers = append(a.closers, a.Bus.Close)
	logger.Info().Str("driver", cfg.BusDriver).Msg("delivery bus ready")

	dir, err := directory.LoadFile(cfg.DirectoryFile)
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return err
	}

	a.Chat = chat.NewService(chat.Deps{
		Store:     a.Store,
		Rooms:     rooms.NewResolver(a.Store),
		Ephemeral: a.Presence,
		Bus:       a.Bus,
		Directory: dir,
		IDs:       node,
		Logger:    logger,
	}, chat.Options{
		MaxBodyBytes:         cfg.MaxBodyBytes,
		BroadcastConcurrency: cfg.BroadcastConcurrency,
	})
	return nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
