package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/mahaj/schoolchat/pkg/app"
	"github.com/mahaj/schoolchat/pkg/config"
	"github.com/mahaj/schoolchat/pkg/db"
	"github.com/mahaj/schoolchat/pkg/logger"
)

func main() {
	drop := pflag.Bool("drop", false, "drop the schema instead of creating it")
	replication := pflag.Int("replication", 1, "scylla keyspace replication factor")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logger.New("production")
		l.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if cfg.StoreDriver == "scylla" && !*drop {
		if err := db.EnsureKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace, *replication, log); err != nil {
			log.Fatal().Err(err).Msg("failed to create keyspace")
		}
	}

	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	err = app.Migrate(ctx, st, *drop)
	st.Close()
	if err != nil {
		log.Error().Err(err).Bool("drop", *drop).Msg("migration failed")
		os.Exit(1)
	}
	if *drop {
		log.Info().Str("driver", cfg.StoreDriver).Msg("schema dropped")
		return
	}
	log.Info().Str("driver", cfg.StoreDriver).Msg("schema ready")
}
