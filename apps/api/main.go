package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/schoolchat/pkg/api"
	"github.com/mahaj/schoolchat/pkg/app"
	"github.com/mahaj/schoolchat/pkg/config"
	"github.com/mahaj/schoolchat/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New("production")
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.Env).With().Str("service", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if cfg.BusDriver == "inproc" {
		log.Warn().Msg("in-process bus: gateways in other processes will not see events; set EMBED_API on the gateway instead")
	}

	h := api.NewHandler(a.Chat, a.Presence, a.Store, log)
	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      api.NewRouter(h, a.Signer, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("API service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}
