package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

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
	log := logger.New(cfg.Env).With().Str("service", "gateway").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	hub := NewHub(a.Bus, a.Presence, a.Store, log)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error().Err(err).Msg("hub stopped")
			stop()
		}
	}()

	var router chi.Router
	if cfg.EmbedAPI {
		router = api.NewRouter(api.NewHandler(a.Chat, a.Presence, a.Store, log), a.Signer, log)
	} else {
		r := chi.NewRouter()
		r.Use(api.Logger(log))
		r.Handle("/metrics", promhttp.Handler())
		router = r
	}
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, a.Signer, w, r)
	})

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.GatewayAddr).Bool("embed_api", cfg.EmbedAPI).Msg("gateway listening")
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
