package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ECSERP/whatsapp-backend/internal/capability"
	"github.com/ECSERP/whatsapp-backend/internal/config"
	"github.com/ECSERP/whatsapp-backend/internal/handler"
	"github.com/ECSERP/whatsapp-backend/internal/logging"
	"github.com/ECSERP/whatsapp-backend/internal/notify"
	"github.com/ECSERP/whatsapp-backend/internal/service/dispatch"
	"github.com/ECSERP/whatsapp-backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boot := logging.New("info", true)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		boot.Warn().Err(err).Msg("failed to load .env file, continuing with system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Console)

	provider, err := capability.NewWhatsmeowProvider(cfg.Capability.DBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open messaging provider")
	}
	defer provider.Close()

	hub := notify.NewHub()
	registry := session.NewRegistry(ctx, provider, hub, cfg.Session.RecoveryDelay, log)
	engine := dispatch.NewEngine(ctx, registry, hub, cfg.Recipients, dispatch.Config{
		BatchSize:  cfg.Dispatch.BatchSize,
		BatchDelay: cfg.Dispatch.BatchDelay,
		RatePerSec: cfg.Dispatch.RatePerSec,
	}, log)

	if len(cfg.Recipients) == 0 {
		log.Warn().Msg("no recipients configured; bulk jobs will complete immediately")
	}

	router := handler.NewRouter(registry, engine, hub, log)

	startServer(ctx, cfg.Server, router, log)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log zerolog.Logger) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", serverCfg.Addr).Msg("whatsapp backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
