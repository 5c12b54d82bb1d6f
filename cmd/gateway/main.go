package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/atlas/shield/internal/abuse"
	"github.com/atlas/shield/internal/api"
	"github.com/atlas/shield/internal/audit"
	"github.com/atlas/shield/internal/bucket"
	"github.com/atlas/shield/internal/config"
	"github.com/atlas/shield/internal/identity"
	"github.com/atlas/shield/internal/middleware"
	"github.com/atlas/shield/internal/observe"
	"github.com/atlas/shield/internal/store"
)

func main() {
	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	auditor := audit.NewDefault(cfg.Environment)
	ctx := context.Background()

	st, err := store.Connect(ctx, cfg, auditor)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	engine, err := bucket.NewEngine(st.Scripter(), cfg)
	if err != nil {
		log.Fatalf("bucket engine: %v", err)
	}

	guard := abuse.NewGuard(cfg.BanThreshold, cfg.ViolationWindow, cfg.BanDuration)
	defer guard.Stop()

	metrics := observe.NewMetrics(guard, cfg.LatencyHistorySize)
	identifier := identity.New(cfg.TrustProxy)
	shield := middleware.NewShield(identifier, engine, guard, metrics, auditor)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewServer(cfg, shield, metrics, st, auditor).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		auditor.System(ctx, audit.EventServerStopping)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			auditor.SystemError(shutdownCtx, audit.EventServerStopping, err)
		}
	}()

	auditor.System(ctx, audit.EventServerStarted,
		slog.String("addr", cfg.ListenAddr),
		slog.String("environment", cfg.Environment),
		slog.Int64("capacity", cfg.Capacity),
		slog.Int64("refill_rate", cfg.RefillRate),
		slog.String("trust_proxy", cfg.TrustProxy.String()),
	)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}
