// Command keygate runs the license service: the device-facing validation
// API, the admin management API and the prometheus scrape endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"keygate/internal/activity"
	"keygate/internal/auth"
	"keygate/internal/cache"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/store"
	transport "keygate/internal/transport/http"
	"keygate/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keygate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := infrastructure.InitLogger(cfg.Logging)
	logger.Info("starting",
		slog.String("service", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("store", cfg.Store.Backend),
		slog.Int("port", cfg.Server.Port),
	)

	metrics, err := infrastructure.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer closeStore()

	caches := cache.NewSet(st, logger, cache.WithMetrics(metrics.Engine))
	caches.StartJanitor(config.JanitorInterval)
	defer caches.Stop()

	batcher := activity.NewBatcher(st, logger, activity.WithMetrics(metrics.Engine))
	notifier := webhook.NewNotifier(cfg.Webhook.URL, logger)
	engine := license.NewEngine(st, caches, batcher, notifier, logger,
		license.WithMetrics(metrics.Engine))

	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret)
	router := transport.NewRouter(transport.RouterDeps{
		Engine:         engine,
		Issuer:         issuer,
		Auth:           cfg.Auth,
		Metrics:        metrics.HTTPHandler(),
		Logger:         logger,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	// Drain buffered activity entries before the store goes away.
	if err := batcher.Close(shutdownCtx); err != nil {
		logger.Error("final activity flush failed", slog.String("error", err.Error()))
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		logger.Warn("using in-memory store, all state is lost on restart")
		return store.NewMemory(), func() {}, nil
	default:
		fs, err := store.NewFirestore(ctx, cfg.ProjectID, cfg.CredentialsFile, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {
			if err := fs.Close(); err != nil {
				logger.Error("firestore close failed", slog.String("error", err.Error()))
			}
		}, nil
	}
}
