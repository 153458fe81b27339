package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/krelinga/hls-converter/internal"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func run() error {
	// Create context that listens for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := internal.NewServerConfigFromEnv()
	logger := internal.NewLogger(cfg.LogLevel)

	var listeners []internal.Listener
	var archives []internal.JobArchive

	if cfg.Redis != nil {
		client := internal.NewRedisClient(cfg.Redis)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		mirror := internal.NewRedisMirror(client, cfg.Jobs.Retention)
		listeners = append(listeners, mirror)
		archives = append(archives, mirror)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("mirroring job status to redis")
	}

	if cfg.Kafka != nil {
		publisher := internal.NewEventPublisher(cfg.Kafka)
		defer publisher.Close()
		listeners = append(listeners, publisher)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing conversion events to kafka")
	}

	if cfg.Database != nil {
		history, closeDB, err := openHistory(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		listeners = append(listeners, history)
		archives = append(archives, history)
	}

	registry := internal.NewRegistry(internal.RegistryConfig{
		Workspace: &internal.Workspace{Root: cfg.Jobs.WorkspaceRoot},
		Prober:    &internal.FFprobe{Binary: cfg.Tools.FFprobePath},
		Encoder:   &internal.FFmpegEncoder{Binary: cfg.Tools.FFmpegPath, Logger: logger},
		Publisher: &internal.Uploader{Config: cfg.Storage},

		MaxUploadBytes: cfg.Jobs.MaxUploadBytes,
		MaxConcurrent:  cfg.Jobs.MaxConcurrent,
		Listeners:      listeners,
		Logger:         logger,
	})
	go registry.RunJanitor(ctx, cfg.Jobs.Retention)

	if err := cfg.Storage.Validate(); err != nil {
		logger.Warn().Err(err).Msg("object storage is not configured; conversions will fail at upload")
	}

	server := NewServer(registry, archives, cfg.Jobs.MaxUploadBytes, logger)
	handler, err := server.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	// Start HTTP server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("job registry shutdown error: %w", err)
	}

	logger.Info().Msg("server shutdown complete")
	return nil
}

// openHistory connects to postgres, migrates it and returns a history store
// that enqueues webhooks through an insert-only River client.
func openHistory(ctx context.Context, cfg *internal.DatabaseConfig, logger zerolog.Logger) (*internal.HistoryStore, func(), error) {
	pool, err := internal.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	logger.Info().Msg("running database migrations")
	if err := internal.MigrateUp(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info().Msg("migrations complete")

	// No workers: the server only inserts webhook jobs.
	var riverClient *river.Client[pgx.Tx]
	riverClient, err = river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create river client: %w", err)
	}
	return internal.NewHistoryStore(pool, riverClient), pool.Close, nil
}
