// Package worker runs the engine's background loops: the outbox dispatcher,
// the timeout reaper, the refund consumer, and the health endpoints.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/holdfast-io/holdfast/internal/app"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/eventbus"
)

// Run starts the worker loops and blocks until the context is cancelled.
func Run(ctx context.Context, c *app.Container) error {
	logger := c.Logger
	cfg := c.Config

	if err := c.Dispatcher.Start(ctx); err != nil {
		return err
	}
	defer c.Dispatcher.Stop()

	c.Reaper.Start(ctx)
	defer c.Reaper.Stop()

	// Refund consumer. Without RabbitMQ there is nothing to consume from;
	// the noop publisher already swallowed the events.
	consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
		URL:    cfg.RabbitMQURL,
		Logger: logger,
	}, c.Registry)
	if err != nil {
		if cfg.IsProduction() {
			return err
		}
		logger.Warn("RabbitMQ consumer not available", "error", err)
	} else {
		consumer.RegisterConsumer(c.RefundConsumer)
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consumer stopped", "error", err)
			}
		}()
		defer func() { _ = consumer.Close() }()
	}

	// Outbox retention cleanup.
	cleanupTicker := time.NewTicker(cfg.OutboxCleanupInterval)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				deleted, err := c.OutboxRepo.DeleteCommitted(ctx, cfg.OutboxRetention)
				if err != nil {
					logger.Error("outbox cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					logger.Info("outbox cleanup completed", "deleted", deleted)
				}
			}
		}
	}()

	if cfg.WorkerHealthAddr != "" {
		startHealthServer(ctx, c)
	}

	statsTicker := time.NewTicker(cfg.OutboxStatsInterval)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				stats := c.Dispatcher.GetStats()
				reaperStats := c.Reaper.GetStats()
				logger.Info("worker stats",
					"running", stats.IsRunning,
					"committed", stats.CommittedCount,
					"retried", stats.RetriedCount,
					"failed", stats.FailedCount,
					"lag_seconds", stats.LagSeconds,
					"oldest_entry_at", stats.OldestEntryAt,
					"last_error", stats.LastError,
					"reaped", reaperStats.ReapedCount,
					"lost_races", reaperStats.LostRaces,
					"stuck", reaperStats.StuckCount,
				)
			}
		}
	}()

	logger.Info("worker running")
	<-ctx.Done()
	logger.Info("shutting down worker")
	return nil
}

func startHealthServer(ctx context.Context, c *app.Container) {
	logger := c.Logger

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := c.Dispatcher.GetStats()
		reaperStats := c.Reaper.GetStats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"running":    stats.IsRunning,
			"committed":  stats.CommittedCount,
			"retried":    stats.RetriedCount,
			"failed":     stats.FailedCount,
			"last_error": stats.LastError,
			"reaped":     reaperStats.ReapedCount,
			"stuck":      reaperStats.StuckCount,
		})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := c.Pool.Ping(checkCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
	})

	healthSrv := &http.Server{
		Addr:              c.Config.WorkerHealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("health server starting", "addr", c.Config.WorkerHealthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()
}
