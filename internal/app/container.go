// Package app wires the engine's components together for the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/holdfast-io/holdfast/adapter/api"
	bookingApp "github.com/holdfast-io/holdfast/internal/booking/application"
	bookingDomain "github.com/holdfast-io/holdfast/internal/booking/domain"
	bookingPersistence "github.com/holdfast-io/holdfast/internal/booking/infrastructure/persistence"
	"github.com/holdfast-io/holdfast/internal/idempotency"
	paymentApp "github.com/holdfast-io/holdfast/internal/payment/application"
	paymentDomain "github.com/holdfast-io/holdfast/internal/payment/domain"
	"github.com/holdfast-io/holdfast/internal/payment/infrastructure/cache"
	paymentPersistence "github.com/holdfast-io/holdfast/internal/payment/infrastructure/persistence"
	"github.com/holdfast-io/holdfast/internal/payment/infrastructure/provider"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/eventbus"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/outbox"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
	"github.com/holdfast-io/holdfast/pkg/config"
)

// ProviderName identifies the external payment provider in webhook and
// intent records.
const ProviderName = "stripe"

// Container holds the wired components.
type Container struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client

	Publisher      eventbus.Publisher
	OutboxRepo     *outbox.PostgresRepository
	Dispatcher     *outbox.Dispatcher
	Registry       *eventbus.ConsumerRegistry
	RefundConsumer *paymentApp.RefundConsumer

	Reservations *bookingApp.ReservationService
	Intents      *paymentApp.IntentService
	Guard        *paymentApp.WebhookGuard
	Reaper       *bookingApp.Reaper
	Migrator     *persistence.Migrator

	Slots           bookingDomain.SlotRepository
	ReservationRepo bookingDomain.ReservationRepository
	IntentRepo      paymentDomain.IntentRepository
}

// NewContainer connects the backing services and wires the application.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	migrator, err := persistence.NewMigrator(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Pool:     pool,
		Migrator: migrator,
	}

	// Broker. Development mode falls back to a noop publisher.
	rabbitPublisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		if cfg.IsProduction() {
			pool.Close()
			return nil, fmt.Errorf("connect RabbitMQ: %w", err)
		}
		logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
		c.Publisher = eventbus.NewNoopPublisher(logger)
	} else {
		c.Publisher = rabbitPublisher
	}

	// Advisory webhook dedup cache. Redis down is tolerable; the durable
	// registry still rejects duplicates.
	var deduper paymentApp.EventDeduper
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err == nil {
		c.Redis = redis.NewClient(redisOpts)
		if pingErr := c.Redis.Ping(ctx).Err(); pingErr != nil {
			logger.Warn("Redis not available, webhook dedup falls back to database", "error", pingErr)
			_ = c.Redis.Close()
			c.Redis = nil
		}
	}
	if c.Redis != nil {
		deduper = cache.NewRedisEventDeduper(c.Redis, cfg.WebhookDedupTTL)
	} else {
		deduper = cache.NewInMemoryEventDeduper()
	}

	// Payment provider adapter.
	var paymentProvider paymentDomain.Provider
	if cfg.ProviderAPIKey != "" {
		paymentProvider = provider.NewHTTPProvider(provider.HTTPProviderConfig{
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
		}, logger)
	} else {
		logger.Warn("no provider API key configured, using fake provider")
		paymentProvider = provider.NewFakeProvider()
	}

	// Repositories.
	slots := bookingPersistence.NewPostgresSlotRepository(pool)
	reservationRepo := bookingPersistence.NewPostgresReservationRepository(pool)
	transitionLog := bookingPersistence.NewPostgresTransitionLog(pool)
	intentRepo := paymentPersistence.NewPostgresIntentRepository(pool)
	registry := paymentPersistence.NewPostgresWebhookEventRegistry(pool)
	auditLog := paymentPersistence.NewPostgresAuditLog(pool)
	ledger := idempotency.NewPostgresLedger(pool)
	c.OutboxRepo = outbox.NewPostgresRepository(pool)
	c.Slots = slots
	c.ReservationRepo = reservationRepo
	c.IntentRepo = intentRepo

	uow := persistence.NewPostgresUnitOfWork(pool)

	// Application services.
	c.Reservations = bookingApp.NewReservationService(
		slots, reservationRepo, intentRepo, ledger, c.OutboxRepo, transitionLog, uow, logger)
	c.Intents = paymentApp.NewIntentService(intentRepo, paymentProvider, logger)
	c.Guard = paymentApp.NewWebhookGuard(
		deduper, registry, intentRepo, reservationRepo, slots, transitionLog,
		c.OutboxRepo, auditLog, uow, logger)

	// Workers.
	c.Dispatcher = outbox.NewDispatcher(c.OutboxRepo, c.Publisher, outbox.DispatcherConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
		LeaseGrace:   cfg.OutboxLeaseGrace,
	}, logger)
	c.Reaper = bookingApp.NewReaper(
		reservationRepo, slots, intentRepo, c.OutboxRepo, transitionLog, uow,
		bookingApp.ReaperConfig{
			Interval:       cfg.ReaperInterval,
			HoldTTL:        cfg.HoldTTL,
			StuckThreshold: cfg.StuckThreshold,
			BatchSize:      100,
		}, logger)

	c.Registry = eventbus.NewConsumerRegistry(logger)
	c.RefundConsumer = paymentApp.NewRefundConsumer(c.Intents, logger)

	return c, nil
}

// NewAPIServer builds the HTTP server from the container.
func (c *Container) NewAPIServer() *api.Server {
	reservationHandler := api.NewReservationHandler(c.Reservations, c.Intents, c.Logger)
	webhookHandler := api.NewWebhookHandler(c.Guard, c.Config.ProviderWebhookSecret, ProviderName, c.Logger)
	opsHandler := api.NewOpsHandler(c.Dispatcher, c.Reaper, c.Logger)

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = c.Config.HTTPAddr
	return api.NewServer(serverCfg, reservationHandler, webhookHandler, opsHandler, c.Logger)
}

// Close releases the container's connections.
func (c *Container) Close() {
	if c.Migrator != nil {
		_ = c.Migrator.Close()
	}
	if c.Publisher != nil {
		_ = c.Publisher.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
