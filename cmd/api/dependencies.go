package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kelarsco/sneaklink-sub002/internal/domain/catalog"
	"github.com/kelarsco/sneaklink-sub002/internal/domain/devices"
	"github.com/kelarsco/sneaklink-sub002/internal/domain/entitlements"
	"github.com/kelarsco/sneaklink-sub002/internal/domain/payments"
	"github.com/kelarsco/sneaklink-sub002/internal/domain/quota"
	"github.com/kelarsco/sneaklink-sub002/internal/domain/reconcile"
	"github.com/kelarsco/sneaklink-sub002/internal/domain/subscription"
	"github.com/kelarsco/sneaklink-sub002/pkg/config"
	"github.com/kelarsco/sneaklink-sub002/pkg/db"
	"github.com/kelarsco/sneaklink-sub002/pkg/events"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	Publisher events.Publisher
	Catalog   *catalog.Catalog
	Gateway   payments.Gateway

	// Repositories
	SubscriptionRepo subscription.Repository
	PaymentRepo      payments.Repository
	QuotaRepo        quota.Repository
	DeviceRepo       devices.Repository

	// Services
	SubscriptionSvc subscription.Service
	Verifier        payments.Verifier
	ReconcileSvc    reconcile.Service
	QuotaSvc        quota.Service
	DeviceSvc       devices.Service
	Entitlements    entitlements.Service
}

// lazyInvalidator defers the entitlement cache binding: the subscription
// service needs an invalidator at construction time, but the entitlement
// service reads subscriptions, so it is built second.
type lazyInvalidator struct {
	target entitlements.Service
}

func (l *lazyInvalidator) Invalidate(accountID uuid.UUID) {
	if l.target != nil {
		l.target.Invalidate(accountID)
	}
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Database
	database, err := db.New(ctx, db.Config{
		DSN:             cfg.Database.DSN(),
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps.DB = database

	if err := database.RunMigrations(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Event publisher: RabbitMQ when configured, log-only otherwise
	if cfg.Events.AMQPURL != "" {
		publisher, err := events.NewRabbitMQPublisher(cfg.Events.AMQPURL, logger)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
		}
		deps.Publisher = publisher
	} else {
		logger.Warn("AMQP_URL not set, lifecycle events will only be logged")
		deps.Publisher = events.NewLogPublisher(logger)
	}

	deps.Catalog = catalog.New()
	deps.Gateway = payments.NewHTTPGateway(
		cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.HealthTimeout, logger)

	// Repositories
	deps.SubscriptionRepo = subscription.NewRepositoryImpl(database.Pool, logger)
	deps.PaymentRepo = payments.NewRepositoryImpl(database.Pool, logger)
	deps.QuotaRepo = quota.NewRepositoryImpl(database.Pool, logger)
	deps.DeviceRepo = devices.NewRepositoryImpl(database.Pool, logger)

	// Services. The subscription service and the entitlement cache reference
	// each other, so the invalidator is bound after both exist.
	invalidator := &lazyInvalidator{}
	warnWindow := time.Duration(cfg.Billing.ExpiryWarningDays) * 24 * time.Hour

	subscriptionSvc := subscription.NewService(
		deps.SubscriptionRepo,
		deps.PaymentRepo,
		deps.Gateway,
		deps.Catalog,
		deps.Publisher,
		invalidator,
		cfg.Billing.Currency,
		warnWindow,
		logger,
	)
	deps.SubscriptionSvc = subscriptionSvc

	entitlementSvc := entitlements.NewService(
		subscriptionSvc, deps.Catalog, cfg.Billing.EntitlementCacheTTL, logger)
	invalidator.target = entitlementSvc
	deps.Entitlements = entitlementSvc

	deps.QuotaSvc = quota.NewService(
		deps.QuotaRepo, entitlementSvc, subscriptionSvc, deps.Publisher, logger)

	deps.Verifier = payments.NewVerifier(
		deps.PaymentRepo,
		deps.Gateway,
		subscriptionSvc,
		deps.QuotaSvc,
		deps.Catalog,
		cfg.Gateway.VerifyTimeout,
		logger,
	)

	deps.ReconcileSvc = reconcile.NewService(
		deps.PaymentRepo, deps.Gateway, subscriptionSvc, cfg.Gateway.VerifyTimeout, logger)

	deps.DeviceSvc = devices.NewService(
		deps.DeviceRepo, entitlementSvc, deps.Publisher, logger)

	logger.Info("Dependencies initialized")
	return deps, nil
}

// Close releases held resources in reverse initialization order.
func (d *Dependencies) Close() {
	if d.Publisher != nil {
		if err := d.Publisher.Close(); err != nil {
			d.Logger.Warn("error closing event publisher", slog.Any("error", err))
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
