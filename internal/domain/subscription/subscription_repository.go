package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository is the subscription slice of the account store.
type Repository interface {
	// GetSubscription returns the account's subscription record or ErrNotFound.
	GetSubscription(ctx context.Context, accountID uuid.UUID) (*types.Subscription, error)
	// UpsertSubscription writes the single subscription record for the account.
	UpsertSubscription(ctx context.Context, sub *types.Subscription) error
	// UpdateStatus performs a partial status update, optionally clearing the
	// next billing date.
	UpdateStatus(ctx context.Context, accountID uuid.UUID, status types.SubscriptionStatus, clearNextBilling bool) error
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool *pgxpool.Pool
}

func NewRepositoryImpl(pgpool *pgxpool.Pool, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pgpool,
	}
}

func (r *RepositoryImpl) GetSubscription(ctx context.Context, accountID uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetSubscription", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.account.id", accountID.String()),
	))
	defer span.End()

	query := `
        SELECT account_id, plan, billing_cycle, status, start_date, next_billing_date,
               auto_renew, last_payment_reference, created_at, updated_at
        FROM subscriptions
        WHERE account_id = $1`

	var sub types.Subscription
	err := r.pgpool.QueryRow(ctx, query, accountID).Scan(
		&sub.AccountID,
		&sub.Plan,
		&sub.BillingCycle,
		&sub.Status,
		&sub.StartDate,
		&sub.NextBillingDate,
		&sub.AutoRenew,
		&sub.LastPaymentReference,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Subscription not found")
			return nil, fmt.Errorf("subscription for account %s: %w", accountID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching subscription: %w", err)
	}

	span.SetStatus(codes.Ok, "Subscription fetched")
	return &sub, nil
}

func (r *RepositoryImpl) UpsertSubscription(ctx context.Context, sub *types.Subscription) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "UpsertSubscription", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.account.id", sub.AccountID.String()),
		attribute.String("subscription.status", string(sub.Status)),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "UpsertSubscription"), slog.String("accountID", sub.AccountID.String()))

	query := `
        INSERT INTO subscriptions (account_id, plan, billing_cycle, status, start_date,
                                   next_billing_date, auto_renew, last_payment_reference,
                                   created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, Now(), Now())
        ON CONFLICT (account_id) DO UPDATE SET
            plan = EXCLUDED.plan,
            billing_cycle = EXCLUDED.billing_cycle,
            status = EXCLUDED.status,
            start_date = EXCLUDED.start_date,
            next_billing_date = EXCLUDED.next_billing_date,
            auto_renew = EXCLUDED.auto_renew,
            last_payment_reference = EXCLUDED.last_payment_reference,
            updated_at = Now()`

	_, err := r.pgpool.Exec(ctx, query,
		sub.AccountID,
		sub.Plan,
		sub.BillingCycle,
		sub.Status,
		sub.StartDate,
		sub.NextBillingDate,
		sub.AutoRenew,
		sub.LastPaymentReference,
	)
	if err != nil {
		l.ErrorContext(ctx, "Failed to upsert subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPSERT failed")
		return fmt.Errorf("database error upserting subscription: %w", err)
	}

	span.SetStatus(codes.Ok, "Subscription upserted")
	return nil
}

func (r *RepositoryImpl) UpdateStatus(ctx context.Context, accountID uuid.UUID, status types.SubscriptionStatus, clearNextBilling bool) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "UpdateStatus", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.account.id", accountID.String()),
		attribute.String("subscription.status", string(status)),
	))
	defer span.End()

	updateBuilder := squirrel.Update("subscriptions").
		PlaceholderFormat(squirrel.Dollar).
		Set("status", string(status)).
		Set("updated_at", time.Now()).
		Where(squirrel.Eq{"account_id": accountID})
	if clearNextBilling {
		updateBuilder = updateBuilder.Set("next_billing_date", nil)
	}

	query, args, err := updateBuilder.ToSql()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Query build failed")
		return fmt.Errorf("building status update: %w", err)
	}

	tag, err := r.pgpool.Exec(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update subscription status", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error updating subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Subscription not found")
		return fmt.Errorf("subscription for account %s: %w", accountID, types.ErrNotFound)
	}

	span.SetStatus(codes.Ok, "Status updated")
	return nil
}
