package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

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

// Repository is the usage-counter slice of the account store.
type Repository interface {
	// GetCounter returns the counter for the account and kind or ErrNotFound.
	GetCounter(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind) (*types.UsageCounter, error)
	// UpsertCounter writes the counter row, replacing window bounds, count
	// and limit.
	UpsertCounter(ctx context.Context, counter *types.UsageCounter) error
	// ConsumeAtomic adds amount to the counter only if the limit holds, as a
	// single conditional update. Returns the remaining balance and whether
	// the increment was applied.
	ConsumeAtomic(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind, amount int64) (int64, bool, error)
	// SetLimit updates the limit in place; the count carries over.
	SetLimit(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind, limit int64) error
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

func (r *RepositoryImpl) GetCounter(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind) (*types.UsageCounter, error) {
	ctx, span := otel.Tracer("QuotaRepo").Start(ctx, "GetCounter", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "usage_counters"),
		attribute.String("db.account.id", accountID.String()),
		attribute.String("quota.kind", string(kind)),
	))
	defer span.End()

	query := `
        SELECT account_id, kind, window_start, window_end, count, "limit"
        FROM usage_counters
        WHERE account_id = $1 AND kind = $2`

	var c types.UsageCounter
	err := r.pgpool.QueryRow(ctx, query, accountID, kind).Scan(
		&c.AccountID,
		&c.Kind,
		&c.WindowStart,
		&c.WindowEnd,
		&c.Count,
		&c.Limit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Counter not found")
			return nil, fmt.Errorf("counter %s/%s: %w", accountID, kind, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch usage counter", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching counter: %w", err)
	}

	span.SetStatus(codes.Ok, "Counter fetched")
	return &c, nil
}

func (r *RepositoryImpl) UpsertCounter(ctx context.Context, counter *types.UsageCounter) error {
	ctx, span := otel.Tracer("QuotaRepo").Start(ctx, "UpsertCounter", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "usage_counters"),
		attribute.String("db.account.id", counter.AccountID.String()),
		attribute.String("quota.kind", string(counter.Kind)),
	))
	defer span.End()

	query := `
        INSERT INTO usage_counters (account_id, kind, window_start, window_end, count, "limit", updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, Now())
        ON CONFLICT (account_id, kind) DO UPDATE SET
            window_start = EXCLUDED.window_start,
            window_end = EXCLUDED.window_end,
            count = EXCLUDED.count,
            "limit" = EXCLUDED."limit",
            updated_at = Now()`

	_, err := r.pgpool.Exec(ctx, query,
		counter.AccountID,
		counter.Kind,
		counter.WindowStart,
		counter.WindowEnd,
		counter.Count,
		counter.Limit,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to upsert usage counter", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPSERT failed")
		return fmt.Errorf("database error upserting counter: %w", err)
	}

	span.SetStatus(codes.Ok, "Counter upserted")
	return nil
}

func (r *RepositoryImpl) ConsumeAtomic(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind, amount int64) (int64, bool, error) {
	ctx, span := otel.Tracer("QuotaRepo").Start(ctx, "ConsumeAtomic", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "usage_counters"),
		attribute.String("db.account.id", accountID.String()),
		attribute.String("quota.kind", string(kind)),
		attribute.Int64("quota.amount", amount),
	))
	defer span.End()

	// Single conditional read-modify-write: two racers on one remaining slot
	// cannot both pass.
	query := `
        UPDATE usage_counters
        SET count = count + $3, updated_at = Now()
        WHERE account_id = $1 AND kind = $2 AND count + $3 <= "limit"
        RETURNING "limit" - count`

	var remaining int64
	err := r.pgpool.QueryRow(ctx, query, accountID, kind, amount).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "Limit reached, no mutation")
			return 0, false, nil
		}
		r.logger.ErrorContext(ctx, "Failed to consume quota", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return 0, false, fmt.Errorf("database error consuming quota: %w", err)
	}

	span.SetAttributes(attribute.Int64("quota.remaining", remaining))
	span.SetStatus(codes.Ok, "Quota consumed")
	return remaining, true, nil
}

func (r *RepositoryImpl) SetLimit(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind, limit int64) error {
	ctx, span := otel.Tracer("QuotaRepo").Start(ctx, "SetLimit", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "usage_counters"),
		attribute.String("db.account.id", accountID.String()),
		attribute.String("quota.kind", string(kind)),
		attribute.Int64("quota.limit", limit),
	))
	defer span.End()

	query := `
        UPDATE usage_counters
        SET "limit" = $3, updated_at = Now()
        WHERE account_id = $1 AND kind = $2`

	if _, err := r.pgpool.Exec(ctx, query, accountID, kind, limit); err != nil {
		r.logger.ErrorContext(ctx, "Failed to set counter limit", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error setting counter limit: %w", err)
	}

	span.SetStatus(codes.Ok, "Limit set")
	return nil
}
