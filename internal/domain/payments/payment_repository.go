package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

var _ Repository = (*RepositoryImpl)(nil)

// PgxPool is the pool surface the repository needs; satisfied by
// *pgxpool.Pool and by pgxmock in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists payment attempts and dispute/refund cases.
type Repository interface {
	CreateAttempt(ctx context.Context, attempt *types.PaymentAttempt) error
	// GetAttempt returns the attempt by its opaque gateway reference.
	GetAttempt(ctx context.Context, reference string) (*types.PaymentAttempt, error)
	// SetAttemptStatus transitions the attempt from any of the given statuses
	// to the target. Returns false when the current status did not match, so
	// callers can CAS-loop or bail.
	SetAttemptStatus(ctx context.Context, reference string, from []types.PaymentStatus, to types.PaymentStatus) (bool, error)
	// SupersedePending marks every non-terminal attempt for the account as
	// failed, enforcing single-attempt-in-flight.
	SupersedePending(ctx context.Context, accountID uuid.UUID) (int64, error)

	CreateDispute(ctx context.Context, dispute *types.DisputeOrRefund) error
	GetDispute(ctx context.Context, id uuid.UUID) (*types.DisputeOrRefund, error)
	ResolveDispute(ctx context.Context, id uuid.UUID, resolution types.DisputeResolution) error
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool PgxPool
}

func NewRepositoryImpl(pgpool PgxPool, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pgpool,
	}
}

func (r *RepositoryImpl) CreateAttempt(ctx context.Context, attempt *types.PaymentAttempt) error {
	ctx, span := otel.Tracer("PaymentRepo").Start(ctx, "CreateAttempt", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "payment_attempts"),
		attribute.String("payment.reference", attempt.Reference),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CreateAttempt"), slog.String("reference", attempt.Reference))

	query := `
        INSERT INTO payment_attempts (reference, account_id, plan, billing_cycle, amount,
                                      currency, status, redirect_url, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, Now(), Now())`

	_, err := r.pgpool.Exec(ctx, query,
		attempt.Reference,
		attempt.AccountID,
		attempt.Plan,
		attempt.BillingCycle,
		attempt.Amount,
		attempt.Currency,
		attempt.Status,
		attempt.RedirectURL,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
			l.WarnContext(ctx, "Duplicate payment reference", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Duplicate reference")
			return fmt.Errorf("payment attempt %q already exists: %w", attempt.Reference, types.ErrConflict)
		}
		l.ErrorContext(ctx, "Failed to insert payment attempt", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error creating payment attempt: %w", err)
	}

	span.SetStatus(codes.Ok, "Attempt created")
	return nil
}

func (r *RepositoryImpl) GetAttempt(ctx context.Context, reference string) (*types.PaymentAttempt, error) {
	ctx, span := otel.Tracer("PaymentRepo").Start(ctx, "GetAttempt", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "payment_attempts"),
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	query := `
        SELECT reference, account_id, plan, billing_cycle, amount, currency, status,
               redirect_url, created_at, updated_at
        FROM payment_attempts
        WHERE reference = $1`

	var attempt types.PaymentAttempt
	err := r.pgpool.QueryRow(ctx, query, reference).Scan(
		&attempt.Reference,
		&attempt.AccountID,
		&attempt.Plan,
		&attempt.BillingCycle,
		&attempt.Amount,
		&attempt.Currency,
		&attempt.Status,
		&attempt.RedirectURL,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Attempt not found")
			return nil, fmt.Errorf("payment attempt %q: %w", reference, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch payment attempt", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching payment attempt: %w", err)
	}

	span.SetStatus(codes.Ok, "Attempt fetched")
	return &attempt, nil
}

func (r *RepositoryImpl) SetAttemptStatus(ctx context.Context, reference string, from []types.PaymentStatus, to types.PaymentStatus) (bool, error) {
	ctx, span := otel.Tracer("PaymentRepo").Start(ctx, "SetAttemptStatus", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "payment_attempts"),
		attribute.String("payment.reference", reference),
		attribute.String("payment.status.to", string(to)),
	))
	defer span.End()

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	query := `
        UPDATE payment_attempts
        SET status = $1, updated_at = Now()
        WHERE reference = $2 AND status = ANY($3)`

	tag, err := r.pgpool.Exec(ctx, query, to, reference, states)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update attempt status", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return false, fmt.Errorf("database error updating attempt status: %w", err)
	}

	span.SetStatus(codes.Ok, "Status update attempted")
	return tag.RowsAffected() > 0, nil
}

func (r *RepositoryImpl) SupersedePending(ctx context.Context, accountID uuid.UUID) (int64, error) {
	ctx, span := otel.Tracer("PaymentRepo").Start(ctx, "SupersedePending", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "payment_attempts"),
		attribute.String("db.account.id", accountID.String()),
	))
	defer span.End()

	query := `
        UPDATE payment_attempts
        SET status = $1, updated_at = Now()
        WHERE account_id = $2 AND status = ANY($3)`

	nonTerminal := []string{
		string(types.PaymentInitialized),
		string(types.PaymentVerifying),
		string(types.PaymentTimedOut),
	}

	tag, err := r.pgpool.Exec(ctx, query, types.PaymentFailed, accountID, nonTerminal)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to supersede pending attempts", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return 0, fmt.Errorf("database error superseding attempts: %w", err)
	}

	span.SetAttributes(attribute.Int64("attempts.superseded", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "Attempts superseded")
	return tag.RowsAffected(), nil
}

func (r *RepositoryImpl) CreateDispute(ctx context.Context, dispute *types.DisputeOrRefund) error {
	ctx, span := otel.Tracer("PaymentRepo").Start(ctx, "CreateDispute", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "disputes"),
		attribute.String("payment.reference", dispute.PaymentReference),
		attribute.String("dispute.kind", string(dispute.Kind)),
	))
	defer span.End()

	query := `
        INSERT INTO disputes (id, payment_reference, kind, amount, reason_note,
                              resolution, created_at, resolved_at)
        VALUES ($1, $2, $3, $4, $5, $6, Now(), $7)`

	_, err := r.pgpool.Exec(ctx, query,
		dispute.ID,
		dispute.PaymentReference,
		dispute.Kind,
		dispute.Amount,
		dispute.ReasonNote,
		dispute.Resolution,
		dispute.ResolvedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert dispute", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error creating dispute: %w", err)
	}

	span.SetStatus(codes.Ok, "Dispute created")
	return nil
}

func (r *RepositoryImpl) GetDispute(ctx context.Context, id uuid.UUID) (*types.DisputeOrRefund, error) {
	ctx, span := otel.Tracer("PaymentRepo").Start(ctx, "GetDispute", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "disputes"),
		attribute.String("dispute.id", id.String()),
	))
	defer span.End()

	query := `
        SELECT id, payment_reference, kind, amount, reason_note, resolution, created_at, resolved_at
        FROM disputes
        WHERE id = $1`

	var d types.DisputeOrRefund
	err := r.pgpool.QueryRow(ctx, query, id).Scan(
		&d.ID,
		&d.PaymentReference,
		&d.Kind,
		&d.Amount,
		&d.ReasonNote,
		&d.Resolution,
		&d.CreatedAt,
		&d.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Dispute not found")
			return nil, fmt.Errorf("dispute %s: %w", id, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch dispute", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching dispute: %w", err)
	}

	span.SetStatus(codes.Ok, "Dispute fetched")
	return &d, nil
}

func (r *RepositoryImpl) ResolveDispute(ctx context.Context, id uuid.UUID, resolution types.DisputeResolution) error {
	ctx, span := otel.Tracer("PaymentRepo").Start(ctx, "ResolveDispute", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "disputes"),
		attribute.String("dispute.id", id.String()),
		attribute.String("dispute.resolution", string(resolution)),
	))
	defer span.End()

	query := `
        UPDATE disputes
        SET resolution = $1, resolved_at = $2
        WHERE id = $3 AND resolution = $4`

	tag, err := r.pgpool.Exec(ctx, query, resolution, time.Now().UTC(), id, types.ResolutionPending)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to resolve dispute", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error resolving dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Dispute not pending")
		return fmt.Errorf("dispute %s is not pending: %w", id, types.ErrConflict)
	}

	span.SetStatus(codes.Ok, "Dispute resolved")
	return nil
}
