package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelarsco/sneaklink-sub002/internal/lib"
	"github.com/kelarsco/sneaklink-sub002/internal/types"
	"github.com/kelarsco/sneaklink-sub002/pkg/events"
	"github.com/kelarsco/sneaklink-sub002/pkg/observability"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

// EntitlementSource resolves the quota limits the account is currently
// entitled to.
type EntitlementSource interface {
	EffectiveLimits(ctx context.Context, accountID uuid.UUID) (types.QuotaLimits, error)
}

// BillingAnchorSource provides the date monthly windows anchor to. The zero
// time means no billing anchor; windows then roll on the first of the month.
type BillingAnchorSource interface {
	BillingAnchor(ctx context.Context, accountID uuid.UUID) (time.Time, error)
}

// Service is the usage quota ledger.
type Service interface {
	// TryConsume checks and increments the counter atomically, rolling the
	// window over lazily first. On rejection nothing is mutated and the
	// returned error unwraps to ErrQuotaExceeded.
	TryConsume(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind, amount int64) (int64, error)
	// Balance returns the current counter, applying lazy rollover.
	Balance(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind) (*types.UsageCounter, error)
	// ApplyPlanLimits updates every counter's limit after a plan change. The
	// limit updates immediately; consumed counts carry over and are never
	// clamped backward.
	ApplyPlanLimits(ctx context.Context, accountID uuid.UUID, limits types.QuotaLimits, anchor time.Time) error
}

// ServiceImpl provides the implementation for Service.
type ServiceImpl struct {
	logger       *slog.Logger
	repo         Repository
	entitlements EntitlementSource
	anchors      BillingAnchorSource
	publisher    events.Publisher
	locks        *lib.KeyedMutex
}

// NewService creates a new usage quota ledger instance.
func NewService(
	repo Repository,
	entitlements EntitlementSource,
	anchors BillingAnchorSource,
	publisher events.Publisher,
	logger *slog.Logger,
) *ServiceImpl {
	return &ServiceImpl{
		logger:       logger,
		repo:         repo,
		entitlements: entitlements,
		anchors:      anchors,
		publisher:    publisher,
		locks:        lib.NewKeyedMutex(),
	}
}

func (s *ServiceImpl) TryConsume(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind, amount int64) (int64, error) {
	ctx, span := otel.Tracer("QuotaService").Start(ctx, "TryConsume", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("quota.kind", string(kind)),
		attribute.Int64("quota.amount", amount),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "TryConsume"),
		slog.String("accountID", accountID.String()), slog.String("kind", string(kind)))

	if !kind.Valid() {
		span.SetStatus(codes.Error, "Unknown quota kind")
		return 0, fmt.Errorf("unknown quota kind %q", kind)
	}
	if amount <= 0 {
		span.SetStatus(codes.Error, "Invalid amount")
		return 0, fmt.Errorf("consume amount must be positive, got %d", amount)
	}

	unlock := s.locks.Lock(lockKey(accountID, kind))
	defer unlock()

	counter, err := s.ensureCurrent(ctx, accountID, kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load counter")
		return 0, err
	}

	remaining, ok, err := s.repo.ConsumeAtomic(ctx, accountID, kind, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to consume quota")
		return 0, err
	}
	if !ok {
		observability.QuotaRejections.WithLabelValues(string(kind)).Inc()
		s.publish(ctx, types.EventQuotaExceeded, accountID, map[string]any{
			"kind": string(kind), "limit": counter.Limit, "used": counter.Count,
		})
		l.InfoContext(ctx, "Quota exceeded",
			slog.Int64("limit", counter.Limit), slog.Int64("used", counter.Count))
		span.SetStatus(codes.Error, "Quota exceeded")
		return 0, &types.QuotaExceededError{Kind: kind, Limit: counter.Limit, Used: counter.Count}
	}

	span.SetAttributes(attribute.Int64("quota.remaining", remaining))
	span.SetStatus(codes.Ok, "Quota consumed")
	return remaining, nil
}

func (s *ServiceImpl) Balance(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind) (*types.UsageCounter, error) {
	ctx, span := otel.Tracer("QuotaService").Start(ctx, "Balance", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("quota.kind", string(kind)),
	))
	defer span.End()

	if !kind.Valid() {
		span.SetStatus(codes.Error, "Unknown quota kind")
		return nil, fmt.Errorf("unknown quota kind %q", kind)
	}

	unlock := s.locks.Lock(lockKey(accountID, kind))
	defer unlock()

	counter, err := s.ensureCurrent(ctx, accountID, kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load counter")
		return nil, err
	}

	span.SetStatus(codes.Ok, "Balance read")
	return counter, nil
}

func (s *ServiceImpl) ApplyPlanLimits(ctx context.Context, accountID uuid.UUID, limits types.QuotaLimits, anchor time.Time) error {
	ctx, span := otel.Tracer("QuotaService").Start(ctx, "ApplyPlanLimits", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ApplyPlanLimits"), slog.String("accountID", accountID.String()))

	now := time.Now().UTC()
	for _, kind := range []types.QuotaKind{types.QuotaQueries, types.QuotaExports, types.QuotaCopies} {
		limit := limitFor(limits, kind)

		unlock := s.locks.Lock(lockKey(accountID, kind))
		counter, err := s.repo.GetCounter(ctx, accountID, kind)
		switch {
		case errors.Is(err, types.ErrNotFound):
			fresh := s.newCounter(accountID, kind, limit, now, anchor)
			err = s.repo.UpsertCounter(ctx, fresh)
		case err == nil:
			// Counts carry over across plan changes; only the ceiling moves.
			counter.Limit = limit
			if kind.Window() == types.WindowMonthly && !anchor.IsZero() {
				counter.WindowStart, counter.WindowEnd = monthlyWindow(now, anchor.Day())
			}
			err = s.repo.UpsertCounter(ctx, counter)
		}
		unlock()
		if err != nil {
			l.ErrorContext(ctx, "Failed to apply plan limit",
				slog.String("kind", string(kind)), slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to apply plan limits")
			return fmt.Errorf("error applying %s limit: %w", kind, err)
		}
	}

	l.InfoContext(ctx, "Plan limits applied")
	span.SetStatus(codes.Ok, "Plan limits applied")
	return nil
}

// ensureCurrent loads the counter, creating it or rolling it over lazily when
// its window has passed. Callers must hold the account+kind lock.
func (s *ServiceImpl) ensureCurrent(ctx context.Context, accountID uuid.UUID, kind types.QuotaKind) (*types.UsageCounter, error) {
	limits, err := s.entitlements.EffectiveLimits(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("error resolving entitlements: %w", err)
	}
	limit := limitFor(limits, kind)

	now := time.Now().UTC()
	counter, err := s.repo.GetCounter(ctx, accountID, kind)
	if errors.Is(err, types.ErrNotFound) {
		anchor, anchorErr := s.anchors.BillingAnchor(ctx, accountID)
		if anchorErr != nil {
			return nil, fmt.Errorf("error resolving billing anchor: %w", anchorErr)
		}
		counter = s.newCounter(accountID, kind, limit, now, anchor)
		if err := s.repo.UpsertCounter(ctx, counter); err != nil {
			return nil, err
		}
		return counter, nil
	}
	if err != nil {
		return nil, err
	}

	if !now.Before(counter.WindowEnd) {
		// Lazy rollover: fresh window, zero count, before the request is
		// evaluated. No background sweep ever touches counters.
		anchor, anchorErr := s.anchors.BillingAnchor(ctx, accountID)
		if anchorErr != nil {
			return nil, fmt.Errorf("error resolving billing anchor: %w", anchorErr)
		}
		rolled := s.newCounter(accountID, kind, limit, now, anchor)
		if err := s.repo.UpsertCounter(ctx, rolled); err != nil {
			return nil, err
		}
		return rolled, nil
	}

	if counter.Limit != limit {
		if err := s.repo.SetLimit(ctx, accountID, kind, limit); err != nil {
			return nil, err
		}
		counter.Limit = limit
	}
	return counter, nil
}

func (s *ServiceImpl) newCounter(accountID uuid.UUID, kind types.QuotaKind, limit int64, now, anchor time.Time) *types.UsageCounter {
	var start, end time.Time
	if kind.Window() == types.WindowMonthly {
		anchorDay := 1
		if !anchor.IsZero() {
			anchorDay = anchor.Day()
		}
		start, end = monthlyWindow(now, anchorDay)
	} else {
		start, end = dailyWindow(now)
	}
	return &types.UsageCounter{
		AccountID:   accountID,
		Kind:        kind,
		WindowStart: start,
		WindowEnd:   end,
		Count:       0,
		Limit:       limit,
	}
}

func (s *ServiceImpl) publish(ctx context.Context, name string, accountID uuid.UUID, payload map[string]any) {
	event := types.Event{Name: name, AccountID: accountID, OccurredAt: time.Now().UTC(), Payload: payload}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", slog.String("event", name), slog.Any("error", err))
	}
}

func limitFor(limits types.QuotaLimits, kind types.QuotaKind) int64 {
	switch kind {
	case types.QuotaQueries:
		return limits.QueriesPerMonth
	case types.QuotaExports:
		return limits.ExportsPerDay
	default:
		return limits.CopiesPerDay
	}
}

func lockKey(accountID uuid.UUID, kind types.QuotaKind) string {
	return accountID.String() + ":" + string(kind)
}
