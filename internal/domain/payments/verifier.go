package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kelarsco/sneaklink-sub002/internal/domain/catalog"
	"github.com/kelarsco/sneaklink-sub002/internal/types"
	"github.com/kelarsco/sneaklink-sub002/pkg/observability"
)

// Ensure implementation satisfies the interface
var _ Verifier = (*VerifierImpl)(nil)

// SubscriptionActivator is the state-machine slice the coordinator drives.
type SubscriptionActivator interface {
	Activate(ctx context.Context, attempt *types.PaymentAttempt) (*types.Subscription, error)
	DiscardPending(ctx context.Context, accountID uuid.UUID, planID types.PlanID) error
}

// LimitApplier resets the quota ledger to a plan's limits on activation.
type LimitApplier interface {
	ApplyPlanLimits(ctx context.Context, accountID uuid.UUID, limits types.QuotaLimits, anchor time.Time) error
}

// Verifier reconciles a payment attempt against gateway-reported truth,
// exactly once, even under retries. Callers may retry freely with the same
// reference: terminal results are cached, and concurrent calls for one
// reference collapse into a single gateway lookup.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*types.PaymentAttempt, error)
}

// VerifierImpl provides the implementation for Verifier.
type VerifierImpl struct {
	logger  *slog.Logger
	repo    Repository
	gateway Gateway
	subs    SubscriptionActivator
	quotas  LimitApplier
	catalog *catalog.Catalog

	group         singleflight.Group
	verifyTimeout time.Duration
}

// NewVerifier creates a new payment verification coordinator.
func NewVerifier(
	repo Repository,
	gateway Gateway,
	subs SubscriptionActivator,
	quotas LimitApplier,
	cat *catalog.Catalog,
	verifyTimeout time.Duration,
	logger *slog.Logger,
) *VerifierImpl {
	return &VerifierImpl{
		logger:        logger,
		repo:          repo,
		gateway:       gateway,
		subs:          subs,
		quotas:        quotas,
		catalog:       cat,
		verifyTimeout: verifyTimeout,
	}
}

func (v *VerifierImpl) Verify(ctx context.Context, reference string) (*types.PaymentAttempt, error) {
	ctx, span := otel.Tracer("PaymentVerifier").Start(ctx, "Verify", trace.WithAttributes(
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	l := v.logger.With(slog.String("method", "Verify"), slog.String("reference", reference))
	l.DebugContext(ctx, "Verifying payment attempt")

	attempt, err := v.repo.GetAttempt(ctx, reference)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "Unknown reference")
			return nil, fmt.Errorf("reference %q: %w", reference, types.ErrUnknownReference)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load attempt")
		return nil, err
	}
	if attempt.Status.Terminal() {
		// Idempotent fast path: the verdict is already in, no second crediting.
		l.DebugContext(ctx, "Returning cached verification result", slog.String("status", string(attempt.Status)))
		span.SetStatus(codes.Ok, "Cached result")
		return attempt, nil
	}

	// Duplicate client retries and webhook deliveries attach to the same
	// in-flight check instead of issuing a second gateway call.
	result, err, shared := v.group.Do(reference, func() (any, error) {
		return v.verifyOnce(ctx, attempt)
	})
	if shared {
		l.DebugContext(ctx, "Attached to in-flight verification")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Verification failed")
		return nil, err
	}

	verified := result.(*types.PaymentAttempt)
	span.SetAttributes(attribute.String("payment.status", string(verified.Status)))
	span.SetStatus(codes.Ok, "Verification complete")
	return verified, nil
}

// verifyOnce performs the single in-flight gateway check for an attempt.
func (v *VerifierImpl) verifyOnce(ctx context.Context, attempt *types.PaymentAttempt) (*types.PaymentAttempt, error) {
	l := v.logger.With(slog.String("method", "verifyOnce"), slog.String("reference", attempt.Reference))

	ok, err := v.repo.SetAttemptStatus(ctx, attempt.Reference,
		// A verifying row left behind by an interrupted run is picked up
		// again rather than wedging the attempt forever.
		[]types.PaymentStatus{types.PaymentInitialized, types.PaymentTimedOut, types.PaymentVerifying},
		types.PaymentVerifying,
	)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Raced with a supersede or another verifier's verdict; the stored
		// status is authoritative.
		current, err := v.repo.GetAttempt(ctx, attempt.Reference)
		if err != nil {
			return nil, err
		}
		return current, nil
	}
	attempt.Status = types.PaymentVerifying

	// The gateway budget is owned here, detached from the caller's deadline,
	// so a slow gateway cannot leave the attempt stuck verifying.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.verifyTimeout)
	defer cancel()

	tx, err := v.gateway.LookupTransaction(lookupCtx, attempt.Reference)
	if err != nil {
		// Timed-out is distinct from failed: the attempt stays eligible for a
		// fresh verification without creating a new charge.
		if _, casErr := v.repo.SetAttemptStatus(ctx, attempt.Reference,
			[]types.PaymentStatus{types.PaymentVerifying}, types.PaymentTimedOut); casErr != nil {
			l.ErrorContext(ctx, "Failed to mark attempt timed out", slog.Any("error", casErr))
		}
		observability.PaymentVerifications.WithLabelValues("timed_out").Inc()
		l.WarnContext(ctx, "Gateway lookup failed, attempt marked timed out", slog.Any("error", err))
		if errors.Is(err, types.ErrGatewayTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("gateway lookup for %q: %w", attempt.Reference, types.ErrGatewayTimeout)
	}

	if !strings.EqualFold(tx.Status, "success") {
		return v.fail(ctx, attempt, nil)
	}
	if tx.Amount != attempt.Amount || !strings.EqualFold(tx.Currency, attempt.Currency) {
		// Financial mismatches are surfaced, never silently coerced into an
		// activation.
		l.ErrorContext(ctx, "Gateway amount mismatch",
			slog.Int64("expected", attempt.Amount), slog.Int64("reported", tx.Amount),
			slog.String("expectedCurrency", attempt.Currency), slog.String("reportedCurrency", tx.Currency))
		mismatch := fmt.Errorf("expected %d %s, gateway reported %d %s: %w",
			attempt.Amount, attempt.Currency, tx.Amount, tx.Currency, types.ErrAmountMismatch)
		return v.fail(ctx, attempt, mismatch)
	}

	// Activate before recording the verdict: a crash in between makes the
	// retry re-run the (idempotent) activation instead of losing it.
	sub, err := v.subs.Activate(ctx, attempt)
	if err != nil {
		l.ErrorContext(ctx, "Failed to activate subscription", slog.Any("error", err))
		return nil, fmt.Errorf("error activating subscription for %q: %w", attempt.Reference, err)
	}

	plan, err := v.catalog.Get(attempt.Plan)
	if err != nil {
		return nil, err
	}
	anchor := time.Now().UTC()
	if sub.NextBillingDate != nil {
		anchor = *sub.NextBillingDate
	}
	if err := v.quotas.ApplyPlanLimits(ctx, attempt.AccountID, plan.Limits, anchor); err != nil {
		l.ErrorContext(ctx, "Failed to apply plan limits", slog.Any("error", err))
		return nil, fmt.Errorf("error applying plan limits for %q: %w", attempt.Reference, err)
	}

	if _, err := v.repo.SetAttemptStatus(ctx, attempt.Reference,
		[]types.PaymentStatus{types.PaymentVerifying}, types.PaymentSucceeded); err != nil {
		return nil, err
	}
	attempt.Status = types.PaymentSucceeded

	observability.PaymentVerifications.WithLabelValues("succeeded").Inc()
	l.InfoContext(ctx, "Payment verified, subscription activated",
		slog.String("plan", string(attempt.Plan)), slog.Int64("amount", attempt.Amount))
	return attempt, nil
}

// fail records a terminal failed verdict and reverts a pending enrollment.
// The attempt is returned with verdictErr (nil for a plain gateway decline).
func (v *VerifierImpl) fail(ctx context.Context, attempt *types.PaymentAttempt, verdictErr error) (*types.PaymentAttempt, error) {
	if _, err := v.repo.SetAttemptStatus(ctx, attempt.Reference,
		[]types.PaymentStatus{types.PaymentVerifying}, types.PaymentFailed); err != nil {
		return nil, err
	}
	attempt.Status = types.PaymentFailed

	// Fail-closed: no entitlement was granted, the prior plan state stands.
	if err := v.subs.DiscardPending(ctx, attempt.AccountID, attempt.Plan); err != nil {
		v.logger.ErrorContext(ctx, "Failed to discard pending subscription",
			slog.String("reference", attempt.Reference), slog.Any("error", err))
	}

	observability.PaymentVerifications.WithLabelValues("failed").Inc()
	if verdictErr != nil {
		return attempt, verdictErr
	}
	v.logger.InfoContext(ctx, "Payment verification failed at gateway", slog.String("reference", attempt.Reference))
	return attempt, nil
}
