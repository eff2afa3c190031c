package subscription

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

	"github.com/kelarsco/sneaklink-sub002/internal/domain/catalog"
	"github.com/kelarsco/sneaklink-sub002/internal/lib"
	"github.com/kelarsco/sneaklink-sub002/internal/types"
	"github.com/kelarsco/sneaklink-sub002/pkg/events"
	"github.com/kelarsco/sneaklink-sub002/pkg/observability"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

// AttemptStore is the payment-attempt slice the state machine needs: creating
// the attempt for a newly pending subscription and superseding stale ones so
// only a single attempt is ever in flight per account.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *types.PaymentAttempt) error
	SupersedePending(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// ChargeInitializer opens a charge at the payment gateway.
type ChargeInitializer interface {
	InitializeCharge(ctx context.Context, amount int64, currency string, accountRef string) (*types.GatewayCharge, error)
}

// EntitlementInvalidator drops an account's cached entitlements after a
// lifecycle transition.
type EntitlementInvalidator interface {
	Invalidate(accountID uuid.UUID)
}

// Service owns the subscription lifecycle for a single account.
type Service interface {
	// SelectPlan validates the requested plan, supersedes any in-flight
	// attempt, opens a gateway charge and moves the subscription to pending.
	// The returned attempt carries the gateway reference and redirect URL.
	// Selecting the free tier enrolls immediately and returns a nil attempt.
	SelectPlan(ctx context.Context, accountID uuid.UUID, planID types.PlanID, cycle types.BillingCycle) (*types.PaymentAttempt, error)
	// ToggleAutoRenew flips auto-renew on an active/expiring subscription and
	// returns the new value; on other states it is a no-op returning the
	// current value.
	ToggleAutoRenew(ctx context.Context, accountID uuid.UUID) (bool, error)
	// Current returns the subscription after applying lazy time-based
	// transitions (active→expiring, expiring/active→cancelled).
	Current(ctx context.Context, accountID uuid.UUID) (*types.Subscription, error)
	// Activate is called by the payment verifier on confirmed success.
	Activate(ctx context.Context, attempt *types.PaymentAttempt) (*types.Subscription, error)
	// DiscardPending reverts a pending enrollment after a failed or
	// mismatched verification. A live paid plan is left untouched.
	DiscardPending(ctx context.Context, accountID uuid.UUID, planID types.PlanID) error
	// MarkRefunded transitions the subscription to refunded and revokes
	// entitlements. Called by the reconciler.
	MarkRefunded(ctx context.Context, accountID uuid.UUID, reference string) error
	// BillingAnchor returns the date monthly quota windows anchor to.
	// The zero time means the account has no billing anchor.
	BillingAnchor(ctx context.Context, accountID uuid.UUID) (time.Time, error)
}

// ServiceImpl provides the implementation for Service.
type ServiceImpl struct {
	logger      *slog.Logger
	repo        Repository
	attempts    AttemptStore
	gateway     ChargeInitializer
	catalog     *catalog.Catalog
	publisher   events.Publisher
	invalidator EntitlementInvalidator
	locks       *lib.KeyedMutex

	currency   string
	warnWindow time.Duration
}

// NewService creates a new subscription state machine instance.
func NewService(
	repo Repository,
	attempts AttemptStore,
	gateway ChargeInitializer,
	cat *catalog.Catalog,
	publisher events.Publisher,
	invalidator EntitlementInvalidator,
	currency string,
	warnWindow time.Duration,
	logger *slog.Logger,
) *ServiceImpl {
	return &ServiceImpl{
		logger:      logger,
		repo:        repo,
		attempts:    attempts,
		gateway:     gateway,
		catalog:     cat,
		publisher:   publisher,
		invalidator: invalidator,
		locks:       lib.NewKeyedMutex(),
		currency:    currency,
		warnWindow:  warnWindow,
	}
}

func (s *ServiceImpl) SelectPlan(ctx context.Context, accountID uuid.UUID, planID types.PlanID, cycle types.BillingCycle) (*types.PaymentAttempt, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "SelectPlan", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("plan.id", string(planID)),
		attribute.String("billing.cycle", string(cycle)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "SelectPlan"),
		slog.String("accountID", accountID.String()), slog.String("plan", string(planID)))
	l.DebugContext(ctx, "Selecting plan")

	plan, err := s.catalog.Get(planID)
	if err != nil {
		span.SetStatus(codes.Error, "Invalid plan")
		return nil, err
	}
	if !cycle.Valid() {
		span.SetStatus(codes.Error, "Invalid billing cycle")
		return nil, fmt.Errorf("billing cycle %q: %w", cycle, types.ErrInvalidPlan)
	}

	// Superseding the prior attempt and creating the new one must be observed
	// atomically by any concurrent verifier.
	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	cur, err := s.repo.GetSubscription(ctx, accountID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load subscription")
		return nil, fmt.Errorf("error loading subscription: %w", err)
	}
	if cur != nil && cur.Status == types.SubscriptionActive &&
		cur.Plan == planID && cur.BillingCycle == cycle && cur.AutoRenew {
		span.SetStatus(codes.Error, "Already on plan")
		return nil, fmt.Errorf("account %s already on %s/%s: %w", accountID, planID, cycle, types.ErrAlreadyOnPlan)
	}

	superseded, err := s.attempts.SupersedePending(ctx, accountID)
	if err != nil {
		l.ErrorContext(ctx, "Failed to supersede prior attempts", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to supersede prior attempts")
		return nil, fmt.Errorf("error superseding prior attempts: %w", err)
	}
	if superseded > 0 {
		l.InfoContext(ctx, "Superseded prior payment attempts", slog.Int64("count", superseded))
	}

	now := time.Now().UTC()
	price := plan.Price(cycle)
	if price == 0 {
		// The free tier has nothing to charge; enroll directly.
		sub := s.buildEnrollment(cur, accountID, planID, cycle, now, "")
		sub.Status = types.SubscriptionActive
		if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to enroll free plan")
			return nil, fmt.Errorf("error enrolling free plan: %w", err)
		}
		s.invalidator.Invalidate(accountID)
		s.publish(ctx, types.EventSubscriptionActivated, accountID, map[string]any{
			"plan": string(planID), "billing_cycle": string(cycle),
		})
		l.InfoContext(ctx, "Free plan enrolled")
		span.SetStatus(codes.Ok, "Free plan enrolled")
		return nil, nil
	}

	charge, err := s.gateway.InitializeCharge(ctx, price, s.currency, accountID.String())
	if err != nil {
		l.ErrorContext(ctx, "Failed to initialize gateway charge", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Gateway initialize failed")
		return nil, fmt.Errorf("error initializing charge: %w", err)
	}

	attempt := &types.PaymentAttempt{
		Reference:    charge.Reference,
		AccountID:    accountID,
		Plan:         planID,
		BillingCycle: cycle,
		Amount:       price,
		Currency:     s.currency,
		Status:       types.PaymentInitialized,
		RedirectURL:  charge.RedirectURL,
	}
	if err := s.attempts.CreateAttempt(ctx, attempt); err != nil {
		l.ErrorContext(ctx, "Failed to record payment attempt", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record payment attempt")
		return nil, fmt.Errorf("error recording payment attempt: %w", err)
	}

	// A live paid plan keeps its entitlements until the new charge verifies;
	// only unentitled accounts show as pending.
	if cur == nil || !cur.Status.Entitled() {
		sub := s.buildEnrollment(cur, accountID, planID, cycle, now, charge.Reference)
		sub.Status = types.SubscriptionPending
		if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to store pending subscription")
			return nil, fmt.Errorf("error storing pending subscription: %w", err)
		}
	}

	l.InfoContext(ctx, "Plan selected, payment attempt created",
		slog.String("reference", attempt.Reference), slog.Int64("amount", price))
	span.SetAttributes(attribute.String("payment.reference", attempt.Reference))
	span.SetStatus(codes.Ok, "Plan selected")
	return attempt, nil
}

func (s *ServiceImpl) ToggleAutoRenew(ctx context.Context, accountID uuid.UUID) (bool, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "ToggleAutoRenew", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ToggleAutoRenew"), slog.String("accountID", accountID.String()))

	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	sub, err := s.currentLocked(ctx, accountID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "No subscription")
			return false, fmt.Errorf("account %s: %w", accountID, types.ErrNoActiveSubscription)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load subscription")
		return false, err
	}
	if !sub.Status.Entitled() {
		l.DebugContext(ctx, "Auto-renew toggle ignored, subscription not active", slog.String("status", string(sub.Status)))
		span.SetStatus(codes.Ok, "No-op, subscription not active")
		return sub.AutoRenew, nil
	}

	sub.AutoRenew = !sub.AutoRenew
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		l.ErrorContext(ctx, "Failed to persist auto-renew toggle", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to persist toggle")
		return false, fmt.Errorf("error toggling auto-renew: %w", err)
	}

	l.InfoContext(ctx, "Auto-renew toggled", slog.Bool("autoRenew", sub.AutoRenew))
	span.SetStatus(codes.Ok, "Auto-renew toggled")
	return sub.AutoRenew, nil
}

func (s *ServiceImpl) Current(ctx context.Context, accountID uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "Current", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
	))
	defer span.End()

	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	sub, err := s.currentLocked(ctx, accountID)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to load subscription")
		return nil, err
	}
	span.SetStatus(codes.Ok, "Subscription loaded")
	return sub, nil
}

// currentLocked loads the subscription and applies lazy time-based
// transitions. Callers must hold the account lock.
func (s *ServiceImpl) currentLocked(ctx context.Context, accountID uuid.UUID) (*types.Subscription, error) {
	sub, err := s.repo.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if sub.NextBillingDate == nil {
		return sub, nil
	}

	switch {
	case sub.Status.Entitled() && now.After(*sub.NextBillingDate):
		// The billing date passed with no renewal payment observed.
		if err := s.repo.UpdateStatus(ctx, accountID, types.SubscriptionCancelled, true); err != nil {
			return nil, fmt.Errorf("error lapsing subscription: %w", err)
		}
		sub.Status = types.SubscriptionCancelled
		sub.NextBillingDate = nil
		s.invalidator.Invalidate(accountID)
		s.logger.InfoContext(ctx, "Subscription lapsed to cancelled", slog.String("accountID", accountID.String()))
	case sub.Status == types.SubscriptionActive && !sub.AutoRenew &&
		now.Add(s.warnWindow).After(*sub.NextBillingDate):
		if err := s.repo.UpdateStatus(ctx, accountID, types.SubscriptionExpiring, false); err != nil {
			return nil, fmt.Errorf("error marking subscription expiring: %w", err)
		}
		sub.Status = types.SubscriptionExpiring
	}
	return sub, nil
}

func (s *ServiceImpl) Activate(ctx context.Context, attempt *types.PaymentAttempt) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "Activate", trace.WithAttributes(
		attribute.String("account.id", attempt.AccountID.String()),
		attribute.String("payment.reference", attempt.Reference),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Activate"),
		slog.String("accountID", attempt.AccountID.String()), slog.String("reference", attempt.Reference))

	unlock := s.locks.Lock(attempt.AccountID.String())
	defer unlock()

	cur, err := s.repo.GetSubscription(ctx, attempt.AccountID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load subscription")
		return nil, fmt.Errorf("error loading subscription: %w", err)
	}

	now := time.Now().UTC()
	sub := s.buildEnrollment(cur, attempt.AccountID, attempt.Plan, attempt.BillingCycle, now, attempt.Reference)
	sub.Status = types.SubscriptionActive
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		l.ErrorContext(ctx, "Failed to activate subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to activate subscription")
		return nil, fmt.Errorf("error activating subscription: %w", err)
	}

	s.invalidator.Invalidate(attempt.AccountID)
	observability.SubscriptionTransitions.WithLabelValues(string(types.SubscriptionActive)).Inc()
	s.publish(ctx, types.EventSubscriptionActivated, attempt.AccountID, map[string]any{
		"plan":          string(attempt.Plan),
		"billing_cycle": string(attempt.BillingCycle),
		"reference":     attempt.Reference,
		"amount":        attempt.Amount,
	})

	l.InfoContext(ctx, "Subscription activated", slog.String("plan", string(attempt.Plan)))
	span.SetStatus(codes.Ok, "Subscription activated")
	return sub, nil
}

func (s *ServiceImpl) DiscardPending(ctx context.Context, accountID uuid.UUID, planID types.PlanID) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "DiscardPending", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("plan.id", string(planID)),
	))
	defer span.End()

	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	cur, err := s.repo.GetSubscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Ok, "Nothing pending")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load subscription")
		return fmt.Errorf("error loading subscription: %w", err)
	}
	if cur.Status != types.SubscriptionPending || cur.Plan != planID {
		// A concurrent selection or an untouched live plan; nothing to revert.
		span.SetStatus(codes.Ok, "Nothing pending")
		return nil
	}

	if err := s.repo.UpdateStatus(ctx, accountID, types.SubscriptionNone, true); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to discard pending subscription")
		return fmt.Errorf("error discarding pending subscription: %w", err)
	}

	s.logger.InfoContext(ctx, "Pending subscription discarded",
		slog.String("accountID", accountID.String()), slog.String("plan", string(planID)))
	span.SetStatus(codes.Ok, "Pending subscription discarded")
	return nil
}

func (s *ServiceImpl) MarkRefunded(ctx context.Context, accountID uuid.UUID, reference string) error {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "MarkRefunded", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "MarkRefunded"), slog.String("accountID", accountID.String()))

	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	if err := s.repo.UpdateStatus(ctx, accountID, types.SubscriptionRefunded, true); err != nil {
		l.ErrorContext(ctx, "Failed to mark subscription refunded", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to mark subscription refunded")
		return fmt.Errorf("error marking subscription refunded: %w", err)
	}

	s.invalidator.Invalidate(accountID)
	observability.SubscriptionTransitions.WithLabelValues(string(types.SubscriptionRefunded)).Inc()
	s.publish(ctx, types.EventSubscriptionRefunded, accountID, map[string]any{
		"reference": reference,
	})

	l.InfoContext(ctx, "Subscription refunded, entitlements revoked")
	span.SetStatus(codes.Ok, "Subscription refunded")
	return nil
}

func (s *ServiceImpl) BillingAnchor(ctx context.Context, accountID uuid.UUID) (time.Time, error) {
	sub, err := s.repo.GetSubscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if sub.NextBillingDate != nil {
		return *sub.NextBillingDate, nil
	}
	return time.Time{}, nil
}

// buildEnrollment assembles the subscription record for a (re-)enrollment on
// planID. An existing entitled record keeps its start date and auto-renew
// choice; anything else starts a fresh term.
func (s *ServiceImpl) buildEnrollment(cur *types.Subscription, accountID uuid.UUID, planID types.PlanID, cycle types.BillingCycle, now time.Time, reference string) *types.Subscription {
	next := AdvanceCycle(now, cycle)
	sub := &types.Subscription{
		AccountID:            accountID,
		Plan:                 planID,
		BillingCycle:         cycle,
		StartDate:            now,
		NextBillingDate:      &next,
		AutoRenew:            true,
		LastPaymentReference: reference,
	}
	if cur != nil && cur.Status.Entitled() {
		sub.StartDate = cur.StartDate
		sub.AutoRenew = cur.AutoRenew
	}
	return sub
}

func (s *ServiceImpl) publish(ctx context.Context, name string, accountID uuid.UUID, payload map[string]any) {
	event := types.Event{Name: name, AccountID: accountID, OccurredAt: time.Now().UTC(), Payload: payload}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", slog.String("event", name), slog.Any("error", err))
	}
}

// AdvanceCycle returns the next billing date one cycle after from, clamping
// to month end when the anchor day does not exist (Jan 31 + 1 month).
func AdvanceCycle(from time.Time, cycle types.BillingCycle) time.Time {
	var years, months int
	if cycle == types.CycleAnnual {
		years = 1
	} else {
		months = 1
	}
	next := from.AddDate(years, months, 0)
	if next.Day() != from.Day() {
		next = next.AddDate(0, 0, -next.Day())
	}
	return next
}
