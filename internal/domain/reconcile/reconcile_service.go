package reconcile

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

	"github.com/kelarsco/sneaklink-sub002/internal/domain/payments"
	"github.com/kelarsco/sneaklink-sub002/internal/types"
	"github.com/kelarsco/sneaklink-sub002/pkg/observability"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

// SubscriptionRefunder transitions a subscription to refunded and revokes
// its entitlements.
type SubscriptionRefunder interface {
	MarkRefunded(ctx context.Context, accountID uuid.UUID, reference string) error
}

// Service reconciles gateway-reported disputes and admin-initiated refunds
// back into account entitlements.
type Service interface {
	// ApplyRefund refunds up to the original payment amount at the gateway
	// and, on confirmation, transitions the subscription to refunded. Partial
	// refunds still fully revoke the subscription; there is no
	// partial-entitlement state (product decision, not an oversight).
	ApplyRefund(ctx context.Context, accountID uuid.UUID, paymentReference string, amountMinorUnits int64, note string) (*types.DisputeOrRefund, error)
	// RecordDispute stores a pending case from gateway webhook data without
	// touching entitlements; only explicit resolution changes them.
	RecordDispute(ctx context.Context, paymentReference, reasonNote string) (*types.DisputeOrRefund, error)
	// RejectDispute closes a pending case with no side effects.
	RejectDispute(ctx context.Context, disputeID uuid.UUID) error
}

// ServiceImpl provides the implementation for Service.
type ServiceImpl struct {
	logger        *slog.Logger
	repo          payments.Repository
	gateway       payments.Gateway
	subs          SubscriptionRefunder
	refundTimeout time.Duration
}

// NewService creates a new dispute/refund reconciler.
func NewService(
	repo payments.Repository,
	gateway payments.Gateway,
	subs SubscriptionRefunder,
	refundTimeout time.Duration,
	logger *slog.Logger,
) *ServiceImpl {
	return &ServiceImpl{
		logger:        logger,
		repo:          repo,
		gateway:       gateway,
		subs:          subs,
		refundTimeout: refundTimeout,
	}
}

func (s *ServiceImpl) ApplyRefund(ctx context.Context, accountID uuid.UUID, paymentReference string, amountMinorUnits int64, note string) (*types.DisputeOrRefund, error) {
	ctx, span := otel.Tracer("ReconcileService").Start(ctx, "ApplyRefund", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("payment.reference", paymentReference),
		attribute.Int64("refund.amount", amountMinorUnits),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ApplyRefund"),
		slog.String("accountID", accountID.String()), slog.String("reference", paymentReference))
	l.DebugContext(ctx, "Applying refund")

	attempt, err := s.repo.GetAttempt(ctx, paymentReference)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "No such payment")
			return nil, fmt.Errorf("payment %q: %w", paymentReference, types.ErrNoSuchPayment)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load payment attempt")
		return nil, err
	}
	if attempt.AccountID != accountID || attempt.Status != types.PaymentSucceeded {
		span.SetStatus(codes.Error, "No such payment")
		return nil, fmt.Errorf("payment %q for account %s: %w", paymentReference, accountID, types.ErrNoSuchPayment)
	}
	if amountMinorUnits <= 0 {
		span.SetStatus(codes.Error, "Invalid refund amount")
		return nil, fmt.Errorf("refund amount must be positive, got %d", amountMinorUnits)
	}
	if amountMinorUnits > attempt.Amount {
		span.SetStatus(codes.Error, "Refund exceeds payment")
		return nil, fmt.Errorf("refund of %d against payment of %d: %w",
			amountMinorUnits, attempt.Amount, types.ErrRefundExceedsPayment)
	}

	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refundTimeout)
	defer cancel()

	status, err := s.gateway.Refund(refundCtx, paymentReference, amountMinorUnits, note)
	if err != nil {
		l.ErrorContext(ctx, "Gateway refund failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Gateway refund failed")
		return nil, fmt.Errorf("error refunding %q at gateway: %w", paymentReference, err)
	}
	if !strings.EqualFold(status, "success") {
		span.SetStatus(codes.Error, "Gateway declined refund")
		return nil, fmt.Errorf("gateway declined refund for %q: status %q", paymentReference, status)
	}

	if err := s.subs.MarkRefunded(ctx, accountID, paymentReference); err != nil {
		l.ErrorContext(ctx, "Failed to transition subscription to refunded", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to transition subscription")
		return nil, fmt.Errorf("error revoking subscription for %q: %w", paymentReference, err)
	}

	now := time.Now().UTC()
	record := &types.DisputeOrRefund{
		ID:               uuid.New(),
		PaymentReference: paymentReference,
		Kind:             types.KindRefund,
		Amount:           amountMinorUnits,
		ReasonNote:       note,
		Resolution:       types.ResolutionResolved,
		ResolvedAt:       &now,
	}
	if err := s.repo.CreateDispute(ctx, record); err != nil {
		l.ErrorContext(ctx, "Failed to record refund case", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record refund case")
		return nil, fmt.Errorf("error recording refund case: %w", err)
	}

	observability.RefundsApplied.Inc()
	l.InfoContext(ctx, "Refund applied, subscription revoked", slog.Int64("amount", amountMinorUnits))
	span.SetStatus(codes.Ok, "Refund applied")
	return record, nil
}

func (s *ServiceImpl) RecordDispute(ctx context.Context, paymentReference, reasonNote string) (*types.DisputeOrRefund, error) {
	ctx, span := otel.Tracer("ReconcileService").Start(ctx, "RecordDispute", trace.WithAttributes(
		attribute.String("payment.reference", paymentReference),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "RecordDispute"), slog.String("reference", paymentReference))

	attempt, err := s.repo.GetAttempt(ctx, paymentReference)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "Unknown reference")
			return nil, fmt.Errorf("dispute for %q: %w", paymentReference, types.ErrUnknownReference)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load payment attempt")
		return nil, err
	}

	record := &types.DisputeOrRefund{
		ID:               uuid.New(),
		PaymentReference: paymentReference,
		Kind:             types.KindDispute,
		Amount:           attempt.Amount,
		ReasonNote:       reasonNote,
		Resolution:       types.ResolutionPending,
	}
	if err := s.repo.CreateDispute(ctx, record); err != nil {
		l.ErrorContext(ctx, "Failed to record dispute", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record dispute")
		return nil, fmt.Errorf("error recording dispute: %w", err)
	}

	l.InfoContext(ctx, "Dispute recorded, pending resolution")
	span.SetStatus(codes.Ok, "Dispute recorded")
	return record, nil
}

func (s *ServiceImpl) RejectDispute(ctx context.Context, disputeID uuid.UUID) error {
	ctx, span := otel.Tracer("ReconcileService").Start(ctx, "RejectDispute", trace.WithAttributes(
		attribute.String("dispute.id", disputeID.String()),
	))
	defer span.End()

	if err := s.repo.ResolveDispute(ctx, disputeID, types.ResolutionRejected); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to reject dispute")
		return fmt.Errorf("error rejecting dispute %s: %w", disputeID, err)
	}

	s.logger.InfoContext(ctx, "Dispute rejected, no entitlement change", slog.String("disputeID", disputeID.String()))
	span.SetStatus(codes.Ok, "Dispute rejected")
	return nil
}
