package entitlements

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelarsco/sneaklink-sub002/internal/domain/catalog"
	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

// SubscriptionSource reads the account's current subscription with lazy
// status transitions already applied.
type SubscriptionSource interface {
	Current(ctx context.Context, accountID uuid.UUID) (*types.Subscription, error)
}

// Service answers the one question every gated feature asks: what limits does
// this account have right now. Answers are cached; state transitions must call
// Invalidate so the next read sees the new plan.
type Service interface {
	EffectiveLimits(ctx context.Context, accountID uuid.UUID) (types.QuotaLimits, error)
	Invalidate(accountID uuid.UUID)
}

// ServiceImpl provides the implementation for Service.
type ServiceImpl struct {
	logger  *slog.Logger
	subs    SubscriptionSource
	catalog *catalog.Catalog
	cache   *cache.Cache
	ttl     time.Duration
}

// NewService creates a new entitlement resolver. The cache keeps resolved
// limits for ttl; entitlement changes take effect immediately through
// Invalidate, the TTL only bounds staleness after missed invalidations.
func NewService(subs SubscriptionSource, cat *catalog.Catalog, ttl time.Duration, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:  logger,
		subs:    subs,
		catalog: cat,
		cache:   cache.New(ttl, 2*ttl),
		ttl:     ttl,
	}
}

func (s *ServiceImpl) EffectiveLimits(ctx context.Context, accountID uuid.UUID) (types.QuotaLimits, error) {
	ctx, span := otel.Tracer("EntitlementService").Start(ctx, "EffectiveLimits", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
	))
	defer span.End()

	key := accountID.String()
	if cached, found := s.cache.Get(key); found {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		span.SetStatus(codes.Ok, "Limits from cache")
		return cached.(types.QuotaLimits), nil
	}

	limits, err := s.resolve(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to resolve limits")
		return types.QuotaLimits{}, err
	}

	s.cache.Set(key, limits, s.ttl)
	span.SetAttributes(attribute.Bool("cache.hit", false))
	span.SetStatus(codes.Ok, "Limits resolved")
	return limits, nil
}

func (s *ServiceImpl) Invalidate(accountID uuid.UUID) {
	s.cache.Delete(accountID.String())
	s.logger.Debug("Entitlement cache invalidated", slog.String("accountID", accountID.String()))
}

// resolve maps subscription state to limits. Accounts without an entitled
// subscription, including refunded and cancelled ones, fall back to the free
// tier rather than being locked out.
func (s *ServiceImpl) resolve(ctx context.Context, accountID uuid.UUID) (types.QuotaLimits, error) {
	sub, err := s.subs.Current(ctx, accountID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return s.catalog.FreeLimits(), nil
		}
		return types.QuotaLimits{}, err
	}
	if sub == nil || !sub.Status.Entitled() {
		return s.catalog.FreeLimits(), nil
	}

	plan, err := s.catalog.Get(sub.Plan)
	if err != nil {
		return types.QuotaLimits{}, err
	}
	return plan.Limits, nil
}
