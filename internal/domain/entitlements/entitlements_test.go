package entitlements

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelarsco/sneaklink-sub002/internal/domain/catalog"
	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

// countingSubs serves a configurable subscription and counts lookups so
// cache behavior is observable.
type countingSubs struct {
	sub   atomic.Pointer[types.Subscription]
	err   atomic.Pointer[error]
	calls atomic.Int64
}

func (c *countingSubs) Current(context.Context, uuid.UUID) (*types.Subscription, error) {
	c.calls.Add(1)
	if errPtr := c.err.Load(); errPtr != nil {
		return nil, *errPtr
	}
	return c.sub.Load(), nil
}

func setupEntitlementsTest() (*ServiceImpl, *countingSubs) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	subs := &countingSubs{}
	svc := NewService(subs, catalog.New(), 5*time.Minute, logger)
	return svc, subs
}

func activePro(accountID uuid.UUID) *types.Subscription {
	return &types.Subscription{
		AccountID:    accountID,
		Plan:         types.PlanPro,
		BillingCycle: types.CycleMonthly,
		Status:       types.SubscriptionActive,
	}
}

func TestEffectiveLimits(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("active subscription resolves plan limits", func(t *testing.T) {
		svc, subs := setupEntitlementsTest()
		subs.sub.Store(activePro(accountID))

		limits, err := svc.EffectiveLimits(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), limits.QueriesPerMonth)
	})

	t.Run("expiring subscription stays entitled", func(t *testing.T) {
		svc, subs := setupEntitlementsTest()
		sub := activePro(accountID)
		sub.Status = types.SubscriptionExpiring
		subs.sub.Store(sub)

		limits, err := svc.EffectiveLimits(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), limits.QueriesPerMonth)
	})

	t.Run("refunded subscription falls back to free limits", func(t *testing.T) {
		svc, subs := setupEntitlementsTest()
		sub := activePro(accountID)
		sub.Status = types.SubscriptionRefunded
		subs.sub.Store(sub)

		limits, err := svc.EffectiveLimits(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, catalog.New().FreeLimits(), limits)
	})

	t.Run("no subscription record falls back to free limits", func(t *testing.T) {
		svc, subs := setupEntitlementsTest()
		notFound := error(types.ErrNotFound)
		subs.err.Store(&notFound)

		limits, err := svc.EffectiveLimits(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, catalog.New().FreeLimits(), limits)
	})

	t.Run("repeat reads are served from cache", func(t *testing.T) {
		svc, subs := setupEntitlementsTest()
		subs.sub.Store(activePro(accountID))

		for i := 0; i < 5; i++ {
			_, err := svc.EffectiveLimits(ctx, accountID)
			require.NoError(t, err)
		}
		assert.Equal(t, int64(1), subs.calls.Load())
	})

	t.Run("invalidate forces the next read through", func(t *testing.T) {
		svc, subs := setupEntitlementsTest()
		subs.sub.Store(activePro(accountID))

		_, err := svc.EffectiveLimits(ctx, accountID)
		require.NoError(t, err)

		// The plan is revoked; until invalidation the cache still answers.
		revoked := activePro(accountID)
		revoked.Status = types.SubscriptionRefunded
		subs.sub.Store(revoked)

		limits, err := svc.EffectiveLimits(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), limits.QueriesPerMonth)

		svc.Invalidate(accountID)

		limits, err = svc.EffectiveLimits(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, catalog.New().FreeLimits(), limits)
		assert.Equal(t, int64(2), subs.calls.Load())
	})
}
