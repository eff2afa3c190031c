package quota

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
	"github.com/kelarsco/sneaklink-sub002/pkg/events"
)

type counterKey struct {
	accountID uuid.UUID
	kind      types.QuotaKind
}

// fakeCounterRepo is an in-memory Repository with the same conditional
// consume semantics as the SQL implementation.
type fakeCounterRepo struct {
	mu       sync.Mutex
	counters map[counterKey]*types.UsageCounter
}

func newFakeCounterRepo() *fakeCounterRepo {
	return &fakeCounterRepo{counters: make(map[counterKey]*types.UsageCounter)}
}

func (f *fakeCounterRepo) GetCounter(_ context.Context, accountID uuid.UUID, kind types.QuotaKind) (*types.UsageCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[counterKey{accountID, kind}]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCounterRepo) UpsertCounter(_ context.Context, counter *types.UsageCounter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *counter
	f.counters[counterKey{counter.AccountID, counter.Kind}] = &cp
	return nil
}

func (f *fakeCounterRepo) ConsumeAtomic(_ context.Context, accountID uuid.UUID, kind types.QuotaKind, amount int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[counterKey{accountID, kind}]
	if !ok {
		return 0, false, nil
	}
	if c.Count+amount > c.Limit {
		return 0, false, nil
	}
	c.Count += amount
	return c.Limit - c.Count, true, nil
}

func (f *fakeCounterRepo) SetLimit(_ context.Context, accountID uuid.UUID, kind types.QuotaKind, limit int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[counterKey{accountID, kind}]; ok {
		c.Limit = limit
	}
	return nil
}

type staticLimits struct {
	mu     sync.Mutex
	limits types.QuotaLimits
}

func (s *staticLimits) EffectiveLimits(context.Context, uuid.UUID) (types.QuotaLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits, nil
}

func (s *staticLimits) set(l types.QuotaLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = l
}

type staticAnchor struct {
	anchor time.Time
}

func (s *staticAnchor) BillingAnchor(context.Context, uuid.UUID) (time.Time, error) {
	return s.anchor, nil
}

func setupQuotaTest(limits types.QuotaLimits) (*ServiceImpl, *fakeCounterRepo, *staticLimits) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newFakeCounterRepo()
	ent := &staticLimits{limits: limits}
	svc := NewService(repo, ent, &staticAnchor{}, events.NewLogPublisher(logger), logger)
	return svc, repo, ent
}

func TestTryConsume(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("consumes within the limit", func(t *testing.T) {
		svc, _, _ := setupQuotaTest(types.QuotaLimits{ExportsPerDay: 5})

		remaining, err := svc.TryConsume(ctx, accountID, types.QuotaExports, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), remaining)
	})

	t.Run("rejection reports limit and usage without mutating", func(t *testing.T) {
		svc, repo, _ := setupQuotaTest(types.QuotaLimits{ExportsPerDay: 2})

		_, err := svc.TryConsume(ctx, accountID, types.QuotaExports, 1)
		require.NoError(t, err)
		_, err = svc.TryConsume(ctx, accountID, types.QuotaExports, 1)
		require.NoError(t, err)

		_, err = svc.TryConsume(ctx, accountID, types.QuotaExports, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrQuotaExceeded)

		var quotaErr *types.QuotaExceededError
		require.ErrorAs(t, err, &quotaErr)
		assert.Equal(t, int64(2), quotaErr.Limit)
		assert.Equal(t, int64(2), quotaErr.Used)

		counter, err := repo.GetCounter(ctx, accountID, types.QuotaExports)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counter.Count)
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		svc, _, _ := setupQuotaTest(types.QuotaLimits{})

		_, err := svc.TryConsume(ctx, accountID, "widgets", 1)
		assert.Error(t, err)
	})

	t.Run("non-positive amount is rejected", func(t *testing.T) {
		svc, _, _ := setupQuotaTest(types.QuotaLimits{ExportsPerDay: 5})

		_, err := svc.TryConsume(ctx, accountID, types.QuotaExports, 0)
		assert.Error(t, err)
	})

	t.Run("concurrent consumers never exceed the limit", func(t *testing.T) {
		const limit = 50
		svc, repo, _ := setupQuotaTest(types.QuotaLimits{ExportsPerDay: limit})

		var wg sync.WaitGroup
		var granted, rejected int64
		var mu sync.Mutex
		for i := 0; i < 80; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.TryConsume(ctx, accountID, types.QuotaExports, 1)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					granted++
				} else {
					rejected++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(limit), granted)
		assert.Equal(t, int64(30), rejected)

		counter, err := repo.GetCounter(ctx, accountID, types.QuotaExports)
		require.NoError(t, err)
		assert.Equal(t, int64(limit), counter.Count)
	})
}

func TestLazyRollover(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	svc, repo, _ := setupQuotaTest(types.QuotaLimits{ExportsPerDay: 3})

	// Seed a counter whose window ended yesterday, fully consumed.
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	start, end := dailyWindow(yesterday)
	require.NoError(t, repo.UpsertCounter(ctx, &types.UsageCounter{
		AccountID: accountID, Kind: types.QuotaExports,
		WindowStart: start, WindowEnd: end,
		Count: 3, Limit: 3,
	}))

	remaining, err := svc.TryConsume(ctx, accountID, types.QuotaExports, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)

	counter, err := repo.GetCounter(ctx, accountID, types.QuotaExports)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.Count)
	assert.True(t, counter.WindowEnd.After(time.Now().UTC()))
}

func TestEntitlementChangeCarriesCount(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	svc, repo, ent := setupQuotaTest(types.QuotaLimits{ExportsPerDay: 10})

	for i := 0; i < 4; i++ {
		_, err := svc.TryConsume(ctx, accountID, types.QuotaExports, 1)
		require.NoError(t, err)
	}

	// Downgrade mid-window: the ceiling drops, consumed count stays.
	ent.set(types.QuotaLimits{ExportsPerDay: 5})

	balance, err := svc.Balance(ctx, accountID, types.QuotaExports)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance.Count)
	assert.Equal(t, int64(5), balance.Limit)
	assert.Equal(t, int64(1), balance.Remaining())

	counter, err := repo.GetCounter(ctx, accountID, types.QuotaExports)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counter.Limit)
}

func TestApplyPlanLimits(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	svc, repo, _ := setupQuotaTest(types.QuotaLimits{QueriesPerMonth: 100, ExportsPerDay: 3, CopiesPerDay: 20})

	_, err := svc.TryConsume(ctx, accountID, types.QuotaQueries, 10)
	require.NoError(t, err)

	anchor := time.Now().UTC().AddDate(0, 1, 0)
	newLimits := types.QuotaLimits{QueriesPerMonth: 10000, ExportsPerDay: 50, CopiesPerDay: 1000}
	require.NoError(t, svc.ApplyPlanLimits(ctx, accountID, newLimits, anchor))

	queries, err := repo.GetCounter(ctx, accountID, types.QuotaQueries)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), queries.Limit)
	assert.Equal(t, int64(10), queries.Count)
	assert.Equal(t, anchor.Day(), queries.WindowEnd.Day())

	// Counters the account never touched are created with the new limits.
	exports, err := repo.GetCounter(ctx, accountID, types.QuotaExports)
	require.NoError(t, err)
	assert.Equal(t, int64(50), exports.Limit)
	assert.Equal(t, int64(0), exports.Count)
}
