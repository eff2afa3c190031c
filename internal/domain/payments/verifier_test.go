package payments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelarsco/sneaklink-sub002/internal/domain/catalog"
	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

// fakeAttemptRepo is an in-memory Repository so concurrent verifications
// exercise the real CAS semantics.
type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts map[string]*types.PaymentAttempt
	disputes map[uuid.UUID]*types.DisputeOrRefund
}

func newFakeAttemptRepo() *fakeAttemptRepo {
	return &fakeAttemptRepo{
		attempts: make(map[string]*types.PaymentAttempt),
		disputes: make(map[uuid.UUID]*types.DisputeOrRefund),
	}
}

func (f *fakeAttemptRepo) CreateAttempt(_ context.Context, attempt *types.PaymentAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.attempts[attempt.Reference]; exists {
		return types.ErrConflict
	}
	cp := *attempt
	f.attempts[attempt.Reference] = &cp
	return nil
}

func (f *fakeAttemptRepo) GetAttempt(_ context.Context, reference string) (*types.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt, ok := f.attempts[reference]
	if !ok {
		return nil, fmt.Errorf("attempt %q: %w", reference, types.ErrNotFound)
	}
	cp := *attempt
	return &cp, nil
}

func (f *fakeAttemptRepo) SetAttemptStatus(_ context.Context, reference string, from []types.PaymentStatus, to types.PaymentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt, ok := f.attempts[reference]
	if !ok {
		return false, types.ErrNotFound
	}
	for _, s := range from {
		if attempt.Status == s {
			attempt.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAttemptRepo) SupersedePending(_ context.Context, accountID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.attempts {
		if a.AccountID == accountID && !a.Status.Terminal() {
			a.Status = types.PaymentFailed
			n++
		}
	}
	return n, nil
}

func (f *fakeAttemptRepo) CreateDispute(_ context.Context, dispute *types.DisputeOrRefund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disputes[dispute.ID] = dispute
	return nil
}

func (f *fakeAttemptRepo) GetDispute(_ context.Context, id uuid.UUID) (*types.DisputeOrRefund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return d, nil
}

func (f *fakeAttemptRepo) ResolveDispute(_ context.Context, id uuid.UUID, resolution types.DisputeResolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[id]
	if !ok {
		return types.ErrNotFound
	}
	if d.Resolution != types.ResolutionPending {
		return types.ErrConflict
	}
	d.Resolution = resolution
	return nil
}

// countingGateway serves canned lookups and counts how many reach it.
type countingGateway struct {
	lookups atomic.Int64
	delay   time.Duration
	tx      *types.GatewayTransaction
	err     error
}

func (g *countingGateway) InitializeCharge(context.Context, int64, string, string) (*types.GatewayCharge, error) {
	return &types.GatewayCharge{Reference: "charge-ref"}, nil
}

func (g *countingGateway) LookupTransaction(context.Context, string) (*types.GatewayTransaction, error) {
	g.lookups.Add(1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	cp := *g.tx
	return &cp, nil
}

func (g *countingGateway) Refund(context.Context, string, int64, string) (string, error) {
	return "success", nil
}

func (g *countingGateway) Health(context.Context) error { return nil }

type fakeActivator struct {
	mu        sync.Mutex
	activated []string
	discarded []types.PlanID
}

func (f *fakeActivator) Activate(_ context.Context, attempt *types.PaymentAttempt) (*types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, attempt.Reference)
	next := time.Now().UTC().AddDate(0, 1, 0)
	return &types.Subscription{
		AccountID:       attempt.AccountID,
		Plan:            attempt.Plan,
		BillingCycle:    attempt.BillingCycle,
		Status:          types.SubscriptionActive,
		NextBillingDate: &next,
	}, nil
}

func (f *fakeActivator) DiscardPending(_ context.Context, _ uuid.UUID, planID types.PlanID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, planID)
	return nil
}

func (f *fakeActivator) activations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activated)
}

type fakeLimitApplier struct {
	mu      sync.Mutex
	applied []types.QuotaLimits
}

func (f *fakeLimitApplier) ApplyPlanLimits(_ context.Context, _ uuid.UUID, limits types.QuotaLimits, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, limits)
	return nil
}

func setupVerifierTest(gw Gateway) (*VerifierImpl, *fakeAttemptRepo, *fakeActivator, *fakeLimitApplier) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newFakeAttemptRepo()
	activator := &fakeActivator{}
	limits := &fakeLimitApplier{}
	v := NewVerifier(repo, gw, activator, limits, catalog.New(), time.Second, logger)
	return v, repo, activator, limits
}

func seedAttempt(t *testing.T, repo *fakeAttemptRepo, status types.PaymentStatus) *types.PaymentAttempt {
	t.Helper()
	attempt := &types.PaymentAttempt{
		Reference:    "ref-" + uuid.NewString(),
		AccountID:    uuid.New(),
		Plan:         types.PlanPro,
		BillingCycle: types.CycleMonthly,
		Amount:       7900,
		Currency:     "USD",
		Status:       status,
	}
	require.NoError(t, repo.CreateAttempt(context.Background(), attempt))
	return attempt
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown reference", func(t *testing.T) {
		v, _, _, _ := setupVerifierTest(&countingGateway{})

		_, err := v.Verify(ctx, "no-such-ref")
		assert.ErrorIs(t, err, types.ErrUnknownReference)
	})

	t.Run("confirmed payment activates and applies plan limits", func(t *testing.T) {
		gw := &countingGateway{tx: &types.GatewayTransaction{Status: "success", Amount: 7900, Currency: "USD"}}
		v, repo, activator, limits := setupVerifierTest(gw)
		attempt := seedAttempt(t, repo, types.PaymentInitialized)

		verified, err := v.Verify(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentSucceeded, verified.Status)
		assert.Equal(t, 1, activator.activations())

		require.Len(t, limits.applied, 1)
		assert.Equal(t, int64(10000), limits.applied[0].QueriesPerMonth)

		stored, err := repo.GetAttempt(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentSucceeded, stored.Status)
	})

	t.Run("amount mismatch fails closed without activation", func(t *testing.T) {
		gw := &countingGateway{tx: &types.GatewayTransaction{Status: "success", Amount: 5000, Currency: "USD"}}
		v, repo, activator, limits := setupVerifierTest(gw)
		attempt := seedAttempt(t, repo, types.PaymentInitialized)

		_, err := v.Verify(ctx, attempt.Reference)
		assert.ErrorIs(t, err, types.ErrAmountMismatch)
		assert.Zero(t, activator.activations())
		assert.Empty(t, limits.applied)
		assert.Equal(t, []types.PlanID{types.PlanPro}, activator.discarded)

		stored, err := repo.GetAttempt(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentFailed, stored.Status)
	})

	t.Run("gateway decline fails the attempt and reverts pending", func(t *testing.T) {
		gw := &countingGateway{tx: &types.GatewayTransaction{Status: "failed", Amount: 7900, Currency: "USD"}}
		v, repo, activator, _ := setupVerifierTest(gw)
		attempt := seedAttempt(t, repo, types.PaymentInitialized)

		verified, err := v.Verify(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentFailed, verified.Status)
		assert.Zero(t, activator.activations())
		assert.Len(t, activator.discarded, 1)

		stored, err := repo.GetAttempt(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentFailed, stored.Status)
	})

	t.Run("gateway timeout leaves the attempt retryable", func(t *testing.T) {
		gw := &countingGateway{err: types.ErrGatewayTimeout}
		v, repo, activator, _ := setupVerifierTest(gw)
		attempt := seedAttempt(t, repo, types.PaymentInitialized)

		_, err := v.Verify(ctx, attempt.Reference)
		assert.ErrorIs(t, err, types.ErrGatewayTimeout)
		assert.Zero(t, activator.activations())

		stored, err := repo.GetAttempt(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentTimedOut, stored.Status)

		// The gateway recovers and the same reference verifies cleanly.
		gw.err = nil
		gw.tx = &types.GatewayTransaction{Status: "success", Amount: 7900, Currency: "USD"}

		verified, err := v.Verify(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentSucceeded, verified.Status)
		assert.Equal(t, 1, activator.activations())
	})

	t.Run("terminal attempt returns cached verdict without a gateway call", func(t *testing.T) {
		gw := &countingGateway{}
		v, repo, activator, _ := setupVerifierTest(gw)
		attempt := seedAttempt(t, repo, types.PaymentSucceeded)

		verified, err := v.Verify(ctx, attempt.Reference)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentSucceeded, verified.Status)
		assert.Zero(t, gw.lookups.Load())
		assert.Zero(t, activator.activations())
	})

	t.Run("concurrent verifications collapse into one gateway lookup", func(t *testing.T) {
		gw := &countingGateway{
			delay: 50 * time.Millisecond,
			tx:    &types.GatewayTransaction{Status: "success", Amount: 7900, Currency: "USD"},
		}
		v, repo, activator, _ := setupVerifierTest(gw)
		attempt := seedAttempt(t, repo, types.PaymentInitialized)

		const callers = 8
		var wg sync.WaitGroup
		results := make([]*types.PaymentAttempt, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = v.Verify(ctx, attempt.Reference)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, types.PaymentSucceeded, results[i].Status)
		}
		assert.Equal(t, int64(1), gw.lookups.Load())
		assert.Equal(t, 1, activator.activations())
	})
}
