package devices

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
	"github.com/kelarsco/sneaklink-sub002/pkg/events"
)

type deviceKey struct {
	accountID uuid.UUID
	deviceID  string
}

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[deviceKey]*types.DeviceRecord
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[deviceKey]*types.DeviceRecord)}
}

func (f *fakeDeviceRepo) GetDevice(_ context.Context, accountID uuid.UUID, deviceID string) (*types.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceKey{accountID, deviceID}]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDeviceRepo) UpsertDevice(_ context.Context, record *types.DeviceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *record
	f.devices[deviceKey{record.AccountID, record.DeviceID}] = &cp
	return nil
}

func (f *fakeDeviceRepo) TouchDevice(_ context.Context, accountID uuid.UUID, deviceID string, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[deviceKey{accountID, deviceID}]; ok {
		d.LastSeenAt = seenAt
	}
	return nil
}

func (f *fakeDeviceRepo) ListDevices(_ context.Context, accountID uuid.UUID) ([]*types.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.DeviceRecord
	for k, d := range f.devices {
		if k.accountID == accountID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (f *fakeDeviceRepo) CountDevices(_ context.Context, accountID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.devices {
		if k.accountID == accountID {
			n++
		}
	}
	return n, nil
}

func (f *fakeDeviceRepo) LeastRecentlySeen(_ context.Context, accountID uuid.UUID) (*types.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *types.DeviceRecord
	for k, d := range f.devices {
		if k.accountID != accountID {
			continue
		}
		if oldest == nil || d.LastSeenAt.Before(oldest.LastSeenAt) {
			oldest = d
		}
	}
	if oldest == nil {
		return nil, types.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (f *fakeDeviceRepo) EvictDevice(_ context.Context, accountID uuid.UUID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, deviceKey{accountID, deviceID})
	return nil
}

type fixedLimits struct {
	limits types.QuotaLimits
}

func (f *fixedLimits) EffectiveLimits(context.Context, uuid.UUID) (types.QuotaLimits, error) {
	return f.limits, nil
}

func setupDeviceTest(maxDevices int) (*ServiceImpl, *fakeDeviceRepo) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newFakeDeviceRepo()
	svc := NewService(repo, &fixedLimits{types.QuotaLimits{MaxDevices: maxDevices}},
		events.NewLogPublisher(logger), logger)
	return svc, repo
}

func TestAdmitDevice(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("new device under the ceiling admits without warning", func(t *testing.T) {
		svc, repo := setupDeviceTest(2)

		admission, err := svc.AdmitDevice(ctx, accountID, "phone")
		require.NoError(t, err)
		assert.False(t, admission.Warning)
		assert.Empty(t, admission.EvictedDeviceID)

		count, err := repo.CountDevices(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("known device admits regardless of the ceiling", func(t *testing.T) {
		svc, _ := setupDeviceTest(1)

		_, err := svc.AdmitDevice(ctx, accountID, "phone")
		require.NoError(t, err)

		admission, err := svc.AdmitDevice(ctx, accountID, "phone")
		require.NoError(t, err)
		assert.False(t, admission.Warning)
	})

	t.Run("over the ceiling the least recently seen device is evicted", func(t *testing.T) {
		svc, repo := setupDeviceTest(1)

		_, err := svc.AdmitDevice(ctx, accountID, "old-laptop")
		require.NoError(t, err)

		// Make the first sighting clearly older.
		require.NoError(t, repo.TouchDevice(ctx, accountID, "old-laptop", time.Now().UTC().Add(-time.Hour)))

		admission, err := svc.AdmitDevice(ctx, accountID, "new-phone")
		require.NoError(t, err)
		assert.True(t, admission.Warning)
		assert.Equal(t, "old-laptop", admission.EvictedDeviceID)

		_, err = repo.GetDevice(ctx, accountID, "old-laptop")
		assert.ErrorIs(t, err, types.ErrNotFound)

		count, err := repo.CountDevices(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("admission is never hard-blocked", func(t *testing.T) {
		svc, _ := setupDeviceTest(1)

		for _, id := range []string{"a", "b", "c", "d"} {
			admission, err := svc.AdmitDevice(ctx, accountID, id)
			require.NoError(t, err)
			assert.Equal(t, id, admission.DeviceID)
		}
	})

	t.Run("empty device id is rejected", func(t *testing.T) {
		svc, _ := setupDeviceTest(2)

		_, err := svc.AdmitDevice(ctx, accountID, "")
		assert.Error(t, err)
	})
}

func TestRemoveDevice(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	svc, repo := setupDeviceTest(5)

	_, err := svc.AdmitDevice(ctx, accountID, "tablet")
	require.NoError(t, err)

	require.NoError(t, svc.RemoveDevice(ctx, accountID, "tablet"))
	count, err := repo.CountDevices(ctx, accountID)
	require.NoError(t, err)
	assert.Zero(t, count)

	err = svc.RemoveDevice(ctx, accountID, "tablet")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
