package devices

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

// EntitlementSource resolves the device ceiling the account is entitled to.
type EntitlementSource interface {
	EffectiveLimits(ctx context.Context, accountID uuid.UUID) (types.QuotaLimits, error)
}

// Service is the device admission policy. Admission is soft: a device over
// the plan ceiling is still let in, the least recently seen device is evicted
// and the caller gets a warning to surface. No session is ever hard-blocked
// over the device count.
type Service interface {
	// AdmitDevice registers or refreshes a device sighting and applies the
	// over-limit eviction policy.
	AdmitDevice(ctx context.Context, accountID uuid.UUID, deviceID string) (*types.DeviceAdmission, error)
	// ListDevices returns the account's registered devices, most recently
	// seen first.
	ListDevices(ctx context.Context, accountID uuid.UUID) ([]*types.DeviceRecord, error)
	// RemoveDevice drops a device from the registry explicitly.
	RemoveDevice(ctx context.Context, accountID uuid.UUID, deviceID string) error
}

// ServiceImpl provides the implementation for Service.
type ServiceImpl struct {
	logger       *slog.Logger
	repo         Repository
	entitlements EntitlementSource
	publisher    events.Publisher
	locks        *lib.KeyedMutex
}

// NewService creates a new device admission service.
func NewService(
	repo Repository,
	entitlements EntitlementSource,
	publisher events.Publisher,
	logger *slog.Logger,
) *ServiceImpl {
	return &ServiceImpl{
		logger:       logger,
		repo:         repo,
		entitlements: entitlements,
		publisher:    publisher,
		locks:        lib.NewKeyedMutex(),
	}
}

func (s *ServiceImpl) AdmitDevice(ctx context.Context, accountID uuid.UUID, deviceID string) (*types.DeviceAdmission, error) {
	ctx, span := otel.Tracer("DeviceService").Start(ctx, "AdmitDevice", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "AdmitDevice"),
		slog.String("accountID", accountID.String()), slog.String("deviceID", deviceID))

	if deviceID == "" {
		span.SetStatus(codes.Error, "Empty device id")
		return nil, fmt.Errorf("device id must not be empty")
	}

	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	now := time.Now().UTC()

	existing, err := s.repo.GetDevice(ctx, accountID, deviceID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load device")
		return nil, err
	}
	if existing != nil {
		// Known devices pass straight through regardless of the ceiling;
		// only new devices trigger the eviction policy.
		if err := s.repo.TouchDevice(ctx, accountID, deviceID, now); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to refresh device")
			return nil, err
		}
		span.SetStatus(codes.Ok, "Known device admitted")
		return &types.DeviceAdmission{DeviceID: deviceID}, nil
	}

	limits, err := s.entitlements.EffectiveLimits(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to resolve entitlements")
		return nil, fmt.Errorf("error resolving entitlements: %w", err)
	}

	count, err := s.repo.CountDevices(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to count devices")
		return nil, err
	}

	admission := &types.DeviceAdmission{DeviceID: deviceID}
	if limits.MaxDevices > 0 && count >= limits.MaxDevices {
		oldest, err := s.repo.LeastRecentlySeen(ctx, accountID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to find eviction candidate")
			return nil, err
		}
		if err := s.repo.EvictDevice(ctx, accountID, oldest.DeviceID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to evict device")
			return nil, err
		}
		admission.Warning = true
		admission.EvictedDeviceID = oldest.DeviceID

		observability.DeviceEvictions.Inc()
		s.publish(ctx, types.EventDeviceLimitWarning, accountID, map[string]any{
			"device_id": deviceID, "evicted_device_id": oldest.DeviceID, "max_devices": limits.MaxDevices,
		})
		l.InfoContext(ctx, "Device limit reached, least recently seen device evicted",
			slog.String("evictedDeviceID", oldest.DeviceID), slog.Int("maxDevices", limits.MaxDevices))
	}

	record := &types.DeviceRecord{
		AccountID:   accountID,
		DeviceID:    deviceID,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := s.repo.UpsertDevice(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to register device")
		return nil, err
	}

	span.SetAttributes(attribute.Bool("device.warning", admission.Warning))
	span.SetStatus(codes.Ok, "Device admitted")
	return admission, nil
}

func (s *ServiceImpl) ListDevices(ctx context.Context, accountID uuid.UUID) ([]*types.DeviceRecord, error) {
	ctx, span := otel.Tracer("DeviceService").Start(ctx, "ListDevices", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
	))
	defer span.End()

	records, err := s.repo.ListDevices(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list devices")
		return nil, err
	}

	span.SetStatus(codes.Ok, "Devices listed")
	return records, nil
}

func (s *ServiceImpl) RemoveDevice(ctx context.Context, accountID uuid.UUID, deviceID string) error {
	ctx, span := otel.Tracer("DeviceService").Start(ctx, "RemoveDevice", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	unlock := s.locks.Lock(accountID.String())
	defer unlock()

	if _, err := s.repo.GetDevice(ctx, accountID, deviceID); err != nil {
		span.SetStatus(codes.Error, "Device not found")
		return err
	}
	if err := s.repo.EvictDevice(ctx, accountID, deviceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to remove device")
		return err
	}

	s.logger.InfoContext(ctx, "Device removed",
		slog.String("accountID", accountID.String()), slog.String("deviceID", deviceID))
	span.SetStatus(codes.Ok, "Device removed")
	return nil
}

func (s *ServiceImpl) publish(ctx context.Context, name string, accountID uuid.UUID, payload map[string]any) {
	event := types.Event{Name: name, AccountID: accountID, OccurredAt: time.Now().UTC(), Payload: payload}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", slog.String("event", name), slog.Any("error", err))
	}
}
