package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository is the device registry slice of the account store.
type Repository interface {
	// GetDevice returns the record for one device or ErrNotFound.
	GetDevice(ctx context.Context, accountID uuid.UUID, deviceID string) (*types.DeviceRecord, error)
	// UpsertDevice registers a device, refreshing last_seen_at when it
	// already exists.
	UpsertDevice(ctx context.Context, record *types.DeviceRecord) error
	// TouchDevice refreshes last_seen_at for a known device.
	TouchDevice(ctx context.Context, accountID uuid.UUID, deviceID string, seenAt time.Time) error
	// ListDevices returns the account's devices ordered by last_seen_at
	// descending.
	ListDevices(ctx context.Context, accountID uuid.UUID) ([]*types.DeviceRecord, error)
	// CountDevices returns the number of registered devices.
	CountDevices(ctx context.Context, accountID uuid.UUID) (int, error)
	// LeastRecentlySeen returns the device with the oldest last_seen_at or
	// ErrNotFound when the account has none.
	LeastRecentlySeen(ctx context.Context, accountID uuid.UUID) (*types.DeviceRecord, error)
	// EvictDevice removes a device from the registry.
	EvictDevice(ctx context.Context, accountID uuid.UUID, deviceID string) error
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool *pgxpool.Pool
}

func NewRepositoryImpl(pgpool *pgxpool.Pool, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pgpool,
	}
}

func (r *RepositoryImpl) GetDevice(ctx context.Context, accountID uuid.UUID, deviceID string) (*types.DeviceRecord, error) {
	ctx, span := otel.Tracer("DeviceRepo").Start(ctx, "GetDevice", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "device_records"),
		attribute.String("db.account.id", accountID.String()),
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	query := `
        SELECT account_id, device_id, first_seen_at, last_seen_at
        FROM device_records
        WHERE account_id = $1 AND device_id = $2`

	var d types.DeviceRecord
	err := r.pgpool.QueryRow(ctx, query, accountID, deviceID).Scan(
		&d.AccountID,
		&d.DeviceID,
		&d.FirstSeenAt,
		&d.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Device not found")
			return nil, fmt.Errorf("device %s/%s: %w", accountID, deviceID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch device record", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching device: %w", err)
	}

	span.SetStatus(codes.Ok, "Device fetched")
	return &d, nil
}

func (r *RepositoryImpl) UpsertDevice(ctx context.Context, record *types.DeviceRecord) error {
	ctx, span := otel.Tracer("DeviceRepo").Start(ctx, "UpsertDevice", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "device_records"),
		attribute.String("db.account.id", record.AccountID.String()),
		attribute.String("device.id", record.DeviceID),
	))
	defer span.End()

	query := `
        INSERT INTO device_records (account_id, device_id, first_seen_at, last_seen_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (account_id, device_id) DO UPDATE SET
            last_seen_at = EXCLUDED.last_seen_at`

	_, err := r.pgpool.Exec(ctx, query,
		record.AccountID,
		record.DeviceID,
		record.FirstSeenAt,
		record.LastSeenAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to upsert device record", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPSERT failed")
		return fmt.Errorf("database error upserting device: %w", err)
	}

	span.SetStatus(codes.Ok, "Device upserted")
	return nil
}

func (r *RepositoryImpl) TouchDevice(ctx context.Context, accountID uuid.UUID, deviceID string, seenAt time.Time) error {
	ctx, span := otel.Tracer("DeviceRepo").Start(ctx, "TouchDevice", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "device_records"),
		attribute.String("db.account.id", accountID.String()),
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	query := `
        UPDATE device_records
        SET last_seen_at = $3
        WHERE account_id = $1 AND device_id = $2`

	if _, err := r.pgpool.Exec(ctx, query, accountID, deviceID, seenAt); err != nil {
		r.logger.ErrorContext(ctx, "Failed to touch device record", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error touching device: %w", err)
	}

	span.SetStatus(codes.Ok, "Device touched")
	return nil
}

func (r *RepositoryImpl) ListDevices(ctx context.Context, accountID uuid.UUID) ([]*types.DeviceRecord, error) {
	ctx, span := otel.Tracer("DeviceRepo").Start(ctx, "ListDevices", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "device_records"),
		attribute.String("db.account.id", accountID.String()),
	))
	defer span.End()

	query := `
        SELECT account_id, device_id, first_seen_at, last_seen_at
        FROM device_records
        WHERE account_id = $1
        ORDER BY last_seen_at DESC`

	rows, err := r.pgpool.Query(ctx, query, accountID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list device records", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error listing devices: %w", err)
	}
	defer rows.Close()

	var records []*types.DeviceRecord
	for rows.Next() {
		var d types.DeviceRecord
		if err := rows.Scan(&d.AccountID, &d.DeviceID, &d.FirstSeenAt, &d.LastSeenAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Row scan failed")
			return nil, fmt.Errorf("database error scanning device: %w", err)
		}
		records = append(records, &d)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Row iteration failed")
		return nil, fmt.Errorf("database error iterating devices: %w", err)
	}

	span.SetAttributes(attribute.Int("device.count", len(records)))
	span.SetStatus(codes.Ok, "Devices listed")
	return records, nil
}

func (r *RepositoryImpl) CountDevices(ctx context.Context, accountID uuid.UUID) (int, error) {
	ctx, span := otel.Tracer("DeviceRepo").Start(ctx, "CountDevices", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "device_records"),
		attribute.String("db.account.id", accountID.String()),
	))
	defer span.End()

	var count int
	err := r.pgpool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_records WHERE account_id = $1`, accountID).Scan(&count)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to count device records", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return 0, fmt.Errorf("database error counting devices: %w", err)
	}

	span.SetStatus(codes.Ok, "Devices counted")
	return count, nil
}

func (r *RepositoryImpl) LeastRecentlySeen(ctx context.Context, accountID uuid.UUID) (*types.DeviceRecord, error) {
	ctx, span := otel.Tracer("DeviceRepo").Start(ctx, "LeastRecentlySeen", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "device_records"),
		attribute.String("db.account.id", accountID.String()),
	))
	defer span.End()

	query := `
        SELECT account_id, device_id, first_seen_at, last_seen_at
        FROM device_records
        WHERE account_id = $1
        ORDER BY last_seen_at ASC
        LIMIT 1`

	var d types.DeviceRecord
	err := r.pgpool.QueryRow(ctx, query, accountID).Scan(
		&d.AccountID,
		&d.DeviceID,
		&d.FirstSeenAt,
		&d.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "No devices registered")
			return nil, fmt.Errorf("devices for %s: %w", accountID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch least recently seen device", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching device: %w", err)
	}

	span.SetStatus(codes.Ok, "Device fetched")
	return &d, nil
}

func (r *RepositoryImpl) EvictDevice(ctx context.Context, accountID uuid.UUID, deviceID string) error {
	ctx, span := otel.Tracer("DeviceRepo").Start(ctx, "EvictDevice", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "device_records"),
		attribute.String("db.account.id", accountID.String()),
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	query := `DELETE FROM device_records WHERE account_id = $1 AND device_id = $2`

	if _, err := r.pgpool.Exec(ctx, query, accountID, deviceID); err != nil {
		r.logger.ErrorContext(ctx, "Failed to evict device record", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB DELETE failed")
		return fmt.Errorf("database error evicting device: %w", err)
	}

	span.SetStatus(codes.Ok, "Device evicted")
	return nil
}
