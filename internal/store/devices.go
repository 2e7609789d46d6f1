package store

import (
	"context"

	"github.com/septivank/gps-telemetry-ingest/internal/db"
)

// DeviceRepository handles devices table operations
type DeviceRepository struct {
	db Querier
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db Querier) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// FindIDByExternalID returns the id of the device with the given external id.
// A miss is reported as KindNotFound.
func (r *DeviceRepository) FindIDByExternalID(ctx context.Context, externalID string) (int64, error) {
	query := `
		SELECT id
		FROM devices
		WHERE external_id = $1
	`

	var id int64
	if err := r.db.QueryRow(ctx, query, externalID).Scan(&id); err != nil {
		return 0, Classify("find device", err)
	}
	return id, nil
}

// Create inserts a new device. A concurrent insert of the same external id is
// reported as KindUniqueViolation.
func (r *DeviceRepository) Create(ctx context.Context, externalID string) (int64, error) {
	query := `
		INSERT INTO devices (external_id, created_at)
		VALUES ($1, NOW())
		RETURNING id
	`

	var id int64
	if err := r.db.QueryRow(ctx, query, externalID).Scan(&id); err != nil {
		return 0, Classify("create device", err)
	}
	return id, nil
}

// TouchLastSeen sets last_seen_at to now
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, deviceID int64) error {
	query := `
		UPDATE devices
		SET last_seen_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, deviceID); err != nil {
		return Classify("touch last seen", err)
	}
	return nil
}

// GetByExternalID returns the full device row
func (r *DeviceRepository) GetByExternalID(ctx context.Context, externalID string) (*db.Device, error) {
	query := `
		SELECT id, external_id, created_at, last_seen_at
		FROM devices
		WHERE external_id = $1
	`

	var device db.Device
	err := r.db.QueryRow(ctx, query, externalID).Scan(
		&device.ID,
		&device.ExternalID,
		&device.CreatedAt,
		&device.LastSeenAt,
	)
	if err != nil {
		return nil, Classify("get device", err)
	}
	return &device, nil
}

// List returns all devices, most recently seen first
func (r *DeviceRepository) List(ctx context.Context) ([]db.Device, error) {
	query := `
		SELECT id, external_id, created_at, last_seen_at
		FROM devices
		ORDER BY last_seen_at DESC NULLS LAST, id
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, Classify("list devices", err)
	}
	defer rows.Close()

	var devices []db.Device
	for rows.Next() {
		var device db.Device
		if err := rows.Scan(&device.ID, &device.ExternalID, &device.CreatedAt, &device.LastSeenAt); err != nil {
			return nil, Classify("scan device", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, Classify("list devices", err)
	}

	return devices, nil
}
