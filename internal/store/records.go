package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/septivank/gps-telemetry-ingest/internal/db"
)

const recordColumns = `id, device_id, latitude::text, longitude::text, speed, heading, battery_voltage, signal_strength, recorded_at`

// RecordRepository handles telemetry_records table operations. Records are
// append-only; the only removal is ClearAll.
type RecordRepository struct {
	db Querier
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db Querier) *RecordRepository {
	return &RecordRepository{db: db}
}

// Insert appends a telemetry record. recorded_at is assigned by the store.
func (r *RecordRepository) Insert(ctx context.Context, rec db.NewRecord) (*db.TelemetryRecord, error) {
	var lat, lon pgtype.Numeric
	if err := lat.Scan(rec.Latitude); err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", rec.Latitude, err)
	}
	if err := lon.Scan(rec.Longitude); err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", rec.Longitude, err)
	}

	query := `
		INSERT INTO telemetry_records (
			device_id, latitude, longitude, speed, heading,
			battery_voltage, signal_strength, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + recordColumns

	record, err := scanRecord(r.db.QueryRow(ctx, query,
		rec.DeviceID,
		lat,
		lon,
		rec.Speed,
		rec.Heading,
		rec.BatteryVoltage,
		rec.SignalStrength,
	))
	if err != nil {
		return nil, Classify("insert record", err)
	}
	return record, nil
}

// Latest returns the newest record of each device
func (r *RecordRepository) Latest(ctx context.Context, limit int) ([]db.LatestRecord, error) {
	query := `
		SELECT * FROM (
			SELECT DISTINCT ON (r.device_id)
				d.external_id, r.id, r.device_id, r.latitude::text, r.longitude::text,
				r.speed, r.heading, r.battery_voltage, r.signal_strength, r.recorded_at
			FROM telemetry_records r
			JOIN devices d ON d.id = r.device_id
			ORDER BY r.device_id, r.recorded_at DESC, r.id DESC
		) latest
		ORDER BY recorded_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, Classify("latest records", err)
	}
	defer rows.Close()

	var records []db.LatestRecord
	for rows.Next() {
		var rec db.LatestRecord
		if err := rows.Scan(
			&rec.ExternalID,
			&rec.ID,
			&rec.DeviceID,
			&rec.Latitude,
			&rec.Longitude,
			&rec.Speed,
			&rec.Heading,
			&rec.BatteryVoltage,
			&rec.SignalStrength,
			&rec.RecordedAt,
		); err != nil {
			return nil, Classify("scan latest record", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, Classify("latest records", err)
	}

	return records, nil
}

// History returns records of one device, newest first. Nil bounds are open.
func (r *RecordRepository) History(ctx context.Context, deviceID int64, since, until *time.Time, limit int) ([]db.TelemetryRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM telemetry_records
		WHERE device_id = $1
		  AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		  AND ($3::timestamptz IS NULL OR recorded_at < $3)
		ORDER BY recorded_at DESC, id DESC
		LIMIT $4
	`

	rows, err := r.db.Query(ctx, query, deviceID, since, until, limit)
	if err != nil {
		return nil, Classify("record history", err)
	}
	defer rows.Close()

	var records []db.TelemetryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, Classify("scan record", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, Classify("record history", err)
	}

	return records, nil
}

// ClearAll removes every record and device and restarts id sequences.
// Destructive; intended for test and staging environments.
func (r *RecordRepository) ClearAll(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `TRUNCATE telemetry_records, devices RESTART IDENTITY CASCADE`)
	if err != nil {
		return Classify("clear all", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*db.TelemetryRecord, error) {
	var rec db.TelemetryRecord
	err := row.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.Latitude,
		&rec.Longitude,
		&rec.Speed,
		&rec.Heading,
		&rec.BatteryVoltage,
		&rec.SignalStrength,
		&rec.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
