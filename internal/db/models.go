package db

import (
	"time"
)

// Device represents a reporting unit in the database
type Device struct {
	ID         int64      `json:"id"`
	ExternalID string     `json:"external_id"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at"`
}

// TelemetryRecord represents a persisted telemetry report. DeviceID is nil
// for orphaned records written while device resolution was unavailable.
// Latitude and Longitude are decimal strings as stored in NUMERIC columns.
type TelemetryRecord struct {
	ID             int64     `json:"id"`
	DeviceID       *int64    `json:"device_id"`
	Latitude       string    `json:"latitude"`
	Longitude      string    `json:"longitude"`
	Speed          float64   `json:"speed"`
	Heading        float64   `json:"heading"`
	BatteryVoltage float64   `json:"battery_voltage"`
	SignalStrength float64   `json:"signal_strength"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// NewRecord holds the fields supplied by an accepted report.
type NewRecord struct {
	DeviceID       *int64
	Latitude       string
	Longitude      string
	Speed          float64
	Heading        float64
	BatteryVoltage float64
	SignalStrength float64
}

// LatestRecord is the most recent record of a device joined with its identity
type LatestRecord struct {
	ExternalID string `json:"external_id"`
	TelemetryRecord
}
