package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// schemaLockKey serializes provisioning across processes sharing a database
const schemaLockKey int64 = 0x67707374656c

var schemaStatements = []string{
	fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS devices (
			id           BIGSERIAL PRIMARY KEY,
			external_id  VARCHAR(%d) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ,
			CONSTRAINT devices_external_id_key UNIQUE (external_id)
		)`, ExternalIDMaxLength),
	`
		CREATE TABLE IF NOT EXISTS telemetry_records (
			id              BIGSERIAL PRIMARY KEY,
			device_id       BIGINT REFERENCES devices (id) ON DELETE CASCADE,
			latitude        NUMERIC(10, 7) NOT NULL,
			longitude       NUMERIC(10, 7) NOT NULL,
			speed           DOUBLE PRECISION NOT NULL DEFAULT 0,
			heading         DOUBLE PRECISION NOT NULL DEFAULT 0,
			battery_voltage DOUBLE PRECISION NOT NULL DEFAULT 0,
			signal_strength DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_records_recorded_at ON telemetry_records (recorded_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_records_device_id ON telemetry_records (device_id, recorded_at DESC)`,
}

// Provisioner creates the devices and telemetry_records relations
type Provisioner struct {
	db     Querier
	logger *zap.Logger
}

// NewProvisioner creates a new schema provisioner
func NewProvisioner(db Querier, logger *zap.Logger) *Provisioner {
	return &Provisioner{db: db, logger: logger}
}

// EnsureSchema creates any missing relation, constraint or index. It never
// drops or alters existing objects and may be called concurrently from any
// number of processes. Failures are returned, not retried.
func (p *Provisioner) EnsureSchema(ctx context.Context) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return Classify("ensure schema: begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return Classify("ensure schema: lock", err)
	}

	for i, stmt := range schemaStatements {
		// each statement runs under a savepoint so a lost race with DDL from
		// outside the advisory lock does not abort the rest
		sp, err := tx.Begin(ctx)
		if err != nil {
			return Classify("ensure schema: savepoint", err)
		}
		if _, err := sp.Exec(ctx, stmt); err != nil {
			_ = sp.Rollback(ctx)
			if isAlreadyExists(err) {
				p.logger.Debug("schema object already exists", zap.Int("statement", i))
				continue
			}
			return Classify(fmt.Sprintf("ensure schema: statement %d", i), err)
		}
		if err := sp.Commit(ctx); err != nil {
			return Classify("ensure schema: release savepoint", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify("ensure schema: commit", err)
	}

	p.logger.Info("schema ensured")
	return nil
}
