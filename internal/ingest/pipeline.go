package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/gps-telemetry-ingest/internal/db"
	"github.com/septivank/gps-telemetry-ingest/internal/logging"
	"github.com/septivank/gps-telemetry-ingest/internal/mq"
	"github.com/septivank/gps-telemetry-ingest/internal/registry"
	"github.com/septivank/gps-telemetry-ingest/internal/store"
	"github.com/septivank/gps-telemetry-ingest/internal/validator"
	"go.uber.org/zap"
)

const (
	phaseResolve = "resolve device"
	phasePersist = "persist record"
)

// DeviceResolver maps external identifiers to device ids
type DeviceResolver interface {
	ResolveOrCreate(ctx context.Context, externalID string) (int64, error)
	Invalidate(ctx context.Context, externalID string)
	TouchLastSeen(deviceID int64)
}

// RecordWriter appends telemetry records
type RecordWriter interface {
	Insert(ctx context.Context, rec db.NewRecord) (*db.TelemetryRecord, error)
}

// SchemaProvisioner creates missing relations
type SchemaProvisioner interface {
	EnsureSchema(ctx context.Context) error
}

// EventPublisher announces accepted records
type EventPublisher interface {
	PublishIngested(ctx context.Context, event mq.IngestedEvent) error
}

// Outcome distinguishes full from partial success
type Outcome int

const (
	// Succeeded means the record is linked to its device
	Succeeded Outcome = iota + 1
	// DegradedSucceeded means the record was stored without a device link
	DegradedSucceeded
)

func (o Outcome) String() string {
	if o == DegradedSucceeded {
		return "degraded"
	}
	return "succeeded"
}

// Result is the outcome of an accepted report
type Result struct {
	Outcome  Outcome
	DeviceID *int64
	Record   *db.TelemetryRecord
}

// Degraded reports whether the record was written without a device link
func (r *Result) Degraded() bool {
	return r.Outcome == DegradedSucceeded
}

// Pipeline validates, resolves and persists telemetry reports. It keeps no
// state across calls; concurrency is bounded by the store's pool.
type Pipeline struct {
	validator *validator.Validator
	devices   DeviceResolver
	records   RecordWriter
	schema    SchemaProvisioner
	publisher EventPublisher
	opTimeout time.Duration
	logger    *zap.Logger
}

// NewPipeline creates a new ingestion pipeline. A nil publisher disables events.
func NewPipeline(
	validator *validator.Validator,
	devices DeviceResolver,
	records RecordWriter,
	schema SchemaProvisioner,
	publisher EventPublisher,
	opTimeout time.Duration,
	logger *zap.Logger,
) *Pipeline {
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	return &Pipeline{
		validator: validator,
		devices:   devices,
		records:   records,
		schema:    schema,
		publisher: publisher,
		opTimeout: opTimeout,
		logger:    logger,
	}
}

// Ingest accepts one report. It returns *ValidationError for bad input,
// *PersistentStoreError when the record could not be stored, and otherwise
// a Result whose Outcome tells whether the device link was established.
func (p *Pipeline) Ingest(ctx context.Context, requestID string, payload Payload) (*Result, error) {
	reqLogger := logging.WithRequestID(p.logger, requestID)

	report, validation := p.validator.ValidateReport(payload.reportData())
	if !validation.IsValid {
		reqLogger.Info("report rejected",
			zap.String("field", validation.Field),
			zap.String("reason", validation.Reason))
		return nil, &ValidationError{Field: validation.Field, Reason: validation.Reason}
	}
	reqLogger = reqLogger.With(zap.String("external_id", report.ExternalID))

	deviceID, err := p.resolve(ctx, reqLogger, report.ExternalID)
	if err != nil {
		return nil, err
	}

	newRecord := db.NewRecord{
		DeviceID:       deviceID,
		Latitude:       report.Latitude,
		Longitude:      report.Longitude,
		Speed:          report.Speed,
		Heading:        report.Heading,
		BatteryVoltage: report.BatteryVoltage,
		SignalStrength: report.SignalStrength,
	}

	record, persistErr := p.persist(ctx, reqLogger, newRecord)
	if persistErr != nil && deviceID != nil && store.IsForeignKeyViolation(persistErr) {
		// the device row was deleted after it was resolved, possibly from a
		// cached id; resolve once more and write against the fresh row
		reqLogger.Warn("resolved device no longer exists, re-resolving",
			zap.Int64("device_id", *deviceID),
			zap.Error(persistErr))
		p.devices.Invalidate(ctx, report.ExternalID)
		if deviceID, err = p.resolve(ctx, reqLogger, report.ExternalID); err != nil {
			return nil, err
		}
		newRecord.DeviceID = deviceID
		record, persistErr = p.persist(ctx, reqLogger, newRecord)
	}
	if persistErr != nil {
		reqLogger.Error("failed to persist record", zap.Error(persistErr))
		return nil, &PersistentStoreError{Phase: phasePersist, Err: persistErr}
	}

	result := &Result{Outcome: Succeeded, DeviceID: deviceID, Record: record}
	if deviceID == nil {
		result.Outcome = DegradedSucceeded
	} else {
		p.devices.TouchLastSeen(*deviceID)
	}

	p.publish(ctx, reqLogger, requestID, report.ExternalID, result)

	fields := []zap.Field{
		zap.Int64("record_id", record.ID),
		zap.String("outcome", result.Outcome.String()),
	}
	if deviceID != nil {
		fields = append(fields, zap.Int64("device_id", *deviceID))
	}
	if result.Degraded() {
		reqLogger.Warn("report stored in degraded mode", fields...)
	} else {
		reqLogger.Info("report stored", fields...)
	}

	return result, nil
}

// resolve maps externalID to a device id. A store failure yields a nil id so
// the record is written unlinked; only an unusable id is returned as error.
func (p *Pipeline) resolve(ctx context.Context, logger *zap.Logger, externalID string) (*int64, error) {
	var deviceID *int64
	err := p.withRecovery(ctx, logger, phaseResolve, func(ctx context.Context) error {
		id, err := p.devices.ResolveOrCreate(ctx, externalID)
		if err != nil {
			return err
		}
		deviceID = &id
		return nil
	})
	if err != nil {
		if errors.Is(err, registry.ErrInvalidExternalID) {
			return nil, &ValidationError{Field: "external_id", Reason: err.Error()}
		}
		logger.Warn("device resolution failed, storing record without device link",
			zap.Error(err))
		return nil, nil
	}
	return deviceID, nil
}

func (p *Pipeline) persist(ctx context.Context, logger *zap.Logger, rec db.NewRecord) (*db.TelemetryRecord, error) {
	var record *db.TelemetryRecord
	err := p.withRecovery(ctx, logger, phasePersist, func(ctx context.Context) error {
		inserted, err := p.records.Insert(ctx, rec)
		if err != nil {
			return err
		}
		record = inserted
		return nil
	})
	return record, err
}

// withRecovery runs op once, and at most once more: after provisioning the
// schema when a relation is missing, or directly when the failure was
// transient. Any other failure, or a failure of the retry, is returned.
func (p *Pipeline) withRecovery(ctx context.Context, logger *zap.Logger, phase string, op func(context.Context) error) error {
	err := p.attempt(ctx, op)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	switch {
	case store.IsSchemaMissing(err):
		logger.Warn("relation missing, provisioning schema",
			zap.String("phase", phase),
			zap.Error(err))
		if provErr := p.attempt(ctx, p.schema.EnsureSchema); provErr != nil {
			return fmt.Errorf("schema provisioning failed: %w (after: %v)", provErr, err)
		}
	case store.IsTransient(err):
		logger.Warn("transient store failure, retrying once",
			zap.String("phase", phase),
			zap.Error(err))
	default:
		return err
	}

	return p.attempt(ctx, op)
}

// attempt bounds a single store operation by the configured timeout
func (p *Pipeline) attempt(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	return op(opCtx)
}

func (p *Pipeline) publish(ctx context.Context, logger *zap.Logger, requestID, externalID string, result *Result) {
	rec := result.Record
	event := mq.IngestedEvent{
		EventID:        uuid.New().String(),
		RequestID:      requestID,
		RecordID:       rec.ID,
		DeviceID:       result.DeviceID,
		ExternalID:     externalID,
		Latitude:       rec.Latitude,
		Longitude:      rec.Longitude,
		Speed:          rec.Speed,
		Heading:        rec.Heading,
		BatteryVoltage: rec.BatteryVoltage,
		SignalStrength: rec.SignalStrength,
		RecordedAt:     rec.RecordedAt,
		Degraded:       result.Degraded(),
	}

	if err := p.attempt(ctx, func(ctx context.Context) error {
		return p.publisher.PublishIngested(ctx, event)
	}); err != nil {
		// Log error but don't fail the accepted report
		logger.Error("failed to publish ingested event",
			zap.Error(err),
			zap.Int64("record_id", rec.ID))
	}
}
