package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/septivank/gps-telemetry-ingest/internal/store"
	"go.uber.org/zap"
)

// ErrInvalidExternalID is returned for an empty or over-long external id
var ErrInvalidExternalID = errors.New("invalid external id")

// DeviceStore is the persistence the registry resolves against
type DeviceStore interface {
	FindIDByExternalID(ctx context.Context, externalID string) (int64, error)
	Create(ctx context.Context, externalID string) (int64, error)
	TouchLastSeen(ctx context.Context, deviceID int64) error
}

// Cache remembers resolved device ids. Implementations log their own
// failures and report them as misses.
type Cache interface {
	Get(ctx context.Context, externalID string) (int64, bool)
	Set(ctx context.Context, externalID string, deviceID int64)
	Delete(ctx context.Context, externalID string)
	Flush(ctx context.Context) error
}

// Registry resolves external identifiers to device ids
type Registry struct {
	devices      DeviceStore
	cache        Cache
	touchTimeout time.Duration
	logger       *zap.Logger

	touches sync.WaitGroup
}

// NewRegistry creates a new device registry. A nil cache disables caching.
func NewRegistry(devices DeviceStore, cache Cache, touchTimeout time.Duration, logger *zap.Logger) *Registry {
	if cache == nil {
		cache = NopCache{}
	}
	return &Registry{
		devices:      devices,
		cache:        cache,
		touchTimeout: touchTimeout,
		logger:       logger,
	}
}

// ResolveOrCreate returns the id of the device with the given external id,
// creating it on first contact. When a concurrent caller wins the insert
// race the existing row is read back, so every caller gets the same id.
func (r *Registry) ResolveOrCreate(ctx context.Context, externalID string) (int64, error) {
	if n := utf8.RuneCountInString(externalID); n == 0 || n > store.ExternalIDMaxLength {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidExternalID, n)
	}

	if id, ok := r.cache.Get(ctx, externalID); ok {
		return id, nil
	}

	id, err := r.devices.FindIDByExternalID(ctx, externalID)
	if err == nil {
		r.cache.Set(ctx, externalID, id)
		return id, nil
	}
	if !store.IsNotFound(err) {
		return 0, err
	}

	id, err = r.devices.Create(ctx, externalID)
	if err == nil {
		r.logger.Info("device registered",
			zap.String("external_id", externalID),
			zap.Int64("device_id", id))
		r.cache.Set(ctx, externalID, id)
		return id, nil
	}
	if !store.IsUniqueViolation(err) {
		return 0, err
	}

	r.logger.Debug("lost device creation race, re-reading",
		zap.String("external_id", externalID))

	id, err = r.devices.FindIDByExternalID(ctx, externalID)
	if err != nil {
		return 0, err
	}
	r.cache.Set(ctx, externalID, id)
	return id, nil
}

// Invalidate drops a cached resolution that the store no longer backs, so
// the next ResolveOrCreate reads or recreates the device row.
func (r *Registry) Invalidate(ctx context.Context, externalID string) {
	r.cache.Delete(ctx, externalID)
}

// TouchLastSeen updates the device's last_seen_at in the background. Failures
// are logged and never reported to the caller.
func (r *Registry) TouchLastSeen(deviceID int64) {
	r.touches.Add(1)
	go func() {
		defer r.touches.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.touchTimeout)
		defer cancel()

		if err := r.devices.TouchLastSeen(ctx, deviceID); err != nil {
			r.logger.Warn("failed to update device last_seen_at",
				zap.Int64("device_id", deviceID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight last_seen_at updates finish or ctx is done
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.touches.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NopCache never hits
type NopCache struct{}

func (NopCache) Get(context.Context, string) (int64, bool) { return 0, false }
func (NopCache) Set(context.Context, string, int64)        {}
func (NopCache) Delete(context.Context, string)            {}
func (NopCache) Flush(context.Context) error               { return nil }
