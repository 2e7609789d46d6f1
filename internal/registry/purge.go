package registry

import (
	"context"
	"fmt"

	"github.com/septivank/gps-telemetry-ingest/internal/store"
)

// Truncater removes all devices and records from the store
type Truncater interface {
	ClearAll(ctx context.Context) error
}

// Purger runs the administrative clear-all and drops cached resolutions,
// which would otherwise point at ids the store is about to reissue.
type Purger struct {
	store Truncater
	cache Cache
}

// NewPurger creates a new purger. A nil cache is treated as disabled.
func NewPurger(store Truncater, cache Cache) *Purger {
	if cache == nil {
		cache = NopCache{}
	}
	return &Purger{store: store, cache: cache}
}

// ClearAll truncates devices and records, then flushes the cache. A store
// that was never provisioned has nothing to clear.
func (p *Purger) ClearAll(ctx context.Context) error {
	if err := p.store.ClearAll(ctx); err != nil && !store.IsSchemaMissing(err) {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	if err := p.cache.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush device cache: %w", err)
	}
	return nil
}
