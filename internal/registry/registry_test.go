package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/septivank/gps-telemetry-ingest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDevices mimics the devices table with its unique external_id constraint
type fakeDevices struct {
	mu      sync.Mutex
	ids     map[string]int64
	nextID  int64
	touched map[int64]int

	finds   atomic.Int32
	creates atomic.Int32

	// winner, when set, is inserted by a "concurrent caller" just before the
	// first Create, so that Create loses the race
	winner   string
	findErr  error
	touchErr error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{ids: map[string]int64{}, touched: map[int64]int{}}
}

func (f *fakeDevices) FindIDByExternalID(_ context.Context, externalID string) (int64, error) {
	f.finds.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return 0, f.findErr
	}
	id, ok := f.ids[externalID]
	if !ok {
		return 0, store.Classify("find device", pgx.ErrNoRows)
	}
	return id, nil
}

func (f *fakeDevices) Create(_ context.Context, externalID string) (int64, error) {
	f.creates.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.winner == externalID {
		f.nextID++
		f.ids[externalID] = f.nextID
		f.winner = ""
	}
	if _, ok := f.ids[externalID]; ok {
		return 0, store.Classify("create device", &pgconn.PgError{Code: "23505"})
	}
	f.nextID++
	f.ids[externalID] = f.nextID
	return f.nextID, nil
}

func (f *fakeDevices) TouchLastSeen(_ context.Context, deviceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched[deviceID]++
	return nil
}

type mapCache struct {
	mu  sync.Mutex
	ids map[string]int64
}

func (c *mapCache) Get(_ context.Context, externalID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[externalID]
	return id, ok
}

func (c *mapCache) Set(_ context.Context, externalID string, deviceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[externalID] = deviceID
}

func (c *mapCache) Delete(_ context.Context, externalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, externalID)
}

func (c *mapCache) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = map[string]int64{}
	return nil
}

func newTestRegistry(devices DeviceStore, cache Cache) *Registry {
	return NewRegistry(devices, cache, time.Second, zap.NewNop())
}

func TestResolveOrCreate_CreatesOnFirstContact(t *testing.T) {
	devices := newFakeDevices()
	reg := newTestRegistry(devices, nil)

	id, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int32(1), devices.creates.Load())
}

func TestResolveOrCreate_ReturnsExisting(t *testing.T) {
	devices := newFakeDevices()
	devices.ids["IMEI123"] = 7
	devices.nextID = 7
	reg := newTestRegistry(devices, nil)

	id, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int32(0), devices.creates.Load())
}

func TestResolveOrCreate_LostRaceRereads(t *testing.T) {
	devices := newFakeDevices()
	devices.winner = "IMEI123"
	reg := newTestRegistry(devices, nil)

	id, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int32(2), devices.finds.Load())
	assert.Len(t, devices.ids, 1)
}

func TestResolveOrCreate_ConcurrentFirstContact(t *testing.T) {
	devices := newFakeDevices()
	reg := newTestRegistry(devices, nil)

	const callers = 32
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Len(t, devices.ids, 1)
	for _, id := range ids {
		assert.Equal(t, devices.ids["IMEI123"], id)
	}
}

func TestResolveOrCreate_InvalidExternalID(t *testing.T) {
	devices := newFakeDevices()
	reg := newTestRegistry(devices, nil)

	_, err := reg.ResolveOrCreate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidExternalID)

	_, err = reg.ResolveOrCreate(context.Background(), strings.Repeat("9", store.ExternalIDMaxLength+1))
	assert.ErrorIs(t, err, ErrInvalidExternalID)

	_, err = reg.ResolveOrCreate(context.Background(), strings.Repeat("é", store.ExternalIDMaxLength+1))
	assert.ErrorIs(t, err, ErrInvalidExternalID)

	assert.Equal(t, int32(0), devices.finds.Load())
}

func TestResolveOrCreate_LimitCountsCharacters(t *testing.T) {
	devices := newFakeDevices()
	reg := newTestRegistry(devices, nil)

	id, err := reg.ResolveOrCreate(context.Background(), strings.Repeat("é", store.ExternalIDMaxLength))
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestInvalidate_DropsCachedResolution(t *testing.T) {
	devices := newFakeDevices()
	cache := &mapCache{ids: map[string]int64{"IMEI123": 99}}
	reg := newTestRegistry(devices, cache)

	id, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)
	assert.Equal(t, int32(0), devices.finds.Load())

	reg.Invalidate(context.Background(), "IMEI123")

	id, err = reg.ResolveOrCreate(context.Background(), "IMEI123")
	require.NoError(t, err)
	assert.NotEqual(t, int64(99), id)
	assert.Equal(t, devices.ids["IMEI123"], id)
	assert.Equal(t, id, cache.ids["IMEI123"])
}

func TestResolveOrCreate_PropagatesStoreErrors(t *testing.T) {
	devices := newFakeDevices()
	devices.findErr = store.Classify("find device", &pgconn.PgError{Code: "42P01"})
	reg := newTestRegistry(devices, nil)

	_, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
	assert.True(t, store.IsSchemaMissing(err))
	assert.Equal(t, int32(0), devices.creates.Load())
}

func TestResolveOrCreate_UsesCache(t *testing.T) {
	devices := newFakeDevices()
	cache := &mapCache{ids: map[string]int64{}}
	reg := newTestRegistry(devices, cache)

	first, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
	require.NoError(t, err)

	second, err := reg.ResolveOrCreate(context.Background(), "IMEI123")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), devices.finds.Load())
}

func TestTouchLastSeen_IsBestEffort(t *testing.T) {
	devices := newFakeDevices()
	reg := newTestRegistry(devices, nil)

	reg.TouchLastSeen(3)
	require.NoError(t, reg.Wait(context.Background()))
	assert.Equal(t, 1, devices.touched[3])

	devices.touchErr = errors.New("connection reset")
	reg.TouchLastSeen(3)
	require.NoError(t, reg.Wait(context.Background()))
	assert.Equal(t, 1, devices.touched[3])
}

type fakeTruncater struct {
	err   error
	calls int
}

func (f *fakeTruncater) ClearAll(context.Context) error {
	f.calls++
	return f.err
}

func TestPurger_ClearAll(t *testing.T) {
	cache := &mapCache{ids: map[string]int64{"IMEI123": 1}}
	truncater := &fakeTruncater{}

	require.NoError(t, NewPurger(truncater, cache).ClearAll(context.Background()))
	assert.Equal(t, 1, truncater.calls)
	assert.Empty(t, cache.ids)
}

func TestPurger_UnprovisionedStoreIsEmpty(t *testing.T) {
	truncater := &fakeTruncater{err: store.Classify("clear all", &pgconn.PgError{Code: "42P01"})}

	assert.NoError(t, NewPurger(truncater, nil).ClearAll(context.Background()))
}

func TestPurger_StoreFailure(t *testing.T) {
	cache := &mapCache{ids: map[string]int64{"IMEI123": 1}}
	truncater := &fakeTruncater{err: store.Classify("clear all", &pgconn.PgError{Code: "08006"})}

	err := NewPurger(truncater, cache).ClearAll(context.Background())
	require.Error(t, err)
	assert.Len(t, cache.ids, 1)
}
