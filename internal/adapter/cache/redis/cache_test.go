package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewCache(NewClient(mr.Addr()))
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	station := uuid.New()
	when := time.Now().Add(-time.Hour).Truncate(time.Second).UTC()

	entry := domain.CacheEntry{Station: station, Key: "rain_counter", Time: when, Value: 1234}
	require.NoError(t, c.Put(ctx, entry))

	got, err := c.Get(ctx, station, "rain_counter")
	require.NoError(t, err)
	assert.Equal(t, entry, got)
}

func TestCache_Get_Missing(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), uuid.New(), "rain_counter")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCache_Get_StaleTreatedAbsent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	station := uuid.New()

	entry := domain.CacheEntry{
		Station: station,
		Key:     "rain_counter",
		Time:    time.Now().Add(-domain.CacheFreshness - time.Minute),
		Value:   99,
	}
	require.NoError(t, c.Put(ctx, entry))

	_, err := c.Get(ctx, station, "rain_counter")
	require.ErrorIs(t, err, domain.ErrStale)
}

func TestCache_Put_Overwrites(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	station := uuid.New()
	now := time.Now().Truncate(time.Second).UTC()

	require.NoError(t, c.Put(ctx, domain.CacheEntry{Station: station, Key: "k", Time: now.Add(-time.Hour), Value: 1}))
	require.NoError(t, c.Put(ctx, domain.CacheEntry{Station: station, Key: "k", Time: now, Value: 2}))

	got, err := c.Get(ctx, station, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Value)
	assert.Equal(t, now, got.Time)
}

func TestCache_KeysAreScoped(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, c.Put(ctx, domain.CacheEntry{Station: a, Key: "k", Time: now, Value: 7}))
	_, err := c.Get(ctx, b, "k")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
