// Package redis implements the station cache over Redis hashes.
//
// Entries carry cross-message continuity state (rain counters, correction
// counters). The domain.CacheFreshness policy is applied on the read path, so
// every decoder sees the same staleness behavior.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meteologic/meteodata-collector/internal/domain"
)

// Cache implements domain.StationCache.
type Cache struct {
	client *redis.Client
	now    func() time.Time
}

// NewCache constructs a Cache over an established client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client, now: time.Now}
}

// NewClient dials Redis at addr.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func cacheKey(station uuid.UUID, key string) string {
	return "station_cache:" + station.String() + ":" + key
}

// Get loads one entry. Stale entries (older than domain.CacheFreshness) yield
// domain.ErrStale and must be treated as absent by callers.
func (c *Cache) Get(ctx context.Context, station uuid.UUID, key string) (domain.CacheEntry, error) {
	vals, err := c.client.HGetAll(ctx, cacheKey(station, key)).Result()
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("op=cache.get: %w", err)
	}
	if len(vals) == 0 {
		return domain.CacheEntry{}, fmt.Errorf("op=cache.get: %w", domain.ErrNotFound)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("op=cache.get: bad ts: %w", err)
	}
	value, err := strconv.ParseInt(vals["value"], 10, 64)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("op=cache.get: bad value: %w", err)
	}
	entry := domain.CacheEntry{
		Station: station,
		Key:     key,
		Time:    time.Unix(ts, 0).UTC(),
		Value:   value,
	}
	if !entry.Fresh(c.now()) {
		return domain.CacheEntry{}, fmt.Errorf("op=cache.get: %w", domain.ErrStale)
	}
	return entry, nil
}

// Put stores one entry. The key expires well past the freshness horizon so
// dead stations do not accumulate state.
func (c *Cache) Put(ctx context.Context, entry domain.CacheEntry) error {
	key := cacheKey(entry.Station, entry.Key)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		"ts", strconv.FormatInt(entry.Time.Unix(), 10),
		"value", strconv.FormatInt(entry.Value, 10),
	)
	pipe.Expire(ctx, key, 2*domain.CacheFreshness)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=cache.put: %w", err)
	}
	return nil
}

var _ domain.StationCache = (*Cache)(nil)
