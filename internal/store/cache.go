package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"greenhouse-telemetry/internal/telemetry"
)

// LatestTTL is how long a device's last reading stays in the cache. Devices
// that stop reporting drop out of the hot path after a day.
const LatestTTL = 24 * time.Hour

const rememberAttempts = 32

// Cached fronts a Store with Valkey/Redis for latest-reading lookups
// ("hot path"), the same split the dashboard persister uses. The wrapped
// Store stays the source of truth; cache failures are logged and never fail
// the operation.
type Cached struct {
	Store
	redis  *redis.Client
	logger *slog.Logger
}

// NewCached connects to Valkey and verifies the connection.
func NewCached(ctx context.Context, inner Store, addr string, logger *slog.Logger) (*Cached, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("valkey unavailable: %w", err)
	}
	return WrapCached(inner, rdb, logger), nil
}

// WrapCached wraps inner with an existing redis client.
func WrapCached(inner Store, rdb *redis.Client, logger *slog.Logger) *Cached {
	return &Cached{Store: inner, redis: rdb, logger: logger}
}

func latestKey(deviceID string) string {
	return "telemetry:last:" + deviceID
}

// InsertReading persists the reading and refreshes the device's cache entry.
func (c *Cached) InsertReading(ctx context.Context, r telemetry.RawReading) error {
	if err := c.Store.InsertReading(ctx, r); err != nil {
		return err
	}
	c.remember(ctx, r)
	return nil
}

// LatestReading answers from the cache and falls back to the wrapped Store.
func (c *Cached) LatestReading(ctx context.Context, deviceID string) (telemetry.RawReading, error) {
	raw, err := c.redis.Get(ctx, latestKey(deviceID)).Bytes()
	switch {
	case err == nil:
		var r telemetry.RawReading
		if err := json.Unmarshal(raw, &r); err == nil {
			return r, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "device_id", deviceID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache lookup failed", "device_id", deviceID, "error", err)
	}

	r, err := c.Store.LatestReading(ctx, deviceID)
	if err != nil {
		return r, err
	}
	c.remember(ctx, r)
	return r, nil
}

// remember never replaces a cached reading with an older one. The compare
// and the write run in one WATCH transaction; a concurrent update of the key
// makes the transaction fail and the comparison is repeated.
func (c *Cached) remember(ctx context.Context, r telemetry.RawReading) {
	key := latestKey(r.DeviceID)

	payload, err := json.Marshal(r)
	if err != nil {
		c.logger.Warn("cannot encode reading for cache", "device_id", r.DeviceID, "error", err)
		return
	}

	update := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var cur telemetry.RawReading
			if json.Unmarshal(raw, &cur) == nil && cur.ReceivedAt.After(r.ReceivedAt) {
				return nil
			}
		case !errors.Is(err, redis.Nil):
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, LatestTTL)
			return nil
		})
		return err
	}

	for range rememberAttempts {
		err = c.redis.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		c.logger.Warn("cache update failed", "device_id", r.DeviceID, "error", err)
	}
}

// Close closes the redis client and the wrapped Store.
func (c *Cached) Close() {
	_ = c.redis.Close()
	c.Store.Close()
}
