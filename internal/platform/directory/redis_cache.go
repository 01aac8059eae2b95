/*
File: internal/platform/directory/redis_cache.go
Description: Read-through Redis cache wrapped around another Directory.
Registration bursts (every reconnect re-validates the same few identities)
should not hammer the profile store.
*/
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisCachedDirectory is a read-through cache over an inner Directory.
// Cache failures degrade to the inner lookup, never to a denied
// registration.
type RedisCachedDirectory struct {
	client redisClient
	inner  relay.Directory
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCachedDirectory wraps inner with a Redis cache holding profiles
// for ttl.
func NewRedisCachedDirectory(client redisClient, inner relay.Directory, ttl time.Duration, logger zerolog.Logger) (*RedisCachedDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if inner == nil {
		return nil, fmt.Errorf("inner directory cannot be nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	return &RedisCachedDirectory{
		client: client,
		inner:  inner,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisCachedDirectory").Logger(),
	}, nil
}

func cacheKey(id relay.DeviceID) string {
	return "device-profile:" + id.String()
}

// Lookup checks the cache, then falls through to the inner directory and
// populates the cache on a hit. Unknown devices are not negatively cached;
// a freshly provisioned caller should be able to register immediately.
func (d *RedisCachedDirectory) Lookup(ctx context.Context, id relay.DeviceID) (relay.DeviceProfile, error) {
	key := cacheKey(id)

	cached, err := d.client.Get(ctx, key).Result()
	if err == nil {
		var profile relay.DeviceProfile
		if err := json.Unmarshal([]byte(cached), &profile); err == nil {
			return profile, nil
		}
		// Poison entry; fall through and let the write below repair it.
		d.logger.Warn().Str("key", key).Msg("Discarding unparseable cached profile.")
	} else if !errors.Is(err, redis.Nil) {
		d.logger.Warn().Err(err).Str("key", key).Msg("Profile cache read failed. Falling back to directory.")
	}

	profile, err := d.inner.Lookup(ctx, id)
	if err != nil {
		return relay.DeviceProfile{}, err
	}

	if payload, err := json.Marshal(profile); err == nil {
		if err := d.client.Set(ctx, key, payload, d.ttl).Err(); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("Profile cache write failed.")
		}
	}
	return profile, nil
}

// Close releases the cache client and the inner directory.
func (d *RedisCachedDirectory) Close() error {
	if err := d.client.Close(); err != nil {
		_ = d.inner.Close()
		return err
	}
	return d.inner.Close()
}
