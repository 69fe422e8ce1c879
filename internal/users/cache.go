package users

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"relay-service/internal/models"
)

// CacheStats counts cache outcomes.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// CachedProfiles puts a Redis cache-aside layer in front of a ProfileSource.
// Redis failures never fail a lookup; they fall through to the source.
type CachedProfiles struct {
	source ProfileSource
	client *redis.Client
	prefix string
	ttl    time.Duration
	stats  CacheStats
}

// NewCachedProfiles wraps source with a Redis cache.
func NewCachedProfiles(source ProfileSource, client *redis.Client, ttl time.Duration) *CachedProfiles {
	return &CachedProfiles{source: source, client: client, prefix: "relay:profile:", ttl: ttl}
}

// GetProfile returns the cached profile or loads and caches it.
func (c *CachedProfiles) GetProfile(ctx context.Context, userID int) (models.Profile, error) {
	key := c.prefix + strconv.Itoa(userID)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p models.Profile
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil {
			atomic.AddUint64(&c.stats.Hits, 1)
			return p, nil
		}
		atomic.AddUint64(&c.stats.Errors, 1)
	case errors.Is(err, redis.Nil):
		atomic.AddUint64(&c.stats.Misses, 1)
	default:
		atomic.AddUint64(&c.stats.Errors, 1)
		log.Warn().Err(err).Int("user_id", userID).Msg("profile cache get failed")
	}

	p, err := c.source.GetProfile(ctx, userID)
	if err != nil {
		return models.Profile{}, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			atomic.AddUint64(&c.stats.Errors, 1)
			log.Warn().Err(err).Int("user_id", userID).Msg("profile cache set failed")
		}
	}
	return p, nil
}

// Stats returns a snapshot of the cache counters.
func (c *CachedProfiles) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadUint64(&c.stats.Hits),
		Misses: atomic.LoadUint64(&c.stats.Misses),
		Errors: atomic.LoadUint64(&c.stats.Errors),
	}
}
