package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

// PreferenceTTL is how long resolved preferences are cached. Preferences
// change rarely and writes invalidate eagerly, so the TTL only bounds
// staleness after a missed invalidation.
const PreferenceTTL = 10 * time.Minute

// PreferenceStore is the database source the cache fills misses from.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error)
}

// PreferenceCache is a read-through Redis cache over the preference store.
// It fails open: if Redis is down, reads fall through to the database so a
// cache outage degrades latency, never correctness.
type PreferenceCache struct {
	client *Client
	store  PreferenceStore
	logger *zap.Logger
}

// NewPreferenceCache creates a read-through cache over store.
func NewPreferenceCache(client *Client, store PreferenceStore, logger *zap.Logger) *PreferenceCache {
	return &PreferenceCache{
		client: client,
		store:  store,
		logger: logger,
	}
}

func (c *PreferenceCache) buildKey(userID uuid.UUID) string {
	return fmt.Sprintf("pref:%s", userID)
}

// GetPreference returns the user's preference, from cache when possible.
func (c *PreferenceCache) GetPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error) {
	key := c.buildKey(userID)

	val, err := c.client.rdb.Get(ctx, key).Result()
	if err == nil {
		var pref db.Preference
		if err := json.Unmarshal([]byte(val), &pref); err == nil {
			return &pref, nil
		}
		// Corrupt entry, drop it and fall through to the store.
		c.client.rdb.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.Warn("preference cache read failed, falling back to database",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
	}

	pref, err := c.store.GetPreference(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(pref); err == nil {
		if err := c.client.rdb.Set(ctx, key, data, PreferenceTTL).Err(); err != nil {
			c.logger.Warn("preference cache write failed",
				zap.Error(err),
				zap.String("user_id", userID.String()),
			)
		}
	}

	return pref, nil
}

// Invalidate drops the cached entry for a user. Called after every
// preference update.
func (c *PreferenceCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	if err := c.client.rdb.Del(ctx, c.buildKey(userID)).Err(); err != nil {
		c.logger.Warn("preference cache invalidation failed",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
	}
}
