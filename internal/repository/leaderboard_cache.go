package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// LeaderboardCache stores rendered leaderboards under a version counter.
// Bumping the counter orphans every cached view at once; the TTL reaps them.
type LeaderboardCache struct {
	rdb *redis.Client
}

// NewLeaderboardCache creates a new LeaderboardCache.
func NewLeaderboardCache(rdb *redis.Client) *LeaderboardCache {
	return &LeaderboardCache{rdb: rdb}
}

// Version returns the current counter value (0 when never bumped).
func (c *LeaderboardCache) Version(ctx context.Context) (int64, error) {
	v, err := c.rdb.Get(ctx, config.CacheKey.LeaderboardVersionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Bump invalidates every cached leaderboard.
func (c *LeaderboardCache) Bump(ctx context.Context) error {
	return c.rdb.Incr(ctx, config.CacheKey.LeaderboardVersionKey()).Err()
}

// Get returns a cached leaderboard, or ok=false on a miss.
func (c *LeaderboardCache) Get(ctx context.Context, key string) (*model.Leaderboard, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var lb model.Leaderboard
	if err := json.Unmarshal(raw, &lb); err != nil {
		return nil, false, nil
	}
	return &lb, true, nil
}

// Set stores a leaderboard for ttl.
func (c *LeaderboardCache) Set(ctx context.Context, key string, lb *model.Leaderboard, ttl time.Duration) error {
	raw, err := json.Marshal(lb)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}
