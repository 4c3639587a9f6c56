package event

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-engine/internal/config"
)

// RedisPublisher pushes events onto the per-test monitor channel that the
// admin SSE stream subscribes to.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a new RedisPublisher.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, config.CacheKey.TestMonitorChannel(e.TestID.String()), payload).Err()
}
