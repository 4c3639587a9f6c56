package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// TestSource loads test definitions from the source of truth.
type TestSource interface {
	GetTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error)
}

// CachedCatalog serves test definitions from Redis, falling back to the
// source on a miss and re-populating the cache.
type CachedCatalog struct {
	source TestSource
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCachedCatalog creates a new CachedCatalog.
func NewCachedCatalog(source TestSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedCatalog {
	return &CachedCatalog{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "catalog_cache").Logger(),
	}
}

// GetTest returns a definition, preferring the cached copy.
func (c *CachedCatalog) GetTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	key := config.CacheKey.TestDefinitionKey(id.String())

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var def model.TestDefinition
		if jsonErr := json.Unmarshal(raw, &def); jsonErr == nil {
			return &def, nil
		}
		c.log.Warn().Str("test_id", id.String()).Msg("Corrupt cached definition, reloading")
	case !errors.Is(err, redis.Nil):
		// Redis being down must not block exams; read through.
		c.log.Warn().Err(err).Msg("Catalog cache read failed")
	}

	def, err := c.source.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(def); err == nil {
		if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Msg("Catalog cache write failed")
		}
	}
	return def, nil
}

// Invalidate drops the cached definition of a test.
func (c *CachedCatalog) Invalidate(ctx context.Context, id uuid.UUID) error {
	return c.rdb.Del(ctx, config.CacheKey.TestDefinitionKey(id.String())).Err()
}
