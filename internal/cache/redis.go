package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/knowledge-search/internal/model"
)

// KeyPrefix namespaces result keys.
const KeyPrefix = "ksearch:result:"

// RedisConfig holds connection settings for the shared cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a go-redis client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
}

// Redis stores results as JSON with a TTL, shared across instances.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	counters
}

// NewRedis creates a Redis-backed cache.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Get implements Cache.
func (c *Redis) Get(ctx context.Context, fingerprint string) (*model.Result, bool, error) {
	data, err := c.client.Get(ctx, KeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		c.record(false)
		return nil, false, nil
	}
	if err != nil {
		c.record(false)
		return nil, false, eris.Wrap(err, "cache: redis get")
	}
	var r model.Result
	if err := json.Unmarshal(data, &r); err != nil {
		c.record(false)
		return nil, false, eris.Wrap(err, "cache: decode result")
	}
	c.record(true)
	return &r, true, nil
}

// Set implements Cache.
func (c *Redis) Set(ctx context.Context, fingerprint string, r *model.Result) error {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "cache: encode result")
	}
	if err := c.client.Set(ctx, KeyPrefix+fingerprint, data, c.ttl).Err(); err != nil {
		return eris.Wrap(err, "cache: redis set")
	}
	return nil
}

// Stats implements Cache.
func (c *Redis) Stats() Stats { return c.stats() }
