package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const redisPrefix = "recs:"

// RedisCache shares cached values across instances. When CB is set every
// Redis round trip goes through it, so an unreachable Redis fails fast.
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
	CB     *gobreaker.CircuitBreaker
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) RedisOption {
	return func(c *RedisCache) { c.CB = cb }
}

func NewRedisCache(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &RedisCache{Client: client, TTL: ttl}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) exec(fn func() (interface{}, error)) (interface{}, error) {
	if c.CB == nil {
		return fn()
	}
	return c.CB.Execute(fn)
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	res, err := c.exec(func() (interface{}, error) {
		val, err := c.Client.Get(ctx, redisPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is a healthy answer.
			return []byte(nil), nil
		}
		return val, err
	})
	if err != nil {
		return false, err
	}
	val, _ := res.([]byte)
	if val == nil {
		return false, nil
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.exec(func() (interface{}, error) {
		return nil, c.Client.Set(ctx, redisPrefix+key, b, c.TTL).Err()
	})
	return err
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.Client.Del(ctx, redisPrefix+key).Err()
	})
	return err
}

// NewBreaker returns the breaker used around the shared cache.
func NewBreaker(name string, failures uint32, cooldown time.Duration, onChange func(name string, from, to gobreaker.State)) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: onChange,
	})
}
