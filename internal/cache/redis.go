package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "crowdguard:"

var (
	// incrementScript increments a counter and starts its window on first use.
	incrementScript = redis.NewScript(`
		local current = redis.call('INCR', KEYS[1])
		if current == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return current
	`)

	// swapScript: ARGV[1]="1" expects the key absent, otherwise the current
	// value must equal ARGV[2]. ARGV[3] is the new value, ARGV[4] the TTL in ms.
	swapScript = redis.NewScript(`
		local current = redis.call('GET', KEYS[1])
		if ARGV[1] == '1' then
			if current then
				return 0
			end
		elseif current ~= ARGV[2] then
			return 0
		end
		local ttl = tonumber(ARGV[4])
		if ttl > 0 then
			redis.call('SET', KEYS[1], ARGV[3], 'PX', ttl)
		else
			redis.call('SET', KEYS[1], ARGV[3])
		end
		return 1
	`)

	deleteScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// CompareAndSwap stores value if the current value equals old, atomically
// on the server.
func (c *RedisCache) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	expectAbsent := "0"
	if old == nil {
		expectAbsent = "1"
	}

	swapped, err := swapScript.Run(ctx, c.client, []string{keyPrefix + key},
		expectAbsent, old, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return swapped == 1, nil
}

// CompareAndDelete removes key if its current value equals old.
func (c *RedisCache) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	deleted, err := deleteScript.Run(ctx, c.client, []string{keyPrefix + key}, old).Int64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

// IncrementCounter atomically increments a counter using Redis INCR with EXPIRE.
func (c *RedisCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrementScript.Run(ctx, c.client, []string{keyPrefix + "counter:" + key}, window.Milliseconds()).Int64()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
