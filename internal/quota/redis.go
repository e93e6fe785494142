package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "playdelivery:quota:"

// consumeScript decrements KEYS[1] by ARGV[1] only if enough units remain.
// Returns -1 for a missing key, 0 when short, 1 when consumed.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return -1
end
local n = tonumber(ARGV[1])
if tonumber(v) < n then
  return 0
end
redis.call('DECRBY', KEYS[1], n)
return 1
`)

// restoreScript increments KEYS[1] by ARGV[1] if the key exists.
var restoreScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// RedisCounter shares counters between worker processes through Redis.
type RedisCounter struct {
	rdb *redis.Client
}

var _ Counter = (*RedisCounter)(nil)

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	log.Info().Msgf("connecting to redis at %s", addr)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisCounter(rdb), nil
}

func (c *RedisCounter) Close() error {
	return c.rdb.Close()
}

func key(name string) string {
	return keyPrefix + name
}

func (c *RedisCounter) Remaining(ctx context.Context, name string) (int64, error) {
	v, err := c.rdb.Get(ctx, key(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota for %s: %w", name, err)
	}
	return v, nil
}

func (c *RedisCounter) TryConsume(ctx context.Context, name string, n int64) (bool, error) {
	if n <= 0 {
		return false, nil
	}
	res, err := consumeScript.Run(ctx, c.rdb, []string{key(name)}, n).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to consume quota for %s: %w", name, err)
	}
	switch res {
	case -1:
		return false, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (c *RedisCounter) Restore(ctx context.Context, name string, n int64) error {
	res, err := restoreScript.Run(ctx, c.rdb, []string{key(name)}, n).Int64()
	if err != nil {
		return fmt.Errorf("failed to restore quota for %s: %w", name, err)
	}
	if res == -1 {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return nil
}

func (c *RedisCounter) Reset(ctx context.Context, name string, capacity int64) error {
	if err := c.rdb.Set(ctx, key(name), capacity, 0).Err(); err != nil {
		return fmt.Errorf("failed to reset quota for %s: %w", name, err)
	}
	return nil
}

// Seed lets the first worker process to start set the day's quota. Later
// processes join the counter as it stands.
func (c *RedisCounter) Seed(ctx context.Context, name string, capacity int64) error {
	if err := c.rdb.SetNX(ctx, key(name), capacity, 0).Err(); err != nil {
		return fmt.Errorf("failed to seed quota for %s: %w", name, err)
	}
	return nil
}
