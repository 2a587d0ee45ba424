// Package cache is the Redis-backed hot path for command dispatch: channel
// prefixes, greeting keyword sets and cooldown markers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache: miss")

// TTL applied to prefix and greeting entries; refreshed on every write.
const TTL = 24 * time.Hour

// loadedField marks a greeting hash as populated so an empty set is still a hit.
const loadedField = "__loaded__"

// Cache wraps a go-redis client.
type Cache struct {
	rdb redis.UniversalClient
}

// New wraps an existing client.
func New(rdb redis.UniversalClient) *Cache { return &Cache{rdb: rdb} }

// Connect parses a redis:// URL, opens a client and pings it.
func Connect(ctx context.Context, url string) (*Cache, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close releases the client.
func (c *Cache) Close() error { return c.rdb.Close() }

func prefixKey(channelID string) string    { return "config:prefix:" + channelID }
func greetingsKey(channelID string) string { return "greetings:" + channelID }

// CooldownKey builds the marker key for a command or greeting in a channel.
func CooldownKey(channelID, scope, name string) string {
	return "cooldown:" + channelID + ":" + scope + ":" + name
}

// GetPrefix returns the cached command prefix or ErrMiss.
func (c *Cache) GetPrefix(ctx context.Context, channelID string) (string, error) {
	v, err := c.rdb.Get(ctx, prefixKey(channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("get prefix: %w", err)
	}
	return v, nil
}

// SetPrefix caches the prefix for TTL.
func (c *Cache) SetPrefix(ctx context.Context, channelID, prefix string) error {
	if err := c.rdb.Set(ctx, prefixKey(channelID), prefix, TTL).Err(); err != nil {
		return fmt.Errorf("set prefix: %w", err)
	}
	return nil
}

// GetGreetings returns the cached keyword→response map or ErrMiss.
func (c *Cache) GetGreetings(ctx context.Context, channelID string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, greetingsKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get greetings: %w", err)
	}
	if _, ok := m[loadedField]; !ok {
		return nil, ErrMiss
	}
	delete(m, loadedField)
	return m, nil
}

// SetGreetings replaces the cached greeting set atomically.
func (c *Cache) SetGreetings(ctx context.Context, channelID string, greetings map[string]string) error {
	key := greetingsKey(channelID)
	values := make([]any, 0, 2*len(greetings)+2)
	values = append(values, loadedField, "1")
	for k, v := range greetings {
		values = append(values, k, v)
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, values...)
		p.Expire(ctx, key, TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set greetings: %w", err)
	}
	return nil
}

// InvalidateGreetings drops the cached set so the next read reloads it.
func (c *Cache) InvalidateGreetings(ctx context.Context, channelID string) error {
	if err := c.rdb.Del(ctx, greetingsKey(channelID)).Err(); err != nil {
		return fmt.Errorf("invalidate greetings: %w", err)
	}
	return nil
}

// AcquireCooldown sets key for ttl if it is not already set. It reports true
// when the caller may proceed. A non-positive ttl always proceeds.
func (c *Cache) AcquireCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire cooldown: %w", err)
	}
	return ok, nil
}

// CountWindow increments key and returns the number of hits in the current
// fixed window. The window starts at the first hit.
func (c *Cache) CountWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	return incr.Val(), nil
}
