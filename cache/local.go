package cache

import (
	"context"
	"maps"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Local keeps prefixes, greetings and cooldown markers in process memory.
// It stands in for Redis when none is reachable, so a single bot instance
// still enforces cooldowns; markers are not shared between instances.
type Local struct {
	c *gocache.Cache
}

// NewLocal returns an empty in-process cache. Expired entries are swept
// every minute.
func NewLocal() *Local {
	return &Local{c: gocache.New(TTL, time.Minute)}
}

// GetPrefix returns the cached command prefix or ErrMiss.
func (l *Local) GetPrefix(_ context.Context, channelID string) (string, error) {
	v, ok := l.c.Get(prefixKey(channelID))
	if !ok {
		return "", ErrMiss
	}
	return v.(string), nil
}

// SetPrefix caches the prefix for TTL.
func (l *Local) SetPrefix(_ context.Context, channelID, prefix string) error {
	l.c.Set(prefixKey(channelID), prefix, TTL)
	return nil
}

// GetGreetings returns a copy of the cached greeting set or ErrMiss.
func (l *Local) GetGreetings(_ context.Context, channelID string) (map[string]string, error) {
	v, ok := l.c.Get(greetingsKey(channelID))
	if !ok {
		return nil, ErrMiss
	}
	return maps.Clone(v.(map[string]string)), nil
}

// SetGreetings replaces the cached greeting set.
func (l *Local) SetGreetings(_ context.Context, channelID string, greetings map[string]string) error {
	m := maps.Clone(greetings)
	if m == nil {
		m = map[string]string{}
	}
	l.c.Set(greetingsKey(channelID), m, TTL)
	return nil
}

// InvalidateGreetings drops the cached set so the next read reloads it.
func (l *Local) InvalidateGreetings(_ context.Context, channelID string) error {
	l.c.Delete(greetingsKey(channelID))
	return nil
}

// AcquireCooldown sets key for ttl if it is not already set, with the same
// contract as Cache.AcquireCooldown.
func (l *Local) AcquireCooldown(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	// Add fails while an unexpired marker exists
	return l.c.Add(key, struct{}{}, ttl) == nil, nil
}
