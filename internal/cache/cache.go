// Package cache memoizes snapshot-source responses for a bounded time.
// Entries expire by wall-clock TTL; the clock is injectable for tests.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/atmx/market-history/internal/logger"
)

// Cache stores opaque values under string keys with a time-to-live.
type Cache interface {
	// Get returns the value for key and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory returns an empty Memory cache reading time from now, or from
// time.Now when now is nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: make(map[string]entry), now: now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: append([]byte(nil), value...), expires: m.now().Add(ttl)}
	return nil
}

// Memoize returns the cached value of key, or calls fn and caches its
// result for ttl. Cache failures are logged and treated as misses; only
// fn's error is returned. A nil cache always calls fn.
func Memoize[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	log := logger.GetLogger().WithComponent("cache").WithFields(logger.Fields{"key": key})

	data, ok, err := c.Get(ctx, key)
	if err != nil {
		log.WithError(err).Warn("cache read failed")
	}
	if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
		log.Warn("discarding undecodable cache entry")
	}

	v, err := fn(ctx)
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		if err := c.Set(ctx, key, data, ttl); err != nil {
			log.WithError(err).Warn("cache write failed")
		}
	}
	return v, nil
}
