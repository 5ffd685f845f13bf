// Package cache implements the per-user synchronization cache in front of
// the mail gateway.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is a key-value store with per-entry absolute and sliding expiry.
// Get returns found false for a missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, absolute, sliding time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value    []byte
	deadline time.Time
	idleTill time.Time
	sliding  time.Duration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.deadline) || !now.Before(e.idleTill)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := s.now()
	if e.expired(now) {
		delete(s.entries, key)
		return nil, false, nil
	}

	e.idleTill = now.Add(e.sliding)
	if e.idleTill.After(e.deadline) {
		e.idleTill = e.deadline
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, absolute, sliding time.Duration) error {
	if absolute <= 0 {
		return fmt.Errorf("absolute expiry must be positive")
	}
	if sliding <= 0 || sliding > absolute {
		sliding = absolute
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{
		value:    append([]byte(nil), value...),
		deadline: now.Add(absolute),
		idleTill: now.Add(sliding),
		sliding:  sliding,
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included until
// they are swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. Superseded
// versions are never read again, so without sweeping they stay in memory
// until touched.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 && logger != nil {
				logger.Debug("Swept expired cache entries", zap.Int("removed", n))
			}
		}
	}
}

// RedisStore keeps entries in Redis. The key TTL tracks the sliding expiry
// and a companion deadline key caps it at the absolute expiry.
type RedisStore struct {
	rdb *goredis.Client
}

// NewRedisStore wraps a connected client.
func NewRedisStore(rdb *goredis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func deadlineKey(key string) string {
	return key + ":deadline"
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	deadlineMs, err := s.rdb.Get(ctx, deadlineKey(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache deadline: %w", err)
	}

	remaining := time.Until(time.UnixMilli(deadlineMs))
	if remaining <= 0 {
		return nil, false, nil
	}

	sliding, err := s.rdb.Get(ctx, slidingKey(key)).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, false, fmt.Errorf("failed to read cache sliding expiry: %w", err)
	}
	ttl := time.Duration(sliding) * time.Millisecond
	if ttl <= 0 || ttl > remaining {
		ttl = remaining
	}

	value, err := s.rdb.GetEx(ctx, key, ttl).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return value, true, nil
}

func slidingKey(key string) string {
	return key + ":sliding"
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, absolute, sliding time.Duration) error {
	if absolute <= 0 {
		return fmt.Errorf("absolute expiry must be positive")
	}
	if sliding <= 0 || sliding > absolute {
		sliding = absolute
	}

	deadline := time.Now().Add(absolute)
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, value, sliding)
		pipe.Set(ctx, deadlineKey(key), deadline.UnixMilli(), absolute)
		pipe.Set(ctx, slidingKey(key), sliding.Milliseconds(), absolute)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key, deadlineKey(key), slidingKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
