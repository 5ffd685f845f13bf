package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"
)

// initialVersion is the version of a user that has never been bumped.
const initialVersion = 1

// Versions holds one counter per user. Bump must be atomic with respect to
// concurrent bumps of the same user.
type Versions interface {
	Current(ctx context.Context, userID string) (int64, error)
	Bump(ctx context.Context, userID string) (int64, error)
}

// MemoryVersions keeps counters in process.
type MemoryVersions struct {
	counters sync.Map // userID -> *atomic.Int64
}

// NewMemoryVersions returns an empty MemoryVersions.
func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{}
}

func (v *MemoryVersions) counter(userID string) *atomic.Int64 {
	if c, ok := v.counters.Load(userID); ok {
		return c.(*atomic.Int64)
	}
	fresh := new(atomic.Int64)
	fresh.Store(initialVersion)
	c, _ := v.counters.LoadOrStore(userID, fresh)
	return c.(*atomic.Int64)
}

func (v *MemoryVersions) Current(_ context.Context, userID string) (int64, error) {
	return v.counter(userID).Load(), nil
}

func (v *MemoryVersions) Bump(_ context.Context, userID string) (int64, error) {
	return v.counter(userID).Add(1), nil
}

// RedisVersions keeps counters in Redis so several processes share them.
type RedisVersions struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisVersions stores counters under prefix + userID.
func NewRedisVersions(rdb *goredis.Client, prefix string) *RedisVersions {
	return &RedisVersions{rdb: rdb, prefix: prefix}
}

func (v *RedisVersions) key(userID string) string {
	return v.prefix + userID
}

func (v *RedisVersions) Current(ctx context.Context, userID string) (int64, error) {
	key := v.key(userID)
	if err := v.rdb.SetNX(ctx, key, initialVersion, 0).Err(); err != nil {
		return 0, fmt.Errorf("failed to initialize cache version: %w", err)
	}
	n, err := v.rdb.Get(ctx, key).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to read cache version: %w", err)
	}
	return n, nil
}

func (v *RedisVersions) Bump(ctx context.Context, userID string) (int64, error) {
	key := v.key(userID)
	pipe := v.rdb.TxPipeline()
	pipe.SetNX(ctx, key, initialVersion, 0)
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to bump cache version: %w", err)
	}
	return incr.Val(), nil
}
