package imap

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConnectionsPerAccount bounds parallel sessions to one server account.
const DefaultConnectionsPerAccount = 4

// Limiter caps the number of simultaneous connections per (host, user).
// Connections themselves are never shared; the limiter only queues callers.
// A nil *Limiter imposes no limit.
type Limiter struct {
	mu    sync.Mutex
	size  int64
	slots map[string]*semaphore.Weighted
}

// NewLimiter returns a Limiter allowing perAccount concurrent connections.
func NewLimiter(perAccount int) *Limiter {
	if perAccount <= 0 {
		perAccount = DefaultConnectionsPerAccount
	}
	return &Limiter{
		size:  int64(perAccount),
		slots: make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a slot for key is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	if l == nil {
		return func() {}, nil
	}

	l.mu.Lock()
	sem, ok := l.slots[key]
	if !ok {
		sem = semaphore.NewWeighted(l.size)
		l.slots[key] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
