// Package distlock keeps concurrent report runs for the same account from
// stacking up. A run holds the account lock for its whole duration; a second
// request for the same account is rejected instead of queued, since the two
// runs would fight over the same upstream rate budget.
package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking mutual-exclusion lock.
// A single lock instance must not be shared across goroutines.
type DistLock interface {
	// Acquire tries to take the lock. Returns true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if still owned.
	Release(ctx context.Context) error
}

// Factory creates locks over a shared backend.
type Factory struct {
	redisClient *redis.Client
	ttl         time.Duration

	mu    sync.Mutex
	local map[string]bool
}

// NewFactory builds a lock factory. With a nil Redis client, locks are
// process-local, which is sufficient for single-instance deployments.
func NewFactory(redisClient *redis.Client, ttl time.Duration) *Factory {
	return &Factory{
		redisClient: redisClient,
		ttl:         ttl,
		local:       make(map[string]bool),
	}
}

// Lock returns a lock for the given key.
func (f *Factory) Lock(key string) DistLock {
	if f.redisClient != nil {
		return newRedisLock(f.redisClient, key, f.ttl)
	}
	return &localLock{factory: f, key: key}
}

// localLock is the in-process fallback.
type localLock struct {
	factory *Factory
	key     string
	held    bool
}

func (l *localLock) Acquire(ctx context.Context) (bool, error) {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	if l.factory.local[l.key] {
		return false, nil
	}
	l.factory.local[l.key] = true
	l.held = true
	return true, nil
}

func (l *localLock) Release(ctx context.Context) error {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	if l.held {
		delete(l.factory.local, l.key)
		l.held = false
	}
	return nil
}
