// Package ratelimit gates outgoing Klaviyo API calls against the
// account-wide request budget. Klaviyo enforces a burst (per-second) and a
// steady (per-minute) limit per API key, shared by every endpoint, so the
// gate must be atomic across concurrent fetchers and across processes.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate blocks until a request may be sent on behalf of the given account key.
type Gate interface {
	Wait(ctx context.Context, accountKey string) error
}

// Budget defines the request budget for one account API key.
type Budget struct {
	RequestsPerSecond int
	RequestsPerMinute int
}

// DefaultBudget matches Klaviyo's published steady/burst limits for the
// reporting endpoints, with headroom for other consumers of the same key.
var DefaultBudget = Budget{
	RequestsPerSecond: 3,
	RequestsPerMinute: 60,
}

// RedisGate is a Redis-backed Gate using a Lua script so that the
// check-and-increment is atomic. Counters are bucketed by second and minute
// with short TTLs; multiple processes sharing one API key share the budget.
type RedisGate struct {
	redis  *redis.Client
	budget Budget
	script *redis.Script
}

// Lua script for atomic two-window rate limit check.
// Checks both windows BEFORE incrementing; increments only if both pass.
const gateLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local secondLimit = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")

if secCurrent + 1 > secondLimit then
    return {0, 1}  -- denied, reason=second limit
end
if minCurrent + 1 > minuteLimit then
    return {0, 2}  -- denied, reason=minute limit
end

local newSec = redis.call("INCR", secondKey)
if newSec == 1 then
    redis.call("EXPIRE", secondKey, 2)
end

local newMin = redis.call("INCR", minuteKey)
if newMin == 1 then
    redis.call("EXPIRE", minuteKey, 120)
end

return {1, 0}  -- allowed
`

// NewRedisGate creates a Redis-backed gate with a pre-compiled Lua script.
func NewRedisGate(client *redis.Client, budget Budget) *RedisGate {
	if budget.RequestsPerSecond <= 0 {
		budget = DefaultBudget
	}
	return &RedisGate{
		redis:  client,
		budget: budget,
		script: redis.NewScript(gateLuaScript),
	}
}

// NewRedisGateFromURL creates a gate by connecting to Redis and verifying
// the connection.
func NewRedisGateFromURL(redisURL string, budget Budget) (*RedisGate, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[ratelimit] Connected to Redis at %s", opts.Addr)

	return NewRedisGate(client, budget), nil
}

// Wait blocks until the account's budget admits one more request, or the
// context is done. Denials sleep until the relevant window rolls over.
func (g *RedisGate) Wait(ctx context.Context, accountKey string) error {
	for {
		allowed, wait, err := g.tryAcquire(ctx, accountKey)
		if err != nil {
			// Redis trouble should not take the pipeline down; allow and log.
			log.Printf("[ratelimit] check failed, allowing request: %v", err)
			return nil
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// tryAcquire atomically checks and increments both window counters.
func (g *RedisGate) tryAcquire(ctx context.Context, accountKey string) (allowed bool, wait time.Duration, err error) {
	now := time.Now()

	secondKey := fmt.Sprintf("ratelimit:klaviyo:%s:sec:%d", accountKey, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:klaviyo:%s:min:%d", accountKey, now.Unix()/60)

	result, err := g.script.Run(ctx, g.redis,
		[]string{secondKey, minuteKey},
		g.budget.RequestsPerSecond,
		g.budget.RequestsPerMinute,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1: // second window
		wait = time.Second
	case 2: // minute window
		wait = time.Duration(60-now.Second()) * time.Second
	}
	return false, wait, nil
}

// LocalGate is an in-process Gate used when Redis is not configured. It
// enforces a minimum spacing between requests per account key, which keeps a
// single process under the burst limit but cannot coordinate across processes.
type LocalGate struct {
	mu       sync.Mutex
	interval time.Duration
	lastCall map[string]time.Time
}

// NewLocalGate creates an in-process gate admitting one request per interval
// per account key. A zero interval derives spacing from DefaultBudget.
func NewLocalGate(interval time.Duration) *LocalGate {
	if interval <= 0 {
		interval = time.Second / time.Duration(DefaultBudget.RequestsPerSecond)
	}
	return &LocalGate{
		interval: interval,
		lastCall: make(map[string]time.Time),
	}
}

// Wait blocks until the per-account spacing has elapsed or the context is done.
func (g *LocalGate) Wait(ctx context.Context, accountKey string) error {
	g.mu.Lock()
	now := time.Now()
	next := g.lastCall[accountKey].Add(g.interval)
	if next.Before(now) {
		next = now
	}
	g.lastCall[accountKey] = next
	g.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
