package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limit is a per-caller request budget.
type Limit struct {
	PerMinute int
	Burst     int
}

func (l Limit) perSecond() float64 {
	r := float64(l.PerMinute) / 60.0
	if r <= 0 {
		r = 1.0
	}
	return r
}

// RetryAfter is the interval a throttled caller should wait before retrying.
func (l Limit) RetryAfter() int {
	if l.PerMinute >= 60 {
		return 1
	}
	if l.PerMinute <= 0 {
		return 60
	}
	return 60 / l.PerMinute
}

// LimiterStore holds token buckets keyed by caller. The memory store serves
// a single gateway; the Redis store shares buckets across instances.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, limit Limit, cost int) (bool, error)
}

type memoryVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per caller, dropping buckets idle
// for more than three minutes.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*memoryVisitor
}

func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{visitors: make(map[string]*memoryVisitor)}
	go m.cleanup()
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, actorID string, limit Limit, cost int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.visitors[actorID]
	if !ok {
		v = &memoryVisitor{limiter: rate.NewLimiter(rate.Limit(limit.perSecond()), limit.Burst)}
		m.visitors[actorID] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.AllowN(time.Now(), cost), nil
}

func (m *MemoryLimiter) cleanup() {
	for {
		time.Sleep(1 * time.Minute)
		m.mu.Lock()
		for id, v := range m.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(m.visitors, id)
			}
		}
		m.mu.Unlock()
	}
}

// redisBucketScript refills and consumes one token bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, fractional)
var redisBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter shares token buckets across gateway instances. Bucket state
// expires after a minute of inactivity, so idle callers cost nothing.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(addr, password string, db int) *RedisLimiter {
	return &RedisLimiter{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisLimiter) Allow(ctx context.Context, actorID string, limit Limit, cost int) (bool, error) {
	key := fmt.Sprintf("caracal:limiter:%s", actorID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisBucketScript.Run(ctx, s.client, []string{key}, limit.perSecond(), limit.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
