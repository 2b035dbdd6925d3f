package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter updates must be atomic in the store: concurrent requests racing on
// one key all observe a monotonically increasing count, never a
// read-then-write race from the caller side.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// DefaultTimeout bounds one store round-trip. A limiter check is on the hot
// path of every request; a slow store must degrade, not stall.
const DefaultTimeout = 50 * time.Millisecond

// RedisLimiter implements fixed-window counting against the shared store.
// Boundary bursts can reach 2x the limit across a window edge; the single
// atomic counter per key is the trade we take for that.
type RedisLimiter struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{Client: client, Prefix: "rl:", Timeout: DefaultTimeout}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, pol Policy) Decision {
	pol = pol.normalized()
	if l.Client == nil {
		return Decision{Degraded: true, Limit: pol.Limit}
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.Client, []string{l.Prefix + key}, pol.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{Degraded: true, Limit: pol.Limit}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{Degraded: true, Limit: pol.Limit}
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = pol.Window.Milliseconds()
	}
	remaining := pol.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= pol.Limit,
		Limit:     pol.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}
