package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis,
// one bucket per subject (the enqueueing user).
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Option customizes a TokenBucket.
type Option func(*TokenBucket)

// WithPrefix namespaces bucket keys.
func WithPrefix(prefix string) Option {
	return func(b *TokenBucket) { b.prefix = prefix }
}

// WithClock replaces time.Now for refill arithmetic.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		prefix:   "ratelimit:enqueue",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow consumes a single token from subject's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	if subject == "" {
		subject = "anonymous"
	}
	key := b.prefix + ":" + subject
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}

	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	case int64:
		tokens = float64(v)
	}

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed && b.refill > 0 {
		d.RetryAfter = time.Duration((1 - tokens) / b.refill * float64(time.Second))
	}
	return d, nil
}

// Tokens are returned as a string so fractional refill survives the reply.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
