package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderQuota is a distributed token bucket guarding the analytics
// provider's per-property request quota. One bucket exists per site, so
// workers on different hosts share it.
type ProviderQuota struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewProviderQuota constructs a quota with the provided capacity/refill.
func NewProviderQuota(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *ProviderQuota {
	return &ProviderQuota{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Take consumes one request token for the site. It returns false when the
// bucket is empty, along with the tokens left.
func (q *ProviderQuota) Take(ctx context.Context, siteID int64) (bool, float64, error) {
	key := q.prefix + strconv.FormatInt(siteID, 10)
	res, err := bucketScript.Run(ctx, q.client, []string{key}, q.capacity, q.refill, q.now().UnixMilli(), q.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("provider quota for site %d: %w", siteID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected quota script result %T", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Redis truncates Lua numbers to integers in replies, so tokens are
// returned as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
