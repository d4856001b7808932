package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tenantTokenBucketScript is the teacher's redisTokenBucketScript,
// unchanged: refill by elapsed time, consume, persist, self-expire.
var tenantTokenBucketScript = redis.NewScript(`
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
    local added = elapsed * rate
    tokens = tokens + added
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

// TenantLimiter enforces a distributed token bucket per tenant, shared
// across every asyncgated replica via Redis. Unlike IPLimiter this is
// only meaningful once a request has been authenticated to a tenant.
type TenantLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewTenantLimiter connects to addr and configures the bucket shape.
func NewTenantLimiter(addr string, rps float64, burst int) *TenantLimiter {
	return &TenantLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		rps:    rps,
		burst:  burst,
	}
}

// Allow consumes one token from tenantID's bucket.
func (l *TenantLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	key := fmt.Sprintf("asyncgate:ratelimit:%s", tenantID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tenantTokenBucketScript.Run(ctx, l.client, []string{key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("tenant rate limit: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("tenant rate limit: unexpected script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

func (l *TenantLimiter) Close() error {
	return l.client.Close()
}
