package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript implements the weighted two-bucket sliding window. The
// previous bucket's count decays linearly as the current window elapses,
// which avoids the burst doubling a fixed bucket allows at its boundary.
// Check-and-increment happens in one script invocation, so two
// simultaneous requests for the same identifier can never both be
// admitted past the limit.
var takeScript = redis.NewScript(`
local curr = tonumber(redis.call("GET", KEYS[1]) or "0")
local prev = tonumber(redis.call("GET", KEYS[2]) or "0")
local elapsed = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local weighted = prev * ((window - elapsed) / window) + curr
if weighted >= limit then
  return {0, curr, prev}
end

curr = redis.call("INCR", KEYS[1])
if curr == 1 then
  redis.call("PEXPIRE", KEYS[1], window * 2)
end
return {1, curr, prev}
`)

// RedisStore backs the limiter with redis. One counter key per
// identifier per window bucket, expired two windows out.
type RedisStore struct {
	rdb redis.Scripter
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration) (StoreResult, error) {
	nowMs := time.Now().UnixMilli()
	windowMs := window.Milliseconds()
	bucket := nowMs / windowMs
	elapsedMs := nowMs % windowMs

	currKey := fmt.Sprintf("%s:%d", key, bucket)
	prevKey := fmt.Sprintf("%s:%d", key, bucket-1)

	vals, err := takeScript.Run(ctx, s.rdb, []string{currKey, prevKey}, elapsedMs, windowMs, limit).Int64Slice()
	if err != nil {
		return StoreResult{}, fmt.Errorf("sliding window take: %w", err)
	}
	if len(vals) != 3 {
		return StoreResult{}, fmt.Errorf("sliding window take: unexpected reply length %d", len(vals))
	}

	allowed := vals[0] == 1
	curr, prev := vals[1], vals[2]

	weight := float64(windowMs-elapsedMs) / float64(windowMs)
	used := int(float64(prev)*weight) + int(curr)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return StoreResult{
		Allowed:   allowed,
		Remaining: remaining,
		Reset:     (bucket + 1) * windowMs,
	}, nil
}
