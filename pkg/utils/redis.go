package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr string

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var slidingWindowScript = redis.NewScript(`
-- KEYS[1] = window zset key
-- ARGV[1] = now_ms (int)
-- ARGV[2] = window_ms (int)
-- ARGV[3] = limit (int)
-- ARGV[4] = member (unique per request)
--
-- Returns: {allowed (0/1), retry_after_ms}
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = (tonumber(oldest[2]) + window) - now
    if retry < 0 then retry = 0 end
  end
  return {0, retry}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`)

// RateLimitResult is the outcome of a sliding-window check.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AllowSlidingWindow checks and records one request against a sliding-window
// counter keyed by client (typically IP). The zset holds one member per
// request scored by arrival time, trimmed atomically in Lua, so concurrent
// requests cannot overshoot the limit.
func AllowSlidingWindow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration, now time.Time, member string) (RateLimitResult, error) {
	if rdb == nil {
		return RateLimitResult{}, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return RateLimitResult{}, fmt.Errorf("key is required")
	}
	if limit <= 0 {
		return RateLimitResult{}, fmt.Errorf("limit must be > 0")
	}
	if window <= 0 {
		return RateLimitResult{}, fmt.Errorf("window must be > 0")
	}

	vals, err := slidingWindowScript.Run(ctx, rdb, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return RateLimitResult{}, err
	}
	if len(vals) != 2 {
		return RateLimitResult{}, fmt.Errorf("unexpected rate limit script reply")
	}
	return RateLimitResult{
		Allowed:    vals[0] == 1,
		RetryAfter: time.Duration(vals[1]) * time.Millisecond,
	}, nil
}
