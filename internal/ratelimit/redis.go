package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sqlpilot/internal/core"
)

// slidingWindowScript prunes expired members, then admits the request only when the
// window has room. A denied request leaves the set untouched apart from pruning.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[5])
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    return {0, tonumber(oldest[2])}
  end
  return {0, tonumber(ARGV[1])}
end
redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[2])
return {1, 0}
`)

// RedisWindow shares windows across processes through one sorted set per identity.
type RedisWindow struct {
	client *redis.Client
	window time.Duration
	prefix string
	now    Clock
	logger *zap.Logger
}

// DialRedis parses url (redis://host:port/db) and verifies the server answers. The
// client is meant to be shared by every RedisWindow of the process; the caller closes it.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisWindowWithClient wraps an existing client.
func NewRedisWindowWithClient(client *redis.Client, win time.Duration, clock Clock, logger *zap.Logger) *RedisWindow {
	if clock == nil {
		clock = time.Now
	}
	return &RedisWindow{
		client: client,
		window: win,
		prefix: "sqlpilot:ratelimit:",
		now:    clock,
		logger: logger.Named("ratelimit"),
	}
}

// Check fails open when Redis is unreachable. The durable history quota still applies to
// the ask path in that case.
func (r *RedisWindow) Check(ctx context.Context, identity string, limit int) error {
	now := r.now().UnixMilli()
	windowMs := r.window.Milliseconds()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + identity}, now, windowMs, limit, member, now-windowMs).Slice()
	if err != nil {
		r.logger.Warn("Redis rate limit check failed, allowing request",
			zap.String("identity", identity),
			zap.Error(err))
		return nil
	}
	if len(res) != 2 {
		r.logger.Warn("Unexpected rate limit script reply", zap.Int("len", len(res)))
		return nil
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return nil
	}

	oldest, _ := res[1].(int64)
	retry := time.Duration(oldest+windowMs-now) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return &core.RateLimitError{Identity: identity, Limit: limit, RetryAfter: retry}
}
