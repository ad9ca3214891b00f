package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	pkgredis "github.com/abhirambsn/mo-ticket/pkg/redis"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const slidingWindowScriptName = "join_sliding_window"

// slidingWindowScript keeps one sorted-set member per accepted attempt,
// scored by its timestamp in milliseconds.
// KEYS[1] = window key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
    return {0, count}
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, count + 1}
`

// RedisLimiter is a distributed sliding-window limiter
type RedisLimiter struct {
	client *pkgredis.Client
	config Config
	clock  clock.Clock
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *pkgredis.Client, config Config, clk clock.Clock) *RedisLimiter {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &RedisLimiter{client: client, config: config.withDefaults(), clock: clk}
}

func (l *RedisLimiter) Check(ctx context.Context, requesterID, resourceID string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "ratelimit.redis.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("requester_id", requesterID),
		attribute.String("resource_id", resourceID),
	)

	now := l.clock.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	values, err := l.client.EvalWithFallback(ctx, slidingWindowScriptName, slidingWindowScript,
		[]string{l.config.key(requesterID, resourceID)},
		now, l.config.Window.Milliseconds(), l.config.Limit, member,
	).Int64Slice()
	if err != nil {
		telemetry.Fail(span, err)
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(values) < 2 {
		err := fmt.Errorf("unexpected rate limit result length: %d", len(values))
		telemetry.Fail(span, err)
		return false, err
	}

	span.SetAttributes(attribute.Int64("attempts", values[1]))
	telemetry.OK(span)
	return values[0] == 1, nil
}
