package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var initiationRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements distributed rate limiting using Redis. A nil
// limiter or a limiter without a client is a no-op, so the service degrades
// gracefully when Redis is not configured.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "nepdora:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := initiationRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}

// RedisOutcomeGuard deduplicates downstream outcome application per provider
// reference with a SET NX marker. Without Redis the guard admits everything
// and the database unique constraint remains the backstop.
type RedisOutcomeGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisOutcomeGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisOutcomeGuard {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "nepdora:outcome"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisOutcomeGuard{client: client, prefix: trimmedPrefix, ttl: ttl}
}

// Acquire claims the apply slot for a provider reference. It returns false
// when another apply already holds or held the slot.
func (g *RedisOutcomeGuard) Acquire(ctx context.Context, providerReference string) (bool, error) {
	if g == nil || g.client == nil || strings.TrimSpace(providerReference) == "" {
		return true, nil
	}
	return g.client.SetNX(ctx, g.key(providerReference), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

// Release frees the apply slot so a failed application can be retried.
func (g *RedisOutcomeGuard) Release(ctx context.Context, providerReference string) error {
	if g == nil || g.client == nil || strings.TrimSpace(providerReference) == "" {
		return nil
	}
	return g.client.Del(ctx, g.key(providerReference)).Err()
}

func (g *RedisOutcomeGuard) key(providerReference string) string {
	return fmt.Sprintf("%s:apply:%s", g.prefix, providerReference)
}
