package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces fixed-window request limits per project using
// Redis INCR + EXPIRE. Two windows run in parallel: per minute and per hour.
type RateLimiter struct {
	redis *redis.Client
}

// NewRateLimiter creates a project rate limiter.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{redis: rdb}
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed         bool
	Window          string // "minute" or "hour" when not allowed
	MinuteCount     int64
	HourCount       int64
	MinuteRemaining int64
	HourRemaining   int64
	Reset           time.Time // start of the next minute window
	RetryAfter      time.Duration
}

// Allow counts one request against both windows and reports whether it is
// within the project's limits. Counters expire past their window so stale
// buckets clean themselves up.
func (rl *RateLimiter) Allow(ctx context.Context, projectID uuid.UUID, perMinute, perHour int) (*RateLimitResult, error) {
	now := time.Now()
	minBucket := now.Unix() / 60
	hourBucket := now.Unix() / 3600

	minKey := fmt.Sprintf("ratelimit:%s:min:%d", projectID, minBucket)
	hourKey := fmt.Sprintf("ratelimit:%s:hour:%d", projectID, hourBucket)

	pipe := rl.redis.Pipeline()
	minIncr := pipe.Incr(ctx, minKey)
	pipe.Expire(ctx, minKey, 2*time.Minute)
	hourIncr := pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("counting rate limit: %w", err)
	}

	res := &RateLimitResult{
		Allowed:         true,
		MinuteCount:     minIncr.Val(),
		HourCount:       hourIncr.Val(),
		MinuteRemaining: max64(int64(perMinute)-minIncr.Val(), 0),
		HourRemaining:   max64(int64(perHour)-hourIncr.Val(), 0),
		Reset:           time.Unix((minBucket+1)*60, 0),
	}

	switch {
	case res.MinuteCount > int64(perMinute):
		res.Allowed = false
		res.Window = "minute"
		res.RetryAfter = time.Until(res.Reset)
	case res.HourCount > int64(perHour):
		res.Allowed = false
		res.Window = "hour"
		hourReset := time.Unix((hourBucket+1)*3600, 0)
		res.Reset = hourReset
		res.RetryAfter = time.Until(hourReset)
	}

	if res.RetryAfter < 0 {
		res.RetryAfter = time.Second
	}

	return res, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
