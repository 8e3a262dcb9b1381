package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// usageKeyTTL keeps yesterday's counter readable for usage reporting while
// still letting old buckets expire.
const usageKeyTTL = 48 * time.Hour

// QuotaTracker enforces the per-project daily event quota in Redis.
// Counters live in one bucket per UTC day.
type QuotaTracker struct {
	redis *redis.Client
}

// NewQuotaTracker creates a daily quota tracker.
func NewQuotaTracker(rdb *redis.Client) *QuotaTracker {
	return &QuotaTracker{redis: rdb}
}

func usageKey(projectID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s", projectID, day.UTC().Format("20060102"))
}

// Consume counts n events against today's quota. When the quota would be
// exceeded the count is rolled back and consumed=false is returned along
// with the current usage.
func (q *QuotaTracker) Consume(ctx context.Context, projectID uuid.UUID, n int64, quota int64) (used int64, consumed bool, err error) {
	key := usageKey(projectID, time.Now())

	pipe := q.redis.Pipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, usageKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("counting usage: %w", err)
	}

	used = incr.Val()
	if used > quota {
		if err := q.redis.DecrBy(ctx, key, n).Err(); err != nil {
			return used, false, fmt.Errorf("rolling back usage: %w", err)
		}
		return used - n, false, nil
	}
	return used, true, nil
}

// Refund returns n events to today's quota. Called when events counted by
// Consume never made it into the queue.
func (q *QuotaTracker) Refund(ctx context.Context, projectID uuid.UUID, n int64) error {
	if err := q.redis.DecrBy(ctx, usageKey(projectID, time.Now()), n).Err(); err != nil {
		return fmt.Errorf("refunding usage: %w", err)
	}
	return nil
}

// Usage returns the number of events counted for a project on the given day.
func (q *QuotaTracker) Usage(ctx context.Context, projectID uuid.UUID, day time.Time) (int64, error) {
	n, err := q.redis.Get(ctx, usageKey(projectID, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading usage: %w", err)
	}
	return n, nil
}
