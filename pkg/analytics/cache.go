package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache key layout for pre-aggregated metrics. Jobs overwrite the same key
// on every run, so re-running is idempotent.
func errorRateKey(projectID uuid.UUID) string {
	return fmt.Sprintf("metrics:error_rate:%s:5min", projectID)
}

func logVolumeKey(projectID uuid.UUID) string {
	return fmt.Sprintf("metrics:log_volume:%s:5min", projectID)
}

func topErrorsKey(projectID uuid.UUID) string {
	return fmt.Sprintf("metrics:top_errors:%s", projectID)
}

func usageStatsKey(projectID uuid.UUID) string {
	return fmt.Sprintf("metrics:usage_stats:%s", projectID)
}

// ErrorRatePoint is one 5-minute bucket of error counts.
type ErrorRatePoint struct {
	Timestamp     time.Time `json:"timestamp"`
	ErrorCount    int64     `json:"error_count"`
	CriticalCount int64     `json:"critical_count"`
}

// LogVolumePoint is one bucket of per-level counts.
type LogVolumePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Debug     int64     `json:"debug"`
	Info      int64     `json:"info"`
	Warning   int64     `json:"warning"`
	Error     int64     `json:"error"`
	Critical  int64     `json:"critical"`
}

// TopError is one aggregated fingerprint in the top-errors listing.
type TopError struct {
	Fingerprint     string     `json:"fingerprint"`
	ErrorType       string     `json:"error_type"`
	ErrorMessage    string     `json:"error_message"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	OccurrenceCount int64      `json:"occurrence_count"`
	Status          string     `json:"status"`
	SampleLogID     *uuid.UUID `json:"sample_log_id,omitempty"`
}

// UsageDay is one day of quota consumption.
type UsageDay struct {
	Date             string  `json:"date"` // YYYY-MM-DD
	LogCount         int64   `json:"log_count"`
	DailyQuota       int64   `json:"daily_quota"`
	QuotaUsedPercent float64 `json:"quota_used_percent"`
}

// Cache stores and serves pre-aggregated metric payloads in Redis.
type Cache struct {
	redis *redis.Client
}

// NewCache creates a metrics cache.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{redis: rdb}
}

func (c *Cache) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding metrics payload: %w", err)
	}
	if err := c.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("caching metrics payload: %w", err)
	}
	return nil
}

func getCached[T any](ctx context.Context, c *Cache, key string) ([]T, error) {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metrics cache: %w", err)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding metrics payload: %w", err)
	}
	return out, nil
}

// PutErrorRate overwrites the error-rate series for a project.
func (c *Cache) PutErrorRate(ctx context.Context, projectID uuid.UUID, points []ErrorRatePoint, ttl time.Duration) error {
	return c.put(ctx, errorRateKey(projectID), points, ttl)
}

// ErrorRate returns the cached error-rate series, or nil when absent.
func (c *Cache) ErrorRate(ctx context.Context, projectID uuid.UUID) ([]ErrorRatePoint, error) {
	return getCached[ErrorRatePoint](ctx, c, errorRateKey(projectID))
}

// PutLogVolume overwrites the log-volume series for a project.
func (c *Cache) PutLogVolume(ctx context.Context, projectID uuid.UUID, points []LogVolumePoint, ttl time.Duration) error {
	return c.put(ctx, logVolumeKey(projectID), points, ttl)
}

// LogVolume returns the cached log-volume series, or nil when absent.
func (c *Cache) LogVolume(ctx context.Context, projectID uuid.UUID) ([]LogVolumePoint, error) {
	return getCached[LogVolumePoint](ctx, c, logVolumeKey(projectID))
}

// PutTopErrors overwrites the top-errors listing for a project.
func (c *Cache) PutTopErrors(ctx context.Context, projectID uuid.UUID, groups []TopError, ttl time.Duration) error {
	return c.put(ctx, topErrorsKey(projectID), groups, ttl)
}

// TopErrors returns the cached top-errors listing, or nil when absent.
func (c *Cache) TopErrors(ctx context.Context, projectID uuid.UUID) ([]TopError, error) {
	return getCached[TopError](ctx, c, topErrorsKey(projectID))
}

// PutUsageStats overwrites the per-day usage listing for a project.
func (c *Cache) PutUsageStats(ctx context.Context, projectID uuid.UUID, days []UsageDay, ttl time.Duration) error {
	return c.put(ctx, usageStatsKey(projectID), days, ttl)
}

// UsageStats returns the cached usage listing, or nil when absent.
func (c *Cache) UsageStats(ctx context.Context, projectID uuid.UUID) ([]UsageDay, error) {
	return getCached[UsageDay](ctx, c, usageStatsKey(projectID))
}
