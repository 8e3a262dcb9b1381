package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Aggregator runs the pre-aggregation queries. Each job reads the logs
// database, reduces a window into buckets, and overwrites the project's
// cache entry. Jobs query [now - window, now - lag] so in-flight buckets
// are not double counted between runs.
type Aggregator struct {
	logsDB     *pgxpool.Pool
	identityDB *pgxpool.Pool
	cache      *Cache
	lag        time.Duration
	logger     *slog.Logger
}

// NewAggregator creates the pre-aggregator.
func NewAggregator(logsDB, identityDB *pgxpool.Pool, cache *Cache, lag time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logsDB:     logsDB,
		identityDB: identityDB,
		cache:      cache,
		lag:        lag,
		logger:     logger,
	}
}

type project struct {
	id         uuid.UUID
	dailyQuota int64
}

// activeProjects lists projects eligible for aggregation.
func (a *Aggregator) activeProjects(ctx context.Context) ([]project, error) {
	rows, err := a.identityDB.Query(ctx,
		`SELECT id, daily_quota FROM projects WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing active projects: %w", err)
	}
	defer rows.Close()

	var out []project
	for rows.Next() {
		var p project
		if err := rows.Scan(&p.id, &p.dailyQuota); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// window returns the scan bounds for a job: [now - span, now - lag].
func (a *Aggregator) window(span time.Duration) (start, end time.Time) {
	end = time.Now().UTC().Add(-a.lag)
	return end.Add(-span), end
}

// RunErrorRate buckets error and critical counts into 5-minute slots over
// the last 24 hours.
func (a *Aggregator) RunErrorRate(ctx context.Context, ttl time.Duration) error {
	projects, err := a.activeProjects(ctx)
	if err != nil {
		return err
	}
	start, end := a.window(24 * time.Hour)

	for _, p := range projects {
		rows, err := a.logsDB.Query(ctx, `
			SELECT to_timestamp(floor(extract(epoch FROM timestamp) / 300) * 300) AS bucket,
				count(*) FILTER (WHERE level = 'error') AS errors,
				count(*) FILTER (WHERE level = 'critical') AS criticals
			FROM logs
			WHERE project_id = $1 AND timestamp >= $2 AND timestamp < $3
				AND level IN ('error', 'critical')
			GROUP BY bucket
			ORDER BY bucket`, p.id, start, end)
		if err != nil {
			return fmt.Errorf("aggregating error rate: %w", err)
		}

		points := []ErrorRatePoint{}
		for rows.Next() {
			var pt ErrorRatePoint
			if err := rows.Scan(&pt.Timestamp, &pt.ErrorCount, &pt.CriticalCount); err != nil {
				rows.Close()
				return fmt.Errorf("scanning error rate bucket: %w", err)
			}
			points = append(points, pt)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := a.cache.PutErrorRate(ctx, p.id, points, ttl); err != nil {
			return err
		}
	}
	return nil
}

// RunLogVolume buckets per-level counts into 5-minute slots over the last
// 24 hours.
func (a *Aggregator) RunLogVolume(ctx context.Context, ttl time.Duration) error {
	projects, err := a.activeProjects(ctx)
	if err != nil {
		return err
	}
	start, end := a.window(24 * time.Hour)

	for _, p := range projects {
		rows, err := a.logsDB.Query(ctx, `
			SELECT to_timestamp(floor(extract(epoch FROM timestamp) / 300) * 300) AS bucket,
				count(*) FILTER (WHERE level = 'debug'),
				count(*) FILTER (WHERE level = 'info'),
				count(*) FILTER (WHERE level = 'warning'),
				count(*) FILTER (WHERE level = 'error'),
				count(*) FILTER (WHERE level = 'critical')
			FROM logs
			WHERE project_id = $1 AND timestamp >= $2 AND timestamp < $3
			GROUP BY bucket
			ORDER BY bucket`, p.id, start, end)
		if err != nil {
			return fmt.Errorf("aggregating log volume: %w", err)
		}

		points := []LogVolumePoint{}
		for rows.Next() {
			var pt LogVolumePoint
			if err := rows.Scan(&pt.Timestamp, &pt.Debug, &pt.Info, &pt.Warning,
				&pt.Error, &pt.Critical); err != nil {
				rows.Close()
				return fmt.Errorf("scanning log volume bucket: %w", err)
			}
			points = append(points, pt)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := a.cache.PutLogVolume(ctx, p.id, points, ttl); err != nil {
			return err
		}
	}
	return nil
}

// RunTopErrors caches the top 50 unresolved fingerprints seen in the last
// 24 hours, ordered by occurrence count.
func (a *Aggregator) RunTopErrors(ctx context.Context, ttl time.Duration) error {
	projects, err := a.activeProjects(ctx)
	if err != nil {
		return err
	}
	start, end := a.window(24 * time.Hour)

	for _, p := range projects {
		rows, err := a.logsDB.Query(ctx, `
			SELECT fingerprint, error_type, error_message, first_seen, last_seen,
				occurrence_count, status, sample_log_id
			FROM error_groups
			WHERE project_id = $1 AND last_seen >= $2 AND first_seen < $3
				AND status = 'unresolved'
			ORDER BY occurrence_count DESC
			LIMIT 50`, p.id, start, end)
		if err != nil {
			return fmt.Errorf("aggregating top errors: %w", err)
		}

		groups := []TopError{}
		for rows.Next() {
			var g TopError
			if err := rows.Scan(&g.Fingerprint, &g.ErrorType, &g.ErrorMessage,
				&g.FirstSeen, &g.LastSeen, &g.OccurrenceCount, &g.Status, &g.SampleLogID); err != nil {
				rows.Close()
				return fmt.Errorf("scanning top error: %w", err)
			}
			groups = append(groups, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := a.cache.PutTopErrors(ctx, p.id, groups, ttl); err != nil {
			return err
		}
	}
	return nil
}

// RunUsageStats caches 30 days of per-day ingestion counts with quota
// consumption, and mirrors the counts into daily_usage so they survive the
// cache TTL.
func (a *Aggregator) RunUsageStats(ctx context.Context, ttl time.Duration) error {
	projects, err := a.activeProjects(ctx)
	if err != nil {
		return err
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)

	for _, p := range projects {
		rows, err := a.logsDB.Query(ctx, `
			SELECT to_char(date_trunc('day', timestamp), 'YYYY-MM-DD') AS day, count(*)
			FROM logs
			WHERE project_id = $1 AND timestamp >= $2 AND timestamp < $3
			GROUP BY day
			ORDER BY day`, p.id, start, end)
		if err != nil {
			return fmt.Errorf("aggregating usage stats: %w", err)
		}

		days := []UsageDay{}
		for rows.Next() {
			d := UsageDay{DailyQuota: p.dailyQuota}
			if err := rows.Scan(&d.Date, &d.LogCount); err != nil {
				rows.Close()
				return fmt.Errorf("scanning usage day: %w", err)
			}
			if p.dailyQuota > 0 {
				d.QuotaUsedPercent = float64(d.LogCount) / float64(p.dailyQuota) * 100
			}
			days = append(days, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := a.persistDailyUsage(ctx, p.id, days); err != nil {
			a.logger.Warn("persisting daily usage", "project_id", p.id, "error", err)
		}
		if err := a.cache.PutUsageStats(ctx, p.id, days, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) persistDailyUsage(ctx context.Context, projectID uuid.UUID, days []UsageDay) error {
	for _, d := range days {
		_, err := a.identityDB.Exec(ctx, `
			INSERT INTO daily_usage (project_id, usage_date, log_count)
			VALUES ($1, $2, $3)
			ON CONFLICT (project_id, usage_date)
			DO UPDATE SET log_count = EXCLUDED.log_count`,
			projectID, d.Date, d.LogCount)
		if err != nil {
			return fmt.Errorf("upserting daily usage: %w", err)
		}
	}
	return nil
}

// RunAggregatedMetrics rolls the last completed hour into the
// aggregated_metrics table: per-level/type volume rows, exception totals,
// and endpoint latency percentiles. Re-running the same hour overwrites it.
func (a *Aggregator) RunAggregatedMetrics(ctx context.Context) error {
	hourEnd := time.Now().UTC().Add(-a.lag).Truncate(time.Hour)
	hourStart := hourEnd.Add(-time.Hour)
	date := hourStart.Format("20060102")
	hour := hourStart.Hour()

	if err := a.rollupLogVolume(ctx, hourStart, hourEnd, date, hour); err != nil {
		return err
	}
	if err := a.rollupExceptions(ctx, hourStart, hourEnd, date, hour); err != nil {
		return err
	}
	return a.rollupEndpoints(ctx, hourStart, hourEnd, date, hour)
}

func (a *Aggregator) rollupLogVolume(ctx context.Context, start, end time.Time, date string, hour int) error {
	_, err := a.logsDB.Exec(ctx, `
		INSERT INTO aggregated_metrics
			(project_id, date, hour, metric_type, log_level, log_type, log_count, error_count)
		SELECT project_id, $3, $4, 'log_volume', level, log_type, count(*),
			count(*) FILTER (WHERE level IN ('error', 'critical'))
		FROM logs
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY project_id, level, log_type
		ON CONFLICT (project_id, date, hour, metric_type, endpoint_method, endpoint_path, log_level, log_type)
		DO UPDATE SET log_count = EXCLUDED.log_count, error_count = EXCLUDED.error_count`,
		start, end, date, hour)
	if err != nil {
		return fmt.Errorf("rolling up log volume: %w", err)
	}
	return nil
}

func (a *Aggregator) rollupExceptions(ctx context.Context, start, end time.Time, date string, hour int) error {
	_, err := a.logsDB.Exec(ctx, `
		INSERT INTO aggregated_metrics
			(project_id, date, hour, metric_type, log_count, error_count)
		SELECT project_id, $3, $4, 'exception', count(*), count(*)
		FROM logs
		WHERE timestamp >= $1 AND timestamp < $2 AND log_type = 'exception'
		GROUP BY project_id
		ON CONFLICT (project_id, date, hour, metric_type, endpoint_method, endpoint_path, log_level, log_type)
		DO UPDATE SET log_count = EXCLUDED.log_count, error_count = EXCLUDED.error_count`,
		start, end, date, hour)
	if err != nil {
		return fmt.Errorf("rolling up exceptions: %w", err)
	}
	return nil
}

func (a *Aggregator) rollupEndpoints(ctx context.Context, start, end time.Time, date string, hour int) error {
	_, err := a.logsDB.Exec(ctx, `
		INSERT INTO aggregated_metrics
			(project_id, date, hour, metric_type, endpoint_method, endpoint_path,
			 log_count, error_count, avg_duration_ms, min_duration_ms,
			 max_duration_ms, p95_duration_ms, p99_duration_ms)
		SELECT project_id, $3, $4, 'endpoint',
			attributes #>> '{endpoint,method}',
			attributes #>> '{endpoint,path}',
			count(*),
			count(*) FILTER (WHERE (attributes #>> '{endpoint,status_code}')::int >= 500),
			avg((attributes #>> '{endpoint,duration_ms}')::float8),
			min((attributes #>> '{endpoint,duration_ms}')::float8),
			max((attributes #>> '{endpoint,duration_ms}')::float8),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY (attributes #>> '{endpoint,duration_ms}')::float8),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY (attributes #>> '{endpoint,duration_ms}')::float8)
		FROM logs
		WHERE timestamp >= $1 AND timestamp < $2 AND log_type = 'endpoint'
			AND attributes #>> '{endpoint,path}' IS NOT NULL
		GROUP BY project_id, attributes #>> '{endpoint,method}', attributes #>> '{endpoint,path}'
		ON CONFLICT (project_id, date, hour, metric_type, endpoint_method, endpoint_path, log_level, log_type)
		DO UPDATE SET
			log_count = EXCLUDED.log_count,
			error_count = EXCLUDED.error_count,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			min_duration_ms = EXCLUDED.min_duration_ms,
			max_duration_ms = EXCLUDED.max_duration_ms,
			p95_duration_ms = EXCLUDED.p95_duration_ms,
			p99_duration_ms = EXCLUDED.p99_duration_ms`,
		start, end, date, hour)
	if err != nil {
		return fmt.Errorf("rolling up endpoints: %w", err)
	}
	return nil
}
