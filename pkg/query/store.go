package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loghive/loghive/internal/httpserver"
	"github.com/loghive/loghive/pkg/event"
)

// ErrNotFound is returned when a log or group does not exist for the project.
var ErrNotFound = errors.New("not found")

const logColumns = `id, project_id, timestamp, ingested_at, level, log_type,
	importance, environment, release, message, error_type, error_message,
	stack_trace, attributes, sdk_version, platform, platform_version,
	processing_time_ms, error_fingerprint`

// Filters narrows a log query. Start and End are always set by the caller;
// an unbounded query would scan every partition.
type Filters struct {
	Start       time.Time
	End         time.Time
	Level       string
	LogType     string
	Environment string
	Fingerprint string
	Search      string // substring over message, error_message, error_type
}

// Store reads persisted logs and error groups from the logs database.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a query store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// GetLog fetches a single event by ID within a project.
func (s *Store) GetLog(ctx context.Context, projectID, logID uuid.UUID) (*event.LogEvent, error) {
	query := `SELECT ` + logColumns + ` FROM logs WHERE project_id = $1 AND id = $2`
	row := s.db.QueryRow(ctx, query, projectID, logID)
	e, err := scanLogRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// whereClause builds the filter conditions shared by the list, count and
// keyset paths. The time-range conditions come first so the planner prunes
// partitions.
func whereClause(projectID uuid.UUID, f Filters) ([]string, []any) {
	conditions := []string{"project_id = $1", "timestamp >= $2", "timestamp < $3"}
	args := []any{projectID, f.Start.UTC(), f.End.UTC()}
	argIdx := 4

	if f.Level != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", argIdx))
		args = append(args, f.Level)
		argIdx++
	}
	if f.LogType != "" {
		conditions = append(conditions, fmt.Sprintf("log_type = $%d", argIdx))
		args = append(args, f.LogType)
		argIdx++
	}
	if f.Environment != "" {
		conditions = append(conditions, fmt.Sprintf("environment = $%d", argIdx))
		args = append(args, f.Environment)
		argIdx++
	}
	if f.Fingerprint != "" {
		conditions = append(conditions, fmt.Sprintf("error_fingerprint = $%d", argIdx))
		args = append(args, f.Fingerprint)
		argIdx++
	}
	if f.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(message ILIKE $%d OR error_message ILIKE $%d OR error_type ILIKE $%d)",
			argIdx, argIdx, argIdx))
		args = append(args, "%"+escapeLike(f.Search)+"%")
		argIdx++
	}
	return conditions, args
}

// QueryLogs returns one offset-paginated page ordered newest first, plus
// the total match count.
func (s *Store) QueryLogs(ctx context.Context, projectID uuid.UUID, f Filters, limit, offset int) ([]*event.LogEvent, int64, error) {
	conditions, args := whereClause(projectID, f)
	where := strings.Join(conditions, " AND ")

	var total int64
	countQuery := `SELECT count(*) FROM logs WHERE ` + where
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting logs: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM logs WHERE %s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`,
		logColumns, where, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying logs: %w", err)
	}
	events, err := scanLogRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// QueryLogsKeyset returns up to limit+1 rows strictly older than the cursor
// position, newest first. Callers detect has_more from the extra row.
func (s *Store) QueryLogsKeyset(ctx context.Context, projectID uuid.UUID, f Filters, after *httpserver.Cursor, limit int) ([]*event.LogEvent, error) {
	conditions, args := whereClause(projectID, f)
	if after != nil {
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(timestamp, id) < ($%d, $%d)", n+1, n+2))
		args = append(args, after.Timestamp.UTC(), after.ID)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM logs WHERE %s ORDER BY timestamp DESC, id DESC LIMIT $%d`,
		logColumns, strings.Join(conditions, " AND "), len(args)+1,
	)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs by cursor: %w", err)
	}
	return scanLogRows(rows)
}

// ErrorGroup is the aggregate row surfaced by the top-errors queries.
type ErrorGroup struct {
	Fingerprint     string     `json:"fingerprint"`
	ErrorType       string     `json:"error_type"`
	ErrorMessage    string     `json:"error_message"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	OccurrenceCount int64      `json:"occurrence_count"`
	Status          string     `json:"status"`
	SampleLogID     *uuid.UUID `json:"sample_log_id,omitempty"`
}

// TopErrors returns the project's top fingerprints by occurrence within the
// window, optionally filtered by status.
func (s *Store) TopErrors(ctx context.Context, projectID uuid.UUID, limit int, start, end time.Time, status string) ([]ErrorGroup, error) {
	conditions := []string{"project_id = $1", "last_seen >= $2", "first_seen < $3"}
	args := []any{projectID, start.UTC(), end.UTC()}
	argIdx := 4

	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	query := fmt.Sprintf(`
		SELECT fingerprint, error_type, error_message, first_seen, last_seen,
			occurrence_count, status, sample_log_id
		FROM error_groups
		WHERE %s
		ORDER BY occurrence_count DESC
		LIMIT $%d`, strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying top errors: %w", err)
	}
	defer rows.Close()

	var groups []ErrorGroup
	for rows.Next() {
		var g ErrorGroup
		if err := rows.Scan(&g.Fingerprint, &g.ErrorType, &g.ErrorMessage,
			&g.FirstSeen, &g.LastSeen, &g.OccurrenceCount, &g.Status, &g.SampleLogID); err != nil {
			return nil, fmt.Errorf("scanning error group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AggregatedMetric is one hourly rollup row.
type AggregatedMetric struct {
	Date           string   `json:"date"`
	Hour           int      `json:"hour"`
	MetricType     string   `json:"metric_type"`
	EndpointMethod *string  `json:"endpoint_method,omitempty"`
	EndpointPath   *string  `json:"endpoint_path,omitempty"`
	LogLevel       *string  `json:"log_level,omitempty"`
	LogType        *string  `json:"log_type,omitempty"`
	LogCount       int64    `json:"log_count"`
	ErrorCount     int64    `json:"error_count"`
	AvgDurationMS  *float64 `json:"avg_duration_ms,omitempty"`
	MinDurationMS  *float64 `json:"min_duration_ms,omitempty"`
	MaxDurationMS  *float64 `json:"max_duration_ms,omitempty"`
	P95DurationMS  *float64 `json:"p95_duration_ms,omitempty"`
	P99DurationMS  *float64 `json:"p99_duration_ms,omitempty"`
}

// AggregatedMetrics reads rollup rows for a project and metric type in
// [from, to], dates as YYYYMMDD.
func (s *Store) AggregatedMetrics(ctx context.Context, projectID uuid.UUID, metricType, fromDate, toDate string) ([]AggregatedMetric, error) {
	conditions := []string{"project_id = $1", "date >= $2", "date <= $3"}
	args := []any{projectID, fromDate, toDate}

	if metricType != "" {
		conditions = append(conditions, "metric_type = $4")
		args = append(args, metricType)
	}

	query := fmt.Sprintf(`
		SELECT date, hour, metric_type, endpoint_method, endpoint_path,
			log_level, log_type, log_count, error_count,
			avg_duration_ms, min_duration_ms, max_duration_ms,
			p95_duration_ms, p99_duration_ms
		FROM aggregated_metrics
		WHERE %s
		ORDER BY date, hour`, strings.Join(conditions, " AND "))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying aggregated metrics: %w", err)
	}
	defer rows.Close()

	var out []AggregatedMetric
	for rows.Next() {
		var m AggregatedMetric
		if err := rows.Scan(&m.Date, &m.Hour, &m.MetricType, &m.EndpointMethod,
			&m.EndpointPath, &m.LogLevel, &m.LogType, &m.LogCount, &m.ErrorCount,
			&m.AvgDurationMS, &m.MinDurationMS, &m.MaxDurationMS,
			&m.P95DurationMS, &m.P99DurationMS); err != nil {
			return nil, fmt.Errorf("scanning aggregated metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanLogRow(row pgx.Row) (*event.LogEvent, error) {
	var (
		e          event.LogEvent
		level      string
		logType    string
		importance string
		env        *string
		release    *string
		errType    *string
		errMsg     *string
		stack      *string
		attrs      []byte
		sdk        *string
		platform   *string
		platVer    *string
		fp         *string
	)
	err := row.Scan(&e.ID, &e.ProjectID, &e.Timestamp, &e.IngestedAt, &level,
		&logType, &importance, &env, &release, &e.Message, &errType, &errMsg,
		&stack, &attrs, &sdk, &platform, &platVer, &e.ProcessingTimeMS, &fp)
	if err != nil {
		return nil, err
	}

	e.Level = event.Level(level)
	e.LogType = event.Type(logType)
	e.Importance = event.Importance(importance)
	e.Environment = deref(env)
	e.Release = deref(release)
	e.ErrorType = deref(errType)
	e.ErrorMessage = deref(errMsg)
	e.StackTrace = deref(stack)
	e.SDKVersion = deref(sdk)
	e.Platform = deref(platform)
	e.PlatformVersion = deref(platVer)
	e.ErrorFingerprint = deref(fp)

	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decoding attributes: %w", err)
		}
	}
	return &e, nil
}

func scanLogRows(rows pgx.Rows) ([]*event.LogEvent, error) {
	defer rows.Close()

	var events []*event.LogEvent
	for rows.Next() {
		e, err := scanLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// escapeLike neutralises LIKE metacharacters in user search text.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
