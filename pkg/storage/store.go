package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loghive/loghive/pkg/event"
)

// logColumns is the column order used by both the streaming bulk insert
// and the single-row fallback.
var logColumns = []string{
	"id", "project_id", "timestamp", "ingested_at", "level", "log_type",
	"importance", "environment", "release", "message", "error_type",
	"error_message", "stack_trace", "attributes", "sdk_version",
	"platform", "platform_version", "processing_time_ms", "error_fingerprint",
}

// Store persists log events into the partitioned logs database.
type Store struct {
	db *pgxpool.Pool

	mu       sync.Mutex
	verified map[string]struct{} // partition names already ensured
}

// NewStore creates a logs store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		db:       db,
		verified: make(map[string]struct{}),
	}
}

// PartitionName returns the monthly partition a timestamp maps to.
func PartitionName(table string, t time.Time) string {
	return fmt.Sprintf("%s_%04d_%02d", table, t.UTC().Year(), t.UTC().Month())
}

// monthBounds returns the UTC start of the month containing t and the start
// of the following month.
func monthBounds(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// EnsurePartition creates the monthly partition covering t if it does not
// exist. Verified names are cached so steady-state flushes skip the DDL.
func (s *Store) EnsurePartition(ctx context.Context, table string, t time.Time) error {
	name := PartitionName(table, t)

	s.mu.Lock()
	_, ok := s.verified[name]
	s.mu.Unlock()
	if ok {
		return nil
	}

	start, end := monthBounds(t)
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, table, start.Format("2006-01-02"), end.Format("2006-01-02"),
	)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensuring partition %s: %w", name, err)
	}

	s.mu.Lock()
	s.verified[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// DropPartitionsBefore drops monthly partitions of table whose entire range
// lies before cutoff. Returns the names dropped.
func (s *Store) DropPartitionsBefore(ctx context.Context, table string, cutoff time.Time) ([]string, error) {
	const query = `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1`

	rows, err := s.db.Query(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("listing partitions of %s: %w", table, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting partition names: %w", err)
	}

	cutoffName := PartitionName(table, cutoff)
	var dropped []string
	for _, name := range names {
		// Names sort chronologically: table_YYYY_MM.
		if name >= cutoffName {
			continue
		}
		if _, err := s.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return dropped, fmt.Errorf("dropping partition %s: %w", name, err)
		}
		s.mu.Lock()
		delete(s.verified, name)
		s.mu.Unlock()
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// InsertBatch streams events into the logs table with COPY. IDs are
// assigned here. The caller must have ensured the target partitions.
func (s *Store) InsertBatch(ctx context.Context, events []*event.LogEvent) error {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		row, err := logRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := s.db.CopyFrom(ctx, pgx.Identifier{"logs"}, logColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("bulk inserting %d events: %w", len(events), err)
	}
	return nil
}

// InsertSingle inserts one event. Used to split out offending rows when a
// bulk insert hits an integrity failure.
func (s *Store) InsertSingle(ctx context.Context, e *event.LogEvent) error {
	row, err := logRow(e)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO logs (id, project_id, timestamp, ingested_at, level, log_type,
			importance, environment, release, message, error_type, error_message,
			stack_trace, attributes, sdk_version, platform, platform_version,
			processing_time_ms, error_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	if _, err := s.db.Exec(ctx, query, row...); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func logRow(e *event.LogEvent) ([]any, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	var attrs []byte
	if e.Attributes != nil {
		raw, err := json.Marshal(e.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshalling attributes: %w", err)
		}
		attrs = raw
	}

	return []any{
		e.ID, e.ProjectID, e.Timestamp.UTC(), e.IngestedAt.UTC(),
		string(e.Level), string(e.LogType), string(e.Importance),
		nullable(e.Environment), nullable(e.Release), e.Message,
		nullable(e.ErrorType), nullable(e.ErrorMessage), nullable(e.StackTrace),
		attrs, nullable(e.SDKVersion), nullable(e.Platform),
		nullable(e.PlatformVersion), e.ProcessingTimeMS, nullable(e.ErrorFingerprint),
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// groupDelta is the per-fingerprint aggregate extracted from one flush.
type groupDelta struct {
	projectID    uuid.UUID
	fingerprint  string
	errorType    string
	errorMessage string
	firstSeen    time.Time
	lastSeen     time.Time
	count        int
	sampleLogID  uuid.UUID
	sampleStack  string
}

// UpsertErrorGroups folds the flush's fingerprinted events into
// error_groups. Counts only grow, first_seen only shrinks, last_seen only
// grows, and sample fields are written once on insert.
func (s *Store) UpsertErrorGroups(ctx context.Context, events []*event.LogEvent) error {
	deltas := aggregateGroups(events)
	if len(deltas) == 0 {
		return nil
	}

	const query = `
		INSERT INTO error_groups (project_id, fingerprint, error_type, error_message,
			first_seen, last_seen, occurrence_count, status, sample_log_id, sample_stack_trace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'unresolved', $8, $9)
		ON CONFLICT (project_id, fingerprint) DO UPDATE SET
			occurrence_count = error_groups.occurrence_count + EXCLUDED.occurrence_count,
			first_seen = LEAST(error_groups.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(error_groups.last_seen, EXCLUDED.last_seen)`

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(query,
			d.projectID, d.fingerprint, d.errorType, d.errorMessage,
			d.firstSeen.UTC(), d.lastSeen.UTC(), d.count,
			d.sampleLogID, nullable(d.sampleStack),
		)
	}

	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d error groups: %w", len(deltas), err)
	}
	return nil
}

// aggregateGroups collapses a flush into one delta per (project, fingerprint),
// keeping the earliest event as the sample candidate.
func aggregateGroups(events []*event.LogEvent) []*groupDelta {
	byKey := make(map[string]*groupDelta)
	var order []string

	for _, e := range events {
		if e.ErrorFingerprint == "" {
			continue
		}
		key := e.ProjectID.String() + ":" + e.ErrorFingerprint
		d, ok := byKey[key]
		if !ok {
			d = &groupDelta{
				projectID:    e.ProjectID,
				fingerprint:  e.ErrorFingerprint,
				errorType:    e.ErrorType,
				errorMessage: e.ErrorMessage,
				firstSeen:    e.Timestamp,
				lastSeen:     e.Timestamp,
				sampleLogID:  e.ID,
				sampleStack:  e.StackTrace,
			}
			byKey[key] = d
			order = append(order, key)
		}
		d.count++
		if e.Timestamp.Before(d.firstSeen) {
			d.firstSeen = e.Timestamp
			d.sampleLogID = e.ID
			d.sampleStack = e.StackTrace
		}
		if e.Timestamp.After(d.lastSeen) {
			d.lastSeen = e.Timestamp
		}
	}

	out := make([]*groupDelta, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// IngestionMetric is one throughput sample emitted per flush.
type IngestionMetric struct {
	Timestamp       time.Time
	ProjectCount    int
	EventsPersisted int
	EventsFailed    int
	FlushDurationMS float64
	QueueDepth      int64
	WorkerCount     int
}

// RecordIngestionMetric appends one row to the partitioned metrics table.
func (s *Store) RecordIngestionMetric(ctx context.Context, m IngestionMetric) error {
	if err := s.EnsurePartition(ctx, "ingestion_metrics", m.Timestamp); err != nil {
		return err
	}

	const query = `
		INSERT INTO ingestion_metrics (timestamp, project_count, events_persisted,
			events_failed, flush_duration_ms, queue_depth, worker_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query,
		m.Timestamp.UTC(), m.ProjectCount, m.EventsPersisted, m.EventsFailed,
		m.FlushDurationMS, m.QueueDepth, m.WorkerCount)
	if err != nil {
		return fmt.Errorf("recording ingestion metric: %w", err)
	}
	return nil
}
