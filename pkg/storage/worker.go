package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loghive/loghive/internal/telemetry"
	"github.com/loghive/loghive/pkg/event"
	"github.com/loghive/loghive/pkg/ingest"
)

// Sink is the persistence surface the worker writes to. *Store implements
// it; tests substitute fakes.
type Sink interface {
	EnsurePartition(ctx context.Context, table string, t time.Time) error
	InsertBatch(ctx context.Context, events []*event.LogEvent) error
	InsertSingle(ctx context.Context, e *event.LogEvent) error
	UpsertErrorGroups(ctx context.Context, events []*event.LogEvent) error
	RecordIngestionMetric(ctx context.Context, m IngestionMetric) error
}

// WorkerConfig tunes the drain loop.
type WorkerConfig struct {
	Count         int
	BatchSize     int
	FlushTimeout  time.Duration
	QueueMaxDepth int64
}

// Worker drains the per-project queues into the logs store. Each of the
// Count goroutines owns a shard of the project space; batches flush when
// BatchSize items are available or FlushTimeout has passed.
type Worker struct {
	queue  *ingest.Queue
	sink   Sink
	cfg    WorkerConfig
	logger *slog.Logger
}

// NewWorker creates a storage worker pool.
func NewWorker(queue *ingest.Queue, sink Sink, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{queue: queue, sink: sink, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled. On shutdown every goroutine performs
// one final drain pass so acknowledged items are not stranded.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.run(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *Worker) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			// Final drain with a fresh deadline; the parent is gone.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.sweep(drainCtx, id)
			cancel()
			return
		default:
		}

		if worked := w.sweep(ctx, id); !worked {
			select {
			case <-time.After(w.cfg.FlushTimeout):
			case <-ctx.Done():
			}
		}
	}
}

// sweep visits this goroutine's shard of projects once and reports whether
// any work was done.
func (w *Worker) sweep(ctx context.Context, id int) bool {
	projects, err := w.queue.Projects(ctx)
	if err != nil {
		w.logger.Error("listing queue projects", "error", err)
		return false
	}

	worked := false
	var totalDepth int64
	for i, project := range projects {
		if i%w.cfg.Count != id {
			continue
		}

		depth, err := w.queue.Depth(ctx, project)
		if err == nil {
			totalDepth += depth
			w.enforceCeiling(ctx, project, depth)
		}

		payloads, err := w.queue.Dequeue(ctx, project, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error("dequeueing events", "project_id", project, "error", err)
			continue
		}
		if len(payloads) == 0 {
			continue
		}

		worked = true
		w.flush(ctx, project, payloads)
	}

	if id == 0 {
		telemetry.QueueDepth.Set(float64(totalDepth))
	}
	return worked
}

// enforceCeiling dead-letters the overflow when a queue grossly exceeds the
// backpressure ceiling, protecting Redis from unbounded growth during a
// long store outage.
func (w *Worker) enforceCeiling(ctx context.Context, project uuid.UUID, depth int64) {
	limit := 2 * w.cfg.QueueMaxDepth
	if limit <= 0 || depth <= limit {
		return
	}

	overflow := int(depth - w.cfg.QueueMaxDepth)
	payloads, err := w.queue.Dequeue(ctx, project, overflow)
	if err != nil || len(payloads) == 0 {
		return
	}
	if err := w.queue.DeadLetter(ctx, payloads); err != nil {
		w.logger.Error("dead-lettering queue overflow", "project_id", project, "error", err)
		return
	}
	w.logger.Warn("queue overflow dead-lettered",
		"project_id", project, "depth", depth, "dead_lettered", len(payloads))
	telemetry.WorkerEventsTotal.WithLabelValues("dead_letter").Add(float64(len(payloads)))
}

// flush persists one batch. Items are never dropped silently: they end up
// inserted or on the dead-letter list.
func (w *Worker) flush(ctx context.Context, project uuid.UUID, payloads [][]byte) {
	start := time.Now()

	events := make([]*event.LogEvent, 0, len(payloads))
	var poison [][]byte
	for _, raw := range payloads {
		e, err := event.Decode(raw)
		if err != nil {
			poison = append(poison, raw)
			continue
		}
		events = append(events, e)
	}
	if len(poison) > 0 {
		w.logger.Warn("dropping undecodable events to dead-letter",
			"project_id", project, "count", len(poison))
		if err := w.deadLetter(poison); err != nil {
			w.logger.Error("dead-lettering poison events", "error", err)
		}
		telemetry.WorkerEventsTotal.WithLabelValues("decode_failed").Add(float64(len(poison)))
	}
	if len(events) == 0 {
		return
	}

	if err := w.ensurePartitions(ctx, events); err != nil {
		w.logger.Error("ensuring partitions", "error", err)
		// Partition DDL failure means the store is sick; fall through to the
		// insert path, which retries with backoff and dead-letters last.
	}

	persisted, failed := w.persist(ctx, events)

	// Grouping only counts rows that actually landed; dead-lettered rows
	// must not inflate occurrence counts.
	if len(persisted) > 0 {
		if err := w.sink.UpsertErrorGroups(ctx, persisted); err != nil {
			w.logger.Error("upserting error groups", "project_id", project, "error", err)
		}
	}

	elapsed := time.Since(start)
	telemetry.WorkerFlushDuration.Observe(elapsed.Seconds())
	telemetry.WorkerEventsTotal.WithLabelValues("persisted").Add(float64(len(persisted)))
	if failed > 0 {
		telemetry.WorkerEventsTotal.WithLabelValues("dead_letter").Add(float64(failed))
	}

	depth, _ := w.queue.Depth(ctx, project)
	metric := IngestionMetric{
		Timestamp:       time.Now(),
		ProjectCount:    1,
		EventsPersisted: len(persisted),
		EventsFailed:    failed + len(poison),
		FlushDurationMS: float64(elapsed.Microseconds()) / 1000,
		QueueDepth:      depth,
		WorkerCount:     w.cfg.Count,
	}
	if err := w.sink.RecordIngestionMetric(ctx, metric); err != nil {
		w.logger.Warn("recording ingestion metric", "error", err)
	}
}

func (w *Worker) ensurePartitions(ctx context.Context, events []*event.LogEvent) error {
	seen := make(map[string]time.Time)
	for _, e := range events {
		seen[PartitionName("logs", e.Timestamp)] = e.Timestamp
	}
	for _, ts := range seen {
		if err := w.sink.EnsurePartition(ctx, "logs", ts); err != nil {
			return err
		}
	}
	return nil
}

// persist bulk-inserts with outage backoff and returns the rows that
// landed. Integrity failures split the batch into individual inserts; rows
// that still fail go to dead-letter.
func (w *Worker) persist(ctx context.Context, events []*event.LogEvent) (persisted []*event.LogEvent, failed int) {
	err := w.withOutageRetry(ctx, func() error {
		return w.sink.InsertBatch(ctx, events)
	})
	if err == nil {
		return events, 0
	}

	if !isIntegrityErr(err) {
		w.logger.Error("bulk insert failed after retries", "error", err, "count", len(events))
	} else {
		w.logger.Warn("bulk insert hit integrity failure, splitting batch", "error", err)
	}

	// Split-retry: insert rows one by one so a single offender cannot sink
	// its whole batch.
	var deadLetters [][]byte
	for _, e := range events {
		ierr := w.withOutageRetry(ctx, func() error {
			return w.sink.InsertSingle(ctx, e)
		})
		if ierr == nil {
			persisted = append(persisted, e)
			continue
		}
		failed++
		if raw, encErr := event.Encode(e); encErr == nil {
			deadLetters = append(deadLetters, raw)
		}
	}

	if len(deadLetters) > 0 {
		if dlErr := w.deadLetter(deadLetters); dlErr != nil {
			w.logger.Error("dead-lettering failed rows", "error", dlErr, "count", len(deadLetters))
		}
	}
	return persisted, failed
}

// deadLetter writes with a fresh context so items are not lost when the
// request context has already expired.
func (w *Worker) deadLetter(payloads [][]byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.queue.DeadLetter(ctx, payloads)
}

// withOutageRetry retries transient store failures with exponential
// backoff. Integrity failures are permanent: retrying them cannot help.
func (w *Worker) withOutageRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isIntegrityErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// isIntegrityErr reports whether err is a constraint violation (SQLSTATE
// class 23) as opposed to a transient outage.
func isIntegrityErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}

// Janitor keeps the partition set healthy: partitions exist for the
// current and next months, and partitions older than the retention horizon
// are dropped.
type Janitor struct {
	store       *Store
	interval    time.Duration
	monthsAhead int
	retention   time.Duration
	logger      *slog.Logger
}

// NewJanitor creates the partition janitor. retentionDays is the coarsest
// retention across projects; partitions wholly older than it are dropped.
func NewJanitor(store *Store, interval time.Duration, monthsAhead, retentionDays int, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:       store,
		interval:    interval,
		monthsAhead: monthsAhead,
		retention:   time.Duration(retentionDays) * 24 * time.Hour,
		logger:      logger,
	}
}

// Run ticks until ctx is cancelled. One pass runs immediately at startup so
// a fresh deployment has its partitions before the first flush.
func (j *Janitor) Run(ctx context.Context) error {
	j.pass(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.pass(ctx)
		}
	}
}

func (j *Janitor) pass(ctx context.Context) {
	now := time.Now().UTC()
	for _, table := range []string{"logs", "ingestion_metrics"} {
		for m := 0; m <= j.monthsAhead; m++ {
			if err := j.store.EnsurePartition(ctx, table, now.AddDate(0, m, 0)); err != nil {
				j.logger.Error("janitor ensure partition", "table", table, "error", err)
			}
		}

		cutoff := now.Add(-j.retention)
		dropped, err := j.store.DropPartitionsBefore(ctx, table, cutoff)
		if err != nil {
			j.logger.Error("janitor drop partitions", "table", table, "error", err)
		}
		for _, name := range dropped {
			j.logger.Info("dropped expired partition", "partition", name)
		}
	}
}

var _ Sink = (*Store)(nil)

// String implements fmt.Stringer for logging.
func (m IngestionMetric) String() string {
	return fmt.Sprintf("persisted=%d failed=%d flush_ms=%.1f depth=%d",
		m.EventsPersisted, m.EventsFailed, m.FlushDurationMS, m.QueueDepth)
}
