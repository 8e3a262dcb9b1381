package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loghive/loghive/internal/auth"
	"github.com/loghive/loghive/internal/telemetry"
	"github.com/loghive/loghive/pkg/event"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrQueueFull means the project's queue is at or above the depth
	// ceiling; the client should retry later.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrQuotaExceeded means the daily event quota would be crossed.
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	// ErrBatchTooLarge means the batch exceeds the configured maximum.
	ErrBatchTooLarge = errors.New("batch too large")
)

// ItemError reports why one event in a batch was rejected.
type ItemError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Result summarises a single- or batch-ingest call.
type Result struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Errors   []ItemError `json:"errors,omitempty"`
}

// Config tunes the ingest service.
type Config struct {
	MaxBatchSize    int
	QueueMaxDepth   int64
	RetryAfter      time.Duration
	FutureTolerance time.Duration
}

// eventQueue is the buffer the service enqueues into. *Queue implements
// it; tests substitute fakes to exercise queue failures.
type eventQueue interface {
	Enqueue(ctx context.Context, projectID uuid.UUID, payloads [][]byte) error
	Depth(ctx context.Context, projectID uuid.UUID) (int64, error)
}

// Service validates, enriches, and enqueues log events. The queue write is
// the only persistence-style action on the request path.
type Service struct {
	queue    eventQueue
	notifier *Notifier
	quota    *auth.QuotaTracker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the ingest service.
func NewService(queue eventQueue, notifier *Notifier, quota *auth.QuotaTracker, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		queue:    queue,
		notifier: notifier,
		quota:    quota,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest processes a batch of events for one project. Each event is
// validated independently; a batch may be a partial success. The whole
// batch is refused on backpressure or quota exhaustion.
func (s *Service) Ingest(ctx context.Context, cred *auth.Credential, events []*event.LogEvent) (*Result, error) {
	if len(events) == 0 {
		return &Result{}, nil
	}
	if len(events) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d events exceeds maximum of %d", ErrBatchTooLarge, len(events), s.cfg.MaxBatchSize)
	}

	// Advisory backpressure check: read depth, then attempt the enqueue.
	// Racing past the ceiling is tolerated; the worker dead-letters gross
	// overshoot.
	depth, err := s.queue.Depth(ctx, cred.ProjectID)
	if err != nil {
		s.logger.Warn("queue depth check failed, proceeding", "error", err)
	} else if depth >= s.cfg.QueueMaxDepth {
		telemetry.EventsIngestedTotal.WithLabelValues("backpressure").Add(float64(len(events)))
		return nil, ErrQueueFull
	}

	now := s.now()
	res := &Result{}
	var (
		payloads [][]byte
		notifs   []*event.Notification
	)

	for i, e := range events {
		e.ProjectID = cred.ProjectID
		if cred.Environment != "" && e.Environment == "" {
			e.Environment = cred.Environment
		}
		if e.Importance == "" {
			e.Importance = event.ImportanceStandard
		}

		if verrs := event.Validate(e, now, s.cfg.FutureTolerance); len(verrs) > 0 {
			res.Rejected++
			for _, ve := range verrs {
				res.Errors = append(res.Errors, ItemError{Index: i, Field: ve.Field, Reason: ve.Reason})
			}
			continue
		}

		// Enrichment happens after validation so rejected events are
		// returned untouched.
		e.IngestedAt = now
		if e.ErrorType != "" {
			e.ErrorFingerprint = event.Fingerprint(e.ErrorType, e.StackTrace, e.Platform)
		}

		raw, err := event.Encode(e)
		if err != nil {
			s.logger.Error("encoding accepted event", "error", err)
			res.Rejected++
			res.Errors = append(res.Errors, ItemError{Index: i, Field: "", Reason: "internal encoding error"})
			continue
		}
		payloads = append(payloads, raw)
		res.Accepted++

		if e.IsError() {
			notifs = append(notifs, &event.Notification{
				ProjectID:    e.ProjectID,
				Fingerprint:  e.ErrorFingerprint,
				ErrorType:    e.ErrorType,
				ErrorMessage: e.ErrorMessage,
				Timestamp:    e.Timestamp,
			})
		}
	}

	if res.Accepted == 0 {
		telemetry.EventsIngestedTotal.WithLabelValues("rejected").Add(float64(res.Rejected))
		return res, nil
	}

	_, consumed, err := s.quota.Consume(ctx, cred.ProjectID, int64(res.Accepted), cred.DailyQuota)
	if err != nil {
		// Redis trouble must not drop customer data; count it and move on.
		s.logger.Warn("quota check failed, accepting batch", "error", err)
	} else if !consumed {
		telemetry.EventsIngestedTotal.WithLabelValues("quota").Add(float64(res.Accepted))
		return nil, ErrQuotaExceeded
	}

	if err := s.queue.Enqueue(ctx, cred.ProjectID, payloads); err != nil {
		// The events never reached the queue; give their quota back.
		if consumed {
			if rerr := s.quota.Refund(ctx, cred.ProjectID, int64(res.Accepted)); rerr != nil {
				s.logger.Warn("refunding quota after enqueue failure", "error", rerr)
			}
		}
		return nil, fmt.Errorf("enqueueing batch: %w", err)
	}

	telemetry.EventsIngestedTotal.WithLabelValues("accepted").Add(float64(res.Accepted))
	if res.Rejected > 0 {
		telemetry.EventsIngestedTotal.WithLabelValues("rejected").Add(float64(res.Rejected))
	}

	for _, n := range notifs {
		s.notifier.Publish(n)
	}

	return res, nil
}

// QueueDepth exposes the current queue depth for one project.
func (s *Service) QueueDepth(ctx context.Context, cred *auth.Credential) (int64, error) {
	return s.queue.Depth(ctx, cred.ProjectID)
}

// RetryAfter is the backpressure hint surfaced on 503 responses.
func (s *Service) RetryAfter() time.Duration {
	return s.cfg.RetryAfter
}
