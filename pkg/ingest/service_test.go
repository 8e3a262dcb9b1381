package ingest

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loghive/loghive/internal/auth"
	"github.com/loghive/loghive/pkg/event"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func testService(t *testing.T) (*Service, *Queue, *miniredis.Miniredis) {
	t.Helper()
	rdb, mr := newTestRedis(t)
	queue := NewQueue(rdb)
	svc := NewService(queue, NewNotifier(rdb, slog.Default()), auth.NewQuotaTracker(rdb), Config{
		MaxBatchSize:    5,
		QueueMaxDepth:   10,
		RetryAfter:      time.Minute,
		FutureTolerance: 5 * time.Minute,
	}, slog.Default())
	return svc, queue, mr
}

func testCred() *auth.Credential {
	return &auth.Credential{
		APIKeyID:           uuid.New(),
		ProjectID:          uuid.New(),
		ProjectSlug:        "checkout",
		RateLimitPerMinute: 1000,
		RateLimitPerHour:   20000,
		DailyQuota:         1000,
		RetentionDays:      30,
	}
}

func validIngestEvent() *event.LogEvent {
	return &event.LogEvent{
		Timestamp: time.Now().Add(-time.Second),
		Level:     event.LevelInfo,
		LogType:   event.TypeConsole,
		Message:   "hello",
	}
}

func TestIngest_AcceptsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	svc, queue, _ := testService(t)
	cred := testCred()

	res, err := svc.Ingest(ctx, cred, []*event.LogEvent{validIngestEvent()})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Accepted != 1 || res.Rejected != 0 {
		t.Fatalf("Result = %+v, want accepted=1 rejected=0", res)
	}

	depth, err := queue.Depth(ctx, cred.ProjectID)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}

	// The queued payload decodes back to the enriched event.
	payloads, err := queue.Dequeue(ctx, cred.ProjectID, 10)
	if err != nil {
		t.Fatal(err)
	}
	got, err := event.Decode(payloads[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.ProjectID != cred.ProjectID {
		t.Errorf("ProjectID = %v, want %v", got.ProjectID, cred.ProjectID)
	}
	if got.IngestedAt.IsZero() {
		t.Error("IngestedAt should be set by enrichment")
	}
	if got.Importance != event.ImportanceStandard {
		t.Errorf("Importance = %q, want standard default", got.Importance)
	}
}

func TestIngest_PartialBatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := testService(t)

	bad := validIngestEvent()
	bad.Level = "fatal"

	res, err := svc.Ingest(ctx, testCred(), []*event.LogEvent{validIngestEvent(), bad, validIngestEvent()})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Accepted != 2 || res.Rejected != 1 {
		t.Fatalf("Result = %+v, want accepted=2 rejected=1", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Index != 1 || res.Errors[0].Field != "level" {
		t.Errorf("Errors = %+v, want one error at index 1 on level", res.Errors)
	}
}

func TestIngest_ComputesFingerprint(t *testing.T) {
	ctx := context.Background()
	svc, queue, _ := testService(t)
	cred := testCred()

	e := validIngestEvent()
	e.Level = event.LevelError
	e.LogType = event.TypeException
	e.ErrorType = "ValueError"
	e.ErrorMessage = "bad input"
	e.Platform = "python"

	if _, err := svc.Ingest(ctx, cred, []*event.LogEvent{e}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	payloads, _ := queue.Dequeue(ctx, cred.ProjectID, 1)
	got, err := event.Decode(payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	want := event.Fingerprint("ValueError", "", "python")
	if got.ErrorFingerprint != want {
		t.Errorf("ErrorFingerprint = %q, want %q", got.ErrorFingerprint, want)
	}
}

func TestIngest_Backpressure(t *testing.T) {
	ctx := context.Background()
	svc, queue, _ := testService(t)
	cred := testCred()

	// Fill the queue to the ceiling.
	var payloads [][]byte
	for i := 0; i < 10; i++ {
		raw, _ := event.Encode(validIngestEvent())
		payloads = append(payloads, raw)
	}
	if err := queue.Enqueue(ctx, cred.ProjectID, payloads); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Ingest(ctx, cred, []*event.LogEvent{validIngestEvent()})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Ingest() error = %v, want ErrQueueFull", err)
	}
}

func TestIngest_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	svc, queue, _ := testService(t)
	cred := testCred()
	cred.DailyQuota = 2

	events := []*event.LogEvent{validIngestEvent(), validIngestEvent(), validIngestEvent()}
	_, err := svc.Ingest(ctx, cred, events)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Ingest() error = %v, want ErrQuotaExceeded", err)
	}

	// Nothing may be enqueued when the quota refuses the batch.
	depth, _ := queue.Depth(ctx, cred.ProjectID)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

// failingQueue wraps a real queue but refuses every enqueue.
type failingQueue struct {
	*Queue
	enqueueErr error
}

func (f *failingQueue) Enqueue(context.Context, uuid.UUID, [][]byte) error {
	return f.enqueueErr
}

func TestIngest_EnqueueFailureRefundsQuota(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	quota := auth.NewQuotaTracker(rdb)
	queue := &failingQueue{Queue: NewQueue(rdb), enqueueErr: errors.New("redis write refused")}
	svc := NewService(queue, NewNotifier(rdb, slog.Default()), quota, Config{
		MaxBatchSize:    5,
		QueueMaxDepth:   10,
		RetryAfter:      time.Minute,
		FutureTolerance: 5 * time.Minute,
	}, slog.Default())
	cred := testCred()

	events := []*event.LogEvent{validIngestEvent(), validIngestEvent()}
	if _, err := svc.Ingest(ctx, cred, events); err == nil {
		t.Fatal("Ingest() should fail when the queue write fails")
	}

	// The counted events never reached the queue, so the day's usage must
	// not charge for them.
	used, err := quota.Usage(ctx, cred.ProjectID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Errorf("usage after failed enqueue = %d, want 0", used)
	}
}

func TestIngest_BatchTooLarge(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := testService(t)

	events := make([]*event.LogEvent, 6)
	for i := range events {
		events[i] = validIngestEvent()
	}
	if _, err := svc.Ingest(ctx, testCred(), events); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("Ingest() error = %v, want ErrBatchTooLarge", err)
	}
}

func TestIngest_PublishesErrorNotifications(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	queue := NewQueue(rdb)
	svc := NewService(queue, NewNotifier(rdb, slog.Default()), auth.NewQuotaTracker(rdb), Config{
		MaxBatchSize:    5,
		QueueMaxDepth:   10,
		RetryAfter:      time.Minute,
		FutureTolerance: 5 * time.Minute,
	}, slog.Default())
	cred := testCred()

	sub := rdb.Subscribe(ctx, NotificationChannel(cred.ProjectID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	e := validIngestEvent()
	e.Level = event.LevelError
	e.ErrorType = "ValueError"
	e.ErrorMessage = "bad input"

	if _, err := svc.Ingest(ctx, cred, []*event.LogEvent{e}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		n, err := event.DecodeNotification([]byte(msg.Payload))
		if err != nil {
			t.Fatalf("DecodeNotification() error = %v", err)
		}
		if n.ErrorType != "ValueError" || n.ProjectID != cred.ProjectID {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestQueue_FIFOAndRegistry(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	queue := NewQueue(rdb)
	project := uuid.New()

	if err := queue.Enqueue(ctx, project, [][]byte{[]byte("a"), []byte("b"), []byte("c")}); err != nil {
		t.Fatal(err)
	}

	projects, err := queue.Projects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0] != project {
		t.Errorf("Projects() = %v, want [%v]", projects, project)
	}

	got, err := queue.Dequeue(ctx, project, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Errorf("Dequeue() = %q, want oldest-first [a b]", got)
	}

	// Draining an empty queue is not an error.
	queue.Dequeue(ctx, project, 10)
	empty, err := queue.Dequeue(ctx, project, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("Dequeue() on empty = %q, want none", empty)
	}
}

func TestQueue_DeadLetter(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	queue := NewQueue(rdb)

	if err := queue.DeadLetter(ctx, [][]byte{[]byte("poison")}); err != nil {
		t.Fatal(err)
	}
	depth, err := queue.DeadLetterDepth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("DeadLetterDepth() = %d, want 1", depth)
	}
}
