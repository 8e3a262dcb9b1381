package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// projectRegistryKey holds the set of project IDs with live queues so
	// the storage worker can discover them without scanning the keyspace.
	projectRegistryKey = "queue:projects"
	// deadLetterKey is the global sink for items that could not be
	// persisted or decoded.
	deadLetterKey = "queue:logs:deadletter"
)

// Queue is the per-project buffer between the ingest front and the storage
// worker, backed by Redis lists. Producers LPUSH; the worker RPOPs, so each
// list behaves as FIFO.
type Queue struct {
	redis *redis.Client
}

// NewQueue creates a queue over the given Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{redis: rdb}
}

func queueKey(projectID uuid.UUID) string {
	return fmt.Sprintf("queue:logs:%s", projectID)
}

// Enqueue pushes encoded events onto a project's queue and registers the
// project for worker discovery.
func (q *Queue) Enqueue(ctx context.Context, projectID uuid.UUID, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}

	vals := make([]any, len(payloads))
	for i, p := range payloads {
		vals[i] = p
	}

	pipe := q.redis.Pipeline()
	pipe.LPush(ctx, queueKey(projectID), vals...)
	pipe.SAdd(ctx, projectRegistryKey, projectID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing %d events: %w", len(payloads), err)
	}
	return nil
}

// Depth returns the number of queued events for one project.
func (q *Queue) Depth(ctx context.Context, projectID uuid.UUID) (int64, error) {
	n, err := q.redis.LLen(ctx, queueKey(projectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}

// Projects lists every project that currently has a registered queue.
func (q *Queue) Projects(ctx context.Context) ([]uuid.UUID, error) {
	members, err := q.redis.SMembers(ctx, projectRegistryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing queue projects: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Dequeue pops up to max events from a project's queue, oldest first.
// An empty queue yields an empty slice, not an error.
func (q *Queue) Dequeue(ctx context.Context, projectID uuid.UUID, max int) ([][]byte, error) {
	vals, err := q.redis.RPopCount(ctx, queueKey(projectID), max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing events: %w", err)
	}

	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// DeadLetter routes unprocessable payloads to the global dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	vals := make([]any, len(payloads))
	for i, p := range payloads {
		vals[i] = p
	}
	if err := q.redis.LPush(ctx, deadLetterKey, vals...).Err(); err != nil {
		return fmt.Errorf("dead-lettering %d events: %w", len(payloads), err)
	}
	return nil
}

// DeadLetterDepth returns the size of the dead-letter list.
func (q *Queue) DeadLetterDepth(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, deadLetterKey).Result()
}
