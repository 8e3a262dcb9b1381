package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loghive/loghive/pkg/event"
	"github.com/loghive/loghive/pkg/ingest"
)

// Bridge relays Redis pub/sub notifications into the in-process hub. It
// holds at most one Redis subscription per project per instance, no matter
// how many SSE clients that project has.
type Bridge struct {
	redis  *redis.Client
	hub    *Hub
	logger *slog.Logger

	mu    sync.Mutex
	stops map[uuid.UUID]context.CancelFunc
}

// NewBridge creates a bridge between Redis pub/sub and the hub.
func NewBridge(rdb *redis.Client, hub *Hub, logger *slog.Logger) *Bridge {
	return &Bridge{
		redis:  rdb,
		hub:    hub,
		logger: logger,
		stops:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Ensure starts the project's Redis subscription if it is not already
// running. The subscription is not tied to any one request; it lives until
// the last client releases it or the bridge closes.
func (b *Bridge) Ensure(projectID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, running := b.stops[projectID]; running {
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	b.stops[projectID] = cancel
	go b.relay(subCtx, projectID)
}

// Release stops the project's subscription once no clients remain. The
// subscriber count is read under b.mu so a client that arrived after this
// release began keeps the relay alive.
func (b *Bridge) Release(projectID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hub.Subscribers(projectID) > 0 {
		return
	}
	if cancel, ok := b.stops[projectID]; ok {
		cancel()
		delete(b.stops, projectID)
	}
}

// Close stops every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cancel := range b.stops {
		cancel()
		delete(b.stops, id)
	}
}

func (b *Bridge) relay(ctx context.Context, projectID uuid.UUID) {
	sub := b.redis.Subscribe(ctx, ingest.NotificationChannel(projectID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n, err := event.DecodeNotification([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable notification",
					"project_id", projectID, "error", err)
				continue
			}
			b.hub.Publish(projectID, *n)
		}
	}
}
