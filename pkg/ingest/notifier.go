package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loghive/loghive/pkg/event"
)

// NotificationChannel returns the pub/sub channel for a project's error
// notifications.
func NotificationChannel(projectID uuid.UUID) string {
	return fmt.Sprintf("notifications:errors:%s", projectID)
}

// Notifier publishes error notifications to the per-project pub/sub
// channel. Publishing is fire-and-forget: a failed publish is logged and
// never fails the ingest.
type Notifier struct {
	redis  *redis.Client
	logger *slog.Logger
}

// NewNotifier creates a notifier over the given Redis client.
func NewNotifier(rdb *redis.Client, logger *slog.Logger) *Notifier {
	return &Notifier{redis: rdb, logger: logger}
}

// Publish fans out one notification without blocking the caller.
func (n *Notifier) Publish(notif *event.Notification) {
	raw, err := event.EncodeNotification(notif)
	if err != nil {
		n.logger.Error("encoding notification", "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.redis.Publish(ctx, NotificationChannel(notif.ProjectID), raw).Err(); err != nil {
			n.logger.Warn("publishing notification failed",
				"project_id", notif.ProjectID, "error", err)
		}
	}()
}
