package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/loghive/loghive/internal/telemetry"
	"github.com/loghive/loghive/pkg/event"
)

// Client is one connected notification stream.
type Client struct {
	ProjectID uuid.UUID
	C         chan event.Notification
}

// Hub fans notifications out to the connected clients of each project.
// Client channels are bounded; when a slow consumer falls behind, the
// oldest pending notification is dropped so delivery to everyone else is
// never blocked.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
	buffer  int
}

// NewHub creates a hub with the given per-client buffer size.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]struct{}),
		buffer:  buffer,
	}
}

// Subscribe registers a new client for a project. The caller must
// Unsubscribe when the connection closes.
func (h *Hub) Subscribe(projectID uuid.UUID) *Client {
	c := &Client{
		ProjectID: projectID,
		C:         make(chan event.Notification, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[projectID] == nil {
		h.clients[projectID] = make(map[*Client]struct{})
	}
	h.clients[projectID][c] = struct{}{}
	return c
}

// Unsubscribe removes a client and reports how many subscribers the
// project still has.
func (h *Hub) Unsubscribe(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[c.ProjectID]
	if set == nil {
		return 0
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.ProjectID)
		return 0
	}
	return len(set)
}

// Subscribers reports the number of connected clients for a project.
func (h *Hub) Subscribers(projectID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}

// Publish delivers a notification to every client of the project. Full
// clients lose their oldest pending notification.
func (h *Hub) Publish(projectID uuid.UUID, n event.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[projectID] {
		select {
		case c.C <- n:
			continue
		default:
		}

		// Drop the oldest entry to make room. The client may have drained
		// concurrently, so the second send is still non-blocking.
		select {
		case <-c.C:
			telemetry.NotificationsDroppedTotal.Inc()
		default:
		}
		select {
		case c.C <- n:
		default:
			telemetry.NotificationsDroppedTotal.Inc()
		}
	}
}
