package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loghive/loghive/internal/auth"
	"github.com/loghive/loghive/internal/httpserver"
)

// Handler serves the server-sent-events notification stream.
type Handler struct {
	hub       *Hub
	bridge    *Bridge
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewHandler creates the notification stream handler.
func NewHandler(hub *Hub, bridge *Bridge, heartbeat time.Duration, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, bridge: bridge, heartbeat: heartbeat, logger: logger}
}

// Routes returns a chi.Router with the notification routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stream", h.handleStream)
	return r
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := h.hub.Subscribe(cred.ProjectID)
	defer func() {
		h.hub.Unsubscribe(client)
		h.bridge.Release(cred.ProjectID)
	}()
	h.bridge.Ensure(cred.ProjectID)

	writeSSE(w, "connected", map[string]any{
		"project_id": cred.ProjectID,
		"project":    cred.ProjectSlug,
	})
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-client.C:
			writeSSE(w, "notification", n)
			flusher.Flush()
		case <-ticker.C:
			writeSSE(w, "heartbeat", map[string]any{"ts": time.Now().UTC()})
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventName string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, raw)
}
