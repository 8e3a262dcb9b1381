package ingest

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loghive/loghive/internal/auth"
	"github.com/loghive/loghive/internal/httpserver"
	"github.com/loghive/loghive/pkg/event"
)

// Handler provides HTTP handlers for the ingest API.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an ingest Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns a chi.Router with all ingest routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/single", h.handleSingle)
	r.Post("/batch", h.handleBatch)
	return r
}

// QueueRoutes returns the queue introspection routes.
func (h *Handler) QueueRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/depth", h.handleQueueDepth)
	return r
}

// eventRequest is the client-facing shape of one log event.
type eventRequest struct {
	Timestamp       time.Time      `json:"timestamp"`
	Level           string         `json:"level"`
	LogType         string         `json:"log_type"`
	Importance      string         `json:"importance"`
	Environment     string         `json:"environment"`
	Release         string         `json:"release"`
	Message         string         `json:"message"`
	ErrorType       string         `json:"error_type"`
	ErrorMessage    string         `json:"error_message"`
	StackTrace      string         `json:"stack_trace"`
	Attributes      map[string]any `json:"attributes"`
	SDKVersion      string         `json:"sdk_version"`
	Platform        string         `json:"platform"`
	PlatformVersion string         `json:"platform_version"`
}

func (r *eventRequest) toEvent() *event.LogEvent {
	return &event.LogEvent{
		Timestamp:       r.Timestamp,
		Level:           event.Level(r.Level),
		LogType:         event.Type(r.LogType),
		Importance:      event.Importance(r.Importance),
		Environment:     r.Environment,
		Release:         r.Release,
		Message:         r.Message,
		ErrorType:       r.ErrorType,
		ErrorMessage:    r.ErrorMessage,
		StackTrace:      r.StackTrace,
		Attributes:      r.Attributes,
		SDKVersion:      r.SDKVersion,
		Platform:        r.Platform,
		PlatformVersion: r.PlatformVersion,
	}
}

type batchRequest struct {
	Events []eventRequest `json:"events" validate:"required,min=1"`
}

func (h *Handler) handleSingle(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.ingest(w, r, []*event.LogEvent{req.toEvent()})
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Events) == 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "events must not be empty")
		return
	}

	events := make([]*event.LogEvent, len(req.Events))
	for i := range req.Events {
		events[i] = req.Events[i].toEvent()
	}
	h.ingest(w, r, events)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, events []*event.LogEvent) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	res, err := h.service.Ingest(r.Context(), cred, events)
	switch {
	case errors.Is(err, ErrQueueFull):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.service.RetryAfter().Seconds())))
		httpserver.RespondError(w, http.StatusServiceUnavailable, "ingestion queue full, retry later")
		return
	case errors.Is(err, ErrQuotaExceeded):
		httpserver.RespondError(w, http.StatusTooManyRequests, "daily event quota exceeded")
		return
	case errors.Is(err, ErrBatchTooLarge):
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("ingest failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if res.Accepted == 0 {
		// Every item failed validation.
		httpserver.Respond(w, http.StatusBadRequest, res)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, res)
}

func (h *Handler) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	depth, err := h.service.QueueDepth(r.Context(), cred)
	if err != nil {
		h.logger.Error("reading queue depth", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"project_id": cred.ProjectID,
		"depth":      depth,
	})
}
