package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loghive/loghive/internal/auth"
	"github.com/loghive/loghive/internal/httpserver"
	"github.com/loghive/loghive/pkg/analytics"
	"github.com/loghive/loghive/pkg/event"
)

// LogStore is the read surface the handler queries. *Store implements it.
type LogStore interface {
	GetLog(ctx context.Context, projectID, logID uuid.UUID) (*event.LogEvent, error)
	QueryLogs(ctx context.Context, projectID uuid.UUID, f Filters, limit, offset int) ([]*event.LogEvent, int64, error)
	QueryLogsKeyset(ctx context.Context, projectID uuid.UUID, f Filters, after *httpserver.Cursor, limit int) ([]*event.LogEvent, error)
	TopErrors(ctx context.Context, projectID uuid.UUID, limit int, start, end time.Time, status string) ([]ErrorGroup, error)
	AggregatedMetrics(ctx context.Context, projectID uuid.UUID, metricType, fromDate, toDate string) ([]AggregatedMetric, error)
}

// MetricsCache serves the pre-aggregated metric payloads.
type MetricsCache interface {
	ErrorRate(ctx context.Context, projectID uuid.UUID) ([]analytics.ErrorRatePoint, error)
	LogVolume(ctx context.Context, projectID uuid.UUID) ([]analytics.LogVolumePoint, error)
	TopErrors(ctx context.Context, projectID uuid.UUID) ([]analytics.TopError, error)
	UsageStats(ctx context.Context, projectID uuid.UUID) ([]analytics.UsageDay, error)
}

// Config tunes the read path. Zero page limits fall back to the
// httpserver package defaults.
type Config struct {
	DefaultWindow time.Duration
	DefaultLimit  int
	MaxLimit      int
}

func (c Config) pageLimits() httpserver.PageLimits {
	return httpserver.PageLimits{Default: c.DefaultLimit, Max: c.MaxLimit}
}

// Handler provides HTTP handlers for log retrieval and metrics.
type Handler struct {
	store  LogStore
	cache  MetricsCache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a query Handler.
func NewHandler(store LogStore, cache MetricsCache, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{store: store, cache: cache, cfg: cfg, logger: logger, now: time.Now}
}

// Routes returns a chi.Router with the log retrieval routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/search", h.handleSearch)
	r.Get("/{logID}", h.handleGet)
	return r
}

// MetricsRoutes returns the metrics routes.
func (h *Handler) MetricsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/error-rate", h.handleErrorRate)
	r.Get("/log-volume", h.handleLogVolume)
	r.Get("/top-errors", h.handleTopErrors)
	r.Get("/usage-stats", h.handleUsageStats)
	r.Get("/aggregated", h.handleAggregated)
	return r
}

// parseFilters reads the shared filter parameters. When the caller gives no
// time range the window defaults to the last cfg.DefaultWindow, which keeps
// every query prunable to a bounded set of partitions.
func (h *Handler) parseFilters(r *http.Request) (Filters, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	f := Filters{
		Start:       now.Add(-h.cfg.DefaultWindow),
		End:         now,
		Level:       q.Get("level"),
		LogType:     q.Get("log_type"),
		Environment: q.Get("environment"),
		Fingerprint: q.Get("fingerprint"),
	}

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("start must be RFC 3339")
		}
		f.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("end must be RFC 3339")
		}
		f.End = t
	}
	if !f.End.After(f.Start) {
		return f, fmt.Errorf("end must be after start")
	}
	if f.Level != "" && !event.Level(f.Level).Valid() {
		return f, fmt.Errorf("unknown level %q", f.Level)
	}
	if f.LogType != "" && !event.Type(f.LogType).Valid() {
		return f, fmt.Errorf("unknown log_type %q", f.LogType)
	}
	return f, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	f, err := h.parseFilters(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondLogs(w, r, cred.ProjectID, f)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	f, err := h.parseFilters(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Search = r.URL.Query().Get("query_text")
	if f.Search == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "query_text is required")
		return
	}
	h.respondLogs(w, r, cred.ProjectID, f)
}

// respondLogs serves one page. Requests carrying an offset parameter get
// offset pagination with a total count; everything else gets keyset
// pagination, which stays fast at any depth.
func (h *Handler) respondLogs(w http.ResponseWriter, r *http.Request, projectID uuid.UUID, f Filters) {
	if r.URL.Query().Has("offset") {
		params, err := httpserver.ParseOffsetParams(r, h.cfg.pageLimits())
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}

		events, total, err := h.store.QueryLogs(r.Context(), projectID, f, params.Limit, params.Offset)
		if err != nil {
			h.logger.Error("querying logs", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(events, params, total))
		return
	}

	params, err := httpserver.ParseCursorParams(r, h.cfg.pageLimits())
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.QueryLogsKeyset(r.Context(), projectID, f, params.After, params.Limit)
	if err != nil {
		h.logger.Error("querying logs by cursor", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	page := httpserver.NewCursorPage(events, params.Limit, func(e *event.LogEvent) httpserver.Cursor {
		return httpserver.Cursor{Timestamp: e.Timestamp, ID: e.ID}
	})
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	logID, err := uuid.Parse(chi.URLParam(r, "logID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid log id")
		return
	}

	e, err := h.store.GetLog(r.Context(), cred.ProjectID, logID)
	if errors.Is(err, ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		h.logger.Error("fetching log", "log_id", logID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpserver.Respond(w, http.StatusOK, e)
}

// parseTimeBound reads one optional RFC 3339 query parameter.
func parseTimeBound(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339", name)
	}
	return &t, nil
}

// inRange applies optional inclusive bounds to a point timestamp.
func inRange(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}

// respondSeries writes one metric payload, normalising a cache miss to an
// empty series. The aggregator simply has not covered the project yet.
func respondSeries[T any](w http.ResponseWriter, projectID uuid.UUID, items []T) {
	if items == nil {
		items = []T{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"items":      items,
	})
}

// The cached series cover a fixed scan window; requests narrow them with
// optional start/end bounds applied against the cached points.

func (h *Handler) handleErrorRate(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	q := r.URL.Query()
	start, err := parseTimeBound(q, "start")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeBound(q, "end")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := h.cache.ErrorRate(r.Context(), cred.ProjectID)
	if err != nil {
		h.logger.Error("reading metrics cache", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]analytics.ErrorRatePoint, 0, len(points))
	for _, p := range points {
		if inRange(p.Timestamp, start, end) {
			out = append(out, p)
		}
	}
	respondSeries(w, cred.ProjectID, out)
}

func (h *Handler) handleLogVolume(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	q := r.URL.Query()
	start, err := parseTimeBound(q, "start")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeBound(q, "end")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := h.cache.LogVolume(r.Context(), cred.ProjectID)
	if err != nil {
		h.logger.Error("reading metrics cache", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]analytics.LogVolumePoint, 0, len(points))
	for _, p := range points {
		if inRange(p.Timestamp, start, end) {
			out = append(out, p)
		}
	}
	respondSeries(w, cred.ProjectID, out)
}

const (
	topErrorsDefaultLimit = 10
	topErrorsMaxLimit     = 100
)

// validGroupStatus mirrors the error_groups status check constraint.
func validGroupStatus(s string) bool {
	switch s {
	case "unresolved", "resolved", "ignored", "muted":
		return true
	}
	return false
}

// handleTopErrors lists a project's worst fingerprints. Unresolved groups
// come from the pre-aggregated cache; any other status is read from the
// error_groups table directly, since only unresolved groups are cached.
func (h *Handler) handleTopErrors(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	q := r.URL.Query()
	limit := topErrorsDefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > topErrorsMaxLimit {
			n = topErrorsMaxLimit
		}
		limit = n
	}

	start, err := parseTimeBound(q, "start")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeBound(q, "end")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := q.Get("status")
	if status != "" && !validGroupStatus(status) {
		httpserver.RespondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	if status != "" && status != "unresolved" {
		now := h.now().UTC()
		winStart, winEnd := now.Add(-h.cfg.DefaultWindow), now
		if start != nil {
			winStart = *start
		}
		if end != nil {
			winEnd = *end
		}
		groups, err := h.store.TopErrors(r.Context(), cred.ProjectID, limit, winStart, winEnd, status)
		if err != nil {
			h.logger.Error("querying top errors", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondSeries(w, cred.ProjectID, groups)
		return
	}

	cached, err := h.cache.TopErrors(r.Context(), cred.ProjectID)
	if err != nil {
		h.logger.Error("reading metrics cache", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// A group overlaps the window when it was last seen after start and
	// first seen before end.
	out := make([]analytics.TopError, 0, len(cached))
	for _, g := range cached {
		if start != nil && g.LastSeen.Before(*start) {
			continue
		}
		if end != nil && g.FirstSeen.After(*end) {
			continue
		}
		if status != "" && g.Status != status {
			continue
		}
		out = append(out, g)
		if len(out) == limit {
			break
		}
	}
	respondSeries(w, cred.ProjectID, out)
}

const usageDateLayout = "2006-01-02"

func (h *Handler) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	q := r.URL.Query()
	startDate := q.Get("start_date")
	if startDate != "" {
		if _, err := time.Parse(usageDateLayout, startDate); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
			return
		}
	}
	endDate := q.Get("end_date")
	if endDate != "" {
		if _, err := time.Parse(usageDateLayout, endDate); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
	}

	days, err := h.cache.UsageStats(r.Context(), cred.ProjectID)
	if err != nil {
		h.logger.Error("reading metrics cache", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// ISO dates compare correctly as strings.
	out := make([]analytics.UsageDay, 0, len(days))
	for _, d := range days {
		if startDate != "" && d.Date < startDate {
			continue
		}
		if endDate != "" && d.Date > endDate {
			continue
		}
		out = append(out, d)
	}
	respondSeries(w, cred.ProjectID, out)
}

func (h *Handler) handleAggregated(w http.ResponseWriter, r *http.Request) {
	cred := auth.FromContext(r.Context())
	if cred == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	q := r.URL.Query()
	metricType := q.Get("metric_type")
	switch metricType {
	case "", "exception", "endpoint", "log_volume":
	default:
		httpserver.RespondError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric_type %q", metricType))
		return
	}

	from, to, err := periodRange(q.Get("period"), q.Get("period_from"), q.Get("period_to"), h.now().UTC())
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.store.AggregatedMetrics(r.Context(), cred.ProjectID, metricType, from, to)
	if err != nil {
		h.logger.Error("querying aggregated metrics", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rows == nil {
		rows = []AggregatedMetric{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"project_id":  cred.ProjectID,
		"metric_type": metricType,
		"from":        from,
		"to":          to,
		"items":       rows,
	})
}

const dateLayout = "20060102"

// periodRange resolves either a named period or an explicit from/to pair
// into inclusive YYYYMMDD bounds. Named periods win when both are given.
func periodRange(period, from, to string, now time.Time) (string, string, error) {
	today := now.Format(dateLayout)

	switch period {
	case "":
	case "today":
		return today, today, nil
	case "last7days":
		return now.AddDate(0, 0, -6).Format(dateLayout), today, nil
	case "last30days":
		return now.AddDate(0, 0, -29).Format(dateLayout), today, nil
	case "currentWeek":
		// Weeks start on Monday.
		offset := (int(now.Weekday()) + 6) % 7
		return now.AddDate(0, 0, -offset).Format(dateLayout), today, nil
	case "currentMonth":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(dateLayout), today, nil
	case "currentYear":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC).Format(dateLayout), today, nil
	default:
		return "", "", fmt.Errorf("unknown period %q", period)
	}

	if from == "" || to == "" {
		// No period and no explicit bounds: default to the last 7 days.
		return now.AddDate(0, 0, -6).Format(dateLayout), today, nil
	}
	if _, err := time.Parse(dateLayout, from); err != nil {
		return "", "", fmt.Errorf("period_from must be YYYYMMDD")
	}
	if _, err := time.Parse(dateLayout, to); err != nil {
		return "", "", fmt.Errorf("period_to must be YYYYMMDD")
	}
	if to < from {
		return "", "", fmt.Errorf("period_to must not precede period_from")
	}
	return from, to, nil
}
