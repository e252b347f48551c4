// Package api exposes worker status, manual runs and alert actions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/analytics"
	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/escalation"
	"github.com/djlord-it/easy-monitor/internal/execstate"
	"github.com/djlord-it/easy-monitor/internal/schedule"
	"github.com/djlord-it/easy-monitor/internal/stats"
	"github.com/djlord-it/easy-monitor/internal/store/postgres"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	GetAllIndicators(ctx context.Context) ([]domain.Indicator, error)
	GetIndicator(ctx context.Context, id int64) (domain.Indicator, error)
}

// Executor runs one indicator synchronously.
type Executor interface {
	Execute(ctx context.Context, ind domain.Indicator, execCtx domain.ExecutionContext) (domain.ExecutionResult, error)
}

type AlertManager interface {
	Acknowledge(ctx context.Context, alertID uuid.UUID, by string, stopEscalation bool, comment string) (domain.AlertAcknowledgment, int64, error)
	Resolve(ctx context.Context, alertID uuid.UUID, by string) (domain.AlertLog, int64, error)
}

type WorkerStats interface {
	Snapshot() stats.Snapshot
}

type RunningExecutions interface {
	IsRunning(indicatorID int64) bool
	Snapshot() []execstate.Claim
}

type AnalyticsReader interface {
	Counts(ctx context.Context, indicatorID int64, at time.Time) (analytics.Counts, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	router   *mux.Router
	store    Store
	executor Executor
	resolver *schedule.Resolver
	running  RunningExecutions
	stats    WorkerStats

	alerts    AlertManager    // optional, nil = alert routes return 503
	analytics AnalyticsReader // optional
	db        HealthChecker   // optional
	clock     func() time.Time
	logger    *zap.Logger

	// handler wraps router with CORS when origins are configured.
	handler http.Handler
}

func NewHandler(store Store, executor Executor, resolver *schedule.Resolver, running RunningExecutions, st WorkerStats) *Handler {
	h := &Handler{
		store:    store,
		executor: executor,
		resolver: resolver,
		running:  running,
		stats:    st,
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
	h.router = h.routes()
	h.handler = h.router
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithAlerts(alerts AlertManager) *Handler {
	h.alerts = alerts
	return h
}

func (h *Handler) WithAnalytics(a AnalyticsReader) *Handler {
	h.analytics = a
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) WithLogger(logger *zap.Logger) *Handler {
	h.logger = logger
	return h
}

// WithCORS sets the origins allowed to call the API from a browser.
func (h *Handler) WithCORS(origins []string) *Handler {
	if len(origins) == 0 {
		h.handler = h.router
		return h
	}
	h.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(h.router)
	return h
}

func (h *Handler) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/indicators", h.listIndicators).Methods(http.MethodGet)
	r.HandleFunc("/indicators/{id}", h.getIndicator).Methods(http.MethodGet)
	r.HandleFunc("/indicators/{id}/run", h.runIndicator).Methods(http.MethodPost)
	r.HandleFunc("/indicators/{id}/stats", h.indicatorStats).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/acknowledge", h.acknowledge).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/resolve", h.resolve).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	snap := h.stats.Snapshot()
	claims := h.running.Snapshot()

	resp := StatusResponse{
		UptimeSeconds:  snap.UptimeSeconds(),
		TotalProcessed: snap.Processed,
		SuccessCount:   snap.Succeeded,
		FailureCount:   snap.Failed,
		TimedOutCount:  snap.TimedOut,
		CancelledCount: snap.Cancelled,
		Running:        make([]RunningExecution, len(claims)),
	}
	for i, c := range claims {
		resp.Running[i] = RunningExecution{
			IndicatorID:      c.IndicatorID,
			IndicatorName:    c.Name,
			StartedAt:        formatTimePtr(c.State.StartedAt),
			ExecutionContext: string(c.State.Context),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listIndicators(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	indicators, err := h.store.GetAllIndicators(r.Context())
	if err != nil {
		h.logger.Error("api: list indicators failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list indicators")
		return
	}

	now := h.clock().UTC()
	resp := ListIndicatorsResponse{Indicators: []IndicatorResponse{}, Total: len(indicators)}
	if offset < len(indicators) {
		end := offset + limit
		if end > len(indicators) {
			end = len(indicators)
		}
		for _, ind := range indicators[offset:end] {
			resp.Indicators = append(resp.Indicators, h.indicatorResponse(ind, now))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getIndicator(w http.ResponseWriter, r *http.Request) {
	ind, ok := h.lookupIndicator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.indicatorResponse(ind, h.clock().UTC()))
}

func (h *Handler) indicatorResponse(ind domain.Indicator, now time.Time) IndicatorResponse {
	resp := IndicatorResponse{
		ID:        ind.ID,
		Name:      ind.Name,
		Owner:     ind.Owner,
		IsActive:  ind.IsActive,
		Channels:  ind.AlertChannels,
		LastRunAt: formatTimePtr(ind.LastRunAt),
		Running:   h.running.IsRunning(ind.ID),
	}
	if resp.Channels == nil {
		resp.Channels = []string{}
	}
	if ind.Schedule.Spec != nil {
		resp.ScheduleKind = string(ind.Schedule.Spec.Kind())
	}
	if err := h.resolver.Validate(ind.Schedule); err != nil {
		resp.ScheduleErr = err.Error()
		return resp
	}
	resp.Scheduled = h.resolver.IsActive(ind.Schedule, ind.LastRunAt, now)
	if next, ok := h.resolver.NextDueTime(ind.Schedule, ind.LastRunAt, now); ok && ind.Schedule.Enabled {
		resp.NextDueAt = formatTime(next)
	}
	return resp
}

func (h *Handler) runIndicator(w http.ResponseWriter, r *http.Request) {
	execCtx, err := parseRunContext(r.URL.Query().Get("context"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ind, ok := h.lookupIndicator(w, r)
	if !ok {
		return
	}

	result, err := h.executor.Execute(r.Context(), ind, execCtx)
	switch {
	case errors.Is(err, execstate.ErrClaimConflict):
		writeError(w, http.StatusConflict, "indicator is already running")
		return
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return
	}

	writeJSON(w, http.StatusOK, ExecutionResultResponse{
		IndicatorID:     result.IndicatorID,
		Outcome:         string(result.Outcome),
		Success:         result.WasSuccessful,
		CurrentValue:    result.CurrentValue,
		HistoricalValue: result.HistoricalValue,
		Deviation:       result.Deviation,
		ErrorMessage:    result.ErrorMessage,
		Context:         string(result.Context),
		StartedAt:       formatTime(result.StartedAt),
		CompletedAt:     formatTime(result.CompletedAt),
		DurationSeconds: result.DurationSeconds(),
	})
}

func (h *Handler) indicatorStats(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics disabled")
		return
	}
	id, err := parseIndicatorID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	at := h.clock().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC3339 timestamp")
			return
		}
	}

	counts, err := h.analytics.Counts(r.Context(), id, at)
	if err != nil {
		h.logger.Error("api: read analytics failed", zap.Int64("indicator_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read analytics")
		return
	}

	resp := IndicatorStatsResponse{
		IndicatorID: id,
		Bucket:      formatTime(at),
		Outcomes:    make(map[string]int64, len(counts.Outcomes)),
		DurationMs:  counts.DurationMs,
	}
	for o, n := range counts.Outcomes {
		resp.Outcomes[string(o)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	alertID, ok := h.alertRequest(w, r)
	if !ok {
		return
	}

	var req AcknowledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateAcknowledge(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ack, cancelled, err := h.alerts.Acknowledge(r.Context(), alertID, req.AcknowledgedBy, req.StopEscalation, req.Comment)
	if err != nil {
		h.alertError(w, alertID, "acknowledge", err)
		return
	}

	writeJSON(w, http.StatusOK, AcknowledgeResponse{
		ID:              ack.ID.String(),
		AlertID:         ack.AlertID.String(),
		AcknowledgedBy:  ack.AcknowledgedBy,
		AcknowledgedAt:  formatTime(ack.AcknowledgedAt),
		StopEscalation:  ack.StopEscalation,
		CancelledLevels: cancelled,
	})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	alertID, ok := h.alertRequest(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateResolve(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alert, cancelled, err := h.alerts.Resolve(r.Context(), alertID, req.ResolvedBy)
	if err != nil {
		h.alertError(w, alertID, "resolve", err)
		return
	}

	writeJSON(w, http.StatusOK, ResolveResponse{
		AlertID:         alert.ID.String(),
		ResolvedBy:      alert.ResolvedBy,
		ResolvedAt:      formatTimePtr(alert.ResolvedAt),
		CancelledLevels: cancelled,
	})
}

func (h *Handler) alertRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if h.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "escalation disabled")
		return uuid.Nil, false
	}
	alertID, err := parseAlertID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, false
	}
	return alertID, true
}

func (h *Handler) alertError(w http.ResponseWriter, alertID uuid.UUID, action string, err error) {
	if errors.Is(err, escalation.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	h.logger.Error("api: alert action failed",
		zap.String("action", action),
		zap.String("alert_id", alertID.String()),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+action+" alert")
}

func (h *Handler) lookupIndicator(w http.ResponseWriter, r *http.Request) (domain.Indicator, bool) {
	id, err := parseIndicatorID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.Indicator{}, false
	}

	ind, err := h.store.GetIndicator(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(w, http.StatusNotFound, "indicator not found")
		return domain.Indicator{}, false
	}
	if err != nil {
		h.logger.Error("api: get indicator failed", zap.Int64("indicator_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load indicator")
		return domain.Indicator{}, false
	}
	return ind, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
