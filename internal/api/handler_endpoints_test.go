package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/djlord-it/easy-monitor/internal/analytics"
	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/escalation"
	"github.com/djlord-it/easy-monitor/internal/execstate"
	"github.com/djlord-it/easy-monitor/internal/schedule"
	"github.com/djlord-it/easy-monitor/internal/stats"
	"github.com/djlord-it/easy-monitor/internal/store/postgres"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockStore struct {
	indicators []domain.Indicator
	err        error
}

func (s *mockStore) GetAllIndicators(ctx context.Context) ([]domain.Indicator, error) {
	return s.indicators, s.err
}

func (s *mockStore) GetIndicator(ctx context.Context, id int64) (domain.Indicator, error) {
	if s.err != nil {
		return domain.Indicator{}, s.err
	}
	for _, ind := range s.indicators {
		if ind.ID == id {
			return ind, nil
		}
	}
	return domain.Indicator{}, postgres.ErrNotFound
}

type mockExecutor struct {
	mu     sync.Mutex
	calls  []domain.ExecutionContext
	result domain.ExecutionResult
	err    error
}

func (e *mockExecutor) Execute(ctx context.Context, ind domain.Indicator, execCtx domain.ExecutionContext) (domain.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, execCtx)
	if e.err != nil {
		return domain.ExecutionResult{}, e.err
	}
	r := e.result
	r.IndicatorID = ind.ID
	r.Context = execCtx
	return r, nil
}

type mockAlerts struct {
	ackErr     error
	resolveErr error
	gotStop    bool
	gotBy      string
}

func (a *mockAlerts) Acknowledge(ctx context.Context, alertID uuid.UUID, by string, stop bool, comment string) (domain.AlertAcknowledgment, int64, error) {
	if a.ackErr != nil {
		return domain.AlertAcknowledgment{}, 0, a.ackErr
	}
	a.gotStop = stop
	a.gotBy = by
	return domain.AlertAcknowledgment{
		ID:             uuid.New(),
		AlertID:        alertID,
		AcknowledgedBy: by,
		AcknowledgedAt: testNow,
		StopEscalation: stop,
	}, 2, nil
}

func (a *mockAlerts) Resolve(ctx context.Context, alertID uuid.UUID, by string) (domain.AlertLog, int64, error) {
	if a.resolveErr != nil {
		return domain.AlertLog{}, 0, a.resolveErr
	}
	at := testNow
	return domain.AlertLog{ID: alertID, IsResolved: true, ResolvedAt: &at, ResolvedBy: by}, 3, nil
}

type fixedStats struct{ snap stats.Snapshot }

func (f fixedStats) Snapshot() stats.Snapshot { return f.snap }

type mockAnalytics struct {
	counts analytics.Counts
	err    error
}

func (m *mockAnalytics) Counts(ctx context.Context, id int64, at time.Time) (analytics.Counts, error) {
	return m.counts, m.err
}

type mockHealthChecker struct{ err error }

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

func intervalIndicator(id int64, lastRun *time.Time) domain.Indicator {
	return domain.Indicator{
		ID:       id,
		Name:     "indicator",
		Owner:    "ops",
		IsActive: true,
		Schedule: domain.ScheduleConfig{
			Spec:    domain.IntervalSchedule{Every: 15 * time.Minute},
			Enabled: true,
		},
		LastRunAt: lastRun,
	}
}

type testEnv struct {
	handler  *Handler
	store    *mockStore
	executor *mockExecutor
	tracker  *execstate.Tracker
	alerts   *mockAlerts
}

func newTestEnv(t *testing.T) *testEnv {
	lastRun := testNow.Add(-10 * time.Minute)
	store := &mockStore{indicators: []domain.Indicator{
		intervalIndicator(1, &lastRun),
		intervalIndicator(2, nil),
		intervalIndicator(3, nil),
	}}
	executor := &mockExecutor{result: domain.ExecutionResult{
		Outcome:       domain.ExecutionOutcomeSucceeded,
		WasSuccessful: true,
		StartedAt:     testNow,
		CompletedAt:   testNow.Add(2 * time.Second),
		Duration:      2 * time.Second,
		Deviation:     decimal.NewFromInt(5),
	}}
	tracker := execstate.New(func() time.Time { return testNow })
	alerts := &mockAlerts{}
	st := fixedStats{snap: stats.Snapshot{Uptime: 90 * time.Second, Processed: 10, Succeeded: 7, Failed: 3, TimedOut: 1}}

	h := NewHandler(store, executor, schedule.NewResolver(), tracker, st).
		WithAlerts(alerts).
		WithClock(func() time.Time { return testNow }).
		WithLogger(zaptest.NewLogger(t))
	return &testEnv{handler: h, store: store, executor: executor, tracker: tracker, alerts: alerts}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	})

	t.Run("verbose healthy", func(t *testing.T) {
		env := newTestEnv(t)
		env.handler.WithHealthChecker(&mockHealthChecker{})
		rec := env.do(http.MethodGet, "/health?verbose=true", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Components["database"])
	})

	t.Run("verbose degraded", func(t *testing.T) {
		env := newTestEnv(t)
		env.handler.WithHealthChecker(&mockHealthChecker{err: errors.New("connection refused")})
		rec := env.do(http.MethodGet, "/health?verbose=true", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decode[HealthResponse](t, rec)
		assert.Equal(t, "degraded", resp.Status)
		assert.Contains(t, resp.Components["database"], "connection refused")
	})
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	_, ok := env.tracker.TryClaim(domain.Indicator{ID: 2, Name: "revenue"}, domain.ExecutionContextManual)
	require.True(t, ok)

	rec := env.do(http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, int64(90), resp.UptimeSeconds)
	assert.Equal(t, int64(10), resp.TotalProcessed)
	assert.Equal(t, int64(7), resp.SuccessCount)
	assert.Equal(t, int64(3), resp.FailureCount)
	assert.Equal(t, int64(1), resp.TimedOutCount)
	require.Len(t, resp.Running, 1)
	assert.Equal(t, int64(2), resp.Running[0].IndicatorID)
	assert.Equal(t, "revenue", resp.Running[0].IndicatorName)
	assert.Equal(t, "Manual", resp.Running[0].ExecutionContext)
	assert.Equal(t, formatTime(testNow), resp.Running[0].StartedAt)
}

func TestListIndicators(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/indicators?limit=2", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListIndicatorsResponse](t, rec)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Indicators, 2)
	assert.Equal(t, "interval", resp.Indicators[0].ScheduleKind)
	assert.True(t, resp.Indicators[0].Scheduled)
	assert.Equal(t, formatTime(testNow.Add(5*time.Minute)), resp.Indicators[0].NextDueAt)
	assert.Equal(t, formatTime(testNow), resp.Indicators[1].NextDueAt, "never-run interval is due now")

	rec = env.do(http.MethodGet, "/indicators?offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListIndicatorsResponse](t, rec).Indicators)

	rec = env.do(http.MethodGet, "/indicators?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIndicators_StoreError(t *testing.T) {
	env := newTestEnv(t)
	env.store.err = errors.New("db down")

	rec := env.do(http.MethodGet, "/indicators", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetIndicator(t *testing.T) {
	env := newTestEnv(t)
	broken := intervalIndicator(9, nil)
	broken.Schedule.Spec = nil
	broken.Schedule.Err = domain.ErrInvalidSchedule
	env.store.indicators = append(env.store.indicators, broken)

	rec := env.do(http.MethodGet, "/indicators/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[IndicatorResponse](t, rec).ID)

	rec = env.do(http.MethodGet, "/indicators/9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[IndicatorResponse](t, rec)
	assert.NotEmpty(t, resp.ScheduleErr)
	assert.False(t, resp.Scheduled)
	assert.Empty(t, resp.NextDueAt)

	rec = env.do(http.MethodGet, "/indicators/404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/indicators/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunIndicator(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/indicators/1/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ExecutionResultResponse](t, rec)
	assert.Equal(t, int64(1), resp.IndicatorID)
	assert.Equal(t, "succeeded", resp.Outcome)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.DurationSeconds)
	assert.Equal(t, "Manual", resp.Context)

	rec = env.do(http.MethodPost, "/indicators/1/run?context=test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Test", decode[ExecutionResultResponse](t, rec).Context)

	assert.Equal(t, []domain.ExecutionContext{domain.ExecutionContextManual, domain.ExecutionContextTest}, env.executor.calls)
}

func TestRunIndicator_Errors(t *testing.T) {
	t.Run("scheduled context rejected", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodPost, "/indicators/1/run?context=scheduled", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, env.executor.calls)
	})

	t.Run("already running", func(t *testing.T) {
		env := newTestEnv(t)
		env.executor.err = execstate.ErrClaimConflict
		rec := env.do(http.MethodPost, "/indicators/1/run", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown indicator", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodPost, "/indicators/77/run", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(http.MethodGet, "/indicators/1/run", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestAcknowledge(t *testing.T) {
	env := newTestEnv(t)
	alertID := uuid.New()

	rec := env.do(http.MethodPost, "/alerts/"+alertID.String()+"/acknowledge",
		`{"acknowledgedBy":"alice","stopEscalation":true}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[AcknowledgeResponse](t, rec)
	assert.Equal(t, alertID.String(), resp.AlertID)
	assert.Equal(t, int64(2), resp.CancelledLevels)
	assert.True(t, resp.StopEscalation)
	assert.True(t, env.alerts.gotStop)
	assert.Equal(t, "alice", env.alerts.gotBy)
}

func TestAcknowledge_Errors(t *testing.T) {
	alertPath := "/alerts/" + uuid.NewString() + "/acknowledge"

	tests := []struct {
		name   string
		path   string
		body   string
		ackErr error
		want   int
	}{
		{"invalid json", alertPath, `{`, nil, http.StatusBadRequest},
		{"missing actor", alertPath, `{"stopEscalation":true}`, nil, http.StatusBadRequest},
		{"invalid alert id", "/alerts/nope/acknowledge", `{"acknowledgedBy":"alice"}`, nil, http.StatusBadRequest},
		{"unknown alert", alertPath, `{"acknowledgedBy":"alice"}`, escalation.ErrAlertNotFound, http.StatusNotFound},
		{"store failure", alertPath, `{"acknowledgedBy":"alice"}`, errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.alerts.ackErr = tt.ackErr
			rec := env.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAcknowledge_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	body := `{"acknowledgedBy":"alice","comment":"` + strings.Repeat("x", maxRequestBodySize) + `"}`

	rec := env.do(http.MethodPost, "/alerts/"+uuid.NewString()+"/acknowledge", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t)
	alertID := uuid.New()

	rec := env.do(http.MethodPost, "/alerts/"+alertID.String()+"/resolve", `{"resolvedBy":"bob"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ResolveResponse](t, rec)
	assert.Equal(t, "bob", resp.ResolvedBy)
	assert.Equal(t, int64(3), resp.CancelledLevels)
	assert.Equal(t, formatTime(testNow), resp.ResolvedAt)
}

func TestAlertRoutes_EscalationDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.handler.WithAlerts(nil)

	rec := env.do(http.MethodPost, "/alerts/"+uuid.NewString()+"/resolve", `{"resolvedBy":"bob"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIndicatorStats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/indicators/1/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.handler.WithAnalytics(&mockAnalytics{counts: analytics.Counts{
		Outcomes:   map[domain.ExecutionOutcome]int64{domain.ExecutionOutcomeSucceeded: 4, domain.ExecutionOutcomeFailed: 1},
		DurationMs: 5200,
	}})

	rec = env.do(http.MethodGet, "/indicators/1/stats?at=2026-03-01T11:30:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[IndicatorStatsResponse](t, rec)
	assert.Equal(t, int64(4), resp.Outcomes["succeeded"])
	assert.Equal(t, int64(1), resp.Outcomes["failed"])
	assert.Equal(t, int64(5200), resp.DurationMs)
	assert.Equal(t, "2026-03-01T11:30:00Z", resp.Bucket)

	rec = env.do(http.MethodGet, "/indicators/1/stats?at=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decode[ErrorResponse](t, rec).Error)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	env.handler.WithCORS([]string{"https://dashboard.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
