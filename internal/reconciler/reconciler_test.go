package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

// mockStore keeps running indicators in memory and applies the same
// conditional clear the database does.
type mockStore struct {
	mu         sync.Mutex
	indicators []domain.Indicator
	err        error
	clearErr   error
	cleared    []int64
	lastLimit  int
}

func (s *mockStore) GetStaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Indicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}

	var result []domain.Indicator
	for _, ind := range s.indicators {
		if ind.Execution.Running && ind.Execution.StartedAt.Before(olderThan) {
			result = append(result, ind)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) ClearStaleExecution(ctx context.Context, indicatorID int64, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clearErr != nil {
		return false, s.clearErr
	}
	for i, ind := range s.indicators {
		if ind.ID != indicatorID {
			continue
		}
		if !ind.Execution.Running || !ind.Execution.StartedAt.Equal(startedAt) {
			return false, nil
		}
		s.indicators[i].Execution = domain.ExecutionState{}
		s.cleared = append(s.cleared, indicatorID)
		return true, nil
	}
	return false, nil
}

func (s *mockStore) getCleared() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.cleared...)
}

type runningSet map[int64]bool

func (r runningSet) IsRunning(id int64) bool { return r[id] }

func runningIndicator(id int64, startedAt time.Time) domain.Indicator {
	return domain.Indicator{
		ID:   id,
		Name: "indicator",
		Execution: domain.ExecutionState{
			Running:   true,
			StartedAt: &startedAt,
			Context:   domain.ExecutionContextScheduled,
		},
	}
}

func newTestReconciler(t *testing.T, store Store, running RunningChecker, now time.Time) *Reconciler {
	return New(Config{
		Interval:  time.Hour,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}, store, running).
		WithClock(func() time.Time { return now }).
		WithLogger(zaptest.NewLogger(t))
}

func TestReconciler_ClearsStaleExecutions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{indicators: []domain.Indicator{
		runningIndicator(1, now.Add(-15*time.Minute)),
	}}

	stats := newTestReconciler(t, store, runningSet{}, now).RunCycle(context.Background())

	if stats.Cleared != 1 {
		t.Fatalf("expected 1 cleared, got %+v", stats)
	}
	cleared := store.getCleared()
	if len(cleared) != 1 || cleared[0] != 1 {
		t.Errorf("expected indicator 1 cleared, got %v", cleared)
	}
	if store.indicators[0].Execution.Running {
		t.Error("stored state should no longer be running")
	}
}

func TestReconciler_SkipsRecentExecutions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{indicators: []domain.Indicator{
		runningIndicator(1, now.Add(-5*time.Minute)),
	}}

	stats := newTestReconciler(t, store, runningSet{}, now).RunCycle(context.Background())

	if stats.Found != 0 || stats.Cleared != 0 {
		t.Errorf("recent execution must not be touched, got %+v", stats)
	}
}

func TestReconciler_SkipsLocallyClaimed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{indicators: []domain.Indicator{
		runningIndicator(1, now.Add(-30*time.Minute)),
		runningIndicator(2, now.Add(-30*time.Minute)),
	}}

	stats := newTestReconciler(t, store, runningSet{1: true}, now).RunCycle(context.Background())

	if stats.Cleared != 1 || stats.Skipped != 1 {
		t.Fatalf("expected 1 cleared and 1 skipped, got %+v", stats)
	}
	if cleared := store.getCleared(); len(cleared) != 1 || cleared[0] != 2 {
		t.Errorf("only indicator 2 should be cleared, got %v", cleared)
	}
}

// The row was re-claimed between the read and the clear.
func TestReconciler_ConditionalClearLosesRace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := runningIndicator(1, now.Add(-30*time.Minute))
	store := &racingStore{mockStore: mockStore{indicators: []domain.Indicator{stale}}, reclaimAt: now}

	stats := newTestReconciler(t, store, runningSet{}, now).RunCycle(context.Background())

	if stats.Cleared != 0 || stats.Skipped != 1 {
		t.Errorf("expected the re-claimed row to be skipped, got %+v", stats)
	}
	if !store.indicators[0].Execution.Running {
		t.Error("re-claimed row must stay running")
	}
}

type racingStore struct {
	mockStore
	reclaimAt time.Time
}

func (s *racingStore) GetStaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Indicator, error) {
	result, err := s.mockStore.GetStaleRunning(ctx, olderThan, limit)
	s.mu.Lock()
	for i := range s.indicators {
		at := s.reclaimAt
		s.indicators[i].Execution.StartedAt = &at
	}
	s.mu.Unlock()
	return result, err
}

func TestReconciler_BatchSizeRespected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{}
	for i := int64(1); i <= 10; i++ {
		store.indicators = append(store.indicators, runningIndicator(i, now.Add(-time.Hour)))
	}

	recon := New(Config{Interval: time.Hour, Threshold: 10 * time.Minute, BatchSize: 3}, store, nil).
		WithClock(func() time.Time { return now })
	stats := recon.RunCycle(context.Background())

	if store.lastLimit != 3 {
		t.Errorf("expected limit 3 passed to store, got %d", store.lastLimit)
	}
	if stats.Cleared != 3 {
		t.Errorf("expected 3 cleared, got %d", stats.Cleared)
	}
}

func TestReconciler_DBErrorAbortsGracefully(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}

	stats := newTestReconciler(t, store, runningSet{}, time.Now()).RunCycle(context.Background())

	if stats != (CycleStats{}) {
		t.Errorf("expected empty stats on store error, got %+v", stats)
	}
}

func TestReconciler_ClearErrorContinues(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{
		indicators: []domain.Indicator{
			runningIndicator(1, now.Add(-time.Hour)),
			runningIndicator(2, now.Add(-time.Hour)),
		},
		clearErr: errors.New("deadlock detected"),
	}

	stats := newTestReconciler(t, store, runningSet{}, now).RunCycle(context.Background())

	if stats.Failed != 2 {
		t.Errorf("expected both clears to fail and be counted, got %+v", stats)
	}
}

func TestReconciler_ContextCancellation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{}
	for i := int64(1); i <= 50; i++ {
		store.indicators = append(store.indicators, runningIndicator(i, now.Add(-time.Hour)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := newTestReconciler(t, store, runningSet{}, now).RunCycle(ctx)

	if stats.Cleared != 0 {
		t.Errorf("should stop on context cancellation, got %d cleared", stats.Cleared)
	}
}

func TestReconciler_RunCyclesImmediately(t *testing.T) {
	now := time.Now().UTC()
	store := &mockStore{indicators: []domain.Indicator{runningIndicator(1, now.Add(-time.Hour))}}

	recon := New(Config{Interval: time.Hour, Threshold: 10 * time.Minute}, store, nil).
		WithLogger(zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	recon.Run(ctx)

	if len(store.getCleared()) != 1 {
		t.Error("expected the startup cycle to clear the stale row")
	}
}

func TestReconciler_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Interval != 5*time.Minute {
		t.Errorf("default interval should be 5m, got %s", cfg.Interval)
	}
	if cfg.Threshold != 10*time.Minute {
		t.Errorf("default threshold should be 10m, got %s", cfg.Threshold)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("default batch size should be 100, got %d", cfg.BatchSize)
	}
}

func TestThresholdFor(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{time.Minute, 10 * time.Minute},
		{5 * time.Minute, 10 * time.Minute},
		{300 * time.Second, 10 * time.Minute},
		{15 * time.Minute, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := ThresholdFor(tt.timeout); got != tt.want {
			t.Errorf("ThresholdFor(%s) = %s, want %s", tt.timeout, got, tt.want)
		}
	}
}

type countingMetrics struct {
	mu      sync.Mutex
	cleared int
}

func (m *countingMetrics) StaleExecutionsCleared(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared += count
}

func TestReconciler_ReportsClearedCount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{indicators: []domain.Indicator{
		runningIndicator(1, now.Add(-time.Hour)),
		runningIndicator(2, now.Add(-time.Hour)),
	}}
	m := &countingMetrics{}

	newTestReconciler(t, store, runningSet{}, now).WithMetrics(m).RunCycle(context.Background())

	if m.cleared != 2 {
		t.Errorf("expected 2 cleared reported, got %d", m.cleared)
	}
}
