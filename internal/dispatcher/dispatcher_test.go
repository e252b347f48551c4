package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/execstate"
	"github.com/djlord-it/easy-monitor/internal/executor"
)

type mockSource struct {
	mu         sync.Mutex
	indicators []domain.Indicator
	err        error
	calls      int
}

func (s *mockSource) GetDueIndicators(ctx context.Context, now time.Time) ([]domain.Indicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.indicators, s.err
}

type mockExecutor struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	outcome  func(ind domain.Indicator) (domain.ExecutionResult, error)
}

func (e *mockExecutor) Execute(ctx context.Context, ind domain.Indicator, execCtx domain.ExecutionContext) (domain.ExecutionResult, error) {
	e.calls.Add(1)
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		peak := e.maxSeen.Load()
		if n <= peak || e.maxSeen.CompareAndSwap(peak, n) {
			break
		}
	}

	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return domain.ExecutionResult{IndicatorID: ind.ID, Outcome: domain.ExecutionOutcomeCancelled}, ctx.Err()
	}

	if e.outcome != nil {
		return e.outcome(ind)
	}
	return domain.ExecutionResult{IndicatorID: ind.ID, Outcome: domain.ExecutionOutcomeSucceeded, WasSuccessful: true}, nil
}

type runningSet map[int64]bool

func (r runningSet) IsRunning(id int64) bool { return r[id] }

func indicators(n int) []domain.Indicator {
	out := make([]domain.Indicator, n)
	for i := range out {
		out[i] = domain.Indicator{ID: int64(i + 1), Name: "ind", IsActive: true}
	}
	return out
}

func TestDispatcher_RespectsConcurrencyCap(t *testing.T) {
	source := &mockSource{indicators: indicators(5)}
	exec := &mockExecutor{delay: 50 * time.Millisecond}

	d := New(Config{MaxParallel: 2, SkipRunning: true, ActiveOnly: true}, source, exec, runningSet{}).
		WithLogger(zaptest.NewLogger(t))

	stats, err := d.ProcessTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := exec.maxSeen.Load(); got > 2 {
		t.Errorf("max in-flight = %d, want <= 2", got)
	}
	if got := exec.calls.Load(); got != 5 {
		t.Errorf("executions = %d, want 5", got)
	}
	if stats.Dispatched != 5 || stats.Succeeded != 5 {
		t.Errorf("stats = %+v, want 5 dispatched and succeeded", stats)
	}
	if exec.inFlight.Load() != 0 {
		t.Error("batch must be fully awaited before ProcessTick returns")
	}
}

func TestDispatcher_Filtering(t *testing.T) {
	inds := indicators(4)
	inds[0].IsActive = false

	tests := []struct {
		name        string
		config      Config
		wantCalls   int32
		wantSkipped int
	}{
		{"both filters", Config{SkipRunning: true, ActiveOnly: true}, 2, 2},
		{"active only", Config{ActiveOnly: true}, 3, 1},
		{"skip running only", Config{SkipRunning: true}, 3, 1},
		{"no filters", Config{}, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &mockExecutor{}
			d := New(tt.config, &mockSource{indicators: inds}, exec, runningSet{2: true})

			stats, err := d.ProcessTick(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := exec.calls.Load(); got != tt.wantCalls {
				t.Errorf("executions = %d, want %d", got, tt.wantCalls)
			}
			if stats.Skipped != tt.wantSkipped {
				t.Errorf("skipped = %d, want %d", stats.Skipped, tt.wantSkipped)
			}
		})
	}
}

func TestDispatcher_NoDueIndicators(t *testing.T) {
	exec := &mockExecutor{}
	d := New(Config{}, &mockSource{}, exec, runningSet{})

	stats, err := d.ProcessTick(context.Background())
	if err != nil {
		t.Fatalf("zero due indicators is not an error: %v", err)
	}
	if stats.Due != 0 || exec.calls.Load() != 0 {
		t.Errorf("unexpected work: %+v", stats)
	}
}

func TestDispatcher_SourceError(t *testing.T) {
	d := New(Config{}, &mockSource{err: errors.New("db unavailable")}, &mockExecutor{}, runningSet{})

	_, err := d.ProcessTick(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatcher_ClassifiesOutcomes(t *testing.T) {
	exec := &mockExecutor{outcome: func(ind domain.Indicator) (domain.ExecutionResult, error) {
		switch ind.ID {
		case 1:
			return domain.ExecutionResult{Outcome: domain.ExecutionOutcomeFailed}, nil
		case 2:
			return domain.ExecutionResult{Outcome: domain.ExecutionOutcomeTimedOut}, nil
		case 3:
			return domain.ExecutionResult{}, execstate.ErrClaimConflict
		case 4:
			panic("boom")
		default:
			return domain.ExecutionResult{Outcome: domain.ExecutionOutcomeSucceeded}, nil
		}
	}}
	d := New(Config{MaxParallel: 5}, &mockSource{indicators: indicators(5)}, exec, runningSet{}).
		WithLogger(zaptest.NewLogger(t))

	stats, err := d.ProcessTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := TickStats{Due: 5, Dispatched: 5, Conflicts: 1, Succeeded: 1, Failed: 2, TimedOut: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

type panickingRunner struct{}

func (panickingRunner) RunCheck(ctx context.Context, req executor.CheckRequest) (domain.CheckResult, error) {
	panic("collaborator exploded")
}

type nopStore struct{}

func (nopStore) UpdateLastRun(ctx context.Context, id int64, at time.Time) error { return nil }

type completions struct {
	mu  sync.Mutex
	ids []int64
}

func (c *completions) EmitProgress(domain.Indicator, int, string, time.Time) {}

func (c *completions) EmitCompleted(ind domain.Indicator, result domain.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ind.ID)
}

func TestDispatcher_PanickingRunReleasesClaim(t *testing.T) {
	tracker := execstate.New(nil)
	emitted := &completions{}
	driver := executor.New(tracker, panickingRunner{}, nopStore{}, time.Second).
		WithBroadcaster(emitted).
		WithLogger(zaptest.NewLogger(t))

	d := New(Config{SkipRunning: true}, &mockSource{indicators: indicators(1)}, driver, tracker).
		WithLogger(zaptest.NewLogger(t))

	stats, err := d.ProcessTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
	if tracker.IsRunning(1) {
		t.Error("claim must be released after a panicking run")
	}
	if len(emitted.ids) != 1 || emitted.ids[0] != 1 {
		t.Errorf("completion events = %v, want [1]", emitted.ids)
	}
}

func TestDispatcher_CancellationUnwindsBatch(t *testing.T) {
	exec := &mockExecutor{delay: time.Minute}
	d := New(Config{MaxParallel: 2}, &mockSource{indicators: indicators(4)}, exec, runningSet{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = d.ProcessTick(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessTick did not unwind after cancellation")
	}

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if exec.inFlight.Load() != 0 {
		t.Error("in-flight executions must finish before return")
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	source := &mockSource{}
	d := New(Config{TickInterval: 10 * time.Millisecond}, source, &mockExecutor{}, runningSet{})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := d.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() = %v, want deadline exceeded", err)
	}

	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	if calls < 2 {
		t.Errorf("expected several ticks, got %d", calls)
	}
}
