// Package execstate owns the per-indicator running flag. It is the only
// component allowed to transition the (running, startedAt, context) triple.
package execstate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

// ErrClaimConflict is returned by callers that could not claim an indicator.
// It is benign: the indicator is already running and will be retried next tick.
var ErrClaimConflict = errors.New("indicator already running")

// Observer receives claim transitions. Calls happen outside the tracker lock
// and must not block.
type Observer interface {
	ExecutionStarted(ind domain.Indicator, state domain.ExecutionState)
	ExecutionReleased(indicatorID int64, state domain.ExecutionState)
}

// StatePersister mirrors the triple onto the stored indicator row.
type StatePersister interface {
	SaveExecutionState(ctx context.Context, indicatorID int64, state domain.ExecutionState) error
}

// Claim is one running indicator.
type Claim struct {
	IndicatorID int64
	Name        string
	State       domain.ExecutionState
}

type entry struct {
	name  string
	state domain.ExecutionState
}

// persistSlot serialises writes of one indicator's triple. A write stamped
// before the last one written is stale and dropped.
type persistSlot struct {
	mu      sync.Mutex
	written uint64
}

type Tracker struct {
	clock func() time.Time

	mu      sync.Mutex
	running map[int64]entry
	seq     uint64
	slots   map[int64]*persistSlot

	observers      []Observer
	persister      StatePersister
	persistTimeout time.Duration
	logger         *zap.Logger
}

func New(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		clock:          clock,
		running:        make(map[int64]entry),
		slots:          make(map[int64]*persistSlot),
		persistTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
	}
}

func (t *Tracker) WithObserver(o Observer) *Tracker {
	t.observers = append(t.observers, o)
	return t
}

// WithPersister enables best-effort persistence. Persistence errors are
// logged and never fail a claim or release.
func (t *Tracker) WithPersister(p StatePersister, timeout time.Duration) *Tracker {
	t.persister = p
	if timeout > 0 {
		t.persistTimeout = timeout
	}
	return t
}

func (t *Tracker) WithLogger(logger *zap.Logger) *Tracker {
	t.logger = logger
	return t
}

// TryClaim marks the indicator as running. It returns false if it already is.
func (t *Tracker) TryClaim(ind domain.Indicator, execCtx domain.ExecutionContext) (domain.ExecutionState, bool) {
	startedAt := t.clock().UTC()
	state := domain.ExecutionState{
		Running:   true,
		StartedAt: &startedAt,
		Context:   execCtx,
	}

	t.mu.Lock()
	if _, busy := t.running[ind.ID]; busy {
		t.mu.Unlock()
		return domain.ExecutionState{}, false
	}
	t.running[ind.ID] = entry{name: ind.Name, state: state}
	slot, seq := t.stampLocked(ind.ID)
	t.mu.Unlock()

	t.persist(ind.ID, state, slot, seq)
	for _, o := range t.observers {
		o.ExecutionStarted(ind, state)
	}
	return state, true
}

// Release clears the claim. Releasing an unclaimed indicator is a no-op and
// returns false.
func (t *Tracker) Release(indicatorID int64) bool {
	t.mu.Lock()
	e, ok := t.running[indicatorID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.running, indicatorID)
	slot, seq := t.stampLocked(indicatorID)
	t.mu.Unlock()

	t.persist(indicatorID, domain.ExecutionState{}, slot, seq)
	for _, o := range t.observers {
		o.ExecutionReleased(indicatorID, e.state)
	}
	return true
}

func (t *Tracker) IsRunning(indicatorID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[indicatorID]
	return ok
}

// State returns the current triple; the zero value when not running.
func (t *Tracker) State(indicatorID int64) domain.ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running[indicatorID].state
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// Snapshot lists running indicators ordered by id.
func (t *Tracker) Snapshot() []Claim {
	t.mu.Lock()
	out := make([]Claim, 0, len(t.running))
	for id, e := range t.running {
		out = append(out, Claim{IndicatorID: id, Name: e.name, State: e.state})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IndicatorID < out[j].IndicatorID })
	return out
}

// stampLocked orders a transition's write. Caller holds t.mu.
func (t *Tracker) stampLocked(indicatorID int64) (*persistSlot, uint64) {
	t.seq++
	slot, ok := t.slots[indicatorID]
	if !ok {
		slot = &persistSlot{}
		t.slots[indicatorID] = slot
	}
	return slot, t.seq
}

func (t *Tracker) persist(indicatorID int64, state domain.ExecutionState, slot *persistSlot, seq uint64) {
	if t.persister == nil {
		return
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if seq < slot.written {
		t.logger.Debug("stale execution state write dropped",
			zap.Int64("indicator_id", indicatorID),
			zap.Bool("running", state.Running),
		)
		return
	}
	slot.written = seq

	ctx, cancel := context.WithTimeout(context.Background(), t.persistTimeout)
	defer cancel()

	if err := t.persister.SaveExecutionState(ctx, indicatorID, state); err != nil {
		t.logger.Warn("persist execution state failed",
			zap.Int64("indicator_id", indicatorID),
			zap.Bool("running", state.Running),
			zap.Error(err),
		)
	}
}
