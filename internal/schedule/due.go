package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

// IndicatorLister loads the full indicator set.
type IndicatorLister interface {
	GetAllIndicators(ctx context.Context) ([]domain.Indicator, error)
}

// DueSource filters the indicator set down to the ones due at a given time.
// Misconfigured schedules are skipped and logged once until they change.
type DueSource struct {
	lister     IndicatorLister
	resolver   *Resolver
	activeOnly bool
	logger     *zap.Logger

	mu     sync.Mutex
	warned map[int64]string
}

func NewDueSource(lister IndicatorLister, resolver *Resolver) *DueSource {
	return &DueSource{
		lister:     lister,
		resolver:   resolver,
		activeOnly: true,
		logger:     zap.NewNop(),
		warned:     make(map[int64]string),
	}
}

func (s *DueSource) WithLogger(logger *zap.Logger) *DueSource {
	s.logger = logger
	return s
}

// WithActiveOnly controls whether indicators with IsActive=false are skipped.
func (s *DueSource) WithActiveOnly(activeOnly bool) *DueSource {
	s.activeOnly = activeOnly
	return s
}

// GetAllIndicators passes through to the underlying lister.
func (s *DueSource) GetAllIndicators(ctx context.Context) ([]domain.Indicator, error) {
	return s.lister.GetAllIndicators(ctx)
}

func (s *DueSource) GetDueIndicators(ctx context.Context, now time.Time) ([]domain.Indicator, error) {
	all, err := s.lister.GetAllIndicators(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indicators: %w", err)
	}

	due := make([]domain.Indicator, 0, len(all))
	for _, ind := range all {
		if s.activeOnly && !ind.IsActive {
			continue
		}
		if err := s.resolver.Validate(ind.Schedule); err != nil {
			s.warnOnce(ind, err)
			continue
		}
		s.clearWarning(ind.ID)

		if s.resolver.IsDue(ind.Schedule, ind.LastRunAt, now) {
			due = append(due, ind)
		}
	}
	return due, nil
}

func (s *DueSource) warnOnce(ind domain.Indicator, err error) {
	msg := err.Error()

	s.mu.Lock()
	prev, seen := s.warned[ind.ID]
	s.warned[ind.ID] = msg
	s.mu.Unlock()

	if seen && prev == msg {
		return
	}
	s.logger.Warn("indicator schedule misconfigured, skipping",
		zap.Int64("indicator_id", ind.ID),
		zap.String("indicator", ind.Name),
		zap.Error(err),
	)
}

func (s *DueSource) clearWarning(id int64) {
	s.mu.Lock()
	delete(s.warned, id)
	s.mu.Unlock()
}
