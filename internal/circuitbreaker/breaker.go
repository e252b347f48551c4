// Package circuitbreaker guards notification targets. A target that fails
// threshold times in a row is skipped for the cooldown, then probed once.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type targetState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	targets   map[string]*targetState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	onChange func(target string, from, to State)
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		targets:   make(map[string]*targetState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// OnStateChange registers fn, called with the lock held; it must not call
// back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(target string, from, to State)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

func (cb *CircuitBreaker) transition(target string, s *targetState, to State) {
	from := s.state
	s.state = to
	if from != to && cb.onChange != nil {
		cb.onChange(target, from, to)
	}
}

// Allow returns ErrCircuitOpen when target must be skipped. After the
// cooldown exactly one caller is let through as a probe.
func (cb *CircuitBreaker) Allow(target string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.targets[target]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			cb.transition(target, s, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.targets[target]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	cb.transition(target, s, StateClosed)
}

func (cb *CircuitBreaker) RecordFailure(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.targets[target]
	if !ok {
		s = &targetState{}
		cb.targets[target] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.openedAt = cb.clock()
		cb.transition(target, s, StateOpen)
	}
}

// State reports the current state of target; unknown targets are closed.
func (cb *CircuitBreaker) State(target string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if s, ok := cb.targets[target]; ok {
		return s.state
	}
	return StateClosed
}
