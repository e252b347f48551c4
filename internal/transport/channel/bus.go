// Package channel provides a bounded in-process queue between producers that
// must never block and a single background consumer.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBufferFull is returned when the queue stays full for the emit timeout.
var ErrBufferFull = errors.New("event buffer full")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event bus closed")

// MetricsSink observes queue occupancy. All methods must be non-blocking.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*options)

type options struct {
	emitTimeout time.Duration
	metrics     MetricsSink
}

func WithMetrics(sink MetricsSink) Option {
	return func(o *options) {
		o.metrics = sink
	}
}

// WithEmitTimeout makes Emit wait up to d for space. Zero means never wait.
func WithEmitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.emitTimeout = d
	}
}

type EventBus[T any] struct {
	ch   chan T
	opts options

	mu     sync.RWMutex
	closed bool
}

func NewEventBus[T any](buffer int, opts ...Option) *EventBus[T] {
	b := &EventBus[T]{ch: make(chan T, buffer)}
	for _, opt := range opts {
		opt(&b.opts)
	}
	if b.opts.metrics != nil {
		b.opts.metrics.BufferCapacitySet(buffer)
	}
	return b
}

func (b *EventBus[T]) Emit(ctx context.Context, event T) error {
	err := b.emit(ctx, event)
	if m := b.opts.metrics; m != nil {
		if err != nil {
			m.EmitError()
		} else {
			m.BufferSizeUpdate(len(b.ch))
			if c := cap(b.ch); c > 0 {
				m.BufferSaturationUpdate(float64(len(b.ch)) / float64(c))
			}
		}
	}
	return err
}

func (b *EventBus[T]) emit(ctx context.Context, event T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.ch <- event:
		return nil
	default:
	}

	if b.opts.emitTimeout <= 0 {
		return ErrBufferFull
	}

	timer := time.NewTimer(b.opts.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBufferFull
	}
}

func (b *EventBus[T]) Channel() <-chan T {
	return b.ch
}

// Len reports the number of queued events.
func (b *EventBus[T]) Len() int {
	return len(b.ch)
}

// Close stops accepting events. Queued events remain readable and the
// channel is closed once drained by the consumer.
func (b *EventBus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
