// Package broadcast publishes execution progress and worker status to a
// real-time transport. Delivery is best-effort: producers never block and
// transport failures never reach the caller.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/transport/channel"
)

const (
	DefaultBufferSize     = 256
	DefaultPublishTimeout = 2 * time.Second
	DrainTimeout          = 5 * time.Second
)

// Publisher delivers one serialized event.
type Publisher interface {
	Publish(ctx context.Context, event string, payload []byte) error
	Close() error
}

// MetricsSink defines the interface for recording broadcast metrics.
// All methods must be non-blocking.
type MetricsSink interface {
	BroadcastPublished(event string)
	BroadcastDropped(event string)
	BroadcastError(event string)
}

type message struct {
	event   string
	payload []byte
}

type Broadcaster struct {
	bus            *channel.EventBus[message]
	publisher      Publisher
	publishTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger
	metrics        MetricsSink // optional, nil = disabled
}

func New(publisher Publisher, bufferSize int, opts ...channel.Option) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Broadcaster{
		bus:            channel.NewEventBus[message](bufferSize, opts...),
		publisher:      publisher,
		publishTimeout: DefaultPublishTimeout,
		clock:          time.Now,
		logger:         zap.NewNop(),
	}
}

func (b *Broadcaster) WithClock(clock func() time.Time) *Broadcaster {
	b.clock = clock
	return b
}

func (b *Broadcaster) WithLogger(logger *zap.Logger) *Broadcaster {
	b.logger = logger
	return b
}

// WithMetrics attaches a metrics sink to the broadcaster.
func (b *Broadcaster) WithMetrics(sink MetricsSink) *Broadcaster {
	b.metrics = sink
	return b
}

// Run sends queued events until ctx is cancelled, then drains what is left
// within DrainTimeout and closes the publisher.
func (b *Broadcaster) Run(ctx context.Context) {
	defer func() {
		if err := b.publisher.Close(); err != nil {
			b.logger.Debug("close publisher", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case msg, ok := <-b.bus.Channel():
			if !ok {
				return
			}
			b.send(ctx, msg)
		}
	}
}

func (b *Broadcaster) drain() {
	b.bus.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			b.logger.Debug("broadcast drain timeout", zap.Int("sent", count))
			return
		case msg, ok := <-b.bus.Channel():
			if !ok {
				if count > 0 {
					b.logger.Debug("broadcast drain complete", zap.Int("sent", count))
				}
				return
			}
			b.send(drainCtx, msg)
			count++
		}
	}
}

func (b *Broadcaster) send(ctx context.Context, msg message) {
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	if err := b.publisher.Publish(ctx, msg.event, msg.payload); err != nil {
		b.logger.Debug("broadcast publish failed", zap.String("event", msg.event), zap.Error(err))
		if b.metrics != nil {
			b.metrics.BroadcastError(msg.event)
		}
		return
	}
	if b.metrics != nil {
		b.metrics.BroadcastPublished(msg.event)
	}
}

func (b *Broadcaster) enqueue(event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		b.logger.Debug("broadcast marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	if err := b.bus.Emit(context.Background(), message{event: event, payload: body}); err != nil {
		level := zap.DebugLevel
		if !errors.Is(err, channel.ErrBufferFull) && !errors.Is(err, channel.ErrClosed) {
			level = zap.WarnLevel
		}
		b.logger.Log(level, "broadcast dropped", zap.String("event", event), zap.Error(err))
		if b.metrics != nil {
			b.metrics.BroadcastDropped(event)
		}
	}
}

func (b *Broadcaster) now() time.Time {
	return b.clock().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (b *Broadcaster) EmitStarted(ind domain.Indicator, state domain.ExecutionState) {
	start := b.now()
	if state.StartedAt != nil {
		start = *state.StartedAt
	}
	b.enqueue(domain.EventExecutionStarted, domain.ExecutionStartedEvent{
		IndicatorID:      ind.ID,
		IndicatorName:    ind.Name,
		Owner:            ind.Owner,
		StartTime:        formatTime(start),
		ExecutionContext: string(state.Context),
	})
}

func (b *Broadcaster) EmitProgress(ind domain.Indicator, percent int, step string, startedAt time.Time) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	elapsed := b.now().Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := time.Duration(0)
	if percent > 0 && percent < 100 {
		remaining = elapsed * time.Duration(100-percent) / time.Duration(percent)
	}

	b.enqueue(domain.EventExecutionProgress, domain.ExecutionProgressEvent{
		IndicatorID:               ind.ID,
		Progress:                  percent,
		CurrentStep:               step,
		ElapsedSeconds:            int(elapsed / time.Second),
		EstimatedRemainingSeconds: int(remaining / time.Second),
	})
}

func (b *Broadcaster) EmitCompleted(ind domain.Indicator, result domain.ExecutionResult) {
	ev := domain.ExecutionCompletedEvent{
		IndicatorID:     ind.ID,
		Success:         result.WasSuccessful,
		DurationSeconds: result.DurationSeconds(),
		CompletedAt:     formatTime(result.CompletedAt),
		ErrorMessage:    result.ErrorMessage,
	}
	if result.CurrentValue != nil {
		v := *result.CurrentValue
		ev.Value = &v
	}
	b.enqueue(domain.EventExecutionCompleted, ev)
}

func (b *Broadcaster) EmitCountdown(indicatorID int64, dueAt time.Time, secondsUntilDue int) {
	b.enqueue(domain.EventCountdownUpdate, domain.CountdownUpdateEvent{
		NextIndicatorID: indicatorID,
		SecondsUntilDue: secondsUntilDue,
		ScheduledTime:   formatTime(dueAt),
	})
}

func (b *Broadcaster) EmitWorkerHeartbeat(status domain.WorkerStatusEvent) {
	b.enqueue(domain.EventWorkerStatus, status)
}

// ExecutionStarted implements execstate.Observer.
func (b *Broadcaster) ExecutionStarted(ind domain.Indicator, state domain.ExecutionState) {
	b.EmitStarted(ind, state)
}

// ExecutionReleased implements execstate.Observer. The completion event is
// sent by the driver, which knows the result.
func (b *Broadcaster) ExecutionReleased(int64, domain.ExecutionState) {}
