// Package analytics keeps per-indicator execution counters in Redis,
// bucketed by time window.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

const (
	DefaultWindow    = time.Hour
	DefaultRetention = 7 * 24 * time.Hour
	DefaultTimeout   = 2 * time.Second
)

var outcomes = []domain.ExecutionOutcome{
	domain.ExecutionOutcomeSucceeded,
	domain.ExecutionOutcomeFailed,
	domain.ExecutionOutcomeTimedOut,
	domain.ExecutionOutcomeCancelled,
}

type Config struct {
	// Window is the bucket width: 1m, 5m or 1h.
	Window    time.Duration
	Retention time.Duration
	Timeout   time.Duration
}

// Counts is one bucket of one indicator.
type Counts struct {
	Outcomes   map[domain.ExecutionOutcome]int64
	DurationMs int64
}

type RedisSink struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &RedisSink{client: client, config: config, logger: zap.NewNop()}
}

func (s *RedisSink) WithLogger(logger *zap.Logger) *RedisSink {
	s.logger = logger
	return s
}

// Record is best-effort; failures are logged and dropped.
func (s *RedisSink) Record(ctx context.Context, result domain.ExecutionResult) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.Write(ctx, result); err != nil {
		s.logger.Warn("analytics write failed",
			zap.Int64("indicator_id", result.IndicatorID),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(err))
	}
}

func (s *RedisSink) Write(ctx context.Context, result domain.ExecutionResult) error {
	bucket := truncateToBucket(result.StartedAt, s.config.Window)
	countKey := buildKey(result.IndicatorID, string(result.Outcome), bucket)
	durationKey := buildKey(result.IndicatorID, "duration_ms", bucket)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, s.config.Retention)
	pipe.IncrBy(ctx, durationKey, result.Duration.Milliseconds())
	pipe.Expire(ctx, durationKey, s.config.Retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Counts reads the bucket containing at. Missing keys count as zero.
func (s *RedisSink) Counts(ctx context.Context, indicatorID int64, at time.Time) (Counts, error) {
	bucket := truncateToBucket(at, s.config.Window)

	keys := make([]string, 0, len(outcomes)+1)
	for _, o := range outcomes {
		keys = append(keys, buildKey(indicatorID, string(o), bucket))
	}
	keys = append(keys, buildKey(indicatorID, "duration_ms", bucket))

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("redis mget: %w", err)
	}

	counts := Counts{Outcomes: make(map[domain.ExecutionOutcome]int64, len(outcomes))}
	for i, v := range values {
		n, err := parseCount(v)
		if err != nil {
			return Counts{}, fmt.Errorf("key %s: %w", keys[i], err)
		}
		if i < len(outcomes) {
			counts.Outcomes[outcomes[i]] = n
		} else {
			counts.DurationMs = n
		}
	}
	return counts, nil
}

func parseCount(v any) (int64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}

func buildKey(indicatorID int64, metric string, bucket string) string {
	return fmt.Sprintf("i:%d:%s:%s", indicatorID, metric, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
