// Package notify delivers escalation notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/circuitbreaker"
	"github.com/djlord-it/easy-monitor/internal/domain"
)

const (
	HeaderAttemptID = "X-EasyMonitor-Attempt-ID"
	HeaderAlertID   = "X-EasyMonitor-Alert-ID"
	HeaderLevel     = "X-EasyMonitor-Escalation-Level"
	HeaderSignature = "X-EasyMonitor-Signature"

	DefaultTimeout = 10 * time.Second
)

// Payload is the JSON body posted for one escalation level.
type Payload struct {
	AlertID          string          `json:"alert_id"`
	IndicatorID      int64           `json:"indicator_id"`
	Owner            string          `json:"owner"`
	Level            int             `json:"level"`
	TriggeredAt      string          `json:"triggered_at"`
	Message          string          `json:"message"`
	Channels         []string        `json:"channels,omitempty"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	HistoricalValue  decimal.Decimal `json:"historical_value"`
	DeviationPercent decimal.Decimal `json:"deviation_percent"`
}

// MetricsSink defines the interface for recording notification metrics.
type MetricsSink interface {
	NotificationAttempt(level int, statusClass string, duration time.Duration)
}

type WebhookNotifier struct {
	client  *resty.Client
	url     string
	secret  string
	breaker *circuitbreaker.CircuitBreaker // optional
	metrics MetricsSink                    // optional
	logger  *zap.Logger
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{
		client: client,
		url:    url,
		secret: secret,
		logger: zap.NewNop(),
	}
}

func (n *WebhookNotifier) WithBreaker(cb *circuitbreaker.CircuitBreaker) *WebhookNotifier {
	n.breaker = cb
	return n
}

func (n *WebhookNotifier) WithMetrics(sink MetricsSink) *WebhookNotifier {
	n.metrics = sink
	return n
}

func (n *WebhookNotifier) WithLogger(logger *zap.Logger) *WebhookNotifier {
	n.logger = logger
	return n
}

// Notify posts the signed payload. Network errors, 429 and 5xx responses
// count against the circuit breaker. Any other response proves the endpoint
// is reachable and settles the breaker as a success.
func (n *WebhookNotifier) Notify(ctx context.Context, level int, alert domain.AlertLog) (string, error) {
	body, err := json.Marshal(Payload{
		AlertID:          alert.ID.String(),
		IndicatorID:      alert.IndicatorID,
		Owner:            alert.Owner,
		Level:            level,
		TriggeredAt:      alert.TriggeredAt.UTC().Format(time.RFC3339),
		Message:          alert.Message,
		Channels:         alert.SentVia,
		CurrentValue:     alert.CurrentValue,
		HistoricalValue:  alert.HistoricalValue,
		DeviationPercent: alert.DeviationPercent,
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	// Every request past Allow must end in recordSuccess or recordFailure,
	// otherwise a half-open target never leaves the probe state.
	if n.breaker != nil {
		if err := n.breaker.Allow(n.url); err != nil {
			return "", err
		}
	}

	start := time.Now()
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader(HeaderAttemptID, uuid.NewString()).
		SetHeader(HeaderAlertID, alert.ID.String()).
		SetHeader(HeaderLevel, fmt.Sprint(level)).
		SetHeader(HeaderSignature, computeSignature(n.secret, body)).
		SetBody(body).
		Post(n.url)
	duration := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	if n.metrics != nil {
		n.metrics.NotificationAttempt(level, classifyStatus(status, err), duration)
	}

	if err != nil {
		n.recordFailure()
		return "", fmt.Errorf("send: %w", err)
	}
	if status < 200 || status >= 300 {
		if status == http.StatusTooManyRequests || status >= 500 {
			n.recordFailure()
		} else {
			n.recordSuccess()
		}
		return "", fmt.Errorf("webhook returned status %d", status)
	}

	n.recordSuccess()
	return fmt.Sprintf("webhook delivered: status %d", status), nil
}

func (n *WebhookNotifier) recordSuccess() {
	if n.breaker != nil {
		n.breaker.RecordSuccess(n.url)
	}
}

func (n *WebhookNotifier) recordFailure() {
	if n.breaker != nil {
		n.breaker.RecordFailure(n.url)
	}
}

// classifyStatus maps a status code and error to a bounded label set:
// 2xx, 4xx, 5xx, timeout, connection_error, circuit_open, other_error.
func classifyStatus(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return "circuit_open"
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return "timeout"
		case strings.Contains(msg, "connection refused"),
			strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"),
			strings.Contains(msg, "dial"):
			return "connection_error"
		}
		return "other_error"
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}

// LogNotifier records escalations in the log only. Used when no webhook is
// configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, level int, alert domain.AlertLog) (string, error) {
	n.logger.Warn("escalation",
		zap.String("alert_id", alert.ID.String()),
		zap.Int64("indicator_id", alert.IndicatorID),
		zap.String("owner", alert.Owner),
		zap.Int("level", level),
		zap.String("message", alert.Message),
		zap.String("deviation_percent", alert.DeviationPercent.String()),
	)
	return "logged", nil
}
