package main

import (
	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/config"
)

// logConfigWarnings reports configurations that run but lose guarantees.
func logConfigWarnings(cfg config.Config, logger *zap.Logger) {
	if !cfg.ReconcileEnabled {
		logger.Warn("RECONCILE_ENABLED=false: running flags left by a crashed process are never cleared; affected indicators stay blocked until restart",
			zap.String("priority", "P0"))
	}
	if !cfg.MetricsEnabled {
		logger.Warn("METRICS_ENABLED=false: tick, execution and escalation metrics are not exported",
			zap.String("priority", "P1"))
	}
	if cfg.EscalationEnabled && cfg.EscalationWebhookURL == "" {
		logger.Warn("ESCALATION_ENABLED=true without ESCALATION_WEBHOOK_URL: escalations are logged only",
			zap.String("priority", "P1"))
	}
	if cfg.EscalationWebhookURL != "" && cfg.EscalationWebhookSecret == "" {
		logger.Info("ESCALATION_WEBHOOK_SECRET not set: webhook requests are unsigned")
	}
	if cfg.EscalationWebhookURL != "" && cfg.CircuitBreakerThreshold <= 0 {
		logger.Info("CIRCUIT_BREAKER_THRESHOLD=0: every escalation is sent to the webhook even while it is failing")
	}
	if cfg.BroadcastTransport == "" || cfg.BroadcastTransport == "none" {
		logger.Info("BROADCAST_TRANSPORT=none: progress and heartbeat events are discarded")
	}
	if cfg.RedisAddr == "" && cfg.AnalyticsEnabled {
		logger.Info("REDIS_ADDR not set: analytics disabled")
	}
}
