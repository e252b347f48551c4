package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for easy-monitor.
// Values come from environment variables, optionally seeded from a config file.
type Config struct {
	DatabaseURL string `json:"database_url"`
	HTTPAddr    string `json:"http_addr"`

	// CORSAllowedOrigins: empty disables CORS headers on the API.
	CORSAllowedOrigins []string `json:"cors_allowed_origins,omitempty"`

	TickInterval          time.Duration `json:"-"`
	TickIntervalStr       string        `json:"tick_interval"`
	MaxParallelExecutions int           `json:"max_parallel_executions"`
	ExecutionTimeout      time.Duration `json:"-"`
	ExecutionTimeoutStr   string        `json:"execution_timeout"`
	SkipRunning           bool          `json:"skip_running"`
	ActiveOnly            bool          `json:"active_only"`

	HeartbeatInterval    time.Duration `json:"-"`
	HeartbeatIntervalStr string        `json:"heartbeat_interval"`

	// BroadcastTransport: "none", "redis" or "nats".
	BroadcastTransport  string `json:"broadcast_transport"`
	BroadcastBufferSize int    `json:"broadcast_buffer_size"`
	RedisAddr           string `json:"redis_addr,omitempty"`
	RedisChannelPrefix  string `json:"redis_channel_prefix"`
	NATSURL             string `json:"nats_url,omitempty"`
	NATSSubjectPrefix   string `json:"nats_subject_prefix"`

	// AnalyticsEnabled only takes effect when RedisAddr is set.
	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	EscalationEnabled          bool            `json:"escalation_enabled"`
	EscalationSweepInterval    time.Duration   `json:"-"`
	EscalationSweepIntervalStr string          `json:"escalation_sweep_interval"`
	EscalationLevelDelays      []time.Duration `json:"-"`
	EscalationLevelDelaysStr   string          `json:"escalation_level_delays"`

	// EscalationWebhookURL: empty logs notifications instead of sending them.
	EscalationWebhookURL    string `json:"escalation_webhook_url,omitempty"`
	EscalationWebhookSecret string `json:"escalation_webhook_secret,omitempty"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed EXECUTION_TIMEOUT; empty derives it from the timeout.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

var defaults = map[string]any{
	"TICK_INTERVAL":             "30s",
	"MAX_PARALLEL_EXECUTIONS":   5,
	"EXECUTION_TIMEOUT":         "300s",
	"SKIP_RUNNING":              true,
	"ACTIVE_ONLY":               true,
	"HEARTBEAT_INTERVAL":        "10s",
	"BROADCAST_TRANSPORT":       "none",
	"BROADCAST_BUFFER_SIZE":     256,
	"REDIS_CHANNEL_PREFIX":      "easymonitor:",
	"NATS_SUBJECT_PREFIX":       "easymonitor.",
	"ANALYTICS_ENABLED":         true,
	"ANALYTICS_WINDOW":          "1h",
	"ANALYTICS_RETENTION":       "168h",
	"ESCALATION_ENABLED":        true,
	"ESCALATION_SWEEP_INTERVAL": "30s",
	"ESCALATION_LEVEL_DELAYS":   "0s,15m,60m",
	"CIRCUIT_BREAKER_THRESHOLD": 5,
	"CIRCUIT_BREAKER_COOLDOWN":  "2m",
	"RECONCILE_ENABLED":         true,
	"RECONCILE_INTERVAL":        "5m",
	"RECONCILE_BATCH_SIZE":      100,
	"METRICS_ENABLED":           false,
	"METRICS_PATH":              "/metrics",
	"DB_OP_TIMEOUT":             "5s",
	"DB_MAX_OPEN_CONNS":         25,
	"DB_MAX_IDLE_CONNS":         5,
	"DB_CONN_MAX_LIFETIME":      "30m",
	"DB_CONN_MAX_IDLE_TIME":     "5m",
	"HTTP_SHUTDOWN_TIMEOUT":     "10s",
	"DISPATCHER_DRAIN_TIMEOUT":  "30s",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return load(newViper())
}

// LoadFile seeds configuration from a YAML, TOML or JSON file keyed by the
// environment variable names. Environment variables still take precedence.
func LoadFile(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return load(v), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper) Config {
	cfg := Config{
		DatabaseURL:        v.GetString("DATABASE_URL"),
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),

		TickIntervalStr:       v.GetString("TICK_INTERVAL"),
		MaxParallelExecutions: v.GetInt("MAX_PARALLEL_EXECUTIONS"),
		ExecutionTimeoutStr:   v.GetString("EXECUTION_TIMEOUT"),
		SkipRunning:           v.GetBool("SKIP_RUNNING"),
		ActiveOnly:            v.GetBool("ACTIVE_ONLY"),

		HeartbeatIntervalStr: v.GetString("HEARTBEAT_INTERVAL"),

		BroadcastTransport:  strings.ToLower(v.GetString("BROADCAST_TRANSPORT")),
		BroadcastBufferSize: v.GetInt("BROADCAST_BUFFER_SIZE"),
		RedisAddr:           v.GetString("REDIS_ADDR"),
		RedisChannelPrefix:  v.GetString("REDIS_CHANNEL_PREFIX"),
		NATSURL:             v.GetString("NATS_URL"),
		NATSSubjectPrefix:   v.GetString("NATS_SUBJECT_PREFIX"),

		AnalyticsEnabled:      v.GetBool("ANALYTICS_ENABLED"),
		AnalyticsWindowStr:    v.GetString("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr: v.GetString("ANALYTICS_RETENTION"),

		EscalationEnabled:          v.GetBool("ESCALATION_ENABLED"),
		EscalationSweepIntervalStr: v.GetString("ESCALATION_SWEEP_INTERVAL"),
		EscalationLevelDelaysStr:   v.GetString("ESCALATION_LEVEL_DELAYS"),
		EscalationWebhookURL:       v.GetString("ESCALATION_WEBHOOK_URL"),
		EscalationWebhookSecret:    v.GetString("ESCALATION_WEBHOOK_SECRET"),

		CircuitBreakerThreshold:   v.GetInt("CIRCUIT_BREAKER_THRESHOLD"),
		CircuitBreakerCooldownStr: v.GetString("CIRCUIT_BREAKER_COOLDOWN"),

		ReconcileEnabled:      v.GetBool("RECONCILE_ENABLED"),
		ReconcileIntervalStr:  v.GetString("RECONCILE_INTERVAL"),
		ReconcileThresholdStr: v.GetString("RECONCILE_THRESHOLD"),
		ReconcileBatchSize:    v.GetInt("RECONCILE_BATCH_SIZE"),

		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		MetricsPath:    v.GetString("METRICS_PATH"),

		DBOpTimeoutStr:       v.GetString("DB_OP_TIMEOUT"),
		DBMaxOpenConns:       v.GetInt("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:       v.GetInt("DB_MAX_IDLE_CONNS"),
		DBConnMaxLifetimeStr: v.GetString("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr: v.GetString("DB_CONN_MAX_IDLE_TIME"),

		HTTPShutdownTimeoutStr:    v.GetString("HTTP_SHUTDOWN_TIMEOUT"),
		DispatcherDrainTimeoutStr: v.GetString("DISPATCHER_DRAIN_TIMEOUT"),

		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := v.GetString("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{cfg.TickIntervalStr, &cfg.TickInterval},
		{cfg.ExecutionTimeoutStr, &cfg.ExecutionTimeout},
		{cfg.HeartbeatIntervalStr, &cfg.HeartbeatInterval},
		{cfg.AnalyticsWindowStr, &cfg.AnalyticsWindow},
		{cfg.AnalyticsRetentionStr, &cfg.AnalyticsRetention},
		{cfg.EscalationSweepIntervalStr, &cfg.EscalationSweepInterval},
		{cfg.CircuitBreakerCooldownStr, &cfg.CircuitBreakerCooldown},
		{cfg.ReconcileIntervalStr, &cfg.ReconcileInterval},
		{cfg.ReconcileThresholdStr, &cfg.ReconcileThreshold},
		{cfg.DBOpTimeoutStr, &cfg.DBOpTimeout},
		{cfg.DBConnMaxLifetimeStr, &cfg.DBConnMaxLifetime},
		{cfg.DBConnMaxIdleTimeStr, &cfg.DBConnMaxIdleTime},
		{cfg.HTTPShutdownTimeoutStr, &cfg.HTTPShutdownTimeout},
		{cfg.DispatcherDrainTimeoutStr, &cfg.DispatcherDrainTimeout},
	} {
		if parsed, err := time.ParseDuration(d.raw); err == nil {
			*d.dst = parsed
		}
	}
	if delays, err := ParseLevelDelays(cfg.EscalationLevelDelaysStr); err == nil {
		cfg.EscalationLevelDelays = delays
	}

	return cfg
}

// ParseLevelDelays parses a comma separated list of escalation delays, one
// per level starting at level 1. Delays must be non-negative and strictly
// increasing.
func ParseLevelDelays(s string) ([]time.Duration, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("at least one delay is required")
	}
	delays := make([]time.Duration, len(parts))
	for i, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i+1, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("level %d: delay must not be negative", i+1)
		}
		if i > 0 && d <= delays[i-1] {
			return nil, fmt.Errorf("level %d: delay %s must be greater than level %d delay %s", i+1, d, i, delays[i-1])
		}
		delays[i] = d
	}
	return delays, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.EscalationWebhookSecret = maskSecret(c.EscalationWebhookSecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
