package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/analytics"
	"github.com/djlord-it/easy-monitor/internal/api"
	"github.com/djlord-it/easy-monitor/internal/broadcast"
	"github.com/djlord-it/easy-monitor/internal/checker"
	"github.com/djlord-it/easy-monitor/internal/circuitbreaker"
	"github.com/djlord-it/easy-monitor/internal/config"
	"github.com/djlord-it/easy-monitor/internal/dispatcher"
	"github.com/djlord-it/easy-monitor/internal/escalation"
	"github.com/djlord-it/easy-monitor/internal/execstate"
	"github.com/djlord-it/easy-monitor/internal/executor"
	"github.com/djlord-it/easy-monitor/internal/logging"
	"github.com/djlord-it/easy-monitor/internal/metrics"
	"github.com/djlord-it/easy-monitor/internal/notify"
	"github.com/djlord-it/easy-monitor/internal/reconciler"
	"github.com/djlord-it/easy-monitor/internal/schedule"
	"github.com/djlord-it/easy-monitor/internal/stats"
	"github.com/djlord-it/easy-monitor/internal/store/postgres"
	"github.com/djlord-it/easy-monitor/internal/transport/channel"
)

func runServe(ctx context.Context, cfg config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logConfigWarnings(cfg, logger)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.Info("db pool configured",
		zap.Int("max_open", cfg.DBMaxOpenConns),
		zap.Int("max_idle", cfg.DBMaxIdleConns),
		zap.Duration("max_lifetime", cfg.DBConnMaxLifetime),
		zap.Duration("max_idle_time", cfg.DBConnMaxIdleTime),
	)

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store := postgres.New(db)

	var sink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger.Named("metrics"))
		logger.Info("metrics enabled", zap.String("path", cfg.MetricsPath))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	publisher, err := newPublisher(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	var busOpts []channel.Option
	if sink != nil {
		busOpts = append(busOpts, channel.WithMetrics(sink))
	}
	bc := broadcast.New(publisher, cfg.BroadcastBufferSize, busOpts...).
		WithLogger(logger.Named("broadcast"))
	if sink != nil {
		bc = bc.WithMetrics(sink)
	}

	resolver := schedule.NewResolver()
	due := schedule.NewDueSource(store, resolver).
		WithActiveOnly(cfg.ActiveOnly).
		WithLogger(logger.Named("schedule"))
	workerStats := stats.NewWorker(time.Now)

	tracker := execstate.New(time.Now).
		WithObserver(bc).
		WithPersister(store, cfg.DBOpTimeout).
		WithLogger(logger.Named("execstate"))

	runner := checker.New(db, store).WithLogger(logger.Named("checker"))
	driver := executor.New(tracker, runner, store, cfg.ExecutionTimeout).
		WithLogger(logger.Named("executor")).
		WithBroadcaster(bc).
		WithStats(workerStats)
	if sink != nil {
		driver = driver.WithMetrics(sink)
	}

	apiHandler := api.NewHandler(store, driver, resolver, tracker, workerStats).
		WithHealthChecker(db).
		WithLogger(logger.Named("api")).
		WithCORS(cfg.CORSAllowedOrigins)

	if redisClient != nil && cfg.AnalyticsEnabled {
		analyticsSink := analytics.NewRedisSink(redisClient, analytics.Config{
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}).WithLogger(logger.Named("analytics"))
		driver = driver.WithAnalytics(analyticsSink)
		apiHandler = apiHandler.WithAnalytics(analyticsSink)
		logger.Info("analytics enabled", zap.String("redis", cfg.RedisAddr))
	}

	var engine *escalation.Engine
	if cfg.EscalationEnabled {
		engine = escalation.New(escalation.Config{
			LevelDelays:   cfg.EscalationLevelDelays,
			SweepInterval: cfg.EscalationSweepInterval,
		}, store, newNotifier(cfg, sink, logger)).
			WithLogger(logger.Named("escalation"))
		if sink != nil {
			engine = engine.WithMetrics(sink)
		}
		driver = driver.WithAlerts(engine)
		apiHandler = apiHandler.WithAlerts(engine)
	}

	disp := dispatcher.New(dispatcher.Config{
		TickInterval: cfg.TickInterval,
		MaxParallel:  cfg.MaxParallelExecutions,
		SkipRunning:  cfg.SkipRunning,
		ActiveOnly:   cfg.ActiveOnly,
	}, due, driver, tracker).WithLogger(logger.Named("dispatcher"))
	if sink != nil {
		disp = disp.WithMetrics(sink)
	}

	heartbeat := broadcast.NewHeartbeat(bc, workerStats, tracker, due, resolver, cfg.HeartbeatInterval).
		WithLogger(logger.Named("heartbeat"))

	mux := http.NewServeMux()
	if sink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// Separate loops allow ordered shutdown. The broadcaster starts first and
	// stops last so completion events from draining executions are flushed.
	broadcasterLoop := startLoop("broadcaster", bc.Run)
	dispatcherLoop := startLoop("dispatcher", func(ctx context.Context) { _ = disp.Run(ctx) })
	heartbeatLoop := startLoop("heartbeat", heartbeat.Run)

	var escalationLoop, reconcilerLoop *loop
	if engine != nil {
		escalationLoop = startLoop("escalation", func(ctx context.Context) { _ = engine.Run(ctx) })
		logger.Info("escalation enabled",
			zap.Durations("level_delays", cfg.EscalationLevelDelays),
			zap.Duration("sweep_interval", cfg.EscalationSweepInterval),
		)
	}
	if cfg.ReconcileEnabled {
		threshold := cfg.ReconcileThreshold
		if threshold <= 0 {
			threshold = reconciler.ThresholdFor(cfg.ExecutionTimeout)
		}
		recon := reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: threshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, store, tracker).WithLogger(logger.Named("reconciler"))
		if sink != nil {
			recon = recon.WithMetrics(sink)
		}
		reconcilerLoop = startLoop("reconciler", recon.Run)
		logger.Info("reconciler enabled",
			zap.Duration("interval", cfg.ReconcileInterval),
			zap.Duration("threshold", threshold),
			zap.Int("batch", cfg.ReconcileBatchSize),
		)
	}

	logger.Info("easymonitor started",
		zap.String("version", version),
		zap.Duration("tick", cfg.TickInterval),
		zap.Int("max_parallel", cfg.MaxParallelExecutions),
		zap.String("transport", cfg.BroadcastTransport),
		zap.String("http", cfg.HTTPAddr),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case received := <-sig:
		logger.Info("received signal, shutting down", zap.String("signal", received.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	// Phase 1: stop dispatching; in-flight executions are cancelled and awaited.
	dispatcherLoop.stop(cfg.DispatcherDrainTimeout, logger)

	// Phase 2: stop background sweeps.
	escalationLoop.stop(cfg.DispatcherDrainTimeout, logger)
	reconcilerLoop.stop(cfg.DispatcherDrainTimeout, logger)
	heartbeatLoop.stop(cfg.DispatcherDrainTimeout, logger)

	// Phase 3: stop HTTP; manual runs in progress finish or are cancelled.
	logger.Info("stopping http server")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}

	// Phase 4: flush queued events and close the transport.
	broadcasterLoop.stop(broadcast.DrainTimeout+time.Second, logger)

	logger.Info("easymonitor stopped")
	return nil
}

func newPublisher(cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (broadcast.Publisher, error) {
	switch cfg.BroadcastTransport {
	case "redis":
		logger.Info("broadcast transport: redis", zap.String("prefix", cfg.RedisChannelPrefix))
		return broadcast.NewRedisPublisher(redisClient, cfg.RedisChannelPrefix), nil
	case "nats":
		conn, err := broadcast.DialNATS(cfg.NATSURL, logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		logger.Info("broadcast transport: nats", zap.String("prefix", cfg.NATSSubjectPrefix))
		return broadcast.NewNATSPublisher(conn, cfg.NATSSubjectPrefix), nil
	default:
		return broadcast.NopPublisher{}, nil
	}
}

// newNotifier returns the webhook notifier guarded by a circuit breaker, or a
// log-only notifier when no webhook is configured.
func newNotifier(cfg config.Config, sink *metrics.PrometheusSink, logger *zap.Logger) escalation.Notifier {
	if cfg.EscalationWebhookURL == "" {
		return notify.NewLogNotifier(logger.Named("notify"))
	}

	n := notify.NewWebhookNotifier(cfg.EscalationWebhookURL, cfg.EscalationWebhookSecret, notify.DefaultTimeout).
		WithLogger(logger.Named("notify"))
	if sink != nil {
		n = n.WithMetrics(sink)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).
			OnStateChange(func(target string, from, to circuitbreaker.State) {
				logger.Warn("notifier circuit state changed",
					zap.String("target", target),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
				if sink != nil {
					sink.CircuitStateChanged(target, to.String())
				}
			})
		n = n.WithBreaker(cb)
	}
	return n
}

// loop is a background component with its own cancellation.
type loop struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func startLoop(name string, run func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		run(ctx)
	}()
	return l
}

// stop cancels the loop and waits up to timeout for it to return. A nil
// loop is a no-op.
func (l *loop) stop(timeout time.Duration, logger *zap.Logger) {
	if l == nil {
		return
	}
	logger.Info("stopping " + l.name)
	l.cancel()
	select {
	case <-l.done:
		logger.Info(l.name + " stopped")
	case <-time.After(timeout):
		logger.Warn(l.name+" did not stop in time", zap.Duration("timeout", timeout))
	}
}
