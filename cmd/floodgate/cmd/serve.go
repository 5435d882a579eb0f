package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/floodgate/internal/alerting"
	"github.com/solatis/floodgate/internal/breaker"
	"github.com/solatis/floodgate/internal/core/auth"
	"github.com/solatis/floodgate/internal/core/config"
	"github.com/solatis/floodgate/internal/core/db"
	"github.com/solatis/floodgate/internal/engine"
	"github.com/solatis/floodgate/internal/health"
	"github.com/solatis/floodgate/internal/metrics"
	"github.com/solatis/floodgate/internal/queue"
	"github.com/solatis/floodgate/internal/ratelimit"
	"github.com/solatis/floodgate/internal/resilience"
	"github.com/solatis/floodgate/internal/server"
)

const Version = "0.1.0"

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission control service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "HTTP server host")
	serveCmd.Flags().Int("port", 0, "HTTP server port")
	serveCmd.Flags().String("engine-endpoint", "", "inference engine base URL")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("version", Version).Msg("floodgate starting")

	// Optional audit store: without a database the service runs with
	// in-memory alert history only.
	var store *alerting.Store
	if dbURL != "" {
		cfg.DBURL = dbURL
	}
	if cfg.DBURL != "" {
		database, err := db.Open(cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := db.MigrateUp(database); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		queries, err := db.LoadQueries(database)
		if err != nil {
			return fmt.Errorf("failed to load queries: %w", err)
		}
		store = alerting.NewStore(queries)
	}

	authenticator, err := auth.New(cfg.Auth.Enabled, config.APIKeys())
	if err != nil {
		return err
	}

	// Admission pipeline.
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Policy:           breaker.Policy(cfg.Breaker.Policy),
		Window:           cfg.Breaker.Window,
	})
	q := queue.New(queue.Config{
		Capacity:     cfg.Queue.Capacity,
		PromoteAfter: cfg.Queue.PromoteAfter,
	})
	eng := engine.NewClient(cfg.Engine.Endpoint, cfg.Engine.Model)

	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(time.Minute)

	mgr := resilience.New(resilience.Config{
		ConcurrencyLimit: cfg.Queue.ConcurrencyLimit,
		MaxBatchSize:     cfg.Queue.MaxBatchSize,
		MicrobatchWait:   cfg.Queue.MicrobatchWait,
		EngineTimeout:    cfg.Engine.Timeout,
	}, limiter, brk, q, eng, registry, collector, logger)

	pipelineDone := make(chan struct{})
	go func() {
		mgr.Run()
		close(pipelineDone)
	}()

	// Alerting.
	rules, err := config.AlertRules(cfg.Alerts.Rules)
	if err != nil {
		return err
	}
	var sink alerting.Sink
	if store != nil {
		sink = store
	}
	alerts := alerting.NewManager(rules, cfg.Alerts.HistorySize, sink, logger)

	alertCtx, stopAlerts := context.WithCancel(context.Background())
	defer stopAlerts()
	go alerts.Run(alertCtx, cfg.Alerts.Interval, func() metrics.Snapshot {
		snap := collector.Snapshot()
		stats := mgr.Stats()
		snap["breaker_state"] = float64(stats.BreakerState)
		snap["queue_depth"] = float64(stats.QueueDepth)
		snap["queue_utilization_percent"] = 100 * float64(stats.QueueDepth) / float64(cfg.Queue.Capacity)
		snap["in_flight"] = float64(stats.InFlight)
		registry.SetAlertsFiring(alerts.FiringCount())
		return snap
	})

	// Health.
	checker := health.NewChecker(time.Second)
	checker.Register("breaker", health.BreakerCheck(mgr.BreakerState))
	checker.Register("queue", health.QueueCheck(mgr.QueueDepth, cfg.Queue.Capacity))
	checker.Register("error_rate", health.ErrorRateCheck(func() float64 {
		return collector.Snapshot()[metrics.MetricErrorRatePercent]
	}))

	// Listeners.
	httpSrv := server.NewHTTPServer(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		server.HTTPDeps{
			Manager:  mgr,
			Alerts:   alerts,
			Store:    store,
			Health:   checker,
			Registry: registry,
			Auth:     authenticator,
		},
		logger,
	)
	grpcSrv := server.NewGRPCServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort), logger)
	go grpcSrv.PublishHealth(alertCtx, checker, 5*time.Second)

	errChan := make(chan error, 2)
	go func() { errChan <- httpSrv.Start() }()
	go func() { errChan <- grpcSrv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop intake first, then drain: the HTTP server refuses new requests
	// while queued work finishes and resolves.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	mgr.Close()
	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("pipeline drain timed out")
	}
	if err := grpcSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("grpc shutdown failed")
	}
	stopAlerts()

	logger.Info().Msg("shutdown complete")
	return nil
}

// applyFlagOverrides gives explicit CLI flags the final say.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("engine-endpoint") {
		cfg.Engine.Endpoint, _ = cmd.Flags().GetString("engine-endpoint")
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
}
