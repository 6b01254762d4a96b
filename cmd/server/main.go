// Command server starts the fleet control plane: broker ingestion, alert
// evaluation, job tracking, command routing and the REST API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/broker/mqtt"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/cache/redisthresh"
	httpserver "github.com/fairyhunter13/tonypi-fleet/internal/adapter/httpserver"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/observability"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/tonypi-fleet/internal/adapter/tsdb/influx"
	"github.com/fairyhunter13/tonypi-fleet/internal/alerting"
	"github.com/fairyhunter13/tonypi-fleet/internal/app"
	"github.com/fairyhunter13/tonypi-fleet/internal/command"
	"github.com/fairyhunter13/tonypi-fleet/internal/config"
	"github.com/fairyhunter13/tonypi-fleet/internal/domain"
	"github.com/fairyhunter13/tonypi-fleet/internal/ingest"
	"github.com/fairyhunter13/tonypi-fleet/internal/jobtracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Entity store
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	robotRepo := postgres.NewRobotRepo(pool)
	thresholdRepo := postgres.NewThresholdRepo(pool)
	alertRepo := postgres.NewAlertRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)
	asyncAudit := postgres.NewAsyncAudit(auditRepo, 512, logger)

	// Threshold cache with config-driven defaults for unseeded robots
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	threshCache := redisthresh.New(rdb, thresholdRepo, logger)
	defaults, err := cfg.ParseDefaultThresholds()
	if err != nil {
		slog.Error("invalid default thresholds", slog.Any("error", err))
		os.Exit(1)
	}
	threshSrc := app.NewDefaultingThresholdSource(threshCache, defaults)

	if err := app.SeedThresholds(ctx, cfg, robotRepo, thresholdRepo, logger); err != nil {
		slog.Error("threshold seeding failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Time-series sink
	tsWriter := influx.NewWriter(influx.Options{
		URL:           cfg.InfluxURL,
		Token:         cfg.InfluxToken,
		Org:           cfg.InfluxOrg,
		Bucket:        cfg.InfluxBucket,
		BatchSize:     cfg.TSBatchSize,
		FlushInterval: cfg.TSFlushInterval,
		RetryBudget:   cfg.TSRetryBudget,
	}, logger)

	// Broker adapter. The client id carries a random suffix so replicas never
	// evict each other's sessions.
	broker := mqtt.NewClient(mqtt.Options{
		URL:            cfg.BrokerURL,
		Username:       cfg.BrokerUsername,
		Password:       cfg.BrokerPassword,
		ClientID:       cfg.BrokerClientID + "-" + uuid.NewString()[:8],
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		JitterFrac:     cfg.BackoffJitterFrac,
	}, logger)

	// Domain engines
	alertEngine := alerting.New(threshSrc, alertRepo, broker, cfg.Namespace,
		cfg.HysteresisWarn, cfg.HysteresisCrit, logger)
	if err := alertEngine.LoadOpen(ctx); err != nil {
		slog.Error("alert state reload failed", slog.Any("error", err))
		os.Exit(1)
	}

	tracker := jobtracker.New(jobRepo, asyncAudit, cfg.JobFlushInterval, cfg.JobStaleAfter, logger)
	if err := tracker.Load(ctx); err != nil {
		slog.Error("job state reload failed", slog.Any("error", err))
		os.Exit(1)
	}

	router := command.New(broker, robotRepo, asyncAudit, cfg.Namespace, cfg.CommandAckTimeout, logger)
	router.Start(ctx)

	// Ingestion: all subscriptions must be registered before the broker runs.
	dispatcher := ingest.New(cfg.Namespace, robotRepo, tsWriter, alertEngine, tracker, router, asyncAudit, logger)
	dispatcher.Register(broker)

	var wg sync.WaitGroup
	bg := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
			slog.Debug("background loop stopped", slog.String("loop", name))
		}()
	}
	bg("audit", asyncAudit.Run)
	bg("tsdb", tsWriter.Run)
	bg("jobtracker", tracker.Run)
	bg("threshcache", threshCache.Run)
	sweeper := &app.StaleSweeper{
		Robots:   robotRepo,
		Audit:    asyncAudit,
		Interval: cfg.StaleSweepInterval,
		Horizon:  cfg.StaleHorizon,
		Log:      logger,
	}
	bg("stalesweeper", sweeper.Run)

	brokerErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		brokerErr <- broker.Run(ctx)
	}()

	// HTTP server
	srv := &httpserver.Server{
		Cfg:        cfg,
		Robots:     robotRepo,
		Thresholds: thresholdRepo,
		ThreshSrc:  threshSrc,
		Alerts:     alertRepo,
		Jobs:       tracker,
		TS:         tsWriter,
		Commands:   router,
		DBCheck:    func(ctx context.Context) error { return pool.Ping(ctx) },
		BrokerCheck: func(context.Context) error {
			if !broker.IsConnected() {
				return fmt.Errorf("broker not connected")
			}
			return nil
		},
		InfluxCheck: func(ctx context.Context) error {
			// NotFound is the healthy answer for the probe tag.
			_, err := tsWriter.Latest(ctx, domain.MeasurementStatus, map[string]string{"robot_id": "_probe"}, time.Minute)
			if err == nil || errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		},
		RedisCheck: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	case err := <-brokerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("broker loop exited", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	_ = rdb.Close()
}
