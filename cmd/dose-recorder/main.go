// Package main provides the dose recorder service entry point.
// Consumes dose commands and records taken events exactly once.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/config"
	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/medicine"
	"github.com/drfirst/go-dose/internal/infrastructure/postgres"
	"github.com/drfirst/go-dose/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dose/internal/observability/logging"
	"github.com/drfirst/go-dose/internal/observability/metrics"
	"github.com/drfirst/go-dose/internal/observability/tracing"
	"github.com/drfirst/go-dose/internal/recorder"
	"github.com/drfirst/go-dose/pkg/circuitbreaker"
	"github.com/drfirst/go-dose/pkg/idempotency"
	"github.com/drfirst/go-dose/pkg/workerpool"
)

const serviceName = "dose-recorder"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(serviceName, cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	m := metrics.New()

	// MarkTaken never plans, but the service needs a planner
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("reminder-scheduler"), logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	triggers := postgres.NewTriggerStore(pool, postgres.DefaultTriggerTopics(), logger)
	planner := dosing.NewPlanner(dosing.NewBreakerScheduler(triggers, cb), dosing.DefaultPlannerConfig(), logger)
	service := medicine.NewService(medicine.NewRepository(pool, logger), planner, nil, m, logger)

	// Inbox
	backend := idempotency.NewPostgresBackend(pool)
	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.DefaultTTL = cfg.Recorder.InboxTTL
	inbox := idempotency.NewInbox(backend, inboxCfg, logger)

	if n, err := backend.RecoverStaleEntries(ctx, inboxCfg.RecoveryTimeout); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("stale inbox entries recovered", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	// Dead letters go out through a producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producerCfg.Compression = cfg.Kafka.Compression
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	recCfg := recorder.DefaultConfig()
	recCfg.Pool = workerpool.DefaultConfig()
	recCfg.Pool.Workers = cfg.Recorder.Workers
	recCfg.Pool.MaxRetries = cfg.Recorder.MaxRetries

	rec, err := recorder.New(service, inbox, producer, recCfg, m, logger)
	if err != nil {
		logger.Fatal("recorder creation failed", zap.Error(err))
	}
	rec.Start()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.ConsumerGroup
	consumerCfg.RetryBackoff = cfg.Recorder.RetryBackoff

	consumer, err := redpanda.NewConsumer(consumerCfg, rec.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !rec.Healthy() {
			http.Error(w, "worker pool unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.Server.Addr(), Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("dose recorder started",
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	if err := rec.Stop(); err != nil {
		logger.Warn("recorder stop", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(sctx)
	logger.Info("dose recorder stopped", zap.Any("consumer", consumer.Stats()))
}
