// Package main provides the reminder relay service entry point.
// Fires due reminder triggers and relays the outbox to Redpanda.
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
	"github.com/drfirst/go-dose/internal/infrastructure/postgres"
	"github.com/drfirst/go-dose/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dose/internal/observability/logging"
	"github.com/drfirst/go-dose/internal/observability/metrics"
	"github.com/drfirst/go-dose/internal/observability/tracing"
)

const serviceName = "reminder-relay"

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
	logger.Info("connected to database")

	if cfg.Kafka.EnsureTopics {
		admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.Fatal("admin client creation failed", zap.Error(err))
		}
		tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = admin.EnsureTopics(tctx)
		cancel()
		admin.Close()
		if err != nil {
			logger.Fatal("topic creation failed", zap.Error(err))
		}
	}

	m := metrics.New()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producerCfg.Compression = cfg.Kafka.Compression

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced(func(topic string, err error) {
		if err == nil {
			m.KafkaMessagesProduced.Inc()
		}
	})

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.OutboxConfig{
		BatchSize:       cfg.Outbox.BatchSize,
		PollInterval:    cfg.Outbox.PollInterval,
		MaxRetries:      cfg.Outbox.MaxRetries,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		Retention:       cfg.Outbox.Retention,
	}, logger)

	triggers := postgres.NewTriggerStore(pool, postgres.TriggerTopics{
		Triggers:      redpanda.TopicReminderTriggers,
		Cancellations: redpanda.TopicReminderCancellations,
	}, logger)
	dispatcher := postgres.NewDispatcher(triggers, cfg.Outbox.DispatchInterval, cfg.Outbox.BatchSize, logger)

	outbox.Start()
	dispatcher.Start()

	maintCtx, stopMaint := context.WithCancel(ctx)
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		maintain(maintCtx, outbox, cfg.Outbox.MaintenanceEvery, m, logger)
	}()

	metricsServer := &http.Server{Addr: cfg.Server.Addr(), Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("reminder relay started")

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	dispatcher.Stop()
	outbox.Stop()
	stopMaint()
	<-maintDone

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := producer.Flush(sctx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	metricsServer.Shutdown(sctx)
	logger.Info("reminder relay stopped")
}

// maintain dead-letters exhausted entries, prunes processed ones and
// exports the pending count
func maintain(ctx context.Context, outbox *postgres.Outbox, every time.Duration, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if stats, err := outbox.GetStats(ctx); err == nil {
			m.OutboxPending.Set(float64(stats.Pending))
		} else if ctx.Err() == nil {
			logger.Warn("outbox stats failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead letter sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
		}
		if n, err := outbox.CleanupProcessed(ctx); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("processed outbox entries removed", zap.Int64("count", n))
		}
	}
}
