// Package main provides the medicine API service entry point.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/api/handlers"
	"github.com/drfirst/go-dose/internal/api/middleware"
	"github.com/drfirst/go-dose/internal/config"
	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/medicine"
	"github.com/drfirst/go-dose/internal/domain/schedule"
	"github.com/drfirst/go-dose/internal/infrastructure/postgres"
	"github.com/drfirst/go-dose/internal/monitor"
	"github.com/drfirst/go-dose/internal/observability/logging"
	"github.com/drfirst/go-dose/internal/observability/metrics"
	"github.com/drfirst/go-dose/internal/observability/tracing"
	"github.com/drfirst/go-dose/pkg/circuitbreaker"
)

const serviceName = "medicine-api"

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
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Fatal("invalid database url", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	m := metrics.New()

	// Notification scheduler behind a breaker
	breakers := circuitbreaker.NewManager(logger)
	cbCfg := circuitbreaker.DefaultConfig("reminder-scheduler")
	cbCfg.FailureThreshold = cfg.Breaker.FailureThreshold
	cbCfg.Timeout = cfg.Breaker.Timeout
	cbCfg.MaxRequests = cfg.Breaker.MaxRequests
	cbCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Ordinal())
	}
	cb, err := breakers.GetOrCreate(cbCfg.Name, cbCfg)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	triggers := postgres.NewTriggerStore(pool, postgres.DefaultTriggerTopics(), logger)
	planner := dosing.NewPlanner(dosing.NewBreakerScheduler(triggers, cb), dosing.PlannerConfig{
		Concurrency: cfg.Planner.Concurrency,
		Title:       cfg.Planner.Title,
	}, logger)

	clock := schedule.SystemClock{}
	if cfg.Planner.Location != "" {
		loc, err := time.LoadLocation(cfg.Planner.Location)
		if err != nil {
			logger.Fatal("invalid planner location", zap.Error(err))
		}
		clock.Location = loc
	}

	repo := medicine.NewRepository(pool, logger)
	service := medicine.NewService(repo, planner, clock, m, logger)

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon, err = monitor.New(service, cfg.Monitor.Schedule, m, logger)
		if err != nil {
			logger.Fatal("monitor creation failed", zap.Error(err))
		}
		mon.Start()
	}

	limiter := middleware.NewRateLimiter(cfg.Security.RateLimit, cfg.Security.RateLimitWindow)
	limiter.StartSweeper(time.Minute)
	defer limiter.Stop()

	medicineHandler := handlers.NewMedicineHandler(service, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health and metrics (no auth)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"version":  tracing.Version,
			"breakers": breakers.GetHealthStatus(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Security.KeyMap()))
		r.Use(limiter.Middleware)
		r.Mount("/medicines", medicineHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if mon != nil {
			mon.Stop()
		}
	}()

	logger.Info("starting medicine API", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	<-idle

	logger.Info("server stopped")
}
