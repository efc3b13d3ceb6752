// Package monitor periodically evaluates every active medicine and exports
// the status distribution.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/medicine"
	"github.com/drfirst/go-dose/internal/observability/metrics"
)

var states = []dosing.State{
	dosing.StateDue,
	dosing.StateAvailable,
	dosing.StateNext,
	dosing.StateCompleted,
	dosing.StateError,
}

// StatusSource evaluates every active medicine
type StatusSource interface {
	StatusAll(ctx context.Context) ([]medicine.StatusReport, error)
}

// Summary is the result of one sweep
type Summary struct {
	ByState  map[dosing.State]int
	Finished int
	Total    int
}

// Monitor runs sweeps on a cron schedule
type Monitor struct {
	source  StatusSource
	cron    *cron.Cron
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a monitor firing on expr, a standard five-field cron line or
// a descriptor such as "@every 5m". A sweep still running when the next one
// is due causes that one to be skipped.
func New(source StatusSource, expr string, m *metrics.Metrics, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))

	mon := &Monitor{
		source:  source,
		timeout: time.Minute,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("status-monitor"),
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}

	if _, err := mon.cron.AddFunc(expr, mon.run); err != nil {
		return nil, fmt.Errorf("monitor schedule %q: %w", expr, err)
	}
	return mon, nil
}

// Start starts the scheduler in its own goroutine
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("status monitor started")
}

// Stop stops scheduling and waits for a running sweep
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("status monitor stopped")
}

func (m *Monitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if _, err := m.Sweep(ctx); err != nil {
		m.logger.Error("status sweep failed", zap.Error(err))
	}
}

// Sweep evaluates every active medicine once
func (m *Monitor) Sweep(ctx context.Context) (*Summary, error) {
	ctx, span := m.tracer.Start(ctx, "status_sweep")
	defer span.End()

	reports, err := m.source.StatusAll(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sum := &Summary{ByState: make(map[dosing.State]int, len(states)), Total: len(reports)}
	for _, r := range reports {
		sum.ByState[r.State]++
		if r.CourseFinished {
			sum.Finished++
		}
		if r.State == dosing.StateDue && r.Slot != nil {
			m.logger.Info("dose due",
				zap.String("medicine_id", r.MedicineID),
				zap.String("slot", r.Slot.String()),
				zap.Int("taken_today", r.TakenToday))
		}
	}

	if m.metrics != nil {
		for _, s := range states {
			m.metrics.MedicineStatus.WithLabelValues(string(s)).Set(float64(sum.ByState[s]))
		}
	}

	span.SetAttributes(attribute.Int("medicines", sum.Total))
	m.logger.Debug("status sweep complete",
		zap.Int("medicines", sum.Total),
		zap.Int("due", sum.ByState[dosing.StateDue]),
		zap.Int("course_finished", sum.Finished))
	return sum, nil
}
