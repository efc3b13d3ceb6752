package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/medicine"
	"github.com/drfirst/go-dose/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dose/internal/observability/metrics"
	"github.com/drfirst/go-dose/pkg/idempotency"
	"github.com/drfirst/go-dose/pkg/workerpool"
)

const handlerName = "dose-recorder"

// Marker records a taken dose
type Marker interface {
	MarkTaken(ctx context.Context, id string, takenAt time.Time, commandID string) (*medicine.Record, error)
}

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Publisher sends a record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config holds recorder configuration
type Config struct {
	Pool            workerpool.Config
	DeadLetterTopic string
}

// DefaultConfig returns recorder defaults
func DefaultConfig() Config {
	return Config{
		Pool:            workerpool.DefaultConfig(),
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}
}

// Recorder handles dose commands. Commands that can never succeed go to the
// dead letter topic; everything else is left for redelivery.
type Recorder struct {
	marker  Marker
	inbox   Deduper
	dlq     Publisher
	config  Config
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Result is stored in the inbox for a recorded command
type Result struct {
	MedicineID string    `json:"medicine_id"`
	TakenAt    time.Time `json:"taken_at"`
	Version    int       `json:"version"`
}

// New creates a recorder
func New(marker Marker, inbox Deduper, dlq Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = redpanda.TopicDeadLetter
	}

	r := &Recorder{
		marker:  marker,
		inbox:   inbox,
		dlq:     dlq,
		config:  cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("dose-recorder"),
	}

	poolCfg := cfg.Pool
	poolCfg.Retryable = retryable
	pool, err := workerpool.New(poolCfg, r.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// retryable excludes errors that a retry cannot change
func retryable(err error) bool {
	return !idempotency.IsTerminal(err) &&
		!errors.Is(err, idempotency.ErrPreviouslyFailed) &&
		!errors.Is(err, idempotency.ErrDuplicateMessage)
}

// Start starts the worker pool
func (r *Recorder) Start() {
	r.pool.Start()
}

// Stop drains the worker pool
func (r *Recorder) Stop() error {
	return r.pool.Stop()
}

// Stats returns worker pool statistics
func (r *Recorder) Stats() workerpool.Stats {
	return r.pool.Stats()
}

// Healthy reports whether the worker pool is keeping up
func (r *Recorder) Healthy() bool {
	return r.pool.IsHealthy()
}

// Handle is the consumer callback for dose.commands
func (r *Recorder) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := r.tracer.Start(ctx, "handle_dose_command",
		trace.WithAttributes(attribute.Int64("offset", msg.Offset)))
	defer span.End()

	if r.metrics != nil {
		r.metrics.KafkaMessagesConsumed.Inc()
	}

	cmd, err := Decode(msg.Value)
	if err != nil {
		r.count("invalid")
		return r.deadLetter(ctx, msg, err)
	}
	span.SetAttributes(attribute.String("medicine_id", cmd.MedicineID))

	res, err := r.pool.SubmitWait(ctx, &workerpool.Task{ID: cmd.Key(), Payload: cmd, Context: ctx})
	if err != nil {
		return err
	}
	if res.Success {
		return nil
	}

	switch {
	case errors.Is(res.Error, idempotency.ErrPreviouslyFailed):
		// Dead-lettered on its first delivery
		r.count("duplicate")
		return nil
	case idempotency.IsTerminal(res.Error):
		r.count("rejected")
		return r.deadLetter(ctx, msg, res.Error)
	default:
		r.count("retry")
		span.RecordError(res.Error)
		return res.Error
	}
}

func (r *Recorder) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	cmd := task.Payload.(*DoseCommand)
	payload, err := json.Marshal(cmd)
	if err != nil {
		return &workerpool.Result{Error: idempotency.Terminal(err)}
	}

	res, err := r.inbox.Process(ctx, cmd.Key(), handlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		rec, err := r.marker.MarkTaken(medicine.WithCorrelationID(ctx, cmd.CommandID), cmd.MedicineID, cmd.TakenAt, cmd.CommandID)
		if errors.Is(err, medicine.ErrNotFound) || errors.Is(err, medicine.ErrDeleted) || errors.Is(err, medicine.ErrInvalidMedicine) {
			return nil, idempotency.Terminal(err)
		}
		if err != nil {
			return nil, err
		}

		takenAt := cmd.TakenAt
		if n := len(rec.TakenEvents); takenAt.IsZero() && n > 0 {
			takenAt = rec.TakenEvents[n-1]
		}
		return json.Marshal(Result{MedicineID: rec.ID, TakenAt: takenAt, Version: rec.Version})
	})
	if err != nil {
		return &workerpool.Result{Error: err}
	}

	if !res.IsNew && !res.WasRecovered {
		r.count("duplicate")
		r.logger.Debug("duplicate dose command ignored",
			zap.String("medicine_id", cmd.MedicineID),
			zap.String("command_id", cmd.CommandID))
	} else {
		r.count("recorded")
	}
	return &workerpool.Result{Success: true, Data: res.Result}
}

func (r *Recorder) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	letter, err := json.Marshal(deadLetter{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Value:         string(msg.Value),
		Error:         cause.Error(),
	})
	if err != nil {
		return err
	}

	r.logger.Warn("dose command dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	if err := r.dlq.Publish(ctx, r.config.DeadLetterTopic, string(msg.Key), letter); err != nil {
		return fmt.Errorf("dead letter publish: %w", err)
	}
	return nil
}

type deadLetter struct {
	OriginalTopic string `json:"original_topic"`
	Partition     int32  `json:"partition"`
	Offset        int64  `json:"offset"`
	Value         string `json:"value"`
	Error         string `json:"error"`
}

func (r *Recorder) count(outcome string) {
	if r.metrics != nil {
		r.metrics.DoseCommands.WithLabelValues(outcome).Inc()
	}
}
