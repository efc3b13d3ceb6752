// Package postgres holds the reminder trigger store and the transactional
// outbox that carries trigger events to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// outboxLockID is the advisory lock that elects one relay per database
const outboxLockID int64 = 0x646f7365

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, created_at, retry_count, last_error`

// OutboxEntry is one queued broker message
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig tunes the relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries failed publishes move an entry to DeadLetterTopic
	MaxRetries      int
	DeadLetterTopic string
	// Retention is how long published entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns the relay defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		Retention:       72 * time.Hour,
	}
}

// OutboxPublisher sends one message to the broker
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox rows to the broker. Only the instance
// holding the advisory lock publishes, so several relays can run.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts entry inside tx, the transaction that changes the
// trigger row it describes
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.KafkaTopic, entry.KafkaKey).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop ends polling and waits for the current batch
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) loop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.relay()
		}
	}
}

func (o *Outbox) relay() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_relay")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Error("outbox acquire failed", zap.Error(err))
		return
	}
	defer conn.Release()

	// Advisory locks are per session, so lock and unlock on the same conn
	var leader bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&leader); err != nil || !leader {
		return
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", outboxLockID)

	rows, err := conn.Query(ctx, `SELECT `+entryColumns+` FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id ASC LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		o.logger.Error("outbox fetch failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	entries, err := scanEntries(rows)
	if err != nil {
		o.logger.Error("outbox fetch failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}

	res := publishInOrder(ctx, entries, func(ctx context.Context, e *OutboxEntry) error {
		return o.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload)
	})
	span.SetAttributes(
		attribute.Int("batch", len(entries)),
		attribute.Int("published", len(res.Published)),
		attribute.Int("failed", len(res.Failed)),
		attribute.Int("held", res.Held))

	if len(res.Published) > 0 {
		if _, err := conn.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW()
			WHERE id = ANY($1)`, res.Published); err != nil {
			// Entries go out again on the next poll; consumers dedupe by handle
			o.logger.Error("marking outbox entries published failed", zap.Error(err))
			span.RecordError(err)
		}
	}
	for id, pubErr := range res.Failed {
		if _, err := conn.Exec(ctx, `UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, pubErr.Error(), id); err != nil {
			o.logger.Error("recording outbox failure failed", zap.Int64("id", id), zap.Error(err))
		}
		o.logger.Warn("outbox publish failed", zap.Int64("id", id), zap.Error(pubErr))
	}
}

// relayResult is the outcome of one batch
type relayResult struct {
	Published []int64
	Failed    map[int64]error
	// Held counts entries skipped because an earlier entry with the same
	// key failed in this batch
	Held int
}

// publishInOrder publishes entries in id order. After a failure, later
// entries sharing its key are held back so a medicine's cancellation never
// overtakes the scheduling it undoes.
func publishInOrder(ctx context.Context, entries []*OutboxEntry, publish func(context.Context, *OutboxEntry) error) relayResult {
	res := relayResult{Failed: make(map[int64]error)}
	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.KafkaKey] {
			res.Held++
			continue
		}
		if err := publish(ctx, e); err != nil {
			res.Failed[e.ID] = err
			blocked[e.KafkaKey] = true
			continue
		}
		res.Published = append(res.Published, e.ID)
	}
	return res
}

func scanEntries(rows pgx.Rows) ([]*OutboxEntry, error) {
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupProcessed deletes published entries older than Retention
func (o *Outbox) CleanupProcessed(ctx context.Context) (int64, error) {
	tag, err := o.pool.Exec(ctx, `DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)`,
		o.config.Retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetter is the envelope published for an entry that exhausted retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewDeadLetter wraps entry for the dead letter topic
func NewDeadLetter(entry *OutboxEntry) DeadLetter {
	return DeadLetter{
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		LastError:     entry.LastError,
		CreatedAt:     entry.CreatedAt,
	}
}

// MoveToDeadLetter publishes entries that reached MaxRetries to the dead
// letter topic and marks them processed. It returns how many moved.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := o.pool.Query(ctx, `SELECT `+entryColumns+` FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id ASC LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dead letter fetch: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, e := range entries {
		body, err := json.Marshal(NewDeadLetter(e))
		if err != nil {
			continue
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.KafkaKey, body); err != nil {
			o.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			o.logger.Error("marking dead letter failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// OutboxStats summarizes the outbox table
type OutboxStats struct {
	Pending       int64
	Processed     int64 // in the last 24h
	Failed        int64 // waiting to be dead-lettered
	OldestPending *time.Time
}

// GetStats reads the outbox counters
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
