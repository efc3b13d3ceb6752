package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/dosing"
)

// Trigger row states
const (
	TriggerScheduled = "scheduled"
	TriggerFired     = "fired"
	TriggerCancelled = "cancelled"
)

// Outbox event types written by the trigger store
const (
	EventReminderScheduled = "ReminderScheduled"
	EventReminderDue       = "ReminderDue"
	EventReminderCancelled = "ReminderCancelled"
)

// medicineDeletedEvent is the medicine event type that orphans its triggers
const medicineDeletedEvent = "MedicineDeleted"

const (
	// orphanedTriggersQuery cancels due triggers whose medicine is deleted
	orphanedTriggersQuery = `
		UPDATE reminder_triggers
		SET status = $1, updated_at = NOW()
		WHERE handle IN (
			SELECT t.handle FROM reminder_triggers t
			WHERE t.status = $2 AND t.fire_at <= $3
			AND EXISTS (
				SELECT 1 FROM medicine_events e
				WHERE e.aggregate_id = t.medicine_id AND e.event_type = $5
			)
			ORDER BY t.fire_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING handle, medicine_id, fire_at`

	dueTriggersQuery = `
		UPDATE reminder_triggers
		SET status = $1, updated_at = NOW()
		WHERE handle IN (
			SELECT t.handle FROM reminder_triggers t
			WHERE t.status = $2 AND t.fire_at <= $3
			AND NOT EXISTS (
				SELECT 1 FROM medicine_events e
				WHERE e.aggregate_id = t.medicine_id AND e.event_type = $5
			)
			ORDER BY t.fire_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING handle, medicine_id, fire_at, title, body`
)

// TriggerTopics names the topics trigger events are relayed to
type TriggerTopics struct {
	Triggers      string
	Cancellations string
}

// DefaultTriggerTopics returns the standard topic names
func DefaultTriggerTopics() TriggerTopics {
	return TriggerTopics{
		Triggers:      "reminder.triggers",
		Cancellations: "reminder.cancellations",
	}
}

// TriggerMessage is the outbox payload for every trigger event
type TriggerMessage struct {
	Handle     string    `json:"handle"`
	MedicineID string    `json:"medicine_id"`
	FireAt     time.Time `json:"fire_at"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body,omitempty"`
}

func newTriggerEntry(eventType, topic string, msg TriggerMessage) (*OutboxEntry, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode trigger message: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   msg.MedicineID,
		AggregateType: "ReminderTrigger",
		EventType:     eventType,
		Payload:       payload,
		KafkaTopic:    topic,
		// Keyed by medicine so one medicine's events stay ordered
		KafkaKey: msg.MedicineID,
	}, nil
}

// TriggerStore is the notification scheduler backed by the
// reminder_triggers table. Every state change writes its outbox entry in
// the same transaction.
type TriggerStore struct {
	pool   *pgxpool.Pool
	topics TriggerTopics
	logger *zap.Logger
	tracer trace.Tracer
}

// NewTriggerStore creates a trigger store
func NewTriggerStore(pool *pgxpool.Pool, topics TriggerTopics, logger *zap.Logger) *TriggerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerStore{
		pool:   pool,
		topics: topics,
		logger: logger,
		tracer: otel.Tracer("trigger-store"),
	}
}

var _ dosing.Scheduler = (*TriggerStore)(nil)

// Create implements dosing.Scheduler
func (s *TriggerStore) Create(ctx context.Context, at time.Time, payload dosing.Payload) (dosing.Handle, error) {
	ctx, span := s.tracer.Start(ctx, "trigger_create",
		trace.WithAttributes(attribute.String("medicine_id", payload.MedicineID)))
	defer span.End()

	msg := TriggerMessage{
		Handle:     uuid.New().String(),
		MedicineID: payload.MedicineID,
		FireAt:     at.UTC(),
		Title:      payload.Title,
		Body:       payload.Body,
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reminder_triggers (handle, medicine_id, fire_at, title, body, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.Handle, msg.MedicineID, msg.FireAt, msg.Title, msg.Body, TriggerScheduled)
		if err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
		entry, err := newTriggerEntry(EventReminderScheduled, s.topics.Triggers, msg)
		if err != nil {
			return err
		}
		return WriteEntry(ctx, tx, entry)
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return dosing.Handle(msg.Handle), nil
}

// Cancel implements dosing.Scheduler. Fired, cancelled and unknown handles
// yield dosing.ErrHandleNotFound.
func (s *TriggerStore) Cancel(ctx context.Context, handle dosing.Handle) error {
	ctx, span := s.tracer.Start(ctx, "trigger_cancel",
		trace.WithAttributes(attribute.String("handle", string(handle))))
	defer span.End()

	if _, err := uuid.Parse(string(handle)); err != nil {
		return dosing.ErrHandleNotFound
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var msg TriggerMessage
		err := tx.QueryRow(ctx, `
			UPDATE reminder_triggers
			SET status = $2, updated_at = NOW()
			WHERE handle = $1 AND status = $3
			RETURNING handle, medicine_id, fire_at
		`, string(handle), TriggerCancelled, TriggerScheduled).Scan(&msg.Handle, &msg.MedicineID, &msg.FireAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return dosing.ErrHandleNotFound
		}
		if err != nil {
			return fmt.Errorf("cancel trigger: %w", err)
		}
		entry, err := newTriggerEntry(EventReminderCancelled, s.topics.Cancellations, msg)
		if err != nil {
			return err
		}
		return WriteEntry(ctx, tx, entry)
	})
	if err != nil && !errors.Is(err, dosing.ErrHandleNotFound) {
		span.RecordError(err)
	}
	return err
}

// FireDue marks up to limit scheduled triggers with fire_at <= now as fired
// and queues a ReminderDue event for each. Due triggers of a deleted
// medicine are cancelled instead. It returns the number fired.
func (s *TriggerStore) FireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "trigger_fire_due")
	defer span.End()

	fired, dropped := 0, 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		orphans, err := collectTriggers(ctx, tx, orphanedTriggersQuery, false,
			TriggerCancelled, TriggerScheduled, now.UTC(), limit, medicineDeletedEvent)
		if err != nil {
			return fmt.Errorf("drop orphaned triggers: %w", err)
		}
		due, err := collectTriggers(ctx, tx, dueTriggersQuery, true,
			TriggerFired, TriggerScheduled, now.UTC(), limit, medicineDeletedEvent)
		if err != nil {
			return fmt.Errorf("select due triggers: %w", err)
		}

		for _, msg := range orphans {
			entry, err := newTriggerEntry(EventReminderCancelled, s.topics.Cancellations, msg)
			if err != nil {
				return err
			}
			if err := WriteEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		for _, msg := range due {
			entry, err := newTriggerEntry(EventReminderDue, s.topics.Triggers, msg)
			if err != nil {
				return err
			}
			if err := WriteEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		fired, dropped = len(due), len(orphans)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("fired", fired), attribute.Int("dropped", dropped))
	if fired > 0 {
		s.logger.Debug("reminder triggers fired", zap.Int("count", fired))
	}
	if dropped > 0 {
		s.logger.Warn("triggers of deleted medicines cancelled", zap.Int("count", dropped))
	}
	return fired, nil
}

func collectTriggers(ctx context.Context, tx pgx.Tx, query string, withText bool, args ...interface{}) ([]TriggerMessage, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TriggerMessage
	for rows.Next() {
		var msg TriggerMessage
		dest := []interface{}{&msg.Handle, &msg.MedicineID, &msg.FireAt}
		if withText {
			dest = append(dest, &msg.Title, &msg.Body)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Dispatcher periodically fires due triggers
type Dispatcher struct {
	store    *TriggerStore
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger

	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher polling every interval
func NewDispatcher(store *TriggerStore, interval time.Duration, batch int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins firing due triggers
func (d *Dispatcher) Start() {
	d.started = true
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				// Drain a backlog before waiting for the next tick
				for {
					n, err := d.store.FireDue(d.ctx, d.now(), d.batch)
					if err != nil {
						d.logger.Error("fire due triggers failed", zap.Error(err))
						break
					}
					if n < d.batch {
						break
					}
				}
			}
		}
	}()
	d.logger.Info("trigger dispatcher started", zap.Duration("interval", d.interval))
}

// Stop stops the dispatcher and waits for the loop to exit
func (d *Dispatcher) Stop() {
	d.cancel()
	if d.started {
		<-d.done
	}
	d.logger.Info("trigger dispatcher stopped")
}
