package medicine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrConcurrentModification is returned when another writer saved the
// aggregate first
var ErrConcurrentModification = errors.New("medicine modified concurrently")

const uniqueViolation = "23505"

// Repository provides event sourcing persistence
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save persists new events for an aggregate. The (aggregate_id, version)
// key rejects a concurrent writer.
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, event := range agg.Changes() {
		event.Version = agg.Version() - len(agg.Changes()) + i + 1
		if err := r.insertEvent(ctx, tx, event); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s at version %d", ErrConcurrentModification, agg.ID(), event.Version)
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("medicine events saved",
		zap.String("medicine_id", agg.ID()),
		zap.Int("events", len(agg.Changes())),
		zap.Int("version", agg.Version()))

	agg.ClearChanges()
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO medicine_events
		(id, aggregate_id, event_type, event_data, version, timestamp, owner_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.OwnerID,
		event.CorrelationID,
	)
	return err
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return agg, nil
}

// GetEvents retrieves all events for an aggregate
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       owner_id, correlation_id
		FROM medicine_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.OwnerID, &e.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListActiveIDs returns every medicine without a deletion event
func (r *Repository) ListActiveIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT c.aggregate_id
		FROM medicine_events c
		WHERE c.event_type = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM medicine_events d
		      WHERE d.aggregate_id = c.aggregate_id AND d.event_type = $2
		  )
		ORDER BY c.timestamp ASC
	`
	return r.queryIDs(ctx, query, EventMedicineCreated, EventMedicineDeleted)
}

// ListByOwner returns the active medicines of one user
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	query := `
		SELECT c.aggregate_id
		FROM medicine_events c
		WHERE c.event_type = $1
		  AND c.owner_id = $3
		  AND NOT EXISTS (
		      SELECT 1 FROM medicine_events d
		      WHERE d.aggregate_id = c.aggregate_id AND d.event_type = $2
		  )
		ORDER BY c.timestamp ASC
	`
	return r.queryIDs(ctx, query, EventMedicineCreated, EventMedicineDeleted, ownerID)
}

func (r *Repository) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
