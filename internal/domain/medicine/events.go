// Package medicine implements the medicine aggregate and its domain events.
package medicine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-dose/internal/domain/schedule"
)

// EventType represents the type of domain event
type EventType string

const (
	EventMedicineCreated    EventType = "MedicineCreated"
	EventRemindersScheduled EventType = "RemindersScheduled"
	EventDoseTaken          EventType = "DoseTaken"
	EventRemindersCancelled EventType = "RemindersCancelled"
	EventMedicineDeleted    EventType = "MedicineDeleted"
)

// AggregateType is stored with every medicine event
const AggregateType = "Medicine"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	OwnerID       string          `json:"owner_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event stamped at the given instant
func NewEvent(aggregateID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// Source records how a medicine entered the system
type Source string

const (
	SourceManual Source = "manual"
	SourceFHIR   Source = "fhir"
	SourceImport Source = "import"
)

// CreatedData contains medicine creation details
type CreatedData struct {
	MedicineID   string               `json:"medicine_id"`
	OwnerID      string               `json:"owner_id"`
	Name         string               `json:"name"`
	Dosage       string               `json:"dosage,omitempty"`
	DoseTimes    []schedule.TimeOfDay `json:"dose_times"`
	DurationDays int                  `json:"duration_days"`
	Quantity     *int                 `json:"quantity,omitempty"`
	Source       Source               `json:"source"`
	// Location is the IANA zone the dose times are read in
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RemindersScheduledData replaces the notification handle list
type RemindersScheduledData struct {
	Handles   []string  `json:"handles"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	PlannedAt time.Time `json:"planned_at"`
}

// DoseTakenData appends one taken instant
type DoseTakenData struct {
	TakenAt   time.Time `json:"taken_at"`
	CommandID string    `json:"command_id,omitempty"`
}

// RemindersCancelledData records a bulk cancellation
type RemindersCancelledData struct {
	Handles   []string `json:"handles"`
	Cancelled int      `json:"cancelled"`
	NotFound  int      `json:"not_found"`
	Failed    int      `json:"failed"`
	// Retained handles failed to cancel and remain live
	Retained []string `json:"retained,omitempty"`
}

// DeletedData marks the medicine removed
type DeletedData struct {
	DeletedAt time.Time `json:"deleted_at"`
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
