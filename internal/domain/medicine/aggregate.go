package medicine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/schedule"
)

var (
	// ErrNotFound is returned for unknown or deleted medicines
	ErrNotFound = errors.New("medicine not found")
	// ErrDeleted is returned when mutating a deleted medicine
	ErrDeleted = errors.New("medicine deleted")
	// ErrInvalidMedicine is returned for creation data that fails validation
	ErrInvalidMedicine = errors.New("invalid medicine")
)

// Aggregate represents the medicine aggregate root
type Aggregate struct {
	id           string
	version      int
	created      bool
	deleted      bool
	ownerID      string
	name         string
	dosage       string
	doseTimes    []schedule.TimeOfDay
	durationDays int
	quantity     *int
	source       Source
	location     string
	handles      []dosing.Handle
	taken        []time.Time
	createdAt    time.Time
	updatedAt    time.Time
	changes      []*Event
}

// NewAggregate creates an empty medicine aggregate
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		id:      id,
		changes: make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Deleted reports whether the medicine has been deleted
func (a *Aggregate) Deleted() bool { return a.deleted }

// Created reports whether a creation event has been applied
func (a *Aggregate) Created() bool { return a.created }

// OwnerID returns the owning user
func (a *Aggregate) OwnerID() string { return a.ownerID }

// Name returns the display label
func (a *Aggregate) Name() string { return a.name }

// Dosage returns the dosage text
func (a *Aggregate) Dosage() string { return a.dosage }

// DoseTimes returns the schedule sorted by minute of day
func (a *Aggregate) DoseTimes() []schedule.TimeOfDay { return schedule.Sort(a.doseTimes) }

// DurationDays returns the course length
func (a *Aggregate) DurationDays() int { return a.durationDays }

// Location returns the zone dose times are read in; nil means the caller's
func (a *Aggregate) Location() *time.Location {
	if a.location == "" {
		return nil
	}
	loc, err := time.LoadLocation(a.location)
	if err != nil {
		return nil
	}
	return loc
}

// Handles returns the notification handles of the live plan
func (a *Aggregate) Handles() []dosing.Handle {
	return append([]dosing.Handle(nil), a.handles...)
}

// TakenEvents returns the taken instants in recording order
func (a *Aggregate) TakenEvents() []time.Time {
	return append([]time.Time(nil), a.taken...)
}

// CreatedAt returns the creation instant
func (a *Aggregate) CreatedAt() time.Time { return a.createdAt }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Validate checks creation data
func (d *CreatedData) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMedicine)
	}
	if err := schedule.Validate(d.DoseTimes); err != nil {
		return err
	}
	if err := schedule.ValidateDuration(d.DurationDays); err != nil {
		return err
	}
	if d.Quantity != nil && *d.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidMedicine)
	}
	if d.Location != "" {
		if _, err := time.LoadLocation(d.Location); err != nil {
			return fmt.Errorf("%w: unknown location %q", ErrInvalidMedicine, d.Location)
		}
	}
	return nil
}

// Create initializes the medicine
func (a *Aggregate) Create(data *CreatedData) error {
	if a.created {
		return errors.New("medicine already created")
	}
	if err := data.Validate(); err != nil {
		return err
	}
	data.MedicineID = a.id
	data.DoseTimes = schedule.Sort(data.DoseTimes)
	if data.Source == "" {
		data.Source = SourceManual
	}
	return a.record(EventMedicineCreated, data, data.CreatedAt)
}

// ScheduleReminders sets the handle list to the plan's handles plus any
// handle a previous cancellation could not remove
func (a *Aggregate) ScheduleReminders(plan *dosing.Plan, at time.Time) error {
	if err := a.mutable(); err != nil {
		return err
	}
	handles := append(a.Handles(), plan.Handles()...)
	data := &RemindersScheduledData{
		Handles:   make([]string, len(handles)),
		Skipped:   plan.Skipped,
		Failed:    plan.Failed,
		PlannedAt: at.UTC(),
	}
	for i, h := range handles {
		data.Handles[i] = string(h)
	}
	return a.record(EventRemindersScheduled, data, at)
}

// MarkTaken appends a taken event
func (a *Aggregate) MarkTaken(takenAt time.Time, commandID string) error {
	if err := a.mutable(); err != nil {
		return err
	}
	if takenAt.IsZero() {
		return fmt.Errorf("%w: taken instant is zero", ErrInvalidMedicine)
	}
	data := &DoseTakenData{TakenAt: takenAt.UTC(), CommandID: commandID}
	return a.record(EventDoseTaken, data, takenAt)
}

// CancelReminders records a cancellation of handles. Handles the report
// retains stay on the list.
func (a *Aggregate) CancelReminders(handles []dosing.Handle, report dosing.CancelReport, at time.Time) error {
	if err := a.mutable(); err != nil {
		return err
	}
	data := &RemindersCancelledData{
		Handles:   make([]string, len(handles)),
		Cancelled: report.Cancelled,
		NotFound:  report.NotFound,
		Failed:    report.Failed,
	}
	for i, h := range handles {
		data.Handles[i] = string(h)
	}
	for _, h := range report.Retained {
		data.Retained = append(data.Retained, string(h))
	}
	return a.record(EventRemindersCancelled, data, at)
}

// Delete marks the medicine removed
func (a *Aggregate) Delete(at time.Time) error {
	if err := a.mutable(); err != nil {
		return err
	}
	return a.record(EventMedicineDeleted, &DeletedData{DeletedAt: at.UTC()}, at)
}

func (a *Aggregate) mutable() error {
	if !a.created {
		return ErrNotFound
	}
	if a.deleted {
		return ErrDeleted
	}
	return nil
}

func (a *Aggregate) record(eventType EventType, data interface{}, at time.Time) error {
	event, err := NewEvent(a.id, eventType, data, at)
	if err != nil {
		return err
	}
	event.OwnerID = a.ownerID
	if created, ok := data.(*CreatedData); ok {
		event.OwnerID = created.OwnerID
	}
	if err := a.apply(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventMedicineCreated:
		var data CreatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.created = true
		a.ownerID = data.OwnerID
		a.name = data.Name
		a.dosage = data.Dosage
		a.doseTimes = data.DoseTimes
		a.durationDays = data.DurationDays
		a.quantity = data.Quantity
		a.source = data.Source
		a.location = data.Location
		a.createdAt = data.CreatedAt
	case EventRemindersScheduled:
		var data RemindersScheduledData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.handles = make([]dosing.Handle, len(data.Handles))
		for i, h := range data.Handles {
			a.handles[i] = dosing.Handle(h)
		}
	case EventDoseTaken:
		var data DoseTakenData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.taken = append(a.taken, data.TakenAt)
	case EventRemindersCancelled:
		var data RemindersCancelledData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.handles = nil
		for _, h := range data.Retained {
			a.handles = append(a.handles, dosing.Handle(h))
		}
	case EventMedicineDeleted:
		a.deleted = true
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}

	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return fmt.Errorf("replay version %d: %w", event.Version, err)
		}
	}
	return nil
}

// Record is the read model of a medicine
type Record struct {
	ID                  string               `json:"id"`
	OwnerID             string               `json:"owner_id"`
	Name                string               `json:"name"`
	Dosage              string               `json:"dosage,omitempty"`
	DoseTimes           []schedule.TimeOfDay `json:"dose_times"`
	DurationDays        int                  `json:"duration_days"`
	Quantity            *int                 `json:"quantity,omitempty"`
	Source              Source               `json:"source"`
	Location            string               `json:"location,omitempty"`
	TakenEvents         []time.Time          `json:"taken_events"`
	NotificationHandles []string             `json:"notification_handles"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	Version             int                  `json:"version"`
}

// Remaining returns the prescribed doses not yet taken, or nil without a quantity
func (r *Record) Remaining() *int {
	if r.Quantity == nil {
		return nil
	}
	left := *r.Quantity - len(r.TakenEvents)
	if left < 0 {
		left = 0
	}
	return &left
}

// Snapshot returns the read model of the current state
func (a *Aggregate) Snapshot() Record {
	rec := Record{
		ID:                  a.id,
		OwnerID:             a.ownerID,
		Name:                a.name,
		Dosage:              a.dosage,
		DoseTimes:           a.DoseTimes(),
		DurationDays:        a.durationDays,
		Source:              a.source,
		Location:            a.location,
		TakenEvents:         a.TakenEvents(),
		NotificationHandles: make([]string, len(a.handles)),
		CreatedAt:           a.createdAt,
		UpdatedAt:           a.updatedAt,
		Version:             a.version,
	}
	if a.quantity != nil {
		q := *a.quantity
		rec.Quantity = &q
	}
	if rec.TakenEvents == nil {
		rec.TakenEvents = []time.Time{}
	}
	for i, h := range a.handles {
		rec.NotificationHandles[i] = string(h)
	}
	return rec
}
