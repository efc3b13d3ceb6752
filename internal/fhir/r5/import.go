package r5

import (
	"errors"
	"fmt"
	"math"

	"github.com/drfirst/go-dose/internal/domain/schedule"
)

// ErrNotImportable is returned for a MedicationRequest that cannot become
// a reminder schedule
var ErrNotImportable = errors.New("medication request not importable")

// Prescription is the reminder-relevant content of a MedicationRequest
type Prescription struct {
	PatientID    string
	Name         string
	Dosage       string
	DoseTimes    []schedule.TimeOfDay
	DurationDays int
	Quantity     *int
}

// Extract reads a reminder schedule out of m. The request must be active,
// on hold or draft, must not be as-needed, and must carry explicit
// timeOfDay values and a temporal course length.
func Extract(m *MedicationRequest) (*Prescription, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: empty resource", ErrNotImportable)
	}
	if m.ResourceType != "" && m.ResourceType != "MedicationRequest" {
		return nil, fmt.Errorf("%w: resourceType %q", ErrNotImportable, m.ResourceType)
	}
	switch m.Status {
	case StatusActive, StatusOnHold, StatusDraft, "":
	default:
		return nil, fmt.Errorf("%w: status %q", ErrNotImportable, m.Status)
	}

	name := m.GetMedicationDisplay()
	if name == "" {
		return nil, fmt.Errorf("%w: medication has no display name", ErrNotImportable)
	}
	if d := m.PrimaryDosage(); d != nil && d.AsNeeded {
		return nil, fmt.Errorf("%w: as-needed dosage has no fixed times", ErrNotImportable)
	}

	times, err := schedule.ParseAll(m.GetTimesOfDay())
	if err != nil {
		return nil, err
	}
	if err := schedule.Validate(times); err != nil {
		return nil, err
	}

	days := m.GetCourseDays()
	if days == 0 {
		return nil, fmt.Errorf("%w: no boundsDuration or expectedSupplyDuration", schedule.ErrInvalidDuration)
	}
	if err := schedule.ValidateDuration(days); err != nil {
		return nil, err
	}

	p := &Prescription{
		PatientID:    m.GetPatientID(),
		Name:         name,
		Dosage:       m.GetDoseText(),
		DoseTimes:    schedule.Sort(times),
		DurationDays: days,
	}
	if qty, _ := m.GetQuantity(); qty > 0 {
		q := int(math.Floor(qty))
		p.Quantity = &q
	}
	return p, nil
}
