package r5

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/drfirst/go-dose/internal/domain/schedule"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// Only the elements a reminder schedule is built from are modelled.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest carries the supplied quantity and how long it should last
type DispenseRequest struct {
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Text        string        `json:"text,omitempty"`
	Timing      *Timing       `json:"timing,omitempty"`
	AsNeeded    bool          `json:"asNeeded,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	DoseRange    *Range    `json:"doseRange,omitempty"`
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing wraps the repeat rule of a dosage
type Timing struct {
	Repeat *TimingRepeat `json:"repeat,omitempty"`
}

// TimingRepeat holds the clock times and the course bound. Frequency and
// period are kept for logging only; timeOfDay is what gets scheduled.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"`
	TimeOfDay      []string  `json:"timeOfDay,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	if m.Subject.Identifier != nil {
		return m.Subject.Identifier.Value
	}
	return ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Concept != nil {
		for _, c := range m.Medication.Concept.Coding {
			if c.Display != "" {
				return c.Display
			}
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetQuantity returns the dispense quantity.
func (m *MedicationRequest) GetQuantity() (value float64, unit string) {
	if m.DispenseRequest == nil || m.DispenseRequest.Quantity == nil {
		return 0, ""
	}
	return m.DispenseRequest.Quantity.Value, m.DispenseRequest.Quantity.Unit
}

// PrimaryDosage returns the first dosage instruction, or nil
func (m *MedicationRequest) PrimaryDosage() *Dosage {
	if len(m.DosageInstruction) == 0 {
		return nil
	}
	return &m.DosageInstruction[0]
}

// GetTimesOfDay returns the repeat timeOfDay values of the primary dosage
func (m *MedicationRequest) GetTimesOfDay() []string {
	d := m.PrimaryDosage()
	if d == nil || d.Timing == nil || d.Timing.Repeat == nil {
		return nil
	}
	return d.Timing.Repeat.TimeOfDay
}

// GetCourseDays returns the course length in whole days. The dosage
// bounds take precedence over the expected supply duration; zero means
// neither is present in a temporal unit.
func (m *MedicationRequest) GetCourseDays() int {
	if d := m.PrimaryDosage(); d != nil && d.Timing != nil && d.Timing.Repeat != nil {
		if days := DurationDays(d.Timing.Repeat.BoundsDuration); days > 0 {
			return days
		}
	}
	if m.DispenseRequest != nil {
		return DurationDays(m.DispenseRequest.ExpectedSupplyDuration)
	}
	return 0
}

// GetDoseText renders the dose of the primary dosage, e.g. "500 mg"
func (m *MedicationRequest) GetDoseText() string {
	d := m.PrimaryDosage()
	if d == nil {
		return ""
	}
	for _, dr := range d.DoseAndRate {
		if dr.DoseQuantity != nil {
			return formatQuantity(dr.DoseQuantity)
		}
		if dr.DoseRange != nil && dr.DoseRange.Low != nil && dr.DoseRange.High != nil {
			return formatValue(dr.DoseRange.Low.Value) + "-" + formatQuantity(dr.DoseRange.High)
		}
	}
	return ""
}

// GetSigText returns the rendered dosage instruction (sig).
func (m *MedicationRequest) GetSigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if d := m.PrimaryDosage(); d != nil {
		return d.Text
	}
	return ""
}

// DurationDays converts a temporal Duration to whole days, rounding up.
// Units follow UCUM: h, d, wk, mo, a. Anything longer than
// schedule.MaxDurationDays comes back as MaxDurationDays+1.
func DurationDays(d *Duration) int {
	if d == nil || d.Value <= 0 {
		return 0
	}
	unit := d.Code
	if unit == "" {
		unit = d.Unit
	}

	var days float64
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "h", "hour", "hours":
		days = d.Value / 24
	case "d", "day", "days", "":
		days = d.Value
	case "wk", "week", "weeks":
		days = d.Value * 7
	case "mo", "month", "months":
		days = d.Value * 30
	case "a", "year", "years":
		days = d.Value * 365
	default:
		return 0
	}
	// Oversized courses stay oversized without overflowing int
	if days > schedule.MaxDurationDays {
		return schedule.MaxDurationDays + 1
	}
	return int(math.Ceil(days))
}

func formatQuantity(q *Quantity) string {
	if q.Unit == "" {
		return formatValue(q.Value)
	}
	return formatValue(q.Value) + " " + q.Unit
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
