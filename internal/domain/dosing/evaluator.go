package dosing

import (
	"math"
	"time"

	"github.com/drfirst/go-dose/internal/domain/schedule"
)

// State is the dose classification of a medicine at an instant
type State string

const (
	// StateDue means a dose time has arrived and is not yet taken
	StateDue State = "due"
	// StateAvailable means a dose may be taken early
	StateAvailable State = "available"
	// StateNext means the next dose is later today
	StateNext State = "next"
	// StateCompleted means all of today's doses are resolved
	StateCompleted State = "completed"
	// StateError means the schedule is missing or invalid
	StateError State = "error"
)

// Status is the evaluator's result. Only the fields relevant to State are set.
type Status struct {
	State State `json:"status"`
	// Slot is the dose time the state refers to
	Slot *schedule.TimeOfDay `json:"slot,omitempty"`
	// DoseAt is today's instant for Slot
	DoseAt *time.Time `json:"dose_at,omitempty"`
	// MinutesUntil is set for StateAvailable
	MinutesUntil int `json:"minutes_until,omitempty"`
	// SlotTaken reports whether Slot already has a taken event
	SlotTaken bool `json:"slot_taken,omitempty"`
	// TakenToday counts today's slots that have a taken event
	TakenToday int `json:"taken_today"`
	// Reason explains StateError
	Reason string `json:"reason,omitempty"`
}

// Evaluate classifies the medicine's next actionable dose at now.
// It is a pure function of its inputs and never consults course duration.
func Evaluate(doseTimes []schedule.TimeOfDay, taken []time.Time, now time.Time) Status {
	if len(doseTimes) == 0 {
		return Status{State: StateError, Reason: "no dose times"}
	}
	for _, t := range doseTimes {
		if !t.Valid() {
			return Status{State: StateError, Reason: "invalid dose time " + t.String()}
		}
	}

	slots := dedupe(schedule.Sort(doseTimes))
	doseAts := make([]time.Time, len(slots))
	for i, t := range slots {
		doseAts[i] = schedule.On(now, t)
	}

	satisfied := attribute(doseAts, schedule.ValidInstants(taken))
	takenToday := 0
	for _, ok := range satisfied {
		if ok {
			takenToday++
		}
	}

	for i, doseAt := range doseAts {
		slot := slots[i]
		at := doseAt
		alreadyTaken := satisfied[i]

		if schedule.InWindow(now, doseAt) && !alreadyTaken {
			if !now.Before(doseAt) {
				return Status{State: StateDue, Slot: &slot, DoseAt: &at, TakenToday: takenToday}
			}
			return Status{
				State:        StateAvailable,
				Slot:         &slot,
				DoseAt:       &at,
				MinutesUntil: minutesUntil(now, doseAt),
				TakenToday:   takenToday,
			}
		}
		if doseAt.After(now) {
			return Status{State: StateNext, Slot: &slot, DoseAt: &at, SlotTaken: alreadyTaken, TakenToday: takenToday}
		}
	}

	return Status{State: StateCompleted, TakenToday: takenToday}
}

// attribute assigns each taken event to at most one slot: the one with the
// nearest nominal time whose window contains it, the earlier slot on a tie.
func attribute(doseAts []time.Time, taken []time.Time) []bool {
	satisfied := make([]bool, len(doseAts))
	for _, ev := range taken {
		best := -1
		var bestDist time.Duration
		for i, doseAt := range doseAts {
			if !schedule.InWindow(ev, doseAt) {
				continue
			}
			dist := absDuration(ev.Sub(doseAt))
			if best == -1 || dist < bestDist {
				best, bestDist = i, dist
			}
		}
		if best >= 0 {
			satisfied[best] = true
		}
	}
	return satisfied
}

func dedupe(sorted []schedule.TimeOfDay) []schedule.TimeOfDay {
	out := sorted[:0:0]
	for i, t := range sorted {
		if i > 0 && t.MinuteOfDay() == sorted[i-1].MinuteOfDay() {
			continue
		}
		out = append(out, t)
	}
	return out
}

func minutesUntil(now, doseAt time.Time) int {
	return int(math.Ceil(doseAt.Sub(now).Seconds() / 60))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
