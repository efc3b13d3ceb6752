package dosing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-dose/internal/domain/schedule"
)

// PlannerConfig holds trigger planner configuration
type PlannerConfig struct {
	// Concurrency is the number of scheduler calls in flight. 1 schedules sequentially.
	Concurrency int
	// Title is the notification title
	Title string
}

// DefaultPlannerConfig returns sequential planning with the standard title
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Concurrency: 1,
		Title:       "Medicine reminder",
	}
}

// PlanRequest describes the medicine to plan reminders for
type PlanRequest struct {
	MedicineID   string
	Name         string
	Dosage       string
	DoseTimes    []schedule.TimeOfDay
	DurationDays int
	Now          time.Time
}

// Trigger is a scheduled reminder paired with its handle
type Trigger struct {
	Day    int
	Time   schedule.TimeOfDay
	At     time.Time
	Handle Handle
}

// Plan is the outcome of planning one medicine
type Plan struct {
	// Triggers lists the created triggers ordered by (day, time)
	Triggers []Trigger
	// Skipped counts slots already in the past
	Skipped int
	// Failed counts slots the scheduler rejected
	Failed int
}

// Handles returns the trigger handles in slot order
func (p *Plan) Handles() []Handle {
	out := make([]Handle, len(p.Triggers))
	for i, t := range p.Triggers {
		out[i] = t.Handle
	}
	return out
}

// CancelReport summarizes a bulk cancellation
type CancelReport struct {
	Cancelled int `json:"cancelled"`
	NotFound  int `json:"not_found"`
	Failed    int `json:"failed"`
	// Retained lists the handles whose cancellation failed. Their triggers
	// may still fire.
	Retained []Handle `json:"-"`
}

// Attempted returns the number of handles processed
func (r CancelReport) Attempted() int { return r.Cancelled + r.NotFound + r.Failed }

// Planner expands a daily dose schedule into notification triggers
type Planner struct {
	scheduler Scheduler
	config    PlannerConfig
	logger    *zap.Logger
}

// NewPlanner creates a planner backed by scheduler
func NewPlanner(scheduler Scheduler, cfg PlannerConfig, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Title == "" {
		cfg.Title = DefaultPlannerConfig().Title
	}
	return &Planner{scheduler: scheduler, config: cfg, logger: logger}
}

// ReminderBody is the notification text for a medicine
func ReminderBody(name, dosage string) string {
	if dosage == "" {
		return fmt.Sprintf("Time for %s", name)
	}
	return fmt.Sprintf("Time for %s (%s)", name, dosage)
}

// Slots returns every future (day, time) slot of the course, ordered.
// Slots before now are counted in skipped.
func Slots(doseTimes []schedule.TimeOfDay, durationDays int, now time.Time) (slots []Trigger, skipped int) {
	sorted := schedule.Sort(doseTimes)
	for d := 0; d < durationDays; d++ {
		day := schedule.AddDays(now, d)
		for _, t := range sorted {
			at := schedule.On(day, t)
			if at.Before(now) {
				skipped++
				continue
			}
			slots = append(slots, Trigger{Day: d, Time: t, At: at})
		}
	}
	return slots, skipped
}

// Plan creates one trigger per future slot. Individual scheduler failures
// are counted and never abort the plan.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	if err := schedule.Validate(req.DoseTimes); err != nil {
		return nil, err
	}
	if err := schedule.ValidateDuration(req.DurationDays); err != nil {
		return nil, err
	}

	slots, skipped := Slots(req.DoseTimes, req.DurationDays, req.Now)
	payload := Payload{
		MedicineID: req.MedicineID,
		Title:      p.config.Title,
		Body:       ReminderBody(req.Name, req.Dosage),
	}

	errs := make([]error, len(slots))
	if p.config.Concurrency == 1 || len(slots) < 2 {
		for i := range slots {
			slots[i].Handle, errs[i] = p.scheduler.Create(ctx, slots[i].At, payload)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.config.Concurrency)
		for i := range slots {
			i := i
			g.Go(func() error {
				slots[i].Handle, errs[i] = p.scheduler.Create(ctx, slots[i].At, payload)
				return nil
			})
		}
		_ = g.Wait()
	}

	plan := &Plan{Skipped: skipped, Triggers: make([]Trigger, 0, len(slots))}
	for i, slot := range slots {
		if errs[i] != nil {
			plan.Failed++
			p.logger.Warn("reminder trigger not scheduled",
				zap.String("medicine_id", req.MedicineID),
				zap.Time("trigger_at", slot.At),
				zap.Error(errs[i]))
			continue
		}
		plan.Triggers = append(plan.Triggers, slot)
	}

	p.logger.Debug("reminders planned",
		zap.String("medicine_id", req.MedicineID),
		zap.Int("scheduled", len(plan.Triggers)),
		zap.Int("skipped", plan.Skipped),
		zap.Int("failed", plan.Failed))

	return plan, nil
}

// Cancel requests cancellation of every handle. Unknown or already fired
// handles are ignored; other failures are counted and the batch continues.
func (p *Planner) Cancel(ctx context.Context, handles []Handle) CancelReport {
	var report CancelReport
	for _, h := range handles {
		err := p.scheduler.Cancel(ctx, h)
		switch {
		case err == nil:
			report.Cancelled++
		case errors.Is(err, ErrHandleNotFound):
			report.NotFound++
		default:
			report.Failed++
			report.Retained = append(report.Retained, h)
			p.logger.Warn("reminder cancel failed",
				zap.String("handle", string(h)),
				zap.Error(err))
		}
	}
	return report
}
