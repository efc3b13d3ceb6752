package medicine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/schedule"
	"github.com/drfirst/go-dose/internal/observability/metrics"
)

// saveAttempts bounds retries after ErrConcurrentModification
const saveAttempts = 3

// Store is the event store the service persists through
type Store interface {
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
	GetEvents(ctx context.Context, id string) ([]*Event, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
	ListByOwner(ctx context.Context, ownerID string) ([]string, error)
}

type correlationKey struct{}

// WithCorrelationID tags events written under ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Service coordinates the aggregate, the reminder planner and the evaluator
type Service struct {
	store   Store
	planner *dosing.Planner
	clock   schedule.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewService creates a medicine service. A nil clock reads the system clock
// in local time; nil metrics register on a private registry.
func NewService(store Store, planner *dosing.Planner, clock schedule.Clock, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = schedule.SystemClock{}
	}
	if m == nil {
		m = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	return &Service{
		store:   store,
		planner: planner,
		clock:   clock,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("medicine-service"),
	}
}

// CreateInput describes a new medicine
type CreateInput struct {
	OwnerID      string
	Name         string
	Dosage       string
	DoseTimes    []schedule.TimeOfDay
	DurationDays int
	Quantity     *int
	Location     string
	Source       Source
	// CreatedAt backdates an imported course; zero means now
	CreatedAt time.Time
	// TakenEvents carries history of an imported course
	TakenEvents []time.Time
}

// PlanSummary counts the outcome of a planning run
type PlanSummary struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// CreateResult is returned by Create
type CreateResult struct {
	Medicine Record      `json:"medicine"`
	Plan     PlanSummary `json:"plan"`
}

// RescheduleResult is returned by Reschedule
type RescheduleResult struct {
	Medicine  Record              `json:"medicine"`
	Cancelled dosing.CancelReport `json:"cancelled"`
	Plan      PlanSummary         `json:"plan"`
}

// StatusReport is the evaluator result with course display fields
type StatusReport struct {
	MedicineID string `json:"medicine_id"`
	Name       string `json:"name"`
	dosing.Status
	// Remaining is quantity minus taken events, floored at zero
	Remaining *int `json:"remaining,omitempty"`
	// CourseFinished is true once the course's last calendar day has passed.
	// It does not change the evaluator status.
	CourseFinished bool      `json:"course_finished"`
	CourseEnds     string    `json:"course_ends"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Create validates and persists a medicine, then plans its reminders
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "create_medicine")
	defer span.End()

	now := s.clock.Now()
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	agg := NewAggregate(uuid.New().String())
	span.SetAttributes(attribute.String("medicine_id", agg.ID()))

	err := agg.Create(&CreatedData{
		OwnerID:      in.OwnerID,
		Name:         in.Name,
		Dosage:       in.Dosage,
		DoseTimes:    in.DoseTimes,
		DurationDays: in.DurationDays,
		Quantity:     in.Quantity,
		Source:       in.Source,
		Location:     in.Location,
		CreatedAt:    createdAt.UTC(),
	})
	if err != nil {
		return nil, err
	}
	for _, at := range schedule.ValidInstants(in.TakenEvents) {
		if err := agg.MarkTaken(at, ""); err != nil {
			return nil, err
		}
	}
	if err := s.save(ctx, agg); err != nil {
		return nil, err
	}
	s.metrics.MedicinesCreated.Inc()
	stored := agg.Snapshot()

	summary, err := s.plan(ctx, agg, now)
	if errors.Is(err, errHandlesNotStored) {
		// The medicine exists; a client retry must not create it again
		span.RecordError(err)
		return &CreateResult{Medicine: stored, Plan: summary}, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("medicine created",
		zap.String("medicine_id", agg.ID()),
		zap.String("owner_id", in.OwnerID),
		zap.String("source", string(agg.source)),
		zap.Int("scheduled", summary.Scheduled),
		zap.Int("failed", summary.Failed))

	return &CreateResult{Medicine: agg.Snapshot(), Plan: summary}, nil
}

// errHandlesNotStored means the plan's triggers were created but could not
// be recorded on the medicine, so they were cancelled again
var errHandlesNotStored = errors.New("reminder handles not stored")

// plan creates triggers for the remaining course days and records their
// handles. If the handles cannot be stored the new triggers are cancelled
// and every slot is reported failed along with errHandlesNotStored.
func (s *Service) plan(ctx context.Context, agg *Aggregate, now time.Time) (PlanSummary, error) {
	local := s.localNow(agg, now)
	days := schedule.RemainingDays(agg.CreatedAt(), agg.DurationDays(), local)

	plan := &dosing.Plan{}
	if days > 0 {
		start := time.Now()
		var err error
		plan, err = s.planner.Plan(ctx, dosing.PlanRequest{
			MedicineID:   agg.ID(),
			Name:         agg.Name(),
			Dosage:       agg.Dosage(),
			DoseTimes:    agg.DoseTimes(),
			DurationDays: days,
			Now:          local,
		})
		s.metrics.PlanningDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return PlanSummary{}, fmt.Errorf("plan reminders: %w", err)
		}
	}

	s.metrics.TriggersSkipped.Add(float64(plan.Skipped))

	if err := agg.ScheduleReminders(plan, now); err != nil {
		return PlanSummary{}, err
	}
	if err := s.save(ctx, agg); err != nil {
		report := s.planner.Cancel(ctx, plan.Handles())
		s.metrics.TriggersFailed.Add(float64(plan.Failed + len(plan.Triggers)))
		s.logger.Error("reminder handles not stored, triggers cancelled",
			zap.String("medicine_id", agg.ID()),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("cancel_failed", report.Failed),
			zap.Error(err))
		return PlanSummary{Skipped: plan.Skipped, Failed: plan.Failed + len(plan.Triggers)},
			fmt.Errorf("%w: %v", errHandlesNotStored, err)
	}

	s.metrics.TriggersScheduled.Add(float64(len(plan.Triggers)))
	s.metrics.TriggersFailed.Add(float64(plan.Failed))
	return PlanSummary{Scheduled: len(plan.Triggers), Skipped: plan.Skipped, Failed: plan.Failed}, nil
}

// Get returns the current record of a medicine
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := agg.Snapshot()
	return &rec, nil
}

// ListByOwner returns the active medicines of a user
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	ids, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		agg, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, agg.Snapshot())
	}
	return out, nil
}

// Events returns the raw event history of a medicine, deleted ones included
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return events, nil
}

// MarkTaken appends a taken event. A zero takenAt means now.
func (s *Service) MarkTaken(ctx context.Context, id string, takenAt time.Time, commandID string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "mark_taken", trace.WithAttributes(attribute.String("medicine_id", id)))
	defer span.End()

	if takenAt.IsZero() {
		takenAt = s.clock.Now()
	}

	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		agg, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := agg.MarkTaken(takenAt, commandID); err != nil {
			return nil, err
		}
		lastErr = s.save(ctx, agg)
		if lastErr == nil {
			s.metrics.DosesTaken.Inc()
			s.logger.Info("dose taken",
				zap.String("medicine_id", id),
				zap.Time("taken_at", takenAt),
				zap.String("command_id", commandID))
			rec := agg.Snapshot()
			return &rec, nil
		}
		if !errors.Is(lastErr, ErrConcurrentModification) {
			return nil, lastErr
		}
	}
	span.RecordError(lastErr)
	return nil, lastErr
}

// Status evaluates the medicine at the current instant
func (s *Service) Status(ctx context.Context, id string) (*StatusReport, error) {
	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.evaluate(agg, s.clock.Now()), nil
}

func (s *Service) evaluate(agg *Aggregate, now time.Time) *StatusReport {
	local := s.localNow(agg, now)
	rec := agg.Snapshot()
	status := dosing.Evaluate(agg.DoseTimes(), agg.TakenEvents(), local)
	if status.State == dosing.StateError {
		s.logger.Warn("medicine schedule unusable",
			zap.String("medicine_id", agg.ID()),
			zap.String("reason", status.Reason))
	}

	createdLocal := agg.CreatedAt().In(local.Location())
	lastDay := schedule.AddDays(schedule.StartOfDay(createdLocal), agg.DurationDays()-1)

	return &StatusReport{
		MedicineID:     agg.ID(),
		Name:           agg.Name(),
		Status:         status,
		Remaining:      rec.Remaining(),
		CourseFinished: schedule.RemainingDays(agg.CreatedAt(), agg.DurationDays(), local) == 0,
		CourseEnds:     lastDay.Format("2006-01-02"),
		EvaluatedAt:    local,
	}
}

// StatusAll evaluates every active medicine. Medicines that fail to load
// are logged and left out.
func (s *Service) StatusAll(ctx context.Context) ([]StatusReport, error) {
	ids, err := s.store.ListActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active medicines: %w", err)
	}

	now := s.clock.Now()
	out := make([]StatusReport, 0, len(ids))
	for _, id := range ids {
		agg, err := s.load(ctx, id)
		if err != nil {
			s.logger.Warn("medicine skipped in sweep", zap.String("medicine_id", id), zap.Error(err))
			continue
		}
		out = append(out, *s.evaluate(agg, now))
	}
	return out, nil
}

// Delete cancels every reminder, then removes the medicine. Handles that
// failed to cancel stay recorded; the trigger dispatcher drops their
// triggers once the medicine is deleted.
func (s *Service) Delete(ctx context.Context, id string) (*dosing.CancelReport, error) {
	ctx, span := s.tracer.Start(ctx, "delete_medicine", trace.WithAttributes(attribute.String("medicine_id", id)))
	defer span.End()

	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	report := s.cancel(ctx, agg, now)
	if err := agg.Delete(now); err != nil {
		return nil, err
	}
	if err := s.save(ctx, agg); err != nil {
		return nil, err
	}
	s.metrics.MedicinesDeleted.Inc()

	s.logger.Info("medicine deleted",
		zap.String("medicine_id", id),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("not_found", report.NotFound),
		zap.Int("cancel_failed", report.Failed))

	return &report, nil
}

// Reschedule cancels the current reminders and plans the remaining course again
func (s *Service) Reschedule(ctx context.Context, id string) (*RescheduleResult, error) {
	ctx, span := s.tracer.Start(ctx, "reschedule_medicine", trace.WithAttributes(attribute.String("medicine_id", id)))
	defer span.End()

	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	report := s.cancel(ctx, agg, now)
	summary, err := s.plan(ctx, agg, now)
	if err != nil {
		return nil, err
	}

	return &RescheduleResult{Medicine: agg.Snapshot(), Cancelled: report, Plan: summary}, nil
}

// cancel attempts every handle and records the outcome on agg
func (s *Service) cancel(ctx context.Context, agg *Aggregate, now time.Time) dosing.CancelReport {
	handles := agg.Handles()
	report := s.planner.Cancel(ctx, handles)

	s.metrics.TriggersCancelled.WithLabelValues("cancelled").Add(float64(report.Cancelled))
	s.metrics.TriggersCancelled.WithLabelValues("not_found").Add(float64(report.NotFound))
	s.metrics.TriggersCancelled.WithLabelValues("failed").Add(float64(report.Failed))

	if len(handles) > 0 {
		if err := agg.CancelReminders(handles, report, now); err != nil {
			s.logger.Warn("cancellation not recorded", zap.String("medicine_id", agg.ID()), zap.Error(err))
		}
	}
	return report
}

func (s *Service) load(ctx context.Context, id string) (*Aggregate, error) {
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !agg.Created() || agg.Deleted() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return agg, nil
}

func (s *Service) save(ctx context.Context, agg *Aggregate) error {
	if cid := correlationID(ctx); cid != "" {
		for _, e := range agg.Changes() {
			e.WithCorrelation(cid)
		}
	}
	if err := s.store.Save(ctx, agg); err != nil {
		return fmt.Errorf("save medicine %s: %w", agg.ID(), err)
	}
	return nil
}

func (s *Service) localNow(agg *Aggregate, now time.Time) time.Time {
	if loc := agg.Location(); loc != nil {
		return now.In(loc)
	}
	return now
}
