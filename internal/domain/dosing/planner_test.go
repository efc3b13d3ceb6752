package dosing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/schedule"
	"github.com/drfirst/go-dose/pkg/circuitbreaker"
)

// fakeScheduler records triggers in memory and can fail selected instants
type fakeScheduler struct {
	mu        sync.Mutex
	seq       int
	triggers  map[Handle]time.Time
	payloads  []Payload
	failAt    map[time.Time]bool
	failAll   bool
	cancelErr map[Handle]error
	cancelled []Handle
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		triggers:  make(map[Handle]time.Time),
		failAt:    make(map[time.Time]bool),
		cancelErr: make(map[Handle]error),
	}
}

func (f *fakeScheduler) Create(ctx context.Context, at time.Time, payload Payload) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failAt[at] {
		return "", errors.New("scheduler unavailable")
	}
	f.seq++
	h := Handle(fmt.Sprintf("h-%s", at.Format(time.RFC3339)))
	f.triggers[h] = at
	f.payloads = append(f.payloads, payload)
	return h, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.cancelErr[h]; ok {
		return err
	}
	if _, ok := f.triggers[h]; !ok {
		return ErrHandleNotFound
	}
	delete(f.triggers, h)
	f.cancelled = append(f.cancelled, h)
	return nil
}

func planRequest(now time.Time, days int, doses ...string) PlanRequest {
	return PlanRequest{
		MedicineID:   "med-1",
		Name:         "Amoxicillin",
		Dosage:       "500mg",
		DoseTimes:    times(doses...),
		DurationDays: days,
		Now:          now,
	}
}

func TestPlan_SkipsTodaysPastSlots(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, DefaultPlannerConfig(), zap.NewNop())

	plan, err := p.Plan(context.Background(), planRequest(at(21, 0), 3, "08:00", "20:00"))
	require.NoError(t, err)

	assert.Equal(t, 2, plan.Skipped)
	assert.Equal(t, 0, plan.Failed)
	require.Len(t, plan.Triggers, 4)

	want := []time.Time{
		time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC),
	}
	for i, trig := range plan.Triggers {
		assert.Equal(t, want[i], trig.At)
		assert.Equal(t, want[i], sched.triggers[trig.Handle], "handle paired with its slot")
	}
	assert.Len(t, plan.Handles(), 4)
}

func TestPlan_SingleDayAllPastYieldsNothing(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, DefaultPlannerConfig(), nil)

	plan, err := p.Plan(context.Background(), planRequest(at(21, 0), 1, "08:00", "20:00"))
	require.NoError(t, err)

	assert.Empty(t, plan.Triggers)
	assert.Empty(t, plan.Handles())
	assert.Equal(t, 0, plan.Failed)
	assert.Empty(t, sched.triggers)
}

func TestPlan_SlotAtNowIsScheduled(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, DefaultPlannerConfig(), nil)

	plan, err := p.Plan(context.Background(), planRequest(at(8, 0), 1, "08:00"))
	require.NoError(t, err)
	assert.Len(t, plan.Triggers, 1)
}

func TestPlan_PartialFailureContinues(t *testing.T) {
	sched := newFakeScheduler()
	sched.failAt[time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)] = true
	p := NewPlanner(sched, DefaultPlannerConfig(), nil)

	plan, err := p.Plan(context.Background(), planRequest(at(21, 0), 3, "08:00", "20:00"))
	require.NoError(t, err)

	assert.Equal(t, 1, plan.Failed)
	assert.Len(t, plan.Triggers, 3)
}

func TestPlan_PayloadNamesMedicine(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, DefaultPlannerConfig(), nil)

	_, err := p.Plan(context.Background(), planRequest(at(7, 0), 1, "08:00"))
	require.NoError(t, err)

	require.Len(t, sched.payloads, 1)
	assert.Equal(t, "med-1", sched.payloads[0].MedicineID)
	assert.Equal(t, "Time for Amoxicillin (500mg)", sched.payloads[0].Body)
	assert.Equal(t, "Time for Ibuprofen", ReminderBody("Ibuprofen", ""))
}

func TestPlan_RejectsInvalidInput(t *testing.T) {
	p := NewPlanner(newFakeScheduler(), DefaultPlannerConfig(), nil)

	_, err := p.Plan(context.Background(), planRequest(at(7, 0), 1))
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	_, err = p.Plan(context.Background(), planRequest(at(7, 0), 0, "08:00"))
	assert.ErrorIs(t, err, schedule.ErrInvalidDuration)
}

func TestPlan_OversizedCourseCreatesNothing(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, DefaultPlannerConfig(), nil)

	_, err := p.Plan(context.Background(),
		planRequest(at(7, 0), 200000, "08:00", "11:00", "14:00", "17:00", "20:00"))
	assert.ErrorIs(t, err, schedule.ErrInvalidDuration)
	assert.Zero(t, sched.seq)

	plan, err := p.Plan(context.Background(), planRequest(at(7, 0), schedule.MaxDurationDays, "08:00"))
	require.NoError(t, err)
	assert.Len(t, plan.Triggers, schedule.MaxDurationDays)
}

func TestPlan_ConcurrentKeepsSlotPairing(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, PlannerConfig{Concurrency: 4}, nil)

	plan, err := p.Plan(context.Background(), planRequest(at(0, 30), 10, "06:00", "10:00", "14:00", "18:00", "22:00"))
	require.NoError(t, err)
	require.Len(t, plan.Triggers, 50)

	assert.True(t, sort.SliceIsSorted(plan.Triggers, func(i, j int) bool {
		return plan.Triggers[i].At.Before(plan.Triggers[j].At)
	}))
	for _, trig := range plan.Triggers {
		assert.Equal(t, trig.At, sched.triggers[trig.Handle])
	}
}

func TestPlan_CalendarDaysAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	// Clocks go back on 2026-10-25 in Berlin.
	now := time.Date(2026, 10, 24, 7, 0, 0, 0, loc)
	p := NewPlanner(newFakeScheduler(), DefaultPlannerConfig(), nil)

	plan, err := p.Plan(context.Background(), planRequest(now, 3, "08:00"))
	require.NoError(t, err)
	require.Len(t, plan.Triggers, 3)

	for i, trig := range plan.Triggers {
		assert.Equal(t, 8, trig.At.Hour())
		assert.Equal(t, 24+i, trig.At.Day())
	}
	assert.Equal(t, 25*time.Hour, plan.Triggers[1].At.Sub(plan.Triggers[0].At))
}

func TestCancel_ToleratesUnknownHandles(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, DefaultPlannerConfig(), nil)

	plan, err := p.Plan(context.Background(), planRequest(at(7, 0), 2, "08:00", "20:00"))
	require.NoError(t, err)
	require.Len(t, plan.Triggers, 4)

	handles := append([]Handle{"does-not-exist"}, plan.Handles()...)
	report := p.Cancel(context.Background(), handles)

	assert.Equal(t, 4, report.Cancelled)
	assert.Equal(t, 1, report.NotFound)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 5, report.Attempted())
	assert.Empty(t, sched.triggers)
}

func TestCancel_FailureDoesNotStopBatch(t *testing.T) {
	sched := newFakeScheduler()
	p := NewPlanner(sched, DefaultPlannerConfig(), nil)

	plan, err := p.Plan(context.Background(), planRequest(at(7, 0), 1, "08:00", "12:00", "20:00"))
	require.NoError(t, err)
	handles := plan.Handles()
	sched.cancelErr[handles[0]] = errors.New("backend timeout")

	report := p.Cancel(context.Background(), handles)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Cancelled)
	assert.Equal(t, []Handle{handles[0]}, report.Retained)
}

func TestBreakerScheduler_OpensAfterFailures(t *testing.T) {
	sched := newFakeScheduler()
	sched.failAll = true

	cfg := circuitbreaker.DefaultConfig("notification-scheduler")
	cfg.FailureThreshold = 2
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	p := NewPlanner(NewBreakerScheduler(sched, cb), DefaultPlannerConfig(), nil)
	plan, err := p.Plan(context.Background(), planRequest(at(7, 0), 2, "08:00", "20:00"))
	require.NoError(t, err)

	assert.Equal(t, 4, plan.Failed)
	assert.True(t, cb.IsOpen())
}

func TestBreakerScheduler_NotFoundPassesThrough(t *testing.T) {
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("notification-scheduler"), nil)
	require.NoError(t, err)
	s := NewBreakerScheduler(newFakeScheduler(), cb)

	err = s.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrHandleNotFound)
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}
