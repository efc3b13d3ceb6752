package medicine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/schedule"
)

// journal records the order of side effects across fakes
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) index(s string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e == s {
			return i
		}
	}
	return -1
}

// memStore keeps event streams in memory and replays them like the
// postgres repository does
type memStore struct {
	mu      sync.Mutex
	streams map[string][]*Event
	order   []string
	saves   int
	failAt  int
	journal *journal
}

func newMemStore(j *journal) *memStore {
	return &memStore{streams: make(map[string][]*Event), journal: j}
}

func (m *memStore) Save(ctx context.Context, agg *Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failAt > 0 && m.saves == m.failAt {
		return errors.New("connection reset")
	}
	if _, ok := m.streams[agg.ID()]; !ok {
		m.order = append(m.order, agg.ID())
	}
	for i, e := range agg.Changes() {
		e.Version = agg.Version() - len(agg.Changes()) + i + 1
		m.streams[agg.ID()] = append(m.streams[agg.ID()], e)
		if m.journal != nil {
			m.journal.add(string(e.EventType))
		}
	}
	agg.ClearChanges()
	return nil
}

func (m *memStore) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, _ := m.GetEvents(ctx, id)
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

func (m *memStore) GetEvents(ctx context.Context, id string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.streams[id]...), nil
}

func (m *memStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	return m.list(func(*Event) bool { return true }), nil
}

func (m *memStore) ListByOwner(ctx context.Context, ownerID string) ([]string, error) {
	return m.list(func(e *Event) bool { return e.OwnerID == ownerID }), nil
}

func (m *memStore) list(match func(*Event) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.order {
		stream := m.streams[id]
		if !match(stream[0]) {
			continue
		}
		deleted := false
		for _, e := range stream {
			if e.EventType == EventMedicineDeleted {
				deleted = true
			}
		}
		if !deleted {
			ids = append(ids, id)
		}
	}
	return ids
}

type stubScheduler struct {
	mu         sync.Mutex
	seq        int
	live       map[dosing.Handle]time.Time
	cancelErr  error
	failCancel map[dosing.Handle]bool
	journal    *journal
}

func newStubScheduler(j *journal) *stubScheduler {
	return &stubScheduler{live: make(map[dosing.Handle]time.Time), journal: j}
}

func (s *stubScheduler) Create(ctx context.Context, at time.Time, p dosing.Payload) (dosing.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	h := dosing.Handle(fmt.Sprintf("n-%d", s.seq))
	s.live[h] = at
	return h, nil
}

func (s *stubScheduler) Cancel(ctx context.Context, h dosing.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		s.journal.add("cancel")
	}
	if s.cancelErr != nil {
		return s.cancelErr
	}
	if s.failCancel[h] {
		return errors.New("backend timeout")
	}
	if _, ok := s.live[h]; !ok {
		return dosing.ErrHandleNotFound
	}
	delete(s.live, h)
	return nil
}

func (s *stubScheduler) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

type fixture struct {
	store *memStore
	sched *stubScheduler
	clock *mutableClock
	svc   *Service
	log   *journal
}

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newFixture(now time.Time) *fixture {
	j := &journal{}
	f := &fixture{
		store: newMemStore(j),
		sched: newStubScheduler(j),
		clock: &mutableClock{now: now},
		log:   j,
	}
	planner := dosing.NewPlanner(f.sched, dosing.DefaultPlannerConfig(), zap.NewNop())
	f.svc = NewService(f.store, planner, f.clock, nil, zap.NewNop())
	return f
}

func input(days int, doses ...string) CreateInput {
	times := make([]schedule.TimeOfDay, len(doses))
	for i, d := range doses {
		times[i] = schedule.MustParse(d)
	}
	return CreateInput{
		OwnerID:      "user-1",
		Name:         "Amoxicillin",
		Dosage:       "500mg",
		DoseTimes:    times,
		DurationDays: days,
		Quantity:     intPtr(10),
	}
}

func TestService_CreatePlansAndStoresHandles(t *testing.T) {
	f := newFixture(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	ctx := WithCorrelationID(context.Background(), "req-1")

	res, err := f.svc.Create(ctx, input(2, "08:00", "20:00"))
	require.NoError(t, err)

	assert.Equal(t, PlanSummary{Scheduled: 3, Skipped: 1}, res.Plan)
	assert.Len(t, res.Medicine.NotificationHandles, 3)
	assert.Equal(t, 3, f.sched.liveCount())

	stored, err := f.svc.Get(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Medicine.NotificationHandles, stored.NotificationHandles)

	events, err := f.svc.Events(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventMedicineCreated, events[0].EventType)
	assert.Equal(t, EventRemindersScheduled, events[1].EventType)
	assert.Equal(t, "req-1", events[1].CorrelationID)
}

func TestService_CreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(created)

	_, err := f.svc.Create(context.Background(), input(1))
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	_, err = f.svc.Create(context.Background(), input(1, "08:00", "08:00"))
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	assert.Empty(t, f.store.order)
	assert.Equal(t, 0, f.sched.liveCount())
}

func TestService_CreateCancelsTriggersWhenHandlesNotStored(t *testing.T) {
	f := newFixture(created)
	f.store.failAt = 2

	res, err := f.svc.Create(context.Background(), input(3, "08:00"))
	require.NoError(t, err)
	assert.Equal(t, 0, f.sched.liveCount())
	assert.Equal(t, PlanSummary{Failed: 3}, res.Plan)
	assert.Empty(t, res.Medicine.NotificationHandles)

	// The medicine was stored once and is returned, so a retry is not needed
	require.Len(t, f.store.order, 1)
	assert.Equal(t, f.store.order[0], res.Medicine.ID)
	stored, err := f.svc.Get(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.NotificationHandles)
}

func TestService_MarkTakenAndStatus(t *testing.T) {
	f := newFixture(time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC))
	res, err := f.svc.Create(context.Background(), input(5, "09:00", "21:00"))
	require.NoError(t, err)
	id := res.Medicine.ID

	st, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dosing.StateAvailable, st.State)
	assert.Equal(t, 30, st.MinutesUntil)
	assert.Equal(t, 10, *st.Remaining)
	assert.False(t, st.CourseFinished)
	assert.Equal(t, "2026-10-19", st.CourseEnds)

	f.clock.Set(time.Date(2026, 10, 15, 9, 10, 0, 0, time.UTC))
	rec, err := f.svc.MarkTaken(context.Background(), id, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, rec.TakenEvents, 1)

	st, err = f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dosing.StateNext, st.State)
	assert.Equal(t, "21:00", st.Slot.String())
	assert.Equal(t, 1, st.TakenToday)
	assert.Equal(t, 9, *st.Remaining)
}

func TestService_UnknownMedicine(t *testing.T) {
	f := newFixture(created)

	_, err := f.svc.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.MarkTaken(context.Background(), "nope", created, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Events(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_DeleteCancelsBeforeRemoving(t *testing.T) {
	f := newFixture(created)
	res, err := f.svc.Create(context.Background(), input(3, "08:00", "20:00"))
	require.NoError(t, err)
	require.Len(t, res.Medicine.NotificationHandles, 6)

	report, err := f.svc.Delete(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Cancelled)
	assert.Equal(t, 0, f.sched.liveCount())

	cancelAt := f.log.index("cancel")
	deletedAt := f.log.index(string(EventMedicineDeleted))
	require.GreaterOrEqual(t, cancelAt, 0)
	assert.Less(t, cancelAt, deletedAt)

	_, err = f.svc.Get(context.Background(), res.Medicine.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Delete(context.Background(), res.Medicine.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := f.svc.Events(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Equal(t, EventMedicineDeleted, events[len(events)-1].EventType)
	assert.Equal(t, EventRemindersCancelled, events[len(events)-2].EventType)
}

func TestService_DeleteSucceedsWhenCancellationFails(t *testing.T) {
	f := newFixture(created)
	res, err := f.svc.Create(context.Background(), input(2, "08:00"))
	require.NoError(t, err)

	f.sched.cancelErr = errors.New("backend down")
	report, err := f.svc.Delete(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.Attempted())

	// Handles that could not be cancelled stay on the deleted medicine
	events, err := f.svc.Events(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	agg := NewAggregate(res.Medicine.ID)
	require.NoError(t, agg.LoadFromHistory(events))
	assert.True(t, agg.Deleted())
	assert.ElementsMatch(t, res.Medicine.NotificationHandles, handleStrings(agg.Handles()))
}

func TestService_RescheduleKeepsHandlesThatFailedToCancel(t *testing.T) {
	f := newFixture(created)
	res, err := f.svc.Create(context.Background(), input(2, "08:00"))
	require.NoError(t, err)
	require.Len(t, res.Medicine.NotificationHandles, 2)
	stuck := dosing.Handle(res.Medicine.NotificationHandles[0])
	f.sched.failCancel = map[dosing.Handle]bool{stuck: true}

	out, err := f.svc.Reschedule(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Cancelled.Failed)
	assert.Equal(t, 1, out.Cancelled.Cancelled)
	assert.Contains(t, out.Medicine.NotificationHandles, string(stuck))
	assert.Len(t, out.Medicine.NotificationHandles, 1+out.Plan.Scheduled)

	// A later delete retries the stuck handle
	delete(f.sched.failCancel, stuck)
	report, err := f.svc.Delete(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, f.sched.liveCount())
}

func handleStrings(hs []dosing.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = string(h)
	}
	return out
}

func TestService_RescheduleReplacesHandles(t *testing.T) {
	f := newFixture(created)
	res, err := f.svc.Create(context.Background(), input(3, "08:00", "20:00"))
	require.NoError(t, err)
	old := res.Medicine.NotificationHandles

	// Third and last course day, after the morning dose
	f.clock.Set(time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))
	out, err := f.svc.Reschedule(context.Background(), res.Medicine.ID)
	require.NoError(t, err)

	assert.Equal(t, 6, out.Cancelled.Cancelled)
	assert.Equal(t, PlanSummary{Scheduled: 1, Skipped: 1}, out.Plan)
	require.Len(t, out.Medicine.NotificationHandles, 1)
	assert.NotContains(t, old, out.Medicine.NotificationHandles[0])
	assert.Equal(t, 1, f.sched.liveCount())
}

func TestService_ImportFinishedCourseReportsFlag(t *testing.T) {
	f := newFixture(time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC))

	in := input(3, "09:00")
	in.Source = SourceImport
	in.CreatedAt = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	in.TakenEvents = []time.Time{{}, time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}

	res, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, PlanSummary{}, res.Plan)
	assert.Len(t, res.Medicine.TakenEvents, 1)
	assert.Equal(t, SourceImport, res.Medicine.Source)

	st, err := f.svc.Status(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.True(t, st.CourseFinished)
	assert.Equal(t, dosing.StateDue, st.State, "course end does not override the evaluator")
}

func TestService_StatusAllSkipsDeleted(t *testing.T) {
	f := newFixture(created)
	a, err := f.svc.Create(context.Background(), input(2, "08:00"))
	require.NoError(t, err)
	b, err := f.svc.Create(context.Background(), input(2, "09:00"))
	require.NoError(t, err)
	_, err = f.svc.Delete(context.Background(), a.Medicine.ID)
	require.NoError(t, err)

	all, err := f.svc.StatusAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.Medicine.ID, all[0].MedicineID)

	owned, err := f.svc.ListByOwner(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, b.Medicine.ID, owned[0].ID)
}

func TestService_EvaluatesInMedicineLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	// 12:30 UTC is 08:30 in New York
	f := newFixture(time.Date(2026, 10, 15, 12, 30, 0, 0, time.UTC))

	in := input(1, "09:00")
	in.Location = loc.String()
	res, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Plan.Scheduled)

	st, err := f.svc.Status(context.Background(), res.Medicine.ID)
	require.NoError(t, err)
	assert.Equal(t, dosing.StateAvailable, st.State)
	assert.Equal(t, 30, st.MinutesUntil)
}
