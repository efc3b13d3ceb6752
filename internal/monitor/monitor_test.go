package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/medicine"
	"github.com/drfirst/go-dose/internal/domain/schedule"
	"github.com/drfirst/go-dose/internal/observability/metrics"
)

type fakeSource struct {
	reports []medicine.StatusReport
	err     error
}

func (f *fakeSource) StatusAll(ctx context.Context) ([]medicine.StatusReport, error) {
	return f.reports, f.err
}

func report(id string, state dosing.State, finished bool) medicine.StatusReport {
	r := medicine.StatusReport{MedicineID: id, Status: dosing.Status{State: state}, CourseFinished: finished}
	if state == dosing.StateDue {
		slot := schedule.MustParse("08:00")
		r.Slot = &slot
	}
	return r
}

func gauge(t *testing.T, reg *prometheus.Registry, state string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "medicines_by_status" {
			continue
		}
		for _, m := range f.GetMetric() {
			if m.GetLabel()[0].GetValue() == state {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("no gauge for %s", state)
	return 0
}

func TestSweep(t *testing.T) {
	src := &fakeSource{reports: []medicine.StatusReport{
		report("a", dosing.StateDue, false),
		report("b", dosing.StateDue, false),
		report("c", dosing.StateCompleted, true),
		report("d", dosing.StateError, false),
	}}
	reg := prometheus.NewRegistry()
	mon, err := New(src, "@every 5m", metrics.NewWithRegistry(reg), nil)
	require.NoError(t, err)

	sum, err := mon.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.ByState[dosing.StateDue])
	assert.Equal(t, 1, sum.Finished)

	assert.Equal(t, float64(2), gauge(t, reg, "due"))
	assert.Equal(t, float64(0), gauge(t, reg, "next"))

	// A later sweep overwrites stale counts
	src.reports = src.reports[2:3]
	_, err = mon.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(0), gauge(t, reg, "due"))
	assert.Equal(t, float64(1), gauge(t, reg, "completed"))
}

func TestSweep_SourceError(t *testing.T) {
	mon, err := New(&fakeSource{err: errors.New("db down")}, "@every 1m", nil, nil)
	require.NoError(t, err)

	_, err = mon.Sweep(context.Background())
	assert.Error(t, err)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakeSource{}, "whenever", nil, nil)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	mon, err := New(&fakeSource{}, "*/5 * * * *", nil, nil)
	require.NoError(t, err)
	mon.Start()
	mon.Stop()
}
