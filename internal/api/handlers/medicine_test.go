package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/medicine"
	"github.com/drfirst/go-dose/internal/domain/schedule"
)

type fakeService struct {
	created   []medicine.CreateInput
	taken     []time.Time
	commandID string
	err       error
}

func (f *fakeService) Create(ctx context.Context, in medicine.CreateInput) (*medicine.CreateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(in.DoseTimes) == 0 {
		return nil, fmt.Errorf("%w: no dose times", schedule.ErrInvalidSchedule)
	}
	f.created = append(f.created, in)
	return &medicine.CreateResult{
		Medicine: medicine.Record{ID: "med-1", OwnerID: in.OwnerID, Name: in.Name, DoseTimes: in.DoseTimes},
		Plan:     medicine.PlanSummary{Scheduled: len(in.DoseTimes) * in.DurationDays},
	}, nil
}

func (f *fakeService) Get(ctx context.Context, id string) (*medicine.Record, error) {
	if id != "med-1" {
		return nil, fmt.Errorf("%w: %s", medicine.ErrNotFound, id)
	}
	return &medicine.Record{ID: id, Name: "Amoxicillin"}, nil
}

func (f *fakeService) ListByOwner(ctx context.Context, ownerID string) ([]medicine.Record, error) {
	return []medicine.Record{{ID: "med-1", OwnerID: ownerID}}, nil
}

func (f *fakeService) Events(ctx context.Context, id string) ([]*medicine.Event, error) {
	return []*medicine.Event{{AggregateID: id, EventType: medicine.EventMedicineCreated, Version: 1}}, nil
}

func (f *fakeService) MarkTaken(ctx context.Context, id string, takenAt time.Time, commandID string) (*medicine.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.taken = append(f.taken, takenAt)
	f.commandID = commandID
	return &medicine.Record{ID: id, TakenEvents: []time.Time{takenAt}}, nil
}

func (f *fakeService) Status(ctx context.Context, id string) (*medicine.StatusReport, error) {
	return &medicine.StatusReport{
		MedicineID: id,
		Status:     dosing.Status{State: dosing.StateNext, MinutesUntil: 30},
	}, nil
}

func (f *fakeService) Delete(ctx context.Context, id string) (*dosing.CancelReport, error) {
	if id != "med-1" {
		return nil, fmt.Errorf("%w: %s", medicine.ErrNotFound, id)
	}
	return &dosing.CancelReport{Cancelled: 14, NotFound: 1}, nil
}

func (f *fakeService) Reschedule(ctx context.Context, id string) (*medicine.RescheduleResult, error) {
	return &medicine.RescheduleResult{Medicine: medicine.Record{ID: id}}, nil
}

func newServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Mount("/api/v1/medicines", NewMedicineHandler(svc, nil).Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreate(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/medicines/",
		`{"owner_id":"u1","name":"Amoxicillin","dosage":"500 mg","dose_times":["08:00","20:00"],"duration_days":7}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(14), body["plan"].(map[string]interface{})["scheduled"])

	require.Len(t, svc.created, 1)
	assert.Equal(t, medicine.SourceManual, svc.created[0].Source)
	assert.Equal(t, "20:00", svc.created[0].DoseTimes[1].String())
}

func TestCreate_ValidationErrors(t *testing.T) {
	srv := newServer(t, &fakeService{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/medicines/", `{"name":"x","dose_times":["25:00"],"duration_days":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid request body")

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/medicines/", `{"name":"x","duration_days":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid dose schedule")
}

func TestStorageErrorIsOpaque(t *testing.T) {
	srv := newServer(t, &fakeService{err: errors.New("pool closed: 10.0.0.3:5432")})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/medicines/", `{"name":"x","dose_times":["08:00"],"duration_days":1}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", body["error"])
}

func TestGet_NotFound(t *testing.T) {
	srv := newServer(t, &fakeService{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/medicines/med-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/medicines/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "medicine not found")
}

func TestList_RequiresOwner(t *testing.T) {
	srv := newServer(t, &fakeService{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/medicines/", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/medicines/?owner=u1", nil)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r.Body.Close()
	var list []medicine.Record
	require.NoError(t, json.NewDecoder(r.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "u1", list[0].OwnerID)
}

func TestStatus(t *testing.T) {
	srv := newServer(t, &fakeService{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/medicines/med-1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "next", body["status"])
	assert.Equal(t, "med-1", body["medicine_id"])
}

func TestTaken(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/medicines/med-1/taken", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, svc.taken[0].IsZero())

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/medicines/med-1/taken", `{"taken_at":1792051500000,"command_id":"c-9"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, time.Date(2026, 10, 15, 8, 5, 0, 0, time.UTC), svc.taken[1])
	assert.Equal(t, "c-9", svc.commandID)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/medicines/med-1/taken", `{"taken_at":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImport_NormalizesTimestamps(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/medicines/import", `{
		"owner_id": "u1",
		"name": "Ibuprofen",
		"dose_times": ["09:00"],
		"duration_days": 5,
		"created_at": {"_seconds": 1791964800, "_nanoseconds": 0},
		"taken_events": ["2026-10-14T09:02:00Z", 1792051500000, {"seconds": 1792051500}, "garbage", null]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(2), body["dropped_taken_events"])

	require.Len(t, svc.created, 1)
	in := svc.created[0]
	assert.Equal(t, medicine.SourceImport, in.Source)
	assert.Equal(t, time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC), in.CreatedAt)
	assert.Len(t, in.TakenEvents, 3)
}

func TestCreateFromFHIR(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/medicines/fhir?location=Europe/Berlin", `{
		"resourceType": "MedicationRequest",
		"status": "active",
		"intent": "order",
		"subject": {"reference": "Patient/p-42"},
		"medication": {"concept": {"text": "Amoxicillin 500 mg capsule"}},
		"dosageInstruction": [{
			"timing": {"repeat": {"timeOfDay": ["08:00:00", "20:00:00"], "boundsDuration": {"value": 1, "unit": "wk"}}}
		}]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Len(t, svc.created, 1)
	in := svc.created[0]
	assert.Equal(t, "p-42", in.OwnerID)
	assert.Equal(t, 7, in.DurationDays)
	assert.Equal(t, "Europe/Berlin", in.Location)
	assert.Equal(t, medicine.SourceFHIR, in.Source)
}

func TestCreateFromFHIR_OperationOutcome(t *testing.T) {
	srv := newServer(t, &fakeService{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/medicines/fhir", `{
		"resourceType": "MedicationRequest",
		"status": "completed",
		"medication": {"concept": {"text": "Amoxicillin"}}
	}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "application/fhir+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "OperationOutcome", body["resourceType"])
}

func TestDelete(t *testing.T) {
	srv := newServer(t, &fakeService{})

	resp, body := do(t, http.MethodDelete, srv.URL+"/api/v1/medicines/med-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := body["cancelled"].(map[string]interface{})
	assert.Equal(t, float64(14), cancelled["cancelled"])
	assert.Equal(t, float64(1), cancelled["not_found"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/medicines/other", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("save: %w", medicine.ErrConcurrentModification)))
	assert.Equal(t, http.StatusNotFound, statusFor(medicine.ErrDeleted))
	assert.Equal(t, http.StatusBadRequest, statusFor(schedule.ErrInvalidDuration))
}
