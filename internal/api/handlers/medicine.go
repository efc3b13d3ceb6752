// Package handlers provides HTTP handlers for the medicine API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/api/middleware"
	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/medicine"
	"github.com/drfirst/go-dose/internal/domain/schedule"
	fhir "github.com/drfirst/go-dose/internal/fhir/r5"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// MedicineService is the part of the medicine service the API exposes
type MedicineService interface {
	Create(ctx context.Context, in medicine.CreateInput) (*medicine.CreateResult, error)
	Get(ctx context.Context, id string) (*medicine.Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]medicine.Record, error)
	Events(ctx context.Context, id string) ([]*medicine.Event, error)
	MarkTaken(ctx context.Context, id string, takenAt time.Time, commandID string) (*medicine.Record, error)
	Status(ctx context.Context, id string) (*medicine.StatusReport, error)
	Delete(ctx context.Context, id string) (*dosing.CancelReport, error)
	Reschedule(ctx context.Context, id string) (*medicine.RescheduleResult, error)
}

// MedicineHandler handles medicine endpoints
type MedicineHandler struct {
	service MedicineService
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewMedicineHandler creates a new handler
func NewMedicineHandler(service MedicineService, logger *zap.Logger) *MedicineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicineHandler{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("medicine-handler"),
	}
}

// Routes returns the handler routes
func (h *MedicineHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/fhir", h.CreateFromFHIR)
	r.Post("/import", h.Import)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Get("/status", h.Status)
		r.Get("/events", h.Events)
		r.Post("/taken", h.Taken)
		r.Post("/reschedule", h.Reschedule)
	})
	return r
}

// CreateRequest is the body of POST /medicines
type CreateRequest struct {
	OwnerID      string               `json:"owner_id"`
	Name         string               `json:"name"`
	Dosage       string               `json:"dosage"`
	DoseTimes    []schedule.TimeOfDay `json:"dose_times"`
	DurationDays int                  `json:"duration_days"`
	Quantity     *int                 `json:"quantity,omitempty"`
	Location     string               `json:"location,omitempty"`
}

// Create handles POST /medicines
func (h *MedicineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Create(h.correlated(r), medicine.CreateInput{
		OwnerID:      h.owner(r, req.OwnerID),
		Name:         req.Name,
		Dosage:       req.Dosage,
		DoseTimes:    req.DoseTimes,
		DurationDays: req.DurationDays,
		Quantity:     req.Quantity,
		Location:     req.Location,
		Source:       medicine.SourceManual,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, res)
}

// List handles GET /medicines?owner=
func (h *MedicineHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := h.owner(r, r.URL.Query().Get("owner"))
	if owner == "" {
		h.jsonError(w, "owner is required", http.StatusBadRequest)
		return
	}
	records, err := h.service.ListByOwner(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, records)
}

// CreateFromFHIR handles POST /medicines/fhir with a MedicationRequest body.
// Errors are returned as OperationOutcome resources.
func (h *MedicineHandler) CreateFromFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_medicine_fhir")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.outcome(w, "structure", "unreadable body", http.StatusBadRequest)
		return
	}
	mr := &fhir.MedicationRequest{}
	if err := mr.FromJSON(body); err != nil {
		h.outcome(w, "structure", "invalid MedicationRequest: "+err.Error(), http.StatusBadRequest)
		return
	}

	rx, err := fhir.Extract(mr)
	if err != nil {
		h.outcome(w, "not-supported", err.Error(), http.StatusUnprocessableEntity)
		return
	}
	span.SetAttributes(attribute.String("medication", rx.Name))

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = rx.PatientID
	}

	res, err := h.service.Create(h.correlatedCtx(ctx, r), medicine.CreateInput{
		OwnerID:      h.owner(r, owner),
		Name:         rx.Name,
		Dosage:       rx.Dosage,
		DoseTimes:    rx.DoseTimes,
		DurationDays: rx.DurationDays,
		Quantity:     rx.Quantity,
		Location:     r.URL.Query().Get("location"),
		Source:       medicine.SourceFHIR,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("fhir import failed", zap.Error(err), zap.String("request_id", middleware.GetRequestID(ctx)))
			h.outcome(w, "exception", "internal error", status)
			return
		}
		h.outcome(w, "invalid", err.Error(), status)
		return
	}
	h.jsonResponse(w, http.StatusCreated, res)
}

// ImportRequest is a medicine document exported from the previous store.
// Timestamps may be RFC 3339 strings, epoch milliseconds or
// {seconds, nanoseconds} objects.
type ImportRequest struct {
	OwnerID      string               `json:"owner_id"`
	Name         string               `json:"name"`
	Dosage       string               `json:"dosage"`
	DoseTimes    []schedule.TimeOfDay `json:"dose_times"`
	DurationDays int                  `json:"duration_days"`
	Quantity     *int                 `json:"quantity,omitempty"`
	Location     string               `json:"location,omitempty"`
	CreatedAt    json.RawMessage      `json:"created_at"`
	TakenEvents  []json.RawMessage    `json:"taken_events"`
}

// ImportResponse reports an import
type ImportResponse struct {
	*medicine.CreateResult
	DroppedTakenEvents int `json:"dropped_taken_events"`
}

// Import handles POST /medicines/import
func (h *MedicineHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var createdAt time.Time
	if len(req.CreatedAt) > 0 {
		t, err := schedule.ParseInstant(req.CreatedAt)
		if err != nil {
			h.jsonError(w, "invalid created_at: "+err.Error(), http.StatusBadRequest)
			return
		}
		createdAt = t
	}
	taken, dropped := schedule.NormalizeInstants(req.TakenEvents)
	if dropped > 0 {
		h.logger.Warn("unreadable taken events dropped on import",
			zap.String("owner_id", req.OwnerID),
			zap.Int("dropped", dropped))
	}

	res, err := h.service.Create(h.correlated(r), medicine.CreateInput{
		OwnerID:      h.owner(r, req.OwnerID),
		Name:         req.Name,
		Dosage:       req.Dosage,
		DoseTimes:    req.DoseTimes,
		DurationDays: req.DurationDays,
		Quantity:     req.Quantity,
		Location:     req.Location,
		Source:       medicine.SourceImport,
		CreatedAt:    createdAt,
		TakenEvents:  taken,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, ImportResponse{CreateResult: res, DroppedTakenEvents: dropped})
}

// Get handles GET /medicines/{id}
func (h *MedicineHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, rec)
}

// Status handles GET /medicines/{id}/status
func (h *MedicineHandler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, report)
}

// Events handles GET /medicines/{id}/events
func (h *MedicineHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, events)
}

// TakenRequest is the optional body of POST /medicines/{id}/taken
type TakenRequest struct {
	TakenAt   json.RawMessage `json:"taken_at,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
}

// Taken handles POST /medicines/{id}/taken. Without taken_at the dose is
// recorded at the current instant.
func (h *MedicineHandler) Taken(w http.ResponseWriter, r *http.Request) {
	var req TakenRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	var takenAt time.Time
	if len(req.TakenAt) > 0 && string(req.TakenAt) != "null" {
		t, err := schedule.ParseInstant(req.TakenAt)
		if err != nil {
			h.jsonError(w, "invalid taken_at: "+err.Error(), http.StatusBadRequest)
			return
		}
		takenAt = t
	}

	rec, err := h.service.MarkTaken(h.correlated(r), chi.URLParam(r, "id"), takenAt, req.CommandID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, rec)
}

// Reschedule handles POST /medicines/{id}/reschedule
func (h *MedicineHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Reschedule(h.correlated(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, res)
}

// DeleteResponse reports the reminder cancellations of a delete
type DeleteResponse struct {
	ID        string              `json:"id"`
	Cancelled dosing.CancelReport `json:"cancelled"`
}

// Delete handles DELETE /medicines/{id}
func (h *MedicineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.service.Delete(h.correlated(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, DeleteResponse{ID: id, Cancelled: *report})
}

// owner prefers an explicit owner, falling back to the authenticated client
func (h *MedicineHandler) owner(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return middleware.GetClientID(r.Context())
}

func (h *MedicineHandler) correlated(r *http.Request) context.Context {
	return h.correlatedCtx(r.Context(), r)
}

func (h *MedicineHandler) correlatedCtx(ctx context.Context, r *http.Request) context.Context {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return medicine.WithCorrelationID(ctx, id)
	}
	return ctx
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, medicine.ErrNotFound), errors.Is(err, medicine.ErrDeleted):
		return http.StatusNotFound
	case errors.Is(err, medicine.ErrInvalidMedicine),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, schedule.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, medicine.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *MedicineHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", status)
		return
	}
	h.jsonError(w, err.Error(), status)
}

func (h *MedicineHandler) outcome(w http.ResponseWriter, code, diagnostics string, status int) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(fhir.NewErrorOutcome(code, diagnostics))
}

func (h *MedicineHandler) jsonResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (h *MedicineHandler) jsonError(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, status, map[string]string{"error": message})
}
