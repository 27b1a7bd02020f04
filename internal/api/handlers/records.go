// Package handlers provides the HTTP handlers of the vaccination record API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/api/middleware"
	"github.com/epr-ch/vaccination/internal/domain/record"
	"github.com/epr-ch/vaccination/internal/epr"
	"github.com/epr-ch/vaccination/internal/fhir/r4"
	"github.com/epr-ch/vaccination/pkg/idempotency"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// RecordService is the part of epr.Service the handlers use.
type RecordService interface {
	Validate(ctx context.Context, rec record.Record) error
	Create(ctx context.Context, pid *record.PatientIdentifier, rec record.Record) (*epr.Outcome, error)
	Update(ctx context.Context, pid *record.PatientIdentifier, id string, entry record.Entry) (*epr.Outcome, error)
	Delete(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, id string, author *record.Author) (*epr.Outcome, error)
	Get(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, id string) (record.Entry, error)
	List(ctx context.Context, pid *record.PatientIdentifier, kind record.Kind, includeDeleted bool) ([]record.Entry, error)
	Summary(ctx context.Context, pid *record.PatientIdentifier) (*record.VaccinationRecord, error)
	Document(ctx context.Context, documentID string, format r4.Format) ([]byte, error)
}

var _ RecordService = (*epr.Service)(nil)

// RecordHandler serves the patient record and document endpoints.
type RecordHandler struct {
	svc    RecordService
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewRecordHandler creates a handler. A nil inbox disables Idempotency-Key
// handling.
func NewRecordHandler(svc RecordService, inbox *idempotency.Inbox, logger *zap.Logger) *RecordHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes
func (h *RecordHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/patients/{community}/{authority}/{localId}/records/{kind}", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Post("/validate", h.Validate)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
	})
	r.Get("/documents/{documentId}", h.Document)
	return r
}

// WriteRequest is the body of create, update and validate requests.
type WriteRequest struct {
	// Patient carries the demographics resolved by the caller's MPI lookup.
	Patient *record.HumanName `json:"patient,omitempty"`
	Record  json.RawMessage   `json:"record"`
}

// DeleteRequest is the optional body of delete requests.
type DeleteRequest struct {
	Patient *record.HumanName `json:"patient,omitempty"`
	Author  *record.Author    `json:"author,omitempty"`
}

// Create handles POST /patients/{...}/records/{kind}
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	req, rec, err := decodeWrite(body, kind)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	pid := patientID(r, req.Patient)

	create := func(ctx context.Context) (json.RawMessage, error) {
		outcome, err := h.svc.Create(ctx, pid, rec)
		if err != nil {
			return nil, err
		}
		return json.Marshal(outcome)
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.inbox == nil {
		result, err := create(ctx)
		if err != nil {
			h.writeServiceError(w, r, "create", err)
			return
		}
		h.writeCreated(w, r, kind, result, false)
		return
	}

	handlerName := "create:" + string(kind) + ":" + pid.CacheKey()
	res, err := h.inbox.Process(ctx, key, handlerName, body, create)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused), errors.Is(err, idempotency.ErrPreviouslyFailed):
		writeOutcome(w, http.StatusUnprocessableEntity, "conflict", err.Error(), nil)
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		w.Header().Set("Retry-After", "1")
		writeOutcome(w, http.StatusConflict, "conflict", err.Error(), nil)
	case err != nil:
		h.writeServiceError(w, r, "create", err)
	default:
		h.writeCreated(w, r, kind, res.Result, !res.IsNew && !res.WasRecovered)
	}
}

func (h *RecordHandler) writeCreated(w http.ResponseWriter, r *http.Request, kind record.Kind, result json.RawMessage, replayed bool) {
	var ref struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}
	if err := json.Unmarshal(result, &ref); err == nil && ref.Record.ID != "" {
		w.Header().Set("Location", recordLocation(r, kind, ref.Record.ID))
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeRaw(w, http.StatusCreated, "application/json", result)
}

// Validate handles POST /patients/{...}/records/{kind}/validate
func (h *RecordHandler) Validate(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	_, rec, err := decodeWrite(body, kind)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := h.svc.Validate(r.Context(), rec); err != nil {
		h.writeServiceError(w, r, "validate", err)
		return
	}
	writeOutcome(w, http.StatusOK, "informational", "record is valid", nil)
}

// Update handles PUT /patients/{...}/records/{kind}/{id}
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	req, rec, err := decodeWrite(body, kind)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	entry, ok := rec.(record.Entry)
	if !ok {
		writeOutcome(w, http.StatusBadRequest, "not-supported",
			fmt.Sprintf("%s records cannot be updated as a whole", kind), nil)
		return
	}

	outcome, err := h.svc.Update(r.Context(), patientID(r, req.Patient), chi.URLParam(r, "id"), entry)
	if err != nil {
		h.writeServiceError(w, r, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// Delete handles DELETE /patients/{...}/records/{kind}/{id}
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req DeleteRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeBadRequest(w, "invalid request body: "+err.Error())
			return
		}
	}

	outcome, err := h.svc.Delete(r.Context(), patientID(r, req.Patient), kind, chi.URLParam(r, "id"), req.Author)
	if err != nil {
		h.writeServiceError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// Get handles GET /patients/{...}/records/{kind}/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.Get(r.Context(), patientID(r, nil), kind, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// List handles GET /patients/{...}/records/{kind}. The vaccinationrecord
// kind returns the patient's current records as one composite.
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	pid := patientID(r, nil)

	if kind == record.KindVaccinationRecord {
		summary, err := h.svc.Summary(r.Context(), pid)
		if err != nil {
			h.writeServiceError(w, r, "summary", err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("includeDeleted"))
	entries, err := h.svc.List(r.Context(), pid, kind, includeDeleted)
	if err != nil {
		h.writeServiceError(w, r, "list", err)
		return
	}
	if entries == nil {
		entries = []record.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Document handles GET /documents/{documentId}?_format=json|xml
func (h *RecordHandler) Document(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query().Get("_format")
	if requested == "" {
		requested = r.Header.Get("Accept")
		if requested == "*/*" {
			requested = ""
		}
	}
	format, err := r4.ParseFormat(requested)
	if err != nil {
		writeOutcome(w, http.StatusNotAcceptable, "not-supported", err.Error(), nil)
		return
	}

	data, err := h.svc.Document(r.Context(), chi.URLParam(r, "documentId"), format)
	if err != nil {
		h.writeServiceError(w, r, "document", err)
		return
	}
	writeRaw(w, http.StatusOK, format.ContentType(), data)
}

func (h *RecordHandler) kind(w http.ResponseWriter, r *http.Request) (record.Kind, bool) {
	kind, err := record.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeOutcome(w, http.StatusNotFound, "not-supported", err.Error(), nil)
		return "", false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("record.kind", string(kind)))
	return kind, true
}

// patientID builds the identifier from the path, the X-SPID header and the
// demographics of the request body.
func patientID(r *http.Request, info *record.HumanName) *record.PatientIdentifier {
	pid := record.NewPatientIdentifier(
		chi.URLParam(r, "community"),
		chi.URLParam(r, "localId"),
		chi.URLParam(r, "authority"),
	)
	pid.SPIDExtension = r.Header.Get("X-SPID")
	pid.PatientInfo = info
	return pid
}

func recordLocation(r *http.Request, kind record.Kind, id string) string {
	return fmt.Sprintf("/api/v1/patients/%s/%s/%s/records/%s/%s",
		url.PathEscape(chi.URLParam(r, "community")),
		url.PathEscape(chi.URLParam(r, "authority")),
		url.PathEscape(chi.URLParam(r, "localId")),
		kind, url.PathEscape(id))
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func decodeWrite(body []byte, kind record.Kind) (*WriteRequest, record.Record, error) {
	var req WriteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Record) == 0 {
		return nil, nil, errors.New("record is required")
	}
	rec, err := record.New(kind)
	if err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(req.Record, rec); err != nil {
		return nil, nil, fmt.Errorf("invalid %s record: %w", kind, err)
	}
	return &req, rec, nil
}

func (h *RecordHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	diagnostics := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", op),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeOutcome(w, status, code, diagnostics, expression(err))
}
