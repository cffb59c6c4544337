package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/api/middleware"
	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/fhir"
	"github.com/drfirst/medrecon/internal/service"
)

// PatientHandler serves the per-patient reconciliation endpoints
type PatientHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(svc *service.Service, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{patientID}", func(r chi.Router) {
		r.Post("/prescriptions", h.SubmitPrescription)
		r.Get("/prescriptions", h.Prescriptions)
		r.Post("/prescriptions/fhir", h.SubmitFHIR)
		r.Get("/medications", h.Medications)
		r.Delete("/medications/{name}", h.Discontinue)
		r.Post("/allergies", h.AddAllergy)
		r.Delete("/allergies/{allergy}", h.RemoveAllergy)
		r.Post("/conditions", h.AddCondition)
		r.Delete("/conditions/{condition}", h.RemoveCondition)
		r.Get("/safety", h.Safety)
		r.Get("/timeline", h.Timeline)
		r.Get("/summary", h.Summary)
	})
	return r
}

// SubmitPrescription handles POST /patients/{patientID}/prescriptions. The
// patient comes from the path; a body patient_id must agree with it.
func (h *PatientHandler) SubmitPrescription(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	var rx medication.PrescriptionRecord
	if !decodeJSON(w, r, &rx) {
		return
	}
	if rx.PatientID != "" && rx.PatientID != patientID {
		jsonError(w, "patient_id does not match path", http.StatusBadRequest)
		return
	}
	rx.PatientID = patientID

	h.submit(w, r, &rx, func(res *service.ReconciliationResult) interface{} { return res })
}

// FHIRSubmission is the response to a FHIR prescription submission
type FHIRSubmission struct {
	Result  *service.ReconciliationResult `json:"result"`
	Skipped []fhir.Skipped                `json:"skipped,omitempty"`
}

// SubmitFHIR handles POST /patients/{patientID}/prescriptions/fhir. Errors
// are returned as FHIR OperationOutcome resources.
func (h *PatientHandler) SubmitFHIR(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("too-long", err.Error()))
		return
	}
	doc, err := fhir.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", err.Error()))
		return
	}
	mapping, err := fhir.ToPrescription(patientID, doc)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fhir.NewErrorOutcome("invalid", err.Error()))
		return
	}

	h.submit(w, r, mapping.Prescription, func(res *service.ReconciliationResult) interface{} {
		return FHIRSubmission{Result: res, Skipped: mapping.Skipped}
	})
}

func (h *PatientHandler) submit(w http.ResponseWriter, r *http.Request, rx *medication.PrescriptionRecord, body func(*service.ReconciliationResult) interface{}) {
	res, err := h.svc.SubmitPrescription(r.Context(), rx)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("prescription reconciled",
		zap.String("patient_id", rx.PatientID),
		zap.String("prescription_id", rx.PrescriptionID),
		zap.Bool("replayed", res.Replayed),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, body(res))
}

// Prescriptions handles GET /patients/{patientID}/prescriptions
func (h *PatientHandler) Prescriptions(w http.ResponseWriter, r *http.Request) {
	rxs, err := h.svc.Prescriptions(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rxs)
}

// Medications handles GET /patients/{patientID}/medications
func (h *PatientHandler) Medications(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Medications(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Discontinue handles DELETE /patients/{patientID}/medications/{name}?reason=
func (h *PatientHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.Discontinue(r.Context(),
		chi.URLParam(r, "patientID"),
		chi.URLParam(r, "name"),
		r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// AllergyRequest is the body of POST /allergies
type AllergyRequest struct {
	Allergy string `json:"allergy"`
}

// ConditionRequest is the body of POST /conditions
type ConditionRequest struct {
	Condition string `json:"condition"`
}

// AddAllergy handles POST /patients/{patientID}/allergies
func (h *PatientHandler) AddAllergy(w http.ResponseWriter, r *http.Request) {
	var req AllergyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.AddAllergy(r.Context(), chi.URLParam(r, "patientID"), req.Allergy)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AddCondition handles POST /patients/{patientID}/conditions
func (h *PatientHandler) AddCondition(w http.ResponseWriter, r *http.Request) {
	var req ConditionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.AddCondition(r.Context(), chi.URLParam(r, "patientID"), req.Condition)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveAllergy handles DELETE /patients/{patientID}/allergies/{allergy}
func (h *PatientHandler) RemoveAllergy(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RemoveAllergy(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "allergy"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveCondition handles DELETE /patients/{patientID}/conditions/{condition}
func (h *PatientHandler) RemoveCondition(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RemoveCondition(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "condition"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Safety handles GET /patients/{patientID}/safety
func (h *PatientHandler) Safety(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Safety(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Timeline handles GET /patients/{patientID}/timeline?type=&since=&until=&limit=
func (h *PatientHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTimelineFilter(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	events, err := h.svc.Timeline(r.Context(), chi.URLParam(r, "patientID"), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Summary handles GET /patients/{patientID}/summary
func (h *PatientHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Summary(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// parseTimelineFilter reads type (repeatable or comma separated), since and
// until (YYYY-MM-DD or RFC 3339) and limit.
func parseTimelineFilter(r *http.Request) (medication.TimelineFilter, error) {
	q := r.URL.Query()
	var filter medication.TimelineFilter
	var invalid []string

	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			et := medication.EventType(t)
			if !et.Valid() {
				invalid = append(invalid, fmt.Sprintf("unknown event type %q", t))
				continue
			}
			filter.EventTypes = append(filter.EventTypes, et)
		}
	}

	parseTime := func(name string, endOfDay bool) *time.Time {
		v := q.Get(name)
		if v == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			invalid = append(invalid, name+" must be YYYY-MM-DD or RFC 3339")
			return nil
		}
		if endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return &t
	}
	filter.Since = parseTime("since", false)
	filter.Until = parseTime("until", true)

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			invalid = append(invalid, "limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	if len(invalid) > 0 {
		return filter, &medication.ValidationError{Fields: invalid}
	}
	return filter, nil
}
