// Package handlers provides HTTP handlers for the reconciliation API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/api/middleware"
	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/pkg/idempotency"
)

// maxBodyBytes bounds request bodies, including FHIR bundles
const maxBodyBytes = 4 << 20

// ErrorResponse is the body of every non-FHIR error
type ErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

// statusOf maps service errors onto HTTP status codes
func statusOf(err error) int {
	var verr *medication.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, medication.ErrPatientNotFound),
		errors.Is(err, medication.ErrMedicationNotActive):
		return http.StatusNotFound
	case errors.Is(err, medication.ErrConflict),
		errors.Is(err, medication.ErrDuplicatePrescription),
		errors.Is(err, idempotency.ErrMessageInProgress),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal server error", code)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var verr *medication.ValidationError
	if errors.As(err, &verr) {
		resp.Error = "validation failed"
		resp.Fields = verr.Fields
	}
	writeJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
