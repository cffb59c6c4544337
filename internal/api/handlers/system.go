package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/medrecon/internal/service"
)

// DrugHandler serves drug lookups
type DrugHandler struct {
	svc *service.Service
}

// NewDrugHandler creates a new handler
func NewDrugHandler(svc *service.Service) *DrugHandler {
	return &DrugHandler{svc: svc}
}

// Routes returns the handler routes
func (h *DrugHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/normalize", h.Normalize)
	return r
}

// Normalize handles GET /drugs/normalize?name=
func (h *DrugHandler) Normalize(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Normalize(name))
}

// Check reports whether a dependency is usable
type Check func(ctx context.Context) error

// HealthResponse is the body of /health and /ready
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// Ready runs every check within timeout and answers 503 when any fails.
func Ready(checks map[string]Check, timeout time.Duration) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		resp := HealthResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "not ready"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(w, code, resp)
	}
}
