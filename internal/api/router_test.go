package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/medrecon/internal/api/handlers"
	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/infrastructure/memory"
	"github.com/drfirst/medrecon/internal/observability/metrics"
	"github.com/drfirst/medrecon/internal/safety"
	"github.com/drfirst/medrecon/internal/service"
)

const testKey = "test-key"

type testServer struct {
	*httptest.Server
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, tweak func(*Config)) *testServer {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	norm := medication.DefaultNormalizer()
	svc := service.New(
		memory.NewRepository(nil),
		medication.NewReconciler(norm, medication.WithClock(now)),
		safety.NewAnalyzer(safety.DefaultKnowledgeBase(), safety.WithNormalizer(norm)),
		service.WithClock(now),
	)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg := Config{
		APIKeys:        map[string]string{testKey: "test-client"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Metrics:        m,
		MetricsHandler: metrics.HandlerFor(reg),
	}
	if tweak != nil {
		tweak(&cfg)
	}

	srv := httptest.NewServer(NewRouter(svc, cfg, nil))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, metrics: m}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndAuth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(srv.URL + "/api/v1/patients/P1/medications")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/patients/P1/medications", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "authenticated, unknown patient")
}

func TestReadyReportsFailingChecks(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.ReadyChecks = map[string]handlers.Check{
			"postgres": func(context.Context) error { return nil },
			"kafka":    func(context.Context) error { return errors.New("no brokers") },
		}
	})

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "no brokers", body.Checks["kafka"])
}

func TestSubmitPrescriptionFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/patients/P1/prescriptions", `{
		"prescription_id": "RX-1",
		"prescription_date": "2024-01-10",
		"doctor_name": "Rao",
		"medications": [{"name": "Glucophage", "dosage": "500mg"}, {"name": "Lisinopril", "dosage": "10mg"}]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var res struct {
		PatientID string `json:"patient_id"`
		Changes   struct {
			New []string `json:"new"`
		} `json:"changes"`
		Safety struct {
			RiskLevel string `json:"risk_level"`
		} `json:"safety"`
		Active []medication.MedicationRecord `json:"active_medications"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "P1", res.PatientID)
	assert.ElementsMatch(t, []string{"metformin", "lisinopril"}, res.Changes.New)
	assert.Len(t, res.Active, 2)
	assert.NotEmpty(t, res.Safety.RiskLevel)

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/patients/P1/prescriptions",
		`{"prescription_id": "RX-1", "medications": [{"name": "Aspirin"}]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/patients/P1/prescriptions",
		`{"prescription_id": "RX-9", "patient_id": "P2", "medications": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = srv.do(t, http.MethodPost, "/api/v1/patients/P1/prescriptions", `{"medications": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "prescription_id is required")

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/patients/P1/prescriptions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = srv.do(t, http.MethodGet, "/api/v1/patients/P1/medications", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"generic_name":"metformin"`)

	resp, body = srv.do(t, http.MethodGet, "/api/v1/patients/P1/summary", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"prescribers":["Rao"]`)

	assert.Equal(t, float64(2), testutil.ToFloat64(srv.metrics.HTTPRequests.WithLabelValues("GET", "200")))
}

func TestSubmitFHIR(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/patients/P7/prescriptions/fhir", `[
		{"resourceType": "MedicationRequest", "id": "a", "status": "active",
		 "subject": {"reference": "Patient/P7"}, "authoredOn": "2024-02-02",
		 "groupIdentifier": {"value": "FHIR-RX-1"},
		 "medication": {"concept": {"text": "Warfarin"}},
		 "dosageInstruction": [{"doseAndRate": [{"doseQuantity": {"value": 5, "unit": "mg"}}]}]},
		{"resourceType": "MedicationRequest", "id": "b", "status": "active",
		 "subject": {"reference": "Patient/P7"},
		 "medication": {"concept": {"text": "Aspirin"}}},
		{"resourceType": "MedicationRequest", "id": "c", "status": "cancelled",
		 "medication": {"concept": {"text": "Ibuprofen"}}}
	]`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var sub struct {
		Result struct {
			PrescriptionID string `json:"prescription_id"`
			Safety         struct {
				Interactions []json.RawMessage `json:"interactions"`
			} `json:"safety"`
		} `json:"result"`
		Skipped []struct {
			ID string `json:"id"`
		} `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.Equal(t, "FHIR-RX-1", sub.Result.PrescriptionID)
	assert.NotEmpty(t, sub.Result.Safety.Interactions, "warfarin with aspirin interacts")
	require.Len(t, sub.Skipped, 1)
	assert.Equal(t, "c", sub.Skipped[0].ID)

	resp, body = srv.do(t, http.MethodPost, "/api/v1/patients/P7/prescriptions/fhir", `{"resourceType": "Observation"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"resourceType":"OperationOutcome"`)

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/patients/P8/prescriptions/fhir",
		`{"resourceType": "MedicationRequest", "status": "active", "subject": {"reference": "Patient/P7"}, "medication": {"concept": {"text": "Aspirin"}}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatientOperations(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/patients/P3/allergies", `{"allergy": "Penicillin"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = srv.do(t, http.MethodPost, "/api/v1/patients/P3/prescriptions",
		`{"prescription_id": "RX-1", "prescription_date": "2024-03-01", "medications": [{"name": "Amoxicillin", "dosage": "500mg"}, {"name": "Ecosprin", "dosage": "75mg"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"risk_level":"CRITICAL"`)

	resp, body = srv.do(t, http.MethodPost, "/api/v1/patients/P3/conditions", `{"condition": ""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = srv.do(t, http.MethodGet, "/api/v1/patients/P3/safety", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"allergy_alerts"`)

	resp, body = srv.do(t, http.MethodGet, "/api/v1/patients/P3/timeline?type=safety_alert", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []medication.TimelineEvent
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, medication.EventSafetyAlert, e.EventType)
	}

	resp, body = srv.do(t, http.MethodGet, "/api/v1/patients/P3/timeline?type=bogus&limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown event type")
	assert.Contains(t, string(body), "limit")

	resp, body = srv.do(t, http.MethodGet, "/api/v1/patients/P3/timeline?since=2024-03-01&until=2024-03-01&limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &events))
	assert.Len(t, events, 2)

	resp, body = srv.do(t, http.MethodDelete, "/api/v1/patients/P3/medications/aspirin?reason=bleeding", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"event_type":"medication_stopped"`)

	resp, _ = srv.do(t, http.MethodDelete, "/api/v1/patients/P3/medications/aspirin", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/api/v1/patients/NOPE/timeline", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoveAllergyConditionAndListPrescriptions(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := srv.do(t, http.MethodGet, "/api/v1/patients/P4/prescriptions", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = srv.do(t, http.MethodDelete, "/api/v1/patients/P4/allergies/Penicillin", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/patients/P4/prescriptions",
		`{"prescription_id": "RX-1", "prescription_date": "2024-01-01", "doctor_name": "Rao", "medications": [{"name": "Ibuprofen", "dosage": "400mg"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = srv.do(t, http.MethodPost, "/api/v1/patients/P4/prescriptions",
		`{"prescription_id": "RX-2", "prescription_date": "2024-02-01", "medications": [{"name": "Ibuprofen", "dosage": "200mg"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = srv.do(t, http.MethodGet, "/api/v1/patients/P4/prescriptions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rxs []medication.PrescriptionSummary
	require.NoError(t, json.Unmarshal(body, &rxs))
	require.Len(t, rxs, 2)
	assert.Equal(t, "RX-2", rxs[0].PrescriptionID)
	assert.Equal(t, "Rao", rxs[1].DoctorName)

	resp, body = srv.do(t, http.MethodPost, "/api/v1/patients/P4/allergies", `{"allergy": "Penicillin"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = srv.do(t, http.MethodPost, "/api/v1/patients/P4/conditions", `{"condition": "CKD"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = srv.do(t, http.MethodDelete, "/api/v1/patients/P4/conditions/ckd", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res service.RecheckResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Removed)
	assert.Empty(t, res.Conditions)
	assert.Empty(t, res.Safety.Contraindications)

	resp, body = srv.do(t, http.MethodDelete, "/api/v1/patients/P4/allergies/penicillin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res = service.RecheckResult{}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Removed)
	assert.Empty(t, res.Allergies)

	resp, body = srv.do(t, http.MethodDelete, "/api/v1/patients/P4/allergies/penicillin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res = service.RecheckResult{}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Removed)
}

func TestNormalizeEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, http.MethodGet, "/api/v1/drugs/normalize?name=Lipitor", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info service.DrugInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "atorvastatin", info.GenericName)
	assert.True(t, info.IsBrandName)
	assert.NotEmpty(t, info.Alternatives)

	resp, _ = srv.do(t, http.MethodGet, "/api/v1/drugs/normalize", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitPerClient(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := srv.do(t, http.MethodGet, "/api/v1/drugs/normalize?name=aspirin", "")
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.RateLimited))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "metrics bypass auth and limits")
}
