package fhir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/medrecon/internal/domain/medication"
)

const bundleJSON = `{
  "resourceType": "Bundle",
  "id": "bundle-1",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "P-100"}},
    {"resource": {
      "resourceType": "MedicationRequest",
      "id": "mr-1",
      "status": "active",
      "intent": "order",
      "groupIdentifier": {"value": "RX-2024-001"},
      "subject": {"reference": "Patient/P-100"},
      "authoredOn": "2024-03-05T09:30:00Z",
      "requester": {"reference": "Practitioner/9", "display": "Dr. Mehta"},
      "reason": [{"concept": {"text": "Type 2 diabetes"}}],
      "medication": {"concept": {"coding": [
        {"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "860975", "display": "Metformin"}
      ]}},
      "dosageInstruction": [{
        "patientInstruction": "Take with meals",
        "route": {"text": "oral"},
        "timing": {"repeat": {"frequency": 2, "period": 1, "periodUnit": "d"}},
        "doseAndRate": [{"doseQuantity": {"value": 500, "unit": "mg"}}]
      }],
      "dispenseRequest": {"expectedSupplyDuration": {"value": 30, "code": "d"}}
    }},
    {"resource": {
      "resourceType": "MedicationRequest",
      "id": "mr-2",
      "status": "active",
      "subject": {"reference": "Patient/P-100"},
      "authoredOn": "2024-03-04",
      "reason": [{"concept": {"text": "type 2 diabetes"}}, {"reference": {"display": "Hypertension"}}],
      "medication": {"concept": {"text": "Amlodipine"}},
      "dosageInstruction": [{
        "text": "one tablet at night",
        "timing": {"code": {"text": "once daily"}},
        "doseAndRate": [{"doseQuantity": {"value": 1, "unit": "tablet"}}]
      }]
    }},
    {"resource": {
      "resourceType": "MedicationRequest",
      "id": "mr-3",
      "status": "stopped",
      "subject": {"reference": "Patient/P-100"},
      "medication": {"concept": {"text": "Atorvastatin"}}
    }}
  ]
}`

func TestParseBundle(t *testing.T) {
	doc, err := Parse([]byte(bundleJSON))
	require.NoError(t, err)
	assert.Equal(t, "bundle-1", doc.ID)
	require.Len(t, doc.Requests, 3, "non-MedicationRequest entries are ignored")
	assert.Equal(t, "mr-1", doc.Requests[0].ID)
}

func TestParseArrayAndSingle(t *testing.T) {
	doc, err := Parse([]byte(`[{"resourceType":"MedicationRequest","status":"active","medication":{"concept":{"text":"Aspirin"}}}]`))
	require.NoError(t, err)
	require.Len(t, doc.Requests, 1)

	doc, err = Parse([]byte(`{"resourceType":"MedicationRequest","status":"active","medication":{"concept":{"text":"Aspirin"}}}`))
	require.NoError(t, err)
	require.Len(t, doc.Requests, 1)
	assert.Empty(t, doc.ID)
}

func TestParseRejectsOtherResources(t *testing.T) {
	_, err := Parse([]byte(`{"resourceType":"Observation"}`))
	require.ErrorIs(t, err, ErrUnsupportedResource)

	_, err = Parse([]byte("  "))
	require.ErrorIs(t, err, ErrUnsupportedResource)

	_, err = Parse([]byte(`{"resourceType":`))
	require.Error(t, err)
}

func TestToPrescription(t *testing.T) {
	doc, err := Parse([]byte(bundleJSON))
	require.NoError(t, err)

	m, err := ToPrescription("P-100", doc)
	require.NoError(t, err)
	rx := m.Prescription

	assert.Equal(t, "RX-2024-001", rx.PrescriptionID)
	assert.Equal(t, "P-100", rx.PatientID)
	assert.Equal(t, "2024-03-04", rx.PrescriptionDate, "earliest authoredOn")
	assert.Equal(t, "Dr. Mehta", rx.DoctorName)
	assert.Equal(t, []string{"Type 2 diabetes", "Hypertension"}, rx.Diagnoses)
	require.NoError(t, rx.Validate())

	require.Len(t, rx.Medications, 2)
	assert.Equal(t, medication.MedicationEntry{
		Name:         "Metformin",
		Dosage:       "500mg",
		Frequency:    "twice daily",
		Route:        "oral",
		Duration:     "30 days",
		Instructions: "Take with meals",
	}, rx.Medications[0])
	assert.Equal(t, medication.MedicationEntry{
		Name:         "Amlodipine",
		Dosage:       "1 tablet",
		Frequency:    "once daily",
		Instructions: "one tablet at night",
	}, rx.Medications[1])

	require.Len(t, m.Skipped, 1)
	assert.Equal(t, Skipped{Index: 2, ID: "mr-3", Reason: "status stopped"}, m.Skipped[0])
}

func TestToPrescriptionRejectsOtherPatient(t *testing.T) {
	doc, err := Parse([]byte(bundleJSON))
	require.NoError(t, err)

	_, err = ToPrescription("P-999", doc)
	var verr *medication.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
}

func TestToPrescriptionRequiresCurrentRequest(t *testing.T) {
	doc, err := Parse([]byte(`[{"resourceType":"MedicationRequest","status":"completed","medication":{"concept":{"text":"Aspirin"}}}]`))
	require.NoError(t, err)

	_, err = ToPrescription("P-1", doc)
	var verr *medication.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestToPrescriptionDerivesStableID(t *testing.T) {
	payload := []byte(`[{"resourceType":"MedicationRequest","status":"active","medication":{"concept":{"text":"Aspirin"}}}]`)

	first, err := Parse(payload)
	require.NoError(t, err)
	a, err := ToPrescription("P-1", first)
	require.NoError(t, err)

	second, err := Parse(payload)
	require.NoError(t, err)
	b, err := ToPrescription("P-1", second)
	require.NoError(t, err)

	assert.NotEmpty(t, a.Prescription.PrescriptionID)
	assert.Equal(t, a.Prescription.PrescriptionID, b.Prescription.PrescriptionID, "resubmission maps to the same id")
}

func TestFrequencyText(t *testing.T) {
	tests := []struct {
		repeat TimingRepeat
		want   string
	}{
		{TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "d"}, "once daily"},
		{TimingRepeat{Frequency: 3, Period: 1, PeriodUnit: "d"}, "three times daily"},
		{TimingRepeat{Frequency: 6, Period: 1, PeriodUnit: "d"}, "6 times daily"},
		{TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "wk"}, "once weekly"},
		{TimingRepeat{Frequency: 1, Period: 8, PeriodUnit: "h"}, "every 8 hours"},
		{TimingRepeat{Frequency: 2, Period: 3, PeriodUnit: "d"}, "2 times every 3 days"},
		{TimingRepeat{When: []string{"HS"}}, "HS"},
		{TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "d", When: []string{"ACM"}}, "once daily (ACM)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, frequencyText(&tt.repeat))
	}
}

func TestNewErrorOutcome(t *testing.T) {
	out := NewErrorOutcome("invalid", "bad bundle")
	assert.Equal(t, "OperationOutcome", out.ResourceType)
	require.Len(t, out.Issue, 1)
	assert.Equal(t, "error", out.Issue[0].Severity)
}
