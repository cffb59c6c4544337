package medication

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrConflict is returned when another reconciliation committed first.
	ErrConflict = errors.New("medication state changed concurrently")
	// ErrDuplicatePrescription is returned when a prescription_id was already reconciled.
	ErrDuplicatePrescription = errors.New("prescription already reconciled")
	// ErrPatientNotFound is returned when no state exists for a patient.
	ErrPatientNotFound = errors.New("patient not found")
	// ErrDuplicateActive is returned when two active records share a generic name.
	ErrDuplicateActive = errors.New("duplicate active medication")
	// ErrMedicationNotActive is returned when discontinuing a drug that is not active.
	ErrMedicationNotActive = errors.New("medication not active")
)

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

// MedicationEntry is one raw medication line from an extracted prescription.
type MedicationEntry struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Route        string `json:"route,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// PrescriptionRecord is the unit of reconciliation input. It is not
// modified once submitted.
type PrescriptionRecord struct {
	PrescriptionID   string            `json:"prescription_id"`
	PatientID        string            `json:"patient_id"`
	PrescriptionDate string            `json:"prescription_date,omitempty"`
	DoctorName       string            `json:"doctor_name,omitempty"`
	ClinicName       string            `json:"clinic_name,omitempty"`
	Diagnoses        []string          `json:"diagnoses,omitempty"`
	Medications      []MedicationEntry `json:"medications"`
	Vitals           map[string]string `json:"vitals,omitempty"`
	Confidence       float64           `json:"confidence,omitempty"`
	RawSourceText    string            `json:"raw_source_text,omitempty"`
}

// Validate checks the identifiers required to reconcile.
func (p *PrescriptionRecord) Validate() error {
	var fields []string
	if strings.TrimSpace(p.PrescriptionID) == "" {
		fields = append(fields, "prescription_id is required")
	}
	if strings.TrimSpace(p.PatientID) == "" {
		fields = append(fields, "patient_id is required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		fields = append(fields, "confidence must be between 0 and 1")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// MedicationRecord is one medication episode for a patient. A restart
// creates a new record; historical records are never reopened.
type MedicationRecord struct {
	ID                   string     `json:"id"`
	RawName              string     `json:"raw_name"`
	GenericName          string     `json:"generic_name"`
	DrugClass            string     `json:"drug_class"`
	Dosage               string     `json:"dosage,omitempty"`
	Frequency            string     `json:"frequency,omitempty"`
	Route                string     `json:"route,omitempty"`
	Duration             string     `json:"duration,omitempty"`
	StartDate            time.Time  `json:"start_date"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	Prescriber           string     `json:"prescriber,omitempty"`
	SourcePrescriptionID string     `json:"source_prescription_id,omitempty"`
	IsActive             bool       `json:"is_active"`
}

func (r *MedicationRecord) clone() *MedicationRecord {
	c := *r
	if r.EndDate != nil {
		end := *r.EndDate
		c.EndDate = &end
	}
	return &c
}

// PrescriptionSummary is the persisted view of a reconciled prescription.
type PrescriptionSummary struct {
	PrescriptionID   string          `json:"prescription_id"`
	PatientID        string          `json:"patient_id"`
	PrescriptionDate time.Time       `json:"prescription_date"`
	DoctorName       string          `json:"doctor_name,omitempty"`
	ClinicName       string          `json:"clinic_name,omitempty"`
	Diagnoses        []string        `json:"diagnoses,omitempty"`
	RiskLevel        string          `json:"risk_level,omitempty"`
	SafetyReport     json.RawMessage `json:"safety_report,omitempty"`
	ReconciledAt     time.Time       `json:"reconciled_at"`
}
