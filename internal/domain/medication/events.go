package medication

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of timeline event
type EventType string

const (
	EventPrescriptionAdded   EventType = "prescription_added"
	EventMedicationStarted   EventType = "medication_started"
	EventMedicationChanged   EventType = "medication_changed"
	EventMedicationStopped   EventType = "medication_stopped"
	EventMedicationRestarted EventType = "medication_restarted"
	EventDiagnosisRecorded   EventType = "diagnosis_recorded"
	EventSafetyAlert         EventType = "safety_alert"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPrescriptionAdded, EventMedicationStarted, EventMedicationChanged,
		EventMedicationStopped, EventMedicationRestarted, EventDiagnosisRecorded, EventSafetyAlert:
		return true
	}
	return false
}

// Severity of a timeline event
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// TimelineEvent is an immutable record of one clinically significant change.
type TimelineEvent struct {
	EventID              string         `json:"event_id"`
	PatientID            string         `json:"patient_id"`
	EventType            EventType      `json:"event_type"`
	EventDate            time.Time      `json:"event_date"`
	Description          string         `json:"description"`
	Details              map[string]any `json:"details,omitempty"`
	Severity             Severity       `json:"severity"`
	SourcePrescriptionID string         `json:"source_prescription_id,omitempty"`
	RecordedAt           time.Time      `json:"recorded_at"`
	Sequence             int64          `json:"sequence"`
}

// NewTimelineEvent creates a new event
func NewTimelineEvent(patientID string, eventType EventType, severity Severity, date time.Time, description string, details map[string]any) *TimelineEvent {
	return &TimelineEvent{
		EventID:     uuid.New().String(),
		PatientID:   patientID,
		EventType:   eventType,
		EventDate:   date,
		Description: description,
		Details:     details,
		Severity:    severity,
		RecordedAt:  time.Now().UTC(),
	}
}

// FromPrescription sets the source prescription
func (e *TimelineEvent) FromPrescription(prescriptionID string) *TimelineEvent {
	e.SourcePrescriptionID = prescriptionID
	return e
}

// Clone returns a copy that shares nothing mutable with e.
func (e *TimelineEvent) Clone() *TimelineEvent {
	c := *e
	if e.Details != nil {
		c.Details = cloneDetails(e.Details)
	}
	return &c
}

func cloneDetails(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container types event details are built from.
// Other values are immutable or copied by assignment.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		return cloneDetails(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		return append([]string{}, t...)
	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}
	return v
}
