package medication

import (
	"context"
	"encoding/json"
	"time"
)

// Mutation is what one locked update persists alongside the state.
type Mutation struct {
	// Prescription is recorded under a unique prescription_id when set.
	Prescription     *PrescriptionRecord
	PrescriptionDate time.Time
	Events           []*TimelineEvent
	RiskLevel        string
	SafetyReport     json.RawMessage
	// Outbox carries the serialized result published to downstream consumers.
	Outbox []OutboxMessage
}

// Outbox topics
const (
	TopicTimeline   = "medication.timeline"
	TopicReconciled = "medication.reconciled"
	TopicSafety     = "medication.safety"
	// TopicDeadLetter receives outbox entries that exhausted their retries
	TopicDeadLetter = "medication.dead_letter"
)

// OutboxMessage is a payload written in the same transaction as the state.
type OutboxMessage struct {
	Topic   string
	Key     string
	Type    string
	Payload []byte
}

// UpdateFunc mutates a locked state. Returning an error aborts the update
// and nothing is written.
type UpdateFunc func(ctx context.Context, state *PatientMedicationState) (*Mutation, error)

// Repository is the transactional owner of patient medication state
type Repository interface {
	// Update loads the patient's state under an exclusive lock, creating it if
	// absent, runs fn, and commits the state with the returned mutation. It
	// returns ErrConflict if another writer committed first and
	// ErrDuplicatePrescription if the prescription was already recorded.
	Update(ctx context.Context, patientID string, fn UpdateFunc) (*PatientMedicationState, error)

	// Load returns a snapshot of the patient's state or ErrPatientNotFound.
	Load(ctx context.Context, patientID string) (*PatientMedicationState, error)

	// Timeline returns the patient's events newest first.
	Timeline(ctx context.Context, patientID string, filter TimelineFilter) ([]*TimelineEvent, error)

	// Prescriptions returns reconciled prescriptions, newest first.
	Prescriptions(ctx context.Context, patientID string) ([]PrescriptionSummary, error)
}
