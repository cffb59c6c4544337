// Package memory provides an in-process medication repository for tests and
// single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/domain/medication"
)

// Repository is an in-memory medication.Repository. Updates for one patient
// are serialized by a per-patient mutex; different patients never block each
// other.
type Repository struct {
	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	states        map[string]*medication.PatientMedicationState
	prescriptions map[string]medication.PrescriptionSummary
	byPatient     map[string][]string
	outbox        []medication.OutboxMessage
	timeline      *medication.MemoryTimeline
	now           func() time.Time
	logger        *zap.Logger
}

var _ medication.Repository = (*Repository)(nil)

// NewRepository creates an empty repository
func NewRepository(logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		locks:         make(map[string]*sync.Mutex),
		states:        make(map[string]*medication.PatientMedicationState),
		prescriptions: make(map[string]medication.PrescriptionSummary),
		byPatient:     make(map[string][]string),
		timeline:      medication.NewMemoryTimeline(),
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger,
	}
}

func (r *Repository) patientLock(patientID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[patientID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[patientID] = l
	}
	return l
}

// Update implements medication.Repository
func (r *Repository) Update(ctx context.Context, patientID string, fn medication.UpdateFunc) (*medication.PatientMedicationState, error) {
	lock := r.patientLock(patientID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	stored, ok := r.states[patientID]
	r.mu.Unlock()

	var working *medication.PatientMedicationState
	if ok {
		working = stored.Clone()
	} else {
		working = medication.NewPatientMedicationState(patientID)
	}
	baseVersion := working.Version()

	mut, err := fn(ctx, working)
	if err != nil {
		return nil, err
	}
	if mut == nil {
		mut = &medication.Mutation{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.states[patientID]; ok && current.Version() != baseVersion {
		return nil, medication.ErrConflict
	}
	if rx := mut.Prescription; rx != nil {
		if _, exists := r.prescriptions[rx.PrescriptionID]; exists {
			return nil, fmt.Errorf("%w: %s", medication.ErrDuplicatePrescription, rx.PrescriptionID)
		}
	}

	if err := r.timeline.Append(ctx, mut.Events...); err != nil {
		return nil, fmt.Errorf("append timeline: %w", err)
	}

	if rx := mut.Prescription; rx != nil {
		r.prescriptions[rx.PrescriptionID] = medication.PrescriptionSummary{
			PrescriptionID:   rx.PrescriptionID,
			PatientID:        patientID,
			PrescriptionDate: mut.PrescriptionDate,
			DoctorName:       rx.DoctorName,
			ClinicName:       rx.ClinicName,
			Diagnoses:        append([]string(nil), rx.Diagnoses...),
			RiskLevel:        mut.RiskLevel,
			SafetyReport:     append([]byte(nil), mut.SafetyReport...),
			ReconciledAt:     r.now(),
		}
		r.byPatient[patientID] = append(r.byPatient[patientID], rx.PrescriptionID)
	}
	r.outbox = append(r.outbox, mut.Outbox...)

	working.MarkCommitted()
	r.states[patientID] = working.Clone()

	r.logger.Debug("state committed",
		zap.String("patient_id", patientID),
		zap.Int("version", working.Version()),
		zap.Int("events", len(mut.Events)))

	return working, nil
}

// Load implements medication.Repository
func (r *Repository) Load(ctx context.Context, patientID string) (*medication.PatientMedicationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[patientID]
	if !ok {
		return nil, medication.ErrPatientNotFound
	}
	return s.Clone(), nil
}

// Timeline implements medication.Repository
func (r *Repository) Timeline(ctx context.Context, patientID string, filter medication.TimelineFilter) ([]*medication.TimelineEvent, error) {
	return r.timeline.Query(ctx, patientID, filter)
}

// Prescriptions implements medication.Repository
func (r *Repository) Prescriptions(ctx context.Context, patientID string) ([]medication.PrescriptionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byPatient[patientID]
	out := make([]medication.PrescriptionSummary, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, r.prescriptions[ids[i]])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PrescriptionDate.After(out[j].PrescriptionDate)
	})
	return out, nil
}

// Outbox returns the messages committed so far
func (r *Repository) Outbox() []medication.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]medication.OutboxMessage(nil), r.outbox...)
}
