// Package medication implements drug normalization, the per-patient
// medication state aggregate, and prescription reconciliation.
package medication

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PatientMedicationState is the aggregate root for one patient's medications.
// Medication records change only through Reconciler.
type PatientMedicationState struct {
	patientID  string
	version    int
	active     map[string]*MedicationRecord
	historical []*MedicationRecord
	allergies  []string
	conditions []string
}

// NewPatientMedicationState creates an empty state
func NewPatientMedicationState(patientID string) *PatientMedicationState {
	return &PatientMedicationState{
		patientID: patientID,
		active:    make(map[string]*MedicationRecord),
	}
}

// RestoreState rebuilds a state from persisted rows. Records are split into
// active and historical by IsActive.
func RestoreState(patientID string, version int, records []*MedicationRecord, allergies, conditions []string) (*PatientMedicationState, error) {
	s := NewPatientMedicationState(patientID)
	s.version = version
	for _, rec := range records {
		if rec.IsActive {
			if err := s.addActive(rec.clone()); err != nil {
				return nil, err
			}
			continue
		}
		if rec.EndDate == nil {
			return nil, fmt.Errorf("historical record %s has no end date", rec.ID)
		}
		s.historical = append(s.historical, rec.clone())
	}
	sort.SliceStable(s.historical, func(i, j int) bool {
		return s.historical[i].EndDate.Before(*s.historical[j].EndDate)
	})
	for _, a := range allergies {
		s.AddAllergy(a)
	}
	for _, c := range conditions {
		s.AddCondition(c)
	}
	return s, nil
}

// Clone returns a deep copy of the state
func (s *PatientMedicationState) Clone() *PatientMedicationState {
	c := NewPatientMedicationState(s.patientID)
	c.version = s.version
	for k, rec := range s.active {
		c.active[k] = rec.clone()
	}
	for _, rec := range s.historical {
		c.historical = append(c.historical, rec.clone())
	}
	c.allergies = s.Allergies()
	c.conditions = s.Conditions()
	return c
}

// PatientID returns the patient ID
func (s *PatientMedicationState) PatientID() string { return s.patientID }

// Version returns the committed version
func (s *PatientMedicationState) Version() int { return s.version }

// MarkCommitted advances the version after a successful write.
func (s *PatientMedicationState) MarkCommitted() { s.version++ }

// Active returns copies of the active records sorted by generic name.
func (s *PatientMedicationState) Active() []MedicationRecord {
	out := make([]MedicationRecord, 0, len(s.active))
	for _, key := range s.activeKeys() {
		out = append(out, *s.active[key].clone())
	}
	return out
}

// ActiveRecord returns a copy of the active record for a generic name.
func (s *PatientMedicationState) ActiveRecord(generic string) (MedicationRecord, bool) {
	rec, ok := s.active[generic]
	if !ok {
		return MedicationRecord{}, false
	}
	return *rec.clone(), true
}

// ActiveCount returns the number of active medications
func (s *PatientMedicationState) ActiveCount() int { return len(s.active) }

// Historical returns copies of discontinued records, oldest first.
func (s *PatientMedicationState) Historical() []MedicationRecord {
	out := make([]MedicationRecord, 0, len(s.historical))
	for _, rec := range s.historical {
		out = append(out, *rec.clone())
	}
	return out
}

// Records returns every record, active and historical.
func (s *PatientMedicationState) Records() []MedicationRecord {
	return append(s.Active(), s.Historical()...)
}

// WasTaken reports whether a generic appears in the historical list.
func (s *PatientMedicationState) WasTaken(generic string) bool {
	for _, rec := range s.historical {
		if rec.GenericName == generic {
			return true
		}
	}
	return false
}

// Allergies returns the recorded allergies
func (s *PatientMedicationState) Allergies() []string {
	return append([]string(nil), s.allergies...)
}

// Conditions returns the recorded conditions
func (s *PatientMedicationState) Conditions() []string {
	return append([]string(nil), s.conditions...)
}

// AddAllergy records an allergy. Matching is case-insensitive; it returns
// false if the allergy was already present.
func (s *PatientMedicationState) AddAllergy(allergy string) bool {
	var added bool
	s.allergies, added = addToSet(s.allergies, allergy)
	return added
}

// AddCondition records a condition. It returns false if already present.
func (s *PatientMedicationState) AddCondition(condition string) bool {
	var added bool
	s.conditions, added = addToSet(s.conditions, condition)
	return added
}

// RemoveAllergy drops an allergy, matched case-insensitively. It returns
// false if the allergy was not recorded.
func (s *PatientMedicationState) RemoveAllergy(allergy string) bool {
	var removed bool
	s.allergies, removed = removeFromSet(s.allergies, allergy)
	return removed
}

// RemoveCondition drops a condition. It returns false if not recorded.
func (s *PatientMedicationState) RemoveCondition(condition string) bool {
	var removed bool
	s.conditions, removed = removeFromSet(s.conditions, condition)
	return removed
}

func (s *PatientMedicationState) addActive(rec *MedicationRecord) error {
	if _, exists := s.active[rec.GenericName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateActive, rec.GenericName)
	}
	rec.IsActive = true
	rec.EndDate = nil
	s.active[rec.GenericName] = rec
	return nil
}

func (s *PatientMedicationState) discontinue(generic string, end time.Time) (*MedicationRecord, error) {
	rec, ok := s.active[generic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMedicationNotActive, generic)
	}
	if end.Before(rec.StartDate) {
		end = rec.StartDate
	}
	rec.EndDate = &end
	rec.IsActive = false
	delete(s.active, generic)
	s.historical = append(s.historical, rec)
	return rec, nil
}

func (s *PatientMedicationState) activeKeys() []string {
	keys := make([]string, 0, len(s.active))
	for k := range s.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func addToSet(set []string, value string) ([]string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return set, false
	}
	for _, existing := range set {
		if strings.EqualFold(existing, value) {
			return set, false
		}
	}
	return append(set, value), true
}

func removeFromSet(set []string, value string) ([]string, bool) {
	value = strings.TrimSpace(value)
	for i, existing := range set {
		if strings.EqualFold(existing, value) {
			out := append([]string(nil), set[:i]...)
			return append(out, set[i+1:]...), true
		}
	}
	return set, false
}
