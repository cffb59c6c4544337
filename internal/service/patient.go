package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/observability/tracing"
	"github.com/drfirst/medrecon/internal/safety"
)

// RecheckResult is returned after an allergy or condition is recorded or
// removed
type RecheckResult struct {
	PatientID  string                      `json:"patient_id"`
	Added      bool                        `json:"added"`
	Removed    bool                        `json:"removed,omitempty"`
	Allergies  []string                    `json:"allergies"`
	Conditions []string                    `json:"conditions"`
	Safety     *safety.Report              `json:"safety"`
	Alerts     []*medication.TimelineEvent `json:"alerts"`
}

// MedicationList is a patient's current and past medications
type MedicationList struct {
	PatientID  string                        `json:"patient_id"`
	Active     []medication.MedicationRecord `json:"active"`
	Historical []medication.MedicationRecord `json:"historical"`
}

// PatientSummary aggregates a patient's state and prescription history
type PatientSummary struct {
	PatientID          string                                   `json:"patient_id"`
	ActiveCount        int                                      `json:"active_count"`
	HistoricalCount    int                                      `json:"historical_count"`
	TotalPrescriptions int                                      `json:"total_prescriptions"`
	Active             []medication.MedicationRecord            `json:"active_medications"`
	MedicationHistory  map[string][]medication.MedicationRecord `json:"medication_history"`
	Allergies          []string                                 `json:"allergies"`
	Conditions         []string                                 `json:"conditions"`
	Diagnoses          []string                                 `json:"diagnoses"`
	Prescribers        []string                                 `json:"prescribers"`
	LastPrescription   *time.Time                               `json:"last_prescription,omitempty"`
	LatestRiskLevel    string                                   `json:"latest_risk_level,omitempty"`
	LatestSafety       json.RawMessage                          `json:"latest_safety_report,omitempty"`
}

// DrugInfo is a normalizer lookup with therapeutic alternatives
type DrugInfo struct {
	medication.Normalization
	Alternatives []string `json:"alternatives"`
}

// errUnchanged aborts a recheck transaction when nothing was added or removed.
var errUnchanged = errors.New("patient state unchanged")

// AddAllergy records an allergy and re-runs safety analysis.
func (s *Service) AddAllergy(ctx context.Context, patientID, allergy string) (*RecheckResult, error) {
	if strings.TrimSpace(allergy) == "" {
		return nil, &medication.ValidationError{Fields: []string{"allergy"}}
	}
	out, changed, err := s.recheck(ctx, "service.add_allergy", patientID, func(state *medication.PatientMedicationState) bool {
		return state.AddAllergy(allergy)
	})
	if err != nil {
		return nil, err
	}
	out.Added = changed
	return out, nil
}

// AddCondition records a condition and re-runs safety analysis.
func (s *Service) AddCondition(ctx context.Context, patientID, condition string) (*RecheckResult, error) {
	if strings.TrimSpace(condition) == "" {
		return nil, &medication.ValidationError{Fields: []string{"condition"}}
	}
	out, changed, err := s.recheck(ctx, "service.add_condition", patientID, func(state *medication.PatientMedicationState) bool {
		return state.AddCondition(condition)
	})
	if err != nil {
		return nil, err
	}
	out.Added = changed
	return out, nil
}

// RemoveAllergy drops an allergy from an existing patient and re-runs
// safety analysis.
func (s *Service) RemoveAllergy(ctx context.Context, patientID, allergy string) (*RecheckResult, error) {
	if strings.TrimSpace(allergy) == "" {
		return nil, &medication.ValidationError{Fields: []string{"allergy"}}
	}
	if _, err := s.repo.Load(ctx, patientID); err != nil {
		return nil, err
	}
	out, changed, err := s.recheck(ctx, "service.remove_allergy", patientID, func(state *medication.PatientMedicationState) bool {
		return state.RemoveAllergy(allergy)
	})
	if err != nil {
		return nil, err
	}
	out.Removed = changed
	return out, nil
}

// RemoveCondition drops a condition from an existing patient and re-runs
// safety analysis.
func (s *Service) RemoveCondition(ctx context.Context, patientID, condition string) (*RecheckResult, error) {
	if strings.TrimSpace(condition) == "" {
		return nil, &medication.ValidationError{Fields: []string{"condition"}}
	}
	if _, err := s.repo.Load(ctx, patientID); err != nil {
		return nil, err
	}
	out, changed, err := s.recheck(ctx, "service.remove_condition", patientID, func(state *medication.PatientMedicationState) bool {
		return state.RemoveCondition(condition)
	})
	if err != nil {
		return nil, err
	}
	out.Removed = changed
	return out, nil
}

// recheck applies one allergy or condition change and re-runs safety
// analysis. Alerts and outbox rows are written only when apply reports a
// change; otherwise the transaction is rolled back and the current report
// is returned with no alerts.
func (s *Service) recheck(ctx context.Context, op, patientID string, apply func(*medication.PatientMedicationState) bool) (_ *RecheckResult, changed bool, err error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, false, &medication.ValidationError{Fields: []string{"patient_id"}}
	}
	ctx, span := tracing.Start(ctx, op, patientID)
	defer func() { tracing.End(span, err) }()

	var out *RecheckResult
	_, err = s.repo.Update(ctx, patientID, func(ctx context.Context, state *medication.PatientMedicationState) (*medication.Mutation, error) {
		changed = apply(state)
		report := s.analyze(ctx, state)
		out = &RecheckResult{
			PatientID:  patientID,
			Allergies:  state.Allergies(),
			Conditions: state.Conditions(),
			Safety:     report,
			Alerts:     []*medication.TimelineEvent{},
		}
		if !changed {
			return nil, errUnchanged
		}

		alerts := safety.AlertEvents(patientID, report, s.now())
		msgs, err := timelineMessages(patientID, alerts)
		if err != nil {
			return nil, err
		}
		safetyMsg, err := safetyMessage(patientID, "", report)
		if err != nil {
			return nil, err
		}
		if safetyMsg != nil {
			msgs = append(msgs, *safetyMsg)
		}
		if alerts != nil {
			out.Alerts = alerts
		}
		return &medication.Mutation{Events: alerts, Outbox: msgs}, nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	if err != nil {
		return nil, false, err
	}

	s.metrics.ObserveSafety(string(out.Safety.RiskLevel), len(out.Safety.HighPriorityAlerts))
	s.logger.Info("safety rechecked",
		zap.String("patient_id", patientID),
		zap.String("operation", op),
		zap.Bool("changed", changed),
		zap.String("risk_level", string(out.Safety.RiskLevel)))
	return out, changed, nil
}

// Discontinue stops one active medication outside of a prescription.
func (s *Service) Discontinue(ctx context.Context, patientID, name, reason string) (_ *medication.TimelineEvent, err error) {
	if strings.TrimSpace(name) == "" {
		return nil, &medication.ValidationError{Fields: []string{"medication"}}
	}
	if _, err := s.repo.Load(ctx, patientID); err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, "service.discontinue", patientID)
	defer func() { tracing.End(span, err) }()

	var event *medication.TimelineEvent
	_, err = s.repo.Update(ctx, patientID, func(_ context.Context, state *medication.PatientMedicationState) (*medication.Mutation, error) {
		ev, err := s.reconciler.Discontinue(state, name, reason)
		if err != nil {
			return nil, err
		}
		msgs, err := timelineMessages(patientID, []*medication.TimelineEvent{ev})
		if err != nil {
			return nil, err
		}
		event = ev
		return &medication.Mutation{Events: []*medication.TimelineEvent{ev}, Outbox: msgs}, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveChanges("stopped", 1)
	s.logger.Info("medication discontinued",
		zap.String("patient_id", patientID),
		zap.String("medication", name))
	return event, nil
}

// Medications returns the patient's active and historical records.
func (s *Service) Medications(ctx context.Context, patientID string) (*MedicationList, error) {
	state, err := s.repo.Load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return &MedicationList{
		PatientID:  patientID,
		Active:     state.Active(),
		Historical: state.Historical(),
	}, nil
}

// Safety analyzes the patient's current state without persisting anything.
func (s *Service) Safety(ctx context.Context, patientID string) (*safety.Report, error) {
	state, err := s.repo.Load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.analyze(ctx, state), nil
}

// Timeline returns the patient's events newest first.
func (s *Service) Timeline(ctx context.Context, patientID string, filter medication.TimelineFilter) ([]*medication.TimelineEvent, error) {
	if _, err := s.repo.Load(ctx, patientID); err != nil {
		return nil, err
	}
	events, err := s.repo.Timeline(ctx, patientID, filter)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*medication.TimelineEvent{}
	}
	return events, nil
}

// Prescriptions returns the patient's prescription history newest first.
func (s *Service) Prescriptions(ctx context.Context, patientID string) ([]medication.PrescriptionSummary, error) {
	if _, err := s.repo.Load(ctx, patientID); err != nil {
		return nil, err
	}
	rxs, err := s.repo.Prescriptions(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if rxs == nil {
		rxs = []medication.PrescriptionSummary{}
	}
	return rxs, nil
}

// Summary aggregates the patient's medications and prescription history.
func (s *Service) Summary(ctx context.Context, patientID string) (*PatientSummary, error) {
	state, err := s.repo.Load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	rxs, err := s.repo.Prescriptions(ctx, patientID)
	if err != nil {
		return nil, err
	}

	sum := &PatientSummary{
		PatientID:          patientID,
		ActiveCount:        state.ActiveCount(),
		HistoricalCount:    len(state.Historical()),
		TotalPrescriptions: len(rxs),
		Active:             state.Active(),
		MedicationHistory:  make(map[string][]medication.MedicationRecord),
		Allergies:          state.Allergies(),
		Conditions:         state.Conditions(),
		Diagnoses:          []string{},
		Prescribers:        []string{},
	}

	for _, rec := range state.Records() {
		sum.MedicationHistory[rec.GenericName] = append(sum.MedicationHistory[rec.GenericName], rec)
	}
	for _, recs := range sum.MedicationHistory {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].StartDate.Before(recs[j].StartDate) })
	}

	// rxs is newest first; list diagnoses and prescribers oldest first
	seenDx := map[string]bool{}
	seenDr := map[string]bool{}
	for i := len(rxs) - 1; i >= 0; i-- {
		rx := rxs[i]
		for _, d := range rx.Diagnoses {
			key := strings.ToLower(strings.TrimSpace(d))
			if key != "" && !seenDx[key] {
				seenDx[key] = true
				sum.Diagnoses = append(sum.Diagnoses, strings.TrimSpace(d))
			}
		}
		if dr := strings.TrimSpace(rx.DoctorName); dr != "" && !seenDr[strings.ToLower(dr)] {
			seenDr[strings.ToLower(dr)] = true
			sum.Prescribers = append(sum.Prescribers, dr)
		}
	}

	if len(rxs) > 0 {
		latest := rxs[0]
		date := latest.PrescriptionDate
		sum.LastPrescription = &date
		sum.LatestRiskLevel = latest.RiskLevel
		sum.LatestSafety = latest.SafetyReport
	}
	return sum, nil
}

// Normalize resolves a raw drug name.
func (s *Service) Normalize(name string) DrugInfo {
	n := s.reconciler.Normalizer()
	alts := n.Alternatives(name)
	if alts == nil {
		alts = []string{}
	}
	return DrugInfo{Normalization: n.Normalize(name), Alternatives: alts}
}
