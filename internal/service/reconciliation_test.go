package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/infrastructure/memory"
	"github.com/drfirst/medrecon/internal/safety"
	"github.com/drfirst/medrecon/pkg/circuitbreaker"
	"github.com/drfirst/medrecon/pkg/idempotency"
)

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository(nil)
	norm := medication.DefaultNormalizer()
	rec := medication.NewReconciler(norm, medication.WithClock(func() time.Time { return testNow }))
	an := safety.NewAnalyzer(safety.DefaultKnowledgeBase(), safety.WithNormalizer(norm))
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(repo, rec, an, opts...), repo
}

func rx(id, date string, meds ...medication.MedicationEntry) *medication.PrescriptionRecord {
	return &medication.PrescriptionRecord{
		PrescriptionID:   id,
		PatientID:        "P1",
		PrescriptionDate: date,
		DoctorName:       "Rao",
		ClinicName:       "City Clinic",
		Medications:      meds,
	}
}

func med(name, dosage string) medication.MedicationEntry {
	return medication.MedicationEntry{Name: name, Dosage: dosage}
}

func TestSubmitPrescriptionReconcilesAndPersists(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	first, err := svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Metformin", "500mg"), med("Lisinopril", "10mg")))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"metformin", "lisinopril"}, first.Changes.New)
	require.NotNil(t, first.Safety)
	assert.Len(t, first.Active, 2)
	assert.False(t, first.Replayed)

	second, err := svc.SubmitPrescription(ctx, rx("RX-2", "2024-02-01", med("Glucophage", "1000mg")))
	require.NoError(t, err)
	assert.Equal(t, []string{"metformin"}, second.Changes.DoseChanged)
	assert.Equal(t, []string{"lisinopril"}, second.Changes.Stopped)
	assert.Len(t, second.Active, 1)

	meds, err := svc.Medications(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, meds.Active, 1)
	assert.Equal(t, "1000mg", meds.Active[0].Dosage)
	require.Len(t, meds.Historical, 1)
	assert.Equal(t, "lisinopril", meds.Historical[0].GenericName)

	var topics []string
	for _, m := range repo.Outbox() {
		assert.Equal(t, "P1", m.Key)
		topics = append(topics, m.Topic)
	}
	assert.Contains(t, topics, medication.TopicTimeline)
	assert.Contains(t, topics, medication.TopicReconciled)
}

func TestSubmitPrescriptionRecordsAllergyAlerts(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddAllergy(ctx, "P1", "Penicillin")
	require.NoError(t, err)

	res, err := svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Amoxicillin", "500mg")))
	require.NoError(t, err)
	assert.Equal(t, safety.RiskCritical, res.Safety.RiskLevel)
	require.NotEmpty(t, res.Safety.AllergyAlerts)

	alerts, err := svc.Timeline(ctx, "P1", medication.TimelineFilter{
		EventTypes: []medication.EventType{medication.EventSafetyAlert},
	})
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, medication.SeverityDanger, alerts[0].Severity)
	assert.Equal(t, "RX-1", alerts[0].SourcePrescriptionID)

	var safetyTopic bool
	for _, m := range repo.Outbox() {
		if m.Topic == medication.TopicSafety {
			safetyTopic = true
		}
	}
	assert.True(t, safetyTopic)

	rxs, err := repo.Prescriptions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, rxs, 1)
	assert.Equal(t, string(safety.RiskCritical), rxs[0].RiskLevel)
}

func TestSubmitPrescriptionSavesWhenAnalysisFails(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("safety")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	repo := memory.NewRepository(nil)
	rec := medication.NewReconciler(medication.DefaultNormalizer())
	svc := New(repo, rec, safety.NewAnalyzer(nil), WithBreaker(cb))
	ctx := context.Background()

	for _, id := range []string{"RX-1", "RX-2"} {
		res, err := svc.SubmitPrescription(ctx, rx(id, "2024-01-01", med("Aspirin", "75mg")))
		require.NoError(t, err, id)
		assert.Equal(t, safety.RiskError, res.Safety.RiskLevel)
		require.NotEmpty(t, res.Warnings)
		assert.Equal(t, medication.WarningSafetyFailed, res.Warnings[len(res.Warnings)-1].Code)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())

	rxs, err := repo.Prescriptions(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, rxs, 2, "prescriptions are saved despite analysis failure")
}

func TestSubmitPrescriptionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitPrescription(ctx, nil)
	var verr *medication.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = svc.SubmitPrescription(ctx, &medication.PrescriptionRecord{PatientID: "P1"})
	require.ErrorAs(t, err, &verr)
	assert.True(t, IsTerminal(err))
}

func TestSubmitPrescriptionRejectsDuplicateWithoutInbox(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Aspirin", "75mg")))
	require.NoError(t, err)
	_, err = svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Aspirin", "75mg")))
	require.ErrorIs(t, err, medication.ErrDuplicatePrescription)
	assert.True(t, IsTerminal(err))
	assert.False(t, IsRetryable(err))
}

type memoryInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, _ json.RawMessage, fn idempotency.HandlerFunc) (*idempotency.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[key]; ok {
		return &idempotency.Outcome{Replayed: true, Result: r}, nil
	}
	r, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	m.results[key] = r
	return &idempotency.Outcome{Result: r}, nil
}

func TestSubmitPrescriptionReplaysThroughInbox(t *testing.T) {
	inbox := &memoryInbox{results: map[string]json.RawMessage{}}
	svc, repo := newTestService(t, WithInbox(inbox))
	ctx := context.Background()

	first, err := svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Metformin", "500mg")))
	require.NoError(t, err)

	again, err := svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Metformin", "500mg")))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.PrescriptionID, again.PrescriptionID)
	assert.Equal(t, first.Changes, again.Changes)
	require.Len(t, again.Events, len(first.Events))

	rxs, err := repo.Prescriptions(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, rxs, 1)
}

func TestAddConditionRechecks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Ibuprofen", "400mg")))
	require.NoError(t, err)

	res, err := svc.AddCondition(ctx, "P1", "CKD")
	require.NoError(t, err)
	assert.True(t, res.Added)
	assert.Equal(t, []string{"CKD"}, res.Conditions)
	require.NotEmpty(t, res.Safety.Contraindications)
	assert.Equal(t, "ibuprofen", res.Safety.Contraindications[0].Drug)

	again, err := svc.AddCondition(ctx, "P1", "ckd")
	require.NoError(t, err)
	assert.False(t, again.Added)

	_, err = svc.AddCondition(ctx, "P1", "  ")
	var verr *medication.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDuplicateAllergyWritesNothing(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Amoxicillin", "500mg")))
	require.NoError(t, err)

	first, err := svc.AddAllergy(ctx, "P1", "Penicillin")
	require.NoError(t, err)
	assert.True(t, first.Added)
	assert.NotEmpty(t, first.Alerts)

	before, err := repo.Load(ctx, "P1")
	require.NoError(t, err)
	outboxBefore := len(repo.Outbox())

	dup, err := svc.AddAllergy(ctx, "P1", "penicillin")
	require.NoError(t, err)
	assert.False(t, dup.Added)
	assert.Empty(t, dup.Alerts)
	assert.Equal(t, safety.RiskCritical, dup.Safety.RiskLevel, "report still reflects current state")

	after, err := repo.Load(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, before.Version(), after.Version())
	assert.Len(t, repo.Outbox(), outboxBefore)

	alerts, err := svc.Timeline(ctx, "P1", medication.TimelineFilter{
		EventTypes: []medication.EventType{medication.EventSafetyAlert},
	})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestRemoveAllergyAndCondition(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, err := svc.RemoveAllergy(ctx, "P1", "Penicillin")
	require.ErrorIs(t, err, medication.ErrPatientNotFound)

	_, err = svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Ibuprofen", "400mg")))
	require.NoError(t, err)
	_, err = svc.AddAllergy(ctx, "P1", "Penicillin")
	require.NoError(t, err)
	_, err = svc.AddCondition(ctx, "P1", "CKD")
	require.NoError(t, err)

	res, err := svc.RemoveCondition(ctx, "P1", "ckd")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.False(t, res.Added)
	assert.Empty(t, res.Conditions)
	assert.Empty(t, res.Safety.Contraindications)

	res, err = svc.RemoveAllergy(ctx, "P1", "PENICILLIN")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Empty(t, res.Allergies)

	outboxBefore := len(repo.Outbox())
	res, err = svc.RemoveAllergy(ctx, "P1", "Penicillin")
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.Len(t, repo.Outbox(), outboxBefore)

	_, err = svc.RemoveCondition(ctx, "P1", " ")
	var verr *medication.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPrescriptionsNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Prescriptions(ctx, "P1")
	require.ErrorIs(t, err, medication.ErrPatientNotFound)

	_, err = svc.SubmitPrescription(ctx, rx("RX-1", "2024-01-01", med("Metformin", "500mg")))
	require.NoError(t, err)
	_, err = svc.SubmitPrescription(ctx, rx("RX-2", "2024-03-01", med("Metformin", "1000mg")))
	require.NoError(t, err)

	rxs, err := svc.Prescriptions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, rxs, 2)
	assert.Equal(t, "RX-2", rxs[0].PrescriptionID)
	assert.Equal(t, "RX-1", rxs[1].PrescriptionID)
	assert.Equal(t, "Rao", rxs[0].DoctorName)
}

func TestDiscontinue(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Discontinue(ctx, "P1", "Aspirin", "")
	require.ErrorIs(t, err, medication.ErrPatientNotFound)

	_, err = svc.SubmitPrescription(ctx, rx("RX-1", "2024-05-01", med("Aspirin", "75mg")))
	require.NoError(t, err)

	ev, err := svc.Discontinue(ctx, "P1", "Ecosprin", "bleeding risk")
	require.NoError(t, err)
	assert.Equal(t, medication.EventMedicationStopped, ev.EventType)
	assert.Equal(t, "bleeding risk", ev.Details["reason"])
	assert.True(t, ev.EventDate.Equal(testNow))

	_, err = svc.Discontinue(ctx, "P1", "Aspirin", "")
	require.ErrorIs(t, err, medication.ErrMedicationNotActive)
	assert.True(t, IsTerminal(err))

	meds, err := svc.Medications(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, meds.Active)
}

func TestSummary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first := rx("RX-1", "2024-01-01", med("Metformin", "500mg"), med("Lisinopril", "10mg"))
	first.Diagnoses = []string{"Type 2 Diabetes", "Hypertension"}
	_, err := svc.SubmitPrescription(ctx, first)
	require.NoError(t, err)

	second := rx("RX-2", "2024-03-01", med("Metformin", "500mg"))
	second.DoctorName = "Mehta"
	second.Diagnoses = []string{"type 2 diabetes"}
	_, err = svc.SubmitPrescription(ctx, second)
	require.NoError(t, err)

	sum, err := svc.Summary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ActiveCount)
	assert.Equal(t, 1, sum.HistoricalCount)
	assert.Equal(t, 2, sum.TotalPrescriptions)
	assert.Equal(t, []string{"Type 2 Diabetes", "Hypertension"}, sum.Diagnoses)
	assert.Equal(t, []string{"Rao", "Mehta"}, sum.Prescribers)
	assert.Contains(t, sum.MedicationHistory, "lisinopril")
	require.NotNil(t, sum.LastPrescription)
	assert.Equal(t, "2024-03-01", sum.LastPrescription.Format("2006-01-02"))
	assert.NotEmpty(t, sum.LatestSafety)

	_, err = svc.Summary(ctx, "nobody")
	assert.ErrorIs(t, err, medication.ErrPatientNotFound)
}

func TestSafetyAndTimelineRequireKnownPatient(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Safety(ctx, "P404")
	assert.ErrorIs(t, err, medication.ErrPatientNotFound)
	_, err = svc.Timeline(ctx, "P404", medication.TimelineFilter{})
	assert.ErrorIs(t, err, medication.ErrPatientNotFound)
}

func TestNormalize(t *testing.T) {
	svc, _ := newTestService(t)

	info := svc.Normalize("Lipitor")
	assert.Equal(t, "atorvastatin", info.GenericName)
	assert.True(t, info.IsBrandName)
	assert.Contains(t, info.Alternatives, "rosuvastatin")

	unknown := svc.Normalize("Zyloxin")
	assert.False(t, unknown.Known())
	assert.Empty(t, unknown.Alternatives)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(medication.ErrConflict))
	assert.True(t, IsRetryable(idempotency.ErrMessageInProgress))
	assert.False(t, IsRetryable(medication.ErrPatientNotFound))
}
