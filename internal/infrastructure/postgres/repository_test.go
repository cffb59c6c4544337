package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/medrecon/internal/domain/medication"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, 4, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = NewMigrator(pool, nil).Up(ctx)
	require.NoError(t, err)
	return pool
}

func TestMigratorLoadsEmbeddedFiles(t *testing.T) {
	migrations, err := NewMigrator(nil, nil).Load()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "001_medication_state.sql", migrations[0].Name)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Contains(t, migrations[1].SQL, "CREATE TABLE IF NOT EXISTS outbox")
}

func reconcile(rec *medication.Reconciler, rx *medication.PrescriptionRecord) medication.UpdateFunc {
	return func(_ context.Context, state *medication.PatientMedicationState) (*medication.Mutation, error) {
		res, err := rec.Reconcile(state, rx)
		if err != nil {
			return nil, err
		}
		return &medication.Mutation{
			Prescription:     rx,
			PrescriptionDate: res.PrescriptionDate,
			Events:           res.Events,
			RiskLevel:        "NONE",
			SafetyReport:     []byte(`{"risk_level":"NONE"}`),
			Outbox: []medication.OutboxMessage{{
				Topic:   medication.TopicReconciled,
				Key:     rx.PatientID,
				Type:    "prescription.reconciled",
				Payload: []byte(`{}`),
			}},
		}, nil
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool, nil)
	rec := medication.NewReconciler(medication.DefaultNormalizer())
	ctx := context.Background()
	patient := "P-" + uuid.NewString()

	first := &medication.PrescriptionRecord{
		PrescriptionID:   uuid.NewString(),
		PatientID:        patient,
		PrescriptionDate: "2024-01-01",
		DoctorName:       "Rao",
		Diagnoses:        []string{"Hypertension"},
		Medications: []medication.MedicationEntry{
			{Name: "Metformin", Dosage: "500mg"},
			{Name: "Lisinopril", Dosage: "10mg"},
		},
	}
	state, err := repo.Update(ctx, patient, reconcile(rec, first))
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version())

	second := &medication.PrescriptionRecord{
		PrescriptionID:   uuid.NewString(),
		PatientID:        patient,
		PrescriptionDate: "2024-02-01",
		DoctorName:       "Iyer",
		Medications:      []medication.MedicationEntry{{Name: "Metformin", Dosage: "1000mg"}},
	}
	_, err = repo.Update(ctx, patient, reconcile(rec, second))
	require.NoError(t, err)

	changed, err := repo.Load(ctx, patient)
	require.NoError(t, err)
	met, ok := changed.ActiveRecord("metformin")
	require.True(t, ok)
	assert.Equal(t, "1000mg", met.Dosage)
	assert.Equal(t, "Iyer", met.Prescriber, "dose change moves the prescriber")
	assert.Equal(t, second.PrescriptionID, met.SourcePrescriptionID)
	assert.Equal(t, "2024-01-01", met.StartDate.UTC().Format("2006-01-02"), "dose change keeps the start date")

	third := &medication.PrescriptionRecord{
		PrescriptionID:   uuid.NewString(),
		PatientID:        patient,
		PrescriptionDate: "2024-03-01",
		Medications: []medication.MedicationEntry{
			{Name: "Metformin", Dosage: "1000mg"},
			{Name: "Lisinopril", Dosage: "20mg"},
		},
	}
	_, err = repo.Update(ctx, patient, reconcile(rec, third))
	require.NoError(t, err)

	loaded, err := repo.Load(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Version())
	lis, ok := loaded.ActiveRecord("lisinopril")
	require.True(t, ok, "restarted drug is active again")
	assert.Equal(t, "20mg", lis.Dosage)
	met, ok = loaded.ActiveRecord("metformin")
	require.True(t, ok)
	assert.Equal(t, "1000mg", met.Dosage)
	assert.Equal(t, second.PrescriptionID, met.SourcePrescriptionID, "continued drug keeps its source")
	assert.Len(t, loaded.Historical(), 1)

	events, err := repo.Timeline(ctx, patient, medication.TimelineFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, medication.EventPrescriptionAdded, events[0].EventType)
	assert.Equal(t, "2024-03-01", events[0].EventDate.UTC().Format("2006-01-02"))

	restarted, err := repo.Timeline(ctx, patient, medication.TimelineFilter{
		EventTypes: []medication.EventType{medication.EventMedicationRestarted},
		Limit:      5,
	})
	require.NoError(t, err)
	require.Len(t, restarted, 1)

	rxs, err := repo.Prescriptions(ctx, patient)
	require.NoError(t, err)
	require.Len(t, rxs, 3)
	assert.Equal(t, third.PrescriptionID, rxs[0].PrescriptionID)
	assert.Equal(t, []string{"Hypertension"}, rxs[2].Diagnoses)
	assert.JSONEq(t, `{"risk_level":"NONE"}`, string(rxs[0].SafetyReport))
}

func TestRepositoryRejectsDuplicatePrescription(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool, nil)
	rec := medication.NewReconciler(medication.DefaultNormalizer())
	ctx := context.Background()
	patient := "P-" + uuid.NewString()

	rx := &medication.PrescriptionRecord{
		PrescriptionID: uuid.NewString(),
		PatientID:      patient,
		Medications:    []medication.MedicationEntry{{Name: "Aspirin", Dosage: "75mg"}},
	}
	_, err := repo.Update(ctx, patient, reconcile(rec, rx))
	require.NoError(t, err)

	_, err = repo.Update(ctx, patient, reconcile(rec, rx))
	require.ErrorIs(t, err, medication.ErrDuplicatePrescription)

	loaded, err := repo.Load(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version())
}

func TestRepositorySerializesConcurrentUpdates(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool, nil)
	ctx := context.Background()
	patient := "P-" + uuid.NewString()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Update(ctx, patient, func(_ context.Context, s *medication.PatientMedicationState) (*medication.Mutation, error) {
				s.AddCondition("condition-" + string(rune('a'+i)))
				return nil, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := repo.Load(ctx, patient)
	require.NoError(t, err)
	assert.Len(t, loaded.Conditions(), writers)
	assert.Equal(t, writers, loaded.Version())
}

type recordingPublisher struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[key] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, topic+"/"+key)
	return nil
}

func TestRelayPublishesAndDeadLetters(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	good, bad := "P-"+uuid.NewString(), "P-"+uuid.NewString()

	_, err := pool.Exec(ctx, `DELETE FROM outbox`)
	require.NoError(t, err)
	for _, key := range []string{good, bad} {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   key,
			AggregateType: "patient_medication_state",
			EventType:     "timeline.event",
			Payload:       []byte(`{}`),
			KafkaTopic:    medication.TopicTimeline,
			KafkaKey:      key,
		}))
		require.NoError(t, tx.Commit(ctx))
	}

	pub := &recordingPublisher{fail: map[string]bool{bad: true}}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 2
	relay := NewRelay(pool, pub, cfg, nil, nil)

	n, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)

	stats, err := relay.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)

	pub.fail = nil
	moved, err := relay.MoveToDeadLetter(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
	assert.Contains(t, pub.sent, medication.TopicDeadLetter+"/"+bad)
	assert.Contains(t, pub.sent, medication.TopicTimeline+"/"+good)

	deleted, err := relay.CleanupProcessed(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted, "recently processed entries are retained")
}
