// Package postgres provides the PostgreSQL medication repository, schema
// migrations and the transactional outbox relay.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/observability/tracing"
)

const uniqueViolation = "23505"

// Repository is the PostgreSQL medication.Repository. Update holds a row lock
// on patient_medication_state for the whole transaction.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ medication.Repository = (*Repository)(nil)

// NewRepository creates a repository over pool
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Update implements medication.Repository
func (r *Repository) Update(ctx context.Context, patientID string, fn medication.UpdateFunc) (_ *medication.PatientMedicationState, err error) {
	ctx, span := tracing.Start(ctx, "postgres.update", patientID)
	defer func() { tracing.End(span, err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO patient_medication_state (patient_id) VALUES ($1) ON CONFLICT (patient_id) DO NOTHING`,
		patientID,
	); err != nil {
		return nil, fmt.Errorf("ensure state row: %w", err)
	}

	state, err := loadState(ctx, tx, patientID, true)
	if err != nil {
		return nil, err
	}
	baseVersion := state.Version()

	mut, err := fn(ctx, state)
	if err != nil {
		return nil, err
	}
	if mut == nil {
		mut = &medication.Mutation{}
	}

	if err := writeRecords(ctx, tx, patientID, state); err != nil {
		return nil, err
	}
	if mut.Prescription != nil {
		if err := insertPrescription(ctx, tx, patientID, mut); err != nil {
			return nil, err
		}
	}
	if err := insertEvents(ctx, tx, mut.Events); err != nil {
		return nil, err
	}
	for _, msg := range mut.Outbox {
		entry := &OutboxEntry{
			AggregateID:   patientID,
			AggregateType: "patient_medication_state",
			EventType:     msg.Type,
			Payload:       msg.Payload,
			KafkaTopic:    msg.Topic,
			KafkaKey:      msg.Key,
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	allergies, _ := json.Marshal(nonNil(state.Allergies()))
	conditions, _ := json.Marshal(nonNil(state.Conditions()))
	tag, err := tx.Exec(ctx, `
		UPDATE patient_medication_state
		SET version = version + 1, allergies = $2, conditions = $3, updated_at = NOW()
		WHERE patient_id = $1 AND version = $4
	`, patientID, allergies, conditions, baseVersion)
	if err != nil {
		return nil, fmt.Errorf("bump version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, medication.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	state.MarkCommitted()

	r.logger.Debug("state committed",
		zap.String("patient_id", patientID),
		zap.Int("version", state.Version()),
		zap.Int("events", len(mut.Events)),
		zap.Int("outbox", len(mut.Outbox)))
	return state, nil
}

// Load implements medication.Repository
func (r *Repository) Load(ctx context.Context, patientID string) (*medication.PatientMedicationState, error) {
	return loadState(ctx, r.pool, patientID, false)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadState(ctx context.Context, q querier, patientID string, forUpdate bool) (*medication.PatientMedicationState, error) {
	query := `SELECT version, allergies, conditions FROM patient_medication_state WHERE patient_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		version               int
		allergies, conditions []string
	)
	if err := q.QueryRow(ctx, query, patientID).Scan(&version, &allergies, &conditions); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, medication.ErrPatientNotFound
		}
		return nil, fmt.Errorf("load state: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, raw_name, generic_name, drug_class, dosage, frequency, route, duration,
		       start_date, end_date, prescriber, source_prescription_id, is_active
		FROM medication_records
		WHERE patient_id = $1
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var records []*medication.MedicationRecord
	for rows.Next() {
		rec := &medication.MedicationRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.RawName, &rec.GenericName, &rec.DrugClass, &rec.Dosage, &rec.Frequency,
			&rec.Route, &rec.Duration, &rec.StartDate, &rec.EndDate, &rec.Prescriber,
			&rec.SourcePrescriptionID, &rec.IsActive,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return medication.RestoreState(patientID, version, records, allergies, conditions)
}

// writeRecords upserts every record. Historical rows go first so a restarted
// drug never collides with its discontinued row on the active index.
func writeRecords(ctx context.Context, tx pgx.Tx, patientID string, state *medication.PatientMedicationState) error {
	records := append(state.Historical(), state.Active()...)

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO medication_records (
				id, patient_id, raw_name, generic_name, drug_class, dosage, frequency, route, duration,
				start_date, end_date, prescriber, source_prescription_id, is_active
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				dosage = EXCLUDED.dosage,
				frequency = EXCLUDED.frequency,
				route = EXCLUDED.route,
				duration = EXCLUDED.duration,
				end_date = EXCLUDED.end_date,
				prescriber = EXCLUDED.prescriber,
				source_prescription_id = EXCLUDED.source_prescription_id,
				is_active = EXCLUDED.is_active
		`, rec.ID, patientID, rec.RawName, rec.GenericName, rec.DrugClass, rec.Dosage, rec.Frequency,
			rec.Route, rec.Duration, rec.StartDate, rec.EndDate, rec.Prescriber,
			rec.SourcePrescriptionID, rec.IsActive)
	}
	if batch.Len() == 0 {
		return nil
	}

	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("write record: %w", err)
		}
	}
	return results.Close()
}

func insertPrescription(ctx context.Context, tx pgx.Tx, patientID string, mut *medication.Mutation) error {
	rx := mut.Prescription
	payload, err := json.Marshal(rx)
	if err != nil {
		return fmt.Errorf("encode prescription: %w", err)
	}
	diagnoses, _ := json.Marshal(nonNil(rx.Diagnoses))

	var report []byte
	if len(mut.SafetyReport) > 0 {
		report = mut.SafetyReport
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions (
			prescription_id, patient_id, prescription_date, doctor_name, clinic_name,
			diagnoses, payload, risk_level, safety_report
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rx.PrescriptionID, patientID, mut.PrescriptionDate, rx.DoctorName, rx.ClinicName,
		diagnoses, payload, mut.RiskLevel, report)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", medication.ErrDuplicatePrescription, rx.PrescriptionID)
		}
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []*medication.TimelineEvent) error {
	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO timeline_events (
				event_id, patient_id, event_type, event_date, description, details,
				severity, source_prescription_id, recorded_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING sequence
		`, e.EventID, e.PatientID, string(e.EventType), e.EventDate, e.Description, details,
			string(e.Severity), e.SourcePrescriptionID, e.RecordedAt,
		).Scan(&e.Sequence)
		if err != nil {
			return fmt.Errorf("insert timeline event %s: %w", e.EventID, err)
		}
	}
	return nil
}

// Timeline implements medication.Repository
func (r *Repository) Timeline(ctx context.Context, patientID string, filter medication.TimelineFilter) (_ []*medication.TimelineEvent, err error) {
	ctx, span := tracing.Start(ctx, "postgres.timeline", patientID)
	defer func() { tracing.End(span, err) }()

	where := []string{"patient_id = $1"}
	args := []any{patientID}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("event_date >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		where = append(where, fmt.Sprintf("event_date <= $%d", len(args)))
	}

	query := `
		SELECT sequence, event_id, patient_id, event_type, event_date, description, details,
		       severity, source_prescription_id, recorded_at
		FROM timeline_events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY event_date DESC, sequence ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	events := []*medication.TimelineEvent{}
	for rows.Next() {
		var (
			e       medication.TimelineEvent
			details []byte
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.PatientID, &e.EventType, &e.EventDate,
			&e.Description, &details, &e.Severity, &e.SourcePrescriptionID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Prescriptions implements medication.Repository
func (r *Repository) Prescriptions(ctx context.Context, patientID string) ([]medication.PrescriptionSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT prescription_id, patient_id, prescription_date, doctor_name, clinic_name,
		       diagnoses, risk_level, safety_report, reconciled_at
		FROM prescriptions
		WHERE patient_id = $1
		ORDER BY prescription_date DESC, reconciled_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	out := []medication.PrescriptionSummary{}
	for rows.Next() {
		var (
			s      medication.PrescriptionSummary
			report []byte
		)
		if err := rows.Scan(&s.PrescriptionID, &s.PatientID, &s.PrescriptionDate, &s.DoctorName,
			&s.ClinicName, &s.Diagnoses, &s.RiskLevel, &report, &s.ReconciledAt); err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		if len(report) > 0 {
			s.SafetyReport = json.RawMessage(report)
		}
		s.PrescriptionDate = s.PrescriptionDate.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
