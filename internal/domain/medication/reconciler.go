package medication

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WarningCode classifies a recoverable problem found while reconciling.
type WarningCode string

const (
	WarningNormalizationMiss WarningCode = "normalization_miss"
	WarningMalformedDate     WarningCode = "malformed_date"
	WarningEmptyEntry        WarningCode = "empty_entry"
	WarningSafetyFailed      WarningCode = "safety_analysis_failed"
)

// Warning is a recoverable problem recorded on the result.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// ChangeSet classifies every generic name touched by one prescription.
type ChangeSet struct {
	New         []string `json:"new"`
	Continued   []string `json:"continued"`
	DoseChanged []string `json:"dose_changed"`
	Restarted   []string `json:"restarted"`
	Stopped     []string `json:"stopped"`
}

func newChangeSet() ChangeSet {
	return ChangeSet{
		New:         []string{},
		Continued:   []string{},
		DoseChanged: []string{},
		Restarted:   []string{},
		Stopped:     []string{},
	}
}

// Result is the outcome of reconciling one prescription.
type Result struct {
	PatientID        string           `json:"patient_id"`
	PrescriptionID   string           `json:"prescription_id"`
	PrescriptionDate time.Time        `json:"prescription_date"`
	Changes          ChangeSet        `json:"changes"`
	Events           []*TimelineEvent `json:"events"`
	Normalized       []Normalization  `json:"normalized"`
	Warnings         []Warning        `json:"warnings,omitempty"`
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithClock overrides the ingestion clock used for unparsable dates.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconciler diffs prescriptions against a patient's medication state. It
// holds no per-patient data and is safe for concurrent use; callers must
// serialize access to a given state.
type Reconciler struct {
	normalizer *Normalizer
	now        func() time.Time
	logger     *zap.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(normalizer *Normalizer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		normalizer: normalizer,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalizer returns the drug normalizer
func (r *Reconciler) Normalizer() *Normalizer { return r.normalizer }

type candidate struct {
	entry MedicationEntry
	norm  Normalization
}

// Reconcile applies rx to state and returns the classified changes together
// with the timeline events describing them. The prescription medication list
// replaces the previous active list.
func (r *Reconciler) Reconcile(state *PatientMedicationState, rx *PrescriptionRecord) (*Result, error) {
	if state == nil || rx == nil {
		return nil, &ValidationError{Fields: []string{"state and prescription are required"}}
	}
	if err := rx.Validate(); err != nil {
		return nil, err
	}
	if rx.PatientID != state.PatientID() {
		return nil, &ValidationError{Fields: []string{
			fmt.Sprintf("prescription patient %q does not match state patient %q", rx.PatientID, state.PatientID()),
		}}
	}

	result := &Result{
		PatientID:      rx.PatientID,
		PrescriptionID: rx.PrescriptionID,
		Changes:        newChangeSet(),
	}

	date, ok := parsePrescriptionDate(rx.PrescriptionDate)
	if !ok {
		date = r.now()
		if strings.TrimSpace(rx.PrescriptionDate) != "" {
			result.Warnings = append(result.Warnings, Warning{
				Code:    WarningMalformedDate,
				Message: fmt.Sprintf("unparsable prescription date %q, using ingestion time", rx.PrescriptionDate),
			})
		}
	}
	result.PrescriptionDate = date

	candidates, order := r.collectCandidates(rx, result)

	emit := func(e *TimelineEvent) {
		result.Events = append(result.Events, e.FromPrescription(rx.PrescriptionID))
	}

	emit(NewTimelineEvent(rx.PatientID, EventPrescriptionAdded, SeverityInfo, date,
		prescriptionDescription(rx.DoctorName),
		map[string]any{
			"doctor":            rx.DoctorName,
			"clinic":            rx.ClinicName,
			"diagnosis":         nonEmpty(rx.Diagnoses),
			"medication_count":  len(order),
			"source_confidence": rx.Confidence,
		}))

	prior := state.activeKeys()
	touched := make(map[string]bool, len(order))

	for _, key := range order {
		c := candidates[key]
		touched[key] = true

		if existing, ok := state.active[key]; ok {
			if strings.TrimSpace(existing.Dosage) == strings.TrimSpace(c.entry.Dosage) {
				result.Changes.Continued = append(result.Changes.Continued, key)
				continue
			}
			previous := existing.Dosage
			existing.Dosage = c.entry.Dosage
			existing.Frequency = c.entry.Frequency
			existing.Prescriber = rx.DoctorName
			existing.SourcePrescriptionID = rx.PrescriptionID
			result.Changes.DoseChanged = append(result.Changes.DoseChanged, key)
			emit(NewTimelineEvent(rx.PatientID, EventMedicationChanged, SeverityWarning, date,
				fmt.Sprintf("Dose change: %s %s → %s", displayName(c), previous, c.entry.Dosage),
				map[string]any{
					"medication":      key,
					"previous_dosage": previous,
					"new_dosage":      c.entry.Dosage,
					"frequency":       c.entry.Frequency,
					"prescriber":      rx.DoctorName,
				}))
			continue
		}

		rec := r.newRecord(c, rx, date)
		if err := state.addActive(rec); err != nil {
			return nil, err
		}

		if state.WasTaken(key) {
			result.Changes.Restarted = append(result.Changes.Restarted, key)
			emit(NewTimelineEvent(rx.PatientID, EventMedicationRestarted, SeverityInfo, date,
				fmt.Sprintf("Medication restarted: %s", displayName(c)),
				recordDetails(rec)))
			continue
		}

		result.Changes.New = append(result.Changes.New, key)
		emit(NewTimelineEvent(rx.PatientID, EventMedicationStarted, SeverityInfo, date,
			strings.TrimSpace(fmt.Sprintf("New medication: %s %s", displayName(c), c.entry.Dosage)),
			recordDetails(rec)))
	}

	for _, key := range prior {
		if touched[key] {
			continue
		}
		rec, err := state.discontinue(key, date)
		if err != nil {
			return nil, err
		}
		result.Changes.Stopped = append(result.Changes.Stopped, key)
		emit(stoppedEvent(rx.PatientID, rec, "not present in subsequent prescription"))
	}

	for _, d := range rx.Diagnoses {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		emit(NewTimelineEvent(rx.PatientID, EventDiagnosisRecorded, SeverityInfo, date,
			"Diagnosis: "+d,
			map[string]any{"diagnosis": d, "doctor": rx.DoctorName}))
	}

	r.logger.Debug("prescription reconciled",
		zap.String("patient_id", rx.PatientID),
		zap.String("prescription_id", rx.PrescriptionID),
		zap.Int("new", len(result.Changes.New)),
		zap.Int("continued", len(result.Changes.Continued)),
		zap.Int("dose_changed", len(result.Changes.DoseChanged)),
		zap.Int("restarted", len(result.Changes.Restarted)),
		zap.Int("stopped", len(result.Changes.Stopped)),
		zap.Int("warnings", len(result.Warnings)),
	)

	return result, nil
}

// Discontinue stops one active medication outside of a prescription.
func (r *Reconciler) Discontinue(state *PatientMedicationState, name, reason string) (*TimelineEvent, error) {
	generic := r.normalizer.Normalize(name).GenericName
	rec, err := state.discontinue(generic, r.now())
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "discontinued manually"
	}
	return stoppedEvent(state.PatientID(), rec, reason), nil
}

// collectCandidates normalizes entries and keys them by generic name. A
// repeated generic keeps the last entry, placed at its last position.
func (r *Reconciler) collectCandidates(rx *PrescriptionRecord, result *Result) (map[string]candidate, []string) {
	candidates := make(map[string]candidate, len(rx.Medications))
	var order []string

	for i, entry := range rx.Medications {
		if strings.TrimSpace(entry.Name) == "" {
			result.Warnings = append(result.Warnings, Warning{
				Code:    WarningEmptyEntry,
				Message: fmt.Sprintf("medication entry %d has no name and was skipped", i),
			})
			continue
		}

		n := r.normalizer.Normalize(entry.Name)
		result.Normalized = append(result.Normalized, n)
		if !n.Known() {
			result.Warnings = append(result.Warnings, Warning{
				Code:    WarningNormalizationMiss,
				Message: fmt.Sprintf("unrecognized drug %q kept as %q", entry.Name, n.GenericName),
			})
		}

		key := n.GenericName
		if _, dup := candidates[key]; dup {
			for j, k := range order {
				if k == key {
					order = append(order[:j], order[j+1:]...)
					break
				}
			}
		}
		candidates[key] = candidate{entry: entry, norm: n}
		order = append(order, key)
	}
	return candidates, order
}

func (r *Reconciler) newRecord(c candidate, rx *PrescriptionRecord, date time.Time) *MedicationRecord {
	return &MedicationRecord{
		ID:                   uuid.New().String(),
		RawName:              c.entry.Name,
		GenericName:          c.norm.GenericName,
		DrugClass:            c.norm.DrugClass,
		Dosage:               c.entry.Dosage,
		Frequency:            c.entry.Frequency,
		Route:                c.entry.Route,
		Duration:             c.entry.Duration,
		StartDate:            date,
		Prescriber:           rx.DoctorName,
		SourcePrescriptionID: rx.PrescriptionID,
		IsActive:             true,
	}
}

func stoppedEvent(patientID string, rec *MedicationRecord, reason string) *TimelineEvent {
	return NewTimelineEvent(patientID, EventMedicationStopped, SeverityWarning, *rec.EndDate,
		fmt.Sprintf("Medication discontinued: %s", rec.GenericName),
		map[string]any{
			"medication":      rec.GenericName,
			"was_dosage":      rec.Dosage,
			"duration_on_med": formatDuration(rec.StartDate, *rec.EndDate),
			"reason":          reason,
		})
}

func recordDetails(rec *MedicationRecord) map[string]any {
	return map[string]any{
		"medication": rec.GenericName,
		"raw_name":   rec.RawName,
		"drug_class": rec.DrugClass,
		"dosage":     rec.Dosage,
		"frequency":  rec.Frequency,
		"route":      rec.Route,
		"duration":   rec.Duration,
		"prescriber": rec.Prescriber,
	}
}

func prescriptionDescription(doctor string) string {
	if strings.TrimSpace(doctor) == "" {
		return "New prescription"
	}
	return "New prescription from Dr. " + strings.TrimPrefix(strings.TrimSpace(doctor), "Dr. ")
}

func displayName(c candidate) string {
	if name := strings.TrimSpace(c.entry.Name); name != "" {
		return name
	}
	return c.norm.GenericName
}

// formatDuration renders time on a medication as days, weeks or months.
func formatDuration(start, end time.Time) string {
	days := int(end.Sub(start).Hours() / 24)
	switch {
	case days < 7:
		return fmt.Sprintf("%d days", days)
	case days < 30:
		return fmt.Sprintf("%d weeks", days/7)
	default:
		return fmt.Sprintf("%d months", days/30)
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	"January 2, 2006",
}

func parsePrescriptionDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
