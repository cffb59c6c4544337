package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/medrecon/internal/domain/medication"
)

// ErrUnsupportedResource is returned for payloads that are neither a
// Bundle, an array nor a single MedicationRequest.
var ErrUnsupportedResource = errors.New("unsupported FHIR resource")

// prescriptionNamespace derives stable ids for unidentified submissions
var prescriptionNamespace = uuid.MustParse("5b0f6c3e-7d1a-4c5e-9a51-3f0e2d8c4b71")

// Document is a parsed submission of MedicationRequests.
type Document struct {
	// ID is the bundle identifier or id, when the payload was a bundle.
	ID       string
	Requests []MedicationRequest
	raw      []byte
}

// Parse accepts a Bundle, a JSON array of MedicationRequests, or a single
// MedicationRequest. Bundle entries of other resource types are ignored.
func Parse(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnsupportedResource)
	}
	doc := &Document{raw: trimmed}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Requests); err != nil {
			return nil, fmt.Errorf("decode MedicationRequest array: %w", err)
		}
		return doc, nil
	}

	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}

	switch head.ResourceType {
	case "Bundle":
		var b Bundle
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, fmt.Errorf("decode Bundle: %w", err)
		}
		doc.ID = b.ID
		if b.Identifier != nil && b.Identifier.Value != "" {
			doc.ID = b.Identifier.Value
		}
		for i, e := range b.Entry {
			if len(e.Resource) == 0 {
				continue
			}
			if err := json.Unmarshal(e.Resource, &head); err != nil {
				return nil, fmt.Errorf("decode entry %d: %w", i, err)
			}
			if head.ResourceType != "MedicationRequest" {
				continue
			}
			var req MedicationRequest
			if err := json.Unmarshal(e.Resource, &req); err != nil {
				return nil, fmt.Errorf("decode entry %d: %w", i, err)
			}
			doc.Requests = append(doc.Requests, req)
		}
	case "MedicationRequest":
		var req MedicationRequest
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return nil, fmt.Errorf("decode MedicationRequest: %w", err)
		}
		doc.Requests = []MedicationRequest{req}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedResource, head.ResourceType)
	}
	return doc, nil
}

// Skipped is a request left out of the prescription.
type Skipped struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// Mapping is the prescription built from a document.
type Mapping struct {
	Prescription *medication.PrescriptionRecord `json:"prescription"`
	Skipped      []Skipped                      `json:"skipped,omitempty"`
}

// ToPrescription maps the current requests of doc onto one prescription for
// patientID. Only active, on-hold and unknown requests describe what the
// patient takes now; others are reported as skipped. A request whose
// subject names another patient fails the whole document, as does a
// document with no usable request, since an empty prescription would stop
// every active medication.
func ToPrescription(patientID string, doc *Document) (*Mapping, error) {
	rx := &medication.PrescriptionRecord{
		PatientID:  patientID,
		Confidence: 1,
	}
	out := &Mapping{Prescription: rx}

	var invalid []string
	seenReason := make(map[string]bool)
	for i := range doc.Requests {
		req := &doc.Requests[i]

		if subject := idFromReference(req.Subject.Reference); subject != "" && subject != patientID {
			invalid = append(invalid, fmt.Sprintf("request %d: subject %q does not match patient %q", i, subject, patientID))
			continue
		}
		if !current(req.Status) {
			out.Skipped = append(out.Skipped, Skipped{Index: i, ID: req.ID, Reason: "status " + req.Status})
			continue
		}
		entry := toEntry(req)
		if entry.Name == "" {
			out.Skipped = append(out.Skipped, Skipped{Index: i, ID: req.ID, Reason: "medication has no name"})
			continue
		}
		rx.Medications = append(rx.Medications, entry)

		if rx.PrescriptionID == "" && req.GroupIdentifier != nil {
			rx.PrescriptionID = req.GroupIdentifier.Value
		}
		if date, ok := authoredDate(req.AuthoredOn); ok && (rx.PrescriptionDate == "" || date < rx.PrescriptionDate) {
			rx.PrescriptionDate = date
		}
		if rx.DoctorName == "" && req.Requester != nil {
			rx.DoctorName = req.Requester.Display
		}
		for _, reason := range req.Reason {
			name := reason.Concept.text()
			if name == "" && reason.Reference != nil {
				name = reason.Reference.Display
			}
			key := strings.ToLower(name)
			if name != "" && !seenReason[key] {
				seenReason[key] = true
				rx.Diagnoses = append(rx.Diagnoses, name)
			}
		}
	}

	if len(invalid) > 0 {
		return nil, &medication.ValidationError{Fields: invalid}
	}
	if len(rx.Medications) == 0 {
		return nil, &medication.ValidationError{Fields: []string{"no current MedicationRequest in submission"}}
	}

	if rx.PrescriptionID == "" {
		rx.PrescriptionID = doc.ID
	}
	if rx.PrescriptionID == "" {
		rx.PrescriptionID = uuid.NewSHA1(prescriptionNamespace, doc.raw).String()
	}
	return out, nil
}

func current(status string) bool {
	switch status {
	case StatusActive, StatusOnHold, StatusUnknown, "":
		return true
	}
	return false
}

// authoredDate returns the YYYY-MM-DD part of a FHIR dateTime.
func authoredDate(s string) (string, bool) {
	if len(s) < 10 {
		return "", false
	}
	if _, err := time.Parse("2006-01-02", s[:10]); err != nil {
		return "", false
	}
	return s[:10], true
}

func toEntry(req *MedicationRequest) medication.MedicationEntry {
	entry := medication.MedicationEntry{Name: medicationName(req.Medication)}

	var dosage *Dosage
	if len(req.DosageInstruction) > 0 {
		dosage = &req.DosageInstruction[0]
	}
	if dosage != nil {
		for _, dr := range dosage.DoseAndRate {
			if dr.DoseQuantity != nil {
				entry.Dosage = formatQuantity(dr.DoseQuantity)
				break
			}
		}
		entry.Route = dosage.Route.text()
		if dosage.Timing != nil {
			entry.Frequency = dosage.Timing.Code.text()
			if entry.Frequency == "" && dosage.Timing.Repeat != nil {
				entry.Frequency = frequencyText(dosage.Timing.Repeat)
			}
			if dosage.Timing.Repeat != nil && dosage.Timing.Repeat.BoundsDuration != nil {
				entry.Duration = formatDuration(dosage.Timing.Repeat.BoundsDuration)
			}
		}
		entry.Instructions = firstNonEmpty(dosage.PatientInstruction, dosage.Text)
		if dosage.AsNeeded && entry.Frequency != "" {
			entry.Frequency += " as needed"
		}
	}
	if entry.Instructions == "" {
		entry.Instructions = req.RenderedDosageInstruction
	}
	if entry.Duration == "" && req.DispenseRequest != nil && req.DispenseRequest.ExpectedSupplyDuration != nil {
		entry.Duration = formatDuration(req.DispenseRequest.ExpectedSupplyDuration)
	}
	return entry
}

// medicationName prefers prescriber text, then the RxNorm display.
func medicationName(m CodeableReference) string {
	if c := m.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		for _, coding := range c.Coding {
			if coding.System == SystemRxNorm && coding.Display != "" {
				return coding.Display
			}
		}
		if name := c.text(); name != "" {
			return name
		}
	}
	if m.Reference != nil {
		return m.Reference.Display
	}
	return ""
}

func formatQuantity(q *Quantity) string {
	unit := firstNonEmpty(q.Unit, q.Code)
	value := strconv.FormatFloat(q.Value, 'f', -1, 64)
	switch {
	case unit == "":
		return value
	case len(unit) <= 3:
		return value + unit
	default:
		return value + " " + unit
	}
}

var durationUnits = map[string]string{
	"s": "seconds", "min": "minutes", "h": "hours", "d": "days",
	"wk": "weeks", "mo": "months", "a": "years",
}

func formatDuration(d *Duration) string {
	unit := d.Unit
	if unit == "" {
		unit = durationUnits[d.Code]
	}
	value := strconv.FormatFloat(d.Value, 'f', -1, 64)
	if unit == "" {
		return value
	}
	return value + " " + unit
}

var periodWords = map[string]string{"h": "hourly", "d": "daily", "wk": "weekly", "mo": "monthly"}

var timesWords = map[int]string{1: "once", 2: "twice", 3: "three times", 4: "four times"}

func frequencyText(r *TimingRepeat) string {
	freq := r.Frequency
	if freq == 0 {
		freq = 1
	}
	period := r.Period
	if period == 0 {
		period = 1
	}

	var text string
	if word, ok := periodWords[r.PeriodUnit]; ok && period == 1 {
		times, ok := timesWords[freq]
		if !ok {
			times = strconv.Itoa(freq) + " times"
		}
		text = times + " " + word
	} else if r.PeriodUnit != "" {
		unit := durationUnits[r.PeriodUnit]
		if unit == "" {
			unit = r.PeriodUnit
		}
		text = fmt.Sprintf("every %s %s", strconv.FormatFloat(period, 'f', -1, 64), unit)
		if freq > 1 {
			text = fmt.Sprintf("%d times %s", freq, text)
		}
	}

	if len(r.When) > 0 {
		when := strings.Join(r.When, ", ")
		if text == "" {
			return when
		}
		text += " (" + when + ")"
	}
	return text
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
