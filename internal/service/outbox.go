package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/safety"
)

// Outbox message types
const (
	TypeTimelineEvent = "timeline.event"
	TypeReconciled    = "prescription.reconciled"
	TypeSafetyReport  = "safety.report"
)

// ReconciledMessage is published on medication.reconciled
type ReconciledMessage struct {
	PatientID        string               `json:"patient_id"`
	PrescriptionID   string               `json:"prescription_id"`
	PrescriptionDate time.Time            `json:"prescription_date"`
	Changes          medication.ChangeSet `json:"changes"`
	RiskLevel        safety.RiskLevel     `json:"risk_level"`
	Warnings         []medication.Warning `json:"warnings,omitempty"`
}

// SafetyMessage is published on medication.safety when a report carries
// high-priority alerts
type SafetyMessage struct {
	PatientID      string         `json:"patient_id"`
	PrescriptionID string         `json:"prescription_id,omitempty"`
	Report         *safety.Report `json:"report"`
}

func reconciledMutation(rx *medication.PrescriptionRecord, res *ReconciliationResult) (*medication.Mutation, error) {
	report, err := json.Marshal(res.Safety)
	if err != nil {
		return nil, fmt.Errorf("encode safety report: %w", err)
	}

	msgs, err := timelineMessages(rx.PatientID, res.Events)
	if err != nil {
		return nil, err
	}

	summary, err := json.Marshal(ReconciledMessage{
		PatientID:        rx.PatientID,
		PrescriptionID:   rx.PrescriptionID,
		PrescriptionDate: res.PrescriptionDate,
		Changes:          res.Changes,
		RiskLevel:        res.Safety.RiskLevel,
		Warnings:         res.Warnings,
	})
	if err != nil {
		return nil, fmt.Errorf("encode reconciled message: %w", err)
	}
	msgs = append(msgs, medication.OutboxMessage{
		Topic:   medication.TopicReconciled,
		Key:     rx.PatientID,
		Type:    TypeReconciled,
		Payload: summary,
	})

	safetyMsg, err := safetyMessage(rx.PatientID, rx.PrescriptionID, res.Safety)
	if err != nil {
		return nil, err
	}
	if safetyMsg != nil {
		msgs = append(msgs, *safetyMsg)
	}

	return &medication.Mutation{
		Prescription:     rx,
		PrescriptionDate: res.PrescriptionDate,
		Events:           res.Events,
		RiskLevel:        string(res.Safety.RiskLevel),
		SafetyReport:     report,
		Outbox:           msgs,
	}, nil
}

func timelineMessages(patientID string, events []*medication.TimelineEvent) ([]medication.OutboxMessage, error) {
	msgs := make([]medication.OutboxMessage, 0, len(events)+2)
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode timeline event %s: %w", ev.EventID, err)
		}
		msgs = append(msgs, medication.OutboxMessage{
			Topic:   medication.TopicTimeline,
			Key:     patientID,
			Type:    TypeTimelineEvent,
			Payload: payload,
		})
	}
	return msgs, nil
}

func safetyMessage(patientID, prescriptionID string, report *safety.Report) (*medication.OutboxMessage, error) {
	if report == nil || len(report.HighPriorityAlerts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(SafetyMessage{
		PatientID:      patientID,
		PrescriptionID: prescriptionID,
		Report:         report,
	})
	if err != nil {
		return nil, fmt.Errorf("encode safety message: %w", err)
	}
	return &medication.OutboxMessage{
		Topic:   medication.TopicSafety,
		Key:     patientID,
		Type:    TypeSafetyReport,
		Payload: payload,
	}, nil
}
