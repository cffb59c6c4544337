package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/service"
)

// Submitter reconciles one prescription
type Submitter interface {
	SubmitPrescription(ctx context.Context, rx *medication.PrescriptionRecord) (*service.ReconciliationResult, error)
}

// Publisher sends raw messages; *Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// DecodeError marks a message that can never be processed
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode prescription: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// PrescriptionHandler decodes extracted prescriptions and reconciles them.
// The record key, when present, must match the payload's patient_id.
func PrescriptionHandler(svc Submitter, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *ConsumedMessage) error {
		var rx medication.PrescriptionRecord
		if err := json.Unmarshal(msg.Value, &rx); err != nil {
			return &DecodeError{Err: err}
		}
		if len(msg.Key) > 0 && rx.PatientID != "" && string(msg.Key) != rx.PatientID {
			return &DecodeError{Err: fmt.Errorf("record key %q does not match patient_id %q", msg.Key, rx.PatientID)}
		}

		res, err := svc.SubmitPrescription(ctx, &rx)
		if err != nil {
			return err
		}
		logger.Debug("extracted prescription reconciled",
			zap.String("patient_id", rx.PatientID),
			zap.String("prescription_id", rx.PrescriptionID),
			zap.Bool("replayed", res.Replayed),
			zap.Int64("offset", msg.Offset))
		return nil
	}
}

// deadLetter is the envelope written to the extracted-prescription DLQ
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	Error         string          `json:"error"`
	FailedAt      time.Time       `json:"failed_at"`
	Payload       json.RawMessage `json:"payload"`
}

// DeadLetterHandler forwards failed messages to topic unchanged in key
func DeadLetterHandler(pub Publisher, topic string) FailureHandler {
	return func(ctx context.Context, msg *ConsumedMessage, err error) error {
		payload := json.RawMessage(msg.Value)
		if !json.Valid(msg.Value) {
			raw, _ := json.Marshal(string(msg.Value))
			payload = raw
		}
		body, merr := json.Marshal(deadLetter{
			OriginalTopic: msg.Topic,
			Partition:     msg.Partition,
			Offset:        msg.Offset,
			Error:         err.Error(),
			FailedAt:      time.Now().UTC(),
			Payload:       payload,
		})
		if merr != nil {
			return fmt.Errorf("marshal dead letter: %w", merr)
		}
		return pub.Publish(ctx, topic, string(msg.Key), body)
	}
}
