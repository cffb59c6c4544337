// Package service orchestrates reconciliation: it locks a patient's state,
// reconciles the prescription, runs safety analysis and persists the result
// with its timeline and outbox entries in one update.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/domain/medication"
	"github.com/drfirst/medrecon/internal/observability/metrics"
	"github.com/drfirst/medrecon/internal/observability/tracing"
	"github.com/drfirst/medrecon/internal/safety"
	"github.com/drfirst/medrecon/pkg/circuitbreaker"
	"github.com/drfirst/medrecon/pkg/idempotency"
)

// HandlerReconcile names the inbox handler for prescription submissions
const HandlerReconcile = "reconcile_prescription"

// Deduplicator runs a handler at most once per key. *idempotency.Inbox
// implements it.
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.HandlerFunc) (*idempotency.Outcome, error)
}

// ReconciliationResult is returned for every submitted prescription
type ReconciliationResult struct {
	*medication.Result
	Safety   *safety.Report                `json:"safety"`
	Active   []medication.MedicationRecord `json:"active_medications"`
	Replayed bool                          `json:"replayed,omitempty"`
}

// Option configures a Service
type Option func(*Service)

// WithBreaker routes safety analysis through a circuit breaker
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(s *Service) { s.breaker = cb }
}

// WithInbox deduplicates submissions by patient and prescription id
func WithInbox(d Deduplicator) Option {
	return func(s *Service) { s.inbox = d }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for manual operations
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the single entry point for every ingestion path
type Service struct {
	repo       medication.Repository
	reconciler *medication.Reconciler
	analyzer   *safety.Analyzer
	breaker    *circuitbreaker.CircuitBreaker
	inbox      Deduplicator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a reconciliation service
func New(repo medication.Repository, reconciler *medication.Reconciler, analyzer *safety.Analyzer, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		reconciler: reconciler,
		analyzer:   analyzer,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitPrescription reconciles rx against the patient's state. A replayed
// prescription returns the stored result when an inbox is configured.
func (s *Service) SubmitPrescription(ctx context.Context, rx *medication.PrescriptionRecord) (*ReconciliationResult, error) {
	if rx == nil {
		return nil, &medication.ValidationError{Fields: []string{"prescription"}}
	}
	if err := rx.Validate(); err != nil {
		s.metrics.ObserveReconciliation(metrics.OutcomeInvalid, 0)
		return nil, err
	}

	if s.inbox == nil {
		return s.reconcile(ctx, rx)
	}

	payload, err := json.Marshal(rx)
	if err != nil {
		return nil, fmt.Errorf("encode prescription: %w", err)
	}

	var fresh *ReconciliationResult
	key := idempotency.Key(rx.PatientID, rx.PrescriptionID)
	outcome, err := s.inbox.Process(ctx, key, HandlerReconcile, payload, func(ctx context.Context) (json.RawMessage, error) {
		res, err := s.reconcile(ctx, rx)
		if err != nil {
			return nil, err
		}
		fresh = res
		return json.Marshal(res)
	})
	if err != nil {
		return nil, err
	}
	if fresh != nil {
		return fresh, nil
	}

	var stored ReconciliationResult
	if err := json.Unmarshal(outcome.Result, &stored); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	stored.Replayed = true
	s.metrics.ObserveReconciliation(metrics.OutcomeDuplicate, 0)
	s.logger.Info("prescription replayed",
		zap.String("patient_id", rx.PatientID),
		zap.String("prescription_id", rx.PrescriptionID))
	return &stored, nil
}

func (s *Service) reconcile(ctx context.Context, rx *medication.PrescriptionRecord) (_ *ReconciliationResult, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "service.reconcile", rx.PatientID,
		attribute.String("prescription.id", rx.PrescriptionID),
		attribute.Int("prescription.medications", len(rx.Medications)))
	defer func() {
		tracing.End(span, err)
		s.metrics.ObserveReconciliation(outcomeOf(err), time.Since(start))
	}()

	var out *ReconciliationResult
	state, err := s.repo.Update(ctx, rx.PatientID, func(ctx context.Context, state *medication.PatientMedicationState) (*medication.Mutation, error) {
		res, err := s.reconciler.Reconcile(state, rx)
		if err != nil {
			return nil, err
		}

		report := s.analyze(ctx, state)
		if report.RiskLevel == safety.RiskError {
			res.Warnings = append(res.Warnings, medication.Warning{
				Code:    medication.WarningSafetyFailed,
				Message: report.Error,
			})
		}
		alerts := safety.AlertEvents(rx.PatientID, report, res.PrescriptionDate)
		for _, ev := range alerts {
			ev.FromPrescription(rx.PrescriptionID)
		}
		res.Events = append(res.Events, alerts...)

		out = &ReconciliationResult{Result: res, Safety: report}
		mut, err := reconciledMutation(rx, out)
		if err != nil {
			return nil, err
		}
		return mut, nil
	})
	if err != nil {
		s.logger.Warn("reconciliation failed",
			zap.String("patient_id", rx.PatientID),
			zap.String("prescription_id", rx.PrescriptionID),
			zap.Error(err))
		return nil, err
	}

	out.Active = state.Active()
	s.observe(out)

	s.logger.Info("prescription reconciled",
		zap.String("patient_id", rx.PatientID),
		zap.String("prescription_id", rx.PrescriptionID),
		zap.Int("new", len(out.Changes.New)),
		zap.Int("continued", len(out.Changes.Continued)),
		zap.Int("dose_changed", len(out.Changes.DoseChanged)),
		zap.Int("restarted", len(out.Changes.Restarted)),
		zap.Int("stopped", len(out.Changes.Stopped)),
		zap.String("risk_level", string(out.Safety.RiskLevel)),
		zap.Int("warnings", len(out.Warnings)))

	return out, nil
}

// analyze runs the safety analyzer against the current state. It never
// fails: errors and an open breaker yield an ERROR report.
func (s *Service) analyze(ctx context.Context, state *medication.PatientMedicationState) *safety.Report {
	ctx, span := tracing.Start(ctx, "safety.analyze", state.PatientID(),
		attribute.Int("medications.active", state.ActiveCount()))

	run := func() (*safety.Report, error) {
		r := s.analyzer.Analyze(state.Active(), state.Allergies(), state.Conditions())
		if r.RiskLevel == safety.RiskError {
			return r, errors.New(r.Error)
		}
		return r, nil
	}

	var (
		report *safety.Report
		err    error
	)
	if s.breaker != nil {
		report, err = circuitbreaker.Call(ctx, s.breaker, run)
	} else {
		report, err = run()
	}
	if err != nil {
		s.logger.Warn("safety analysis degraded",
			zap.String("patient_id", state.PatientID()),
			zap.Bool("breaker_open", circuitbreaker.IsOpen(err)),
			zap.Error(err))
		if report == nil {
			report = safety.ErrorReport(err)
		}
	}

	span.SetAttributes(attribute.String("safety.risk_level", string(report.RiskLevel)))
	tracing.End(span, err)
	return report
}

func (s *Service) observe(res *ReconciliationResult) {
	s.metrics.ObserveChanges("new", len(res.Changes.New))
	s.metrics.ObserveChanges("continued", len(res.Changes.Continued))
	s.metrics.ObserveChanges("dose_changed", len(res.Changes.DoseChanged))
	s.metrics.ObserveChanges("restarted", len(res.Changes.Restarted))
	s.metrics.ObserveChanges("stopped", len(res.Changes.Stopped))
	s.metrics.ObserveSafety(string(res.Safety.RiskLevel), len(res.Safety.HighPriorityAlerts))
	for _, w := range res.Warnings {
		s.metrics.ObserveWarning(string(w.Code))
	}
}

func outcomeOf(err error) string {
	var verr *medication.ValidationError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &verr):
		return metrics.OutcomeInvalid
	case errors.Is(err, medication.ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, medication.ErrDuplicatePrescription):
		return metrics.OutcomeDuplicate
	default:
		return metrics.OutcomeError
	}
}

// IsTerminal reports errors that retrying cannot fix.
func IsTerminal(err error) bool {
	var verr *medication.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, medication.ErrDuplicatePrescription) ||
		errors.Is(err, medication.ErrMedicationNotActive)
}

// IsRetryable reports errors worth another attempt from the consumer.
func IsRetryable(err error) bool {
	return errors.Is(err, medication.ErrConflict) ||
		errors.Is(err, idempotency.ErrMessageInProgress)
}
