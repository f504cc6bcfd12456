// Package saga records the steps of multi-step flows (checkout, dispatch,
// completion, reconcile) so that partial failures can be found and repaired.
package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"orderFulfillment/internal/logger"
	"orderFulfillment/models"
)

// Store is the append-only saga log.
type Store interface {
	Append(ctx context.Context, s *models.SagaStep) error
	ListBySaga(ctx context.Context, sagaRef string) ([]models.SagaStep, error)
	ListFailed(ctx context.Context, since time.Time, limit int) ([]models.SagaStep, error)
	ListStalled(ctx context.Context, kind models.SagaKind, step string, cutoff time.Time) ([]models.SagaStep, error)
}

// Recorder writes saga steps and mirrors them to the log.
type Recorder struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

func NewRecorder(store Store, log *logger.Logger) *Recorder {
	return &Recorder{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Saga is a handle on one running flow.
type Saga struct {
	Ref     string
	Kind    models.SagaKind
	Subject string
	rec     *Recorder
}

// Start opens a new saga about subject (an order or draft ref).
func (r *Recorder) Start(kind models.SagaKind, subject string) *Saga {
	return r.Resume(kind, uuid.NewString(), subject)
}

// Resume continues a saga whose ref was persisted elsewhere (e.g. on a draft).
func (r *Recorder) Resume(kind models.SagaKind, ref, subject string) *Saga {
	if ref == "" {
		ref = uuid.NewString()
	}
	return &Saga{Ref: ref, Kind: kind, Subject: subject, rec: r}
}

// Done records a completed step.
func (s *Saga) Done(ctx context.Context, step, detail string) {
	s.rec.record(ctx, s, step, models.StepDone, detail)
}

// Fail records a failed step together with its cause.
func (s *Saga) Fail(ctx context.Context, step string, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	s.rec.log.Error(string(s.Kind), s.Subject, "saga step failed", cause,
		slog.String("saga_ref", s.Ref), slog.String("step", step))
	s.rec.record(ctx, s, step, models.StepFailed, detail)
}

// Compensate records a step that undid earlier work.
func (s *Saga) Compensate(ctx context.Context, step, detail string) {
	s.rec.record(ctx, s, step, models.StepCompensated, detail)
}

// Steps returns the recorded steps of a saga, oldest first.
func (r *Recorder) Steps(ctx context.Context, sagaRef string) ([]models.SagaStep, error) {
	return r.store.ListBySaga(ctx, sagaRef)
}

// Failures returns failed steps recorded since the given time, newest first.
func (r *Recorder) Failures(ctx context.Context, since time.Time, limit int) ([]models.SagaStep, error) {
	return r.store.ListFailed(ctx, since, limit)
}

// Stalled returns sagas whose latest step is step and older than cutoff.
func (r *Recorder) Stalled(ctx context.Context, kind models.SagaKind, step string, cutoff time.Time) ([]models.SagaStep, error) {
	return r.store.ListStalled(ctx, kind, step, cutoff)
}

// record never fails the caller's operation: the business write already
// happened and the log entry is best effort.
func (r *Recorder) record(ctx context.Context, s *Saga, step string, outcome models.StepOutcome, detail string) {
	entry := &models.SagaStep{
		SagaRef:   s.Ref,
		Kind:      s.Kind,
		Subject:   s.Subject,
		Step:      step,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: r.now(),
	}
	// The caller's context may already be cancelled when recording a failure.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Append(ctx, entry); err != nil {
		r.log.Error(string(s.Kind), s.Subject, "saga log write failed", err,
			slog.String("saga_ref", s.Ref), slog.String("step", step), slog.String("outcome", string(outcome)))
		return
	}
	r.log.Debug(string(s.Kind), s.Subject, "saga step recorded",
		slog.String("saga_ref", s.Ref), slog.String("step", step), slog.String("outcome", string(outcome)))
}
