package models

import "time"

// SagaKind names the multi-step flow a saga step belongs to.
type SagaKind string

const (
	SagaCheckout   SagaKind = "checkout"
	SagaDispatch   SagaKind = "dispatch"
	SagaCompletion SagaKind = "completion"
	SagaReconcile  SagaKind = "reconcile"
)

// StepOutcome is the result recorded for a saga step.
type StepOutcome string

const (
	StepDone        StepOutcome = "done"
	StepFailed      StepOutcome = "failed"
	StepCompensated StepOutcome = "compensated"
)

// SagaStep is one entry of the saga log.
type SagaStep struct {
	ID        int64       `db:"id" json:"id"`
	SagaRef   string      `db:"saga_ref" json:"saga_ref"`
	Kind      SagaKind    `db:"kind" json:"kind"`
	Subject   string      `db:"subject" json:"subject"` // order ref or draft ref
	Step      string      `db:"step" json:"step"`
	Outcome   StepOutcome `db:"outcome" json:"outcome"`
	Detail    string      `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}
