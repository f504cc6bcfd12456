package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orderFulfillment/models"
)

// SagaRepository is the append-only saga log.
type SagaRepository struct {
	db *sql.DB
}

func NewSagaRepository(db *sql.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

const sagaColumns = `id, saga_ref, kind, subject, step, outcome, detail, created_at`

// Append writes one step.
func (r *SagaRepository) Append(ctx context.Context, s *models.SagaStep) error {
	if s == nil {
		return errors.New("saga step is nil")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO saga_steps (saga_ref, kind, subject, step, outcome, detail, created_at) VALUES (?,?,?,?,?,?,?)`,
		s.SagaRef, string(s.Kind), s.Subject, s.Step, string(s.Outcome), s.Detail, s.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

// ListBySaga returns the steps of one saga in the order they were written.
func (r *SagaRepository) ListBySaga(ctx context.Context, sagaRef string) ([]models.SagaStep, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT `+sagaColumns+` FROM saga_steps WHERE saga_ref = ? ORDER BY id`, sagaRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSagaRows(rows)
}

// ListBySubject returns every step recorded against an order or draft ref.
func (r *SagaRepository) ListBySubject(ctx context.Context, subject string) ([]models.SagaStep, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT `+sagaColumns+` FROM saga_steps WHERE subject = ? ORDER BY id`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSagaRows(rows)
}

// ListFailed returns failed steps written at or after since, newest first.
func (r *SagaRepository) ListFailed(ctx context.Context, since time.Time, limit int) ([]models.SagaStep, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sagaColumns+` FROM saga_steps WHERE outcome = 'failed' AND created_at >= ? ORDER BY id DESC LIMIT ?`,
		since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSagaRows(rows)
}

// ListStalled returns, for sagas of kind, the latest step when it is step
// with outcome done and was written before cutoff.
func (r *SagaRepository) ListStalled(ctx context.Context, kind models.SagaKind, step string, cutoff time.Time) ([]models.SagaStep, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT s.id, s.saga_ref, s.kind, s.subject, s.step, s.outcome, s.detail, s.created_at
FROM saga_steps s
JOIN (SELECT saga_ref, MAX(id) AS last_id FROM saga_steps WHERE kind = ? GROUP BY saga_ref) l ON l.last_id = s.id
WHERE s.step = ? AND s.outcome = 'done' AND s.created_at < ?
ORDER BY s.id`, string(kind), step, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSagaRows(rows)
}

func scanSagaRows(rows *sql.Rows) ([]models.SagaStep, error) {
	var out []models.SagaStep
	for rows.Next() {
		var s models.SagaStep
		var kind, outcome string
		if err := rows.Scan(&s.ID, &s.SagaRef, &kind, &s.Subject, &s.Step, &outcome, &s.Detail, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Kind = models.SagaKind(kind)
		s.Outcome = models.StepOutcome(outcome)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
