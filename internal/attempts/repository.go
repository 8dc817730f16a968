package attempts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/database"
)

// Repository stores attempts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attempts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const attemptColumns = `id, assessment_id, taker_id, started_at, duration_seconds, status, completed_at, trigger, result`

func scanAttempt(row pgx.Row) (*models.Attempt, *models.Result, error) {
	var a models.Attempt
	var trigger *string
	var raw []byte
	err := row.Scan(&a.ID, &a.AssessmentID, &a.TakerID, &a.StartedAt, &a.DurationSeconds,
		&a.Status, &a.CompletedAt, &trigger, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if trigger != nil {
		t := models.Trigger(*trigger)
		a.Trigger = &t
	}
	var res *models.Result
	if len(raw) > 0 {
		res = &models.Result{}
		if err := json.Unmarshal(raw, res); err != nil {
			return nil, nil, fmt.Errorf("decode result of attempt %s: %w", a.ID, err)
		}
	}
	return &a, res, nil
}

// FindForTaker returns the taker's attempt at an assessment.
func (r *Repository) FindForTaker(ctx context.Context, takerID, assessmentID uuid.UUID) (*models.Attempt, error) {
	a, _, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE taker_id = $1 AND assessment_id = $2`,
		takerID, assessmentID))
	return a, err
}

// Create inserts an attempt; concurrent starts of the same taker converge on one row.
func (r *Repository) Create(ctx context.Context, a *models.Attempt) (*models.Attempt, bool, error) {
	const insert = `INSERT INTO attempts (assessment_id, taker_id, started_at, duration_seconds, status)
		VALUES ($1, $2, $3, $4, 'in_progress')
		ON CONFLICT (taker_id, assessment_id) DO NOTHING
		RETURNING ` + attemptColumns
	created, _, err := scanAttempt(r.pool.QueryRow(ctx, insert, a.AssessmentID, a.TakerID, a.StartedAt, a.DurationSeconds))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrAttemptNotFound) {
		return nil, false, err
	}
	existing, err := r.FindForTaker(ctx, a.TakerID, a.AssessmentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns an attempt and its result.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Attempt, *models.Result, error) {
	return scanAttempt(r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// Complete stores the result and per-question answers in one transaction. Only an
// in_progress attempt is updated.
func (r *Repository) Complete(ctx context.Context, res *models.Result) (bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	applied := false
	err = database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE attempts
			SET status = 'completed', completed_at = $2, trigger = $3, score = $4, max_score = $5,
				time_spent_seconds = $6, result = $7
			WHERE id = $1 AND status = 'in_progress'`,
			res.AttemptID, res.CompletedAt, string(res.Trigger), res.Score, res.MaxScore, res.TimeSpentSeconds, raw)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		batch := &pgx.Batch{}
		for _, pq := range res.PerQuestion {
			batch.Queue(`INSERT INTO attempt_answers (attempt_id, question_index, question_id, option_index, answered, correct)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				res.AttemptID, pq.QuestionIndex, pq.QuestionID, pq.OptionIndex, pq.Answered, pq.Correct)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListOverdue returns in_progress attempts whose deadline is before cutoff, oldest first.
func (r *Repository) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]models.Attempt, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+attemptColumns+` FROM attempts
		WHERE status = 'in_progress'
			AND started_at + duration_seconds * INTERVAL '1 second' < $1
		ORDER BY started_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	defer rows.Close()

	var list []models.Attempt
	for rows.Next() {
		a, _, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}
