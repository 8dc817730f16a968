package assessments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trainhub/portal/internal/models"
)

var ErrNotFound = errors.New("assessment not found")

// Repository reads assessments, their questions and assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an assessments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns an assessment with its questions ordered by position, correct indexes included.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Assessment, error) {
	const q = `SELECT id, title, duration_minutes, not_before, not_after, status, created_at
		FROM assessments WHERE id = $1`
	var a models.Assessment
	err := r.pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Title, &a.DurationMinutes, &a.NotBefore, &a.NotAfter, &a.Status, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	questions, err := r.Questions(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Questions = questions
	return &a, nil
}

// Questions returns the questions of an assessment ordered by position.
func (r *Repository) Questions(ctx context.Context, assessmentID uuid.UUID) ([]models.Question, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, position, prompt, option_type, options, correct_index
		FROM questions WHERE assessment_id = $1 ORDER BY position`, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var list []models.Question
	for rows.Next() {
		var q models.Question
		var options []byte
		if err := rows.Scan(&q.ID, &q.Position, &q.Prompt, &q.OptionType, &options, &q.CorrectIndex); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
		}
		list = append(list, q)
	}
	return list, rows.Err()
}

// IsAssigned reports whether the taker may take the assessment.
func (r *Repository) IsAssigned(ctx context.Context, assessmentID, takerID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM assessment_assignments WHERE assessment_id = $1 AND taker_id = $2)`,
		assessmentID, takerID).Scan(&ok)
	return ok, err
}

// ListForTaker returns the assessments assigned to takerID with the taker's attempt state.
func (r *Repository) ListForTaker(ctx context.Context, takerID uuid.UUID) ([]models.AssessmentSummary, error) {
	const q = `SELECT a.id, a.title, a.duration_minutes, a.not_before, a.not_after, a.status,
			(SELECT COUNT(*) FROM questions qs WHERE qs.assessment_id = a.id),
			at.id, at.status
		FROM assessment_assignments aa
		JOIN assessments a ON a.id = aa.assessment_id
		LEFT JOIN attempts at ON at.assessment_id = a.id AND at.taker_id = aa.taker_id
		WHERE aa.taker_id = $1
		ORDER BY a.not_before, a.title`
	rows, err := r.pool.Query(ctx, q, takerID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	list := make([]models.AssessmentSummary, 0)
	for rows.Next() {
		var s models.AssessmentSummary
		var attemptStatus *string
		if err := rows.Scan(&s.ID, &s.Title, &s.DurationMinutes, &s.NotBefore, &s.NotAfter, &s.Status,
			&s.QuestionCount, &s.AttemptID, &attemptStatus); err != nil {
			return nil, err
		}
		if attemptStatus != nil {
			st := models.AttemptStatus(*attemptStatus)
			s.AttemptStatus = &st
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
