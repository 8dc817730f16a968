package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the server-side lifecycle of an attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
)

// Trigger is the event source that finalized an attempt.
type Trigger string

const (
	TriggerExplicit Trigger = "explicit"
	TriggerTimeout  Trigger = "timeout"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	return t == TriggerExplicit || t == TriggerTimeout
}

// Attempt is one taker's run through an assessment.
// Answers is sparse: question index -> option index, unanswered questions are absent.
type Attempt struct {
	ID              uuid.UUID     `json:"id"`
	AssessmentID    uuid.UUID     `json:"assessment_id"`
	TakerID         uuid.UUID     `json:"taker_id"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds int           `json:"duration_seconds"`
	Status          AttemptStatus `json:"status"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Trigger         *Trigger      `json:"trigger,omitempty"`
	Answers         map[int]int   `json:"-"`
}

// Deadline is the server-anchored end of the attempt.
func (a *Attempt) Deadline() time.Time {
	return a.StartedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// StartedAttempt is the body of POST /assessments/:id/start.
// ServerTime lets the client measure its clock offset against the server.
type StartedAttempt struct {
	AttemptID       uuid.UUID  `json:"attempt_id"`
	AssessmentID    uuid.UUID  `json:"assessment_id"`
	StartedAt       time.Time  `json:"started_at"`
	DurationSeconds int        `json:"duration_seconds"`
	ServerTime      time.Time  `json:"server_time"`
	Resumed         bool       `json:"resumed"`
	Questions       []Question `json:"questions"`
}

// AnswerEntry is one dense finalize payload item. Unanswered entries carry Answered=false
// and no OptionIndex; they are never omitted.
type AnswerEntry struct {
	QuestionIndex int       `json:"question_index"`
	QuestionID    uuid.UUID `json:"question_id"`
	Answered      bool      `json:"answered"`
	OptionIndex   *int      `json:"option_index"`
}

// FinalizeRequest is the body of POST /attempts/:id/finalize.
type FinalizeRequest struct {
	Trigger          Trigger       `json:"trigger"`
	Answers          []AnswerEntry `json:"answers"`
	TimeSpentSeconds int           `json:"time_spent_seconds"`
}

// QuestionResult is the per-question breakdown of a result.
type QuestionResult struct {
	QuestionIndex int       `json:"question_index"`
	QuestionID    uuid.UUID `json:"question_id"`
	Answered      bool      `json:"answered"`
	OptionIndex   *int      `json:"option_index"`
	Correct       bool      `json:"correct"`
}

// Result is produced by the backend at finalize time and never built by the client.
type Result struct {
	AttemptID        uuid.UUID        `json:"attempt_id"`
	Score            int              `json:"score"`
	MaxScore         int              `json:"max_score"`
	TimeSpentSeconds int              `json:"time_spent_seconds"`
	Trigger          Trigger          `json:"trigger"`
	CompletedAt      time.Time        `json:"completed_at"`
	PerQuestion      []QuestionResult `json:"per_question"`
}

// FinalizeResponse is the body of POST /attempts/:id/finalize.
type FinalizeResponse struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	Result    *Result   `json:"result"`
}
