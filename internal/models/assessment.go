package models

import (
	"time"

	"github.com/google/uuid"
)

// AssessmentStatus is the administrator-controlled lifecycle of an assessment.
type AssessmentStatus string

const (
	AssessmentScheduled AssessmentStatus = "scheduled"
	AssessmentActive    AssessmentStatus = "active"
	AssessmentExpired   AssessmentStatus = "expired"
	AssessmentCancelled AssessmentStatus = "cancelled"
)

// OptionType decides how a question's options are rendered and validated.
type OptionType string

const (
	OptionDefault      OptionType = "DEFAULT"
	OptionImage        OptionType = "IMAGE"
	OptionSingleSelect OptionType = "SINGLE_SELECT"
)

// Assessment is a timed MCQ exam. Immutable while an attempt is running.
type Assessment struct {
	ID              uuid.UUID        `json:"id"`
	Title           string           `json:"title"`
	DurationMinutes int              `json:"duration_minutes"`
	NotBefore       time.Time        `json:"not_before"`
	NotAfter        *time.Time       `json:"not_after,omitempty"`
	Status          AssessmentStatus `json:"status"`
	Questions       []Question       `json:"questions,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// DurationSeconds returns the attempt length granted by this assessment.
func (a *Assessment) DurationSeconds() int {
	return a.DurationMinutes * 60
}

// Option is one answer choice: plain text, or text plus an image reference.
type Option struct {
	Text     string `json:"text"`
	ImageKey string `json:"image_key,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Question is one MCQ item. CorrectIndex never leaves the server.
type Question struct {
	ID           uuid.UUID  `json:"id"`
	Position     int        `json:"position"`
	Prompt       string     `json:"prompt"`
	OptionType   OptionType `json:"option_type"`
	Options      []Option   `json:"options"`
	CorrectIndex int        `json:"-"`
}

// PresentationState is what the catalog shows for an assessment.
type PresentationState string

const (
	StateAvailable  PresentationState = "available"
	StateScheduled  PresentationState = "scheduled"
	StateExpired    PresentationState = "expired"
	StateCompleted  PresentationState = "completed"
	StateInProgress PresentationState = "in_progress"
)

// AssessmentSummary is one row of GET /assessments for the calling taker.
type AssessmentSummary struct {
	ID              uuid.UUID        `json:"id"`
	Title           string           `json:"title"`
	DurationMinutes int              `json:"duration_minutes"`
	QuestionCount   int              `json:"question_count"`
	NotBefore       time.Time        `json:"not_before"`
	NotAfter        *time.Time       `json:"not_after,omitempty"`
	Status          AssessmentStatus `json:"status"`
	AttemptID       *uuid.UUID       `json:"attempt_id,omitempty"`
	AttemptStatus   *AttemptStatus   `json:"attempt_status,omitempty"`
}
