package attempts

import (
	"errors"

	"github.com/trainhub/portal/internal/assessments"
)

var ErrAssessmentNotFound = assessments.ErrNotFound

var (
	ErrNotAssigned      = errors.New("assessment not assigned to taker")
	ErrAlreadyCompleted = errors.New("assessment already completed")
	ErrNotYetAvailable  = errors.New("assessment not yet available")
	ErrExpired          = errors.New("assessment expired")
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrNotCompleted     = errors.New("attempt not completed")
	ErrInvalidTrigger   = errors.New("invalid trigger")
	ErrInvalidAnswers   = errors.New("invalid answers")
	ErrCacheMiss        = errors.New("result not cached")
)
