package attempts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trainhub/portal/internal/models"
)

// ValidateAnswers checks that answers is the dense payload for questions: one entry per
// question, in order, with in-range options for answered entries.
func ValidateAnswers(questions []models.Question, answers []models.AnswerEntry) error {
	if len(answers) != len(questions) {
		return fmt.Errorf("%w: got %d entries for %d questions", ErrInvalidAnswers, len(answers), len(questions))
	}
	for i, a := range answers {
		q := questions[i]
		if a.QuestionIndex != i {
			return fmt.Errorf("%w: entry %d has question_index %d", ErrInvalidAnswers, i, a.QuestionIndex)
		}
		if a.QuestionID != uuid.Nil && a.QuestionID != q.ID {
			return fmt.Errorf("%w: entry %d is for question %s", ErrInvalidAnswers, i, a.QuestionID)
		}
		if !a.Answered {
			if a.OptionIndex != nil {
				return fmt.Errorf("%w: entry %d is unanswered but carries an option", ErrInvalidAnswers, i)
			}
			continue
		}
		if a.OptionIndex == nil || *a.OptionIndex < 0 || *a.OptionIndex >= len(q.Options) {
			return fmt.Errorf("%w: entry %d option out of range", ErrInvalidAnswers, i)
		}
	}
	return nil
}

// Unanswered returns the dense payload with every question unanswered.
func Unanswered(questions []models.Question) []models.AnswerEntry {
	out := make([]models.AnswerEntry, len(questions))
	for i, q := range questions {
		out[i] = models.AnswerEntry{QuestionIndex: i, QuestionID: q.ID}
	}
	return out
}

// Score compares every answered option with the stored correct index. One point per
// correct answer; unanswered questions score nothing.
func Score(
	attemptID uuid.UUID,
	questions []models.Question,
	answers []models.AnswerEntry,
	trigger models.Trigger,
	timeSpentSeconds int,
	completedAt time.Time,
) *models.Result {
	res := &models.Result{
		AttemptID:        attemptID,
		MaxScore:         len(questions),
		TimeSpentSeconds: timeSpentSeconds,
		Trigger:          trigger,
		CompletedAt:      completedAt,
		PerQuestion:      make([]models.QuestionResult, len(questions)),
	}
	for i, q := range questions {
		qr := models.QuestionResult{QuestionIndex: i, QuestionID: q.ID}
		if i < len(answers) && answers[i].Answered && answers[i].OptionIndex != nil {
			opt := *answers[i].OptionIndex
			qr.Answered = true
			qr.OptionIndex = &opt
			qr.Correct = opt == q.CorrectIndex
		}
		if qr.Correct {
			res.Score++
		}
		res.PerQuestion[i] = qr
	}
	return res
}

func clampSpent(spent, duration int) int {
	if spent < 0 {
		return 0
	}
	if spent > duration {
		return duration
	}
	return spent
}
