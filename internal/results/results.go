// Package results projects a finalized attempt into something a taker can read.
// It never computes scores; everything comes from the server's Result.
package results

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/internal/session"
)

// Fetcher loads a stored result.
type Fetcher interface {
	GetResult(ctx context.Context, attemptID uuid.UUID) (*models.Result, error)
}

// Row is one question of the breakdown.
type Row struct {
	Number   int    `json:"number"`
	Prompt   string `json:"prompt"`
	Answer   string `json:"answer"`
	Answered bool   `json:"answered"`
	Correct  bool   `json:"correct"`
}

// View is the read-only result screen.
type View struct {
	AttemptID   uuid.UUID      `json:"attempt_id"`
	Score       int            `json:"score"`
	MaxScore    int            `json:"max_score"`
	Percent     float64        `json:"percent"`
	TimeSpent   string         `json:"time_spent"`
	Trigger     models.Trigger `json:"trigger"`
	CompletedAt time.Time      `json:"completed_at"`
	Rows        []Row          `json:"rows"`
}

// Project builds a View from res. questions may be nil, in which case rows only carry
// option numbers.
func Project(res *models.Result, questions []models.Question) View {
	v := View{
		AttemptID:   res.AttemptID,
		Score:       res.Score,
		MaxScore:    res.MaxScore,
		TimeSpent:   session.FormatRemaining(res.TimeSpentSeconds),
		Trigger:     res.Trigger,
		CompletedAt: res.CompletedAt,
		Rows:        make([]Row, 0, len(res.PerQuestion)),
	}
	if res.MaxScore > 0 {
		v.Percent = float64(res.Score) * 100 / float64(res.MaxScore)
	}
	for _, pq := range res.PerQuestion {
		row := Row{Number: pq.QuestionIndex + 1, Answered: pq.Answered, Correct: pq.Correct, Answer: "-"}
		var q *models.Question
		if pq.QuestionIndex >= 0 && pq.QuestionIndex < len(questions) {
			q = &questions[pq.QuestionIndex]
			row.Prompt = q.Prompt
		}
		if pq.Answered && pq.OptionIndex != nil {
			row.Answer = optionLabel(q, *pq.OptionIndex)
		}
		v.Rows = append(v.Rows, row)
	}
	return v
}

func optionLabel(q *models.Question, idx int) string {
	label := fmt.Sprintf("option %d", idx+1)
	if q == nil || idx < 0 || idx >= len(q.Options) {
		return label
	}
	if text := q.Options[idx].Text; text != "" {
		return text
	}
	return label
}

// Load fetches the result of attemptID and projects it.
func Load(ctx context.Context, f Fetcher, attemptID uuid.UUID, questions []models.Question) (View, error) {
	res, err := f.GetResult(ctx, attemptID)
	if err != nil {
		return View{}, fmt.Errorf("load result %s: %w", attemptID, err)
	}
	return Project(res, questions), nil
}

// Render writes the view as an aligned text table.
func (v View) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Score: %d/%d (%.0f%%)  Time: %s  Submitted: %s\n\n",
		v.Score, v.MaxScore, v.Percent, v.TimeSpent, v.Trigger); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tQUESTION\tANSWER\tRESULT")
	for _, r := range v.Rows {
		mark := "wrong"
		switch {
		case !r.Answered:
			mark = "unanswered"
		case r.Correct:
			mark = "correct"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Number, r.Prompt, r.Answer, mark)
	}
	return tw.Flush()
}
