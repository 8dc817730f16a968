package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/trainhub/portal/internal/catalog"
	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/internal/results"
	"github.com/trainhub/portal/internal/session"
)

const help = "commands: <number> pick option | n next | p previous | g <number> go to | t time left | s submit | q quit"

var errQuit = errors.New("quit")

// input delivers stdin lines until EOF or ctx is done.
type input struct {
	lines <-chan string
}

func newInput(ctx context.Context, r io.Reader) *input {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return &input{lines: ch}
}

func (in *input) read(ctx context.Context) (string, error) {
	select {
	case line, ok := <-in.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func pickAssessment(ctx context.Context, cat *catalog.Client, in *input, preset string) (uuid.UUID, error) {
	if preset != "" {
		id, err := uuid.Parse(preset)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid assessment id %q", preset)
		}
		return id, nil
	}
	entries, err := cat.List(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("list assessments: %w", err)
	}
	if len(entries) == 0 {
		return uuid.Nil, errors.New("no assessments assigned")
	}
	for i, e := range entries {
		fmt.Printf("%2d. %-40s %3d min  %s\n", i+1, e.Title, e.DurationMinutes, stateLabel(e.State))
	}
	for {
		fmt.Print("Pick an assessment: ")
		line, err := in.read(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(entries) {
			color.Yellow("Enter a number between 1 and %d", len(entries))
			continue
		}
		e := entries[n-1]
		if e.State != models.StateAvailable && e.State != models.StateInProgress {
			color.Yellow("%q is %s", e.Title, e.State)
			continue
		}
		return e.ID, nil
	}
}

func stateLabel(s models.PresentationState) string {
	switch s {
	case models.StateAvailable:
		return color.GreenString(string(s))
	case models.StateInProgress:
		return color.CyanString(string(s))
	case models.StateScheduled:
		return color.YellowString(string(s))
	default:
		return color.HiBlackString(string(s))
	}
}

func takeAssessment(ctx context.Context, ctrl *session.Controller, in *input, assessmentID uuid.UUID) error {
	finalized := make(chan *models.Result, 1)
	blocked := make(chan error, 1)
	cancel := ctrl.Bus().Subscribe(func(e session.Event) {
		switch e.Type {
		case session.EventExpiringSoon:
			color.Yellow("\n%s left", session.FormatRemaining(e.Remaining))
		case session.EventExpired:
			color.Red("\nTime is up, submitting your answers")
		case session.EventFinalized:
			select {
			case finalized <- e.Result:
			default:
			}
		case session.EventFinalizeFailed:
			if e.Trigger == models.TriggerTimeout {
				select {
				case blocked <- e.Err:
				default:
				}
			}
		}
	})
	defer cancel()

	attempt, err := ctrl.Start(ctx, assessmentID)
	switch {
	case errors.Is(err, session.ErrAlreadyCompleted):
		return errors.New("you have already completed this assessment")
	case errors.Is(err, session.ErrNotYetAvailable):
		return errors.New("this assessment has not opened yet")
	case errors.Is(err, session.ErrExpired):
		return errors.New("this assessment has expired")
	case err != nil:
		return fmt.Errorf("start: %w", err)
	}
	color.Green("Attempt %s started, %s on the clock", attempt.ID, session.FormatRemaining(ctrl.RemainingSeconds()))
	fmt.Println(help)
	renderQuestion(ctrl)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := in.read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case res := <-finalized:
			showResult(res, ctrl.Questions())
			return nil
		case err := <-blocked:
			color.Red("Submission failed: %v. Retrying, keep this window open.", err)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if err := handle(ctx, ctrl, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				color.Red("%v", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func handle(ctx context.Context, ctrl *session.Controller, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	var err error
	switch fields[0] {
	case "n":
		_, err = ctrl.Next()
	case "p":
		_, err = ctrl.Previous()
	case "g":
		if len(fields) < 2 {
			return errors.New("usage: g <number>")
		}
		n, convErr := strconv.Atoi(fields[1])
		if convErr != nil {
			return fmt.Errorf("not a number: %s", fields[1])
		}
		_, err = ctrl.GoTo(n - 1)
	case "t":
		fmt.Println(session.FormatRemaining(ctrl.RemainingSeconds()))
		return nil
	case "s":
		if _, err := ctrl.Finalize(ctx); err != nil && !session.IsIgnorable(err) {
			return fmt.Errorf("submit failed, your answers are kept: %w", err)
		}
		return nil
	case "q":
		return errQuit
	case "?", "h":
		fmt.Println(help)
		return nil
	default:
		opt, convErr := strconv.Atoi(fields[0])
		if convErr != nil {
			fmt.Println(help)
			return nil
		}
		err = ctrl.SelectAnswer(ctrl.CurrentQuestionIndex(), opt-1)
	}
	if session.IsIgnorable(err) {
		return nil
	}
	if err != nil {
		return err
	}
	renderQuestion(ctrl)
	return nil
}

func renderQuestion(ctrl *session.Controller) {
	questions := ctrl.Questions()
	i := ctrl.CurrentQuestionIndex()
	if i < 0 || i >= len(questions) {
		return
	}
	q := questions[i]
	selected, answered := ctrl.Answer(i)
	bold := color.New(color.Bold)
	bold.Printf("\nQuestion %d/%d", i+1, len(questions))
	fmt.Printf("  [%s]\n%s\n", session.FormatRemaining(ctrl.RemainingSeconds()), q.Prompt)
	for j, o := range q.Options {
		marker := " "
		if answered && selected == j {
			marker = color.GreenString("*")
		}
		label := o.Text
		if o.ImageURL != "" {
			label = strings.TrimSpace(label + " " + o.ImageURL)
		}
		fmt.Printf(" %s %d) %s\n", marker, j+1, label)
	}
}

func showResult(res *models.Result, questions []models.Question) {
	if res == nil {
		return
	}
	view := results.Project(res, questions)
	color.Green("\nSubmitted (%s). Score %d/%d", view.Trigger, view.Score, view.MaxScore)
	if err := view.Render(os.Stdout); err != nil {
		color.Red("render result: %v", err)
	}
}
