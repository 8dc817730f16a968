package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trainhub/portal/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// NewTicker returns a ticker that never fires; tests drive ticks with pollTimer.
func (f *fakeClock) NewTicker(time.Duration) Ticker {
	return manualTicker{c: make(chan time.Time)}
}

type manualTicker struct{ c chan time.Time }

func (m manualTicker) C() <-chan time.Time { return m.c }
func (m manualTicker) Stop()               {}

// pollTimer runs one tick of the timer's current generation.
func pollTimer(tm *Timer) {
	tm.mu.Lock()
	gen := tm.gen
	tm.mu.Unlock()
	tm.step(gen)
}

type fakeAPI struct {
	mu            sync.Mutex
	started       *models.StartedAttempt
	startErr      error
	finalizeCalls []models.FinalizeRequest
	finalizeErrs  []error
	ackAttemptID  *uuid.UUID
	gate          chan struct{}
	entered       chan struct{}
	now           time.Time
}

func newFakeAPI(started *models.StartedAttempt) *fakeAPI {
	return &fakeAPI{started: started, entered: make(chan struct{}, 16)}
}

func (f *fakeAPI) StartAttempt(_ context.Context, _ uuid.UUID) (*models.StartedAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	out := *f.started
	return &out, nil
}

func (f *fakeAPI) FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, req models.FinalizeRequest) (*models.Result, error) {
	f.mu.Lock()
	f.finalizeCalls = append(f.finalizeCalls, req)
	gate := f.gate
	f.mu.Unlock()

	select {
	case f.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finalizeErrs) > 0 {
		err := f.finalizeErrs[0]
		f.finalizeErrs = f.finalizeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	ack := attemptID
	if f.ackAttemptID != nil {
		ack = *f.ackAttemptID
	}
	res := &models.Result{
		AttemptID:        ack,
		TimeSpentSeconds: req.TimeSpentSeconds,
		Trigger:          req.Trigger,
		CompletedAt:      f.now,
		MaxScore:         len(req.Answers),
	}
	for _, a := range req.Answers {
		correct := a.Answered && *a.OptionIndex == 0
		if correct {
			res.Score++
		}
		res.PerQuestion = append(res.PerQuestion, models.QuestionResult{
			QuestionIndex: a.QuestionIndex,
			QuestionID:    a.QuestionID,
			Answered:      a.Answered,
			OptionIndex:   a.OptionIndex,
			Correct:       correct,
		})
	}
	return res, nil
}

func (f *fakeAPI) calls() []models.FinalizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.FinalizeRequest, len(f.finalizeCalls))
	copy(out, f.finalizeCalls)
	return out
}

func makeQuestions(types ...models.OptionType) []models.Question {
	qs := make([]models.Question, len(types))
	for i, typ := range types {
		qs[i] = models.Question{
			ID:         uuid.New(),
			Position:   i + 1,
			Prompt:     "question",
			OptionType: typ,
			Options:    []models.Option{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		}
	}
	return qs
}

func startedAttempt(startedAt time.Time, durationSeconds int, qs []models.Question) *models.StartedAttempt {
	return &models.StartedAttempt{
		AttemptID:       uuid.New(),
		AssessmentID:    uuid.New(),
		StartedAt:       startedAt,
		DurationSeconds: durationSeconds,
		Questions:       qs,
	}
}

type recorder struct {
	events chan Event
}

func record(bus *Bus) *recorder {
	r := &recorder{events: make(chan Event, 512)}
	bus.Subscribe(func(e Event) {
		select {
		case r.events <- e:
		default:
		}
	})
	return r
}

// waitFor returns the first event of type typ, failing the test after a timeout.
func (r *recorder) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-r.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Event{}
		}
	}
}

func noSleep(sleeps *int32) func(context.Context, time.Duration) error {
	return func(ctx context.Context, _ time.Duration) error {
		if sleeps != nil {
			atomic.AddInt32(sleeps, 1)
		}
		return ctx.Err()
	}
}
