package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
)

// API is the part of the backend a session talks to.
type API interface {
	Finalizer
	StartAttempt(ctx context.Context, assessmentID uuid.UUID) (*models.StartedAttempt, error)
}

// Options tunes a Controller. Zero values use the package defaults.
type Options struct {
	Clock           Clock
	TickInterval    time.Duration
	ExpiringSoon    time.Duration
	BlockAfter      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Sleep           func(ctx context.Context, d time.Duration) error
	Logger          *zap.Logger
}

// Controller runs one attempt at a time: it holds the local answers and the cursor, owns
// the deadline timer and routes every finalize trigger through the Coordinator.
type Controller struct {
	api    API
	bus    *Bus
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	attempt   *models.Attempt
	questions []models.Question
	answers   map[int]int
	current   int
	timer     *Timer
	coord     *Coordinator
	cancel    context.CancelFunc
}

// NewController creates an idle controller publishing on bus.
func NewController(api API, bus *Bus, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ExpiringSoon == 0 {
		opts.ExpiringSoon = DefaultExpiringSoon
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Controller{api: api, bus: bus, opts: opts, logger: opts.Logger}
}

// Bus returns the event bus of this controller.
func (c *Controller) Bus() *Bus { return c.bus }

// Start creates or resumes an attempt on the server and starts its deadline timer.
// The previous timer is cancelled once the new attempt is in hand; a failed Start leaves
// the previous attempt running. Precondition failures (ErrAlreadyCompleted,
// ErrNotYetAvailable, ErrExpired) leave no attempt behind.
func (c *Controller) Start(ctx context.Context, assessmentID uuid.UUID) (*models.Attempt, error) {
	c.mu.Lock()
	if submitting(c.coord) {
		c.mu.Unlock()
		return nil, ErrFinalizePending
	}
	prevTimer, prevCancel, prevCoord := c.timer, c.cancel, c.coord
	c.mu.Unlock()

	// the previous attempt keeps its timer until the new one is in hand
	localNow := c.opts.Clock.Now()
	started, err := c.api.StartAttempt(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("start assessment %s: %w", assessmentID, err)
	}
	if err := validateStarted(started); err != nil {
		return nil, err
	}

	clock := c.opts.Clock
	if !started.ServerTime.IsZero() {
		// midpoint of the request approximates when the server stamped ServerTime
		localMid := localNow.Add(c.opts.Clock.Now().Sub(localNow) / 2)
		clock = WithOffset(clock, started.ServerTime.Sub(localMid))
	}

	attempt := &models.Attempt{
		ID:              started.AttemptID,
		AssessmentID:    started.AssessmentID,
		StartedAt:       started.StartedAt,
		DurationSeconds: started.DurationSeconds,
		Status:          models.AttemptInProgress,
	}
	if attempt.AssessmentID == uuid.Nil {
		attempt.AssessmentID = assessmentID
	}

	timer := NewTimer(clock, started.StartedAt, started.DurationSeconds,
		WithTickInterval(c.opts.TickInterval),
		WithExpiringSoon(c.opts.ExpiringSoon),
	)
	sessionCtx, cancel := context.WithCancel(context.Background())
	coord := NewCoordinator(sessionCtx, c.api, CoordinatorConfig{
		AttemptID:       attempt.ID,
		AssessmentID:    attempt.AssessmentID,
		DurationSeconds: attempt.DurationSeconds,
		Remaining:       timer.Remaining,
		Snapshot:        c.snapshot,
		OnComplete:      timer.Stop,
		BlockAfter:      c.opts.BlockAfter,
		RetryBackoff:    c.opts.RetryBackoff,
		MaxRetryBackoff: c.opts.MaxRetryBackoff,
		Sleep:           c.opts.Sleep,
		Bus:             c.bus,
		Logger:          c.logger,
	})

	c.mu.Lock()
	c.attempt = attempt
	c.questions = started.Questions
	c.answers = make(map[int]int, len(started.Questions))
	c.current = 0
	c.timer = timer
	c.coord = coord
	c.cancel = cancel
	c.ensureDefaultLocked(0)
	c.mu.Unlock()

	if prevTimer != nil {
		prevTimer.Stop()
	}
	// a timeout submission that began while the new attempt was starting runs to completion
	if prevCancel != nil && !submitting(prevCoord) {
		prevCancel()
	}

	c.logger.Info("attempt started",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("assessment_id", attempt.AssessmentID.String()),
		zap.Bool("resumed", started.Resumed),
		zap.Int("questions", len(started.Questions)),
	)
	c.bus.Publish(Event{Type: EventStarted, AttemptID: attempt.ID, AssessmentID: attempt.AssessmentID})

	timer.Start(TimerHandlers{
		OnTick: func(remaining int) {
			c.bus.Publish(Event{Type: EventTick, AttemptID: attempt.ID, Remaining: remaining})
		},
		OnExpiringSoon: func(remaining int) {
			c.bus.Publish(Event{Type: EventExpiringSoon, AttemptID: attempt.ID, Remaining: remaining})
		},
		OnExpired: func() {
			c.bus.Publish(Event{Type: EventExpired, AttemptID: attempt.ID})
			coord.FinalizeAsync(models.TriggerTimeout)
		},
	})

	out := *attempt
	return &out, nil
}

func submitting(coord *Coordinator) bool {
	if coord == nil {
		return false
	}
	st := coord.State()
	return st == StateFinalizing || st == StateBlocked
}

func validateStarted(s *models.StartedAttempt) error {
	if s == nil || s.AttemptID == uuid.Nil {
		return fmt.Errorf("%w: missing attempt id", ErrInvalidPayload)
	}
	if s.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration %d", ErrInvalidPayload, s.DurationSeconds)
	}
	if len(s.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidPayload)
	}
	for i, q := range s.Questions {
		if len(q.Options) == 0 {
			return fmt.Errorf("%w: question %d has no options", ErrInvalidPayload, i)
		}
	}
	return nil
}

// editableLocked checks that an attempt is running and still accepts changes.
func (c *Controller) editableLocked() error {
	if c.coord == nil {
		return ErrNotStarted
	}
	if !c.coord.Editable() {
		return ErrAlreadyFinalized
	}
	return nil
}

// SelectAnswer records option opt for question q. Local only.
func (c *Controller) SelectAnswer(q, opt int) error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if q < 0 || q >= len(c.questions) {
		c.mu.Unlock()
		return fmt.Errorf("%w: question %d", ErrOutOfRange, q)
	}
	if opt < 0 || opt >= len(c.questions[q].Options) {
		c.mu.Unlock()
		return fmt.Errorf("%w: option %d of question %d", ErrOutOfRange, opt, q)
	}
	c.answers[q] = opt
	attemptID := c.attempt.ID
	c.mu.Unlock()

	c.bus.Publish(Event{Type: EventAnswerChanged, AttemptID: attemptID, QuestionIndex: q, OptionIndex: opt})
	return nil
}

// GoTo moves the cursor to i, clamped to the question range, and returns the new index.
func (c *Controller) GoTo(i int) (int, error) {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return c.current, err
	}
	if i < 0 {
		i = 0
	}
	if i >= len(c.questions) {
		i = len(c.questions) - 1
	}
	c.current = i
	defaulted := c.ensureDefaultLocked(i)
	attemptID := c.attempt.ID
	c.mu.Unlock()

	if defaulted {
		c.bus.Publish(Event{Type: EventAnswerChanged, AttemptID: attemptID, QuestionIndex: i, OptionIndex: 0})
	}
	return i, nil
}

// Next moves to the following question; stays on the last one.
func (c *Controller) Next() (int, error) {
	return c.GoTo(c.CurrentQuestionIndex() + 1)
}

// Previous moves to the preceding question; stays on the first one.
func (c *Controller) Previous() (int, error) {
	return c.GoTo(c.CurrentQuestionIndex() - 1)
}

// EnsureDefault applies the lazy default for question i: a SINGLE_SELECT question with no
// answer gets option 0. Other option types are left unanswered.
func (c *Controller) EnsureDefault(i int) error {
	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if i < 0 || i >= len(c.questions) {
		c.mu.Unlock()
		return fmt.Errorf("%w: question %d", ErrOutOfRange, i)
	}
	defaulted := c.ensureDefaultLocked(i)
	attemptID := c.attempt.ID
	c.mu.Unlock()

	if defaulted {
		c.bus.Publish(Event{Type: EventAnswerChanged, AttemptID: attemptID, QuestionIndex: i, OptionIndex: 0})
	}
	return nil
}

func (c *Controller) ensureDefaultLocked(i int) bool {
	if i < 0 || i >= len(c.questions) {
		return false
	}
	if c.questions[i].OptionType != models.OptionSingleSelect {
		return false
	}
	if _, ok := c.answers[i]; ok {
		return false
	}
	c.answers[i] = 0
	return true
}

// CurrentQuestionIndex returns the cursor position.
func (c *Controller) CurrentQuestionIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// RemainingSeconds returns seconds left on the deadline, 0 when idle.
func (c *Controller) RemainingSeconds() int {
	c.mu.Lock()
	timer := c.timer
	c.mu.Unlock()
	if timer == nil {
		return 0
	}
	return timer.Remaining()
}

// Questions returns the questions of the current attempt.
func (c *Controller) Questions() []models.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Question, len(c.questions))
	copy(out, c.questions)
	return out
}

// Answer returns the selected option of question q.
func (c *Controller) Answer(q int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opt, ok := c.answers[q]
	return opt, ok
}

// Attempt returns a copy of the current attempt, reflecting completion once finalized.
func (c *Controller) Attempt() *models.Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil {
		return nil
	}
	out := *c.attempt
	out.Answers = make(map[int]int, len(c.answers))
	for q, opt := range c.answers {
		out.Answers[q] = opt
	}
	if res := c.coord.Result(); res != nil {
		completedAt := res.CompletedAt
		trigger := res.Trigger
		out.Status = models.AttemptCompleted
		out.CompletedAt = &completedAt
		out.Trigger = &trigger
	}
	return &out
}

// State returns the submission state, or "" when no attempt was started.
func (c *Controller) State() State {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord == nil {
		return ""
	}
	return coord.State()
}

// Finalize submits the attempt explicitly and waits for the result.
func (c *Controller) Finalize(ctx context.Context) (*models.Result, error) {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord == nil {
		return nil, ErrNotStarted
	}
	return coord.Finalize(ctx, models.TriggerExplicit)
}

// Close stops the timer and cancels background submissions. Unsubmitted answers are lost;
// the server finalizes the attempt once its deadline passes.
func (c *Controller) Close() {
	c.mu.Lock()
	timer, cancel := c.timer, c.cancel
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// snapshot builds the dense finalize payload: one entry per question, in order.
func (c *Controller) snapshot() []models.AnswerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]models.AnswerEntry, len(c.questions))
	for i, q := range c.questions {
		entries[i] = models.AnswerEntry{QuestionIndex: i, QuestionID: q.ID}
		if opt, ok := c.answers[i]; ok {
			opt := opt
			entries[i].Answered = true
			entries[i].OptionIndex = &opt
		}
	}
	return entries
}
