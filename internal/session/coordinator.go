package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/apiclient"
)

// State is the client-side submission state of an attempt.
type State string

const (
	StateInProgress State = "in_progress"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	// StateBlocked: a timeout finalize keeps failing. The attempt is not editable and the
	// coordinator keeps retrying in the background.
	StateBlocked State = "blocked"
)

const (
	DefaultBlockAfter      = 5
	DefaultRetryBackoff    = time.Second
	DefaultMaxRetryBackoff = 30 * time.Second
)

// Finalizer submits an attempt. apiclient.Client implements it.
type Finalizer interface {
	FinalizeAttempt(ctx context.Context, attemptID uuid.UUID, req models.FinalizeRequest) (*models.Result, error)
}

// CoordinatorConfig wires a Coordinator to its attempt.
type CoordinatorConfig struct {
	AttemptID       uuid.UUID
	AssessmentID    uuid.UUID
	DurationSeconds int
	// Remaining reports seconds left on the deadline timer.
	Remaining func() int
	// Snapshot returns the dense answer payload in question order.
	Snapshot func() []models.AnswerEntry
	// OnComplete runs once after a successful finalize (stops the timer).
	OnComplete func()

	BlockAfter      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Sleep           func(ctx context.Context, d time.Duration) error

	Bus    *Bus
	Logger *zap.Logger
}

type flight struct {
	trigger  models.Trigger
	done     chan struct{}
	finished bool
	result   *models.Result
	err      error
}

// Coordinator owns the single finalize transition of an attempt. All triggers (explicit
// submit, timer expiry) go through Finalize; only the first one issues a request and the
// rest share its outcome.
type Coordinator struct {
	api Finalizer
	cfg CoordinatorConfig
	ctx context.Context

	mu     sync.Mutex
	state  State
	flight *flight
	result *models.Result
}

// NewCoordinator creates a coordinator in state in_progress. ctx bounds background
// (timeout-triggered) submissions.
func NewCoordinator(ctx context.Context, api Finalizer, cfg CoordinatorConfig) *Coordinator {
	if cfg.BlockAfter <= 0 {
		cfg.BlockAfter = DefaultBlockAfter
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = apiclient.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Remaining == nil {
		cfg.Remaining = func() int { return 0 }
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = func() []models.AnswerEntry { return nil }
	}
	return &Coordinator{api: api, cfg: cfg, ctx: ctx, state: StateInProgress}
}

// State returns the current submission state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Editable reports whether answers may still change.
func (c *Coordinator) Editable() bool {
	return c.State() == StateInProgress
}

// Result returns the stored result once completed.
func (c *Coordinator) Result() *models.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Finalize submits the attempt and waits for the outcome. Repeated or concurrent calls
// never issue a second submission: they wait for the in-flight one, or return the stored
// result once completed.
func (c *Coordinator) Finalize(ctx context.Context, trigger models.Trigger) (*models.Result, error) {
	f, owner, done := c.begin(trigger)
	if done != nil {
		return done, nil
	}
	if owner {
		runCtx := ctx
		if f.trigger == models.TriggerTimeout {
			runCtx = c.ctx
		}
		go c.run(runCtx, f)
	}
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FinalizeAsync starts a submission in the background. The state transition happens before
// it returns.
func (c *Coordinator) FinalizeAsync(trigger models.Trigger) {
	f, owner, _ := c.begin(trigger)
	if !owner {
		return
	}
	go c.run(c.ctx, f)
}

// begin performs the in_progress -> finalizing transition under the lock. owner is true
// for the caller that must run the submission.
func (c *Coordinator) begin(trigger models.Trigger) (f *flight, owner bool, done *models.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCompleted:
		return nil, false, c.result
	case StateFinalizing:
		return c.flight, false, nil
	case StateBlocked:
		if !c.flight.finished {
			return c.flight, false, nil
		}
		// retry after a blocked flight gave up; still not editable
		trigger = models.TriggerTimeout
	}

	c.state = StateFinalizing
	f = &flight{trigger: trigger, done: make(chan struct{})}
	c.flight = f
	return f, true, nil
}

func (c *Coordinator) request(trigger models.Trigger) models.FinalizeRequest {
	duration := c.cfg.DurationSeconds
	spent := duration - c.cfg.Remaining()
	if spent < 0 {
		spent = 0
	}
	if spent > duration {
		spent = duration
	}
	return models.FinalizeRequest{
		Trigger:          trigger,
		Answers:          c.cfg.Snapshot(),
		TimeSpentSeconds: spent,
	}
}

func (c *Coordinator) run(ctx context.Context, f *flight) {
	trigger := f.trigger
	req := c.request(trigger)
	failures := 0
	blockedNotified := false

	for {
		res, err := c.api.FinalizeAttempt(ctx, c.cfg.AttemptID, req)
		if err == nil {
			if res == nil || (res.AttemptID != uuid.Nil && res.AttemptID != c.cfg.AttemptID) {
				got := uuid.Nil
				if res != nil {
					got = res.AttemptID
				}
				c.cfg.Logger.Error("finalize acknowledged a different attempt",
					zap.String("attempt_id", c.cfg.AttemptID.String()),
					zap.String("ack_attempt_id", got.String()),
				)
				c.fail(f, fmt.Errorf("%w: got %s", ErrInconsistent, got), trigger)
				return
			}
			if res.AttemptID == uuid.Nil {
				res.AttemptID = c.cfg.AttemptID
			}
			c.complete(f, res)
			return
		}

		c.cfg.Logger.Warn("finalize failed",
			zap.String("attempt_id", c.cfg.AttemptID.String()),
			zap.String("trigger", string(trigger)),
			zap.Int("failures", failures+1),
			zap.Error(err),
		)

		failures++
		if trigger == models.TriggerExplicit || !errors.Is(err, ErrTransient) {
			c.fail(f, err, trigger)
			return
		}
		if failures >= c.cfg.BlockAfter && !blockedNotified {
			blockedNotified = true
			c.markBlocked(err)
		}
		if sleepErr := c.cfg.Sleep(ctx, c.backoff(failures)); sleepErr != nil {
			c.fail(f, fmt.Errorf("%w: %v", ErrFinalizeBlocked, err), trigger)
			return
		}
	}
}

func (c *Coordinator) backoff(failures int) time.Duration {
	d := c.cfg.RetryBackoff
	for i := 1; i < failures && d < c.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxRetryBackoff {
		d = c.cfg.MaxRetryBackoff
	}
	return d
}

func (c *Coordinator) complete(f *flight, res *models.Result) {
	c.mu.Lock()
	c.state = StateCompleted
	c.result = res
	f.result = res
	f.finished = true
	close(f.done)
	c.mu.Unlock()

	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete()
	}
	c.cfg.Logger.Info("attempt finalized",
		zap.String("attempt_id", c.cfg.AttemptID.String()),
		zap.String("trigger", string(res.Trigger)),
		zap.Int("score", res.Score),
		zap.Int("max_score", res.MaxScore),
	)
	c.cfg.Bus.Publish(Event{
		Type:         EventFinalized,
		AttemptID:    c.cfg.AttemptID,
		AssessmentID: c.cfg.AssessmentID,
		Trigger:      f.trigger,
		Result:       res,
	})
	c.cfg.Bus.Publish(Event{Type: EventCatalogChanged, AttemptID: c.cfg.AttemptID, AssessmentID: c.cfg.AssessmentID})
}

// fail ends the flight. An explicit submission goes back to in_progress with answers
// intact unless the deadline has passed meanwhile; a timeout submission stays blocked.
func (c *Coordinator) fail(f *flight, err error, trigger models.Trigger) {
	c.mu.Lock()
	var retry *flight
	switch {
	case trigger != models.TriggerExplicit:
		c.state = StateBlocked
	case c.cfg.Remaining() == 0:
		// the timer's expiry was absorbed by the explicit flight; hand over to a timeout
		// submission without reopening the answers
		retry = &flight{trigger: models.TriggerTimeout, done: make(chan struct{})}
		c.flight = retry
		c.state = StateFinalizing
	default:
		c.state = StateInProgress
	}
	f.err = err
	f.finished = true
	close(f.done)
	c.mu.Unlock()

	c.cfg.Bus.Publish(Event{
		Type:         EventFinalizeFailed,
		AttemptID:    c.cfg.AttemptID,
		AssessmentID: c.cfg.AssessmentID,
		Trigger:      trigger,
		Err:          err,
	})

	if retry != nil {
		go c.run(c.ctx, retry)
	}
}

func (c *Coordinator) markBlocked(err error) {
	c.mu.Lock()
	c.state = StateBlocked
	c.mu.Unlock()

	c.cfg.Bus.Publish(Event{
		Type:         EventFinalizeFailed,
		AttemptID:    c.cfg.AttemptID,
		AssessmentID: c.cfg.AssessmentID,
		Trigger:      models.TriggerTimeout,
		Err:          fmt.Errorf("%w: %v", ErrFinalizeBlocked, err),
	})
}
