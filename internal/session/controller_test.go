package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/apiclient"
)

func newTestController(api *fakeAPI, clock *fakeClock, opts ...func(*Options)) *Controller {
	o := Options{Clock: clock, ExpiringSoon: time.Minute, Sleep: noSleep(nil)}
	for _, fn := range opts {
		fn(&o)
	}
	return NewController(api, NewBus(), o)
}

func TestSubmitEarly_DensePayload(t *testing.T) {
	clock := newFakeClock(t0)
	qs := makeQuestions(models.OptionDefault, models.OptionDefault, models.OptionDefault)
	api := newFakeAPI(startedAttempt(t0, 600, qs))
	ctrl := newTestController(api, clock)
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	attempt, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.AttemptInProgress, attempt.Status)
	assert.Equal(t, 600, ctrl.RemainingSeconds())

	require.NoError(t, ctrl.SelectAnswer(0, 2))
	require.NoError(t, ctrl.SelectAnswer(2, 1))

	clock.Advance(4 * time.Minute)
	res, err := ctrl.Finalize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	calls := api.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, models.TriggerExplicit, req.Trigger)
	assert.Equal(t, 240, req.TimeSpentSeconds)
	require.Len(t, req.Answers, 3)
	for i, a := range req.Answers {
		assert.Equal(t, i, a.QuestionIndex)
		assert.Equal(t, qs[i].ID, a.QuestionID)
	}
	assert.True(t, req.Answers[0].Answered)
	assert.Equal(t, 2, *req.Answers[0].OptionIndex)
	assert.False(t, req.Answers[1].Answered)
	assert.Nil(t, req.Answers[1].OptionIndex)
	assert.Equal(t, 1, *req.Answers[2].OptionIndex)

	ev := rec.waitFor(t, EventFinalized)
	assert.Equal(t, res, ev.Result)
	rec.waitFor(t, EventCatalogChanged)

	assert.Equal(t, StateCompleted, ctrl.State())
	got := ctrl.Attempt()
	assert.Equal(t, models.AttemptCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// late input is rejected and ignorable
	err = ctrl.SelectAnswer(1, 0)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.True(t, IsIgnorable(err))
	_, err = ctrl.Next()
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	// finalize is idempotent and does not hit the network again
	again, err := ctrl.Finalize(context.Background())
	require.NoError(t, err)
	assert.Same(t, res, again)
	assert.Len(t, api.calls(), 1)
}

func TestIdleUntilDeadline_TimeoutFinalize(t *testing.T) {
	clock := newFakeClock(t0)
	qs := makeQuestions(models.OptionDefault, models.OptionImage)
	api := newFakeAPI(startedAttempt(t0, 60, qs))
	ctrl := newTestController(api, clock)
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	var expired int32
	ctrl.Bus().Subscribe(func(e Event) {
		if e.Type == EventExpired {
			atomic.AddInt32(&expired, 1)
		}
	})

	clock.Advance(61 * time.Second)
	pollTimer(ctrl.timer)
	pollTimer(ctrl.timer)

	ev := rec.waitFor(t, EventFinalized)
	assert.Equal(t, models.TriggerTimeout, ev.Trigger)
	assert.Equal(t, int32(1), atomic.LoadInt32(&expired))

	calls := api.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.TriggerTimeout, calls[0].Trigger)
	assert.Equal(t, 60, calls[0].TimeSpentSeconds)
	require.Len(t, calls[0].Answers, 2)
	for _, a := range calls[0].Answers {
		assert.False(t, a.Answered)
	}
	assert.Equal(t, 0, ctrl.RemainingSeconds())
}

func TestStart_ExpiredAssessmentCreatesNoAttempt(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(nil)
	api.startErr = fmt.Errorf("start attempt: %w", &apiclient.APIError{Status: 410, Code: "expired"})
	ctrl := newTestController(api, clock)

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Nil(t, ctrl.Attempt())
	assert.Equal(t, State(""), ctrl.State())
	assert.ErrorIs(t, ctrl.SelectAnswer(0, 0), ErrNotStarted)
	_, err = ctrl.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStart_RejectsInvalidPayload(t *testing.T) {
	clock := newFakeClock(t0)
	qs := makeQuestions(models.OptionDefault)
	qs[0].Options = nil
	api := newFakeAPI(startedAttempt(t0, 60, qs))
	ctrl := newTestController(api, clock)

	_, err := ctrl.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Nil(t, ctrl.Attempt())
}

func TestStart_UsesServerClockOffset(t *testing.T) {
	clock := newFakeClock(t0)
	started := startedAttempt(t0, 600, makeQuestions(models.OptionDefault))
	started.ServerTime = t0.Add(30 * time.Second)
	ctrl := newTestController(newFakeAPI(started), clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 570, ctrl.RemainingSeconds())
}

func TestStart_CancelsPreviousTimer(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 60, makeQuestions(models.OptionDefault)))
	ctrl := newTestController(api, clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	first := ctrl.timer

	api.started = startedAttempt(t0, 600, makeQuestions(models.OptionDefault))
	_, err = ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	pollTimer(first)
	assert.False(t, first.Expired())
	assert.Empty(t, api.calls())
}

func TestStart_FailureKeepsPreviousDeadline(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 60, makeQuestions(models.OptionDefault)))
	ctrl := newTestController(api, clock)
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	first, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	api.mu.Lock()
	api.startErr = fmt.Errorf("start attempt: %w", &apiclient.APIError{Status: 410, Code: "expired"})
	api.mu.Unlock()
	_, err = ctrl.Start(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, first.ID, ctrl.Attempt().ID)

	clock.Advance(2 * time.Minute)
	pollTimer(ctrl.timer)

	ev := rec.waitFor(t, EventFinalized)
	assert.Equal(t, first.ID, ev.AttemptID)
	assert.Equal(t, models.TriggerTimeout, ev.Trigger)
	assert.ErrorIs(t, ctrl.SelectAnswer(0, 1), ErrAlreadyFinalized)
	assert.Len(t, api.calls(), 1)
}

func TestStart_RefusedWhilePreviousFinalizes(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 600, makeQuestions(models.OptionDefault)))
	api.gate = make(chan struct{})
	ctrl := newTestController(api, clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Finalize(context.Background())
		done <- err
	}()
	<-api.entered

	_, err = ctrl.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrFinalizePending)

	close(api.gate)
	require.NoError(t, <-done)
}

func TestFinalize_ConcurrentTriggersIssueOneRequest(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 60, makeQuestions(models.OptionDefault, models.OptionDefault)))
	api.gate = make(chan struct{})
	ctrl := newTestController(api, clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NoError(t, ctrl.SelectAnswer(1, 2))

	results := make([]*models.Result, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = ctrl.Finalize(context.Background())
	}()
	<-api.entered

	assert.Equal(t, StateFinalizing, ctrl.State())
	assert.ErrorIs(t, ctrl.SelectAnswer(0, 1), ErrAlreadyFinalized)

	// timer expiry and a second submit click while the first request is in flight
	clock.Advance(2 * time.Minute)
	pollTimer(ctrl.timer)
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ctrl.Finalize(context.Background())
		}(i)
	}

	close(api.gate)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Len(t, api.calls(), 1)
	assert.Equal(t, models.TriggerExplicit, api.calls()[0].Trigger)
}

func TestFinalize_ExplicitFailureKeepsAnswersEditable(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 600, makeQuestions(models.OptionDefault, models.OptionDefault)))
	api.finalizeErrs = []error{fmt.Errorf("finalize attempt: %w", ErrTransient)}
	ctrl := newTestController(api, clock)
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NoError(t, ctrl.SelectAnswer(0, 1))

	_, err = ctrl.Finalize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)

	ev := rec.waitFor(t, EventFinalizeFailed)
	assert.Equal(t, models.TriggerExplicit, ev.Trigger)
	assert.Equal(t, StateInProgress, ctrl.State())

	opt, ok := ctrl.Answer(0)
	require.True(t, ok)
	assert.Equal(t, 1, opt)
	require.NoError(t, ctrl.SelectAnswer(1, 2))

	res, err := ctrl.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ctrl.State())
	assert.Len(t, res.PerQuestion, 2)

	calls := api.calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Answers[0].Answered)
	assert.True(t, calls[1].Answers[1].Answered)
}

func TestFinalize_TimeoutRetriesThenBlocksUntilSuccess(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 30, makeQuestions(models.OptionDefault)))
	transient := fmt.Errorf("finalize attempt: %w", ErrTransient)
	api.finalizeErrs = []error{transient, transient, transient}
	var sleeps int32
	ctrl := newTestController(api, clock, func(o *Options) {
		o.BlockAfter = 2
		o.Sleep = noSleep(&sleeps)
	})
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	pollTimer(ctrl.timer)

	failed := rec.waitFor(t, EventFinalizeFailed)
	assert.ErrorIs(t, failed.Err, ErrFinalizeBlocked)
	assert.Equal(t, models.TriggerTimeout, failed.Trigger)

	ev := rec.waitFor(t, EventFinalized)
	assert.Equal(t, models.TriggerTimeout, ev.Result.Trigger)
	assert.Equal(t, StateCompleted, ctrl.State())
	assert.Len(t, api.calls(), 4)
	assert.Equal(t, int32(3), atomic.LoadInt32(&sleeps))
}

func TestFinalize_BlockedAttemptStaysLocked(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 30, makeQuestions(models.OptionDefault)))
	api.finalizeErrs = []error{fmt.Errorf("finalize attempt: %w", apiclient.ErrUnauthorized)}
	ctrl := newTestController(api, clock)
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	pollTimer(ctrl.timer)

	failed := rec.waitFor(t, EventFinalizeFailed)
	assert.ErrorIs(t, failed.Err, apiclient.ErrUnauthorized)
	assert.Equal(t, StateBlocked, ctrl.State())
	assert.ErrorIs(t, ctrl.SelectAnswer(0, 1), ErrAlreadyFinalized)

	// a manual retry resubmits with the timeout trigger
	res, err := ctrl.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TriggerTimeout, res.Trigger)
	assert.Equal(t, StateCompleted, ctrl.State())
}

func TestFinalize_DeadlinePassesDuringFailingExplicitSubmit(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 60, makeQuestions(models.OptionDefault)))
	api.gate = make(chan struct{})
	api.finalizeErrs = []error{fmt.Errorf("finalize attempt: %w", ErrTransient)}
	ctrl := newTestController(api, clock)
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Finalize(context.Background())
		done <- err
	}()
	<-api.entered

	clock.Advance(2 * time.Minute)
	pollTimer(ctrl.timer)
	close(api.gate)

	assert.ErrorIs(t, <-done, ErrTransient)
	ev := rec.waitFor(t, EventFinalized)
	assert.Equal(t, models.TriggerTimeout, ev.Trigger)
	assert.Len(t, api.calls(), 2)
}

func TestFinalize_ExplicitFailureAfterDeadlineStaysLocked(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 60, makeQuestions(models.OptionDefault, models.OptionDefault)))
	api.gate = make(chan struct{})
	api.finalizeErrs = []error{fmt.Errorf("finalize attempt: %w", ErrTransient)}
	ctrl := newTestController(api, clock)
	defer ctrl.Close()
	rec := record(ctrl.Bus())

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Finalize(context.Background())
		done <- err
	}()
	<-api.entered

	// deadline passes before the timer gets to tick
	clock.Advance(2 * time.Minute)
	close(api.gate)

	require.ErrorIs(t, <-done, ErrTransient)
	assert.NotEqual(t, StateInProgress, ctrl.State())
	assert.ErrorIs(t, ctrl.SelectAnswer(1, 2), ErrAlreadyFinalized)

	ev := rec.waitFor(t, EventFinalized)
	assert.Equal(t, models.TriggerTimeout, ev.Trigger)
	calls := api.calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].Answers[1].Answered)
}

func TestFinalize_InconsistentAcknowledgement(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 600, makeQuestions(models.OptionDefault)))
	other := uuid.New()
	api.ackAttemptID = &other
	ctrl := newTestController(api, clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	_, err = ctrl.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.NotEqual(t, StateCompleted, ctrl.State())
	assert.Nil(t, ctrl.Attempt().CompletedAt)
}

func TestFinalize_CallerContextCancelled(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 600, makeQuestions(models.OptionDefault)))
	api.gate = make(chan struct{})
	defer close(api.gate)
	ctrl := newTestController(api, clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Finalize(ctx)
		done <- err
	}()
	<-api.entered
	cancel()

	assert.True(t, errors.Is(<-done, context.Canceled))
	require.Eventually(t, func() bool { return ctrl.State() == StateInProgress }, 3*time.Second, 10*time.Millisecond)
}

func TestSelectAnswer_OutOfRange(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 600, makeQuestions(models.OptionDefault)))
	ctrl := newTestController(api, clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.ErrorIs(t, ctrl.SelectAnswer(1, 0), ErrOutOfRange)
	assert.ErrorIs(t, ctrl.SelectAnswer(-1, 0), ErrOutOfRange)
	assert.ErrorIs(t, ctrl.SelectAnswer(0, 3), ErrOutOfRange)
	assert.ErrorIs(t, ctrl.EnsureDefault(5), ErrOutOfRange)
	_, ok := ctrl.Answer(0)
	assert.False(t, ok)
}

func TestNavigation_ClampsAndAppliesDefaults(t *testing.T) {
	clock := newFakeClock(t0)
	qs := makeQuestions(models.OptionSingleSelect, models.OptionDefault, models.OptionSingleSelect, models.OptionImage)
	api := newFakeAPI(startedAttempt(t0, 600, qs))
	ctrl := newTestController(api, clock)
	defer ctrl.Close()

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)

	// the first question is visited on start
	opt, ok := ctrl.Answer(0)
	require.True(t, ok)
	assert.Equal(t, 0, opt)

	idx, err := ctrl.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	_, ok = ctrl.Answer(1)
	assert.False(t, ok)

	require.NoError(t, ctrl.SelectAnswer(2, 2))
	idx, _ = ctrl.Next()
	assert.Equal(t, 2, idx)
	opt, _ = ctrl.Answer(2)
	assert.Equal(t, 2, opt, "an explicit answer is never overwritten by the default")

	idx, _ = ctrl.GoTo(10)
	assert.Equal(t, 3, idx)
	idx, _ = ctrl.Next()
	assert.Equal(t, 3, idx)
	_, ok = ctrl.Answer(3)
	assert.False(t, ok)

	idx, _ = ctrl.GoTo(-4)
	assert.Equal(t, 0, idx)
	idx, _ = ctrl.Previous()
	assert.Equal(t, 0, idx)
	assert.Equal(t, 0, ctrl.CurrentQuestionIndex())
}

func TestClose_StopsTimer(t *testing.T) {
	clock := newFakeClock(t0)
	api := newFakeAPI(startedAttempt(t0, 60, makeQuestions(models.OptionDefault)))
	ctrl := newTestController(api, clock)

	_, err := ctrl.Start(context.Background(), uuid.New())
	require.NoError(t, err)
	ctrl.Close()

	clock.Advance(2 * time.Minute)
	pollTimer(ctrl.timer)
	assert.False(t, ctrl.timer.Expired())
	assert.Empty(t, api.calls())
}
