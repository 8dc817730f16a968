package attempts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/internal/realtime"
)

// Store persists attempts and their results.
type Store interface {
	// FindForTaker returns the taker's attempt at an assessment or ErrAttemptNotFound.
	FindForTaker(ctx context.Context, takerID, assessmentID uuid.UUID) (*models.Attempt, error)
	// Create inserts a in_progress attempt. When the taker already has one the existing row
	// is returned with created=false.
	Create(ctx context.Context, a *models.Attempt) (attempt *models.Attempt, created bool, err error)
	// Get returns an attempt and, once completed, its result.
	Get(ctx context.Context, id uuid.UUID) (*models.Attempt, *models.Result, error)
	// Complete moves an in_progress attempt to completed and stores the result. applied is
	// false when the attempt was no longer in progress.
	Complete(ctx context.Context, res *models.Result) (applied bool, err error)
	// ListOverdue returns in_progress attempts whose deadline passed before cutoff.
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]models.Attempt, error)
}

// AssessmentSource reads assessments with questions and correct indexes.
type AssessmentSource interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Assessment, error)
	IsAssigned(ctx context.Context, assessmentID, takerID uuid.UUID) (bool, error)
}

// ResultCache keeps recent results for finalize replays, keyed by taker and attempt.
type ResultCache interface {
	Get(ctx context.Context, takerID, attemptID uuid.UUID) (*models.Result, error)
	Set(ctx context.Context, takerID uuid.UUID, res *models.Result) error
}

// Notifier pushes events to a taker's open clients.
type Notifier interface {
	NotifyTaker(takerID uuid.UUID, event string, payload interface{})
}

// ImageSigner resolves option image keys to short-lived URLs.
type ImageSigner interface {
	SignImage(ctx context.Context, key string) (string, error)
}

// DefaultLateGrace is how long after the deadline submitted answers are still accepted.
const DefaultLateGrace = 30 * time.Second

// Service implements start, finalize and result lookup. The database is the source of
// truth; finalize is idempotent by attempt id.
type Service struct {
	store       Store
	assessments AssessmentSource
	cache       ResultCache
	notifier    Notifier
	images      ImageSigner
	logger      *zap.Logger
	now         func() time.Time
	lateGrace   time.Duration
}

// NewService creates the attempts service. cache, notifier and images may be nil.
func NewService(
	store Store,
	assessments AssessmentSource,
	cache ResultCache,
	notifier Notifier,
	images ImageSigner,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		assessments: assessments,
		cache:       cache,
		notifier:    notifier,
		images:      images,
		logger:      logger,
		now:         time.Now,
		lateGrace:   DefaultLateGrace,
	}
}

// SetLateGrace changes how long past the deadline submitted answers are accepted.
func (s *Service) SetLateGrace(d time.Duration) {
	if d >= 0 {
		s.lateGrace = d
	}
}

// Start creates the taker's attempt or resumes the running one. Resumed attempts keep
// their original startedAt so the deadline does not move.
func (s *Service) Start(ctx context.Context, takerID, assessmentID uuid.UUID) (*models.StartedAttempt, error) {
	a, err := s.assessments.Get(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	assigned, err := s.assessments.IsAssigned(ctx, assessmentID, takerID)
	if err != nil {
		return nil, fmt.Errorf("check assignment: %w", err)
	}
	if !assigned {
		return nil, ErrNotAssigned
	}

	existing, err := s.store.FindForTaker(ctx, takerID, assessmentID)
	switch {
	case err == nil:
		if existing.Status == models.AttemptCompleted {
			return nil, ErrAlreadyCompleted
		}
		if a.Status == models.AssessmentCancelled {
			return nil, ErrExpired
		}
		return s.started(ctx, existing, a, true)
	case !errors.Is(err, ErrAttemptNotFound):
		return nil, fmt.Errorf("find attempt: %w", err)
	}

	now := s.now()
	if err := checkWindow(a, now); err != nil {
		return nil, err
	}
	if len(a.Questions) == 0 {
		return nil, fmt.Errorf("assessment %s has no questions", a.ID)
	}

	attempt, created, err := s.store.Create(ctx, &models.Attempt{
		AssessmentID:    a.ID,
		TakerID:         takerID,
		StartedAt:       now,
		DurationSeconds: a.DurationSeconds(),
		Status:          models.AttemptInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	if attempt.Status == models.AttemptCompleted {
		return nil, ErrAlreadyCompleted
	}
	if created {
		s.logger.Info("attempt started",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("assessment_id", a.ID.String()),
			zap.String("taker_id", takerID.String()),
		)
		s.notify(takerID, realtime.EventCatalogChanged, map[string]string{"assessment_id": a.ID.String()})
	}
	return s.started(ctx, attempt, a, !created)
}

func checkWindow(a *models.Assessment, now time.Time) error {
	switch a.Status {
	case models.AssessmentExpired, models.AssessmentCancelled:
		return ErrExpired
	}
	if now.Before(a.NotBefore) {
		return ErrNotYetAvailable
	}
	if a.NotAfter != nil && !now.Before(*a.NotAfter) {
		return ErrExpired
	}
	return nil
}

func (s *Service) started(
	ctx context.Context,
	attempt *models.Attempt,
	a *models.Assessment,
	resumed bool,
) (*models.StartedAttempt, error) {
	questions := make([]models.Question, len(a.Questions))
	for i, q := range a.Questions {
		q.Options = append([]models.Option(nil), q.Options...)
		if q.OptionType == models.OptionImage && s.images != nil {
			for j := range q.Options {
				if q.Options[j].ImageKey == "" {
					continue
				}
				url, err := s.images.SignImage(ctx, q.Options[j].ImageKey)
				if err != nil {
					s.logger.Warn("sign option image",
						zap.String("question_id", q.ID.String()),
						zap.String("key", q.Options[j].ImageKey),
						zap.Error(err),
					)
					continue
				}
				q.Options[j].ImageURL = url
			}
		}
		questions[i] = q
	}
	return &models.StartedAttempt{
		AttemptID:       attempt.ID,
		AssessmentID:    attempt.AssessmentID,
		StartedAt:       attempt.StartedAt,
		DurationSeconds: attempt.DurationSeconds,
		ServerTime:      s.now(),
		Resumed:         resumed,
		Questions:       questions,
	}, nil
}

// Finalize completes the attempt with the submitted answers. Replays return the stored
// result without re-scoring.
func (s *Service) Finalize(
	ctx context.Context,
	takerID, attemptID uuid.UUID,
	req models.FinalizeRequest,
) (*models.Result, error) {
	if !req.Trigger.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrigger, req.Trigger)
	}
	if res := s.cached(ctx, takerID, attemptID); res != nil {
		return res, nil
	}

	attempt, stored, err := s.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.TakerID != takerID {
		return nil, ErrAttemptNotFound
	}
	if attempt.Status == models.AttemptCompleted {
		s.remember(ctx, takerID, stored)
		return stored, nil
	}

	a, err := s.assessments.Get(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, err
	}
	if err := ValidateAnswers(a.Questions, req.Answers); err != nil {
		return nil, err
	}

	now := s.now()
	if now.After(attempt.Deadline().Add(s.lateGrace)) {
		s.logger.Warn("late finalize, submitted answers ignored",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Time("deadline", attempt.Deadline()),
		)
		return s.complete(ctx, attempt, a, Unanswered(a.Questions), models.TriggerTimeout, attempt.DurationSeconds)
	}
	// the client may report more time than the server saw, never less
	spent := clampSpent(req.TimeSpentSeconds, attempt.DurationSeconds)
	if elapsed := clampSpent(int(now.Sub(attempt.StartedAt)/time.Second), attempt.DurationSeconds); elapsed > spent {
		spent = elapsed
	}
	return s.complete(ctx, attempt, a, req.Answers, req.Trigger, spent)
}

// FinalizeOverdue completes an abandoned attempt with trigger timeout. Nothing the client
// held locally is known to the server, so every question is unanswered.
func (s *Service) FinalizeOverdue(ctx context.Context, attemptID uuid.UUID) (*models.Result, error) {
	attempt, stored, err := s.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status == models.AttemptCompleted {
		return stored, nil
	}
	if s.now().Before(attempt.Deadline()) {
		return nil, fmt.Errorf("attempt %s is not overdue", attemptID)
	}
	a, err := s.assessments.Get(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, attempt, a, Unanswered(a.Questions), models.TriggerTimeout, attempt.DurationSeconds)
}

func (s *Service) complete(
	ctx context.Context,
	attempt *models.Attempt,
	a *models.Assessment,
	answers []models.AnswerEntry,
	trigger models.Trigger,
	spent int,
) (*models.Result, error) {
	res := Score(attempt.ID, a.Questions, answers, trigger, spent, s.now().UTC())
	applied, err := s.store.Complete(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("complete attempt: %w", err)
	}
	if !applied {
		// lost the race against another finalize; the stored result wins
		_, stored, err := s.store.Get(ctx, attempt.ID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("attempt %s completed without result", attempt.ID)
		}
		s.remember(ctx, attempt.TakerID, stored)
		return stored, nil
	}

	s.logger.Info("attempt finalized",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("taker_id", attempt.TakerID.String()),
		zap.String("trigger", string(trigger)),
		zap.Int("score", res.Score),
		zap.Int("max_score", res.MaxScore),
	)
	s.remember(ctx, attempt.TakerID, res)
	s.notify(attempt.TakerID, realtime.EventAttemptFinalized, res)
	s.notify(attempt.TakerID, realtime.EventCatalogChanged, map[string]string{"assessment_id": attempt.AssessmentID.String()})
	return res, nil
}

// Result returns the stored result of a completed attempt owned by takerID.
func (s *Service) Result(ctx context.Context, takerID, attemptID uuid.UUID) (*models.Result, error) {
	if res := s.cached(ctx, takerID, attemptID); res != nil {
		return res, nil
	}
	attempt, stored, err := s.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.TakerID != takerID {
		return nil, ErrAttemptNotFound
	}
	if attempt.Status != models.AttemptCompleted || stored == nil {
		return nil, ErrNotCompleted
	}
	s.remember(ctx, takerID, stored)
	return stored, nil
}

// Overdue lists attempts past deadline+grace.
func (s *Service) Overdue(ctx context.Context, grace time.Duration, limit int) ([]models.Attempt, error) {
	return s.store.ListOverdue(ctx, s.now().Add(-grace), limit)
}

func (s *Service) cached(ctx context.Context, takerID, attemptID uuid.UUID) *models.Result {
	if s.cache == nil {
		return nil
	}
	res, err := s.cache.Get(ctx, takerID, attemptID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("result cache get", zap.String("attempt_id", attemptID.String()), zap.Error(err))
		}
		return nil
	}
	return res
}

func (s *Service) remember(ctx context.Context, takerID uuid.UUID, res *models.Result) {
	if s.cache == nil || res == nil {
		return
	}
	if err := s.cache.Set(ctx, takerID, res); err != nil {
		s.logger.Warn("result cache set", zap.String("attempt_id", res.AttemptID.String()), zap.Error(err))
	}
}

func (s *Service) notify(takerID uuid.UUID, event string, payload interface{}) {
	if s.notifier != nil {
		s.notifier.NotifyTaker(takerID, event, payload)
	}
}
