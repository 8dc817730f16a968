package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/pkg/queue"
)

// OverdueLister finds attempts past deadline plus grace.
type OverdueLister interface {
	Overdue(ctx context.Context, grace time.Duration, limit int) ([]models.Attempt, error)
}

// Enqueuer schedules server-side finalization of one attempt.
type Enqueuer interface {
	EnqueueFinalizeOverdue(ctx context.Context, payload queue.FinalizeOverduePayload) (bool, error)
}

// Sweeper periodically queues abandoned attempts for finalization.
type Sweeper struct {
	svc      OverdueLister
	queue    Enqueuer
	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *zap.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(svc OverdueLister, q Enqueuer, interval, grace time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{svc: svc, queue: q, interval: interval, grace: grace, batch: batch, logger: logger}
}

// Sweep queues one batch of overdue attempts and returns how many were queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.svc.Overdue(ctx, s.grace, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}
	queued := 0
	for _, a := range overdue {
		ok, err := s.queue.EnqueueFinalizeOverdue(ctx, queue.FinalizeOverduePayload{
			AttemptID: a.ID,
			TakerID:   a.TakerID,
			Deadline:  a.Deadline(),
		})
		if err != nil {
			s.logger.Warn("enqueue overdue attempt", zap.String("attempt_id", a.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Info("overdue attempts queued", zap.Int("count", queued))
	}
	return queued, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
		}
	}
}

// Finalizer completes an overdue attempt server-side.
type Finalizer interface {
	FinalizeOverdue(ctx context.Context, attemptID uuid.UUID) (*models.Result, error)
}

// JobSource is the consuming side of the queue.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Done(ctx context.Context, job *queue.Job)
	Retry(ctx context.Context, job *queue.Job) error
}

// Processor consumes finalize jobs.
type Processor struct {
	svc     Finalizer
	queue   JobSource
	logger  *zap.Logger
	wait    time.Duration
	backoff time.Duration
}

// NewProcessor creates a finalize job processor.
func NewProcessor(svc Finalizer, q JobSource, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{svc: svc, queue: q, logger: logger, wait: 5 * time.Second, backoff: queue.RetryBackoff}
}

// Process executes one finalize job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeFinalizeOverdue {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.FinalizeOverduePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	res, err := p.svc.FinalizeOverdue(ctx, payload.AttemptID)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", payload.AttemptID, err)
	}
	p.logger.Info("overdue attempt finalized",
		zap.String("attempt_id", payload.AttemptID.String()),
		zap.String("trigger", string(res.Trigger)),
		zap.Int("score", res.Score),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("finalize worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, p.backoff)
			continue
		}
		p.queue.Done(ctx, job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
