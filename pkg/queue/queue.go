package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueFinalize is the Redis list key for server-side finalize jobs.
	QueueFinalize = "portal:worker:finalize"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "portal:worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// PendingTTL bounds how long an attempt stays marked as queued.
	PendingTTL = 10 * time.Minute

	pendingPrefix = "portal:worker:pending:"
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeFinalizeOverdue JobType = "finalize_overdue"
)

// FinalizeOverduePayload names an attempt the sweeper found past its deadline.
type FinalizeOverduePayload struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	TakerID   uuid.UUID `json:"taker_id"`
	Deadline  time.Time `json:"deadline"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Lists is the subset of the Redis client used by the queue. *redis.Client satisfies it.
type Lists interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client Lists
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client Lists, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, now: time.Now}
}

// EnqueueFinalizeOverdue enqueues a finalize job unless one for the same attempt is
// already pending. queued reports whether a job was pushed.
func (q *Queue) EnqueueFinalizeOverdue(ctx context.Context, payload FinalizeOverduePayload) (queued bool, err error) {
	key := pendingPrefix + payload.AttemptID.String()
	ok, err := q.client.SetNX(ctx, key, 1, PendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return false, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeFinalizeOverdue,
		Key:       key,
		Payload:   body,
		Attempt:   0,
		CreatedAt: q.now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueFinalize, raw).Err(); err != nil {
		q.release(ctx, key)
		return false, fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued finalize job", zap.String("job_id", job.ID), zap.String("attempt_id", payload.AttemptID.String()))
	return true, nil
}

// Dequeue blocks up to timeout for a job. A nil job with nil error means the wait timed out
// or the entry was unreadable.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueFinalize).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Done clears the pending mark of a processed job.
func (q *Queue) Done(ctx context.Context, job *Job) {
	q.release(ctx, job.Key)
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.release(ctx, job.Key)
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueFinalize, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

func (q *Queue) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := q.client.Del(ctx, key).Err(); err != nil {
		q.logger.Warn("release pending mark", zap.String("key", key), zap.Error(err))
	}
}
