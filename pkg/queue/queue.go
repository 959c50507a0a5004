package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hireloop/backend/internal/models"
)

const (
	// QueueAssembly is the Redis list key for session assembly jobs.
	QueueAssembly = "worker:assembly"
	// QueueGrading is the Redis list key for artifact grading jobs.
	QueueGrading = "worker:grading"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeAssembleSession JobType = "assemble_session"
	JobTypeGradeArtifact   JobType = "grade_artifact"
)

// AssemblePayload is the payload for session assembly jobs. Beacon-triggered
// finalizes are enqueued here so the HTTP handler can acknowledge immediately.
type AssemblePayload struct {
	SessionID string                  `json:"session_id"`
	Profile   models.CandidateProfile `json:"profile"`
	Questions []string                `json:"questions,omitempty"`
	Force     bool                    `json:"force"`
}

// GradePayload is the payload for artifact grading jobs.
type GradePayload struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	SessionID  string    `json:"session_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueAssembly enqueues a session assembly job.
func (q *Queue) EnqueueAssembly(ctx context.Context, payload AssemblePayload) error {
	raw, err := q.wrap(JobTypeAssembleSession, payload)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueAssembly, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued assembly job", zap.String("session_id", payload.SessionID), zap.Bool("force", payload.Force))
	return nil
}

// EnqueueGrading enqueues an artifact grading job.
func (q *Queue) EnqueueGrading(ctx context.Context, payload GradePayload) error {
	raw, err := q.wrap(JobTypeGradeArtifact, payload)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueGrading, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued grading job", zap.String("artifact_id", payload.ArtifactID.String()))
	return nil
}

func (q *Queue) wrap(typ JobType, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return raw, nil
}

// Dequeue blocks until a job is available on either work queue or ctx is done.
// Returns the job and the queue name it came from.
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, 0, QueueAssembly, QueueGrading).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries,
// pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job, queueKey string) error {
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
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if queueKey == "" {
		queueKey = QueueAssembly
	}
	if err := q.client.RPush(ctx, queueKey, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
