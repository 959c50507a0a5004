// Package worker runs background jobs: beacon-triggered session assembly and
// asynchronous artifact grading, plus the stale-session sweep.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireloop/backend/internal/assembly"
	"github.com/hireloop/backend/internal/grading"
	"github.com/hireloop/backend/internal/models"
	"github.com/hireloop/backend/internal/realtime"
	"github.com/hireloop/backend/pkg/queue"
)

// Finalizer runs the guarded assembly.
type Finalizer interface {
	Finalize(ctx context.Context, req assembly.FinalizeRequest) (*models.Artifact, error)
}

// ArtifactStore is what grading jobs need from artifact persistence.
type ArtifactStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	UpdateAnalysis(ctx context.Context, id uuid.UUID, analysis json.RawMessage) error
}

// SessionReader fetches session state (the question set for grading).
type SessionReader interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// Processor consumes assembly and grading jobs from the queue.
type Processor struct {
	guard     Finalizer
	artifacts ArtifactStore
	sessions  SessionReader
	grader    grading.Provider
	queue     *queue.Queue
	notify    func(event string, payload interface{})
	logger    *zap.Logger
}

// NewProcessor creates a job processor. grader may be nil to disable grading.
func NewProcessor(guard Finalizer, artifactStore ArtifactStore, sessionReader SessionReader,
	grader grading.Provider, q *queue.Queue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		guard:     guard,
		artifacts: artifactStore,
		sessions:  sessionReader,
		grader:    grader,
		queue:     q,
		logger:    logger,
	}
}

// SetNotify sets the admin feed publisher for job outcomes.
func (p *Processor) SetNotify(fn func(event string, payload interface{})) {
	p.notify = fn
}

func (p *Processor) publish(event string, payload interface{}) {
	if p.notify != nil {
		p.notify(event, payload)
	}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeAssembleSession:
		return p.processAssembly(ctx, job)
	case queue.JobTypeGradeArtifact:
		return p.processGrading(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) processAssembly(ctx context.Context, job *queue.Job) error {
	var payload queue.AssemblePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	art, err := p.guard.Finalize(ctx, assembly.FinalizeRequest{
		SessionID:  payload.SessionID,
		Patch:      payload.Profile,
		Questions:  payload.Questions,
		Force:      payload.Force,
		Background: true,
	})
	if err != nil {
		return fmt.Errorf("assemble %s: %w", payload.SessionID, err)
	}
	if art == nil {
		p.logger.Debug("assembly skipped", zap.String("session_id", payload.SessionID))
		return nil
	}
	p.logger.Info("beacon assembly completed",
		zap.String("session_id", payload.SessionID), zap.String("artifact_id", art.ID.String()))
	p.publish(realtime.EventSessionFinalized, map[string]string{
		"session_id":  payload.SessionID,
		"artifact_id": art.ID.String(),
	})
	return nil
}

func (p *Processor) processGrading(ctx context.Context, job *queue.Job) error {
	if p.grader == nil {
		return nil
	}
	var payload queue.GradePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	art, err := p.artifacts.GetByID(ctx, payload.ArtifactID)
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}
	if art == nil {
		p.logger.Warn("grading job for missing artifact", zap.String("artifact_id", payload.ArtifactID.String()))
		return nil
	}
	if art.Status == models.ArtifactStatusGraded {
		return nil
	}

	var qs []string
	if sess, err := p.sessions.Get(ctx, art.SessionID); err == nil && sess != nil {
		qs = sess.Questions
	}

	mediaURL := art.S3URL
	if mediaURL == "" {
		mediaURL = art.LocalPath
	}
	analysis, err := p.grader.Grade(ctx, grading.Request{
		SessionID: art.SessionID,
		Questions: qs,
		MediaURL:  mediaURL,
	})
	if err != nil {
		return fmt.Errorf("grade artifact %s: %w", art.ID, err)
	}
	if err := p.artifacts.UpdateAnalysis(ctx, art.ID, analysis); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	p.logger.Info("artifact graded", zap.String("artifact_id", art.ID.String()), zap.String("session_id", art.SessionID))
	p.publish(realtime.EventArtifactGraded, map[string]string{
		"artifact_id": art.ID.String(),
		"session_id":  art.SessionID,
	})
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, key, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job, key); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
