package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hireloop/backend/internal/assembly"
	"github.com/hireloop/backend/internal/models"
)

// SegmentScanner reports which sessions have segments on disk and how fresh
// they are, and discards segments that will never be assembled.
type SegmentScanner interface {
	Sessions() ([]string, error)
	LastModified(sessionID string) (time.Time, error)
	Purge(sessionID string) error
}

// SweepSessionStore is what the sweep needs from session persistence.
type SweepSessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	SetRecordingActive(ctx context.Context, id string, active bool) error
}

// Sweeper is the safety net for sessions whose client never sent any finalize
// signal (e.g. abrupt process kill). It periodically scans stored segments
// and assembles sessions whose upload activity has gone stale.
type Sweeper struct {
	store      SegmentScanner
	sessions   SweepSessionStore
	guard      Finalizer
	interval   time.Duration
	inactivity time.Duration
	logger     *zap.Logger
}

// NewSweeper creates a stale-session sweeper.
func NewSweeper(store SegmentScanner, sessionStore SweepSessionStore, guard Finalizer,
	interval, inactivity time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if inactivity <= 0 {
		inactivity = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:      store,
		sessions:   sessionStore,
		guard:      guard,
		interval:   interval,
		inactivity: inactivity,
		logger:     logger,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one scan. A session is swept when its newest segment is
// older than the inactivity threshold and it is not already finalized.
// Staleness demotes the recording-active flag first: a client that stopped
// uploading segments this long ago is gone, and the session would otherwise
// stay guarded forever.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ids, err := s.store.Sessions()
	if err != nil {
		s.logger.Warn("sweep scan failed", zap.Error(err))
		return
	}
	now := time.Now()
	for _, id := range ids {
		last, err := s.store.LastModified(id)
		if err != nil || last.IsZero() {
			continue
		}
		if now.Sub(last) < s.inactivity {
			continue
		}

		sess, err := s.sessions.Get(ctx, id)
		if err != nil {
			s.logger.Warn("sweep session lookup failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if sess != nil && sess.Finalized() {
			// Already closed out; never reassemble. A retried segment upload
			// can still land after finalization purged the directory, so
			// clear the leftovers instead of keeping them on disk forever.
			if err := s.store.Purge(id); err != nil {
				s.logger.Warn("purge leftover segments failed", zap.String("session_id", id), zap.Error(err))
			} else {
				s.logger.Info("purged leftover segments of finalized session", zap.String("session_id", id))
			}
			continue
		}
		if sess != nil && sess.RecordingActive {
			if err := s.sessions.SetRecordingActive(ctx, id, false); err != nil {
				s.logger.Warn("sweep demote failed", zap.String("session_id", id), zap.Error(err))
				continue
			}
		}

		art, err := s.guard.Finalize(ctx, assembly.FinalizeRequest{
			SessionID:  id,
			Background: true,
		})
		if err != nil {
			s.logger.Warn("sweep assembly failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if art != nil {
			s.logger.Info("stale session assembled",
				zap.String("session_id", id), zap.String("artifact_id", art.ID.String()),
				zap.Duration("idle", now.Sub(last)))
		}
	}
}
