package assembly

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hireloop/backend/internal/models"
)

var (
	// ErrRecordingActive means finalize was attempted while the session is
	// still flagged recording and no force override was supplied.
	ErrRecordingActive = errors.New("recording still active")
	// ErrAlreadyFinalized means the session was closed out earlier. Callers
	// treat this as benign: repeated finalize signals are expected.
	ErrAlreadyFinalized = errors.New("session already finalized")
)

// FinalizeRequest describes one finalize attempt.
type FinalizeRequest struct {
	SessionID string
	Patch     models.CandidateProfile
	Questions []string
	// Force overrides the active-recording check. Used only by the final
	// page-unload beacon, since no further signal can arrive from that tab.
	Force bool
	// Background marks beacon/sweep-originated calls: guard refusals are
	// silent skips instead of errors.
	Background bool
}

// Guard serializes finalization per session. The one-way finalized_at flag is
// the sole correctness-critical protection against duplicate assembly: racing
// callers may both invoke assembly, but segment consumption means the loser
// observes ErrNoSegments and at most one artifact is ever produced.
type Guard struct {
	sessions SessionStore
	svc      *Service
	logger   *zap.Logger
}

// NewGuard creates a finalization guard around the assembly service.
func NewGuard(sessionStore SessionStore, svc *Service, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{sessions: sessionStore, svc: svc, logger: logger}
}

// Finalize runs the guarded assembly for one session.
//
// Returns (nil, nil) when a background call was silently skipped.
// Returns ErrAlreadyFinalized / ErrRecordingActive for refused explicit calls
// and ErrNoSegments when nothing is stored — all of which are expected
// outcomes in legitimate races, not failures.
func (g *Guard) Finalize(ctx context.Context, req FinalizeRequest) (*models.Artifact, error) {
	sess, err := g.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil && sess.Finalized() {
		if req.Background {
			g.logger.Debug("skipping finalized session", zap.String("session_id", req.SessionID))
			return nil, nil
		}
		return nil, ErrAlreadyFinalized
	}
	if sess != nil && sess.RecordingActive && !req.Force {
		if req.Background {
			g.logger.Debug("skipping active session", zap.String("session_id", req.SessionID))
			return nil, nil
		}
		return nil, ErrRecordingActive
	}

	art, err := g.svc.Assemble(ctx, req.SessionID, req.Patch, req.Questions)
	if err != nil {
		if errors.Is(err, ErrNoSegments) && req.Background {
			return nil, nil
		}
		return nil, err
	}

	won, err := g.sessions.FinalizeOnce(ctx, req.SessionID, time.Now())
	if err != nil {
		g.logger.Error("finalize flag update failed", zap.String("session_id", req.SessionID), zap.Error(err))
	} else if !won {
		// A racer finalized between our check and now. Segments were already
		// consumed by us, so exactly one artifact still exists.
		g.logger.Warn("finalize race detected", zap.String("session_id", req.SessionID))
	}
	return art, nil
}
