// Package assembly turns a session's uploaded segments into one durable,
// playable artifact, and guards that this happens at most once per session.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireloop/backend/internal/models"
	"github.com/hireloop/backend/internal/segments"
	"github.com/hireloop/backend/pkg/storage"
)

// ErrNoSegments means zero segments exist for the session. This is a normal
// outcome, not an alarm: the full-blob upload path may already have consumed
// the session, or a beacon fired before any segment existed.
var ErrNoSegments = errors.New("no segments found for session")

// SessionStore is what assembly needs from session persistence.
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Upsert(ctx context.Context, id string, p models.CandidateProfile, questions []string) (*models.Session, error)
	FinalizeOnce(ctx context.Context, id string, at time.Time) (bool, error)
}

// ArtifactStore records produced artifacts.
type ArtifactStore interface {
	Create(ctx context.Context, a *models.Artifact) error
}

// SegmentSource lists and purges stored segments.
type SegmentSource interface {
	List(sessionID string) ([]segments.Segment, error)
	Purge(sessionID string) error
}

// Concatenator is the external media transform (ffmpeg). When it is
// unavailable or errors, assembly degrades to raw byte concatenation.
type Concatenator interface {
	Available() bool
	Concat(ctx context.Context, segmentPaths []string, outPath string) error
	Thumbnail(ctx context.Context, inPath, outPath string) error
}

// Uploader pushes artifact files to object storage. Nil disables upload and
// artifacts keep their local path only.
type Uploader interface {
	UploadFile(ctx context.Context, key, contentType, filePath string) (url string, size int64, err error)
}

// ArtifactHandler is invoked after an artifact is produced, whichever path
// produced it (e.g. to enqueue grading and notify the admin feed).
type ArtifactHandler func(art *models.Artifact)

// Service assembles segments into artifacts.
type Service struct {
	sessions   SessionStore
	artifacts  ArtifactStore
	store      SegmentSource
	media      Concatenator
	uploader   Uploader
	workDir    string
	onArtifact ArtifactHandler
	logger     *zap.Logger
}

// NewService creates an assembly service. workDir holds assembled files
// before upload (os.TempDir() when empty); uploader may be nil.
func NewService(sessionStore SessionStore, artifactStore ArtifactStore, segmentStore SegmentSource,
	media Concatenator, uploader Uploader, workDir string, logger *zap.Logger) *Service {
	if workDir == "" {
		workDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessions:  sessionStore,
		artifacts: artifactStore,
		store:     segmentStore,
		media:     media,
		uploader:  uploader,
		workDir:   workDir,
		logger:    logger,
	}
}

// SetArtifactHandler sets the post-artifact callback. It fires for assembled
// and direct artifacts alike.
func (s *Service) SetArtifactHandler(fn ArtifactHandler) { s.onArtifact = fn }

func (s *Service) notifyArtifact(art *models.Artifact) {
	if s.onArtifact != nil {
		s.onArtifact(art)
	}
}

// Assemble concatenates all stored segments for the session into one
// artifact, consumes the segments, and records the artifact against the
// session with the metadata patch merged additively. Fails with
// ErrNoSegments when nothing is stored for the id.
func (s *Service) Assemble(ctx context.Context, sessionID string, patch models.CandidateProfile, questions []string) (*models.Artifact, error) {
	segs, err := s.store.List(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segs) == 0 {
		return nil, ErrNoSegments
	}

	if _, err := s.sessions.Upsert(ctx, sessionID, patch, questions); err != nil {
		return nil, fmt.Errorf("merge session metadata: %w", err)
	}

	artifactID := uuid.New()
	outPath := filepath.Join(s.workDir, artifactID.String()+".mp4")
	mimeType := "video/mp4"

	paths := make([]string, len(segs))
	for i, seg := range segs {
		paths[i] = seg.Path
	}

	transcoded := false
	if s.media != nil && s.media.Available() {
		if err := s.media.Concat(ctx, paths, outPath); err != nil {
			s.logger.Warn("ffmpeg concat failed, falling back to raw concatenation",
				zap.String("session_id", sessionID), zap.Error(err))
		} else {
			transcoded = true
		}
	}
	if !transcoded {
		// WebM tolerates naive concatenation well enough for playback, so a
		// raw byte join is the always-available degraded path.
		ext := filepath.Ext(paths[0])
		if ext == "" {
			ext = ".webm"
		}
		outPath = filepath.Join(s.workDir, artifactID.String()+ext)
		mimeType = mimeTypeForExt(ext)
		if err := rawConcat(paths, outPath); err != nil {
			return nil, fmt.Errorf("raw concat: %w", err)
		}
	}

	art := &models.Artifact{
		SessionID: sessionID,
		Kind:      "screen_pip",
		Source:    models.ArtifactSourceAssembled,
		MimeType:  mimeType,
		Status:    models.ArtifactStatusReady,
	}
	if err := s.finishArtifact(ctx, art, artifactID, outPath, transcoded); err != nil {
		return nil, err
	}

	if err := s.store.Purge(sessionID); err != nil {
		s.logger.Warn("purge segments failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.logger.Info("session assembled",
		zap.String("session_id", sessionID),
		zap.String("artifact_id", art.ID.String()),
		zap.Int("segments", len(segs)),
		zap.Bool("transcoded", transcoded))
	s.notifyArtifact(art)
	return art, nil
}

// SaveDirect records the complete final blob uploaded by the client in one
// request. This is the authoritative artifact path; it closes out the session
// immediately so that later finalize signals and the sweep become no-ops.
func (s *Service) SaveDirect(ctx context.Context, sessionID, kind, mimeType string, body io.Reader,
	patch models.CandidateProfile, questions []string) (*models.Artifact, error) {
	if _, err := s.sessions.Upsert(ctx, sessionID, patch, questions); err != nil {
		return nil, fmt.Errorf("merge session metadata: %w", err)
	}

	artifactID := uuid.New()
	outPath := filepath.Join(s.workDir, artifactID.String()+extForMimeType(mimeType))
	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}
	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(outPath)
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	if kind == "" {
		kind = "screen_pip"
	}
	art := &models.Artifact{
		SessionID: sessionID,
		Kind:      kind,
		Source:    models.ArtifactSourceDirect,
		MimeType:  mimeType,
		Status:    models.ArtifactStatusReady,
	}
	if err := s.finishArtifact(ctx, art, artifactID, outPath, true); err != nil {
		return nil, err
	}

	if _, err := s.sessions.FinalizeOnce(ctx, sessionID, time.Now()); err != nil {
		s.logger.Warn("finalize after direct upload failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	// Incremental segments are superseded by the full blob.
	if err := s.store.Purge(sessionID); err != nil {
		s.logger.Warn("purge segments failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.logger.Info("direct artifact stored",
		zap.String("session_id", sessionID), zap.String("artifact_id", art.ID.String()))
	s.notifyArtifact(art)
	return art, nil
}

// finishArtifact derives the thumbnail, uploads artifact and thumbnail when an
// uploader is configured, and persists the artifact row. Thumbnail failure
// never fails assembly.
func (s *Service) finishArtifact(ctx context.Context, art *models.Artifact, artifactID uuid.UUID, outPath string, tryThumb bool) error {
	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	art.FileSize = info.Size()
	art.LocalPath = outPath

	thumbPath := ""
	if tryThumb && s.media != nil && s.media.Available() {
		p := filepath.Join(s.workDir, artifactID.String()+".jpg")
		if err := s.media.Thumbnail(ctx, outPath, p); err != nil {
			s.logger.Debug("thumbnail failed", zap.String("session_id", art.SessionID), zap.Error(err))
		} else {
			thumbPath = p
		}
	}

	if s.uploader != nil {
		key := storage.ArtifactKey(art.SessionID, artifactID.String(), filepath.Ext(outPath))
		url, size, err := s.uploader.UploadFile(ctx, key, art.MimeType, outPath)
		if err != nil {
			return fmt.Errorf("upload artifact: %w", err)
		}
		art.S3Key = key
		art.S3URL = url
		art.FileSize = size
		if thumbPath != "" {
			thumbKey := storage.ThumbnailKey(art.SessionID, artifactID.String())
			if _, _, err := s.uploader.UploadFile(ctx, thumbKey, "image/jpeg", thumbPath); err != nil {
				s.logger.Debug("thumbnail upload failed", zap.Error(err))
			} else {
				art.ThumbnailKey = thumbKey
			}
			_ = os.Remove(thumbPath)
		}
		_ = os.Remove(outPath)
		art.LocalPath = ""
	} else if thumbPath != "" {
		art.ThumbnailKey = thumbPath
	}

	if err := s.artifacts.Create(ctx, art); err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

func rawConcat(paths []string, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	for _, p := range paths {
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func mimeTypeForExt(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

func extForMimeType(mimeType string) string {
	switch {
	case mimeType == "", mimeType == "video/webm":
		return ".webm"
	case mimeType == "video/mp4":
		return ".mp4"
	case len(mimeType) >= 9 && mimeType[:9] == "video/mp4":
		return ".mp4"
	case len(mimeType) >= 10 && mimeType[:10] == "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
