package sessions

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hireloop/backend/internal/models"
	"github.com/hireloop/backend/pkg/response"
)

// SessionLister reads sessions for the admin review surface.
type SessionLister interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, limit int) ([]models.Session, error)
}

// ArtifactLister reads artifacts for the admin review surface.
type ArtifactLister interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.Artifact, error)
}

// Handler serves the admin review API: listing candidate sessions, inspecting
// their artifacts, and issuing download links.
type Handler struct {
	sessions  SessionLister
	artifacts ArtifactLister
	presign   func(ctx context.Context, key string) (string, error)
	logger    *zap.Logger
}

// NewHandler creates a sessions handler. presign may be nil when S3 is not
// configured; download links then fall back to local paths.
func NewHandler(sessions SessionLister, artifacts ArtifactLister, presign func(ctx context.Context, key string) (string, error), logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, artifacts: artifacts, presign: presign, logger: logger}
}

// List handles GET /api/admin/sessions.
func (h *Handler) List(c *gin.Context) {
	list, err := h.sessions.List(c.Request.Context(), 100)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, gin.H{"sessions": list})
}

// Get handles GET /api/admin/sessions/:id, returning the session together
// with its artifacts.
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get session failed", zap.Error(err), zap.String("session_id", id))
		response.Internal(c, "failed to load session")
		return
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return
	}
	arts, err := h.artifacts.ListBySession(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list artifacts failed", zap.Error(err), zap.String("session_id", id))
		response.Internal(c, "failed to load artifacts")
		return
	}
	if arts == nil {
		arts = []models.Artifact{}
	}
	response.OK(c, gin.H{"session": sess, "artifacts": arts})
}

// Download handles GET /api/admin/artifacts/:id/download, returning a
// pre-signed URL (or local path) plus the thumbnail URL when available.
func (h *Handler) Download(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid artifact id")
		return
	}
	art, err := h.artifacts.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get artifact failed", zap.Error(err), zap.String("artifact_id", id.String()))
		response.Internal(c, "failed to load artifact")
		return
	}
	if art == nil {
		response.NotFound(c, "artifact not found")
		return
	}

	out := gin.H{
		"artifact_id": art.ID,
		"mime_type":   art.MimeType,
		"file_size":   art.FileSize,
	}
	switch {
	case art.S3Key != "" && h.presign != nil:
		url, err := h.presign(c.Request.Context(), art.S3Key)
		if err != nil {
			h.logger.Error("presign failed", zap.Error(err), zap.String("key", art.S3Key))
			response.Internal(c, "failed to generate download URL")
			return
		}
		out["url"] = url
		if art.ThumbnailKey != "" {
			if thumb, err := h.presign(c.Request.Context(), art.ThumbnailKey); err == nil {
				out["thumbnail_url"] = thumb
			}
		}
	case art.S3URL != "":
		out["url"] = art.S3URL
	default:
		out["local_path"] = art.LocalPath
	}
	response.OK(c, out)
}
