// Package ingest exposes the candidate-facing upload endpoints: incremental
// segment upload, final blob upload, explicit finalize, and the unload-safe
// beacon finalize.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hireloop/backend/internal/assembly"
	"github.com/hireloop/backend/internal/models"
	"github.com/hireloop/backend/internal/segments"
	"github.com/hireloop/backend/pkg/queue"
	"github.com/hireloop/backend/pkg/response"
)

// SessionStore is what ingest needs from session persistence.
type SessionStore interface {
	Upsert(ctx context.Context, id string, p models.CandidateProfile, questions []string) (*models.Session, error)
	TouchSegment(ctx context.Context, id string) error
}

// SegmentSaver stores raw segment bytes.
type SegmentSaver interface {
	Save(sessionID string, index int, ext string, r io.Reader) (*segments.Segment, error)
}

// Finalizer runs the guarded synchronous assembly.
type Finalizer interface {
	Finalize(ctx context.Context, req assembly.FinalizeRequest) (*models.Artifact, error)
}

// DirectSaver stores the complete final blob.
type DirectSaver interface {
	SaveDirect(ctx context.Context, sessionID, kind, mimeType string, body io.Reader,
		patch models.CandidateProfile, questions []string) (*models.Artifact, error)
}

// Enqueuer pushes background assembly jobs; the beacon endpoint uses it so it
// can acknowledge before any work happens.
type Enqueuer interface {
	EnqueueAssembly(ctx context.Context, payload queue.AssemblePayload) error
}

// Handler handles the ingest endpoints.
type Handler struct {
	sessions        SessionStore
	store           SegmentSaver
	guard           Finalizer
	direct          DirectSaver
	jobs            Enqueuer
	maxSegmentBytes int64
	logger          *zap.Logger
}

// NewHandler creates an ingest handler.
func NewHandler(sessionStore SessionStore, segmentStore SegmentSaver, guard Finalizer,
	direct DirectSaver, jobs Enqueuer, maxSegmentBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:        sessionStore,
		store:           segmentStore,
		guard:           guard,
		direct:          direct,
		jobs:            jobs,
		maxSegmentBytes: maxSegmentBytes,
		logger:          logger,
	}
}

// uploadMeta is the JSON metadata part of segment and final-blob uploads.
// Every upload carries the full candidate metadata and question set so the
// server can reconstruct session state even from the very first segment.
type uploadMeta struct {
	SessionID   string   `json:"sessionId"`
	Index       *int     `json:"index,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Country     string   `json:"country"`
	Phone       string   `json:"phone"`
	Source      string   `json:"source"`
	Stack       string   `json:"stack"`
	InterviewID string   `json:"interviewId"`
	Questions   []string `json:"questions,omitempty"`
}

func (m uploadMeta) profile() models.CandidateProfile {
	return models.CandidateProfile{
		Name:        m.Name,
		Email:       m.Email,
		Country:     m.Country,
		Phone:       m.Phone,
		Source:      m.Source,
		Stack:       m.Stack,
		InterviewID: m.InterviewID,
	}
}

func parseMeta(c *gin.Context) (*uploadMeta, bool) {
	raw := c.PostForm("meta")
	if raw == "" {
		response.BadRequest(c, "meta part required")
		return nil, false
	}
	var m uploadMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		response.BadRequest(c, "invalid meta: "+err.Error())
		return nil, false
	}
	if m.SessionID == "" {
		response.BadRequest(c, "sessionId required")
		return nil, false
	}
	return &m, true
}

// UploadSegment handles POST /api/segments. One time-sliced media chunk plus
// metadata; oversized payloads get a distinguishable 413 so the client can
// show its configuration-problem warning.
func (h *Handler) UploadSegment(c *gin.Context) {
	meta, ok := parseMeta(c)
	if !ok {
		return
	}
	if meta.Index == nil {
		response.BadRequest(c, "index required")
		return
	}

	fh, err := c.FormFile("video")
	if err != nil {
		response.BadRequest(c, "video part required")
		return
	}
	if h.maxSegmentBytes > 0 && fh.Size > h.maxSegmentBytes {
		response.PayloadTooLarge(c, "segment exceeds maximum size "+strconv.FormatInt(h.maxSegmentBytes, 10))
		return
	}

	ctx := c.Request.Context()
	if _, err := h.sessions.Upsert(ctx, meta.SessionID, meta.profile(), meta.Questions); err != nil {
		h.logger.Error("session upsert failed", zap.Error(err), zap.String("session_id", meta.SessionID))
		response.Internal(c, "failed to record session")
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable video part")
		return
	}
	defer f.Close()

	seg, err := h.store.Save(meta.SessionID, *meta.Index, extForUpload(fh.Header.Get("Content-Type"), fh.Filename), f)
	if err != nil {
		if errors.Is(err, segments.ErrInvalidSessionID) {
			response.BadRequest(c, "invalid sessionId")
			return
		}
		h.logger.Error("segment save failed", zap.Error(err),
			zap.String("session_id", meta.SessionID), zap.Int("index", *meta.Index))
		response.Internal(c, "failed to store segment")
		return
	}

	if err := h.sessions.TouchSegment(ctx, meta.SessionID); err != nil {
		h.logger.Warn("touch segment failed", zap.Error(err), zap.String("session_id", meta.SessionID))
	}

	h.logger.Debug("segment stored",
		zap.String("session_id", meta.SessionID), zap.Int("index", seg.Index), zap.Int64("size", seg.Size))
	response.OK(c, gin.H{"ok": true, "index": seg.Index})
}

// UploadFinal handles POST /api/recordings: the complete recorded answer as
// one file, tagged with kind instead of an index.
func (h *Handler) UploadFinal(c *gin.Context) {
	meta, ok := parseMeta(c)
	if !ok {
		return
	}

	fh, err := c.FormFile("video")
	if err != nil {
		response.BadRequest(c, "video part required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable video part")
		return
	}
	defer f.Close()

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "video/webm"
	}
	art, err := h.direct.SaveDirect(c.Request.Context(), meta.SessionID, meta.Kind, mimeType, f,
		meta.profile(), meta.Questions)
	if err != nil {
		h.logger.Error("final upload failed", zap.Error(err), zap.String("session_id", meta.SessionID))
		response.Internal(c, "failed to store recording")
		return
	}
	response.OK(c, gin.H{"ok": true, "artifact_id": art.ID})
}

// finalizeRequest is the explicit finalize body.
type finalizeRequest struct {
	SessionID   string   `json:"sessionId" binding:"required"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Country     string   `json:"country"`
	Phone       string   `json:"phone"`
	Source      string   `json:"source"`
	Stack       string   `json:"stack"`
	InterviewID string   `json:"interviewId"`
	Questions   []string `json:"questions,omitempty"`
	Force       bool     `json:"force"`
}

// Finalize handles POST /api/sessions/finalize: synchronous assembly from
// previously uploaded segments. Returns 409 while recording is still flagged
// active unless force is set; the client sets force after a deliberate stop,
// when it knows no further segments can arrive. A missing segment set and an
// already-finalized session are both benign outcomes, not errors.
func (h *Handler) Finalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	art, err := h.guard.Finalize(c.Request.Context(), assembly.FinalizeRequest{
		SessionID: req.SessionID,
		Patch: models.CandidateProfile{
			Name: req.Name, Email: req.Email, Country: req.Country, Phone: req.Phone,
			Source: req.Source, Stack: req.Stack, InterviewID: req.InterviewID,
		},
		Questions: req.Questions,
		Force:     req.Force,
	})
	switch {
	case errors.Is(err, assembly.ErrRecordingActive):
		response.Conflict(c, "recording still active")
	case errors.Is(err, assembly.ErrAlreadyFinalized):
		response.OK(c, gin.H{"ok": true, "already_finalized": true})
	case errors.Is(err, assembly.ErrNoSegments):
		response.OK(c, gin.H{"ok": true, "assembled": false, "reason": "no_segments"})
	case err != nil:
		h.logger.Error("finalize failed", zap.Error(err), zap.String("session_id", req.SessionID))
		response.Internal(c, "failed to finalize session")
	default:
		response.OK(c, gin.H{"ok": true, "assembled": true, "artifact_id": art.ID})
	}
}

// Beacon handles GET and POST /api/sessions/beacon: the fire-and-forget
// finalize signal sent as the page is hidden or unloaded. It always returns
// 202 immediately; assembly runs in the background worker. force=true is sent
// only on final unload, when no further signal can ever arrive from the tab.
func (h *Handler) Beacon(c *gin.Context) {
	var payload queue.AssemblePayload
	if c.Request.Method == "GET" {
		payload = queue.AssemblePayload{
			SessionID: c.Query("sessionId"),
			Profile: models.CandidateProfile{
				Name:        c.Query("name"),
				Email:       c.Query("email"),
				Country:     c.Query("country"),
				Phone:       c.Query("phone"),
				Source:      c.Query("source"),
				Stack:       c.Query("stack"),
				InterviewID: c.Query("interviewId"),
			},
			Questions: c.QueryArray("questions"),
			Force:     c.Query("force") == "true" || c.Query("force") == "1",
		}
	} else {
		var req finalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
		payload = queue.AssemblePayload{
			SessionID: req.SessionID,
			Profile: models.CandidateProfile{
				Name: req.Name, Email: req.Email, Country: req.Country, Phone: req.Phone,
				Source: req.Source, Stack: req.Stack, InterviewID: req.InterviewID,
			},
			Questions: req.Questions,
			Force:     req.Force,
		}
	}
	if payload.SessionID == "" {
		response.BadRequest(c, "sessionId required")
		return
	}

	if err := h.jobs.EnqueueAssembly(c.Request.Context(), payload); err != nil {
		// Still acknowledge: the sweep remains as the safety net and the
		// sender is being torn down and cannot react anyway.
		h.logger.Error("enqueue beacon assembly failed", zap.Error(err), zap.String("session_id", payload.SessionID))
	}
	response.Accepted(c, gin.H{"ok": true})
}

func extForUpload(contentType, filename string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mp4"):
		return ".mp4"
	case strings.Contains(ct, "webm"):
		return ".webm"
	}
	if i := strings.LastIndex(filename, "."); i >= 0 {
		switch strings.ToLower(filename[i:]) {
		case ".mp4", ".webm":
			return strings.ToLower(filename[i:])
		}
	}
	return ".webm"
}
