package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Artifact lifecycle.
const (
	ArtifactStatusReady  = "ready"
	ArtifactStatusGraded = "graded"
)

// How the artifact was produced.
const (
	// ArtifactSourceAssembled means the server concatenated uploaded segments.
	ArtifactSourceAssembled = "assembled"
	// ArtifactSourceDirect means the client uploaded the complete blob in one request.
	ArtifactSourceDirect = "direct"
)

// Artifact is the durable playable media file for one completed interview
// answer. At most one is produced per finalized session.
type Artifact struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    string          `json:"session_id"`
	Kind         string          `json:"kind"` // e.g. "screen_pip"
	Source       string          `json:"source"`
	S3Key        string          `json:"s3_key,omitempty"`
	S3URL        string          `json:"s3_url,omitempty"`
	ThumbnailKey string          `json:"thumbnail_key,omitempty"`
	LocalPath    string          `json:"local_path,omitempty"`
	MimeType     string          `json:"mime_type"`
	FileSize     int64           `json:"file_size"`
	Analysis     json.RawMessage `json:"analysis,omitempty"` // per-question grading, attached async
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
