package capture

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	uploadAttempts = 2
	uploadBackoff  = 500 * time.Millisecond
)

// SegmentTransport is what the uploader needs from the API client.
type SegmentTransport interface {
	UploadSegment(ctx context.Context, meta Metadata, index int, mimeType string, data []byte) error
}

// Uploader ships chunks to the server strictly in order, one at a time. A
// chunk that cannot be delivered after its retries is skipped rather than
// blocking the queue: a gap in the segment set degrades the artifact, a
// stalled queue loses everything after the failure.
type Uploader struct {
	transport SegmentTransport
	meta      func() Metadata
	logger    *zap.Logger

	uploaded int
	skipped  int
}

// NewUploader creates an uploader. meta is called per chunk so uploads carry
// the freshest candidate metadata.
func NewUploader(transport SegmentTransport, meta func() Metadata, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{transport: transport, meta: meta, logger: logger}
}

// Run consumes chunks until the channel closes or ctx is canceled. It is the
// single consumer; sequencing is the point, so it must not be run twice
// concurrently.
func (u *Uploader) Run(ctx context.Context, chunks <-chan Chunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			u.upload(ctx, chunk)
		}
	}
}

func (u *Uploader) upload(ctx context.Context, chunk Chunk) {
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		err := u.transport.UploadSegment(ctx, u.meta(), chunk.Index, chunk.MimeType, chunk.Data)
		if err == nil {
			u.uploaded++
			return
		}
		lastErr = err
		if errors.Is(err, ErrPayloadTooLarge) {
			// A size rejection is deterministic; this is a server or proxy
			// limit misconfiguration, not a transient fault.
			u.logger.Error("segment rejected as too large, skipping",
				zap.Int("index", chunk.Index), zap.Int("size", len(chunk.Data)))
			u.skipped++
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < uploadAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(uploadBackoff * time.Duration(attempt)):
			}
		}
	}
	u.logger.Warn("segment upload failed, skipping",
		zap.Int("index", chunk.Index), zap.Error(lastErr))
	u.skipped++
}

// Stats reports delivered and skipped chunk counts.
func (u *Uploader) Stats() (uploaded, skipped int) {
	return u.uploaded, u.skipped
}
