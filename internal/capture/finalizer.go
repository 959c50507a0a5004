package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionLocked means a session already completed on this machine; the
// lock file blocks a second take.
var ErrSessionLocked = errors.New("capture: session already completed")

// State is the controller lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateRecording   State = "recording"
	StateStopPending State = "stop_pending"
	StateUploading   State = "uploading"
	StateDone        State = "done"
	StateAbandoned   State = "abandoned"
)

const (
	// stopSettle bounds how long a deliberate stop waits for in-flight
	// segment uploads before moving on. The final blob supersedes them.
	stopSettle = 5 * time.Second

	finalAttempts = 3
	finalBackoff  = 600 * time.Millisecond

	artifactKind = "screen_pip"
)

// Recording is a running composition as the controller sees it.
type Recording interface {
	Output() io.Reader
	Codec() Codec
	Done() <-chan struct{}
	Stop()
}

// CompositionStarter starts a capture with the chosen codec.
type CompositionStarter interface {
	Start(ctx context.Context, codec Codec) (Recording, error)
}

// ComposerStarter adapts *Composer to CompositionStarter.
func ComposerStarter(c *Composer) CompositionStarter {
	return composerStarter{c}
}

type composerStarter struct{ c *Composer }

func (s composerStarter) Start(ctx context.Context, codec Codec) (Recording, error) {
	return s.c.Start(ctx, codec)
}

// Transport is what the controller needs from the API client.
type Transport interface {
	SegmentTransport
	UploadFinal(ctx context.Context, meta Metadata, kind, mimeType string, data []byte) error
	Finalize(ctx context.Context, meta Metadata, force bool) error
	Beacon(meta Metadata, force bool)
}

// ControllerConfig holds session limits and the completion lock.
type ControllerConfig struct {
	Slice       time.Duration
	MaxDuration time.Duration
	LockFile    string
	// StopSettle bounds how long Stop waits for in-flight segment uploads;
	// zero means the stopSettle default.
	StopSettle time.Duration
}

// Controller drives one recording session end to end: start the composition,
// slice and upload segments while recording, and on stop deliver the complete
// recording, degrading through server-side assembly down to a beacon.
type Controller struct {
	transport Transport
	starter   CompositionStarter
	prober    EncoderProber
	cfg       ControllerConfig
	logger    *zap.Logger

	mu       sync.Mutex
	state    State
	meta     Metadata
	comp     Recording
	chunker  *Chunker
	mimeType string

	fullMu sync.Mutex
	full   bytes.Buffer

	uploadsDone chan struct{}
	timer       *time.Timer

	finished     chan struct{}
	finishedOnce sync.Once
}

// NewController creates a session controller for the given candidate.
func NewController(transport Transport, starter CompositionStarter, prober EncoderProber,
	meta Metadata, cfg ControllerConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Slice <= 0 {
		cfg.Slice = 2 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 15 * time.Minute
	}
	if cfg.StopSettle <= 0 {
		cfg.StopSettle = stopSettle
	}
	return &Controller{
		transport: transport,
		starter:   starter,
		prober:    prober,
		cfg:       cfg,
		meta:      meta,
		state:     StateIdle,
		finished:  make(chan struct{}),
		logger:    logger,
	}
}

// Finished is closed once the session reaches Done, whatever triggered the
// stop.
func (c *Controller) Finished() <-chan struct{} { return c.finished }

// SessionID builds the client-generated session identifier from the
// candidate name and the start time.
func SessionID(name string, now time.Time) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, strings.TrimSpace(name))
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "candidate"
	}
	return fmt.Sprintf("%s-%d", slug, now.UnixMilli())
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metadata returns a copy of the current session metadata.
func (c *Controller) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// SetQuestions attaches the generated question set once it is known, so every
// subsequent upload carries it.
func (c *Controller) SetQuestions(questions []string) {
	c.mu.Lock()
	c.meta.Questions = questions
	c.mu.Unlock()
}

// Start acquires devices and begins recording. The max-duration timer is
// armed exactly once; expiry is indistinguishable from a deliberate stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("capture: cannot start from state %q", c.state)
	}
	if c.cfg.LockFile != "" {
		if _, err := os.Stat(c.cfg.LockFile); err == nil {
			c.mu.Unlock()
			return ErrSessionLocked
		}
	}
	c.mu.Unlock()

	codec, err := SelectCodec(c.prober)
	if err != nil {
		return err
	}
	comp, err := c.starter.Start(ctx, codec)
	if err != nil {
		return err
	}
	chunker := NewChunker(c.cfg.Slice)
	chunks, err := chunker.Start(comp.Output(), codec.MimeType)
	if err != nil {
		comp.Stop()
		return err
	}

	uploader := NewUploader(c.transport, c.Metadata, c.logger)
	upCh := make(chan Chunk, 4)
	uploadsDone := make(chan struct{})
	go func() {
		defer close(upCh)
		for chunk := range chunks {
			c.fullMu.Lock()
			c.full.Write(chunk.Data)
			c.fullMu.Unlock()
			upCh <- chunk
		}
	}()
	go func() {
		defer close(uploadsDone)
		uploader.Run(ctx, upCh)
	}()

	c.mu.Lock()
	c.state = StateRecording
	c.comp = comp
	c.chunker = chunker
	c.mimeType = codec.MimeType
	c.uploadsDone = uploadsDone
	c.timer = time.AfterFunc(c.cfg.MaxDuration, func() {
		c.logger.Info("max session duration reached")
		if err := c.Stop(context.Background(), "max_duration"); err != nil {
			c.logger.Error("timed stop failed", zap.Error(err))
		}
	})
	c.mu.Unlock()

	// The capture can end on its own: display gone, encoder crash. That is
	// an implicit stop, not an error.
	go func() {
		<-comp.Done()
		if c.State() == StateRecording {
			c.logger.Warn("capture ended on its own, stopping")
			if err := c.Stop(context.Background(), "capture_ended"); err != nil {
				c.logger.Error("implicit stop failed", zap.Error(err))
			}
		}
	}()

	c.logger.Info("recording started",
		zap.String("session_id", c.meta.SessionID), zap.String("codec", codec.Name))
	return nil
}

// Stop ends the recording and delivers the result. Preferred: upload the
// complete recording as one blob. Degraded: ask the server to assemble the
// segments it already has. Last resort: fire a beacon and rely on the
// server-side sweep. Calling Stop again after the first is a no-op.
func (c *Controller) Stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopPending
	comp := c.comp
	chunker := c.chunker
	timer := c.timer
	uploadsDone := c.uploadsDone
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.logger.Info("stopping recording", zap.String("reason", reason))
	comp.Stop()

	select {
	case <-uploadsDone:
	case <-time.After(c.cfg.StopSettle):
		// The stream did not end on its own (encoder wedged mid-shutdown);
		// force the final cut so the chunk pipeline terminates.
		c.logger.Warn("segment uploads did not settle in time")
		chunker.Stop()
	}

	c.mu.Lock()
	c.state = StateUploading
	meta := c.meta
	mimeType := c.mimeType
	c.mu.Unlock()

	c.fullMu.Lock()
	data := make([]byte, c.full.Len())
	copy(data, c.full.Bytes())
	c.fullMu.Unlock()

	err := c.deliver(ctx, meta, mimeType, data)
	c.finish()
	return err
}

func (c *Controller) deliver(ctx context.Context, meta Metadata, mimeType string, data []byte) error {
	var lastErr error
	if len(data) > 0 {
		for attempt := 1; attempt <= finalAttempts; attempt++ {
			err := c.transport.UploadFinal(ctx, meta, artifactKind, mimeType, data)
			if err == nil {
				c.logger.Info("final recording uploaded", zap.Int("size", len(data)))
				return nil
			}
			lastErr = err
			c.logger.Warn("final upload failed", zap.Int("attempt", attempt), zap.Error(err))
			if attempt < finalAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(finalBackoff * time.Duration(attempt)):
				}
			}
		}
	}

	if err := c.transport.Finalize(ctx, meta, true); err != nil {
		lastErr = err
		c.logger.Error("finalize failed, falling back to beacon", zap.Error(err))
		c.transport.Beacon(meta, true)
		return lastErr
	}
	c.logger.Info("server-side assembly requested")
	return nil
}

// finish marks the session complete and writes the lock file so a restarted
// agent cannot record a second take.
func (c *Controller) finish() {
	c.mu.Lock()
	c.state = StateDone
	meta := c.meta
	c.mu.Unlock()

	if c.cfg.LockFile != "" {
		if err := os.WriteFile(c.cfg.LockFile, []byte(meta.SessionID+"\n"), 0o644); err != nil {
			c.logger.Warn("lock file write failed", zap.Error(err))
		}
	}
	c.logger.Info("session complete", zap.String("session_id", meta.SessionID))
	c.finishedOnce.Do(func() { close(c.finished) })
}

// Hide signals that the candidate switched away mid-recording. A non-forced
// beacon nudges the server; if recording resumes, further segments reactivate
// the session.
func (c *Controller) Hide() {
	switch c.State() {
	case StateRecording, StateStopPending:
		c.transport.Beacon(c.Metadata(), false)
	}
}

// Unload is the teardown path: the process is going away and no further
// signal can ever be sent, so the beacon is forced. A session that never
// reached Done is Abandoned.
func (c *Controller) Unload() {
	c.mu.Lock()
	state := c.state
	meta := c.meta
	if state != StateDone && state != StateIdle {
		c.state = StateAbandoned
	}
	comp := c.comp
	c.mu.Unlock()

	if state == StateDone || state == StateIdle {
		return
	}
	c.transport.Beacon(meta, true)
	if comp != nil {
		comp.Stop()
	}
}
