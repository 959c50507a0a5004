package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// screenPickAttempts is how many times the candidate is re-prompted when
	// they share a window or tab instead of a full monitor.
	screenPickAttempts = 3

	stopGrace = 3 * time.Second
)

// composeFilter scales the screen up to at least 640x360, sizes the camera to
// 22% of the composed width, and overlays it bottom-right.
const composeFilter = `[0:v]scale=w='max(iw,640)':h='max(ih,360)'[bg];` +
	`[1:v][bg]scale2ref=w='trunc(main_w*0.22/2)*2':h='ow/mdar'[pip][bg2];` +
	`[bg2][pip]overlay=x=W-w-16:y=H-h-16[v]`

// Composer owns the capture/composition ffmpeg process: screen background,
// camera picture-in-picture, microphone audio, encoded as one continuous
// stream on stdout.
type Composer struct {
	bin    string
	camera CameraSource
	mic    CameraSource
	picker ScreenPicker
	logger *zap.Logger
}

// NewComposer creates a composer. bin may be empty to use "ffmpeg" from PATH.
func NewComposer(bin string, camera CameraSource, mic CameraSource, picker ScreenPicker, logger *zap.Logger) *Composer {
	if bin == "" {
		bin = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{bin: bin, camera: camera, mic: mic, picker: picker, logger: logger}
}

// pickMonitor prompts for a screen surface, re-prompting when the candidate
// shares a window or browser tab. Full-monitor capture is required so the
// reviewer sees everything on screen.
func (c *Composer) pickMonitor(ctx context.Context) (Surface, error) {
	for attempt := 1; attempt <= screenPickAttempts; attempt++ {
		surface, err := c.picker.Pick(ctx)
		if err != nil {
			return Surface{}, err
		}
		if surface.Kind == SurfaceMonitor {
			return surface, nil
		}
		c.logger.Warn("non-monitor surface shared, re-prompting",
			zap.String("kind", string(surface.Kind)), zap.Int("attempt", attempt))
	}
	return Surface{}, ErrScreenShareRejected
}

// Start acquires devices and launches the composition process encoding with
// the given codec. Device acquisition order matters: camera and microphone
// first, so a denied permission fails fast before the screen prompt.
func (c *Composer) Start(ctx context.Context, codec Codec) (*Composition, error) {
	camIn, err := c.camera.Acquire()
	if err != nil {
		return nil, err
	}
	micIn, err := c.mic.Acquire()
	if err != nil {
		c.camera.Release()
		return nil, err
	}
	surface, err := c.pickMonitor(ctx)
	if err != nil {
		c.mic.Release()
		c.camera.Release()
		return nil, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", surface.Input.Format, "-framerate", "30", "-i", surface.Input.Source,
		"-f", camIn.Format, "-i", camIn.Source,
		"-f", micIn.Format, "-i", micIn.Source,
		"-filter_complex", composeFilter,
		"-map", "[v]", "-map", "2:a",
	}
	args = append(args, codec.Args...)
	args = append(args, "pipe:1")

	cmd := exec.Command(c.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mic.Release()
		c.camera.Release()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.mic.Release()
		c.camera.Release()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	c.logger.Info("composition started",
		zap.String("surface", surface.Label),
		zap.String("codec", codec.Name))

	comp := &Composition{
		cmd:    cmd,
		out:    stdout,
		codec:  codec,
		done:   make(chan struct{}),
		logger: c.logger,
		release: func() {
			c.mic.Release()
			c.camera.Release()
		},
	}
	go comp.wait()
	return comp, nil
}

// Composition is a running capture process. Its Output stream ends when the
// process exits, whether by Stop or because the shared surface went away.
type Composition struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	codec   Codec
	done    chan struct{}
	release func()
	logger  *zap.Logger

	stopMu  sync.Mutex
	stopped bool
}

// Output is the continuous encoded stream. Only the concatenation of
// everything read from it forms a playable file; arbitrary slices of it do
// not stand alone.
func (cp *Composition) Output() io.Reader { return cp.out }

// Codec reports the codec the stream is encoded with.
func (cp *Composition) Codec() Codec { return cp.codec }

// Done is closed when the process has exited and devices are released. A
// close without a prior Stop means the capture ended on its own (display
// gone, process crash) and must be treated as an implicit stop.
func (cp *Composition) Done() <-chan struct{} { return cp.done }

func (cp *Composition) wait() {
	err := cp.cmd.Wait()
	cp.stopMu.Lock()
	stopped := cp.stopped
	cp.stopMu.Unlock()
	if err != nil && !stopped {
		cp.logger.Warn("composition ended", zap.Error(err))
	}
	cp.release()
	close(cp.done)
}

// Stop ends the capture: interrupt first so ffmpeg flushes its muxer, kill
// after a grace period. Safe to call more than once.
func (cp *Composition) Stop() {
	cp.stopMu.Lock()
	if cp.stopped {
		cp.stopMu.Unlock()
		<-cp.done
		return
	}
	cp.stopped = true
	cp.stopMu.Unlock()

	_ = cp.cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-cp.done:
	case <-time.After(stopGrace):
		_ = cp.cmd.Process.Kill()
		<-cp.done
	}
}
