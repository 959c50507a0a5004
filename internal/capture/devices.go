// Package capture implements the recording agent that runs on the candidate's
// machine: device acquisition, screen+camera composition, time-sliced
// encoding, sequential segment upload, and the stop/finalize state machine.
package capture

import (
	"context"
	"errors"
	"os"
)

// Errors surfaced during device acquisition. The agent shows these to the
// candidate verbatim; everything else is treated as a generic failure.
var (
	ErrPermissionDenied    = errors.New("capture: camera or microphone unavailable")
	ErrScreenShareRejected = errors.New("capture: screen share rejected")
)

// SurfaceKind classifies what a screen pick actually shared.
type SurfaceKind string

const (
	SurfaceMonitor SurfaceKind = "monitor"
	SurfaceWindow  SurfaceKind = "window"
	SurfaceBrowser SurfaceKind = "browser"
)

// Input is one ffmpeg capture input: a demuxer format plus its source string.
type Input struct {
	Format string // x11grab, v4l2, alsa
	Source string // :0.0, /dev/video0, default
}

// Surface is the result of a screen pick.
type Surface struct {
	Kind  SurfaceKind
	Label string
	Input Input
}

// CameraSource acquires and releases an exclusive capture device.
type CameraSource interface {
	Acquire() (Input, error)
	Release()
}

// ScreenPicker prompts for a screen surface. Implementations may return
// ErrScreenShareRejected when the candidate dismisses the prompt.
type ScreenPicker interface {
	Pick(ctx context.Context) (Surface, error)
}

// V4L2Camera captures from a video4linux device.
type V4L2Camera struct {
	Device string
}

// Acquire verifies the device node is present and readable.
func (c *V4L2Camera) Acquire() (Input, error) {
	f, err := os.Open(c.Device)
	if err != nil {
		return Input{}, ErrPermissionDenied
	}
	_ = f.Close()
	return Input{Format: "v4l2", Source: c.Device}, nil
}

// Release is a no-op: v4l2 exclusivity is held by the ffmpeg process itself.
func (c *V4L2Camera) Release() {}

// AlsaMic captures from an ALSA audio device.
type AlsaMic struct {
	Device string
}

func (m *AlsaMic) Acquire() (Input, error) {
	dev := m.Device
	if dev == "" {
		dev = "default"
	}
	return Input{Format: "alsa", Source: dev}, nil
}

func (m *AlsaMic) Release() {}

// X11Screen picks the full X display. It always yields a monitor surface, so
// the composer's monitor-only requirement is satisfied on the first attempt;
// interactive pickers can return windows and trigger re-prompts.
type X11Screen struct {
	Display string
}

func (s *X11Screen) Pick(ctx context.Context) (Surface, error) {
	display := s.Display
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return Surface{}, ErrScreenShareRejected
	}
	return Surface{
		Kind:  SurfaceMonitor,
		Label: "display " + display,
		Input: Input{Format: "x11grab", Source: display},
	}, nil
}
