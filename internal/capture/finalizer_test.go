package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRecording struct {
	pr    *io.PipeReader
	pw    *io.PipeWriter
	codec Codec
	done  chan struct{}
	once  sync.Once
}

func newFakeRecording(codec Codec) *fakeRecording {
	pr, pw := io.Pipe()
	return &fakeRecording{pr: pr, pw: pw, codec: codec, done: make(chan struct{})}
}

func (f *fakeRecording) Output() io.Reader     { return f.pr }
func (f *fakeRecording) Codec() Codec          { return f.codec }
func (f *fakeRecording) Done() <-chan struct{} { return f.done }
func (f *fakeRecording) Stop() {
	f.once.Do(func() {
		f.pw.Close()
		close(f.done)
	})
}

type fakeStarter struct {
	rec *fakeRecording
	err error
}

func (f *fakeStarter) Start(_ context.Context, codec Codec) (Recording, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.rec = newFakeRecording(codec)
	return f.rec, nil
}

type controlTransport struct {
	mu        sync.Mutex
	segments  []Chunk
	finals    [][]byte
	finalErr  error
	finalizes []bool // force flags
	finErr    error
	beacons   []bool // force flags
}

func (c *controlTransport) UploadSegment(_ context.Context, _ Metadata, index int, mimeType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = append(c.segments, Chunk{Index: index, Data: data, MimeType: mimeType})
	return nil
}

func (c *controlTransport) UploadFinal(_ context.Context, _ Metadata, _, _ string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalErr != nil {
		return c.finalErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.finals = append(c.finals, cp)
	return nil
}

func (c *controlTransport) Finalize(_ context.Context, _ Metadata, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizes = append(c.finalizes, force)
	return c.finErr
}

func (c *controlTransport) Beacon(_ Metadata, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beacons = append(c.beacons, force)
}

func allProber() fakeProber {
	return fakeProber{supported: map[string]bool{"libx264": true}}
}

func newTestController(t *testing.T, tr *controlTransport, starter *fakeStarter, cfg ControllerConfig) *Controller {
	t.Helper()
	if cfg.Slice == 0 {
		cfg.Slice = 20 * time.Millisecond
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = time.Minute
	}
	meta := Metadata{SessionID: "alice-1", Name: "Alice"}
	return NewController(tr, starter, allProber(), meta, cfg, nil)
}

func TestControllerStopDeliversFinalBlob(t *testing.T) {
	tr := &controlTransport{}
	starter := &fakeStarter{}
	lock := filepath.Join(t.TempDir(), "session.lock")
	ctrl := newTestController(t, tr, starter, ControllerConfig{LockFile: lock})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ctrl.State() != StateRecording {
		t.Fatalf("state = %q", ctrl.State())
	}

	starter.rec.pw.Write([]byte("part-one-"))
	time.Sleep(60 * time.Millisecond)
	starter.rec.pw.Write([]byte("part-two"))
	time.Sleep(60 * time.Millisecond)

	if err := ctrl.Stop(context.Background(), "user"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ctrl.State() != StateDone {
		t.Fatalf("state = %q, want done", ctrl.State())
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.finals) != 1 {
		t.Fatalf("final uploads = %d, want 1", len(tr.finals))
	}
	if string(tr.finals[0]) != "part-one-part-two" {
		t.Errorf("final blob = %q", tr.finals[0])
	}
	// Segments streamed while recording, in order.
	var joined bytes.Buffer
	for i, seg := range tr.segments {
		if seg.Index != i {
			t.Errorf("segment %d index %d", i, seg.Index)
		}
		joined.Write(seg.Data)
	}
	if joined.String() != "part-one-part-two" {
		t.Errorf("segments joined = %q", joined.String())
	}
	if len(tr.finalizes) != 0 {
		t.Errorf("finalize called despite successful final upload")
	}

	// Lock file blocks a second take.
	data, err := os.ReadFile(lock)
	if err != nil {
		t.Fatalf("lock file: %v", err)
	}
	if !strings.Contains(string(data), "alice-1") {
		t.Errorf("lock file contents = %q", data)
	}

	select {
	case <-ctrl.Finished():
	default:
		t.Error("Finished not closed after Done")
	}
}

func TestControllerDegradesToServerAssembly(t *testing.T) {
	tr := &controlTransport{finalErr: errors.New("proxy closed connection")}
	starter := &fakeStarter{}
	ctrl := newTestController(t, tr, starter, ControllerConfig{})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starter.rec.pw.Write([]byte("bytes"))
	time.Sleep(50 * time.Millisecond)

	if err := ctrl.Stop(context.Background(), "user"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.finalizes) != 1 || !tr.finalizes[0] {
		t.Fatalf("finalizes = %v, want one forced call", tr.finalizes)
	}
	if len(tr.beacons) != 0 {
		t.Errorf("beacon fired although finalize succeeded")
	}
	if ctrl.State() != StateDone {
		t.Errorf("state = %q", ctrl.State())
	}
}

func TestControllerFallsBackToBeacon(t *testing.T) {
	tr := &controlTransport{
		finalErr: errors.New("down"),
		finErr:   errors.New("down"),
	}
	starter := &fakeStarter{}
	ctrl := newTestController(t, tr, starter, ControllerConfig{})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starter.rec.pw.Write([]byte("bytes"))
	time.Sleep(50 * time.Millisecond)

	if err := ctrl.Stop(context.Background(), "user"); err == nil {
		t.Fatal("Stop returned nil although nothing was delivered")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.beacons) != 1 || !tr.beacons[0] {
		t.Fatalf("beacons = %v, want one forced beacon as last resort", tr.beacons)
	}
}

func TestControllerMaxDurationStops(t *testing.T) {
	tr := &controlTransport{}
	starter := &fakeStarter{}
	ctrl := newTestController(t, tr, starter, ControllerConfig{MaxDuration: 80 * time.Millisecond})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starter.rec.pw.Write([]byte("timed out"))

	select {
	case <-ctrl.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop at max duration")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.finals) != 1 || string(tr.finals[0]) != "timed out" {
		t.Errorf("finals = %q", tr.finals)
	}
}

func TestControllerImplicitStopWhenCaptureEnds(t *testing.T) {
	tr := &controlTransport{}
	starter := &fakeStarter{}
	ctrl := newTestController(t, tr, starter, ControllerConfig{})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starter.rec.pw.Write([]byte("cut short"))
	time.Sleep(50 * time.Millisecond)

	// Screen share revoked / encoder died: the stream just ends.
	starter.rec.Stop()

	select {
	case <-ctrl.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not treat stream end as a stop")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.finals) != 1 || string(tr.finals[0]) != "cut short" {
		t.Errorf("finals = %q", tr.finals)
	}
}

// wedgedRecording ignores the stop request: done closes but the stream never
// ends, like an encoder hanging mid-shutdown.
type wedgedRecording struct {
	*fakeRecording
}

func (w *wedgedRecording) Stop() {
	w.once.Do(func() { close(w.done) })
}

type wedgedStarter struct {
	rec *wedgedRecording
}

func (s *wedgedStarter) Start(_ context.Context, codec Codec) (Recording, error) {
	s.rec = &wedgedRecording{newFakeRecording(codec)}
	return s.rec, nil
}

func TestControllerStopDeliversWhenStreamNeverEnds(t *testing.T) {
	tr := &controlTransport{}
	starter := &wedgedStarter{}
	meta := Metadata{SessionID: "alice-1", Name: "Alice"}
	ctrl := NewController(tr, starter, allProber(), meta, ControllerConfig{
		Slice:       20 * time.Millisecond,
		MaxDuration: time.Minute,
		StopSettle:  60 * time.Millisecond,
	}, nil)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starter.rec.pw.Write([]byte("stuck-bytes"))
	time.Sleep(60 * time.Millisecond)

	// Stop must not hang on the wedged stream: the settle window expires,
	// the recorder is cut off, and the captured bytes still get delivered.
	if err := ctrl.Stop(context.Background(), "user"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ctrl.State() != StateDone {
		t.Fatalf("state = %q, want done", ctrl.State())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.finals) != 1 || string(tr.finals[0]) != "stuck-bytes" {
		t.Errorf("finals = %q", tr.finals)
	}
}

func TestControllerLockFileBlocksStart(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "session.lock")
	if err := os.WriteFile(lock, []byte("previous-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctrl := newTestController(t, &controlTransport{}, &fakeStarter{}, ControllerConfig{LockFile: lock})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("err = %v, want ErrSessionLocked", err)
	}
}

func TestControllerStartErrorsPropagate(t *testing.T) {
	ctrl := newTestController(t, &controlTransport{},
		&fakeStarter{err: ErrScreenShareRejected}, ControllerConfig{})
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrScreenShareRejected) {
		t.Fatalf("err = %v, want ErrScreenShareRejected", err)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("state = %q after failed start", ctrl.State())
	}
}

func TestControllerHideAndUnload(t *testing.T) {
	tr := &controlTransport{}
	starter := &fakeStarter{}
	ctrl := newTestController(t, tr, starter, ControllerConfig{})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctrl.Hide()
	tr.mu.Lock()
	if len(tr.beacons) != 1 || tr.beacons[0] {
		t.Errorf("hide beacons = %v, want one non-forced", tr.beacons)
	}
	tr.mu.Unlock()

	ctrl.Unload()
	tr.mu.Lock()
	if len(tr.beacons) != 2 || !tr.beacons[1] {
		t.Errorf("unload beacons = %v, want forced second beacon", tr.beacons)
	}
	tr.mu.Unlock()
	if ctrl.State() != StateAbandoned {
		t.Errorf("state = %q, want abandoned", ctrl.State())
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	tr := &controlTransport{}
	starter := &fakeStarter{}
	ctrl := newTestController(t, tr, starter, ControllerConfig{})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	starter.rec.pw.Write([]byte("x"))
	time.Sleep(40 * time.Millisecond)
	if err := ctrl.Stop(context.Background(), "user"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ctrl.Stop(context.Background(), "again"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.finals) != 1 {
		t.Errorf("final uploads = %d after double stop, want 1", len(tr.finals))
	}
}

func TestSessionID(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	cases := []struct {
		name string
		want string
	}{
		{"Alice", "alice-1712345678901"},
		{"Alice O'Brien", "alice-o-brien-1712345678901"},
		{"  Bob  ", "bob-1712345678901"},
		{"", "candidate-1712345678901"},
		{"!!!", "candidate-1712345678901"},
	}
	for _, tc := range cases {
		if got := SessionID(tc.name, now); got != tc.want {
			t.Errorf("SessionID(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
