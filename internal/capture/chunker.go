package capture

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrRecorderInitFailed means no usable encoder was found.
var ErrRecorderInitFailed = errors.New("capture: recorder initialization failed")

// ErrRecorderReused means Start was called on a chunker that already ran.
// A chunker records exactly one session; restarting requires a new one.
var ErrRecorderReused = errors.New("capture: chunker cannot be restarted")

// Codec describes one encoding choice: ffmpeg encoder args plus the MIME type
// and file extension advertised on uploads.
type Codec struct {
	Name     string
	Encoder  string
	MimeType string
	Ext      string
	Args     []string
}

// codecPreference is tried in order; the first one whose encoder is available
// wins. H.264/MP4 plays everywhere reviewers are, so it leads; the VP9 and
// VP8 WebM variants are the fallbacks.
var codecPreference = []Codec{
	{
		Name:     "h264",
		Encoder:  "libx264",
		MimeType: "video/mp4",
		Ext:      ".mp4",
		Args: []string{
			"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
			"-c:a", "aac",
			"-f", "mp4", "-movflags", "frag_keyframe+empty_moov",
		},
	},
	{
		Name:     "vp9",
		Encoder:  "libvpx-vp9",
		MimeType: "video/webm;codecs=vp9",
		Ext:      ".webm",
		Args: []string{
			"-c:v", "libvpx-vp9", "-deadline", "realtime", "-cpu-used", "8",
			"-c:a", "libopus",
			"-f", "webm",
		},
	},
	{
		Name:     "vp8",
		Encoder:  "libvpx",
		MimeType: "video/webm;codecs=vp8",
		Ext:      ".webm",
		Args: []string{
			"-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8",
			"-c:a", "libopus",
			"-f", "webm",
		},
	},
	{
		Name:     "webm",
		Encoder:  "libvpx",
		MimeType: "video/webm",
		Ext:      ".webm",
		Args: []string{
			"-c:v", "libvpx", "-deadline", "realtime",
			"-c:a", "libvorbis",
			"-f", "webm",
		},
	},
}

// EncoderProber reports whether a named encoder is available.
type EncoderProber interface {
	Supports(encoder string) bool
}

// FFmpegProber asks the ffmpeg binary itself.
type FFmpegProber struct {
	Bin string
}

func (p FFmpegProber) Supports(encoder string) bool {
	bin := p.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	return exec.Command(bin, "-hide_banner", "-h", "encoder="+encoder).Run() == nil
}

// SelectCodec returns the first preferred codec the prober supports.
func SelectCodec(prober EncoderProber) (Codec, error) {
	for _, c := range codecPreference {
		if prober.Supports(c.Encoder) {
			return c, nil
		}
	}
	return Codec{}, ErrRecorderInitFailed
}

// Chunk is one time slice of the encoded stream. Index is assigned in emit
// order starting at zero.
type Chunk struct {
	Index    int
	Data     []byte
	MimeType string
}

// Chunker cuts a continuous encoded stream into timed chunks, the way a
// timesliced recorder does: each chunk is just the bytes produced since the
// previous cut, playable only as part of the whole.
type Chunker struct {
	slice time.Duration

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	once    sync.Once
}

// NewChunker creates a chunker emitting roughly slice-sized time slices.
func NewChunker(slice time.Duration) *Chunker {
	if slice <= 0 {
		slice = 2 * time.Second
	}
	return &Chunker{slice: slice, quit: make(chan struct{})}
}

// Start begins slicing src and returns the chunk channel. The channel closes
// after the final flush, which happens when src ends or Stop is called.
// A chunker runs once; a second Start returns ErrRecorderReused.
func (c *Chunker) Start(src io.Reader, mimeType string) (<-chan Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, ErrRecorderReused
	}
	c.started = true
	out := make(chan Chunk, 4)
	go c.run(src, mimeType, out)
	return out, nil
}

// Stop cuts a final chunk from whatever is buffered and closes the channel.
func (c *Chunker) Stop() {
	c.once.Do(func() { close(c.quit) })
}

func (c *Chunker) run(src io.Reader, mimeType string, out chan<- Chunk) {
	defer close(out)

	var (
		bufMu sync.Mutex
		buf   bytes.Buffer
	)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		tmp := make([]byte, 32*1024)
		for {
			n, err := src.Read(tmp)
			if n > 0 {
				bufMu.Lock()
				buf.Write(tmp[:n])
				bufMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	index := 0
	cut := func() {
		bufMu.Lock()
		if buf.Len() == 0 {
			bufMu.Unlock()
			return
		}
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		buf.Reset()
		bufMu.Unlock()
		out <- Chunk{Index: index, Data: data, MimeType: mimeType}
		index++
	}

	ticker := time.NewTicker(c.slice)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cut()
		case <-readDone:
			cut()
			return
		case <-c.quit:
			cut()
			return
		}
	}
}
