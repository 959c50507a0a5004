// Package media wraps the external ffmpeg tool used for segment
// concatenation, composition, and thumbnailing.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FFmpeg invokes the ffmpeg binary as a subprocess.
type FFmpeg struct {
	bin    string
	logger *zap.Logger
}

// NewFFmpeg creates an ffmpeg wrapper. bin may be empty to use "ffmpeg" from PATH.
func NewFFmpeg(bin string, logger *zap.Logger) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{bin: bin, logger: logger}
}

// Available reports whether the ffmpeg binary can be found. Callers fall back
// to raw byte concatenation when it cannot.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.bin)
	return err == nil
}

// Concat re-encodes the ordered segment files into one MP4 at outPath using
// the concat demuxer. Re-encoding (rather than stream copy) tolerates
// segments whose timestamps restart at zero, which is what time-sliced
// recorder output looks like.
func (f *FFmpeg) Concat(ctx context.Context, segmentPaths []string, outPath string) error {
	if len(segmentPaths) == 0 {
		return fmt.Errorf("concat: no input segments")
	}

	listPath := outPath + ".txt"
	var b strings.Builder
	for _, p := range segmentPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("concat: resolve %s: %w", p, err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("concat: write list: %w", err)
	}
	defer os.Remove(listPath)

	cmd := exec.CommandContext(ctx, f.bin,
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-y",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		f.logger.Warn("ffmpeg concat failed", zap.Error(err), zap.ByteString("output", tail(out)))
		return fmt.Errorf("concat: ffmpeg: %w", err)
	}
	return nil
}

// Thumbnail extracts a single frame from inPath into outPath (JPEG).
func (f *FFmpeg) Thumbnail(ctx context.Context, inPath, outPath string) error {
	cmd := exec.CommandContext(ctx, f.bin,
		"-ss", "1",
		"-i", inPath,
		"-frames:v", "1",
		"-vf", "scale=480:-2",
		"-y",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		f.logger.Warn("ffmpeg thumbnail failed", zap.Error(err), zap.ByteString("output", tail(out)))
		return fmt.Errorf("thumbnail: ffmpeg: %w", err)
	}
	return nil
}

// tail keeps ffmpeg stderr logs manageable.
func tail(b []byte) []byte {
	const max = 512
	if len(b) <= max {
		return b
	}
	return b[len(b)-max:]
}
