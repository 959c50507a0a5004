package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"
)

// Transport-level errors the pipeline reacts to specifically.
var (
	// ErrPayloadTooLarge maps the server's 413. Retrying the same bytes can
	// never succeed, so the uploader skips instead of backing off.
	ErrPayloadTooLarge = errors.New("capture: segment rejected as too large")

	// ErrRecordingStillActive maps the server's 409 on finalize.
	ErrRecordingStillActive = errors.New("capture: server reports recording still active")
)

const beaconTimeout = 5 * time.Second

// Metadata is the candidate/session context attached to every request, so the
// server can reconstruct session state from any single upload.
type Metadata struct {
	SessionID   string   `json:"sessionId"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Country     string   `json:"country"`
	Phone       string   `json:"phone"`
	Source      string   `json:"source"`
	Stack       string   `json:"stack"`
	InterviewID string   `json:"interviewId"`
	Questions   []string `json:"questions,omitempty"`
}

// Client talks to the ingest API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an ingest API client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// UploadSegment posts one chunk to /api/segments.
func (c *Client) UploadSegment(ctx context.Context, meta Metadata, index int, mimeType string, data []byte) error {
	type segmentMeta struct {
		Metadata
		Index int `json:"index"`
	}
	filename := fmt.Sprintf("segment-%06d%s", index, extForMime(mimeType))
	return c.postMultipart(ctx, "/api/segments", segmentMeta{Metadata: meta, Index: index}, filename, mimeType, data)
}

// UploadFinal posts the complete recording to /api/recordings.
func (c *Client) UploadFinal(ctx context.Context, meta Metadata, kind, mimeType string, data []byte) error {
	type finalMeta struct {
		Metadata
		Kind string `json:"kind"`
	}
	return c.postMultipart(ctx, "/api/recordings", finalMeta{Metadata: meta, Kind: kind}, "recording"+extForMime(mimeType), mimeType, data)
}

// Finalize asks the server to assemble previously uploaded segments.
func (c *Client) Finalize(ctx context.Context, meta Metadata, force bool) error {
	body, err := json.Marshal(struct {
		Metadata
		Force bool `json:"force"`
	}{Metadata: meta, Force: force})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions/finalize", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrRecordingStillActive
	case resp.StatusCode >= 300:
		return fmt.Errorf("finalize status %d", resp.StatusCode)
	}
	return nil
}

// Beacon fires the finalize signal without waiting for, or reacting to, the
// outcome. Used when the agent is being torn down and has nothing useful to
// do with a failure.
func (c *Client) Beacon(meta Metadata, force bool) {
	body, err := json.Marshal(struct {
		Metadata
		Force bool `json:"force"`
	}{Metadata: meta, Force: force})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions/beacon", bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("beacon send failed", zap.Error(err))
			return
		}
		drain(resp)
	}()
}

func (c *Client) postMultipart(ctx context.Context, path string, meta interface{}, filename, mimeType string, data []byte) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("meta", string(metaJSON)); err != nil {
		return err
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename="%s"`, filename))
	hdr.Set("Content-Type", mimeType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case resp.StatusCode >= 300:
		return fmt.Errorf("upload status %d", resp.StatusCode)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func extForMime(mimeType string) string {
	if len(mimeType) >= 9 && mimeType[:9] == "video/mp4" {
		return ".mp4"
	}
	return ".webm"
}
