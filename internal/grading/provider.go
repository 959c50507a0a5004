// Package grading integrates the external grading/transcription provider.
// Grading attaches to artifacts asynchronously after assembly and is a
// separate concern from the recording pipeline itself.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Request describes one grading call.
type Request struct {
	SessionID string   `json:"session_id"`
	Questions []string `json:"questions"`
	MediaURL  string   `json:"media_url"`
}

// Provider grades one recorded answer. The returned JSON (per-question
// scores, transcript, commentary) is stored verbatim on the artifact.
type Provider interface {
	Grade(ctx context.Context, req Request) (json.RawMessage, error)
}

// HTTPProvider calls a remote grading endpoint.
type HTTPProvider struct {
	url    string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPProvider creates a grading provider client.
func NewHTTPProvider(url, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Grade submits the artifact for grading and returns the raw analysis JSON.
func (p *HTTPProvider) Grade(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("grading provider: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("grading provider status: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("grading provider returned invalid JSON")
	}
	return json.RawMessage(raw), nil
}
