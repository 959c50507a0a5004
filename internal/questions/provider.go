// Package questions integrates the external AI question provider. The
// provider is a black box: given a count, topic, and stack it returns an
// ordered list of question strings.
package questions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// GenerateRequest describes one question-generation call.
type GenerateRequest struct {
	Count int    `json:"count"`
	Topic string `json:"topic"`
	Stack string `json:"stack"`
}

// Provider returns interview questions.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) ([]string, error)
}

// HTTPProvider calls a remote question-generation endpoint.
type HTTPProvider struct {
	url    string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPProvider creates a question provider client.
func NewHTTPProvider(url, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
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

// Generate requests questions from the provider.
func (p *HTTPProvider) Generate(ctx context.Context, req GenerateRequest) ([]string, error) {
	if req.Count <= 0 {
		req.Count = 5
	}
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
		return nil, fmt.Errorf("question provider: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("question provider status: %d", resp.StatusCode)
	}

	var out struct {
		Questions []string `json:"questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Questions) == 0 {
		return nil, fmt.Errorf("question provider returned no questions")
	}
	return out.Questions, nil
}
