package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrRejected marks a request the inference service will never accept.
// Redelivering it is pointless.
var ErrRejected = errors.New("inference request rejected")

// RunRequest is the body of POST /run.
type RunRequest struct {
	Prompt    string `json:"prompt"`
	MaxLength int    `json:"max_length"`
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
}

// TokenUsage is the accounting returned by the inference service.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RunResponse is the body returned by POST /run.
type RunResponse struct {
	OutputText     string     `json:"output_text"`
	TokenUsage     TokenUsage `json:"token_usage"`
	Model          string     `json:"model"`
	ProcessingTime float64    `json:"processing_time"`
}

// InferenceClient runs one prompt.
type InferenceClient interface {
	Run(ctx context.Context, req RunRequest) (*RunResponse, error)
}

// HTTPClient calls the model service over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling inference service: %w", err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp RunResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding run response: %w", err)
	}
	return &resp, nil
}

// mapHTTPError classifies non-2xx replies. 4xx other than 429 is permanent;
// 5xx and 429 are worth a retry.
func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(detail))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	return fmt.Errorf("inference service: status %d: %s", resp.StatusCode, msg)
}
