// Package ollama is a typed client for the Ollama HTTP API. Generate output is
// exposed as an eino stream of assistant message chunks.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/joi-gateway/internal/logging"
)

const (
	maxStatusBody = 1 << 20
	maxErrorBody  = 4 << 10
)

// Client wraps the Ollama HTTP API.
type Client struct {
	BaseURL string
	retry   *RetryClient
	logger  *log.Logger
}

// NewClient creates a client pointing at baseURL (e.g. "http://127.0.0.1:11434").
func NewClient(baseURL string, retry *RetryClient, logger *log.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		retry:   retry,
		logger:  logger,
	}
}

// GenerateRequest maps to POST /api/generate.
type GenerateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Stream    bool     `json:"stream"`
	Options   *Options `json:"options,omitempty"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

// Options are sampling parameters forwarded to Ollama.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// GenerateChunk is one NDJSON line from POST /api/generate (stream=true).
type GenerateChunk struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StatusResponse is the backend's liveness answer, passed through verbatim.
type StatusResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// StatusError reports a non-2xx answer to a generate call.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error: %d", e.StatusCode)
	}
	return fmt.Sprintf("API error: %d: %s", e.StatusCode, e.Body)
}

// Status probes the backend root URL once.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.retry.Send(ctx, Request{
		Method:      http.MethodGet,
		URL:         c.BaseURL,
		MaxAttempts: 1,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return nil, fmt.Errorf("read status body: %w", err)
	}
	return &StatusResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// Version fetches the Ollama server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.retry.Send(ctx, Request{
		Method:      http.MethodGet,
		URL:         c.BaseURL + "/api/version",
		MaxAttempts: 1,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readStatusError(resp)
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("decode version: %w", err)
	}
	return v.Version, nil
}

// GenerateStream posts a generate request and returns the decoded token stream.
// Connection faults are retried; a non-2xx answer is returned as *StatusError.
// The caller must Close the reader.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := c.retry.Send(ctx, Request{
		Method: http.MethodPost,
		URL:    c.BaseURL + "/api/generate",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}

	sr, sw := schema.Pipe[*schema.Message](streamBuffer)
	go decodeStream(resp.Body, sw, c.logger)
	return sr, nil
}

func readStatusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
