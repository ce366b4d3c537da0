package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"somnus/internal/logging"
)

// Client is the backend chat interface. Implementations must be safe for
// concurrent use.
type Client interface {
	// Chat sends a non-streaming chat request and returns the completed
	// response. Tool calls, if any, arrive on the response message.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Model returns the default model used when a request leaves Model empty.
	Model() string

	// SetModel swaps the default model for subsequent requests.
	SetModel(model string)
}

// HTTPClient talks to an Ollama-compatible server.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	model string
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewHTTPClient creates a client for the given backend.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Model returns the default model.
func (c *HTTPClient) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// SetModel swaps the default model for subsequent requests.
func (c *HTTPClient) SetModel(model string) {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	logging.Backend("model switched to %s", model)
}

// Chat sends a chat request to POST /api/chat and decodes the response.
func (c *HTTPClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	body := *req
	if body.Model == "" {
		body.Model = c.Model()
	}
	body.Stream = false

	start := time.Now()
	logging.BackendDebug("chat: model=%s messages=%d tools=%d", body.Model, len(body.Messages), len(body.Tools))

	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logging.BackendWarn("chat failed after %v: %v", time.Since(start), err)
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.BackendWarn("chat: status %d from %s", resp.StatusCode, c.baseURL)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	logging.Backend("chat: model=%s completed in %v eval_count=%d tool_calls=%d",
		body.Model, time.Since(start), chatResp.EvalCount, len(chatResp.Message.ToolCalls))
	return &chatResp, nil
}
