// Package ollama provides a text generation backend for local workers
// served by an Ollama-compatible /api/generate endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/conclave/internal/port/backend"
)

// Name is the backend registry name of this adapter.
const Name = "ollama"

func init() {
	backend.Register(Name, func(cfg backend.Config) (backend.Generator, error) {
		if cfg.Endpoint == "" {
			return nil, errors.New("ollama: endpoint is required")
		}
		if cfg.Model == "" {
			return nil, errors.New("ollama: model is required")
		}
		return NewClient(cfg), nil
	})
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error,omitempty"`
}

// Client calls a local worker.
type Client struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewClient creates a client from a backend config.
func NewClient(cfg backend.Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		hc = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  hc,
	}
}

// Generate runs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, prompt string, opts backend.Options) (string, error) {
	req := generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		System:  opts.System,
		Options: map[string]any{},
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	} else if c.maxTokens > 0 {
		req.Options["num_predict"] = c.maxTokens
	}
	if opts.Temperature > 0 {
		req.Options["temperature"] = opts.Temperature
	} else if c.temperature > 0 {
		req.Options["temperature"] = c.temperature
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &backend.StatusError{Backend: Name, Code: resp.StatusCode, Body: string(data)}
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("unmarshal generate response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Response, nil
}

// Health reports whether the worker answers on /api/tags.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &backend.StatusError{Backend: Name, Code: resp.StatusCode}
	}
	return nil
}
