// Package litellm provides a text generation backend and health probe for
// the LiteLLM Proxy.
package litellm

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
const Name = "litellm"

func init() {
	backend.Register(Name, func(cfg backend.Config) (backend.Generator, error) {
		if cfg.Endpoint == "" {
			return nil, errors.New("litellm: endpoint is required")
		}
		return NewClient(cfg), nil
	})
}

// Model represents a configured model in LiteLLM.
type Model struct {
	ModelName string         `json:"model_name"`
	Provider  string         `json:"litellm_provider,omitempty"`
	ModelInfo map[string]any `json:"model_info,omitempty"`
}

// ChatMessage is one message of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Client talks to the LiteLLM Proxy OpenAI-compatible API.
type Client struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	apiKey      func() string
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
	apiKey := cfg.APIKey
	if apiKey == nil {
		apiKey = func() string { return "" }
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		apiKey:      apiKey,
		httpClient:  hc,
	}
}

// Generate sends prompt as a single user message to /v1/chat/completions.
func (c *Client) Generate(ctx context.Context, prompt string, opts backend.Options) (string, error) {
	req := chatRequest{
		Model:     firstNonEmpty(opts.Model, c.model),
		MaxTokens: firstPositive(opts.MaxTokens, c.maxTokens),
	}
	if req.Model == "" {
		return "", errors.New("litellm: no model configured")
	}
	temp := c.temperature
	if opts.Temperature > 0 {
		temp = opts.Temperature
	}
	req.Temperature = &temp
	if opts.System != "" {
		req.Messages = append(req.Messages, ChatMessage{Role: "system", Content: opts.System})
	}
	req.Messages = append(req.Messages, ChatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/v1/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("litellm: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ListModels returns all configured models from LiteLLM.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/model/info", nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var result struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}
	return result.Data, nil
}

// Health checks if LiteLLM is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if key := c.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &backend.StatusError{Backend: Name, Code: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	return data, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
