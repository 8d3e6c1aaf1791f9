// Package backend defines the text generation port used by worker agents
// and a factory registry for its adapters.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Options tune a single generation call. Zero fields use adapter defaults.
type Options struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// Config is passed to a Factory when building a Generator for one agent.
type Config struct {
	AgentID     string
	Endpoint    string
	Model       string
	MaxTokens   int
	Temperature float64
	// APIKey is read on every call so reloaded secrets take effect.
	APIKey     func() string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// StatusError is returned when a backend answers with a non-2xx status.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Backend, e.Code, e.Body)
}
