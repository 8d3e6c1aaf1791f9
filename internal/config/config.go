// Package config provides hierarchical configuration loading for Conclave.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/routing"
	"github.com/Strob0t/conclave/internal/resilience"
)

// Config holds all runtime configuration for the Conclave service.
type Config struct {
	Server     Server            `yaml:"server"`
	Logging    Logging           `yaml:"logging"`
	Resilience resilience.Policy `yaml:"resilience"`
	Router     Router            `yaml:"router"`
	Agents     []agent.Config    `yaml:"agents"`
	Context    Context           `yaml:"context"`
	Reasoning  Reasoning         `yaml:"reasoning"`
	Telemetry  Telemetry         `yaml:"telemetry"`
	Backend    Backend           `yaml:"backend"`
	NATS       NATS              `yaml:"nats"`
	Cache      Cache             `yaml:"cache"`
	OTEL       OTEL              `yaml:"otel"`
	MCP        MCP               `yaml:"mcp"`
	Rate       Rate              `yaml:"rate"`
	WS         WS                `yaml:"ws"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	BaseURL         string        `yaml:"base_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Router holds task routing configuration.
type Router struct {
	Rules []routing.Rule `yaml:"rules"`
	// GenericFallback lets the router pick any idle agent when no rule matches.
	GenericFallback bool `yaml:"generic_fallback"`
	// MaxRetainedTasks caps how many tasks are kept for lookup; the oldest
	// finished ones are evicted first. 0 keeps every task.
	MaxRetainedTasks int `yaml:"max_retained_tasks"`
}

// Context bounds the shared context store.
type Context struct {
	MaxResources      int `yaml:"max_resources"`
	MaxKnowledgeBytes int `yaml:"max_knowledge_bytes"`
}

// Reasoning holds collaborative reasoning configuration.
type Reasoning struct {
	DebateMaxRounds    int           `yaml:"debate_max_rounds"`
	DebateThreshold    int           `yaml:"debate_threshold"`     // consensus score that ends a debate (default: 80)
	DebateRoundDelay   time.Duration `yaml:"debate_round_delay"`   // pause between rounds (default: 0)
	MaxBroadcastAgents int           `yaml:"max_broadcast_agents"` // 0 = all relevant agents
}

// Telemetry holds cost savings estimation inputs.
type Telemetry struct {
	AvgTokensPerTask int     `yaml:"avg_tokens_per_task"`
	APICostPerToken  float64 `yaml:"api_cost_per_token"`
}

// Backend holds defaults for backend HTTP calls.
type Backend struct {
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	LiteLLMURL   string        `yaml:"litellm_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
}

// NATS holds NATS JetStream configuration. An empty URL disables NATS.
type NATS struct {
	URL string `yaml:"url"`
}

// Cache holds answer cache and idempotency configuration. The NATS KV
// bucket is only used as a second level when NATS is configured.
type Cache struct {
	L1MaxSizeMB    int64         `yaml:"l1_max_size_mb"`
	TTL            time.Duration `yaml:"ttl"`
	KVBucket       string        `yaml:"kv_bucket"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"` // 0 disables Idempotency-Key handling
}

// OTEL holds OpenTelemetry configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MCP holds MCP server configuration.
type MCP struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	APIKey  string `yaml:"api_key"` // empty disables auth
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// WS holds peer connection configuration.
type WS struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			BaseURL:         "http://localhost:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "conclave",
		},
		Resilience: resilience.DefaultPolicy(),
		Router: Router{
			GenericFallback:  true,
			MaxRetainedTasks: 10000,
		},
		Context: Context{
			MaxResources:      100,
			MaxKnowledgeBytes: 4096,
		},
		Reasoning: Reasoning{
			DebateMaxRounds: 3,
			DebateThreshold: 80,
		},
		Telemetry: Telemetry{
			AvgTokensPerTask: 1500,
			APICostPerToken:  0.00002,
		},
		Backend: Backend{
			HTTPTimeout:  2 * time.Minute,
			LiteLLMURL:   "http://localhost:4000",
			DefaultModel: "openai/gpt-4o-mini",
			MaxTokens:    2048,
			Temperature:  0.2,
		},
		Cache: Cache{
			L1MaxSizeMB:    32,
			TTL:            10 * time.Minute,
			KVBucket:       "conclave-cache",
			IdempotencyTTL: 24 * time.Hour,
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			ServiceName: "conclave",
			Insecure:    true,
			SampleRate:  1.0,
		},
		MCP: MCP{
			Addr: ":8090",
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		WS: WS{
			WriteTimeout: 5 * time.Second,
		},
	}
}
