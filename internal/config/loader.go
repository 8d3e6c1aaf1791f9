package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "conclave.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONCLAVE_PORT")
	setString(&cfg.Server.CORSOrigin, "CONCLAVE_CORS_ORIGIN")
	setString(&cfg.Server.BaseURL, "CONCLAVE_BASE_URL")
	setDuration(&cfg.Server.ShutdownTimeout, "CONCLAVE_SHUTDOWN_TIMEOUT")
	setString(&cfg.Logging.Level, "CONCLAVE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONCLAVE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONCLAVE_LOG_ASYNC")

	// Resilience
	setInt(&cfg.Resilience.MaxRetries, "CONCLAVE_RETRY_MAX")
	setDuration(&cfg.Resilience.BaseDelay, "CONCLAVE_RETRY_BASE_DELAY")
	setDuration(&cfg.Resilience.MaxDelay, "CONCLAVE_RETRY_MAX_DELAY")
	setInt(&cfg.Resilience.Threshold, "CONCLAVE_BREAKER_THRESHOLD")
	setDuration(&cfg.Resilience.Cooldown, "CONCLAVE_BREAKER_COOLDOWN")
	setDuration(&cfg.Resilience.AttemptTimeout, "CONCLAVE_ATTEMPT_TIMEOUT")

	setBool(&cfg.Router.GenericFallback, "CONCLAVE_ROUTER_GENERIC_FALLBACK")
	setInt(&cfg.Router.MaxRetainedTasks, "CONCLAVE_ROUTER_MAX_RETAINED_TASKS")
	setInt(&cfg.Context.MaxResources, "CONCLAVE_CONTEXT_MAX_RESOURCES")
	setInt(&cfg.Context.MaxKnowledgeBytes, "CONCLAVE_CONTEXT_MAX_KNOWLEDGE_BYTES")

	// Reasoning
	setInt(&cfg.Reasoning.DebateMaxRounds, "CONCLAVE_DEBATE_MAX_ROUNDS")
	setInt(&cfg.Reasoning.DebateThreshold, "CONCLAVE_DEBATE_THRESHOLD")
	setDuration(&cfg.Reasoning.DebateRoundDelay, "CONCLAVE_DEBATE_ROUND_DELAY")
	setInt(&cfg.Reasoning.MaxBroadcastAgents, "CONCLAVE_MAX_BROADCAST_AGENTS")

	setInt(&cfg.Telemetry.AvgTokensPerTask, "CONCLAVE_AVG_TOKENS_PER_TASK")
	setFloat64(&cfg.Telemetry.APICostPerToken, "CONCLAVE_API_COST_PER_TOKEN")

	// Backend
	setDuration(&cfg.Backend.HTTPTimeout, "CONCLAVE_BACKEND_TIMEOUT")
	setString(&cfg.Backend.LiteLLMURL, "LITELLM_URL")
	setString(&cfg.Backend.DefaultModel, "CONCLAVE_DEFAULT_MODEL")
	setInt(&cfg.Backend.MaxTokens, "CONCLAVE_MAX_TOKENS")
	setFloat64(&cfg.Backend.Temperature, "CONCLAVE_TEMPERATURE")

	setString(&cfg.NATS.URL, "NATS_URL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONCLAVE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "CONCLAVE_CACHE_TTL")
	setString(&cfg.Cache.KVBucket, "CONCLAVE_CACHE_KV_BUCKET")
	setDuration(&cfg.Cache.IdempotencyTTL, "CONCLAVE_CACHE_IDEMPOTENCY_TTL")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "CONCLAVE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "CONCLAVE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "CONCLAVE_OTEL_SAMPLE_RATE")

	setBool(&cfg.MCP.Enabled, "CONCLAVE_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "CONCLAVE_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "CONCLAVE_MCP_API_KEY")

	// Rate limiting
	setFloat64(&cfg.Rate.RequestsPerSecond, "CONCLAVE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "CONCLAVE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "CONCLAVE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "CONCLAVE_RATE_MAX_IDLE_TIME")

	setDuration(&cfg.WS.WriteTimeout, "CONCLAVE_WS_WRITE_TIMEOUT")
}

// validate checks that required fields are set and the static agents and
// routing rules are well formed.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Resilience.MaxRetries < 0 {
		return errors.New("resilience.max_retries must be >= 0")
	}
	if cfg.Resilience.Threshold < 1 {
		return errors.New("resilience.threshold must be >= 1")
	}
	if cfg.Resilience.BaseDelay <= 0 || cfg.Resilience.MaxDelay < cfg.Resilience.BaseDelay {
		return errors.New("resilience.max_delay must be >= base_delay > 0")
	}
	if cfg.Router.MaxRetainedTasks < 0 {
		return errors.New("router.max_retained_tasks must be >= 0")
	}
	if cfg.Context.MaxResources < 1 {
		return errors.New("context.max_resources must be >= 1")
	}
	if cfg.Context.MaxKnowledgeBytes < 0 {
		return errors.New("context.max_knowledge_bytes must be >= 0")
	}
	if cfg.Reasoning.DebateMaxRounds < 1 {
		return errors.New("reasoning.debate_max_rounds must be >= 1")
	}
	if cfg.Reasoning.DebateThreshold < 0 || cfg.Reasoning.DebateThreshold > 100 {
		return errors.New("reasoning.debate_threshold must be in 0..100")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for i := range cfg.Agents {
		if err := cfg.Agents[i].Validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if seen[cfg.Agents[i].ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, cfg.Agents[i].ID)
		}
		seen[cfg.Agents[i].ID] = true
	}
	for i := range cfg.Router.Rules {
		if err := cfg.Router.Rules[i].Validate(); err != nil {
			return fmt.Errorf("router.rules[%d]: %w", i, err)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
