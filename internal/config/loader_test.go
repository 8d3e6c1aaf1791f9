package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/conclave/internal/domain/agent"
	"github.com/Strob0t/conclave/internal/domain/routing"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conclave.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Resilience.MaxRetries != 4 || cfg.Resilience.Threshold != 3 {
		t.Errorf("unexpected resilience defaults: %+v", cfg.Resilience)
	}
	if cfg.Resilience.Cooldown != 60*time.Second {
		t.Errorf("expected cooldown 60s, got %v", cfg.Resilience.Cooldown)
	}
	if cfg.Context.MaxResources != 100 {
		t.Errorf("expected max_resources 100, got %d", cfg.Context.MaxResources)
	}
	if cfg.Reasoning.DebateThreshold != 80 || cfg.Reasoning.DebateMaxRounds != 3 {
		t.Errorf("unexpected reasoning defaults: %+v", cfg.Reasoning)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9090"
logging:
  level: "debug"
resilience:
  base_delay: 100ms
  cooldown: 5s
agents:
  - id: local-1
    kind: worker-local
    capabilities: [coding, testing]
    endpoint: http://localhost:11434
    model: llama3
    rank: 1
router:
  rules:
    - name: implement
      triggers: [implement, build]
      primary: local-1
`)

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Resilience.BaseDelay != 100*time.Millisecond || cfg.Resilience.Cooldown != 5*time.Second {
		t.Errorf("unexpected resilience: %+v", cfg.Resilience)
	}
	// Unchanged fields keep defaults
	if cfg.Resilience.MaxRetries != 4 {
		t.Errorf("expected default max_retries, got %d", cfg.Resilience.MaxRetries)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Kind != agent.KindLocal || len(cfg.Agents[0].Capabilities) != 2 {
		t.Fatalf("unexpected agents: %+v", cfg.Agents)
	}
	if len(cfg.Router.Rules) != 1 || cfg.Router.Rules[0].Primary != "local-1" {
		t.Fatalf("unexpected rules: %+v", cfg.Router.Rules)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	path := writeYAML(t, "server: [unterminated")
	cfg := Defaults()
	if err := loadYAML(&cfg, path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("CONCLAVE_PORT", "7070")
	t.Setenv("CONCLAVE_LOG_LEVEL", "warn")
	t.Setenv("CONCLAVE_BREAKER_COOLDOWN", "1m30s")
	t.Setenv("CONCLAVE_RETRY_MAX", "2")
	t.Setenv("CONCLAVE_API_COST_PER_TOKEN", "0.5")
	t.Setenv("CONCLAVE_OTEL_ENABLED", "true")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("CONCLAVE_RATE_BURST", "not-a-number")
	t.Setenv("CONCLAVE_ROUTER_MAX_RETAINED_TASKS", "250")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Resilience.Cooldown != 90*time.Second {
		t.Errorf("expected cooldown 1m30s, got %v", cfg.Resilience.Cooldown)
	}
	if cfg.Resilience.MaxRetries != 2 {
		t.Errorf("expected max retries 2, got %d", cfg.Resilience.MaxRetries)
	}
	if cfg.Telemetry.APICostPerToken != 0.5 {
		t.Errorf("expected cost 0.5, got %v", cfg.Telemetry.APICostPerToken)
	}
	if !cfg.OTEL.Enabled {
		t.Error("expected otel enabled")
	}
	if cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("expected NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.Router.MaxRetainedTasks != 250 {
		t.Errorf("expected max retained tasks 250, got %d", cfg.Router.MaxRetainedTasks)
	}
	// Unparseable values are ignored.
	if cfg.Rate.Burst != 100 {
		t.Errorf("expected default burst, got %d", cfg.Rate.Burst)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "zero threshold",
			modify: func(c *Config) { c.Resilience.Threshold = 0 },
			errMsg: "resilience.threshold must be >= 1",
		},
		{
			name:   "max delay below base",
			modify: func(c *Config) { c.Resilience.MaxDelay = time.Millisecond },
			errMsg: "resilience.max_delay must be >= base_delay > 0",
		},
		{
			name:   "zero context resources",
			modify: func(c *Config) { c.Context.MaxResources = 0 },
			errMsg: "context.max_resources must be >= 1",
		},
		{
			name:   "threshold above 100",
			modify: func(c *Config) { c.Reasoning.DebateThreshold = 101 },
			errMsg: "reasoning.debate_threshold must be in 0..100",
		},
		{
			name:   "zero rate burst",
			modify: func(c *Config) { c.Rate.Burst = 0 },
			errMsg: "rate.burst must be >= 1",
		},
		{
			name:   "negative retained tasks",
			modify: func(c *Config) { c.Router.MaxRetainedTasks = -1 },
			errMsg: "router.max_retained_tasks must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateAgentsAndRules(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{
			name: "agent without capabilities",
			modify: func(c *Config) {
				c.Agents = []agent.Config{{ID: "a", Kind: agent.KindLocal}}
			},
			want: "agents[0]",
		},
		{
			name: "duplicate agent id",
			modify: func(c *Config) {
				c.Agents = []agent.Config{
					{ID: "a", Kind: agent.KindLocal, Capabilities: []string{"x"}},
					{ID: "a", Kind: agent.KindRemote, Capabilities: []string{"y"}},
				}
			},
			want: "duplicate id",
		},
		{
			name: "rule without triggers",
			modify: func(c *Config) {
				c.Router.Rules = []routing.Rule{{Name: "r", Primary: "a"}}
			},
			want: "router.rules[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFromFullHierarchy(t *testing.T) {
	// YAML sets port=9090, env overrides to 7070. Env must win.
	path := writeYAML(t, `
server:
  port: "9090"
logging:
  level: "debug"
`)
	t.Setenv("CONCLAVE_PORT", "7070")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env should override YAML: got port %q, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("YAML should override defaults: got level %q", cfg.Logging.Level)
	}
}

func TestLoadFromValidationError(t *testing.T) {
	path := writeYAML(t, `
context:
  max_resources: 0
`)
	if _, err := LoadFrom(path); err == nil || !strings.Contains(err.Error(), "config validate") {
		t.Fatalf("expected validation error, got %v", err)
	}
}
