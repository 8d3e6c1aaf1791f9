// Package agent defines the Agent domain entity.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Strob0t/conclave/internal/domain"
)

// Kind is the deployment flavour of an agent and selects its transport.
type Kind string

const (
	KindOrchestrator Kind = "orchestrator"
	KindLocal        Kind = "worker-local"
	KindRemote       Kind = "worker-remote"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOrchestrator, KindLocal, KindRemote:
		return true
	}
	return false
}

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// DefaultExpertise is used when an agent does not declare one.
const DefaultExpertise = 70

// Agent is an independently addressable compute backend.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Kind          Kind      `json:"kind"`
	Capabilities  []string  `json:"capabilities"`
	Status        Status    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Model         string    `json:"model,omitempty"`
	Throughput    float64   `json:"throughput,omitempty"`    // tokens per second
	CostPerUnit   float64   `json:"cost_per_unit,omitempty"` // USD per token
	Expertise     int       `json:"expertise"`               // 0-100
	Rank          int       `json:"rank"`                    // lower is preferred
	Seq           int       `json:"seq"`                     // registration order
	RegisteredAt  time.Time `json:"registered_at"`
}

// Config is the registration input for an agent, as read from YAML or
// received in an agent_register peer message.
type Config struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name,omitempty"`
	Kind         Kind     `yaml:"kind" json:"kind"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Endpoint     string   `yaml:"endpoint" json:"endpoint,omitempty"`
	Model        string   `yaml:"model" json:"model,omitempty"`
	Throughput   float64  `yaml:"throughput" json:"throughput,omitempty"`
	CostPerUnit  float64  `yaml:"cost_per_unit" json:"cost_per_unit,omitempty"`
	Expertise    int      `yaml:"expertise" json:"expertise,omitempty"`
	Rank         int      `yaml:"rank" json:"rank,omitempty"`
}

// Validate checks that a Config is well-formed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", domain.ErrValidation, c.Kind)
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("%w: agent %s declares no capabilities", domain.ErrValidation, c.ID)
	}
	if c.Expertise < 0 || c.Expertise > 100 {
		return fmt.Errorf("%w: expertise must be within 0-100", domain.ErrValidation)
	}
	return nil
}

// ErrNoCapabilities is returned by NormalizeCapabilities when nothing survives.
var ErrNoCapabilities = errors.New("no capabilities")

// NormalizeCapabilities lower-cases, trims and de-duplicates capability tags,
// preserving declaration order.
func NormalizeCapabilities(caps []string) ([]string, error) {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoCapabilities
	}
	return out, nil
}

// HasCapability reports whether the agent declares the given tag.
func (a *Agent) HasCapability(tag string) bool {
	return slices.Contains(a.Capabilities, strings.ToLower(tag))
}

// BackendKey identifies the backend an agent calls. Agents sharing an
// endpoint share a circuit.
func (a *Agent) BackendKey() string {
	if a.Endpoint != "" {
		return a.Endpoint
	}
	return "agent:" + a.ID
}

// CanGenerate reports whether the agent has a text-generation backend.
// Orchestrators only perform router-internal work.
func (a *Agent) CanGenerate() bool {
	return a.Kind == KindLocal || a.Kind == KindRemote
}
