// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the failure record for a single backend key.
type CircuitState struct {
	Key                 string    `json:"key"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	Probing             bool      `json:"probing"`
}

// open reports whether the circuit rejects calls at now.
func (s *CircuitState) open(threshold int, cooldown time.Duration, now time.Time) bool {
	return s.ConsecutiveFailures >= threshold && now.Sub(s.LastFailureAt) < cooldown
}

// CircuitStore holds circuit state per backend key. One store is shared by
// every Retrier in the process.
type CircuitStore struct {
	mu       sync.Mutex
	circuits map[string]*CircuitState
	now      func() time.Time // for testing
}

// NewCircuitStore creates an empty store.
func NewCircuitStore() *CircuitStore {
	return &CircuitStore{
		circuits: make(map[string]*CircuitState),
		now:      time.Now,
	}
}

func (s *CircuitStore) get(key string) *CircuitState {
	c, ok := s.circuits[key]
	if !ok {
		c = &CircuitState{Key: key}
		s.circuits[key] = c
	}
	return c
}

// Allow reports whether a call for key may proceed. It returns ErrCircuitOpen
// while the circuit is open or while another half-open probe is in flight.
// probe is true when the caller holds the single half-open probe slot and
// must finish with RecordSuccess, RecordFailure or ReleaseProbe.
func (s *CircuitStore) Allow(key string, threshold int, cooldown time.Duration) (probe bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(key)
	if c.ConsecutiveFailures < threshold {
		return false, nil
	}
	if c.open(threshold, cooldown, s.now()) || c.Probing {
		return false, ErrCircuitOpen
	}
	c.Probing = true
	return true, nil
}

// RecordSuccess closes the circuit for key.
func (s *CircuitStore) RecordSuccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(key)
	c.ConsecutiveFailures = 0
	c.Probing = false
}

// RecordFailure counts a failure for key. A failed half-open probe re-opens
// the circuit because LastFailureAt moves to now.
func (s *CircuitStore) RecordFailure(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(key)
	c.ConsecutiveFailures++
	c.LastFailureAt = s.now()
	c.Probing = false
}

// ReleaseProbe frees the half-open probe slot without recording an outcome.
func (s *CircuitStore) ReleaseProbe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.circuits[key]; ok {
		c.Probing = false
	}
}

// State returns a copy of the state for key.
func (s *CircuitStore) State(key string) CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.circuits[key]; ok {
		return *c
	}
	return CircuitState{Key: key}
}

// OpenKeys lists keys whose circuit is currently open, sorted.
func (s *CircuitStore) OpenKeys(threshold int, cooldown time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, c := range s.circuits {
		if c.open(threshold, cooldown, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every known circuit, sorted by key.
func (s *CircuitStore) Snapshot() []CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CircuitState, 0, len(s.circuits))
	for _, c := range s.circuits {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
