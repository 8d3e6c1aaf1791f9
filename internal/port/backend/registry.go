package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Generator from an agent's backend configuration.
type Factory func(cfg Config) (Generator, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend factory available by name.
// It is typically called from an init() function in the adapter package.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("backend: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a Generator by name using the registered factory.
func New(name string, cfg Config) (Generator, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q", name)
	}
	return factory(cfg)
}

// Available returns the names of all registered backends, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
