// Package secrets provides a thread-safe secret vault with hot reload support.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values: vals,
		loader: loader,
	}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// First returns the first non-empty secret among keys.
func (v *Vault) First(keys ...string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, k := range keys {
		if s := v.values[k]; s != "" {
			return s
		}
	}
	return ""
}

// Redacted returns a masked form of the secret for logging.
func (v *Vault) Redacted(key string) string {
	s := v.Get(key)
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:2] + "****"
	}
}

// RedactString masks every secret value longer than four bytes found in s.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) <= 4 {
			continue
		}
		s = strings.ReplaceAll(s, val, val[:2]+"****")
	}
	return s
}

// Len returns the number of loaded secrets.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// WatchSIGHUP reloads the vault on every SIGHUP until ctx is done.
func (v *Vault) WatchSIGHUP(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := v.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "count", v.Len())
		}
	}
}
