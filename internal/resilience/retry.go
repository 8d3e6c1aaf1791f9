package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy controls retries and the circuit breaker for one call.
type Policy struct {
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
	Threshold      int           `yaml:"threshold" json:"threshold"`
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// DefaultPolicy returns the process defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     4,
		BaseDelay:      300 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Threshold:      3,
		Cooldown:       60 * time.Second,
		AttemptTimeout: 2 * time.Minute,
	}
}

// Merge returns p with zero fields taken from base. A negative MaxRetries
// means "no retries".
func (p Policy) Merge(base Policy) Policy {
	switch {
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	case p.MaxRetries == 0:
		p.MaxRetries = base.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = base.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = base.MaxDelay
	}
	if p.Threshold <= 0 {
		p.Threshold = base.Threshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = base.Cooldown
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = base.AttemptTimeout
	}
	return p
}

// maxShift keeps base<<attempt from overflowing.
const maxShift = 30

// BaseBackoff is min(base*2^attempt, maxDelay), before jitter.
func BaseBackoff(p Policy, attempt int) time.Duration {
	if attempt > maxShift {
		return p.MaxDelay
	}
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Backoff adds jitter drawn from [0, 0.3*d) to BaseBackoff. u must be in [0,1).
func Backoff(p Policy, attempt int, u float64) time.Duration {
	d := BaseBackoff(p, attempt)
	return d + time.Duration(float64(d)*0.3*u)
}

// Retrier runs operations with retry-with-backoff behind the shared circuit store.
type Retrier struct {
	store  *CircuitStore
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
	log    *slog.Logger
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the context-aware sleep. Used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) RetrierOption {
	return func(r *Retrier) { r.rand = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.log = l }
}

// NewRetrier creates a Retrier using store for circuit state and policy as
// the default for calls that pass a zero Policy.
func NewRetrier(store *CircuitStore, policy Policy, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		store:  store,
		policy: policy.Merge(DefaultPolicy()),
		sleep:  sleepCtx,
		rand:   rand.Float64,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the circuit store shared by this Retrier.
func (r *Retrier) Store() *CircuitStore { return r.store }

// Policy returns the default policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Do executes op up to MaxRetries+1 times for key. The circuit is consulted
// before every attempt; an open circuit fails fast with ErrCircuitOpen.
func (r *Retrier) Do(ctx context.Context, key string, p Policy, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, r, key, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry is the value-returning form of Retrier.Do.
func Retry[T any](ctx context.Context, r *Retrier, key string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p = p.Merge(r.policy)

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s: %w", key, err)
		}

		probe, err := r.store.Allow(key, p.Threshold, p.Cooldown)
		if err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s: %w (last error: %w)", key, err, lastErr)
			}
			return zero, fmt.Errorf("%s: %w", key, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		v, err := op(attemptCtx)
		cancel()

		if err == nil {
			r.store.RecordSuccess(key)
			if attempt > 0 {
				r.log.Info("retry succeeded", "key", key, "attempt", attempt+1)
			}
			return v, nil
		}

		// Caller cancellation is not a backend failure.
		if ctx.Err() != nil {
			if probe {
				r.store.ReleaseProbe(key)
			}
			return zero, fmt.Errorf("%s: %w", key, ctx.Err())
		}

		r.store.RecordFailure(key)
		lastErr = err

		if attempt == p.MaxRetries {
			break
		}

		delay := Backoff(p, attempt, r.rand())
		r.log.Warn("attempt failed, retrying",
			"key", key,
			"attempt", attempt+1,
			"max_attempts", p.MaxRetries+1,
			"delay", delay,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", key, err)
		}
	}

	return zero, fmt.Errorf("%s: failed after %d attempts: %w", key, p.MaxRetries+1, lastErr)
}

// IsCircuitOpen reports whether err was caused by an open circuit.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
