package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/forge/internal/logging"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// CircuitBreakerRegistry manages one circuit breaker per completion backend.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // test requests allowed while half-open
		Interval:    0,                // never clear counts while closed
		Timeout:     30 * time.Second, // open period before probing again
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.Warn("circuit breaker state change", "backend", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a backend failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[name] = cb
	return cb
}

// Resilient wraps a Completer with retry and a circuit breaker.
type Resilient struct {
	next  Completer
	cb    *gobreaker.CircuitBreaker
	retry RetryConfig
}

// NewResilient wraps next. The breaker is looked up in reg under name so
// several wrappers of the same backend share failure counts.
func NewResilient(next Completer, name string, reg *CircuitBreakerRegistry, retry RetryConfig) *Resilient {
	if reg == nil {
		reg = NewCircuitBreakerRegistry()
	}
	return &Resilient{next: next, cb: reg.Get(name), retry: retry}
}

// Complete implements Completer.
func (r *Resilient) Complete(ctx context.Context, req Request) (Completion, error) {
	return completeWithRetry(ctx, r.next, req, r.cb, r.retry)
}

// completeWithRetry calls c with exponential backoff retry and circuit breaker protection.
func completeWithRetry(ctx context.Context, c Completer, req Request, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (Completion, error) {
	var comp Completion

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return c.Complete(ctx, req)
		})
		if err != nil {
			// An open circuit is not worth retrying
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			logging.Debug("completion attempt failed", "error", err)
			return err
		}

		comp = result.(Completion)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return comp, err
}
