// Package resolver turns failed task attempts into corrective actions. It
// escalates through deterministic rules, heuristic fallbacks and finally an
// AI completion service.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/scheduler"
)

const agentName = "resolver"

// Defaults for New.
const (
	DefaultMaxAttempts = 3
	DefaultSleepCap    = 30
	DefaultAITimeout   = 2 * time.Minute
)

// Resolver implements scheduler.Resolver. It keeps no attempt counter of its
// own; the attempt number arrives with each request.
type Resolver struct {
	bus         *bus.Bus
	completer   backend.Completer
	maxAttempts int
	model       string
	sleepCap    int
	timeout     time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCompleter enables the AI tier.
func WithCompleter(c backend.Completer) Option {
	return func(r *Resolver) { r.completer = c }
}

// WithMaxAttempts sets the attempt budget. Requests at or past it are exhausted.
func WithMaxAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithModel overrides the completer's model for AI requests.
func WithModel(model string) Option {
	return func(r *Resolver) { r.model = model }
}

// WithSleepCap caps the network backoff in seconds.
func WithSleepCap(seconds int) Option {
	return func(r *Resolver) {
		if seconds > 0 {
			r.sleepCap = seconds
		}
	}
}

// WithAITimeout bounds a single AI request.
func WithAITimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Resolver that invokes capabilities on b.
func New(b *bus.Bus, opts ...Option) *Resolver {
	r := &Resolver{
		bus:         b,
		maxAttempts: DefaultMaxAttempts,
		sleepCap:    DefaultSleepCap,
		timeout:     DefaultAITimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve runs the tiers in order and returns the first fixed verdict, or
// the last tier's verdict when none fixes the failure.
func (r *Resolver) Resolve(ctx context.Context, req scheduler.ResolveRequest) scheduler.Resolution {
	if req.Task == nil {
		return unfixed("No task to resolve")
	}
	if req.Attempt >= r.maxAttempts {
		res := scheduler.Resolution{
			Fixed:           false,
			Exhausted:       true,
			Analysis:        "Max retry attempts exceeded",
			Recommendations: []string{"Manual intervention required"},
		}
		r.announce(req, res)
		return res
	}

	res := r.RuleTier(ctx, req)
	if !res.Fixed {
		if fb := r.FallbackTier(ctx, req); fb.Fixed {
			res = fb
		}
	}
	if !res.Fixed && r.completer != nil {
		res = r.AITier(ctx, req)
	}

	r.announce(req, res)
	return res
}

func (r *Resolver) announce(req scheduler.ResolveRequest, res scheduler.Resolution) {
	severity := bus.SeverityWarning
	verdict := "not fixed"
	switch {
	case res.Exhausted:
		severity = bus.SeverityError
		verdict = "exhausted"
	case res.Fixed:
		severity = bus.SeverityInfo
		verdict = "fixed"
	}
	tier := res.Tier
	if tier == "" {
		tier = "none"
	}

	logging.Info("resolved failure",
		"task", req.Task.ID,
		"attempt", req.Attempt,
		"tier", tier,
		"verdict", verdict,
	)
	r.bus.Notify(agentName, severity,
		fmt.Sprintf("%s attempt %d (%s tier): %s. %s", req.Task.ID, req.Attempt+1, tier, verdict, res.Analysis), nil)
}

// backoffSeconds returns min(sleepCap, 2^attempt).
func (r *Resolver) backoffSeconds(attempt int) int {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 30 {
		return r.sleepCap
	}
	return min(r.sleepCap, 1<<attempt)
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
