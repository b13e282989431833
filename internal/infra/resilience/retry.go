// Package resilience wraps outbound calls with retry, circuit breaking and
// registered fallbacks.
//
// This package contains:
//   - Retrier: classified retry with exponential backoff and jitter
//   - Breaker: per-dependency circuit breaker with a single half-open probe
//   - FallbackRegistry: typed (dependency, operation) fallback table
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/vietddude/intake/internal/core/apperr"
)

// RetryPolicy defines retry behavior for one error kind.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// DefaultRetryPolicy applies to retryable kinds without a dedicated policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Multiplier:  2.0,
	Jitter:      0.2,
}

// DefaultPolicies returns the per-kind policies used when none are configured.
func DefaultPolicies() map[apperr.Kind]RetryPolicy {
	return map[apperr.Kind]RetryPolicy{
		apperr.KindRateLimit: {
			MaxAttempts: 4,
			BaseDelay:   1 * time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		apperr.KindTimeout: {
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		apperr.KindServiceUnavailable: {
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    10 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
	}
}

// Attempt describes one failed try, reported to the OnAttempt hook.
type Attempt struct {
	Number int // 1-indexed
	Kind   apperr.Kind
	Err    *apperr.Error
	Delay  time.Duration // zero when Final
	Final  bool
	Meta   map[string]any
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier runs operations with classified, bounded retry.
type Retrier struct {
	defaultPolicy RetryPolicy
	policies      map[apperr.Kind]RetryPolicy
	sleep         SleepFunc
	random        func() float64
	onAttempt     func(Attempt)
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the context-aware timer wait.
func WithSleep(fn SleepFunc) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) RetrierOption {
	return func(r *Retrier) { r.random = fn }
}

// WithOnAttempt registers a hook called after every failed attempt.
func WithOnAttempt(fn func(Attempt)) RetrierOption {
	return func(r *Retrier) { r.onAttempt = fn }
}

// NewRetrier creates a retrier. Kinds missing from policies use def.
func NewRetrier(def RetryPolicy, policies map[apperr.Kind]RetryPolicy, opts ...RetrierOption) *Retrier {
	if def.MaxAttempts < 1 {
		def.MaxAttempts = 1
	}
	r := &Retrier{
		defaultPolicy: def,
		policies:      policies,
		sleep:         sleepContext,
		random:        rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the policy applied to kind.
func (r *Retrier) Policy(kind apperr.Kind) RetryPolicy {
	if p, ok := r.policies[kind]; ok && p.MaxAttempts > 0 {
		return p
	}
	return r.defaultPolicy
}

// Do executes op until it succeeds, fails with a non-retryable kind, or the
// policy of the latest failure kind runs out of attempts. Attempts are
// counted across kinds. The returned error is always an *apperr.Error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error, meta map[string]any) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		classified := apperr.Classify(err, meta)
		policy := r.Policy(classified.Kind)

		final := !classified.Kind.IsRetryable() ||
			attempt+1 >= policy.MaxAttempts ||
			ctx.Err() != nil
		if final {
			r.report(Attempt{
				Number: attempt + 1,
				Kind:   classified.Kind,
				Err:    classified,
				Final:  true,
				Meta:   meta,
			})
			return classified
		}

		delay := r.delay(policy, attempt, classified)
		r.report(Attempt{
			Number: attempt + 1,
			Kind:   classified.Kind,
			Err:    classified,
			Delay:  delay,
			Meta:   meta,
		})

		if err := r.sleep(ctx, delay); err != nil {
			return classified
		}
	}
}

func (r *Retrier) report(a Attempt) {
	if r.onAttempt != nil {
		r.onAttempt(a)
	}
}

// delay computes min(MaxDelay, BaseDelay*Multiplier^attempt) scaled by jitter.
// A larger Retry-After hint wins for RATE_LIMIT, still capped by MaxDelay.
func (r *Retrier) delay(policy RetryPolicy, attempt int, err *apperr.Error) time.Duration {
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(policy.BaseDelay) * math.Pow(mult, float64(attempt))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter > 0 {
		delay *= 1 + r.random()*policy.Jitter
	}

	d := time.Duration(delay)
	if err.Kind == apperr.KindRateLimit && err.RetryAfter > d {
		d = err.RetryAfter
		if policy.MaxDelay > 0 && d > policy.MaxDelay {
			d = policy.MaxDelay
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
