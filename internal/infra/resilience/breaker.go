package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
)

// BreakerConfig defines when a circuit opens and for how long.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
}

// StateChangeFunc is called when a breaker moves between states.
type StateChangeFunc func(name string, from, to domain.CircuitState)

// Breaker is a circuit breaker for one dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	onStateChange StateChangeFunc
	isFailure     func(error) bool

	mu               sync.Mutex
	state            domain.CircuitState
	consecutiveFails int
	openUntil        time.Time
	probing          bool
	lastFailureAt    time.Time
	lastError        string
	stats            *callStats
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a state transition hook. It runs outside the lock.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithFailureFilter limits which errors count against the circuit. Errors
// the filter rejects are recorded like successes: the dependency answered.
func WithFailureFilter(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig.Cooldown
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: domain.CircuitClosed,
		stats: newCallStats(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op if the circuit admits it. Rejected calls return a
// CIRCUIT_OPEN *apperr.Error without running op. Every error returned by op
// counts as a failure unless a failure filter says otherwise.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	start := b.now()
	err = op(ctx)
	b.record(err, b.now().Sub(start), probe)
	return err
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()

	var transition *[2]domain.CircuitState
	now := b.now()

	if b.state == domain.CircuitOpen {
		if now.Before(b.openUntil) {
			err := b.rejectLocked()
			b.mu.Unlock()
			return false, err
		}
		b.state = domain.CircuitHalfOpen
		b.probing = false
		transition = &[2]domain.CircuitState{domain.CircuitOpen, domain.CircuitHalfOpen}
	}

	probe := false
	if b.state == domain.CircuitHalfOpen {
		if b.probing {
			err := b.rejectLocked()
			b.mu.Unlock()
			b.notify(transition)
			return false, err
		}
		b.probing = true
		probe = true
	}

	b.stats.attempts++
	b.mu.Unlock()

	b.notify(transition)
	return probe, nil
}

func (b *Breaker) rejectLocked() error {
	b.stats.rejected++
	return &apperr.Error{
		Kind:         apperr.KindCircuitOpen,
		Message:      fmt.Sprintf("circuit for %s is %s", b.name, b.state),
		Status:       apperr.KindCircuitOpen.Status(),
		NextRetryAt:  b.openUntil,
		FailureCount: b.consecutiveFails,
		Context:      map[string]any{"dependency": b.name},
		Err:          apperr.ErrCircuitOpen,
	}
}

func (b *Breaker) record(err error, latency time.Duration, probe bool) {
	b.mu.Lock()

	var transition *[2]domain.CircuitState
	b.stats.recordLatency(latency)

	if err == nil || (b.isFailure != nil && !b.isFailure(err)) {
		b.stats.successes++
		b.consecutiveFails = 0
		if probe && b.state == domain.CircuitHalfOpen {
			b.state = domain.CircuitClosed
			b.probing = false
			transition = &[2]domain.CircuitState{domain.CircuitHalfOpen, domain.CircuitClosed}
		}
		b.mu.Unlock()
		b.notify(transition)
		return
	}

	b.stats.failures++
	b.consecutiveFails++
	b.lastFailureAt = b.now()
	b.lastError = err.Error()

	switch {
	case probe && b.state == domain.CircuitHalfOpen:
		b.openLocked()
		transition = &[2]domain.CircuitState{domain.CircuitHalfOpen, domain.CircuitOpen}
	case b.state == domain.CircuitClosed && b.consecutiveFails >= b.cfg.FailureThreshold:
		b.openLocked()
		transition = &[2]domain.CircuitState{domain.CircuitClosed, domain.CircuitOpen}
	}

	b.mu.Unlock()
	b.notify(transition)
}

func (b *Breaker) openLocked() {
	b.state = domain.CircuitOpen
	b.openUntil = b.now().Add(b.cfg.Cooldown)
	b.probing = false
}

func (b *Breaker) notify(t *[2]domain.CircuitState) {
	if t != nil && b.onStateChange != nil {
		b.onStateChange(b.name, t[0], t[1])
	}
}

// State returns the effective state. An open circuit past its cooldown
// reports half_open even before the next call moves it there.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveStateLocked()
}

func (b *Breaker) effectiveStateLocked() domain.CircuitState {
	if b.state == domain.CircuitOpen && !b.now().Before(b.openUntil) {
		return domain.CircuitHalfOpen
	}
	return b.state
}

// Snapshot returns the breaker's health.
func (b *Breaker) Snapshot() domain.DependencyHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := domain.DependencyHealth{
		Name:                b.name,
		State:               b.effectiveStateLocked(),
		ConsecutiveFailures: b.consecutiveFails,
		FailureThreshold:    b.cfg.FailureThreshold,
		Attempts:            b.stats.attempts,
		Successes:           b.stats.successes,
		Failures:            b.stats.failures,
		Rejected:            b.stats.rejected,
		AverageLatency:      b.stats.averageLatency(),
		LastFailureAt:       b.lastFailureAt,
		LastError:           b.lastError,
	}
	if b.state == domain.CircuitOpen {
		h.OpenUntil = b.openUntil
	}
	return h
}

// Reset closes the circuit and clears all statistics.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = domain.CircuitClosed
	b.consecutiveFails = 0
	b.openUntil = time.Time{}
	b.probing = false
	b.lastFailureAt = time.Time{}
	b.lastError = ""
	b.stats = newCallStats()
	b.mu.Unlock()

	if from != domain.CircuitClosed {
		b.notify(&[2]domain.CircuitState{from, domain.CircuitClosed})
	}
}
