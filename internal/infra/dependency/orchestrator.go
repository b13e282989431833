// Package dependency composes rate limiting, timeouts, retry, circuit
// breaking and fallbacks around every outbound call.
package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/resilience"
	"github.com/vietddude/intake/internal/metrics"
)

// ErrNotReady is wrapped by every Invoke issued before Start completes.
var ErrNotReady = errors.New("dependency orchestrator not ready")

// Operation is a raw call to a dependency.
type Operation func(ctx context.Context, args any) (any, error)

// Probe is a best-effort startup check for a dependency.
type Probe func(ctx context.Context) error

// Config holds the per-dependency resilience settings.
type Config struct {
	Name             string
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	RateLimit        float64 // requests per second, 0 = unlimited
	Burst            int
}

type entry struct {
	cfg           Config
	breaker       *resilience.Breaker
	limiter       *rate.Limiter
	ops           map[string]Operation
	probe         Probe
	fallbacksUsed atomic.Int64
}

// Orchestrator owns one breaker and limiter per dependency.
type Orchestrator struct {
	mu        sync.RWMutex
	deps      map[string]*entry
	retrier   *resilience.Retrier
	fallbacks *resilience.FallbackRegistry
	ready     atomic.Bool
	clock     func() time.Time
	tracer    trace.Tracer
	log       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock injects the clock used by every breaker.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = now }
}

// New creates an orchestrator. Dependencies are added with Register.
func New(retrier *resilience.Retrier, fallbacks *resilience.FallbackRegistry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:      make(map[string]*entry),
		retrier:   retrier,
		fallbacks: fallbacks,
		clock:     time.Now,
		tracer:    otel.Tracer("github.com/vietddude/intake/internal/infra/dependency"),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.fallbacks == nil {
		o.fallbacks = resilience.NewFallbackRegistry()
	}
	return o
}

// Register adds a dependency. probe may be nil.
func (o *Orchestrator) Register(cfg Config, probe Probe) {
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}

	e := &entry{
		cfg: cfg,
		breaker: resilience.NewBreaker(cfg.Name, resilience.BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown,
		},
			resilience.WithClock(o.clock),
			resilience.WithStateChange(o.onStateChange),
			resilience.WithFailureFilter(countsAgainstCircuit),
		),
		limiter: rate.NewLimiter(limit, burst),
		ops:     make(map[string]Operation),
		probe:   probe,
	}

	o.mu.Lock()
	o.deps[cfg.Name] = e
	o.mu.Unlock()

	metrics.CircuitState.WithLabelValues(cfg.Name).Set(0)
}

// Handle registers the raw call behind dependency.operation.
func (o *Orchestrator) Handle(dependency, operation string, fn Operation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.deps[dependency]
	if !ok {
		return fmt.Errorf("dependency %q is not registered", dependency)
	}
	e.ops[operation] = fn
	return nil
}

// Fallback registers a degraded path for dependency.operation.
func (o *Orchestrator) Fallback(dependency, operation string, fn resilience.FallbackFunc) {
	o.fallbacks.Register(dependency, operation, fn)
}

// Start runs the registered probes and marks the orchestrator ready.
// Probe failures are logged and never fatal.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.deps))
	for _, e := range o.deps {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	for _, e := range entries {
		if e.probe == nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		err := e.probe(probeCtx)
		cancel()
		if err != nil {
			o.log.Warn("Dependency probe failed", "dependency", e.cfg.Name, "error", err)
			continue
		}
		o.log.Info("Dependency probe succeeded", "dependency", e.cfg.Name)
	}

	o.ready.Store(true)
	o.log.Info("Dependency orchestrator ready", "dependencies", len(entries))
	return nil
}

// Ready reports whether Start has completed.
func (o *Orchestrator) Ready() bool {
	return o.ready.Load()
}

// CheckReady returns a SERVICE_UNAVAILABLE error wrapping ErrNotReady until
// Start has completed.
func (o *Orchestrator) CheckReady() error {
	if o.ready.Load() {
		return nil
	}
	return apperr.Wrap(apperr.KindServiceUnavailable, "service is starting up", ErrNotReady)
}

// countsAgainstCircuit reports whether err says the dependency itself is
// unhealthy. Rejected requests (bad input, unknown records, replies that
// could not be parsed) leave the circuit alone.
func countsAgainstCircuit(err error) bool {
	kind := apperr.KindOf(err)
	return kind.IsRetryable() || kind == apperr.KindAuth || kind == apperr.KindForbidden
}

// Invoke runs dependency.operation through
// Fallback(Breaker(Retry(RateLimit(Timeout(call))))).
func (o *Orchestrator) Invoke(ctx context.Context, dependency, operation string, args any) (resilience.Result, error) {
	if !o.ready.Load() {
		return resilience.Result{}, apperr.Wrap(apperr.KindServiceUnavailable,
			fmt.Sprintf("%s.%s called before startup completed", dependency, operation), ErrNotReady)
	}

	o.mu.RLock()
	e, ok := o.deps[dependency]
	var fn Operation
	if ok {
		fn = e.ops[operation]
	}
	o.mu.RUnlock()
	if fn == nil {
		return resilience.Result{}, apperr.New(apperr.KindInternal,
			fmt.Sprintf("no operation %s.%s is registered", dependency, operation))
	}

	ctx, span := o.tracer.Start(ctx, dependency+"."+operation, trace.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("operation", operation),
	))
	defer span.End()

	meta := map[string]any{"dependency": dependency, "operation": operation}
	start := time.Now()

	primary := func(ctx context.Context) (any, error) {
		var value any
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			return o.retrier.Do(ctx, func(ctx context.Context) error {
				if err := e.limiter.Wait(ctx); err != nil {
					return apperr.Wrap(apperr.KindTimeout, "rate limiter wait aborted", err)
				}

				callCtx := ctx
				if e.cfg.Timeout > 0 {
					var cancel context.CancelFunc
					callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
					defer cancel()
				}

				v, err := fn(callCtx, args)
				if err != nil {
					return err
				}
				value = v
				return nil
			}, meta)
		})
		return value, err
	}

	res, err := o.fallbacks.Execute(ctx, dependency, operation, primary, args)
	elapsed := time.Since(start)
	metrics.DependencyLatency.WithLabelValues(dependency, operation).Observe(elapsed.Seconds())

	switch {
	case err != nil:
		kind := apperr.KindOf(err)
		metrics.DependencyCallsTotal.WithLabelValues(dependency, operation, "error").Inc()
		metrics.DependencyErrorsTotal.WithLabelValues(dependency, operation, string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		o.logFailure(dependency, operation, err, elapsed)
	case res.FallbackUsed:
		e.fallbacksUsed.Add(1)
		metrics.DependencyCallsTotal.WithLabelValues(dependency, operation, "fallback").Inc()
		metrics.FallbacksTotal.WithLabelValues(dependency, operation).Inc()
		span.SetAttributes(attribute.Bool("fallback_used", true))
		o.log.Warn("Dependency degraded, fallback used",
			"dependency", dependency,
			"operation", operation,
			"kind", res.PrimaryError.Kind,
			"error", res.PrimaryError.Message,
		)
	default:
		metrics.DependencyCallsTotal.WithLabelValues(dependency, operation, "success").Inc()
		o.log.Debug("Dependency call succeeded",
			"dependency", dependency,
			"operation", operation,
			"duration", elapsed,
		)
	}

	return res, err
}

func (o *Orchestrator) logFailure(dependency, operation string, err error, elapsed time.Duration) {
	classified := apperr.Classify(err, nil)
	attrs := []any{
		"dependency", dependency,
		"operation", operation,
		"kind", classified.Kind,
		"duration", elapsed,
		"error", err,
	}
	if classified.Kind == apperr.KindInternal {
		o.log.Error("Dependency call failed", append(attrs, "context", classified.Context)...)
		return
	}
	o.log.Warn("Dependency call failed", attrs...)
}

func (o *Orchestrator) onStateChange(name string, from, to domain.CircuitState) {
	metrics.CircuitState.WithLabelValues(name).Set(circuitGauge(to))
	if to == domain.CircuitOpen {
		o.log.Warn("Circuit opened", "dependency", name, "from", from)
		return
	}
	o.log.Info("Circuit state changed", "dependency", name, "from", from, "to", to)
}

func circuitGauge(s domain.CircuitState) float64 {
	switch s {
	case domain.CircuitOpen:
		return 2
	case domain.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// HealthSnapshot returns per-dependency health sorted by name.
func (o *Orchestrator) HealthSnapshot() []domain.DependencyHealth {
	o.mu.RLock()
	out := make([]domain.DependencyHealth, 0, len(o.deps))
	for _, e := range o.deps {
		h := e.breaker.Snapshot()
		h.FallbacksUsed = e.fallbacksUsed.Load()
		out = append(out, h)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetCircuit closes one breaker and clears its statistics.
func (o *Orchestrator) ResetCircuit(name string) error {
	o.mu.RLock()
	e, ok := o.deps[name]
	o.mu.RUnlock()
	if !ok {
		return apperr.NotFound("unknown dependency %q", name)
	}

	e.breaker.Reset()
	e.fallbacksUsed.Store(0)
	o.log.Info("Circuit reset", "dependency", name)
	return nil
}

// Call invokes an operation and asserts its result type.
func Call[T any](ctx context.Context, o *Orchestrator, dependency, operation string, args any) (T, bool, error) {
	var zero T
	res, err := o.Invoke(ctx, dependency, operation, args)
	if err != nil {
		return zero, false, err
	}
	if res.Value == nil {
		return zero, res.FallbackUsed, nil
	}
	v, ok := res.Value.(T)
	if !ok {
		return zero, res.FallbackUsed, apperr.New(apperr.KindInternal,
			fmt.Sprintf("%s.%s returned %T", dependency, operation, res.Value))
	}
	return v, res.FallbackUsed, nil
}
