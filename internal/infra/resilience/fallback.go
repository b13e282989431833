package resilience

import (
	"context"
	"sync"

	"github.com/vietddude/intake/internal/core/apperr"
)

// FallbackFunc produces a degraded result for a failed operation. It receives
// the original arguments and the classified primary failure, and must never
// call the failing dependency.
type FallbackFunc func(ctx context.Context, args any, primaryErr *apperr.Error) (any, error)

// Result is the outcome of a call that may have been served by a fallback.
type Result struct {
	Value        any
	FallbackUsed bool
	PrimaryError *apperr.Error
}

type fallbackKey struct {
	dependency string
	operation  string
}

// FallbackRegistry maps (dependency, operation) to a fallback.
type FallbackRegistry struct {
	mu    sync.RWMutex
	table map[fallbackKey]FallbackFunc
}

// NewFallbackRegistry creates an empty registry.
func NewFallbackRegistry() *FallbackRegistry {
	return &FallbackRegistry{table: make(map[fallbackKey]FallbackFunc)}
}

// Register sets the fallback for an operation, replacing any previous one.
func (r *FallbackRegistry) Register(dependency, operation string, fn FallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[fallbackKey{dependency, operation}] = fn
}

// Lookup returns the fallback registered for an operation.
func (r *FallbackRegistry) Lookup(dependency, operation string) (FallbackFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.table[fallbackKey{dependency, operation}]
	return fn, ok
}

// Execute runs primary. On failure it runs the registered fallback with the
// same args. If no fallback exists or it fails too, the classified primary
// error is returned.
func (r *FallbackRegistry) Execute(
	ctx context.Context,
	dependency, operation string,
	primary func(ctx context.Context) (any, error),
	args any,
) (Result, error) {
	value, err := primary(ctx)
	if err == nil {
		return Result{Value: value}, nil
	}

	primaryErr := apperr.Classify(err, map[string]any{
		"dependency": dependency,
		"operation":  operation,
	})

	fn, ok := r.Lookup(dependency, operation)
	if !ok {
		return Result{PrimaryError: primaryErr}, primaryErr
	}

	fallbackValue, fbErr := fn(ctx, args, primaryErr)
	if fbErr != nil {
		return Result{PrimaryError: primaryErr}, primaryErr
	}

	return Result{
		Value:        fallbackValue,
		FallbackUsed: true,
		PrimaryError: primaryErr,
	}, nil
}
