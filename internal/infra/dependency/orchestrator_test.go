package dependency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/resilience"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestOrchestrator(t *testing.T, threshold int) *Orchestrator {
	t.Helper()
	retrier := resilience.NewRetrier(
		resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		nil,
		resilience.WithSleep(noSleep),
	)
	o := New(retrier, resilience.NewFallbackRegistry())
	o.Register(Config{Name: "crm", Timeout: time.Second, FailureThreshold: threshold, Cooldown: time.Minute}, nil)
	return o
}

func TestInvoke_NotReady(t *testing.T) {
	o := newTestOrchestrator(t, 5)
	require.NoError(t, o.Handle("crm", "upsertContact", func(ctx context.Context, args any) (any, error) {
		return "ok", nil
	}))

	_, err := o.Invoke(context.Background(), "crm", "upsertContact", nil)
	assert.Equal(t, apperr.KindServiceUnavailable, apperr.KindOf(err))
	assert.True(t, errors.Is(err, ErrNotReady))

	require.NoError(t, o.Start(context.Background()))
	res, err := o.Invoke(context.Background(), "crm", "upsertContact", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.False(t, res.FallbackUsed)
}

func TestInvoke_RetriesThenFallback(t *testing.T) {
	o := newTestOrchestrator(t, 10)

	var calls atomic.Int32
	require.NoError(t, o.Handle("crm", "upsertContact", func(ctx context.Context, args any) (any, error) {
		calls.Add(1)
		return nil, &apperr.UpstreamError{Code: 503}
	}))
	o.Fallback("crm", "upsertContact", func(ctx context.Context, args any, primaryErr *apperr.Error) (any, error) {
		return "deferred:" + args.(string), nil
	})
	require.NoError(t, o.Start(context.Background()))

	res, err := o.Invoke(context.Background(), "crm", "upsertContact", "b1")
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "deferred:b1", res.Value)
	assert.Equal(t, apperr.KindServiceUnavailable, res.PrimaryError.Kind)
	assert.Equal(t, int32(3), calls.Load(), "primary must be retried to the policy limit")

	health := o.HealthSnapshot()
	require.Len(t, health, 1)
	assert.Equal(t, int64(1), health[0].FallbacksUsed)
	assert.Equal(t, int64(1), health[0].Failures, "one breaker failure per invocation")
}

func TestInvoke_BreakerOpensAndSkipsCall(t *testing.T) {
	o := newTestOrchestrator(t, 2)

	var calls atomic.Int32
	require.NoError(t, o.Handle("crm", "upsertContact", func(ctx context.Context, args any) (any, error) {
		calls.Add(1)
		return nil, &apperr.UpstreamError{Code: 401}
	}))
	require.NoError(t, o.Start(context.Background()))

	for i := 0; i < 2; i++ {
		_, err := o.Invoke(context.Background(), "crm", "upsertContact", nil)
		assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	}
	assert.Equal(t, int32(2), calls.Load(), "AUTH must not be retried")

	_, err := o.Invoke(context.Background(), "crm", "upsertContact", nil)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindCircuitOpen, appErr.Kind)
	assert.False(t, appErr.NextRetryAt.IsZero())
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not run the operation")

	health := o.HealthSnapshot()
	assert.Equal(t, domain.CircuitOpen, health[0].State)
	assert.Equal(t, int64(1), health[0].Rejected)

	require.NoError(t, o.ResetCircuit("crm"))
	assert.Equal(t, domain.CircuitClosed, o.HealthSnapshot()[0].State)
}

func TestInvoke_RejectedRequestsLeaveCircuitClosed(t *testing.T) {
	o := newTestOrchestrator(t, 2)

	replies := []error{
		&apperr.UpstreamError{Code: 400},
		&apperr.UpstreamError{Code: 404},
		errors.New("parse extraction response: invalid character 'H' looking for beginning of value"),
		&apperr.UpstreamError{Code: 400},
	}
	var calls atomic.Int32
	require.NoError(t, o.Handle("crm", "upsertContact", func(ctx context.Context, args any) (any, error) {
		n := calls.Add(1)
		return nil, replies[int(n-1)%len(replies)]
	}))
	require.NoError(t, o.Start(context.Background()))

	for i := 0; i < len(replies); i++ {
		_, err := o.Invoke(context.Background(), "crm", "upsertContact", nil)
		require.Error(t, err)
		assert.NotEqual(t, apperr.KindCircuitOpen, apperr.KindOf(err))
	}
	assert.Equal(t, int32(len(replies)), calls.Load())

	health := o.HealthSnapshot()
	assert.Equal(t, domain.CircuitClosed, health[0].State)
	assert.Zero(t, health[0].Failures)
}

func TestInvoke_PerCallTimeout(t *testing.T) {
	retrier := resilience.NewRetrier(resilience.RetryPolicy{MaxAttempts: 1}, nil)
	o := New(retrier, nil)
	o.Register(Config{Name: "llm", Timeout: 20 * time.Millisecond, FailureThreshold: 5, Cooldown: time.Minute}, nil)
	require.NoError(t, o.Handle("llm", "classifyIntent", func(ctx context.Context, args any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, o.Start(context.Background()))

	_, err := o.Invoke(context.Background(), "llm", "classifyIntent", nil)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}

func TestInvoke_UnknownOperation(t *testing.T) {
	o := newTestOrchestrator(t, 5)
	require.NoError(t, o.Start(context.Background()))

	_, err := o.Invoke(context.Background(), "crm", "deleteContact", nil)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	assert.Error(t, o.Handle("billing", "charge", nil))
}

func TestResetCircuit_Unknown(t *testing.T) {
	o := newTestOrchestrator(t, 5)
	err := o.ResetCircuit("billing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStart_ProbeFailureIsNotFatal(t *testing.T) {
	retrier := resilience.NewRetrier(resilience.DefaultRetryPolicy, nil)
	o := New(retrier, nil)
	o.Register(Config{Name: "calendar", Timeout: time.Second}, func(ctx context.Context) error {
		return errors.New("credentials missing")
	})

	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Ready())
}

func TestCall_Typed(t *testing.T) {
	o := newTestOrchestrator(t, 5)
	require.NoError(t, o.Handle("crm", "upsertContact", func(ctx context.Context, args any) (any, error) {
		return 42, nil
	}))
	require.NoError(t, o.Start(context.Background()))

	n, fallback, err := Call[int](context.Background(), o, "crm", "upsertContact", nil)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.False(t, fallback)

	_, _, err = Call[string](context.Background(), o, "crm", "upsertContact", nil)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}
