package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/intake/internal/booking"
	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/storage"
	"github.com/vietddude/intake/internal/metrics"
)

// SideEffectReplayer re-runs a deferred side effect.
type SideEffectReplayer interface {
	Replay(ctx context.Context, item domain.DeferredSideEffect) (booking.Integration, error)
}

// ReplayConfig controls the replay loop.
type ReplayConfig struct {
	Interval    time.Duration
	Batch       int
	MaxAttempts int
}

// Replayer drains the deferred queue, retrying calendar and CRM calls that a
// fallback postponed.
type Replayer struct {
	queue   storage.DeferredQueue
	service SideEffectReplayer
	cfg     ReplayConfig
	now     func() time.Time
}

// NewReplayer creates a new Replayer worker.
func NewReplayer(queue storage.DeferredQueue, service SideEffectReplayer, cfg ReplayConfig) *Replayer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Replayer{
		queue:   queue,
		service: service,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start runs the replay loop.
func (r *Replayer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce replays one batch and returns how many side effects completed.
func (r *Replayer) RunOnce(ctx context.Context) int {
	items, err := r.queue.PopDue(ctx, r.cfg.Batch)
	if err != nil {
		slog.Error("[Replayer] failed to pop deferred side effects", "error", err)
		return 0
	}

	done := 0
	for _, item := range items {
		if ctx.Err() != nil {
			// Put back what was claimed but not attempted
			r.requeue(ctx, item, item.Attempts)
			continue
		}
		if r.replay(ctx, item) {
			done++
		}
	}

	if n, err := r.queue.Len(ctx); err == nil {
		metrics.DeferredQueueDepth.Set(float64(n))
	}
	return done
}

func (r *Replayer) replay(ctx context.Context, item domain.DeferredSideEffect) bool {
	out, err := r.service.Replay(ctx, item)
	if err == nil && out.Success {
		// A fallback may have re-queued the entry during the replay
		if err := r.queue.Remove(ctx, item.Key()); err != nil {
			slog.Warn("[Replayer] failed to clear replayed entry", "key", item.Key(), "error", err)
		}
		slog.Info("[Replayer] side effect replayed",
			"booking", item.BookingID,
			"dependency", item.Dependency,
			"attempts", item.Attempts+1,
		)
		return true
	}

	reason := out.Error
	if err != nil {
		reason = err.Error()
		if apperr.KindOf(err) == apperr.KindNotFound {
			slog.Warn("[Replayer] dropping side effect for unknown booking", "key", item.Key())
			return false
		}
	}

	attempts := item.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		if err := r.queue.Remove(ctx, item.Key()); err != nil {
			slog.Warn("[Replayer] failed to drop exhausted entry", "key", item.Key(), "error", err)
		}
		slog.Error("[Replayer] giving up on side effect",
			"booking", item.BookingID,
			"dependency", item.Dependency,
			"attempts", attempts,
			"error", reason,
		)
		return false
	}

	slog.Warn("[Replayer] side effect still failing",
		"booking", item.BookingID,
		"dependency", item.Dependency,
		"attempts", attempts,
		"error", reason,
	)
	r.requeue(ctx, item, attempts)
	return false
}

func (r *Replayer) requeue(ctx context.Context, item domain.DeferredSideEffect, attempts int) {
	item.Attempts = attempts
	item.EnqueuedAt = r.now()
	if err := r.queue.Push(context.WithoutCancel(ctx), item); err != nil {
		slog.Error("[Replayer] failed to requeue side effect", "key", item.Key(), "error", err)
	}
}
