package worker

import (
	"context"
	"log/slog"
	"time"
)

// Expirer drops sessions idle since before and returns how many it dropped.
type Expirer interface {
	Expire(ctx context.Context, before time.Time) (int, error)
}

// Reaper deletes conversations that have been idle longer than the TTL.
type Reaper struct {
	sessions Expirer
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewReaper creates a new Reaper worker.
func NewReaper(sessions Expirer, ttl, interval time.Duration) *Reaper {
	return &Reaper{
		sessions: sessions,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs the reaper loop.
func (r *Reaper) Start(ctx context.Context) {
	if r.ttl <= 0 {
		return // Expiry disabled
	}

	// Default to a tenth of the TTL, between 1 second and 1 minute
	interval := r.interval
	if interval <= 0 {
		interval = min(r.ttl/10, time.Minute)
		interval = max(interval, time.Second)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	n, err := r.sessions.Expire(ctx, r.now().Add(-r.ttl))
	if err != nil {
		slog.Error("[Reaper] failed to expire sessions", "error", err)
		return
	}
	if n > 0 {
		slog.Info("[Reaper] expired idle sessions", "count", n, "ttl", r.ttl)
	}
}
