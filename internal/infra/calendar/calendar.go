// Package calendar creates calendar events for confirmed bookings.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/dependency"
	"github.com/vietddude/intake/internal/infra/storage"
)

// Result is the outcome of CreateEvent. Success=false is a soft failure.
type Result struct {
	Success     bool   `json:"success"`
	EventID     string `json:"event_id,omitempty"`
	MeetingLink string `json:"meeting_link,omitempty"`
	Error       string `json:"error,omitempty"`
	Deferred    bool   `json:"deferred,omitempty"`
}

// Client creates calendar events. It returns an error only for transient
// failures; rejected requests come back as Result{Success: false}.
type Client interface {
	CreateEvent(ctx context.Context, booking *domain.Booking) (Result, error)
}

// Register binds client behind the orchestrator. When the call fails for
// good the booking is pushed to queue for later replay.
func Register(o *dependency.Orchestrator, client Client, queue storage.DeferredQueue) error {
	if err := o.Handle(domain.DependencyCalendar, domain.OpCreateEvent, func(ctx context.Context, args any) (any, error) {
		b, err := bookingArg(args)
		if err != nil {
			return nil, err
		}
		return client.CreateEvent(ctx, b)
	}); err != nil {
		return err
	}

	o.Fallback(domain.DependencyCalendar, domain.OpCreateEvent, func(ctx context.Context, args any, primaryErr *apperr.Error) (any, error) {
		b, err := bookingArg(args)
		if err != nil {
			return nil, err
		}
		if err := storage.Defer(ctx, queue, domain.DeferredSideEffect{
			BookingID:  b.ID,
			Dependency: domain.DependencyCalendar,
			EnqueuedAt: time.Now(),
		}); err != nil {
			return nil, err
		}
		return Result{
			Deferred: true,
			Error:    fmt.Sprintf("calendar unavailable, event creation deferred: %s", primaryErr.Message),
		}, nil
	})
	return nil
}

func bookingArg(args any) (*domain.Booking, error) {
	b, ok := args.(*domain.Booking)
	if !ok || b == nil {
		return nil, apperr.New(apperr.KindInternal, fmt.Sprintf("createEvent: unexpected args %T", args))
	}
	return b, nil
}

// Unconfigured is used when no calendar credentials are set. Every call is
// a soft failure, so bookings stay pending without touching the queue.
type Unconfigured struct{}

func (Unconfigured) CreateEvent(ctx context.Context, b *domain.Booking) (Result, error) {
	return Result{Success: false, Error: "calendar integration is not configured"}, nil
}
