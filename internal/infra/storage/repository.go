package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/intake/internal/core/domain"
)

var (
	// ErrBookingNotFound is returned when a booking doesn't exist
	ErrBookingNotFound = errors.New("booking not found")

	// ErrBookingExists is returned when creating a booking with a used id
	ErrBookingExists = errors.New("booking already exists")

	// ErrSessionNotFound is returned when a conversation doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidStatus is returned for statuses outside the enumeration
	ErrInvalidStatus = errors.New("invalid booking status")
)

// ExternalRefs are identifiers assigned by side-effect integrations.
// Empty fields leave the stored value untouched.
type ExternalRefs struct {
	CalendarEventID string
	MeetingLink     string
	CRMContactID    string
}

// BookingRepository handles booking storage operations. Bookings are never deleted.
type BookingRepository interface {
	// Create stores a new booking
	Create(ctx context.Context, booking *domain.Booking) error

	// Get retrieves a booking by id
	Get(ctx context.Context, id string) (*domain.Booking, error)

	// List returns every booking ordered by start time
	List(ctx context.Context) ([]domain.Booking, error)

	// ListActive returns non-cancelled bookings ordered by start time
	ListActive(ctx context.Context) ([]domain.Booking, error)

	// UpdateStatus sets the booking status
	UpdateStatus(ctx context.Context, id string, status domain.BookingStatus) error

	// SetExternalRefs records calendar and CRM identifiers
	SetExternalRefs(ctx context.Context, id string, refs ExternalRefs) error
}

// SessionRepository handles conversation state storage.
type SessionRepository interface {
	// Get retrieves the state for a session
	Get(ctx context.Context, sessionID string) (*domain.ConversationState, error)

	// Save creates or replaces the state for a session
	Save(ctx context.Context, state *domain.ConversationState) error

	// Delete removes the state for a session
	Delete(ctx context.Context, sessionID string) error

	// ListIdle returns sessions not updated since before
	ListIdle(ctx context.Context, before time.Time) ([]string, error)

	// Count returns the number of live sessions
	Count(ctx context.Context) (int, error)
}

// DeferredQueue holds side effects postponed by a fallback.
type DeferredQueue interface {
	// Push enqueues a side effect. Pushing an existing key replaces it.
	Push(ctx context.Context, item domain.DeferredSideEffect) error

	// PopDue removes and returns up to limit of the oldest entries
	PopDue(ctx context.Context, limit int) ([]domain.DeferredSideEffect, error)

	// Remove drops the entry with key, if any
	Remove(ctx context.Context, key string) error

	// Len returns the number of queued entries
	Len(ctx context.Context) (int, error)
}

// DeferTimeout bounds a single push made by Defer.
const DeferTimeout = 5 * time.Second

// Defer pushes item onto queue. The push is detached from ctx cancellation,
// so a caller whose deadline already passed can still defer its work.
func Defer(ctx context.Context, queue DeferredQueue, item domain.DeferredSideEffect) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DeferTimeout)
	defer cancel()
	return queue.Push(ctx, item)
}
