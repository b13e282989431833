package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/storage"
)

type MemoryStorage struct {
	bookings map[string]*domain.Booking
	sessions map[string]*domain.ConversationState
	deferred map[string]domain.DeferredSideEffect
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bookings: make(map[string]*domain.Booking),
		sessions: make(map[string]*domain.ConversationState),
		deferred: make(map[string]domain.DeferredSideEffect),
	}
}

// -----------------------------------------------------------------------------
// Booking Repository
// -----------------------------------------------------------------------------

type BookingRepo struct {
	store *MemoryStorage
}

func NewBookingRepo(store *MemoryStorage) *BookingRepo {
	return &BookingRepo{store: store}
}

func (r *BookingRepo) Create(ctx context.Context, booking *domain.Booking) error {
	if !booking.Status.Valid() {
		return fmt.Errorf("%w: %q", storage.ErrInvalidStatus, booking.Status)
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.bookings[booking.ID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrBookingExists, booking.ID)
	}
	b := *booking
	r.store.bookings[b.ID] = &b
	return nil
}

func (r *BookingRepo) Get(ctx context.Context, id string) (*domain.Booking, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.bookings[id]
	if !ok {
		return nil, storage.ErrBookingNotFound
	}
	out := *b
	return &out, nil
}

func (r *BookingRepo) List(ctx context.Context) ([]domain.Booking, error) {
	return r.list(false), nil
}

func (r *BookingRepo) ListActive(ctx context.Context) ([]domain.Booking, error) {
	return r.list(true), nil
}

func (r *BookingRepo) list(activeOnly bool) []domain.Booking {
	r.store.mu.RLock()
	out := make([]domain.Booking, 0, len(r.store.bookings))
	for _, b := range r.store.bookings {
		if activeOnly && !b.Active() {
			continue
		}
		out = append(out, *b)
	}
	r.store.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (r *BookingRepo) UpdateStatus(ctx context.Context, id string, status domain.BookingStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", storage.ErrInvalidStatus, status)
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	b, ok := r.store.bookings[id]
	if !ok {
		return storage.ErrBookingNotFound
	}
	b.Status = status
	b.UpdatedAt = time.Now()
	return nil
}

func (r *BookingRepo) SetExternalRefs(ctx context.Context, id string, refs storage.ExternalRefs) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	b, ok := r.store.bookings[id]
	if !ok {
		return storage.ErrBookingNotFound
	}
	if refs.CalendarEventID != "" {
		b.CalendarEventID = refs.CalendarEventID
	}
	if refs.MeetingLink != "" {
		b.MeetingLink = refs.MeetingLink
	}
	if refs.CRMContactID != "" {
		b.CRMContactID = refs.CRMContactID
	}
	b.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Session Repository
// -----------------------------------------------------------------------------

type SessionRepo struct {
	store *MemoryStorage
}

func NewSessionRepo(store *MemoryStorage) *SessionRepo {
	return &SessionRepo{store: store}
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return cloneState(s), nil
}

func (r *SessionRepo) Save(ctx context.Context, state *domain.ConversationState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.sessions[state.SessionID] = cloneState(state)
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.sessions[sessionID]; !ok {
		return storage.ErrSessionNotFound
	}
	delete(r.store.sessions, sessionID)
	return nil
}

func (r *SessionRepo) ListIdle(ctx context.Context, before time.Time) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var ids []string
	for id, s := range r.store.sessions {
		if s.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *SessionRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.sessions), nil
}

func cloneState(s *domain.ConversationState) *domain.ConversationState {
	out := *s
	if s.Slots.StartTime != nil {
		t := *s.Slots.StartTime
		out.Slots.StartTime = &t
	}
	return &out
}

// -----------------------------------------------------------------------------
// Deferred Queue
// -----------------------------------------------------------------------------

type DeferredQueue struct {
	store *MemoryStorage
}

func NewDeferredQueue(store *MemoryStorage) *DeferredQueue {
	return &DeferredQueue{store: store}
}

func (q *DeferredQueue) Push(ctx context.Context, item domain.DeferredSideEffect) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	q.store.deferred[item.Key()] = item
	return nil
}

func (q *DeferredQueue) PopDue(ctx context.Context, limit int) ([]domain.DeferredSideEffect, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	items := make([]domain.DeferredSideEffect, 0, len(q.store.deferred))
	for _, item := range q.store.deferred {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].Key() < items[j].Key()
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	for _, item := range items {
		delete(q.store.deferred, item.Key())
	}
	return items, nil
}

func (q *DeferredQueue) Remove(ctx context.Context, key string) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	delete(q.store.deferred, key)
	return nil
}

func (q *DeferredQueue) Len(ctx context.Context) (int, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	return len(q.store.deferred), nil
}
