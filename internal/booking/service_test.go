package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/calendar"
	"github.com/vietddude/intake/internal/infra/crm"
	"github.com/vietddude/intake/internal/infra/dependency"
	"github.com/vietddude/intake/internal/infra/resilience"
	"github.com/vietddude/intake/internal/infra/storage"
	"github.com/vietddude/intake/internal/infra/storage/memory"
	"github.com/vietddude/intake/internal/scheduling"
)

// Monday 2 March 2026, 08:00 UTC
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeCalendar struct {
	mu    sync.Mutex
	calls int
	res   calendar.Result
	err   error
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, b *domain.Booking) (calendar.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

type fakeCRM struct {
	res crm.Result
	err error
}

func (f *fakeCRM) UpsertContact(ctx context.Context, b *domain.Booking) (crm.Result, error) {
	return f.res, f.err
}

type fixture struct {
	svc   *Service
	queue *memory.DeferredQueue
	cal   *fakeCalendar
	crm   *fakeCRM
}

func newOrchestrator(t *testing.T, cal calendar.Client, c crm.Client, queue storage.DeferredQueue) *dependency.Orchestrator {
	t.Helper()

	retrier := resilience.NewRetrier(resilience.RetryPolicy{MaxAttempts: 1}, nil)
	o := dependency.New(retrier, nil)
	o.Register(dependency.Config{Name: domain.DependencyCalendar, Timeout: time.Second, FailureThreshold: 5, Cooldown: time.Minute}, nil)
	o.Register(dependency.Config{Name: domain.DependencyCRM, Timeout: time.Second, FailureThreshold: 5, Cooldown: time.Minute}, nil)
	require.NoError(t, calendar.Register(o, cal, queue))
	require.NoError(t, crm.Register(o, c, queue))
	return o
}

func newValidator() *scheduling.Validator {
	return scheduling.NewValidator(scheduling.DefaultConfig, scheduling.WithNow(func() time.Time { return testNow }))
}

func newFixture(t *testing.T, cal *fakeCalendar, c *fakeCRM) *fixture {
	t.Helper()

	store := memory.NewMemoryStorage()
	queue := memory.NewDeferredQueue(store)
	o := newOrchestrator(t, cal, c, queue)
	require.NoError(t, o.Start(context.Background()))

	svc := NewService(memory.NewBookingRepo(store), newValidator(), o,
		WithClock(func() time.Time { return testNow }),
		WithSideEffectWait(2*time.Second),
	)
	return &fixture{svc: svc, queue: queue, cal: cal, crm: c}
}

// newRejectingFixture has calendar and CRM both soft-fail.
func newRejectingFixture(t *testing.T) *fixture {
	t.Helper()
	cal, c := softFailures()
	return newFixture(t, cal, c)
}

func request(start time.Time, d time.Duration) domain.BookingRequest {
	return domain.BookingRequest{
		Name:         "Jane Doe",
		Email:        "jane@acme.com",
		Organization: "Acme",
		Inquiry:      "Website redesign",
		Start:        start,
		Duration:     d,
	}
}

func softFailures() (*fakeCalendar, *fakeCRM) {
	return &fakeCalendar{res: calendar.Result{Success: false, Error: "calendar rejected"}},
		&fakeCRM{res: crm.Result{Success: false, Error: "crm rejected"}}
}

func TestCreateDirect_WeekdayAfternoonIsPending(t *testing.T) {
	f := newRejectingFixture(t)

	start := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	res, err := f.svc.CreateDirect(context.Background(), request(start, 30*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, domain.BookingStatusPending, res.Booking.Status)
	assert.Equal(t, domain.BookingSourceDirect, res.Booking.Source)
	assert.NotEmpty(t, res.Booking.ID)
	assert.True(t, res.Degraded())
	require.Len(t, res.Integrations, 2)
	for _, in := range res.Integrations {
		assert.False(t, in.Success)
		assert.NotEmpty(t, in.Error)
	}

	stored, err := f.svc.Get(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusPending, stored.Status)
}

func TestCommit_ConfirmsWhenCalendarSucceeds(t *testing.T) {
	cal := &fakeCalendar{res: calendar.Result{Success: true, EventID: "ev-1", MeetingLink: "https://meet.example/x"}}
	f := newFixture(t, cal, &fakeCRM{res: crm.Result{Success: false, Error: "rejected"}})

	start := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	res, err := f.svc.Commit(context.Background(), request(start, 30*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, domain.BookingStatusConfirmed, res.Booking.Status)
	assert.Equal(t, "ev-1", res.Booking.CalendarEventID)
	assert.Equal(t, "https://meet.example/x", res.Booking.MeetingLink)
	assert.Equal(t, domain.BookingSourceConversation, res.Booking.Source)
}

func TestCommit_RejectsOverlap(t *testing.T) {
	f := newRejectingFixture(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	_, err := f.svc.Commit(ctx, request(start, 60*time.Minute))
	require.NoError(t, err)

	_, err = f.svc.Commit(ctx, request(start.Add(30*time.Minute), 30*time.Minute))
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
	assert.Equal(t, scheduling.ViolationConflict, appErr.Violation)

	// Back-to-back is fine
	_, err = f.svc.Commit(ctx, request(start.Add(60*time.Minute), 30*time.Minute))
	assert.NoError(t, err)
}

func TestCommit_ConcurrentRequestsNeverOverlap(t *testing.T) {
	f := newRejectingFixture(t)
	start := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Commit(context.Background(), request(start, 30*time.Minute)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestCommit_Validation(t *testing.T) {
	f := newRejectingFixture(t)
	start := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		mutate    func(r *domain.BookingRequest)
		field     string
		violation string
	}{
		{"missing name", func(r *domain.BookingRequest) { r.Name = " " }, "name", "required"},
		{"bad email", func(r *domain.BookingRequest) { r.Email = "nope" }, "email", "invalid_email"},
		{"past", func(r *domain.BookingRequest) { r.Start = testNow.Add(-time.Hour) }, scheduling.FieldStartTime, scheduling.ViolationPastTime},
		{"odd duration", func(r *domain.BookingRequest) { r.Duration = 20 * time.Minute }, scheduling.FieldDuration, scheduling.ViolationDisallowedDuration},
		{"saturday", func(r *domain.BookingRequest) { r.Start = time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC) }, scheduling.FieldStartTime, scheduling.ViolationOutsideBusinessDays},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(start, 30*time.Minute)
			tt.mutate(&req)
			_, err := f.svc.Commit(context.Background(), req)
			appErr, ok := apperr.As(err)
			require.True(t, ok, "expected classified error, got %v", err)
			assert.Equal(t, tt.field, appErr.Field)
			assert.Equal(t, tt.violation, appErr.Violation)
		})
	}
}

func TestCommit_DefersWhenCalendarDown(t *testing.T) {
	cal := &fakeCalendar{err: errors.New("dial tcp: connection refused")}
	f := newFixture(t, cal, &fakeCRM{res: crm.Result{Success: true, ContactID: "c-1"}})

	start := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	res, err := f.svc.Commit(context.Background(), request(start, 15*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, domain.BookingStatusConfirmed, res.Booking.Status)
	assert.Equal(t, "c-1", res.Booking.CRMContactID)

	var calOutcome Integration
	for _, in := range res.Integrations {
		if in.Dependency == domain.DependencyCalendar {
			calOutcome = in
		}
	}
	assert.True(t, calOutcome.Deferred)
	assert.True(t, calOutcome.FallbackUsed)

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplay(t *testing.T) {
	cal := &fakeCalendar{res: calendar.Result{Success: false, Error: "rejected"}}
	f := newFixture(t, cal, &fakeCRM{res: crm.Result{Success: false, Error: "rejected"}})
	ctx := context.Background()

	start := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	res, err := f.svc.Commit(ctx, request(start, 45*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.BookingStatusPending, res.Booking.Status)

	cal.mu.Lock()
	cal.res = calendar.Result{Success: true, EventID: "ev-9"}
	cal.mu.Unlock()

	out, err := f.svc.Replay(ctx, domain.DeferredSideEffect{BookingID: res.Booking.ID, Dependency: domain.DependencyCalendar})
	require.NoError(t, err)
	assert.True(t, out.Success)

	stored, err := f.svc.Get(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, stored.Status)
	assert.Equal(t, "ev-9", stored.CalendarEventID)
}

func TestSetStatus(t *testing.T) {
	f := newRejectingFixture(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	res, err := f.svc.Commit(ctx, request(start, 30*time.Minute))
	require.NoError(t, err)
	id := res.Booking.ID

	_, err = f.svc.SetStatus(ctx, id, "archived")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	b, err := f.svc.SetStatus(ctx, id, domain.BookingStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, b.Status)

	_, err = f.svc.SetStatus(ctx, id, domain.BookingStatusConfirmed)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.SetStatus(ctx, "missing", domain.BookingStatusCancelled)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// The cancelled slot is free again
	_, err = f.svc.Commit(ctx, request(start, 30*time.Minute))
	assert.NoError(t, err)
}

func TestAvailability(t *testing.T) {
	f := newRejectingFixture(t)
	ctx := context.Background()

	saturday := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	slots, err := f.svc.Availability(ctx, saturday, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, slots)

	tuesday := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	slots, err = f.svc.Availability(ctx, tuesday, 60*time.Minute)
	require.NoError(t, err)
	assert.Len(t, slots, 8)

	_, err = f.svc.Commit(ctx, request(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), 60*time.Minute))
	require.NoError(t, err)
	slots, err = f.svc.Availability(ctx, tuesday, 60*time.Minute)
	require.NoError(t, err)
	assert.Len(t, slots, 7)

	_, err = f.svc.Availability(ctx, tuesday, 20*time.Minute)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

// hookedRepo runs onGet once, right after the next Get has read the booking.
type hookedRepo struct {
	storage.BookingRepository

	mu    sync.Mutex
	onGet func(id string)
}

func (r *hookedRepo) Get(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := r.BookingRepository.Get(ctx, id)
	r.mu.Lock()
	hook := r.onGet
	r.onGet = nil
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return b, err
}

func TestCommit_CancelDuringConfirmationStaysCancelled(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	repo := &hookedRepo{BookingRepository: memory.NewBookingRepo(store)}
	cal := &fakeCalendar{res: calendar.Result{Success: true, EventID: "ev-1"}}
	o := newOrchestrator(t, cal, &fakeCRM{res: crm.Result{Success: false, Error: "rejected"}}, memory.NewDeferredQueue(store))
	require.NoError(t, o.Start(ctx))
	svc := NewService(repo, newValidator(), o, WithClock(func() time.Time { return testNow }))

	// An operator cancels the booking between the confirmation read and write
	var wg sync.WaitGroup
	var cancelErr error
	repo.onGet = func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cancelErr = svc.SetStatus(ctx, id, domain.BookingStatusCancelled)
		}()
		time.Sleep(50 * time.Millisecond)
	}

	res, err := svc.Commit(ctx, request(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), 30*time.Minute))
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, cancelErr)

	stored, err := svc.Get(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, stored.Status)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

// hangingCalendar blocks until its context ends.
type hangingCalendar struct{}

func (hangingCalendar) CreateEvent(ctx context.Context, b *domain.Booking) (calendar.Result, error) {
	<-ctx.Done()
	return calendar.Result{}, ctx.Err()
}

// strictQueue refuses pushes once the caller's context is done, like a
// network-backed queue would.
type strictQueue struct {
	storage.DeferredQueue
}

func (q strictQueue) Push(ctx context.Context, item domain.DeferredSideEffect) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.DeferredQueue.Push(ctx, item)
}

func TestCommit_DefersSideEffectsCutOffByWait(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	queue := memory.NewDeferredQueue(store)
	o := newOrchestrator(t, hangingCalendar{}, &fakeCRM{res: crm.Result{Success: false, Error: "rejected"}}, strictQueue{queue})
	require.NoError(t, o.Start(ctx))
	svc := NewService(memory.NewBookingRepo(store), newValidator(), o,
		WithClock(func() time.Time { return testNow }),
		WithSideEffectWait(100*time.Millisecond),
	)

	res, err := svc.Commit(ctx, request(time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC), 30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusPending, res.Booking.Status)

	var calOutcome Integration
	for _, in := range res.Integrations {
		if in.Dependency == domain.DependencyCalendar {
			calOutcome = in
		}
	}
	assert.True(t, calOutcome.Deferred)
	assert.True(t, calOutcome.FallbackUsed)

	items, err := queue.PopDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.Booking.ID, items[0].BookingID)
	assert.Equal(t, domain.DependencyCalendar, items[0].Dependency)
}

func TestCommit_RejectedBeforeReady(t *testing.T) {
	store := memory.NewMemoryStorage()
	cal, c := softFailures()
	o := newOrchestrator(t, cal, c, memory.NewDeferredQueue(store))
	svc := NewService(memory.NewBookingRepo(store), newValidator(), o)

	_, err := svc.CreateDirect(context.Background(), request(time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC), 30*time.Minute))
	require.Error(t, err)
	assert.Equal(t, apperr.KindServiceUnavailable, apperr.KindOf(err))
	assert.ErrorIs(t, err, dependency.ErrNotReady)

	all, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}
