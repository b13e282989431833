// Package booking commits validated bookings and fans out their calendar and
// CRM side effects.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/calendar"
	"github.com/vietddude/intake/internal/infra/crm"
	"github.com/vietddude/intake/internal/infra/dependency"
	"github.com/vietddude/intake/internal/infra/storage"
	"github.com/vietddude/intake/internal/metrics"
	"github.com/vietddude/intake/internal/scheduling"
)

// DefaultSideEffectWait bounds how long a commit waits for its side effects.
const DefaultSideEffectWait = 20 * time.Second

// Integration is the outcome of one side effect of a commit.
type Integration struct {
	Dependency   string `json:"dependency"`
	Success      bool   `json:"success"`
	Deferred     bool   `json:"deferred,omitempty"`
	FallbackUsed bool   `json:"fallback_used,omitempty"`
	Reference    string `json:"reference,omitempty"`
	MeetingLink  string `json:"meeting_link,omitempty"`
	Error        string `json:"error,omitempty"`
}

// CommitResult is a stored booking plus the outcome of its side effects.
type CommitResult struct {
	Booking      *domain.Booking `json:"booking"`
	Integrations []Integration   `json:"integrations"`
}

// Degraded reports whether any side effect failed or was deferred.
func (r *CommitResult) Degraded() bool {
	for _, in := range r.Integrations {
		if !in.Success {
			return true
		}
	}
	return false
}

// Service owns the booking lifecycle.
type Service struct {
	repo      storage.BookingRepository
	validator *scheduling.Validator
	deps      *dependency.Orchestrator
	wait      time.Duration
	now       func() time.Time
	log       *slog.Logger

	// commitMu serialises every status read-then-write, including
	// validate+insert, so overlaps cannot slip in
	commitMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithSideEffectWait sets the bound on side-effect waits.
func WithSideEffectWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.wait = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock injects the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a booking service.
func NewService(repo storage.BookingRepository, validator *scheduling.Validator, deps *dependency.Orchestrator, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		validator: validator,
		deps:      deps,
		wait:      DefaultSideEffectWait,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validator returns the scheduling validator used by the service.
func (s *Service) Validator() *scheduling.Validator {
	return s.validator
}

// CreateDirect creates a booking without the conversational flow.
func (s *Service) CreateDirect(ctx context.Context, req domain.BookingRequest) (*CommitResult, error) {
	req.Source = domain.BookingSourceDirect
	return s.Commit(ctx, req)
}

// Commit validates and stores a pending booking, then runs the calendar and
// CRM side effects. Side-effect failures never undo the booking.
func (s *Service) Commit(ctx context.Context, req domain.BookingRequest) (*CommitResult, error) {
	if err := s.deps.CheckReady(); err != nil {
		return nil, err
	}
	if err := checkContact(&req); err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = domain.BookingSourceConversation
	}

	b, err := s.insert(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.BookingsTotal.WithLabelValues(string(b.Source), string(domain.BookingStatusPending)).Inc()
	s.log.Info("Booking created",
		"id", b.ID,
		"start", b.Start,
		"duration", b.Duration,
		"source", b.Source,
	)

	integrations := s.runSideEffects(ctx, b)
	if err := s.applyOutcomes(ctx, b, integrations); err != nil {
		s.log.Error("Failed to record side-effect outcome", "id", b.ID, "error", err)
	}

	return &CommitResult{Booking: b, Integrations: integrations}, nil
}

func (s *Service) insert(ctx context.Context, req domain.BookingRequest) (*domain.Booking, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	existing, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	if err := s.validator.Validate(req.Start, req.Duration, existing); err != nil {
		return nil, err
	}

	now := s.now()
	b := &domain.Booking{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		Organization: req.Organization,
		Inquiry:      req.Inquiry,
		Start:        req.Start.In(s.validator.Location()),
		Duration:     req.Duration,
		Status:       domain.BookingStatusPending,
		Source:       req.Source,
		SessionID:    req.SessionID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	return b, nil
}

func checkContact(req *domain.BookingRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" {
		return apperr.Validation("name", "required", "name is required")
	}
	if req.Email == "" {
		return apperr.Validation("email", "required", "email is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return apperr.Validation("email", "invalid_email", fmt.Sprintf("%q is not a valid email address", req.Email))
	}
	return nil
}

type sideEffect struct {
	dependency string
	run        func(ctx context.Context, b *domain.Booking) Integration
}

func (s *Service) sideEffects() []sideEffect {
	return []sideEffect{
		{dependency: domain.DependencyCalendar, run: s.createEvent},
		{dependency: domain.DependencyCRM, run: s.upsertContact},
	}
}

// runSideEffects runs every side effect concurrently and waits at most s.wait.
// Side effects still running at the bound see their context expire, and their
// fallbacks defer them to the queue.
func (s *Service) runSideEffects(ctx context.Context, b *domain.Booking) []Integration {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.wait)
	defer cancel()

	effects := s.sideEffects()
	results := make([]Integration, len(effects))

	var wg sync.WaitGroup
	for i, fx := range effects {
		wg.Add(1)
		go func(i int, fx sideEffect) {
			defer wg.Done()
			copied := *b
			results[i] = fx.run(ctx, &copied)
		}(i, fx)
	}
	wg.Wait()
	return results
}

func (s *Service) createEvent(ctx context.Context, b *domain.Booking) Integration {
	out := Integration{Dependency: domain.DependencyCalendar}
	res, fallbackUsed, err := dependency.Call[calendar.Result](ctx, s.deps, domain.DependencyCalendar, domain.OpCreateEvent, b)
	out.FallbackUsed = fallbackUsed
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = res.Success
	out.Deferred = res.Deferred
	out.Reference = res.EventID
	out.MeetingLink = res.MeetingLink
	out.Error = res.Error
	return out
}

func (s *Service) upsertContact(ctx context.Context, b *domain.Booking) Integration {
	out := Integration{Dependency: domain.DependencyCRM}
	res, fallbackUsed, err := dependency.Call[crm.Result](ctx, s.deps, domain.DependencyCRM, domain.OpUpsertContact, b)
	out.FallbackUsed = fallbackUsed
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = res.Success
	out.Deferred = res.Deferred
	out.Reference = res.ContactID
	out.Error = res.Error
	return out
}

// applyOutcomes stores external references and confirms the booking when
// at least one side effect succeeded.
func (s *Service) applyOutcomes(ctx context.Context, b *domain.Booking, integrations []Integration) error {
	var refs storage.ExternalRefs
	succeeded := false
	for _, in := range integrations {
		if !in.Success {
			if in.Error != "" {
				s.log.Warn("Booking side effect failed",
					"id", b.ID,
					"dependency", in.Dependency,
					"deferred", in.Deferred,
					"error", in.Error,
				)
			}
			continue
		}
		succeeded = true
		switch in.Dependency {
		case domain.DependencyCalendar:
			refs.CalendarEventID = in.Reference
			refs.MeetingLink = in.MeetingLink
		case domain.DependencyCRM:
			refs.CRMContactID = in.Reference
		}
	}
	if !succeeded {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if err := s.repo.SetExternalRefs(ctx, b.ID, refs); err != nil {
		return fmt.Errorf("set external refs: %w", err)
	}
	updated, err := s.repo.Get(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("get booking: %w", err)
	}
	// Only a pending booking is confirmed; an operator may have cancelled it
	// while the side effects ran
	if updated.Status == domain.BookingStatusPending {
		if err := s.repo.UpdateStatus(ctx, b.ID, domain.BookingStatusConfirmed); err != nil {
			return fmt.Errorf("confirm booking: %w", err)
		}
		metrics.BookingsTotal.WithLabelValues(string(b.Source), string(domain.BookingStatusConfirmed)).Inc()
		updated.Status = domain.BookingStatusConfirmed
	}

	*b = *updated
	return nil
}

// Replay re-runs one deferred side effect for a booking. Cancelled bookings
// are skipped and reported as successful.
func (s *Service) Replay(ctx context.Context, item domain.DeferredSideEffect) (Integration, error) {
	b, err := s.Get(ctx, item.BookingID)
	if err != nil {
		return Integration{}, err
	}
	if b.Status == domain.BookingStatusCancelled {
		return Integration{Dependency: item.Dependency, Success: true}, nil
	}

	var out Integration
	switch item.Dependency {
	case domain.DependencyCalendar:
		out = s.createEvent(ctx, b)
	case domain.DependencyCRM:
		out = s.upsertContact(ctx, b)
	default:
		return Integration{}, apperr.New(apperr.KindInternal, fmt.Sprintf("unknown side effect %q", item.Dependency))
	}

	if err := s.applyOutcomes(ctx, b, []Integration{out}); err != nil {
		return out, err
	}
	return out, nil
}

// Get returns a booking by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if errors.Is(err, storage.ErrBookingNotFound) {
		return nil, apperr.NotFound("booking %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// List returns every booking ordered by start time.
func (s *Service) List(ctx context.Context) ([]domain.Booking, error) {
	return s.repo.List(ctx)
}

// SetStatus moves a booking to status following the transition table.
func (s *Service) SetStatus(ctx context.Context, id string, status domain.BookingStatus) (*domain.Booking, error) {
	if !status.Valid() {
		return nil, apperr.Validation("status", "invalid_status",
			fmt.Sprintf("status must be one of pending, confirmed, cancelled (got %q)", status))
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(b.Status, status) {
		return nil, apperr.Validation("status", "invalid_transition",
			fmt.Sprintf("cannot move booking from %s to %s", b.Status, status))
	}
	if b.Status == status {
		return b, nil
	}

	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	metrics.BookingsTotal.WithLabelValues(string(b.Source), string(status)).Inc()
	s.log.Info("Booking status changed", "id", id, "from", b.Status, "to", status)

	b.Status = status
	b.UpdatedAt = s.now()
	return b, nil
}

// Check validates a prospective booking against the current bookings
// without storing anything.
func (s *Service) Check(ctx context.Context, start time.Time, d time.Duration) error {
	existing, err := s.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list bookings: %w", err)
	}
	return s.validator.Validate(start, d, existing)
}

// Availability lists free slots of duration d on date.
func (s *Service) Availability(ctx context.Context, date time.Time, d time.Duration) ([]domain.Slot, error) {
	if err := s.validator.ValidateDuration(d); err != nil {
		return nil, err
	}
	existing, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return s.validator.EnumerateSlots(date, d, existing), nil
}
