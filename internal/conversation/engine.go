// Package conversation runs the per-session slot-filling flow that turns
// free-form utterances into a booking.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/intake/internal/booking"
	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/dependency"
	"github.com/vietddude/intake/internal/infra/llm"
	"github.com/vietddude/intake/internal/infra/storage"
	"github.com/vietddude/intake/internal/metrics"
	"github.com/vietddude/intake/internal/scheduling"
)

const maxUtteranceLength = 2000

var cancelPhrases = []string{"cancel", "never mind", "nevermind", "forget it", "start over", "stop"}

// TurnInput is one user utterance.
type TurnInput struct {
	SessionID string         `json:"session_id"`
	Utterance string         `json:"utterance"`
	Channel   domain.Channel `json:"channel,omitempty"`
}

// TurnResult is the engine's reply to a turn.
type TurnResult struct {
	SessionID    string                `json:"session_id"`
	Step         domain.Step           `json:"step,omitempty"`
	Prompt       string                `json:"prompt"`
	Complete     bool                  `json:"complete"`
	Booking      *domain.Booking       `json:"booking,omitempty"`
	Integrations []booking.Integration `json:"integrations,omitempty"`
	// Degraded is set when a fallback served part of the turn.
	Degraded bool `json:"degraded"`
	// Ended is set when the session was closed by this turn.
	Ended bool `json:"ended,omitempty"`
}

// Engine owns conversation state. Turns for one session are serialised.
type Engine struct {
	sessions  storage.SessionRepository
	bookings  *booking.Service
	deps      *dependency.Orchestrator
	validator *scheduling.Validator
	times     TimeParser
	durations DurationParser
	locks     *keyedMutex
	now       func() time.Time
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeParser replaces the rule-based date parser.
func WithTimeParser(p TimeParser) Option {
	return func(e *Engine) { e.times = p }
}

// WithDurationParser replaces the rule-based duration parser.
func WithDurationParser(p DurationParser) Option {
	return func(e *Engine) { e.durations = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock injects the clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a conversation engine.
func NewEngine(sessions storage.SessionRepository, bookings *booking.Service, deps *dependency.Orchestrator, opts ...Option) *Engine {
	e := &Engine{
		sessions:  sessions,
		bookings:  bookings,
		deps:      deps,
		validator: bookings.Validator(),
		times:     RuleParser{},
		durations: RuleParser{},
		locks:     newKeyedMutex(),
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessTurn applies one utterance to its session and returns the next prompt.
func (e *Engine) ProcessTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	utterance := strings.TrimSpace(in.Utterance)
	if utterance == "" {
		return nil, apperr.Validation("utterance", "required", "utterance must not be empty")
	}
	if len(utterance) > maxUtteranceLength {
		return nil, apperr.Validation("utterance", "too_long",
			fmt.Sprintf("utterance must be at most %d characters", maxUtteranceLength))
	}
	if err := e.deps.CheckReady(); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	if in.Channel == "" {
		in.Channel = domain.ChannelChat
	}

	unlock, err := e.locks.Lock(ctx, in.SessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "waiting for the previous turn of this session", err)
	}
	defer unlock()

	st, err := e.sessions.Get(ctx, in.SessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return e.openSession(ctx, in, utterance)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	st.Turns++
	st.UpdatedAt = e.now()

	var res *TurnResult
	if st.Step == domain.StepConfirmation {
		res, err = e.handleConfirmation(ctx, st, utterance)
	} else {
		res, err = e.fillStep(ctx, st, utterance)
	}
	if err != nil {
		return nil, err
	}
	metrics.ConversationTurnsTotal.WithLabelValues(string(res.Step)).Inc()
	return res, nil
}

// openSession handles the first utterance of a session.
func (e *Engine) openSession(ctx context.Context, in TurnInput, utterance string) (*TurnResult, error) {
	res := &TurnResult{SessionID: in.SessionID}

	wantsMeeting, fallbackUsed, err := dependency.Call[bool](ctx, e.deps, domain.DependencyLLM, domain.OpClassifyIntent,
		llm.IntentArgs{Utterance: utterance, Intent: llm.IntentBookMeeting})
	res.Degraded = fallbackUsed
	if err != nil {
		// Without a classifier the user still gets the booking flow
		e.log.Warn("Intent classification failed", "session", in.SessionID, "error", err)
		res.Degraded = true
		wantsMeeting = true
	}
	if !wantsMeeting {
		res.Prompt = "I can help you schedule a meeting with our team. Just let me know when you'd like to book one."
		return res, nil
	}

	now := e.now()
	st := &domain.ConversationState{
		SessionID: in.SessionID,
		Step:      domain.StepName,
		Channel:   in.Channel,
		Turns:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The opener may already carry a name; only extraction may fill it.
	extracted, degraded := e.extract(ctx, st, utterance)
	res.Degraded = res.Degraded || degraded
	var fillErr error
	if v := extracted[string(st.Step)]; v != "" {
		s, _ := lookupStep(st.Step)
		fillErr = s.fill(ctx, e, st, v)
	}
	if fillErr != nil {
		e.log.Debug("Ignoring opener extraction", "session", st.SessionID, "error", fillErr)
	}

	e.advance(st)
	if err := e.sessions.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	metrics.ActiveSessions.Inc()
	metrics.ConversationTurnsTotal.WithLabelValues(string(st.Step)).Inc()
	e.log.Info("Conversation started", "session", st.SessionID, "channel", st.Channel)

	res.Step = st.Step
	res.Complete = st.Complete
	res.Prompt = "Happy to help you book a meeting. " + e.prompt(st)
	return res, nil
}

// fillStep merges one utterance into the current step. Extracted values are
// only taken for the current step and never overwrite a filled slot.
func (e *Engine) fillStep(ctx context.Context, st *domain.ConversationState, utterance string) (*TurnResult, error) {
	res := &TurnResult{SessionID: st.SessionID}

	current, ok := lookupStep(st.Step)
	if !ok {
		e.advance(st)
		current, _ = lookupStep(st.Step)
	}

	extracted, degraded := e.extract(ctx, st, utterance)
	res.Degraded = degraded

	var fillErr error
	if v := strings.TrimSpace(extracted[string(current.id)]); v != "" {
		fillErr = current.fill(ctx, e, st, v)
		if unparseable(fillErr) && v != utterance {
			fillErr = current.fill(ctx, e, st, utterance)
		}
	} else {
		fillErr = current.fill(ctx, e, st, utterance)
	}

	if fillErr != nil {
		appErr, ok := apperr.As(fillErr)
		if !ok || appErr.Kind != apperr.KindValidation {
			return nil, fillErr
		}
		e.log.Debug("Turn rejected", "session", st.SessionID, "step", current.id, "violation", appErr.Violation)
		e.advance(st)
		if err := e.sessions.Save(ctx, st); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
		res.Step = st.Step
		res.Complete = st.Complete
		res.Prompt = sentence(appErr.Message) + " " + e.prompt(st)
		return res, nil
	}

	e.advance(st)
	if err := e.sessions.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	res.Step = st.Step
	res.Complete = st.Complete
	res.Prompt = e.prompt(st)
	return res, nil
}

func (e *Engine) handleConfirmation(ctx context.Context, st *domain.ConversationState, utterance string) (*TurnResult, error) {
	if isCancel(utterance) {
		if err := e.drop(ctx, st.SessionID); err != nil {
			return nil, err
		}
		e.log.Info("Conversation cancelled", "session", st.SessionID)
		return &TurnResult{
			SessionID: st.SessionID,
			Step:      domain.StepConfirmation,
			Prompt:    "No problem, I've cancelled this booking request.",
			Ended:     true,
		}, nil
	}

	affirmed, fallbackUsed, err := dependency.Call[bool](ctx, e.deps, domain.DependencyLLM, domain.OpClassifyIntent,
		llm.IntentArgs{Utterance: utterance, Intent: llm.IntentAffirm})
	if err != nil {
		return nil, err
	}
	if !affirmed {
		if err := e.sessions.Save(ctx, st); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
		return &TurnResult{
			SessionID: st.SessionID,
			Step:      st.Step,
			Complete:  st.Complete,
			Prompt:    "Okay, I haven't booked anything yet. Reply \"yes\" to confirm or \"cancel\" to start over.\n" + recap(st, e.validator.Location()),
			Degraded:  fallbackUsed,
		}, nil
	}

	res, err := e.confirm(ctx, st)
	if err != nil {
		return nil, err
	}
	res.Degraded = res.Degraded || fallbackUsed
	return res, nil
}

// ConfirmBooking commits a completed conversation.
func (e *Engine) ConfirmBooking(ctx context.Context, sessionID string) (*TurnResult, error) {
	if err := e.deps.CheckReady(); err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "waiting for the previous turn of this session", err)
	}
	defer unlock()

	st, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, apperr.NotFound("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	st.UpdatedAt = e.now()
	return e.confirm(ctx, st)
}

// confirm commits st. The caller holds the session lock.
func (e *Engine) confirm(ctx context.Context, st *domain.ConversationState) (*TurnResult, error) {
	if !st.Complete {
		return nil, apperr.Validation(string(st.Step), "incomplete",
			fmt.Sprintf("the conversation is still collecting %s", st.Step))
	}

	commit, err := e.bookings.Commit(ctx, domain.BookingRequest{
		Name:         st.Slots.Name,
		Email:        st.Slots.Email,
		Organization: st.Slots.Organization,
		Inquiry:      st.Slots.Inquiry,
		Start:        *st.Slots.StartTime,
		Duration:     st.Slots.Duration,
		Source:       domain.BookingSourceConversation,
		SessionID:    st.SessionID,
	})
	if err != nil {
		appErr, ok := apperr.As(err)
		if !ok || appErr.Kind != apperr.KindValidation {
			return nil, err
		}
		// Only the offending slot is cleared; the rest of the answers stay
		st.Slots.Clear(domain.Step(appErr.Field))
		e.advance(st)
		if err := e.sessions.Save(ctx, st); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
		e.log.Info("Booking rejected", "session", st.SessionID, "field", appErr.Field, "violation", appErr.Violation)
		return &TurnResult{
			SessionID: st.SessionID,
			Step:      st.Step,
			Complete:  st.Complete,
			Prompt:    sentence(appErr.Message) + " " + e.prompt(st),
		}, nil
	}

	if err := e.drop(ctx, st.SessionID); err != nil {
		e.log.Warn("Failed to drop completed session", "session", st.SessionID, "error", err)
	}
	e.log.Info("Conversation completed", "session", st.SessionID, "booking", commit.Booking.ID, "turns", st.Turns)

	return &TurnResult{
		SessionID:    st.SessionID,
		Step:         domain.StepConfirmation,
		Complete:     true,
		Booking:      commit.Booking,
		Integrations: commit.Integrations,
		Prompt:       confirmationMessage(commit, e.validator.Location()),
		Degraded:     commit.Degraded(),
		Ended:        true,
	}, nil
}

// CancelConversation discards a session.
func (e *Engine) CancelConversation(ctx context.Context, sessionID string) error {
	unlock, err := e.locks.Lock(ctx, sessionID)
	if err != nil {
		return apperr.Wrap(apperr.KindTimeout, "waiting for the previous turn of this session", err)
	}
	defer unlock()

	if err := e.drop(ctx, sessionID); err != nil {
		return err
	}
	e.log.Info("Conversation cancelled", "session", sessionID)
	return nil
}

// State returns a copy of a session's state.
func (e *Engine) State(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	st, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, apperr.NotFound("session %s not found", sessionID)
	}
	return st, err
}

// Expire drops sessions idle since before. Sessions in the middle of a turn
// are skipped.
func (e *Engine) Expire(ctx context.Context, before time.Time) (int, error) {
	ids, err := e.sessions.ListIdle(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	expired := 0
	for _, id := range ids {
		unlock, ok := e.locks.TryLock(id)
		if !ok {
			continue
		}
		st, err := e.sessions.Get(ctx, id)
		if err == nil && st.UpdatedAt.Before(before) {
			if err := e.drop(ctx, id); err == nil {
				expired++
			}
		}
		unlock()
	}
	return expired, nil
}

func (e *Engine) drop(ctx context.Context, sessionID string) error {
	err := e.sessions.Delete(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return apperr.NotFound("session %s not found", sessionID)
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	metrics.ActiveSessions.Dec()
	return nil
}

// extract asks the language model for fields. Failures degrade to no
// extraction so the step parser still runs on the raw utterance.
func (e *Engine) extract(ctx context.Context, st *domain.ConversationState, utterance string) (map[string]string, bool) {
	fields, fallbackUsed, err := dependency.Call[map[string]string](ctx, e.deps, domain.DependencyLLM, domain.OpExtractFields,
		llm.ExtractArgs{Utterance: utterance, Current: st.Slots.Strings(e.validator.Location())})
	if err != nil {
		e.log.Warn("Field extraction failed", "session", st.SessionID, "step", st.Step, "error", err)
		return nil, true
	}
	return fields, fallbackUsed
}

// advance moves st to the first empty slot, or to confirmation.
func (e *Engine) advance(st *domain.ConversationState) {
	st.Step = nextStep(st.Slots)
	st.Complete = st.Step == domain.StepConfirmation
}

func (e *Engine) prompt(st *domain.ConversationState) string {
	if st.Step == domain.StepConfirmation {
		return recap(st, e.validator.Location())
	}
	s, ok := lookupStep(st.Step)
	if !ok {
		return ""
	}
	return s.prompt(e, st)
}

// unparseable reports whether err rejected the input's form rather than
// its value.
func unparseable(err error) bool {
	appErr, ok := apperr.As(err)
	if !ok {
		return false
	}
	switch appErr.Violation {
	case "unparseable", "invalid_email", "invalid_name", "required":
		return true
	}
	return false
}

// sentence capitalises msg and ends it with a full stop.
func sentence(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return msg
	}
	msg = strings.ToUpper(msg[:1]) + msg[1:]
	if !strings.ContainsAny(msg[len(msg)-1:], ".?!") {
		msg += "."
	}
	return msg
}

func isCancel(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, p := range cancelPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func confirmationMessage(commit *booking.CommitResult, loc *time.Location) string {
	b := commit.Booking
	var sb strings.Builder
	fmt.Fprintf(&sb, "You're booked, %s! Your %d-minute meeting is on %s.",
		firstName(b.Name), int(b.Duration.Minutes()), formatWhen(b.Start, loc))
	if b.MeetingLink != "" {
		fmt.Fprintf(&sb, " Join here: %s.", b.MeetingLink)
	}
	for _, in := range commit.Integrations {
		if in.Dependency == domain.DependencyCalendar && !in.Success {
			fmt.Fprintf(&sb, " The calendar invitation to %s will follow shortly.", b.Email)
		}
	}
	return sb.String()
}
