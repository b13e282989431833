package conversation

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/intake/internal/booking"
	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/infra/calendar"
	"github.com/vietddude/intake/internal/infra/crm"
	"github.com/vietddude/intake/internal/infra/dependency"
	"github.com/vietddude/intake/internal/infra/llm"
	"github.com/vietddude/intake/internal/infra/resilience"
	"github.com/vietddude/intake/internal/infra/storage/memory"
	"github.com/vietddude/intake/internal/scheduling"
)

// Monday 2 March 2026, 08:00 UTC
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// scriptedLLM answers intents by keyword and extracts whatever fields() returns.
type scriptedLLM struct {
	mu     sync.Mutex
	fields func(utterance string) map[string]string
	err    error
}

func (s *scriptedLLM) ClassifyIntent(ctx context.Context, utterance string, intent llm.Intent) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	lower := strings.ToLower(utterance)
	switch intent {
	case llm.IntentBookMeeting:
		return strings.Contains(lower, "book") || strings.Contains(lower, "meeting"), nil
	case llm.IntentAffirm:
		return strings.HasPrefix(lower, "yes"), nil
	}
	return false, nil
}

func (s *scriptedLLM) ExtractFields(ctx context.Context, utterance string, current map[string]string) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fields == nil {
		return map[string]string{}, nil
	}
	return s.fields(utterance), nil
}

type stubCalendar struct {
	res calendar.Result
}

func (c *stubCalendar) CreateEvent(ctx context.Context, b *domain.Booking) (calendar.Result, error) {
	return c.res, nil
}

type stubCRM struct{}

func (stubCRM) UpsertContact(ctx context.Context, b *domain.Booking) (crm.Result, error) {
	return crm.Result{Success: true, ContactID: "c-1", Created: true}, nil
}

type harness struct {
	engine   *Engine
	bookings *booking.Service
	model    *scriptedLLM
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	model := &scriptedLLM{}
	h := buildHarness(t, model, true)
	h.model = model
	return h
}

// buildHarness wires an engine around primary. The orchestrator is only
// started when start is set.
func buildHarness(t *testing.T, primary llm.Extractor, start bool) *harness {
	t.Helper()

	store := memory.NewMemoryStorage()
	queue := memory.NewDeferredQueue(store)

	retrier := resilience.NewRetrier(resilience.RetryPolicy{MaxAttempts: 1}, nil)
	o := dependency.New(retrier, nil)
	for _, name := range []string{domain.DependencyLLM, domain.DependencyCalendar, domain.DependencyCRM} {
		o.Register(dependency.Config{Name: name, Timeout: time.Second, FailureThreshold: 5, Cooldown: time.Minute}, nil)
	}
	require.NoError(t, llm.Register(o, primary, llm.NewKeywordExtractor()))
	require.NoError(t, calendar.Register(o, &stubCalendar{res: calendar.Result{Success: true, EventID: "ev-1", MeetingLink: "https://meet.example/abc"}}, queue))
	require.NoError(t, crm.Register(o, stubCRM{}, queue))
	if start {
		require.NoError(t, o.Start(context.Background()))
	}

	clock := func() time.Time { return testNow }
	validator := scheduling.NewValidator(scheduling.DefaultConfig, scheduling.WithNow(clock))
	bookings := booking.NewService(memory.NewBookingRepo(store), validator, o, booking.WithClock(clock))
	engine := NewEngine(memory.NewSessionRepo(store), bookings, o, WithClock(clock))

	return &harness{engine: engine, bookings: bookings}
}

func (h *harness) say(t *testing.T, session, utterance string) *TurnResult {
	t.Helper()
	res, err := h.engine.ProcessTurn(context.Background(), TurnInput{SessionID: session, Utterance: utterance})
	require.NoError(t, err, "turn %q", utterance)
	return res
}

func (h *harness) fillUntilConfirmation(t *testing.T, session, when string) {
	t.Helper()
	for _, u := range []string{"I want to book a meeting", "Jane Doe", "jane@x.com", "Acme Inc", "website redesign", when, "30 minutes"} {
		h.say(t, session, u)
	}
}

func TestProcessTurn_FullConversation(t *testing.T) {
	h := newHarness(t)
	const session = "s-1"

	turns := []struct {
		utterance string
		step      domain.Step
	}{
		{"I want to book a meeting", domain.StepName},
		{"Jane Doe", domain.StepEmail},
		{"jane@x.com", domain.StepOrganization},
		{"Acme Inc", domain.StepInquiry},
		{"website redesign", domain.StepStartTime},
		{"next Monday 10am", domain.StepDuration},
		{"30 minutes", domain.StepConfirmation},
	}

	for i, tt := range turns {
		res := h.say(t, session, tt.utterance)
		assert.Equal(t, tt.step, res.Step, "turn %d (%q)", i, tt.utterance)
		if tt.step == domain.StepConfirmation {
			assert.True(t, res.Complete)
			assert.Contains(t, res.Prompt, "Shall I book it?")
			assert.Contains(t, res.Prompt, "Jane Doe")
			assert.Contains(t, res.Prompt, "Monday, March 9 at 10:00 AM")
		} else {
			assert.False(t, res.Complete, "turn %d", i)
		}
	}

	res := h.say(t, session, "yes")
	require.NotNil(t, res.Booking)
	assert.True(t, res.Ended)
	assert.Equal(t, domain.BookingStatusConfirmed, res.Booking.Status)
	assert.Equal(t, "Jane Doe", res.Booking.Name)
	assert.Equal(t, "jane@x.com", res.Booking.Email)
	assert.Equal(t, "Acme Inc", res.Booking.Organization)
	assert.Equal(t, "website redesign", res.Booking.Inquiry)
	assert.Equal(t, time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), res.Booking.Start)
	assert.Equal(t, 30*time.Minute, res.Booking.Duration)
	assert.Equal(t, "ev-1", res.Booking.CalendarEventID)
	assert.Contains(t, res.Prompt, "https://meet.example/abc")

	_, err := h.engine.State(context.Background(), session)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestProcessTurn_NonBookingOpener(t *testing.T) {
	h := newHarness(t)

	res := h.say(t, "s-2", "what are your opening hours?")
	assert.Empty(t, res.Step)
	assert.False(t, res.Complete)

	_, err := h.engine.State(context.Background(), "s-2")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestProcessTurn_ExtractionOnlyFillsCurrentStep(t *testing.T) {
	h := newHarness(t)
	const session = "s-3"

	h.say(t, session, "I want to book a meeting")

	h.model.fields = func(string) map[string]string {
		return map[string]string{"name": "Jane Doe", "email": "other@x.com", "organization": "Globex"}
	}
	res := h.say(t, session, "I'm Jane from Globex, other@x.com")
	assert.Equal(t, domain.StepEmail, res.Step)

	st, err := h.engine.State(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", st.Slots.Name)
	assert.Empty(t, st.Slots.Email)
	assert.Empty(t, st.Slots.Organization)

	// A filled slot is never overwritten by later extractions
	h.model.fields = func(string) map[string]string {
		return map[string]string{"name": "Someone Else", "email": "jane@acme.com"}
	}
	res = h.say(t, session, "jane@acme.com")
	assert.Equal(t, domain.StepOrganization, res.Step)

	st, err = h.engine.State(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", st.Slots.Name)
	assert.Equal(t, "jane@acme.com", st.Slots.Email)
}

func TestProcessTurn_RepromptsOnUnparseableInput(t *testing.T) {
	h := newHarness(t)
	const session = "s-4"

	for _, u := range []string{"book a meeting", "Jane Doe", "jane@x.com", "Acme", "pricing"} {
		h.say(t, session, u)
	}

	res := h.say(t, session, "sometime soon")
	assert.Equal(t, domain.StepStartTime, res.Step)
	assert.Contains(t, res.Prompt, "couldn't understand")

	res = h.say(t, session, "next tuesday")
	assert.Equal(t, domain.StepStartTime, res.Step)
	assert.Contains(t, res.Prompt, "What time of day")

	res = h.say(t, session, "saturday 10am")
	assert.Equal(t, domain.StepStartTime, res.Step)
	assert.Contains(t, res.Prompt, "not a business day")

	res = h.say(t, session, "tuesday 10am")
	assert.Equal(t, domain.StepDuration, res.Step)

	res = h.say(t, session, "20 minutes")
	assert.Equal(t, domain.StepDuration, res.Step)
	assert.Contains(t, res.Prompt, "15, 30, 45 or 60 minutes")
}

func TestProcessTurn_ConflictClearsStartTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const session = "s-5"

	_, err := h.bookings.CreateDirect(ctx, domain.BookingRequest{
		Name:     "Existing",
		Email:    "existing@x.com",
		Start:    time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC),
		Duration: time.Hour,
	})
	require.NoError(t, err)

	for _, u := range []string{"book a meeting", "Jane Doe", "jane@x.com", "Acme", "pricing", "next monday 10:30am"} {
		h.say(t, session, u)
	}

	res := h.say(t, session, "30 minutes")
	assert.Equal(t, domain.StepStartTime, res.Step)
	assert.Contains(t, res.Prompt, "overlaps")

	st, err := h.engine.State(ctx, session)
	require.NoError(t, err)
	assert.Nil(t, st.Slots.StartTime)
	assert.Equal(t, 30*time.Minute, st.Slots.Duration)

	res = h.say(t, session, "next monday 2pm")
	assert.Equal(t, domain.StepConfirmation, res.Step)
	assert.True(t, res.Complete)
}

func TestConfirmBooking_ValidationFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const session = "s-6"

	h.fillUntilConfirmation(t, session, "next monday 11am")

	// Someone else takes the slot before the user confirms
	_, err := h.bookings.CreateDirect(ctx, domain.BookingRequest{
		Name:     "Early Bird",
		Email:    "early@x.com",
		Start:    time.Date(2026, 3, 9, 11, 0, 0, 0, time.UTC),
		Duration: 30 * time.Minute,
	})
	require.NoError(t, err)

	res, err := h.engine.ConfirmBooking(ctx, session)
	require.NoError(t, err)
	assert.Nil(t, res.Booking)
	assert.Equal(t, domain.StepStartTime, res.Step)
	assert.False(t, res.Complete)
	assert.Contains(t, res.Prompt, "When would you like to meet?")

	st, err := h.engine.State(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", st.Slots.Name)
	assert.Equal(t, 30*time.Minute, st.Slots.Duration)
	assert.Nil(t, st.Slots.StartTime)
}

func TestConfirmBooking_Incomplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.say(t, "s-7", "book a meeting")
	_, err := h.engine.ConfirmBooking(ctx, "s-7")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.engine.ConfirmBooking(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConfirmation_NoAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const session = "s-8"

	h.fillUntilConfirmation(t, session, "next monday 3pm")

	res := h.say(t, session, "no, not yet")
	assert.Equal(t, domain.StepConfirmation, res.Step)
	assert.Nil(t, res.Booking)
	assert.Contains(t, res.Prompt, "haven't booked")

	res = h.say(t, session, "cancel it")
	assert.True(t, res.Ended)

	_, err := h.engine.State(ctx, session)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	bookings, err := h.bookings.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, bookings)
}

func TestCancelConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.say(t, "s-9", "book a meeting")
	require.NoError(t, h.engine.CancelConversation(ctx, "s-9"))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(h.engine.CancelConversation(ctx, "s-9")))
}

func TestProcessTurn_LLMOutageUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.model.err = &apperr.UpstreamError{Code: http.StatusServiceUnavailable}
	const session = "s-10"

	res := h.say(t, session, "I'd like to book a meeting")
	assert.Equal(t, domain.StepName, res.Step)
	assert.True(t, res.Degraded)

	res = h.say(t, session, "my name is jane doe")
	assert.Equal(t, domain.StepEmail, res.Step)
	assert.True(t, res.Degraded)

	st, err := h.engine.State(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", st.Slots.Name)
}

func TestProcessTurn_SerialisesSameSession(t *testing.T) {
	h := newHarness(t)
	const session = "s-11"
	h.say(t, session, "book a meeting")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ProcessTurn(context.Background(), TurnInput{SessionID: session, Utterance: "Jane Doe"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := h.engine.State(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, 9, st.Turns)
	assert.Equal(t, domain.StepEmail, st.Step)
}

func TestProcessTurn_RejectsEmptyUtterance(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ProcessTurn(context.Background(), TurnInput{SessionID: "s", Utterance: "   "})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.say(t, "idle", "book a meeting")
	h.say(t, "busy", "book a meeting")

	unlock, err := h.engine.locks.Lock(ctx, "busy")
	require.NoError(t, err)

	n, err := h.engine.Expire(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	unlock()

	_, err = h.engine.State(ctx, "idle")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = h.engine.State(ctx, "busy")
	assert.NoError(t, err)
}

func TestProcessTurn_KeywordOpenersDoNotFillName(t *testing.T) {
	tests := []struct {
		opener string
		step   domain.Step
		name   string
	}{
		{"I'm looking to schedule a call", domain.StepName, ""},
		{"I am interested in booking a demo", domain.StepName, ""},
		{"Hi, I'm Jane Doe and I'd like to book a meeting", domain.StepEmail, "Jane Doe"},
	}

	for _, tt := range tests {
		t.Run(tt.opener, func(t *testing.T) {
			h := buildHarness(t, llm.NewKeywordExtractor(), true)
			res := h.say(t, "s-kw", tt.opener)
			assert.Equal(t, tt.step, res.Step)

			st, err := h.engine.State(context.Background(), "s-kw")
			require.NoError(t, err)
			assert.Equal(t, tt.name, st.Slots.Name)
		})
	}
}

func TestProcessTurn_RejectedBeforeReady(t *testing.T) {
	h := buildHarness(t, &scriptedLLM{}, false)
	ctx := context.Background()

	_, err := h.engine.ProcessTurn(ctx, TurnInput{SessionID: "s-early", Utterance: "I want to book a meeting"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindServiceUnavailable, apperr.KindOf(err))
	assert.ErrorIs(t, err, dependency.ErrNotReady)

	_, err = h.engine.State(ctx, "s-early")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = h.engine.ConfirmBooking(ctx, "s-early")
	assert.ErrorIs(t, err, dependency.ErrNotReady)
}

func TestProcessTurn_CompoundDurationReprompts(t *testing.T) {
	h := buildHarness(t, llm.NewKeywordExtractor(), true)
	for _, u := range []string{"I want to book a meeting", "Jane Doe", "jane@x.com", "Acme Inc", "website redesign", "tomorrow at 10am"} {
		h.say(t, "s-len", u)
	}

	res := h.say(t, "s-len", "1 hour 30 minutes")
	assert.Equal(t, domain.StepDuration, res.Step)
	assert.False(t, res.Complete)

	st, err := h.engine.State(context.Background(), "s-len")
	require.NoError(t, err)
	assert.Zero(t, st.Slots.Duration)
}
