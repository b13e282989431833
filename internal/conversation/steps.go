package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/scheduling"
)

const maxFieldLength = 500

// step is one entry of the ordered slot-filling table.
type step struct {
	id     domain.Step
	prompt func(e *Engine, st *domain.ConversationState) string
	// fill parses input into the step's slot, or returns a VALIDATION error
	fill func(ctx context.Context, e *Engine, st *domain.ConversationState, input string) error
}

// steps is the required field order. Confirmation follows the last entry.
var steps = []step{
	{id: domain.StepName, prompt: promptName, fill: fillName},
	{id: domain.StepEmail, prompt: promptEmail, fill: fillEmail},
	{id: domain.StepOrganization, prompt: promptOrganization, fill: fillOrganization},
	{id: domain.StepInquiry, prompt: promptInquiry, fill: fillInquiry},
	{id: domain.StepStartTime, prompt: promptStartTime, fill: fillStartTime},
	{id: domain.StepDuration, prompt: promptDuration, fill: fillDuration},
}

func lookupStep(id domain.Step) (step, bool) {
	for _, s := range steps {
		if s.id == id {
			return s, true
		}
	}
	return step{}, false
}

// nextStep returns the first required step whose slot is empty.
func nextStep(slots domain.Slots) domain.Step {
	for _, s := range steps {
		if !slots.Has(s.id) {
			return s.id
		}
	}
	return domain.StepConfirmation
}

func promptName(e *Engine, st *domain.ConversationState) string {
	return "Could I have your full name, please?"
}

func promptEmail(e *Engine, st *domain.ConversationState) string {
	return fmt.Sprintf("Thanks, %s. What email address should I send the invitation to?", firstName(st.Slots.Name))
}

func promptOrganization(e *Engine, st *domain.ConversationState) string {
	return "Which organization are you with?"
}

func promptInquiry(e *Engine, st *domain.ConversationState) string {
	return "What would you like to discuss in the meeting?"
}

func promptStartTime(e *Engine, st *domain.ConversationState) string {
	return fmt.Sprintf("When would you like to meet? We take bookings %s.", e.validator.Hours())
}

func promptDuration(e *Engine, st *domain.ConversationState) string {
	return fmt.Sprintf("How long should the meeting be? Choose %s.", scheduling.FormatDurations(e.validator.AllowedDurations()))
}

var namePrefixRe = regexp.MustCompile(`(?i)^(?:hi|hello|hey)?[,.!\s]*(?:my name is|my name's|i am|i'm|this is|it's|it is|call me)\s+`)

func fillName(ctx context.Context, e *Engine, st *domain.ConversationState, input string) error {
	name := strings.Trim(namePrefixRe.ReplaceAllString(strings.TrimSpace(input), ""), " .,!")
	if name == "" {
		return apperr.Validation(string(domain.StepName), "required", "I didn't catch your name.")
	}
	if len(name) > 100 || strings.ContainsAny(name, "@0123456789") {
		return apperr.Validation(string(domain.StepName), "invalid_name", "That doesn't look like a name.")
	}
	st.Slots.Name = name
	return nil
}

var emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)

func fillEmail(ctx context.Context, e *Engine, st *domain.ConversationState, input string) error {
	candidate := emailRe.FindString(input)
	if candidate == "" {
		return apperr.Validation(string(domain.StepEmail), "invalid_email",
			"I couldn't find an email address in that, something like jane@example.com works.")
	}
	addr, err := mail.ParseAddress(candidate)
	if err != nil {
		return apperr.Validation(string(domain.StepEmail), "invalid_email",
			fmt.Sprintf("%q is not a valid email address.", candidate))
	}
	st.Slots.Email = strings.ToLower(addr.Address)
	return nil
}

func fillOrganization(ctx context.Context, e *Engine, st *domain.ConversationState, input string) error {
	org := freeText(input)
	if org == "" {
		return apperr.Validation(string(domain.StepOrganization), "required", "I didn't catch the organization name.")
	}
	st.Slots.Organization = org
	return nil
}

func fillInquiry(ctx context.Context, e *Engine, st *domain.ConversationState, input string) error {
	inquiry := freeText(input)
	if inquiry == "" {
		return apperr.Validation(string(domain.StepInquiry), "required", "Could you tell me a little about what you'd like to discuss?")
	}
	st.Slots.Inquiry = inquiry
	return nil
}

func fillStartTime(ctx context.Context, e *Engine, st *domain.ConversationState, input string) error {
	start, err := e.times.ParseTime(input, e.validator.Now(), e.validator.Location())
	switch {
	case errors.Is(err, ErrNoTime):
		return apperr.Validation(scheduling.FieldStartTime, "missing_time",
			"What time of day works for you? For example \"10am\" or \"2:30 pm\".")
	case errors.Is(err, ErrPastTime):
		return apperr.Validation(scheduling.FieldStartTime, scheduling.ViolationPastTime,
			"That time has already passed. Please pick a time in the future.")
	case err != nil:
		return apperr.Validation(scheduling.FieldStartTime, "unparseable",
			"Sorry, I couldn't understand that date. Try something like \"tomorrow at 10am\" or \"next Monday 2pm\".")
	}

	if err := e.validator.ValidateStart(start); err != nil {
		return err
	}
	if st.Slots.Duration > 0 {
		if err := e.bookings.Check(ctx, start, st.Slots.Duration); err != nil {
			return err
		}
	}
	st.Slots.StartTime = &start
	return nil
}

func fillDuration(ctx context.Context, e *Engine, st *domain.ConversationState, input string) error {
	d, err := e.durations.ParseDuration(input)
	if err != nil {
		return apperr.Validation(scheduling.FieldDuration, "unparseable",
			fmt.Sprintf("Sorry, I didn't get the length. Choose %s.", scheduling.FormatDurations(e.validator.AllowedDurations())))
	}
	if err := e.validator.ValidateDuration(d); err != nil {
		return err
	}

	st.Slots.Duration = d
	if st.Slots.StartTime == nil {
		return nil
	}
	if err := e.bookings.Check(ctx, *st.Slots.StartTime, d); err != nil {
		// The time no longer fits; keep the length and ask for a new time
		if appErr, ok := apperr.As(err); ok && appErr.Field == scheduling.FieldStartTime {
			st.Slots.StartTime = nil
		}
		return err
	}
	return nil
}

func freeText(input string) string {
	s := strings.Join(strings.Fields(input), " ")
	s = strings.Trim(s, " .!")
	if len(s) > maxFieldLength {
		s = s[:maxFieldLength]
	}
	return s
}

func firstName(name string) string {
	if fields := strings.Fields(name); len(fields) > 0 {
		return fields[0]
	}
	return name
}

// recap renders the collected fields for the confirmation step.
func recap(st *domain.ConversationState, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Here's what I have:\n")
	fmt.Fprintf(&b, "- Name: %s\n", st.Slots.Name)
	fmt.Fprintf(&b, "- Email: %s\n", st.Slots.Email)
	fmt.Fprintf(&b, "- Organization: %s\n", st.Slots.Organization)
	fmt.Fprintf(&b, "- Topic: %s\n", st.Slots.Inquiry)
	if st.Slots.StartTime != nil {
		fmt.Fprintf(&b, "- When: %s\n", formatWhen(*st.Slots.StartTime, loc))
	}
	fmt.Fprintf(&b, "- Duration: %d minutes\n", int(st.Slots.Duration.Minutes()))
	b.WriteString("Shall I book it? (yes/no)")
	return b.String()
}

func formatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Monday, January 2 at 3:04 PM MST")
}
