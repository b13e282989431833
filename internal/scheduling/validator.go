// Package scheduling checks booking requests against business hours,
// allowed durations and existing bookings.
package scheduling

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
)

// Violation codes carried by VALIDATION errors.
const (
	ViolationPastTime             = "past_time"
	ViolationDisallowedDuration   = "disallowed_duration"
	ViolationOutsideBusinessDays  = "outside_business_days"
	ViolationOutsideBusinessHours = "outside_business_hours"
	ViolationConflict             = "conflict"
)

// Fields named by VALIDATION errors.
const (
	FieldStartTime = "start_time"
	FieldDuration  = "duration"
)

// Config describes the bookable calendar.
type Config struct {
	Location         *time.Location
	OpenHour         int
	CloseHour        int
	BusinessDays     []time.Weekday
	AllowedDurations []time.Duration
}

// DefaultConfig is Monday to Friday, 9:00 to 17:00 UTC, 15/30/45/60 minutes.
var DefaultConfig = Config{
	Location:     time.UTC,
	OpenHour:     9,
	CloseHour:    17,
	BusinessDays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	AllowedDurations: []time.Duration{
		15 * time.Minute, 30 * time.Minute, 45 * time.Minute, 60 * time.Minute,
	},
}

// Validator is pure apart from its clock.
type Validator struct {
	cfg Config
	now func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithNow injects the clock.
func WithNow(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator.
func NewValidator(cfg Config, opts ...Option) *Validator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	v := &Validator{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Location returns the business timezone.
func (v *Validator) Location() *time.Location {
	return v.cfg.Location
}

// Now returns the current instant in the business timezone.
func (v *Validator) Now() time.Time {
	return v.now().In(v.cfg.Location)
}

// AllowedDurations returns the bookable durations.
func (v *Validator) AllowedDurations() []time.Duration {
	return slices.Clone(v.cfg.AllowedDurations)
}

// Hours describes the business hours, e.g. "9:00-17:00 Monday to Friday".
func (v *Validator) Hours() string {
	days := make([]string, len(v.cfg.BusinessDays))
	for i, d := range v.cfg.BusinessDays {
		days[i] = d.String()
	}
	return fmt.Sprintf("%d:00-%d:00 %s (%s)", v.cfg.OpenHour, v.cfg.CloseHour,
		strings.Join(days, ", "), v.cfg.Location)
}

// ValidateStart checks a start time on its own: future, business day, and
// within business hours.
func (v *Validator) ValidateStart(start time.Time) error {
	if !start.After(v.now()) {
		return apperr.Validation(FieldStartTime, ViolationPastTime, "the start time must be in the future")
	}

	local := start.In(v.cfg.Location)
	if !v.isBusinessDay(local.Weekday()) {
		return apperr.Validation(FieldStartTime, ViolationOutsideBusinessDays,
			fmt.Sprintf("%s is not a business day", local.Weekday()))
	}

	open, close := v.bounds(local)
	if local.Before(open) || !local.Before(close) {
		return apperr.Validation(FieldStartTime, ViolationOutsideBusinessHours,
			fmt.Sprintf("bookings must start between %d:00 and %d:00", v.cfg.OpenHour, v.cfg.CloseHour))
	}
	return nil
}

// ValidateDuration checks d against the allowed set.
func (v *Validator) ValidateDuration(d time.Duration) error {
	if !slices.Contains(v.cfg.AllowedDurations, d) {
		return apperr.Validation(FieldDuration, ViolationDisallowedDuration,
			fmt.Sprintf("duration must be one of %s", FormatDurations(v.cfg.AllowedDurations)))
	}
	return nil
}

// Validate checks a full request. Cancelled bookings in existing are ignored.
func (v *Validator) Validate(start time.Time, d time.Duration, existing []domain.Booking) error {
	if !start.After(v.now()) {
		return apperr.Validation(FieldStartTime, ViolationPastTime, "the start time must be in the future")
	}
	if err := v.ValidateDuration(d); err != nil {
		return err
	}
	if err := v.ValidateStart(start); err != nil {
		return err
	}

	local := start.In(v.cfg.Location)
	_, close := v.bounds(local)
	if local.Add(d).After(close) {
		return apperr.Validation(FieldStartTime, ViolationOutsideBusinessHours,
			fmt.Sprintf("the meeting must end by %d:00", v.cfg.CloseHour))
	}

	if b, ok := findConflict(start, d, existing); ok {
		e := apperr.Validation(FieldStartTime, ViolationConflict,
			"that time overlaps an existing booking")
		e.Context = map[string]any{"conflicting_booking": b.ID}
		return e
	}
	return nil
}

// EnumerateSlots returns ordered, non-overlapping candidate slots of length d
// on the given date, stepping by d from opening time. Past and conflicting
// slots are excluded. Non-business days yield no slots.
func (v *Validator) EnumerateSlots(date time.Time, d time.Duration, existing []domain.Booking) []domain.Slot {
	if d <= 0 {
		return nil
	}

	local := date.In(v.cfg.Location)
	if !v.isBusinessDay(local.Weekday()) {
		return []domain.Slot{}
	}

	now := v.now()
	open, close := v.bounds(local)
	slots := []domain.Slot{}
	for t := open; !t.Add(d).After(close); t = t.Add(d) {
		if !t.After(now) {
			continue
		}
		if _, conflict := findConflict(t, d, existing); conflict {
			continue
		}
		slots = append(slots, domain.Slot{Start: t, End: t.Add(d)})
	}
	return slots
}

func (v *Validator) isBusinessDay(d time.Weekday) bool {
	return slices.Contains(v.cfg.BusinessDays, d)
}

func (v *Validator) bounds(local time.Time) (time.Time, time.Time) {
	y, m, day := local.Date()
	open := time.Date(y, m, day, v.cfg.OpenHour, 0, 0, 0, v.cfg.Location)
	close := time.Date(y, m, day, v.cfg.CloseHour, 0, 0, 0, v.cfg.Location)
	return open, close
}

func findConflict(start time.Time, d time.Duration, existing []domain.Booking) (domain.Booking, bool) {
	for _, b := range existing {
		if b.Active() && b.Overlaps(start, d) {
			return b, true
		}
	}
	return domain.Booking{}, false
}

// FormatDurations renders durations as "15, 30, 45 or 60 minutes".
func FormatDurations(ds []time.Duration) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = fmt.Sprintf("%d", int(d.Minutes()))
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0] + " minutes"
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " or " + parts[len(parts)-1] + " minutes"
	}
}
