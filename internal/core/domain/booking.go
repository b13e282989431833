package domain

import (
	"encoding/json"
	"time"
)

// Booking is a scheduled appointment.
type Booking struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	Organization string        `json:"organization"`
	Inquiry      string        `json:"inquiry"`
	Start        time.Time     `json:"start"`
	Duration     time.Duration `json:"-"`
	Status       BookingStatus `json:"status"`
	Source       BookingSource `json:"source"`
	SessionID    string        `json:"session_id,omitempty"`

	CalendarEventID string `json:"calendar_event_id,omitempty"`
	MeetingLink     string `json:"meeting_link,omitempty"`
	CRMContactID    string `json:"crm_contact_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalJSON renders the duration in whole minutes.
func (b Booking) MarshalJSON() ([]byte, error) {
	type plain Booking
	return json.Marshal(struct {
		plain
		DurationMinutes int `json:"duration_minutes"`
	}{plain(b), int(b.Duration / time.Minute)})
}

// End returns the exclusive end of the booking interval.
func (b Booking) End() time.Time {
	return b.Start.Add(b.Duration)
}

// Active reports whether the booking still occupies its slot.
func (b Booking) Active() bool {
	return b.Status != BookingStatusCancelled
}

// Overlaps reports whether [start, start+d) intersects the booking.
func (b Booking) Overlaps(start time.Time, d time.Duration) bool {
	return start.Before(b.End()) && start.Add(d).After(b.Start)
}

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Valid reports whether s is one of the enumerated statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCancelled:
		return true
	}
	return false
}

type BookingSource string

const (
	BookingSourceConversation BookingSource = "conversation"
	BookingSourceDirect       BookingSource = "direct"
)

// BookingRequest carries the fields needed to create a booking.
type BookingRequest struct {
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	Organization string        `json:"organization"`
	Inquiry      string        `json:"inquiry"`
	Start        time.Time     `json:"start"`
	Duration     time.Duration `json:"duration"`
	Source       BookingSource `json:"source"`
	SessionID    string        `json:"session_id,omitempty"`
}

// Slot is a bookable interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
