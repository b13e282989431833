package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/domain"
)

// GoogleConfig configures the Google Calendar client.
type GoogleConfig struct {
	CredentialsFile string
	CalendarID      string
	CreateMeetLink  bool
}

// GoogleClient implements Client with the Google Calendar API.
type GoogleClient struct {
	svc        *gcal.Service
	calendarID string
	createMeet bool
}

// NewGoogleClient creates a calendar client. Extra options override the
// credentials file, e.g. in tests.
func NewGoogleClient(ctx context.Context, cfg GoogleConfig, opts ...option.ClientOption) (*GoogleClient, error) {
	if cfg.CredentialsFile != "" {
		opts = append([]option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, opts...)
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleClient{svc: svc, calendarID: calendarID, createMeet: cfg.CreateMeetLink}, nil
}

// EventID derives the calendar event id from a booking id, so replays hit
// the same event.
func EventID(bookingID string) string {
	return strings.ToLower(strings.ReplaceAll(bookingID, "-", ""))
}

// CreateEvent inserts an event for the booking. An event that already
// exists is returned as a success.
func (c *GoogleClient) CreateEvent(ctx context.Context, b *domain.Booking) (Result, error) {
	ev := &gcal.Event{
		Id:          EventID(b.ID),
		Summary:     fmt.Sprintf("Meeting with %s (%s)", b.Name, b.Organization),
		Description: b.Inquiry,
		Start:       &gcal.EventDateTime{DateTime: b.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: b.End().Format(time.RFC3339)},
		Attendees: []*gcal.EventAttendee{
			{Email: b.Email, DisplayName: b.Name},
		},
	}

	call := c.svc.Events.Insert(c.calendarID, ev).Context(ctx).SendUpdates("all")
	if c.createMeet {
		ev.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             b.ID,
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
		call = call.ConferenceDataVersion(1)
	}

	created, err := call.Do()
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusConflict {
			return c.existing(ctx, ev.Id)
		}
		return softFailure(err)
	}

	return toResult(created), nil
}

func (c *GoogleClient) existing(ctx context.Context, eventID string) (Result, error) {
	ev, err := c.svc.Events.Get(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return softFailure(err)
	}
	return toResult(ev), nil
}

// Ping checks that the calendar is reachable with the configured credentials.
func (c *GoogleClient) Ping(ctx context.Context) error {
	_, err := c.svc.Calendars.Get(c.calendarID).Context(ctx).Do()
	return err
}

func toResult(ev *gcal.Event) Result {
	link := ev.HangoutLink
	if link == "" {
		link = ev.HtmlLink
	}
	return Result{Success: true, EventID: ev.Id, MeetingLink: link}
}

// softFailure returns transient errors as errors and everything else as an
// unsuccessful result.
func softFailure(err error) (Result, error) {
	classified := apperr.Classify(err, map[string]any{"dependency": domain.DependencyCalendar})
	if classified.Kind.IsRetryable() {
		return Result{}, err
	}
	return Result{Success: false, Error: classified.Message}, nil
}
