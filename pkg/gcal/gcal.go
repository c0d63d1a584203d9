// Package gcal wraps the Google Calendar API for follow-up reminders and
// meeting bookings.
package gcal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Event is an event to create.
type Event struct {
	// ID, when set, is used as the calendar event id. Ids are restricted to
	// base32hex characters (0-9, a-v), 5 to 1024 long; lowercase hex works.
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Attendees   []string
	// Meet requests a Google Meet link for the event.
	Meet bool
}

// Created describes an inserted event.
type Created struct {
	ID       string
	HTMLLink string
	MeetLink string
	Start    time.Time
	End      time.Time
	// Existing is set when the event id was already taken and the stored
	// event was returned instead.
	Existing bool
}

// Busy is an interval during which the calendar is occupied.
type Busy struct {
	Start time.Time
	End   time.Time
}

// Calendar is the subset of the Calendar API used for lead actions.
type Calendar interface {
	Insert(ctx context.Context, e Event) (Created, error)
	Busy(ctx context.Context, from, to time.Time) ([]Busy, error)
}

// Service implements Calendar against one calendar.
type Service struct {
	svc        *calendar.Service
	calendarID string
}

// New creates a Service authenticated with a static OAuth access token.
// Extra client options (endpoint, HTTP client) are appended.
func New(ctx context.Context, accessToken, calendarID string, opts ...option.ClientOption) (*Service, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "gcal: new service")
	}
	return &Service{svc: svc, calendarID: calendarID}, nil
}

// Insert creates e. If e.ID is already taken, the stored event is returned
// with Existing set.
func (s *Service) Insert(ctx context.Context, e Event) (Created, error) {
	ev := &calendar.Event{
		Id:          e.ID,
		Summary:     e.Summary,
		Description: e.Description,
		Start:       &calendar.EventDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: e.TimeZone},
		End:         &calendar.EventDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: e.TimeZone},
	}
	for _, a := range e.Attendees {
		if a != "" {
			ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: a})
		}
	}
	call := s.svc.Events.Insert(s.calendarID, ev).Context(ctx)
	if e.Meet {
		reqID := e.ID
		if reqID == "" {
			reqID = e.Start.UTC().Format("20060102T150405") + "-" + e.Summary
		}
		ev.ConferenceData = &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             reqID,
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
		call = call.ConferenceDataVersion(1)
	}
	if len(ev.Attendees) > 0 {
		call = call.SendUpdates("all")
	}

	out, err := call.Do()
	if err != nil {
		if e.ID != "" && isStatus(err, http.StatusConflict) {
			existing, getErr := s.svc.Events.Get(s.calendarID, e.ID).Context(ctx).Do()
			if getErr != nil {
				return Created{}, eris.Wrapf(getErr, "gcal: get existing event %s", e.ID)
			}
			c, convErr := fromEvent(existing)
			c.Existing = true
			return c, convErr
		}
		return Created{}, eris.Wrap(err, "gcal: insert event")
	}
	return fromEvent(out)
}

// Busy returns the busy intervals of the calendar between from and to.
func (s *Service) Busy(ctx context.Context, from, to time.Time) ([]Busy, error) {
	resp, err := s.svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: s.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, eris.Wrap(err, "gcal: freebusy")
	}
	cal, ok := resp.Calendars[s.calendarID]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		return nil, eris.Errorf("gcal: freebusy %s: %s", s.calendarID, cal.Errors[0].Reason)
	}
	out := make([]Busy, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, eris.Wrap(err, "gcal: parse busy start")
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, eris.Wrap(err, "gcal: parse busy end")
		}
		out = append(out, Busy{Start: start, End: end})
	}
	return out, nil
}

func fromEvent(ev *calendar.Event) (Created, error) {
	c := Created{ID: ev.Id, HTMLLink: ev.HtmlLink, MeetLink: ev.HangoutLink}
	if ev.Start != nil && ev.Start.DateTime != "" {
		t, err := time.Parse(time.RFC3339, ev.Start.DateTime)
		if err != nil {
			return c, eris.Wrap(err, "gcal: parse event start")
		}
		c.Start = t
	}
	if ev.End != nil && ev.End.DateTime != "" {
		t, err := time.Parse(time.RFC3339, ev.End.DateTime)
		if err != nil {
			return c, eris.Wrap(err, "gcal: parse event end")
		}
		c.End = t
	}
	return c, nil
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// StatusCode returns the HTTP status of a Calendar API error, or 0.
func StatusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsRetryable reports whether err is a rate limit or server-side failure.
func IsRetryable(err error) bool {
	switch StatusCode(err) {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
