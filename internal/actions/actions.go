// Package actions holds the external side effects a lead run performs:
// outreach email, follow-up reminders and meeting bookings.
package actions

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/model"
)

// Service names used for rate limiting and circuit breaking.
const (
	ServiceEmail    = "email"
	ServiceCalendar = "calendar"
)

// ErrNoEmail is returned when outreach is attempted for a lead without an
// email address.
var ErrNoEmail = eris.New("actions: lead has no email address")

// ErrNoSlot is returned when no free meeting slot was found.
var ErrNoSlot = eris.New("actions: no free meeting slot")

// Content is a composed outreach email.
type Content struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// OutreachReceipt identifies a sent email.
type OutreachReceipt struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// EventReceipt identifies a created calendar event.
type EventReceipt struct {
	EventID  string    `json:"event_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	HTMLLink string    `json:"html_link,omitempty"`
	MeetLink string    `json:"meet_link,omitempty"`
}

// Slot is a proposed meeting time.
type Slot struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TimeZone string    `json:"time_zone"`
}

// Outreach sends the first email to a lead.
type Outreach interface {
	SendOutreach(ctx context.Context, lead model.LeadCandidate, c Content) (OutreachReceipt, error)
}

// Followups schedules a follow-up reminder for a lead.
type Followups interface {
	ScheduleFollowup(ctx context.Context, lead model.LeadCandidate, when time.Time) (EventReceipt, error)
}

// Meetings books a meeting with a lead at or after the given slot.
type Meetings interface {
	BookMeeting(ctx context.Context, lead model.LeadCandidate, slot Slot) (EventReceipt, error)
}

// Set bundles the collaborators a run uses.
type Set struct {
	Outreach  Outreach
	Followups Followups
	Meetings  Meetings
}

type keyCtx struct{}

// WithIdempotencyKey attaches the stage's idempotency key to ctx.
// Implementations that can pass a client-side id to the remote system
// derive it from this key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtx{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey, or "".
func IdempotencyKey(ctx context.Context) string {
	k, _ := ctx.Value(keyCtx{}).(string)
	return k
}
