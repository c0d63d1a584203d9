package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/pkg/gcal"
)

// CalendarActions schedules follow-ups and books meetings on a Google
// Calendar.
type CalendarActions struct {
	cal              gcal.Calendar
	search           SlotSearch
	followupDuration time.Duration
}

// NewCalendarActions creates CalendarActions.
func NewCalendarActions(cal gcal.Calendar, search SlotSearch) *CalendarActions {
	return &CalendarActions{cal: cal, search: search.withDefaults(), followupDuration: 15 * time.Minute}
}

// eventID derives a calendar event id from the stage's idempotency key, so
// a retried insert after a lost response finds the event instead of
// creating a second one. Empty when no key is attached.
func eventID(ctx context.Context, kind string) string {
	key := IdempotencyKey(ctx)
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(kind + ":" + key))
	return hex.EncodeToString(sum[:16])
}

func classifyCalendar(err error) error {
	if gcal.IsRetryable(err) {
		return resilience.NewTransientError(err, gcal.StatusCode(err))
	}
	return err
}

func companyOr(lead model.LeadCandidate, fallback string) string {
	if lead.CompanyName != "" {
		return lead.CompanyName
	}
	return fallback
}

// ScheduleFollowup creates a reminder event at when.
func (c *CalendarActions) ScheduleFollowup(ctx context.Context, lead model.LeadCandidate, when time.Time) (EventReceipt, error) {
	created, err := c.cal.Insert(ctx, gcal.Event{
		ID:          eventID(ctx, "followup"),
		Summary:     "Follow up: " + companyOr(lead, "lead"),
		Description: fmt.Sprintf("Follow up with %s at %s (%s).", lead.FounderName, companyOr(lead, "lead"), lead.Email),
		Start:       when,
		End:         when.Add(c.followupDuration),
		TimeZone:    c.search.Location.String(),
	})
	if err != nil {
		return EventReceipt{}, classifyCalendar(err)
	}
	return EventReceipt{EventID: created.ID, Start: created.Start, End: created.End, HTMLLink: created.HTMLLink}, nil
}

// BookMeeting books the first free slot at or after slot.Start and invites
// the lead. It fails with ErrNoSlot when the whole window is busy.
func (c *CalendarActions) BookMeeting(ctx context.Context, lead model.LeadCandidate, slot Slot) (EventReceipt, error) {
	candidates := c.search.From(slot.Start)
	if len(candidates) == 0 {
		return EventReceipt{}, resilience.Reject(eris.Wrap(ErrNoSlot, "empty search window"))
	}
	d := c.search.Duration

	busy, err := c.cal.Busy(ctx, candidates[0], candidates[len(candidates)-1].Add(d))
	if err != nil {
		return EventReceipt{}, classifyCalendar(err)
	}
	intervals := make([]Interval, len(busy))
	for i, b := range busy {
		intervals[i] = Interval{Start: b.Start, End: b.End}
	}
	start, ok := FirstFree(candidates, d, intervals)
	if !ok {
		return EventReceipt{}, resilience.Reject(eris.Wrapf(ErrNoSlot, "checked %d candidates against %d busy intervals", len(candidates), len(busy)))
	}

	founder := lead.FounderName
	if founder == "" {
		founder = "there"
	}
	var attendees []string
	if lead.Email != "" {
		attendees = []string{lead.Email}
	}
	created, err := c.cal.Insert(ctx, gcal.Event{
		ID:          eventID(ctx, "meeting"),
		Summary:     "Discovery call - " + companyOr(lead, "Lead"),
		Description: fmt.Sprintf("Call with %s from %s", founder, companyOr(lead, "lead")),
		Start:       start,
		End:         start.Add(d),
		TimeZone:    c.search.Location.String(),
		Attendees:   attendees,
		Meet:        true,
	})
	if err != nil {
		return EventReceipt{}, classifyCalendar(err)
	}
	if created.Existing {
		zap.L().Info("actions: meeting already booked", zap.String("event_id", created.ID))
	}
	return EventReceipt{
		EventID:  created.ID,
		Start:    created.Start,
		End:      created.End,
		HTMLLink: created.HTMLLink,
		MeetLink: created.MeetLink,
	}, nil
}
