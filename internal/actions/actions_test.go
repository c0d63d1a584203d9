package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/pkg/gcal"
	"github.com/sells-group/leadrun/pkg/mailer"
)

type fakeSender struct {
	sent []mailer.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, m mailer.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return "id-1@sellsgroup.com", nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestEmailOutreach(t *testing.T) {
	sender := &fakeSender{}
	o := NewEmailOutreach(sender)

	r, err := o.SendOutreach(context.Background(), hvacLead(), Content{Subject: "Hi", Body: "Body"})
	require.NoError(t, err)
	assert.Equal(t, "id-1@sellsgroup.com", r.ID)
	assert.Equal(t, r.ID, r.ThreadID)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "maria@lonestarair.com", sender.sent[0].To)
	assert.Equal(t, "Maria Lopez", sender.sent[0].ToName)

	lead := hvacLead()
	lead.Email = "  "
	_, err = o.SendOutreach(context.Background(), lead, Content{})
	assert.ErrorIs(t, err, ErrNoEmail)
	assert.True(t, resilience.IsRejected(err))
	assert.Equal(t, resilience.ErrorTypePermanent, resilience.ClassifyError(err))
}

func TestEmailOutreach_ErrorClassification(t *testing.T) {
	o := NewEmailOutreach(&fakeSender{err: timeoutErr{}})
	_, err := o.SendOutreach(context.Background(), hvacLead(), Content{})
	var te *resilience.TransientError
	assert.True(t, errors.As(err, &te))

	o = NewEmailOutreach(&fakeSender{err: errors.New("550 mailbox unavailable")})
	_, err = o.SendOutreach(context.Background(), hvacLead(), Content{})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

type fakeCalendar struct {
	busy     []gcal.Busy
	busyErr  error
	err      error
	inserted []gcal.Event
}

func (f *fakeCalendar) Insert(_ context.Context, e gcal.Event) (gcal.Created, error) {
	if f.err != nil {
		return gcal.Created{}, f.err
	}
	f.inserted = append(f.inserted, e)
	c := gcal.Created{ID: e.ID, Start: e.Start, End: e.End, HTMLLink: "https://calendar.google.com/e/" + e.ID}
	if e.Meet {
		c.MeetLink = "https://meet.google.com/abc"
	}
	return c, nil
}

func (f *fakeCalendar) Busy(context.Context, time.Time, time.Time) ([]gcal.Busy, error) {
	return f.busy, f.busyErr
}

func testSearch() SlotSearch {
	return SlotSearch{Location: time.UTC, AnchorHour: 10, StartHour: 9, EndHour: 17, Duration: 30 * time.Minute}
}

func TestCalendarActions_BookMeeting(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 10, 20, h, m, 0, 0, time.UTC) }
	cal := &fakeCalendar{busy: []gcal.Busy{{Start: at(10, 0), End: at(11, 0)}}}
	a := NewCalendarActions(cal, testSearch())

	ctx := WithIdempotencyKey(context.Background(), "run1:googlePlaces-p1:book_meeting")
	r, err := a.BookMeeting(ctx, hvacLead(), Slot{Start: at(10, 0), End: at(10, 30)})
	require.NoError(t, err)
	assert.Equal(t, at(11, 0), r.Start, "first slot after the busy block")
	assert.Equal(t, "https://meet.google.com/abc", r.MeetLink)

	require.Len(t, cal.inserted, 1)
	ev := cal.inserted[0]
	assert.Equal(t, []string{"maria@lonestarair.com"}, ev.Attendees)
	assert.Equal(t, "Discovery call - Lone Star Air", ev.Summary)
	assert.True(t, ev.Meet)
	assert.Len(t, ev.ID, 32)
	assert.Equal(t, eventID(ctx, "meeting"), ev.ID, "event id is stable for the same key")
}

func TestCalendarActions_NoSlot(t *testing.T) {
	start := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{busy: []gcal.Busy{{Start: start.AddDate(0, 0, -1), End: start.AddDate(0, 0, 30)}}}
	a := NewCalendarActions(cal, testSearch())

	_, err := a.BookMeeting(context.Background(), hvacLead(), Slot{Start: start})
	assert.ErrorIs(t, err, ErrNoSlot)
	assert.True(t, resilience.IsRejected(err))
	assert.Empty(t, cal.inserted)
	assert.Equal(t, resilience.ErrorTypePermanent, resilience.ClassifyError(err))
}

func TestCalendarActions_RetryableErrors(t *testing.T) {
	a := NewCalendarActions(&fakeCalendar{busyErr: &googleapi.Error{Code: 503}}, testSearch())
	_, err := a.BookMeeting(context.Background(), hvacLead(), Slot{Start: time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)})
	assert.True(t, resilience.IsTransient(err))

	a = NewCalendarActions(&fakeCalendar{err: &googleapi.Error{Code: 400}}, testSearch())
	_, err = a.ScheduleFollowup(context.Background(), hvacLead(), time.Now())
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestCalendarActions_ScheduleFollowup(t *testing.T) {
	cal := &fakeCalendar{}
	a := NewCalendarActions(cal, testSearch())
	when := time.Date(2026, 10, 23, 15, 0, 0, 0, time.UTC)

	r, err := a.ScheduleFollowup(context.Background(), hvacLead(), when)
	require.NoError(t, err)
	assert.Equal(t, when, r.Start)
	assert.Equal(t, 15*time.Minute, r.End.Sub(r.Start))
	require.Len(t, cal.inserted, 1)
	assert.Empty(t, cal.inserted[0].ID, "no key, no client-side id")
	assert.Empty(t, cal.inserted[0].Attendees)
	assert.Equal(t, "Follow up: Lone Star Air", cal.inserted[0].Summary)
}

func TestSimulated(t *testing.T) {
	ctx := WithIdempotencyKey(context.Background(), "run1:lead:send_outreach")
	set := SimulatedSet()

	a, err := set.Outreach.SendOutreach(ctx, hvacLead(), Content{})
	require.NoError(t, err)
	b, err := set.Outreach.SendOutreach(ctx, hvacLead(), Content{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, a.ID, "msg_")

	other, err := set.Outreach.SendOutreach(WithIdempotencyKey(context.Background(), "run2:lead:send_outreach"), hvacLead(), Content{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)

	when := time.Date(2026, 10, 23, 15, 0, 0, 0, time.UTC)
	f, err := set.Followups.ScheduleFollowup(ctx, hvacLead(), when)
	require.NoError(t, err)
	assert.Equal(t, when, f.Start)

	slot := Slot{Start: when, End: when.Add(30 * time.Minute)}
	m, err := set.Meetings.BookMeeting(ctx, hvacLead(), slot)
	require.NoError(t, err)
	assert.Equal(t, slot.End, m.End)
	assert.Contains(t, m.EventID, "mtg_")
}

func TestIdempotencyKeyContext(t *testing.T) {
	assert.Empty(t, IdempotencyKey(context.Background()))
	assert.Equal(t, "k", IdempotencyKey(WithIdempotencyKey(context.Background(), "k")))
}
