package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sells-group/leadrun/internal/model"
)

// Simulated performs no side effects. Ids are derived from the lead and the
// idempotency key so repeated dry runs produce the same receipts.
type Simulated struct {
	// FollowupDuration is the length of simulated follow-up events.
	FollowupDuration time.Duration
}

var (
	_ Outreach  = Simulated{}
	_ Followups = Simulated{}
	_ Meetings  = Simulated{}
)

func simID(prefix string, lead model.LeadCandidate, key string) string {
	sum := sha256.Sum256([]byte(prefix + ":" + model.LeadDocID(lead.Source, lead.ID) + ":" + key))
	return prefix + "_" + hex.EncodeToString(sum[:8])
}

// SendOutreach returns a simulated message id.
func (Simulated) SendOutreach(ctx context.Context, lead model.LeadCandidate, _ Content) (OutreachReceipt, error) {
	id := simID("msg", lead, IdempotencyKey(ctx))
	return OutreachReceipt{ID: id, ThreadID: id}, nil
}

// ScheduleFollowup returns a simulated event at when.
func (s Simulated) ScheduleFollowup(ctx context.Context, lead model.LeadCandidate, when time.Time) (EventReceipt, error) {
	d := s.FollowupDuration
	if d <= 0 {
		d = 15 * time.Minute
	}
	return EventReceipt{EventID: simID("evt", lead, IdempotencyKey(ctx)), Start: when, End: when.Add(d)}, nil
}

// BookMeeting returns a simulated event for the requested slot.
func (Simulated) BookMeeting(ctx context.Context, lead model.LeadCandidate, slot Slot) (EventReceipt, error) {
	return EventReceipt{EventID: simID("mtg", lead, IdempotencyKey(ctx)), Start: slot.Start, End: slot.End}, nil
}

// SimulatedSet returns a Set that performs no side effects.
func SimulatedSet() Set {
	s := Simulated{}
	return Set{Outreach: s, Followups: s, Meetings: s}
}
