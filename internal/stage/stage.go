// Package stage tracks a lead's progress through the fixed pipeline stages.
//
// The tracker is a projection, not a constraint checker: Update accepts any
// status for any known stage, so replayed or out-of-order updates compose.
// Ordering is enforced by the orchestrator through Ready.
package stage

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/sells-group/leadrun/internal/model"
)

// Stage is a named step in the pipeline.
type Stage string

const (
	Source   Stage = "source"
	Enrich   Stage = "enrich"
	Score    Stage = "score"
	Outreach Stage = "outreach"
	Followup Stage = "followup"
	Booking  Stage = "booking"
	// Complete is the pseudo-stage reported once every stage is terminal.
	Complete Stage = "complete"
)

var order = []Stage{Source, Enrich, Score, Outreach, Followup, Booking}

// Stages returns the tracked stages in pipeline order.
func Stages() []Stage {
	out := make([]Stage, len(order))
	copy(out, order)
	return out
}

// Valid reports whether s is a tracked stage. Complete is not tracked.
func (s Stage) Valid() bool {
	for _, o := range order {
		if s == o {
			return true
		}
	}
	return false
}

// Next returns the stage after s, or Complete for the last stage.
func Next(s Stage) Stage {
	for i, o := range order {
		if o == s && i+1 < len(order) {
			return order[i+1]
		}
	}
	return Complete
}

// Status is a stage's state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusComplete, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s lets the pipeline move past the stage.
// Failed is not terminal: it holds the current stage until retried.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusSkipped
}

// Entry is one stage's recorded state.
type Entry struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Detail    string    `json:"detail,omitempty"`
}

// Progress is a lead's stage map plus its derived current stage.
type Progress struct {
	Stages  map[Stage]Entry `json:"stages"`
	Current Stage           `json:"current_stage"`
}

// Options configures BuildInitial.
type Options struct {
	IncludeEnrichment bool
	Now               time.Time
}

// Details recorded on the enrich stage at build time.
const (
	DetailEnrichmentEnabled  = "enrichment_enabled"
	DetailEnrichmentDisabled = "enrichment_disabled"
)

// DetailSupersededByBooking marks a follow-up skipped because a meeting was
// booked before it ran.
const DetailSupersededByBooking = "superseded_by_booking"

// BuildInitial returns the progress of a freshly created lead run. Source
// and score are already satisfied; enrich is complete or skipped depending
// on opts; the action stages are pending.
func BuildInitial(opts Options) Progress {
	enrich := Entry{Status: StatusComplete, UpdatedAt: opts.Now, Detail: DetailEnrichmentEnabled}
	if !opts.IncludeEnrichment {
		enrich = Entry{Status: StatusSkipped, UpdatedAt: opts.Now, Detail: DetailEnrichmentDisabled}
	}
	p := Progress{Stages: map[Stage]Entry{
		Source:   {Status: StatusComplete, UpdatedAt: opts.Now},
		Enrich:   enrich,
		Score:    {Status: StatusComplete, UpdatedAt: opts.Now},
		Outreach: {Status: StatusPending, UpdatedAt: opts.Now},
		Followup: {Status: StatusPending, UpdatedAt: opts.Now},
		Booking:  {Status: StatusPending, UpdatedAt: opts.Now},
	}}
	p.Current = CurrentStage(p)
	return p
}

// Update returns a copy of p with stage s set to status. The input is not
// modified. Unknown stages or statuses are a ValidationError.
//
// Completing Booking skips a follow-up that is still pending: a booked
// meeting makes it moot. A failed follow-up is left as is.
func Update(p Progress, s Stage, status Status, detail string, at time.Time) (Progress, error) {
	if !s.Valid() {
		return p, model.NewValidationError("stage", "unknown stage %q", s)
	}
	if !status.Valid() {
		return p, model.NewValidationError("status", "unknown status %q", status)
	}
	next := Progress{Stages: make(map[Stage]Entry, len(order))}
	maps.Copy(next.Stages, p.Stages)
	next.Stages[s] = Entry{Status: status, UpdatedAt: at, Detail: detail}
	if s == Booking && status == StatusComplete && next.Status(Followup) == StatusPending {
		next.Stages[Followup] = Entry{Status: StatusSkipped, UpdatedAt: at, Detail: DetailSupersededByBooking}
	}
	next.Current = CurrentStage(next)
	return next, nil
}

// CurrentStage returns the first stage that is not complete or skipped, or
// Complete when every stage is. A missing entry counts as pending.
func CurrentStage(p Progress) Stage {
	for _, s := range order {
		if !p.Stages[s].Status.Terminal() {
			return s
		}
	}
	return Complete
}

// IsComplete reports whether every stage is complete or skipped.
func IsComplete(p Progress) bool {
	return CurrentStage(p) == Complete
}

// Status returns the recorded status of s, pending if absent.
func (p Progress) Status(s Stage) Status {
	if e, ok := p.Stages[s]; ok && e.Status != "" {
		return e.Status
	}
	return StatusPending
}

// Ready reports whether every stage before s is complete or skipped.
func Ready(p Progress, s Stage) bool {
	for _, o := range order {
		if o == s {
			return true
		}
		if !p.Stages[o].Status.Terminal() {
			return false
		}
	}
	return false
}

// Failed returns the stages currently marked failed, in pipeline order.
func Failed(p Progress) []Stage {
	var out []Stage
	for _, s := range order {
		if p.Stages[s].Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

type progressJSON Progress

// MarshalJSON writes the recomputed current stage.
func (p Progress) MarshalJSON() ([]byte, error) {
	p.Current = CurrentStage(p)
	return json.Marshal(progressJSON(p))
}

// UnmarshalJSON ignores the stored current stage and recomputes it.
func (p *Progress) UnmarshalJSON(b []byte) error {
	var raw progressJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Progress(raw)
	if p.Stages == nil {
		p.Stages = map[Stage]Entry{}
	}
	p.Current = CurrentStage(*p)
	return nil
}
