package actions

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/config"
)

// SlotSearch describes which meeting starts are acceptable: business hours
// on weekdays in one time zone, a few days out.
type SlotSearch struct {
	Location        *time.Location
	LeadTimeDays    int
	AnchorHour      int
	StartHour       int
	EndHour         int
	Duration        time.Duration
	SearchDays      int
	MaxSlots        int
	IncludeWeekends bool
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// SlotSearchFrom builds a SlotSearch from config. Zero values fall back to
// 09:00-17:00, 30 minute slots, a 7 day window and 40 candidates.
func SlotSearchFrom(cfg config.SlotConfig) (SlotSearch, error) {
	loc := time.UTC
	if cfg.TimeZone != "" {
		l, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return SlotSearch{}, eris.Wrapf(err, "actions: load time zone %q", cfg.TimeZone)
		}
		loc = l
	}
	s := SlotSearch{
		Location:     loc,
		LeadTimeDays: cfg.LeadTimeDays,
		AnchorHour:   cfg.AnchorHour,
		StartHour:    cfg.StartHour,
		EndHour:      cfg.EndHour,
		Duration:     time.Duration(cfg.DurationMins) * time.Minute,
		SearchDays:   cfg.SearchDays,
		MaxSlots:     cfg.MaxSlots,
	}
	return s.withDefaults(), nil
}

func (s SlotSearch) withDefaults() SlotSearch {
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.EndHour <= s.StartHour {
		s.StartHour, s.EndHour = 9, 17
	}
	if s.Duration <= 0 {
		s.Duration = 30 * time.Minute
	}
	if s.SearchDays <= 0 {
		s.SearchDays = 7
	}
	if s.MaxSlots <= 0 {
		s.MaxSlots = 40
	}
	if s.LeadTimeDays < 0 {
		s.LeadTimeDays = 0
	}
	return s
}

func isWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

// Candidates returns meeting starts in order of preference: from the anchor
// hour LeadTimeDays after now (moved past a weekend), then every slot of
// the following business days.
func (s SlotSearch) Candidates(now time.Time) []time.Time {
	s = s.withDefaults()
	local := now.In(s.Location)
	anchor := time.Date(local.Year(), local.Month(), local.Day()+s.LeadTimeDays, s.AnchorHour, 0, 0, 0, s.Location)
	for !s.IncludeWeekends && isWeekend(anchor) {
		anchor = time.Date(anchor.Year(), anchor.Month(), anchor.Day()+1, s.AnchorHour, 0, 0, 0, s.Location)
	}
	if !anchor.After(now) {
		anchor = now
	}
	return s.From(anchor)
}

// From returns slot starts at or after start within the search window.
func (s SlotSearch) From(start time.Time) []time.Time {
	s = s.withDefaults()
	first := start.In(s.Location)
	var out []time.Time
	for offset := 0; offset <= s.SearchDays && len(out) < s.MaxSlots; offset++ {
		day := time.Date(first.Year(), first.Month(), first.Day()+offset, 0, 0, 0, 0, s.Location)
		if !s.IncludeWeekends && isWeekend(day) {
			continue
		}
		slot := time.Date(day.Year(), day.Month(), day.Day(), s.StartHour, 0, 0, 0, s.Location)
		last := time.Date(day.Year(), day.Month(), day.Day(), s.EndHour, 0, 0, 0, s.Location).Add(-s.Duration)
		for slot.Before(first) {
			slot = slot.Add(s.Duration)
		}
		for ; !slot.After(last) && len(out) < s.MaxSlots; slot = slot.Add(s.Duration) {
			out = append(out, slot)
		}
	}
	return out
}

// NextSlot returns the preferred meeting slot after now.
func (s SlotSearch) NextSlot(now time.Time) (Slot, bool) {
	s = s.withDefaults()
	c := s.Candidates(now)
	if len(c) == 0 {
		return Slot{}, false
	}
	return Slot{Start: c[0], End: c[0].Add(s.Duration), TimeZone: s.Location.String()}, true
}

// FirstFree returns the first candidate start whose slot of length d does
// not overlap any busy interval.
func FirstFree(candidates []time.Time, d time.Duration, busy []Interval) (time.Time, bool) {
	for _, start := range candidates {
		end := start.Add(d)
		free := true
		for _, b := range busy {
			if start.Before(b.End) && end.After(b.Start) {
				free = false
				break
			}
		}
		if free {
			return start, true
		}
	}
	return time.Time{}, false
}
