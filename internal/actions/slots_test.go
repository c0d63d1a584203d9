package actions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadrun/internal/config"
)

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	return loc
}

func TestSlotSearchFrom(t *testing.T) {
	s, err := SlotSearchFrom(config.SlotConfig{TimeZone: "America/Chicago", LeadTimeDays: 2, AnchorHour: 14, DurationMins: 30})
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", s.Location.String())
	assert.Equal(t, 9, s.StartHour)
	assert.Equal(t, 17, s.EndHour)
	assert.Equal(t, 30*time.Minute, s.Duration)
	assert.Equal(t, 40, s.MaxSlots)

	_, err = SlotSearchFrom(config.SlotConfig{TimeZone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestCandidates_SkipsWeekendAnchor(t *testing.T) {
	loc := chicago(t)
	s := SlotSearch{Location: loc, LeadTimeDays: 2, AnchorHour: 14, StartHour: 9, EndHour: 17, Duration: 30 * time.Minute}

	// Thursday + 2 days lands on Saturday; the anchor moves to Monday.
	now := time.Date(2026, 10, 22, 9, 0, 0, 0, loc)
	c := s.Candidates(now)
	require.NotEmpty(t, c)
	assert.Equal(t, time.Date(2026, 10, 26, 14, 0, 0, 0, loc), c[0])
	assert.Equal(t, time.Date(2026, 10, 26, 16, 30, 0, 0, loc), c[5], "last start leaves room for the meeting")
	assert.Equal(t, time.Date(2026, 10, 27, 9, 0, 0, 0, loc), c[6])
	for _, ts := range c {
		assert.NotEqual(t, time.Saturday, ts.Weekday())
		assert.NotEqual(t, time.Sunday, ts.Weekday())
	}
}

func TestCandidates_SameDayAfterAnchor(t *testing.T) {
	s := SlotSearch{Location: time.UTC, AnchorHour: 14, StartHour: 9, EndHour: 17, Duration: 30 * time.Minute}

	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC), s.Candidates(now)[0])

	late := time.Date(2026, 10, 19, 16, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC), s.Candidates(late)[0])
}

func TestCandidates_MaxSlots(t *testing.T) {
	s := SlotSearch{Location: time.UTC, AnchorHour: 9, StartHour: 9, EndHour: 17, Duration: time.Hour, MaxSlots: 3}
	c := s.Candidates(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	assert.Len(t, c, 3)
}

func TestCandidates_IncludeWeekends(t *testing.T) {
	s := SlotSearch{Location: time.UTC, AnchorHour: 10, StartHour: 9, EndHour: 17, Duration: time.Hour, IncludeWeekends: true}
	c := s.Candidates(time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Saturday, c[0].Weekday())
}

func TestNextSlot(t *testing.T) {
	s := SlotSearch{Location: time.UTC, AnchorHour: 10, StartHour: 9, EndHour: 17, Duration: 45 * time.Minute}
	slot, ok := s.NextSlot(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC), slot.Start)
	assert.Equal(t, 45*time.Minute, slot.End.Sub(slot.Start))
	assert.Equal(t, "UTC", slot.TimeZone)

	weekend := SlotSearch{Location: time.UTC, StartHour: 9, EndHour: 17, SearchDays: 1}
	assert.Empty(t, weekend.From(time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)), "Saturday and Sunday offer no slots")
}

func TestFirstFree(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 10, 19, h, m, 0, 0, time.UTC) }
	candidates := []time.Time{at(10, 0), at(10, 30), at(11, 0)}

	start, ok := FirstFree(candidates, 30*time.Minute, []Interval{{Start: at(10, 0), End: at(10, 45)}})
	require.True(t, ok)
	assert.Equal(t, at(11, 0), start)

	start, ok = FirstFree(candidates, 30*time.Minute, []Interval{{Start: at(9, 0), End: at(10, 0)}})
	require.True(t, ok)
	assert.Equal(t, at(10, 0), start, "back-to-back is not an overlap")

	_, ok = FirstFree(candidates, 30*time.Minute, []Interval{{Start: at(9, 0), End: at(12, 0)}})
	assert.False(t, ok)

	start, ok = FirstFree(candidates, 30*time.Minute, nil)
	require.True(t, ok)
	assert.Equal(t, at(10, 0), start)
}
