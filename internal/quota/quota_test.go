package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadrun/internal/config"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newController(t *testing.T, cfg config.QuotaConfig) (*Controller, *store.MemoryStore, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)}
	mem := store.NewMemory(store.WithClock(clk.Now))
	return New(mem, cfg), mem, clk
}

func counter(t *testing.T, s store.Store, orgID string) model.QuotaCounter {
	t.Helper()
	doc, err := s.Get(context.Background(), store.CollectionQuotas, orgID)
	require.NoError(t, err)
	var q model.QuotaCounter
	require.NoError(t, doc.Decode(&q))
	return q
}

func TestCheckAndConsume_AllowsUntilLimit(t *testing.T) {
	c, mem, _ := newController(t, config.QuotaConfig{Limit: 5, PeriodHours: 24})
	ctx := context.Background()

	d, err := c.CheckAndConsume(ctx, "acme", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), d.PeriodStart)

	d, err = c.CheckAndConsume(ctx, "acme", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, 3, counter(t, mem, "acme").Used, "denied call must not mutate used")

	d, err = c.CheckAndConsume(ctx, "acme", 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 5, counter(t, mem, "acme").Used)
}

func TestCheckAndConsume_ResetsOnNewPeriod(t *testing.T) {
	c, mem, clk := newController(t, config.QuotaConfig{Limit: 2, PeriodHours: 24})
	ctx := context.Background()

	_, err := c.CheckAndConsume(ctx, "acme", 2)
	require.NoError(t, err)
	d, err := c.CheckAndConsume(ctx, "acme", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clk.Advance(15 * time.Hour)
	d, err = c.CheckAndConsume(ctx, "acme", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Used)
	q := counter(t, mem, "acme")
	assert.Equal(t, time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC), q.PeriodStart)
}

func TestCheckAndConsume_NeverExceedsLimitUnderConcurrency(t *testing.T) {
	c, mem, _ := newController(t, config.QuotaConfig{Limit: 10, PeriodHours: 24})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.CheckAndConsume(ctx, "acme", 1)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, 10, counter(t, mem, "acme").Used)
}

func TestCheckAndConsume_RejectsNegativeCost(t *testing.T) {
	c, _, _ := newController(t, config.QuotaConfig{Limit: 1})
	_, err := c.CheckAndConsume(context.Background(), "acme", -1)
	var ve *model.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestAdmit_ReturnsQuotaExceededError(t *testing.T) {
	c, _, _ := newController(t, config.QuotaConfig{Limit: 1})
	ctx := context.Background()

	_, err := c.Admit(ctx, "acme", 1)
	require.NoError(t, err)

	d, err := c.Admit(ctx, "acme", 1)
	require.Error(t, err)
	assert.False(t, d.Allowed)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 0, qe.Remaining)
	assert.Equal(t, 1, qe.Limit)
	assert.Equal(t, ReasonPeriodLimit, qe.Reason)
	assert.True(t, IsExceeded(err))
}

func TestAdmit_ChargesOneRunWithTheUnits(t *testing.T) {
	c, mem, clk := newController(t, config.QuotaConfig{Limit: 100, PeriodHours: 24, MaxRuns: 2})
	ctx := context.Background()

	d, err := c.Admit(ctx, "acme", 4)
	require.NoError(t, err)
	assert.Equal(t, 1, d.RunsUsed)
	_, err = c.Admit(ctx, "acme", 4)
	require.NoError(t, err)

	d, err = c.Admit(ctx, "acme", 1)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, ReasonRunLimit, qe.Reason)
	assert.Equal(t, 2, qe.Limit)
	assert.Equal(t, 0, qe.Remaining)
	assert.Contains(t, err.Error(), "run limit")
	assert.False(t, d.Allowed)

	q := counter(t, mem, "acme")
	assert.Equal(t, 8, q.Used, "a run denied by the run limit consumes no units")
	assert.Equal(t, 2, q.RunsUsed)

	d, err = c.CheckAndConsume(ctx, "acme", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "unit checks do not count runs")
	assert.Equal(t, 2, counter(t, mem, "acme").RunsUsed)

	clk.Advance(24 * time.Hour)
	d, err = c.Admit(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, d.RunsUsed)
}

func TestAdmit_UnitDenialChargesNoRun(t *testing.T) {
	c, mem, _ := newController(t, config.QuotaConfig{Limit: 3, MaxRuns: 10})
	ctx := context.Background()

	_, err := c.Admit(ctx, "acme", 2)
	require.NoError(t, err)
	_, err = c.Admit(ctx, "acme", 2)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, ReasonPeriodLimit, qe.Reason)
	assert.Equal(t, 1, counter(t, mem, "acme").RunsUsed)
}

func TestSlots(t *testing.T) {
	c, mem, _ := newController(t, config.QuotaConfig{Limit: 100, MaxActiveRuns: 2})
	ctx := context.Background()

	n, acquired, err := c.AcquireSlot(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, acquired)

	n, acquired, err = c.AcquireSlot(ctx, "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reacquiring a held slot is idempotent")
	assert.False(t, acquired, "a held slot is not acquired twice")

	_, _, err = c.AcquireSlot(ctx, "acme", "r2")
	require.NoError(t, err)

	_, acquired, err = c.AcquireSlot(ctx, "acme", "r3")
	assert.False(t, acquired)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, ReasonActiveRuns, qe.Reason)

	require.NoError(t, c.ReleaseSlot(ctx, "acme", "r1"))
	require.NoError(t, c.ReleaseSlot(ctx, "acme", "unknown"))
	require.NoError(t, c.ReleaseSlot(ctx, "other-org", "r1"))
	assert.Equal(t, []string{"r2"}, counter(t, mem, "acme").ActiveRunIDs)

	_, _, err = c.AcquireSlot(ctx, "acme", "r3")
	require.NoError(t, err)
}

func TestRecordOutcome_RaisesAlertOncePerRun(t *testing.T) {
	c, _, _ := newController(t, config.QuotaConfig{Limit: 100, FailureAlertThreshold: 2})
	ctx := context.Background()

	out, err := c.RecordOutcome(ctx, "acme", "r1", true, "smtp down")
	require.NoError(t, err)
	assert.Equal(t, 1, out.FailureStreak)
	assert.Nil(t, out.Alert)

	out, err = c.RecordOutcome(ctx, "acme", "r2", true, "smtp down")
	require.NoError(t, err)
	require.NotNil(t, out.Alert)
	assert.Equal(t, "acme_r2", out.Alert.ID)
	assert.Equal(t, 2, out.Alert.FailureStreak)

	out, err = c.RecordOutcome(ctx, "acme", "r2", true, "smtp down")
	require.NoError(t, err)
	assert.Nil(t, out.Alert, "same run must not alert twice")

	out, err = c.RecordOutcome(ctx, "acme", "r3", false, "")
	require.NoError(t, err)
	assert.Equal(t, 0, out.FailureStreak)

	alerts, err := c.ListAlerts(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "r2", alerts[0].RunID)
	assert.False(t, alerts[0].Acknowledged)
}

func TestAcknowledgeAlert(t *testing.T) {
	c, _, _ := newController(t, config.QuotaConfig{Limit: 100, FailureAlertThreshold: 1})
	ctx := context.Background()

	out, err := c.RecordOutcome(ctx, "acme", "r1", true, "")
	require.NoError(t, err)
	require.NotNil(t, out.Alert)

	assert.ErrorIs(t, c.AcknowledgeAlert(ctx, "other", out.Alert.ID, "u1"), ErrAlertNotFound)
	assert.ErrorIs(t, c.AcknowledgeAlert(ctx, "acme", "missing", "u1"), ErrAlertNotFound)
	require.NoError(t, c.AcknowledgeAlert(ctx, "acme", out.Alert.ID, "u1"))

	alerts, err := c.ListAlerts(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)
	assert.Equal(t, "u1", alerts[0].AcknowledgedBy)
	require.NotNil(t, alerts[0].AcknowledgedAt)
	assert.Equal(t, "r1", alerts[0].RunID)
}

func TestEscalateOpenAlerts(t *testing.T) {
	c, _, clk := newController(t, config.QuotaConfig{Limit: 100, FailureAlertThreshold: 1, AlertEscalationMins: 30})
	ctx := context.Background()

	_, err := c.RecordOutcome(ctx, "acme", "r1", true, "smtp down")
	require.NoError(t, err)
	_, err = c.RecordOutcome(ctx, "globex", "g1", true, "calendar down")
	require.NoError(t, err)

	escalated, err := c.EscalateOpenAlerts(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Empty(t, escalated, "fresh alerts wait for the delay")

	clk.Advance(31 * time.Minute)
	_, err = c.RecordOutcome(ctx, "acme", "r2", true, "smtp down")
	require.NoError(t, err)

	escalated, err = c.EscalateOpenAlerts(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, "acme_r1", escalated[0].ID)
	assert.Equal(t, EscalationSent, escalated[0].EscalationStatus)
	require.NotNil(t, escalated[0].EscalatedAt)

	escalated, err = c.EscalateOpenAlerts(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Empty(t, escalated, "an alert escalates once")

	alerts, err := c.ListAlerts(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "r2", alerts[0].RunID)
	assert.Nil(t, alerts[0].EscalatedAt)
	assert.Equal(t, "r1", alerts[1].RunID)
	assert.Equal(t, EscalationSent, alerts[1].EscalationStatus)

	require.NoError(t, c.AcknowledgeAlert(ctx, "acme", "acme_r2", "u1"))
	clk.Advance(time.Hour)

	escalated, err = c.EscalateOpenAlerts(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, escalated, 1, "acknowledged alerts never escalate")
	assert.Equal(t, "globex_g1", escalated[0].ID)
	assert.Equal(t, "globex", escalated[0].OrgID)
}

func TestEscalateOpenAlerts_DisabledWithoutDelay(t *testing.T) {
	c, _, clk := newController(t, config.QuotaConfig{Limit: 100, FailureAlertThreshold: 1})
	ctx := context.Background()

	_, err := c.RecordOutcome(ctx, "acme", "r1", true, "")
	require.NoError(t, err)
	clk.Advance(24 * time.Hour)

	escalated, err := c.EscalateOpenAlerts(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Empty(t, escalated)
}

func TestSummary(t *testing.T) {
	c, _, clk := newController(t, config.QuotaConfig{Limit: 8, PeriodHours: 24, MaxActiveRuns: 3, MaxRuns: 4})
	ctx := context.Background()

	s, err := c.Summary(ctx, "new org!")
	require.NoError(t, err)
	assert.Equal(t, "new_org_", s.OrgID)
	assert.Equal(t, 8, s.Remaining)
	assert.Equal(t, 0, s.UtilizationPct)

	_, err = c.Admit(ctx, "acme", 6)
	require.NoError(t, err)
	_, _, err = c.AcquireSlot(ctx, "acme", "r1")
	require.NoError(t, err)

	s, err = c.Summary(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 6, s.Used)
	assert.Equal(t, 2, s.Remaining)
	assert.Equal(t, 75, s.UtilizationPct)
	assert.Equal(t, 1, s.ActiveRuns)
	assert.Equal(t, 3, s.MaxActiveRuns)
	assert.Equal(t, 1, s.RunsUsed)
	assert.Equal(t, 3, s.RunsRemaining)
	assert.Equal(t, 25, s.RunsUtilizationPct)

	clk.Advance(24 * time.Hour)
	s, err = c.Summary(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Used)
	assert.Equal(t, 8, s.Remaining)
	assert.Equal(t, 4, s.RunsRemaining)
}

func TestSanitizeOrg(t *testing.T) {
	assert.Equal(t, "default", SanitizeOrg(""))
	assert.Equal(t, "acme_co", SanitizeOrg("acme co"))
	assert.Len(t, SanitizeOrg(string(make([]byte, 300))), model.MaxIDLength)
}
