package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
)

// mockRuns implements RunSource for testing.
type mockRuns struct {
	runs     []model.Run
	retries  []resilience.DLQEntry
	listErr  error
	retryErr error
}

func (m *mockRuns) ListRuns(_ context.Context, orgID string, _ int) ([]model.Run, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.Run
	for _, r := range m.runs {
		if orgID == "" || r.OrgID == orgID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRuns) ListRetries(_ context.Context, _ resilience.DLQFilter, _ bool) ([]resilience.DLQEntry, error) {
	return m.retries, m.retryErr
}

type mockAlerts struct {
	alerts []model.Alert
	err    error
}

func (m *mockAlerts) OpenAlerts(context.Context) ([]model.Alert, error) {
	return m.alerts, m.err
}

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestCollector(runs RunSource, alerts AlertSource) *Collector {
	c := NewCollector(runs, alerts)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_Empty(t *testing.T) {
	c := newTestCollector(&mockRuns{}, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0.0, snap.RunFailRate)
	assert.Equal(t, 0, snap.RetryDepth)
	assert.Nil(t, snap.OpenAlerts)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_RunMetrics(t *testing.T) {
	runs := &mockRuns{
		runs: []model.Run{
			{ID: "1", Status: model.RunStatusCompleted, LeadDocIDs: []string{"a", "b"}, CreatedAt: fixedNow.Add(-time.Hour),
				Diagnostics: model.RunDiagnostics{EmailsSent: 2, MeetingsScheduled: 1, Replayed: 1}},
			{ID: "2", Status: model.RunStatusCompleted, LeadDocIDs: []string{"c"}, CreatedAt: fixedNow.Add(-2 * time.Hour),
				Diagnostics: model.RunDiagnostics{EmailsSent: 1}},
			{ID: "3", Status: model.RunStatusFailed, CreatedAt: fixedNow.Add(-3 * time.Hour)},
			{ID: "4", Status: model.RunStatusRunning, CreatedAt: fixedNow.Add(-30 * time.Minute)},
			{ID: "5", Status: model.RunStatusCancelled, CreatedAt: fixedNow.Add(-4 * time.Hour)},
			// Outside lookback window.
			{ID: "6", Status: model.RunStatusFailed, CreatedAt: fixedNow.Add(-48 * time.Hour)},
		},
		retries: []resilience.DLQEntry{
			{ID: "r1", ErrorType: resilience.ErrorTypeTransient, RetryCount: 0, MaxRetries: 3},
			{ID: "r2", ErrorType: resilience.ErrorTypePermanent, MaxRetries: 3},
			{ID: "r3", ErrorType: resilience.ErrorTypeTimeout, RetryCount: 3, MaxRetries: 3},
		},
	}

	snap, err := newTestCollector(runs, nil).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsCancelled)
	assert.Equal(t, 1, snap.RunsActive)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 0.001) // 1 failed / 3 finished
	assert.Equal(t, 3, snap.LeadsAdmitted)
	assert.Equal(t, 3, snap.EmailsSent)
	assert.Equal(t, 1, snap.MeetingsScheduled)
	assert.Equal(t, 1, snap.Replayed)
	assert.Equal(t, 3, snap.RetryDepth)
	assert.Equal(t, 1, snap.RetryPermanent)
	assert.Equal(t, 1, snap.RetryOutOfRetries)
}

func TestCollector_OpenAlerts(t *testing.T) {
	alerts := &mockAlerts{alerts: []model.Alert{{ID: "acme_run-9", OrgID: "acme", RunID: "run-9", FailureStreak: 3}}}

	snap, err := newTestCollector(&mockRuns{}, alerts).Collect(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, snap.OpenAlerts, 1)
	assert.Equal(t, "acme", snap.OpenAlerts[0].OrgID)
}

func TestCollector_Errors(t *testing.T) {
	boom := errors.New("store down")

	_, err := newTestCollector(&mockRuns{listErr: boom}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list runs")

	_, err = newTestCollector(&mockRuns{retryErr: boom}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list retries")

	_, err = newTestCollector(&mockRuns{}, &mockAlerts{err: boom}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list alerts")
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	runs := &mockRuns{
		runs: []model.Run{
			{ID: "1", Status: model.RunStatusRunning, CreatedAt: fixedNow.Add(-time.Hour)},
			{ID: "2", Status: model.RunStatusQueued, CreatedAt: fixedNow.Add(-2 * time.Hour)},
		},
	}

	snap, err := newTestCollector(runs, nil).Collect(context.Background(), 24)
	require.NoError(t, err)

	// No finished runs, so failure rate should be 0.
	assert.Equal(t, 0.0, snap.RunFailRate)
	assert.Equal(t, 2, snap.RunsActive)
}
