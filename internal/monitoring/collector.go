package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of lead-run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsActive    int     `json:"runs_active"`
	RunFailRate   float64 `json:"run_fail_rate"`

	LeadsAdmitted     int `json:"leads_admitted"`
	EmailsSent        int `json:"emails_sent"`
	MeetingsScheduled int `json:"meetings_scheduled"`
	Replayed          int `json:"replayed"`

	// Retry queue depth, all runs.
	RetryDepth        int `json:"retry_depth"`
	RetryPermanent    int `json:"retry_permanent"`
	RetryOutOfRetries int `json:"retry_out_of_retries"`

	OpenAlerts []model.Alert `json:"open_alerts,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the part of the run repository the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, orgID string, limit int) ([]model.Run, error)
	ListRetries(ctx context.Context, f resilience.DLQFilter, dueOnly bool) ([]resilience.DLQEntry, error)
}

// AlertSource lists unacknowledged failure-streak alerts.
type AlertSource interface {
	OpenAlerts(ctx context.Context) ([]model.Alert, error)
}

// Collector gathers metrics from the run repository and quota alerts.
type Collector struct {
	runs   RunSource
	alerts AlertSource
	now    func() time.Time
}

// NewCollector creates a new metrics collector. alerts may be nil.
func NewCollector(runs RunSource, alerts AlertSource) *Collector {
	return &Collector{runs: runs, alerts: alerts, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, "", 0)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusCancelled:
			snap.RunsCancelled++
		case model.RunStatusQueued, model.RunStatusRunning:
			snap.RunsActive++
		}
		snap.LeadsAdmitted += len(r.LeadDocIDs)
		snap.EmailsSent += r.Diagnostics.EmailsSent
		snap.MeetingsScheduled += r.Diagnostics.MeetingsScheduled
		snap.Replayed += r.Diagnostics.Replayed
	}
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	retries, err := c.runs.ListRetries(ctx, resilience.DLQFilter{}, false)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list retries")
	}
	snap.RetryDepth = len(retries)
	for i := range retries {
		switch {
		case retries[i].ErrorType == resilience.ErrorTypePermanent:
			snap.RetryPermanent++
		case !retries[i].CanRetry():
			snap.RetryOutOfRetries++
		}
	}

	if c.alerts != nil {
		open, err := c.alerts.OpenAlerts(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list alerts")
		}
		snap.OpenAlerts = open
	}

	return snap, nil
}
