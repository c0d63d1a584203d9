package model

import "time"

// QuotaCounter is the per-organization admission state for the current period.
type QuotaCounter struct {
	OrgID          string    `json:"org_id"`
	PeriodStart    time.Time `json:"period_start"`
	Used           int       `json:"used"`
	Limit          int       `json:"limit"`
	RunsUsed       int       `json:"runs_used"`
	MaxRuns        int       `json:"max_runs"`
	ActiveRunIDs   []string  `json:"active_run_ids"`
	FailureStreak  int       `json:"failure_streak"`
	SucceededRuns  int       `json:"succeeded_runs"`
	FailedRuns     int       `json:"failed_runs"`
	LastFailure    string    `json:"last_failure,omitempty"`
	LastAlertRunID string    `json:"last_alert_run_id,omitempty"`
}

// Remaining returns the units still available in the current period.
func (q QuotaCounter) Remaining() int {
	if r := q.Limit - q.Used; r > 0 {
		return r
	}
	return 0
}

// QuotaSummary is a read-only view of an organization's quota state.
type QuotaSummary struct {
	OrgID              string    `json:"org_id"`
	PeriodStart        time.Time `json:"period_start"`
	Used               int       `json:"used"`
	Limit              int       `json:"limit"`
	Remaining          int       `json:"remaining"`
	UtilizationPct     int       `json:"utilization_pct"`
	ActiveRuns         int       `json:"active_runs"`
	MaxActiveRuns      int       `json:"max_active_runs"`
	RunsUsed           int       `json:"runs_used"`
	MaxRuns            int       `json:"max_runs"`
	RunsRemaining      int       `json:"runs_remaining"`
	RunsUtilizationPct int       `json:"runs_utilization_pct"`
	FailureStreak      int       `json:"failure_streak"`
}

// Alert is raised when an organization's consecutive run failures reach the
// configured threshold.
type Alert struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	RunID          string     `json:"run_id"`
	FailureStreak  int        `json:"failure_streak"`
	Reason         string     `json:"reason,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	// Set once an alert stayed open past the escalation delay.
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
	EscalationStatus string     `json:"escalation_status,omitempty"`
}
