package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/config"
	"github.com/sells-group/leadrun/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertRetryBacklog   AlertType = "retry_backlog"
	AlertFailureStreak  AlertType = "failure_streak"
	AlertEscalated      AlertType = "alert_escalated"
)

// Alert represents a single notification to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	mu       sync.Mutex
	notified map[string]bool // failure-streak alert ids already sent
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		notified: make(map[string]bool),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A failure-streak alert is reported once per Alerter.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.RunsCompleted + snap.RunsFailed
	if finished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.RetryBacklogThreshold > 0 && snap.RetryDepth >= a.cfg.RetryBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRetryBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d lead stages queued for retry (threshold %d, %d permanent)",
				snap.RetryDepth, a.cfg.RetryBacklogThreshold, snap.RetryPermanent,
			),
			Details: map[string]any{
				"depth":          snap.RetryDepth,
				"permanent":      snap.RetryPermanent,
				"out_of_retries": snap.RetryOutOfRetries,
			},
			Timestamp: now,
		})
	}

	a.mu.Lock()
	for _, qa := range snap.OpenAlerts {
		if a.notified[qa.ID] {
			continue
		}
		a.notified[qa.ID] = true
		alerts = append(alerts, Alert{
			Type:     AlertFailureStreak,
			Severity: "high",
			Message: fmt.Sprintf("Org %s has %d consecutive failed runs (last run %s)",
				qa.OrgID, qa.FailureStreak, qa.RunID),
			Details: map[string]any{
				"alert_id":       qa.ID,
				"org_id":         qa.OrgID,
				"run_id":         qa.RunID,
				"failure_streak": qa.FailureStreak,
				"reason":         qa.Reason,
			},
			Timestamp: now,
		})
	}
	a.mu.Unlock()

	return alerts
}

// EscalationAlerts converts escalated quota alerts into critical
// notifications.
func EscalationAlerts(escalated []model.Alert) []Alert {
	out := make([]Alert, 0, len(escalated))
	for _, qa := range escalated {
		ts := qa.CreatedAt
		if qa.EscalatedAt != nil {
			ts = *qa.EscalatedAt
		}
		out = append(out, Alert{
			Type:     AlertEscalated,
			Severity: "critical",
			Message: fmt.Sprintf("Escalated lead run alert for org %s: run %s still unacknowledged after %d consecutive failures",
				qa.OrgID, qa.RunID, qa.FailureStreak),
			Details: map[string]any{
				"alert_id":          qa.ID,
				"org_id":            qa.OrgID,
				"run_id":            qa.RunID,
				"failure_streak":    qa.FailureStreak,
				"reason":            qa.Reason,
				"escalation_status": qa.EscalationStatus,
			},
			Timestamp: ts,
		})
	}
	return out
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
