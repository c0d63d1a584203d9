package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/config"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/pipeline"
	"github.com/sells-group/leadrun/internal/resilience"
)

// RetryDrainer resumes due retry-queue entries.
type RetryDrainer interface {
	DrainRetries(ctx context.Context, f resilience.DLQFilter, simulate bool) (pipeline.DrainReport, error)
}

// AlertEscalator escalates quota alerts left open too long.
type AlertEscalator interface {
	EscalateOpenAlerts(ctx context.Context, orgID string, limit int) ([]model.Alert, error)
}

// Checker runs the periodic health pass of `serve`: it drains the retry
// queue when a drainer is set, escalates stale quota alerts, then evaluates
// and sends alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	drainer    RetryDrainer
	drainLimit int
	simulate   bool

	escalator     AlertEscalator
	escalateLimit int
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithRetryDrain makes every tick resume up to limit due retry entries of
// the given mode before metrics are collected.
func WithRetryDrain(d RetryDrainer, limit int, simulate bool) CheckerOption {
	return func(c *Checker) {
		c.drainer = d
		c.drainLimit = limit
		c.simulate = simulate
	}
}

// WithAlertEscalation makes every tick escalate up to limit open quota
// alerts across organizations. Escalations are sent through the alerter.
func WithAlertEscalation(e AlertEscalator, limit int) CheckerOption {
	return func(c *Checker) {
		c.escalator = e
		c.escalateLimit = limit
	}
}

// NewChecker creates a background checker. A nil alerter disables alerts.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
// The first check runs after one interval.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Bool("retry_drain", c.drainer != nil),
		zap.Bool("alert_escalation", c.escalator != nil),
		zap.Bool("alerts", c.alerter != nil && c.cfg.WebhookURL != ""),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	if c.drainer != nil {
		rep, err := c.drainer.DrainRetries(ctx, resilience.DLQFilter{Limit: c.drainLimit}, c.simulate)
		if err != nil {
			log.Error("monitoring: retry drain failed", zap.Error(err))
		} else if rep.Attempted() > 0 {
			log.Info("monitoring: retry queue drained",
				zap.Int("recovered", rep.Recovered),
				zap.Int("failing", rep.Failing),
			)
		}
	}

	var escalations []Alert
	if c.escalator != nil {
		escalated, err := c.escalator.EscalateOpenAlerts(ctx, "", c.escalateLimit)
		if err != nil {
			log.Error("monitoring: alert escalation failed", zap.Error(err))
		}
		for _, a := range escalated {
			log.Warn("monitoring: quota alert escalated",
				zap.String("alert_id", a.ID),
				zap.String("org_id", a.OrgID),
				zap.String("run_id", a.RunID),
			)
		}
		escalations = EscalationAlerts(escalated)
	}

	if c.alerter == nil || c.cfg.WebhookURL == "" {
		return
	}
	if len(escalations) > 0 {
		c.alerter.SendAlerts(ctx, escalations)
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
