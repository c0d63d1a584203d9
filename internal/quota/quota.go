// Package quota admits pipeline work per organization. Every mutation is a
// compare-and-swap on the organization's counter document, so concurrent
// admissions cannot both pass a nearly exhausted quota.
package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/config"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/store"
)

// Denial reasons.
const (
	ReasonPeriodLimit = "period_limit"
	ReasonRunLimit    = "run_limit"
	ReasonActiveRuns  = "active_runs"
)

// QuotaExceededError reports a denied admission. It is distinct from a
// generic failure: the run was never started.
type QuotaExceededError struct {
	OrgID     string
	Reason    string
	Remaining int
	Limit     int
}

func (e *QuotaExceededError) Error() string {
	switch e.Reason {
	case ReasonActiveRuns:
		return fmt.Sprintf("quota: org %s reached the active run limit (%d)", e.OrgID, e.Limit)
	case ReasonRunLimit:
		return fmt.Sprintf("quota: org %s reached the run limit for this period (%d)", e.OrgID, e.Limit)
	}
	return fmt.Sprintf("quota: org %s exceeded period limit (remaining %d of %d)", e.OrgID, e.Remaining, e.Limit)
}

// IsExceeded reports whether err is a QuotaExceededError.
func IsExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// Decision is the outcome of CheckAndConsume and Admit. Reason is set on a
// denial.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason,omitempty"`
	Remaining   int       `json:"remaining"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	RunsUsed    int       `json:"runs_used"`
	MaxRuns     int       `json:"max_runs"`
	PeriodStart time.Time `json:"period_start"`
}

// Controller is the per-organization admission controller.
type Controller struct {
	store store.Store
	cfg   config.QuotaConfig
}

// New creates a Controller.
func New(s store.Store, cfg config.QuotaConfig) *Controller {
	if cfg.PeriodHours <= 0 {
		cfg.PeriodHours = 24
	}
	return &Controller{store: s, cfg: cfg}
}

// SanitizeOrg normalizes an organization id for use as a document id.
func SanitizeOrg(orgID string) string {
	return model.SanitizeID(orgID, "default")
}

func (c *Controller) windowStart(ctx context.Context) (time.Time, error) {
	now, err := c.store.Now(ctx)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "quota: server time")
	}
	return now.UTC().Truncate(c.cfg.Period()), nil
}

func decodeCounter(doc *store.Document, orgID string) (model.QuotaCounter, error) {
	var q model.QuotaCounter
	if doc != nil {
		if err := doc.Decode(&q); err != nil {
			return q, err
		}
	}
	q.OrgID = orgID
	return q, nil
}

// roll resets the counter when window starts a new period.
func (c *Controller) roll(q *model.QuotaCounter, window time.Time) {
	if q.PeriodStart.Before(window) {
		q.PeriodStart = window
		q.Used = 0
		q.RunsUsed = 0
	}
	q.Limit = c.cfg.Limit
	q.MaxRuns = c.cfg.MaxRuns
}

// CheckAndConsume admits unitCost units of work for orgID if the current
// period has room. A denied call leaves the counter untouched.
func (c *Controller) CheckAndConsume(ctx context.Context, orgID string, unitCost int) (Decision, error) {
	return c.consume(ctx, orgID, unitCost, 0)
}

// Admit charges one run and unitCost lead units against orgID's period in a
// single update, returning a QuotaExceededError when either limit would be
// passed. The run limit is checked first.
func (c *Controller) Admit(ctx context.Context, orgID string, unitCost int) (Decision, error) {
	d, err := c.consume(ctx, orgID, unitCost, 1)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		qe := &QuotaExceededError{
			OrgID:     SanitizeOrg(orgID),
			Reason:    d.Reason,
			Remaining: d.Remaining,
			Limit:     d.Limit,
		}
		if d.Reason == ReasonRunLimit {
			qe.Remaining, qe.Limit = max(0, d.MaxRuns-d.RunsUsed), d.MaxRuns
		}
		return d, qe
	}
	return d, nil
}

func (c *Controller) consume(ctx context.Context, orgID string, unitCost, runs int) (Decision, error) {
	if unitCost < 0 {
		return Decision{}, model.NewValidationError("unit_cost", "must be non-negative, got %d", unitCost)
	}
	orgID = SanitizeOrg(orgID)
	window, err := c.windowStart(ctx)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	_, err = store.Mutate(ctx, c.store, store.CollectionQuotas, orgID, func(cur *store.Document) (any, error) {
		q, err := decodeCounter(cur, orgID)
		if err != nil {
			return nil, err
		}
		c.roll(&q, window)
		d = Decision{
			Used:        q.Used,
			Limit:       q.Limit,
			Remaining:   q.Remaining(),
			RunsUsed:    q.RunsUsed,
			MaxRuns:     q.MaxRuns,
			PeriodStart: q.PeriodStart,
		}
		switch {
		case runs > 0 && q.MaxRuns > 0 && q.RunsUsed+runs > q.MaxRuns:
			d.Reason = ReasonRunLimit
			return nil, store.ErrAbort
		case q.Used+unitCost > q.Limit:
			d.Reason = ReasonPeriodLimit
			return nil, store.ErrAbort
		}
		q.Used += unitCost
		q.RunsUsed += runs
		d.Allowed = true
		d.Used, d.RunsUsed = q.Used, q.RunsUsed
		d.Remaining = q.Remaining()
		return q, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return Decision{}, eris.Wrapf(err, "quota: consume for org %s", orgID)
	}

	log := zap.L().With(zap.String("org_id", orgID), zap.Int("unit_cost", unitCost),
		zap.Int("used", d.Used), zap.Int("limit", d.Limit))
	if runs > 0 {
		log = log.With(zap.Int("runs_used", d.RunsUsed), zap.Int("max_runs", d.MaxRuns))
	}
	if d.Allowed {
		log.Info("quota: claimed")
	} else {
		log.Warn("quota: denied", zap.String("reason", d.Reason), zap.Int("remaining", d.Remaining))
	}
	return d, nil
}

// AcquireSlot registers runID as active for orgID and returns the number of
// active runs. acquired is false when the run already held the slot; only
// the caller that acquired a slot should release it. With MaxActiveRuns
// set, a full org is denied with a QuotaExceededError.
func (c *Controller) AcquireSlot(ctx context.Context, orgID, runID string) (active int, acquired bool, err error) {
	orgID = SanitizeOrg(orgID)
	var denied bool
	_, err = store.Mutate(ctx, c.store, store.CollectionQuotas, orgID, func(cur *store.Document) (any, error) {
		denied, acquired = false, false
		q, err := decodeCounter(cur, orgID)
		if err != nil {
			return nil, err
		}
		active = len(q.ActiveRunIDs)
		if slices.Contains(q.ActiveRunIDs, runID) {
			return nil, store.ErrAbort
		}
		if c.cfg.MaxActiveRuns > 0 && active >= c.cfg.MaxActiveRuns {
			denied = true
			return nil, store.ErrAbort
		}
		q.ActiveRunIDs = append(q.ActiveRunIDs, runID)
		active = len(q.ActiveRunIDs)
		acquired = true
		return q, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return 0, false, eris.Wrapf(err, "quota: acquire slot for org %s", orgID)
	}
	if denied {
		return active, false, &QuotaExceededError{OrgID: orgID, Reason: ReasonActiveRuns, Limit: c.cfg.MaxActiveRuns}
	}
	if acquired {
		zap.L().Info("quota: slot acquired",
			zap.String("org_id", orgID), zap.String("run_id", runID),
			zap.Int("active_runs", active), zap.Int("max_active_runs", c.cfg.MaxActiveRuns))
	}
	return active, acquired, nil
}

// ReleaseSlot removes runID from the active set. Releasing an unknown run
// is a no-op.
func (c *Controller) ReleaseSlot(ctx context.Context, orgID, runID string) error {
	orgID = SanitizeOrg(orgID)
	released := false
	_, err := store.Mutate(ctx, c.store, store.CollectionQuotas, orgID, func(cur *store.Document) (any, error) {
		released = false
		if cur == nil {
			return nil, store.ErrAbort
		}
		q, err := decodeCounter(cur, orgID)
		if err != nil {
			return nil, err
		}
		idx := slices.Index(q.ActiveRunIDs, runID)
		if idx < 0 {
			return nil, store.ErrAbort
		}
		q.ActiveRunIDs = slices.Delete(q.ActiveRunIDs, idx, idx+1)
		released = true
		return q, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return eris.Wrapf(err, "quota: release slot for org %s", orgID)
	}
	if released {
		zap.L().Info("quota: slot released", zap.String("org_id", orgID), zap.String("run_id", runID))
	}
	return nil
}

// Outcome is the result of RecordOutcome.
type Outcome struct {
	FailureStreak int
	Alert         *model.Alert
}

// RecordOutcome updates the org's failure streak. When the streak reaches
// the alert threshold an alert is raised, at most once per run.
func (c *Controller) RecordOutcome(ctx context.Context, orgID, runID string, failed bool, reason string) (Outcome, error) {
	orgID = SanitizeOrg(orgID)
	var out Outcome
	var alert bool
	_, err := store.Mutate(ctx, c.store, store.CollectionQuotas, orgID, func(cur *store.Document) (any, error) {
		q, err := decodeCounter(cur, orgID)
		if err != nil {
			return nil, err
		}
		alert = false
		if failed {
			q.FailureStreak++
			q.FailedRuns++
			q.LastFailure = reason
			if q.LastFailure == "" {
				q.LastFailure = "unknown_failure"
			}
		} else {
			q.FailureStreak = 0
			q.SucceededRuns++
			q.LastFailure = ""
		}
		threshold := c.cfg.FailureAlertThreshold
		if failed && threshold > 0 && q.FailureStreak >= threshold && q.LastAlertRunID != runID {
			q.LastAlertRunID = runID
			alert = true
		}
		out.FailureStreak = q.FailureStreak
		return q, nil
	})
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "quota: record outcome for org %s", orgID)
	}

	if !alert {
		zap.L().Info("quota: outcome recorded",
			zap.String("org_id", orgID), zap.String("run_id", runID),
			zap.Bool("failed", failed), zap.Int("failure_streak", out.FailureStreak))
		return out, nil
	}

	if reason == "" {
		reason = "one or more lead runs failed repeatedly"
	}
	a := model.Alert{
		ID:            AlertID(orgID, runID),
		OrgID:         orgID,
		RunID:         runID,
		FailureStreak: out.FailureStreak,
		Reason:        reason,
	}
	doc, err := c.store.Set(ctx, store.CollectionAlerts, a.ID, a, store.SetOptions{Merge: true})
	if err != nil {
		return out, eris.Wrapf(err, "quota: raise alert %s", a.ID)
	}
	a.CreatedAt = doc.CreatedAt
	out.Alert = &a
	zap.L().Error("quota: failure streak alert",
		zap.String("org_id", orgID), zap.String("run_id", runID),
		zap.Int("failure_streak", out.FailureStreak), zap.String("reason", reason))
	return out, nil
}

// AlertID is the document id of the alert raised for a run.
func AlertID(orgID, runID string) string {
	return SanitizeOrg(orgID) + "_" + runID
}

// ListAlerts returns orgID's alerts, newest first. limit is clamped to
// [1, 50].
func (c *Controller) ListAlerts(ctx context.Context, orgID string, limit int) ([]model.Alert, error) {
	orgID = SanitizeOrg(orgID)
	limit = max(1, min(limit, 50))
	docs, err := c.store.List(ctx, store.CollectionAlerts, store.ListFilter{Prefix: orgID + "_"})
	if err != nil {
		return nil, eris.Wrapf(err, "quota: list alerts for org %s", orgID)
	}
	var out []model.Alert
	for i := len(docs) - 1; i >= 0 && len(out) < limit; i-- {
		var a model.Alert
		if err := docs[i].Decode(&a); err != nil {
			return nil, err
		}
		if a.OrgID != orgID {
			continue
		}
		a.ID = docs[i].ID
		a.CreatedAt = docs[i].CreatedAt
		out = append(out, a)
	}
	return out, nil
}

// OpenAlerts returns every unacknowledged alert across organizations, in
// creation order.
func (c *Controller) OpenAlerts(ctx context.Context) ([]model.Alert, error) {
	docs, err := c.store.List(ctx, store.CollectionAlerts, store.ListFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "quota: list alerts")
	}
	var out []model.Alert
	for i := range docs {
		var a model.Alert
		if err := docs[i].Decode(&a); err != nil {
			return nil, err
		}
		if a.Acknowledged {
			continue
		}
		a.ID = docs[i].ID
		a.CreatedAt = docs[i].CreatedAt
		out = append(out, a)
	}
	return out, nil
}

// EscalationSent marks an alert whose escalation was issued.
const EscalationSent = "sent"

// EscalateOpenAlerts escalates alerts that stayed unacknowledged longer
// than the configured delay and returns the ones this call escalated. An
// alert escalates at most once. An empty orgID covers every organization;
// limit bounds the alerts examined and is clamped to [1, 50] with 0 meaning
// 20.
func (c *Controller) EscalateOpenAlerts(ctx context.Context, orgID string, limit int) ([]model.Alert, error) {
	delay := c.cfg.EscalationDelay()
	if delay <= 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	limit = min(limit, 50)

	filter := store.ListFilter{}
	if orgID != "" {
		orgID = SanitizeOrg(orgID)
		filter.Prefix = orgID + "_"
	}
	docs, err := c.store.List(ctx, store.CollectionAlerts, filter)
	if err != nil {
		return nil, eris.Wrap(err, "quota: list alerts for escalation")
	}
	now, err := c.store.Now(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "quota: server time")
	}

	var out []model.Alert
	examined := 0
	for i := range docs {
		if examined == limit {
			break
		}
		var a model.Alert
		if err := docs[i].Decode(&a); err != nil {
			return out, err
		}
		if a.Acknowledged || (orgID != "" && a.OrgID != orgID) {
			continue
		}
		examined++
		if a.EscalatedAt != nil || now.Sub(docs[i].CreatedAt) < delay {
			continue
		}

		escalated := false
		_, err := store.Mutate(ctx, c.store, store.CollectionAlerts, docs[i].ID, func(cur *store.Document) (any, error) {
			escalated = false
			if cur == nil {
				return nil, store.ErrAbort
			}
			var latest model.Alert
			if err := cur.Decode(&latest); err != nil {
				return nil, err
			}
			if latest.Acknowledged || latest.EscalatedAt != nil {
				return nil, store.ErrAbort
			}
			latest.EscalatedAt = &now
			latest.EscalationStatus = EscalationSent
			escalated = true
			return latest, nil
		})
		if err != nil && !errors.Is(err, store.ErrAbort) {
			return out, eris.Wrapf(err, "quota: escalate alert %s", docs[i].ID)
		}
		if !escalated {
			continue
		}
		a.ID = docs[i].ID
		a.CreatedAt = docs[i].CreatedAt
		a.EscalatedAt = &now
		a.EscalationStatus = EscalationSent
		out = append(out, a)
	}

	if len(out) > 0 {
		zap.L().Warn("quota: alerts escalated",
			zap.String("org_id", orgID),
			zap.Int("escalated", len(out)),
			zap.Duration("escalation_delay", delay))
	}
	return out, nil
}

// ErrAlertNotFound is returned when acknowledging an unknown alert.
var ErrAlertNotFound = eris.New("quota: alert not found")

// AcknowledgeAlert marks an alert as acknowledged by actorID.
func (c *Controller) AcknowledgeAlert(ctx context.Context, orgID, alertID, actorID string) error {
	orgID = SanitizeOrg(orgID)
	doc, err := c.store.Get(ctx, store.CollectionAlerts, alertID)
	if store.IsNotFound(err) {
		return ErrAlertNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "quota: load alert %s", alertID)
	}
	var a model.Alert
	if err := doc.Decode(&a); err != nil {
		return err
	}
	if a.OrgID != orgID {
		return ErrAlertNotFound
	}
	now, err := c.store.Now(ctx)
	if err != nil {
		return eris.Wrap(err, "quota: server time")
	}
	patch := map[string]any{
		"acknowledged":    true,
		"acknowledged_by": actorID,
		"acknowledged_at": now,
	}
	if _, err := c.store.Set(ctx, store.CollectionAlerts, alertID, patch, store.SetOptions{Merge: true}); err != nil {
		return eris.Wrapf(err, "quota: acknowledge alert %s", alertID)
	}
	zap.L().Info("quota: alert acknowledged", zap.String("org_id", orgID), zap.String("alert_id", alertID))
	return nil
}

// Summary returns a read-only view of orgID's quota for the current period.
func (c *Controller) Summary(ctx context.Context, orgID string) (model.QuotaSummary, error) {
	orgID = SanitizeOrg(orgID)
	window, err := c.windowStart(ctx)
	if err != nil {
		return model.QuotaSummary{}, err
	}
	doc, err := c.store.Get(ctx, store.CollectionQuotas, orgID)
	if err != nil && !store.IsNotFound(err) {
		return model.QuotaSummary{}, eris.Wrapf(err, "quota: load org %s", orgID)
	}
	if store.IsNotFound(err) {
		doc = nil
	}
	q, err := decodeCounter(doc, orgID)
	if err != nil {
		return model.QuotaSummary{}, err
	}
	c.roll(&q, window)

	s := model.QuotaSummary{
		OrgID:         orgID,
		PeriodStart:   q.PeriodStart,
		Used:          q.Used,
		Limit:         q.Limit,
		Remaining:     q.Remaining(),
		ActiveRuns:    len(q.ActiveRunIDs),
		MaxActiveRuns: c.cfg.MaxActiveRuns,
		RunsUsed:      q.RunsUsed,
		MaxRuns:       q.MaxRuns,
		FailureStreak: q.FailureStreak,
	}
	if q.MaxRuns > 0 {
		s.RunsRemaining = max(0, q.MaxRuns-q.RunsUsed)
		s.RunsUtilizationPct = min(100, int(float64(q.RunsUsed)/float64(q.MaxRuns)*100+0.5))
	}
	if q.Limit > 0 {
		s.UtilizationPct = min(100, int(float64(q.Used)/float64(q.Limit)*100+0.5))
	}
	return s, nil
}
