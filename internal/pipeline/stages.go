package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/actions"
	"github.com/sells-group/leadrun/internal/idempotency"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/internal/runs"
	"github.com/sells-group/leadrun/internal/stage"
)

// Action ids recorded on ActionRecords and used in idempotency routes.
const (
	ActionSendOutreach     = "send_outreach"
	ActionScheduleFollowup = "schedule_followup"
	ActionBookMeeting      = "book_meeting"
)

// RoutePrefix namespaces lead-run actions in the idempotency ledger.
const RoutePrefix = "lead_runs."

type stageAction struct {
	stage   stage.Stage
	id      string
	service string
}

// actionStages are the stages the orchestrator executes, in order.
var actionStages = []stageAction{
	{stage.Outreach, ActionSendOutreach, actions.ServiceEmail},
	{stage.Followup, ActionScheduleFollowup, actions.ServiceCalendar},
	{stage.Booking, ActionBookMeeting, actions.ServiceCalendar},
}

// ExternalActionError is a failed external action. It fails the stage and
// stops the lead; the run carries on.
type ExternalActionError struct {
	Stage stage.Stage
	Err   error
}

func (e *ExternalActionError) Error() string {
	return fmt.Sprintf("pipeline: %s failed: %v", e.Stage, e.Err)
}

func (e *ExternalActionError) Unwrap() error { return e.Err }

// IdempotencyKey is the ledger key of one lead stage.
func IdempotencyKey(runID, leadDocID, actionID string) string {
	return runID + ":" + leadDocID + ":" + actionID
}

// driveLead executes the pending action stages of e in order. It stops at
// the first failed stage, or at a stage boundary once ctx is done. Only
// store errors are returned.
func (o *Orchestrator) driveLead(ctx context.Context, rc *runContext, e *runs.LeadEntry) error {
	log := zap.L().With(zap.String("run_id", rc.run.ID), zap.String("lead_doc_id", e.LeadDocID))
	for _, a := range actionStages {
		if e.Progress.Status(a.stage).Terminal() {
			continue
		}
		if ctx.Err() != nil {
			log.Info("pipeline: lead stopped", zap.String("stage", string(a.stage)), zap.Error(ctx.Err()))
			return nil
		}
		if !stage.Ready(e.Progress, a.stage) {
			log.Info("pipeline: stage not ready", zap.String("stage", string(a.stage)),
				zap.String("current_stage", string(e.Progress.Current)))
			return nil
		}
		ok, err := o.runStage(ctx, rc, e, a)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

// runStage executes one action through the ledger and records the attempt.
// It reports whether the stage completed.
func (o *Orchestrator) runStage(ctx context.Context, rc *runContext, e *runs.LeadEntry, a stageAction) (bool, error) {
	run := rc.run
	key := IdempotencyKey(run.ID, e.LeadDocID, a.id)
	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("lead_doc_id", e.LeadDocID),
		zap.String("stage", string(a.stage)),
	)

	now, err := o.deps.Runs.Store().Now(ctx)
	if err != nil {
		return false, eris.Wrap(err, "pipeline: server time")
	}

	set := o.deps.Actions
	if run.DryRun {
		set = actions.SimulatedSet()
	}
	lead := e.Lead

	start := time.Now()
	res, err := idempotency.Execute(actions.WithIdempotencyKey(ctx, key), o.deps.Ledger, idempotency.Request{
		ActorID: run.ActorID,
		Route:   RoutePrefix + a.id,
		Key:     key,
	}, func(ctx context.Context) (map[string]any, error) {
		var data map[string]any
		var err error
		if run.DryRun {
			data, err = o.perform(ctx, set, a.stage, lead, now)
		} else {
			data, err = o.deliver(ctx, key, a, func(ctx context.Context) (map[string]any, error) {
				return o.perform(ctx, set, a.stage, lead, now)
			})
		}
		if err != nil {
			return nil, &ExternalActionError{Stage: a.stage, Err: err}
		}
		return data, nil
	})

	var actionErr *ExternalActionError
	if err != nil && !errors.As(err, &actionErr) {
		return false, err
	}

	// The action is done either way; record it even if the run is being
	// cancelled.
	pctx := context.WithoutCancel(ctx)
	rec := model.ActionRecord{
		ActionID:       a.id,
		RunID:          run.ID,
		LeadDocID:      e.LeadDocID,
		DryRun:         run.DryRun,
		IdempotencyKey: key,
		CorrelationID:  rc.correlation,
	}
	if actionErr != nil {
		cause := actionErr.Err
		rec.Status = model.ActionStatusFailed
		rec.Error = cause.Error()
		if _, err := o.deps.Runs.AppendAction(pctx, rec); err != nil {
			return false, err
		}
		kind := resilience.ClassifyError(cause)
		if err := o.saveProgress(pctx, e, a.stage, stage.StatusFailed, string(kind), now); err != nil {
			return false, err
		}
		if _, err := o.deps.Runs.EnqueueRetry(pctx, resilience.DLQEntry{
			OrgID:     run.OrgID,
			RunID:     run.ID,
			LeadDocID: e.LeadDocID,
			Stage:     string(a.stage),
		}, cause); err != nil {
			return false, err
		}
		log.Warn("pipeline: stage failed",
			zap.String("error_type", string(kind)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(cause),
		)
		return false, nil
	}

	rec.Status = model.ActionStatusComplete
	if run.DryRun {
		rec.Status = model.ActionStatusSimulated
	}
	rec.Replayed = res.Replayed
	rec.Data = res.Data
	if _, err := o.deps.Runs.AppendAction(pctx, rec); err != nil {
		return false, err
	}
	detail := string(rec.Status)
	if res.Replayed {
		detail = "replayed"
	}
	if err := o.saveProgress(pctx, e, a.stage, stage.StatusComplete, detail, now); err != nil {
		return false, err
	}
	if rc.resume {
		if err := o.deps.Runs.ResolveRetry(pctx, runs.RetryID(run.ID, e.LeadDocID, string(a.stage))); err != nil {
			return false, err
		}
	}

	rc.count(func(d *model.RunDiagnostics) {
		switch a.stage {
		case stage.Outreach:
			d.EmailsSent++
		case stage.Followup:
			d.FollowupsScheduled++
		case stage.Booking:
			d.MeetingsScheduled++
		}
		if res.Replayed {
			d.Replayed++
		}
	})
	log.Info("pipeline: stage complete",
		zap.Bool("replayed", res.Replayed),
		zap.Bool("dry_run", run.DryRun),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return true, nil
}

func (o *Orchestrator) saveProgress(ctx context.Context, e *runs.LeadEntry, s stage.Stage, status stage.Status, detail string, at time.Time) error {
	p, err := stage.Update(e.Progress, s, status, detail, at)
	if err != nil {
		return err
	}
	if err := o.deps.Runs.SaveProgress(ctx, e.RunID, e.LeadDocID, p); err != nil {
		return err
	}
	e.Progress = p
	return nil
}

// deliver performs a live action at most once per idempotency key. Each
// attempt records its own outcome, so a send that completes after the guard
// stopped waiting for it is found by the next pass instead of repeated.
func (o *Orchestrator) deliver(ctx context.Context, key string, a stageAction, do func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	pctx := context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("idempotency_key", key))

	d, claimed, err := o.deps.Runs.ClaimDelivery(pctx, key)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if d.State == runs.DeliverySent {
			log.Info("pipeline: delivery already recorded", zap.Time("delivered_at", d.UpdatedAt))
			return d.Data, nil
		}
		return nil, eris.Wrapf(resilience.ErrTimeout, "%s %s: earlier attempt still unresolved", a.service, a.id)
	}

	data, err := resilience.Call(ctx, o.deps.Guard, a.service, a.id, func(ctx context.Context) (map[string]any, error) {
		if err := o.deps.Runs.RecordDelivery(pctx, runs.Delivery{Key: key, State: runs.DeliveryPending}); err != nil {
			return nil, err
		}
		data, err := do(ctx)
		rec := runs.Delivery{Key: key, State: runs.DeliverySent, Data: data}
		if err != nil {
			rec = runs.Delivery{Key: key, State: runs.DeliveryFailed, Error: err.Error()}
		}
		if rerr := o.deps.Runs.RecordDelivery(pctx, rec); rerr != nil {
			log.Error("pipeline: delivery outcome not recorded", zap.String("state", string(rec.State)), zap.Error(rerr))
		}
		return data, err
	})
	// On a timeout the attempt may still be running and records its own
	// outcome.
	if err != nil && !errors.Is(err, resilience.ErrTimeout) {
		if rerr := o.deps.Runs.ReleaseDelivery(pctx, key); rerr != nil {
			log.Warn("pipeline: delivery not released", zap.Error(rerr))
		}
	}
	return data, err
}

// perform calls the collaborator behind stage s and returns the external
// ids it produced. Values are strings so a replayed response decodes to the
// same map.
func (o *Orchestrator) perform(ctx context.Context, set actions.Set, s stage.Stage, lead model.LeadCandidate, now time.Time) (map[string]any, error) {
	switch s {
	case stage.Outreach:
		content, err := o.deps.Composer.Compose(ctx, lead)
		if err != nil {
			return nil, err
		}
		r, err := set.Outreach.SendOutreach(ctx, lead, content)
		if err != nil {
			return nil, err
		}
		data := map[string]any{
			model.DataKeyMessageID: r.ID,
			"subject":              content.Subject,
		}
		if r.ThreadID != "" {
			data[model.DataKeyThreadID] = r.ThreadID
		}
		return data, nil

	case stage.Followup:
		when := now.Add(time.Duration(o.cfg.FollowupDelayHours) * time.Hour)
		r, err := set.Followups.ScheduleFollowup(ctx, lead, when)
		if err != nil {
			return nil, err
		}
		return eventData(r), nil

	case stage.Booking:
		slot, ok := o.deps.Slots.NextSlot(now)
		if !ok {
			return nil, resilience.Reject(actions.ErrNoSlot)
		}
		r, err := set.Meetings.BookMeeting(ctx, lead, slot)
		if err != nil {
			return nil, err
		}
		return eventData(r), nil
	}
	return nil, model.NewValidationError("stage", "no action for stage %q", s)
}

func eventData(r actions.EventReceipt) map[string]any {
	data := map[string]any{
		model.DataKeyEventID: r.EventID,
		"start":              r.Start.UTC().Format(time.RFC3339),
		"end":                r.End.UTC().Format(time.RFC3339),
	}
	if r.MeetLink != "" {
		data["meetLink"] = r.MeetLink
	}
	if r.HTMLLink != "" {
		data["htmlLink"] = r.HTMLLink
	}
	return data
}
