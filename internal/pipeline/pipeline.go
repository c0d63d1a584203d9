// Package pipeline drives a batch of leads through outreach, follow-up and
// booking for one organization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadrun/internal/actions"
	"github.com/sells-group/leadrun/internal/audit"
	"github.com/sells-group/leadrun/internal/config"
	"github.com/sells-group/leadrun/internal/idempotency"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/quota"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/internal/runs"
	"github.com/sells-group/leadrun/internal/scorer"
	"github.com/sells-group/leadrun/internal/stage"
	"github.com/sells-group/leadrun/internal/store"
)

// Options are the per-run switches.
type Options struct {
	IncludeEnrichment bool `json:"include_enrichment" yaml:"include_enrichment"`
	DryRun            bool `json:"dry_run" yaml:"dry_run"`
	MinScore          int  `json:"min_score" yaml:"min_score"`
}

// RunRequest is one batch of leads to drive for an organization. RunID is
// generated when empty.
type RunRequest struct {
	OrgID    string
	ActorID  string
	RunID    string
	Leads    []model.LeadCandidate
	Criteria model.TargetingCriteria
	Options  Options
}

// LeadOutcome is a lead's final state within a run.
type LeadOutcome struct {
	LeadDocID   string               `json:"lead_doc_id"`
	CompanyName string               `json:"company_name"`
	Score       int                  `json:"score"`
	Progress    stage.Progress       `json:"progress"`
	Actions     []model.ActionRecord `json:"actions"`
}

// Failed reports whether any stage of the lead is failed.
func (o LeadOutcome) Failed() bool {
	return len(stage.Failed(o.Progress)) > 0
}

// RunResult is the outcome of Run.
type RunResult struct {
	RunID       string               `json:"run_id"`
	Status      model.RunStatus      `json:"status"`
	Admitted    int                  `json:"admitted"`
	Filtered    int                  `json:"filtered"`
	Diagnostics model.RunDiagnostics `json:"diagnostics"`
	Leads       []LeadOutcome        `json:"leads"`
	Timeline    []audit.Event        `json:"timeline"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Runs     *runs.Repository
	Ledger   *idempotency.Ledger
	Quota    *quota.Controller
	Guard    *resilience.Guard
	Actions  actions.Set
	Composer actions.Composer
	Slots    actions.SlotSearch
}

// Orchestrator runs lead batches.
type Orchestrator struct {
	cfg  config.PipelineConfig
	deps Deps
}

// New creates an Orchestrator. A nil Guard gets default policies and a nil
// Composer the built-in template.
func New(cfg config.PipelineConfig, d Deps) *Orchestrator {
	if cfg.MaxConcurrentLeads <= 0 {
		cfg.MaxConcurrentLeads = 5
	}
	if d.Guard == nil {
		d.Guard = resilience.NewGuard(resilience.GuardConfig{
			Retry:   resilience.DefaultRetryConfig(),
			Circuit: resilience.DefaultCircuitBreakerConfig(),
		})
	}
	if d.Composer == nil {
		d.Composer = actions.NewTemplateComposer(actions.Sender{})
	}
	return &Orchestrator{cfg: cfg, deps: d}
}

// ErrRunExists is returned when a run id is already taken. Nothing is
// charged for the rejected request.
var ErrRunExists = eris.New("pipeline: run already exists")

// runContext is the state shared by the lead workers of one pass over a
// run. counts holds only what this pass did; it is added to the stored
// diagnostics when the pass ends.
type runContext struct {
	run         model.Run
	correlation string
	resume      bool

	mu     sync.Mutex
	counts model.RunDiagnostics
}

func (rc *runContext) count(fn func(d *model.RunDiagnostics)) {
	rc.mu.Lock()
	fn(&rc.counts)
	rc.mu.Unlock()
}

func (rc *runContext) delta() model.RunDiagnostics {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.counts
}

// addCounts adds the action counters of d to run diagnostics.
func addCounts(to *model.RunDiagnostics, d model.RunDiagnostics) {
	to.EmailsSent += d.EmailsSent
	to.FollowupsScheduled += d.FollowupsScheduled
	to.MeetingsScheduled += d.MeetingsScheduled
	to.Replayed += d.Replayed
}

// Run scores, filters and admits the batch, then drives every admitted lead
// through the action stages. The run id is claimed before any quota is
// charged, so a duplicate id fails with ErrRunExists and leaves the quota of
// the existing run alone. A QuotaExceededError means nothing was created.
// Store failures abort the run and are returned; action failures are
// recorded per lead and do not.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	orgID := quota.SanitizeOrg(req.OrgID)
	runID := req.RunID
	if runID == "" {
		runID = runs.NewRunID()
	}
	log := zap.L().With(zap.String("run_id", runID), zap.String("org_id", orgID))

	ranked, err := scorer.Rank(req.Leads, req.Criteria)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: score leads")
	}
	kept, dropped := scorer.Filter(ranked, req.Options.MinScore)
	kept = dedupe(kept)

	diags := model.RunDiagnostics{
		SourceFetched:   len(req.Leads),
		SourceScored:    len(ranked),
		FilteredByScore: len(dropped),
	}
	for _, s := range kept {
		if s.Lead.Email != "" {
			diags.WithEmail++
		} else {
			diags.WithoutEmail++
		}
	}

	now, err := o.deps.Runs.Store().Now(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: server time")
	}

	docIDs := make([]string, len(kept))
	for i, s := range kept {
		docIDs[i] = model.LeadDocID(s.Lead.Source, s.Lead.ID)
	}
	status := model.RunStatusRunning
	if len(kept) > 0 {
		status = model.RunStatusQueued
	}
	run, err := o.deps.Runs.CreateRun(ctx, model.Run{
		ID:                runID,
		OrgID:             orgID,
		ActorID:           req.ActorID,
		Status:            status,
		DryRun:            req.Options.DryRun,
		IncludeEnrichment: req.Options.IncludeEnrichment,
		MinScore:          req.Options.MinScore,
		Criteria:          req.Criteria,
		LeadDocIDs:        docIDs,
		Diagnostics:       diags,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, eris.Wrapf(ErrRunExists, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	if len(kept) > 0 {
		acquired, err := o.admit(ctx, orgID, runID, len(kept))
		// Only the caller that took the slot gives it back, even if the
		// caller of Run gave up.
		if acquired {
			defer o.releaseSlot(ctx, orgID, runID)
		}
		if err != nil {
			if derr := o.deps.Runs.DeleteRun(context.WithoutCancel(ctx), runID); derr != nil {
				log.Warn("pipeline: drop unadmitted run failed", zap.Error(derr))
			}
			return nil, err
		}
		started, err := o.deps.Runs.MutateRun(ctx, runID, func(r *model.Run) error {
			r.Status = model.RunStatusRunning
			return nil
		})
		if err != nil {
			return nil, o.abort(ctx, run, model.RunDiagnostics{}, err)
		}
		run = started
	}
	log.Info("pipeline: run started",
		zap.Int("fetched", diags.SourceFetched),
		zap.Int("admitted", len(kept)),
		zap.Int("filtered", diags.FilteredByScore),
		zap.Bool("dry_run", run.DryRun),
	)

	entries := make([]runs.LeadEntry, 0, len(kept))
	for i, s := range kept {
		e, err := o.deps.Runs.PutLead(ctx, runs.LeadEntry{
			RunID:     runID,
			LeadDocID: docIDs[i],
			Lead:      s.Lead,
			Score:     s.Result,
			Progress:  stage.BuildInitial(stage.Options{IncludeEnrichment: run.IncludeEnrichment, Now: now}),
		})
		if err != nil {
			return nil, o.abort(ctx, run, model.RunDiagnostics{}, err)
		}
		entries = append(entries, e)
	}

	rc := &runContext{run: run, correlation: uuid.NewString()}
	if err := o.drive(ctx, rc, entries); err != nil {
		return nil, o.abort(ctx, run, rc.delta(), err)
	}
	return o.finish(ctx, rc, len(kept), len(dropped))
}

// admit claims an active-run slot and then the run's quota. acquired
// reports whether this call took the slot. A slot taken here is released
// again when the quota is denied.
func (o *Orchestrator) admit(ctx context.Context, orgID, runID string, units int) (acquired bool, err error) {
	_, acquired, err = o.deps.Quota.AcquireSlot(ctx, orgID, runID)
	if err != nil {
		return false, err
	}
	if _, err := o.deps.Quota.Admit(ctx, orgID, units); err != nil {
		if acquired {
			o.releaseSlot(ctx, orgID, runID)
		}
		return false, err
	}
	return acquired, nil
}

func (o *Orchestrator) releaseSlot(ctx context.Context, orgID, runID string) {
	if err := o.deps.Quota.ReleaseSlot(context.WithoutCancel(ctx), orgID, runID); err != nil {
		zap.L().Warn("pipeline: release slot failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// drive runs the leads concurrently. The first store error cancels the
// remaining leads at their next stage boundary and is returned.
func (o *Orchestrator) drive(ctx context.Context, rc *runContext, entries []runs.LeadEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentLeads)
	for i := range entries {
		e := entries[i]
		g.Go(func() error {
			return o.driveLead(gctx, rc, &e)
		})
	}
	return g.Wait()
}

// leadCounts reads how many of a run's leads exist and how many of them
// have a failed stage.
func (o *Orchestrator) leadCounts(ctx context.Context, runID string) (processed, failed int, err error) {
	leads, err := o.deps.Runs.ListLeads(ctx, runID)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range leads {
		if len(stage.Failed(e.Progress)) > 0 {
			failed++
		}
	}
	return len(leads), failed, nil
}

func failureReason(failed, total int) string {
	return fmt.Sprintf("%d of %d leads failed", failed, total)
}

// settle recomputes the lead counts of r from the stored lead entries and
// sets its terminal status from them.
func settle(r *model.Run, processed, failed int) {
	r.Diagnostics.ProcessedLeads = processed
	r.Diagnostics.FailedLeads = failed
	if failed > 0 {
		r.Status, r.Error = model.RunStatusFailed, failureReason(failed, processed)
		return
	}
	r.Status, r.Error = model.RunStatusCompleted, ""
}

// finish records the run outcome and assembles the result. The run record
// is updated under compare-and-swap from the stored lead entries, so a
// concurrent Resume of one of its leads is never lost.
func (o *Orchestrator) finish(ctx context.Context, rc *runContext, admitted, filtered int) (*RunResult, error) {
	pctx := context.WithoutCancel(ctx)
	delta := rc.delta()
	cancelled := ctx.Err()

	run, err := o.deps.Runs.MutateRun(pctx, rc.run.ID, func(r *model.Run) error {
		processed, failed, err := o.leadCounts(pctx, r.ID)
		if err != nil {
			return err
		}
		addCounts(&r.Diagnostics, delta)
		settle(r, processed, failed)
		if cancelled != nil {
			r.Status, r.Error = model.RunStatusCancelled, cancelled.Error()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if admitted > 0 {
		if _, err := o.deps.Quota.RecordOutcome(pctx, run.OrgID, run.ID, run.Status != model.RunStatusCompleted, run.Error); err != nil {
			zap.L().Warn("pipeline: record outcome failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	leads, err := o.deps.Runs.ListLeads(pctx, run.ID)
	if err != nil {
		return nil, err
	}
	outcomes := make([]LeadOutcome, 0, len(leads))
	for _, e := range leads {
		acts, err := o.deps.Runs.ListActions(pctx, run.ID, e.LeadDocID)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, LeadOutcome{
			LeadDocID:   e.LeadDocID,
			CompanyName: e.Lead.CompanyName,
			Score:       e.Score.Score,
			Progress:    e.Progress,
			Actions:     acts,
		})
	}

	timeline, err := o.deps.Runs.Timeline(pctx, run.ID)
	if err != nil {
		return nil, err
	}

	diags := run.Diagnostics
	zap.L().Info("pipeline: run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("processed", diags.ProcessedLeads),
		zap.Int("failed", diags.FailedLeads),
		zap.Int("emails_sent", diags.EmailsSent),
		zap.Int("meetings", diags.MeetingsScheduled),
		zap.Int("replayed", diags.Replayed),
	)

	return &RunResult{
		RunID:       run.ID,
		Status:      run.Status,
		Admitted:    admitted,
		Filtered:    filtered,
		Diagnostics: diags,
		Leads:       outcomes,
		Timeline:    timeline,
	}, nil
}

// abort marks the run failed after a store error and returns cause.
func (o *Orchestrator) abort(ctx context.Context, run model.Run, delta model.RunDiagnostics, cause error) error {
	pctx := context.WithoutCancel(ctx)
	zap.L().Error("pipeline: run aborted", zap.String("run_id", run.ID), zap.Error(cause))
	if _, err := o.deps.Runs.MutateRun(pctx, run.ID, func(r *model.Run) error {
		addCounts(&r.Diagnostics, delta)
		r.Status, r.Error = model.RunStatusFailed, cause.Error()
		return nil
	}); err != nil {
		zap.L().Warn("pipeline: mark run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	if _, err := o.deps.Quota.RecordOutcome(pctx, run.OrgID, run.ID, true, cause.Error()); err != nil {
		zap.L().Warn("pipeline: record outcome failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	return eris.Wrapf(cause, "pipeline: run %s", run.ID)
}

// Resume re-drives one lead of an existing run from its stored progress.
// Complete stages are skipped; a failed stage is attempted again under its
// original idempotency key. The run's counters gain what this pass did. A
// settled run (completed or failed) is re-settled from its lead entries; a
// run still queued or running keeps its status for its own finish, and a
// cancelled run stays cancelled.
func (o *Orchestrator) Resume(ctx context.Context, runID, leadDocID string) (LeadOutcome, error) {
	run, err := o.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return LeadOutcome{}, err
	}
	e, err := o.deps.Runs.GetLead(ctx, runID, leadDocID)
	if err != nil {
		return LeadOutcome{}, err
	}
	log := zap.L().With(zap.String("run_id", runID), zap.String("lead_doc_id", leadDocID))
	log.Info("pipeline: resuming lead", zap.String("current_stage", string(stage.CurrentStage(e.Progress))))

	rc := &runContext{run: run, correlation: uuid.NewString(), resume: true}

	// A resumed stage must be allowed to run, so failed stages go back to
	// pending first.
	for _, s := range stage.Failed(e.Progress) {
		if e.Progress, err = stage.Update(e.Progress, s, stage.StatusPending, "retry", e.Progress.Stages[s].UpdatedAt); err != nil {
			return LeadOutcome{}, err
		}
	}
	if err := o.driveLead(ctx, rc, &e); err != nil {
		return LeadOutcome{}, eris.Wrapf(err, "pipeline: resume %s/%s", runID, leadDocID)
	}

	pctx := context.WithoutCancel(ctx)
	acts, err := o.deps.Runs.ListActions(pctx, runID, leadDocID)
	if err != nil {
		return LeadOutcome{}, err
	}
	out := LeadOutcome{
		LeadDocID:   leadDocID,
		CompanyName: e.Lead.CompanyName,
		Score:       e.Score.Score,
		Progress:    e.Progress,
		Actions:     acts,
	}

	delta := rc.delta()
	if _, err := o.deps.Runs.MutateRun(pctx, runID, func(r *model.Run) error {
		addCounts(&r.Diagnostics, delta)
		switch r.Status {
		case model.RunStatusCompleted, model.RunStatusFailed:
			processed, failed, err := o.leadCounts(pctx, runID)
			if err != nil {
				return err
			}
			settle(r, processed, failed)
		}
		return nil
	}); err != nil {
		return out, err
	}
	return out, nil
}

// dedupe drops repeated lead doc ids, keeping the first (highest ranked).
func dedupe(scored []scorer.Scored) []scorer.Scored {
	seen := make(map[string]bool, len(scored))
	out := scored[:0:0]
	for _, s := range scored {
		id := model.LeadDocID(s.Lead.Source, s.Lead.ID)
		if seen[id] {
			zap.L().Warn("pipeline: duplicate lead dropped", zap.String("lead_doc_id", id))
			continue
		}
		seen[id] = true
		out = append(out, s)
	}
	return out
}
