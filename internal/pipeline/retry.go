package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/internal/stage"
)

// DrainReport summarizes one pass over the retry queue.
type DrainReport struct {
	Recovered int `json:"recovered"`
	Failing   int `json:"failing"`
	Skipped   int `json:"skipped"`
}

// Attempted is the number of entries that were resumed.
func (r DrainReport) Attempted() int { return r.Recovered + r.Failing }

// DrainRetries resumes every due retry entry matching f. Entries whose run
// was recorded in the other mode (dry or live) than simulate are skipped,
// as are entries of a run that is still queued or running: its own pass
// settles it first. It stops early, without error, when ctx is done.
func (o *Orchestrator) DrainRetries(ctx context.Context, f resilience.DLQFilter, simulate bool) (DrainReport, error) {
	var rep DrainReport
	entries, err := o.deps.Runs.ListRetries(ctx, f, true)
	if err != nil {
		return rep, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		run, err := o.deps.Runs.GetRun(ctx, e.RunID)
		if err != nil {
			return rep, err
		}
		if run.DryRun != simulate {
			zap.L().Debug("pipeline: skipping retry of other mode",
				zap.String("id", e.ID), zap.Bool("dry_run", run.DryRun))
			rep.Skipped++
			continue
		}
		if run.Status == model.RunStatusQueued || run.Status == model.RunStatusRunning {
			zap.L().Debug("pipeline: run still in flight",
				zap.String("id", e.ID), zap.String("status", string(run.Status)))
			rep.Skipped++
			continue
		}
		out, err := o.Resume(ctx, e.RunID, e.LeadDocID)
		if err != nil {
			return rep, err
		}
		if out.Failed() {
			rep.Failing++
		} else {
			rep.Recovered++
		}
		zap.L().Info("pipeline: retry resumed",
			zap.String("run_id", e.RunID),
			zap.String("lead_doc_id", e.LeadDocID),
			zap.String("current_stage", string(stage.CurrentStage(out.Progress))),
			zap.Bool("failed", out.Failed()),
		)
	}
	return rep, nil
}
