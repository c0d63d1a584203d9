package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/internal/stage"
	"github.com/sells-group/leadrun/internal/store"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	return New(store.NewMemory())
}

func seedLead(t *testing.T, r *Repository, runID, id, name string, score int) LeadEntry {
	t.Helper()
	lead := model.LeadCandidate{ID: id, Source: model.LeadSourceFile, CompanyName: name, FounderName: "Pat"}
	e, err := r.PutLead(context.Background(), LeadEntry{
		RunID:     runID,
		LeadDocID: model.LeadDocID(lead.Source, lead.ID),
		Lead:      lead,
		Score:     model.ScoreResult{Score: score},
		Progress:  stage.BuildInitial(stage.Options{IncludeEnrichment: true}),
	})
	require.NoError(t, err)
	return e
}

func TestRunLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	run, err := r.CreateRun(ctx, model.Run{OrgID: "acme", Status: model.RunStatusRunning})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.False(t, run.CreatedAt.IsZero())

	_, err = r.CreateRun(ctx, model.Run{ID: run.ID})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	diag := model.RunDiagnostics{ProcessedLeads: 2, FailedLeads: 1}
	require.NoError(t, r.UpdateRun(ctx, run.ID, RunUpdate{Status: model.RunStatusFailed, Diagnostics: &diag, Error: "1 lead failed"}))

	got, err := r.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "acme", got.OrgID)
	assert.Equal(t, 2, got.Diagnostics.ProcessedLeads)
	assert.Equal(t, "1 lead failed", got.Error)

	_, err = r.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	_, err = r.CreateRun(ctx, model.Run{OrgID: "other"})
	require.NoError(t, err)
	list, err := r.ListRuns(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, run.ID, list[0].ID)
}

func TestLeadsAndProgress(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	e := seedLead(t, r, "run1", "a", "Alpha HVAC", 70)
	seedLead(t, r, "run1", "b", "Beta Air", 40)
	seedLead(t, r, "run10", "c", "Other run", 10)

	p, err := stage.Update(e.Progress, stage.Outreach, stage.StatusFailed, "smtp", time.Now())
	require.NoError(t, err)
	require.NoError(t, r.SaveProgress(ctx, "run1", e.LeadDocID, p))

	got, err := r.GetLead(ctx, "run1", e.LeadDocID)
	require.NoError(t, err)
	assert.Equal(t, stage.StatusFailed, got.Progress.Status(stage.Outreach))
	assert.Equal(t, stage.Outreach, got.Progress.Current)
	assert.Equal(t, "Alpha HVAC", got.Lead.CompanyName, "merge keeps the candidate")

	leads, err := r.ListLeads(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "file-a", leads[0].LeadDocID)
	assert.Equal(t, "file-b", leads[1].LeadDocID)

	_, err = r.GetLead(ctx, "run1", "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestActionsAreAppendOnly(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	e := seedLead(t, r, "run1", "a", "Alpha HVAC", 70)
	other := seedLead(t, r, "run1", "b", "Beta Air", 40)

	first, err := r.AppendAction(ctx, model.ActionRecord{RunID: "run1", LeadDocID: e.LeadDocID, ActionID: "send_outreach", Status: model.ActionStatusFailed})
	require.NoError(t, err)
	second, err := r.AppendAction(ctx, model.ActionRecord{RunID: "run1", LeadDocID: e.LeadDocID, ActionID: "send_outreach", Status: model.ActionStatusComplete,
		Data: map[string]any{model.DataKeyMessageID: "m1"}})
	require.NoError(t, err)
	_, err = r.AppendAction(ctx, model.ActionRecord{RunID: "run1", LeadDocID: other.LeadDocID, ActionID: "send_outreach", Status: model.ActionStatusComplete})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	actions, err := r.ListActions(ctx, "run1", e.LeadDocID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionStatusFailed, actions[0].Status)
	assert.Equal(t, model.ActionStatusComplete, actions[1].Status)
	assert.Equal(t, "m1", actions[1].Data[model.DataKeyMessageID])

	all, err := r.ListActions(ctx, "run1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTimelineAndJourneys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := seedLead(t, r, "run1", "a", "Alpha HVAC", 70)
	b := seedLead(t, r, "run1", "b", "", 40)

	_, err := r.AppendAction(ctx, model.ActionRecord{RunID: "run1", LeadDocID: a.LeadDocID, ActionID: "send_outreach", Status: model.ActionStatusComplete})
	require.NoError(t, err)
	_, err = r.AppendAction(ctx, model.ActionRecord{RunID: "run1", LeadDocID: b.LeadDocID, ActionID: "send_outreach", Status: model.ActionStatusComplete})
	require.NoError(t, err)
	_, err = r.AppendAction(ctx, model.ActionRecord{RunID: "run1", LeadDocID: a.LeadDocID, ActionID: "schedule_followup", Status: model.ActionStatusFailed,
		Data: map[string]any{model.DataKeyEventID: "e1"}})
	require.NoError(t, err)

	events, err := r.Timeline(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "schedule_followup", events[0].ActionID)
	assert.Equal(t, []string{"eventId:e1"}, events[0].IDs)
	assert.Equal(t, "file-b", events[1].CompanyName)
	require.NotNil(t, events[2].Score)
	assert.Equal(t, 70, *events[2].Score)

	journeys, err := r.Journeys(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, journeys, 2)
	assert.Equal(t, "Alpha HVAC", journeys[0].CompanyName)
	assert.Equal(t, "Pat", journeys[0].FounderName)
	assert.Equal(t, model.LeadSourceFile, journeys[0].Source)
	assert.Equal(t, stage.Outreach, journeys[0].Steps.Current)
}

func TestRetryQueue(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	e, err := r.EnqueueRetry(ctx, resilience.DLQEntry{OrgID: "acme", RunID: "run1", LeadDocID: "file-a", Stage: "outreach"},
		resilience.NewTransientError(errors.New("smtp 421"), 421))
	require.NoError(t, err)
	assert.Equal(t, "run1/file-a/outreach", e.ID)
	assert.Equal(t, resilience.ErrorTypeTransient, e.ErrorType)
	assert.Equal(t, resilience.DefaultMaxRetries, e.MaxRetries)
	assert.Equal(t, 0, e.RetryCount)

	_, err = r.EnqueueRetry(ctx, resilience.DLQEntry{OrgID: "acme", RunID: "run2", LeadDocID: "file-b", Stage: "booking"},
		errors.New("400 invalid attendee"))
	require.NoError(t, err)

	due, err := r.ListRetries(ctx, resilience.DLQFilter{}, true)
	require.NoError(t, err)
	require.Len(t, due, 1, "permanent failures are not retried")
	assert.Equal(t, "run1/file-a/outreach", due[0].ID)

	again, err := r.EnqueueRetry(ctx, resilience.DLQEntry{OrgID: "acme", RunID: "run1", LeadDocID: "file-a", Stage: "outreach"},
		resilience.NewTransientError(errors.New("smtp 421"), 421))
	require.NoError(t, err)
	assert.Equal(t, 1, again.RetryCount)
	assert.True(t, again.NextRetryAt.After(again.LastFailedAt))

	due, err = r.ListRetries(ctx, resilience.DLQFilter{}, true)
	require.NoError(t, err)
	assert.Empty(t, due, "backed-off entry is not due yet")

	all, err := r.ListRetries(ctx, resilience.DLQFilter{RunID: "run1"}, false)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, r.ResolveRetry(ctx, all[0].ID))
	require.NoError(t, r.ResolveRetry(ctx, all[0].ID))
	all, err = r.ListRetries(ctx, resilience.DLQFilter{RunID: "run1"}, false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMutateRun(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreateRun(ctx, model.Run{ID: "run-1", OrgID: "acme", Status: model.RunStatusRunning})
	require.NoError(t, err)

	run, err := r.MutateRun(ctx, "run-1", func(run *model.Run) error {
		run.Diagnostics.EmailsSent++
		run.Status = model.RunStatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Diagnostics.EmailsSent)

	run, err = r.MutateRun(ctx, "run-1", func(*model.Run) error { return store.ErrAbort })
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status, "abort returns the stored run")

	_, err = r.MutateRun(ctx, "missing", func(*model.Run) error { return nil })
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, r.DeleteRun(ctx, "run-1"))
	require.NoError(t, r.DeleteRun(ctx, "run-1"))
	_, err = r.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestDeliveryClaims(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := "run-1:file-a:send_outreach"

	d, claimed, err := r.ClaimDelivery(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, DeliveryClaimed, d.State)

	// A claim that never reached the service can be taken over.
	_, claimed, err = r.ClaimDelivery(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, r.RecordDelivery(ctx, Delivery{Key: key, State: DeliveryPending}))
	d, claimed, err = r.ClaimDelivery(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed, "an attempt may still be in flight")
	assert.Equal(t, DeliveryPending, d.State)

	require.NoError(t, r.RecordDelivery(ctx, Delivery{Key: key, State: DeliveryFailed, Error: "421 try later"}))
	_, claimed, err = r.ClaimDelivery(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)

	data := map[string]any{model.DataKeyMessageID: "msg-1@sellsgroup.com"}
	require.NoError(t, r.RecordDelivery(ctx, Delivery{Key: key, State: DeliverySent, Data: data}))
	d, claimed, err = r.ClaimDelivery(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, DeliverySent, d.State)
	assert.Equal(t, "msg-1@sellsgroup.com", d.Data[model.DataKeyMessageID])

	require.NoError(t, r.ReleaseDelivery(ctx, key))
	_, err = r.GetDelivery(ctx, key)
	assert.ErrorIs(t, err, ErrRunNotFound)
	require.NoError(t, r.ReleaseDelivery(ctx, key))
}
