// Package runs persists lead runs through the document store: the run
// record, one entry per lead, the append-only action history and the
// retry queue of failed stages.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/audit"
	"github.com/sells-group/leadrun/internal/model"
	"github.com/sells-group/leadrun/internal/stage"
	"github.com/sells-group/leadrun/internal/store"
)

// ErrRunNotFound is returned when a run or lead entry does not exist.
var ErrRunNotFound = eris.New("runs: not found")

// LeadEntry is a lead's record within one run. The candidate is stored as
// fetched; score and progress are derived alongside it.
type LeadEntry struct {
	RunID     string              `json:"run_id"`
	LeadDocID string              `json:"lead_doc_id"`
	Lead      model.LeadCandidate `json:"lead"`
	Score     model.ScoreResult   `json:"score"`
	Progress  stage.Progress      `json:"progress"`
	CreatedAt time.Time           `json:"-"`
	UpdatedAt time.Time           `json:"-"`
}

// LeadJourney is the reporting view of one lead's path through a run.
type LeadJourney struct {
	LeadDocID   string           `json:"lead_doc_id"`
	CompanyName string           `json:"company_name"`
	FounderName string           `json:"founder_name,omitempty"`
	Score       int              `json:"score"`
	Source      model.LeadSource `json:"source"`
	Steps       stage.Progress   `json:"steps"`
}

// Repository reads and writes lead-run documents.
type Repository struct {
	store store.Store
}

// New creates a Repository over s.
func New(s store.Store) *Repository {
	return &Repository{store: s}
}

// Store returns the underlying document store.
func (r *Repository) Store() store.Store { return r.store }

func leadKey(runID, leadDocID string) string { return runID + "/" + leadDocID }

// NewRunID returns a fresh run id.
func NewRunID() string { return uuid.NewString() }

// CreateRun stores a new run. It fails with store.ErrAlreadyExists if the
// id is taken.
func (r *Repository) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	doc, err := r.store.Create(ctx, store.CollectionRuns, run.ID, run)
	if err != nil {
		return run, eris.Wrapf(err, "runs: create run %s", run.ID)
	}
	run.CreatedAt, run.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return run, nil
}

// GetRun loads a run.
func (r *Repository) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var run model.Run
	doc, err := r.store.Get(ctx, store.CollectionRuns, runID)
	if store.IsNotFound(err) {
		return run, eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	if err != nil {
		return run, eris.Wrapf(err, "runs: get run %s", runID)
	}
	if err := doc.Decode(&run); err != nil {
		return run, err
	}
	run.CreatedAt, run.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return run, nil
}

// ListRuns returns runs in creation order, optionally only those of orgID.
func (r *Repository) ListRuns(ctx context.Context, orgID string, limit int) ([]model.Run, error) {
	docs, err := r.store.List(ctx, store.CollectionRuns, store.ListFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "runs: list runs")
	}
	var out []model.Run
	for i := range docs {
		var run model.Run
		if err := docs[i].Decode(&run); err != nil {
			return nil, err
		}
		if orgID != "" && run.OrgID != orgID {
			continue
		}
		run.CreatedAt, run.UpdatedAt = docs[i].CreatedAt, docs[i].UpdatedAt
		out = append(out, run)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// RunUpdate holds the run fields written when a run changes state.
type RunUpdate struct {
	Status      model.RunStatus       `json:"status"`
	Diagnostics *model.RunDiagnostics `json:"diagnostics,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// UpdateRun merges u into the stored run.
func (r *Repository) UpdateRun(ctx context.Context, runID string, u RunUpdate) error {
	if _, err := r.store.Set(ctx, store.CollectionRuns, runID, u, store.SetOptions{Merge: true}); err != nil {
		return eris.Wrapf(err, "runs: update run %s", runID)
	}
	return nil
}

// MutateRun applies fn to the stored run under compare-and-swap and returns
// the written run. fn sees the latest stored version and may run more than
// once. Returning store.ErrAbort from fn leaves the run unchanged.
func (r *Repository) MutateRun(ctx context.Context, runID string, fn func(run *model.Run) error) (model.Run, error) {
	var run model.Run
	doc, err := store.Mutate(ctx, r.store, store.CollectionRuns, runID, func(cur *store.Document) (any, error) {
		if cur == nil {
			return nil, eris.Wrapf(ErrRunNotFound, "run %s", runID)
		}
		run = model.Run{}
		if err := cur.Decode(&run); err != nil {
			return nil, err
		}
		if err := fn(&run); err != nil {
			return nil, err
		}
		return run, nil
	})
	if errors.Is(err, store.ErrAbort) {
		run.CreatedAt, run.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
		return run, nil
	}
	if errors.Is(err, ErrRunNotFound) {
		return run, err
	}
	if err != nil {
		return run, eris.Wrapf(err, "runs: mutate run %s", runID)
	}
	run.CreatedAt, run.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return run, nil
}

// DeleteRun removes a run record that never got past admission.
func (r *Repository) DeleteRun(ctx context.Context, runID string) error {
	if err := r.store.Delete(ctx, store.CollectionRuns, runID); err != nil && !store.IsNotFound(err) {
		return eris.Wrapf(err, "runs: delete run %s", runID)
	}
	return nil
}

// PutLead writes a lead entry, replacing any previous one.
func (r *Repository) PutLead(ctx context.Context, e LeadEntry) (LeadEntry, error) {
	doc, err := r.store.Set(ctx, store.CollectionLeads, leadKey(e.RunID, e.LeadDocID), e, store.SetOptions{})
	if err != nil {
		return e, eris.Wrapf(err, "runs: put lead %s/%s", e.RunID, e.LeadDocID)
	}
	e.CreatedAt, e.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return e, nil
}

// SaveProgress overwrites only the progress of a lead entry.
func (r *Repository) SaveProgress(ctx context.Context, runID, leadDocID string, p stage.Progress) error {
	patch := map[string]any{"progress": p}
	if _, err := r.store.Set(ctx, store.CollectionLeads, leadKey(runID, leadDocID), patch, store.SetOptions{Merge: true}); err != nil {
		return eris.Wrapf(err, "runs: save progress %s/%s", runID, leadDocID)
	}
	return nil
}

// GetLead loads one lead entry.
func (r *Repository) GetLead(ctx context.Context, runID, leadDocID string) (LeadEntry, error) {
	var e LeadEntry
	doc, err := r.store.Get(ctx, store.CollectionLeads, leadKey(runID, leadDocID))
	if store.IsNotFound(err) {
		return e, eris.Wrapf(ErrRunNotFound, "lead %s/%s", runID, leadDocID)
	}
	if err != nil {
		return e, eris.Wrapf(err, "runs: get lead %s/%s", runID, leadDocID)
	}
	if err := doc.Decode(&e); err != nil {
		return e, err
	}
	e.CreatedAt, e.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return e, nil
}

// ListLeads returns a run's lead entries in creation order.
func (r *Repository) ListLeads(ctx context.Context, runID string) ([]LeadEntry, error) {
	docs, err := r.store.List(ctx, store.CollectionLeads, store.ListFilter{Prefix: runID + "/"})
	if err != nil {
		return nil, eris.Wrapf(err, "runs: list leads of %s", runID)
	}
	out := make([]LeadEntry, 0, len(docs))
	for i := range docs {
		var e LeadEntry
		if err := docs[i].Decode(&e); err != nil {
			return nil, err
		}
		e.CreatedAt, e.UpdatedAt = docs[i].CreatedAt, docs[i].UpdatedAt
		out = append(out, e)
	}
	return out, nil
}

// AppendAction stores a new action record. Records are never overwritten;
// each call creates a new document with server-assigned timestamps.
func (r *Repository) AppendAction(ctx context.Context, rec model.ActionRecord) (model.ActionRecord, error) {
	rec.ID = leadKey(rec.RunID, rec.LeadDocID) + "/" + model.SanitizeID(rec.ActionID, "action") + "/" + uuid.NewString()
	doc, err := r.store.Create(ctx, store.CollectionActions, rec.ID, rec)
	if err != nil {
		return rec, eris.Wrapf(err, "runs: append action %s", rec.ID)
	}
	rec.CreatedAt, rec.UpdatedAt = doc.CreatedAt, doc.UpdatedAt
	return rec, nil
}

// ListActions returns a lead's action records in the order they were
// appended. An empty leadDocID lists every action of the run.
func (r *Repository) ListActions(ctx context.Context, runID, leadDocID string) ([]model.ActionRecord, error) {
	prefix := runID + "/"
	if leadDocID != "" {
		prefix = leadKey(runID, leadDocID) + "/"
	}
	docs, err := r.store.List(ctx, store.CollectionActions, store.ListFilter{Prefix: prefix})
	if err != nil {
		return nil, eris.Wrapf(err, "runs: list actions of %s", prefix)
	}
	out := make([]model.ActionRecord, 0, len(docs))
	for i := range docs {
		var rec model.ActionRecord
		if err := docs[i].Decode(&rec); err != nil {
			return nil, err
		}
		rec.ID = docs[i].ID
		rec.CreatedAt, rec.UpdatedAt = docs[i].CreatedAt, docs[i].UpdatedAt
		out = append(out, rec)
	}
	return out, nil
}

// Histories assembles the per-lead action histories of a run for the audit
// timeline, in lead creation order.
func (r *Repository) Histories(ctx context.Context, runID string) ([]audit.LeadHistory, error) {
	leads, err := r.ListLeads(ctx, runID)
	if err != nil {
		return nil, err
	}
	actions, err := r.ListActions(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	byLead := make(map[string][]model.ActionRecord, len(leads))
	for _, a := range actions {
		byLead[a.LeadDocID] = append(byLead[a.LeadDocID], a)
	}
	out := make([]audit.LeadHistory, 0, len(leads))
	for _, e := range leads {
		score := e.Score.Score
		out = append(out, audit.LeadHistory{
			LeadDocID:   e.LeadDocID,
			CompanyName: e.Lead.CompanyName,
			Score:       &score,
			Actions:     byLead[e.LeadDocID],
		})
	}
	return out, nil
}

// Timeline returns the flattened audit timeline of a run.
func (r *Repository) Timeline(ctx context.Context, runID string) ([]audit.Event, error) {
	h, err := r.Histories(ctx, runID)
	if err != nil {
		return nil, err
	}
	return audit.Flatten(h), nil
}

// Journeys returns the journey view of every lead in a run.
func (r *Repository) Journeys(ctx context.Context, runID string) ([]LeadJourney, error) {
	leads, err := r.ListLeads(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]LeadJourney, 0, len(leads))
	for _, e := range leads {
		out = append(out, JourneyOf(e))
	}
	return out, nil
}

// JourneyOf builds the journey view of a lead entry.
func JourneyOf(e LeadEntry) LeadJourney {
	return LeadJourney{
		LeadDocID:   e.LeadDocID,
		CompanyName: e.Lead.CompanyName,
		FounderName: e.Lead.FounderName,
		Score:       e.Score.Score,
		Source:      e.Lead.Source,
		Steps:       e.Progress,
	}
}
