package model

import "time"

// ActionStatus is the outcome of one stage attempt.
type ActionStatus string

const (
	ActionStatusComplete  ActionStatus = "complete"
	ActionStatusFailed    ActionStatus = "failed"
	ActionStatusSkipped   ActionStatus = "skipped"
	ActionStatusSimulated ActionStatus = "simulated"
)

// Keys of external identifiers stored in ActionRecord.Data.
const (
	DataKeyEventID   = "eventId"
	DataKeyMessageID = "messageId"
	DataKeyThreadID  = "threadId"
	DataKeyFolderID  = "folderId"
)

// ActionRecord is an append-only receipt for a single stage attempt against
// an external system. Retries produce new records; records are never
// overwritten.
type ActionRecord struct {
	ID             string         `json:"id"`
	ActionID       string         `json:"action_id"`
	RunID          string         `json:"run_id"`
	LeadDocID      string         `json:"lead_doc_id"`
	Status         ActionStatus   `json:"status"`
	Replayed       bool           `json:"replayed"`
	DryRun         bool           `json:"dry_run"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Error          string         `json:"error,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RunStatus tracks the lifecycle of a lead run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunDiagnostics counts what happened to a run's leads.
type RunDiagnostics struct {
	SourceFetched      int `json:"source_fetched"`
	SourceScored       int `json:"source_scored"`
	FilteredByScore    int `json:"filtered_by_score"`
	WithEmail          int `json:"with_email"`
	WithoutEmail       int `json:"without_email"`
	ProcessedLeads     int `json:"processed_leads"`
	FailedLeads        int `json:"failed_leads"`
	EmailsSent         int `json:"emails_sent"`
	FollowupsScheduled int `json:"followups_scheduled"`
	MeetingsScheduled  int `json:"meetings_scheduled"`
	Replayed           int `json:"replayed"`
}

// Run is the top-level record of one batch of leads driven through the
// pipeline for an organization.
type Run struct {
	ID                string            `json:"id"`
	OrgID             string            `json:"org_id"`
	ActorID           string            `json:"actor_id"`
	Status            RunStatus         `json:"status"`
	DryRun            bool              `json:"dry_run"`
	IncludeEnrichment bool              `json:"include_enrichment"`
	MinScore          int               `json:"min_score"`
	Criteria          TargetingCriteria `json:"criteria"`
	LeadDocIDs        []string          `json:"lead_doc_ids,omitempty"`
	Diagnostics       RunDiagnostics    `json:"diagnostics"`
	Error             string            `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
