// Package audit flattens per-lead action histories into one activity feed.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/sells-group/leadrun/internal/model"
)

// LeadHistory is one lead's recorded actions with its display attributes.
type LeadHistory struct {
	LeadDocID   string               `json:"lead_doc_id"`
	CompanyName string               `json:"company_name,omitempty"`
	Score       *int                 `json:"score,omitempty"`
	Actions     []model.ActionRecord `json:"actions"`
}

// Event is one row of the flattened timeline.
type Event struct {
	LeadDocID   string             `json:"lead_doc_id"`
	CompanyName string             `json:"company_name"`
	Score       *int               `json:"score,omitempty"`
	ActionID    string             `json:"action_id"`
	Status      model.ActionStatus `json:"status"`
	Replayed    bool               `json:"replayed"`
	DryRun      bool               `json:"dry_run"`
	Error       string             `json:"error,omitempty"`
	Correlation string             `json:"correlation_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	IDs         []string           `json:"ids,omitempty"`
}

// Flatten merges histories into a single feed ordered by UpdatedAt, most
// recent first. Events with equal timestamps keep their input order: lead
// order, then action order within a lead. The result is never nil.
func Flatten(histories []LeadHistory) []Event {
	events := make([]Event, 0)
	for _, h := range histories {
		name := h.CompanyName
		if name == "" {
			name = h.LeadDocID
		}
		for _, a := range h.Actions {
			actionID := a.ActionID
			if actionID == "" {
				actionID = "action"
			}
			events = append(events, Event{
				LeadDocID:   h.LeadDocID,
				CompanyName: name,
				Score:       h.Score,
				ActionID:    actionID,
				Status:      a.Status,
				Replayed:    a.Replayed,
				DryRun:      a.DryRun,
				Error:       a.Error,
				Correlation: a.CorrelationID,
				CreatedAt:   a.CreatedAt,
				UpdatedAt:   a.UpdatedAt,
				IDs:         PickAuditIDs(a.Data),
			})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].UpdatedAt.After(events[j].UpdatedAt)
	})
	return events
}

var auditIDKeys = []string{
	model.DataKeyEventID,
	model.DataKeyMessageID,
	model.DataKeyThreadID,
	model.DataKeyFolderID,
}

// PickAuditIDs extracts the external identifiers of an action payload as
// "name:value" pairs in display priority order: eventId, messageId,
// threadId, folderId. Other fields and empty values are ignored.
func PickAuditIDs(payload map[string]any) []string {
	var out []string
	for _, k := range auditIDKeys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if s == "" {
			continue
		}
		out = append(out, k+":"+s)
	}
	return out
}
