package resilience

import "time"

// DLQEntry is a lead stage whose action failed and may be re-driven later
// by `leadrun retry`. Retrying re-enters the stage through the idempotency
// ledger, so an action that actually succeeded is replayed, not repeated.
type DLQEntry struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	RunID        string    `json:"run_id"`
	LeadDocID    string    `json:"lead_doc_id"`
	Stage        string    `json:"stage"`
	Error        string    `json:"error"`
	ErrorType    ErrorType `json:"error_type"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter narrows a dequeue.
type DLQFilter struct {
	ErrorType ErrorType `json:"error_type,omitempty"` // "" for all
	RunID     string    `json:"run_id,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// DefaultMaxRetries is how many times a failed stage is re-driven from the queue.
const DefaultMaxRetries = 3

// CanRetry reports whether the entry has attempts left and is not a
// permanent failure.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType != ErrorTypePermanent && e.RetryCount < e.MaxRetries
}

// Due reports whether the entry may be retried at now.
func (e *DLQEntry) Due(now time.Time) bool {
	return e.CanRetry() && !now.Before(e.NextRetryAt)
}

// Matches reports whether the entry passes filter.
func (e *DLQEntry) Matches(f DLQFilter) bool {
	if f.ErrorType != "" && e.ErrorType != f.ErrorType {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	return true
}

// ScheduleNext records another failed attempt and pushes NextRetryAt out
// with exponential backoff starting at one minute.
func (e *DLQEntry) ScheduleNext(now time.Time, lastErr error) {
	e.RetryCount++
	e.LastFailedAt = now
	if lastErr != nil {
		e.Error = lastErr.Error()
		e.ErrorType = ClassifyError(lastErr)
	}
	e.NextRetryAt = now.Add(Backoff(e.RetryCount, RetryConfig{
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
	}))
}
