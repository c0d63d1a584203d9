package runs

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/resilience"
	"github.com/sells-group/leadrun/internal/store"
)

// RetryID is the queue id of a failed stage. A stage has at most one entry.
func RetryID(runID, leadDocID, stageName string) string {
	return leadKey(runID, leadDocID) + "/" + stageName
}

// EnqueueRetry records a failed stage. A new entry is due immediately; a
// stage that is already queued has its attempt count bumped and is pushed
// out with backoff.
func (r *Repository) EnqueueRetry(ctx context.Context, e resilience.DLQEntry, cause error) (resilience.DLQEntry, error) {
	now, err := r.store.Now(ctx)
	if err != nil {
		return e, eris.Wrap(err, "runs: server time")
	}
	e.ID = RetryID(e.RunID, e.LeadDocID, e.Stage)

	var out resilience.DLQEntry
	_, err = store.Mutate(ctx, r.store, store.CollectionRetries, e.ID, func(cur *store.Document) (any, error) {
		if cur == nil {
			out = e
			if out.MaxRetries <= 0 {
				out.MaxRetries = resilience.DefaultMaxRetries
			}
			out.CreatedAt = now
			out.LastFailedAt = now
			out.NextRetryAt = now
			if cause != nil {
				out.Error = cause.Error()
				out.ErrorType = resilience.ClassifyError(cause)
			}
			return out, nil
		}
		if err := cur.Decode(&out); err != nil {
			return nil, err
		}
		out.ScheduleNext(now, cause)
		return out, nil
	})
	if err != nil {
		return e, eris.Wrapf(err, "runs: enqueue retry %s", e.ID)
	}
	zap.L().Info("runs: stage queued for retry",
		zap.String("id", out.ID),
		zap.String("error_type", string(out.ErrorType)),
		zap.Int("retry_count", out.RetryCount),
		zap.Time("next_retry_at", out.NextRetryAt),
	)
	return out, nil
}

// ListRetries returns queued entries matching f in queue order. When
// dueOnly is set, entries not yet due or out of attempts are skipped.
func (r *Repository) ListRetries(ctx context.Context, f resilience.DLQFilter, dueOnly bool) ([]resilience.DLQEntry, error) {
	now, err := r.store.Now(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "runs: server time")
	}
	prefix := ""
	if f.RunID != "" {
		prefix = f.RunID + "/"
	}
	docs, err := r.store.List(ctx, store.CollectionRetries, store.ListFilter{Prefix: prefix})
	if err != nil {
		return nil, eris.Wrap(err, "runs: list retries")
	}
	var out []resilience.DLQEntry
	for i := range docs {
		var e resilience.DLQEntry
		if err := docs[i].Decode(&e); err != nil {
			return nil, err
		}
		if !e.Matches(f) || (dueOnly && !e.Due(now)) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ResolveRetry removes an entry once its stage succeeded.
func (r *Repository) ResolveRetry(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, store.CollectionRetries, id); err != nil && !store.IsNotFound(err) {
		return eris.Wrapf(err, "runs: resolve retry %s", id)
	}
	return nil
}
