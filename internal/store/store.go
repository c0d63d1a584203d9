// Package store is the document persistence layer for lead runs. Every
// backend offers the same primitives: point reads, blind and merging writes,
// conditional creates and version-checked compare-and-swap.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = eris.New("store: document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = eris.New("store: document already exists")
	// ErrConflict is returned by CompareAndSwap when the stored version moved.
	ErrConflict = eris.New("store: version conflict")
)

// Collection names used by the lead-run engine.
const (
	CollectionRuns        = "lead_runs"
	CollectionLeads       = "lead_run_leads"
	CollectionActions     = "lead_run_actions"
	CollectionIdempotency = "idempotency"
	CollectionQuotas      = "lead_run_org_quotas"
	CollectionAlerts      = "lead_run_alerts"
	CollectionRetries     = "lead_run_retries"
	CollectionDeliveries  = "lead_run_deliveries"
)

// Document is a stored JSON document. Version starts at 1 and increases by
// one on every write. Timestamps are assigned by the backend.
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return eris.Wrapf(err, "store: decode %s/%s", d.Collection, d.ID)
	}
	return nil
}

// SetOptions controls Set behavior.
type SetOptions struct {
	// Merge overlays the top-level keys of the new body onto the stored
	// body instead of replacing it.
	Merge bool
}

// ListFilter narrows a List call.
type ListFilter struct {
	Prefix string // id prefix
	Limit  int    // 0 means no limit
}

// Store defines the persistence interface for the lead-run engine.
type Store interface {
	// Get returns ErrNotFound when the document is absent.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Set writes data, creating the document if needed.
	Set(ctx context.Context, collection, id string, data any, opts SetOptions) (*Document, error)
	// Create writes data only if no document with id exists, returning
	// ErrAlreadyExists otherwise.
	Create(ctx context.Context, collection, id string, data any) (*Document, error)
	// CompareAndSwap replaces the body only if the stored version equals
	// version, returning ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, collection, id string, version int64, data any) (*Document, error)
	Delete(ctx context.Context, collection, id string) error
	// List returns documents ordered by creation time, then id.
	List(ctx context.Context, collection string, filter ListFilter) ([]Document, error)
	// Now returns the backend's clock.
	Now(ctx context.Context) (time.Time, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func encode(data any) ([]byte, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode document")
	}
	return b, nil
}

// mergeTop overlays the top-level keys of patch onto base.
func mergeTop(base, patch []byte) ([]byte, error) {
	dst := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &dst); err != nil {
			return nil, eris.Wrap(err, "store: merge base")
		}
	}
	src := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, eris.Wrap(err, "store: merge patch")
	}
	for k, v := range src {
		dst[k] = v
	}
	out, err := json.Marshal(dst)
	return out, eris.Wrap(err, "store: merge encode")
}
