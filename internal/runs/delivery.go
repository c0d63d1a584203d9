package runs

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/store"
)

// DeliveryState is the last known outcome of an external action.
type DeliveryState string

const (
	// DeliveryClaimed means a caller owns the action but no attempt has
	// reached the service yet.
	DeliveryClaimed DeliveryState = "claimed"
	// DeliveryPending means an attempt is in flight, or its process died
	// before the outcome was known.
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Delivery records what happened to one external action, keyed by its
// idempotency key. It is written by the attempt itself, so an attempt that
// outlives its caller's timeout still lands its result here.
type Delivery struct {
	Key       string         `json:"key"`
	State     DeliveryState  `json:"state"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"-"`
}

// ClaimDelivery takes ownership of the action behind key. It succeeds unless
// the action was sent or an attempt may still be in flight, and marks the
// delivery claimed. Otherwise it returns the recorded delivery with claimed
// false.
func (r *Repository) ClaimDelivery(ctx context.Context, key string) (d Delivery, claimed bool, err error) {
	doc, err := store.Mutate(ctx, r.store, store.CollectionDeliveries, key, func(cur *store.Document) (any, error) {
		d, claimed = Delivery{}, false
		if cur != nil {
			if err := cur.Decode(&d); err != nil {
				return nil, err
			}
			if d.State == DeliverySent || d.State == DeliveryPending {
				return nil, store.ErrAbort
			}
		}
		d = Delivery{Key: key, State: DeliveryClaimed}
		claimed = true
		return d, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) {
		return d, false, eris.Wrapf(err, "runs: claim delivery %s", key)
	}
	if doc != nil {
		d.UpdatedAt = doc.UpdatedAt
	}
	return d, claimed, nil
}

// RecordDelivery overwrites the delivery behind key.
func (r *Repository) RecordDelivery(ctx context.Context, d Delivery) error {
	if _, err := r.store.Set(ctx, store.CollectionDeliveries, d.Key, d, store.SetOptions{}); err != nil {
		return eris.Wrapf(err, "runs: record delivery %s", d.Key)
	}
	return nil
}

// ReleaseDelivery forgets the delivery behind key so the action may be
// attempted afresh.
func (r *Repository) ReleaseDelivery(ctx context.Context, key string) error {
	if err := r.store.Delete(ctx, store.CollectionDeliveries, key); err != nil && !store.IsNotFound(err) {
		return eris.Wrapf(err, "runs: release delivery %s", key)
	}
	return nil
}

// GetDelivery loads the delivery behind key.
func (r *Repository) GetDelivery(ctx context.Context, key string) (Delivery, error) {
	var d Delivery
	doc, err := r.store.Get(ctx, store.CollectionDeliveries, key)
	if store.IsNotFound(err) {
		return d, eris.Wrapf(ErrRunNotFound, "delivery %s", key)
	}
	if err != nil {
		return d, eris.Wrapf(err, "runs: get delivery %s", key)
	}
	if err := doc.Decode(&d); err != nil {
		return d, err
	}
	d.UpdatedAt = doc.UpdatedAt
	return d, nil
}
