package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
)

// maxMutateAttempts bounds the read-modify-CAS loop under contention.
const maxMutateAttempts = 16

// MutateFunc receives the current document (nil if absent) and returns the
// new body. Returning ErrAbort stops the mutation without writing.
type MutateFunc func(current *Document) (any, error)

// ErrAbort can be returned from a MutateFunc to leave the document unchanged.
var ErrAbort = eris.New("store: mutation aborted")

// Mutate applies fn to a document using optimistic concurrency: it reads
// the document, computes the new body and writes it with Create (when
// absent) or CompareAndSwap (when present), retrying on contention. fn may
// run more than once and must be free of side effects.
func Mutate(ctx context.Context, s Store, collection, id string, fn MutateFunc) (*Document, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "store: mutate")
		}

		current, err := s.Get(ctx, collection, id)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		if IsNotFound(err) {
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			return current, err
		}

		var written *Document
		if current == nil {
			written, err = s.Create(ctx, collection, id, next)
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
		} else {
			written, err = s.CompareAndSwap(ctx, collection, id, current.Version, next)
			if errors.Is(err, ErrConflict) {
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		return written, nil
	}
	return nil, eris.Wrapf(ErrConflict, "store: mutate %s/%s: too much contention", collection, id)
}
