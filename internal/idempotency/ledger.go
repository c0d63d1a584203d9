// Package idempotency guarantees that an externally visible action keyed by
// (actor, route, caller key) produces its side effect at most once.
//
// The ledger reads before acting and claims the key with a conditional
// create after acting. A racer that loses the create re-reads and returns
// the winner's response. Within one process a per-key mutex serializes
// callers before they reach the store.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadrun/internal/store"
)

// Request identifies one idempotent operation instance. An empty Key opts
// out: the action runs on every call.
type Request struct {
	ActorID string
	Route   string
	Key     string
}

// Record is the stored outcome of an operation.
type Record struct {
	ActorID   string          `json:"actor_id"`
	Route     string          `json:"route"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"-"`
}

// Result is the outcome of Execute.
type Result[T any] struct {
	Data     T
	Replayed bool
}

// CompositeKey returns the hex SHA-256 digest of actor, route and key.
func CompositeKey(actorID, route, key string) string {
	sum := sha256.Sum256([]byte(actorID + ":" + route + ":" + key))
	return hex.EncodeToString(sum[:])
}

// Ledger stores idempotency records.
type Ledger struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Ledger over s.
func New(s store.Store) *Ledger {
	return &Ledger{store: s, locks: make(map[string]*keyLock)}
}

// lock serializes callers of the same composite key in this process.
func (l *Ledger) lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Lookup returns the stored record for req, or store.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, req Request) (*Record, error) {
	return l.lookup(ctx, CompositeKey(req.ActorID, req.Route, req.Key))
}

func (l *Ledger) lookup(ctx context.Context, key string) (*Record, error) {
	doc, err := l.store.Get(ctx, store.CollectionIdempotency, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := doc.Decode(&rec); err != nil {
		return nil, err
	}
	rec.CreatedAt = doc.CreatedAt
	return &rec, nil
}

// Execute runs fn at most once per request key and returns its result.
// A replayed call returns the stored response and does not invoke fn.
// Errors from fn are returned unchanged and nothing is recorded. A store
// read failure is returned before fn runs; a failure to persist after fn
// succeeded is logged and the fresh result returned.
func Execute[T any](ctx context.Context, l *Ledger, req Request, fn func(context.Context) (T, error)) (Result[T], error) {
	if req.Key == "" {
		data, err := fn(ctx)
		return Result[T]{Data: data}, err
	}

	key := CompositeKey(req.ActorID, req.Route, req.Key)
	unlock := l.lock(key)
	defer unlock()

	if res, ok, err := replay[T](ctx, l, key); err != nil || ok {
		return res, err
	}

	data, err := fn(ctx)
	if err != nil {
		return Result[T]{}, err
	}

	log := zap.L().With(zap.String("route", req.Route), zap.String("key", key))

	raw, err := json.Marshal(data)
	if err != nil {
		log.Warn("idempotency: encode response failed", zap.Error(err))
		return Result[T]{Data: data}, nil
	}

	// The side effect already happened; record it even if the caller gave up.
	pctx := context.WithoutCancel(ctx)
	_, err = l.store.Create(pctx, store.CollectionIdempotency, key, Record{
		ActorID:  req.ActorID,
		Route:    req.Route,
		Response: raw,
	})
	switch {
	case err == nil:
		return Result[T]{Data: data}, nil
	case errors.Is(err, store.ErrAlreadyExists):
		res, ok, rerr := replay[T](pctx, l, key)
		if rerr == nil && ok {
			log.Info("idempotency: lost claim race, returning stored response")
			return res, nil
		}
		log.Warn("idempotency: re-read after conflict failed", zap.Error(rerr))
		return Result[T]{Data: data}, nil
	default:
		log.Warn("idempotency: persist failed, result not replayable", zap.Error(err))
		return Result[T]{Data: data}, nil
	}
}

func replay[T any](ctx context.Context, l *Ledger, key string) (Result[T], bool, error) {
	rec, err := l.lookup(ctx, key)
	if store.IsNotFound(err) {
		return Result[T]{}, false, nil
	}
	if err != nil {
		return Result[T]{}, false, eris.Wrap(err, "idempotency: lookup")
	}
	var data T
	if err := json.Unmarshal(rec.Response, &data); err != nil {
		return Result[T]{}, false, eris.Wrap(err, "idempotency: decode stored response")
	}
	return Result[T]{Data: data, Replayed: true}, true, nil
}
