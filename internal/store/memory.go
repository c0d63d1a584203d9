package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// MemoryStore is an in-process Store used for tests and dry runs. Its clock
// is strictly increasing so that timestamps order writes.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string]map[string]*Document
	clock func() time.Time
	last  time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// NewMemory creates an empty MemoryStore.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:  make(map[string]map[string]*Document),
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tick returns the next timestamp. Caller holds mu.
func (s *MemoryStore) tick() time.Time {
	now := s.clock().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *MemoryStore) collection(name string) map[string]*Document {
	c, ok := s.docs[name]
	if !ok {
		c = make(map[string]*Document)
		s.docs[name] = c
	}
	return c
}

func cloneDoc(d *Document) *Document {
	cp := *d
	cp.Data = append([]byte(nil), d.Data...)
	return &cp
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.collection(collection)[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (s *MemoryStore) Set(_ context.Context, collection, id string, data any, opts SetOptions) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)
	now := s.tick()
	if existing, ok := c[id]; ok {
		if opts.Merge {
			body, err = mergeTop(existing.Data, body)
			if err != nil {
				return nil, err
			}
		}
		existing.Data = body
		existing.Version++
		existing.UpdatedAt = now
		return cloneDoc(existing), nil
	}

	d := s.insert(c, collection, id, body, now)
	return cloneDoc(d), nil
}

// insert adds a new document. Caller holds mu.
func (s *MemoryStore) insert(c map[string]*Document, collection, id string, body []byte, now time.Time) *Document {
	d := &Document{
		Collection: collection,
		ID:         id,
		Data:       body,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c[id] = d
	return d
}

func (s *MemoryStore) Create(_ context.Context, collection, id string, data any) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)
	if _, ok := c[id]; ok {
		return nil, ErrAlreadyExists
	}
	d := s.insert(c, collection, id, body, s.tick())
	return cloneDoc(d), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, collection, id string, version int64, data any) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.collection(collection)[id]
	if !ok || existing.Version != version {
		return nil, ErrConflict
	}
	existing.Data = body
	existing.Version++
	existing.UpdatedAt = s.tick()
	return cloneDoc(existing), nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collection(collection), id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, collection string, filter ListFilter) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Document, 0)
	for id, d := range s.collection(collection) {
		if strings.HasPrefix(id, filter.Prefix) {
			out = append(out, *cloneDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Now(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick(), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return eris.Wrap(ctx.Err(), "memory: ping")
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
