package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so that text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite. It holds a single
// connection, so every write is serialized and the process clock acts as
// the server clock.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex
	last time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(collection, created_at, id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// tick returns a strictly increasing UTC timestamp.
func (s *SQLiteStore) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	return t, eris.Wrapf(err, "sqlite: parse time %q", v)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteDoc(row scannable, d *Document, withID bool) error {
	var data, created, updated string
	dest := []any{&data, &d.Version, &created, &updated}
	if withID {
		dest = append([]any{&d.ID}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	d.Data = []byte(data)

	var err error
	if d.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	d.UpdatedAt, err = parseTime(updated)
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, collection, id string) (*Document, error) {
	d := &Document{Collection: collection, ID: id}
	err := scanSQLiteDoc(q.QueryRowContext(ctx,
		`SELECT data, version, created_at, updated_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	), d, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s/%s", collection, id)
	}
	return d, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	return s.get(ctx, s.db, collection, id)
}

func (s *SQLiteStore) Set(ctx context.Context, collection, id string, data any, opts SetOptions) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: set: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := s.get(ctx, tx, collection, id)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}

	now := s.tick()
	if existing == nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, data, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			collection, id, string(body), formatTime(now), formatTime(now),
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: set %s/%s", collection, id)
		}
		existing = &Document{Collection: collection, ID: id, CreatedAt: now}
	} else {
		if opts.Merge {
			if body, err = mergeTop(existing.Data, body); err != nil {
				return nil, err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET data = ?, version = version + 1, updated_at = ? WHERE collection = ? AND id = ?`,
			string(body), formatTime(now), collection, id,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: set %s/%s", collection, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: set: commit")
	}

	existing.Data = body
	existing.Version++
	existing.UpdatedAt = now
	return existing, nil
}

func (s *SQLiteStore) Create(ctx context.Context, collection, id string, data any) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}

	now := s.tick()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, string(body), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create %s/%s", collection, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return nil, ErrAlreadyExists
	}

	return &Document{
		Collection: collection,
		ID:         id,
		Data:       body,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, collection, id string, version int64, data any) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cas: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.tick()
	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
		 WHERE collection = ? AND id = ? AND version = ?`,
		string(body), formatTime(now), collection, id, version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cas %s/%s", collection, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return nil, ErrConflict
	}

	d, err := s.get(ctx, tx, collection, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: cas: commit")
	}
	return d, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return eris.Wrapf(err, "sqlite: delete %s/%s", collection, id)
}

func (s *SQLiteStore) List(ctx context.Context, collection string, filter ListFilter) ([]Document, error) {
	query := `SELECT id, data, version, created_at, updated_at FROM documents
		WHERE collection = ? AND instr(id, ?) = 1
		ORDER BY created_at, id`
	args := []any{collection, filter.Prefix}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", collection)
	}
	defer rows.Close() //nolint:errcheck

	docs := make([]Document, 0)
	for rows.Next() {
		d := Document{Collection: collection}
		if err := scanSQLiteDoc(rows, &d, true); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list iterate")
}

func (s *SQLiteStore) Now(_ context.Context) (time.Time, error) {
	return s.tick(), nil
}
