package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadrun/internal/db"
)

// PostgresStore implements Store using pgxpool and a single JSONB table.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgColumns = `data, version, created_at, updated_at`

	pgGet = `SELECT ` + pgColumns + ` FROM documents WHERE collection = $1 AND id = $2`

	pgCreate = `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING
		RETURNING ` + pgColumns

	pgSet = `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET
		  data = EXCLUDED.data, version = documents.version + 1, updated_at = now()
		RETURNING ` + pgColumns

	pgMerge = `INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET
		  data = documents.data || EXCLUDED.data, version = documents.version + 1, updated_at = now()
		RETURNING ` + pgColumns

	pgCAS = `UPDATE documents SET data = $4, version = version + 1, updated_at = now()
		WHERE collection = $1 AND id = $2 AND version = $3
		RETURNING ` + pgColumns

	pgList = `SELECT id, ` + pgColumns + ` FROM documents
		WHERE collection = $1 AND id LIKE $2 ESCAPE '\'
		ORDER BY created_at, id`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(collection, created_at, id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func scanDoc(row pgx.Row, collection, id string) (*Document, error) {
	d := &Document{Collection: collection, ID: id}
	var data []byte
	if err := row.Scan(&data, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Data = data
	return d, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	d, err := scanDoc(s.pool.QueryRow(ctx, pgGet, collection, id), collection, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s/%s", collection, id)
	}
	return d, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, data any, opts SetOptions) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}
	query := pgSet
	if opts.Merge {
		query = pgMerge
	}
	d, err := scanDoc(s.pool.QueryRow(ctx, query, collection, id, body), collection, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: set %s/%s", collection, id)
	}
	return d, nil
}

func (s *PostgresStore) Create(ctx context.Context, collection, id string, data any) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}
	d, err := scanDoc(s.pool.QueryRow(ctx, pgCreate, collection, id, body), collection, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create %s/%s", collection, id)
	}
	return d, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, collection, id string, version int64, data any) (*Document, error) {
	body, err := encode(data)
	if err != nil {
		return nil, err
	}
	d, err := scanDoc(s.pool.QueryRow(ctx, pgCAS, collection, id, version, body), collection, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: cas %s/%s", collection, id)
	}
	return d, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return eris.Wrapf(err, "postgres: delete %s/%s", collection, id)
}

func (s *PostgresStore) List(ctx context.Context, collection string, filter ListFilter) ([]Document, error) {
	query := pgList
	args := []any{collection, db.LikePrefix(filter.Prefix)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", collection)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		d := Document{Collection: collection}
		var data []byte
		if err := rows.Scan(&d.ID, &data, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		d.Data = data
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list iterate")
}

func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: now")
	}
	return now.UTC(), nil
}
