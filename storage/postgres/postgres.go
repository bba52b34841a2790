// Package postgres provides a PostgreSQL-backed implementation of the
// storage.Store interface using pgx connection pooling.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	kind         text        NOT NULL,
	host         text        NOT NULL,
	local_id     text        NOT NULL,
	parent_host  text,
	parent_local text,
	data         bytea       NOT NULL,
	created_at   timestamptz NOT NULL,
	updated_at   timestamptz NOT NULL,
	PRIMARY KEY (kind, host, local_id)
);
CREATE INDEX IF NOT EXISTS entities_parent_idx
	ON entities (kind, parent_host, parent_local);
`

// Store implements storage.Store on a PostgreSQL database.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to a postgres:// DSN, ensures the schema exists, and
// returns a store over the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Put(ctx context.Context, rec *storage.Record) error {
	var parentHost, parentLocal *string
	if rec.Parent != nil {
		parentHost, parentLocal = &rec.Parent.Host, &rec.Parent.Local
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (kind, host, local_id, parent_host, parent_local, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (kind, host, local_id) DO UPDATE
		SET parent_host = EXCLUDED.parent_host,
		    parent_local = EXCLUDED.parent_local,
		    data = EXCLUDED.data,
		    updated_at = now()`,
		rec.Kind, rec.ID.Host, rec.ID.Local, parentHost, parentLocal, rec.Data)
	return err
}

func (s *Store) Get(ctx context.Context, kind storage.Kind, id fedid.ID) (*storage.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT parent_host, parent_local, data, created_at, updated_at
		FROM entities WHERE kind = $1 AND host = $2 AND local_id = $3`,
		kind, id.Host, id.Local)
	rec := &storage.Record{Kind: kind, ID: id}
	var parentHost, parentLocal *string
	err := row.Scan(&parentHost, &parentLocal, &rec.Data, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parentHost != nil && parentLocal != nil {
		rec.Parent = &fedid.ID{Host: *parentHost, Local: *parentLocal}
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, kind storage.Kind, id fedid.ID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM entities WHERE kind = $1 AND host = $2 AND local_id = $3`,
		kind, id.Host, id.Local)
	return err
}

func (s *Store) ListChildren(ctx context.Context, kind storage.Kind, parent fedid.ID) ([]*storage.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host, local_id, data, created_at, updated_at
		FROM entities
		WHERE kind = $1 AND parent_host = $2 AND parent_local = $3
		ORDER BY created_at ASC`,
		kind, parent.Host, parent.Local)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parentCopy := parent
	var out []*storage.Record
	for rows.Next() {
		rec := &storage.Record{Kind: kind, Parent: &parentCopy}
		if err := rows.Scan(&rec.ID.Host, &rec.ID.Local, &rec.Data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
