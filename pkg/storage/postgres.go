package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // postgres driver
)

// PostgresStore is the shared-database KV adaptor. Conditional writes map
// onto INSERT ... ON CONFLICT DO NOTHING; versioned updates onto a guarded
// UPDATE, the same shape the sqlite adaptor uses.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens (and migrates) a postgres-backed store.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating. Used by tests
// that drive the store through sqlmock.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			tbl     TEXT NOT NULL,
			key     TEXT NOT NULL,
			body    BYTEA NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (tbl, key)
		)`,
		`CREATE TABLE IF NOT EXISTS record_attrs (
			tbl   TEXT NOT NULL,
			key   TEXT NOT NULL,
			attr  TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (tbl, key, attr)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_record_attrs_lookup
			ON record_attrs (tbl, attr, value)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// PutIfAbsent implements KV.
func (s *PostgresStore) PutIfAbsent(ctx context.Context, table string, rec Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO records (tbl, key, body, version) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (tbl, key) DO NOTHING`,
		table, rec.Key, rec.Body)
	if err != nil {
		return false, fmt.Errorf("postgres: put: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: put rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	for attr, value := range rec.Attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_attrs (tbl, key, attr, value) VALUES ($1, $2, $3, $4)`,
			table, rec.Key, attr, value); err != nil {
			return false, fmt.Errorf("postgres: put attr: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("postgres: commit: %w", err)
	}
	return true, nil
}

// Get implements KV.
func (s *PostgresStore) Get(ctx context.Context, table, key string) (Record, error) {
	rec := Record{Key: key, Attrs: map[string]string{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT body, version FROM records WHERE tbl = $1 AND key = $2`,
		table, key).Scan(&rec.Body, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("postgres: get: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT attr, value FROM record_attrs WHERE tbl = $1 AND key = $2`,
		table, key)
	if err != nil {
		return Record{}, fmt.Errorf("postgres: get attrs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var attr, value string
		if err := rows.Scan(&attr, &value); err != nil {
			return Record{}, fmt.Errorf("postgres: scan attr: %w", err)
		}
		rec.Attrs[attr] = value
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("postgres: attrs rows: %w", err)
	}
	return rec, nil
}

// QueryByAttr implements KV.
func (s *PostgresStore) QueryByAttr(ctx context.Context, table, attr, value string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM record_attrs WHERE tbl = $1 AND attr = $2 AND value = $3 ORDER BY key`,
		table, attr, value)
	if err != nil {
		return nil, fmt.Errorf("postgres: query attr: %w", err)
	}
	keys, err := collectPGKeys(rows)
	if err != nil {
		return nil, err
	}
	return s.fetchAll(ctx, table, keys, nil, limit)
}

// QueryRange implements KV.
func (s *PostgresStore) QueryRange(ctx context.Context, table string, eq map[string]string, rangeAttr, from, to string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM record_attrs
		 WHERE tbl = $1 AND attr = $2 AND value >= $3 AND value < $4
		 ORDER BY key`,
		table, rangeAttr, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: query range: %w", err)
	}
	keys, err := collectPGKeys(rows)
	if err != nil {
		return nil, err
	}
	return s.fetchAll(ctx, table, keys, eq, limit)
}

// UpdateVersioned implements KV.
func (s *PostgresStore) UpdateVersioned(ctx context.Context, table, key string, expect int64, body []byte, attrs map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET body = $1, version = version + 1
		 WHERE tbl = $2 AND key = $3 AND version = $4`,
		body, table, key, expect)
	if err != nil {
		return fmt.Errorf("postgres: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update rows: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM records WHERE tbl = $1 AND key = $2`,
			table, key).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: conflict check: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_attrs WHERE tbl = $1 AND key = $2`, table, key); err != nil {
		return fmt.Errorf("postgres: clear attrs: %w", err)
	}
	for attr, value := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_attrs (tbl, key, attr, value) VALUES ($1, $2, $3, $4)`,
			table, key, attr, value); err != nil {
			return fmt.Errorf("postgres: put attr: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) fetchAll(ctx context.Context, table string, keys []string, eq map[string]string, limit int) ([]Record, error) {
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, table, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !attrsMatch(rec.Attrs, eq) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func collectPGKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: keys rows: %w", err)
	}
	return keys, nil
}
