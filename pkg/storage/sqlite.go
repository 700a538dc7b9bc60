package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore is the embedded single-file KV adaptor. Conditional writes map
// onto INSERT OR IGNORE; versioned updates onto a guarded UPDATE.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a sqlite-backed store at path. Use
// ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			tbl     TEXT NOT NULL,
			key     TEXT NOT NULL,
			body    BLOB NOT NULL,
			version INTEGER NOT NULL,
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
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

// PutIfAbsent implements KV.
func (s *SQLiteStore) PutIfAbsent(ctx context.Context, table string, rec Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (tbl, key, body, version) VALUES (?, ?, ?, 1)`,
		table, rec.Key, rec.Body)
	if err != nil {
		return false, fmt.Errorf("sqlite: put: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: put rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	for attr, value := range rec.Attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_attrs (tbl, key, attr, value) VALUES (?, ?, ?, ?)`,
			table, rec.Key, attr, value); err != nil {
			return false, fmt.Errorf("sqlite: put attr: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit: %w", err)
	}
	return true, nil
}

// Get implements KV.
func (s *SQLiteStore) Get(ctx context.Context, table, key string) (Record, error) {
	rec := Record{Key: key, Attrs: map[string]string{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT body, version FROM records WHERE tbl = ? AND key = ?`,
		table, key).Scan(&rec.Body, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: get: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT attr, value FROM record_attrs WHERE tbl = ? AND key = ?`,
		table, key)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite: get attrs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var attr, value string
		if err := rows.Scan(&attr, &value); err != nil {
			return Record{}, fmt.Errorf("sqlite: scan attr: %w", err)
		}
		rec.Attrs[attr] = value
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("sqlite: attrs rows: %w", err)
	}
	return rec, nil
}

// QueryByAttr implements KV.
func (s *SQLiteStore) QueryByAttr(ctx context.Context, table, attr, value string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM record_attrs WHERE tbl = ? AND attr = ? AND value = ? ORDER BY key`,
		table, attr, value)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query attr: %w", err)
	}
	keys, err := collectKeys(rows)
	if err != nil {
		return nil, err
	}
	return s.fetchAll(ctx, table, keys, nil, limit)
}

// QueryRange implements KV.
func (s *SQLiteStore) QueryRange(ctx context.Context, table string, eq map[string]string, rangeAttr, from, to string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM record_attrs
		 WHERE tbl = ? AND attr = ? AND value >= ? AND value < ?
		 ORDER BY key`,
		table, rangeAttr, from, to)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query range: %w", err)
	}
	keys, err := collectKeys(rows)
	if err != nil {
		return nil, err
	}
	return s.fetchAll(ctx, table, keys, eq, limit)
}

// UpdateVersioned implements KV.
func (s *SQLiteStore) UpdateVersioned(ctx context.Context, table, key string, expect int64, body []byte, attrs map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET body = ?, version = version + 1
		 WHERE tbl = ? AND key = ? AND version = ?`,
		body, table, key, expect)
	if err != nil {
		return fmt.Errorf("sqlite: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update rows: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM records WHERE tbl = ? AND key = ?`,
			table, key).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: conflict check: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_attrs WHERE tbl = ? AND key = ?`, table, key); err != nil {
		return fmt.Errorf("sqlite: clear attrs: %w", err)
	}
	for attr, value := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_attrs (tbl, key, attr, value) VALUES (?, ?, ?, ?)`,
			table, key, attr, value); err != nil {
			return fmt.Errorf("sqlite: put attr: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) fetchAll(ctx context.Context, table string, keys []string, eq map[string]string, limit int) ([]Record, error) {
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

func collectKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: keys rows: %w", err)
	}
	return keys, nil
}
