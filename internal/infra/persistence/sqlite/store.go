// Package sqlite keeps repository state in a SQLite file. Transactions run
// against the embedded memory store; each successful one rewrites the
// snapshot sections it changed before becoming visible.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"schemahub/internal/infra/persistence/memory"
	"schemahub/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.StateStore = (*Store)(nil)

const schema = `CREATE TABLE IF NOT EXISTS repository_state (
	section TEXT PRIMARY KEY,
	body    BLOB NOT NULL
)`

// Store is a memory.Store whose commits are mirrored to SQLite.
type Store struct {
	*memory.Store
	db      *sql.DB
	path    string
	written memory.SectionWriter
}

// NewStore opens (or creates) the database at path and loads any saved state.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "schemahub.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite state: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite state: open %s: %w", path, err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.SetCommitHook(s.save)
	return s, nil
}

func (s *Store) restore() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite state: create table: %w", err)
	}
	rows, err := s.db.Query(`SELECT section, body FROM repository_state`)
	if err != nil {
		return fmt.Errorf("sqlite state: load: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	loaded := make(map[string][]byte)
	for rows.Next() {
		var name string
		var body []byte
		if err := rows.Scan(&name, &body); err != nil {
			return fmt.Errorf("sqlite state: scan: %w", err)
		}
		ok, err := memory.DecodeSection(&snapshot, name, body)
		if err != nil {
			return fmt.Errorf("sqlite state: %w", err)
		}
		if ok {
			loaded[name] = body
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite state: load: %w", err)
	}
	if len(loaded) > 0 {
		s.ImportState(snapshot)
		s.written.Settle(loaded)
	}
	return nil
}

// save runs under the memory store's write lock, so calls never overlap.
func (s *Store) save(ctx context.Context, snapshot memory.Snapshot) error {
	names, bodies, err := s.written.Dirty(snapshot)
	if err != nil || len(names) == 0 {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO repository_state(section, body) VALUES(?, ?)
			 ON CONFLICT(section) DO UPDATE SET body = excluded.body`, name, bodies[name])
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.written.Settle(bodies)
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the database handle to tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }
