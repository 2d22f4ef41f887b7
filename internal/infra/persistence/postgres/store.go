// Package postgres keeps repository state in Postgres, one JSONB row per
// snapshot section.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"schemahub/internal/infra/persistence/memory"
	"schemahub/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.StateStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/schemahub?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex

	// pingBackOff bounds how long NewStore waits for the server to accept connections.
	pingBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = 15 * time.Second
		return b
	}
)

// Store is a memory.Store whose commits are mirrored to a Postgres table.
type Store struct {
	*memory.Store
	db      *sql.DB
	written memory.SectionWriter
}

// NewStore connects to dsn, or defaultDSN when it is empty. It retries the
// initial ping with exponential backoff, creates the state table on first use
// and restores any saved snapshot.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db}
	if err := s.connect(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.SetCommitHook(s.save)
	return s, nil
}

func (s *Store) connect(ctx context.Context) error {
	ping := func() error { return s.db.PingContext(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(pingBackOff(), ctx)); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create repository_state: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT section, body FROM repository_state`)
	if err != nil {
		return fmt.Errorf("load repository_state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	loaded := map[string][]byte{}
	for rows.Next() {
		var name string
		var body []byte
		if err := rows.Scan(&name, &body); err != nil {
			return fmt.Errorf("load repository_state: %w", err)
		}
		ok, err := memory.DecodeSection(&snapshot, name, body)
		if err != nil {
			return err
		}
		if ok {
			loaded[name] = body
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load repository_state: %w", err)
	}
	if len(loaded) > 0 {
		s.ImportState(snapshot)
		s.written.Settle(loaded)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the database handle to tests.
func (s *Store) DB() *sql.DB { return s.db }

const schema = `CREATE TABLE IF NOT EXISTS repository_state (
	section TEXT PRIMARY KEY,
	body    JSONB NOT NULL
)`

// save upserts only the sections that changed since the last successful save.
func (s *Store) save(ctx context.Context, snapshot memory.Snapshot) (err error) {
	names, bodies, err := s.written.Dirty(snapshot)
	if err != nil || len(names) == 0 {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, name := range names {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO repository_state(section, body) VALUES($1, $2)
			 ON CONFLICT(section) DO UPDATE SET body = EXCLUDED.body`, name, bodies[name]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.written.Settle(bodies)
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
