// Package testutil provides a database/sql driver that fakes the handful of
// statements the postgres state store issues against repository_state.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Failures makes the matching calls fail while a switch is set.
type Failures struct {
	Exec   bool
	Query  bool
	Begin  bool
	Commit bool
}

// StubConn holds repository_state in memory. It is shared by every sql.DB
// opened through Reopen, so state survives a simulated restart.
type StubConn struct {
	mu       sync.Mutex
	sections map[string][]byte
	staged   map[string][]byte
	pending  []string
	writes   map[string]int
	driver   string

	Fail Failures
	// PingFailures is the number of pings that fail before one succeeds.
	PingFailures int
	Pings        int
	Commits      int
	Rollbacks    int
}

var drivers atomic.Int64

// NewStubDB registers a fresh stub driver and returns a handle to it.
func NewStubDB() (*sql.DB, *StubConn) {
	c := &StubConn{sections: map[string][]byte{}, writes: map[string]int{}}
	c.driver = fmt.Sprintf("schemahub-stub-%d", drivers.Add(1))
	sql.Register(c.driver, connector{c})
	return c.Reopen(), c
}

// Reopen returns a new sql.DB over the same stored rows.
func (c *StubConn) Reopen() *sql.DB {
	db, err := sql.Open(c.driver, "")
	if err != nil {
		panic(err)
	}
	return db
}

// Section returns a copy of the committed body for name.
func (c *StubConn) Section(name string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.sections[name]
	return slices.Clone(body), ok
}

// Writes reports how many committed upserts targeted name.
func (c *StubConn) Writes(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[name]
}

type connector struct{ c *StubConn }

func (d connector) Open(string) (driver.Conn, error) { return d.c, nil }

func (c *StubConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("stub: prepare not supported: %s", query)
}

func (c *StubConn) Close() error { return nil }

func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *StubConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pings++
	if c.PingFailures > 0 {
		c.PingFailures--
		return errors.New("stub: connection refused")
	}
	return nil
}

func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail.Begin {
		return nil, errors.New("stub: begin failed")
	}
	c.staged = maps.Clone(c.sections)
	return stubTx{c}, nil
}

func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail.Exec {
		return nil, errors.New("stub: exec failed")
	}
	stmt := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if strings.HasPrefix(stmt, "create table") {
		return driver.RowsAffected(0), nil
	}
	if !strings.HasPrefix(stmt, "insert into repository_state") {
		return nil, fmt.Errorf("stub: unsupported statement %q", query)
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("stub: upsert wants 2 args, got %d", len(args))
	}
	name, ok := args[0].Value.(string)
	body, ok2 := args[1].Value.([]byte)
	if !ok || !ok2 {
		return nil, fmt.Errorf("stub: upsert wants (string, []byte), got (%T, %T)", args[0].Value, args[1].Value)
	}
	if c.staged == nil {
		c.sections[name] = slices.Clone(body)
		c.writes[name]++
		return driver.RowsAffected(1), nil
	}
	c.staged[name] = slices.Clone(body)
	c.pending = append(c.pending, name)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail.Query {
		return nil, errors.New("stub: query failed")
	}
	if stmt := strings.ToLower(strings.Join(strings.Fields(query), " ")); stmt != "select section, body from repository_state" {
		return nil, fmt.Errorf("stub: unsupported query %q", query)
	}
	rows := &stubRows{}
	for _, name := range slices.Sorted(maps.Keys(c.sections)) {
		rows.values = append(rows.values, []driver.Value{name, slices.Clone(c.sections[name])})
	}
	return rows, nil
}

type stubTx struct{ c *StubConn }

func (t stubTx) Commit() error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	staged, pending := t.c.staged, t.c.pending
	t.c.staged, t.c.pending = nil, nil
	if t.c.Fail.Commit {
		return errors.New("stub: commit failed")
	}
	for _, name := range pending {
		t.c.writes[name]++
	}
	t.c.sections = staged
	t.c.Commits++
	return nil
}

func (t stubTx) Rollback() error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.c.staged, t.c.pending = nil, nil
	t.c.Rollbacks++
	return nil
}

type stubRows struct {
	values [][]driver.Value
	next   int
}

func (r *stubRows) Columns() []string { return []string{"section", "body"} }

func (r *stubRows) Close() error { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.next == len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.next])
	r.next++
	return nil
}
