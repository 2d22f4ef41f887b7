// Package memory provides an in-memory implementation of the repository state
// store used for tests and ephemeral environments. The durable drivers embed it
// and persist its snapshot.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"schemahub/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.StateStore = (*Store)(nil)

type (
	// CommitRecord aliases domain.CommitRecord.
	CommitRecord = domain.CommitRecord
	// LockRecord aliases domain.LockRecord.
	LockRecord = domain.LockRecord
	// DomainRecord aliases domain.DomainRecord.
	DomainRecord = domain.DomainRecord
	// DomainActionRecord aliases domain.DomainActionRecord.
	DomainActionRecord = domain.DomainActionRecord
)

// ErrStaleHead is returned when a commit does not extend the current head.
var ErrStaleHead = errors.New("commit parent does not match head")

// ErrLockExists is returned when a lock record already exists for a path.
var ErrLockExists = errors.New("lock already exists")

type memoryState struct {
	head    string
	commits map[string]CommitRecord
	order   []string
	locks   map[string]LockRecord
	domains map[string]DomainRecord
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Head    string                  `json:"head"`
	Commits []CommitRecord          `json:"commits"`
	Locks   map[string]LockRecord   `json:"locks"`
	Domains map[string]DomainRecord `json:"domains"`
}

func newMemoryState() memoryState {
	return memoryState{
		commits: make(map[string]CommitRecord),
		locks:   make(map[string]LockRecord),
		domains: make(map[string]DomainRecord),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Head:    state.head,
		Commits: make([]CommitRecord, 0, len(state.order)),
		Locks:   make(map[string]LockRecord, len(state.locks)),
		Domains: make(map[string]DomainRecord, len(state.domains)),
	}
	for _, id := range state.order {
		s.Commits = append(s.Commits, cloneCommit(state.commits[id]))
	}
	maps.Copy(s.Locks, state.locks)
	for k, v := range state.domains {
		s.Domains[k] = cloneDomain(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for _, c := range s.Commits {
		state.commits[c.ID] = cloneCommit(c)
		state.order = append(state.order, c.ID)
	}
	state.head = s.Head
	maps.Copy(state.locks, s.Locks)
	for k, v := range s.Domains {
		state.domains[k] = cloneDomain(v)
	}
	return state
}

// migrateSnapshot normalizes snapshots written by older builds: commits are
// ordered by revision and a missing head points at the newest commit.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	slices.SortStableFunc(snapshot.Commits, func(a, b CommitRecord) int {
		return cmp.Compare(a.Revision, b.Revision)
	})
	if snapshot.Head == "" && len(snapshot.Commits) > 0 {
		snapshot.Head = snapshot.Commits[len(snapshot.Commits)-1].ID
	}
	if snapshot.Locks == nil {
		snapshot.Locks = map[string]LockRecord{}
	}
	if snapshot.Domains == nil {
		snapshot.Domains = map[string]DomainRecord{}
	}
	for id, rec := range snapshot.Domains {
		if rec.Base == nil {
			rec.Base = domain.NewDataset()
			snapshot.Domains[id] = rec
		}
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	out.head = s.head
	out.order = slices.Clone(s.order)
	maps.Copy(out.commits, s.commits)
	maps.Copy(out.locks, s.locks)
	maps.Copy(out.domains, s.domains)
	return out
}

func cloneCommit(c CommitRecord) CommitRecord {
	out := c
	out.Properties = maps.Clone(c.Properties)
	out.Files = make(map[string]string, len(c.Files))
	maps.Copy(out.Files, c.Files)
	out.Dirs = append([]string(nil), c.Dirs...)
	out.Changes = append([]domain.FileChange(nil), c.Changes...)
	return out
}

func cloneDomain(d DomainRecord) DomainRecord {
	out := d
	if d.Base != nil {
		base, err := d.Base.Clone()
		if err == nil {
			out.Base = base
		}
	}
	out.Actions = make([]DomainActionRecord, len(d.Actions))
	for i, a := range d.Actions {
		a.Payload = append([]byte(nil), a.Payload...)
		out.Actions[i] = a
	}
	return out
}

// CommitHook runs inside RunInTransaction after fn succeeds and before the new
// state becomes visible. Durable drivers use it to persist the snapshot; a
// returned error discards the transaction.
type CommitHook func(ctx context.Context, snapshot Snapshot) error

// Store provides an in-memory transactional store for repository state.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	hook  CommitHook
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newMemoryState()}
}

// SetCommitHook installs the hook executed before each transaction becomes visible.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

type transaction struct {
	state *memoryState
}

type transactionView struct {
	state *memoryState
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.StateTransaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&transaction{state: &next}); err != nil {
		return err
	}
	if s.hook != nil {
		if err := s.hook(ctx, snapshotFromMemoryState(next)); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}
	s.state = next
	return nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.StateView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(transactionView{state: &snapshot})
}

func (v transactionView) Head() (CommitRecord, bool) { return head(v.state) }
func (v transactionView) FindCommit(id string) (CommitRecord, bool) { return findCommit(v.state, id) }
func (v transactionView) ListCommits() []CommitRecord { return listCommits(v.state) }
func (v transactionView) ListLocks() []LockRecord { return listLocks(v.state) }
func (v transactionView) FindDomain(id string) (DomainRecord, bool) { return findDomain(v.state, id) }
func (v transactionView) ListDomains() []DomainRecord { return listDomains(v.state) }

func (tx *transaction) Head() (CommitRecord, bool) { return head(tx.state) }
func (tx *transaction) FindCommit(id string) (CommitRecord, bool) { return findCommit(tx.state, id) }
func (tx *transaction) ListCommits() []CommitRecord { return listCommits(tx.state) }
func (tx *transaction) ListLocks() []LockRecord { return listLocks(tx.state) }
func (tx *transaction) FindDomain(id string) (DomainRecord, bool) { return findDomain(tx.state, id) }
func (tx *transaction) ListDomains() []DomainRecord { return listDomains(tx.state) }

// AppendCommit records c as the new head. Its parent must be the current head.
func (tx *transaction) AppendCommit(c CommitRecord) error {
	if c.ID == "" {
		return errors.New("commit id required")
	}
	if _, exists := tx.state.commits[c.ID]; exists {
		return fmt.Errorf("commit %s already exists", c.ID)
	}
	if c.Parent != tx.state.head {
		return fmt.Errorf("%w: parent %q, head %q", ErrStaleHead, c.Parent, tx.state.head)
	}
	tx.state.commits[c.ID] = cloneCommit(c)
	tx.state.order = append(tx.state.order, c.ID)
	tx.state.head = c.ID
	return nil
}

// PutLock records a lock. Existing locks on the same path are not replaced.
func (tx *transaction) PutLock(l LockRecord) error {
	if l.Path == "" {
		return errors.New("lock path required")
	}
	if existing, ok := tx.state.locks[l.Path]; ok {
		return fmt.Errorf("%w: %s held by %s", ErrLockExists, l.Path, existing.Owner)
	}
	tx.state.locks[l.Path] = l
	return nil
}

// DeleteLock removes a lock and reports whether it existed.
func (tx *transaction) DeleteLock(path string) bool {
	if _, ok := tx.state.locks[path]; !ok {
		return false
	}
	delete(tx.state.locks, path)
	return true
}

// PutDomain creates or replaces a session record.
func (tx *transaction) PutDomain(d DomainRecord) error {
	if d.ID == "" {
		return errors.New("domain id required")
	}
	tx.state.domains[d.ID] = cloneDomain(d)
	return nil
}

// AppendDomainAction appends a completed action to a session record.
func (tx *transaction) AppendDomainAction(id string, action DomainActionRecord) error {
	rec, ok := tx.state.domains[id]
	if !ok {
		return fmt.Errorf("domain %s not found", id)
	}
	if n := len(rec.Actions); n > 0 && rec.Actions[n-1].Seq >= action.Seq {
		return fmt.Errorf("domain %s: action %d is not after %d", id, action.Seq, rec.Actions[n-1].Seq)
	}
	rec.Actions = append(slices.Clone(rec.Actions), action)
	tx.state.domains[id] = rec
	return nil
}

// DeleteDomain removes a session record and reports whether it existed.
func (tx *transaction) DeleteDomain(id string) bool {
	if _, ok := tx.state.domains[id]; !ok {
		return false
	}
	delete(tx.state.domains, id)
	return true
}

func head(state *memoryState) (CommitRecord, bool) {
	if state.head == "" {
		return CommitRecord{}, false
	}
	return findCommit(state, state.head)
}

func findCommit(state *memoryState, id string) (CommitRecord, bool) {
	c, ok := state.commits[id]
	if !ok {
		return CommitRecord{}, false
	}
	return cloneCommit(c), true
}

func listCommits(state *memoryState) []CommitRecord {
	out := make([]CommitRecord, 0, len(state.order))
	for _, id := range state.order {
		out = append(out, cloneCommit(state.commits[id]))
	}
	return out
}

func listLocks(state *memoryState) []LockRecord {
	out := make([]LockRecord, 0, len(state.locks))
	for _, path := range slices.Sorted(maps.Keys(state.locks)) {
		out = append(out, state.locks[path])
	}
	return out
}

func findDomain(state *memoryState, id string) (DomainRecord, bool) {
	d, ok := state.domains[id]
	if !ok {
		return DomainRecord{}, false
	}
	return cloneDomain(d), true
}

func listDomains(state *memoryState) []DomainRecord {
	out := make([]DomainRecord, 0, len(state.domains))
	for _, id := range slices.Sorted(maps.Keys(state.domains)) {
		out = append(out, cloneDomain(state.domains[id]))
	}
	return out
}
