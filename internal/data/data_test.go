package data

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"schemahub/internal/auth"
	"schemahub/internal/blob"
	"schemahub/internal/domains"
	"schemahub/internal/events"
	"schemahub/internal/infra/persistence/memory"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

var errInjected = errors.New("injected blob failure")

// flakyBlobs fails every Put while fail is set.
type flakyBlobs struct {
	blob.Store
	fail atomic.Bool
}

func (b *flakyBlobs) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if b.fail.Load() {
		return blob.Info{}, errInjected
	}
	return b.Store.Put(ctx, key, r, opts)
}

type fixture struct {
	blobs    *flakyBlobs
	state    *memory.Store
	signer   *auth.Signer
	policy   *auth.Policy
	admin    *auth.Authentication
	alice    *auth.Authentication
	bob      *auth.Authentication
	guest    *auth.Authentication
	rules    *domain.RulesEngine
	registry *domains.Registry
	repo     *repository.Repository
	db       *DataBase
	rec      *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := auth.NewSigner([]byte("data-test"), "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	f := &fixture{
		blobs:  &flakyBlobs{Store: blob.NewMemory()},
		state:  memory.NewStore(),
		signer: signer,
		policy: auth.NewPolicy(nil),
		admin:  signer.Authenticate("admin", "admin", auth.AuthorityAdmin),
		alice:  signer.Authenticate("alice", "alice", auth.AuthorityUser),
		bob:    signer.Authenticate("bob", "bob", auth.AuthorityUser),
		guest:  signer.Authenticate("guest", "guest", auth.AuthorityGuest),
	}
	f.open(t)
	return f
}

// open starts a fresh process view over the fixture's stores.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	repo, err := repository.Open(ctx, repository.Options{Name: "test", Blobs: f.blobs, State: f.state})
	if err != nil {
		t.Fatalf("repository.Open: %v", err)
	}
	f.repo = repo
	f.registry = domains.NewRegistry(f.state, nil, nil)
	f.rec = &events.Recorder{}
	db, err := Open(ctx, Options{
		Repository: repo,
		Registry:   f.registry,
		Policy:     f.policy,
		System:     f.signer.System(),
		Rules:      f.rules,
		Sink:       f.rec,
	})
	if err != nil {
		t.Fatalf("data.Open: %v", err)
	}
	f.db = db
	t.Cleanup(f.close)
}

func (f *fixture) close() {
	ctx := context.Background()
	_ = f.db.Close(ctx)
	_ = f.repo.Close(ctx)
}

// reopen simulates a process restart.
func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	f.close()
	f.open(t)
}

func (f *fixture) createTable(t *testing.T, categoryPath, name string, columns ...domain.Column) *Table {
	t.Helper()
	ctx := context.Background()
	if _, err := f.db.Tables.Create(ctx, f.alice, categoryPath, name, columns); err != nil {
		t.Fatalf("create table %s: %v", name, err)
	}
	table, err := f.db.Tables.Get(ctx, name)
	if err != nil {
		t.Fatalf("get table %s: %v", name, err)
	}
	return table
}

func (f *fixture) locks(t *testing.T) []domain.LockRecord {
	t.Helper()
	locks, err := f.repo.Locks(context.Background())
	if err != nil {
		t.Fatalf("Locks: %v", err)
	}
	return locks
}

func (f *fixture) revision(t *testing.T) int64 {
	t.Helper()
	rev, err := f.repo.Revision(context.Background())
	if err != nil {
		t.Fatalf("Revision: %v", err)
	}
	return rev
}

func (f *fixture) readFile(t *testing.T, p string) []byte {
	t.Helper()
	data, err := f.repo.ReadFile(context.Background(), p)
	if err != nil {
		t.Fatalf("ReadFile %s: %v", p, err)
	}
	return data
}

func keyColumn(name string) domain.Column {
	return domain.Column{Name: name, DataType: domain.DataTypeString, IsKey: true}
}

func column(name, dataType string) domain.Column {
	return domain.Column{Name: name, DataType: dataType}
}

func row(kv ...string) domain.Row {
	r := domain.Row{Fields: make(map[string]string)}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Fields[kv[i]] = kv[i+1]
	}
	return r
}

func expectKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	if got := domain.KindOf(err); got != kind {
		t.Fatalf("error kind = %q (%v), want %q", got, err, kind)
	}
}

type editable interface {
	State(ctx context.Context) (domain.EntityState, error)
	DomainID(ctx context.Context) (string, error)
}

// expectState checks the facet flag and that it agrees with the session
// reference.
func expectState(t *testing.T, f editable, want domain.EntityState) {
	t.Helper()
	ctx := context.Background()
	state, err := f.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != want {
		t.Fatalf("state = %q, want %q", state, want)
	}
	id, err := f.DomainID(ctx)
	if err != nil {
		t.Fatalf("DomainID: %v", err)
	}
	if state.IsEditing() != (id != "") {
		t.Fatalf("state %q disagrees with domain id %q", state, id)
	}
}

func expectKinds(t *testing.T, rec *events.Recorder, want ...events.Kind) {
	t.Helper()
	if diff := cmp.Diff(want, rec.Kinds(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("notification kinds mismatch (-want +got):\n%s", diff)
	}
}
