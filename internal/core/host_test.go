package core

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"schemahub/internal/auth"
	"schemahub/internal/blob"
	"schemahub/internal/config"
	"schemahub/internal/events"
	"schemahub/internal/infra/persistence/memory"
	"schemahub/pkg/domain"
)

func openHost(t *testing.T, cfg config.Config, opts Options) *Host {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h, err := Open(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return h
}

func keyColumn(name string) domain.Column {
	return domain.Column{Name: name, DataType: domain.DataTypeString, IsKey: true}
}

func TestHostRestoresSessions(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Auth.SigningKey = "host-test"
	state := memory.NewStore()
	blobs := blob.NewMemory()
	rec := &events.Recorder{}

	h := openHost(t, cfg, Options{State: state, Blobs: blobs, Sink: rec})
	alice := h.Authenticate("alice", "alice", auth.AuthorityUser)
	db := h.DataBase()
	if _, err := db.Tables.Create(ctx, alice, "/", "T", []domain.Column{keyColumn("id")}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	table, err := db.Tables.Get(ctx, "T")
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	if err := table.Content.BeginEdit(ctx, alice); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if err := table.Content.SetRow(ctx, alice, domain.Row{Fields: map[string]string{"id": "1"}}); err != nil {
		t.Fatalf("SetRow: %v", err)
	}
	if got := testutil.ToFloat64(h.Metrics().activeDomains); got != 1 {
		t.Fatalf("active domains = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.Metrics().locks); got != 1 {
		t.Fatalf("locks = %v, want 1", got)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.Count(events.KindCreated) != 1 || rec.Count(events.KindEditBegun) != 1 {
		t.Fatalf("sink received %v", rec.Kinds())
	}

	h = openHost(t, cfg, Options{State: state, Blobs: blobs})
	defer func() { _ = h.Close(ctx) }()
	sessions, err := h.DataBase().Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("restored sessions = %v, want 1", sessions)
	}
	if got := testutil.ToFloat64(h.Metrics().activeDomains); got != 1 {
		t.Fatalf("active domains after restore = %v, want 1", got)
	}

	table, err = h.DataBase().Tables.Get(ctx, "T")
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	sig, err := table.Content.EndEdit(ctx, alice)
	if err != nil {
		t.Fatalf("EndEdit: %v", err)
	}
	if sig.IsZero() {
		t.Fatalf("EndEdit returned no signature")
	}
	data, _ := table.Data(ctx)
	if len(data.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(data.Rows))
	}
	if got := testutil.ToFloat64(h.Metrics().operations.WithLabelValues("table_content.end", "ok")); got != 1 {
		t.Fatalf("end count = %v, want 1", got)
	}
}

func TestHostPolicyAndRules(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Auth.DefaultAccess = map[auth.Authority]domain.AccessType{auth.AuthorityUser: domain.AccessGuest}
	cfg.Auth.Rules = []config.AccessRule{{Path: "/Open/", Subject: "authority:user", Access: domain.AccessMaster}}
	cfg.Rules.Expressions = []config.ExprRule{{Name: "short_names", Entity: "table", Expression: "len(table.name) <= 4"}}

	h := openHost(t, cfg, Options{})
	defer func() { _ = h.Close(ctx) }()
	admin := h.Authenticate("admin", "admin", auth.AuthorityAdmin)
	alice := h.Authenticate("alice", "alice", auth.AuthorityUser)
	db := h.DataBase()

	if _, err := db.TableCategories.Create(ctx, admin, "/", "Open"); err != nil {
		t.Fatalf("create category: %v", err)
	}
	if _, err := db.Tables.Create(ctx, alice, "/", "T", []domain.Column{keyColumn("id")}); domain.KindOf(err) != domain.KindPermissionDenied {
		t.Fatalf("create outside rule = %v, want permission denied", err)
	}
	if _, err := db.Tables.Create(ctx, alice, "/Open/", "Orders", []domain.Column{keyColumn("id")}); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("long name = %v, want validation failure", err)
	}
	if _, err := db.Tables.Create(ctx, alice, "/Open/", "Tiny", []domain.Column{keyColumn("id")}); err != nil {
		t.Fatalf("create in granted category: %v", err)
	}
}

func TestHostOpenErrors(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Rules.Expressions = []config.ExprRule{{Name: "bad", Entity: "table", Expression: "1 + 1"}}
	if _, err := Open(ctx, cfg, Options{Logger: zap.NewNop()}); err == nil {
		t.Fatalf("non-boolean rule accepted")
	}

	cfg = config.Default()
	cfg.Storage.Driver = "redis"
	if _, err := Open(ctx, cfg, Options{Logger: zap.NewNop()}); err == nil {
		t.Fatalf("unknown storage driver accepted")
	}
}

func TestOpenStateStoreSQLite(t *testing.T) {
	store, err := OpenStateStore(context.Background(), config.StorageConfig{Driver: config.StorageSQLite, SQLitePath: t.TempDir() + "/state.db"})
	if err != nil {
		t.Fatalf("OpenStateStore: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBuildPolicy(t *testing.T) {
	signer, _ := auth.NewSigner([]byte("k"), "")
	guest := signer.Authenticate("g", "g", auth.AuthorityGuest)
	bob := signer.Authenticate("bob", "bob", auth.AuthorityUser)
	policy := BuildPolicy(config.AuthConfig{
		DefaultAccess: map[auth.Authority]domain.AccessType{auth.AuthorityGuest: domain.AccessNone},
		Rules:         []config.AccessRule{{Path: "/A/T", Subject: "bob", Access: domain.AccessOwner}},
	})
	if got := policy.AccessOf(guest, "/A/T"); got != domain.AccessNone {
		t.Fatalf("guest access = %v", got)
	}
	if got := policy.AccessOf(bob, "/A/T"); got != domain.AccessOwner {
		t.Fatalf("bob access on rule path = %v", got)
	}
	if got := policy.AccessOf(bob, "/B/T"); got != domain.AccessMaster {
		t.Fatalf("bob default access = %v", got)
	}
}
