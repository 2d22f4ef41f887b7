package data

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"schemahub/internal/events"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

func TestOpenCreatesLayout(t *testing.T) {
	f := newFixture(t)
	for _, dir := range []string{repository.TablesRoot, repository.TypesRoot} {
		ok, err := f.repo.Exists(context.Background(), dir)
		if err != nil || !ok {
			t.Fatalf("Exists(%s) = %v, %v", dir, ok, err)
		}
	}
	rev := f.revision(t)
	f.reopen(t)
	if got := f.revision(t); got != rev {
		t.Fatalf("reopen committed again: revision %d -> %d", rev, got)
	}
}

func TestCreateCategoryTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sig, err := f.db.TableCategories.Create(ctx, f.alice, "/", "A")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if sig.IsZero() {
		t.Fatalf("first create returned no signature")
	}
	_, err = f.db.TableCategories.Create(ctx, f.alice, "/", "A")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second create error = %v, want conflict", err)
	}

	children, err := f.db.TableCategories.Children(ctx, "/")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if diff := cmp.Diff([]string{"A"}, children); diff != "" {
		t.Fatalf("children mismatch (-want +got):\n%s", diff)
	}
	dirs, err := f.repo.Dirs(ctx, repository.TablesRoot)
	if err != nil {
		t.Fatalf("Dirs: %v", err)
	}
	if diff := cmp.Diff([]string{"/tables", "/tables/A"}, dirs); diff != "" {
		t.Fatalf("dirs mismatch (-want +got):\n%s", diff)
	}

	log, err := f.repo.Log(ctx, 0)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	var signatures []domain.SignatureDate
	for _, c := range log {
		if c.Properties["action"] == verbCreate && c.Properties["paths"] == "/A/" {
			signatures = append(signatures, c.Signature)
			if c.Message != "alice: create table category /A/" {
				t.Fatalf("message = %q", c.Message)
			}
		}
	}
	if diff := cmp.Diff([]domain.SignatureDate{sig}, signatures); diff != "" {
		t.Fatalf("signatures mismatch (-want +got):\n%s", diff)
	}
	if n := f.rec.Count(events.KindCreated); n != 1 {
		t.Fatalf("created notifications = %d, want 1", n)
	}
	if len(f.locks(t)) != 0 {
		t.Fatalf("locks leaked: %v", f.locks(t))
	}
}

func TestCategoryRenameMoveDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cats := f.db.TableCategories

	for _, name := range []string{"A", "B"} {
		if _, err := cats.Create(ctx, f.alice, "/", name); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if _, err := cats.Create(ctx, f.alice, "/A/", "Inner"); err != nil {
		t.Fatalf("create inner: %v", err)
	}
	table := f.createTable(t, "/A/Inner/", "T", keyColumn("id"))

	if _, err := cats.Rename(ctx, f.alice, "/A/", "C"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	data, err := table.Data(ctx)
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if data.Path() != "/C/Inner/T" {
		t.Fatalf("path after rename = %s", data.Path())
	}

	if _, err := cats.Move(ctx, f.alice, "/C/", "/B/"); err != nil {
		t.Fatalf("move: %v", err)
	}
	data, _ = table.Data(ctx)
	if data.Path() != "/B/C/Inner/T" {
		t.Fatalf("path after move = %s", data.Path())
	}
	f.readFile(t, "/tables/B/C/Inner/T.table.json")

	_, err = cats.Move(ctx, f.alice, "/B/", "/B/C/")
	expectKind(t, err, domain.KindValidation)
	_, err = cats.Rename(ctx, f.alice, "/", "root")
	expectKind(t, err, domain.KindValidation)
	_, err = cats.Delete(ctx, f.alice, "/B/")
	expectKind(t, err, domain.KindValidation)
	_, err = cats.Rename(ctx, f.alice, "/missing/", "x")
	expectKind(t, err, domain.KindNotFound)
	_, err = cats.Create(ctx, f.alice, "/", "a|b")
	expectKind(t, err, domain.KindValidation)

	if _, err := f.db.Tables.Delete(ctx, f.alice, "T"); err != nil {
		t.Fatalf("delete table: %v", err)
	}
	if _, err := cats.Delete(ctx, f.alice, "/B/"); err != nil {
		t.Fatalf("delete category: %v", err)
	}
	children, _ := cats.Children(ctx, "/")
	if diff := cmp.Diff([]string(nil), children, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("children mismatch (-want +got):\n%s", diff)
	}
	if ok, _ := f.repo.Exists(ctx, "/tables/B"); ok {
		t.Fatalf("deleted directory still committed")
	}

	want := []events.Kind{
		events.KindCreated, events.KindCreated, events.KindCreated, events.KindCreated,
		events.KindRenamed, events.KindMoved, events.KindDeleted, events.KindDeleted,
	}
	expectKinds(t, f.rec, want...)
	wantRenamed := []events.Item{
		{Kind: domain.EntityTableCategory, Path: "/C/", OldPath: "/A/", Name: "C", OldName: "A"},
		{Kind: domain.EntityTable, Path: "/C/Inner/T", OldPath: "/A/Inner/T", Name: "T"},
	}
	if diff := cmp.Diff(wantRenamed, f.rec.Notifications()[4].Items); diff != "" {
		t.Fatalf("renamed items mismatch (-want +got):\n%s", diff)
	}
	wantMoved := []events.Item{
		{Kind: domain.EntityTableCategory, Path: "/B/C/", OldPath: "/C/", Name: "C", OldName: "C"},
		{Kind: domain.EntityTable, Path: "/B/C/Inner/T", OldPath: "/C/Inner/T", Name: "T"},
	}
	if diff := cmp.Diff(wantMoved, f.rec.Notifications()[5].Items); diff != "" {
		t.Fatalf("moved items mismatch (-want +got):\n%s", diff)
	}
}

func TestCategoryGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.db.TableCategories.Create(ctx, f.guest, "/", "A")
	expectKind(t, err, domain.KindPermissionDenied)
	_, err = f.db.TableCategories.Create(ctx, f.alice, "/missing/", "A")
	expectKind(t, err, domain.KindNotFound)

	// A directory committed behind the tree's back still blocks the name.
	if _, err := f.repo.Transact(ctx, repository.Commit{Actor: f.alice, Owner: "external", Message: "external"}, func(tx *repository.Tx) error {
		return tx.Mkdir("/types/Ghost")
	}); err != nil {
		t.Fatalf("external commit: %v", err)
	}
	_, err = f.db.TypeCategories.Create(ctx, f.alice, "/", "Ghost")
	expectKind(t, err, domain.KindConflict)

	if n := len(f.rec.Notifications()); n != 0 {
		t.Fatalf("rejected operations raised %d notifications", n)
	}
}

func TestMoveStoreFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createTable(t, "/", "T", keyColumn("id"))
	rev := f.revision(t)

	// Moving the table forces a new blob for its restamped file.
	if _, err := f.db.TableCategories.Create(ctx, f.alice, "/", "A"); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.blobs.fail.Store(true)
	_, err := f.db.Tables.Move(ctx, f.alice, "T", "/A/")
	f.blobs.fail.Store(false)
	expectKind(t, err, domain.KindStoreFailure)

	if got := f.revision(t); got != rev+1 {
		t.Fatalf("revision = %d, want %d", got, rev+1)
	}
	items, _ := f.db.TableCategories.Items(ctx, "/")
	if diff := cmp.Diff([]string{"T"}, items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	f.readFile(t, "/tables/T.table.json")
	if ok, _ := f.repo.Exists(ctx, "/tables/A/T.table.json"); ok {
		t.Fatalf("failed move is visible in the repository")
	}
	if len(f.locks(t)) != 0 {
		t.Fatalf("locks leaked: %v", f.locks(t))
	}
	if f.rec.Count(events.KindMoved) != 0 {
		t.Fatalf("failed move raised a notification")
	}

	if _, err := f.db.Tables.Move(ctx, f.alice, "T", "/A/"); err != nil {
		t.Fatalf("retry move: %v", err)
	}
}
