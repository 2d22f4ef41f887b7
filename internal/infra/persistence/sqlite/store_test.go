package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"schemahub/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ctx := context.Background()
	base := domain.NewDataset()
	base.Tables["T"] = &domain.TableData{TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/"}}
	err = store.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
		if err := tx.AppendCommit(domain.CommitRecord{ID: "c1", Revision: 1, Actor: "alice", CommittedAt: time.Now().UTC()}); err != nil {
			return err
		}
		if err := tx.PutLock(domain.LockRecord{Path: "/tables/T.table.json", Owner: "d1"}); err != nil {
			return err
		}
		return tx.PutDomain(domain.DomainRecord{ID: "d1", Kind: domain.DomainTableContent, ItemPath: "/T", Base: base})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	_ = reloaded.View(ctx, func(v domain.StateView) error {
		if head, ok := v.Head(); !ok || head.ID != "c1" {
			t.Fatalf("expected head c1, got %+v", head)
		}
		if locks := v.ListLocks(); len(locks) != 1 || locks[0].Owner != "d1" {
			t.Fatalf("expected persisted lock, got %+v", locks)
		}
		rec, ok := v.FindDomain("d1")
		if !ok || rec.Base.Tables["T"] == nil {
			t.Fatalf("expected persisted domain with base dataset, got %+v", rec)
		}
		return nil
	})
}

func TestSQLiteStoreFailedTransactionIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ctx := context.Background()
	_ = store.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
		_ = tx.PutLock(domain.LockRecord{Path: "/x", Owner: "alice"})
		return context.Canceled
	})
	_ = store.Close()

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	_ = reloaded.View(ctx, func(v domain.StateView) error {
		if len(v.ListLocks()) != 0 {
			t.Fatalf("expected no persisted locks")
		}
		return nil
	})
}

func TestSQLiteStorePersistFailsAfterClose(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_ = store.DB().Close()
	err = store.RunInTransaction(context.Background(), func(tx domain.StateTransaction) error {
		return tx.PutLock(domain.LockRecord{Path: "/x", Owner: "alice"})
	})
	if err == nil {
		t.Fatalf("expected persist failure on closed db")
	}
	if locks := store.ExportState().Locks; len(locks) != 0 {
		t.Fatalf("expected memory state unchanged, got %+v", locks)
	}
}
