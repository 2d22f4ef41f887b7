package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	return map[string]Store{
		"memory":    NewMemory(),
		"fs":        fsStore,
		"s3":        NewMockS3ForTests(""),
		"s3-prefix": NewMockS3ForTests("repo/main"),
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			info, err := store.Put(ctx, "objects/ab/cd", bytes.NewReader([]byte("hello")), PutOptions{ContentType: "application/json"})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Key != "objects/ab/cd" || info.Size != 5 {
				t.Fatalf("unexpected info %+v", info)
			}
			if _, err := store.Put(ctx, "objects/ab/cd", bytes.NewReader([]byte("again")), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			data, err := ReadAll(ctx, store, "objects/ab/cd")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(data) != "hello" {
				t.Fatalf("expected original content, got %q", data)
			}
			if _, err := store.Head(ctx, "objects/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from head, got %v", err)
			}
			if _, _, err := store.Get(ctx, "objects/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from get, got %v", err)
			}
			if _, err := store.Put(ctx, "objects/zz", bytes.NewReader([]byte("z")), PutOptions{}); err != nil {
				t.Fatalf("put second: %v", err)
			}
			if _, err := store.Put(ctx, "other/x", bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
				t.Fatalf("put other: %v", err)
			}
			list, err := store.List(ctx, "objects/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].Key != "objects/ab/cd" || list[1].Key != "objects/zz" {
				t.Fatalf("unexpected listing %+v", list)
			}
			existed, err := store.Delete(ctx, "objects/zz")
			if err != nil || !existed {
				t.Fatalf("expected delete to report existing object: %v %v", existed, err)
			}
			existed, err = store.Delete(ctx, "objects/zz")
			if err != nil || existed {
				t.Fatalf("expected second delete to report missing: %v %v", existed, err)
			}
		})
	}
}

func TestFilesystemRejectsUnsafeKeys(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "objects/"} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil), PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestFilesystemReplacesOrphanedData(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	orphan := filepath.Join(root, "data", "objects", "ab")
	if err := os.MkdirAll(filepath.Dir(orphan), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(orphan, []byte("partial"), 0o600); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Head(ctx, "objects/ab"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphaned data visible: %v", err)
	}
	if list, _ := store.List(ctx, ""); len(list) != 0 {
		t.Fatalf("orphaned data listed: %+v", list)
	}
	info, err := store.Put(ctx, "objects/ab", bytes.NewReader([]byte("whole")), PutOptions{})
	if err != nil {
		t.Fatalf("put over orphan: %v", err)
	}
	data, err := ReadAll(ctx, store, "objects/ab")
	if err != nil || string(data) != "whole" || info.Size != 5 {
		t.Fatalf("read = %q, %v (size %d)", data, err, info.Size)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		opts Options
		want Driver
	}{
		{Options{}, DriverMemory},
		{Options{Driver: DriverMemory}, DriverMemory},
		{Options{Driver: DriverFilesystem, FSRoot: t.TempDir()}, DriverFilesystem},
	}
	for _, tc := range cases {
		store, err := Open(ctx, tc.opts)
		if err != nil {
			t.Fatalf("open %+v: %v", tc.opts, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, store.Driver())
		}
	}
	if _, err := Open(ctx, Options{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(ctx, Options{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
