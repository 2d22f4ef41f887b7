package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"schemahub/internal/blob"
)

func TestCLIFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), []string{"-unknown"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestCLIValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("database:\n  name: catalog\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("storage:\n  driver: redis\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), []string{"-config", good, "-validate"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "configuration valid") {
		t.Fatalf("stdout = %q", stdout.String())
	}

	stderr.Reset()
	if code := cli(context.Background(), []string{"-config", bad, "-validate"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "unknown storage driver") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestCLIRunStopsOnCancel(t *testing.T) {
	t.Setenv("SCHEMAHUB_LOG_LEVEL", "ERROR")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	if code := cli(ctx, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
}

func TestCLIPrune(t *testing.T) {
	root := t.TempDir()
	store, err := blob.NewFilesystem(root)
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	if _, err := store.Put(context.Background(), "objects/orphan", strings.NewReader("{}"), blob.PutOptions{}); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	t.Setenv("SCHEMAHUB_LOG_LEVEL", "ERROR")
	t.Setenv("SCHEMAHUB_BLOB_DRIVER", "fs")
	t.Setenv("SCHEMAHUB_BLOB_FS_ROOT", root)

	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), []string{"-prune"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "pruned 1 objects" {
		t.Fatalf("stdout = %q", got)
	}
	if _, err := store.Head(context.Background(), "objects/orphan"); err == nil {
		t.Fatalf("orphan survived prune")
	}
}
