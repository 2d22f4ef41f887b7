// Package blob re-exports the object store abstraction and selects a
// backend. Other packages depend on blob.Store rather than on infra drivers.
package blob

import (
	"context"

	"schemahub/internal/blob/core"
	"schemahub/internal/infra/blob/fs"
	memorystore "schemahub/internal/infra/blob/memory"
	infraS3 "schemahub/internal/infra/blob/s3"
)

type (
	// Driver identifies an object store driver.
	Driver = core.Driver
	// PutOptions configures a write.
	PutOptions = core.PutOptions
	// Info describes stored object metadata.
	Info = core.Info
	// Store is the interface for object store backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = infraS3.Config
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound is wrapped when a key does not exist.
	ErrNotFound = core.ErrNotFound
	// ErrExists is wrapped when Put targets an existing key.
	ErrExists = core.ErrExists
)

// ReadAll fetches the full contents of key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	return core.ReadAll(ctx, s, key)
}

// NewMemory returns an in-memory Store.
func NewMemory() Store { return memorystore.New() }

// NewFilesystem constructs a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	s, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewS3 constructs an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	s, err := infraS3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewMockS3ForTests exposes the in-memory S3 transport mock for cross-package tests.
func NewMockS3ForTests(prefix string) Store { return infraS3.NewMockForTests(prefix) }
