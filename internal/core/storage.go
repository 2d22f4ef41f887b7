package core

import (
	"context"
	"fmt"

	"schemahub/internal/blob"
	"schemahub/internal/config"
	"schemahub/internal/infra/persistence/memory"
	"schemahub/internal/infra/persistence/postgres"
	"schemahub/internal/infra/persistence/sqlite"
	"schemahub/pkg/domain"
)

// OpenStateStore selects the state store backend named by cfg.Driver.
//
//	memory:   in-memory only (tests / ephemeral)
//	sqlite:   embedded sqlite file at cfg.SQLitePath
//	postgres: PostgreSQL server at cfg.PostgresDSN
func OpenStateStore(ctx context.Context, cfg config.StorageConfig) (domain.StateStore, error) {
	switch cfg.Driver {
	case "", config.StorageMemory:
		return memory.NewStore(), nil
	case config.StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// OpenBlobStore opens the object store holding committed file contents.
func OpenBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	return blob.Open(ctx, blob.Options{
		Driver: blob.Driver(cfg.Driver),
		FSRoot: cfg.FSRoot,
		S3: blob.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Prefix:    cfg.S3.Prefix,
			PathStyle: cfg.S3.UsePathStyle,
		},
	})
}
