// Package fs keeps repository objects on the local filesystem.
//
// The root holds two mirrored trees: data/<key> with the raw bytes and
// meta/<key>.json with the descriptor. An object exists once its descriptor
// is in place, so a crash between the two renames leaves an orphaned data
// file that the next Put for the same key silently replaces.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"schemahub/internal/blob/core"
)

const (
	dataDir = "data"
	metaDir = "meta"
	metaExt = ".json"
)

// Store implements core.Store under a root directory.
type Store struct {
	root string
}

// New prepares root and returns a store over it. An empty root uses ./blobdata.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./blobdata"
	}
	for _, dir := range []string{dataDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the directory holding both trees.
func (s *Store) Root() string { return s.root }

type descriptor struct {
	Size        int64             `json:"size"`
	Digest      string            `json:"sha256"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Written     time.Time         `json:"written"`
}

func (d descriptor) info(key string) core.Info {
	return core.Info{
		Key:          key,
		Size:         d.Size,
		ContentType:  d.ContentType,
		ETag:         d.Digest,
		Metadata:     maps.Clone(d.Metadata),
		LastModified: d.Written,
	}
}

type location struct {
	key  string
	data string
	meta string
}

func (s *Store) locate(key string) (location, error) {
	if strings.TrimSpace(key) == "" {
		return location{}, errors.New("fs store: empty key")
	}
	if strings.HasSuffix(key, "/") || !filepath.IsLocal(filepath.FromSlash(key)) {
		return location{}, fmt.Errorf("fs store: key %q leaves the store root", key)
	}
	rel := filepath.Clean(filepath.FromSlash(key))
	return location{
		key:  filepath.ToSlash(rel),
		data: filepath.Join(s.root, dataDir, rel),
		meta: filepath.Join(s.root, metaDir, rel) + metaExt,
	}, nil
}

func (l location) describe() (descriptor, error) {
	raw, err := os.ReadFile(l.meta)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return descriptor{}, fmt.Errorf("%w: %s", core.ErrNotFound, l.key)
		}
		return descriptor{}, err
	}
	var d descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return descriptor{}, fmt.Errorf("fs store: descriptor for %s: %w", l.key, err)
	}
	return d, nil
}

// replace writes fill's output next to path and renames it over path.
func replace(path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".incoming-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	err = fill(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(loc.meta); err == nil {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, loc.key)
	}
	digest := sha256.New()
	var size int64
	err = replace(loc.data, func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, digest), r)
		size = n
		return err
	})
	if err != nil {
		return core.Info{}, fmt.Errorf("fs store: write %s: %w", loc.key, err)
	}
	d := descriptor{
		Size:        size,
		Digest:      hex.EncodeToString(digest.Sum(nil)),
		ContentType: opts.ContentType,
		Metadata:    maps.Clone(opts.Metadata),
		Written:     time.Now().UTC(),
	}
	err = replace(loc.meta, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(d)
	})
	if err != nil {
		_ = os.Remove(loc.data)
		return core.Info{}, fmt.Errorf("fs store: describe %s: %w", loc.key, err)
	}
	return d.info(loc.key), nil
}

func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	d, err := loc.describe()
	if err != nil {
		return core.Info{}, nil, err
	}
	f, err := os.Open(loc.data)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return core.Info{}, nil, fmt.Errorf("%w: %s", core.ErrNotFound, loc.key)
		}
		return core.Info{}, nil, err
	}
	return d.info(loc.key), f, nil
}

func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	loc, err := s.locate(key)
	if err != nil {
		return core.Info{}, err
	}
	d, err := loc.describe()
	if err != nil {
		return core.Info{}, err
	}
	return d.info(loc.key), nil
}

// Delete drops the descriptor first so a partial failure never leaves a
// listed object without its bytes.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	loc, err := s.locate(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(loc.meta); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(loc.data); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	base := filepath.Join(s.root, metaDir)
	var out []core.Info
	err := filepath.WalkDir(base, func(path string, entry iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaExt) || strings.HasPrefix(entry.Name(), ".incoming-") {
			return nil
		}
		rel, err := filepath.Rel(base, strings.TrimSuffix(path, metaExt))
		if err != nil {
			return err
		}
		loc, err := s.locate(filepath.ToSlash(rel))
		if err != nil || !strings.HasPrefix(loc.key, prefix) {
			return nil
		}
		d, err := loc.describe()
		if err != nil {
			return err
		}
		out = append(out, d.info(loc.key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b core.Info) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}
