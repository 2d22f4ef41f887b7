// Package memory keeps repository objects in process memory. It backs tests
// and repositories that do not need to outlive the process.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"schemahub/internal/blob/core"
)

type entry struct {
	info core.Info
	body []byte
}

func (e entry) snapshot() core.Info {
	info := e.info
	info.Metadata = maps.Clone(e.info.Metadata)
	return info
}

// Store implements core.Store. Keys are kept sorted so prefix listings are a
// range scan.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	keys    []string
}

func New() *Store { return &Store{entries: make(map[string]entry)} }

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, fmt.Errorf("memory store: read %s: %w", key, err)
	}
	digest := sha256.Sum256(body)
	e := entry{
		body: body,
		info: core.Info{
			Key:          key,
			Size:         int64(len(body)),
			ContentType:  opts.ContentType,
			ETag:         hex.EncodeToString(digest[:]),
			Metadata:     maps.Clone(opts.Metadata),
			LastModified: time.Now().UTC(),
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	at, found := slices.BinarySearch(s.keys, key)
	if found {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, key)
	}
	s.keys = slices.Insert(s.keys, at, key)
	s.entries[key] = e
	return e.snapshot(), nil
}

func (s *Store) lookup(key string) (entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return entry{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return e, nil
}

// Get hands out a reader over the stored bytes. Objects are immutable, so
// the slice is shared rather than copied.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	e, err := s.lookup(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	return e.snapshot(), io.NopCloser(bytes.NewReader(e.body)), nil
}

func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	e, err := s.lookup(key)
	if err != nil {
		return core.Info{}, err
	}
	return e.snapshot(), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, found := slices.BinarySearch(s.keys, key)
	if !found {
		return false, nil
	}
	s.keys = slices.Delete(s.keys, at, at+1)
	delete(s.entries, key)
	return true, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, _ := slices.BinarySearch(s.keys, prefix)
	var out []core.Info
	for _, k := range s.keys[start:] {
		if !strings.HasPrefix(k, prefix) {
			break
		}
		out = append(out, s.entries[k].snapshot())
	}
	return out, nil
}
