// Package repository implements the versioned working tree that backs a
// database. File contents live in a blob store under content-addressed keys;
// commits, locks and the head pointer live in a state store. Every operation
// runs on the repository's own dispatcher.
package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"schemahub/internal/blob"
	"schemahub/internal/dispatch"
	"schemahub/pkg/domain"
)

const (
	objectPrefix = "objects/"
	// transferLimit bounds concurrent blob uploads and fetches.
	transferLimit = 8
)

// Actor is the credential a commit is attributed to.
type Actor interface {
	Sign(action string) (domain.SignatureDate, error)
	String() string
}

// Options configures Open.
type Options struct {
	Name   string
	Blobs  blob.Store
	State  domain.StateStore
	Logger *zap.SugaredLogger
	// QueueObserver receives the dispatcher queue depth.
	QueueObserver dispatch.QueueObserver
	// LockObserver receives the number of persisted locks after every change.
	LockObserver func(count int)
	// Now overrides the lock timestamp clock.
	Now func() time.Time
}

// Repository is a versioned tree with path locks.
type Repository struct {
	name   string
	d      *dispatch.Dispatcher
	blobs  blob.Store
	state  domain.StateStore
	log    *zap.SugaredLogger
	onLock func(int)
	now    func() time.Time

	head     *tree
	work     *tree
	headID   string
	revision int64
}

// Open loads the head commit from the state store and fetches its files.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	if opts.Blobs == nil || opts.State == nil {
		return nil, errors.New("repository: blob store and state store are required")
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Repository{
		name:   opts.Name,
		blobs:  opts.Blobs,
		state:  opts.State,
		log:    log,
		onLock: opts.LockObserver,
		now:    now,
		head:   newTree(),
	}
	r.d = dispatch.New("repository:"+opts.Name, dispatch.WithLogger(log), dispatch.WithQueueObserver(opts.QueueObserver))

	var head domain.CommitRecord
	var found bool
	var locks int
	if err := r.state.View(ctx, func(v domain.StateView) error {
		head, found = v.Head()
		locks = len(v.ListLocks())
		return nil
	}); err != nil {
		_ = r.d.Close(ctx)
		return nil, fmt.Errorf("repository: read head: %w", err)
	}
	if found {
		t, err := r.fetch(ctx, head)
		if err != nil {
			_ = r.d.Close(ctx)
			return nil, err
		}
		r.head = t
		r.headID = head.ID
		r.revision = head.Revision
	}
	r.work = r.head.clone()
	r.observeLocks(locks)
	log.Debugw("repository opened", "name", r.name, "head", r.headID, "revision", r.revision, "locks", locks)
	return r, nil
}

func (r *Repository) fetch(ctx context.Context, c domain.CommitRecord) (*tree, error) {
	t := newTree()
	for _, d := range c.Dirs {
		t.dirs[d] = struct{}{}
	}
	paths := make([]string, 0, len(c.Files))
	for p := range c.Files {
		paths = append(paths, p)
	}
	contents := make([][]byte, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferLimit)
	for i, p := range paths {
		g.Go(func() error {
			data, err := blob.ReadAll(gctx, r.blobs, c.Files[p])
			if err != nil {
				return fmt.Errorf("repository: fetch %s: %w", p, err)
			}
			contents[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, p := range paths {
		t.files[p] = contents[i]
	}
	return t, nil
}

// Name returns the repository name.
func (r *Repository) Name() string { return r.name }

// Dispatcher returns the dispatcher all repository work runs on.
func (r *Repository) Dispatcher() *dispatch.Dispatcher { return r.d }

// Close stops the dispatcher. The stores are owned by the caller.
func (r *Repository) Close(ctx context.Context) error {
	return r.d.Close(ctx)
}

// Revision returns the revision number of the head commit.
func (r *Repository) Revision(ctx context.Context) (int64, error) {
	return dispatch.Invoke(ctx, r.d, func(context.Context) (int64, error) {
		return r.revision, nil
	})
}

// Head returns the head commit, if any.
func (r *Repository) Head(ctx context.Context) (domain.CommitRecord, bool, error) {
	type result struct {
		c  domain.CommitRecord
		ok bool
	}
	res, err := dispatch.Invoke(ctx, r.d, func(ctx context.Context) (result, error) {
		var out result
		err := r.state.View(ctx, func(v domain.StateView) error {
			out.c, out.ok = v.Head()
			return nil
		})
		return out, err
	})
	return res.c, res.ok, err
}

// Exists reports whether path exists in the committed tree.
func (r *Repository) Exists(ctx context.Context, path string) (bool, error) {
	path = cleanPath(path)
	return dispatch.Invoke(ctx, r.d, func(context.Context) (bool, error) {
		return r.head.exists(path), nil
	})
}

// ReadFile returns the committed contents of path.
func (r *Repository) ReadFile(ctx context.Context, path string) ([]byte, error) {
	path = cleanPath(path)
	return dispatch.Invoke(ctx, r.d, func(context.Context) ([]byte, error) {
		data, ok := r.head.files[path]
		if !ok {
			return nil, domain.NotFound("read file", path)
		}
		return append([]byte(nil), data...), nil
	})
}

// Files returns the committed files under dir keyed by path.
func (r *Repository) Files(ctx context.Context, dir string) (map[string][]byte, error) {
	dir = cleanPath(dir)
	return dispatch.Invoke(ctx, r.d, func(context.Context) (map[string][]byte, error) {
		_, files := r.head.subtree(dir)
		out := make(map[string][]byte, len(files))
		for _, f := range files {
			out[f] = append([]byte(nil), r.head.files[f]...)
		}
		return out, nil
	})
}

// Dirs returns the committed directories under dir, dir included when it
// exists, in sorted order.
func (r *Repository) Dirs(ctx context.Context, dir string) ([]string, error) {
	dir = cleanPath(dir)
	return dispatch.Invoke(ctx, r.d, func(context.Context) ([]string, error) {
		dirs, _ := r.head.subtree(dir)
		return dirs, nil
	})
}

// Log lists commits newest first. A limit <= 0 returns every commit.
func (r *Repository) Log(ctx context.Context, limit int) ([]domain.CommitRecord, error) {
	return dispatch.Invoke(ctx, r.d, func(ctx context.Context) ([]domain.CommitRecord, error) {
		var commits []domain.CommitRecord
		err := r.state.View(ctx, func(v domain.StateView) error {
			commits = v.ListCommits()
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.SliceStable(commits, func(i, j int) bool { return commits[i].Revision > commits[j].Revision })
		if limit > 0 && len(commits) > limit {
			commits = commits[:limit]
		}
		return commits, nil
	})
}

// Prune deletes stored objects that no commit references, such as uploads
// left behind by a commit that failed after its blobs were written. The blob
// store must not be shared with another repository.
func (r *Repository) Prune(ctx context.Context) (int, error) {
	return dispatch.Invoke(ctx, r.d, func(ctx context.Context) (int, error) {
		live := make(map[string]struct{})
		if err := r.state.View(ctx, func(v domain.StateView) error {
			for _, c := range v.ListCommits() {
				for _, key := range c.Files {
					live[key] = struct{}{}
				}
			}
			return nil
		}); err != nil {
			return 0, domain.StoreFailure("prune", err)
		}
		objects, err := r.blobs.List(ctx, objectPrefix)
		if err != nil {
			return 0, domain.StoreFailure("prune", err)
		}
		var removed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(transferLimit)
		for _, obj := range objects {
			if _, ok := live[obj.Key]; ok {
				continue
			}
			g.Go(func() error {
				ok, err := r.blobs.Delete(gctx, obj.Key)
				if err != nil {
					return fmt.Errorf("delete %s: %w", obj.Key, err)
				}
				if ok {
					removed.Add(1)
				}
				return nil
			})
		}
		err = g.Wait()
		n := int(removed.Load())
		if n > 0 {
			r.log.Infow("pruned objects", "name", r.name, "removed", n)
		}
		if err != nil {
			return n, domain.StoreFailure("prune", err)
		}
		return n, nil
	})
}

// Revert discards every uncommitted change of the working tree.
func (r *Repository) Revert(ctx context.Context) error {
	_, err := dispatch.Invoke(ctx, r.d, func(context.Context) (struct{}, error) {
		r.revert()
		return struct{}{}, nil
	})
	return err
}

func (r *Repository) revert() {
	r.work = r.head.clone()
}

// Commit describes one Transact call.
type Commit struct {
	Actor Actor
	// Owner is the lock owner the changes are made under. Paths locked by
	// any other owner cannot be committed.
	Owner      string
	Message    string
	Properties map[string]string
}

// Transact runs fn against the working tree and commits the result. When fn
// or the commit fails the working tree is reverted and no SignatureDate
// escapes. A transaction that changes nothing commits nothing and returns a
// zero SignatureDate.
func (r *Repository) Transact(ctx context.Context, c Commit, fn func(tx *Tx) error) (domain.SignatureDate, error) {
	return dispatch.Invoke(ctx, r.d, func(ctx context.Context) (domain.SignatureDate, error) {
		if c.Actor == nil {
			return domain.SignatureDate{}, domain.ValidationFailed("commit", "", "actor required")
		}
		sig, err := c.Actor.Sign(c.Message)
		if err != nil {
			return domain.SignatureDate{}, domain.StoreFailure("commit", err)
		}
		tx := &Tx{r: r, sig: sig}
		if err := fn(tx); err != nil {
			r.revert()
			return domain.SignatureDate{}, domain.StoreFailure("commit", err)
		}
		committed, err := r.commit(ctx, c, sig)
		if err != nil {
			r.revert()
			r.log.Warnw("commit failed, working tree reverted", "message", c.Message, "error", err)
			return domain.SignatureDate{}, domain.StoreFailure("commit", err)
		}
		if !committed {
			return domain.SignatureDate{}, nil
		}
		return sig, nil
	})
}

func (r *Repository) commit(ctx context.Context, c Commit, sig domain.SignatureDate) (bool, error) {
	changes := diffTrees(r.head, r.work)
	if len(changes) == 0 && sameDirs(r.head, r.work) {
		return false, nil
	}
	if err := r.checkLocks(ctx, c.Owner, r.head, r.work); err != nil {
		return false, err
	}

	files := make(map[string]string, len(r.work.files))
	uploads := make(map[string][]byte)
	for p, data := range r.work.files {
		key := objectKey(data)
		files[p] = key
		uploads[key] = data
	}
	if err := r.upload(ctx, uploads); err != nil {
		return false, err
	}

	props := make(map[string]string, len(c.Properties)+1)
	for k, v := range c.Properties {
		props[k] = v
	}
	props["revision"] = strconv.FormatInt(r.revision+1, 10)
	rec := domain.CommitRecord{
		ID:          ulid.Make().String(),
		Parent:      r.headID,
		Revision:    r.revision + 1,
		Actor:       c.Actor.String(),
		Message:     c.Message,
		Properties:  props,
		Signature:   sig,
		Files:       files,
		Dirs:        r.work.sortedDirs(),
		Changes:     changes,
		CommittedAt: sig.DateTime,
	}
	if err := r.state.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
		return tx.AppendCommit(rec)
	}); err != nil {
		return false, fmt.Errorf("record commit: %w", err)
	}
	r.head = r.work.clone()
	r.headID = rec.ID
	r.revision = rec.Revision
	r.log.Infow("committed", "id", rec.ID, "revision", rec.Revision, "actor", rec.Actor, "message", rec.Message, "changes", len(changes))
	return true, nil
}

// upload stores every blob not already present. Keys are content hashes so
// an existing object never needs rewriting.
func (r *Repository) upload(ctx context.Context, uploads map[string][]byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferLimit)
	for key, data := range uploads {
		g.Go(func() error {
			if _, err := r.blobs.Head(gctx, key); err == nil {
				return nil
			} else if !errors.Is(err, blob.ErrNotFound) {
				return fmt.Errorf("stat %s: %w", key, err)
			}
			_, err := r.blobs.Put(gctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: "application/json"})
			if err != nil && !errors.Is(err, blob.ErrExists) {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func objectKey(data []byte) string {
	sum := sha256.Sum256(data)
	return objectPrefix + hex.EncodeToString(sum[:])
}

func sameDirs(a, b *tree) bool {
	if len(a.dirs) != len(b.dirs) {
		return false
	}
	for d := range a.dirs {
		if _, ok := b.dirs[d]; !ok {
			return false
		}
	}
	return true
}

// changedPaths lists every file and directory that differs between a and b.
func changedPaths(a, b *tree) []string {
	var out []string
	for _, c := range diffTrees(a, b) {
		out = append(out, c.Path)
	}
	for d := range a.dirs {
		if _, ok := b.dirs[d]; !ok {
			out = append(out, d)
		}
	}
	for d := range b.dirs {
		if _, ok := a.dirs[d]; !ok {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}
