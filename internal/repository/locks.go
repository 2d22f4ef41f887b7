package repository

import (
	"context"
	"sort"

	"schemahub/internal/dispatch"
	"schemahub/pkg/domain"
)

// Lock acquires exclusive locks on paths for owner. Either every path is
// locked or none is. Paths owner already holds are kept as they are.
func (r *Repository) Lock(ctx context.Context, owner, comment string, paths ...string) error {
	if owner == "" {
		return domain.ValidationFailed("lock", "", "lock owner required")
	}
	_, err := dispatch.Invoke(ctx, r.d, func(ctx context.Context) (struct{}, error) {
		var count int
		err := r.state.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
			existing := tx.ListLocks()
			held := make(map[string]struct{})
			for _, raw := range paths {
				p := cleanPath(raw)
				for _, l := range existing {
					if !overlaps(p, l.Path) {
						continue
					}
					if l.Owner != owner {
						return domain.AlreadyLocked("lock", p, l.Path, l.Owner)
					}
					if l.Path == p {
						held[p] = struct{}{}
					}
				}
			}
			at := r.now().UTC()
			for _, raw := range paths {
				p := cleanPath(raw)
				if _, ok := held[p]; ok {
					continue
				}
				if err := tx.PutLock(domain.LockRecord{Path: p, Owner: owner, Comment: comment, LockedAt: at}); err != nil {
					return err
				}
				held[p] = struct{}{}
			}
			count = len(tx.ListLocks())
			return nil
		})
		if err != nil {
			return struct{}{}, domain.StoreFailure("lock", err)
		}
		r.observeLocks(count)
		r.log.Debugw("locked", "owner", owner, "paths", paths)
		return struct{}{}, nil
	})
	return err
}

// Unlock releases owner's locks on paths. Missing locks are ignored, so it
// is safe to call after a partial failure.
func (r *Repository) Unlock(ctx context.Context, owner string, paths ...string) error {
	return r.release(ctx, owner, func(l domain.LockRecord) bool {
		for _, p := range paths {
			if cleanPath(p) == l.Path {
				return true
			}
		}
		return false
	})
}

// UnlockOwner releases every lock held by owner.
func (r *Repository) UnlockOwner(ctx context.Context, owner string) error {
	return r.release(ctx, owner, func(domain.LockRecord) bool { return true })
}

func (r *Repository) release(ctx context.Context, owner string, match func(domain.LockRecord) bool) error {
	_, err := dispatch.Invoke(ctx, r.d, func(ctx context.Context) (struct{}, error) {
		var released, count int
		err := r.state.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
			for _, l := range tx.ListLocks() {
				if l.Owner == owner && match(l) && tx.DeleteLock(l.Path) {
					released++
				}
			}
			count = len(tx.ListLocks())
			return nil
		})
		if err != nil {
			return struct{}{}, domain.StoreFailure("unlock", err)
		}
		if released > 0 {
			r.observeLocks(count)
			r.log.Debugw("unlocked", "owner", owner, "released", released)
		}
		return struct{}{}, nil
	})
	return err
}

// Locks lists persisted locks ordered by path.
func (r *Repository) Locks(ctx context.Context) ([]domain.LockRecord, error) {
	return dispatch.Invoke(ctx, r.d, func(ctx context.Context) ([]domain.LockRecord, error) {
		var locks []domain.LockRecord
		err := r.state.View(ctx, func(v domain.StateView) error {
			locks = v.ListLocks()
			return nil
		})
		sort.Slice(locks, func(i, j int) bool { return locks[i].Path < locks[j].Path })
		return locks, err
	})
}

// checkLocks fails if any path changed between a and b is covered by a lock
// that owner does not hold.
func (r *Repository) checkLocks(ctx context.Context, owner string, a, b *tree) error {
	changed := changedPaths(a, b)
	return r.state.View(ctx, func(v domain.StateView) error {
		for _, l := range v.ListLocks() {
			if l.Owner == owner {
				continue
			}
			for _, p := range changed {
				if overlaps(p, l.Path) {
					return domain.AlreadyLocked("commit", p, l.Path, l.Owner)
				}
			}
		}
		return nil
	})
}

func (r *Repository) observeLocks(count int) {
	if r.onLock != nil {
		r.onLock(count)
	}
}
