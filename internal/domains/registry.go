package domains

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"schemahub/internal/dispatch"
	"schemahub/pkg/domain"
)

// Registry maps live session ids to Domains and persists each session's
// journal in the state store. It is shared by every database of a process.
// mu guards the maps only; state store calls run without it.
type Registry struct {
	state   domain.StateStore
	log     *zap.SugaredLogger
	observe func(active int)

	mu    sync.RWMutex
	byID  map[string]*Domain
	byKey map[string]*Domain
	// claimed holds ids and scoped keys of sessions whose record is being
	// written or deleted.
	claimed map[string]struct{}
}

// NewRegistry returns an empty registry. observe, when set, receives the
// number of live sessions after every change.
func NewRegistry(state domain.StateStore, log *zap.SugaredLogger, observe func(active int)) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		state:   state,
		log:     log,
		observe: observe,
		byID:    make(map[string]*Domain),
		byKey:   make(map[string]*Domain),
		claimed: make(map[string]struct{}),
	}
}

// Add persists d's session record and registers it. A second session for
// the same key fails with a conflict.
func (r *Registry) Add(ctx context.Context, d *Domain) error {
	key := scopedKey(d.database, d.key)
	r.mu.Lock()
	if _, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return domain.AlreadyEditing("register domain", d.key)
	}
	if _, ok := r.claimed[key]; ok {
		r.mu.Unlock()
		return domain.AlreadyEditing("register domain", d.key)
	}
	_, live := r.byID[d.id]
	_, busy := r.claimed[d.id]
	if live || busy {
		r.mu.Unlock()
		return domain.Conflictf("register domain", d.key, "domain %s already registered", d.id)
	}
	r.claimed[key] = struct{}{}
	r.claimed[d.id] = struct{}{}
	r.mu.Unlock()

	err := r.state.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
		return tx.PutDomain(d.Record())
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, key)
	delete(r.claimed, d.id)
	if err != nil {
		return domain.StoreFailure("register domain", err)
	}
	r.insert(d)
	r.log.Debugw("domain registered", "id", d.id, "kind", d.kind, "key", d.key)
	return nil
}

func (r *Registry) insert(d *Domain) {
	d.journal = r
	r.byID[d.id] = d
	r.byKey[scopedKey(d.database, d.key)] = d
	r.report()
}

func scopedKey(database, key string) string {
	return database + "\x00" + key
}

func (r *Registry) report() {
	if r.observe != nil {
		r.observe(len(r.byID))
	}
}

func (r *Registry) appendAction(ctx context.Context, id string, rec domain.DomainActionRecord) error {
	return r.state.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
		return tx.AppendDomainAction(id, rec)
	})
}

// Get returns the live domain with id.
func (r *Registry) Get(id string) (*Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// ByKey returns the live domain of database governing key.
func (r *Registry) ByKey(database, key string) (*Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[scopedKey(database, key)]
	return d, ok
}

// Governing returns the live domain of database whose items include item.
func (r *Registry) Governing(database, item string) (*Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.byID {
		if d.database != database {
			continue
		}
		for _, it := range d.Items() {
			if it == item {
				return d, true
			}
		}
	}
	return nil, false
}

// Len returns the number of live domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns the live domains of database ordered by id. An empty
// database lists every domain.
func (r *Registry) List(database string) []*Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Domain, 0, len(r.byID))
	for _, d := range r.byID {
		if database == "" || d.database == database {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Remove deletes the session record, deregisters the domain and raises its
// Deleted event. Removing an unknown id is a no-op. ctx must run on the
// domain's owner dispatcher.
func (r *Registry) Remove(ctx context.Context, id string, isCanceled bool) (bool, error) {
	r.mu.Lock()
	d, ok := r.byID[id]
	if _, busy := r.claimed[id]; !ok || busy {
		r.mu.Unlock()
		return false, nil
	}
	r.claimed[id] = struct{}{}
	r.mu.Unlock()

	err := r.state.RunInTransaction(ctx, func(tx domain.StateTransaction) error {
		tx.DeleteDomain(id)
		return nil
	})

	r.mu.Lock()
	delete(r.claimed, id)
	if err != nil {
		r.mu.Unlock()
		return false, domain.StoreFailure("deregister domain", err)
	}
	delete(r.byID, id)
	delete(r.byKey, scopedKey(d.database, d.key))
	r.report()
	r.mu.Unlock()

	r.log.Debugw("domain deregistered", "id", id, "key", d.key, "canceled", isCanceled)
	if err := d.close(ctx, isCanceled); err != nil {
		return true, domain.Unexpected("deregister domain", err)
	}
	return true, nil
}

// Restore rebuilds the persisted sessions of database by replaying their
// journals on the stored base datasets. Sessions that cannot be replayed are
// skipped and reported in the returned error; their records are kept.
func (r *Registry) Restore(ctx context.Context, owner *dispatch.Dispatcher, database string) ([]*Domain, error) {
	var records []domain.DomainRecord
	if err := r.state.View(ctx, func(v domain.StateView) error {
		records = v.ListDomains()
		return nil
	}); err != nil {
		return nil, domain.StoreFailure("restore domains", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	r.mu.Lock()
	defer r.mu.Unlock()
	var restored []*Domain
	var errs []error
	for _, rec := range records {
		if rec.DataBase != database {
			continue
		}
		if _, ok := r.byID[rec.ID]; ok {
			continue
		}
		d, err := New(owner, Config{
			ID:       rec.ID,
			Kind:     rec.Kind,
			Items:    SplitKey(rec.ItemPath),
			ItemType: rec.ItemType,
			DataBase: rec.DataBase,
			Actor:    rec.Actor,
			Created:  rec.Created,
			Base:     rec.Base,
		})
		if err == nil {
			err = d.replay(rec.Actions)
		}
		if err != nil {
			r.log.Errorw("domain restore failed", "id", rec.ID, "key", rec.ItemPath, "error", err)
			errs = append(errs, fmt.Errorf("restore domain %s: %w", rec.ID, err))
			continue
		}
		r.insert(d)
		restored = append(restored, d)
		r.log.Infow("domain restored", "id", d.id, "kind", d.kind, "key", d.key, "actions", len(rec.Actions), "modified", d.Modified())
	}
	return restored, errors.Join(errs...)
}
