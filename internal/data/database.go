// Package data owns the entity tree of a database: table and type
// categories, tables with their content and template facets, types, and the
// hosts through which edit sessions open, commit and cancel. Every read and
// write of the tree runs on the database's dispatcher.
package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"schemahub/internal/auth"
	"schemahub/internal/dispatch"
	"schemahub/internal/domains"
	"schemahub/internal/events"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

// Observer receives the outcome of every public operation.
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// Options configures Open.
type Options struct {
	Name       string
	Repository *repository.Repository
	Registry   *domains.Registry
	Policy     *auth.Policy
	// System signs the work the database does on its own behalf, such as
	// creating the layout or ending a session closed from outside.
	System *auth.Authentication
	// Rules are evaluated when a session ends and when a table is created.
	// Nil means DefaultRules.
	Rules         *domain.RulesEngine
	Sink          events.Sink
	Logger        *zap.SugaredLogger
	Observer      Observer
	QueueObserver dispatch.QueueObserver
	Now           func() time.Time
}

// DataBase is the entity tree of one repository.
type DataBase struct {
	name     string
	d        *dispatch.Dispatcher
	repo     *repository.Repository
	registry *domains.Registry
	policy   *auth.Policy
	system   *auth.Authentication
	rules    *domain.RulesEngine
	sink     events.Sink
	log      *zap.SugaredLogger
	observer Observer
	now      func() time.Time

	tables map[string]*Table
	types  map[string]*Type
	hosts  map[string]*Host

	// closer and forceErr carry the actor and outcome of a ForceClose into
	// the deletion listener of the affected host.
	closer   *auth.Authentication
	forceErr error

	// Changes carries every notification the database raises.
	Changes         *events.Channel[events.Notification]
	TableCategories *Categories
	TypeCategories  *Categories
	Tables          *Tables
	Types           *Types
}

// Open loads the committed tree, creating the layout on first use, and
// re-attaches the persisted edit sessions of the database.
func Open(ctx context.Context, opts Options) (*DataBase, error) {
	if opts.Repository == nil || opts.Registry == nil || opts.Policy == nil || opts.System == nil {
		return nil, errors.New("data: repository, registry, policy and system actor are required")
	}
	if opts.Name == "" {
		opts.Name = opts.Repository.Name()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	rules := opts.Rules
	if rules == nil {
		rules = domain.NewRulesEngine(DefaultRules()...)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	db := &DataBase{
		name:     opts.Name,
		repo:     opts.Repository,
		registry: opts.Registry,
		policy:   opts.Policy,
		system:   opts.System,
		rules:    rules,
		sink:     opts.Sink,
		log:      log,
		observer: opts.Observer,
		now:      now,
		tables:   make(map[string]*Table),
		types:    make(map[string]*Type),
		hosts:    make(map[string]*Host),
	}
	db.d = dispatch.New("database:"+db.name, dispatch.WithLogger(log), dispatch.WithQueueObserver(opts.QueueObserver))
	db.Changes = events.NewChannel[events.Notification](db.d)
	db.TableCategories = newCategories(db, domain.EntityTableCategory, domain.EntityTable)
	db.TypeCategories = newCategories(db, domain.EntityTypeCategory, domain.EntityType)
	db.Tables = &Tables{db: db}
	db.Types = &Types{db: db}

	if err := db.d.Run(ctx, func(ctx context.Context) error {
		if err := db.ensureLayout(ctx); err != nil {
			return err
		}
		if err := db.load(ctx); err != nil {
			return err
		}
		db.restore(ctx)
		return nil
	}); err != nil {
		_ = db.d.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("data: open %s: %w", db.name, err)
	}
	log.Infow("database opened", "name", db.name, "tables", len(db.tables), "types", len(db.types), "sessions", len(db.hosts))
	return db, nil
}

// Name returns the database name.
func (db *DataBase) Name() string { return db.name }

// Dispatcher returns the dispatcher the entity tree runs on.
func (db *DataBase) Dispatcher() *dispatch.Dispatcher { return db.d }

// Repository returns the backing repository.
func (db *DataBase) Repository() *repository.Repository { return db.repo }

// Close stops the dispatcher. Open sessions stay persisted and are restored
// by the next Open.
func (db *DataBase) Close(ctx context.Context) error {
	return db.d.Close(ctx)
}

func (db *DataBase) ensureLayout(ctx context.Context) error {
	tables, err := db.repo.Exists(ctx, repository.TablesRoot)
	if err != nil {
		return err
	}
	types, err := db.repo.Exists(ctx, repository.TypesRoot)
	if err != nil {
		return err
	}
	if tables && types {
		return nil
	}
	_, err = db.repo.Transact(ctx, repository.Commit{
		Actor:      db.system,
		Owner:      "layout",
		Message:    createMessage(db.system.String(), "layout", "/"),
		Properties: commitProperties(verbCreate, repository.TablesRoot, repository.TypesRoot),
	}, func(tx *repository.Tx) error {
		if err := tx.MkdirAll(repository.TablesRoot); err != nil {
			return err
		}
		return tx.MkdirAll(repository.TypesRoot)
	})
	return err
}

// load builds the in-memory tree from the committed repository tree.
func (db *DataBase) load(ctx context.Context) error {
	for _, c := range []*Categories{db.TableCategories, db.TypeCategories} {
		dirs, err := db.repo.Dirs(ctx, repository.RootOf(c.kind))
		if err != nil {
			return err
		}
		for _, dir := range dirs {
			if p, ok := repository.ParseCategoryDir(c.kind, dir); ok {
				c.ensure(p)
			}
		}
		files, err := db.repo.Files(ctx, repository.RootOf(c.kind))
		if err != nil {
			return err
		}
		for _, file := range sortedKeys(files) {
			kind, categoryPath, _, ok := repository.ParseItemFile(file)
			if !ok || kind != c.itemKind {
				db.log.Warnw("ignoring unknown file", "file", file)
				continue
			}
			cat := c.ensure(categoryPath)
			switch kind {
			case domain.EntityTable:
				t, err := repository.DecodeTable(file, files[file])
				if err != nil {
					return domain.Unexpected("load", err)
				}
				db.tables[t.Name] = newTable(db, t)
				cat.items[t.Name] = struct{}{}
			case domain.EntityType:
				t, err := repository.DecodeType(file, files[file])
				if err != nil {
					return domain.Unexpected("load", err)
				}
				db.types[t.Name] = newType(db, t)
				cat.items[t.Name] = struct{}{}
			}
		}
	}
	return nil
}

// restore re-attaches a host to every session the registry rebuilds.
func (db *DataBase) restore(ctx context.Context) {
	doms, err := db.registry.Restore(ctx, db.d, db.name)
	if err != nil {
		db.log.Warnw("some sessions could not be restored", "error", err)
	}
	for _, dom := range doms {
		if err := db.reattach(ctx, dom); err != nil {
			db.log.Errorw("session dropped on restore", "id", dom.ID(), "key", dom.Key(), "error", err)
		}
	}
	db.releaseOrphans(ctx)
}

// releaseOrphans drops persisted locks whose owner is not a live session: a
// process that stopped between locking and journaling a session, or in the
// middle of a structural change, leaves such locks behind.
func (db *DataBase) releaseOrphans(ctx context.Context) {
	locks, err := db.repo.Locks(ctx)
	if err != nil {
		db.log.Warnw("orphaned locks not checked", "error", err)
		return
	}
	released := make(map[string]bool)
	for _, l := range locks {
		if _, ok := db.registry.Get(l.Owner); ok || released[l.Owner] {
			continue
		}
		released[l.Owner] = true
		if err := db.repo.UnlockOwner(ctx, l.Owner); err != nil {
			db.log.Errorw("orphaned lock not released", "owner", l.Owner, "error", err)
			continue
		}
		db.log.Warnw("orphaned lock released", "owner", l.Owner, "path", l.Path, "comment", l.Comment)
	}
}

// Sessions lists the ids of the open edit sessions.
func (db *DataBase) Sessions(ctx context.Context) ([]string, error) {
	return run(ctx, db, "database.sessions", func(context.Context) ([]string, error) {
		out := make([]string, 0, len(db.hosts))
		for _, h := range db.hosts {
			out = append(out, h.dom.ID())
		}
		sort.Strings(out)
		return out, nil
	})
}

// ForceClose tears down session id from outside its host. The attached host
// then ends (isCanceled false) or cancels (isCanceled true) the session on
// behalf of actor, who needs owner access to every governed item.
func (db *DataBase) ForceClose(ctx context.Context, actor *auth.Authentication, id string, isCanceled bool) error {
	_, err := run(ctx, db, "database.force_close", func(ctx context.Context) (struct{}, error) {
		const op = "force close"
		dom, ok := db.registry.Get(id)
		if !ok || dom.DataBase() != db.name {
			return struct{}{}, domain.NotFound(op, id)
		}
		for _, file := range dom.Items() {
			_, categoryPath, name, _ := repository.ParseItemFile(file)
			if err := db.policy.ValidateAccessType(actor, categoryPath+name, domain.AccessOwner); err != nil {
				return struct{}{}, err
			}
		}
		_, attached := db.hosts[dom.Key()]
		db.closer, db.forceErr = actor, nil
		defer func() { db.closer, db.forceErr = nil, nil }()
		if _, err := db.registry.Remove(ctx, id, isCanceled); err != nil {
			return struct{}{}, err
		}
		if !attached {
			// No host listened: release what the session held.
			if err := db.repo.UnlockOwner(ctx, id); err != nil {
				return struct{}{}, err
			}
		}
		db.log.Infow("session force closed", "id", id, "actor", actor.String(), "canceled", isCanceled, "error", db.forceErr)
		return struct{}{}, db.forceErr
	})
	return err
}

// run executes fn on the database dispatcher and reports the outcome.
func run[T any](ctx context.Context, db *DataBase, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := dispatch.Invoke(ctx, db.d, fn)
	db.observe(op, err, time.Since(start))
	return v, err
}

func (db *DataBase) observe(op string, err error, elapsed time.Duration) {
	if db.observer != nil {
		db.observer.ObserveOperation(op, err, elapsed)
	}
	if err == nil {
		return
	}
	switch domain.KindOf(err) {
	case domain.KindUnexpected:
		db.log.Errorw("operation failed", "op", op, "error", err)
	case domain.KindStoreFailure:
		db.log.Warnw("operation failed", "op", op, "error", err)
	default:
		db.log.Debugw("operation rejected", "op", op, "error", err)
	}
}

// notify publishes a notification to local subscribers and the sink.
func (db *DataBase) notify(ctx context.Context, kind events.Kind, actor string, sig domain.SignatureDate, patch []byte, items ...events.Item) {
	n := events.Notification{
		Kind:       kind,
		DataBase:   db.name,
		Actor:      actor,
		Items:      items,
		Signature:  sig,
		Patch:      patch,
		OccurredAt: db.now().UTC(),
	}
	if err := db.Changes.Publish(ctx, n); err != nil {
		db.log.Errorw("notification not published", "kind", kind, "error", err)
	}
	if db.sink != nil {
		db.sink.Notify(ctx, n)
	}
}

// structural runs a one-shot repository change under a private lock owner.
// The locks are released whether or not the commit succeeds.
func (db *DataBase) structural(ctx context.Context, actor *auth.Authentication, message string, props map[string]string, locks []string, fn func(tx *repository.Tx) error) (domain.SignatureDate, error) {
	owner := "op:" + ulid.Make().String()
	if err := db.repo.Lock(ctx, owner, message, locks...); err != nil {
		return domain.SignatureDate{}, err
	}
	defer func() {
		if err := db.repo.UnlockOwner(context.WithoutCancel(ctx), owner); err != nil {
			db.log.Errorw("structural lock not released", "owner", owner, "error", err)
		}
	}()
	return db.repo.Transact(ctx, repository.Commit{Actor: actor, Owner: owner, Message: message, Properties: props}, fn)
}

// onDisk fails when p exists in the committed repository tree.
func (db *DataBase) onDisk(ctx context.Context, op, p string) error {
	exists, err := db.repo.Exists(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return domain.PathConflict(op, p)
	}
	return nil
}

// validate evaluates the rules against a proposed create.
func (db *DataBase) validate(ctx context.Context, op, p string, working *domain.Dataset, changes []domain.Change) error {
	res, err := db.rules.Evaluate(ctx, domain.NewRuleView(working, db.committedTypes()), changes)
	if err != nil {
		return domain.Unexpected(op, err)
	}
	if res.HasBlocking() {
		return domain.RuleViolations(op, p, res)
	}
	for _, v := range res.Violations {
		db.log.Warnw("rule warning", "op", op, "violation", v.String())
	}
	return nil
}

func (db *DataBase) committedTypes() *domain.Dataset {
	ds := domain.NewDataset()
	for name, t := range db.types {
		ds.Types[name] = t.data
	}
	return ds
}

// family returns the template family of t: its root and every table
// derived from the root, ordered by path.
func (db *DataBase) family(t *Table) []repository.ItemRef {
	root := db.rootOf(t)
	refs := []repository.ItemRef{root.ref()}
	for _, other := range db.derived(root) {
		refs = append(refs, other.ref())
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs
}

func (db *DataBase) rootOf(t *Table) *Table {
	if t.data.TemplatedParent == "" {
		return t
	}
	if root, ok := db.tables[t.data.TemplatedParent]; ok {
		return root
	}
	return t
}

// derived lists the tables whose template root is root.
func (db *DataBase) derived(root *Table) []*Table {
	var out []*Table
	for _, name := range sortedKeys(db.tables) {
		other := db.tables[name]
		if other != root && other.data.TemplatedParent == root.data.Name {
			out = append(out, other)
		}
	}
	return out
}

// familyEditing reports whether any facet of t's template family is under edit.
func (db *DataBase) familyEditing(t *Table) bool {
	root := db.rootOf(t)
	for _, member := range append([]*Table{root}, db.derived(root)...) {
		if member.Content.host != nil || member.Template.host != nil {
			return true
		}
	}
	return t.Content.host != nil || t.Template.host != nil
}

// checkName rejects names that cannot be a path segment or a key part.
func checkName(op, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return domain.ValidationFailed(op, name, "name required")
	case name == "." || name == "..":
		return domain.ValidationFailed(op, name, "reserved name")
	case strings.ContainsAny(name, "/"+domains.KeySeparator):
		return domain.ValidationFailed(op, name, "name must not contain / or %s", domains.KeySeparator)
	case strings.HasSuffix(name, repository.TableExt) || strings.HasSuffix(name, repository.TypeExt):
		return domain.ValidationFailed(op, name, "reserved suffix")
	}
	return nil
}
