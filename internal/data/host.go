package data

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"

	"github.com/google/uuid"

	"schemahub/internal/auth"
	"schemahub/internal/domains"
	"schemahub/internal/events"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

// Host is the adapter through which a governed item group takes part in an
// edit session. The registry owns the Domain; the host keeps a non-owning
// reference that is cleared on detach, and the governed facets keep a
// non-owning reference to the host.
type Host struct {
	db      *DataBase
	kind    domain.DomainKind
	refs    []repository.ItemRef
	files   []string
	key     string
	session *domains.Session
	actor   string
	dom     *domains.Domain
	unsub   []func()
}

func newHost(db *DataBase, kind domain.DomainKind, refs []repository.ItemRef) *Host {
	files := make([]string, 0, len(refs))
	for _, ref := range refs {
		files = append(files, repository.ItemFile(ref.Kind, ref.Path))
	}
	key := domains.Key(files)
	return &Host{
		db:      db,
		kind:    kind,
		refs:    refs,
		files:   files,
		key:     key,
		session: domains.NewSession(key, db.log),
	}
}

// editingState is the flag governed facets carry while the session is open.
func (h *Host) editingState() domain.EntityState {
	if h.kind == domain.DomainTableContent {
		return domain.StateBeingEdited
	}
	return domain.StateBeingSetup
}

func (h *Host) itemKind() domain.EntityKind {
	if h.kind == domain.DomainTypeTemplate {
		return domain.EntityType
	}
	return domain.EntityTable
}

// facets resolves the governed facets. It fails when an item is missing.
func (h *Host) facets() ([]facet, error) {
	out := make([]facet, 0, len(h.refs))
	for _, ref := range h.refs {
		name := path.Base(ref.Path)
		switch h.kind {
		case domain.DomainTableContent, domain.DomainTableTemplate:
			t, ok := h.db.tables[name]
			if !ok || t.data.Path() != ref.Path {
				return nil, domain.NotFound("resolve governed items", ref.Path)
			}
			if h.kind == domain.DomainTableContent {
				out = append(out, t.Content)
			} else {
				out = append(out, t.Template)
			}
		case domain.DomainTypeTemplate:
			t, ok := h.db.types[name]
			if !ok || t.data.Path() != ref.Path {
				return nil, domain.NotFound("resolve governed items", ref.Path)
			}
			out = append(out, t.Template)
		}
	}
	return out, nil
}

func (h *Host) items(fs []facet) []events.Item {
	out := make([]events.Item, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.item())
	}
	return out
}

func (h *Host) paths() []string {
	out := make([]string, 0, len(h.refs))
	for _, ref := range h.refs {
		out = append(out, ref.Path)
	}
	return out
}

// begin validates the gates and opens a session over refs.
func (db *DataBase) begin(ctx context.Context, actor *auth.Authentication, kind domain.DomainKind, refs []repository.ItemRef) error {
	h := newHost(db, kind, refs)
	op := "begin " + string(kind)
	for _, ref := range refs {
		if err := db.policy.ValidateAccessType(actor, ref.Path, domain.AccessMaster); err != nil {
			return err
		}
	}
	fs, err := h.facets()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := db.editingConflict(op, ref); err != nil {
			return err
		}
	}
	if _, ok := db.hosts[h.key]; ok {
		return domain.AlreadyEditing(op, refs[0].Path)
	}
	return h.begin(ctx, actor, fs)
}

// editingConflict fails when any facet of the item behind ref is under edit.
func (db *DataBase) editingConflict(op string, ref repository.ItemRef) error {
	name := path.Base(ref.Path)
	switch ref.Kind {
	case domain.EntityTable:
		if t, ok := db.tables[name]; ok && (t.Content.host != nil || t.Template.host != nil) {
			return domain.AlreadyEditing(op, ref.Path)
		}
	case domain.EntityType:
		if t, ok := db.types[name]; ok && t.Template.host != nil {
			return domain.AlreadyEditing(op, ref.Path)
		}
	}
	return nil
}

// begin runs None -> Locking -> Editing. Any failure releases the locks
// taken so far and leaves the facets untouched.
func (h *Host) begin(ctx context.Context, actor *auth.Authentication, fs []facet) error {
	db := h.db
	if err := h.session.Fire(ctx, domains.EventLock); err != nil {
		return domain.Unexpected("begin edit", err)
	}
	id := uuid.NewString()
	registered := false
	fail := func(err error) error {
		h.detach()
		if registered {
			if _, rerr := db.registry.Remove(ctx, id, true); rerr != nil {
				db.log.Errorw("session record not removed", "id", id, "error", rerr)
			}
		}
		if uerr := db.repo.UnlockOwner(context.WithoutCancel(ctx), id); uerr != nil {
			db.log.Errorw("session locks not released", "id", id, "error", uerr)
			err = errors.Join(err, uerr)
		}
		h.dom = nil
		if ferr := h.session.Fire(ctx, domains.EventAbort); ferr != nil {
			db.log.Errorw("session abort", "id", id, "error", ferr)
		}
		return err
	}

	if err := db.repo.Lock(ctx, id, fmt.Sprintf("%s session %s by %s", h.kind, id, actor.String()), h.files...); err != nil {
		return fail(err)
	}
	base, err := db.repo.ReadDataset(ctx, h.refs...)
	if err != nil {
		return fail(err)
	}
	dom, err := domains.New(db.d, domains.Config{
		ID:       id,
		Kind:     h.kind,
		Items:    h.files,
		ItemType: string(h.itemKind()),
		DataBase: db.name,
		Actor:    actor.ID,
		Created:  domain.SignatureDate{ID: id, DateTime: db.now().UTC()},
		Base:     base,
		Now:      db.now,
	})
	if err != nil {
		return fail(err)
	}
	if err := db.registry.Add(ctx, dom); err != nil {
		return fail(err)
	}
	registered = true
	if err := h.attach(ctx, dom); err != nil {
		return fail(domain.Unexpected("begin edit", err))
	}
	if err := h.session.Fire(ctx, domains.EventEdit); err != nil {
		return fail(domain.Unexpected("begin edit", err))
	}
	h.actor = actor.ID
	h.bind(fs)
	db.log.Infow("edit session begun", "id", id, "kind", h.kind, "key", h.key, "actor", actor.String())
	db.notify(ctx, events.KindStateChanged, actor.String(), domain.SignatureDate{}, nil, h.items(fs)...)
	db.notify(ctx, events.KindEditBegun, actor.String(), dom.Created(), nil, h.items(fs)...)
	return nil
}

// reattach runs None -> Restoring -> Editing for a session the registry
// rebuilt. The session's locks were persisted and are not taken again.
func (db *DataBase) reattach(ctx context.Context, dom *domains.Domain) error {
	refs := make([]repository.ItemRef, 0, len(dom.Items()))
	for _, file := range dom.Items() {
		kind, categoryPath, name, ok := repository.ParseItemFile(file)
		if !ok {
			return db.dropRestored(ctx, dom, domain.ValidationFailed("restore session", file, "not an item file"))
		}
		refs = append(refs, repository.ItemRef{Kind: kind, Path: categoryPath + name})
	}
	h := newHost(db, dom.Kind(), refs)
	fs, err := h.facets()
	if err != nil {
		return db.dropRestored(ctx, dom, err)
	}
	for _, f := range fs {
		if f.current().host != nil {
			return db.dropRestored(ctx, dom, domain.AlreadyEditing("restore session", h.key))
		}
	}
	if err := h.session.Fire(ctx, domains.EventRestore); err != nil {
		return domain.Unexpected("restore session", err)
	}
	if err := h.attach(ctx, dom); err != nil {
		h.detach()
		_ = h.session.Fire(ctx, domains.EventAbort)
		return db.dropRestored(ctx, dom, err)
	}
	if err := h.session.Fire(ctx, domains.EventEdit); err != nil {
		return domain.Unexpected("restore session", err)
	}
	h.actor = dom.Actor()
	h.bind(fs)
	db.log.Infow("edit session restored", "id", dom.ID(), "kind", h.kind, "key", h.key, "modified", dom.Modified())
	db.notify(ctx, events.KindStateChanged, dom.Actor(), domain.SignatureDate{}, nil, h.items(fs)...)
	db.notify(ctx, events.KindEditBegun, dom.Actor(), dom.Created(), nil, h.items(fs)...)
	return nil
}

// dropRestored discards a rebuilt session that cannot be re-attached.
func (db *DataBase) dropRestored(ctx context.Context, dom *domains.Domain, cause error) error {
	if _, err := db.registry.Remove(ctx, dom.ID(), true); err != nil {
		cause = errors.Join(cause, err)
	}
	if err := db.repo.UnlockOwner(ctx, dom.ID()); err != nil {
		cause = errors.Join(cause, err)
	}
	return cause
}

func (h *Host) attach(ctx context.Context, dom *domains.Domain) error {
	db := h.db
	rows, err := dom.RowChanged.Subscribe(ctx, db.forwardRow)
	if err != nil {
		return err
	}
	h.unsub = append(h.unsub, rows)
	props, err := dom.PropertyChanged.Subscribe(ctx, func(ctx context.Context, e domains.PropertyEvent) {
		db.forwardProperty(ctx, h.kind, e)
	})
	if err != nil {
		return err
	}
	h.unsub = append(h.unsub, props)
	deleted, err := dom.Deleted.Subscribe(ctx, h.onDeleted)
	if err != nil {
		return err
	}
	h.unsub = append(h.unsub, deleted)
	h.dom = dom
	return nil
}

func (h *Host) detach() {
	for _, fn := range h.unsub {
		fn()
	}
	h.unsub = nil
}

// bind flips every governed facet to the editing state and registers h.
func (h *Host) bind(fs []facet) {
	for _, f := range fs {
		f.bind(h, h.editingState())
	}
	h.db.hosts[h.key] = h
}

// unbind resets the governed facets that still point at h.
func (h *Host) unbind() []facet {
	fs, _ := h.facets()
	for _, f := range fs {
		if f.current().host == h {
			f.unbind()
		}
	}
	if h.db.hosts[h.key] == h {
		delete(h.db.hosts, h.key)
	}
	return fs
}

func (db *DataBase) forwardRow(ctx context.Context, e domains.RowEvent) {
	if t, ok := db.tables[e.Item]; ok {
		if err := t.Content.Rows.Publish(ctx, e); err != nil {
			db.log.Errorw("row event not forwarded", "item", e.Item, "error", err)
		}
	}
}

func (db *DataBase) forwardProperty(ctx context.Context, kind domain.DomainKind, e domains.PropertyEvent) {
	var err error
	if kind == domain.DomainTypeTemplate {
		if t, ok := db.types[e.Item]; ok {
			err = t.Template.Properties.Publish(ctx, e)
		}
	} else if t, ok := db.tables[e.Item]; ok {
		err = t.Template.Properties.Publish(ctx, e)
	}
	if err != nil {
		db.log.Errorw("property event not forwarded", "item", e.Item, "error", err)
	}
}

func (h *Host) gate(op string, actor *auth.Authentication) error {
	for _, ref := range h.refs {
		if err := h.db.policy.ValidateAccessType(actor, ref.Path, domain.AccessMaster); err != nil {
			return err
		}
	}
	if h.dom == nil || !h.session.Is(domains.StateEditing) {
		return domain.ValidationFailed(op, h.refs[0].Path, "not being edited")
	}
	return nil
}

func (h *Host) apply(ctx context.Context, actor *auth.Authentication, p string, a domains.Action) error {
	if err := h.gate("apply", actor); err != nil {
		return err
	}
	if err := h.db.policy.ValidateAccessType(actor, p, domain.AccessMaster); err != nil {
		return err
	}
	if h.kind == domain.DomainTableTemplate && a.Kind == domains.ActionSetColumns {
		if t, ok := h.db.tables[a.Item]; ok && t.data.TemplatedParent != "" {
			return domain.ValidationFailed("apply", p, "columns are inherited from %s", t.data.TemplatedParent)
		}
	}
	return h.dom.Apply(ctx, actor.ID, a)
}

// end runs Editing -> Committing -> None. Blocking rule violations fail
// before any transition and leave the session open.
func (h *Host) end(ctx context.Context, actor *auth.Authentication, forced bool) (domain.SignatureDate, error) {
	const op = "end edit"
	db := h.db
	if !forced {
		if err := h.gate(op, actor); err != nil {
			return domain.SignatureDate{}, err
		}
	}
	dom := h.dom
	final, err := dom.Working().Clone()
	if err != nil {
		return domain.SignatureDate{}, domain.Unexpected(op, err)
	}
	modified := h.propagate(final, dom.Modified())
	changes, err := h.changes(dom.Base(), final, modified)
	if err != nil {
		return domain.SignatureDate{}, domain.Unexpected(op, err)
	}
	if len(changes) > 0 {
		res, err := db.rules.Evaluate(ctx, domain.NewRuleView(final, h.committed()), changes)
		if err != nil {
			return domain.SignatureDate{}, domain.Unexpected(op, err)
		}
		if res.HasBlocking() {
			return domain.SignatureDate{}, domain.RuleViolations(op, h.refs[0].Path, res)
		}
		for _, v := range res.Violations {
			db.log.Warnw("rule warning", "id", dom.ID(), "violation", v.String())
		}
	}

	if err := h.session.Fire(ctx, domains.EventCommit); err != nil {
		return domain.SignatureDate{}, domain.Unexpected(op, err)
	}
	for _, name := range modified {
		dom.MarkModified(name)
	}
	var sig domain.SignatureDate
	if len(modified) > 0 {
		sig, err = db.repo.Transact(ctx, repository.Commit{
			Actor:      actor,
			Owner:      dom.ID(),
			Message:    changeMessage(actor.String(), h.subject(), h.paths()),
			Properties: commitProperties(verbChange, h.paths()...),
		}, func(tx *repository.Tx) error {
			return h.stamp(tx, final, modified)
		})
		if err != nil {
			fs := h.teardown(ctx, true)
			db.notify(ctx, events.KindStateChanged, actor.String(), domain.SignatureDate{}, nil, h.items(fs)...)
			return domain.SignatureDate{}, err
		}
	}

	fs := h.teardown(ctx, false)
	patches := h.publish(final, modified)
	for _, name := range modified {
		it := h.itemOf(name)
		db.notify(ctx, events.KindContentChanged, actor.String(), sig, patches[name], it)
	}
	db.notify(ctx, events.KindStateChanged, actor.String(), sig, nil, h.items(fs)...)
	db.notify(ctx, events.KindEditEnded, actor.String(), sig, nil, h.items(fs)...)
	db.log.Infow("edit session ended", "id", dom.ID(), "key", h.key, "modified", modified, "signature", sig.ID)
	return sig, nil
}

// propagate copies the columns of every template root onto the tables
// derived from it and returns the full modified set. A derived table joins
// the set when its root changed or its columns drifted from the root's.
func (h *Host) propagate(final *domain.Dataset, modified []string) []string {
	if h.kind != domain.DomainTableTemplate {
		return modified
	}
	set := make(map[string]bool, len(modified))
	for _, name := range modified {
		set[name] = true
	}
	for _, name := range final.TableNames() {
		root := final.Tables[name]
		if root.TemplatedParent != "" {
			continue
		}
		for _, other := range final.Tables {
			if other.TemplatedParent != root.Name {
				continue
			}
			if set[name] || !slices.Equal(other.Columns, root.Columns) {
				other.Columns = append([]domain.Column(nil), root.Columns...)
				set[other.Name] = true
			}
		}
	}
	return sortedKeys(set)
}

func (h *Host) changes(base, final *domain.Dataset, modified []string) ([]domain.Change, error) {
	var out []domain.Change
	for _, name := range modified {
		c := domain.Change{Entity: h.itemKind(), Action: domain.ActionUpdate}
		var err error
		switch h.itemKind() {
		case domain.EntityTable:
			after, ok := final.Tables[name]
			if !ok {
				continue
			}
			c.Path = after.Path()
			if c.Before, err = domain.PayloadOf(base.Tables[name]); err == nil {
				c.After, err = domain.PayloadOf(after)
			}
		case domain.EntityType:
			after, ok := final.Types[name]
			if !ok {
				continue
			}
			c.Path = after.Path()
			if c.Before, err = domain.PayloadOf(base.Types[name]); err == nil {
				c.After, err = domain.PayloadOf(after)
			}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// committed is the committed data the rules may consult: every type, and the
// tables that use an edited type.
func (h *Host) committed() *domain.Dataset {
	ds := h.db.committedTypes()
	if h.kind != domain.DomainTypeTemplate {
		return ds
	}
	for _, ref := range h.refs {
		typeName := path.Base(ref.Path)
		for name, t := range h.db.tables {
			if t.data.UsesType(typeName) {
				ds.Tables[name] = t.data
			}
		}
	}
	return ds
}

func (h *Host) subject() string {
	switch h.kind {
	case domain.DomainTableContent:
		return "table content"
	case domain.DomainTableTemplate:
		return "table template"
	default:
		return "type template"
	}
}

// stamp signs the modified items of final and writes them.
func (h *Host) stamp(tx *repository.Tx, final *domain.Dataset, modified []string) error {
	sig := tx.Signature()
	for _, name := range modified {
		switch h.kind {
		case domain.DomainTableContent:
			t := final.Tables[name]
			t.ContentModification = sig
			if err := tx.PutTable(t); err != nil {
				return err
			}
		case domain.DomainTableTemplate:
			t := final.Tables[name]
			t.Modification = sig
			if err := tx.PutTable(t); err != nil {
				return err
			}
		case domain.DomainTypeTemplate:
			t := final.Types[name]
			t.Modification = sig
			if err := tx.PutType(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// publish moves the committed items into the tree and returns the merge
// patch of every modified item.
func (h *Host) publish(final *domain.Dataset, modified []string) map[string][]byte {
	patches := make(map[string][]byte, len(modified))
	for _, name := range modified {
		var before, after any
		switch h.itemKind() {
		case domain.EntityTable:
			t, ok := h.db.tables[name]
			if !ok {
				continue
			}
			before, after = t.data, final.Tables[name]
			t.data = final.Tables[name]
		case domain.EntityType:
			t, ok := h.db.types[name]
			if !ok {
				continue
			}
			before, after = t.data, final.Types[name]
			t.data = final.Types[name]
		}
		patch, err := events.MergePatch(before, after)
		if err != nil {
			h.db.log.Warnw("merge patch not computed", "item", name, "error", err)
			continue
		}
		patches[name] = patch
	}
	return patches
}

func (h *Host) itemOf(name string) events.Item {
	if h.itemKind() == domain.EntityType {
		if t, ok := h.db.types[name]; ok {
			return t.notifyItem()
		}
	} else if t, ok := h.db.tables[name]; ok {
		return t.notifyItem()
	}
	return events.Item{Kind: h.itemKind(), Name: name}
}

// cancel runs Editing -> Reverting -> None. Nothing is committed.
func (h *Host) cancel(ctx context.Context, actor *auth.Authentication, forced bool) error {
	const op = "cancel edit"
	if !forced {
		if err := h.gate(op, actor); err != nil {
			return err
		}
	}
	if err := h.session.Fire(ctx, domains.EventRevert); err != nil {
		return domain.Unexpected(op, err)
	}
	id := h.dom.ID()
	fs := h.teardown(ctx, true)
	h.db.notify(ctx, events.KindStateChanged, actor.String(), domain.SignatureDate{}, nil, h.items(fs)...)
	h.db.notify(ctx, events.KindEditCanceled, actor.String(), domain.SignatureDate{}, nil, h.items(fs)...)
	h.db.log.Infow("edit session canceled", "id", id, "key", h.key, "actor", actor.String())
	return nil
}

// teardown detaches from the Domain, releases its locks, deregisters it and
// resets the governed facets. The session must be committing or reverting.
func (h *Host) teardown(ctx context.Context, isCanceled bool) []facet {
	db := h.db
	id := h.dom.ID()
	h.detach()
	if err := db.repo.UnlockOwner(context.WithoutCancel(ctx), id); err != nil {
		db.log.Errorw("session locks not released", "id", id, "error", err)
	}
	if _, err := db.registry.Remove(ctx, id, isCanceled); err != nil {
		db.log.Errorw("session not deregistered", "id", id, "error", err)
	}
	h.dom = nil
	fs := h.unbind()
	if err := h.session.Fire(ctx, domains.EventRelease); err != nil {
		db.log.Errorw("session release", "id", id, "error", err)
	}
	return fs
}

// onDeleted drives End or Cancel when the Domain is torn down from outside.
func (h *Host) onDeleted(ctx context.Context, e domains.DeletedEvent) {
	if h.dom == nil || h.dom.ID() != e.Domain {
		return
	}
	db := h.db
	actor := db.closer
	if actor == nil {
		actor = db.system
	}
	db.log.Warnw("session closed from outside", "id", e.Domain, "key", h.key, "canceled", e.IsCanceled)
	if e.IsCanceled {
		db.forceErr = h.cancel(ctx, actor, true)
		return
	}
	if _, err := h.end(ctx, actor, true); err != nil {
		db.forceErr = err
		if h.dom != nil {
			if cerr := h.cancel(ctx, actor, true); cerr != nil {
				db.forceErr = errors.Join(err, cerr)
			}
		}
	}
}
