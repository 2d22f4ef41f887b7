package data

import (
	"context"
	"sort"
	"strings"

	"schemahub/internal/auth"
	"schemahub/internal/domains"
	"schemahub/internal/events"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

// Category is a namespace node of the table or type tree.
type Category struct {
	kind     domain.EntityKind
	name     string
	parent   *Category
	children map[string]*Category
	items    map[string]struct{}
}

func newCategory(kind domain.EntityKind, name string, parent *Category) *Category {
	return &Category{
		kind:     kind,
		name:     name,
		parent:   parent,
		children: make(map[string]*Category),
		items:    make(map[string]struct{}),
	}
}

// Path returns the category path, "/" for the root and "/A/B/" below it.
func (c *Category) Path() string {
	if c.parent == nil {
		return "/"
	}
	return c.parent.Path() + c.name + "/"
}

func (c *Category) isRoot() bool { return c.parent == nil }

// contains reports whether other is c or one of its descendants.
func (c *Category) contains(other *Category) bool {
	for n := other; n != nil; n = n.parent {
		if n == c {
			return true
		}
	}
	return false
}

// walk visits c and its descendants depth first.
func (c *Category) walk(fn func(*Category)) {
	fn(c)
	for _, name := range sortedKeys(c.children) {
		c.children[name].walk(fn)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// splitCategoryPath returns the segments of a category path.
func splitCategoryPath(p string) ([]string, bool) {
	if !strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/") {
		return nil, false
	}
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil, true
	}
	return strings.Split(trimmed, "/"), true
}

// editState is the editing flag and the non-owning host reference every
// editable facet carries. state is editing exactly when host is set.
type editState struct {
	state domain.EntityState
	host  *Host
}

func (s *editState) bind(h *Host, state domain.EntityState) {
	s.host = h
	s.state = state
}

func (s *editState) unbind() {
	s.host = nil
	s.state = domain.StateNone
}

func (s *editState) current() *editState { return s }

// facet is implemented by TableContent, TableTemplate and TypeTemplate.
type facet interface {
	current() *editState
	bind(h *Host, state domain.EntityState)
	unbind()
	item() events.Item
}

// Table is a table entity with its content and template facets.
type Table struct {
	db       *DataBase
	data     *domain.TableData
	deleted  bool
	Content  *TableContent
	Template *TableTemplate
}

func newTable(db *DataBase, data *domain.TableData) *Table {
	t := &Table{db: db, data: data}
	t.Content = &TableContent{
		editState: editState{state: domain.StateNone},
		table:     t,
		Rows:      events.NewChannel[domains.RowEvent](db.d),
	}
	t.Template = &TableTemplate{
		editState:  editState{state: domain.StateNone},
		table:      t,
		Properties: events.NewChannel[domains.PropertyEvent](db.d),
	}
	return t
}

func (t *Table) ref() repository.ItemRef {
	return repository.ItemRef{Kind: domain.EntityTable, Path: t.data.Path()}
}

func (t *Table) file() string {
	return repository.ItemFile(domain.EntityTable, t.data.Path())
}

func (t *Table) notifyItem() events.Item {
	return events.Item{Kind: domain.EntityTable, Path: t.data.Path(), Name: t.data.Name}
}

// Data returns a copy of the committed table.
func (t *Table) Data(ctx context.Context) (*domain.TableData, error) {
	return run(ctx, t.db, "table.data", func(context.Context) (*domain.TableData, error) {
		if t.deleted {
			return nil, domain.NotFound("table data", t.data.Path())
		}
		return cloneTable(t.data)
	})
}

// TableContent is the row-data facet of a table.
type TableContent struct {
	editState
	table *Table
	// Rows re-raises the row changes of the governing session.
	Rows *events.Channel[domains.RowEvent]
}

func (c *TableContent) item() events.Item {
	it := c.table.notifyItem()
	it.State = c.state
	return it
}

// State returns the editing flag.
func (c *TableContent) State(ctx context.Context) (domain.EntityState, error) {
	return facetState(ctx, c.table.db, c)
}

// DomainID returns the id of the governing session, or "" when none.
func (c *TableContent) DomainID(ctx context.Context) (string, error) {
	return facetDomain(ctx, c.table.db, c)
}

// BeginEdit opens a content session over the table's template family.
func (c *TableContent) BeginEdit(ctx context.Context, actor *auth.Authentication) error {
	db := c.table.db
	_, err := run(ctx, db, "table_content.begin", func(ctx context.Context) (struct{}, error) {
		if c.table.deleted {
			return struct{}{}, domain.NotFound("begin edit", c.table.data.Path())
		}
		return struct{}{}, db.begin(ctx, actor, domain.DomainTableContent, db.family(c.table))
	})
	return err
}

// EndEdit commits the session and returns the commit's SignatureDate. It is
// zero when nothing was modified.
func (c *TableContent) EndEdit(ctx context.Context, actor *auth.Authentication) (domain.SignatureDate, error) {
	return run(ctx, c.table.db, "table_content.end", func(ctx context.Context) (domain.SignatureDate, error) {
		return hostOf(c, "end edit", c.table.data.Path()).end(ctx, actor, false)
	})
}

// CancelEdit discards the session.
func (c *TableContent) CancelEdit(ctx context.Context, actor *auth.Authentication) error {
	_, err := run(ctx, c.table.db, "table_content.cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hostOf(c, "cancel edit", c.table.data.Path()).cancel(ctx, actor, false)
	})
	return err
}

// SetRow inserts a row or replaces the row with the same key.
func (c *TableContent) SetRow(ctx context.Context, actor *auth.Authentication, row domain.Row) error {
	return c.apply(ctx, actor, "table_content.set_row", domains.SetRow(c.table.data.Name, row))
}

// RemoveRow removes the row whose key columns hold values.
func (c *TableContent) RemoveRow(ctx context.Context, actor *auth.Authentication, values ...string) error {
	return c.apply(ctx, actor, "table_content.remove_row", domains.RemoveRow(c.table.data.Name, strings.Join(values, "\x1f")))
}

func (c *TableContent) apply(ctx context.Context, actor *auth.Authentication, op string, a domains.Action) error {
	_, err := run(ctx, c.table.db, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hostOf(c, op, c.table.data.Path()).apply(ctx, actor, c.table.data.Path(), a)
	})
	return err
}

// Working returns a copy of the table as the session sees it, or the
// committed table when no session is open.
func (c *TableContent) Working(ctx context.Context) (*domain.TableData, error) {
	return run(ctx, c.table.db, "table_content.working", func(context.Context) (*domain.TableData, error) {
		if c.host != nil && c.host.dom != nil {
			if t, ok := c.host.dom.Working().Tables[c.table.data.Name]; ok {
				return cloneTable(t)
			}
		}
		return cloneTable(c.table.data)
	})
}

// SubscribeRows registers fn for row changes made while the content is
// being edited.
func (c *TableContent) SubscribeRows(ctx context.Context, fn events.Handler[domains.RowEvent]) (func(), error) {
	return dispatchSubscribe(ctx, c.table.db, c.Rows, fn)
}

// TableTemplate is the schema-shape facet of a table.
type TableTemplate struct {
	editState
	table      *Table
	Properties *events.Channel[domains.PropertyEvent]
}

func (t *TableTemplate) item() events.Item {
	it := t.table.notifyItem()
	it.State = t.state
	return it
}

// State returns the editing flag.
func (t *TableTemplate) State(ctx context.Context) (domain.EntityState, error) {
	return facetState(ctx, t.table.db, t)
}

// DomainID returns the id of the governing session, or "" when none.
func (t *TableTemplate) DomainID(ctx context.Context) (string, error) {
	return facetDomain(ctx, t.table.db, t)
}

// BeginEdit opens a template session. Tables derived from another table
// reject template edits.
func (t *TableTemplate) BeginEdit(ctx context.Context, actor *auth.Authentication) error {
	db := t.table.db
	_, err := run(ctx, db, "table_template.begin", func(ctx context.Context) (struct{}, error) {
		data := t.table.data
		if t.table.deleted {
			return struct{}{}, domain.NotFound("begin setup", data.Path())
		}
		if data.TemplatedParent != "" {
			return struct{}{}, domain.ValidationFailed("begin setup", data.Path(), "template is inherited from %s", data.TemplatedParent)
		}
		return struct{}{}, db.begin(ctx, actor, domain.DomainTableTemplate, db.family(t.table))
	})
	return err
}

// EndEdit commits the template session, rewriting the columns of derived
// tables in the same commit.
func (t *TableTemplate) EndEdit(ctx context.Context, actor *auth.Authentication) (domain.SignatureDate, error) {
	return run(ctx, t.table.db, "table_template.end", func(ctx context.Context) (domain.SignatureDate, error) {
		return hostOf(t, "end setup", t.table.data.Path()).end(ctx, actor, false)
	})
}

// CancelEdit discards the template session.
func (t *TableTemplate) CancelEdit(ctx context.Context, actor *auth.Authentication) error {
	_, err := run(ctx, t.table.db, "table_template.cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hostOf(t, "cancel setup", t.table.data.Path()).cancel(ctx, actor, false)
	})
	return err
}

// SetColumns replaces the columns.
func (t *TableTemplate) SetColumns(ctx context.Context, actor *auth.Authentication, columns []domain.Column) error {
	return t.apply(ctx, actor, "table_template.set_columns", domains.SetColumns(t.table.data.Name, columns))
}

// SetProperty changes the comment or tags.
func (t *TableTemplate) SetProperty(ctx context.Context, actor *auth.Authentication, property, value string) error {
	return t.apply(ctx, actor, "table_template.set_property", domains.SetProperty(t.table.data.Name, property, value))
}

func (t *TableTemplate) apply(ctx context.Context, actor *auth.Authentication, op string, a domains.Action) error {
	_, err := run(ctx, t.table.db, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hostOf(t, op, t.table.data.Path()).apply(ctx, actor, t.table.data.Path(), a)
	})
	return err
}

// SubscribeProperties registers fn for schema changes made while the
// template is being set up.
func (t *TableTemplate) SubscribeProperties(ctx context.Context, fn events.Handler[domains.PropertyEvent]) (func(), error) {
	return dispatchSubscribe(ctx, t.table.db, t.Properties, fn)
}

// Type is a type definition entity.
type Type struct {
	db       *DataBase
	data     *domain.TypeData
	deleted  bool
	Template *TypeTemplate
}

func newType(db *DataBase, data *domain.TypeData) *Type {
	t := &Type{db: db, data: data}
	t.Template = &TypeTemplate{
		editState:  editState{state: domain.StateNone},
		typ:        t,
		Properties: events.NewChannel[domains.PropertyEvent](db.d),
	}
	return t
}

func (t *Type) ref() repository.ItemRef {
	return repository.ItemRef{Kind: domain.EntityType, Path: t.data.Path()}
}

func (t *Type) file() string {
	return repository.ItemFile(domain.EntityType, t.data.Path())
}

func (t *Type) notifyItem() events.Item {
	return events.Item{Kind: domain.EntityType, Path: t.data.Path(), Name: t.data.Name}
}

// Data returns a copy of the committed type.
func (t *Type) Data(ctx context.Context) (*domain.TypeData, error) {
	return run(ctx, t.db, "type.data", func(context.Context) (*domain.TypeData, error) {
		if t.deleted {
			return nil, domain.NotFound("type data", t.data.Path())
		}
		return cloneType(t.data)
	})
}

// TypeTemplate is the member-list facet of a type.
type TypeTemplate struct {
	editState
	typ        *Type
	Properties *events.Channel[domains.PropertyEvent]
}

func (t *TypeTemplate) item() events.Item {
	it := t.typ.notifyItem()
	it.State = t.state
	return it
}

// State returns the editing flag.
func (t *TypeTemplate) State(ctx context.Context) (domain.EntityState, error) {
	return facetState(ctx, t.typ.db, t)
}

// DomainID returns the id of the governing session, or "" when none.
func (t *TypeTemplate) DomainID(ctx context.Context) (string, error) {
	return facetDomain(ctx, t.typ.db, t)
}

// BeginEdit opens a type template session.
func (t *TypeTemplate) BeginEdit(ctx context.Context, actor *auth.Authentication) error {
	db := t.typ.db
	_, err := run(ctx, db, "type_template.begin", func(ctx context.Context) (struct{}, error) {
		if t.typ.deleted {
			return struct{}{}, domain.NotFound("begin setup", t.typ.data.Path())
		}
		return struct{}{}, db.begin(ctx, actor, domain.DomainTypeTemplate, []repository.ItemRef{t.typ.ref()})
	})
	return err
}

// EndEdit commits the type session.
func (t *TypeTemplate) EndEdit(ctx context.Context, actor *auth.Authentication) (domain.SignatureDate, error) {
	return run(ctx, t.typ.db, "type_template.end", func(ctx context.Context) (domain.SignatureDate, error) {
		return hostOf(t, "end setup", t.typ.data.Path()).end(ctx, actor, false)
	})
}

// CancelEdit discards the type session.
func (t *TypeTemplate) CancelEdit(ctx context.Context, actor *auth.Authentication) error {
	_, err := run(ctx, t.typ.db, "type_template.cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hostOf(t, "cancel setup", t.typ.data.Path()).cancel(ctx, actor, false)
	})
	return err
}

// SetMembers replaces the members.
func (t *TypeTemplate) SetMembers(ctx context.Context, actor *auth.Authentication, members []domain.TypeMember) error {
	return t.apply(ctx, actor, "type_template.set_members", domains.SetMembers(t.typ.data.Name, members))
}

// SetProperty changes the comment or the is_flag property.
func (t *TypeTemplate) SetProperty(ctx context.Context, actor *auth.Authentication, property, value string) error {
	return t.apply(ctx, actor, "type_template.set_property", domains.SetProperty(t.typ.data.Name, property, value))
}

func (t *TypeTemplate) apply(ctx context.Context, actor *auth.Authentication, op string, a domains.Action) error {
	_, err := run(ctx, t.typ.db, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hostOf(t, op, t.typ.data.Path()).apply(ctx, actor, t.typ.data.Path(), a)
	})
	return err
}

// SubscribeProperties registers fn for member and property changes made
// while the type is being set up.
func (t *TypeTemplate) SubscribeProperties(ctx context.Context, fn events.Handler[domains.PropertyEvent]) (func(), error) {
	return dispatchSubscribe(ctx, t.typ.db, t.Properties, fn)
}

func facetState(ctx context.Context, db *DataBase, f facet) (domain.EntityState, error) {
	return run(ctx, db, "facet.state", func(context.Context) (domain.EntityState, error) {
		return f.current().state, nil
	})
}

func facetDomain(ctx context.Context, db *DataBase, f facet) (string, error) {
	return run(ctx, db, "facet.domain", func(context.Context) (string, error) {
		if h := f.current().host; h != nil && h.dom != nil {
			return h.dom.ID(), nil
		}
		return "", nil
	})
}

func dispatchSubscribe[E any](ctx context.Context, db *DataBase, ch *events.Channel[E], fn events.Handler[E]) (func(), error) {
	return run(ctx, db, "subscribe", func(ctx context.Context) (func(), error) {
		return ch.Subscribe(ctx, fn)
	})
}

// hostOf returns the facet's host, or a host stub whose operations fail
// because no session is open.
func hostOf(f facet, op, p string) hostOps {
	if h := f.current().host; h != nil {
		return h
	}
	return noSession{op: op, path: p}
}

type hostOps interface {
	end(ctx context.Context, actor *auth.Authentication, forced bool) (domain.SignatureDate, error)
	cancel(ctx context.Context, actor *auth.Authentication, forced bool) error
	apply(ctx context.Context, actor *auth.Authentication, p string, a domains.Action) error
}

type noSession struct {
	op   string
	path string
}

func (n noSession) err() error {
	return domain.ValidationFailed(n.op, n.path, "not being edited")
}

func (n noSession) end(context.Context, *auth.Authentication, bool) (domain.SignatureDate, error) {
	return domain.SignatureDate{}, n.err()
}

func (n noSession) cancel(context.Context, *auth.Authentication, bool) error { return n.err() }

func (n noSession) apply(context.Context, *auth.Authentication, string, domains.Action) error {
	return n.err()
}

func cloneTable(t *domain.TableData) (*domain.TableData, error) {
	ds := &domain.Dataset{Tables: map[string]*domain.TableData{t.Name: t}}
	out, err := ds.Clone()
	if err != nil {
		return nil, domain.Unexpected("clone table", err)
	}
	return out.Tables[t.Name], nil
}

func cloneType(t *domain.TypeData) (*domain.TypeData, error) {
	ds := &domain.Dataset{Types: map[string]*domain.TypeData{t.Name: t}}
	out, err := ds.Clone()
	if err != nil {
		return nil, domain.Unexpected("clone type", err)
	}
	return out.Types[t.Name], nil
}
