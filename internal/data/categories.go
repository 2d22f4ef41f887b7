package data

import (
	"context"
	"strings"

	"schemahub/internal/auth"
	"schemahub/internal/events"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

// Categories is the container of one category tree: table categories or
// type categories.
type Categories struct {
	db       *DataBase
	kind     domain.EntityKind
	itemKind domain.EntityKind
	root     *Category
}

func newCategories(db *DataBase, kind, itemKind domain.EntityKind) *Categories {
	return &Categories{db: db, kind: kind, itemKind: itemKind, root: newCategory(kind, "", nil)}
}

func (c *Categories) subject() string {
	return strings.ReplaceAll(string(c.kind), "_", " ")
}

func (c *Categories) op(verb string) string {
	return string(c.kind) + "." + verb
}

// find returns the category at p, or nil.
func (c *Categories) find(p string) *Category {
	parts, ok := splitCategoryPath(p)
	if !ok {
		return nil
	}
	node := c.root
	for _, part := range parts {
		next, ok := node.children[part]
		if !ok {
			return nil
		}
		node = next
	}
	return node
}

// ensure returns the category at p, creating missing nodes.
func (c *Categories) ensure(p string) *Category {
	parts, _ := splitCategoryPath(p)
	node := c.root
	for _, part := range parts {
		next, ok := node.children[part]
		if !ok {
			next = newCategory(c.kind, part, node)
			node.children[part] = next
		}
		node = next
	}
	return node
}

func (c *Categories) dir(cat *Category) string {
	return repository.CategoryDir(c.kind, cat.Path())
}

func (c *Categories) item(cat *Category) events.Item {
	return events.Item{Kind: c.kind, Path: cat.Path(), Name: cat.name}
}

// editing reports whether an item below cat is under edit.
func (c *Categories) editing(cat *Category) bool {
	found := false
	cat.walk(func(n *Category) {
		for name := range n.items {
			switch c.itemKind {
			case domain.EntityTable:
				if t, ok := c.db.tables[name]; ok && (t.Content.host != nil || t.Template.host != nil) {
					found = true
				}
			case domain.EntityType:
				if t, ok := c.db.types[name]; ok && t.Template.host != nil {
					found = true
				}
			}
		}
	})
	return found
}

// Exists reports whether the category at p exists.
func (c *Categories) Exists(ctx context.Context, p string) (bool, error) {
	return run(ctx, c.db, c.op("exists"), func(context.Context) (bool, error) {
		return c.find(p) != nil, nil
	})
}

// Children lists the names of the subcategories of p.
func (c *Categories) Children(ctx context.Context, p string) ([]string, error) {
	return run(ctx, c.db, c.op("children"), func(context.Context) ([]string, error) {
		cat := c.find(p)
		if cat == nil {
			return nil, domain.NotFound("list categories", p)
		}
		return sortedKeys(cat.children), nil
	})
}

// Items lists the names of the tables or types directly in p.
func (c *Categories) Items(ctx context.Context, p string) ([]string, error) {
	return run(ctx, c.db, c.op("items"), func(context.Context) ([]string, error) {
		cat := c.find(p)
		if cat == nil {
			return nil, domain.NotFound("list items", p)
		}
		return sortedKeys(cat.items), nil
	})
}

// Create adds category name below parentPath.
func (c *Categories) Create(ctx context.Context, actor *auth.Authentication, parentPath, name string) (domain.SignatureDate, error) {
	return run(ctx, c.db, c.op("create"), func(ctx context.Context) (domain.SignatureDate, error) {
		op := "create " + c.subject()
		if err := checkName(op, name); err != nil {
			return domain.SignatureDate{}, err
		}
		parent := c.find(parentPath)
		if parent == nil {
			return domain.SignatureDate{}, domain.NotFound(op, parentPath)
		}
		target := parent.Path() + name + "/"
		if err := c.db.policy.ValidateAccessType(actor, target, domain.AccessMaster); err != nil {
			return domain.SignatureDate{}, err
		}
		if _, ok := parent.children[name]; ok {
			return domain.SignatureDate{}, domain.PathConflict(op, target)
		}
		dir := repository.CategoryDir(c.kind, target)
		if err := c.db.onDisk(ctx, op, dir); err != nil {
			return domain.SignatureDate{}, err
		}
		sig, err := c.db.structural(ctx, actor, createMessage(actor.String(), c.subject(), target),
			commitProperties(verbCreate, target), []string{dir},
			func(tx *repository.Tx) error { return tx.Mkdir(dir) })
		if err != nil {
			return domain.SignatureDate{}, err
		}
		cat := newCategory(c.kind, name, parent)
		parent.children[name] = cat
		c.db.notify(ctx, events.KindCreated, actor.String(), sig, nil, c.item(cat))
		return sig, nil
	})
}

// Rename renames the category at p.
func (c *Categories) Rename(ctx context.Context, actor *auth.Authentication, p, newName string) (domain.SignatureDate, error) {
	return run(ctx, c.db, c.op("rename"), func(ctx context.Context) (domain.SignatureDate, error) {
		op := "rename " + c.subject()
		if err := checkName(op, newName); err != nil {
			return domain.SignatureDate{}, err
		}
		cat, err := c.movable(op, actor, p)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		if newName == cat.name {
			return domain.SignatureDate{}, domain.ValidationFailed(op, p, "name unchanged")
		}
		return c.relocate(ctx, actor, op, verbRename, cat, cat.parent, newName, renameMessage)
	})
}

// Move moves the category at p below newParentPath.
func (c *Categories) Move(ctx context.Context, actor *auth.Authentication, p, newParentPath string) (domain.SignatureDate, error) {
	return run(ctx, c.db, c.op("move"), func(ctx context.Context) (domain.SignatureDate, error) {
		op := "move " + c.subject()
		cat, err := c.movable(op, actor, p)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		parent := c.find(newParentPath)
		if parent == nil {
			return domain.SignatureDate{}, domain.NotFound(op, newParentPath)
		}
		if cat.contains(parent) {
			return domain.SignatureDate{}, domain.ValidationFailed(op, p, "cannot move into itself or a descendant")
		}
		if parent == cat.parent {
			return domain.SignatureDate{}, domain.ValidationFailed(op, p, "already in %s", parent.Path())
		}
		return c.relocate(ctx, actor, op, verbMove, cat, parent, cat.name, moveMessage)
	})
}

// movable resolves p for a rename or move and checks the common gates.
func (c *Categories) movable(op string, actor *auth.Authentication, p string) (*Category, error) {
	cat := c.find(p)
	if cat == nil {
		return nil, domain.NotFound(op, p)
	}
	if cat.isRoot() {
		return nil, domain.ValidationFailed(op, p, "the root category cannot change")
	}
	if err := c.db.policy.ValidateAccessType(actor, cat.Path(), domain.AccessMaster); err != nil {
		return nil, err
	}
	if c.editing(cat) {
		return nil, domain.Conflictf(op, p, "contains an item under edit")
	}
	return cat, nil
}

func (c *Categories) relocate(ctx context.Context, actor *auth.Authentication, op, verb string, cat, parent *Category, name string,
	message func(actor, subject, from, to string) string) (domain.SignatureDate, error) {
	from := cat.Path()
	to := parent.Path() + name + "/"
	if _, ok := parent.children[name]; ok {
		return domain.SignatureDate{}, domain.PathConflict(op, to)
	}
	if err := c.db.policy.ValidateAccessType(actor, to, domain.AccessMaster); err != nil {
		return domain.SignatureDate{}, err
	}
	fromDir := c.dir(cat)
	toDir := repository.CategoryDir(c.kind, to)
	if err := c.db.onDisk(ctx, op, toDir); err != nil {
		return domain.SignatureDate{}, err
	}
	sig, err := c.db.structural(ctx, actor, message(actor.String(), c.subject(), from, to),
		commitProperties(verb, from, to), []string{fromDir, toDir},
		func(tx *repository.Tx) error { return tx.Move(fromDir, toDir) })
	if err != nil {
		return domain.SignatureDate{}, err
	}

	oldName := cat.name
	delete(cat.parent.children, cat.name)
	cat.name = name
	cat.parent = parent
	parent.children[name] = cat

	it := c.item(cat)
	it.OldPath = from
	it.OldName = oldName
	kind := events.KindMoved
	if verb == verbRename {
		kind = events.KindRenamed
	}
	items := append([]events.Item{it}, c.rebase(cat)...)
	c.db.notify(ctx, kind, actor.String(), sig, nil, items...)
	return sig, nil
}

// rebase updates the category path of every item below cat and returns the
// moved items with their previous paths.
func (c *Categories) rebase(cat *Category) []events.Item {
	var moved []events.Item
	cat.walk(func(n *Category) {
		for _, name := range sortedKeys(n.items) {
			var it events.Item
			switch c.itemKind {
			case domain.EntityTable:
				t, ok := c.db.tables[name]
				if !ok {
					continue
				}
				old := t.data.Path()
				t.data.CategoryPath = n.Path()
				it = t.notifyItem()
				it.OldPath = old
			case domain.EntityType:
				t, ok := c.db.types[name]
				if !ok {
					continue
				}
				old := t.data.Path()
				t.data.CategoryPath = n.Path()
				it = t.notifyItem()
				it.OldPath = old
			default:
				continue
			}
			moved = append(moved, it)
		}
	})
	return moved
}

// Delete removes the category at p and its subcategories. Categories that
// hold items cannot be deleted.
func (c *Categories) Delete(ctx context.Context, actor *auth.Authentication, p string) (domain.SignatureDate, error) {
	return run(ctx, c.db, c.op("delete"), func(ctx context.Context) (domain.SignatureDate, error) {
		op := "delete " + c.subject()
		cat, err := c.movable(op, actor, p)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		items := 0
		cat.walk(func(n *Category) { items += len(n.items) })
		if items > 0 {
			return domain.SignatureDate{}, domain.ValidationFailed(op, p, "category holds %d items", items)
		}
		dir := c.dir(cat)
		sig, err := c.db.structural(ctx, actor, deleteMessage(actor.String(), c.subject(), cat.Path()),
			commitProperties(verbDelete, cat.Path()), []string{dir},
			func(tx *repository.Tx) error { return tx.Delete(dir) })
		if err != nil {
			return domain.SignatureDate{}, err
		}
		it := c.item(cat)
		delete(cat.parent.children, cat.name)
		c.db.notify(ctx, events.KindDeleted, actor.String(), sig, nil, it)
		return sig, nil
	})
}
