package data

import (
	"context"

	"schemahub/internal/auth"
	"schemahub/internal/events"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

// Tables is the container of the tables of a database.
type Tables struct {
	db *DataBase
}

// Get returns the table called name.
func (ts *Tables) Get(ctx context.Context, name string) (*Table, error) {
	return run(ctx, ts.db, "table.get", func(context.Context) (*Table, error) {
		t, ok := ts.db.tables[name]
		if !ok {
			return nil, domain.NotFound("get table", name)
		}
		return t, nil
	})
}

// List returns the table names in sorted order.
func (ts *Tables) List(ctx context.Context) ([]string, error) {
	return run(ctx, ts.db, "table.list", func(context.Context) ([]string, error) {
		return sortedKeys(ts.db.tables), nil
	})
}

// Family returns the item paths of the template family of name.
func (ts *Tables) Family(ctx context.Context, name string) ([]string, error) {
	return run(ctx, ts.db, "table.family", func(context.Context) ([]string, error) {
		t, ok := ts.db.tables[name]
		if !ok {
			return nil, domain.NotFound("table family", name)
		}
		var out []string
		for _, ref := range ts.db.family(t) {
			out = append(out, ref.Path)
		}
		return out, nil
	})
}

// Create adds an empty table with columns to the category at categoryPath.
func (ts *Tables) Create(ctx context.Context, actor *auth.Authentication, categoryPath, name string, columns []domain.Column) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "table.create", func(ctx context.Context) (domain.SignatureDate, error) {
		t := &domain.TableData{TableInfo: domain.TableInfo{Name: name, Columns: append([]domain.Column(nil), columns...)}}
		return ts.create(ctx, actor, "create table", categoryPath, t, events.KindCreated)
	})
}

// Inherit creates a table derived from the template root of source. The new
// table shares the root's columns and cannot edit its own template.
func (ts *Tables) Inherit(ctx context.Context, actor *auth.Authentication, source, name, categoryPath string) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "table.inherit", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "inherit table"
		src, ok := ts.db.tables[source]
		if !ok {
			return domain.SignatureDate{}, domain.NotFound(op, source)
		}
		root := ts.db.rootOf(src)
		if ts.db.familyEditing(root) {
			return domain.SignatureDate{}, domain.Conflictf(op, root.data.Path(), "template family is under edit")
		}
		t := &domain.TableData{TableInfo: domain.TableInfo{
			Name:            name,
			TemplatedParent: root.data.Name,
			Comment:         root.data.Comment,
			Tags:            root.data.Tags,
			Columns:         append([]domain.Column(nil), root.data.Columns...),
		}}
		return ts.create(ctx, actor, op, categoryPath, t, events.KindInherited)
	})
}

func (ts *Tables) create(ctx context.Context, actor *auth.Authentication, op, categoryPath string, t *domain.TableData, kind events.Kind) (domain.SignatureDate, error) {
	db := ts.db
	if err := checkName(op, t.Name); err != nil {
		return domain.SignatureDate{}, err
	}
	cat := db.TableCategories.find(categoryPath)
	if cat == nil {
		return domain.SignatureDate{}, domain.NotFound(op, categoryPath)
	}
	t.CategoryPath = cat.Path()
	p := t.Path()
	if err := db.policy.ValidateAccessType(actor, p, domain.AccessMaster); err != nil {
		return domain.SignatureDate{}, err
	}
	if existing, ok := db.tables[t.Name]; ok {
		return domain.SignatureDate{}, domain.PathConflict(op, existing.data.Path())
	}
	file := repository.ItemFile(domain.EntityTable, p)
	if err := db.onDisk(ctx, op, file); err != nil {
		return domain.SignatureDate{}, err
	}
	after, err := domain.PayloadOf(t)
	if err != nil {
		return domain.SignatureDate{}, domain.Unexpected(op, err)
	}
	working := domain.NewDataset()
	working.Tables[t.Name] = t
	change := domain.Change{Entity: domain.EntityTable, Action: domain.ActionCreate, Path: p, After: after}
	if err := db.validate(ctx, op, p, working, []domain.Change{change}); err != nil {
		return domain.SignatureDate{}, err
	}

	message := createMessage(actor.String(), "table", p)
	props := commitProperties(verbCreate, p)
	if kind == events.KindInherited {
		root := db.tables[t.TemplatedParent]
		message = inheritMessage(actor.String(), root.data.Path(), p)
		props = commitProperties(verbInherit, root.data.Path(), p)
	}
	sig, err := db.structural(ctx, actor, message, props, []string{file}, func(tx *repository.Tx) error {
		t.Modification = tx.Signature()
		t.ContentModification = tx.Signature()
		return tx.PutTable(t)
	})
	if err != nil {
		return domain.SignatureDate{}, err
	}
	table := newTable(db, t)
	db.tables[t.Name] = table
	cat.items[t.Name] = struct{}{}
	items := []events.Item{table.notifyItem()}
	if kind == events.KindInherited {
		items = append(items, db.tables[t.TemplatedParent].notifyItem())
	}
	db.notify(ctx, kind, actor.String(), sig, nil, items...)
	return sig, nil
}

// guard resolves name for a structural change and checks the common gates.
func (ts *Tables) guard(op string, actor *auth.Authentication, name string) (*Table, error) {
	t, ok := ts.db.tables[name]
	if !ok {
		return nil, domain.NotFound(op, name)
	}
	if err := ts.db.policy.ValidateAccessType(actor, t.data.Path(), domain.AccessMaster); err != nil {
		return nil, err
	}
	if ts.db.familyEditing(t) {
		return nil, domain.Conflictf(op, t.data.Path(), "template family is under edit")
	}
	return t, nil
}

// Rename renames the table and repoints the tables derived from it.
func (ts *Tables) Rename(ctx context.Context, actor *auth.Authentication, name, newName string) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "table.rename", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "rename table"
		db := ts.db
		if err := checkName(op, newName); err != nil {
			return domain.SignatureDate{}, err
		}
		t, err := ts.guard(op, actor, name)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		if newName == name {
			return domain.SignatureDate{}, domain.ValidationFailed(op, t.data.Path(), "name unchanged")
		}
		if existing, ok := db.tables[newName]; ok {
			return domain.SignatureDate{}, domain.PathConflict(op, existing.data.Path())
		}
		from := t.data.Path()
		next, err := cloneTable(t.data)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		next.Name = newName
		to := next.Path()
		if err := db.policy.ValidateAccessType(actor, to, domain.AccessMaster); err != nil {
			return domain.SignatureDate{}, err
		}
		toFile := repository.ItemFile(domain.EntityTable, to)
		if err := db.onDisk(ctx, op, toFile); err != nil {
			return domain.SignatureDate{}, err
		}
		derived := db.derived(t)
		rewritten := make([]*domain.TableData, 0, len(derived))
		locks := []string{t.file(), toFile}
		for _, d := range derived {
			c, err := cloneTable(d.data)
			if err != nil {
				return domain.SignatureDate{}, err
			}
			c.TemplatedParent = newName
			rewritten = append(rewritten, c)
			locks = append(locks, d.file())
		}
		sig, err := db.structural(ctx, actor, renameMessage(actor.String(), "table", from, to),
			commitProperties(verbRename, from, to), locks, func(tx *repository.Tx) error {
				if err := tx.Move(t.file(), toFile); err != nil {
					return err
				}
				next.Modification = tx.Signature()
				if err := tx.PutTable(next); err != nil {
					return err
				}
				for _, c := range rewritten {
					c.Modification = tx.Signature()
					if err := tx.PutTable(c); err != nil {
						return err
					}
				}
				return nil
			})
		if err != nil {
			return domain.SignatureDate{}, err
		}
		cat := db.TableCategories.find(t.data.CategoryPath)
		delete(cat.items, name)
		cat.items[newName] = struct{}{}
		delete(db.tables, name)
		t.data = next
		db.tables[newName] = t
		for i, d := range derived {
			d.data = rewritten[i]
		}
		it := t.notifyItem()
		it.OldPath = from
		it.OldName = name
		db.notify(ctx, events.KindRenamed, actor.String(), sig, nil, it)
		return sig, nil
	})
}

// Move moves the table to the category at categoryPath.
func (ts *Tables) Move(ctx context.Context, actor *auth.Authentication, name, categoryPath string) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "table.move", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "move table"
		db := ts.db
		t, err := ts.guard(op, actor, name)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		cat := db.TableCategories.find(categoryPath)
		if cat == nil {
			return domain.SignatureDate{}, domain.NotFound(op, categoryPath)
		}
		if cat.Path() == t.data.CategoryPath {
			return domain.SignatureDate{}, domain.ValidationFailed(op, t.data.Path(), "already in %s", cat.Path())
		}
		from := t.data.Path()
		next, err := cloneTable(t.data)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		next.CategoryPath = cat.Path()
		to := next.Path()
		if err := db.policy.ValidateAccessType(actor, to, domain.AccessMaster); err != nil {
			return domain.SignatureDate{}, err
		}
		toFile := repository.ItemFile(domain.EntityTable, to)
		if err := db.onDisk(ctx, op, toFile); err != nil {
			return domain.SignatureDate{}, err
		}
		sig, err := db.structural(ctx, actor, moveMessage(actor.String(), "table", from, to),
			commitProperties(verbMove, from, to), []string{t.file(), toFile}, func(tx *repository.Tx) error {
				if err := tx.Move(t.file(), toFile); err != nil {
					return err
				}
				next.Modification = tx.Signature()
				return tx.PutTable(next)
			})
		if err != nil {
			return domain.SignatureDate{}, err
		}
		delete(db.TableCategories.find(t.data.CategoryPath).items, name)
		cat.items[name] = struct{}{}
		t.data = next
		it := t.notifyItem()
		it.OldPath = from
		db.notify(ctx, events.KindMoved, actor.String(), sig, nil, it)
		return sig, nil
	})
}

// Delete removes the table. A template root with derived tables cannot be
// deleted.
func (ts *Tables) Delete(ctx context.Context, actor *auth.Authentication, name string) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "table.delete", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "delete table"
		db := ts.db
		t, err := ts.guard(op, actor, name)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		if derived := db.derived(t); len(derived) > 0 {
			return domain.SignatureDate{}, domain.ValidationFailed(op, t.data.Path(), "%d tables inherit its template", len(derived))
		}
		p := t.data.Path()
		sig, err := db.structural(ctx, actor, deleteMessage(actor.String(), "table", p),
			commitProperties(verbDelete, p), []string{t.file()}, func(tx *repository.Tx) error {
				return tx.Delete(t.file())
			})
		if err != nil {
			return domain.SignatureDate{}, err
		}
		delete(db.TableCategories.find(t.data.CategoryPath).items, name)
		delete(db.tables, name)
		t.deleted = true
		db.notify(ctx, events.KindDeleted, actor.String(), sig, nil, t.notifyItem())
		return sig, nil
	})
}
