package data

import (
	"context"

	"schemahub/internal/auth"
	"schemahub/internal/events"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

// Types is the container of the type definitions of a database.
type Types struct {
	db *DataBase
}

// Get returns the type called name.
func (ts *Types) Get(ctx context.Context, name string) (*Type, error) {
	return run(ctx, ts.db, "type.get", func(context.Context) (*Type, error) {
		t, ok := ts.db.types[name]
		if !ok {
			return nil, domain.NotFound("get type", name)
		}
		return t, nil
	})
}

// List returns the type names in sorted order.
func (ts *Types) List(ctx context.Context) ([]string, error) {
	return run(ctx, ts.db, "type.list", func(context.Context) ([]string, error) {
		return sortedKeys(ts.db.types), nil
	})
}

// Users returns the names of the tables with a column of type name.
func (ts *Types) Users(ctx context.Context, name string) ([]string, error) {
	return run(ctx, ts.db, "type.users", func(context.Context) ([]string, error) {
		var out []string
		for _, t := range ts.db.users(name) {
			out = append(out, t.data.Name)
		}
		return out, nil
	})
}

func (db *DataBase) users(typeName string) []*Table {
	var out []*Table
	for _, name := range sortedKeys(db.tables) {
		if t := db.tables[name]; t.data.UsesType(typeName) {
			out = append(out, t)
		}
	}
	return out
}

// Create adds a type with members to the category at categoryPath.
func (ts *Types) Create(ctx context.Context, actor *auth.Authentication, categoryPath, name string, members []domain.TypeMember) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "type.create", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "create type"
		db := ts.db
		if err := checkName(op, name); err != nil {
			return domain.SignatureDate{}, err
		}
		if domain.IsBuiltinDataType(name) {
			return domain.SignatureDate{}, domain.ValidationFailed(op, name, "%s is a builtin type", name)
		}
		cat := db.TypeCategories.find(categoryPath)
		if cat == nil {
			return domain.SignatureDate{}, domain.NotFound(op, categoryPath)
		}
		t := &domain.TypeData{TypeInfo: domain.TypeInfo{
			Name:         name,
			CategoryPath: cat.Path(),
			Members:      append([]domain.TypeMember(nil), members...),
		}}
		p := t.Path()
		if err := db.policy.ValidateAccessType(actor, p, domain.AccessMaster); err != nil {
			return domain.SignatureDate{}, err
		}
		if existing, ok := db.types[name]; ok {
			return domain.SignatureDate{}, domain.PathConflict(op, existing.data.Path())
		}
		file := repository.ItemFile(domain.EntityType, p)
		if err := db.onDisk(ctx, op, file); err != nil {
			return domain.SignatureDate{}, err
		}
		after, err := domain.PayloadOf(t)
		if err != nil {
			return domain.SignatureDate{}, domain.Unexpected(op, err)
		}
		working := domain.NewDataset()
		working.Types[name] = t
		change := domain.Change{Entity: domain.EntityType, Action: domain.ActionCreate, Path: p, After: after}
		if err := db.validate(ctx, op, p, working, []domain.Change{change}); err != nil {
			return domain.SignatureDate{}, err
		}
		sig, err := db.structural(ctx, actor, createMessage(actor.String(), "type", p),
			commitProperties(verbCreate, p), []string{file}, func(tx *repository.Tx) error {
				t.Modification = tx.Signature()
				return tx.PutType(t)
			})
		if err != nil {
			return domain.SignatureDate{}, err
		}
		typ := newType(db, t)
		db.types[name] = typ
		cat.items[name] = struct{}{}
		db.notify(ctx, events.KindCreated, actor.String(), sig, nil, typ.notifyItem())
		return sig, nil
	})
}

// guard resolves name for a structural change and checks the common gates.
// Tables using the type must not be under edit either.
func (ts *Types) guard(op string, actor *auth.Authentication, name string) (*Type, error) {
	db := ts.db
	t, ok := db.types[name]
	if !ok {
		return nil, domain.NotFound(op, name)
	}
	if err := db.policy.ValidateAccessType(actor, t.data.Path(), domain.AccessMaster); err != nil {
		return nil, err
	}
	if t.Template.host != nil {
		return nil, domain.Conflictf(op, t.data.Path(), "type is under edit")
	}
	return t, nil
}

// Rename renames the type and rewrites every column that references it in
// the same commit.
func (ts *Types) Rename(ctx context.Context, actor *auth.Authentication, name, newName string) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "type.rename", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "rename type"
		db := ts.db
		if err := checkName(op, newName); err != nil {
			return domain.SignatureDate{}, err
		}
		if domain.IsBuiltinDataType(newName) {
			return domain.SignatureDate{}, domain.ValidationFailed(op, newName, "%s is a builtin type", newName)
		}
		t, err := ts.guard(op, actor, name)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		if newName == name {
			return domain.SignatureDate{}, domain.ValidationFailed(op, t.data.Path(), "name unchanged")
		}
		if existing, ok := db.types[newName]; ok {
			return domain.SignatureDate{}, domain.PathConflict(op, existing.data.Path())
		}
		users := db.users(name)
		for _, u := range users {
			if u.Content.host != nil || u.Template.host != nil {
				return domain.SignatureDate{}, domain.Conflictf(op, u.data.Path(), "table using %s is under edit", name)
			}
		}
		from := t.data.Path()
		next, err := cloneType(t.data)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		next.Name = newName
		to := next.Path()
		if err := db.policy.ValidateAccessType(actor, to, domain.AccessMaster); err != nil {
			return domain.SignatureDate{}, err
		}
		toFile := repository.ItemFile(domain.EntityType, to)
		if err := db.onDisk(ctx, op, toFile); err != nil {
			return domain.SignatureDate{}, err
		}
		locks := []string{t.file(), toFile}
		rewritten := make([]*domain.TableData, 0, len(users))
		for _, u := range users {
			c, err := cloneTable(u.data)
			if err != nil {
				return domain.SignatureDate{}, err
			}
			for i := range c.Columns {
				if c.Columns[i].DataType == name {
					c.Columns[i].DataType = newName
				}
			}
			rewritten = append(rewritten, c)
			locks = append(locks, u.file())
		}
		sig, err := db.structural(ctx, actor, renameMessage(actor.String(), "type", from, to),
			commitProperties(verbRename, from, to), locks, func(tx *repository.Tx) error {
				if err := tx.Move(t.file(), toFile); err != nil {
					return err
				}
				next.Modification = tx.Signature()
				if err := tx.PutType(next); err != nil {
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
		cat := db.TypeCategories.find(t.data.CategoryPath)
		delete(cat.items, name)
		cat.items[newName] = struct{}{}
		delete(db.types, name)
		t.data = next
		db.types[newName] = t
		for i, u := range users {
			u.data = rewritten[i]
		}
		it := t.notifyItem()
		it.OldPath = from
		it.OldName = name
		items := []events.Item{it}
		for _, u := range users {
			items = append(items, u.notifyItem())
		}
		db.notify(ctx, events.KindRenamed, actor.String(), sig, nil, items...)
		return sig, nil
	})
}

// Move moves the type to the category at categoryPath.
func (ts *Types) Move(ctx context.Context, actor *auth.Authentication, name, categoryPath string) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "type.move", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "move type"
		db := ts.db
		t, err := ts.guard(op, actor, name)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		cat := db.TypeCategories.find(categoryPath)
		if cat == nil {
			return domain.SignatureDate{}, domain.NotFound(op, categoryPath)
		}
		if cat.Path() == t.data.CategoryPath {
			return domain.SignatureDate{}, domain.ValidationFailed(op, t.data.Path(), "already in %s", cat.Path())
		}
		from := t.data.Path()
		next, err := cloneType(t.data)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		next.CategoryPath = cat.Path()
		to := next.Path()
		if err := db.policy.ValidateAccessType(actor, to, domain.AccessMaster); err != nil {
			return domain.SignatureDate{}, err
		}
		toFile := repository.ItemFile(domain.EntityType, to)
		if err := db.onDisk(ctx, op, toFile); err != nil {
			return domain.SignatureDate{}, err
		}
		sig, err := db.structural(ctx, actor, moveMessage(actor.String(), "type", from, to),
			commitProperties(verbMove, from, to), []string{t.file(), toFile}, func(tx *repository.Tx) error {
				if err := tx.Move(t.file(), toFile); err != nil {
					return err
				}
				next.Modification = tx.Signature()
				return tx.PutType(next)
			})
		if err != nil {
			return domain.SignatureDate{}, err
		}
		delete(db.TypeCategories.find(t.data.CategoryPath).items, name)
		cat.items[name] = struct{}{}
		t.data = next
		it := t.notifyItem()
		it.OldPath = from
		db.notify(ctx, events.KindMoved, actor.String(), sig, nil, it)
		return sig, nil
	})
}

// Delete removes the type. A type used by a table column cannot be deleted.
func (ts *Types) Delete(ctx context.Context, actor *auth.Authentication, name string) (domain.SignatureDate, error) {
	return run(ctx, ts.db, "type.delete", func(ctx context.Context) (domain.SignatureDate, error) {
		const op = "delete type"
		db := ts.db
		t, err := ts.guard(op, actor, name)
		if err != nil {
			return domain.SignatureDate{}, err
		}
		if users := db.users(name); len(users) > 0 {
			return domain.SignatureDate{}, domain.ValidationFailed(op, t.data.Path(), "used by table %s", users[0].data.Path())
		}
		p := t.data.Path()
		sig, err := db.structural(ctx, actor, deleteMessage(actor.String(), "type", p),
			commitProperties(verbDelete, p), []string{t.file()}, func(tx *repository.Tx) error {
				return tx.Delete(t.file())
			})
		if err != nil {
			return domain.SignatureDate{}, err
		}
		delete(db.TypeCategories.find(t.data.CategoryPath).items, name)
		delete(db.types, name)
		t.deleted = true
		db.notify(ctx, events.KindDeleted, actor.String(), sig, nil, t.notifyItem())
		return sig, nil
	})
}
