package data

import (
	"context"
	"fmt"
	"path"
	"strings"

	"schemahub/pkg/domain"
)

// Names of the built-in integrity rules.
const (
	RuleColumnNames = "column_names"
	RuleKeyColumns  = "key_columns"
	RuleColumnTypes = "column_types"
	RuleRowKeys     = "row_keys"
	RuleTypeMembers = "type_members"
	RuleTypeUsage   = "type_usage"
)

type ruleFunc struct {
	name string
	fn   func(view domain.RuleView, changes []domain.Change) []domain.Violation
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: r.fn(view, changes)}, nil
}

// DefaultRules returns the built-in integrity rules evaluated when an edit
// session ends.
func DefaultRules() []domain.Rule {
	return []domain.Rule{
		ruleFunc{RuleColumnNames, checkColumnNames},
		ruleFunc{RuleKeyColumns, checkKeyColumns},
		ruleFunc{RuleColumnTypes, checkColumnTypes},
		ruleFunc{RuleRowKeys, checkRowKeys},
		ruleFunc{RuleTypeMembers, checkTypeMembers},
		ruleFunc{RuleTypeUsage, checkTypeUsage},
	}
}

func block(rule string, entity domain.EntityKind, p, format string, args ...any) domain.Violation {
	return domain.Violation{Rule: rule, Severity: domain.SeverityBlock, Entity: entity, Path: p, Message: fmt.Sprintf(format, args...)}
}

// changedTables returns the working copy of every table a change touches.
func changedTables(view domain.RuleView, changes []domain.Change) []*domain.TableData {
	var out []*domain.TableData
	for _, c := range changes {
		if c.Entity != domain.EntityTable || c.Action == domain.ActionDelete {
			continue
		}
		if t, ok := view.Working().Tables[path.Base(c.Path)]; ok {
			out = append(out, t)
		}
	}
	return out
}

func changedTypes(view domain.RuleView, changes []domain.Change) []*domain.TypeData {
	var out []*domain.TypeData
	for _, c := range changes {
		if c.Entity != domain.EntityType || c.Action == domain.ActionDelete {
			continue
		}
		if t, ok := view.Working().Types[path.Base(c.Path)]; ok {
			out = append(out, t)
		}
	}
	return out
}

func checkColumnNames(view domain.RuleView, changes []domain.Change) []domain.Violation {
	var out []domain.Violation
	for _, t := range changedTables(view, changes) {
		seen := make(map[string]bool, len(t.Columns))
		for i, c := range t.Columns {
			switch {
			case c.Name == "":
				out = append(out, block(RuleColumnNames, domain.EntityTable, t.Path(), "column %d has no name", i))
			case seen[c.Name]:
				out = append(out, block(RuleColumnNames, domain.EntityTable, t.Path(), "duplicate column %q", c.Name))
			}
			seen[c.Name] = true
		}
	}
	return out
}

func checkKeyColumns(view domain.RuleView, changes []domain.Change) []domain.Violation {
	var out []domain.Violation
	for _, t := range changedTables(view, changes) {
		if len(t.KeyColumns()) == 0 {
			out = append(out, block(RuleKeyColumns, domain.EntityTable, t.Path(), "table needs at least one key column"))
		}
	}
	return out
}

func checkColumnTypes(view domain.RuleView, changes []domain.Change) []domain.Violation {
	var out []domain.Violation
	for _, t := range changedTables(view, changes) {
		for _, c := range t.Columns {
			if domain.IsBuiltinDataType(c.DataType) {
				continue
			}
			if _, ok := view.Working().Types[c.DataType]; ok {
				continue
			}
			if _, ok := view.Committed().Types[c.DataType]; ok {
				continue
			}
			out = append(out, block(RuleColumnTypes, domain.EntityTable, t.Path(), "column %q has unknown type %q", c.Name, c.DataType))
		}
	}
	return out
}

func checkRowKeys(view domain.RuleView, changes []domain.Change) []domain.Violation {
	var out []domain.Violation
	for _, t := range changedTables(view, changes) {
		if len(t.KeyColumns()) == 0 {
			continue
		}
		seen := make(map[string]bool, len(t.Rows))
		for i, row := range t.Rows {
			key := t.KeyOf(row)
			switch {
			case emptyKey(t, row):
				out = append(out, block(RuleRowKeys, domain.EntityTable, t.Path(), "row %d has an empty key", i))
			case seen[key]:
				out = append(out, block(RuleRowKeys, domain.EntityTable, t.Path(), "duplicate row key %q", displayKey(key)))
			}
			seen[key] = true
		}
	}
	return out
}

func emptyKey(t *domain.TableData, row domain.Row) bool {
	for _, c := range t.KeyColumns() {
		if row.Value(c.Name) != "" {
			return false
		}
	}
	return true
}

func displayKey(key string) string {
	return strings.ReplaceAll(key, "\x1f", ",")
}

func checkTypeMembers(view domain.RuleView, changes []domain.Change) []domain.Violation {
	var out []domain.Violation
	for _, t := range changedTypes(view, changes) {
		seen := make(map[string]bool, len(t.Members))
		for _, m := range t.Members {
			switch {
			case m.Name == "":
				out = append(out, block(RuleTypeMembers, domain.EntityType, t.Path(), "member without a name"))
			case seen[m.Name]:
				out = append(out, block(RuleTypeMembers, domain.EntityType, t.Path(), "duplicate member %q", m.Name))
			}
			seen[m.Name] = true
			if t.IsFlag && (m.Value <= 0 || m.Value&(m.Value-1) != 0) {
				out = append(out, block(RuleTypeMembers, domain.EntityType, t.Path(), "flag member %q value %d is not a power of two", m.Name, m.Value))
			}
		}
	}
	return out
}

// checkTypeUsage rejects a type shape that committed rows still reference
// by a member name the working copy removed.
func checkTypeUsage(view domain.RuleView, changes []domain.Change) []domain.Violation {
	var out []domain.Violation
	for _, typ := range changedTypes(view, changes) {
		for _, name := range view.Committed().TableNames() {
			table := view.Committed().Tables[name]
			for _, col := range table.Columns {
				if col.DataType != typ.Name {
					continue
				}
				for _, row := range table.Rows {
					v := row.Value(col.Name)
					if v == "" {
						continue
					}
					if _, ok := typ.Member(v); !ok {
						out = append(out, block(RuleTypeUsage, domain.EntityType, typ.Path(),
							"table %s column %q still uses removed member %q", table.Path(), col.Name, v))
					}
				}
			}
		}
	}
	return out
}
