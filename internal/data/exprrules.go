package data

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"schemahub/pkg/domain"
)

// ExprRule is a configured boolean expression checked against every table
// or type an edit session changes. A false result is a violation.
type ExprRule struct {
	Name       string
	Entity     domain.EntityKind
	Expression string
	Message    string
	Severity   domain.Severity
}

type exprRule struct {
	ExprRule
	program *vm.Program
}

// CompileExprRule type-checks r against the rule environment.
func CompileExprRule(r ExprRule) (domain.Rule, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("expression rule: name required")
	}
	var env map[string]any
	switch r.Entity {
	case domain.EntityTable:
		env = tableEnv(&domain.TableData{})
	case domain.EntityType:
		env = typeEnv(&domain.TypeData{})
	default:
		return nil, fmt.Errorf("expression rule %s: unsupported entity %q", r.Name, r.Entity)
	}
	program, err := expr.Compile(r.Expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression rule %s: %w", r.Name, err)
	}
	if r.Severity == "" {
		r.Severity = domain.SeverityBlock
	}
	if r.Message == "" {
		r.Message = "expression " + r.Expression + " is false"
	}
	return &exprRule{ExprRule: r, program: program}, nil
}

func (r *exprRule) Name() string { return r.ExprRule.Name }

func (r *exprRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	check := func(p string, env map[string]any) error {
		out, err := vm.Run(r.program, env)
		if err != nil {
			return fmt.Errorf("expression rule %s on %s: %w", r.ExprRule.Name, p, err)
		}
		if ok, _ := out.(bool); !ok {
			res.Violations = append(res.Violations, domain.Violation{
				Rule: r.ExprRule.Name, Severity: r.Severity, Message: r.Message, Entity: r.Entity, Path: p,
			})
		}
		return nil
	}
	switch r.Entity {
	case domain.EntityTable:
		for _, t := range changedTables(view, changes) {
			if err := check(t.Path(), tableEnv(t)); err != nil {
				return domain.Result{}, err
			}
		}
	case domain.EntityType:
		for _, t := range changedTypes(view, changes) {
			if err := check(t.Path(), typeEnv(t)); err != nil {
				return domain.Result{}, err
			}
		}
	}
	return res, nil
}

func tableEnv(t *domain.TableData) map[string]any {
	columns := make([]string, 0, len(t.Columns))
	types := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		columns = append(columns, c.Name)
		types = append(types, c.DataType)
	}
	keys := make([]string, 0)
	for _, c := range t.KeyColumns() {
		keys = append(keys, c.Name)
	}
	return map[string]any{"table": map[string]any{
		"name":     t.Name,
		"path":     t.Path(),
		"comment":  t.Comment,
		"tags":     t.Tags,
		"template": t.TemplatedParent,
		"columns":  columns,
		"types":    types,
		"keys":     keys,
		"rows":     len(t.Rows),
	}}
}

func typeEnv(t *domain.TypeData) map[string]any {
	members := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		members = append(members, m.Name)
	}
	return map[string]any{"type": map[string]any{
		"name":    t.Name,
		"path":    t.Path(),
		"comment": t.Comment,
		"flag":    t.IsFlag,
		"members": members,
	}}
}
