package data

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"schemahub/pkg/domain"
)

func evaluate(t *testing.T, engine *domain.RulesEngine, working, committed *domain.Dataset, changes ...domain.Change) []string {
	t.Helper()
	res, err := engine.Evaluate(context.Background(), domain.NewRuleView(working, committed), changes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var out []string
	for _, v := range res.Violations {
		out = append(out, v.Rule)
	}
	return out
}

func tableDataset(tables ...*domain.TableData) *domain.Dataset {
	ds := domain.NewDataset()
	for _, t := range tables {
		ds.Tables[t.Name] = t
	}
	return ds
}

func update(kind domain.EntityKind, p string) domain.Change {
	return domain.Change{Entity: kind, Action: domain.ActionUpdate, Path: p}
}

func TestDefaultRules(t *testing.T) {
	engine := domain.NewRulesEngine(DefaultRules()...)
	color := &domain.TypeData{TypeInfo: domain.TypeInfo{Name: "Color", CategoryPath: "/", Members: []domain.TypeMember{{Name: "Red", Value: 1}}}}

	tests := []struct {
		name  string
		table *domain.TableData
		want  []string
	}{
		{
			name:  "valid",
			table: &domain.TableData{TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/", Columns: []domain.Column{keyColumn("id"), column("c", "Color")}}, Rows: []domain.Row{row("id", "1", "c", "Red")}},
		},
		{
			name:  "duplicate column",
			table: &domain.TableData{TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/", Columns: []domain.Column{keyColumn("id"), column("id", domain.DataTypeInt)}}},
			want:  []string{RuleColumnNames},
		},
		{
			name:  "no key",
			table: &domain.TableData{TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/", Columns: []domain.Column{column("id", domain.DataTypeInt)}}},
			want:  []string{RuleKeyColumns},
		},
		{
			name:  "unknown type",
			table: &domain.TableData{TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/", Columns: []domain.Column{keyColumn("id"), column("s", "Shape")}}},
			want:  []string{RuleColumnTypes},
		},
		{
			name: "row keys",
			table: &domain.TableData{
				TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/", Columns: []domain.Column{keyColumn("id")}},
				Rows:      []domain.Row{row("id", "1"), row("id", "1"), row("id", "")},
			},
			want: []string{RuleRowKeys, RuleRowKeys},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			committed := domain.NewDataset()
			committed.Types["Color"] = color
			got := evaluate(t, engine, tableDataset(tc.table), committed, update(domain.EntityTable, "/T"))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("violations mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDefaultRulesSkipUnchangedAndDeleted(t *testing.T) {
	engine := domain.NewRulesEngine(DefaultRules()...)
	broken := &domain.TableData{TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/"}}
	working := tableDataset(broken)

	if got := evaluate(t, engine, working, nil); len(got) != 0 {
		t.Fatalf("unchanged table raised %v", got)
	}
	deleted := domain.Change{Entity: domain.EntityTable, Action: domain.ActionDelete, Path: "/T"}
	if got := evaluate(t, engine, working, nil, deleted); len(got) != 0 {
		t.Fatalf("deleted table raised %v", got)
	}
}

func TestTypeRules(t *testing.T) {
	engine := domain.NewRulesEngine(DefaultRules()...)
	flags := &domain.TypeData{TypeInfo: domain.TypeInfo{
		Name: "Access", CategoryPath: "/", IsFlag: true,
		Members: []domain.TypeMember{{Name: "Read", Value: 1}, {Name: "Write", Value: 3}, {Name: "Read", Value: 4}},
	}}
	working := domain.NewDataset()
	working.Types["Access"] = flags
	committed := tableDataset(&domain.TableData{
		TableInfo: domain.TableInfo{Name: "Grants", CategoryPath: "/", Columns: []domain.Column{keyColumn("id"), column("a", "Access")}},
		Rows:      []domain.Row{row("id", "1", "a", "Execute"), row("id", "2", "a", "Read"), row("id", "3")},
	})

	got := evaluate(t, engine, working, committed, update(domain.EntityType, "/Access"))
	want := []string{RuleTypeMembers, RuleTypeMembers, RuleTypeUsage}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileExprRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    ExprRule
		wantErr string
	}{
		{name: "table", rule: ExprRule{Name: "commented", Entity: domain.EntityTable, Expression: `table.comment != ""`}},
		{name: "type", rule: ExprRule{Name: "members", Entity: domain.EntityType, Expression: `len(type.members) > 0`}},
		{name: "no name", rule: ExprRule{Entity: domain.EntityTable, Expression: `true`}, wantErr: "name required"},
		{name: "category entity", rule: ExprRule{Name: "x", Entity: domain.EntityTableCategory, Expression: `true`}, wantErr: "unsupported entity"},
		{name: "unknown variable", rule: ExprRule{Name: "x", Entity: domain.EntityTable, Expression: `row.name != ""`}, wantErr: "expression rule x"},
		{name: "not boolean", rule: ExprRule{Name: "x", Entity: domain.EntityTable, Expression: `1 + 1`}, wantErr: "expression rule x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule, err := CompileExprRule(tc.rule)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("CompileExprRule: %v", err)
				}
				if rule.Name() != tc.rule.Name {
					t.Fatalf("Name = %q, want %q", rule.Name(), tc.rule.Name)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestExprRuleEvaluate(t *testing.T) {
	rule, err := CompileExprRule(ExprRule{Name: "commented", Entity: domain.EntityTable, Expression: `table.comment != ""`, Message: "tables need a comment"})
	if err != nil {
		t.Fatalf("CompileExprRule: %v", err)
	}
	engine := domain.NewRulesEngine(rule)
	bare := &domain.TableData{TableInfo: domain.TableInfo{Name: "T", CategoryPath: "/A/"}}
	res, err := engine.Evaluate(context.Background(), domain.NewRuleView(tableDataset(bare), nil), []domain.Change{update(domain.EntityTable, "/A/T")})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := []domain.Violation{{Rule: "commented", Severity: domain.SeverityBlock, Message: "tables need a comment", Entity: domain.EntityTable, Path: "/A/T"}}
	if diff := cmp.Diff(want, res.Violations); diff != "" {
		t.Fatalf("violations mismatch (-want +got):\n%s", diff)
	}

	bare.Comment = "documented"
	res, _ = engine.Evaluate(context.Background(), domain.NewRuleView(tableDataset(bare), nil), []domain.Change{update(domain.EntityTable, "/A/T")})
	if len(res.Violations) != 0 {
		t.Fatalf("commented table raised %v", res.Violations)
	}
}

func TestExprRulesGateTableCreate(t *testing.T) {
	ctx := context.Background()
	block, err := CompileExprRule(ExprRule{Name: "short_names", Entity: domain.EntityTable, Expression: `len(table.name) <= 8`})
	if err != nil {
		t.Fatalf("CompileExprRule: %v", err)
	}
	warn, err := CompileExprRule(ExprRule{Name: "tagged", Entity: domain.EntityTable, Expression: `table.tags != ""`, Severity: domain.SeverityWarn})
	if err != nil {
		t.Fatalf("CompileExprRule: %v", err)
	}
	f := newFixture(t)
	f.rules = domain.NewRulesEngine(append(DefaultRules(), block, warn)...)
	f.reopen(t)

	_, err = f.db.Tables.Create(ctx, f.alice, "/", "VeryLongName", []domain.Column{keyColumn("id")})
	expectKind(t, err, domain.KindValidation)
	if _, err := f.db.Tables.Create(ctx, f.alice, "/", "Short", []domain.Column{keyColumn("id")}); err != nil {
		t.Fatalf("warning blocked create: %v", err)
	}
}

func TestCommitMessages(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{createMessage("alice", "table category", "/A/"), "alice: create table category /A/"},
		{renameMessage("bob", "type", "/Color", "/Colour"), "bob: rename type /Color -> /Colour"},
		{moveMessage("bob", "table", "/T", "/A/T"), "bob: move table /T -> /A/T"},
		{deleteMessage("alice", "type category", "/E/"), "alice: delete type category /E/"},
		{inheritMessage("alice", "/R", "/D"), "alice: inherit table /R -> /D"},
		{changeMessage("alice", "table content", []string{"/D", "/R"}), "alice: change table content /D, /R"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Fatalf("message = %q, want %q", tc.got, tc.want)
		}
	}

	props := commitProperties(verbMove, "/Z", "/A")
	if diff := cmp.Diff(map[string]string{"action": "move", "paths": "/A,/Z"}, props); diff != "" {
		t.Fatalf("properties mismatch (-want +got):\n%s", diff)
	}
}
