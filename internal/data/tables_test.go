package data

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"schemahub/internal/domains"
	"schemahub/internal/events"
	"schemahub/pkg/domain"
)

func TestCreateTableValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createTable(t, "/", "T", keyColumn("id"))

	tests := []struct {
		name     string
		category string
		table    string
		columns  []domain.Column
		actor    string
		want     domain.ErrorKind
	}{
		{name: "duplicate", category: "/", table: "T", columns: []domain.Column{keyColumn("id")}, want: domain.KindConflict},
		{name: "missing category", category: "/nope/", table: "U", columns: []domain.Column{keyColumn("id")}, want: domain.KindNotFound},
		{name: "no key", category: "/", table: "U", columns: []domain.Column{column("id", domain.DataTypeInt)}, want: domain.KindValidation},
		{name: "unknown type", category: "/", table: "U", columns: []domain.Column{keyColumn("id"), column("c", "Color")}, want: domain.KindValidation},
		{name: "reserved suffix", category: "/", table: "U.table.json", columns: []domain.Column{keyColumn("id")}, want: domain.KindValidation},
		{name: "guest", category: "/", table: "U", columns: []domain.Column{keyColumn("id")}, actor: "guest", want: domain.KindPermissionDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			actor := f.alice
			if tc.actor == "guest" {
				actor = f.guest
			}
			_, err := f.db.Tables.Create(ctx, actor, tc.category, tc.table, tc.columns)
			expectKind(t, err, tc.want)
		})
	}
	names, _ := f.db.Tables.List(ctx)
	if diff := cmp.Diff([]string{"T"}, names); diff != "" {
		t.Fatalf("tables mismatch (-want +got):\n%s", diff)
	}
}

func TestInheritAndPropagation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := f.createTable(t, "/", "R", keyColumn("id"))
	if _, err := f.db.TableCategories.Create(ctx, f.alice, "/", "A"); err != nil {
		t.Fatalf("create category: %v", err)
	}
	f.rec.Reset()

	if _, err := f.db.Tables.Inherit(ctx, f.alice, "R", "D", "/A/"); err != nil {
		t.Fatalf("Inherit: %v", err)
	}
	derived, _ := f.db.Tables.Get(ctx, "D")
	data, _ := derived.Data(ctx)
	if data.TemplatedParent != "R" || data.Path() != "/A/D" {
		t.Fatalf("derived table = %+v", data.TableInfo)
	}
	expectKinds(t, f.rec, events.KindInherited)
	if diff := cmp.Diff([]string{"/A/D", "/R"}, f.rec.Notifications()[0].Paths()); diff != "" {
		t.Fatalf("inherited items mismatch (-want +got):\n%s", diff)
	}
	head, _, _ := f.repo.Head(ctx)
	if head.Message != "alice: inherit table /R -> /A/D" {
		t.Fatalf("commit message = %q", head.Message)
	}

	// Inheriting from a derived table resolves to its root.
	if _, err := f.db.Tables.Inherit(ctx, f.alice, "D", "E", "/"); err != nil {
		t.Fatalf("Inherit from derived: %v", err)
	}
	family, _ := f.db.Tables.Family(ctx, "E")
	if diff := cmp.Diff([]string{"/A/D", "/E", "/R"}, family); diff != "" {
		t.Fatalf("family mismatch (-want +got):\n%s", diff)
	}

	err := derived.Template.BeginEdit(ctx, f.alice)
	expectKind(t, err, domain.KindValidation)

	if err := root.Content.BeginEdit(ctx, f.alice); err != nil {
		t.Fatalf("content BeginEdit: %v", err)
	}
	expectState(t, derived.Content, domain.StateBeingEdited)
	if err := derived.Content.SetRow(ctx, f.alice, row("id", "d1")); err != nil {
		t.Fatalf("SetRow on governed table: %v", err)
	}
	if _, err := derived.Content.EndEdit(ctx, f.alice); err != nil {
		t.Fatalf("EndEdit through derived table: %v", err)
	}
	expectState(t, root.Content, domain.StateNone)

	if err := root.Template.BeginEdit(ctx, f.alice); err != nil {
		t.Fatalf("template BeginEdit: %v", err)
	}
	expectState(t, derived.Template, domain.StateBeingSetup)
	err = derived.Content.BeginEdit(ctx, f.bob)
	expectKind(t, err, domain.KindConflict)
	_, err = f.db.Tables.Inherit(ctx, f.alice, "R", "F", "/")
	expectKind(t, err, domain.KindConflict)

	columns := []domain.Column{keyColumn("id"), column("extra", domain.DataTypeInt)}
	if err := root.Template.SetColumns(ctx, f.alice, columns); err != nil {
		t.Fatalf("SetColumns: %v", err)
	}
	rev := f.revision(t)
	sig, err := root.Template.EndEdit(ctx, f.alice)
	if err != nil {
		t.Fatalf("EndEdit: %v", err)
	}
	if got := f.revision(t); got != rev+1 {
		t.Fatalf("propagation took %d commits, want 1", got-rev)
	}
	for _, name := range []string{"D", "E"} {
		tbl, _ := f.db.Tables.Get(ctx, name)
		d, _ := tbl.Data(ctx)
		if diff := cmp.Diff(columns, d.Columns); diff != "" {
			t.Fatalf("%s columns mismatch (-want +got):\n%s", name, diff)
		}
		if diff := cmp.Diff(sig, d.Modification); diff != "" {
			t.Fatalf("%s modification mismatch (-want +got):\n%s", name, diff)
		}
	}

	_, err = f.db.Tables.Delete(ctx, f.alice, "R")
	expectKind(t, err, domain.KindValidation)
}

func TestDerivedColumnsFollowRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := f.createTable(t, "/", "R", keyColumn("id"))
	if _, err := f.db.Tables.Inherit(ctx, f.alice, "R", "D", "/"); err != nil {
		t.Fatalf("Inherit: %v", err)
	}
	derived, _ := f.db.Tables.Get(ctx, "D")

	if err := root.Template.BeginEdit(ctx, f.alice); err != nil {
		t.Fatalf("template BeginEdit: %v", err)
	}
	err := derived.Template.SetColumns(ctx, f.alice, []domain.Column{keyColumn("id"), column("rogue", domain.DataTypeString)})
	expectKind(t, err, domain.KindValidation)
	if err := derived.Template.SetProperty(ctx, f.alice, domains.PropertyComment, "derived"); err != nil {
		t.Fatalf("SetProperty on derived: %v", err)
	}
	if _, err := root.Template.EndEdit(ctx, f.alice); err != nil {
		t.Fatalf("EndEdit: %v", err)
	}

	data, _ := derived.Data(ctx)
	if diff := cmp.Diff([]domain.Column{keyColumn("id")}, data.Columns); diff != "" {
		t.Fatalf("derived columns mismatch (-want +got):\n%s", diff)
	}
	if data.Comment != "derived" {
		t.Fatalf("derived comment = %q", data.Comment)
	}
}

func TestPropagateRepairsDrift(t *testing.T) {
	root := []domain.Column{keyColumn("id"), column("name", domain.DataTypeString)}
	final := domain.NewDataset()
	final.Tables["R"] = &domain.TableData{TableInfo: domain.TableInfo{Name: "R", CategoryPath: "/", Columns: root}}
	final.Tables["D"] = &domain.TableData{TableInfo: domain.TableInfo{Name: "D", CategoryPath: "/", TemplatedParent: "R",
		Columns: []domain.Column{keyColumn("id"), column("rogue", domain.DataTypeInt)}}}
	final.Tables["E"] = &domain.TableData{TableInfo: domain.TableInfo{Name: "E", CategoryPath: "/", TemplatedParent: "R",
		Columns: append([]domain.Column(nil), root...)}}

	h := &Host{kind: domain.DomainTableTemplate}
	if diff := cmp.Diff([]string{"D"}, h.propagate(final, []string{"D"})); diff != "" {
		t.Fatalf("modified mismatch (-want +got):\n%s", diff)
	}
	for _, name := range []string{"D", "E"} {
		if diff := cmp.Diff(root, final.Tables[name].Columns); diff != "" {
			t.Fatalf("%s columns mismatch (-want +got):\n%s", name, diff)
		}
	}
	if diff := cmp.Diff([]string{"D", "E", "R"}, h.propagate(final, []string{"R"})); diff != "" {
		t.Fatalf("modified after root edit mismatch (-want +got):\n%s", diff)
	}
}

func TestRenameTableRepointsDerived(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createTable(t, "/", "R", keyColumn("id"))
	if _, err := f.db.Tables.Inherit(ctx, f.alice, "R", "D", "/"); err != nil {
		t.Fatalf("Inherit: %v", err)
	}
	rev := f.revision(t)

	if _, err := f.db.Tables.Rename(ctx, f.alice, "R", "Base"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got := f.revision(t); got != rev+1 {
		t.Fatalf("rename took %d commits, want 1", got-rev)
	}
	derived, _ := f.db.Tables.Get(ctx, "D")
	data, _ := derived.Data(ctx)
	if data.TemplatedParent != "Base" {
		t.Fatalf("derived parent = %q, want Base", data.TemplatedParent)
	}
	f.readFile(t, "/tables/Base.table.json")
	if ok, _ := f.repo.Exists(ctx, "/tables/R.table.json"); ok {
		t.Fatalf("old file still committed")
	}
	_, err := f.db.Tables.Get(ctx, "R")
	expectKind(t, err, domain.KindNotFound)

	f.reopen(t)
	family, _ := f.db.Tables.Family(ctx, "D")
	if diff := cmp.Diff([]string{"/Base", "/D"}, family); diff != "" {
		t.Fatalf("family after reopen mismatch (-want +got):\n%s", diff)
	}
}

func TestStructuralChangesConflictWhileEditing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.db.TableCategories.Create(ctx, f.alice, "/", "A"); err != nil {
		t.Fatalf("create category: %v", err)
	}
	if _, err := f.db.TypeCategories.Create(ctx, f.alice, "/", "Enums"); err != nil {
		t.Fatalf("create type category: %v", err)
	}
	if _, err := f.db.Types.Create(ctx, f.alice, "/Enums/", "Color", []domain.TypeMember{{Name: "Red", Value: 1}}); err != nil {
		t.Fatalf("create type: %v", err)
	}
	table := f.createTable(t, "/A/", "T", keyColumn("id"), column("c", "Color"))
	if err := table.Content.BeginEdit(ctx, f.alice); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	rev := f.revision(t)

	_, err := f.db.Tables.Rename(ctx, f.alice, "T", "U")
	expectKind(t, err, domain.KindConflict)
	_, err = f.db.Tables.Move(ctx, f.alice, "T", "/")
	expectKind(t, err, domain.KindConflict)
	_, err = f.db.Tables.Delete(ctx, f.alice, "T")
	expectKind(t, err, domain.KindConflict)
	_, err = f.db.TableCategories.Rename(ctx, f.alice, "/A/", "B")
	expectKind(t, err, domain.KindConflict)
	_, err = f.db.Types.Rename(ctx, f.alice, "Color", "Colour")
	expectKind(t, err, domain.KindConflict)
	if got := f.revision(t); got != rev {
		t.Fatalf("rejected changes committed")
	}

	// Type moves do not touch the table and stay allowed.
	if _, err := f.db.Types.Move(ctx, f.alice, "Color", "/"); err != nil {
		t.Fatalf("type move: %v", err)
	}
	if err := table.Content.CancelEdit(ctx, f.alice); err != nil {
		t.Fatalf("CancelEdit: %v", err)
	}
	if _, err := f.db.Tables.Rename(ctx, f.alice, "T", "U"); err != nil {
		t.Fatalf("rename after cancel: %v", err)
	}
}

func TestTypeRenamePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	members := []domain.TypeMember{{Name: "Red", Value: 1}, {Name: "Blue", Value: 2}}
	if _, err := f.db.Types.Create(ctx, f.alice, "/", "Color", members); err != nil {
		t.Fatalf("create type: %v", err)
	}
	table := f.createTable(t, "/", "T", keyColumn("id"), column("c", "Color"))
	rev := f.revision(t)
	f.rec.Reset()

	_, err := f.db.Types.Rename(ctx, f.alice, "Color", domain.DataTypeString)
	expectKind(t, err, domain.KindValidation)
	if _, err := f.db.Types.Rename(ctx, f.alice, "Color", "Colour"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got := f.revision(t); got != rev+1 {
		t.Fatalf("rename took %d commits, want 1", got-rev)
	}
	data, _ := table.Data(ctx)
	if data.Columns[1].DataType != "Colour" {
		t.Fatalf("column type = %q, want Colour", data.Columns[1].DataType)
	}
	users, _ := f.db.Types.Users(ctx, "Colour")
	if diff := cmp.Diff([]string{"T"}, users); diff != "" {
		t.Fatalf("users mismatch (-want +got):\n%s", diff)
	}
	f.readFile(t, "/types/Colour.type.json")
	expectKinds(t, f.rec, events.KindRenamed)
	if diff := cmp.Diff([]string{"/Colour", "/T"}, f.rec.Notifications()[0].Paths()); diff != "" {
		t.Fatalf("renamed items mismatch (-want +got):\n%s", diff)
	}

	_, err = f.db.Types.Delete(ctx, f.alice, "Colour")
	expectKind(t, err, domain.KindValidation)

	f.reopen(t)
	table, _ = f.db.Tables.Get(ctx, "T")
	data, _ = table.Data(ctx)
	if data.Columns[1].DataType != "Colour" {
		t.Fatalf("column type after reopen = %q", data.Columns[1].DataType)
	}
}

func TestTypeUsageBlocksMemberRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	members := []domain.TypeMember{{Name: "Red", Value: 1}, {Name: "Blue", Value: 2}}
	if _, err := f.db.Types.Create(ctx, f.alice, "/", "Color", members); err != nil {
		t.Fatalf("create type: %v", err)
	}
	table := f.createTable(t, "/", "T", keyColumn("id"), column("c", "Color"))
	if err := table.Content.BeginEdit(ctx, f.alice); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if err := table.Content.SetRow(ctx, f.alice, row("id", "1", "c", "Blue")); err != nil {
		t.Fatalf("SetRow: %v", err)
	}
	if _, err := table.Content.EndEdit(ctx, f.alice); err != nil {
		t.Fatalf("EndEdit: %v", err)
	}

	typ, _ := f.db.Types.Get(ctx, "Color")
	if err := typ.Template.BeginEdit(ctx, f.alice); err != nil {
		t.Fatalf("type BeginEdit: %v", err)
	}
	expectState(t, typ.Template, domain.StateBeingSetup)
	if err := typ.Template.SetMembers(ctx, f.alice, members[:1]); err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	_, err := typ.Template.EndEdit(ctx, f.alice)
	var de *domain.Error
	if !errors.As(err, &de) || len(de.Violations) != 1 || de.Violations[0].Rule != RuleTypeUsage {
		t.Fatalf("EndEdit error = %v, want a %s violation", err, RuleTypeUsage)
	}
	expectState(t, typ.Template, domain.StateBeingSetup)

	if err := typ.Template.SetMembers(ctx, f.alice, append(members, domain.TypeMember{Name: "Green", Value: 3})); err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	sig, err := typ.Template.EndEdit(ctx, f.alice)
	if err != nil {
		t.Fatalf("EndEdit: %v", err)
	}
	data, _ := typ.Data(ctx)
	if len(data.Members) != 3 {
		t.Fatalf("members = %+v", data.Members)
	}
	if diff := cmp.Diff(sig, data.Modification); diff != "" {
		t.Fatalf("modification mismatch (-want +got):\n%s", diff)
	}
}
