package domains

import (
	"fmt"
	"strconv"

	"schemahub/pkg/domain"
)

// ActionKind tags an Action variant.
type ActionKind string

// Action kinds.
const (
	ActionSetRow      ActionKind = "set_row"
	ActionRemoveRow   ActionKind = "remove_row"
	ActionSetColumns  ActionKind = "set_columns"
	ActionSetMembers  ActionKind = "set_members"
	ActionSetProperty ActionKind = "set_property"
)

// Properties accepted by ActionSetProperty.
const (
	PropertyComment = "comment"
	PropertyTags    = "tags"
	PropertyIsFlag  = "is_flag"
)

// Action is one mutation of a working copy. Item names the table or type
// the action applies to; the remaining fields depend on Kind.
type Action struct {
	Kind     ActionKind          `json:"kind"`
	Item     string              `json:"item"`
	Row      *domain.Row         `json:"row,omitempty"`
	Key      string              `json:"key,omitempty"`
	Columns  []domain.Column     `json:"columns,omitempty"`
	Members  []domain.TypeMember `json:"members,omitempty"`
	Property string              `json:"property,omitempty"`
	Value    string              `json:"value,omitempty"`
}

// SetRow inserts row or replaces the row with the same key.
func SetRow(item string, row domain.Row) Action {
	return Action{Kind: ActionSetRow, Item: item, Row: &row}
}

// RemoveRow deletes the row with key.
func RemoveRow(item, key string) Action {
	return Action{Kind: ActionRemoveRow, Item: item, Key: key}
}

// SetColumns replaces the columns of a table.
func SetColumns(item string, columns []domain.Column) Action {
	return Action{Kind: ActionSetColumns, Item: item, Columns: columns}
}

// SetMembers replaces the members of a type.
func SetMembers(item string, members []domain.TypeMember) Action {
	return Action{Kind: ActionSetMembers, Item: item, Members: members}
}

// SetProperty changes a scalar property of a table or type.
func SetProperty(item, property, value string) Action {
	return Action{Kind: ActionSetProperty, Item: item, Property: property, Value: value}
}

// allowed lists the action kinds each domain kind accepts.
var allowed = map[domain.DomainKind]map[ActionKind]bool{
	domain.DomainTableContent:  {ActionSetRow: true, ActionRemoveRow: true},
	domain.DomainTableTemplate: {ActionSetColumns: true, ActionSetProperty: true},
	domain.DomainTypeTemplate:  {ActionSetMembers: true, ActionSetProperty: true},
}

// apply mutates ds and returns the events the change raises.
func (a Action) apply(kind domain.DomainKind, ds *domain.Dataset) ([]any, error) {
	if !allowed[kind][a.Kind] {
		return nil, domain.ValidationFailed("apply", a.Item, "%s is not allowed in a %s session", a.Kind, kind)
	}
	switch a.Kind {
	case ActionSetRow, ActionRemoveRow, ActionSetColumns:
		t, ok := ds.Tables[a.Item]
		if !ok {
			return nil, domain.NotFound("apply", a.Item)
		}
		return a.applyTable(t)
	case ActionSetMembers:
		t, ok := ds.Types[a.Item]
		if !ok {
			return nil, domain.NotFound("apply", a.Item)
		}
		t.Members = append([]domain.TypeMember(nil), a.Members...)
		return []any{PropertyEvent{Item: a.Item, Property: "members"}}, nil
	case ActionSetProperty:
		return a.applyProperty(kind, ds)
	}
	return nil, domain.ValidationFailed("apply", a.Item, "unknown action %q", a.Kind)
}

func (a Action) applyTable(t *domain.TableData) ([]any, error) {
	switch a.Kind {
	case ActionSetRow:
		if a.Row == nil {
			return nil, domain.ValidationFailed("set row", a.Item, "row required")
		}
		row := domain.Row{Fields: make(map[string]string, len(a.Row.Fields))}
		for k, v := range a.Row.Fields {
			if _, ok := t.Column(k); !ok {
				return nil, domain.ValidationFailed("set row", a.Item, "unknown column %q", k)
			}
			row.Fields[k] = v
		}
		key := t.KeyOf(row)
		if i := t.FindRow(key); i >= 0 && len(t.KeyColumns()) > 0 {
			old := t.Rows[i]
			t.Rows[i] = row
			return []any{RowEvent{Item: a.Item, Key: key, Row: row, Old: &old}}, nil
		}
		t.Rows = append(t.Rows, row)
		return []any{RowEvent{Item: a.Item, Key: key, Row: row}}, nil
	case ActionRemoveRow:
		i := t.FindRow(a.Key)
		if i < 0 {
			return nil, domain.NotFound("remove row", a.Item+"["+a.Key+"]")
		}
		old := t.Rows[i]
		t.Rows = append(t.Rows[:i:i], t.Rows[i+1:]...)
		return []any{RowEvent{Item: a.Item, Key: a.Key, Old: &old, Removed: true}}, nil
	default:
		t.Columns = append([]domain.Column(nil), a.Columns...)
		return []any{PropertyEvent{Item: a.Item, Property: "columns"}}, nil
	}
}

func (a Action) applyProperty(kind domain.DomainKind, ds *domain.Dataset) ([]any, error) {
	ev := []any{PropertyEvent{Item: a.Item, Property: a.Property, Value: a.Value}}
	if kind == domain.DomainTableTemplate {
		t, ok := ds.Tables[a.Item]
		if !ok {
			return nil, domain.NotFound("set property", a.Item)
		}
		switch a.Property {
		case PropertyComment:
			t.Comment = a.Value
		case PropertyTags:
			t.Tags = a.Value
		default:
			return nil, domain.ValidationFailed("set property", a.Item, "unknown table property %q", a.Property)
		}
		return ev, nil
	}
	t, ok := ds.Types[a.Item]
	if !ok {
		return nil, domain.NotFound("set property", a.Item)
	}
	switch a.Property {
	case PropertyComment:
		t.Comment = a.Value
	case PropertyIsFlag:
		flag, err := strconv.ParseBool(a.Value)
		if err != nil {
			return nil, domain.ValidationFailed("set property", a.Item, "is_flag: %v", err)
		}
		t.IsFlag = flag
	default:
		return nil, domain.ValidationFailed("set property", a.Item, "unknown type property %q", a.Property)
	}
	return ev, nil
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s", a.Kind, a.Item)
}
