package domain

import (
	"sort"
	"strings"

	"github.com/tiendc/go-deepcopy"
)

// Builtin column data types. Any other DataType names a type definition.
const (
	DataTypeString   = "string"
	DataTypeInt      = "int"
	DataTypeFloat    = "float"
	DataTypeBool     = "bool"
	DataTypeDateTime = "datetime"
)

// IsBuiltinDataType reports whether name is one of the builtin column types.
func IsBuiltinDataType(name string) bool {
	switch name {
	case DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeDateTime:
		return true
	}
	return false
}

// Column describes one column of a table template.
type Column struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	IsKey        bool   `json:"is_key,omitempty"`
	AllowNull    bool   `json:"allow_null,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

// Row is one record of table content keyed by column name.
type Row struct {
	Fields map[string]string `json:"fields"`
}

// Value returns the field value for column.
func (r Row) Value(column string) string {
	return r.Fields[column]
}

// TableInfo is the schema and bookkeeping part of a table.
type TableInfo struct {
	Name                string        `json:"name"`
	CategoryPath        string        `json:"category_path"`
	TemplatedParent     string        `json:"templated_parent,omitempty"`
	Comment             string        `json:"comment,omitempty"`
	Tags                string        `json:"tags,omitempty"`
	Columns             []Column      `json:"columns"`
	Modification        SignatureDate `json:"modification"`
	ContentModification SignatureDate `json:"content_modification"`
}

// Path returns the item path of the table.
func (t TableInfo) Path() string {
	return t.CategoryPath + t.Name
}

// Column returns the named column.
func (t TableInfo) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// KeyColumns lists the key columns in declaration order.
func (t TableInfo) KeyColumns() []Column {
	var keys []Column
	for _, c := range t.Columns {
		if c.IsKey {
			keys = append(keys, c)
		}
	}
	return keys
}

// UsesType reports whether any column references the named type.
func (t TableInfo) UsesType(typeName string) bool {
	for _, c := range t.Columns {
		if c.DataType == typeName {
			return true
		}
	}
	return false
}

// TableData is a table with its content.
type TableData struct {
	TableInfo
	Rows []Row `json:"rows"`
}

// KeyOf returns the key of row from the values of the key columns.
func (t *TableData) KeyOf(row Row) string {
	keys := t.KeyColumns()
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, 0, len(keys))
	for _, c := range keys {
		parts = append(parts, row.Fields[c.Name])
	}
	return strings.Join(parts, "\x1f")
}

// FindRow returns the index of the row with key, or -1.
func (t *TableData) FindRow(key string) int {
	for i, row := range t.Rows {
		if t.KeyOf(row) == key {
			return i
		}
	}
	return -1
}

// TypeMember is one named value of a type definition.
type TypeMember struct {
	Name    string `json:"name"`
	Value   int64  `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// TypeInfo is a type definition.
type TypeInfo struct {
	Name         string        `json:"name"`
	CategoryPath string        `json:"category_path"`
	IsFlag       bool          `json:"is_flag,omitempty"`
	Comment      string        `json:"comment,omitempty"`
	Members      []TypeMember  `json:"members"`
	Modification SignatureDate `json:"modification"`
}

// Path returns the item path of the type.
func (t TypeInfo) Path() string {
	return t.CategoryPath + t.Name
}

// Member returns the named member.
func (t TypeInfo) Member(name string) (TypeMember, bool) {
	for _, m := range t.Members {
		if m.Name == name {
			return m, true
		}
	}
	return TypeMember{}, false
}

// TypeData is a type definition as stored in the repository.
type TypeData struct {
	TypeInfo
}

// Dataset is a checked-out copy of tables and types keyed by name.
type Dataset struct {
	Tables map[string]*TableData `json:"tables,omitempty"`
	Types  map[string]*TypeData  `json:"types,omitempty"`
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Tables: make(map[string]*TableData),
		Types:  make(map[string]*TypeData),
	}
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() (*Dataset, error) {
	out := NewDataset()
	if d == nil {
		return out, nil
	}
	if err := deepcopy.Copy(out, d); err != nil {
		return nil, err
	}
	if out.Tables == nil {
		out.Tables = make(map[string]*TableData)
	}
	if out.Types == nil {
		out.Types = make(map[string]*TypeData)
	}
	return out, nil
}

// TableNames lists the table names in sorted order.
func (d *Dataset) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for name := range d.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeNames lists the type names in sorted order.
func (d *Dataset) TypeNames() []string {
	names := make([]string, 0, len(d.Types))
	for name := range d.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
