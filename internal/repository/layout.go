package repository

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"schemahub/internal/dispatch"
	"schemahub/pkg/domain"
)

// Tree roots and file suffixes of the database layout.
const (
	TablesRoot = "/tables"
	TypesRoot  = "/types"
	TableExt   = ".table.json"
	TypeExt    = ".type.json"
)

// RootOf returns the directory holding the tree of kind.
func RootOf(kind domain.EntityKind) string {
	switch kind {
	case domain.EntityType, domain.EntityTypeCategory:
		return TypesRoot
	default:
		return TablesRoot
	}
}

// CategoryDir maps a category path ("/", "/A/", "/A/B/") to its directory.
func CategoryDir(kind domain.EntityKind, categoryPath string) string {
	trimmed := strings.TrimSuffix(categoryPath, "/")
	if trimmed == "" {
		return RootOf(kind)
	}
	return RootOf(kind) + cleanPath(trimmed)
}

// ItemFile maps an item path ("/A/T") to its file.
func ItemFile(kind domain.EntityKind, itemPath string) string {
	ext := TableExt
	if kind == domain.EntityType {
		ext = TypeExt
	}
	return RootOf(kind) + cleanPath(itemPath) + ext
}

// ParseItemFile maps a file back to its entity kind, category path and name.
func ParseItemFile(file string) (kind domain.EntityKind, categoryPath, name string, ok bool) {
	switch {
	case strings.HasPrefix(file, TablesRoot+"/") && strings.HasSuffix(file, TableExt):
		kind = domain.EntityTable
		file = strings.TrimSuffix(strings.TrimPrefix(file, TablesRoot), TableExt)
	case strings.HasPrefix(file, TypesRoot+"/") && strings.HasSuffix(file, TypeExt):
		kind = domain.EntityType
		file = strings.TrimSuffix(strings.TrimPrefix(file, TypesRoot), TypeExt)
	default:
		return "", "", "", false
	}
	dir, name := path.Split(file)
	if name == "" {
		return "", "", "", false
	}
	return kind, dir, name, true
}

// ParseCategoryDir maps a directory back to its category path.
func ParseCategoryDir(kind domain.EntityKind, dir string) (string, bool) {
	root := RootOf(kind)
	if dir == root {
		return "/", true
	}
	if !strings.HasPrefix(dir, root+"/") {
		return "", false
	}
	return strings.TrimPrefix(dir, root) + "/", true
}

// tableFile is the stored form of a table. Name and category come from the
// file path so moving a directory never rewrites the files inside it.
type tableFile struct {
	TemplatedParent     string               `json:"templated_parent,omitempty"`
	Comment             string               `json:"comment,omitempty"`
	Tags                string               `json:"tags,omitempty"`
	Columns             []domain.Column      `json:"columns"`
	Rows                []domain.Row         `json:"rows"`
	Modification        domain.SignatureDate `json:"modification"`
	ContentModification domain.SignatureDate `json:"content_modification"`
}

type typeFile struct {
	IsFlag       bool                 `json:"is_flag,omitempty"`
	Comment      string               `json:"comment,omitempty"`
	Members      []domain.TypeMember  `json:"members"`
	Modification domain.SignatureDate `json:"modification"`
}

// EncodeTable renders t in its stored form.
func EncodeTable(t *domain.TableData) ([]byte, error) {
	f := tableFile{
		TemplatedParent:     t.TemplatedParent,
		Comment:             t.Comment,
		Tags:                t.Tags,
		Columns:             t.Columns,
		Rows:                t.Rows,
		Modification:        t.Modification,
		ContentModification: t.ContentModification,
	}
	if f.Columns == nil {
		f.Columns = []domain.Column{}
	}
	if f.Rows == nil {
		f.Rows = []domain.Row{}
	}
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode table %s: %w", t.Name, err)
	}
	return append(out, '\n'), nil
}

// DecodeTable parses the stored form of the table at file.
func DecodeTable(file string, data []byte) (*domain.TableData, error) {
	kind, category, name, ok := ParseItemFile(file)
	if !ok || kind != domain.EntityTable {
		return nil, fmt.Errorf("decode table: %s is not a table file", file)
	}
	var f tableFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode table %s: %w", file, err)
	}
	return &domain.TableData{
		TableInfo: domain.TableInfo{
			Name:                name,
			CategoryPath:        category,
			TemplatedParent:     f.TemplatedParent,
			Comment:             f.Comment,
			Tags:                f.Tags,
			Columns:             f.Columns,
			Modification:        f.Modification,
			ContentModification: f.ContentModification,
		},
		Rows: f.Rows,
	}, nil
}

// EncodeType renders t in its stored form.
func EncodeType(t *domain.TypeData) ([]byte, error) {
	f := typeFile{IsFlag: t.IsFlag, Comment: t.Comment, Members: t.Members, Modification: t.Modification}
	if f.Members == nil {
		f.Members = []domain.TypeMember{}
	}
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode type %s: %w", t.Name, err)
	}
	return append(out, '\n'), nil
}

// DecodeType parses the stored form of the type at file.
func DecodeType(file string, data []byte) (*domain.TypeData, error) {
	kind, category, name, ok := ParseItemFile(file)
	if !ok || kind != domain.EntityType {
		return nil, fmt.Errorf("decode type: %s is not a type file", file)
	}
	var f typeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode type %s: %w", file, err)
	}
	return &domain.TypeData{TypeInfo: domain.TypeInfo{
		Name:         name,
		CategoryPath: category,
		IsFlag:       f.IsFlag,
		Comment:      f.Comment,
		Members:      f.Members,
		Modification: f.Modification,
	}}, nil
}

// ItemRef names one governed item.
type ItemRef struct {
	Kind domain.EntityKind
	Path string
}

// ReadDataset checks out the committed data of refs.
func (r *Repository) ReadDataset(ctx context.Context, refs ...ItemRef) (*domain.Dataset, error) {
	return dispatch.Invoke(ctx, r.d, func(context.Context) (*domain.Dataset, error) {
		ds := domain.NewDataset()
		for _, ref := range refs {
			file := ItemFile(ref.Kind, ref.Path)
			data, ok := r.head.files[file]
			if !ok {
				return nil, domain.NotFound("read dataset", ref.Path)
			}
			switch ref.Kind {
			case domain.EntityTable:
				t, err := DecodeTable(file, data)
				if err != nil {
					return nil, domain.Unexpected("read dataset", err)
				}
				ds.Tables[t.Name] = t
			case domain.EntityType:
				t, err := DecodeType(file, data)
				if err != nil {
					return nil, domain.Unexpected("read dataset", err)
				}
				ds.Types[t.Name] = t
			default:
				return nil, domain.ValidationFailed("read dataset", ref.Path, "%s is not an item kind", ref.Kind)
			}
		}
		return ds, nil
	})
}

// PutTable writes t at its file, creating it when missing.
func (tx *Tx) PutTable(t *domain.TableData) error {
	data, err := EncodeTable(t)
	if err != nil {
		return err
	}
	return tx.write(ItemFile(domain.EntityTable, t.Path()), data)
}

// PutType writes t at its file, creating it when missing.
func (tx *Tx) PutType(t *domain.TypeData) error {
	data, err := EncodeType(t)
	if err != nil {
		return err
	}
	return tx.write(ItemFile(domain.EntityType, t.Path()), data)
}

func (tx *Tx) write(file string, data []byte) error {
	if tx.Exists(file) {
		return tx.Put(file, data)
	}
	return tx.Add(file, data)
}
