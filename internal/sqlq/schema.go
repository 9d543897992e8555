package sqlq

import (
	"fmt"
	"sort"
	"strconv"
)

// KeyType describes the primary key column's value type.
type KeyType string

const (
	KeyInt        KeyType = "int"
	KeyTypeString KeyType = "string"
)

// RelationKind enumerates the supported relation shapes.
type RelationKind string

const (
	HasMany    RelationKind = "has_many"
	HasOne     RelationKind = "has_one"
	BelongsTo  RelationKind = "belongs_to"
	ManyToMany RelationKind = "many_to_many"
	MorphTo    RelationKind = "morph_to"
)

// Relation links a table to related rows.
//
// For HasMany/HasOne, ForeignKey lives on the related table and OwnerKey on the
// parent. For BelongsTo, ForeignKey lives on the parent and OwnerKey on the
// related table. ManyToMany goes through Pivot. MorphTo stores the related
// table alias in MorphType and the related key in MorphID.
type Relation struct {
	Name       string
	Kind       RelationKind
	Related    *Table
	ForeignKey string
	OwnerKey   string

	Pivot           string
	PivotParentKey  string
	PivotRelatedKey string

	MorphType   string
	MorphID     string
	MorphTables map[string]*Table
}

// ParentKey returns the parent column the relation joins on.
func (r *Relation) ParentKey(parent *Table) string {
	switch r.Kind {
	case BelongsTo:
		return r.ForeignKey
	case MorphTo:
		return r.MorphID
	default:
		if r.OwnerKey != "" {
			return r.OwnerKey
		}
		return parent.Key
	}
}

// RelatedKey returns the related-table column the relation joins on.
func (r *Relation) RelatedKey() string {
	switch r.Kind {
	case BelongsTo:
		if r.OwnerKey != "" {
			return r.OwnerKey
		}
		return r.Related.Key
	case ManyToMany:
		return r.Related.Key
	default:
		return r.ForeignKey
	}
}

// MorphAliases lists the configured polymorphic aliases in a stable order.
func (r *Relation) MorphAliases() []string {
	aliases := make([]string, 0, len(r.MorphTables))
	for alias := range r.MorphTables {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// Table describes the subset of schema the query layer needs.
type Table struct {
	Name       string
	Key        string
	KeyType    KeyType
	SoftDelete string
	Relations  map[string]*Relation
}

// NewTable returns a table with an integer "id" key unless overridden.
func NewTable(name string) *Table {
	return &Table{Name: name, Key: "id", KeyType: KeyInt, Relations: make(map[string]*Relation)}
}

// AddRelation registers a relation under its name.
func (t *Table) AddRelation(rel *Relation) {
	if t.Relations == nil {
		t.Relations = make(map[string]*Relation)
	}
	t.Relations[rel.Name] = rel
}

// Relation looks up a relation by name.
func (t *Table) Relation(name string) (*Relation, bool) {
	rel, ok := t.Relations[name]
	return rel, ok
}

// IntegerKey reports whether the primary key holds integers.
func (t *Table) IntegerKey() bool {
	return t.KeyType == "" || t.KeyType == KeyInt
}

// KeyValues converts index-side string keys into values suitable for
// comparing against the primary key column.
func (t *Table) KeyValues(keys []string) []any {
	values := make([]any, 0, len(keys))
	for _, key := range keys {
		if t.IntegerKey() {
			if n, err := strconv.ParseInt(key, 10, 64); err == nil {
				values = append(values, n)
				continue
			}
		}
		values = append(values, key)
	}
	return values
}

// KeyString renders a key value the way the search index stores it.
func KeyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case int64:
		return strconv.FormatInt(k, 10)
	case int:
		return strconv.Itoa(k)
	default:
		return fmt.Sprint(k)
	}
}
