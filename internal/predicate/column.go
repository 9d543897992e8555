// Package predicate compiles searchable column references into dialect
// specific search predicates on a relational query.
package predicate

import (
	"strings"
)

// Kind tags the variant a Column holds.
type Kind int

const (
	KindPlain Kind = iota
	KindJSONPath
	KindRelation
	KindPolymorphicRelation
	KindFullText
	KindPrimaryKey
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindJSONPath:
		return "json_path"
	case KindRelation:
		return "relation"
	case KindPolymorphicRelation:
		return "polymorphic_relation"
	case KindFullText:
		return "full_text"
	case KindPrimaryKey:
		return "primary_key"
	default:
		return "unknown"
	}
}

// Column is a searchable column reference. Values are immutable and are only
// built through the constructors below, usually once per resource.
type Column struct {
	kind     Kind
	name     string
	columns  []string
	relation string
	inner    *Column
	types    []string
	max      int64
}

// Plain references an ordinary column.
func Plain(name string) Column {
	return Column{kind: KindPlain, name: name}
}

// JSONPath references a value inside a JSON column, written "column->a->b".
func JSONPath(expression string) Column {
	return Column{kind: KindJSONPath, name: expression}
}

// Relation searches inner on rows reachable through relation. An inner column
// containing "->" is treated as a JSON path.
func Relation(relation, inner string) Column {
	c := innerColumn(inner)
	return Column{kind: KindRelation, relation: relation, inner: &c}
}

// PolymorphicRelation is Relation restricted to the given morph types. No
// types means any type.
func PolymorphicRelation(relation, inner string, types ...string) Column {
	c := innerColumn(inner)
	return Column{kind: KindPolymorphicRelation, relation: relation, inner: &c, types: append([]string(nil), types...)}
}

// FullText references one or more columns covered by a native full-text index.
func FullText(columns ...string) Column {
	return Column{kind: KindFullText, columns: append([]string(nil), columns...)}
}

// PrimaryKey references the key column. Numeric terms above max are not
// compared for equality on postgres; max <= 0 disables the bound.
func PrimaryKey(name string, max int64) Column {
	return Column{kind: KindPrimaryKey, name: name, max: max}
}

// Classify turns a configured column string into a Column:
// "a->b" is a JSON path, "rel.col" a relation column, anything else plain.
func Classify(raw string) Column {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.Contains(raw, "->"):
		return JSONPath(raw)
	case strings.Contains(raw, "."):
		relation, inner, _ := strings.Cut(raw, ".")
		return Relation(relation, inner)
	default:
		return Plain(raw)
	}
}

func innerColumn(raw string) Column {
	if strings.Contains(raw, "->") {
		return JSONPath(raw)
	}
	return Plain(raw)
}

// Kind reports the variant.
func (c Column) Kind() Kind { return c.kind }

// Name returns the column name or JSON expression. Relation variants return
// the relation name.
func (c Column) Name() string {
	switch c.kind {
	case KindRelation, KindPolymorphicRelation:
		return c.relation
	case KindFullText:
		return strings.Join(c.columns, ",")
	default:
		return c.name
	}
}

// Types lists the morph types a polymorphic column is restricted to.
func (c Column) Types() []string {
	return append([]string(nil), c.types...)
}

func (c Column) String() string {
	switch c.kind {
	case KindRelation, KindPolymorphicRelation:
		return c.kind.String() + "(" + c.relation + "." + c.inner.Name() + ")"
	default:
		return c.kind.String() + "(" + c.Name() + ")"
	}
}
