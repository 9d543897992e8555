package sqlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	// ErrUnknownRelation is reported when a predicate names a relation the table does not declare.
	ErrUnknownRelation = errors.New("sqlq: unknown relation")
	// ErrUnsupported is reported for operations the dialect or relation kind cannot express.
	ErrUnsupported = errors.New("sqlq: unsupported operation")
)

// Executor is the subset of *sql.DB (or *sql.Tx) a query needs.
type Executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Row is a single result row keyed by column name.
type Row map[string]any

// Boolean joins a clause to the clauses before it.
type Boolean string

const (
	And Boolean = "AND"
	Or  Boolean = "OR"
)

var allowedOperators = map[string]struct{}{
	"=": {}, "!=": {}, "<>": {}, "<": {}, ">": {}, "<=": {}, ">=": {},
	"LIKE": {}, "NOT LIKE": {}, "ILIKE": {}, "NOT ILIKE": {},
}

var lastID atomic.Uint64

// NextID hands out a process-unique query object identifier. Other query
// object implementations (e.g. the search index) draw from the same sequence
// so identifiers never collide.
func NextID() uint64 {
	return lastID.Add(1)
}

type clause struct {
	boolean Boolean
	sql     string
	args    []any
}

type order struct {
	sql  string
	args []any
}

// Query is a mutable relational query builder bound to one table. Builder
// methods mutate the receiver and return it for chaining; use Clone to fork.
type Query struct {
	id      uint64
	db      Executor
	dialect Dialect
	table   *Table

	columns []string
	joins   []string
	wheres  []clause
	orders  []order
	limit   int
	offset  int
	eager   []string

	err error
}

// New starts a query against table.
func New(db Executor, dialect Dialect, table *Table) *Query {
	return &Query{id: NextID(), db: db, dialect: dialect, table: table}
}

// ID identifies this query object; clones get a fresh identifier.
func (q *Query) ID() uint64 { return q.id }

// Dialect reports the dialect the query compiles for.
func (q *Query) Dialect() Dialect { return q.dialect }

// Table returns the table the query selects from.
func (q *Query) Table() *Table { return q.table }

// Executor returns the connection the query runs on.
func (q *Query) Executor() Executor { return q.db }

// Err returns the first builder error recorded on the query.
func (q *Query) Err() error { return q.err }

// HasOrders reports whether any ORDER BY term was added.
func (q *Query) HasOrders() bool { return len(q.orders) > 0 }

// EagerLoads lists the relations that Get will load alongside the rows.
func (q *Query) EagerLoads() []string {
	return append([]string(nil), q.eager...)
}

// Clone returns an independent copy with a new identity.
func (q *Query) Clone() *Query {
	c := *q
	c.id = NextID()
	c.columns = append([]string(nil), q.columns...)
	c.joins = append([]string(nil), q.joins...)
	c.wheres = append([]clause(nil), q.wheres...)
	c.orders = append([]order(nil), q.orders...)
	c.eager = append([]string(nil), q.eager...)
	return &c
}

func (q *Query) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

func (q *Query) sub(table *Table) *Query {
	return &Query{id: NextID(), db: q.db, dialect: q.dialect, table: table}
}

// Qualify returns the quoted, table-qualified form of column.
func (q *Query) Qualify(column string) string {
	if strings.Contains(column, ".") {
		return q.dialect.Quote(column)
	}
	return q.dialect.Quote(q.table.Name + "." + column)
}

func (q *Query) add(boolean Boolean, sql string, args ...any) *Query {
	q.wheres = append(q.wheres, clause{boolean: boolean, sql: sql, args: args})
	return q
}

// Select restricts the selected columns.
func (q *Query) Select(columns ...string) *Query {
	q.columns = append(q.columns, columns...)
	return q
}

// Where adds "column op value" joined with AND.
func (q *Query) Where(column, op string, value any) *Query {
	return q.where(And, column, op, value)
}

// OrWhere adds "column op value" joined with OR.
func (q *Query) OrWhere(column, op string, value any) *Query {
	return q.where(Or, column, op, value)
}

func (q *Query) where(boolean Boolean, column, op string, value any) *Query {
	op = strings.ToUpper(strings.TrimSpace(op))
	if _, ok := allowedOperators[op]; !ok {
		q.fail(fmt.Errorf("%w: operator %q", ErrUnsupported, op))
		return q
	}
	if value == nil {
		switch op {
		case "=":
			return q.add(boolean, q.Qualify(column)+" IS NULL")
		case "!=", "<>":
			return q.add(boolean, q.Qualify(column)+" IS NOT NULL")
		}
	}
	return q.add(boolean, q.Qualify(column)+" "+op+" ?", value)
}

// WhereColumn compares two columns.
func (q *Query) WhereColumn(first, op, second string) *Query {
	op = strings.ToUpper(strings.TrimSpace(op))
	if _, ok := allowedOperators[op]; !ok {
		q.fail(fmt.Errorf("%w: operator %q", ErrUnsupported, op))
		return q
	}
	return q.add(And, q.Qualify(first)+" "+op+" "+q.Qualify(second))
}

// WhereRaw appends a raw predicate with "?" placeholders.
func (q *Query) WhereRaw(sql string, args ...any) *Query {
	return q.add(And, sql, args...)
}

// OrWhereRaw appends a raw predicate joined with OR.
func (q *Query) OrWhereRaw(sql string, args ...any) *Query {
	return q.add(Or, sql, args...)
}

// WhereIn adds "column IN (...)". An empty set matches nothing.
func (q *Query) WhereIn(column string, values []any) *Query {
	if len(values) == 0 {
		return q.add(And, "0 = 1")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return q.add(And, q.Qualify(column)+" IN ("+placeholders+")", values...)
}

// WhereNull adds "column IS NULL".
func (q *Query) WhereNull(column string) *Query {
	return q.add(And, q.Qualify(column)+" IS NULL")
}

// WhereNotNull adds "column IS NOT NULL".
func (q *Query) WhereNotNull(column string) *Query {
	return q.add(And, q.Qualify(column)+" IS NOT NULL")
}

// WhereKey constrains the primary key to key.
func (q *Query) WhereKey(key any) *Query {
	return q.Where(q.table.Key, "=", key)
}

// WhereKeyIn constrains the primary key to keys.
func (q *Query) WhereKeyIn(keys []any) *Query {
	return q.WhereIn(q.table.Key, keys)
}

// WhereGroup nests the predicates added by fn in parentheses.
func (q *Query) WhereGroup(fn func(*Query)) *Query {
	return q.group(And, fn)
}

// OrWhereGroup nests the predicates added by fn, joined with OR.
func (q *Query) OrWhereGroup(fn func(*Query)) *Query {
	return q.group(Or, fn)
}

func (q *Query) group(boolean Boolean, fn func(*Query)) *Query {
	nested := q.sub(q.table)
	fn(nested)
	if nested.err != nil {
		q.fail(nested.err)
	}
	if len(nested.wheres) == 0 {
		return q
	}
	sql, args := renderWheres(nested.wheres)
	return q.add(boolean, "("+sql+")", args...)
}

// WhereHas requires at least one related row matching fn.
func (q *Query) WhereHas(relation string, fn func(*Query)) *Query {
	return q.has(And, relation, fn)
}

// OrWhereHas is WhereHas joined with OR.
func (q *Query) OrWhereHas(relation string, fn func(*Query)) *Query {
	return q.has(Or, relation, fn)
}

func (q *Query) has(boolean Boolean, name string, fn func(*Query)) *Query {
	rel, ok := q.table.Relation(name)
	if !ok {
		q.fail(fmt.Errorf("%w: %s.%s", ErrUnknownRelation, q.table.Name, name))
		return q
	}

	sub := q.sub(rel.Related)
	switch rel.Kind {
	case HasMany, HasOne:
		sub.add(And, sub.Qualify(rel.RelatedKey())+" = "+q.Qualify(rel.ParentKey(q.table)))
	case BelongsTo:
		sub.add(And, sub.Qualify(rel.RelatedKey())+" = "+q.Qualify(rel.ParentKey(q.table)))
	case ManyToMany:
		sub.joins = append(sub.joins, "INNER JOIN "+q.dialect.Quote(rel.Pivot)+" ON "+
			q.dialect.Quote(rel.Pivot+"."+rel.PivotRelatedKey)+" = "+sub.Qualify(rel.Related.Key))
		sub.add(And, q.dialect.Quote(rel.Pivot+"."+rel.PivotParentKey)+" = "+q.Qualify(rel.ParentKey(q.table)))
	default:
		q.fail(fmt.Errorf("%w: has() on %s relation %s", ErrUnsupported, rel.Kind, name))
		return q
	}
	if fn != nil {
		sub.WhereGroup(fn)
	}
	if sub.err != nil {
		q.fail(sub.err)
		return q
	}

	sql, args := sub.existsSQL()
	return q.add(boolean, sql, args...)
}

// WhereHasMorph requires a polymorphic parent of one of types matching fn.
// An empty types list means every configured type.
func (q *Query) WhereHasMorph(relation string, types []string, fn func(*Query)) *Query {
	return q.hasMorph(And, relation, types, fn)
}

// OrWhereHasMorph is WhereHasMorph joined with OR.
func (q *Query) OrWhereHasMorph(relation string, types []string, fn func(*Query)) *Query {
	return q.hasMorph(Or, relation, types, fn)
}

func (q *Query) hasMorph(boolean Boolean, name string, types []string, fn func(*Query)) *Query {
	rel, ok := q.table.Relation(name)
	if !ok {
		q.fail(fmt.Errorf("%w: %s.%s", ErrUnknownRelation, q.table.Name, name))
		return q
	}
	if rel.Kind != MorphTo {
		q.fail(fmt.Errorf("%w: morph constraint on %s relation %s", ErrUnsupported, rel.Kind, name))
		return q
	}
	if len(types) == 0 {
		types = rel.MorphAliases()
	}

	var pieces []string
	var args []any
	for _, alias := range types {
		related, ok := rel.MorphTables[alias]
		if !ok {
			q.fail(fmt.Errorf("%w: %s.%s has no morph type %q", ErrUnknownRelation, q.table.Name, name, alias))
			return q
		}
		sub := q.sub(related)
		sub.add(And, sub.Qualify(related.Key)+" = "+q.Qualify(rel.MorphID))
		if fn != nil {
			sub.WhereGroup(fn)
		}
		if sub.err != nil {
			q.fail(sub.err)
			return q
		}
		exists, existsArgs := sub.existsSQL()
		pieces = append(pieces, "("+q.Qualify(rel.MorphType)+" = ? AND "+exists+")")
		args = append(args, alias)
		args = append(args, existsArgs...)
	}
	if len(pieces) == 0 {
		return q.add(boolean, "0 = 1")
	}
	return q.add(boolean, "("+strings.Join(pieces, " OR ")+")", args...)
}

// WhereAttachedTo keeps rows linked to parentKey through rel, a relation
// declared on the parent table that points at this query's table.
func (q *Query) WhereAttachedTo(rel *Relation, parentKey any) *Query {
	switch rel.Kind {
	case HasMany, HasOne:
		return q.Where(rel.ForeignKey, "=", parentKey)
	case ManyToMany:
		pivot := q.sub(&Table{Name: rel.Pivot})
		pivot.add(And, pivot.Qualify(rel.PivotRelatedKey)+" = "+q.Qualify(q.table.Key))
		pivot.Where(rel.PivotParentKey, "=", parentKey)
		sql, args := pivot.existsSQL()
		return q.add(And, sql, args...)
	default:
		q.fail(fmt.Errorf("%w: attach through %s relation %s", ErrUnsupported, rel.Kind, rel.Name))
		return q
	}
}

// WhereFullText adds a native full-text predicate over columns.
func (q *Query) WhereFullText(columns []string, term string) *Query {
	return q.fullText(And, columns, term)
}

// OrWhereFullText is WhereFullText joined with OR.
func (q *Query) OrWhereFullText(columns []string, term string) *Query {
	return q.fullText(Or, columns, term)
}

func (q *Query) fullText(boolean Boolean, columns []string, term string) *Query {
	qualified := make([]string, len(columns))
	for i, column := range columns {
		qualified[i] = q.Qualify(column)
	}

	switch q.dialect {
	case MySQL, MariaDB:
		return q.add(boolean, "MATCH ("+strings.Join(qualified, ", ")+") AGAINST (? IN NATURAL LANGUAGE MODE)", term)
	case Postgres:
		vectors := make([]string, len(qualified))
		for i, column := range qualified {
			vectors[i] = "to_tsvector('english', " + column + ")"
		}
		vector := vectors[0]
		if len(vectors) > 1 {
			vector = "(" + strings.Join(vectors, " || ") + ")"
		}
		return q.add(boolean, vector+" @@ plainto_tsquery('english', ?)", term)
	default:
		q.fail(fmt.Errorf("%w: full-text search on %s", ErrUnsupported, q.dialect))
		return q
	}
}

// OrderBy appends an ORDER BY term. Direction defaults to ascending.
func (q *Query) OrderBy(column, direction string) *Query {
	dir := "ASC"
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "", "asc":
	case "desc":
		dir = "DESC"
	default:
		q.fail(fmt.Errorf("%w: order direction %q", ErrUnsupported, direction))
		return q
	}
	q.orders = append(q.orders, order{sql: q.Qualify(column) + " " + dir})
	return q
}

// OrderByRaw appends a raw ORDER BY expression.
func (q *Query) OrderByRaw(sql string, args ...any) *Query {
	q.orders = append(q.orders, order{sql: sql, args: args})
	return q
}

// OrderByKeyPosition orders rows by the position of their key in keys.
func (q *Query) OrderByKeyPosition(keys []any) *Query {
	if len(keys) == 0 {
		return q
	}
	var b strings.Builder
	b.WriteString("CASE ")
	b.WriteString(q.Qualify(q.table.Key))
	args := make([]any, 0, len(keys)*2)
	for i, key := range keys {
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, key, i)
	}
	b.WriteString(" END")
	return q.OrderByRaw(b.String(), args...)
}

// Limit caps the number of returned rows; zero removes the cap.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		n = 0
	}
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		n = 0
	}
	q.offset = n
	return q
}

// ForPage sets limit and offset for a 1-based page.
func (q *Query) ForPage(page, perPage int) *Query {
	if page < 1 {
		page = 1
	}
	return q.Offset((page - 1) * perPage).Limit(perPage)
}

// With eager loads the named relations on Get.
func (q *Query) With(relations ...string) *Query {
	q.eager = append(q.eager, relations...)
	return q
}

// WithoutEager drops every eager load.
func (q *Query) WithoutEager() *Query {
	q.eager = nil
	return q
}

// ToSQL compiles the query into statement text and bound parameters.
func (q *Query) ToSQL() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}

	columns := q.dialect.Quote(q.table.Name + ".*")
	if len(q.columns) > 0 {
		quoted := make([]string, len(q.columns))
		for i, column := range q.columns {
			quoted[i] = q.Qualify(column)
		}
		columns = strings.Join(quoted, ", ")
	}

	sql, args := q.compile("SELECT " + columns)
	if len(q.orders) > 0 {
		terms := make([]string, len(q.orders))
		for i, o := range q.orders {
			terms[i] = o.sql
			args = append(args, o.args...)
		}
		sql += " ORDER BY " + strings.Join(terms, ", ")
	}
	switch {
	case q.limit > 0:
		sql += fmt.Sprintf(" LIMIT %d", q.limit)
	case q.offset > 0 && q.dialect.unboundedLimit() != "":
		sql += " LIMIT " + q.dialect.unboundedLimit()
	}
	if q.offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", q.offset)
	}
	return q.dialect.rebind(sql), args, nil
}

func (q *Query) compile(selectClause string) (string, []any) {
	var b strings.Builder
	b.WriteString(selectClause)
	b.WriteString(" FROM ")
	b.WriteString(q.dialect.Quote(q.table.Name))
	for _, join := range q.joins {
		b.WriteByte(' ')
		b.WriteString(join)
	}

	var args []any
	if len(q.wheres) > 0 {
		where, whereArgs := renderWheres(q.wheres)
		b.WriteString(" WHERE ")
		b.WriteString(where)
		args = whereArgs
	}
	return b.String(), args
}

func (q *Query) existsSQL() (string, []any) {
	sql, args := q.compile("SELECT 1")
	return "EXISTS (" + sql + ")", args
}

func renderWheres(clauses []clause) (string, []any) {
	var b strings.Builder
	var args []any
	for i, c := range clauses {
		if i > 0 {
			b.WriteByte(' ')
			b.WriteString(string(c.boolean))
			b.WriteByte(' ')
		}
		b.WriteString(c.sql)
		args = append(args, c.args...)
	}
	return b.String(), args
}

// WithoutTrashed excludes soft-deleted rows. Tables without a soft-delete
// column are left untouched.
func (q *Query) WithoutTrashed() *Query {
	if q.table.SoftDelete == "" {
		return q
	}
	return q.WhereNull(q.table.SoftDelete)
}

// OnlyTrashed keeps only soft-deleted rows.
func (q *Query) OnlyTrashed() *Query {
	if q.table.SoftDelete == "" {
		return q
	}
	return q.WhereNotNull(q.table.SoftDelete)
}

// WithTrashed includes soft-deleted rows. Queries carry no implicit
// soft-delete scope, so this only documents intent at the call site.
func (q *Query) WithTrashed() *Query {
	return q
}
