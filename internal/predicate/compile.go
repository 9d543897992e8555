package predicate

import (
	"strconv"
	"strings"

	"panelquery/internal/sqlq"
)

// Apply appends the search predicate for col and term to q, joined with
// boolean. It never fails: unsupported combinations leave q unchanged and
// broken configuration (an unknown relation) is reported by q at execution.
func Apply(q *sqlq.Query, col Column, term string, boolean sqlq.Boolean) *sqlq.Query {
	switch col.kind {
	case KindPlain:
		return applyPlain(q, col.name, term, boolean)
	case KindJSONPath:
		return applyJSON(q, col.name, term, boolean)
	case KindRelation:
		return applyRelation(q, col, term, boolean)
	case KindPolymorphicRelation:
		return applyPolymorphic(q, col, term, boolean)
	case KindFullText:
		return applyFullText(q, col.columns, term, boolean)
	case KindPrimaryKey:
		return applyPrimaryKey(q, col, term, boolean)
	default:
		return q
	}
}

// ApplyAll adds one group that matches when any column matches term.
func ApplyAll(q *sqlq.Query, cols []Column, term string) *sqlq.Query {
	if len(cols) == 0 || term == "" {
		return q
	}
	return q.WhereGroup(func(group *sqlq.Query) {
		for _, col := range cols {
			Apply(group, col, term, sqlq.Or)
		}
	})
}

func where(q *sqlq.Query, boolean sqlq.Boolean, column, op string, value any) *sqlq.Query {
	if boolean == sqlq.Or {
		return q.OrWhere(column, op, value)
	}
	return q.Where(column, op, value)
}

func whereRaw(q *sqlq.Query, boolean sqlq.Boolean, sql string, args ...any) *sqlq.Query {
	if boolean == sqlq.Or {
		return q.OrWhereRaw(sql, args...)
	}
	return q.WhereRaw(sql, args...)
}

func applyPlain(q *sqlq.Query, column, term string, boolean sqlq.Boolean) *sqlq.Query {
	op := "LIKE"
	if q.Dialect() == sqlq.Postgres {
		op = "ILIKE"
	}
	return where(q, boolean, column, op, "%"+term+"%")
}

func applyJSON(q *sqlq.Query, expression, term string, boolean sqlq.Boolean) *sqlq.Query {
	extracted := jsonExtract(q, expression)
	switch q.Dialect() {
	case sqlq.Postgres:
		return whereRaw(q, boolean, extracted+" ILIKE ?", "%"+term+"%")
	case sqlq.SQLite:
		return whereRaw(q, boolean, extracted+" LIKE ?", "%"+term+"%")
	default:
		return whereRaw(q, boolean, "lower("+extracted+") LIKE ?", "%"+strings.ToLower(term)+"%")
	}
}

// jsonExtract renders "column->a->b" as the dialect's text extraction.
func jsonExtract(q *sqlq.Query, expression string) string {
	parts := strings.Split(expression, "->")
	column := q.Qualify(strings.TrimSpace(parts[0]))
	path := make([]string, 0, len(parts)-1)
	for _, part := range parts[1:] {
		part = strings.Trim(strings.TrimSpace(part), `'"`)
		if part != "" {
			path = append(path, part)
		}
	}
	if len(path) == 0 {
		return column
	}

	if q.Dialect() == sqlq.Postgres {
		var b strings.Builder
		b.WriteString(column)
		for i, key := range path {
			if i == len(path)-1 {
				b.WriteString("->>")
			} else {
				b.WriteString("->")
			}
			b.WriteString("'" + strings.ReplaceAll(key, "'", "''") + "'")
		}
		return b.String()
	}

	// MySQL unescapes the string literal before the path parser sees it, so
	// path escapes need their backslash doubled there.
	escape := strings.NewReplacer("'", "''", `"`, `\"`)
	if q.Dialect() == sqlq.MySQL || q.Dialect() == sqlq.MariaDB {
		escape = strings.NewReplacer("'", "''", `\`, `\\\\`, `"`, `\\"`)
	}

	var b strings.Builder
	b.WriteString("'$")
	for _, key := range path {
		b.WriteString(`."`)
		b.WriteString(escape.Replace(key))
		b.WriteString(`"`)
	}
	b.WriteString("'")

	if q.Dialect() == sqlq.SQLite {
		return "json_extract(" + column + ", " + b.String() + ")"
	}
	return "json_unquote(json_extract(" + column + ", " + b.String() + "))"
}

func applyRelation(q *sqlq.Query, col Column, term string, boolean sqlq.Boolean) *sqlq.Query {
	inner := *col.inner
	scope := func(related *sqlq.Query) {
		Apply(related, inner, term, sqlq.And)
	}
	if boolean == sqlq.Or {
		return q.OrWhereHas(col.relation, scope)
	}
	return q.WhereHas(col.relation, scope)
}

func applyPolymorphic(q *sqlq.Query, col Column, term string, boolean sqlq.Boolean) *sqlq.Query {
	inner := *col.inner
	scope := func(related *sqlq.Query) {
		Apply(related, inner, term, sqlq.And)
	}
	if boolean == sqlq.Or {
		return q.OrWhereHasMorph(col.relation, col.types, scope)
	}
	return q.WhereHasMorph(col.relation, col.types, scope)
}

func applyFullText(q *sqlq.Query, columns []string, term string, boolean sqlq.Boolean) *sqlq.Query {
	if len(columns) == 0 {
		return q
	}
	switch q.Dialect() {
	case sqlq.MySQL, sqlq.MariaDB, sqlq.Postgres:
	default:
		return q
	}
	if boolean == sqlq.Or {
		return q.OrWhereFullText(columns, term)
	}
	return q.WhereFullText(columns, term)
}

func applyPrimaryKey(q *sqlq.Query, col Column, term string, boolean sqlq.Boolean) *sqlq.Query {
	if key, ok := numericKey(q, col, term); ok {
		return where(q, boolean, col.name, "=", key)
	}

	if q.Dialect() == sqlq.Postgres && q.Table().IntegerKey() {
		return whereRaw(q, boolean, "CAST("+q.Qualify(col.name)+" AS TEXT) ILIKE ?", "%"+term+"%")
	}
	return applyPlain(q, col.name, term, boolean)
}

func numericKey(q *sqlq.Query, col Column, term string) (int64, bool) {
	if term == "" || !q.Table().IntegerKey() {
		return 0, false
	}
	for _, r := range term {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	key, err := strconv.ParseInt(term, 10, 64)
	if err != nil {
		return 0, false
	}
	if q.Dialect() == sqlq.Postgres && col.max > 0 && key > col.max {
		return 0, false
	}
	return key, true
}
