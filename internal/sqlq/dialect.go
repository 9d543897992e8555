package sqlq

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavor a query is compiled for.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	MariaDB  Dialect = "mariadb"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect normalizes a configured dialect name.
func ParseDialect(raw string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mysql":
		return MySQL, nil
	case "mariadb":
		return MariaDB, nil
	case "postgres", "postgresql", "pgsql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect '%s'", raw)
	}
}

// Quote quotes a possibly dotted identifier ("table.column") for the dialect.
// A "*" segment is left untouched.
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, part := range parts {
		if part == "*" {
			continue
		}
		parts[i] = d.quoteSegment(part)
	}
	return strings.Join(parts, ".")
}

func (d Dialect) quoteSegment(segment string) string {
	switch d {
	case MySQL, MariaDB:
		return "`" + strings.ReplaceAll(segment, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(segment, `"`, `""`) + `"`
	}
}

// rebind rewrites "?" placeholders into the dialect's native form. Question
// marks inside single-quoted literals are left alone.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for _, r := range query {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unboundedLimit is emitted when an offset is requested without a limit on
// dialects that refuse a bare OFFSET.
func (d Dialect) unboundedLimit() string {
	switch d {
	case MySQL, MariaDB:
		return "18446744073709551615"
	case SQLite:
		return "-1"
	default:
		return ""
	}
}
