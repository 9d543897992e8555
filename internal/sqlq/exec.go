package sqlq

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DefaultPerPage is used when Paginate is called without a page size.
const DefaultPerPage = 15

// Page is one page of rows plus the metadata needed to render pagination.
type Page struct {
	Items   []Row `json:"items"`
	Page    int   `json:"page"`
	PerPage int   `json:"perPage"`
	Total   int   `json:"total"`
	HasMore bool  `json:"hasMore"`
}

// Get runs the query and resolves eager loads.
func (q *Query) Get(ctx context.Context) ([]Row, error) {
	statement, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.table.Name, err)
	}
	defer rows.Close()

	result, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", q.table.Name, err)
	}

	for _, name := range q.eager {
		if err := q.load(ctx, name, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// First returns the first matching row or sql.ErrNoRows.
func (q *Query) First(ctx context.Context) (Row, error) {
	rows, err := q.Clone().Limit(1).Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return rows[0], nil
}

// Count returns the number of matching rows. Ordering, limit and offset are ignored.
func (q *Query) Count(ctx context.Context) (int, error) {
	if q.err != nil {
		return 0, q.err
	}

	statement, args := q.compile("SELECT COUNT(*) AS aggregate")
	var total int64
	rows, err := q.db.QueryContext(ctx, q.dialect.rebind(statement), args...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", q.table.Name, err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, fmt.Errorf("count %s: %w", q.table.Name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.table.Name, err)
	}
	return int(total), nil
}

// Pluck returns a single column from every matching row.
func (q *Query) Pluck(ctx context.Context, column string) ([]any, error) {
	c := q.Clone().WithoutEager()
	c.columns = []string{column}
	rows, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}

	name := column
	if idx := strings.LastIndex(column, "."); idx >= 0 {
		name = column[idx+1:]
	}
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, row[name])
	}
	return values, nil
}

// Paginate counts the matching rows and fetches one 1-based page.
func (q *Query) Paginate(ctx context.Context, perPage, page int) (Page, error) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page < 1 {
		page = 1
	}

	total, err := q.Count(ctx)
	if err != nil {
		return Page{}, err
	}

	items := []Row{}
	if (page-1)*perPage < total {
		items, err = q.Clone().ForPage(page, perPage).Get(ctx)
		if err != nil {
			return Page{}, err
		}
	}

	return Page{
		Items:   items,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		HasMore: page*perPage < total,
	}, nil
}

// Lazy iterates the result set in chunks of size chunk. Queries without an
// explicit order are ordered by key so chunk boundaries stay stable.
func (q *Query) Lazy(ctx context.Context, chunk int) (RowIterator, error) {
	if q.err != nil {
		return nil, q.err
	}
	if chunk <= 0 {
		chunk = 1000
	}

	base := q.Clone()
	if !base.HasOrders() {
		base.OrderBy(base.table.Key, "asc")
	}
	return &chunkIterator{ctx: ctx, base: base, chunk: chunk}, nil
}

// Cursor streams rows straight from the driver. Eager loads are not resolved.
func (q *Query) Cursor(ctx context.Context) (RowIterator, error) {
	statement, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.table.Name, err)
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("query %s: %w", q.table.Name, err)
	}
	return &rowsIterator{rows: rows, columns: columns}, nil
}

func (q *Query) load(ctx context.Context, name string, rows []Row) error {
	rel, ok := q.table.Relation(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownRelation, q.table.Name, name)
	}
	if len(rows) == 0 {
		return nil
	}

	switch rel.Kind {
	case HasMany, HasOne:
		parentKey := rel.ParentKey(q.table)
		related, err := q.sub(rel.Related).WhereIn(rel.ForeignKey, collect(rows, parentKey)).Get(ctx)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		grouped := groupBy(related, rel.ForeignKey)
		for _, row := range rows {
			children := grouped[KeyString(row[parentKey])]
			if rel.Kind == HasOne {
				row[name] = firstOrNil(children)
				continue
			}
			if children == nil {
				children = []Row{}
			}
			row[name] = children
		}
	case BelongsTo:
		relatedKey := rel.RelatedKey()
		related, err := q.sub(rel.Related).WhereIn(relatedKey, collect(rows, rel.ForeignKey)).Get(ctx)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		grouped := groupBy(related, relatedKey)
		for _, row := range rows {
			row[name] = firstOrNil(grouped[KeyString(row[rel.ForeignKey])])
		}
	case ManyToMany:
		parentKey := rel.ParentKey(q.table)
		links, err := q.sub(&Table{Name: rel.Pivot}).WhereIn(rel.PivotParentKey, collect(rows, parentKey)).Get(ctx)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		related, err := q.sub(rel.Related).WhereIn(rel.Related.Key, collect(links, rel.PivotRelatedKey)).Get(ctx)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		byKey := groupBy(related, rel.Related.Key)
		attached := make(map[string][]Row)
		for _, link := range links {
			parent := KeyString(link[rel.PivotParentKey])
			attached[parent] = append(attached[parent], byKey[KeyString(link[rel.PivotRelatedKey])]...)
		}
		for _, row := range rows {
			children := attached[KeyString(row[parentKey])]
			if children == nil {
				children = []Row{}
			}
			row[name] = children
		}
	default:
		return fmt.Errorf("%w: eager load of %s relation %s", ErrUnsupported, rel.Kind, name)
	}
	return nil
}

func collect(rows []Row, column string) []any {
	seen := make(map[string]struct{}, len(rows))
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		k := KeyString(v)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		values = append(values, v)
	}
	return values
}

func groupBy(rows []Row, column string) map[string][]Row {
	grouped := make(map[string][]Row, len(rows))
	for _, row := range rows {
		k := KeyString(row[column])
		grouped[k] = append(grouped[k], row)
	}
	return grouped
}

func firstOrNil(rows []Row) any {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func scanAll(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := []Row{}
	for rows.Next() {
		row, err := scanRow(rows, columns)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func scanRow(rows *sql.Rows, columns []string) (Row, error) {
	values := make([]any, len(columns))
	targets := make([]any, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, err
	}

	row := make(Row, len(columns))
	for i, column := range columns {
		if b, ok := values[i].([]byte); ok {
			row[column] = string(b)
			continue
		}
		row[column] = values[i]
	}
	return row, nil
}
