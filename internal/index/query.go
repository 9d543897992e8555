package index

import (
	"context"

	"panelquery/internal/sqlq"
)

// Query is a search-index query object. Matching and ranking happen in the
// engine; rows are then hydrated from the relational store by key, with any
// deferred relational constraints applied at that point.
//
// Mutators do not chain: the query is driven through an interface by callers
// that only need side effects.
type Query struct {
	id          uint64
	engine      *Engine
	term        string
	hydrate     *sqlq.Query
	filters     []Filter
	keys        []string
	limit       int
	constraints []func(*sqlq.Query)
}

// NewQuery searches engine for term and hydrates hits through hydrate.
func NewQuery(engine *Engine, term string, hydrate *sqlq.Query) *Query {
	return &Query{id: sqlq.NextID(), engine: engine, term: term, hydrate: hydrate}
}

// ID shares the relational query identifier space.
func (q *Query) ID() uint64 { return q.id }

// Term returns the search term.
func (q *Query) Term() string { return q.term }

// Where requires a stored field to equal value.
func (q *Query) Where(field string, value any) {
	q.filters = append(q.filters, Filter{Field: field, Op: FilterEquals, Value: value})
}

// WhereKeyIn restricts matches to keys. Repeated calls intersect.
func (q *Query) WhereKeyIn(keys []any) {
	next := make([]string, 0, len(keys))
	for _, key := range keys {
		next = append(next, sqlq.KeyString(key))
	}
	if q.keys == nil {
		q.keys = next
		return
	}

	allowed := make(map[string]struct{}, len(next))
	for _, key := range next {
		allowed[key] = struct{}{}
	}
	kept := q.keys[:0]
	for _, key := range q.keys {
		if _, ok := allowed[key]; ok {
			kept = append(kept, key)
		}
	}
	q.keys = kept
}

// Take caps the number of hits the engine returns.
func (q *Query) Take(n int) {
	if n < 0 {
		n = 0
	}
	q.limit = n
}

// Constrain defers fn until rows are hydrated from the relational store.
func (q *Query) Constrain(fn func(*sqlq.Query)) {
	q.constraints = append(q.constraints, fn)
}

// PreservesOrder reports whether hydrated pages come back in rank order on
// their own. They do not: rows are re-sorted after loading.
func (q *Query) PreservesOrder() bool { return false }

func (q *Query) request() SearchRequest {
	return SearchRequest{Query: q.term, Filters: append([]Filter(nil), q.filters...), Keys: q.keys}
}

// Keys returns every matching key in rank order.
func (q *Query) Keys(ctx context.Context) ([]string, error) {
	req := q.request()
	req.All = true
	resp := q.engine.Search(ctx, req)

	keys := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		keys = append(keys, hit.Key)
	}
	if q.limit > 0 && len(keys) > q.limit {
		keys = keys[:q.limit]
	}
	return keys, nil
}

// Get hydrates every match.
func (q *Query) Get(ctx context.Context) ([]sqlq.Row, error) {
	keys, err := q.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return q.load(ctx, keys)
}

// Count is the number of index matches. Deferred relational constraints are
// not consulted, so the figure is approximate.
func (q *Query) Count(ctx context.Context) (int, error) {
	keys, err := q.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Lazy hydrates matches chunk keys at a time.
func (q *Query) Lazy(ctx context.Context, chunk int) (sqlq.RowIterator, error) {
	if chunk <= 0 {
		chunk = 1000
	}
	keys, err := q.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return &hydratingIterator{ctx: ctx, query: q, keys: keys, chunk: chunk}, nil
}

// Paginate pages through the engine's ranking and hydrates one page. Total
// is the engine's hit count.
func (q *Query) Paginate(ctx context.Context, perPage, page int) (sqlq.Page, error) {
	if perPage <= 0 {
		perPage = sqlq.DefaultPerPage
	}
	if page < 1 {
		page = 1
	}

	keys, err := q.Keys(ctx)
	if err != nil {
		return sqlq.Page{}, err
	}

	total := len(keys)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	items, err := q.load(ctx, keys[start:end])
	if err != nil {
		return sqlq.Page{}, err
	}
	return sqlq.Page{Items: items, Page: page, PerPage: perPage, Total: total, HasMore: end < total}, nil
}

// load fetches rows for keys and returns them in the order of keys.
func (q *Query) load(ctx context.Context, keys []string) ([]sqlq.Row, error) {
	if len(keys) == 0 {
		return []sqlq.Row{}, nil
	}

	base := q.hydrate.Clone()
	for _, fn := range q.constraints {
		fn(base)
	}
	table := base.Table()
	rows, err := base.WhereKeyIn(table.KeyValues(keys)).Get(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]sqlq.Row, len(rows))
	for _, row := range rows {
		byKey[sqlq.KeyString(row[table.Key])] = row
	}
	ordered := make([]sqlq.Row, 0, len(rows))
	for _, key := range keys {
		if row, ok := byKey[key]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered, nil
}

type hydratingIterator struct {
	ctx   context.Context
	query *Query
	keys  []string
	chunk int
	buf   []sqlq.Row
	pos   int
	row   sqlq.Row
	err   error
}

func (it *hydratingIterator) Next() bool {
	for it.err == nil && it.pos >= len(it.buf) {
		if len(it.keys) == 0 {
			return false
		}
		n := it.chunk
		if n > len(it.keys) {
			n = len(it.keys)
		}
		it.buf, it.err = it.query.load(it.ctx, it.keys[:n])
		it.keys = it.keys[n:]
		it.pos = 0
	}
	if it.err != nil {
		return false
	}
	it.row = it.buf[it.pos]
	it.pos++
	return true
}

func (it *hydratingIterator) Row() sqlq.Row { return it.row }
func (it *hydratingIterator) Err() error    { return it.err }
func (it *hydratingIterator) Close() error  { return nil }
