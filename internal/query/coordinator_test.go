package query_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"panelquery/internal/filters"
	"panelquery/internal/index"
	"panelquery/internal/predicate"
	"panelquery/internal/query"
	"panelquery/internal/sqlq"
	"panelquery/internal/sqlq/sqlqtest"

	"github.com/stretchr/testify/require"
)

type postsResource struct {
	engine       *index.Engine
	constraints  []query.Callback
	defaultOrder int
}

func (r *postsResource) Name() string    { return "posts" }
func (r *postsResource) UsesIndex() bool { return r.engine != nil }

func (r *postsResource) NewIndexQuery(_ context.Context, term string, hydrate *sqlq.Query) (query.IndexQuery, error) {
	return index.NewQuery(r.engine, term, hydrate), nil
}

func (r *postsResource) ApplyConstraints(q *sqlq.Query) {
	for _, cb := range r.constraints {
		cb(q)
	}
}

func (r *postsResource) DefaultOrder(q *sqlq.Query) {
	r.defaultOrder++
	q.OrderBy("id", "desc")
}

func (r *postsResource) SearchColumns() []predicate.Column {
	return []predicate.Column{predicate.Plain("title"), predicate.PrimaryKey("id", 0)}
}

// countingFilter records how often it was applied to each query object.
type countingFilter struct {
	key   string
	calls map[uint64]int
	apply func(q *sqlq.Query, value any)
}

func newCountingFilter(key string, apply func(q *sqlq.Query, value any)) *countingFilter {
	return &countingFilter{key: key, calls: make(map[uint64]int), apply: apply}
}

func (f *countingFilter) Key() string { return f.key }

func (f *countingFilter) Apply(_ context.Context, q *sqlq.Query, value any) *sqlq.Query {
	f.calls[q.ID()]++
	if f.apply != nil {
		f.apply(q, value)
	}
	return q
}

func (f *countingFilter) requireOncePerQuery(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, f.calls)
	for id, n := range f.calls {
		require.Equal(t, 1, n, "query %d", id)
	}
}

type recordingObserver struct {
	strategies []query.Strategy
	requeried  []bool
}

func (o *recordingObserver) StrategySelected(_ context.Context, _ string, strategy query.Strategy) {
	o.strategies = append(o.strategies, strategy)
}

func (o *recordingObserver) Reconciled(_ context.Context, _ string, requeried bool) {
	o.requeried = append(o.requeried, requeried)
}

func openPostsIndex(t *testing.T, fx *sqlqtest.Fixture) *index.Engine {
	t.Helper()
	ctx := context.Background()

	registry, err := index.NewRegistry(t.TempDir(), index.Defaults{})
	require.NoError(t, err)
	def, err := registry.Ensure(index.CreateRequest{Name: "posts", Fields: map[string]index.FieldDefinition{
		"title": {Type: index.FieldTypeText, Weight: 2},
		"body":  {Type: index.FieldTypeText},
	}})
	require.NoError(t, err)
	engine, err := index.OpenEngine(def, registry, index.EngineConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	rows, err := sqlq.New(fx.DB, sqlq.SQLite, fx.Posts).Get(ctx)
	require.NoError(t, err)
	docs := make([]index.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, index.Document{Key: sqlq.KeyString(row["id"]), Fields: map[string]any{
			"title":   row["title"],
			"body":    row["body"],
			"user_id": row["user_id"],
		}})
	}
	_, _, err = engine.Upsert(ctx, docs)
	require.NoError(t, err)
	return engine
}

func ids(rows []sqlq.Row) []int64 {
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["id"].(int64))
	}
	return out
}

func term(s string) *string { return &s }

func TestSearchRelationalAppliesCallbacksOncePerQuery(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	filter := newCountingFilter("CountingFilter:status", nil)
	resource := &postsResource{}

	c, err := query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("go"),
		[]filters.ApplyFilter{{Filter: filter, Value: "x"}}, nil, query.TrashedDefault)
	require.NoError(t, err)
	require.False(t, c.UsesIndex())

	count, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, ids(rows))

	page, total, accurate, err := c.Paginate(ctx, 10, 1)
	require.NoError(t, err)
	require.True(t, accurate)
	require.Equal(t, 1, total)
	require.Len(t, page.Items, 1)

	statement, _, err := c.ToBase().ToSQL()
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(statement, "LIKE"))
	_, err = c.Get(ctx)
	require.NoError(t, err)
	again, _, err := c.ToBase().ToSQL()
	require.NoError(t, err)
	require.Equal(t, statement, again)

	filter.requireOncePerQuery(t)
	require.Len(t, filter.calls, 1)
	require.Zero(t, resource.defaultOrder)
}

func TestSearchTermMatchesPrimaryKey(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)

	c, err := query.New(&postsResource{}).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term(" 3 "), nil, nil, query.TrashedDefault)
	require.NoError(t, err)

	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, ids(rows))
}

func TestDefaultOrderOnlyWithoutTermOrOrderings(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)

	resource := &postsResource{}
	c, err := query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), nil, nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 3, 2, 1}, ids(rows))
	require.Equal(t, 1, resource.defaultOrder)

	resource = &postsResource{}
	c, err = query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("  "), nil, query.ParseOrderings("rating:asc"), query.TrashedDefault)
	require.NoError(t, err)
	rows, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2, 1, 5}, ids(rows))
	require.Zero(t, resource.defaultOrder)
}

func TestTrashedStatusOnRelationalPath(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)

	cases := map[query.TrashedStatus][]int64{
		query.TrashedDefault: {1, 2, 3, 5},
		query.WithTrashed:    {1, 2, 3, 4, 5},
		query.OnlyTrashed:    {4},
	}
	for status, want := range cases {
		c, err := query.New(&postsResource{}).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), nil, nil, query.ParseOrderings("id"), status)
		require.NoError(t, err)
		rows, err := c.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, want, ids(rows), status.String())
	}
}

func TestRebindingPanics(t *testing.T) {
	fx := sqlqtest.Open(t)
	c := query.New(&postsResource{}).WhereKey(sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), 1)

	require.PanicsWithValue(t, query.ErrAlreadyBound, func() {
		c.WhereKey(sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), 2)
	})
	require.PanicsWithValue(t, query.ErrNotBound, func() {
		_, _ = query.New(&postsResource{}).Get(context.Background())
	})
}

func TestWhereKeyFetchesOneRecord(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)

	rows, err := query.New(&postsResource{}).WhereKey(sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), int64(4)).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, ids(rows))
}

func TestTakeAndLimitOnRelationalPath(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)

	c, err := query.New(&postsResource{}).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), nil, nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err := c.Take(2).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 3}, ids(rows))

	c, err = query.New(&postsResource{}).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), nil, nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err = c.Limit(1).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, ids(rows))
}

func TestTakeAndLimitOnIndexPath(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	resource := &postsResource{engine: openPostsIndex(t, fx)}

	c, err := query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	require.True(t, c.UsesIndex())

	count, err := c.Take(1).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	c.Limit(7)
	statement, _, err := c.ToBase().ToSQL()
	require.NoError(t, err)
	require.Contains(t, statement, "LIMIT 7")
	require.NotContains(t, statement, "LIKE")
}

func TestIndexPathUsesNativePageWhenNothingChanged(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	observer := &recordingObserver{}
	resource := &postsResource{engine: openPostsIndex(t, fx)}

	c, err := query.New(resource, query.WithObserver(observer)).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.WithTrashed)
	require.NoError(t, err)

	page, total, accurate, err := c.Paginate(ctx, 10, 1)
	require.NoError(t, err)
	require.False(t, accurate)
	require.Equal(t, 2, total)
	require.Equal(t, []int64{3, 5}, ids(page.Items))
	require.Equal(t, []query.Strategy{query.StrategyIndex}, observer.strategies)
	require.Equal(t, []bool{false}, observer.requeried)
}

func TestIndexPathRequeriesWhenCallbacksChangeStatement(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	observer := &recordingObserver{}
	resource := &postsResource{engine: openPostsIndex(t, fx)}

	status := filters.ColumnFilter{Column: "status", Kind: filters.KindSelect}
	c, err := query.New(resource, query.WithObserver(observer)).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"),
		[]filters.ApplyFilter{{Filter: status, Value: "published"}}, nil, query.TrashedDefault)
	require.NoError(t, err)

	page, total, accurate, err := c.Paginate(ctx, 10, 1)
	require.NoError(t, err)
	require.False(t, accurate)
	require.Equal(t, 1, total)
	require.Equal(t, []int64{3}, ids(page.Items))
	require.Equal(t, []bool{true}, observer.requeried)
}

func TestIndexPathPagesAroundTrashedHits(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	observer := &recordingObserver{}
	resource := &postsResource{engine: openPostsIndex(t, fx)}

	// The trashed post now ranks alongside 3 and 5.
	_, _, err := resource.engine.Upsert(ctx, []index.Document{{Key: "4", Fields: map[string]any{
		"title": "Old Draft",
		"body":  "abandoned museums museums",
	}}})
	require.NoError(t, err)

	var seen []int64
	for page := 1; page <= 3; page++ {
		c, err := query.New(resource, query.WithObserver(observer)).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
		require.NoError(t, err)

		result, total, _, err := c.Paginate(ctx, 1, page)
		require.NoError(t, err)
		require.Equal(t, 2, total)
		if page < 3 {
			require.Len(t, result.Items, 1, "page %d", page)
		} else {
			require.Empty(t, result.Items)
		}
		require.Equal(t, page == 1, result.HasMore, "page %d", page)
		seen = append(seen, ids(result.Items)...)
	}
	require.ElementsMatch(t, []int64{3, 5}, seen)
	require.Equal(t, []bool{true, true, true}, observer.requeried)
}

func TestToBaseCarriesScopesOnIndexPath(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	resource := &postsResource{engine: openPostsIndex(t, fx)}
	tagPosts, _ := fx.Tags.Relation("posts")

	c, err := query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	require.True(t, c.UsesIndex())
	statement, _, err := c.ToBase().ToSQL()
	require.NoError(t, err)
	require.Contains(t, statement, "deleted_at")
	rows, err := c.ToBase().Get(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2, 3, 5}, ids(rows))

	c, err = query.New(resource).Search(ctx, query.Request{Via: &query.Via{Relation: tagPosts, ParentKey: int64(1)}},
		sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	statement, _, err = c.ToBaseQueryBuilder().ToSQL()
	require.NoError(t, err)
	require.Contains(t, statement, "post_tag")
	rows, err = c.ToBase().Get(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2}, ids(rows))
}

func TestIndexViaFailureKeepsFailing(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	resource := &postsResource{engine: openPostsIndex(t, fx)}
	author, _ := fx.Posts.Relation("author")

	c, err := query.New(resource).Search(ctx, query.Request{Via: &query.Via{Relation: author, ParentKey: int64(2)}},
		sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)

	_, err = c.Get(ctx)
	require.ErrorIs(t, err, sqlq.ErrUnsupported)
	_, err = c.Get(ctx)
	require.ErrorIs(t, err, sqlq.ErrUnsupported)
	_, err = c.Count(ctx)
	require.ErrorIs(t, err, sqlq.ErrUnsupported)
	_, _, _, err = c.Paginate(ctx, 10, 1)
	require.ErrorIs(t, err, sqlq.ErrUnsupported)
}

func TestIndexPathRequeryKeepsRankOrder(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	resource := &postsResource{
		engine:      openPostsIndex(t, fx),
		constraints: []query.Callback{func(q *sqlq.Query) { q.Where("rating", ">", 0) }},
	}

	// "and" hits posts 2, 3 and 5; the longer post 2 ranks last.
	c, err := query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("and"), nil, nil, query.WithTrashed)
	require.NoError(t, err)

	ranked, err := index.NewQuery(resource.engine, "and", sqlq.New(fx.DB, sqlq.SQLite, fx.Posts)).Keys(ctx)
	require.NoError(t, err)

	page, _, _, err := c.Paginate(ctx, 10, 1)
	require.NoError(t, err)
	got := make([]string, 0, len(page.Items))
	for _, row := range page.Items {
		got = append(got, sqlq.KeyString(row["id"]))
	}
	require.Equal(t, ranked, got)
}

func TestIndexPathCallbacksRunOncePerHydration(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	resource := &postsResource{engine: openPostsIndex(t, fx)}
	filter := newCountingFilter("CountingFilter:id", nil)

	c, err := query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"),
		[]filters.ApplyFilter{{Filter: filter, Value: 1}}, nil, query.TrashedDefault)
	require.NoError(t, err)

	_, err = c.Get(ctx)
	require.NoError(t, err)
	_, err = c.Get(ctx)
	require.NoError(t, err)
	_, err = c.Count(ctx)
	require.NoError(t, err)

	filter.requireOncePerQuery(t)
	require.Len(t, filter.calls, 2)
}

func TestIndexPathForwardsTrashedStatus(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	resource := &postsResource{engine: openPostsIndex(t, fx)}

	for status, want := range map[query.TrashedStatus][]int64{
		query.TrashedDefault: {},
		query.OnlyTrashed:    {4},
	} {
		c, err := query.New(resource).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("abandoned"), nil, nil, status)
		require.NoError(t, err)
		rows, err := c.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, want, ids(rows), status.String())
	}
}

func TestViaRelationship(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	userPosts, _ := fx.Users.Relation("posts")
	tagPosts, _ := fx.Tags.Relation("posts")

	relational := &postsResource{}
	c, err := query.New(relational).Search(ctx, query.Request{Via: &query.Via{Relation: tagPosts, ParentKey: int64(1)}},
		sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), nil, nil, query.ParseOrderings("id"), query.TrashedDefault)
	require.NoError(t, err)
	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids(rows))

	indexed := &postsResource{engine: openPostsIndex(t, fx)}
	c, err = query.New(indexed).Search(ctx, query.Request{Via: &query.Via{Relation: userPosts, ParentKey: int64(2)}},
		sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, ids(rows))

	c, err = query.New(indexed).Search(ctx, query.Request{Via: &query.Via{Relation: tagPosts, ParentKey: int64(2)}},
		sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 5}, ids(rows))

	c, err = query.New(indexed).Search(ctx, query.Request{Via: &query.Via{Relation: tagPosts, ParentKey: int64(1)}},
		sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	count, err := c.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCursorMaterializesWithEagerLoads(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)

	c, err := query.New(&postsResource{}).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts).With("author"), nil, nil, query.ParseOrderings("id"), query.TrashedDefault)
	require.NoError(t, err)
	it, err := c.Cursor(ctx)
	require.NoError(t, err)
	defer it.Close()

	n := 0
	for it.Next() {
		require.Contains(t, it.Row(), "author")
		n++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 4, n)

	builder := c.ToBaseQueryBuilder()
	require.Empty(t, builder.EagerLoads())
	require.NotEqual(t, c.ToBase().ID(), builder.ID())
}

func TestCursorStreamsAndLazyChunks(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)

	c, err := query.New(&postsResource{}).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), nil, nil, query.ParseOrderings("id"), query.TrashedDefault)
	require.NoError(t, err)

	it, err := c.Cursor(ctx)
	require.NoError(t, err)
	var streamed []int64
	for it.Next() {
		streamed = append(streamed, it.Row()["id"].(int64))
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())

	lazy, err := c.Lazy(ctx, 2)
	require.NoError(t, err)
	var chunked []int64
	for lazy.Next() {
		chunked = append(chunked, lazy.Row()["id"].(int64))
	}
	require.NoError(t, lazy.Err())
	require.Equal(t, []int64{1, 2, 3, 5}, streamed)
	require.Equal(t, streamed, chunked)
}

func TestParseOrderings(t *testing.T) {
	got := query.ParseOrderings(" name:DESC, id ,rating:sideways, name:asc,, ")
	require.Equal(t, query.Orderings{{Column: "name", Direction: "asc"}, {Column: "id", Direction: "asc"}}, got)
	require.Empty(t, query.ParseOrderings(""))
}

func TestParseTrashed(t *testing.T) {
	require.Equal(t, query.WithTrashed, query.ParseTrashed("with"))
	require.Equal(t, query.OnlyTrashed, query.ParseTrashed("ONLY"))
	require.Equal(t, query.TrashedDefault, query.ParseTrashed(""))
	require.Equal(t, query.TrashedDefault, query.ParseTrashed("everything"))
}

func TestObserverSeesRelationalStrategy(t *testing.T) {
	ctx := context.Background()
	fx := sqlqtest.Open(t)
	observer := &recordingObserver{}

	// An index-backed resource without a term stays relational.
	resource := &postsResource{engine: openPostsIndex(t, fx)}
	c, err := query.New(resource, query.WithObserver(observer), query.WithLogger(nil)).Search(ctx, query.Request{}, sqlq.New(fx.DB, sqlq.SQLite, fx.Posts), nil, nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	require.False(t, c.UsesIndex())
	require.Equal(t, []query.Strategy{query.StrategyRelational}, observer.strategies)

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, _, accurate, err := c.Paginate(ctx, 2, 1)
	require.NoError(t, err)
	require.True(t, accurate)
}
