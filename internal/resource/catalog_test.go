package resource

import (
	"context"
	"errors"
	"testing"

	"panelquery/internal/config"
	"panelquery/internal/filters"
	"panelquery/internal/index"
	"panelquery/internal/predicate"
	"panelquery/internal/query"
	"panelquery/internal/sqlq"
	"panelquery/internal/sqlq/sqlqtest"

	"github.com/stretchr/testify/require"
)

func panelResources() []config.ResourceConfig {
	return []config.ResourceConfig{
		{
			Name: "users", Table: "users", SoftDelete: "deleted_at",
			Search: []string{"name", "meta->address->city"},
			Relations: []config.RelationConfig{
				{Name: "posts", Kind: "has_many", Resource: "posts", ForeignKey: "user_id"},
			},
		},
		{
			Name: "posts", Table: "posts", SoftDelete: "deleted_at",
			Search:    []string{"title", "author.name"},
			SearchKey: true,
			Filters:   []config.FilterConfig{{Column: "status", Kind: "select"}, {Column: "published", Kind: "boolean"}},
			Relations: []config.RelationConfig{
				{Name: "author", Kind: "belongs_to", Resource: "users", ForeignKey: "user_id"},
				{Name: "tags", Kind: "many_to_many", Resource: "tags", Pivot: "post_tag", PivotParentKey: "post_id", PivotRelatedKey: "tag_id"},
			},
			Index: &config.ResourceIndexConfig{
				Fields: map[string]config.IndexFieldConfig{
					"title":   {Type: "text", Weight: 2},
					"body":    {Type: "text"},
					"user_id": {Type: "keyword", FilterOnly: true},
				},
			},
		},
		{
			Name: "tags", Table: "tags",
			Relations: []config.RelationConfig{
				{Name: "posts", Kind: "many_to_many", Resource: "posts", Pivot: "post_tag", PivotParentKey: "tag_id", PivotRelatedKey: "post_id"},
			},
		},
		{Name: "videos", Table: "videos", Search: []string{"title"}},
		{
			Name: "comments", Table: "comments",
			Search:      []string{"body"},
			MorphSearch: []config.MorphSearchConfig{{Relation: "commentable", Column: "title"}},
			Relations: []config.RelationConfig{
				{Name: "commentable", Kind: "morph_to", MorphType: "commentable_type", MorphID: "commentable_id", MorphTypes: map[string]string{"post": "posts", "video": "videos"}},
			},
		},
	}
}

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(panelResources(), 2147483647, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })
	return catalog
}

func attachIndexes(t *testing.T, catalog *Catalog) {
	t.Helper()
	registry, err := index.NewRegistry(t.TempDir(), index.Defaults{})
	require.NoError(t, err)
	require.NoError(t, catalog.AttachIndexes(registry, index.EngineConfig{}))
}

func keysOf(rows []sqlq.Row) []int64 {
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["id"].(int64))
	}
	return out
}

func term(s string) *string { return &s }

func TestCatalogLinksRelationsAcrossResources(t *testing.T) {
	catalog := newCatalog(t)

	posts, err := catalog.Get("posts")
	require.NoError(t, err)
	users, err := catalog.Get("users")
	require.NoError(t, err)

	author, ok := posts.Table().Relation("author")
	require.True(t, ok)
	require.Same(t, users.Table(), author.Related)

	comments, err := catalog.Get("comments")
	require.NoError(t, err)
	commentable, ok := comments.Table().Relation("commentable")
	require.True(t, ok)
	require.Equal(t, []string{"post", "video"}, commentable.MorphAliases())
	require.Same(t, posts.Table(), commentable.MorphTables["post"])

	names := make([]string, 0)
	for _, def := range catalog.List() {
		names = append(names, def.Name())
	}
	require.Equal(t, []string{"users", "posts", "tags", "videos", "comments"}, names)

	_, err = catalog.Get("invoices")
	require.True(t, errors.Is(err, ErrUnknownResource))
}

func TestCatalogRejectsBrokenRelations(t *testing.T) {
	cases := []struct {
		name     string
		relation config.RelationConfig
	}{
		{"unknown kind", config.RelationConfig{Name: "x", Kind: "has_some", Resource: "b", ForeignKey: "a_id"}},
		{"unknown resource", config.RelationConfig{Name: "x", Kind: "has_many", Resource: "missing", ForeignKey: "a_id"}},
		{"missing pivot", config.RelationConfig{Name: "x", Kind: "many_to_many", Resource: "b"}},
		{"missing morph types", config.RelationConfig{Name: "x", Kind: "morph_to", MorphType: "t", MorphID: "i"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resources := []config.ResourceConfig{
				{Name: "a", Table: "a", Relations: []config.RelationConfig{tc.relation}},
				{Name: "b", Table: "b"},
			}
			_, err := NewCatalog(resources, 0, nil)
			require.Error(t, err)
		})
	}

	_, err := NewCatalog([]config.ResourceConfig{{Name: "a", Table: "a", KeyType: "float"}}, 0, nil)
	require.Error(t, err)
	_, err = NewCatalog([]config.ResourceConfig{{Name: "a", Table: "a", Filters: []config.FilterConfig{{Column: "x", Kind: "slider"}}}}, 0, nil)
	require.Error(t, err)
}

func TestDefinitionDescribesSearchAndFilters(t *testing.T) {
	catalog := newCatalog(t)

	posts, _ := catalog.Get("posts")
	kinds := make([]predicate.Kind, 0)
	for _, col := range posts.SearchColumns() {
		kinds = append(kinds, col.Kind())
	}
	require.Equal(t, []predicate.Kind{predicate.KindPlain, predicate.KindRelation, predicate.KindPrimaryKey}, kinds)

	users, _ := catalog.Get("users")
	require.Equal(t, predicate.KindJSONPath, users.SearchColumns()[1].Kind())

	comments, _ := catalog.Get("comments")
	require.Equal(t, predicate.KindPolymorphicRelation, comments.SearchColumns()[1].Kind())

	def, ok := posts.Filters().Lookup("SelectField:status")
	require.True(t, ok)
	require.Equal(t, filters.KindSelect, def.(filters.ColumnFilter).Kind)
	require.Equal(t, 2, posts.Filters().Len())
}

func TestListingAppliesConstraintsAndDefaultOrder(t *testing.T) {
	fx := sqlqtest.Open(t)
	ctx := context.Background()

	resources := panelResources()
	resources[1].Where = map[string]any{"published": 1}
	catalog, err := NewCatalog(resources, 2147483647, nil)
	require.NoError(t, err)
	posts, _ := catalog.Get("posts")

	c, err := query.New(posts).Search(ctx, query.Request{}, posts.NewQuery(fx.DB, sqlq.SQLite), nil, nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 3, 1}, keysOf(rows))
}

func TestListingSearchesRelationsAndKeys(t *testing.T) {
	fx := sqlqtest.Open(t)
	ctx := context.Background()
	catalog := newCatalog(t)
	posts, _ := catalog.Get("posts")

	c, err := query.New(posts).Search(ctx, query.Request{}, posts.NewQuery(fx.DB, sqlq.SQLite), term("bob"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, keysOf(rows))

	c, err = query.New(posts).Search(ctx, query.Request{}, posts.NewQuery(fx.DB, sqlq.SQLite), term("2"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	rows, err = c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, keysOf(rows))
}

func TestViaResolvesParentRelation(t *testing.T) {
	fx := sqlqtest.Open(t)
	ctx := context.Background()
	catalog := newCatalog(t)
	posts, _ := catalog.Get("posts")

	via, err := catalog.Via(posts, "tags", "posts", "2")
	require.NoError(t, err)
	require.Equal(t, int64(2), via.ParentKey)
	require.Equal(t, sqlq.ManyToMany, via.Relation.Kind)

	c, err := query.New(posts).Search(ctx, query.Request{Via: via}, posts.NewQuery(fx.DB, sqlq.SQLite), nil, nil, query.ParseOrderings("id:asc"), query.TrashedDefault)
	require.NoError(t, err)
	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 5}, keysOf(rows))

	_, err = catalog.Via(posts, "users", "likes", "1")
	require.True(t, errors.Is(err, sqlq.ErrUnknownRelation))
	tags, _ := catalog.Get("tags")
	_, err = catalog.Via(tags, "users", "posts", "1")
	require.True(t, errors.Is(err, ErrInvalidVia))
}

func TestReindexFeedsIndexBackedListing(t *testing.T) {
	fx := sqlqtest.Open(t)
	ctx := context.Background()
	catalog := newCatalog(t)

	_, err := catalog.Reindex(ctx, fx.DB, sqlq.SQLite, "posts")
	require.True(t, errors.Is(err, ErrNotIndexed))

	attachIndexes(t, catalog)
	posts, _ := catalog.Get("posts")
	require.True(t, posts.UsesIndex())
	users, _ := catalog.Get("users")
	require.False(t, users.UsesIndex())

	indexed, err := catalog.Reindex(ctx, fx.DB, sqlq.SQLite, "posts")
	require.NoError(t, err)
	require.Equal(t, 5, indexed)
	docs, _ := posts.Engine().Stats()
	require.Equal(t, 5, docs)

	c, err := query.New(posts).Search(ctx, query.Request{}, posts.NewQuery(fx.DB, sqlq.SQLite), term("museums"), nil, nil, query.TrashedDefault)
	require.NoError(t, err)
	require.True(t, c.UsesIndex())
	page, _, accurate, err := c.Paginate(ctx, 10, 1)
	require.NoError(t, err)
	require.False(t, accurate)
	require.ElementsMatch(t, []int64{3, 5}, keysOf(page.Items))

	// The trashed post is indexed but only hydrates when asked for.
	c, err = query.New(posts).Search(ctx, query.Request{}, posts.NewQuery(fx.DB, sqlq.SQLite), term("abandoned"), nil, nil, query.OnlyTrashed)
	require.NoError(t, err)
	rows, err := c.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, keysOf(rows))

	// Reindexing again replaces rather than duplicates.
	indexed, err = catalog.Reindex(ctx, fx.DB, sqlq.SQLite, "posts")
	require.NoError(t, err)
	require.Equal(t, 5, indexed)
	docs, _ = posts.Engine().Stats()
	require.Equal(t, 5, docs)
}

func TestReindexKeepsIndexWhenStoreFails(t *testing.T) {
	fx := sqlqtest.Open(t)
	ctx := context.Background()
	catalog := newCatalog(t)
	attachIndexes(t, catalog)
	posts, _ := catalog.Get("posts")

	_, err := catalog.Reindex(ctx, fx.DB, sqlq.SQLite, "posts")
	require.NoError(t, err)

	_, err = fx.DB.ExecContext(ctx, "DROP TABLE posts")
	require.NoError(t, err)
	_, err = catalog.Reindex(ctx, fx.DB, sqlq.SQLite, "posts")
	require.Error(t, err)

	docs, _ := posts.Engine().Stats()
	require.Equal(t, 5, docs)
}
