package index

import "testing"

func searchFixture(t *testing.T) *Searcher {
	t.Helper()
	def := Definition{Fields: map[string]FieldDefinition{
		"title": {Type: FieldTypeText, Weight: 2},
		"body":  {Type: FieldTypeText, Weight: 1},
		"tags":  {Type: FieldTypeKeyword, FilterOnly: true},
	}, BM25: BM25Parameters{K1: 1.2, B: 0.75}}

	tokenizer := NewSimpleTokenizer(nil)
	idx := NewInMemoryIndex(def, tokenizer, FlushThresholds{})

	docs := []Document{
		{Key: "1", Fields: map[string]any{"title": "Quick brown fox", "body": "jumps over lazy dog", "tags": []string{"animals", "story"}, "views": 100, "rating": 4.5, "user_id": int64(1)}},
		{Key: "2", Fields: map[string]any{"title": "Fast fox", "body": "quick movements and agile", "tags": []string{"animals"}, "views": 200, "rating": 4.8, "user_id": int64(2)}},
		{Key: "10", Fields: map[string]any{"title": "Lazy dog", "body": "sleepy dog lies down", "tags": []string{"pets"}, "views": 50, "rating": 3.0, "user_id": int64(1)}},
	}
	for _, doc := range docs {
		if err := idx.IndexDocument(doc); err != nil {
			t.Fatalf("index document: %v", err)
		}
	}
	return NewSearcher(def, idx.Flush(), tokenizer)
}

func TestSearchSupportsBooleanAndPhrases(t *testing.T) {
	searcher := searchFixture(t)

	// Default AND between terms
	res := searcher.Search(SearchRequest{Query: "quick fox"})
	if res.TotalHits != 2 {
		t.Fatalf("expected 2 hits for 'quick fox' got %d", res.TotalHits)
	}
	if res.Hits[0].Key != "1" {
		t.Fatalf("expected doc 1 to rank first got %s", res.Hits[0].Key)
	}

	// Must / must_not filters
	res = searcher.Search(SearchRequest{Query: "+fox -lazy"})
	if res.TotalHits != 1 || res.Hits[0].Key != "2" {
		t.Fatalf("expected only doc 2 after applying must/must_not")
	}

	// Phrase query
	res = searcher.Search(SearchRequest{Query: "\"quick brown\""})
	if res.TotalHits != 1 || res.Hits[0].Key != "1" {
		t.Fatalf("expected phrase to match only doc 1")
	}
}

func TestSearchFilters(t *testing.T) {
	searcher := searchFixture(t)

	res := searcher.Search(SearchRequest{Query: "fox", FilterExpr: "views>150"})
	if res.TotalHits != 1 || res.Hits[0].Key != "2" {
		t.Fatalf("expected numeric filter to keep only doc 2 got %v hits", res.TotalHits)
	}

	res = searcher.Search(SearchRequest{Query: "fox", FilterExpr: "rating:4-5"})
	if res.TotalHits != 2 {
		t.Fatalf("expected two docs within rating range got %d", res.TotalHits)
	}

	res = searcher.Search(SearchRequest{Filters: []Filter{{Field: "user_id", Op: FilterEquals, Value: "1"}}})
	if res.TotalHits != 2 {
		t.Fatalf("expected structured equality filter to match two docs got %d", res.TotalHits)
	}
}

func TestSearchEmptyQueryMatchesEverythingInKeyOrder(t *testing.T) {
	searcher := searchFixture(t)

	res := searcher.Search(SearchRequest{All: true})
	if res.TotalHits != 3 {
		t.Fatalf("expected every doc got %d", res.TotalHits)
	}
	got := []string{res.Hits[0].Key, res.Hits[1].Key, res.Hits[2].Key}
	if got[0] != "1" || got[1] != "2" || got[2] != "10" {
		t.Fatalf("expected numeric key order got %v", got)
	}
}

func TestSearchKeysRestriction(t *testing.T) {
	searcher := searchFixture(t)

	res := searcher.Search(SearchRequest{Query: "fox", Keys: []string{"2", "10"}})
	if res.TotalHits != 1 || res.Hits[0].Key != "2" {
		t.Fatalf("expected key restriction to leave doc 2 got %+v", res.Hits)
	}

	res = searcher.Search(SearchRequest{Keys: []string{}})
	if res.TotalHits != 0 {
		t.Fatalf("expected empty key restriction to match nothing got %d", res.TotalHits)
	}
}

func TestSearchPaging(t *testing.T) {
	searcher := searchFixture(t)

	res := searcher.Search(SearchRequest{Page: 2, PageSize: 2})
	if res.TotalHits != 3 || len(res.Hits) != 1 || res.Hits[0].Key != "10" {
		t.Fatalf("unexpected second page: %+v", res)
	}

	res = searcher.Search(SearchRequest{Page: 5, PageSize: 2})
	if len(res.Hits) != 0 {
		t.Fatalf("expected page past the end to be empty")
	}
}

func TestParseQueryDropsStopwordOnlyTerms(t *testing.T) {
	parsed := ParseQuery("the fox", "", TokenizerFor("standard_en"))
	if len(parsed.Terms) != 1 || parsed.Terms[0].Term != "fox" {
		t.Fatalf("expected stopword to be dropped got %+v", parsed.Terms)
	}

	parsed = ParseQuery("hello-world", "", nil)
	if len(parsed.Terms) != 1 || len(parsed.Terms[0].Phrase) != 2 {
		t.Fatalf("expected split term to become a phrase got %+v", parsed.Terms)
	}
}
