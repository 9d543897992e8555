package index

import "testing"

func TestSimpleTokenizerWithStopwords(t *testing.T) {
	tokenizer := NewSimpleTokenizer([]string{"the", "and"})
	tokens := tokenizer.Tokenize("The quick brown fox and the dog")

	wantTerms := []Token{{Term: "quick", Position: 1}, {Term: "brown", Position: 2}, {Term: "fox", Position: 3}, {Term: "dog", Position: 6}}
	if len(tokens) != len(wantTerms) {
		t.Fatalf("expected %d tokens got %d", len(wantTerms), len(tokens))
	}
	for i, tok := range tokens {
		if tok != wantTerms[i] {
			t.Fatalf("token %d mismatch: %+v vs %+v", i, tok, wantTerms[i])
		}
	}
}

func TestIndexDocumentTracksPostingsAndStats(t *testing.T) {
	def := Definition{
		Fields: map[string]FieldDefinition{
			"title": {Type: FieldTypeText, Weight: 2},
			"tags":  {Type: FieldTypeKeyword, Weight: 1},
		},
	}

	tokenizer := NewSimpleTokenizer([]string{"the"})
	idx := NewInMemoryIndex(def, tokenizer, FlushThresholds{MaxDocuments: 2})

	doc := Document{Key: "1", Fields: map[string]any{
		"title": "The quick brown fox",
		"tags":  []string{"Go", "Rust"},
	}}
	if err := idx.IndexDocument(doc); err != nil {
		t.Fatalf("index document: %v", err)
	}

	if idx.ShouldFlush() {
		t.Fatalf("should not flush after one doc with threshold 2")
	}

	posting := idx.inverted["quick"]["1"]
	if posting == nil {
		t.Fatalf("expected postings for 'quick'")
	}
	if posting.TermFreq != 2 {
		t.Fatalf("expected weighted term freq 2 got %v", posting.TermFreq)
	}
	if len(posting.Positions) != 1 || posting.Positions[0] != 1 {
		t.Fatalf("unexpected positions: %+v", posting.Positions)
	}
	if idx.fieldLength["1"]["title"] != 3 { // "the" is a stopword and ignored
		t.Fatalf("expected field length 3 got %d", idx.fieldLength["1"]["title"])
	}

	doc2 := Document{Key: "2", Fields: map[string]any{"title": "brown dog", "tags": "Go"}}
	if err := idx.IndexDocument(doc2); err != nil {
		t.Fatalf("index document 2: %v", err)
	}
	if !idx.ShouldFlush() {
		t.Fatalf("should flush after reaching max documents")
	}

	snapshot := idx.Flush()
	if snapshot.Stats.TotalDocs != 2 {
		t.Fatalf("expected 2 docs in snapshot stats got %d", snapshot.Stats.TotalDocs)
	}
	if got := snapshot.Stats.AvgFieldLengths["title"]; got != 2.5 {
		t.Fatalf("unexpected avg field length got %v", got)
	}
	if len(snapshot.Docs) != 2 {
		t.Fatalf("expected doc store snapshot to contain 2 docs")
	}
	if idx.Len() != 0 || len(idx.inverted) != 0 {
		t.Fatalf("expected state reset after flush")
	}
}

func TestIndexDocumentReplacesBufferedVersion(t *testing.T) {
	def := Definition{Fields: map[string]FieldDefinition{"title": {Type: FieldTypeText, Weight: 1}}}
	idx := NewInMemoryIndex(def, NewSimpleTokenizer(nil), FlushThresholds{})

	if err := idx.IndexDocument(Document{Key: "7", Fields: map[string]any{"title": "old words"}}); err != nil {
		t.Fatalf("index document: %v", err)
	}
	if err := idx.IndexDocument(Document{Key: "7", Fields: map[string]any{"title": "new words"}}); err != nil {
		t.Fatalf("reindex document: %v", err)
	}

	if _, ok := idx.inverted["old"]; ok {
		t.Fatalf("expected postings of the replaced version to be dropped")
	}
	if idx.inverted["new"]["7"] == nil {
		t.Fatalf("expected postings for the new version")
	}
	if idx.Len() != 1 {
		t.Fatalf("expected one buffered document got %d", idx.Len())
	}
}

func TestIndexDocumentRejectsMissingKeyAndKeepsTombstones(t *testing.T) {
	def := Definition{Fields: map[string]FieldDefinition{"title": {Type: FieldTypeText, Weight: 1}}}
	idx := NewInMemoryIndex(def, NewSimpleTokenizer(nil), FlushThresholds{})

	if err := idx.IndexDocument(Document{Key: "  "}); err == nil {
		t.Fatalf("expected missing key to be rejected")
	}
	if err := idx.IndexDocument(Document{Key: "3", Deleted: true}); err != nil {
		t.Fatalf("index tombstone: %v", err)
	}

	snapshot := idx.Flush()
	if len(snapshot.Docs) != 1 || !snapshot.Docs[0].Deleted {
		t.Fatalf("expected tombstone in snapshot got %+v", snapshot.Docs)
	}
	if len(snapshot.Postings) != 0 || snapshot.Stats.TotalDocs != 0 {
		t.Fatalf("expected tombstone to contribute no postings or stats")
	}
}
