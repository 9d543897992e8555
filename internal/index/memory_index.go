package index

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Document is one record as the index sees it: the record key plus the
// field values copied from the relational row. Deleted documents are
// tombstones that mask older versions of the same key.
type Document struct {
	Key     string         `json:"key"`
	Fields  map[string]any `json:"fields,omitempty"`
	Deleted bool           `json:"deleted,omitempty"`
}

// Posting records where a term occurs in one document.
type Posting struct {
	Key       string
	TermFreq  float64
	Positions []int
}

// BM25Stats tracks the corpus statistics required for BM25 scoring.
type BM25Stats struct {
	TotalDocs       int
	AvgFieldLengths map[string]float64
}

// FlushThresholds controls when the writer is sealed into a segment.
type FlushThresholds struct {
	MaxDocuments int
	MaxPostings  int
}

// SegmentSnapshot is an immutable batch of documents and their postings.
type SegmentSnapshot struct {
	Postings map[string][]Posting
	Docs     []Document
	Stats    BM25Stats
}

var errMissingKey = errors.New("document key is required")

// InMemoryIndex is the mutable writer that accumulates documents until it is
// flushed into a SegmentSnapshot.
type InMemoryIndex struct {
	def         Definition
	tokenizer   Tokenizer
	thresholds  FlushThresholds
	inverted    map[string]map[string]*Posting
	docs        map[string]Document
	order       []string
	fieldLength map[string]map[string]int
	totalTerms  int
}

func NewInMemoryIndex(def Definition, tokenizer Tokenizer, thresholds FlushThresholds) *InMemoryIndex {
	idx := &InMemoryIndex{def: def, tokenizer: tokenizer, thresholds: thresholds}
	idx.reset()
	return idx
}

func (idx *InMemoryIndex) reset() {
	idx.inverted = make(map[string]map[string]*Posting)
	idx.docs = make(map[string]Document)
	idx.order = nil
	idx.fieldLength = make(map[string]map[string]int)
	idx.totalTerms = 0
}

// IndexDocument adds doc to the writer, replacing any version of the same
// key already buffered.
func (idx *InMemoryIndex) IndexDocument(doc Document) error {
	key := strings.TrimSpace(doc.Key)
	if key == "" {
		return errMissingKey
	}

	if _, exists := idx.docs[key]; exists {
		idx.forget(key)
	} else {
		idx.order = append(idx.order, key)
	}

	stored := Document{Key: key, Deleted: doc.Deleted, Fields: cloneFields(doc.Fields)}
	idx.docs[key] = stored
	if doc.Deleted {
		return nil
	}

	lengths := make(map[string]int)
	for fieldName, fieldDef := range idx.def.Fields {
		value, exists := doc.Fields[fieldName]
		if !exists || value == nil || fieldDef.FilterOnly {
			continue
		}

		switch fieldDef.Type {
		case FieldTypeText:
			lengths[fieldName] = idx.indexText(key, fmt.Sprint(value), fieldDef.Weight)
		case FieldTypeKeyword:
			lengths[fieldName] = idx.indexKeyword(key, value, fieldDef.Weight)
		}
	}
	idx.fieldLength[key] = lengths
	return nil
}

// Len reports the number of buffered documents, tombstones included.
func (idx *InMemoryIndex) Len() int { return len(idx.docs) }

func (idx *InMemoryIndex) ShouldFlush() bool {
	if idx.thresholds.MaxDocuments > 0 && len(idx.docs) >= idx.thresholds.MaxDocuments {
		return true
	}
	if idx.thresholds.MaxPostings > 0 && idx.totalTerms >= idx.thresholds.MaxPostings {
		return true
	}
	return false
}

// Flush seals the buffered documents into a snapshot and resets the writer.
func (idx *InMemoryIndex) Flush() SegmentSnapshot {
	snapshot := SegmentSnapshot{
		Postings: make(map[string][]Posting, len(idx.inverted)),
		Docs:     make([]Document, 0, len(idx.order)),
	}

	for _, key := range idx.order {
		snapshot.Docs = append(snapshot.Docs, idx.docs[key])
	}

	for term, byKey := range idx.inverted {
		postings := make([]Posting, 0, len(byKey))
		for _, p := range byKey {
			sort.Ints(p.Positions)
			postings = append(postings, *p)
		}
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].Key < postings[j].Key
		})
		snapshot.Postings[term] = postings
	}

	snapshot.Stats = statsFor(idx.fieldLength)
	idx.reset()
	return snapshot
}

func (idx *InMemoryIndex) forget(key string) {
	for term, byKey := range idx.inverted {
		if p, ok := byKey[key]; ok {
			idx.totalTerms -= len(p.Positions)
			delete(byKey, key)
		}
		if len(byKey) == 0 {
			delete(idx.inverted, term)
		}
	}
	delete(idx.fieldLength, key)
}

func (idx *InMemoryIndex) indexText(key, text string, weight float64) int {
	tokens := idx.tokenizer.Tokenize(text)
	for _, token := range tokens {
		idx.addPosting(token.Term, key, token.Position, weight)
	}
	return len(tokens)
}

func (idx *InMemoryIndex) indexKeyword(key string, value any, weight float64) int {
	switch v := value.(type) {
	case []string:
		for i, entry := range v {
			idx.addPosting(strings.ToLower(strings.TrimSpace(entry)), key, i, weight)
		}
		return len(v)
	case []any:
		for i, entry := range v {
			idx.addPosting(strings.ToLower(strings.TrimSpace(fmt.Sprint(entry))), key, i, weight)
		}
		return len(v)
	default:
		idx.addPosting(strings.ToLower(strings.TrimSpace(fmt.Sprint(v))), key, 0, weight)
		return 1
	}
}

func (idx *InMemoryIndex) addPosting(term, key string, position int, weight float64) {
	if term == "" {
		return
	}
	byKey, exists := idx.inverted[term]
	if !exists {
		byKey = make(map[string]*Posting)
		idx.inverted[term] = byKey
	}

	posting, exists := byKey[key]
	if !exists {
		posting = &Posting{Key: key}
		byKey[key] = posting
	}

	posting.TermFreq += weight
	posting.Positions = append(posting.Positions, position)
	idx.totalTerms++
}

// statsFor averages per-field lengths over the live documents they describe.
func statsFor(fieldLength map[string]map[string]int) BM25Stats {
	stats := BM25Stats{TotalDocs: len(fieldLength), AvgFieldLengths: make(map[string]float64)}
	if stats.TotalDocs == 0 {
		return stats
	}

	totals := make(map[string]int)
	for _, lengths := range fieldLength {
		for field, n := range lengths {
			totals[field] += n
		}
	}
	for field, total := range totals {
		stats.AvgFieldLengths[field] = float64(total) / float64(stats.TotalDocs)
	}
	return stats
}

func cloneFields(fields map[string]any) map[string]any {
	clone := make(map[string]any, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	return clone
}
