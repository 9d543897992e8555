package index

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const (
	defaultPageSize = 15
	maxPageSize     = 200
)

// SearchRequest describes one search against a merged snapshot.
//
// Keys restricts matches to the listed record keys when non-nil; an empty
// non-nil slice matches nothing. All disables paging and returns every hit.
type SearchRequest struct {
	Query      string
	FilterExpr string
	Filters    []Filter
	Keys       []string
	Page       int
	PageSize   int
	All        bool
}

// SearchResponse contains the ranked hits plus paging metadata.
type SearchResponse struct {
	TotalHits int   `json:"totalHits"`
	Page      int   `json:"page"`
	PageSize  int   `json:"pageSize"`
	Hits      []Hit `json:"hits"`
}

// Hit is a matched record key and its rank score.
type Hit struct {
	Key    string         `json:"key"`
	Score  float64        `json:"score"`
	Fields map[string]any `json:"fields,omitempty"`
}

// QueryTerm is a single term or a quoted phrase from the query string.
type QueryTerm struct {
	Term    string
	Phrase  []string
	Must    bool
	MustNot bool
}

// FilterOperator enumerates the supported filter comparisons.
type FilterOperator string

const (
	FilterEquals FilterOperator = "eq"
	FilterGT     FilterOperator = "gt"
	FilterGTE    FilterOperator = "gte"
	FilterLT     FilterOperator = "lt"
	FilterLTE    FilterOperator = "lte"
	FilterRange  FilterOperator = "range"
)

// Filter is a structured constraint on a stored field.
type Filter struct {
	Field string
	Op    FilterOperator
	Value any
	Min   *float64
	Max   *float64
}

// ParsedQuery is the intermediate representation of a user query.
type ParsedQuery struct {
	Terms   []QueryTerm
	Filters []Filter
}

// Searcher executes BM25-ranked queries over an immutable snapshot.
type Searcher struct {
	def          Definition
	postings     map[string][]Posting
	docs         map[string]Document
	stats        BM25Stats
	tokenizer    Tokenizer
	docLengths   map[string]int
	avgDocLength float64
}

func NewSearcher(def Definition, snapshot SegmentSnapshot, tokenizer Tokenizer) *Searcher {
	docs := make(map[string]Document, len(snapshot.Docs))
	for _, doc := range snapshot.Docs {
		if !doc.Deleted {
			docs[doc.Key] = doc
		}
	}

	docLengths := make(map[string]int)
	totalTerms := 0
	for _, postings := range snapshot.Postings {
		for _, p := range postings {
			docLengths[p.Key] += len(p.Positions)
			totalTerms += len(p.Positions)
		}
	}

	avgDocLength := 0.0
	if len(docLengths) > 0 {
		avgDocLength = float64(totalTerms) / float64(len(docLengths))
	}

	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer(nil)
	}

	return &Searcher{
		def:          def,
		postings:     snapshot.Postings,
		docs:         docs,
		stats:        snapshot.Stats,
		tokenizer:    tokenizer,
		docLengths:   docLengths,
		avgDocLength: avgDocLength,
	}
}

// ParseQuery splits raw (plus an optional filter expression) into terms and
// field filters. Terms are normalized by tokenizer, so a term made only of
// stopwords disappears and one that splits into several words becomes a
// phrase.
func ParseQuery(raw, filterExpr string, tokenizer Tokenizer) ParsedQuery {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer(nil)
	}

	tokens := tokenizeQuery(raw)
	if filterExpr != "" {
		tokens = append(tokens, tokenizeQuery(filterExpr)...)
	}

	parsed := ParsedQuery{}
	for _, tok := range tokens {
		term := tok
		must := true
		mustNot := false

		if strings.HasPrefix(term, "+") {
			term = strings.TrimPrefix(term, "+")
		} else if strings.HasPrefix(term, "-") {
			term = strings.TrimPrefix(term, "-")
			must = false
			mustNot = true
		}

		if f, ok := parseFilterToken(term); ok {
			parsed.Filters = append(parsed.Filters, f)
			continue
		}

		analyzed := tokenizer.Tokenize(term)
		switch len(analyzed) {
		case 0:
		case 1:
			parsed.Terms = append(parsed.Terms, QueryTerm{Term: analyzed[0].Term, Must: must, MustNot: mustNot})
		default:
			phrase := make([]string, len(analyzed))
			for i, a := range analyzed {
				phrase[i] = a.Term
			}
			parsed.Terms = append(parsed.Terms, QueryTerm{Phrase: phrase, Must: must, MustNot: mustNot})
		}
	}
	return parsed
}

// Search ranks, filters and pages the snapshot. A query with no terms
// matches every live record with a zero score.
func (s *Searcher) Search(req SearchRequest) SearchResponse {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	parsed := ParseQuery(req.Query, req.FilterExpr, s.tokenizer)
	parsed.Filters = append(parsed.Filters, req.Filters...)

	candidates := s.evaluateCandidates(parsed)
	restrictToKeys(candidates, req.Keys)
	scores := s.scoreDocuments(parsed, candidates)
	filtered := s.applyFilters(parsed.Filters, scores)

	hits := make([]Hit, 0, len(filtered))
	for key, score := range filtered {
		hits = append(hits, Hit{Key: key, Score: score, Fields: s.docs[key].Fields})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return compareKeys(hits[i].Key, hits[j].Key) < 0
		}
		return hits[i].Score > hits[j].Score
	})

	total := len(hits)
	if req.All {
		return SearchResponse{TotalHits: total, Page: 1, PageSize: total, Hits: hits}
	}

	start := (req.Page - 1) * req.PageSize
	if start > total {
		start = total
	}
	end := start + req.PageSize
	if end > total {
		end = total
	}
	return SearchResponse{TotalHits: total, Page: req.Page, PageSize: req.PageSize, Hits: hits[start:end]}
}

func (s *Searcher) evaluateCandidates(parsed ParsedQuery) map[string]struct{} {
	var mustTerms []QueryTerm
	for _, t := range parsed.Terms {
		if t.Must && !t.MustNot {
			mustTerms = append(mustTerms, t)
		}
	}

	candidates := make(map[string]struct{})
	if len(mustTerms) == 0 {
		for key := range s.docs {
			candidates[key] = struct{}{}
		}
	}

	for i, term := range mustTerms {
		keys := s.lookupTerm(term)
		if i == 0 {
			for key := range keys {
				if _, live := s.docs[key]; live {
					candidates[key] = struct{}{}
				}
			}
			continue
		}
		for key := range candidates {
			if _, ok := keys[key]; !ok {
				delete(candidates, key)
			}
		}
	}

	for _, term := range parsed.Terms {
		if !term.MustNot {
			continue
		}
		for key := range s.lookupTerm(term) {
			delete(candidates, key)
		}
	}
	return candidates
}

func restrictToKeys(candidates map[string]struct{}, keys []string) {
	if keys == nil {
		return
	}
	allowed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		allowed[key] = struct{}{}
	}
	for key := range candidates {
		if _, ok := allowed[key]; !ok {
			delete(candidates, key)
		}
	}
}

func (s *Searcher) lookupTerm(term QueryTerm) map[string]struct{} {
	if len(term.Phrase) > 0 {
		return s.matchPhrase(term.Phrase)
	}
	matched := make(map[string]struct{})
	for _, p := range s.postings[term.Term] {
		matched[p.Key] = struct{}{}
	}
	return matched
}

func (s *Searcher) matchPhrase(terms []string) map[string]struct{} {
	matches := make(map[string]struct{})
	if len(terms) == 0 {
		return matches
	}

	for _, p := range s.postings[terms[0]] {
		for _, start := range p.Positions {
			if s.phraseAt(terms, p.Key, start) {
				matches[p.Key] = struct{}{}
				break
			}
		}
	}
	return matches
}

func (s *Searcher) phraseAt(terms []string, key string, start int) bool {
	for i := 1; i < len(terms); i++ {
		if !containsPosition(postingPositionsFor(s.postings[terms[i]], key), start+i) {
			return false
		}
	}
	return true
}

func postingPositionsFor(postings []Posting, key string) []int {
	idx := sort.Search(len(postings), func(i int) bool { return postings[i].Key >= key })
	if idx < len(postings) && postings[idx].Key == key {
		return postings[idx].Positions
	}
	return nil
}

func containsPosition(positions []int, target int) bool {
	idx := sort.SearchInts(positions, target)
	return idx < len(positions) && positions[idx] == target
}

func (s *Searcher) scoreDocuments(parsed ParsedQuery, candidates map[string]struct{}) map[string]float64 {
	scores := make(map[string]float64, len(candidates))
	for key := range candidates {
		scores[key] = 0
	}
	if len(candidates) == 0 {
		return scores
	}

	terms := make([]string, 0, len(parsed.Terms))
	for _, t := range parsed.Terms {
		if t.MustNot {
			continue
		}
		if len(t.Phrase) > 0 {
			terms = append(terms, t.Phrase...)
		} else if t.Term != "" {
			terms = append(terms, t.Term)
		}
	}

	k1 := s.def.BM25.K1
	b := s.def.BM25.B
	avgDL := s.avgDocLength
	if avgDL == 0 {
		avgDL = 1
	}

	for _, term := range uniqueStrings(terms) {
		postings := s.postings[term]
		if len(postings) == 0 {
			continue
		}
		df := float64(len(postings))
		idf := math.Log((float64(s.stats.TotalDocs)-df+0.5)/(df+0.5) + 1)

		for _, p := range postings {
			if _, ok := candidates[p.Key]; !ok {
				continue
			}
			tf := p.TermFreq
			dl := float64(s.docLengths[p.Key])
			scores[p.Key] += idf * ((tf * (k1 + 1)) / (tf + k1*(1-b+b*(dl/avgDL))))
		}
	}
	return scores
}

func (s *Searcher) applyFilters(filters []Filter, scores map[string]float64) map[string]float64 {
	if len(filters) == 0 || len(scores) == 0 {
		return scores
	}

	filtered := make(map[string]float64, len(scores))
	for key, score := range scores {
		doc, ok := s.docs[key]
		if !ok {
			continue
		}
		if matchesAllFilters(doc.Fields, filters) {
			filtered[key] = score
		}
	}
	return filtered
}

func matchesAllFilters(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		value, ok := fields[f.Field]
		if !ok {
			return false
		}

		switch f.Op {
		case FilterEquals:
			if !valuesEqual(value, f.Value) {
				return false
			}
		case FilterGT, FilterGTE, FilterLT, FilterLTE, FilterRange:
			num, ok := numericValue(value)
			if !ok || !evaluateNumericFilter(num, f) {
				return false
			}
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if na, ok := numericValue(a); ok {
		if nb, ok := numericValue(b); ok {
			return na == nb
		}
	}
	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		return ok && strings.EqualFold(strings.TrimSpace(va), strings.TrimSpace(vb))
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	case []string:
		vb, ok := b.(string)
		if !ok {
			return false
		}
		for _, entry := range va {
			if strings.EqualFold(strings.TrimSpace(entry), strings.TrimSpace(vb)) {
				return true
			}
		}
		return false
	}
	return false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case numberLiteral:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func evaluateNumericFilter(value float64, filter Filter) bool {
	target, _ := numericValue(filter.Value)
	switch filter.Op {
	case FilterGT:
		return value > target
	case FilterGTE:
		return value >= target
	case FilterLT:
		return value < target
	case FilterLTE:
		return value <= target
	case FilterRange:
		if filter.Min != nil && value < *filter.Min {
			return false
		}
		if filter.Max != nil && value > *filter.Max {
			return false
		}
		return true
	default:
		return false
	}
}

func tokenizeQuery(input string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false

	pushToken := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range input {
		switch {
		case r == '"':
			pushToken()
			inQuotes = !inQuotes
		case unicode.IsSpace(r) && !inQuotes:
			pushToken()
		default:
			current.WriteRune(r)
		}
	}
	pushToken()
	return tokens
}

type numberLiteral string

// parseFilterToken recognizes "field>=n", "field:value" and "field:a-b".
func parseFilterToken(token string) (Filter, bool) {
	for _, op := range []string{">=", "<=", ">", "<"} {
		field, value, found := strings.Cut(token, op)
		if !found {
			continue
		}
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)
		if field == "" || value == "" {
			continue
		}
		var operator FilterOperator
		switch op {
		case ">=":
			operator = FilterGTE
		case "<=":
			operator = FilterLTE
		case ">":
			operator = FilterGT
		case "<":
			operator = FilterLT
		}
		return Filter{Field: field, Op: operator, Value: numberLiteral(value)}, true
	}

	field, value, found := strings.Cut(token, ":")
	if !found || strings.ContainsAny(token, " ") {
		return Filter{}, false
	}
	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)
	if field == "" || value == "" {
		return Filter{}, false
	}

	if lo, hi, isRange := strings.Cut(value, "-"); isRange {
		minVal, minErr := strconv.ParseFloat(lo, 64)
		maxVal, maxErr := strconv.ParseFloat(hi, 64)
		if minErr == nil || maxErr == nil {
			var minPtr, maxPtr *float64
			if minErr == nil {
				minPtr = &minVal
			}
			if maxErr == nil {
				maxPtr = &maxVal
			}
			return Filter{Field: field, Op: FilterRange, Min: minPtr, Max: maxPtr}, true
		}
	}

	if num, err := strconv.ParseFloat(value, 64); err == nil {
		return Filter{Field: field, Op: FilterEquals, Value: num}, true
	}
	return Filter{Field: field, Op: FilterEquals, Value: value}, true
}

// compareKeys orders numeric keys numerically and everything else lexically.
func compareKeys(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
