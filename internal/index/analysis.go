package index

import (
	"strings"
	"unicode"
)

// Token is a normalized term and its position within the analyzed text.
type Token struct {
	Term     string
	Position int
}

// Tokenizer turns field text into index terms.
type Tokenizer interface {
	Tokenize(text string) []Token
}

var englishStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "if", "in", "into",
	"is", "it", "no", "not", "of", "on", "or", "such", "that", "the", "their", "then",
	"there", "these", "they", "this", "to", "was", "will", "with",
}

// TokenizerFor resolves a configured tokenizer name. "standard_en" drops
// English stopwords; any other name keeps every term.
func TokenizerFor(name string) Tokenizer {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "standard_en", "english":
		return NewSimpleTokenizer(englishStopwords)
	default:
		return NewSimpleTokenizer(nil)
	}
}

// SimpleTokenizer lowercases input, splits on anything that is not a letter
// or digit and drops stopwords. Positions count dropped stopwords so phrase
// matching stays aligned with the source text.
type SimpleTokenizer struct {
	stopwords map[string]struct{}
}

func NewSimpleTokenizer(stopwords []string) *SimpleTokenizer {
	set := make(map[string]struct{}, len(stopwords))
	for _, word := range stopwords {
		set[strings.ToLower(strings.TrimSpace(word))] = struct{}{}
	}
	return &SimpleTokenizer{stopwords: set}
}

func (t *SimpleTokenizer) Tokenize(text string) []Token {
	terms := splitTerms(text)

	tokens := make([]Token, 0, len(terms))
	for idx, term := range terms {
		if _, blocked := t.stopwords[term]; blocked {
			continue
		}
		tokens = append(tokens, Token{Term: term, Position: idx})
	}
	return tokens
}

func splitTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
