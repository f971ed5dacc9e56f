// Package analysis provides the text and code measurements the pattern engine
// relies on: tokenization, complexity analysis and style evaluation.
// Every measurement sits behind a small interface so callers can substitute
// their own implementation.
package analysis

import (
	"regexp"
	"strings"
	"unicode"
)

// Tokenizer splits text into normalized terms.
type Tokenizer interface {
	Tokenize(text string) []string
}

// separatorRe splits on anything that is not a letter or a digit.
var separatorRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// WordTokenizer is the default Tokenizer. It splits on non-alphanumeric runs,
// splits camelCase, lowercases, and drops terms shorter than MinLength runes.
type WordTokenizer struct {
	MinLength int
}

// NewWordTokenizer returns a WordTokenizer that keeps terms of 2+ runes.
func NewWordTokenizer() WordTokenizer {
	return WordTokenizer{MinLength: 2}
}

// Tokenize implements Tokenizer.
func (t WordTokenizer) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	minLen := t.MinLength
	if minLen <= 0 {
		minLen = 1
	}

	var tokens []string
	for _, part := range separatorRe.Split(text, -1) {
		if part == "" {
			continue
		}
		for _, tok := range splitCamelCase(part) {
			tok = strings.ToLower(tok)
			if len([]rune(tok)) >= minLen {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

// splitCamelCase splits on lower→upper, letter↔digit and ACRONYMWord boundaries.
//
//	"bubbleSort"   -> ["bubble", "Sort"]
//	"HTTPServer"   -> ["HTTP", "Server"]
//	"sha256Digest" -> ["sha", "256", "Digest"]
func splitCamelCase(s string) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}

	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		split := false
		switch {
		case unicode.IsLower(prev) && unicode.IsUpper(cur):
			split = true
		case unicode.IsLetter(prev) && unicode.IsDigit(cur):
			split = true
		case unicode.IsDigit(prev) && unicode.IsLetter(cur):
			split = true
		case unicode.IsUpper(prev) && unicode.IsUpper(cur):
			if i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
				split = true
			}
		}
		if split {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	return append(parts, string(runes[start:]))
}

// stopWords are dropped from requests before matching.
var stopWords = map[string]bool{
	"an": true, "the": true, "to": true, "of": true, "for": true, "and": true,
	"in": true, "on": true, "with": true, "that": true, "this": true, "is": true,
	"it": true, "me": true, "my": true, "please": true, "some": true, "by": true,
}

// Terms tokenizes text, drops stop words and removes duplicates while keeping
// first-seen order.
func Terms(t Tokenizer, text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range t.Tokenize(text) {
		if stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	return terms
}
