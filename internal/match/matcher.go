// Package match ranks stored code patterns against a free-text request.
//
// Scoring is lexical and deterministic. For a request with terms T and a
// pattern with snippet tokens S:
//
//	relevance  = (exact + 0.5*partial) / |T|
//	language   = 1 if some term equals the pattern language, else 0
//	penalty    = c / (1 + c)            c = pattern complexity
//	simplicity = 1.0 if |T| <= SimpleRequestTerms, else 0.5
//	score      = Lexical*relevance + Language*language - Complexity*simplicity*penalty
//
// exact counts terms found in S. partial counts the remaining terms of three
// or more runes that occur inside the lowercased snippet. Results are sorted
// by non-increasing score; equal scores keep insertion order.
package match

import (
	"iter"
	"sort"
	"strings"

	aho "github.com/petar-dambovaliev/aho-corasick"
	"go.uber.org/zap"

	"github.com/easeaico/code-pattern-agent/internal/analysis"
	"github.com/easeaico/code-pattern-agent/internal/memory"
)

// DefaultSimpleRequestTerms is the largest request, in terms, still treated as simple.
const DefaultSimpleRequestTerms = 6

// minPartialLength is the shortest term eligible for a substring hit.
const minPartialLength = 3

// Weights are the coefficients of the scoring formula.
type Weights struct {
	Lexical    float64 `yaml:"lexical" validate:"gte=0"`
	Language   float64 `yaml:"language" validate:"gte=0"`
	Complexity float64 `yaml:"complexity" validate:"gte=0"`
}

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{Lexical: 1.0, Language: 0.25, Complexity: 0.2}
}

// Result is one ranked pattern.
type Result struct {
	Pattern   memory.CodePattern
	Position  int
	Score     float64
	Relevance float64
}

// Matcher scores and ranks patterns. It holds no per-request state and is
// safe for concurrent use.
type Matcher struct {
	weights     Weights
	simpleTerms int
	tokenizer   analysis.Tokenizer
	logger      *zap.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithWeights overrides the scoring weights.
func WithWeights(w Weights) Option {
	return func(m *Matcher) { m.weights = w }
}

// WithSimpleRequestTerms sets the simple-request threshold.
func WithSimpleRequestTerms(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.simpleTerms = n
		}
	}
}

// WithTokenizer replaces the default word tokenizer.
func WithTokenizer(t analysis.Tokenizer) Option {
	return func(m *Matcher) {
		if t != nil {
			m.tokenizer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		weights:     DefaultWeights(),
		simpleTerms: DefaultSimpleRequestTerms,
		tokenizer:   analysis.NewWordTokenizer(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Terms returns the normalized terms of request as Rank sees them.
func (m *Matcher) Terms(request string) []string {
	return analysis.Terms(m.tokenizer, request)
}

// Rank scores every pattern against request and returns them best first.
// An empty sequence yields an empty result.
func (m *Matcher) Rank(request string, patterns iter.Seq[memory.CodePattern]) []Result {
	q := m.newQuery(request)

	var results []Result
	position := 0
	for p := range patterns {
		relevance, score := m.score(q, p)
		results = append(results, Result{
			Pattern:   p,
			Position:  position,
			Score:     score,
			Relevance: relevance,
		})
		position++
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > 0 {
		m.logger.Debug("patterns ranked",
			zap.Int("patterns", len(results)),
			zap.Int("terms", len(q.terms)),
			zap.Int64("pattern", results[0].Pattern.ID),
			zap.Float64("score", results[0].Score),
		)
	}
	return results
}

// query is a request prepared for scoring many patterns.
type query struct {
	terms      []string
	simplicity float64

	// partial holds the indexes into terms eligible for substring hits,
	// and automaton scans for exactly those terms in the same order.
	partial   []int
	automaton *aho.AhoCorasick
}

func (m *Matcher) newQuery(request string) query {
	q := query{terms: m.Terms(request), simplicity: 1.0}
	if len(q.terms) > m.simpleTerms {
		q.simplicity = 0.5
	}

	var keywords []string
	for i, t := range q.terms {
		if len([]rune(t)) >= minPartialLength {
			q.partial = append(q.partial, i)
			keywords = append(keywords, t)
		}
	}
	if len(keywords) > 0 {
		builder := aho.NewAhoCorasickBuilder(aho.Opts{
			DFA: true,
		})
		automaton := builder.Build(keywords)
		q.automaton = &automaton
	}
	return q
}

func (m *Matcher) score(q query, p memory.CodePattern) (relevance, score float64) {
	if len(q.terms) > 0 {
		tokens := make(map[string]bool)
		for _, tok := range m.tokenizer.Tokenize(p.Snippet) {
			tokens[tok] = true
		}

		exact := make([]bool, len(q.terms))
		nExact := 0
		for i, t := range q.terms {
			if tokens[t] {
				exact[i] = true
				nExact++
			}
		}

		nPartial := 0
		if q.automaton != nil {
			hit := make(map[int]bool)
			it := q.automaton.IterOverlappingByte([]byte(strings.ToLower(p.Snippet)))
			for next := it.Next(); next != nil; next = it.Next() {
				hit[next.Pattern()] = true
			}
			for k, i := range q.partial {
				if !exact[i] && hit[k] {
					nPartial++
				}
			}
		}

		relevance = (float64(nExact) + 0.5*float64(nPartial)) / float64(len(q.terms))
	}

	language := 0.0
	lang := strings.ToLower(p.Language)
	for _, t := range q.terms {
		if t == lang {
			language = 1
			break
		}
	}

	c := max(p.Complexity, 0)
	penalty := c / (1 + c)

	score = m.weights.Lexical*relevance +
		m.weights.Language*language -
		m.weights.Complexity*q.simplicity*penalty
	return relevance, score
}
