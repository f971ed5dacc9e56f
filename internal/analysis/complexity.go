package analysis

import (
	"context"
	"strings"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

// DefaultComplexityFactor is the weight of a single independent path.
const DefaultComplexityFactor = 1.0

// Analyzer measures how much complexity a snippet contributes.
// Measure must be a pure function of its inputs and never return a negative value.
type Analyzer interface {
	Measure(ctx context.Context, snippet, language string) (float64, error)
}

// decisionWords are the branch keywords counted by KeywordAnalyzer, across the
// common C-family, Python, Ruby and ML-style languages.
var decisionWords = []string{
	"if", "elif", "elsif", "for", "foreach", "while", "until", "case",
	"catch", "except", "when", "unless", "guard",
}

// decisionOperators are short-circuit and ternary operators counted on raw text.
var decisionOperators = []string{"&&", "||", "?"}

// KeywordAnalyzer approximates cyclomatic complexity without parsing:
// Factor × (1 + decision keywords + decision operators).
type KeywordAnalyzer struct {
	Factor    float64
	tokenizer Tokenizer
	words     aho.AhoCorasick
	operators aho.AhoCorasick
}

// NewKeywordAnalyzer builds the keyword and operator automata once.
func NewKeywordAnalyzer(factor float64) *KeywordAnalyzer {
	builder := aho.NewAhoCorasickBuilder(aho.Opts{
		DFA: true,
	})

	padded := make([]string, len(decisionWords))
	for i, w := range decisionWords {
		padded[i] = " " + w + " "
	}

	return &KeywordAnalyzer{
		Factor:    factor,
		tokenizer: WordTokenizer{MinLength: 2},
		words:     builder.Build(padded),
		operators: builder.Build(decisionOperators),
	}
}

// Measure implements Analyzer.
func (a *KeywordAnalyzer) Measure(ctx context.Context, snippet, _ string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.Factor * float64(1+a.DecisionPoints(snippet)), nil
}

// DecisionPoints counts branch keywords and short-circuit operators in snippet.
func (a *KeywordAnalyzer) DecisionPoints(snippet string) int {
	if strings.TrimSpace(snippet) == "" {
		return 0
	}

	// Tokens are joined with single spaces and padded so every keyword pattern
	// is anchored on whole-token boundaries. Overlapping iteration is needed
	// because adjacent keywords share the separating space.
	stream := " " + strings.Join(a.tokenizer.Tokenize(snippet), " ") + " "
	count := 0
	iter := a.words.IterOverlappingByte([]byte(stream))
	for next := iter.Next(); next != nil; next = iter.Next() {
		count++
	}

	count += len(a.operators.FindAll(snippet))
	return count
}

var _ Analyzer = (*KeywordAnalyzer)(nil)
