package analysis

import (
	"strings"
	"unicode/utf8"
)

// StyleEvaluator scores how well code follows basic layout conventions.
// Scores are in [0, 1]; higher is better.
type StyleEvaluator interface {
	Evaluate(code string) float64
}

// LineStyleEvaluator is a language-agnostic StyleEvaluator. The score is the
// mean of four checks: line length, trailing whitespace, indentation
// consistency and bracket balance.
type LineStyleEvaluator struct {
	MaxLineLength int
}

// NewLineStyleEvaluator returns an evaluator with a 100 column limit.
func NewLineStyleEvaluator() LineStyleEvaluator {
	return LineStyleEvaluator{MaxLineLength: 100}
}

// Evaluate implements StyleEvaluator. Empty code scores 0.
func (e LineStyleEvaluator) Evaluate(code string) float64 {
	if strings.TrimSpace(code) == "" {
		return 0
	}
	maxLen := e.MaxLineLength
	if maxLen <= 0 {
		maxLen = 100
	}

	lines := strings.Split(strings.TrimRight(code, "\n"), "\n")
	var shortLines, cleanLines, tabIndented, spaceIndented int
	for _, line := range lines {
		if utf8.RuneCountInString(line) <= maxLen {
			shortLines++
		}
		if strings.TrimRight(line, " \t") == line {
			cleanLines++
		}
		switch {
		case strings.HasPrefix(line, "\t"):
			tabIndented++
		case strings.HasPrefix(line, " "):
			spaceIndented++
		}
	}

	total := float64(len(lines))
	indent := 1.0
	if tabIndented > 0 && spaceIndented > 0 {
		indent = float64(max(tabIndented, spaceIndented)) / float64(tabIndented+spaceIndented)
	}
	balance := 0.0
	if bracketsBalanced(code) {
		balance = 1.0
	}

	return (float64(shortLines)/total + float64(cleanLines)/total + indent + balance) / 4
}

func bracketsBalanced(code string) bool {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	for _, r := range code {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

var _ StyleEvaluator = LineStyleEvaluator{}
