package workbench

import (
	"fmt"
	"strings"

	"github.com/easeaico/code-pattern-agent/internal/analysis"
)

// DefaultRefinementPrefix is prepended by HeaderRefiner.
const DefaultRefinementPrefix = "Refined code suggestion:\n"

// Refiner derives a new suggestion from the previous one.
// Implementations must be deterministic.
type Refiner interface {
	Refine(suggestion string) (string, error)
}

// RefinerFunc adapts a function to Refiner.
type RefinerFunc func(string) (string, error)

// Refine implements Refiner.
func (f RefinerFunc) Refine(s string) (string, error) { return f(s) }

// HeaderRefiner prepends a fixed header.
type HeaderRefiner struct {
	Prefix string
}

// NewHeaderRefiner returns a HeaderRefiner using DefaultRefinementPrefix.
func NewHeaderRefiner() HeaderRefiner {
	return HeaderRefiner{Prefix: DefaultRefinementPrefix}
}

// Refine implements Refiner.
func (r HeaderRefiner) Refine(s string) (string, error) {
	return r.Prefix + s, nil
}

// StyleRefiner strips trailing whitespace from every line and, when Annotate
// is set, appends the style score of the cleaned text.
type StyleRefiner struct {
	Evaluator analysis.StyleEvaluator
	Annotate  bool
}

// NewStyleRefiner returns an annotating StyleRefiner backed by the line evaluator.
func NewStyleRefiner() StyleRefiner {
	return StyleRefiner{Evaluator: analysis.NewLineStyleEvaluator(), Annotate: true}
}

// Refine implements Refiner.
func (r StyleRefiner) Refine(s string) (string, error) {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	cleaned := strings.TrimRight(strings.Join(lines, "\n"), "\n")

	if !r.Annotate || r.Evaluator == nil {
		return cleaned, nil
	}
	return fmt.Sprintf("%s\n\nStyle score: %.2f", cleaned, r.Evaluator.Evaluate(cleaned)), nil
}

type chain []Refiner

// Chain applies refiners in order, feeding each the previous output.
func Chain(refiners ...Refiner) Refiner {
	return chain(refiners)
}

func (c chain) Refine(s string) (string, error) {
	for i, r := range c {
		var err error
		if s, err = r.Refine(s); err != nil {
			return "", fmt.Errorf("refiner %d: %w", i, err)
		}
	}
	return s, nil
}
