package analysis

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
)

// grammar pairs a tree-sitter language with the node types that open a new
// independent path through the code.
type grammar struct {
	language  func() *sitter.Language
	decisions map[string]bool
	// logical holds the node types whose "operator" child decides whether
	// the node counts (binary expressions).
	logical map[string]bool
}

var grammars = map[string]grammar{
	"go": {
		language: golang.GetLanguage,
		decisions: set("if_statement", "for_statement", "expression_case",
			"type_case", "communication_case"),
		logical: set("binary_expression"),
	},
	"python": {
		language: python.GetLanguage,
		decisions: set("if_statement", "elif_clause", "for_statement", "while_statement",
			"except_clause", "conditional_expression", "boolean_operator",
			"for_in_clause", "if_clause"),
	},
	"javascript": {
		language: javascript.GetLanguage,
		decisions: set("if_statement", "for_statement", "for_in_statement",
			"while_statement", "do_statement", "switch_case", "catch_clause",
			"ternary_expression"),
		logical: set("binary_expression"),
	},
	"rust": {
		language: rust.GetLanguage,
		decisions: set("if_expression", "for_expression", "while_expression",
			"loop_expression", "match_arm", "try_expression"),
		logical: set("binary_expression"),
	},
}

var languageAliases = map[string]string{
	"go": "go", "golang": "go",
	"python": "python", "py": "python",
	"javascript": "javascript", "js": "javascript", "node": "javascript",
	"rust": "rust", "rs": "rust",
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// TreeSitterAnalyzer counts decision nodes in a real syntax tree for the
// languages it has grammars for, and defers to Fallback for everything else,
// including snippets that do not parse cleanly.
type TreeSitterAnalyzer struct {
	Factor   float64
	Fallback Analyzer
}

// NewTreeSitterAnalyzer returns an analyzer with a KeywordAnalyzer fallback.
func NewTreeSitterAnalyzer(factor float64) *TreeSitterAnalyzer {
	return &TreeSitterAnalyzer{
		Factor:   factor,
		Fallback: NewKeywordAnalyzer(factor),
	}
}

// Supports reports whether language has a grammar.
func (a *TreeSitterAnalyzer) Supports(language string) bool {
	_, ok := languageAliases[strings.ToLower(strings.TrimSpace(language))]
	return ok
}

// Measure implements Analyzer.
func (a *TreeSitterAnalyzer) Measure(ctx context.Context, snippet, language string) (float64, error) {
	name, ok := languageAliases[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return a.Fallback.Measure(ctx, snippet, language)
	}

	points, err := a.decisionPoints(ctx, grammars[name], []byte(snippet))
	if err != nil {
		return a.Fallback.Measure(ctx, snippet, language)
	}
	return a.Factor * float64(1+points), nil
}

// decisionPoints parses content with a fresh parser; parsers are not safe for
// concurrent use and AnalyzeAll measures in parallel.
func (a *TreeSitterAnalyzer) decisionPoints(ctx context.Context, g grammar, content []byte) (int, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.language())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return 0, fmt.Errorf("failed to parse snippet: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return 0, fmt.Errorf("snippet has syntax errors")
	}

	count := 0
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		typ := n.Type()
		switch {
		case g.decisions[typ]:
			count++
		case g.logical[typ]:
			if op := n.ChildByFieldName("operator"); op != nil {
				if t := op.Type(); t == "&&" || t == "||" {
					count++
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return count, nil
}

var _ Analyzer = (*TreeSitterAnalyzer)(nil)
