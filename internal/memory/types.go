// Package memory provides the code pattern memory: the in-process PatternStore
// and the durable backends it writes through to.
package memory

import (
	"errors"
	"strings"
	"time"
)

// CodePattern is a reusable code snippet tagged with its language.
// Only Complexity changes after creation, and only through analysis.
type CodePattern struct {
	ID         int64
	Snippet    string
	Language   string
	Complexity float64
	Embedding  []float32
	CreatedAt  time.Time
}

// Seed is one entry of a bulk load.
type Seed struct {
	Snippet    string  `yaml:"snippet"`
	Language   string  `yaml:"language"`
	Complexity float64 `yaml:"complexity,omitempty"`
}

var (
	// ErrResourceExhausted is returned when the store has reached its pattern limit.
	ErrResourceExhausted = errors.New("pattern store is full")

	// ErrPatternNotFound is returned for a position outside the store.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrInvalidPattern is returned for an empty snippet or a negative complexity.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// signatureLength is the number of runes kept in a pattern signature.
const signatureLength = 50

// signature derives a short display key from the first non-blank line of a
// snippet, truncated by runes so multi-byte characters are never split.
func signature(snippet string) string {
	line := snippet
	for _, l := range strings.Split(snippet, "\n") {
		if trimmed := strings.TrimSpace(l); trimmed != "" {
			line = trimmed
			break
		}
	}
	runes := []rune(line)
	if len(runes) > signatureLength {
		return string(runes[:signatureLength])
	}
	return line
}
