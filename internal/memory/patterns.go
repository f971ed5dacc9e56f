package memory

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/code-pattern-agent/internal/analysis"
)

// DefaultPatternLimit caps how many patterns a PatternStore holds.
const DefaultPatternLimit = 10000

// PatternStore owns the ordered collection of known code patterns.
// Reads may run concurrently; Add and Analyze take the write lock.
// Positions are 0-based insertion indexes and never change.
type PatternStore struct {
	mu       sync.RWMutex
	patterns []CodePattern

	limit    int
	workers  int
	analyzer analysis.Analyzer
	backend  Store
	logger   *zap.Logger
}

// Option configures a PatternStore.
type Option func(*PatternStore)

// WithLimit sets the maximum number of patterns.
func WithLimit(n int) Option {
	return func(s *PatternStore) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithAnalyzer sets the complexity analyzer used by Analyze and AnalyzeAll.
func WithAnalyzer(a analysis.Analyzer) Option {
	return func(s *PatternStore) {
		if a != nil {
			s.analyzer = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *PatternStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAnalyzeWorkers bounds the parallelism of AnalyzeAll.
func WithAnalyzeWorkers(n int) Option {
	return func(s *PatternStore) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewPatternStore creates an empty, purely in-memory store.
func NewPatternStore(opts ...Option) *PatternStore {
	s := &PatternStore{
		limit:    DefaultPatternLimit,
		workers:  4,
		analyzer: analysis.NewKeywordAnalyzer(analysis.DefaultComplexityFactor),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store backed by a durable Store and restores the patterns it
// already holds. Restored patterns are not written back.
func Open(ctx context.Context, backend Store, opts ...Option) (*PatternStore, error) {
	s := NewPatternStore(opts...)
	s.backend = backend

	patterns, err := backend.LoadPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore patterns: %w", err)
	}
	if len(patterns) > s.limit {
		return nil, fmt.Errorf("failed to restore %d patterns: %w", len(patterns), ErrResourceExhausted)
	}
	s.patterns = patterns

	s.logger.Info("pattern store restored", zap.Int("patterns", len(patterns)))
	return s, nil
}

// Add appends a pattern and returns its position. When a backend is set the
// pattern is persisted first; on any failure nothing is appended.
func (s *PatternStore) Add(ctx context.Context, p CodePattern) (int, error) {
	if strings.TrimSpace(p.Snippet) == "" {
		return 0, fmt.Errorf("%w: snippet is empty", ErrInvalidPattern)
	}
	if p.Complexity < 0 || math.IsNaN(p.Complexity) || math.IsInf(p.Complexity, 0) {
		return 0, fmt.Errorf("%w: complexity %v", ErrInvalidPattern, p.Complexity)
	}
	p.Language = strings.TrimSpace(p.Language)
	if p.Language == "" {
		p.Language = "generic"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Embedding = slices.Clone(p.Embedding)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.patterns) >= s.limit {
		return 0, fmt.Errorf("failed to add pattern (limit %d): %w", s.limit, ErrResourceExhausted)
	}

	if s.backend != nil {
		id, err := s.backend.SavePattern(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("failed to persist pattern: %w", err)
		}
		p.ID = id
	} else {
		p.ID = int64(len(s.patterns) + 1)
	}

	s.patterns = append(s.patterns, p)
	return len(s.patterns) - 1, nil
}

// Analyze recomputes the complexity of the pattern at position by adding the
// analyzer's measurement to it. Every call adds again; callers decide when
// to run it.
func (s *PatternStore) Analyze(ctx context.Context, position int) (float64, error) {
	p, err := s.Get(position)
	if err != nil {
		return 0, err
	}

	delta, err := s.measure(ctx, p)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, position, delta)
}

// AnalyzeAll analyzes every pattern currently in the store. Measurements run
// in parallel; results are applied in insertion order under the write lock.
func (s *PatternStore) AnalyzeAll(ctx context.Context) error {
	snapshot := s.snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	deltas := make([]float64, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, p := range snapshot {
		g.Go(func() error {
			d, err := s.measure(gctx, p)
			if err != nil {
				return fmt.Errorf("pattern %d: %w", p.ID, err)
			}
			deltas[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to analyze patterns: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range deltas {
		if _, err := s.applyLocked(ctx, i, d); err != nil {
			return err
		}
	}

	s.logger.Debug("patterns analyzed", zap.Int("patterns", len(deltas)))
	return nil
}

func (s *PatternStore) measure(ctx context.Context, p CodePattern) (float64, error) {
	delta, err := s.analyzer.Measure(ctx, p.Snippet, p.Language)
	if err != nil {
		return 0, fmt.Errorf("failed to measure complexity: %w", err)
	}
	if delta < 0 || math.IsNaN(delta) {
		delta = 0
	}
	return delta, nil
}

// applyLocked adds delta to the pattern at position. Caller holds s.mu.
func (s *PatternStore) applyLocked(ctx context.Context, position int, delta float64) (float64, error) {
	p := &s.patterns[position]
	updated := p.Complexity + delta

	if s.backend != nil {
		if err := s.backend.UpdateComplexity(ctx, p.ID, updated); err != nil {
			return p.Complexity, fmt.Errorf("failed to persist complexity: %w", err)
		}
	}
	p.Complexity = updated
	return updated, nil
}

// Seed bulk-loads patterns. It stops at the first failure and reports how many
// seeds were added before it.
func (s *PatternStore) Seed(ctx context.Context, seeds iter.Seq[Seed]) (int, error) {
	added := 0
	for seed := range seeds {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		_, err := s.Add(ctx, CodePattern{
			Snippet:    seed.Snippet,
			Language:   seed.Language,
			Complexity: seed.Complexity,
		})
		if err != nil {
			return added, fmt.Errorf("failed to seed pattern %d: %w", added+1, err)
		}
		added++
	}

	s.logger.Info("patterns seeded", zap.Int("added", added))
	return added, nil
}

// All returns the stored patterns in insertion order. Nothing is read until
// the sequence is ranged over, and each range sees a fresh snapshot.
func (s *PatternStore) All() iter.Seq[CodePattern] {
	return func(yield func(CodePattern) bool) {
		for _, p := range s.snapshot() {
			if !yield(p) {
				return
			}
		}
	}
}

// Get returns a copy of the pattern at position.
func (s *PatternStore) Get(position int) (CodePattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if position < 0 || position >= len(s.patterns) {
		return CodePattern{}, fmt.Errorf("position %d: %w", position, ErrPatternNotFound)
	}
	return clonePattern(s.patterns[position]), nil
}

// Len returns the number of stored patterns.
func (s *PatternStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Backend returns the durable store, or nil for a purely in-memory store.
func (s *PatternStore) Backend() Store {
	return s.backend
}

func (s *PatternStore) snapshot() []CodePattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CodePattern, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = clonePattern(p)
	}
	return out
}

func clonePattern(p CodePattern) CodePattern {
	p.Embedding = slices.Clone(p.Embedding)
	return p
}
