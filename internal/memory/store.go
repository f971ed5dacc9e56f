package memory

import "context"

// Store defines the contract for durable pattern persistence.
// PatternStore writes through to a Store so a restart can restore its contents.
type Store interface {
	// LoadPatterns returns every persisted pattern in insertion order.
	LoadPatterns(ctx context.Context) ([]CodePattern, error)

	// SavePattern persists a new pattern and returns its assigned ID.
	SavePattern(ctx context.Context, p CodePattern) (int64, error)

	// UpdateComplexity records a recomputed complexity for a persisted pattern.
	UpdateComplexity(ctx context.Context, id int64, complexity float64) error

	// SearchSimilar performs a vector similarity search over pattern embeddings.
	// Patterns without an embedding are never returned.
	SearchSimilar(ctx context.Context, queryVector []float32, limit int) ([]CodePattern, error)

	// Close releases any resources held by the store.
	Close() error
}
