package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
// Vector similarity search is performed in application memory using cosine similarity.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore connected to the given database path.
// The path should be a file path (e.g., "./patterns.db") or ":memory:" for an in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// :memory: databases are per-connection; pin the pool to one connection
	// so the schema and the data stay visible.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// InitSchema creates the necessary tables if they don't exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS code_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signature TEXT NOT NULL,
			snippet TEXT NOT NULL,
			language TEXT NOT NULL,
			complexity REAL NOT NULL DEFAULT 0,
			embedding BLOB,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_patterns_language ON code_patterns(language);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// LoadPatterns retrieves all patterns ordered by insertion.
func (s *SQLiteStore) LoadPatterns(ctx context.Context) ([]CodePattern, error) {
	query := `
		SELECT id, snippet, language, complexity, embedding, created_at
		FROM code_patterns
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []CodePattern
	for rows.Next() {
		p, _, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patterns: %w", err)
	}
	return patterns, nil
}

// SavePattern stores a new pattern in the code_patterns table.
func (s *SQLiteStore) SavePattern(ctx context.Context, p CodePattern) (int64, error) {
	query := `
		INSERT INTO code_patterns (signature, snippet, language, complexity, embedding)
		VALUES (?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query, signature(p.Snippet), p.Snippet, p.Language, p.Complexity, encodeVector(p.Embedding))
	if err != nil {
		return 0, fmt.Errorf("failed to save pattern: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read pattern id: %w", err)
	}
	return id, nil
}

// UpdateComplexity records a recomputed complexity.
func (s *SQLiteStore) UpdateComplexity(ctx context.Context, id int64, complexity float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE code_patterns SET complexity = ? WHERE id = ?`, complexity, id)
	if err != nil {
		return fmt.Errorf("failed to update complexity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update complexity: %w", ErrPatternNotFound)
	}
	return nil
}

// patternWithScore is an internal type for sorting patterns by similarity score.
type patternWithScore struct {
	CodePattern
	score float32
}

// SearchSimilar finds patterns similar to the query vector using cosine similarity.
// Unlike PostgreSQL with pgvector, this loads all embeddings into memory and
// computes similarity in the application layer, which suits smaller stores.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, queryVector []float32, limit int) ([]CodePattern, error) {
	query := `
		SELECT id, snippet, language, complexity, embedding, created_at
		FROM code_patterns
		WHERE embedding IS NOT NULL
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var results []patternWithScore
	for rows.Next() {
		p, stored, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 && len(stored) == len(queryVector) {
			results = append(results, patternWithScore{
				CodePattern: p,
				score:       cosineSimilarity(queryVector, stored),
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patterns: %w", err)
	}

	// Stable so equal scores keep insertion order.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	topK := min(limit, len(results))
	patterns := make([]CodePattern, topK)
	for i := range topK {
		patterns[i] = results[i].CodePattern
	}
	return patterns, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanPattern(rows *sql.Rows) (CodePattern, []float32, error) {
	var p CodePattern
	var embeddingBlob []byte
	var createdAt string
	if err := rows.Scan(&p.ID, &p.Snippet, &p.Language, &p.Complexity, &embeddingBlob, &createdAt); err != nil {
		return CodePattern{}, nil, fmt.Errorf("failed to scan pattern: %w", err)
	}
	p.CreatedAt, _ = parseTimestamp(createdAt)
	p.Embedding = decodeVector(embeddingBlob)
	return p, p.Embedding, nil
}

// encodeVector converts a float32 slice to little-endian bytes for storage.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts little-endian bytes back to a float32 slice.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity calculates the cosine similarity between two vectors.
// The result is in range [-1, 1]; mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// parseTimestamp parses a SQLite timestamp string to time.Time.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02T15:04:05.000",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

var _ Store = (*SQLiteStore)(nil)
