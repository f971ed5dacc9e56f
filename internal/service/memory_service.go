package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/easeaico/code-pattern-agent/internal/llm"
	"github.com/easeaico/code-pattern-agent/internal/match"
	"github.com/easeaico/code-pattern-agent/internal/memory"
	"github.com/easeaico/code-pattern-agent/internal/tools"
)

const defaultMemoryResults = 5

// fencedBlock matches a Markdown code fence and captures its language tag and body.
var fencedBlock = regexp.MustCompile("(?s)```([A-Za-z0-9_+#-]*)[^\\n]*\\n(.*?)```")

// MemoryServiceConfig holds the dependencies of a MemoryService.
type MemoryServiceConfig struct {
	Store    *memory.PatternStore
	Matcher  *match.Matcher
	Embedder llm.Embedder // Optional; enables vector search and embedded harvests
	Limit    int          // Maximum entries per search
	Logger   *zap.Logger
}

// MemoryService exposes the pattern store to the agent runtime as long-term memory.
type MemoryService struct {
	store    *memory.PatternStore
	matcher  *match.Matcher
	embedder llm.Embedder
	limit    int
	logger   *zap.Logger
}

// NewMemoryService creates a MemoryService.
func NewMemoryService(cfg MemoryServiceConfig) (*MemoryService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("memory service needs a pattern store")
	}
	s := &MemoryService{
		store:    cfg.Store,
		matcher:  cfg.Matcher,
		embedder: cfg.Embedder,
		limit:    cfg.Limit,
		logger:   cfg.Logger,
	}
	if s.matcher == nil {
		s.matcher = match.New()
	}
	if s.limit <= 0 {
		s.limit = defaultMemoryResults
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// AddSession harvests fenced code blocks from the agent's replies into the
// pattern store. Sessions that already saved a pattern through the
// save_pattern tool are skipped, as are snippets the store already holds. A
// pattern whose analysis fails is kept with the complexity it was added with.
func (s *MemoryService) AddSession(ctx context.Context, sess session.Session) error {
	var blocks []memory.Seed
	for event := range sess.Events().All() {
		if event == nil || event.Content == nil {
			continue
		}
		for _, part := range event.Content.Parts {
			if part.FunctionCall != nil && part.FunctionCall.Name == tools.SavePatternName {
				s.logger.Debug("session saved patterns explicitly, skipping harvest",
					zap.String("session", sess.ID()))
				return nil
			}
		}
		if event.Author == "user" {
			continue
		}
		for _, text := range textParts(event.Content) {
			blocks = append(blocks, extractCodeBlocks(text)...)
		}
	}
	if len(blocks) == 0 {
		return nil
	}

	known := make(map[string]bool)
	for p := range s.store.All() {
		known[p.Snippet] = true
	}

	added := 0
	for _, b := range blocks {
		if known[b.Snippet] {
			continue
		}
		known[b.Snippet] = true

		p := memory.CodePattern{Snippet: b.Snippet, Language: b.Language}
		if s.embedder != nil {
			vec, err := s.embedder.Embed(ctx, b.Snippet)
			if err != nil {
				return fmt.Errorf("failed to generate embedding for session: %w", err)
			}
			p.Embedding = vec
		}

		pos, err := s.store.Add(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to save session pattern: %w", err)
		}
		if _, err := s.store.Analyze(ctx, pos); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("failed to analyze session pattern: %w", err)
			}
			s.logger.Warn("harvested pattern kept unanalyzed",
				zap.String("session", sess.ID()),
				zap.Int("position", pos),
				zap.Error(err),
			)
		}
		added++
	}

	s.logger.Info("session harvested",
		zap.String("session", sess.ID()),
		zap.Int("patterns", added),
	)
	return nil
}

// Search returns the stored patterns most relevant to the query.
func (s *MemoryService) Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error) {
	resp := &adkmemory.SearchResponse{Memories: []adkmemory.Entry{}}
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return resp, nil
	}

	patterns, err := s.search(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	for _, p := range patterns {
		content := genai.Text(fmt.Sprintf("Pattern (%s, complexity %.2f):\n%s", p.Language, p.Complexity, p.Snippet))
		if len(content) == 0 {
			continue
		}
		resp.Memories = append(resp.Memories, adkmemory.Entry{
			Content:   content[0],
			Author:    "system",
			Timestamp: p.CreatedAt,
		})
	}
	return resp, nil
}

func (s *MemoryService) search(ctx context.Context, query string) ([]memory.CodePattern, error) {
	if backend := s.store.Backend(); s.embedder != nil && backend != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to generate query embedding: %w", err)
		}
		patterns, err := backend.SearchSimilar(ctx, vec, s.limit)
		if err != nil {
			return nil, fmt.Errorf("failed to search similar patterns: %w", err)
		}
		if len(patterns) > 0 {
			return patterns, nil
		}
	}

	var patterns []memory.CodePattern
	for _, r := range s.matcher.Rank(query, s.store.All()) {
		if len(patterns) == s.limit {
			break
		}
		if r.Relevance == 0 {
			continue
		}
		patterns = append(patterns, r.Pattern)
	}
	return patterns, nil
}

// extractCodeBlocks returns the non-blank fenced code blocks in text.
func extractCodeBlocks(text string) []memory.Seed {
	var seeds []memory.Seed
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		body := strings.TrimRight(m[2], " \t\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		seeds = append(seeds, memory.Seed{Snippet: body, Language: strings.ToLower(m[1])})
	}
	return seeds
}

func textParts(c *genai.Content) []string {
	var texts []string
	for _, part := range c.Parts {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return texts
}

var _ adkmemory.Service = (*MemoryService)(nil)
