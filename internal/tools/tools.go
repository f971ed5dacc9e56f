// Package tools defines ADK tool declarations for the code pattern agent.
// These tools are the agent's procedural memory: they let it look up and
// record reusable code patterns and read the project it is working on.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/easeaico/code-pattern-agent/internal/llm"
	"github.com/easeaico/code-pattern-agent/internal/match"
	"github.com/easeaico/code-pattern-agent/internal/memory"
)

// Tool names.
const (
	SearchPatternsName = "search_patterns"
	SavePatternName    = "save_pattern"
	ReadFileName       = "read_file_content"
	ListDirectoryName  = "list_directory"
)

const (
	// maxFileBytes caps the content returned by read_file_content.
	maxFileBytes = 10000

	defaultSearchLimit = 3
	maxSearchLimit     = 20
)

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Store    *memory.PatternStore
	Matcher  *match.Matcher
	Embedder llm.Embedder // Optional; enables vector search when the store has a backend
	WorkDir  string
	Logger   *zap.Logger
}

// --- Tool Input/Output Structs ---

// SearchPatternsArgs is the input for search_patterns tool.
type SearchPatternsArgs struct {
	Query string `json:"query" jsonschema:"What the code should do, e.g. 'sort a slice of ints'"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of patterns to return (default 3)"`
}

// PatternHit is one search result.
type PatternHit struct {
	ID         int64   `json:"id"`
	Language   string  `json:"language"`
	Complexity float64 `json:"complexity"`
	Score      float64 `json:"score,omitempty"`
	Snippet    string  `json:"snippet"`
}

// SearchPatternsResult is the output for search_patterns tool.
type SearchPatternsResult struct {
	Success bool         `json:"success"`
	Data    []PatternHit `json:"data,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// SavePatternArgs is the input for save_pattern tool.
type SavePatternArgs struct {
	Snippet  string `json:"snippet" jsonschema:"The reusable code snippet"`
	Language string `json:"language,omitempty" jsonschema:"Language tag such as go or python (default generic)"`
}

// SavePatternResult is the output for save_pattern tool.
type SavePatternResult struct {
	Success    bool    `json:"success"`
	ID         int64   `json:"id,omitempty"`
	Complexity float64 `json:"complexity,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ReadFileArgs is the input for read_file_content tool.
type ReadFileArgs struct {
	Filepath  string `json:"filepath" jsonschema:"Path of the file to read, relative to the workspace"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"First line to return (1-based, optional)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"Last line to return (inclusive, optional)"`
}

// ReadFileResult is the output for read_file_content tool.
type ReadFileResult struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ListDirectoryArgs is the input for list_directory tool.
type ListDirectoryArgs struct {
	Path string `json:"path" jsonschema:"Directory to list, relative to the workspace"`
}

// DirEntry is one list_directory item.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// ListDirectoryResult is the output for list_directory tool.
type ListDirectoryResult struct {
	Success bool       `json:"success"`
	Data    []DirEntry `json:"data,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// --- Tool Handlers ---

// handlers carries the dependencies shared by every tool. Handlers take a
// plain context so they can be exercised without an agent runtime.
type handlers struct {
	cfg ToolsConfig
}

func newHandlers(cfg ToolsConfig) *handlers {
	if cfg.Matcher == nil {
		cfg.Matcher = match.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &handlers{cfg: cfg}
}

func (h *handlers) searchPatterns(ctx context.Context, args SearchPatternsArgs) SearchPatternsResult {
	if strings.TrimSpace(args.Query) == "" {
		return SearchPatternsResult{Success: false, Error: "query is required"}
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	var hits []PatternHit
	if backend := h.cfg.Store.Backend(); h.cfg.Embedder != nil && backend != nil {
		vec, err := h.cfg.Embedder.Embed(ctx, args.Query)
		if err != nil {
			return SearchPatternsResult{Success: false, Error: fmt.Sprintf("failed to generate embedding: %v", err)}
		}
		patterns, err := backend.SearchSimilar(ctx, vec, limit)
		if err != nil {
			return SearchPatternsResult{Success: false, Error: fmt.Sprintf("failed to search patterns: %v", err)}
		}
		for _, p := range patterns {
			hits = append(hits, PatternHit{ID: p.ID, Language: p.Language, Complexity: p.Complexity, Snippet: p.Snippet})
		}
	}

	// Lexical ranking covers stores without embeddings.
	if len(hits) == 0 {
		for _, r := range h.cfg.Matcher.Rank(args.Query, h.cfg.Store.All()) {
			if len(hits) == limit {
				break
			}
			if r.Relevance == 0 {
				continue
			}
			hits = append(hits, PatternHit{
				ID:         r.Pattern.ID,
				Language:   r.Pattern.Language,
				Complexity: r.Pattern.Complexity,
				Score:      r.Score,
				Snippet:    r.Pattern.Snippet,
			})
		}
	}

	if len(hits) == 0 {
		return SearchPatternsResult{Success: true, Message: "No stored pattern matches this query."}
	}
	return SearchPatternsResult{Success: true, Data: hits}
}

func (h *handlers) savePattern(ctx context.Context, args SavePatternArgs) SavePatternResult {
	if strings.TrimSpace(args.Snippet) == "" {
		return SavePatternResult{Success: false, Error: "snippet is required"}
	}

	p := memory.CodePattern{Snippet: args.Snippet, Language: args.Language}
	if h.cfg.Embedder != nil {
		vec, err := h.cfg.Embedder.Embed(ctx, args.Snippet)
		if err != nil {
			return SavePatternResult{Success: false, Error: fmt.Sprintf("failed to generate embedding: %v", err)}
		}
		p.Embedding = vec
	}

	pos, err := h.cfg.Store.Add(ctx, p)
	if err != nil {
		return SavePatternResult{Success: false, Error: fmt.Sprintf("failed to save pattern: %v", err)}
	}
	complexity, err := h.cfg.Store.Analyze(ctx, pos)
	if err != nil {
		return SavePatternResult{Success: false, Error: fmt.Sprintf("failed to analyze pattern: %v", err)}
	}
	saved, err := h.cfg.Store.Get(pos)
	if err != nil {
		return SavePatternResult{Success: false, Error: err.Error()}
	}

	h.cfg.Logger.Info("pattern saved by agent",
		zap.Int64("pattern", saved.ID),
		zap.String("language", saved.Language),
		zap.Float64("complexity", complexity),
	)
	return SavePatternResult{Success: true, ID: saved.ID, Complexity: complexity}
}

func (h *handlers) readFile(args ReadFileArgs) ReadFileResult {
	if args.Filepath == "" {
		return ReadFileResult{Success: false, Error: "filepath is required"}
	}

	absPath, err := resolveInWorkDir(h.cfg.WorkDir, args.Filepath)
	if err != nil {
		return ReadFileResult{Success: false, Error: err.Error()}
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return ReadFileResult{Success: false, Error: fmt.Sprintf("failed to read file: %v", err)}
	}

	text := string(content)
	if args.StartLine > 0 || args.EndLine > 0 {
		text, err = lineRange(text, args.StartLine, args.EndLine)
		if err != nil {
			return ReadFileResult{Success: false, Error: err.Error()}
		}
	}

	if len(text) > maxFileBytes {
		text = truncateString(text, maxFileBytes) + "\n... (truncated)"
	}
	return ReadFileResult{Success: true, Data: text}
}

func (h *handlers) listDirectory(args ListDirectoryArgs) ListDirectoryResult {
	dirPath := args.Path
	if dirPath == "" {
		dirPath = "."
	}

	absPath, err := resolveInWorkDir(h.cfg.WorkDir, dirPath)
	if err != nil {
		return ListDirectoryResult{Success: false, Error: err.Error()}
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return ListDirectoryResult{Success: false, Error: fmt.Sprintf("failed to read directory: %v", err)}
	}

	items := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		item := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	return ListDirectoryResult{Success: true, Data: items}
}

// resolveInWorkDir resolves p against workDir and rejects paths that escape it.
func resolveInWorkDir(workDir, p string) (string, error) {
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %v", err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(absWorkDir, p)
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("invalid path: %v", err)
	}

	rel, err := filepath.Rel(absWorkDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: path is outside working directory")
	}
	return absPath, nil
}

// lineRange returns lines start..end (1-based, inclusive). A zero start means
// the first line and a zero end means the last.
func lineRange(text string, start, end int) (string, error) {
	lines := strings.SplitAfter(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", fmt.Errorf("invalid line range %d-%d (file has %d lines)", start, end, len(lines))
	}
	return strings.Join(lines[start-1:end], ""), nil
}

// truncateString cuts s to at most limit bytes without splitting a rune.
func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// --- Tool Constructors ---

func createSearchPatternsTool(h *handlers) (tool.Tool, error) {
	handler := func(ctx tool.Context, args SearchPatternsArgs) (SearchPatternsResult, error) {
		return h.searchPatterns(ctx, args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        SearchPatternsName,
		Description: "Search the code pattern memory for reusable snippets that match a task description. Returns the best matching patterns with their language and complexity.",
	}, handler)
}

func createSavePatternTool(h *handlers) (tool.Tool, error) {
	handler := func(ctx tool.Context, args SavePatternArgs) (SavePatternResult, error) {
		return h.savePattern(ctx, args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        SavePatternName,
		Description: "Store a reusable code snippet in the pattern memory so future requests can find it.",
	}, handler)
}

func createReadFileTool(h *handlers) (tool.Tool, error) {
	handler := func(ctx tool.Context, args ReadFileArgs) (ReadFileResult, error) {
		return h.readFile(args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        ReadFileName,
		Description: "Read a file from the workspace, optionally limited to a line range.",
	}, handler)
}

func createListDirectoryTool(h *handlers) (tool.Tool, error) {
	handler := func(ctx tool.Context, args ListDirectoryArgs) (ListDirectoryResult, error) {
		return h.listDirectory(args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        ListDirectoryName,
		Description: "List the files and subdirectories of a workspace directory.",
	}, handler)
}

// BuildTools creates all agent tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tools need a pattern store")
	}
	h := newHandlers(cfg)

	constructors := []struct {
		name   string
		create func(*handlers) (tool.Tool, error)
	}{
		{SearchPatternsName, createSearchPatternsTool},
		{SavePatternName, createSavePatternTool},
		{ReadFileName, createReadFileTool},
		{ListDirectoryName, createListDirectoryTool},
	}

	tools := make([]tool.Tool, 0, len(constructors))
	for _, c := range constructors {
		t, err := c.create(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tool: %w", c.name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}
