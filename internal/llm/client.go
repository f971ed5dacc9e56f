// Package llm provides the GenAI pieces the agent needs: client settings and
// text embeddings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	// DefaultEmbeddingModel produces the pattern and query vectors.
	DefaultEmbeddingModel = "text-embedding-004"

	// DefaultChatModel drives the interactive agent.
	DefaultChatModel = "gemini-2.0-flash"
)

// ErrEmptyText is returned when asked to embed blank text.
var ErrEmptyText = errors.New("text to embed is empty")

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embedFunc matches genai's Models.EmbedContent.
type embedFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)

// Client wraps the Google GenAI client for embedding generation.
type Client struct {
	model string
	embed embedFunc
}

// ClientConfig returns the GenAI settings shared by the embedder and the chat model.
func ClientConfig(apiKey string) *genai.ClientConfig {
	return &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
}

// NewClient creates a new LLM client with the given API key.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, ClientConfig(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{
		model: DefaultEmbeddingModel,
		embed: client.Models.EmbedContent,
	}, nil
}

// Embed generates an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	resp, err := c.embed(ctx, c.model, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}

	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("no embedding returned")
	}

	return resp.Embeddings[0].Values, nil
}

// Ensure Client implements Embedder
var _ Embedder = (*Client)(nil)
