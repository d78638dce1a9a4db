// Package embeddings provides embedding generation via langchaingo.
//
// It wraps an OpenAI-compatible embedding endpoint (OpenAI itself or a
// local TEI server) behind a small Provider interface so the rest of the
// system never depends on a concrete embedding backend.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the upstream embedding provider failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed returns one vector per input text, all of equal dimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the base URL for the embedding API.
	// For TEI: http://localhost:8080/v1
	// For OpenAI: https://api.openai.com/v1
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model to use, e.g. text-embedding-3-small
	// or BAAI/bge-small-en-v1.5.
	Model string `koanf:"model"`

	// APIKey is the API key (required for OpenAI, optional for TEI).
	APIKey string `koanf:"api_key"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080/v1"
	}
	if c.Model == "" {
		c.Model = "BAAI/bge-small-en-v1.5"
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Service generates embeddings against an OpenAI-compatible endpoint.
type Service struct {
	embedder *lcembeddings.EmbedderImpl
	config   Config
}

var _ Provider = (*Service)(nil)

// NewService creates a new embedding service with the given configuration.
func NewService(config Config) (*Service, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token, use placeholder for TEI
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Service{embedder: embedder, config: config}, nil
}

// Embed generates embeddings for the given texts.
//
// Returns ErrEmptyInput if texts is empty or nil, and wraps any upstream
// failure in ErrEmbeddingFailed so callers can branch without knowing the
// provider.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	for _, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("%w: texts cannot contain empty strings", ErrEmptyInput)
		}
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}
