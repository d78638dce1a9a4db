package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/answer"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/syncer"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

// Build assembles a Service from configuration: record store, index
// backend, embedding provider, coordinator, retrieval engine and answer
// generator. The verifier is supplied by the caller since token
// verification is deployment specific.
func Build(cfg *config.Config, verifier tenant.Verifier, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config required", ErrNilDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	records, err := store.New(cfg.Store, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("building record store: %w", err)
	}

	var idx index.Index
	switch cfg.Index.Backend {
	case "qdrant":
		idx, err = index.NewQdrantIndex(cfg.Index.Qdrant, logger.Named("index"))
	default:
		idx, err = index.NewChromemIndex(cfg.Index.Chromem, logger.Named("index"))
	}
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("building index: %w", err)
	}

	embedder, err := embeddings.NewService(cfg.Embeddings)
	if err != nil {
		records.Close()
		idx.Close()
		return nil, fmt.Errorf("building embedder: %w", err)
	}

	coord, err := syncer.New(records, idx, embedder, logger.Named("syncer"))
	if err != nil {
		records.Close()
		idx.Close()
		return nil, err
	}

	engine, err := retrieval.NewEngine(records, idx, embedder, retrieval.Config{
		EmbedTimeout:  cfg.Retrieval.EmbedTimeout,
		SearchTimeout: cfg.Retrieval.SearchTimeout,
	}, logger.Named("retrieval"))
	if err != nil {
		records.Close()
		idx.Close()
		return nil, err
	}

	generator, err := answer.NewLLM(answer.Config{
		BaseURL: cfg.Answer.BaseURL,
		Model:   cfg.Answer.Model,
		APIKey:  cfg.Answer.APIKey,
	}, logger.Named("answer"))
	if err != nil {
		records.Close()
		idx.Close()
		return nil, fmt.Errorf("building generator: %w", err)
	}

	return New(verifier, records, idx, coord, engine, generator, logger)
}
