// Package retrieval ranks stored items against a query and returns the
// decrypted, timestamp-prefixed contexts an answer can be grounded on.
//
// The semantic index is consulted first; every hit is re-verified
// against the record store before its content is used. When the index
// cannot serve the query the engine falls back to a full scan of the
// collection, so a degraded index degrades recall ranking, never
// availability.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/recalld/internal/retrieval")

var (
	// ErrExhausted indicates both the index path and the fallback scan
	// failed; no contexts could be produced.
	ErrExhausted = errors.New("retrieval exhausted")

	// ErrInvalidParams indicates malformed retrieval parameters.
	ErrInvalidParams = errors.New("invalid retrieval params")

	// ErrNilDependency indicates a missing constructor dependency.
	ErrNilDependency = errors.New("nil dependency")
)

// Path reports which route produced a retrieval result.
type Path string

const (
	// PathIndexed means the semantic index served the query.
	PathIndexed Path = "indexed"

	// PathFallback means the index was bypassed and the collection was
	// scanned in full.
	PathFallback Path = "fallback"

	// PathNoContext means no collection was specified; the caller should
	// proceed without stored context.
	PathNoContext Path = "no_context"
)

const (
	// DefaultLimit is the number of contexts returned when Params.Limit
	// is unset.
	DefaultLimit = 5

	// DefaultThreshold is the minimum similarity score for an index hit
	// to be used.
	DefaultThreshold = 0.3

	// minOversample is the floor for the widened index query.
	minOversample = 10

	timestampLayout = "2006-01-02 15:04:05"
)

// timestampedRe matches content that already carries a bracketed
// timestamp prefix and must not be prefixed again.
var timestampedRe = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(:\d{2})?\]`)

// Params controls one retrieval.
type Params struct {
	// Query is the natural-language query to rank against.
	Query string

	// CollectionID scopes the retrieval. Empty means no stored context.
	CollectionID string

	// Limit caps the number of returned contexts. Zero means DefaultLimit.
	Limit int

	// Threshold is the minimum similarity score. Zero means
	// DefaultThreshold; set a negative value to disable filtering.
	Threshold float32
}

func (p *Params) applyDefaults() {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Threshold == 0 {
		p.Threshold = DefaultThreshold
	}
}

// Result is the outcome of one retrieval. Contexts are decrypted,
// timestamp-prefixed and ordered oldest first.
type Result struct {
	Contexts []string
	Path     Path
}

// RecordStore is the slice of the record store the engine needs.
type RecordStore interface {
	GetCollection(ctx context.Context, id string) (*store.Collection, error)
	GetItem(ctx context.Context, id string) (*store.Item, error)
	ListItems(ctx context.Context, collectionID string) ([]store.Item, error)
}

// Config holds configuration for the retrieval engine.
type Config struct {
	// EmbedTimeout bounds query embedding. Default: 10s.
	EmbedTimeout time.Duration

	// SearchTimeout bounds the index query. Default: 10s.
	SearchTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 10 * time.Second
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 10 * time.Second
	}
}

// Engine retrieves ranked contexts for a query.
type Engine struct {
	records  RecordStore
	idx      index.Index
	embedder embeddings.Provider
	config   Config
	logger   *zap.Logger
}

// NewEngine creates a retrieval engine over the given stores.
func NewEngine(records RecordStore, idx index.Index, embedder embeddings.Provider, cfg Config, logger *zap.Logger) (*Engine, error) {
	if records == nil || idx == nil || embedder == nil {
		return nil, fmt.Errorf("%w: records, index and embedder are required", ErrNilDependency)
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		records:  records,
		idx:      idx,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Retrieve returns up to Limit contexts relevant to the query.
//
// With no collection id the result is empty with PathNoContext. With a
// collection, the index is queried for max(2*Limit, 10) candidates,
// hits below the threshold are dropped, survivors are re-verified
// against the record store and decrypted. Index trouble or zero
// survivors triggers a full collection scan (PathFallback). Only a
// failed scan returns ErrExhausted.
func (e *Engine) Retrieve(ctx context.Context, params Params) (Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Retrieve")
	defer span.End()

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if params.Query == "" {
		err := fmt.Errorf("%w: query required", ErrInvalidParams)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	params.applyDefaults()
	span.SetAttributes(
		attribute.String("collection_id", params.CollectionID),
		attribute.Int("limit", params.Limit),
	)

	if params.CollectionID == "" {
		span.SetAttributes(attribute.String("path", string(PathNoContext)))
		span.SetStatus(codes.Ok, "no collection")
		return Result{Path: PathNoContext}, nil
	}

	// Ownership check up front; missing and foreign collections look alike.
	if _, err := e.records.GetCollection(ctx, params.CollectionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	items, indexErr := e.searchVerified(ctx, t, params)
	if indexErr == nil && len(items) > 0 {
		contexts, err := e.renderContexts(items, t.Secret)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}
		span.SetAttributes(
			attribute.String("path", string(PathIndexed)),
			attribute.Int("contexts", len(contexts)),
		)
		span.SetStatus(codes.Ok, "indexed")
		return Result{Contexts: contexts, Path: PathIndexed}, nil
	}
	if indexErr != nil {
		e.logger.Warn("index path failed, scanning collection",
			zap.String("collection_id", params.CollectionID),
			zap.Error(indexErr),
		)
	}

	return e.fallback(ctx, t, params, indexErr, span)
}

// searchVerified runs the index query and re-verifies every surviving
// hit against the record store. The returned items are ordered oldest
// first.
func (e *Engine) searchVerified(ctx context.Context, t *tenant.Tenant, params Params) ([]store.Item, error) {
	embedCtx, cancel := context.WithTimeout(ctx, e.config.EmbedTimeout)
	vectors, err := e.embedder.Embed(embedCtx, []string{params.Query})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors for 1 text", len(vectors))
	}

	oversample := 2 * params.Limit
	if oversample < minOversample {
		oversample = minOversample
	}

	searchCtx, cancel := context.WithTimeout(ctx, e.config.SearchTimeout)
	hits, err := e.idx.Search(searchCtx, params.CollectionID, vectors[0], oversample)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= params.Threshold {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > params.Limit {
		kept = kept[:params.Limit]
	}

	var items []store.Item
	seen := make(map[string]bool, len(kept))
	for _, h := range kept {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true

		item, err := e.records.GetItem(ctx, h.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Stale vector; the record store wins.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("verifying hit %s: %w", h.ID, err)
		}
		if item.CollectionID != params.CollectionID {
			continue
		}
		items = append(items, *item)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// fallback scans the whole collection, oldest first.
func (e *Engine) fallback(ctx context.Context, t *tenant.Tenant, params Params, indexErr error, span trace.Span) (Result, error) {
	items, err := e.records.ListItems(ctx, params.CollectionID)
	if err != nil {
		if indexErr != nil {
			err = fmt.Errorf("%w: index: %v; scan: %v", ErrExhausted, indexErr, err)
		} else {
			err = fmt.Errorf("%w: scan: %v", ErrExhausted, err)
		}
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	// A healthy index over an empty collection is not a fallback.
	if len(items) == 0 && indexErr == nil {
		span.SetAttributes(attribute.String("path", string(PathIndexed)))
		span.SetStatus(codes.Ok, "collection empty")
		return Result{Path: PathIndexed}, nil
	}

	contexts, err := e.renderContexts(items, t.Secret)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("path", string(PathFallback)),
		attribute.Int("contexts", len(contexts)),
	)
	span.SetStatus(codes.Ok, "fallback")
	return Result{Contexts: contexts, Path: PathFallback}, nil
}

// renderContexts decrypts items and prefixes each with its creation
// timestamp unless the content already carries one.
func (e *Engine) renderContexts(items []store.Item, secret tenant.Secret) ([]string, error) {
	contexts := make([]string, 0, len(items))
	for _, item := range items {
		content, err := item.DecryptContent(secret)
		if err != nil {
			return nil, fmt.Errorf("decrypting item %s: %w", item.ID, err)
		}
		if !timestampedRe.MatchString(content) {
			content = fmt.Sprintf("[%s] %s", item.CreatedAt.UTC().Format(timestampLayout), content)
		}
		contexts = append(contexts, content)
	}
	return contexts, nil
}
