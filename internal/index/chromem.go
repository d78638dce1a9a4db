package index

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path string `koanf:"path"`

	// Compress enables gzip compression of persisted segments.
	Compress bool `koanf:"compress"`
}

// ChromemIndex is an Index backed by an embedded chromem-go database.
// Each record-store collection maps onto one chromem collection.
type ChromemIndex struct {
	db     *chromem.DB
	logger *zap.Logger

	mu sync.Mutex
}

var _ Index = (*ChromemIndex)(nil)

// Vectors are always computed upstream, so a collection's embedding
// function must never run.
func rejectEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("index stores precomputed vectors only")
}

// NewChromemIndex creates a chromem-backed index. With a non-empty path
// the index persists to disk and survives restarts.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	var err error
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}

	logger.Info("chromem index opened",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
	)

	return &ChromemIndex{db: db, logger: logger}, nil
}

// Close is a no-op for chromem; persistence happens per write.
func (c *ChromemIndex) Close() error {
	return nil
}

func (c *ChromemIndex) collection(collectionID string, create bool) (*chromem.Collection, error) {
	slug := collectionSlug(collectionID)
	if err := ValidateCollectionName(slug); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if col := c.db.GetCollection(slug, rejectEmbedding); col != nil {
		return col, nil
	}
	if !create {
		return nil, nil
	}
	col, err := c.db.GetOrCreateCollection(slug, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating chromem collection: %w", err)
	}
	return col, nil
}

// Upsert indexes entries keyed by entry id.
func (c *ChromemIndex) Upsert(ctx context.Context, entries ...Entry) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(entries)))

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(entries) == 0 {
		span.SetStatus(codes.Ok, "nothing to index")
		return nil
	}

	byCollection := make(map[string][]chromem.Document)
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		byCollection[e.CollectionID] = append(byCollection[e.CollectionID], chromem.Document{
			ID: e.ID,
			Metadata: map[string]string{
				"owner":         t.ID,
				"collection_id": e.CollectionID,
				"item_id":       e.ID,
				"created_at":    e.CreatedAt,
			},
			Embedding: e.Vector,
		})
	}

	for collectionID, docs := range byCollection {
		col, err := c.collection(collectionID, true)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("indexing %d entries: %w", len(docs), err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes entry ids from the collection's index. Unknown ids and
// unindexed collections are ignored.
func (c *ChromemIndex) Delete(ctx context.Context, collectionID string, ids ...string) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection_id", collectionID),
		attribute.Int("ids", len(ids)),
	)

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(ids) == 0 {
		span.SetStatus(codes.Ok, "nothing to delete")
		return nil
	}

	col, err := c.collection(collectionID, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if col == nil {
		span.SetStatus(codes.Ok, "collection not indexed")
		return nil
	}

	if err := col.Delete(ctx, map[string]string{"owner": t.ID}, nil, ids...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting %d entries: %w", len(ids), err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteCollection drops the collection's entire chromem collection.
func (c *ChromemIndex) DeleteCollection(ctx context.Context, collectionID string) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection_id", collectionID))

	if _, err := tenant.FromContext(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	slug := collectionSlug(collectionID)
	if err := ValidateCollectionName(slug); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db.GetCollection(slug, rejectEmbedding) == nil {
		span.SetStatus(codes.Ok, "collection not indexed")
		return nil
	}
	if err := c.db.DeleteCollection(slug); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting chromem collection: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search ranks the collection's entries by cosine similarity to vector.
func (c *ChromemIndex) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection_id", collectionID),
		attribute.Int("limit", limit),
	)

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if limit <= 0 {
		span.SetStatus(codes.Ok, "zero limit")
		return nil, nil
	}

	col, err := c.collection(collectionID, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if col == nil {
		span.SetStatus(codes.Ok, "collection not indexed")
		return nil, nil
	}

	// chromem rejects nResults above the document count.
	count := col.Count()
	if count == 0 {
		span.SetStatus(codes.Ok, "collection empty")
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, map[string]string{"owner": t.ID}, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying index: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:           r.ID,
			CollectionID: collectionID,
			Score:        r.Similarity,
		})
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}
