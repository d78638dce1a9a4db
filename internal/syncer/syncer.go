// Package syncer coordinates writes across the record store and the
// semantic index.
//
// The record store is authoritative and is always written first. Index
// writes are best effort: when embedding or indexing fails the mutation
// still succeeds, the failure is reported in the operation status, and
// the collection is marked dirty so a later Reindex can repair it. There
// is no cross-store transaction and no rollback of the record store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/recalld/internal/syncer")

// ErrNilDependency indicates a missing constructor dependency.
var ErrNilDependency = errors.New("nil dependency")

// RecordStore is the slice of the record store the coordinator needs.
type RecordStore interface {
	CreateItem(ctx context.Context, collectionID, content string) (*store.Item, error)
	UpdateItem(ctx context.Context, id, content string) (*store.Item, error)
	DeleteItem(ctx context.Context, id string) error
	DeleteCollection(ctx context.Context, id string) ([]string, error)
	ListItems(ctx context.Context, collectionID string) ([]store.Item, error)
}

// OpStatus reports how far a mutation propagated. The record store write
// always succeeded when an OpStatus is returned; Indexed tells whether
// the semantic index caught up in the same request.
type OpStatus struct {
	Indexed    bool
	IndexError string
}

// Coordinator applies mutations to the record store and mirrors them
// into the index.
type Coordinator struct {
	records  RecordStore
	idx      index.Index
	embedder embeddings.Provider
	logger   *zap.Logger

	mu    sync.Mutex
	dirty map[string]string // collection id -> owner
}

// New creates a coordinator over the given stores.
func New(records RecordStore, idx index.Index, embedder embeddings.Provider, logger *zap.Logger) (*Coordinator, error) {
	if records == nil || idx == nil || embedder == nil {
		return nil, fmt.Errorf("%w: records, index and embedder are required", ErrNilDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		records:  records,
		idx:      idx,
		embedder: embedder,
		logger:   logger,
		dirty:    make(map[string]string),
	}, nil
}

// markDirty records an index failure for later reconciliation.
func (c *Coordinator) markDirty(collectionID, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty[collectionID] = owner
}

func (c *Coordinator) clearDirty(collectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirty, collectionID)
}

// Dirty reports whether the collection has pending index repairs.
func (c *Coordinator) Dirty(collectionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dirty[collectionID]
	return ok
}

// DirtyCollections returns the ids of collections with pending repairs.
func (c *Coordinator) DirtyCollections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	return ids
}

// indexItem embeds and upserts one item's vector. Failures are swallowed
// into the returned OpStatus.
func (c *Coordinator) indexItem(ctx context.Context, t *tenant.Tenant, item *store.Item, content string) OpStatus {
	vectors, err := c.embedder.Embed(ctx, []string{content})
	if err == nil && len(vectors) != 1 {
		err = fmt.Errorf("embedder returned %d vectors for 1 text", len(vectors))
	}
	if err == nil {
		err = c.idx.Upsert(ctx, index.Entry{
			ID:           item.ID,
			CollectionID: item.CollectionID,
			CreatedAt:    item.CreatedAt.UTC().Format(time.RFC3339),
			Vector:       vectors[0],
		})
	}
	if err != nil {
		c.markDirty(item.CollectionID, t.ID)
		c.logger.Warn("index update failed, record kept",
			zap.String("item_id", item.ID),
			zap.String("collection_id", item.CollectionID),
			zap.Error(err),
		)
		return OpStatus{Indexed: false, IndexError: err.Error()}
	}
	return OpStatus{Indexed: true}
}

// CreateItem persists a new item and indexes its embedding. The item is
// created even when indexing fails; see OpStatus.
func (c *Coordinator) CreateItem(ctx context.Context, collectionID, content string) (*store.Item, OpStatus, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.CreateItem")
	defer span.End()
	span.SetAttributes(attribute.String("collection_id", collectionID))

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, OpStatus{}, err
	}

	item, err := c.records.CreateItem(ctx, collectionID, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, OpStatus{}, err
	}

	status := c.indexItem(ctx, t, item, content)
	span.SetAttributes(attribute.Bool("indexed", status.Indexed))
	span.SetStatus(codes.Ok, "success")
	return item, status, nil
}

// UpdateItem replaces an item's content and re-indexes it. The entry id
// equals the item id, so the new vector overwrites the old one.
func (c *Coordinator) UpdateItem(ctx context.Context, id, content string) (*store.Item, OpStatus, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.UpdateItem")
	defer span.End()
	span.SetAttributes(attribute.String("item_id", id))

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, OpStatus{}, err
	}

	item, err := c.records.UpdateItem(ctx, id, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, OpStatus{}, err
	}

	status := c.indexItem(ctx, t, item, content)
	span.SetAttributes(attribute.Bool("indexed", status.Indexed))
	span.SetStatus(codes.Ok, "success")
	return item, status, nil
}

// DeleteItem removes an item from the record store, then from the index.
// A stale vector left behind by an index failure is harmless: retrieval
// re-verifies every hit against the record store.
func (c *Coordinator) DeleteItem(ctx context.Context, collectionID, id string) (OpStatus, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.DeleteItem")
	defer span.End()
	span.SetAttributes(attribute.String("item_id", id))

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OpStatus{}, err
	}

	if err := c.records.DeleteItem(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OpStatus{}, err
	}

	if err := c.idx.Delete(ctx, collectionID, id); err != nil {
		c.markDirty(collectionID, t.ID)
		c.logger.Warn("index delete failed, record removed",
			zap.String("item_id", id),
			zap.String("collection_id", collectionID),
			zap.Error(err),
		)
		span.SetStatus(codes.Ok, "record deleted, index pending")
		return OpStatus{Indexed: false, IndexError: err.Error()}, nil
	}

	span.SetStatus(codes.Ok, "success")
	return OpStatus{Indexed: true}, nil
}

// DeleteCollection removes a collection and its items from the record
// store, then drops the collection's index.
func (c *Coordinator) DeleteCollection(ctx context.Context, collectionID string) (OpStatus, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection_id", collectionID))

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OpStatus{}, err
	}

	if _, err := c.records.DeleteCollection(ctx, collectionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OpStatus{}, err
	}

	// The collection is gone from the record store, nothing to repair.
	c.clearDirty(collectionID)

	if err := c.idx.DeleteCollection(ctx, collectionID); err != nil {
		c.logger.Warn("index collection delete failed, records removed",
			zap.String("collection_id", collectionID),
			zap.String("owner", t.ID),
			zap.Error(err),
		)
		span.SetStatus(codes.Ok, "records deleted, index pending")
		return OpStatus{Indexed: false, IndexError: err.Error()}, nil
	}

	span.SetStatus(codes.Ok, "success")
	return OpStatus{Indexed: true}, nil
}

// Reindex rebuilds the collection's index from the record store: every
// item is decrypted, re-embedded and upserted. On success the dirty mark
// is cleared.
func (c *Coordinator) Reindex(ctx context.Context, collectionID string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.Reindex")
	defer span.End()
	span.SetAttributes(attribute.String("collection_id", collectionID))

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	items, err := c.records.ListItems(ctx, collectionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := c.idx.DeleteCollection(ctx, collectionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("clearing stale index: %w", err)
	}

	if len(items) == 0 {
		c.clearDirty(collectionID)
		span.SetStatus(codes.Ok, "collection empty")
		return nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		content, err := item.DecryptContent(t.Secret)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("decrypting item %s: %w", item.ID, err)
		}
		texts[i] = content
	}

	vectors, err := c.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) != len(texts) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	entries := make([]index.Entry, len(items))
	for i, item := range items {
		entries[i] = index.Entry{
			ID:           item.ID,
			CollectionID: collectionID,
			CreatedAt:    item.CreatedAt.UTC().Format(time.RFC3339),
			Vector:       vectors[i],
		}
	}
	if err := c.idx.Upsert(ctx, entries...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.clearDirty(collectionID)
	c.logger.Info("collection reindexed",
		zap.String("collection_id", collectionID),
		zap.Int("items", len(items)),
	)
	span.SetAttributes(attribute.Int("items", len(items)))
	span.SetStatus(codes.Ok, "success")
	return nil
}
