// Package index provides the semantic index over stored items.
//
// The index is derived state: it holds vectors and routing metadata
// (item id, collection id, owner, creation time) and never any plaintext
// or ciphertext content. The record store remains authoritative; entries here may be
// rebuilt from it at any time.
//
// Two backends are provided: an embedded chromem-go store for
// single-process deployments and a Qdrant gRPC store for shared ones.
package index

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/recalld/internal/index")

var (
	// ErrUnavailable indicates a transient backend failure. Callers may
	// retry or defer the operation; the record store is unaffected.
	ErrUnavailable = errors.New("index unavailable")

	// ErrInvalidEntry indicates a malformed entry.
	ErrInvalidEntry = errors.New("invalid index entry")

	// ErrInvalidCollectionName indicates an unusable backend collection name.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Entry is one indexed item: its identity plus the embedding vector.
// The entry id equals the item id in the record store, so re-indexing
// the same item overwrites rather than duplicates. CreatedAt is the
// item's record-store creation time as an RFC 3339 string.
type Entry struct {
	ID           string
	CollectionID string
	CreatedAt    string
	Vector       []float32
}

// Validate checks that the entry can be indexed.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidEntry)
	}
	if e.CollectionID == "" {
		return fmt.Errorf("%w: collection id required", ErrInvalidEntry)
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("%w: vector required", ErrInvalidEntry)
	}
	return nil
}

// Hit is one search result: the item id and its similarity score in
// [0, 1], higher is more similar.
type Hit struct {
	ID           string
	CollectionID string
	Score        float32
}

// Index is the semantic index over item vectors. All operations are
// tenant-scoped via the context; mutations are idempotent.
type Index interface {
	// Upsert indexes entries keyed by entry id, replacing any previous
	// vector for the same id.
	Upsert(ctx context.Context, entries ...Entry) error

	// Delete removes the given entry ids from a collection's index.
	// Missing ids are not an error.
	Delete(ctx context.Context, collectionID string, ids ...string) error

	// DeleteCollection removes every entry indexed for the collection.
	// A collection that was never indexed is not an error.
	DeleteCollection(ctx context.Context, collectionID string) error

	// Search returns up to limit entries from the collection ranked by
	// similarity to vector, best first. An unindexed or empty collection
	// returns no hits and no error.
	Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]Hit, error)

	// Close releases backend resources.
	Close() error
}

var collectionNameRe = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks a backend collection name: lowercase
// alphanumerics and underscores, 1-64 characters.
func ValidateCollectionName(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must match [a-z0-9_]{1,64}", ErrInvalidCollectionName, name)
	}
	return nil
}

// collectionSlug maps a record-store collection id (a UUID) onto a
// backend collection name.
func collectionSlug(collectionID string) string {
	return "col_" + strings.ToLower(strings.ReplaceAll(collectionID, "-", ""))
}
