// Package store provides the durable, authoritative record store.
//
// Collections and Items are persisted in SQLite with all user content
// encrypted at the persistence boundary. Every read is tenant-scoped;
// a missing row and a row owned by another tenant are indistinguishable
// to the caller.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/fieldcrypt"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

var (
	// ErrNotFound is returned when a collection or item does not exist or
	// does not belong to the requesting tenant. The two cases are not
	// distinguishable, to avoid leaking existence across tenants.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates missing or malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

var timeNow = time.Now

// Collection is a named grouping of Items owned by one tenant.
// Name is held as ciphertext; decryption happens at the caller boundary.
type Collection struct {
	ID            string
	EncryptedName string
	Owner         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Item is one unit of stored, encrypted content within a Collection.
type Item struct {
	ID               string
	CollectionID     string
	EncryptedContent string
	Owner            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DecryptName returns the collection name in plaintext.
func (c *Collection) DecryptName(secret tenant.Secret) (string, error) {
	return fieldcrypt.Decrypt(c.EncryptedName, secret)
}

// DecryptContent returns the item content in plaintext.
func (i *Item) DecryptContent(secret tenant.Secret) (string, error) {
	return fieldcrypt.Decrypt(i.EncryptedContent, secret)
}

// Config holds configuration for the record store.
type Config struct {
	// Path is the SQLite database file. Default: "recalld.db".
	Path string `koanf:"path"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "recalld.db"
	}
}

// Store is the authoritative record store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the SQLite database and initialises the
// collections and items tables. Foreign keys are enabled so deleting a
// collection cascades to its items inside a single transaction.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	logger.Info("record store opened", zap.String("path", cfg.Path))

	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS collections (
	id             TEXT PRIMARY KEY,
	encrypted_name TEXT NOT NULL,
	owner          TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collections_owner ON collections(owner);

CREATE TABLE IF NOT EXISTS items (
	id                TEXT PRIMARY KEY,
	collection_id     TEXT NOT NULL,
	encrypted_content TEXT NOT NULL,
	owner             TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	FOREIGN KEY (collection_id) REFERENCES collections(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_items_collection ON items(collection_id, owner, created_at);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort lexicographically;
// RFC3339Nano trims trailing zeros and would break ORDER BY created_at.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateCollection encrypts name under the tenant secret from ctx and
// persists a new collection owned by that tenant.
func (s *Store) CreateCollection(ctx context.Context, name string) (*Collection, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidInput)
	}

	encName, err := fieldcrypt.Encrypt(name, t.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting collection name: %w", err)
	}

	now := timeNow()
	col := &Collection{
		ID:            uuid.New().String(),
		EncryptedName: encName,
		Owner:         t.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	const q = `INSERT INTO collections (id, encrypted_name, owner, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, col.ID, col.EncryptedName, col.Owner,
		formatTime(col.CreatedAt), formatTime(col.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	s.logger.Debug("collection created",
		zap.String("collection_id", col.ID),
		zap.String("owner", col.Owner),
	)
	return col, nil
}

// GetCollection returns the collection with id if it belongs to the
// requesting tenant, ErrNotFound otherwise.
func (s *Store) GetCollection(ctx context.Context, id string) (*Collection, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	const q = `SELECT id, encrypted_name, owner, created_at, updated_at
FROM collections WHERE id = ? AND owner = ?`

	var col Collection
	var createdAt, updatedAt string
	err = s.db.QueryRowContext(ctx, q, id, t.ID).Scan(
		&col.ID, &col.EncryptedName, &col.Owner, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting collection: %w", err)
	}

	col.CreatedAt = parseTime(createdAt)
	col.UpdatedAt = parseTime(updatedAt)
	return &col, nil
}

// ListCollections returns all collections owned by the requesting tenant,
// oldest first.
func (s *Store) ListCollections(ctx context.Context) ([]Collection, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	const q = `SELECT id, encrypted_name, owner, created_at, updated_at
FROM collections WHERE owner = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, t.ID)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var cols []Collection
	for rows.Next() {
		var col Collection
		var createdAt, updatedAt string
		if err := rows.Scan(&col.ID, &col.EncryptedName, &col.Owner, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		col.CreatedAt = parseTime(createdAt)
		col.UpdatedAt = parseTime(updatedAt)
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// RenameCollection re-encrypts and replaces the collection name.
func (s *Store) RenameCollection(ctx context.Context, id, name string) (*Collection, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidInput)
	}

	encName, err := fieldcrypt.Encrypt(name, t.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting collection name: %w", err)
	}

	const q = `UPDATE collections SET encrypted_name = ?, updated_at = ?
WHERE id = ? AND owner = ?`
	res, err := s.db.ExecContext(ctx, q, encName, formatTime(timeNow()), id, t.ID)
	if err != nil {
		return nil, fmt.Errorf("renaming collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetCollection(ctx, id)
}

// DeleteCollection removes the collection and, via cascade, every item in
// it, in a single transaction. Returns the ids of the deleted items so the
// caller can clear derived state.
func (s *Store) DeleteCollection(ctx context.Context, id string) ([]string, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM items WHERE collection_id = ? AND owner = ?`, id, t.ID)
	if err != nil {
		return nil, fmt.Errorf("listing items for cascade: %w", err)
	}
	var itemIDs []string
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning item id: %w", err)
		}
		itemIDs = append(itemIDs, itemID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM collections WHERE id = ? AND owner = ?`, id, t.ID)
	if err != nil {
		return nil, fmt.Errorf("deleting collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing cascade delete: %w", err)
	}

	s.logger.Debug("collection deleted",
		zap.String("collection_id", id),
		zap.Int("items_cascaded", len(itemIDs)),
	)
	return itemIDs, nil
}

// CreateItem encrypts content and persists a new item in the given
// collection. The collection must exist and belong to the requesting
// tenant; otherwise ErrNotFound.
func (s *Store) CreateItem(ctx context.Context, collectionID, content string) (*Item, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("%w: item content required", ErrInvalidInput)
	}

	// Parent must belong to the same owner; an item's owner always equals
	// its collection's owner.
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}

	encContent, err := fieldcrypt.Encrypt(content, t.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting item content: %w", err)
	}

	now := timeNow()
	item := &Item{
		ID:               uuid.New().String(),
		CollectionID:     collectionID,
		EncryptedContent: encContent,
		Owner:            t.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	const q = `INSERT INTO items (id, collection_id, encrypted_content, owner, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, item.ID, item.CollectionID, item.EncryptedContent,
		item.Owner, formatTime(item.CreatedAt), formatTime(item.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}

	s.logger.Debug("item created",
		zap.String("item_id", item.ID),
		zap.String("collection_id", collectionID),
	)
	return item, nil
}

// GetItem returns the item with id if it belongs to the requesting tenant.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	const q = `SELECT id, collection_id, encrypted_content, owner, created_at, updated_at
FROM items WHERE id = ? AND owner = ?`

	var item Item
	var createdAt, updatedAt string
	err = s.db.QueryRowContext(ctx, q, id, t.ID).Scan(
		&item.ID, &item.CollectionID, &item.EncryptedContent, &item.Owner, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}

	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

// ListItems returns every item in the collection owned by the requesting
// tenant, oldest first. The collection must belong to that tenant.
func (s *Store) ListItems(ctx context.Context, collectionID string) ([]Item, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}

	const q = `SELECT id, collection_id, encrypted_content, owner, created_at, updated_at
FROM items WHERE collection_id = ? AND owner = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, collectionID, t.ID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var createdAt, updatedAt string
		if err := rows.Scan(&item.ID, &item.CollectionID, &item.EncryptedContent,
			&item.Owner, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		item.CreatedAt = parseTime(createdAt)
		item.UpdatedAt = parseTime(updatedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItem re-encrypts and replaces the item content. Last writer wins.
func (s *Store) UpdateItem(ctx context.Context, id, content string) (*Item, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("%w: item content required", ErrInvalidInput)
	}

	encContent, err := fieldcrypt.Encrypt(content, t.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting item content: %w", err)
	}

	const q = `UPDATE items SET encrypted_content = ?, updated_at = ?
WHERE id = ? AND owner = ?`
	res, err := s.db.ExecContext(ctx, q, encContent, formatTime(timeNow()), id, t.ID)
	if err != nil {
		return nil, fmt.Errorf("updating item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetItem(ctx, id)
}

// DeleteItem removes the item if it belongs to the requesting tenant.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE id = ? AND owner = ?`, id, t.ID)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
