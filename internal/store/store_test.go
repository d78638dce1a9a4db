package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testCtx(tenantID string) context.Context {
	return tenant.ContextWithTenant(context.Background(), &tenant.Tenant{
		ID:     tenantID,
		Secret: tenant.Secret("secret-for-" + tenantID),
	})
}

func TestCreateAndGetCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx("acme")

	col, err := s.CreateCollection(ctx, "notes")
	require.NoError(t, err)
	assert.NotEmpty(t, col.ID)
	assert.Equal(t, "acme", col.Owner)
	assert.NotEqual(t, "notes", col.EncryptedName)

	got, err := s.GetCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, col.ID, got.ID)

	name, err := got.DecryptName(tenant.Secret("secret-for-acme"))
	require.NoError(t, err)
	assert.Equal(t, "notes", name)
}

func TestCreateCollectionRequiresName(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateCollection(testCtx("acme"), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateCollectionRequiresTenant(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateCollection(context.Background(), "notes")
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)
}

func TestGetCollectionCrossTenant(t *testing.T) {
	s := newTestStore(t)

	col, err := s.CreateCollection(testCtx("acme"), "notes")
	require.NoError(t, err)

	// Another tenant sees the same error as for a nonexistent id.
	_, err = s.GetCollection(testCtx("globex"), col.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetCollection(testCtx("globex"), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListCollectionsScopedToOwner(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateCollection(testCtx("acme"), "a")
	require.NoError(t, err)
	_, err = s.CreateCollection(testCtx("acme"), "b")
	require.NoError(t, err)
	_, err = s.CreateCollection(testCtx("globex"), "c")
	require.NoError(t, err)

	cols, err := s.ListCollections(testCtx("acme"))
	require.NoError(t, err)
	assert.Len(t, cols, 2)

	cols, err = s.ListCollections(testCtx("globex"))
	require.NoError(t, err)
	assert.Len(t, cols, 1)
}

func TestRenameCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx("acme")

	col, err := s.CreateCollection(ctx, "old")
	require.NoError(t, err)

	renamed, err := s.RenameCollection(ctx, col.ID, "new")
	require.NoError(t, err)

	name, err := renamed.DecryptName(tenant.Secret("secret-for-acme"))
	require.NoError(t, err)
	assert.Equal(t, "new", name)

	_, err = s.RenameCollection(testCtx("globex"), col.ID, "stolen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx("acme")

	col, err := s.CreateCollection(ctx, "notes")
	require.NoError(t, err)

	item, err := s.CreateItem(ctx, col.ID, "hello world")
	require.NoError(t, err)
	assert.Equal(t, col.ID, item.CollectionID)
	assert.NotEqual(t, "hello world", item.EncryptedContent)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	content, err := got.DecryptContent(tenant.Secret("secret-for-acme"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)

	updated, err := s.UpdateItem(ctx, item.ID, "hello again")
	require.NoError(t, err)
	content, err = updated.DecryptContent(tenant.Secret("secret-for-acme"))
	require.NoError(t, err)
	assert.Equal(t, "hello again", content)

	require.NoError(t, s.DeleteItem(ctx, item.ID))
	_, err = s.GetItem(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateItemInForeignCollection(t *testing.T) {
	s := newTestStore(t)

	col, err := s.CreateCollection(testCtx("acme"), "notes")
	require.NoError(t, err)

	_, err = s.CreateItem(testCtx("globex"), col.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListItemsOrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx("acme")

	col, err := s.CreateCollection(ctx, "notes")
	require.NoError(t, err)

	first, err := s.CreateItem(ctx, col.ID, "first")
	require.NoError(t, err)
	second, err := s.CreateItem(ctx, col.ID, "second")
	require.NoError(t, err)

	items, err := s.ListItems(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
}

func TestDeleteCollectionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx("acme")

	col, err := s.CreateCollection(ctx, "notes")
	require.NoError(t, err)
	item1, err := s.CreateItem(ctx, col.ID, "one")
	require.NoError(t, err)
	item2, err := s.CreateItem(ctx, col.ID, "two")
	require.NoError(t, err)

	deleted, err := s.DeleteCollection(ctx, col.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{item1.ID, item2.ID}, deleted)

	_, err = s.GetCollection(ctx, col.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetItem(ctx, item1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetItem(ctx, item2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCollectionCrossTenant(t *testing.T) {
	s := newTestStore(t)

	col, err := s.CreateCollection(testCtx("acme"), "notes")
	require.NoError(t, err)

	_, err = s.DeleteCollection(testCtx("globex"), col.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Still present for the owner.
	_, err = s.GetCollection(testCtx("acme"), col.ID)
	assert.NoError(t, err)
}

func TestListItemsOrderedAcrossSecondBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx("acme")

	col, err := s.CreateCollection(ctx, "notes")
	require.NoError(t, err)

	// A whole-second timestamp followed by a sub-second one must keep
	// insertion order under the TEXT ORDER BY.
	base := time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)
	orig := timeNow
	defer func() { timeNow = orig }()

	timeNow = func() time.Time { return base }
	first, err := s.CreateItem(ctx, col.ID, "on the second")
	require.NoError(t, err)

	timeNow = func() time.Time { return base.Add(500 * time.Millisecond) }
	second, err := s.CreateItem(ctx, col.ID, "half a second later")
	require.NoError(t, err)

	items, err := s.ListItems(ctx, col.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
	assert.True(t, items[0].CreatedAt.Before(items[1].CreatedAt))
}

func TestTimeRoundTripKeepsLexicalOrder(t *testing.T) {
	whole := formatTime(time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC))
	frac := formatTime(time.Date(2026, 3, 1, 10, 0, 1, 500000000, time.UTC))

	assert.Less(t, whole, frac)
	assert.Equal(t, len(whole), len(frac))
	assert.True(t, parseTime(whole).Before(parseTime(frac)))
}
