package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/answer"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/syncer"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

const (
	acmeToken   = "token-acme"
	globexToken = "token-globex"
)

// hashEmbedder derives a deterministic vector from the text.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 8)
		for j, r := range text {
			v[j%8] += float32(r)
		}
		vectors[i] = v
	}
	return vectors, nil
}

// cannedGenerator returns scripted extractions and answers.
type cannedGenerator struct {
	extraction answer.Extraction
	answerText string
	action     answer.Action

	lastAnswerReq answer.AnswerRequest
}

func (g *cannedGenerator) Answer(_ context.Context, req answer.AnswerRequest) (string, error) {
	g.lastAnswerReq = req
	return g.answerText, nil
}

func (g *cannedGenerator) Extract(_ context.Context, _ string) (answer.Extraction, error) {
	return g.extraction, nil
}

func (g *cannedGenerator) Summarize(_ context.Context, text string) (string, error) {
	return text, nil
}

func (g *cannedGenerator) ClassifyAction(_ context.Context, _ string) (answer.Action, error) {
	return g.action, nil
}

type fixture struct {
	svc *Service
	gen *cannedGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	records, err := store.New(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)

	idx, err := index.NewChromemIndex(index.ChromemConfig{}, zap.NewNop())
	require.NoError(t, err)

	embedder := hashEmbedder{}

	coord, err := syncer.New(records, idx, embedder, zap.NewNop())
	require.NoError(t, err)

	engine, err := retrieval.NewEngine(records, idx, embedder, retrieval.Config{}, zap.NewNop())
	require.NoError(t, err)

	gen := &cannedGenerator{
		extraction: answer.Extraction{Name: "Alex Zhang", Content: "Met for coffee."},
		answerText: "He works at Globex.",
		action:     answer.ActionAsk,
	}

	verifier := tenant.NewStaticVerifier(map[string]tenant.Tenant{
		acmeToken:   {ID: "acme", Secret: tenant.Secret("acme-secret")},
		globexToken: {ID: "globex", Secret: tenant.Secret("globex-secret")},
	})

	svc, err := New(verifier, records, idx, coord, engine, gen, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &fixture{svc: svc, gen: gen}
}

func TestRejectsUnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListCollections(context.Background(), "bogus")
	assert.ErrorIs(t, err, tenant.ErrUnauthenticated)
}

func TestSaveCreatesCollectionWhenMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Save(ctx, acmeToken, "", "Had coffee with Alex Zhang this morning.")
	require.NoError(t, err)
	assert.NotEmpty(t, res.CollectionID)
	assert.NotEmpty(t, res.ItemID)
	assert.Equal(t, "Alex Zhang", res.Name)
	assert.Equal(t, "Met for coffee.", res.Content)
	assert.True(t, res.Indexed)

	col, err := f.svc.GetCollection(ctx, acmeToken, res.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, "Alex Zhang", col.Name)

	items, err := f.svc.ListItems(ctx, acmeToken, res.CollectionID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Met for coffee.", items[0].Content)
}

func TestSaveIntoExistingCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	col, err := f.svc.CreateCollection(ctx, acmeToken, "Alex Zhang")
	require.NoError(t, err)

	res, err := f.svc.Save(ctx, acmeToken, col.ID, "Alex got promoted.")
	require.NoError(t, err)
	assert.Equal(t, col.ID, res.CollectionID)
}

func TestQueryAnswersFromOwnMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, acmeToken, "", "Had coffee with Alex Zhang.")
	require.NoError(t, err)

	res, err := f.svc.Query(ctx, acmeToken, QueryInput{
		CollectionID: saved.CollectionID,
		Name:         "Alex Zhang",
		Question:     "Met for coffee.",
	})
	require.NoError(t, err)
	assert.Equal(t, "He works at Globex.", res.Answer)
	require.Len(t, res.Contexts, 1)
	assert.Contains(t, res.Contexts[0], "Met for coffee.")

	// The generator saw the retrieved contexts.
	assert.Equal(t, res.Contexts, f.gen.lastAnswerReq.Contexts)
}

func TestQueryWithoutCollection(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Query(context.Background(), acmeToken, QueryInput{
		Name:     "Alex Zhang",
		Question: "Who is Alex?",
	})
	require.NoError(t, err)
	assert.Equal(t, retrieval.PathNoContext, res.Path)
	assert.Empty(t, res.Contexts)
	assert.NotEmpty(t, res.Answer)
}

func TestQueryValidatesInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Query(context.Background(), acmeToken, QueryInput{Name: "Alex"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTenantsCannotSeeEachOther(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, acmeToken, "", "Had coffee with Alex Zhang.")
	require.NoError(t, err)

	_, err = f.svc.GetCollection(ctx, globexToken, saved.CollectionID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.GetItem(ctx, globexToken, saved.ItemID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	cols, err := f.svc.ListCollections(ctx, globexToken)
	require.NoError(t, err)
	assert.Empty(t, cols)
}

func TestItemCRUDRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	col, err := f.svc.CreateCollection(ctx, acmeToken, "notes")
	require.NoError(t, err)

	item, err := f.svc.CreateItem(ctx, acmeToken, col.ID, "first version")
	require.NoError(t, err)
	assert.Equal(t, "first version", item.Content)

	updated, err := f.svc.UpdateItem(ctx, acmeToken, item.ID, "second version")
	require.NoError(t, err)
	assert.Equal(t, "second version", updated.Content)

	require.NoError(t, f.svc.DeleteItem(ctx, acmeToken, item.ID))
	_, err = f.svc.GetItem(ctx, acmeToken, item.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRenameCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	col, err := f.svc.CreateCollection(ctx, acmeToken, "old name")
	require.NoError(t, err)

	renamed, err := f.svc.RenameCollection(ctx, acmeToken, col.ID, "new name")
	require.NoError(t, err)
	assert.Equal(t, "new name", renamed.Name)
}

func TestDeleteCollectionRemovesItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	col, err := f.svc.CreateCollection(ctx, acmeToken, "notes")
	require.NoError(t, err)
	item, err := f.svc.CreateItem(ctx, acmeToken, col.ID, "content")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteCollection(ctx, acmeToken, col.ID))

	_, err = f.svc.GetCollection(ctx, acmeToken, col.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.GetItem(ctx, acmeToken, item.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessRoutesAsk(t *testing.T) {
	f := newFixture(t)
	f.gen.action = answer.ActionAsk

	action, saved, queried, err := f.svc.Process(context.Background(), acmeToken, "", "Alex Zhang", "Where does Alex work?", nil)
	require.NoError(t, err)
	assert.Equal(t, answer.ActionAsk, action)
	assert.Nil(t, saved)
	require.NotNil(t, queried)
	assert.NotEmpty(t, queried.Answer)
}

func TestProcessRoutesSave(t *testing.T) {
	f := newFixture(t)
	f.gen.action = answer.ActionSave

	action, saved, queried, err := f.svc.Process(context.Background(), acmeToken, "", "", "Had coffee with Alex Zhang.", nil)
	require.NoError(t, err)
	assert.Equal(t, answer.ActionSave, action)
	require.NotNil(t, saved)
	assert.Nil(t, queried)
	assert.Equal(t, "Alex Zhang", saved.Name)
}

func TestReindex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.svc.Save(ctx, acmeToken, "", "Had coffee with Alex Zhang.")
	require.NoError(t, err)

	require.NoError(t, f.svc.Reindex(ctx, acmeToken, saved.CollectionID))

	res, err := f.svc.Query(ctx, acmeToken, QueryInput{
		CollectionID: saved.CollectionID,
		Name:         "Alex Zhang",
		Question:     "Met for coffee.",
	})
	require.NoError(t, err)
	assert.Len(t, res.Contexts, 1)
}

func TestSecretNeverLogged(t *testing.T) {
	s := tenant.Secret("super-secret-key")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.NotContains(t, strings.ToLower(s.String()), "super")
}
