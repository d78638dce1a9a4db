// Package service is the application facade: it authenticates the
// caller, establishes the tenant on the context and orchestrates the
// record store, sync coordinator, retrieval engine and answer generator
// behind one API.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/answer"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/syncer"
	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/recalld/internal/service")

var (
	// ErrNilDependency indicates a missing constructor dependency.
	ErrNilDependency = errors.New("nil dependency")

	// ErrInvalidInput indicates missing or malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// CollectionView is a collection with its name decrypted.
type CollectionView struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemView is an item with its content decrypted.
type ItemView struct {
	ID           string
	CollectionID string
	Content      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SaveResult reports what a Save produced.
type SaveResult struct {
	CollectionID string
	ItemID       string

	// Name and Content are the extracted person and summary.
	Name    string
	Content string

	// Indexed is false when the item was stored but its vector was not;
	// the collection will be repaired on a later reindex.
	Indexed bool
}

// QueryInput carries one question.
type QueryInput struct {
	// CollectionID scopes retrieval. Empty means answer without stored
	// context.
	CollectionID string

	// Name is the person the question is about.
	Name string

	// Question is the user's question.
	Question string

	// Turns is the prior conversation, oldest first.
	Turns []answer.Turn
}

// QueryResult is an answered question plus how it was grounded.
type QueryResult struct {
	Answer   string
	Contexts []string
	Path     retrieval.Path
}

// Service is the recalld application facade.
type Service struct {
	verifier  tenant.Verifier
	records   *store.Store
	idx       index.Index
	coord     *syncer.Coordinator
	engine    *retrieval.Engine
	generator answer.Generator
	logger    *zap.Logger
}

// New wires the facade. All dependencies are required.
func New(
	verifier tenant.Verifier,
	records *store.Store,
	idx index.Index,
	coord *syncer.Coordinator,
	engine *retrieval.Engine,
	generator answer.Generator,
	logger *zap.Logger,
) (*Service, error) {
	if verifier == nil || records == nil || idx == nil || coord == nil || engine == nil || generator == nil {
		return nil, fmt.Errorf("%w: all dependencies are required", ErrNilDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		verifier:  verifier,
		records:   records,
		idx:       idx,
		coord:     coord,
		engine:    engine,
		generator: generator,
		logger:    logger,
	}, nil
}

// Close releases the record store and index.
func (s *Service) Close() error {
	storeErr := s.records.Close()
	idxErr := s.idx.Close()
	if storeErr != nil {
		return storeErr
	}
	return idxErr
}

// authenticate verifies the token and returns a context carrying the
// tenant.
func (s *Service) authenticate(ctx context.Context, token string) (context.Context, error) {
	t, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return tenant.ContextWithTenant(ctx, t), nil
}

// Save extracts the person and summary from text and stores the summary
// as a new item. With an empty collection id a new collection named
// after the person is created first.
func (s *Service) Save(ctx context.Context, token, collectionID, text string) (*SaveResult, error) {
	ctx, span := tracer.Start(ctx, "Service.Save")
	defer span.End()

	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if text == "" {
		err := fmt.Errorf("%w: text required", ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	extracted, err := s.generator.Extract(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if collectionID == "" {
		col, err := s.records.CreateCollection(ctx, extracted.Name)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		collectionID = col.ID
	}

	item, status, err := s.coord.CreateItem(ctx, collectionID, extracted.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.logger.Info("saved item",
		zap.String("collection_id", collectionID),
		zap.String("item_id", item.ID),
		zap.Bool("indexed", status.Indexed),
	)
	span.SetAttributes(
		attribute.String("collection_id", collectionID),
		attribute.Bool("indexed", status.Indexed),
	)
	span.SetStatus(codes.Ok, "success")
	return &SaveResult{
		CollectionID: collectionID,
		ItemID:       item.ID,
		Name:         extracted.Name,
		Content:      extracted.Content,
		Indexed:      status.Indexed,
	}, nil
}

// Query retrieves relevant contexts and answers the question with them.
// When retrieval yields no context the generator answers from general
// knowledge.
func (s *Service) Query(ctx context.Context, token string, in QueryInput) (*QueryResult, error) {
	ctx, span := tracer.Start(ctx, "Service.Query")
	defer span.End()

	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if in.Question == "" || in.Name == "" {
		err := fmt.Errorf("%w: name and question required", ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := s.engine.Retrieve(ctx, retrieval.Params{
		Query:        in.Question,
		CollectionID: in.CollectionID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	answered, err := s.generator.Answer(ctx, answer.AnswerRequest{
		Name:     in.Name,
		Question: in.Question,
		Turns:    in.Turns,
		Contexts: res.Contexts,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("path", string(res.Path)),
		attribute.Int("contexts", len(res.Contexts)),
	)
	span.SetStatus(codes.Ok, "success")
	return &QueryResult{
		Answer:   answered,
		Contexts: res.Contexts,
		Path:     res.Path,
	}, nil
}

// Process classifies free text as a question or new information and
// routes it to Query or Save.
func (s *Service) Process(ctx context.Context, token, collectionID, name, text string, turns []answer.Turn) (answer.Action, *SaveResult, *QueryResult, error) {
	ctx, span := tracer.Start(ctx, "Service.Process")
	defer span.End()

	authCtx, err := s.authenticate(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, nil, err
	}

	action, err := s.generator.ClassifyAction(authCtx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, nil, err
	}
	span.SetAttributes(attribute.String("action", string(action)))

	if action == answer.ActionSave {
		saved, err := s.Save(ctx, token, collectionID, text)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return action, nil, nil, err
		}
		span.SetStatus(codes.Ok, "saved")
		return action, saved, nil, nil
	}

	queried, err := s.Query(ctx, token, QueryInput{
		CollectionID: collectionID,
		Name:         name,
		Question:     text,
		Turns:        turns,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return action, nil, nil, err
	}
	span.SetStatus(codes.Ok, "answered")
	return action, nil, queried, nil
}

// Reindex rebuilds the semantic index for a collection from the record
// store.
func (s *Service) Reindex(ctx context.Context, token, collectionID string) error {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return err
	}
	return s.coord.Reindex(ctx, collectionID)
}

// CreateCollection creates an empty collection.
func (s *Service) CreateCollection(ctx context.Context, token, name string) (*CollectionView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	col, err := s.records.CreateCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.collectionView(ctx, col)
}

// GetCollection returns one collection with its name decrypted.
func (s *Service) GetCollection(ctx context.Context, token, id string) (*CollectionView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	col, err := s.records.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.collectionView(ctx, col)
}

// ListCollections returns the tenant's collections, oldest first.
func (s *Service) ListCollections(ctx context.Context, token string) ([]CollectionView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	cols, err := s.records.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]CollectionView, 0, len(cols))
	for i := range cols {
		v, err := s.collectionView(ctx, &cols[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// RenameCollection replaces a collection's name.
func (s *Service) RenameCollection(ctx context.Context, token, id, name string) (*CollectionView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	col, err := s.records.RenameCollection(ctx, id, name)
	if err != nil {
		return nil, err
	}
	return s.collectionView(ctx, col)
}

// DeleteCollection removes a collection, its items and its index.
func (s *Service) DeleteCollection(ctx context.Context, token, id string) error {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return err
	}
	_, err = s.coord.DeleteCollection(ctx, id)
	return err
}

// CreateItem stores verbatim content as a new item and indexes it.
func (s *Service) CreateItem(ctx context.Context, token, collectionID, content string) (*ItemView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	item, _, err := s.coord.CreateItem(ctx, collectionID, content)
	if err != nil {
		return nil, err
	}
	return s.itemView(ctx, item)
}

// GetItem returns one item with its content decrypted.
func (s *Service) GetItem(ctx context.Context, token, id string) (*ItemView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	item, err := s.records.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.itemView(ctx, item)
}

// ListItems returns a collection's items, oldest first.
func (s *Service) ListItems(ctx context.Context, token, collectionID string) ([]ItemView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	items, err := s.records.ListItems(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	views := make([]ItemView, 0, len(items))
	for i := range items {
		v, err := s.itemView(ctx, &items[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// UpdateItem replaces an item's content and re-indexes it.
func (s *Service) UpdateItem(ctx context.Context, token, id, content string) (*ItemView, error) {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	item, _, err := s.coord.UpdateItem(ctx, id, content)
	if err != nil {
		return nil, err
	}
	return s.itemView(ctx, item)
}

// DeleteItem removes an item and its index entry.
func (s *Service) DeleteItem(ctx context.Context, token, id string) error {
	ctx, err := s.authenticate(ctx, token)
	if err != nil {
		return err
	}
	item, err := s.records.GetItem(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.coord.DeleteItem(ctx, item.CollectionID, id)
	return err
}

func (s *Service) collectionView(ctx context.Context, col *store.Collection) (*CollectionView, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	name, err := col.DecryptName(t.Secret)
	if err != nil {
		return nil, err
	}
	return &CollectionView{
		ID:        col.ID,
		Name:      name,
		CreatedAt: col.CreatedAt,
		UpdatedAt: col.UpdatedAt,
	}, nil
}

func (s *Service) itemView(ctx context.Context, item *store.Item) (*ItemView, error) {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	content, err := item.DecryptContent(t.Secret)
	if err != nil {
		return nil, err
	}
	return &ItemView{
		ID:           item.ID,
		CollectionID: item.CollectionID,
		Content:      content,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}, nil
}
