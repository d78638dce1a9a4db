package index

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server host. Default: "localhost".
	Host string `koanf:"host"`

	// Port is the gRPC port. Default: 6334.
	Port int `koanf:"port"`

	// UseTLS enables TLS on the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// CollectionName is the single Qdrant collection holding all entries,
	// partitioned by payload. Default: "recalld_items".
	CollectionName string `koanf:"collection_name"`

	// VectorSize is the embedding dimension. Default: 384.
	VectorSize int `koanf:"vector_size"`

	// MaxMessageSize caps gRPC message sizes in bytes. Default: 32 MiB.
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "recalld_items"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("invalid vector size: %d", c.VectorSize)
	}
	return ValidateCollectionName(c.CollectionName)
}

// QdrantIndex is an Index backed by a Qdrant server over gRPC. All
// entries live in one Qdrant collection; owner and collection id are
// payload fields and every operation filters on them.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant, verifies the connection and ensures
// the backing collection exists.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	idx := &QdrantIndex{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrUnavailable, err)
	}
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant index connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.CollectionName),
	)
	return idx, nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	_, err := q.client.GetCollectionInfo(ctx, q.config.CollectionName)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
		return wrapQdrantErr("checking collection", err)
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.config.CollectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return wrapQdrantErr("creating collection", err)
	}
	return nil
}

// wrapQdrantErr maps transient gRPC failures onto ErrUnavailable so
// callers can treat them as deferrable.
func wrapQdrantErr(op string, err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.ResourceExhausted:
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func ownerFilter(owner string, collectionID string) *qdrant.Filter {
	conditions := []*qdrant.Condition{
		matchKeyword("owner", owner),
	}
	if collectionID != "" {
		conditions = append(conditions, matchKeyword("collection_id", collectionID))
	}
	return &qdrant.Filter{Must: conditions}
}

func matchKeyword(field, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// Upsert indexes entries keyed by entry id.
func (q *QdrantIndex) Upsert(ctx context.Context, entries ...Entry) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
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

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: map[string]*qdrant.Value{
				"owner":         {Kind: &qdrant.Value_StringValue{StringValue: t.ID}},
				"collection_id": {Kind: &qdrant.Value_StringValue{StringValue: e.CollectionID}},
				"item_id":       {Kind: &qdrant.Value_StringValue{StringValue: e.ID}},
				"created_at":    {Kind: &qdrant.Value_StringValue{StringValue: e.CreatedAt}},
			},
		}
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.config.CollectionName,
		Points:         points,
	})
	if err != nil {
		err = wrapQdrantErr("upserting points", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes entry ids from the collection's index.
func (q *QdrantIndex) Delete(ctx context.Context, collectionID string, ids ...string) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Delete")
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

	filter := ownerFilter(t.ID, collectionID)
	filter.Must = append(filter.Must, &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: "item_id",
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: ids},
					},
				},
			},
		},
	})

	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.config.CollectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		err = wrapQdrantErr("deleting points", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteCollection removes every entry indexed for the collection.
func (q *QdrantIndex) DeleteCollection(ctx context.Context, collectionID string) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection_id", collectionID))

	t, err := tenant.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.config.CollectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: ownerFilter(t.ID, collectionID),
			},
		},
	})
	if err != nil {
		err = wrapQdrantErr("deleting collection points", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search ranks the collection's entries by cosine similarity to vector.
// Qdrant's cosine score is clamped to [0, 1] to match the embedded
// backend's scoring.
func (q *QdrantIndex) Search(ctx context.Context, collectionID string, vector []float32, limit int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
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

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.config.CollectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         ownerFilter(t.ID, collectionID),
	})
	if err != nil {
		err = wrapQdrantErr("querying points", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, point := range results {
		hit := Hit{CollectionID: collectionID, Score: point.Score}
		if hit.Score < 0 {
			hit.Score = 0
		} else if hit.Score > 1 {
			hit.Score = 1
		}
		if v, ok := point.Payload["item_id"]; ok {
			if sv, ok := v.Kind.(*qdrant.Value_StringValue); ok {
				hit.ID = sv.StringValue
			}
		}
		if hit.ID == "" {
			continue
		}
		hits = append(hits, hit)
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}
