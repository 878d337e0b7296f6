package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"projectEstimate/core"
)

// MilvusFeedbackStore persists feedback records in a Milvus collection with
// the project id as the primary key, so Upsert gives the same
// replace-by-project-id semantics as the other backends.
type MilvusFeedbackStore struct {
	mc   client.Client
	coll string
}

func newMilvusFeedbackStore(ctx context.Context) (*MilvusFeedbackStore, error) {
	addr := os.Getenv("MILVUS_ADDR")
	if addr == "" {
		addr = "localhost:19530"
	}
	coll := os.Getenv("MILVUS_COLLECTION")
	if coll == "" {
		coll = "project_history"
	}

	mc, err := client.NewClient(ctx, client.Config{
		Address:  addr,
		Username: os.Getenv("MILVUS_USERNAME"),
		Password: os.Getenv("MILVUS_PASSWORD"),
		APIKey:   os.Getenv("MILVUS_API_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	s := &MilvusFeedbackStore{mc: mc, coll: coll}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MilvusFeedbackStore) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("project_id").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeVarChar).WithMaxLength(255))
		schema.WithField(entity.NewField().WithName("actual_cost").WithDataType(entity.FieldTypeDouble))
		schema.WithField(entity.NewField().WithName("actual_duration").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("metadata").WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096))
		schema.WithField(entity.NewField().WithName("embedding").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(core.FeatureVectorDim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "embedding", idx, false, client.WithIndexName("idx_embedding")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusFeedbackStore) Log(ctx context.Context, rec core.FeedbackRecord) error {
	if len(rec.FeatureVector) != core.FeatureVectorDim {
		return fmt.Errorf("feature vector has length %d, want %d", len(rec.FeatureVector), core.FeatureVectorDim)
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.mc.Upsert(ctx, s.coll, "",
		entity.NewColumnVarChar("project_id", []string{rec.ProjectID}),
		entity.NewColumnDouble("actual_cost", []float64{rec.ActualCost}),
		entity.NewColumnInt64("actual_duration", []int64{int64(rec.ActualDuration)}),
		entity.NewColumnVarChar("metadata", []string{string(metadata)}),
		entity.NewColumnFloatVector("embedding", core.FeatureVectorDim, [][]float32{rec.FeatureVector}),
	)
	if err != nil {
		return fmt.Errorf("upsert project history: %w", err)
	}
	return nil
}

func (s *MilvusFeedbackStore) GetTrainingBatch(ctx context.Context, limit int) (core.TrainingBatch, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := s.mc.Query(ctx, s.coll, nil, `project_id != ""`,
		[]string{"embedding", "actual_cost", "actual_duration"})
	if err != nil {
		return core.TrainingBatch{}, fmt.Errorf("query project history: %w", err)
	}

	cols := map[string]entity.Column{}
	for _, c := range res {
		cols[c.Name()] = c
	}
	vecCol, _ := cols["embedding"].(*entity.ColumnFloatVector)
	costCol, _ := cols["actual_cost"].(*entity.ColumnDouble)
	durCol, _ := cols["actual_duration"].(*entity.ColumnInt64)
	if vecCol == nil || costCol == nil || durCol == nil {
		return core.TrainingBatch{}, fmt.Errorf("query returned unexpected columns")
	}

	vectors := vecCol.Data()
	costs := costCol.Data()
	durations := durCol.Data()

	var batch core.TrainingBatch
	for i := range vectors {
		if batch.Len() >= limit || i >= len(costs) || i >= len(durations) {
			break
		}
		visual, text, ok := core.SplitFeatureVector(vectors[i])
		if !ok {
			continue
		}
		batch.Visual = append(batch.Visual, visual)
		batch.Text = append(batch.Text, text)
		batch.Costs = append(batch.Costs, costs[i])
		batch.Durations = append(batch.Durations, float64(durations[i]))
	}
	return batch, nil
}

func (s *MilvusFeedbackStore) Count(ctx context.Context) (int, error) {
	res, err := s.mc.Query(ctx, s.coll, nil, `project_id != ""`, []string{"project_id"})
	if err != nil {
		return 0, fmt.Errorf("count project history: %w", err)
	}
	for _, c := range res {
		if c.Name() == "project_id" {
			return c.Len(), nil
		}
	}
	return 0, nil
}
