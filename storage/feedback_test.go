package storage

import (
	"context"
	"testing"

	"projectEstimate/core"
)

func validRequest(id string) core.FeedbackRequest {
	visual := make([]float32, core.VisualEmbeddingDim)
	visual[0] = 0.5
	text := make([]float32, core.TextEmbeddingDim)
	text[0] = -0.5
	return core.FeedbackRequest{
		ProjectID:       id,
		VisualEmbedding: visual,
		TextEmbedding:   text,
		ActualCost:      62000,
		ActualDuration:  14,
		Metadata:        map[string]string{"source": "invoice"},
	}
}

func TestBuildFeedbackRecord(t *testing.T) {
	rec, err := BuildFeedbackRecord(validRequest("p-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.FeatureVector) != core.FeatureVectorDim {
		t.Errorf("feature vector length = %d, want %d", len(rec.FeatureVector), core.FeatureVectorDim)
	}
	if rec.FeatureVector[0] != 0.5 {
		t.Errorf("visual half should come first, got %f", rec.FeatureVector[0])
	}
	if rec.FeatureVector[core.VisualEmbeddingDim] != -0.5 {
		t.Errorf("text half should follow the visual half, got %f", rec.FeatureVector[core.VisualEmbeddingDim])
	}
	if rec.Metadata["actual_cost"] != "62000" || rec.Metadata["actual_duration"] != "14" {
		t.Errorf("outcome fields missing from metadata: %v", rec.Metadata)
	}
	if rec.Metadata["source"] != "invoice" {
		t.Errorf("caller metadata should be preserved: %v", rec.Metadata)
	}
}

func TestBuildFeedbackRecordValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*core.FeedbackRequest)
	}{
		{"missing project id", func(r *core.FeedbackRequest) { r.ProjectID = "  " }},
		{"missing visual embedding", func(r *core.FeedbackRequest) { r.VisualEmbedding = nil }},
		{"missing text embedding", func(r *core.FeedbackRequest) { r.TextEmbedding = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest("p-1")
			tc.mutate(&req)
			if _, err := BuildFeedbackRecord(req); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFeedbackStore()

	rec, err := BuildFeedbackRecord(validRequest("p-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Log(ctx, rec); err != nil {
		t.Fatalf("log failed: %v", err)
	}

	batch, err := store.GetTrainingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if batch.Len() != 1 {
		t.Fatalf("batch length = %d, want 1", batch.Len())
	}
	if len(batch.Visual[0]) != core.VisualEmbeddingDim || len(batch.Text[0]) != core.TextEmbeddingDim {
		t.Errorf("split lengths = (%d, %d)", len(batch.Visual[0]), len(batch.Text[0]))
	}
	if batch.Visual[0][0] != 0.5 || batch.Text[0][0] != -0.5 {
		t.Errorf("split values diverge from the logged embeddings")
	}
	if batch.Costs[0] != 62000 || batch.Durations[0] != 14 {
		t.Errorf("labels = (%f, %f), want (62000, 14)", batch.Costs[0], batch.Durations[0])
	}
}

func TestMemoryStoreUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFeedbackStore()

	first, _ := BuildFeedbackRecord(validRequest("p-1"))
	if err := store.Log(ctx, first); err != nil {
		t.Fatal(err)
	}

	updated := validRequest("p-1")
	updated.ActualCost = 99000
	second, _ := BuildFeedbackRecord(updated)
	if err := store.Log(ctx, second); err != nil {
		t.Fatal(err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 after an upsert", n)
	}

	batch, _ := store.GetTrainingBatch(ctx, 10)
	if batch.Len() != 1 || batch.Costs[0] != 99000 {
		t.Errorf("upsert should replace the prior record, got costs %v", batch.Costs)
	}
}

func TestMemoryStoreSkipsMalformedVectors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFeedbackStore()

	if err := store.Log(ctx, core.FeedbackRecord{
		ProjectID:     "short",
		FeatureVector: make([]float32, 10),
		ActualCost:    100,
	}); err != nil {
		t.Fatal(err)
	}

	batch, err := store.GetTrainingBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Len() != 0 {
		t.Errorf("malformed record should be skipped, batch length = %d", batch.Len())
	}

	// The record still counts toward storage even though it cannot train.
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestMemoryStoreBatchLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFeedbackStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		rec, _ := BuildFeedbackRecord(validRequest(id))
		if err := store.Log(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := store.GetTrainingBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Len() != 2 {
		t.Errorf("batch length = %d, want the limit of 2", batch.Len())
	}
}

func TestMemoryStoreRejectsEmptyID(t *testing.T) {
	store := NewMemoryFeedbackStore()
	if err := store.Log(context.Background(), core.FeedbackRecord{}); err == nil {
		t.Error("expected an error for an empty project id")
	}
}
