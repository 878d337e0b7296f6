// Package storage persists feedback records (feature vectors plus actual
// project outcomes) and exposes them as training batches for the offline
// retraining job.
package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"projectEstimate/core"
)

// FeedbackStore is the durable embedding store keyed by project id. Upsert
// semantics: a repeated report for the same id replaces the prior record;
// concurrent writes to the same id may race and the last write wins.
type FeedbackStore interface {
	// Log upserts one feedback record. Failures are returned (and logged by
	// callers), never panicked past this boundary.
	Log(ctx context.Context, rec core.FeedbackRecord) error

	// GetTrainingBatch returns parallel training slices built only from
	// records whose feature vector has the exact expected combined length;
	// malformed records are silently skipped.
	GetTrainingBatch(ctx context.Context, limit int) (core.TrainingBatch, error)

	// Count reports how many records are stored.
	Count(ctx context.Context) (int, error)
}

// BuildFeedbackRecord validates a feedback request and turns it into the
// persisted record form: both embeddings must be non-empty, the combined
// feature vector is visual first, and the actual outcome fields are attached
// to the metadata map.
func BuildFeedbackRecord(req core.FeedbackRequest) (core.FeedbackRecord, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return core.FeedbackRecord{}, fmt.Errorf("project_id is required")
	}
	if len(req.VisualEmbedding) == 0 || len(req.TextEmbedding) == 0 {
		return core.FeedbackRecord{}, fmt.Errorf("both visual and text embeddings are required")
	}

	combined := make([]float32, 0, len(req.VisualEmbedding)+len(req.TextEmbedding))
	combined = append(combined, req.VisualEmbedding...)
	combined = append(combined, req.TextEmbedding...)

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["actual_cost"] = fmt.Sprintf("%g", req.ActualCost)
	metadata["actual_duration"] = fmt.Sprintf("%d", req.ActualDuration)

	return core.FeedbackRecord{
		ProjectID:      req.ProjectID,
		FeatureVector:  combined,
		ActualCost:     req.ActualCost,
		ActualDuration: req.ActualDuration,
		Metadata:       metadata,
	}, nil
}

// NewFeedbackStore selects the backend from the STORE environment variable
// (memory, pgvector, milvus) and falls back to the in-memory store when a
// remote backend cannot be initialized.
func NewFeedbackStore(ctx context.Context) FeedbackStore {
	storeKind := strings.ToLower(strings.TrimSpace(os.Getenv("STORE")))
	switch storeKind {
	case "pgvector":
		s, err := newPgFeedbackStore(ctx)
		if err != nil {
			log.Printf("Warning: failed to initialize PgVector feedback store (%v), falling back to memory store", err)
			return NewMemoryFeedbackStore()
		}
		log.Printf("Feedback store initialized: pgvector")
		return s
	case "milvus":
		s, err := newMilvusFeedbackStore(ctx)
		if err != nil {
			log.Printf("Warning: failed to initialize Milvus feedback store (%v), falling back to memory store", err)
			return NewMemoryFeedbackStore()
		}
		log.Printf("Feedback store initialized: milvus")
		return s
	default:
		log.Printf("Feedback store initialized: memory")
		return NewMemoryFeedbackStore()
	}
}

// MemoryFeedbackStore keeps records in a mutex-guarded map. It is the
// default backend and the fallback when a remote store is unreachable.
type MemoryFeedbackStore struct {
	mu      sync.RWMutex
	records map[string]core.FeedbackRecord
}

func NewMemoryFeedbackStore() *MemoryFeedbackStore {
	return &MemoryFeedbackStore{records: make(map[string]core.FeedbackRecord)}
}

func (s *MemoryFeedbackStore) Log(ctx context.Context, rec core.FeedbackRecord) error {
	if rec.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	s.mu.Lock()
	s.records[rec.ProjectID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryFeedbackStore) GetTrainingBatch(ctx context.Context, limit int) (core.TrainingBatch, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var batch core.TrainingBatch
	for _, rec := range s.records {
		if batch.Len() >= limit {
			break
		}
		visual, text, ok := core.SplitFeatureVector(rec.FeatureVector)
		if !ok {
			continue
		}
		batch.Visual = append(batch.Visual, visual)
		batch.Text = append(batch.Text, text)
		batch.Costs = append(batch.Costs, rec.ActualCost)
		batch.Durations = append(batch.Durations, float64(rec.ActualDuration))
	}
	return batch, nil
}

func (s *MemoryFeedbackStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
