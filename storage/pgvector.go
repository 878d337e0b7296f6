package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"projectEstimate/config"
	"projectEstimate/core"
)

// PgFeedbackStore persists feedback records in PostgreSQL with the pgvector
// extension. The pool makes per-request upserts safe under concurrency;
// ON CONFLICT gives last-write-wins semantics for a repeated project id.
type PgFeedbackStore struct {
	pool *pgxpool.Pool
}

func newPgFeedbackStore(ctx context.Context) (*PgFeedbackStore, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dbURL = cfg.PostgresURL
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PgFeedbackStore{pool: pool}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgFeedbackStore) ensureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS project_history (
			id SERIAL PRIMARY KEY,
			project_id VARCHAR(255) UNIQUE NOT NULL,
			embedding vector(%d) NOT NULL,
			actual_cost DOUBLE PRECISION NOT NULL,
			actual_duration INTEGER NOT NULL,
			metadata JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`, core.FeatureVectorDim)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create project_history table: %w", err)
	}
	return nil
}

func (s *PgFeedbackStore) Log(ctx context.Context, rec core.FeedbackRecord) error {
	// The column is vector(896); reject other lengths here instead of
	// surfacing an opaque postgres error.
	if len(rec.FeatureVector) != core.FeatureVectorDim {
		return fmt.Errorf("feature vector has length %d, want %d", len(rec.FeatureVector), core.FeatureVectorDim)
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO project_history (project_id, embedding, actual_cost, actual_duration, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			actual_cost = EXCLUDED.actual_cost,
			actual_duration = EXCLUDED.actual_duration,
			metadata = EXCLUDED.metadata,
			created_at = CURRENT_TIMESTAMP
	`, rec.ProjectID, pgvector.NewVector(rec.FeatureVector), rec.ActualCost, rec.ActualDuration, metadata)
	if err != nil {
		return fmt.Errorf("upsert project history: %w", err)
	}
	return nil
}

func (s *PgFeedbackStore) GetTrainingBatch(ctx context.Context, limit int) (core.TrainingBatch, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx, `
		SELECT embedding, actual_cost, actual_duration
		FROM project_history
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return core.TrainingBatch{}, fmt.Errorf("query project history: %w", err)
	}
	defer rows.Close()

	var batch core.TrainingBatch
	for rows.Next() {
		var vec pgvector.Vector
		var cost float64
		var duration int
		if err := rows.Scan(&vec, &cost, &duration); err != nil {
			continue
		}
		visual, text, ok := core.SplitFeatureVector(vec.Slice())
		if !ok {
			continue
		}
		batch.Visual = append(batch.Visual, visual)
		batch.Text = append(batch.Text, text)
		batch.Costs = append(batch.Costs, cost)
		batch.Durations = append(batch.Durations, float64(duration))
	}
	return batch, rows.Err()
}

func (s *PgFeedbackStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM project_history").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count project history: %w", err)
	}
	return count, nil
}

// Close releases the connection pool.
func (s *PgFeedbackStore) Close() {
	s.pool.Close()
}
