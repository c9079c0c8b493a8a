package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/videobench/internal/models"
)

// Embedder turns response text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchResult is one mirrored response ranked by similarity to a query.
type SearchResult struct {
	VideoName  string
	ModelName  string
	Response   string
	Similarity float64
}

// PostgresStore mirrors outcomes into the inference_outcomes table.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// NewPostgresStore connects to url and creates the schema if needed.
// embedder may be nil, in which case rows are stored without embeddings.
func NewPostgresStore(ctx context.Context, url string, embedder Embedder, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, embedder: embedder, logger: logger}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the vector extension, table and indexes.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS inference_outcomes (
            id SERIAL PRIMARY KEY,
            run_id VARCHAR(64) NOT NULL,
            video_name VARCHAR(255) NOT NULL,
            model_name VARCHAR(255) NOT NULL,
            model_path VARCHAR(512) NOT NULL,
            status VARCHAR(16) NOT NULL,
            response TEXT,
            error_message TEXT,
            temperature DOUBLE PRECISION NOT NULL,
            max_tokens INTEGER NOT NULL,
            top_k INTEGER,
            top_p DOUBLE PRECISION,
            inference_time_seconds DOUBLE PRECISION NOT NULL,
            metadata JSONB NOT NULL,
            embedding vector,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE INDEX IF NOT EXISTS idx_outcomes_video ON inference_outcomes(video_name);
        CREATE INDEX IF NOT EXISTS idx_outcomes_run ON inference_outcomes(run_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	return nil
}

// Record inserts outcome. Successful outcomes get an embedding when an
// embedder is configured; embedding failures store the row without one.
func (s *PostgresStore) Record(ctx context.Context, outcome models.Outcome) bool {
	if err := s.insert(ctx, outcome); err != nil {
		s.logger.Error("failed to mirror result", "video", outcome.VideoName, "model", outcome.ModelName, "error", err)
		return false
	}
	return true
}

func (s *PostgresStore) insert(ctx context.Context, o models.Outcome) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var embedding any
	if s.embedder != nil && o.Status == models.StatusSuccess {
		vec, err := s.embedder.Embed(ctx, o.Response)
		if err != nil {
			s.logger.Warn("failed to generate embedding", "video", o.VideoName, "model", o.ModelName, "error", err)
		} else if len(vec) > 0 {
			embedding = pgvector.NewVector(vec)
		}
	}

	created := o.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO inference_outcomes
        (run_id, video_name, model_name, model_path, status, response, error_message,
         temperature, max_tokens, top_k, top_p, inference_time_seconds, metadata, embedding, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.Metadata.RunID, o.VideoName, o.ModelName, o.ModelPath, string(o.Status),
		nullable(o.Response), nullable(o.ErrorMessage),
		o.Sampling.Temperature, o.Sampling.MaxTokens, o.Sampling.TopK, o.Sampling.TopP,
		o.InferenceTime.Seconds(), string(meta), embedding, created)
	if err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}

// SearchSimilar ranks mirrored responses by cosine similarity to query.
func (s *PostgresStore) SearchSimilar(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("similarity search needs an embedder")
	}
	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT video_name, model_name, response,
        1 - (embedding <=> $1) AS similarity
        FROM inference_outcomes
        WHERE embedding IS NOT NULL
        ORDER BY embedding <=> $1
        LIMIT $2`,
		pgvector.NewVector(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar responses: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.VideoName, &r.ModelName, &r.Response, &r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
