package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcripts (
    id                    BIGSERIAL    PRIMARY KEY,
    uniqueid              TEXT         NOT NULL UNIQUE,
    raw_transcription     TEXT         NOT NULL,
    cleaned_transcription TEXT,
    summary               TEXT,
    sentiment             SMALLINT     CHECK (sentiment BETWEEN 0 AND 10),
    state                 TEXT         NOT NULL DEFAULT 'progress'
        CHECK (state IN ('progress', 'summarizing', 'done', 'failed')),
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlChunks returns the chunk-table DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS transcript_chunks (
    id            BIGSERIAL    PRIMARY KEY,
    transcript_id BIGINT       NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
    chunk_index   INTEGER      NOT NULL,
    content       TEXT         NOT NULL,
    embedding     vector(%d)   NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (transcript_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS transcript_chunks_transcript_id_idx
    ON transcript_chunks (transcript_id);
`, embeddingDimensions)
}

// ddlHNSW builds the ANN index. Kept separate from the required DDL because
// older pgvector servers reject it; the system works without ANN.
const ddlHNSW = `
CREATE INDEX IF NOT EXISTS transcript_chunks_embedding_hnsw
    ON transcript_chunks
    USING hnsw (embedding vector_cosine_ops)
    WITH (m = 16, ef_construction = 64);
`

// migrate creates or ensures the transcript tables and extension exist. It is
// idempotent and safe to call on every application start.
func migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTranscripts,
		ddlChunks(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, ddlHNSW); err != nil {
		slog.Warn("hnsw index creation failed, continuing without ann", "err", err)
	}
	return nil
}
