// Package store persists call transcripts and their chunk embeddings in
// PostgreSQL with the pgvector extension. Schema bootstrap is lazy and
// idempotent: the first operation that touches the database runs the
// migration under a mutex; later calls see the initialized flag and skip it.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Transcript states. A row moves progress → summarizing → done on the happy
// path; failed is terminal until an explicit retry re-enters progress via
// upsert.
const (
	StateProgress    = "progress"
	StateSummarizing = "summarizing"
	StateDone        = "done"
	StateFailed      = "failed"
)

const (
	// EmbeddingModel is the external model used for chunk embeddings.
	EmbeddingModel = "text-embedding-3-small"

	// EmbeddingDimensions must match EmbeddingModel's output width.
	EmbeddingDimensions = 1536
)

var uniqueidRe = regexp.MustCompile(`^\d+\.\d+$`)

// ValidateUniqueID checks the PBX uniqueid format ("<epoch>.<seq>").
func ValidateUniqueID(uniqueid string) error {
	trimmed := strings.TrimSpace(uniqueid)
	if trimmed == "" {
		return errors.New("missing required field 'uniqueid'")
	}
	if !uniqueidRe.MatchString(trimmed) {
		return fmt.Errorf("invalid 'uniqueid' format %q; expected like 1234567890.1234", uniqueid)
	}
	return nil
}

// Config holds the five PostgreSQL connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// IsConfigured reports whether all five connection parameters are present.
// Persistence is optional; when unconfigured the system runs realtime-only.
func (c Config) IsConfigured() bool {
	return c.Host != "" && c.Port != "" && c.User != "" && c.Password != "" && c.Database != ""
}

func (c Config) conninfo() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// Embedder computes embeddings for a batch of texts. The OpenAI embeddings
// provider satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the transcript persistence layer. Safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
	splitter *Splitter

	schemaMu    sync.Mutex
	schemaReady bool
}

// New connects to PostgreSQL and returns a Store. The schema is not touched
// yet; it bootstraps lazily on first use.
func New(ctx context.Context, cfg Config, embedder Embedder) (*Store, error) {
	if !cfg.IsConfigured() {
		return nil, errors.New("store: postgres connection parameters are incomplete")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.conninfo())
	if err != nil {
		return nil, fmt.Errorf("store: parse conninfo: %w", err)
	}

	// Register pgvector types on every new connection. A live database
	// without the extension installed fails registration with a missing-type
	// error; install the extension and retry once.
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		err := pgxvec.RegisterTypes(ctx, conn)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "vector type not found") {
			return err
		}
		if _, cerr := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); cerr != nil {
			return cerr
		}
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{
		pool:     pool,
		embedder: embedder,
		splitter: NewSplitter(2000, 200, DefaultSeparators),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ensureSchema bootstraps the schema exactly once per process; on failure the
// flag stays unset so the next operation retries.
func (s *Store) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := migrate(ctx, s.pool, EmbeddingDimensions); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

// UpsertTranscriptProgress reserves a transcript row: insert or update with
// state=progress and an empty raw transcription. Returns the row id.
func (s *Store) UpsertTranscriptProgress(ctx context.Context, uniqueid string) (int64, error) {
	if err := ValidateUniqueID(uniqueid); err != nil {
		return 0, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transcripts (uniqueid, raw_transcription, state)
		VALUES ($1, '', 'progress')
		ON CONFLICT (uniqueid)
		DO UPDATE SET
			raw_transcription = '',
			state = 'progress',
			updated_at = now()
		RETURNING id`, strings.TrimSpace(uniqueid)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: reserve transcript %s: %w", uniqueid, err)
	}
	return id, nil
}

// UpsertTranscriptRaw inserts or updates the raw transcription for uniqueid
// and returns the row id.
func (s *Store) UpsertTranscriptRaw(ctx context.Context, uniqueid, raw string) (int64, error) {
	if err := ValidateUniqueID(uniqueid); err != nil {
		return 0, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transcripts (uniqueid, raw_transcription)
		VALUES ($1, $2)
		ON CONFLICT (uniqueid)
		DO UPDATE SET
			raw_transcription = EXCLUDED.raw_transcription,
			updated_at = now()
		RETURNING id`, strings.TrimSpace(uniqueid), raw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert transcript %s: %w", uniqueid, err)
	}
	return id, nil
}

// SetTranscriptState moves a transcript to the given lifecycle state.
func (s *Store) SetTranscriptState(ctx context.Context, id int64, state string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE transcripts
		SET state = $1, updated_at = now()
		WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("store: set transcript %d state %s: %w", id, state, err)
	}
	return nil
}

// UpdateTranscriptAIFields stores the enrichment output. sentiment may be nil
// when the model's answer did not parse.
func (s *Store) UpdateTranscriptAIFields(ctx context.Context, id int64, cleaned, summary string, sentiment *int) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE transcripts
		SET cleaned_transcription = $1,
		    summary = $2,
		    sentiment = $3,
		    updated_at = now()
		WHERE id = $4`, cleaned, summary, sentiment, id)
	if err != nil {
		return fmt.Errorf("store: update transcript %d ai fields: %w", id, err)
	}
	return nil
}

// ReplaceTranscriptEmbeddings recomputes and replaces all chunk embeddings
// for a transcript. Within one transaction the old chunks are deleted and the
// new ones inserted with dense indices starting at 0. Returns the number of
// chunks written.
func (s *Store) ReplaceTranscriptEmbeddings(ctx context.Context, id int64, raw string) (int, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	if s.embedder == nil {
		return 0, errors.New("store: no embedder configured")
	}

	chunks := s.splitter.SplitForEmbedding(raw)
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("store: embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("store: got %d embeddings for %d chunks", len(vectors), len(chunks))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_chunks WHERE transcript_id = $1`, id); err != nil {
		return 0, fmt.Errorf("store: delete old chunks: %w", err)
	}
	for idx, chunk := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO transcript_chunks (transcript_id, chunk_index, content, embedding)
			VALUES ($1, $2, $3, $4)`,
			id, idx, chunk, pgvector.NewVector(vectors[idx]))
		if err != nil {
			return 0, fmt.Errorf("store: insert chunk %d: %w", idx, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return len(chunks), nil
}
