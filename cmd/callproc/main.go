// Command callproc is the transcript enrichment worker. It runs as a child
// process of the daemon, reads one job as JSON on stdin, replaces the
// transcript's chunk embeddings and, when requested, writes the cleaned
// transcript, summary, and sentiment back to the database. The verdict goes
// to stdout as JSON; logs go to stderr.
//
// Stdin:  {"transcript_id": 7, "raw_transcription": "...", "summary": true}
// Stdout: {"ok": true, "sentiment": 8}
//
// Exit code 0 on success, 1 on any failure. Process isolation means a wedged
// model call can at worst burn this process's timeout, never the daemon's
// media path.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/arivox/arivox/internal/config"
	"github.com/arivox/arivox/internal/enrich"
	"github.com/arivox/arivox/internal/store"
	"github.com/arivox/arivox/pkg/provider/embeddings/openai"
)

type job struct {
	TranscriptID     int64  `json:"transcript_id"`
	RawTranscription string `json:"raw_transcription"`
	Summary          bool   `json:"summary"`
}

type verdict struct {
	OK        bool `json:"ok"`
	Sentiment *int `json:"sentiment"`
}

func main() {
	os.Exit(run())
}

func run() int {
	level := config.LogLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.SlogLevel(),
	}))
	slog.SetDefault(logger)

	sentiment, err := process(context.Background())
	if err != nil {
		slog.Error("call processing failed", "err", err)
		writeVerdict(verdict{OK: false})
		return 1
	}
	writeVerdict(verdict{OK: true, Sentiment: sentiment})
	return 0
}

func process(ctx context.Context) (*int, error) {
	j, err := readJob(os.Stdin)
	if err != nil {
		return nil, err
	}
	slog.Info("processing transcript",
		"transcript_id", j.TranscriptID,
		"raw_len", len(j.RawTranscription),
		"summary", j.Summary,
	)

	dbCfg := store.Config{
		Host:     os.Getenv("PGVECTOR_HOST"),
		Port:     envDefault("PGVECTOR_PORT", "5432"),
		User:     os.Getenv("PGVECTOR_USER"),
		Password: os.Getenv("PGVECTOR_PASSWORD"),
		Database: os.Getenv("PGVECTOR_DATABASE"),
	}
	if !dbCfg.IsConfigured() {
		slog.Warn("postgres is not configured; nothing to do")
		return nil, nil
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	embedder, err := openai.New(apiKey, "")
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider: %w", err)
	}

	st, err := store.New(ctx, dbCfg, embedder)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	n, err := st.ReplaceTranscriptEmbeddings(ctx, j.TranscriptID, j.RawTranscription)
	if err != nil {
		return nil, err
	}
	slog.Info("replaced transcript embeddings", "transcript_id", j.TranscriptID, "chunks", n)

	if !j.Summary {
		slog.Info("skipping summary and sentiment")
		return nil, nil
	}

	llm, err := enrich.NewOpenAIClient(apiKey, os.Getenv("OPENAI_MODEL"))
	if err != nil {
		return nil, err
	}
	res, err := enrich.New(llm).Run(ctx, j.RawTranscription)
	if err != nil {
		return nil, err
	}
	slog.Info("enrichment done",
		"cleaned_len", len(res.Cleaned),
		"summary_len", len(res.Summary),
		"sentiment", res.Sentiment,
	)

	if err := st.UpdateTranscriptAIFields(ctx, j.TranscriptID, res.Cleaned, res.Summary, res.Sentiment); err != nil {
		return nil, err
	}
	return res.Sentiment, nil
}

func readJob(r io.Reader) (job, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return job{}, fmt.Errorf("read stdin: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return job{}, fmt.Errorf("expected JSON on stdin")
	}
	var j job
	if err := json.Unmarshal(raw, &j); err != nil {
		return job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

func writeVerdict(v verdict) {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		slog.Error("failed to write verdict", "err", err)
	}
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
