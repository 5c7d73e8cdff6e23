package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// workerInput is the JSON document piped to the enrichment worker's stdin.
type workerInput struct {
	TranscriptID     int64  `json:"transcript_id"`
	RawTranscription string `json:"raw_transcription"`
	Summary          bool   `json:"summary"`
}

// workerOutput is the worker's stdout answer.
type workerOutput struct {
	OK        bool `json:"ok"`
	Sentiment *int `json:"sentiment"`
}

// Worker invokes the enrichment worker binary as a child process. The process
// isolation keeps a wedged model call from ever blocking the HTTP or realtime
// paths.
type Worker struct {
	path    string
	timeout time.Duration
}

// NewWorker creates a Worker for the binary at path. timeout bounds one run.
func NewWorker(path string, timeout time.Duration) *Worker {
	return &Worker{path: path, timeout: timeout}
}

// Enrich implements Enricher. It pipes the transcript to the worker and waits
// for its verdict.
func (w *Worker) Enrich(ctx context.Context, transcriptID int64, raw string, summary bool) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	input, err := json.Marshal(workerInput{
		TranscriptID:     transcriptID,
		RawTranscription: raw,
		Summary:          summary,
	})
	if err != nil {
		return fmt.Errorf("httpapi: encode worker input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.path)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		slog.Error("enrichment worker failed",
			"transcript_id", transcriptID,
			"err", err,
			"stdout", preview(stdout.String()),
			"stderr", preview(stderr.String()),
		)
		return fmt.Errorf("httpapi: enrichment worker: %w", err)
	}

	var out workerOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return fmt.Errorf("httpapi: decode worker output: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("httpapi: enrichment worker reported failure")
	}

	slog.Info("enrichment worker finished",
		"transcript_id", transcriptID, "sentiment", out.Sentiment)
	return nil
}

// preview truncates process output for log lines.
func preview(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
