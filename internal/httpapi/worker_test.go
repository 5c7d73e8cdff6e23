package httpapi

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// writeScript drops an executable shell script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script workers are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestWorkerEnrich(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "input.json")
	script := writeScript(t,
		`cat > `+capture+`
echo '{"ok": true, "sentiment": 7}'
`)

	w := NewWorker(script, 5*time.Second)
	if err := w.Enrich(context.Background(), 42, "Alice: hi\nBob: hello", true); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	raw, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("read captured input: %v", err)
	}
	var in workerInput
	if err := json.Unmarshal(raw, &in); err != nil {
		t.Fatalf("decode captured input: %v", err)
	}
	if in.TranscriptID != 42 || !in.Summary || in.RawTranscription != "Alice: hi\nBob: hello" {
		t.Errorf("worker input = %+v", in)
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	script := writeScript(t, `echo '{"ok": false}'`+"\n")

	w := NewWorker(script, 5*time.Second)
	if err := w.Enrich(context.Background(), 1, "hi", false); err == nil {
		t.Fatal("Enrich accepted a failed verdict")
	}
}

func TestWorkerNonZeroExit(t *testing.T) {
	script := writeScript(t, "exit 1\n")

	w := NewWorker(script, 5*time.Second)
	if err := w.Enrich(context.Background(), 1, "hi", false); err == nil {
		t.Fatal("Enrich accepted a non-zero exit")
	}
}

func TestWorkerTimeout(t *testing.T) {
	script := writeScript(t, "sleep 5\n")

	w := NewWorker(script, 50*time.Millisecond)
	start := time.Now()
	err := w.Enrich(context.Background(), 1, "hi", false)
	if err == nil {
		t.Fatal("Enrich survived a wedged worker")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}
