package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptedLLM answers by matching the system prompt to a canned response.
type scriptedLLM struct {
	cleanOut     string
	summaryOut   string
	mergeOut     string
	sentimentOut string
	failOn       string

	calls []string
}

func (l *scriptedLLM) Complete(_ context.Context, system, user string) (string, error) {
	switch system {
	case cleanPrompt:
		l.calls = append(l.calls, "clean")
		if l.failOn == "clean" {
			return "", errors.New("model unavailable")
		}
		return l.cleanOut, nil
	case summaryPrompt:
		l.calls = append(l.calls, "summary")
		if l.failOn == "summary" {
			return "", errors.New("model unavailable")
		}
		return l.summaryOut, nil
	case mergePrompt:
		l.calls = append(l.calls, "merge")
		return l.mergeOut, nil
	case sentimentPrompt:
		l.calls = append(l.calls, "sentiment")
		if l.failOn == "sentiment" {
			return "", errors.New("model unavailable")
		}
		return l.sentimentOut, nil
	}
	return "", errors.New("unexpected prompt")
}

func TestRunHappyPath(t *testing.T) {
	llm := &scriptedLLM{
		cleanOut:     "Alice: Hello there.\nBob: Hi.",
		summaryOut:   "- Alice greeted Bob",
		sentimentOut: "7",
	}
	p := New(llm)

	res, err := p.Run(context.Background(), "\nAlice: hello\nthere\n\nBob: hi\n")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Cleaned != "Alice: Hello there.\nBob: Hi." {
		t.Errorf("cleaned = %q", res.Cleaned)
	}
	if res.Summary != "- Alice greeted Bob" {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.Sentiment == nil || *res.Sentiment != 7 {
		t.Errorf("sentiment = %v, want 7", res.Sentiment)
	}

	want := []string{"clean", "summary", "sentiment"}
	if strings.Join(llm.calls, ",") != strings.Join(want, ",") {
		t.Errorf("stage order = %v, want %v", llm.calls, want)
	}
}

func TestRunSentimentParsing(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want *int
	}{
		{"plain integer", "8", intPtr(8)},
		{"integer with prose", "The sentiment is 6 out of 10.", intPtr(6)},
		{"clamped high", "42", intPtr(10)},
		{"clamped low", "-3", intPtr(0)},
		{"no integer", "fairly positive", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &scriptedLLM{cleanOut: "text", summaryOut: "s", sentimentOut: tt.out}
			res, err := New(llm).Run(context.Background(), "Alice: hi")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			switch {
			case tt.want == nil && res.Sentiment != nil:
				t.Errorf("sentiment = %d, want nil", *res.Sentiment)
			case tt.want != nil && (res.Sentiment == nil || *res.Sentiment != *tt.want):
				t.Errorf("sentiment = %v, want %d", res.Sentiment, *tt.want)
			}
		})
	}
}

func TestRunFailureIsAllOrNothing(t *testing.T) {
	for _, stage := range []string{"clean", "summary", "sentiment"} {
		llm := &scriptedLLM{
			cleanOut: "c", summaryOut: "s", sentimentOut: "5",
			failOn: stage,
		}
		if _, err := New(llm).Run(context.Background(), "Alice: hi"); err == nil {
			t.Errorf("Run succeeded despite %s-stage failure", stage)
		}
	}
}

func TestRunEmptyTranscript(t *testing.T) {
	llm := &scriptedLLM{}
	res, err := New(llm).Run(context.Background(), "   \n  ")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Cleaned != "" || res.Summary != "" || res.Sentiment != nil {
		t.Errorf("result = %+v, want zero values", res)
	}
	if len(llm.calls) != 0 {
		t.Errorf("model called %v times for empty input", llm.calls)
	}
}

func intPtr(v int) *int { return &v }
