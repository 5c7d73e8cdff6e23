package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeepgramDefaultsAndOverrides(t *testing.T) {
	var gotQuery map[string][]string
	var gotAuth, gotContentType, gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		io.WriteString(w, `{"results":{"channels":[{"detected_language":"en","alternatives":[{"paragraphs":{"transcript":"Speaker 0: Hello."}}]}]}}`)
	}))
	defer srv.Close()

	d, err := NewDeepgram("dg-key", WithDeepgramEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}

	res, err := d.Transcribe(context.Background(), []byte("RIFFdata"), "audio/wav", map[string]string{
		"model":    "nova-2",
		"language": "de",
		"diarize":  "true",
		"bogus":    "dropped",
		"numerals": "  ",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if gotAuth != "Token dg-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "audio/wav" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody != "RIFFdata" {
		t.Errorf("body = %q", gotBody)
	}

	wantQuery := map[string]string{
		"model":           "nova-2",
		"language":        "de",
		"diarize":         "true",
		"detect_language": "true",
		"numerals":        "true",
		"paragraphs":      "true",
		"punctuate":       "true",
		"sentiment":       "false",
		"smart_format":    "true",
	}
	for k, want := range wantQuery {
		if got := gotQuery[k]; len(got) != 1 || got[0] != want {
			t.Errorf("query %s = %v, want %q", k, got, want)
		}
	}
	if _, ok := gotQuery["bogus"]; ok {
		t.Error("unknown parameter forwarded")
	}
	if _, ok := gotQuery["utterances"]; ok {
		t.Error("blank-default parameter sent unsolicited")
	}

	if res.RawTranscription != "Speaker 0: Hello." {
		t.Errorf("transcript = %q", res.RawTranscription)
	}
	if res.DetectedLanguage != "en" {
		t.Errorf("detected language = %q", res.DetectedLanguage)
	}
}

func TestDeepgramTopLevelParagraphs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"results":{"paragraphs":{"transcript":" Top level. "},"channels":[{"detected_language":"fr"}]}}`)
	}))
	defer srv.Close()

	d, _ := NewDeepgram("k", WithDeepgramEndpoint(srv.URL))
	res, err := d.Transcribe(context.Background(), nil, "audio/wav", nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.RawTranscription != "Top level." {
		t.Errorf("transcript = %q", res.RawTranscription)
	}
	if res.DetectedLanguage != "fr" {
		t.Errorf("detected language = %q", res.DetectedLanguage)
	}
}

func TestDeepgramMissingTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"results":{"channels":[{"alternatives":[{}]}]}}`)
	}))
	defer srv.Close()

	d, _ := NewDeepgram("k", WithDeepgramEndpoint(srv.URL))
	if _, err := d.Transcribe(context.Background(), nil, "audio/wav", nil); err == nil {
		t.Fatal("Transcribe succeeded without a paragraphs transcript")
	}
}

func TestDeepgramStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"err_msg":"bad audio"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	d, _ := NewDeepgram("k", WithDeepgramEndpoint(srv.URL))
	_, err := d.Transcribe(context.Background(), nil, "audio/wav", nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if se.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", se.Status)
	}
	if !strings.Contains(se.Body, "bad audio") {
		t.Errorf("body = %q", se.Body)
	}
}

func TestDeepgramTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	d, _ := NewDeepgram("k", WithDeepgramEndpoint(srv.URL), WithDeepgramTimeout(20*time.Millisecond))
	_, err := d.Transcribe(context.Background(), nil, "audio/wav", nil)
	if err == nil {
		t.Fatal("Transcribe succeeded past deadline")
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
}

func TestDeepgramConnectError(t *testing.T) {
	d, _ := NewDeepgram("k", WithDeepgramEndpoint("http://127.0.0.1:1"))
	_, err := d.Transcribe(context.Background(), nil, "audio/wav", nil)
	if err == nil {
		t.Fatal("Transcribe succeeded against a closed port")
	}
	if !IsConnectError(err) {
		t.Errorf("IsConnectError(%v) = false", err)
	}
}

func TestNewDeepgramEmptyKey(t *testing.T) {
	if _, err := NewDeepgram(""); err == nil {
		t.Fatal("NewDeepgram accepted an empty key")
	}
}

func TestVoxtralDiarizedFormatting(t *testing.T) {
	var form map[string][]string
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		form = r.MultipartForm.Value
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{
			"text": "hi there hello yes",
			"language": "en",
			"segments": [
				{"text": "hi there", "speaker_id": "speaker_0"},
				{"text": "hello", "speaker_id": "speaker_1"},
				{"text": "yes", "speaker_id": "speaker_1"}
			]
		}`)
	}))
	defer srv.Close()

	v, err := NewVoxtral("vox-key", WithVoxtralEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewVoxtral: %v", err)
	}

	res, err := v.Transcribe(context.Background(), []byte("RIFF"), "audio/wav", nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if gotAuth != "Bearer vox-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if got := form["model"]; len(got) != 1 || got[0] != DefaultVoxtralModel {
		t.Errorf("model = %v", got)
	}
	if got := form["diarize"]; len(got) != 1 || got[0] != "true" {
		t.Errorf("diarize = %v", got)
	}
	if got := form["timestamp_granularities"]; len(got) != 1 || got[0] != "segment" {
		t.Errorf("timestamp_granularities = %v", got)
	}

	want := "speaker_0: hi there\n\nspeaker_1: hello\nyes"
	if res.RawTranscription != want {
		t.Errorf("transcript = %q, want %q", res.RawTranscription, want)
	}
	if res.DetectedLanguage != "en" {
		t.Errorf("detected language = %q", res.DetectedLanguage)
	}
}

func TestVoxtralDiarizeDisabled(t *testing.T) {
	var form map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		form = r.MultipartForm.Value
		io.WriteString(w, `{"text": " plain text ", "segments": [{"text":"ignored","speaker_id":"s0"}]}`)
	}))
	defer srv.Close()

	v, _ := NewVoxtral("k", WithVoxtralEndpoint(srv.URL))
	res, err := v.Transcribe(context.Background(), nil, "audio/wav", map[string]string{"diarize": "No"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if got := form["diarize"]; len(got) != 1 || got[0] != "false" {
		t.Errorf("diarize = %v", got)
	}
	if _, ok := form["timestamp_granularities"]; ok {
		t.Error("granularities sent with diarization off")
	}
	if res.RawTranscription != "plain text" {
		t.Errorf("transcript = %q", res.RawTranscription)
	}
}

func TestVoxtralParamHandling(t *testing.T) {
	var form map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		form = r.MultipartForm.Value
		io.WriteString(w, `{"text": "ok"}`)
	}))
	defer srv.Close()

	v, _ := NewVoxtral("k", WithVoxtralEndpoint(srv.URL))
	_, err := v.Transcribe(context.Background(), nil, "audio/wav", map[string]string{
		"model":                   "voxtral-small-latest",
		"language":                "de",
		"temperature":             "not-a-number",
		"context_bias":            "Asterisk, ARI, ,pgvector",
		"timestamp_granularities": "segment,word,paragraph",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if got := form["model"]; len(got) != 1 || got[0] != "voxtral-small-latest" {
		t.Errorf("model = %v", got)
	}
	if got := form["language"]; len(got) != 1 || got[0] != "de" {
		t.Errorf("language = %v", got)
	}
	if _, ok := form["temperature"]; ok {
		t.Error("unparseable temperature forwarded")
	}
	if got := form["context_bias"]; len(got) != 3 || got[0] != "Asterisk" || got[2] != "pgvector" {
		t.Errorf("context_bias = %v", got)
	}
	if got := form["timestamp_granularities"]; len(got) != 2 || got[0] != "segment" || got[1] != "word" {
		t.Errorf("timestamp_granularities = %v", got)
	}
}

func TestVoxtralEmptyTranscriptIsValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"text": "", "language": "en"}`)
	}))
	defer srv.Close()

	v, _ := NewVoxtral("k", WithVoxtralEndpoint(srv.URL))
	res, err := v.Transcribe(context.Background(), nil, "audio/wav", nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.RawTranscription != "" {
		t.Errorf("transcript = %q, want empty", res.RawTranscription)
	}
}

func TestVoxtralStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	v, _ := NewVoxtral("k", WithVoxtralEndpoint(srv.URL))
	_, err := v.Transcribe(context.Background(), nil, "audio/wav", nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if se.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", se.Status)
	}
}
