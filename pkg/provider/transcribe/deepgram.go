package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// deepgramParams is the accepted parameter set of the prerecorded listen
// endpoint, with our defaults. Request parameters outside this table are
// dropped; blank defaults mean "only when the caller asks".
var deepgramParams = []struct{ key, def string }{
	{"callback", ""},
	{"callback_method", ""},
	{"custom_topic", ""},
	{"custom_topic_mode", ""},
	{"custom_intent", ""},
	{"custom_intent_mode", ""},
	{"detect_entities", ""},
	{"detect_language", "true"},
	{"diarize", ""},
	{"dictation", ""},
	{"encoding", ""},
	{"extra", ""},
	{"filler_words", ""},
	{"intents", ""},
	{"keyterm", ""},
	{"keywords", ""},
	{"language", ""},
	{"measurements", ""},
	{"mip_opt_out", ""},
	{"model", "nova-3"},
	{"multichannel", ""},
	{"numerals", "true"},
	{"paragraphs", "true"},
	{"profanity_filter", ""},
	{"punctuate", "true"},
	{"redact", ""},
	{"replace", ""},
	{"search", ""},
	{"sentiment", "false"},
	{"smart_format", "true"},
	{"summarize", ""},
	{"tag", ""},
	{"topics", ""},
	{"utterances", ""},
	{"utt_split", ""},
	{"version", ""},
}

// Compile-time interface check.
var _ Provider = (*Deepgram)(nil)

// Deepgram transcribes prerecorded audio via the Deepgram REST API.
type Deepgram struct {
	apiKey   string
	endpoint string
	httpc    *http.Client
}

// DeepgramOption configures a Deepgram provider.
type DeepgramOption func(*Deepgram)

// WithDeepgramEndpoint overrides the listen endpoint. Used in tests.
func WithDeepgramEndpoint(endpoint string) DeepgramOption {
	return func(d *Deepgram) { d.endpoint = endpoint }
}

// WithDeepgramTimeout sets the read/write timeout (default 300 s).
func WithDeepgramTimeout(timeout time.Duration) DeepgramOption {
	return func(d *Deepgram) { d.httpc = newHTTPClient(timeout) }
}

// NewDeepgram creates the provider. apiKey must be non-empty.
func NewDeepgram(apiKey string, opts ...DeepgramOption) (*Deepgram, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("transcribe: deepgram api key must not be empty")
	}
	d := &Deepgram{
		apiKey:   apiKey,
		endpoint: deepgramListenURL,
		httpc:    newHTTPClient(DefaultTimeout),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// deepgramResponse covers the two places the paragraphs transcript can live.
type deepgramResponse struct {
	Results struct {
		Paragraphs *struct {
			Transcript string `json:"transcript"`
		} `json:"paragraphs"`
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Paragraphs *struct {
					Transcript string `json:"transcript"`
				} `json:"paragraphs"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements Provider.
func (d *Deepgram) Transcribe(ctx context.Context, audio []byte, contentType string, params map[string]string) (Result, error) {
	q := url.Values{}
	for _, p := range deepgramParams {
		if v, ok := params[p.key]; ok && strings.TrimSpace(v) != "" {
			q.Set(p.key, v)
		} else if p.def != "" {
			q.Set(p.key, p.def)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"?"+q.Encode(), bytes.NewReader(audio))
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: build deepgram request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: deepgram request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: read deepgram response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, &StatusError{Status: resp.StatusCode, Body: truncate(string(body), 500)}
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("transcribe: decode deepgram response: %w", err)
	}

	var transcript string
	switch {
	case parsed.Results.Paragraphs != nil:
		transcript = strings.TrimSpace(parsed.Results.Paragraphs.Transcript)
	case len(parsed.Results.Channels) > 0 &&
		len(parsed.Results.Channels[0].Alternatives) > 0 &&
		parsed.Results.Channels[0].Alternatives[0].Paragraphs != nil:
		transcript = strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Paragraphs.Transcript)
	default:
		return Result{}, fmt.Errorf("transcribe: deepgram response carries no paragraphs transcript")
	}

	res := Result{RawTranscription: transcript}
	if len(parsed.Results.Channels) > 0 {
		res.DetectedLanguage = parsed.Results.Channels[0].DetectedLanguage
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
