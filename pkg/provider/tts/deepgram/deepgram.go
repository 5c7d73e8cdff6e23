// Package deepgram implements tts.Synthesizer against the Deepgram speak API.
// The response is MP3 so chunk outputs can be concatenated byte-for-byte.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/arivox/arivox/pkg/provider/tts"
)

const (
	speakURL       = "https://api.deepgram.com/v1/speak"
	defaultModel   = "aura-2-thalia-en"
	defaultTimeout = 60 * time.Second
)

// Compile-time interface check.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer calls the Deepgram speak endpoint.
type Synthesizer struct {
	apiKey   string
	endpoint string
	model    string
	httpc    *http.Client
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the default voice model (e.g. "aura-2-thalia-en").
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		if model != "" {
			s.model = model
		}
	}
}

// WithEndpoint overrides the speak endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(s *Synthesizer) { s.endpoint = endpoint }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Synthesizer) { s.httpc = &http.Client{Timeout: timeout} }
}

// New creates a Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:   apiKey,
		endpoint: speakURL,
		model:    defaultModel,
		httpc:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Synthesize implements tts.Synthesizer. It posts one chunk and returns the
// MP3 bytes.
func (s *Synthesizer) Synthesize(ctx context.Context, text, model string) ([]byte, error) {
	if model == "" {
		model = s.model
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("deepgram: encode speak request: %w", err)
	}

	q := url.Values{}
	q.Set("model", model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"?"+q.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: speak request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read speak response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &tts.StatusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
