package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const voxtralTranscribeURL = "https://api.mistral.ai/v1/audio/transcriptions"

// DefaultVoxtralModel is used when the request names no model.
const DefaultVoxtralModel = "voxtral-mini-latest"

// maxContextBias caps the number of bias terms forwarded to the API.
const maxContextBias = 100

// Compile-time interface check.
var _ Provider = (*Voxtral)(nil)

// Voxtral transcribes prerecorded audio via Mistral's Voxtral API. Diarization
// is on by default so multichannel call recordings come back speaker-labelled.
type Voxtral struct {
	apiKey   string
	endpoint string
	httpc    *http.Client
}

// VoxtralOption configures a Voxtral provider.
type VoxtralOption func(*Voxtral)

// WithVoxtralEndpoint overrides the transcription endpoint. Used in tests.
func WithVoxtralEndpoint(endpoint string) VoxtralOption {
	return func(v *Voxtral) { v.endpoint = endpoint }
}

// WithVoxtralTimeout sets the read/write timeout (default 300 s).
func WithVoxtralTimeout(timeout time.Duration) VoxtralOption {
	return func(v *Voxtral) { v.httpc = newHTTPClient(timeout) }
}

// NewVoxtral creates the provider. apiKey must be non-empty.
func NewVoxtral(apiKey string, opts ...VoxtralOption) (*Voxtral, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("transcribe: voxtral api key must not be empty")
	}
	v := &Voxtral{
		apiKey:   apiKey,
		endpoint: voxtralTranscribeURL,
		httpc:    newHTTPClient(DefaultTimeout),
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

type voxtralSegment struct {
	Text      string `json:"text"`
	Speaker   string `json:"speaker"`
	SpeakerID string `json:"speaker_id"`
}

type voxtralResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []voxtralSegment `json:"segments"`
}

// diarizeDisabled reports whether the caller explicitly turned diarization off.
func diarizeDisabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "no":
		return true
	}
	return false
}

// Transcribe implements Provider.
func (v *Voxtral) Transcribe(ctx context.Context, audio []byte, contentType string, params map[string]string) (Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: build voxtral form: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return Result{}, fmt.Errorf("transcribe: build voxtral form: %w", err)
	}

	model := strings.TrimSpace(params["model"])
	if model == "" {
		model = DefaultVoxtralModel
	}
	mw.WriteField("model", model)

	if lang := strings.TrimSpace(params["language"]); lang != "" {
		mw.WriteField("language", lang)
	}

	diarize := !diarizeDisabled(params["diarize"])
	mw.WriteField("diarize", strconv.FormatBool(diarize))

	granularities := splitList(params["timestamp_granularities"])
	kept := granularities[:0]
	for _, g := range granularities {
		if g == "segment" || g == "word" {
			kept = append(kept, g)
		}
	}
	if len(kept) == 0 && diarize {
		kept = []string{"segment"}
	}
	for _, g := range kept {
		mw.WriteField("timestamp_granularities", g)
	}

	if raw := strings.TrimSpace(params["temperature"]); raw != "" {
		if _, err := strconv.ParseFloat(raw, 64); err == nil {
			mw.WriteField("temperature", raw)
		}
	}

	bias := splitList(params["context_bias"])
	if len(bias) > maxContextBias {
		bias = bias[:maxContextBias]
	}
	for _, term := range bias {
		mw.WriteField("context_bias", term)
	}

	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("transcribe: build voxtral form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: build voxtral request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := v.httpc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: voxtral request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: read voxtral response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, &StatusError{Status: resp.StatusCode, Body: truncate(string(body), 500)}
	}

	var parsed voxtralResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("transcribe: decode voxtral response: %w", err)
	}

	transcript := strings.TrimSpace(parsed.Text)
	if diarize && len(parsed.Segments) > 0 {
		transcript = formatDiarized(parsed.Segments)
	}
	return Result{RawTranscription: transcript, DetectedLanguage: parsed.Language}, nil
}

// formatDiarized renders segments with a speaker label on each speaker change,
// matching the shape of the realtime final transcript.
func formatDiarized(segments []voxtralSegment) string {
	lines := make([]string, 0, len(segments))
	current := ""
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		speaker := seg.SpeakerID
		if speaker == "" {
			speaker = seg.Speaker
		}
		if speaker != "" && speaker != current {
			current = speaker
			lines = append(lines, "\n"+speaker+": "+text)
		} else {
			lines = append(lines, text)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// splitList splits a comma-separated parameter, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
