// Package httpapi serves the batch transcription API: WAV uploads driven
// through a batch STT provider with optional persistence and enrichment, the
// speech synthesis passthrough, and the voice model catalog. It also exposes
// the health and metrics endpoints.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arivox/arivox/internal/health"
	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/internal/store"
	"github.com/arivox/arivox/pkg/provider/transcribe"
	"github.com/arivox/arivox/pkg/provider/tts"
)

// maxUploadSize bounds the multipart form held in memory per request.
const maxUploadSize = 64 << 20

// ttsChunkSize is the per-request text cap of the synthesis provider.
const ttsChunkSize = 2000

// TranscriptStore is the slice of the persistence layer the API drives.
type TranscriptStore interface {
	UpsertTranscriptProgress(ctx context.Context, uniqueid string) (int64, error)
	UpsertTranscriptRaw(ctx context.Context, uniqueid, raw string) (int64, error)
	SetTranscriptState(ctx context.Context, id int64, state string) error
}

// Enricher hands a stored transcript to the enrichment worker.
type Enricher interface {
	Enrich(ctx context.Context, transcriptID int64, raw string, summary bool) error
}

// Config holds the server's static settings.
type Config struct {
	// APIToken guards /api/* when non-empty.
	APIToken string

	// DefaultProvider is used when a request names no provider.
	DefaultProvider string
}

// Server is the HTTP API. Construct with New, mount via Handler.
type Server struct {
	cfg       Config
	providers map[string]transcribe.Provider
	synth     tts.Synthesizer
	store     TranscriptStore
	enricher  Enricher
	health    *health.Handler
	metrics   *observe.Metrics
	splitter  *store.Splitter
}

// Option configures a Server.
type Option func(*Server)

// WithStore enables transcript persistence.
func WithStore(ts TranscriptStore) Option {
	return func(s *Server) { s.store = ts }
}

// WithEnricher enables the enrichment hand-off after persistence.
func WithEnricher(e Enricher) Option {
	return func(s *Server) { s.enricher = e }
}

// WithSynthesizer enables the /api/get_speech endpoint.
func WithSynthesizer(synth tts.Synthesizer) Option {
	return func(s *Server) { s.synth = synth }
}

// WithHealth mounts the given health handler's probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates the Server. providers maps provider names to their batch
// implementations; cfg.DefaultProvider must be one of its keys.
func New(cfg Config, providers map[string]transcribe.Provider, opts ...Option) (*Server, error) {
	if len(providers) == 0 {
		return nil, errors.New("httpapi: at least one transcription provider is required")
	}
	if _, ok := providers[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("httpapi: default provider %q is not registered", cfg.DefaultProvider)
	}
	s := &Server{
		cfg:       cfg,
		providers: providers,
		health:    health.New(),
		splitter:  store.NewSplitter(ttsChunkSize, 0, store.DefaultSeparators),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Handler returns the fully assembled HTTP handler, with the observability
// middleware outermost.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/get_transcription", s.auth(http.HandlerFunc(s.handleGetTranscription)))
	mux.Handle("POST /api/get_speech", s.auth(http.HandlerFunc(s.handleGetSpeech)))
	mux.Handle("GET /api/get_models", s.auth(http.HandlerFunc(s.handleGetModels)))

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// auth enforces the process-wide API token. Disabled when the token is empty.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Api-Token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "invalid or missing API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleGetTranscription receives one WAV upload, drives the batch provider,
// and optionally persists and enriches the result.
func (s *Server) handleGetTranscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file upload")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType != "audio/wav" && contentType != "audio/x-wav" {
		writeError(w, http.StatusBadRequest, "invalid file type, only WAV files are supported")
		return
	}

	params := s.requestParams(r)
	providerName := params["provider"]
	if providerName == "" {
		providerName = s.cfg.DefaultProvider
	}
	provider, ok := s.providers[providerName]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown transcription provider "+providerName)
		return
	}

	persist := parseBool(params["persist"])
	summary := parseBool(params["summary"])

	var transcriptID int64
	uniqueid := params["uniqueid"]
	if persist {
		if s.store == nil {
			writeError(w, http.StatusBadRequest, "persistence is not configured")
			return
		}
		if err := store.ValidateUniqueID(uniqueid); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		transcriptID, err = s.store.UpsertTranscriptProgress(ctx, uniqueid)
		if err != nil {
			slog.Error("failed to reserve transcript row", "uniqueid", uniqueid, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to reserve transcript")
			return
		}
	}

	audio, err := io.ReadAll(file)
	if err != nil {
		s.markFailed(persist, transcriptID)
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	start := time.Now()
	result, err := provider.Transcribe(ctx, audio, contentType, params)
	s.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(ctx, providerName, "transcribe")
		s.markFailed(persist, transcriptID)
		writeProviderError(w, err)
		return
	}
	s.metrics.RecordProviderRequest(ctx, providerName, "transcribe", "ok")

	transcript := renameSpeakers(result.RawTranscription,
		params["channel0_name"], params["channel1_name"])

	if persist {
		if _, err := s.store.UpsertTranscriptRaw(ctx, uniqueid, transcript); err != nil {
			slog.Error("failed to store raw transcript", "uniqueid", uniqueid, "err", err)
			s.markFailed(persist, transcriptID)
			writeError(w, http.StatusInternalServerError, "failed to store transcript")
			return
		}
		s.finalize(transcriptID, transcript, summary)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transcript":        transcript,
		"detected_language": orNil(result.DetectedLanguage),
	})
}

// finalize drives the post-storage state machine: hand off to the worker when
// enrichment is available, else mark done right away. It blocks until the row
// reaches done or failed, so a persisted transcript is never left in progress
// or summarizing once the response goes out; the worker's own timeout bounds
// the wait.
func (s *Server) finalize(transcriptID int64, transcript string, summary bool) {
	if s.enricher == nil {
		s.setState(transcriptID, store.StateDone)
		return
	}
	if summary {
		s.setState(transcriptID, store.StateSummarizing)
	}
	start := time.Now()
	err := s.enricher.Enrich(context.Background(), transcriptID, transcript, summary)
	s.metrics.EnrichDuration.Record(context.Background(), time.Since(start).Seconds())
	if err != nil {
		slog.Error("enrichment failed", "transcript_id", transcriptID, "err", err)
		s.setState(transcriptID, store.StateFailed)
		return
	}
	s.setState(transcriptID, store.StateDone)
}

func (s *Server) setState(transcriptID int64, state string) {
	if err := s.store.SetTranscriptState(context.Background(), transcriptID, state); err != nil {
		slog.Error("failed to set transcript state",
			"transcript_id", transcriptID, "state", state, "err", err)
	}
}

// markFailed moves a reserved row to failed, best-effort.
func (s *Server) markFailed(persist bool, transcriptID int64) {
	if !persist || s.store == nil {
		return
	}
	s.setState(transcriptID, store.StateFailed)
}

// handleGetSpeech synthesizes the given text chunk-by-chunk and streams the
// concatenated MP3 back as an attachment.
func (s *Server) handleGetSpeech(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.synth == nil {
		writeError(w, http.StatusServiceUnavailable, "speech synthesis is not configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form data")
		return
	}

	text := strings.TrimSpace(r.FormValue("text"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "missing text")
		return
	}

	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		if language := strings.TrimSpace(r.FormValue("language")); language != "" {
			model = defaultModelFor(language)
		}
	}

	chunks := s.splitter.SplitForEmbedding(text)
	var audio []byte
	start := time.Now()
	for _, chunk := range chunks {
		part, err := s.synth.Synthesize(ctx, chunk, model)
		if err != nil {
			s.metrics.RecordProviderError(ctx, "deepgram", "tts")
			writeProviderError(w, err)
			return
		}
		audio = append(audio, part...)
	}
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	var suffix [8]byte
	rand.Read(suffix[:])

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "speech-"+hex.EncodeToString(suffix[:])+".mp3"))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

// handleGetModels returns the static voice catalog, filtered by language.
func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	language := strings.TrimSpace(r.URL.Query().Get("language"))
	writeJSON(w, http.StatusOK, map[string]any{"models": filterModels(language)})
}

// requestParams flattens query and form values into one map. Form values win
// on collision.
func (s *Server) requestParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	if r.MultipartForm != nil {
		for k, vs := range r.MultipartForm.Value {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
	}
	return params
}

// renameSpeakers substitutes the generic channel labels of a diarized
// transcript with the caller-supplied names.
func renameSpeakers(transcript, channel0, channel1 string) string {
	if channel0 != "" {
		transcript = strings.ReplaceAll(transcript, "Channel 0:", channel0+":")
		transcript = strings.ReplaceAll(transcript, "Speaker 0:", channel0+":")
	}
	if channel1 != "" {
		transcript = strings.ReplaceAll(transcript, "Channel 1:", channel1+":")
		transcript = strings.ReplaceAll(transcript, "Speaker 1:", channel1+":")
	}
	return transcript
}

// writeProviderError maps an upstream failure to the response status: the
// provider's own HTTP status passes through verbatim, deadline hits become
// 504, transport failures 502, anything else 500.
func writeProviderError(w http.ResponseWriter, err error) {
	var tse *transcribe.StatusError
	var sse *tts.StatusError
	switch {
	case errors.As(err, &tse):
		writeError(w, tse.Status, "provider error: "+tse.Body)
	case errors.As(err, &sse):
		writeError(w, sse.Status, "provider error: "+sse.Body)
	case transcribe.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "provider timed out")
	case transcribe.IsConnectError(err):
		writeError(w, http.StatusBadGateway, "provider unreachable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
