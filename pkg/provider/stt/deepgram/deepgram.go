// Package deepgram implements the realtime speech-to-text session over the
// Deepgram streaming WebSocket API. Call audio is shipped as binary frames;
// transcription results come back as JSON and are surfaced on a channel,
// tagged with the originating audio channel index so multichannel streams can
// be routed back to the right speaker.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// StreamConfig describes the audio format and recognition options for a new
// live session.
type StreamConfig struct {
	// Language is the recognition language code (e.g. "en", "de").
	Language string

	// Channels is the number of independent audio channels interleaved into
	// each frame. The call connector always streams 2 (caller + callee).
	Channels int

	// SampleRate in Hz. Defaults to 16000.
	SampleRate int
}

// Result is one transcription message from the provider.
type Result struct {
	// Transcript is the text of the first alternative; may be empty.
	Transcript string

	// ChannelIndex identifies the source audio channel as [index, total].
	ChannelIndex []int

	// Start is the utterance start in seconds relative to the beginning of
	// the streaming session.
	Start float64

	// IsFinal marks a stable result; interim results may still change.
	IsFinal bool

	// SpeechFinal marks the end of a spoken utterance.
	SpeechFinal bool
}

// Channel returns the source channel index, or 0 when absent.
func (r Result) Channel() int {
	if len(r.ChannelIndex) == 0 {
		return 0
	}
	return r.ChannelIndex[0]
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider opens live transcription sessions against Deepgram.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg StreamConfig) (*Session, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	sess := &Session{
		conn:    conn,
		results: make(chan Result, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config. The
// option set is fixed to what utterance-end detection needs: interim results,
// VAD events, and a 1 s utterance_end_ms.
func (p *Provider) buildURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	if channels > 1 {
		q.Set("multichannel", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Results message, including the
// channel_index needed for multichannel speaker routing.
type deepgramResponse struct {
	Type         string  `json:"type"`
	ChannelIndex []int   `json:"channel_index"`
	Start        float64 `json:"start"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Session is one live streaming session. Safe for concurrent use; Close is
// idempotent.
type Session struct {
	conn    *websocket.Conn
	results chan Result
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues one interleaved PCM buffer for delivery as a single binary
// frame. Returns an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Results returns the channel of transcription results. It is closed when the
// provider ends the stream.
func (s *Session) Results() <-chan Result { return s.results }

// Finalize asks the provider to flush buffered audio into final results.
func (s *Session) Finalize() error {
	return s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

// Close terminates the session cleanly: flushes pending audio with a
// CloseStream message, waits for both loops, then closes the socket.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Tell Deepgram to flush pending audio before the socket goes away.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary frames.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages and dispatches Results to the consumer.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		res, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- res:
		case <-s.done:
		}
	}
}

// parseDeepgramResponse parses a raw WebSocket message into a Result.
// Non-Results messages (Metadata, SpeechStarted, UtteranceEnd) are skipped.
func parseDeepgramResponse(data []byte) (Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, false
	}
	if resp.Type != "Results" {
		return Result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return Result{}, false
	}

	return Result{
		Transcript:   resp.Channel.Alternatives[0].Transcript,
		ChannelIndex: resp.ChannelIndex,
		Start:        resp.Start,
		IsFinal:      resp.IsFinal,
		SpeechFinal:  resp.SpeechFinal,
	}, true
}
