// Package connector pairs the two directional RTP buffers of a call into one
// interleaved 16-bit stereo stream, keeps the speech-to-text session fed, and
// routes inbound transcription results to the message bus. One Connector
// serves exactly one call.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/pkg/provider/stt/deepgram"
)

const (
	// targetSize is the per-direction byte goal of one pump iteration.
	targetSize = 5120

	// pollSize is the granularity of individual ring-buffer reads.
	pollSize = 320

	// collectDeadline bounds one pump iteration so short utterances are not
	// held back waiting for a full buffer.
	collectDeadline = 250 * time.Millisecond

	// pollSleep yields the pump when a poll comes back empty so many
	// concurrent calls stay fair.
	pollSleep = 10 * time.Millisecond

	// idleSleep is the keep-alive pause when both directions are silent.
	idleSleep = 100 * time.Millisecond

	// audioQueueCap bounds the pump-to-shipper queue. The pump blocks when
	// it is full; ring-buffer eviction keeps total memory bounded.
	audioQueueCap = 100
)

// AudioSource is a non-blocking byte reader. A read returns at most n bytes
// and nil when no audio is buffered. *rtp.RingBuffer satisfies it.
type AudioSource interface {
	Read(n int) []byte
}

// Publisher sends one message on the bus. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload any) bool
}

// Session is the live speech-to-text session the connector feeds.
type Session interface {
	SendAudio(chunk []byte) error
	Results() <-chan deepgram.Result
	Finalize() error
	Close() error
}

// SessionDialer opens a live session for the given stream config.
type SessionDialer func(ctx context.Context, cfg deepgram.StreamConfig) (Session, error)

// Config identifies the call a Connector serves and the two speakers on it.
type Config struct {
	UniqueID string
	Language string

	SpeakerNameIn    string
	SpeakerNumberIn  string
	SpeakerNameOut   string
	SpeakerNumberOut string

	// CallElapsedAtStart is how far into the call transcription started,
	// in seconds. When ElapsedKnown is set, every transcription message
	// carries call_elapsed_seconds so consumers can align multiple
	// transcription sessions of the same call.
	CallElapsedAtStart float64
	ElapsedKnown       bool
}

// utterance is one final transcription kept for the consolidated transcript.
type utterance struct {
	speaker string
	text    string
}

// Connector streams a call's audio to the provider and publishes what comes
// back. Create with New, then Start; Close is idempotent.
type Connector struct {
	cfg  Config
	bus  Publisher
	in   AudioSource
	out  AudioSource
	dial SessionDialer

	session Session
	metrics *observe.Metrics
	audioq  chan []byte
	done    chan struct{}
	pumpWG  sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	completeCall []utterance
}

// New creates a Connector for one call. in and out are the directional audio
// buffers; dial opens the provider session on Start.
func New(cfg Config, bus Publisher, in, out AudioSource, dial SessionDialer) *Connector {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Connector{
		cfg:     cfg,
		bus:     bus,
		in:      in,
		out:     out,
		dial:    dial,
		metrics: observe.DefaultMetrics(),
		audioq:  make(chan []byte, audioQueueCap),
		done:    make(chan struct{}),
	}
}

// Start opens the provider session and launches the audio pump, the audio
// shipper, and the result router.
func (c *Connector) Start(ctx context.Context) error {
	sess, err := c.dial(ctx, deepgram.StreamConfig{
		Language:   c.cfg.Language,
		Channels:   2,
		SampleRate: 16000,
	})
	if err != nil {
		return fmt.Errorf("connector: start session for %s: %w", c.cfg.UniqueID, err)
	}
	c.session = sess
	c.metrics.ActiveConnectors.Add(ctx, 1)

	c.pumpWG.Add(2)
	go c.pumpLoop()
	go c.shipLoop()
	go c.resultLoop()

	slog.Info("transcription connector started", "uniqueid", c.cfg.UniqueID,
		"language", c.cfg.Language)
	return nil
}

// pumpLoop collects audio from both directions, interleaves it into stereo
// frames and queues them for the shipper.
func (c *Connector) pumpLoop() {
	defer c.pumpWG.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}

		bufIn, bufOut := c.collect()
		if len(bufIn) == 0 && len(bufOut) == 0 {
			select {
			case <-time.After(idleSleep):
				continue
			case <-c.done:
				return
			}
		}

		select {
		case c.audioq <- interleave(bufIn, bufOut):
		case <-c.done:
			return
		}
	}
}

// collect polls both ring buffers in pollSize reads until either direction
// reaches targetSize or the deadline passes.
func (c *Connector) collect() (bufIn, bufOut []byte) {
	deadline := time.Now().Add(collectDeadline)
	for len(bufIn) < targetSize && len(bufOut) < targetSize && time.Now().Before(deadline) {
		progressed := false
		if len(bufIn) < targetSize {
			if chunk := c.in.Read(pollSize); len(chunk) > 0 {
				bufIn = append(bufIn, chunk...)
				progressed = true
			}
		}
		if len(bufOut) < targetSize {
			if chunk := c.out.Read(pollSize); len(chunk) > 0 {
				bufOut = append(bufOut, chunk...)
				progressed = true
			}
		}
		if !progressed {
			select {
			case <-time.After(pollSleep):
			case <-c.done:
				return bufIn, bufOut
			}
		}
	}
	return bufIn, bufOut
}

// shipLoop forwards queued frames to the provider session. A send failure
// tears the connector down.
func (c *Connector) shipLoop() {
	defer c.pumpWG.Done()
	for {
		select {
		case frame := <-c.audioq:
			if err := c.session.SendAudio(frame); err != nil {
				select {
				case <-c.done:
				default:
					slog.Error("failed to ship audio", "uniqueid", c.cfg.UniqueID, "err", err)
					go c.Close()
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// resultLoop routes provider results until the session's result channel
// closes.
func (c *Connector) resultLoop() {
	for res := range c.session.Results() {
		c.handleResult(res)
	}
}

// handleResult publishes one transcription event and records finals for the
// consolidated transcript.
func (c *Connector) handleResult(res deepgram.Result) {
	if res.Transcript == "" {
		return
	}

	speakerName, speakerNumber := c.cfg.SpeakerNameIn, c.cfg.SpeakerNumberIn
	counterpartName, counterpartNumber := c.cfg.SpeakerNameOut, c.cfg.SpeakerNumberOut
	if res.Channel() != 0 {
		speakerName, speakerNumber = c.cfg.SpeakerNameOut, c.cfg.SpeakerNumberOut
		counterpartName, counterpartNumber = c.cfg.SpeakerNameIn, c.cfg.SpeakerNumberIn
	}

	payload := map[string]any{
		"uniqueid":                   c.cfg.UniqueID,
		"transcription":              res.Transcript,
		"timestamp":                  res.Start,
		"speaker_name":               speakerName,
		"speaker_number":             speakerNumber,
		"speaker_counterpart_name":   counterpartName,
		"speaker_counterpart_number": counterpartNumber,
		"is_final":                   res.IsFinal,
	}
	if c.cfg.ElapsedKnown {
		payload["call_elapsed_seconds"] = c.cfg.CallElapsedAtStart + res.Start
	}
	c.bus.Publish("transcription", payload)

	kind := "partial"
	if res.IsFinal {
		kind = "final"
	}
	c.metrics.RecordTranscriptionEvent(context.Background(), kind)

	if res.IsFinal {
		c.mu.Lock()
		c.completeCall = append(c.completeCall, utterance{speaker: speakerName, text: res.Transcript})
		c.mu.Unlock()
	}
}

// Close stops the audio tasks, flushes and closes the provider session, and
// publishes the consolidated transcript on the final topic. Safe to call
// from any goroutine; re-entrant calls return immediately.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.pumpWG.Wait()

	if c.session != nil {
		if err := c.session.Finalize(); err != nil {
			slog.Warn("failed to finalize session", "uniqueid", c.cfg.UniqueID, "err", err)
		}
		if err := c.session.Close(); err != nil {
			slog.Warn("failed to close session", "uniqueid", c.cfg.UniqueID, "err", err)
		}
		c.metrics.ActiveConnectors.Add(context.Background(), -1)
	}

	c.mu.Lock()
	final := buildFinalTranscript(c.completeCall)
	c.mu.Unlock()

	c.bus.Publish("final", map[string]any{
		"uniqueid":          c.cfg.UniqueID,
		"raw_transcription": final,
	})
	slog.Info("transcription connector closed", "uniqueid", c.cfg.UniqueID)
	return nil
}

// buildFinalTranscript concatenates final utterances grouped by consecutive
// same-speaker runs, each run prefixed with "\n<speaker>: " and each
// utterance terminated by a newline.
func buildFinalTranscript(utterances []utterance) string {
	var b strings.Builder
	lastSpeaker := ""
	first := true
	for _, u := range utterances {
		if first || u.speaker != lastSpeaker {
			b.WriteString("\n" + u.speaker + ": ")
			first = false
		}
		b.WriteString(u.text + "\n")
		lastSpeaker = u.speaker
	}
	return b.String()
}

// interleave merges two mono 16-bit little-endian buffers into one stereo
// buffer, sample pairs ordered [in, out]. The shorter side is zero-padded to
// the length of the longer.
func interleave(in, out []byte) []byte {
	n := len(in)
	if len(out) > n {
		n = len(out)
	}
	if n%2 != 0 {
		n++
	}
	buf := make([]byte, 2*n)
	for i := 0; i < n; i += 2 {
		var l0, l1, r0, r1 byte
		if i < len(in) {
			l0 = in[i]
			if i+1 < len(in) {
				l1 = in[i+1]
			}
		}
		if i < len(out) {
			r0 = out[i]
			if i+1 < len(out) {
				r1 = out[i+1]
			}
		}
		buf[2*i] = l0
		buf[2*i+1] = l1
		buf[2*i+2] = r0
		buf[2*i+3] = r1
	}
	return buf
}
