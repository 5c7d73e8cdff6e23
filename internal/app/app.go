// Package app wires all arivox subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order: orchestrator sweep, ARI disconnect, RTP socket,
// message bus, database pool, telemetry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arivox/arivox/internal/ari"
	"github.com/arivox/arivox/internal/config"
	"github.com/arivox/arivox/internal/connector"
	"github.com/arivox/arivox/internal/health"
	"github.com/arivox/arivox/internal/httpapi"
	"github.com/arivox/arivox/internal/mqtt"
	"github.com/arivox/arivox/internal/observe"
	"github.com/arivox/arivox/internal/orchestrator"
	"github.com/arivox/arivox/internal/store"
	"github.com/arivox/arivox/pkg/provider/stt/deepgram"
	"github.com/arivox/arivox/pkg/provider/transcribe"
	ttsdeepgram "github.com/arivox/arivox/pkg/provider/tts/deepgram"
	"github.com/arivox/arivox/pkg/rtp"
)

// httpShutdownTimeout bounds draining of in-flight API requests.
const httpShutdownTimeout = 5 * time.Second

// callController is the slice of the orchestrator the message bus drives.
type callController interface {
	StartTranscription(callID string)
	StopTranscription(callID string)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	rtp       *rtp.Server
	bus       *mqtt.Client
	ariClient *ari.Client
	orch      *orchestrator.Manager
	calls     callController
	st        *store.Store
	httpSrv   *http.Server

	dial         connector.SessionDialer
	metrics      *observe.Metrics
	otelShutdown func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionDialer injects the realtime speech-to-text dialer instead of
// creating the Deepgram live provider from config.
func WithSessionDialer(d connector.SessionDialer) Option {
	return func(a *App) { a.dial = d }
}

// New creates an App by wiring all subsystems together. Optional subsystems
// (message bus, ARI, persistence) are left nil when their configuration is
// absent; the rest of the daemon degrades accordingly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "arivox"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.otelShutdown = shutdown
	a.metrics = observe.DefaultMetrics()

	a.rtp = rtp.NewServer(cfg.RTP.Host, cfg.RTP.Port,
		rtp.WithSwap16(cfg.RTP.Swap16),
		rtp.WithHeaderSize(cfg.RTP.HeaderSize),
	)

	if cfg.MQTT.URL != "" {
		var busOpts []mqtt.Option
		if cfg.MQTT.Username != "" {
			busOpts = append(busOpts, mqtt.WithCredentials(cfg.MQTT.Username, cfg.MQTT.Password))
		}
		a.bus = mqtt.New(cfg.MQTT.URL, cfg.MQTT.TopicPrefix, busOpts...)
		a.bus.SetHandler(a.handleBusMessage)
		a.bus.Subscribe("commands")
	}

	if cfg.Database.IsConfigured() {
		// The daemon never writes embeddings itself; that runs in the
		// callproc worker. No embedder needed here.
		st, err := store.New(ctx, cfg.Database, nil)
		if err != nil {
			return nil, fmt.Errorf("app: connect store: %w", err)
		}
		a.st = st
	}

	if err := a.initRealtime(); err != nil {
		return nil, err
	}
	if err := a.initHTTP(); err != nil {
		return nil, err
	}

	return a, nil
}

// initRealtime builds the live transcription path: the provider dialer, the
// ARI client, and the call orchestrator. Skipped entirely without an ARI URL.
func (a *App) initRealtime() error {
	if a.dial == nil {
		live, err := deepgram.New(a.cfg.DeepgramAPIKey)
		if err != nil {
			return fmt.Errorf("app: create live stt provider: %w", err)
		}
		a.dial = func(ctx context.Context, scfg deepgram.StreamConfig) (connector.Session, error) {
			return live.StartStream(ctx, scfg)
		}
	}

	if a.cfg.ARI.URL == "" {
		return nil
	}

	a.ariClient = ari.New(a.cfg.ARI.URL, a.cfg.ARI.App, a.cfg.ARI.Username, a.cfg.ARI.Password)

	factory := func(ccfg connector.Config, in, out connector.AudioSource) orchestrator.Transcriber {
		return connector.New(ccfg, a.publisher(), in, out, a.dial)
	}
	a.orch = orchestrator.New(orchestrator.Config{
		RTPHost: a.cfg.RTP.Host,
		RTPPort: a.cfg.RTP.Port,
	}, a.ariClient, streamRegistry{a.rtp}, factory)
	a.calls = a.orch
	a.ariClient.SetHandler(a.orch.HandleEvent)

	return nil
}

// initHTTP assembles the batch API server and its health probes.
func (a *App) initHTTP() error {
	providers := make(map[string]transcribe.Provider)

	dg, err := transcribe.NewDeepgram(a.cfg.DeepgramAPIKey,
		transcribe.WithDeepgramTimeout(a.cfg.DeepgramTimeout))
	if err != nil {
		return fmt.Errorf("app: create deepgram provider: %w", err)
	}
	providers[string(config.ProviderDeepgram)] = dg

	if a.cfg.MistralAPIKey != "" {
		vx, err := transcribe.NewVoxtral(a.cfg.MistralAPIKey,
			transcribe.WithVoxtralTimeout(a.cfg.VoxtralTimeout))
		if err != nil {
			return fmt.Errorf("app: create voxtral provider: %w", err)
		}
		providers[string(config.ProviderVoxtral)] = vx
	}

	synth, err := ttsdeepgram.New(a.cfg.DeepgramAPIKey)
	if err != nil {
		return fmt.Errorf("app: create tts provider: %w", err)
	}

	var checkers []health.Checker
	if a.st != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.st.Ping})
	}
	if a.bus != nil {
		bus := a.bus
		checkers = append(checkers, health.Checker{Name: "mqtt", Check: func(context.Context) error {
			if !bus.Connected() {
				return errors.New("not connected to broker")
			}
			return nil
		}})
	}

	apiOpts := []httpapi.Option{
		httpapi.WithSynthesizer(synth),
		httpapi.WithHealth(health.New(checkers...)),
		httpapi.WithMetrics(a.metrics),
	}
	if a.st != nil {
		apiOpts = append(apiOpts, httpapi.WithStore(a.st))
		if a.cfg.OpenAIAPIKey != "" {
			apiOpts = append(apiOpts, httpapi.WithEnricher(
				httpapi.NewWorker(a.cfg.CallProcessorPath, a.cfg.CallProcessorTimeout)))
		}
	}

	api, err := httpapi.New(httpapi.Config{
		APIToken:        a.cfg.APIToken,
		DefaultProvider: string(a.cfg.TranscriptionProvider),
	}, providers, apiOpts...)
	if err != nil {
		return fmt.Errorf("app: create http api: %w", err)
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.HTTPListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run starts the RTP server, the message bus, the ARI event loop, and the
// HTTP API, then serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.rtp.Start(); err != nil {
		return fmt.Errorf("app: start rtp server: %w", err)
	}
	if a.bus != nil {
		a.bus.Connect(ctx)
	}
	if a.ariClient != nil {
		if err := a.ariClient.Connect(ctx); err != nil {
			return fmt.Errorf("app: connect ari: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http api listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown tears down all subsystems in reverse dependency order. Safe to
// call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.orch != nil {
			a.orch.Shutdown()
		}
		if a.ariClient != nil {
			a.ariClient.Disconnect()
		}
		a.rtp.Stop()
		if a.bus != nil {
			a.bus.Disconnect()
		}
		if a.st != nil {
			a.st.Close()
		}
		if a.otelShutdown != nil {
			if serr := a.otelShutdown(ctx); serr != nil {
				err = fmt.Errorf("app: shutdown telemetry: %w", serr)
			}
		}
	})
	return err
}

// publisher returns the transcription event sink: the bus when configured,
// else a sink that drops everything.
func (a *App) publisher() connector.Publisher {
	if a.bus != nil {
		return a.bus
	}
	return noopBus{}
}

// handleBusMessage routes inbound bus messages. The only inbound topic is
// commands, which starts or stops transcription of a live call.
func (a *App) handleBusMessage(topic string, payload any) {
	parts := strings.Split(topic, "/")
	if parts[len(parts)-1] != "commands" {
		return
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		slog.Warn("ignoring non-object command message", "topic", topic)
		return
	}
	action, _ := obj["action"].(string)
	callID, _ := obj["call_id"].(string)
	if callID == "" {
		slog.Warn("ignoring command without call_id", "action", action)
		return
	}
	if a.calls == nil {
		slog.Warn("ignoring command: realtime transcription is not configured", "action", action)
		return
	}

	switch action {
	case "start_transcription":
		a.calls.StartTranscription(callID)
	case "stop_transcription":
		a.calls.StopTranscription(callID)
	default:
		slog.Warn("ignoring unknown command", "action", action)
	}
}

// noopBus drops outbound messages when no broker is configured.
type noopBus struct{}

func (noopBus) Publish(string, any) bool { return false }

// streamRegistry adapts the RTP server to the orchestrator's registry
// interface.
type streamRegistry struct {
	srv *rtp.Server
}

func (r streamRegistry) CreateStream(port int) orchestrator.AudioStream {
	return r.srv.CreateStream(port)
}

func (r streamRegistry) EndStream(port int) {
	r.srv.EndStream(port)
}
