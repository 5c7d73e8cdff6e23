// Package config provides the environment-driven configuration schema for the
// arivox daemon and the enrichment worker. Everything is read from environment
// variables so the same image runs unchanged across deployments.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arivox/arivox/internal/store"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding slog level. Unknown values map to
// info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// TranscriptionProvider selects the batch transcription backend.
type TranscriptionProvider string

const (
	ProviderDeepgram TranscriptionProvider = "deepgram"
	ProviderVoxtral  TranscriptionProvider = "voxtral"
)

// IsValid reports whether p is a recognised provider.
func (p TranscriptionProvider) IsValid() bool {
	return p == ProviderDeepgram || p == ProviderVoxtral
}

// Config is the root configuration structure, loaded from the environment by
// [Load].
type Config struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel

	// HTTPListenAddr is the TCP address the HTTP API listens on.
	HTTPListenAddr string

	// APIToken guards the /api/* endpoints. Empty disables authentication.
	APIToken string

	// ARI is the PBX control-plane connection.
	ARI ARIConfig

	// MQTT is the message bus connection.
	MQTT MQTTConfig

	// RTP is the media ingest socket.
	RTP RTPConfig

	// Database is the pgvector-backed persistence layer. Optional: when not
	// configured, the batch API skips persistence.
	Database store.Config

	// DeepgramAPIKey authenticates realtime and batch Deepgram calls and TTS.
	DeepgramAPIKey string

	// MistralAPIKey authenticates the Voxtral batch provider.
	MistralAPIKey string

	// OpenAIAPIKey authenticates embeddings and enrichment model calls.
	OpenAIAPIKey string

	// OpenAIModel overrides the enrichment chat model.
	OpenAIModel string

	// TranscriptionProvider selects the batch backend. Default: deepgram.
	TranscriptionProvider TranscriptionProvider

	// DeepgramTimeout bounds batch Deepgram requests.
	DeepgramTimeout time.Duration

	// VoxtralTimeout bounds Voxtral requests. Falls back to DeepgramTimeout.
	VoxtralTimeout time.Duration

	// CallProcessorTimeout bounds one enrichment worker run.
	CallProcessorTimeout time.Duration

	// CallProcessorPath is the enrichment worker binary, resolved via PATH
	// when relative.
	CallProcessorPath string
}

// ARIConfig holds the Asterisk REST Interface connection settings.
type ARIConfig struct {
	// URL is the Asterisk base URL, e.g. "http://pbx:8088". The /ari path
	// is appended per request.
	URL string

	// App is the stasis application name calls are routed through.
	App string

	Username string
	Password string
}

// MQTTConfig holds the message bus connection settings.
type MQTTConfig struct {
	// URL is the broker URL, e.g. "tcp://broker:1883".
	URL string

	// TopicPrefix is prepended to every published topic.
	TopicPrefix string

	Username string
	Password string
}

// RTPConfig holds the media ingest settings.
type RTPConfig struct {
	// Host is the address advertised to the PBX for external media.
	Host string

	// Port is the UDP listen port.
	Port int

	// Swap16 converts big-endian 16-bit samples to little-endian on ingest.
	Swap16 bool

	// HeaderSize is the fixed RTP header length stripped per datagram.
	HeaderSize int
}

// Defaults applied by Load when the corresponding variable is unset.
const (
	DefaultHTTPListenAddr       = ":8000"
	DefaultARIApp               = "transcription"
	DefaultRTPHost              = "127.0.0.1"
	DefaultRTPPort              = 5004
	DefaultRTPHeaderSize        = 12
	DefaultProviderTimeout      = 300 * time.Second
	DefaultCallProcessorTimeout = 600 * time.Second
	DefaultCallProcessorPath    = "callproc"
)

// Load reads the configuration from the environment and validates it. It
// returns a joined error listing every problem found.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:       LogLevel(strings.ToLower(getenv("LOG_LEVEL", string(LogInfo)))),
		HTTPListenAddr: getenv("HTTP_LISTEN_ADDR", DefaultHTTPListenAddr),
		APIToken:       os.Getenv("API_TOKEN"),
		ARI: ARIConfig{
			URL:      os.Getenv("ASTERISK_URL"),
			App:      getenv("ARI_APP", DefaultARIApp),
			Username: os.Getenv("ARI_USERNAME"),
			Password: os.Getenv("ARI_PASSWORD"),
		},
		MQTT: MQTTConfig{
			URL:         os.Getenv("MQTT_URL"),
			TopicPrefix: os.Getenv("MQTT_TOPIC_PREFIX"),
			Username:    os.Getenv("MQTT_USERNAME"),
			Password:    os.Getenv("MQTT_PASSWORD"),
		},
		RTP: RTPConfig{
			Host:       getenv("RTP_HOST", DefaultRTPHost),
			Swap16:     getBool("RTP_SWAP16", true),
			HeaderSize: getInt("RTP_HEADER_SIZE", DefaultRTPHeaderSize),
			Port:       getInt("RTP_PORT", DefaultRTPPort),
		},
		Database: store.Config{
			Host:     os.Getenv("PGVECTOR_HOST"),
			Port:     getenv("PGVECTOR_PORT", "5432"),
			User:     os.Getenv("PGVECTOR_USER"),
			Password: os.Getenv("PGVECTOR_PASSWORD"),
			Database: os.Getenv("PGVECTOR_DATABASE"),
		},
		DeepgramAPIKey:        os.Getenv("DEEPGRAM_API_KEY"),
		MistralAPIKey:         os.Getenv("MISTRAL_API_KEY"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:           os.Getenv("OPENAI_MODEL"),
		TranscriptionProvider: TranscriptionProvider(strings.ToLower(getenv("TRANSCRIPTION_PROVIDER", string(ProviderDeepgram)))),
		DeepgramTimeout:       getSeconds("DEEPGRAM_TIMEOUT_SECONDS", DefaultProviderTimeout),
		CallProcessorTimeout:  getSeconds("CALL_PROCESSOR_TIMEOUT_SECONDS", DefaultCallProcessorTimeout),
		CallProcessorPath:     getenv("CALL_PROCESSOR_PATH", DefaultCallProcessorPath),
	}
	cfg.VoxtralTimeout = getSeconds("VOXTRAL_TIMEOUT_SECONDS", cfg.DeepgramTimeout)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; soft concerns are only
// logged.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if !cfg.TranscriptionProvider.IsValid() {
		errs = append(errs, fmt.Errorf("TRANSCRIPTION_PROVIDER %q is invalid; valid values: deepgram, voxtral", cfg.TranscriptionProvider))
	}
	if cfg.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	if cfg.TranscriptionProvider == ProviderVoxtral && cfg.MistralAPIKey == "" {
		errs = append(errs, errors.New("MISTRAL_API_KEY is required when TRANSCRIPTION_PROVIDER is voxtral"))
	}
	if cfg.RTP.Port <= 0 || cfg.RTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("RTP_PORT %d is out of range [1, 65535]", cfg.RTP.Port))
	}
	if cfg.RTP.HeaderSize < 0 {
		errs = append(errs, fmt.Errorf("RTP_HEADER_SIZE %d must not be negative", cfg.RTP.HeaderSize))
	}

	if cfg.ARI.URL == "" {
		slog.Warn("ASTERISK_URL is empty; realtime call transcription is disabled")
	} else if cfg.ARI.Username == "" || cfg.ARI.Password == "" {
		errs = append(errs, errors.New("ARI_USERNAME and ARI_PASSWORD are required when ASTERISK_URL is set"))
	}

	if cfg.MQTT.URL == "" {
		slog.Warn("MQTT_URL is empty; transcription events will not be published")
	}
	if !cfg.Database.IsConfigured() {
		slog.Warn("PGVECTOR_* is not fully configured; transcript persistence is disabled")
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY is empty; embeddings and enrichment are disabled")
	}

	return errors.Join(errs...)
}

// getenv returns the variable's value or def when unset or blank.
func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// getInt parses an integer variable, keeping def on absence or parse failure.
func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring unparseable integer variable", "key", key, "value", raw)
		return def
	}
	return v
}

// getBool parses a boolean variable, keeping def on absence or parse failure.
func getBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("ignoring unparseable boolean variable", "key", key, "value", raw)
		return def
	}
	return v
}

// getSeconds parses a duration variable expressed in whole seconds.
func getSeconds(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("ignoring unparseable timeout variable", "key", key, "value", raw)
		return def
	}
	return time.Duration(v) * time.Second
}
