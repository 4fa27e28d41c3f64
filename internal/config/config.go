// Package config provides the configuration schema, loader, watcher and
// recognizer registry for the meetscribe server.
package config

import "time"

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

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], which apply [ApplyDefaults].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transcode   TranscodeConfig   `yaml:"transcode"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Session     SessionConfig     `yaml:"session"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Recording   RecordingConfig   `yaml:"recording"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// WSPath is the WebSocket endpoint path. Default: "/ws".
	WSPath string `yaml:"ws_path"`

	// AllowedOrigins lists origin host patterns accepted on the WebSocket
	// handshake in addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxSessions caps concurrent connections. Zero means no cap.
	MaxSessions int `yaml:"max_sessions"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TranscodeConfig describes the ffmpeg subprocess run per session.
type TranscodeConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`

	// ExtraArgs are inserted before the input arguments, e.g. to force an
	// input format.
	ExtraArgs []string `yaml:"extra_args"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// ChunkDuration is the length of PCM handed to the recognizer per chunk.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// GracePeriod bounds the wait for a clean exit on stop.
	GracePeriod time.Duration `yaml:"grace_period"`

	// SpawnAttempts bounds spawn attempts when a session starts.
	SpawnAttempts int `yaml:"spawn_attempts"`
}

// BridgeConfig tunes the queue between transcoder and recognizer.
type BridgeConfig struct {
	Capacity int `yaml:"capacity"`

	// Policy is "block" or "drop_oldest".
	Policy string `yaml:"policy"`

	// BlockTimeout bounds a blocked push under the block policy.
	BlockTimeout time.Duration `yaml:"block_timeout"`

	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// SessionConfig tunes per-session event streams.
type SessionConfig struct {
	// RetainedEvents is how many events are replayed to a late subscriber.
	RetainedEvents int `yaml:"retained_events"`

	// SubscriberBuffer is the live-event buffer per subscriber.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// RecognitionConfig holds recognizer-independent recognition settings.
type RecognitionConfig struct {
	// Language is a BCP-47 tag. Empty lets the recognizer detect it.
	Language string `yaml:"language"`

	// Hotwords are corrected phonetically in final segments.
	Hotwords []string `yaml:"hotwords"`

	// Keywords are sent to recognizers that support vocabulary boosting.
	Keywords []KeywordConfig `yaml:"keywords"`

	// Diarize asks the recognizer for speaker labels.
	Diarize bool `yaml:"diarize"`
}

// KeywordConfig is one boosted keyword.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// ProvidersConfig selects the recognizer and its fallbacks.
type ProvidersConfig struct {
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
}

// ProviderEntry is the configuration block of one recognizer. Name selects
// the factory in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values.
	Options map[string]any `yaml:"options"`
}

// RecordingConfig enables recording session audio to disk.
type RecordingConfig struct {
	// Dir receives one WAV file per session. Empty disables recording.
	Dir string `yaml:"dir"`
}

// ArchiveConfig enables the PostgreSQL transcript archive.
type ArchiveConfig struct {
	// PostgresDSN is a pgx connection string. Empty disables the archive.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultWSPath           = "/ws"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultFFmpegPath       = "ffmpeg"
	DefaultSampleRate       = 16000
	DefaultChannels         = 1
	DefaultChunkDuration    = 100 * time.Millisecond
	DefaultGracePeriod      = 2 * time.Second
	DefaultSpawnAttempts    = 2
	DefaultBridgeCapacity   = 50
	DefaultBlockTimeout     = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 100 * time.Millisecond
	DefaultRetainedEvents   = 256
	DefaultSubscriberBuffer = 64
)

// ApplyDefaults fills zero fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	setDefault(&s.ListenAddr, DefaultListenAddr)
	setDefault(&s.LogLevel, LogInfo)
	setDefault(&s.WSPath, DefaultWSPath)
	setDefault(&s.ShutdownTimeout, DefaultShutdownTimeout)

	t := &cfg.Transcode
	setDefault(&t.FFmpegPath, DefaultFFmpegPath)
	setDefault(&t.SampleRate, DefaultSampleRate)
	setDefault(&t.Channels, DefaultChannels)
	setDefault(&t.ChunkDuration, DefaultChunkDuration)
	setDefault(&t.GracePeriod, DefaultGracePeriod)
	setDefault(&t.SpawnAttempts, DefaultSpawnAttempts)

	b := &cfg.Bridge
	setDefault(&b.Capacity, DefaultBridgeCapacity)
	setDefault(&b.Policy, "block")
	setDefault(&b.BlockTimeout, DefaultBlockTimeout)
	setDefault(&b.MaxRetries, DefaultMaxRetries)
	setDefault(&b.RetryBackoff, DefaultRetryBackoff)

	setDefault(&cfg.Session.RetainedEvents, DefaultRetainedEvents)
	setDefault(&cfg.Session.SubscriberBuffer, DefaultSubscriberBuffer)
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}
