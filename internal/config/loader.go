package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/meetscribe/internal/bridge"
)

// KnownRecognizers lists the recognizer names registered by the server.
// [Validate] warns about others.
var KnownRecognizers = []string{"deepgram", "whisper", "openai"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure; soft issues are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.WSPath != "" && !strings.HasPrefix(cfg.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must start with /", cfg.Server.WSPath))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	t := cfg.Transcode
	if t.SampleRate < 0 || t.Channels < 0 {
		errs = append(errs, fmt.Errorf("transcode: sample_rate %d and channels %d must not be negative", t.SampleRate, t.Channels))
	}
	if t.Channels > 2 {
		errs = append(errs, fmt.Errorf("transcode.channels %d is out of range [1, 2]", t.Channels))
	}
	if t.ChunkDuration < 0 || t.GracePeriod < 0 {
		errs = append(errs, errors.New("transcode: chunk_duration and grace_period must not be negative"))
	}
	if t.SpawnAttempts < 0 {
		errs = append(errs, fmt.Errorf("transcode.spawn_attempts %d must not be negative", t.SpawnAttempts))
	}

	b := cfg.Bridge
	if _, err := bridge.ParsePolicy(b.Policy); err != nil {
		errs = append(errs, fmt.Errorf("bridge.policy %q is invalid; valid values: block, drop_oldest", b.Policy))
	}
	if b.Capacity < 0 || b.MaxRetries < 0 {
		errs = append(errs, errors.New("bridge: capacity and max_retries must not be negative"))
	}
	if b.BlockTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.block_timeout %v must not be negative", b.BlockTimeout))
	}
	if b.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("bridge.retry_backoff %v must not be negative", b.RetryBackoff))
	}
	if b.Policy == "drop_oldest" && b.BlockTimeout > 0 && b.BlockTimeout != DefaultBlockTimeout {
		slog.Warn("bridge.block_timeout has no effect with the drop_oldest policy")
	}

	if cfg.Session.RetainedEvents < 0 || cfg.Session.SubscriberBuffer < 0 {
		errs = append(errs, errors.New("session: retained_events and subscriber_buffer must not be negative"))
	}

	for i, kw := range cfg.Recognition.Keywords {
		if strings.TrimSpace(kw.Keyword) == "" {
			errs = append(errs, fmt.Errorf("recognition.keywords[%d].keyword is required", i))
		}
	}

	if cfg.Providers.STT.Name == "" {
		if len(cfg.Providers.STTFallbacks) > 0 {
			errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
		} else {
			slog.Warn("providers.stt is not configured; sessions cannot be started")
		}
	}
	validateRecognizerName("providers.stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		prefix := fmt.Sprintf("providers.stt_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateRecognizerName(prefix, fb.Name)
	}

	return errors.Join(errs...)
}

// validateRecognizerName logs a warning if name is set but not one of
// [KnownRecognizers].
func validateRecognizerName(field, name string) {
	if name == "" || slices.Contains(KnownRecognizers, name) {
		return
	}
	slog.Warn("unknown recognizer name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", KnownRecognizers,
	)
}
