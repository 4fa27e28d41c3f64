// Package whisper provides an STT provider backed by a whisper.cpp server.
//
// It connects to a running whisper-server binary (which exposes a REST API at
// POST /inference) and simulates streaming by cutting the incoming PCM into
// utterances with an energy-based silence detector and submitting each
// completed utterance as a batch inference request.
//
// Because whisper.cpp is a batch engine the provider emits no partials; each
// utterance yields a single final transcript.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceThreshold(500*time.Millisecond),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	err = handle.SendAudio(ctx, pcmChunk)
//	for t := range handle.Results() { ... }
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/batch"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSilenceThreshold sets the trailing silence that closes an utterance.
// Shorter values produce more responsive transcription at the cost of
// potentially splitting utterances. Defaults to 500 ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) {
		p.window.SilenceThreshold = d
	}
}

// WithMaxUtterance sets the longest utterance submitted in one request during
// continuous speech. Defaults to 10 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) {
		p.window.MaxDuration = d
	}
}

// WithRMSThreshold sets the energy below which audio counts as silence.
func WithRMSThreshold(v float64) Option {
	return func(p *Provider) {
		p.window.RMSThreshold = v
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously.
type Provider struct {
	serverURL  string
	model      string
	language   string
	window     audio.WindowConfig
	httpClient *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. No connection is made until
// the first utterance is complete, so StartStream fails only when ctx is
// already done.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	win := p.window
	win.Format = audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if win.Format.BytesPerSecond() == 0 {
		win.Format = audio.Default
	}

	format := win.Format
	return batch.New(win, func(ctx context.Context, u audio.Utterance) (string, error) {
		return p.infer(ctx, u.PCM, format, lang)
	}), nil
}

// infer POSTs pcm as a WAV file to the /inference endpoint as
// multipart/form-data and returns the transcribed text.
func (p *Provider) infer(ctx context.Context, pcm []byte, f audio.Format, lang string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, f)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if batch.IsContextErr(err) && ctx.Err() != nil {
			return "", fmt.Errorf("whisper: http request: %w", err)
		}
		// Connection refused, reset, or client timeout.
		return "", stt.Transient(fmt.Errorf("whisper: http request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", stt.Transient(fmt.Errorf("whisper: read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return "", batch.Classify(resp.StatusCode,
			fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, msg))
	}

	var result struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", result.Error)
	}
	return result.Text, nil
}
