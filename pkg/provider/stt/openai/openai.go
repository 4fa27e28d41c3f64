// Package openai provides an STT provider backed by the OpenAI audio
// transcription API.
//
// The API is batch-only, so sessions cut the PCM stream into utterances and
// upload each one as a WAV file; see package batch.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/batch"
)

// DefaultModel is the default transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	prompt string
	window audio.WindowConfig
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	prompt       string
	window       audio.WindowConfig
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithPrompt sets a fixed prompt that steers spelling and style. Stream
// keywords are appended to it.
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithWindow tunes utterance segmentation. The format is taken from the
// stream config.
func WithWindow(w audio.WindowConfig) Option {
	return func(c *config) {
		c.window = w
	}
}

// New constructs a new OpenAI transcription Provider.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	// Retries are the bridge's job; a retried chunk re-enters here.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		prompt: cfg.prompt,
		window: cfg.window,
	}, nil
}

// ModelID returns the configured model.
func (p *Provider) ModelID() string { return p.model }

// StartStream implements stt.Provider. No request is made until the first
// utterance is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	win := p.window
	win.Format = audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if win.Format.BytesPerSecond() == 0 {
		win.Format = audio.Default
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
	}
	if cfg.Language != "" {
		params.Language = param.NewOpt(cfg.Language)
	}
	if prompt := buildPrompt(p.prompt, cfg.Keywords); prompt != "" {
		params.Prompt = param.NewOpt(prompt)
	}

	format := win.Format
	return batch.New(win, func(ctx context.Context, u audio.Utterance) (string, error) {
		return p.transcribe(ctx, params, audio.EncodeWAV(u.PCM, format))
	}), nil
}

func (p *Provider) transcribe(ctx context.Context, params oai.AudioTranscriptionNewParams, wav []byte) (string, error) {
	params.File = oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav")
	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", classify(ctx, fmt.Errorf("openai stt: transcribe: %w", err))
	}
	return resp.Text, nil
}

// classify marks rate limits, server errors, and network failures as
// transient.
func classify(ctx context.Context, err error) error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return batch.Classify(apierr.StatusCode, err)
	}
	if ctx.Err() != nil {
		return err
	}
	return stt.Transient(err)
}

// buildPrompt joins the fixed prompt with keyword hints.
func buildPrompt(base string, keywords []stt.KeywordBoost) string {
	words := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw.Keyword != "" {
			words = append(words, kw.Keyword)
		}
	}
	hints := strings.Join(words, ", ")
	switch {
	case base == "":
		return hints
	case hints == "":
		return base
	default:
		return base + " " + hints
	}
}
