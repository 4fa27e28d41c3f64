package main

import (
	"log/slog"

	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/openai"
	"github.com/MrWong99/meetscribe/pkg/provider/stt/whisper"
)

// registerBuiltinProviders wires the recognizers that ship with meetscribe
// into reg. Each factory reads its settings from a config.ProviderEntry;
// backend-specific knobs live in the entry's options map.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		silence, err := entry.DurationOption("silence", 0)
		if err != nil {
			return nil, err
		}
		if silence > 0 {
			opts = append(opts, whisper.WithSilenceThreshold(silence))
		}
		maxUtt, err := entry.DurationOption("max_utterance", 0)
		if err != nil {
			return nil, err
		}
		if maxUtt > 0 {
			opts = append(opts, whisper.WithMaxUtterance(maxUtt))
		}
		rms, err := entry.FloatOption("rms_threshold", 0)
		if err != nil {
			return nil, err
		}
		if rms > 0 {
			opts = append(opts, whisper.WithRMSThreshold(rms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if prompt := entry.StringOption("prompt", ""); prompt != "" {
			opts = append(opts, openai.WithPrompt(prompt))
		}
		timeout, err := entry.DurationOption("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, openai.WithTimeout(timeout))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}
