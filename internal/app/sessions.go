package app

import (
	"fmt"
	"slices"

	"github.com/MrWong99/meetscribe/internal/bridge"
	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/session"
	"github.com/MrWong99/meetscribe/internal/transcode"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// newSession is the registry factory. Each session gets its own transcoder
// and a snapshot of the current config; the recognizer client is shared.
func (a *App) newSession(id string) (*session.Controller, error) {
	cfg := a.cfg.Load()
	ccfg, err := controllerConfig(cfg)
	if err != nil {
		return nil, err
	}

	deps := session.Deps{
		Transcoder: a.newTranscoder(id, cfg),
		Provider:   a.provider,
		Sink:       a.sink,
	}
	if c := a.corrector.Load(); c != nil {
		deps.Corrector = c
	}
	if a.recordings != nil {
		deps.Recorder = a.recordings.Open
	}

	return session.NewController(id, ccfg, deps,
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
	), nil
}

// ffmpegTranscoder is the default [TranscoderFactory].
func (a *App) ffmpegTranscoder(id string, cfg *config.Config) session.Transcoder {
	t := cfg.Transcode
	f := audio.Format{SampleRate: t.SampleRate, Channels: t.Channels}
	return transcode.NewManager(transcode.ManagerConfig{
		Path:        t.FFmpegPath,
		Args:        TranscodeArgs(t),
		ChunkSize:   f.ChunkSize(t.ChunkDuration),
		GracePeriod: t.GracePeriod,
	},
		transcode.WithManagerLogger(a.logger.With("session_id", id)),
		transcode.WithMetrics(a.metrics),
	)
}

// TranscodeArgs returns the ffmpeg arguments for t, with ExtraArgs placed
// before the input.
func TranscodeArgs(t config.TranscodeConfig) []string {
	args := transcode.DefaultArgs(t.SampleRate, t.Channels)
	if len(t.ExtraArgs) == 0 {
		return args
	}
	i := slices.Index(args, "-i")
	return slices.Concat(args[:i], t.ExtraArgs, args[i:])
}

// controllerConfig maps the session-related config sections.
func controllerConfig(cfg *config.Config) (session.ControllerConfig, error) {
	policy, err := bridge.ParsePolicy(cfg.Bridge.Policy)
	if err != nil {
		return session.ControllerConfig{}, fmt.Errorf("app: %w", err)
	}
	return session.ControllerConfig{
		SpawnAttempts:    cfg.Transcode.SpawnAttempts,
		RetainedEvents:   cfg.Session.RetainedEvents,
		SubscriberBuffer: cfg.Session.SubscriberBuffer,
		Bridge: bridge.Config{
			Capacity:     cfg.Bridge.Capacity,
			Policy:       policy,
			BlockTimeout: cfg.Bridge.BlockTimeout,
			MaxRetries:   cfg.Bridge.MaxRetries,
			RetryBackoff: cfg.Bridge.RetryBackoff,
			Stream:       streamConfig(cfg),
		},
	}, nil
}

func streamConfig(cfg *config.Config) stt.StreamConfig {
	sc := stt.StreamConfig{
		SampleRate: cfg.Transcode.SampleRate,
		Channels:   cfg.Transcode.Channels,
		Language:   cfg.Recognition.Language,
		Diarize:    cfg.Recognition.Diarize,
	}
	for _, kw := range cfg.Recognition.Keywords {
		sc.Keywords = append(sc.Keywords, stt.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost})
	}
	return sc
}
