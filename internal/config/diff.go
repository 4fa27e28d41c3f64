package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without a restart are tracked; they take effect for
// sessions started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	HotwordsChanged    bool
	RecognitionChanged bool // language, keywords or diarization
	BridgeChanged      bool
	TranscodeChanged   bool
	SessionChanged     bool

	// RestartRequired lists changed sections that only apply after a
	// restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.HotwordsChanged || d.RecognitionChanged ||
		d.BridgeChanged || d.TranscodeChanged || d.SessionChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.HotwordsChanged = !slices.Equal(old.Recognition.Hotwords, new.Recognition.Hotwords)
	d.RecognitionChanged = old.Recognition.Language != new.Recognition.Language ||
		old.Recognition.Diarize != new.Recognition.Diarize ||
		!slices.Equal(old.Recognition.Keywords, new.Recognition.Keywords)
	d.BridgeChanged = old.Bridge != new.Bridge
	d.TranscodeChanged = !reflect.DeepEqual(old.Transcode, new.Transcode)
	d.SessionChanged = old.Session != new.Session

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Recording != new.Recording {
		d.RestartRequired = append(d.RestartRequired, "recording")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	return d
}
