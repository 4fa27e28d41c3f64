package session

import (
	"errors"

	"github.com/MrWong99/meetscribe/internal/bridge"
	"github.com/MrWong99/meetscribe/internal/transcode"
)

var (
	// ErrSessionEnded is returned by Start once the session has stopped.
	// Sessions are single-use; the caller must create a new one.
	ErrSessionEnded = errors.New("session: ended")

	// ErrNotRunning is returned by Ingest and CloseInput outside RUNNING.
	ErrNotRunning = transcode.ErrNotRunning

	// ErrDuplicateSession is returned by Registry.Connect for an id that is
	// already registered.
	ErrDuplicateSession = errors.New("session: duplicate session id")

	// ErrTooManySessions is returned by Registry.Connect when the registry is
	// at capacity.
	ErrTooManySessions = errors.New("session: too many sessions")
)

// Failure kinds carried by transcription_failed events and transport errors.
const (
	KindSpawnError         = "spawn_error"
	KindProcessCrashed     = "process_crashed"
	KindRecognitionFailure = "recognition_failure"
	KindBackpressure       = "backpressure"
	KindSessionEnded       = "session_ended"
	KindNotRunning         = "not_running"
	KindInternal           = "internal"
)

// ErrorKind maps err to its wire kind.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, transcode.ErrSpawn):
		return KindSpawnError
	case errors.Is(err, transcode.ErrProcessCrashed):
		return KindProcessCrashed
	case errors.Is(err, bridge.ErrBackpressure):
		return KindBackpressure
	case errors.Is(err, bridge.ErrRecognitionFailure):
		return KindRecognitionFailure
	case errors.Is(err, ErrSessionEnded):
		return KindSessionEnded
	case errors.Is(err, ErrNotRunning), errors.Is(err, transcode.ErrBrokenPipe):
		return KindNotRunning
	default:
		return KindInternal
	}
}
