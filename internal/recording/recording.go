// Package recording writes a session's canonical PCM to a WAV file on disk.
package recording

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

// Writer streams PCM into a WAV file. The header is written with a zero
// data size and patched on Close.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	format audio.Format
	n      int
	closed bool
}

// Create truncates or creates path and writes a placeholder header.
func Create(path string, f audio.Format) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}
	if _, err := file.Write(audio.WAVHeader(f, 0)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("recording: write header: %w", err)
	}
	return &Writer{f: file, format: f}, nil
}

// Write appends PCM.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	w.n += n
	return n, err
}

// Size returns the number of PCM bytes written.
func (w *Writer) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Duration returns the playback length of the PCM written so far.
func (w *Writer) Duration() time.Duration {
	return w.format.Duration(w.Size())
}

// Name returns the file path.
func (w *Writer) Name() string { return w.f.Name() }

// Close patches the header with the final size and closes the file.
// Calling Close again is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	_, err := w.f.WriteAt(audio.WAVHeader(w.format, w.n), 0)
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("recording: close %s: %w", w.f.Name(), err)
	}
	return nil
}

// Dir creates one recording per session inside a directory.
type Dir struct {
	path   string
	format audio.Format
	logger *slog.Logger
	now    func() time.Time
}

// NewDir returns a Dir writing to path, creating it if needed.
func NewDir(path string, f audio.Format, logger *slog.Logger) (*Dir, error) {
	if path == "" {
		return nil, errors.New("recording: empty directory")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{path: path, format: f, logger: logger, now: time.Now}, nil
}

// Open creates the recording for session id. Its signature matches the
// recorder hook of a session controller.
func (d *Dir) Open(id string) (io.WriteCloser, error) {
	name := fmt.Sprintf("%s-%s.wav", sanitize(id), d.now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(d.path, name)
	w, err := Create(path, d.format)
	if err != nil {
		return nil, err
	}
	d.logger.Info("recording session audio", "session_id", id, "path", path)
	return w, nil
}

// sanitize keeps ids safe for use as a file name.
func sanitize(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if s == "" {
		return "session"
	}
	return s
}
