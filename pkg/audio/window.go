package audio

import "time"

const (
	defaultRMSThreshold     = 300.0
	defaultSilenceThreshold = 500 * time.Millisecond
	defaultMaxUtterance     = 10 * time.Second
)

// WindowConfig tunes utterance segmentation. Zero values fall back to
// defaults: RMS 300, 500 ms of trailing silence, 10 s maximum length.
type WindowConfig struct {
	Format Format

	// RMSThreshold is the energy below which a chunk counts as silence.
	RMSThreshold float64

	// SilenceThreshold is the trailing silence that closes an utterance.
	SilenceThreshold time.Duration

	// MaxDuration forces a cut during continuous speech.
	MaxDuration time.Duration
}

// Utterance is a contiguous span of speech cut from the stream.
type Utterance struct {
	PCM   []byte
	Start time.Duration
	End   time.Duration
}

// WindowState is an opaque snapshot of a [Windower], used to roll back a
// Push whose utterance could not be processed.
type WindowState struct {
	buf       []byte
	hadSpeech bool
	silence   time.Duration
	offset    time.Duration
	start     time.Duration
}

// Windower accumulates PCM chunks into utterances for batch recognisers.
// Leading silence is discarded; an utterance is cut after SilenceThreshold of
// trailing silence or once it reaches MaxDuration.
//
// A Windower is not safe for concurrent use.
type Windower struct {
	cfg      WindowConfig
	maxBytes int
	st       WindowState
}

// NewWindower returns a Windower for cfg.
func NewWindower(cfg WindowConfig) *Windower {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = Default
	}
	if cfg.RMSThreshold <= 0 {
		cfg.RMSThreshold = defaultRMSThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxUtterance
	}
	return &Windower{
		cfg:      cfg,
		maxBytes: cfg.Format.ChunkSize(cfg.MaxDuration),
	}
}

// Save returns a snapshot of the current state.
func (w *Windower) Save() WindowState { return w.st }

// Restore resets the Windower to a snapshot taken with Save.
func (w *Windower) Restore(s WindowState) { w.st = s }

// Offset returns the stream position after all pushed chunks.
func (w *Windower) Offset() time.Duration { return w.st.offset }

// Push adds chunk to the window. When the chunk completes an utterance, it is
// returned with ok set and the window is reset.
func (w *Windower) Push(chunk []byte) (u Utterance, ok bool) {
	chunkStart := w.st.offset
	w.st.offset += w.cfg.Format.Duration(len(chunk))

	if RMS(chunk) < w.cfg.RMSThreshold {
		if !w.st.hadSpeech {
			return Utterance{}, false
		}
		w.st.silence += w.cfg.Format.Duration(len(chunk))
		w.st.buf = append(w.st.buf, chunk...)
		if w.st.silence >= w.cfg.SilenceThreshold {
			return w.cut()
		}
		return Utterance{}, false
	}

	if !w.st.hadSpeech {
		w.st.hadSpeech = true
		w.st.start = chunkStart
	}
	w.st.silence = 0
	w.st.buf = append(w.st.buf, chunk...)
	if w.maxBytes > 0 && len(w.st.buf) >= w.maxBytes {
		return w.cut()
	}
	return Utterance{}, false
}

// Flush returns whatever speech is buffered, if any, and resets the window.
func (w *Windower) Flush() (Utterance, bool) {
	if !w.st.hadSpeech || len(w.st.buf) == 0 {
		w.reset()
		return Utterance{}, false
	}
	return w.cut()
}

func (w *Windower) cut() (Utterance, bool) {
	u := Utterance{
		PCM:   w.st.buf,
		Start: w.st.start,
		End:   w.st.offset,
	}
	w.reset()
	return u, true
}

func (w *Windower) reset() {
	w.st.buf = nil
	w.st.hadSpeech = false
	w.st.silence = 0
	w.st.start = 0
}
