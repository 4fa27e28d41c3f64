package stt

import "time"

// Transcript is one recognised segment. Both partial (interim) and final
// results use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) result. A partial may be superseded by a later final covering
	// the same time range.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil.
	Words []WordDetail

	// SpeakerID identifies the speaker when diarization is active.
	SpeakerID string

	// Start is the offset of the segment from the beginning of the PCM stream.
	Start time.Duration

	// End is the offset at which the segment ends. End >= Start.
	End time.Duration
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	Speaker    string
}

// KeywordBoost represents a keyword to boost in recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Kubernetes").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
