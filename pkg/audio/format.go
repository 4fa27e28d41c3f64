// Package audio holds helpers for the canonical PCM stream produced by the
// transcoder: 16-bit signed little-endian samples at a fixed rate and channel
// count, delivered as an unframed byte stream.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BytesPerSample is fixed at 2 for s16le PCM.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Default is the format the transcoder emits unless configured otherwise.
var Default = Format{SampleRate: 16000, Channels: 1}

// String returns e.g. "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// BytesPerSecond returns the byte rate of the stream. Returns 0 for an
// invalid format.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.SampleRate * f.Channels * BytesPerSample
}

// FrameSize is the number of bytes in one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * BytesPerSample
}

// Duration returns the playback length of n bytes of PCM.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// ChunkSize returns the number of bytes covering d, rounded down to a whole
// frame and never smaller than one frame.
func (f Format) ChunkSize(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	n := int(int64(bps) * int64(d) / int64(time.Second))
	n -= n % f.FrameSize()
	if n < f.FrameSize() {
		n = f.FrameSize()
	}
	return n
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in sample units (0–32 767). Returns 0 for buffers shorter than
// one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
