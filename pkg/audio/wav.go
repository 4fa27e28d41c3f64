package audio

import "encoding/binary"

// WAVHeaderSize is the size of the canonical 44-byte RIFF/WAVE PCM header.
const WAVHeaderSize = 44

// WAVHeader returns a RIFF/WAVE header describing dataSize bytes of PCM in
// format f. Streaming writers emit it with dataSize 0 and rewrite it once the
// final size is known.
func WAVHeader(f Format, dataSize int) []byte {
	bps := BytesPerSample * 8
	buf := make([]byte, WAVHeaderSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(f.FrameSize()))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return buf
}

// EncodeWAV wraps raw PCM in a RIFF/WAVE container suitable for upload to
// batch transcription endpoints.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(f, len(pcm))...)
	return append(out, pcm...)
}
