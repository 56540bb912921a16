package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// wavHeaderSize is the byte length of a canonical PCM WAV header.
const wavHeaderSize = 44

// wavHeader is the canonical 44-byte RIFF/WAVE header for uncompressed PCM.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // PCM byte count
}

// EncodeWAV wraps interleaved little-endian int16 PCM in a WAV container.
// The PCM byte length must be a multiple of the frame size (2 * channels).
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("audio: encode wav: empty PCM data")
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: encode wav: sample rate must be positive, got %d", format.SampleRate)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("audio: encode wav: unsupported channel count %d", format.Channels)
	}
	if len(pcm)%(2*format.Channels) != 0 {
		return nil, fmt.Errorf("audio: encode wav: PCM length %d is not frame-aligned for %d channel(s)", len(pcm), format.Channels)
	}

	channels := uint16(format.Channels)
	const bitsPerSample = uint16(16)
	dataSize := uint32(len(pcm))

	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   channels,
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate) * uint32(channels) * uint32(bitsPerSample) / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("audio: encode wav: write header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV extracts the interleaved int16 PCM payload and format from a WAV
// container. Only uncompressed 16-bit PCM in mono or stereo is accepted.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	h, err := parseWAVHeader(data)
	if err != nil {
		return nil, Format{}, err
	}

	payload := data[wavHeaderSize:]
	n := int(h.Subchunk2Size)
	if n > len(payload) {
		return nil, Format{}, fmt.Errorf("audio: decode wav: data chunk claims %d bytes, only %d present", n, len(payload))
	}
	if n == 0 {
		return nil, Format{}, fmt.Errorf("audio: decode wav: no audio data")
	}

	format := Format{SampleRate: int(h.SampleRate), Channels: int(h.NumChannels)}
	pcm := make([]byte, n)
	copy(pcm, payload[:n])
	return pcm, format, nil
}

// IsWAV reports whether data begins with a plausible RIFF/WAVE header.
// It is a cheap sniff, not a full validation.
func IsWAV(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE"
}

// WAVDuration returns the playback duration of a WAV container without
// decoding the audio payload.
func WAVDuration(data []byte) (time.Duration, error) {
	h, err := parseWAVHeader(data)
	if err != nil {
		return 0, err
	}
	frames := int64(h.Subchunk2Size) / int64(h.BlockAlign)
	return time.Duration(frames) * time.Second / time.Duration(h.SampleRate), nil
}

// parseWAVHeader reads and validates the canonical header.
func parseWAVHeader(data []byte) (wavHeader, error) {
	var h wavHeader
	if len(data) < wavHeaderSize {
		return h, fmt.Errorf("audio: wav header: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("audio: wav header: %w", err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return h, fmt.Errorf("audio: wav header: missing RIFF chunk")
	case string(h.Format[:]) != "WAVE":
		return h, fmt.Errorf("audio: wav header: missing WAVE format")
	case string(h.Subchunk1ID[:]) != "fmt ":
		return h, fmt.Errorf("audio: wav header: missing fmt chunk")
	case string(h.Subchunk2ID[:]) != "data":
		return h, fmt.Errorf("audio: wav header: missing data chunk")
	case h.AudioFormat != 1:
		return h, fmt.Errorf("audio: wav header: unsupported audio format %d (only PCM)", h.AudioFormat)
	case h.BitsPerSample != 16:
		return h, fmt.Errorf("audio: wav header: unsupported bit depth %d (only 16-bit)", h.BitsPerSample)
	case h.NumChannels != 1 && h.NumChannels != 2:
		return h, fmt.Errorf("audio: wav header: unsupported channel count %d", h.NumChannels)
	case h.SampleRate == 0:
		return h, fmt.Errorf("audio: wav header: zero sample rate")
	case h.BlockAlign == 0:
		return h, fmt.Errorf("audio: wav header: zero block align")
	}
	return h, nil
}
