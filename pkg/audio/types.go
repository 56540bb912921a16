package audio

import "time"

// Frame represents a single frame of PCM audio flowing through the capture
// pipeline. Frames are the atomic unit of audio transport — captured from a
// device stream, accumulated by the recorder, and encoded into slices.
type Frame struct {
	// Data is interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for device capture, 16000 for telephony).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured. The zero value means the
	// source did not record a capture time.
	Timestamp time.Time
}

// Duration returns the playback duration of the frame's PCM data. A frame
// with an unknown format reports zero.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
