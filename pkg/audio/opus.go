package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus frame timing. Opus supports 2.5–60 ms frames; 20 ms is the codec's
// sweet spot and what the encoder here always emits.
const (
	opusFrameMs = 20

	// maxOpusPacket bounds a single encoded packet. Opus packets for one
	// 20 ms frame stay well under this even at high bitrates.
	maxOpusPacket = 4000
)

// OpusFrameSize returns the number of samples per channel in one 20 ms Opus
// frame at the given sample rate.
func OpusFrameSize(sampleRate int) int {
	return sampleRate * opusFrameMs / 1000
}

// OpusEncoder wraps a gopus Opus encoder for one PCM stream. Opus encoders
// carry state across consecutive frames; create one per stream and feed it
// frames in order. Not safe for concurrent use.
type OpusEncoder struct {
	enc    *gopus.Encoder
	format Format
}

// NewOpusEncoder creates an Opus encoder for the given format. The sample
// rate must be one of the rates Opus supports natively (8/12/16/24/48 kHz).
func NewOpusEncoder(format Format) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, format: format}, nil
}

// Encode encodes one frame of interleaved little-endian int16 PCM into an
// Opus packet. The input must contain exactly OpusFrameSize(rate) samples
// per channel.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	samples := bytesToInt16s(pcm)
	packet, err := e.enc.Encode(samples, OpusFrameSize(e.format.SampleRate), maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// OpusDecoder wraps a gopus Opus decoder for one packet stream. Like the
// encoder it is stateful; create one per stream. Not safe for concurrent use.
type OpusDecoder struct {
	dec    *gopus.Decoder
	format Format
}

// NewOpusDecoder creates an Opus decoder producing PCM in the given format.
func NewOpusDecoder(format Format) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, format: format}, nil
}

// Decode decodes one Opus packet into interleaved little-endian int16 PCM.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, OpusFrameSize(d.format.SampleRate), false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
