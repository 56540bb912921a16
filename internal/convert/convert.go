// Package convert compresses oversized uncompressed recordings into an Opus
// artifact before upload.
//
// Conversion is a trade-off: it costs one decode/encode pass and some quality,
// so it is recommended only when the artifact is an uncompressed container
// larger than [SizeThreshold]. Everything else passes through unchanged.
package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/callvault/callvault/pkg/audio"
)

// SizeThreshold is the artifact size above which conversion of an
// uncompressed container is recommended.
const SizeThreshold = 5 << 20 // 5 MiB

// ErrConversionFailed marks any conversion failure. It is non-fatal by
// contract: the caller falls back to uploading the original, unconverted
// artifact rather than failing the capture. Test with [errors.Is].
var ErrConversionFailed = errors.New("conversion failed")

// Stage identifies a phase of the conversion pipeline, reported through the
// progress callback.
type Stage string

const (
	StageAnalyzing  Stage = "analyzing"
	StageConverting Stage = "converting"
	StageComplete   Stage = "complete"
)

// ProgressFunc receives staged conversion progress. It must not block; it is
// invoked synchronously on the conversion path.
type ProgressFunc func(Stage)

// Framed Opus container layout: a fixed header followed by
// uint16-big-endian-length-prefixed Opus packets.
const (
	opusMagic         = "CVOP"
	opusVersion       = 1
	opusTargetRate    = 48000
	cancelCheckFrames = 256
)

// ShouldConvert reports whether an artifact of the given size and container
// is worth converting: true only for uncompressed containers strictly larger
// than [SizeThreshold]. Already-compressed containers are never converted
// again regardless of size.
func ShouldConvert(sizeBytes int64, containerHint string) bool {
	if sizeBytes <= SizeThreshold {
		return false
	}
	switch strings.ToLower(containerHint) {
	case "wav", "audio/wav", "audio/x-wav", "pcm":
		return true
	}
	return false
}

// Convert decodes a WAV artifact once and re-encodes it into a framed Opus
// container. Progress is reported via cb (which may be nil) as
// analyzing -> converting -> complete.
//
// Any failure is wrapped in [ErrConversionFailed]; the input artifact is
// never modified, so the caller can always fall back to it.
func Convert(ctx context.Context, artifact []byte, cb ProgressFunc) ([]byte, error) {
	report := func(s Stage) {
		if cb != nil {
			cb(s)
		}
	}

	report(StageAnalyzing)

	pcm, format, err := audio.DecodeWAV(artifact)
	if err != nil {
		return nil, fmt.Errorf("convert: analyze: %w: %w", ErrConversionFailed, err)
	}

	// Opus encodes at 8/12/16/24/48 kHz only; resample anything else to 48 kHz.
	target := format
	switch format.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		target.SampleRate = opusTargetRate
		pcm = audio.ConvertPCM(pcm, format, target)
	}

	report(StageConverting)

	enc, err := audio.NewOpusEncoder(target)
	if err != nil {
		return nil, fmt.Errorf("convert: %w: %w", ErrConversionFailed, err)
	}

	frameBytes := audio.OpusFrameSize(target.SampleRate) * target.Channels * 2

	var out bytes.Buffer
	writeOpusHeader(&out, target)

	for i := 0; len(pcm) > 0; i++ {
		if i%cancelCheckFrames == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("convert: %w: %w", ErrConversionFailed, err)
			}
		}

		frame := pcm
		if len(frame) >= frameBytes {
			frame = frame[:frameBytes]
			pcm = pcm[frameBytes:]
		} else {
			// Pad the trailing partial frame with silence to a full frame.
			padded := make([]byte, frameBytes)
			copy(padded, frame)
			frame = padded
			pcm = nil
		}

		packet, err := enc.Encode(frame)
		if err != nil {
			return nil, fmt.Errorf("convert: frame %d: %w: %w", i, ErrConversionFailed, err)
		}
		if err := writePacket(&out, packet); err != nil {
			return nil, fmt.Errorf("convert: frame %d: %w: %w", i, ErrConversionFailed, err)
		}
	}

	report(StageComplete)
	return out.Bytes(), nil
}

// ContentType returns the upload content-type tag for a codec name.
func ContentType(codec string) string {
	switch strings.ToLower(codec) {
	case "opus":
		return "audio/opus"
	default:
		return "audio/wav"
	}
}

func writeOpusHeader(buf *bytes.Buffer, format audio.Format) {
	buf.WriteString(opusMagic)
	buf.WriteByte(opusVersion)
	var rate [4]byte
	binary.BigEndian.PutUint32(rate[:], uint32(format.SampleRate))
	buf.Write(rate[:])
	buf.WriteByte(byte(format.Channels))
}

func writePacket(buf *bytes.Buffer, packet []byte) error {
	if len(packet) > 0xFFFF {
		return fmt.Errorf("opus packet of %d bytes exceeds frame length prefix", len(packet))
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(packet)))
	buf.Write(n[:])
	buf.Write(packet)
	return nil
}
