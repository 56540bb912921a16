// Package diarization normalizes speaker-labeled transcript segments into one
// canonical record shape at the ingestion boundary.
//
// Upstream transcription services emit segments in two JSON shapes: a compact
// one (`s`, `e`, `spk`, `txt`) and a verbose one (`startTime`, `endTime`,
// `speaker`, `text`). Both are converted to [Segment] immediately on decode so
// that nothing downstream ever branches on field shape.
package diarization

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultConfidence is assumed when a segment carries no confidence value.
const DefaultConfidence = 0.85

// ErrInvalidSegment is wrapped by all normalization rejections.
var ErrInvalidSegment = errors.New("invalid diarization segment")

// Segment is the canonical speaker-labeled span of a transcript.
type Segment struct {
	// ID is a stable identifier, generated when the source omits one.
	ID string `json:"id"`

	// Speaker is either the canonical machine label (speaker_<n>) or a
	// user-assigned display name.
	Speaker string `json:"speaker"`

	// Text is the transcribed speech of the span.
	Text string `json:"text"`

	// Start and End are offsets into the recording, in seconds.
	Start float64 `json:"startTime"`
	End   float64 `json:"endTime"`

	// Confidence is the transcription confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// rawSegment superimposes both upstream field shapes; pointers distinguish
// absent from zero.
type rawSegment struct {
	ID string `json:"id"`

	CompactStart   *float64 `json:"s"`
	CompactEnd     *float64 `json:"e"`
	CompactSpeaker *string  `json:"spk"`
	CompactText    *string  `json:"txt"`

	VerboseStart   *float64 `json:"startTime"`
	VerboseEnd     *float64 `json:"endTime"`
	VerboseSpeaker *string  `json:"speaker"`
	VerboseText    *string  `json:"text"`

	Confidence *float64 `json:"confidence"`
}

// machineSpeaker matches labels that are machine-generated rather than
// user-assigned: bare numbers and common "speaker N" variants.
var machineSpeaker = regexp.MustCompile(`(?i)^(?:spk|speaker)?[ _-]?(\d+)$`)

// NormalizeSpeaker canonicalizes a machine-generated speaker label to
// speaker_<n>. User-assigned display names pass through unchanged, and an
// empty label becomes speaker_0.
func NormalizeSpeaker(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "speaker_0"
	}
	if m := machineSpeaker.FindStringSubmatch(label); m != nil {
		n := strings.TrimLeft(m[1], "0")
		if n == "" {
			n = "0"
		}
		return "speaker_" + n
	}
	return label
}

// Decode parses a JSON array of segments in either upstream shape and returns
// them normalized. The first invalid segment aborts the decode.
func Decode(data []byte) ([]Segment, error) {
	var raws []rawSegment
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("diarization: decode: %w", err)
	}
	segments := make([]Segment, 0, len(raws))
	for i, raw := range raws {
		seg, err := raw.normalize()
		if err != nil {
			return nil, fmt.Errorf("diarization: segment %d: %w", i, err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// normalize converts one raw segment into the canonical shape, enforcing the
// segment invariants.
func (r rawSegment) normalize() (Segment, error) {
	seg := Segment{ID: r.ID}

	switch {
	case r.CompactStart != nil && r.CompactEnd != nil:
		seg.Start = *r.CompactStart
		seg.End = *r.CompactEnd
		if r.CompactSpeaker != nil {
			seg.Speaker = *r.CompactSpeaker
		}
		if r.CompactText != nil {
			seg.Text = *r.CompactText
		}
	case r.VerboseStart != nil && r.VerboseEnd != nil:
		seg.Start = *r.VerboseStart
		seg.End = *r.VerboseEnd
		if r.VerboseSpeaker != nil {
			seg.Speaker = *r.VerboseSpeaker
		}
		if r.VerboseText != nil {
			seg.Text = *r.VerboseText
		}
	default:
		return Segment{}, fmt.Errorf("%w: missing start/end offsets", ErrInvalidSegment)
	}

	if seg.Start < 0 {
		return Segment{}, fmt.Errorf("%w: negative start offset %v", ErrInvalidSegment, seg.Start)
	}
	if seg.End < seg.Start {
		return Segment{}, fmt.Errorf("%w: end %v before start %v", ErrInvalidSegment, seg.End, seg.Start)
	}

	seg.Speaker = NormalizeSpeaker(seg.Speaker)

	if r.Confidence != nil {
		c := *r.Confidence
		if c < 0 || c > 1 {
			return Segment{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidSegment, c)
		}
		seg.Confidence = c
	} else {
		seg.Confidence = DefaultConfidence
	}

	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	return seg, nil
}
