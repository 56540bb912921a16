// Package merge combines independently finalized audio slices into one
// continuous playable artifact.
//
// Finalized WAV containers cannot simply be concatenated byte-wise — each
// carries its own header and length fields, and players stop at the first
// container boundary. Merging therefore decodes every slice to raw PCM,
// concatenates the sample data, and renders a single container in one encoder
// pass.
package merge

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/callvault/callvault/internal/slicestore"
	"github.com/callvault/callvault/pkg/audio"
)

// ErrEmptyInput is returned when Merge is invoked with zero slices. This is a
// programming-contract violation on the caller's side, signalled immediately.
var ErrEmptyInput = errors.New("merge: no slices to merge")

// SliceCorruptError reports that one slice failed to decode. The merge is
// aborted so the caller can decide whether to retry with the remaining valid
// slices via [MergeValid] — a slice is never dropped silently.
type SliceCorruptError struct {
	// Index is the sequence index of the slice that failed to decode.
	Index int

	// Err is the underlying decode failure.
	Err error
}

func (e *SliceCorruptError) Error() string {
	return fmt.Sprintf("merge: slice %d corrupt: %v", e.Index, e.Err)
}

func (e *SliceCorruptError) Unwrap() error { return e.Err }

// Merge decodes the ordered slices and re-encodes them into one continuous
// WAV artifact.
//
// The first slice's sample rate and channel count are authoritative for the
// whole session; later slices that disagree are resampled and
// channel-converted to match rather than rejected.
//
// Edge cases: zero slices fails with [ErrEmptyInput]; exactly one slice is
// returned unchanged without a decode/re-encode round trip, since there is
// nothing to merge.
func Merge(slices []slicestore.Slice) ([]byte, error) {
	switch len(slices) {
	case 0:
		return nil, ErrEmptyInput
	case 1:
		return slices[0].Payload, nil
	}

	artifact, _, err := merge(slices, false)
	return artifact, err
}

// MergeValid is the explicit recovery path after [Merge] reported a corrupt
// slice: it merges every slice that still decodes and returns the sequence
// indices that were skipped. It fails with [ErrEmptyInput] when no slice
// decodes at all.
func MergeValid(slices []slicestore.Slice) ([]byte, []int, error) {
	if len(slices) == 0 {
		return nil, nil, ErrEmptyInput
	}
	return merge(slices, true)
}

// merge is the shared decode-concatenate-encode pass. With skipCorrupt set,
// undecodable slices are collected instead of aborting.
func merge(slices []slicestore.Slice, skipCorrupt bool) ([]byte, []int, error) {
	var (
		target  audio.Format
		haveFmt bool
		pcm     bytes.Buffer
		skipped []int
	)

	for _, sl := range slices {
		data, format, err := audio.DecodeWAV(sl.Payload)
		if err != nil {
			if skipCorrupt {
				skipped = append(skipped, sl.Index)
				continue
			}
			return nil, nil, &SliceCorruptError{Index: sl.Index, Err: err}
		}

		if !haveFmt {
			target = format
			haveFmt = true
		}
		pcm.Write(audio.ConvertPCM(data, format, target))
	}

	if !haveFmt {
		return nil, skipped, ErrEmptyInput
	}

	out, err := audio.EncodeWAV(pcm.Bytes(), target)
	if err != nil {
		return nil, skipped, fmt.Errorf("merge: render artifact: %w", err)
	}
	return out, skipped, nil
}
