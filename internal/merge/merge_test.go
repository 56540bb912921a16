package merge

import (
	"errors"
	"testing"
	"time"

	"github.com/callvault/callvault/internal/slicestore"
	"github.com/callvault/callvault/pkg/audio"
)

// wavSlice builds a WAV slice of the given duration and format.
func wavSlice(t *testing.T, index int, d time.Duration, format audio.Format) slicestore.Slice {
	t.Helper()
	samples := int(d.Seconds() * float64(format.SampleRate))
	pcm := make([]byte, samples*format.Channels*2)
	payload, err := audio.EncodeWAV(pcm, format)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return slicestore.Slice{SessionID: "sess", Index: index, Codec: "wav", Payload: payload}
}

func TestMerge_EmptyInput(t *testing.T) {
	if _, err := Merge(nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Merge(nil) = %v, want ErrEmptyInput", err)
	}
}

func TestMerge_SingleSliceIdentity(t *testing.T) {
	sl := wavSlice(t, 0, time.Second, audio.Format{SampleRate: 16000, Channels: 1})

	got, err := Merge([]slicestore.Slice{sl})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if &got[0] != &sl.Payload[0] {
		t.Error("single slice should be returned unchanged, not re-encoded")
	}
}

func TestMerge_DurationIsSumOfSlices(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	slices := []slicestore.Slice{
		wavSlice(t, 0, 2*time.Second, format),
		wavSlice(t, 1, 3*time.Second, format),
		wavSlice(t, 2, time.Second, format),
	}

	got, err := Merge(slices)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	d, err := audio.WAVDuration(got)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	want := 6 * time.Second
	if diff := d - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("merged duration = %v, want %v", d, want)
	}
}

func TestMerge_MixedFormatsFollowFirstSlice(t *testing.T) {
	first := audio.Format{SampleRate: 16000, Channels: 1}
	slices := []slicestore.Slice{
		wavSlice(t, 0, time.Second, first),
		// Disagreeing slice: stereo at 48kHz must be converted, not rejected.
		wavSlice(t, 1, time.Second, audio.Format{SampleRate: 48000, Channels: 2}),
	}

	got, err := Merge(slices)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	_, format, err := audio.DecodeWAV(got)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format != first {
		t.Errorf("artifact format = %+v, want first slice's %+v", format, first)
	}

	d, err := audio.WAVDuration(got)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	want := 2 * time.Second
	if diff := d - want; diff < -5*time.Millisecond || diff > 5*time.Millisecond {
		t.Errorf("merged duration = %v, want ~%v", d, want)
	}
}

func TestMerge_CorruptSliceAborts(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	slices := []slicestore.Slice{
		wavSlice(t, 0, time.Second, format),
		{SessionID: "sess", Index: 1, Codec: "wav", Payload: []byte("not a wav container")},
		wavSlice(t, 2, time.Second, format),
	}

	_, err := Merge(slices)
	var corrupt *SliceCorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Merge = %v, want SliceCorruptError", err)
	}
	if corrupt.Index != 1 {
		t.Errorf("corrupt index = %d, want 1", corrupt.Index)
	}
}

func TestMergeValid_SkipsCorruptAndReportsIndices(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	slices := []slicestore.Slice{
		wavSlice(t, 0, time.Second, format),
		{SessionID: "sess", Index: 1, Codec: "wav", Payload: []byte("junk")},
		wavSlice(t, 2, 2*time.Second, format),
	}

	got, skipped, err := MergeValid(slices)
	if err != nil {
		t.Fatalf("MergeValid: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != 1 {
		t.Errorf("skipped = %v, want [1]", skipped)
	}

	d, err := audio.WAVDuration(got)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	want := 3 * time.Second
	if diff := d - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("merged duration = %v, want %v", d, want)
	}
}

func TestMergeValid_AllCorrupt(t *testing.T) {
	slices := []slicestore.Slice{
		{Index: 0, Payload: []byte("junk")},
		{Index: 1, Payload: []byte("more junk")},
	}
	if _, _, err := MergeValid(slices); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("MergeValid(all corrupt) = %v, want ErrEmptyInput", err)
	}
}
