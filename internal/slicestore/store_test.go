package slicestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "slices.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutSlice_ReadBackOrderedByIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Insert out of physical order.
	for _, idx := range []int{2, 0, 1} {
		if err := s.PutSlice(ctx, "sess", idx, []byte{byte(idx)}, "wav"); err != nil {
			t.Fatalf("PutSlice(%d): %v", idx, err)
		}
	}

	slices, err := s.Slices(ctx, "sess")
	if err != nil {
		t.Fatalf("Slices: %v", err)
	}
	if len(slices) != 3 {
		t.Fatalf("len(slices) = %d, want 3", len(slices))
	}
	for i, sl := range slices {
		if sl.Index != i {
			t.Errorf("slices[%d].Index = %d, want %d", i, sl.Index, i)
		}
		if sl.Codec != "wav" {
			t.Errorf("slices[%d].Codec = %q, want wav", i, sl.Codec)
		}
	}
	if err := ContiguousIndices(slices); err != nil {
		t.Errorf("ContiguousIndices: %v", err)
	}
}

func TestPutSlice_ByteCeiling(t *testing.T) {
	s := openTestStore(t, WithMaxSessionBytes(10))
	ctx := context.Background()

	if err := s.PutSlice(ctx, "sess", 0, make([]byte, 8), "wav"); err != nil {
		t.Fatalf("PutSlice under ceiling: %v", err)
	}

	err := s.PutSlice(ctx, "sess", 1, make([]byte, 8), "wav")
	if !errors.Is(err, ErrSessionBytesExceeded) {
		t.Fatalf("err = %v, want ErrSessionBytesExceeded", err)
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("ceiling error should wrap ErrStorageUnavailable, got %v", err)
	}

	// Prior slice must remain readable.
	slices, err := s.Slices(ctx, "sess")
	if err != nil {
		t.Fatalf("Slices: %v", err)
	}
	if len(slices) != 1 || slices[0].Index != 0 {
		t.Errorf("prior slice lost after ceiling rejection: %+v", slices)
	}
}

func TestContiguousIndices_DetectsGap(t *testing.T) {
	gapped := []Slice{{Index: 0}, {Index: 2}}
	if err := ContiguousIndices(gapped); err == nil {
		t.Error("ContiguousIndices accepted a gapped sequence")
	}
}

func TestSaveLoadState_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := &RecordingSession{
		CallRecordID:     "call-42",
		TotalStartMillis: 1_700_000_000_000,
		LastUpdateMillis: 1_700_000_060_000,
		Recording:        true,
		ElapsedMillis:    60_000,
	}
	if err := s.SaveState(ctx, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	// Recovery idempotence: two loads without mutation are identical.
	first, err := s.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	second, err := s.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState (second): %v", err)
	}
	if first == nil || second == nil {
		t.Fatal("LoadState returned nil for saved state")
	}
	if *first != *want {
		t.Errorf("loaded = %+v, want %+v", *first, *want)
	}
	if *first != *second {
		t.Errorf("repeated loads differ: %+v vs %+v", *first, *second)
	}
}

func TestLoadState_NoState(t *testing.T) {
	s := openTestStore(t)

	got, err := s.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got != nil {
		t.Errorf("LoadState = %+v, want nil", got)
	}
}

func TestLoadState_DiscardsCorruptState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Bypass SaveState to plant an invalid row (last update before start).
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (id, call_record_id, total_start_ms, last_update_ms, recording, elapsed_ms)
		VALUES (1, 'call-7', 2000, 1000, 1, 0)`)
	if err != nil {
		t.Fatalf("plant corrupt state: %v", err)
	}

	got, err := s.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got != nil {
		t.Errorf("corrupt state was resumed: %+v", got)
	}

	// The corrupt row must be gone, not retried forever.
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_state`).Scan(&n); err != nil {
		t.Fatalf("count state rows: %v", err)
	}
	if n != 0 {
		t.Errorf("corrupt state row still present")
	}
}

func TestDeleteSession_RemovesSlicesAndState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutSlice(ctx, "sess", 0, []byte{1}, "wav"); err != nil {
		t.Fatalf("PutSlice: %v", err)
	}
	if err := s.SaveState(ctx, &RecordingSession{CallRecordID: "sess"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	if err := s.DeleteSession(ctx, "sess"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	slices, err := s.Slices(ctx, "sess")
	if err != nil {
		t.Fatalf("Slices: %v", err)
	}
	if len(slices) != 0 {
		t.Errorf("slices remain after delete: %d", len(slices))
	}
	state, err := s.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state != nil {
		t.Errorf("state remains after delete: %+v", state)
	}
}

func TestRecordingSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		session RecordingSession
		wantOK  bool
	}{
		{
			"valid",
			RecordingSession{CallRecordID: "c1", TotalStartMillis: 100, LastUpdateMillis: 200},
			true,
		},
		{
			"missing call record id",
			RecordingSession{TotalStartMillis: 100, LastUpdateMillis: 200},
			false,
		},
		{
			"negative total start",
			RecordingSession{CallRecordID: "c1", TotalStartMillis: -1, LastUpdateMillis: 200},
			false,
		},
		{
			"last update before total start",
			RecordingSession{CallRecordID: "c1", TotalStartMillis: 200, LastUpdateMillis: 100},
			false,
		},
		{
			"negative elapsed",
			RecordingSession{CallRecordID: "c1", TotalStartMillis: 100, LastUpdateMillis: 200, ElapsedMillis: -5},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if (err == nil) != tt.wantOK {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.wantOK)
			}
		})
	}
}
