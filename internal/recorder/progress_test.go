package recorder

import (
	"testing"
	"time"

	"github.com/callvault/callvault/internal/slicestore"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "0:00"},
		{"seconds only", 7 * time.Second, "0:07"},
		{"ninety seconds", 90 * time.Second, "1:30"},
		{"just under an hour", 59*time.Minute + 59*time.Second, "59:59"},
		{"exactly one hour", time.Hour, "1:00:00"},
		{"hour minute second", time.Hour + time.Minute + time.Second, "1:01:01"},
		{"sub-second truncates", 1500 * time.Millisecond, "0:01"},
		{"negative clamps", -5 * time.Second, "0:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestSendProgress_NeverBlocks(t *testing.T) {
	// No dispatcher drains the channel; once it is full, further snapshots
	// must be dropped instead of stalling the capture path.
	r := &Recorder{
		progressCh: make(chan Progress, 2),
		session:    &slicestore.RecordingSession{CallRecordID: "call-1"},
		state:      StateRecording,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			r.mu.Lock()
			r.sendProgress()
			r.mu.Unlock()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendProgress blocked on a saturated channel")
	}
	if got := len(r.progressCh); got != 2 {
		t.Errorf("queued snapshots = %d, want 2", got)
	}
}

func TestSendProgress_NoopWithoutSession(t *testing.T) {
	r := &Recorder{progressCh: make(chan Progress, 1)}
	r.mu.Lock()
	r.sendProgress()
	r.mu.Unlock()
	if len(r.progressCh) != 0 {
		t.Error("snapshot emitted with no active session")
	}
}

func TestDispatchProgress_DeliversAndStops(t *testing.T) {
	ch := make(chan Progress, 4)
	quit := make(chan struct{})
	got := make(chan Progress, 4)

	go dispatchProgress(ch, quit, func(p Progress) { got <- p })

	ch <- Progress{CallRecordID: "call-1", Slices: 3}
	select {
	case p := <-got:
		if p.CallRecordID != "call-1" || p.Slices != 3 {
			t.Errorf("delivered snapshot = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("snapshot not delivered")
	}

	close(quit)
}
