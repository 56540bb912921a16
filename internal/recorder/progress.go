package recorder

import (
	"fmt"
	"time"
)

// Progress is a point-in-time snapshot of an active session, delivered to the
// progress callback at least once per slice boundary and on every
// pause/resume event.
type Progress struct {
	// CallRecordID identifies the session.
	CallRecordID string

	// State is the lifecycle state at snapshot time.
	State State

	// Elapsed is the accumulated recorded duration (paused stretches excluded).
	Elapsed time.Duration

	// Slices is the number of slices persisted so far.
	Slices int

	// PersistedBytes is the payload volume persisted so far.
	PersistedBytes int64
}

// ProgressFunc receives session progress snapshots.
type ProgressFunc func(Progress)

// Snapshot returns the current session's progress. ok is false when no
// session is active or awaiting acknowledgement.
func (r *Recorder) Snapshot() (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return Progress{}, false
	}
	return Progress{
		CallRecordID:   r.session.CallRecordID,
		State:          r.state,
		Elapsed:        r.session.Elapsed(),
		Slices:         r.sliceIndex,
		PersistedBytes: r.persistedBytes,
	}, true
}

// sendProgress queues a snapshot for the dispatch goroutine. The send never
// blocks: when the dispatcher is saturated the update is dropped, because
// stale progress is worthless and the capture path must not stall.
// Callers hold r.mu.
func (r *Recorder) sendProgress() {
	if r.progressCh == nil || r.session == nil {
		return
	}
	p := Progress{
		CallRecordID:   r.session.CallRecordID,
		State:          r.state,
		Elapsed:        r.session.Elapsed(),
		Slices:         r.sliceIndex,
		PersistedBytes: r.persistedBytes,
	}
	select {
	case r.progressCh <- p:
	default:
	}
}

// dispatchProgress invokes cb for queued snapshots until quit closes.
func dispatchProgress(ch <-chan Progress, quit <-chan struct{}, cb ProgressFunc) {
	for {
		select {
		case p := <-ch:
			cb(p)
		case <-quit:
			return
		}
	}
}

// FormatDuration renders a duration as m:ss, or h:mm:ss from one hour up.
// Negative input clamps to "0:00".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
