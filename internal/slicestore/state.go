package slicestore

import (
	"errors"
	"fmt"
	"time"
)

// RecordingSession is the persisted state of one in-progress or recoverable
// capture. It is written on every slice boundary and on every pause/resume so
// that recovery after an abnormal termination can reconstruct how far the
// session got.
//
// Timestamps are Unix milliseconds so the structural checks in [Validate] can
// reason about them as plain numbers.
type RecordingSession struct {
	// CallRecordID is the opaque external identifier of the call this capture
	// belongs to. Required.
	CallRecordID string

	// TotalStartMillis is when the session was first started.
	TotalStartMillis int64

	// LastUpdateMillis is advanced on every slice boundary and every
	// pause/resume event. Never earlier than TotalStartMillis.
	LastUpdateMillis int64

	// Recording reports whether capture was active when the state was saved
	// (false while paused).
	Recording bool

	// ElapsedMillis is the accumulated recorded duration, excluding paused
	// stretches.
	ElapsedMillis int64
}

// Validate performs the structural check a loaded session must pass before it
// is treated as recoverable. It returns a joined error listing every failure.
func (s *RecordingSession) Validate() error {
	var errs []error

	if s.CallRecordID == "" {
		errs = append(errs, errors.New("call record id is required"))
	}
	if s.TotalStartMillis < 0 {
		errs = append(errs, fmt.Errorf("total start %d is negative", s.TotalStartMillis))
	}
	if s.LastUpdateMillis < 0 {
		errs = append(errs, fmt.Errorf("last update %d is negative", s.LastUpdateMillis))
	}
	if s.LastUpdateMillis >= 0 && s.TotalStartMillis >= 0 && s.LastUpdateMillis < s.TotalStartMillis {
		errs = append(errs, fmt.Errorf("last update %d precedes total start %d", s.LastUpdateMillis, s.TotalStartMillis))
	}
	if s.ElapsedMillis < 0 {
		errs = append(errs, fmt.Errorf("elapsed %d is negative", s.ElapsedMillis))
	}

	return errors.Join(errs...)
}

// Elapsed returns the accumulated recorded duration.
func (s *RecordingSession) Elapsed() time.Duration {
	return time.Duration(s.ElapsedMillis) * time.Millisecond
}

// Touch advances LastUpdateMillis to now.
func (s *RecordingSession) Touch(now time.Time) {
	s.LastUpdateMillis = now.UnixMilli()
}
