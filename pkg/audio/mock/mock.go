// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	frames := make(chan audio.Frame, 16)
//	stream := &mock.Stream{FramesResult: frames}
//	device := &mock.Device{AcquireResult: stream}
//	got, err := device.Acquire(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/callvault/callvault/pkg/audio"
)

// Device is a mock implementation of [audio.Device].
// Set the exported Result fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// AcquireResult is the stream returned by [Device.Acquire] on success.
	AcquireResult audio.Stream

	// AcquireError, when non-nil, is returned by [Device.Acquire] instead of
	// AcquireResult.
	AcquireError error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int
}

// Acquire implements [audio.Device].
func (d *Device) Acquire(_ context.Context) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireError != nil {
		return nil, d.AcquireError
	}
	return d.AcquireResult, nil
}

// Stream is a mock implementation of [audio.Stream].
type Stream struct {
	mu sync.Mutex

	// FramesResult is returned by [Stream.Frames]. Tests own the channel and
	// control what is delivered on it. Close it to signal end of capture.
	FramesResult chan audio.Frame

	// CloseError is returned by the first call to [Stream.Close].
	CloseError error

	// CallCountFrames records how many times Frames was called.
	CallCountFrames int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFrames++
	return s.FramesResult
}

// Close implements [audio.Stream]. The first call closes the frames channel
// and returns CloseError; subsequent calls are no-ops returning nil.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	if s.FramesResult != nil {
		close(s.FramesResult)
	}
	return s.CloseError
}
