// Package audio defines the types and interfaces for audio capture and
// PCM processing within callvault.
//
// The two primary abstractions are:
//
//   - [Device] — a capture backend that can be acquired for exclusive use.
//   - [Stream] — an active capture stream delivering [Frame] values until closed.
//
// Implementations are provided by backend-specific adapter packages (e.g.,
// the UDP ingest source in internal/capture). The interfaces are intentionally
// narrow to keep the recorder decoupled from transport details.
//
// This package lives under pkg/ because external code (third-party capture
// adapters) is expected to implement [Device] and [Stream].
package audio

import "context"

// Stream is an active capture stream on an acquired device.
//
// A Stream is obtained by calling [Device.Acquire] and remains valid until
// [Stream.Close] is called. The frames channel is closed automatically when
// the stream terminates, whether by Close or by the underlying transport
// going away.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the read-only channel delivering captured [Frame] values
	// in capture order. The channel is closed when the stream ends.
	Frames() <-chan Frame

	// Close releases the device and closes the frames channel. It is safe to
	// call Close more than once; subsequent calls are no-ops and return nil.
	// In-flight frames already queued on the channel remain readable.
	Close() error
}

// Device is the entry point for a capture backend.
//
// Implementations must be safe for concurrent use, but a device is exclusively
// owned once acquired: a second Acquire before the previous [Stream] is closed
// must fail rather than interleave two capture sessions.
type Device interface {
	// Acquire claims the device and begins capture. The supplied ctx governs
	// the lifetime of the acquisition attempt only; once acquired, the Stream
	// remains alive until [Stream.Close] is called explicitly.
	//
	// Returns an error if the device cannot be claimed (already in use,
	// transport unavailable, permission denied).
	Acquire(ctx context.Context) (Stream, error)
}
