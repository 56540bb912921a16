// Package recorder orchestrates chunked audio capture: it owns the capture
// device for the lifetime of a session, slices encoder output on a timer,
// persists every slice durably as it is produced, and merges the slices into
// one continuous artifact on stop.
//
// The recorder is effectively single-threaded cooperative: frame ingestion,
// the slicing timer, and persistence writes interleave under one mutex, so no
// two state-mutating operations ever run concurrently on the same session.
// A crash at any point loses at most the in-flight (unsliced) tail — every
// finalized slice is already on disk and recoverable via [Recorder.Recover].
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callvault/callvault/internal/merge"
	"github.com/callvault/callvault/internal/observe"
	"github.com/callvault/callvault/internal/slicestore"
	"github.com/callvault/callvault/pkg/audio"
)

// DefaultSliceInterval is how often the in-progress encoder buffer is
// finalized into a persisted slice.
const DefaultSliceInterval = 15 * time.Second

// ErrDeviceUnavailable is returned by [Recorder.Start] when the capture
// device cannot be acquired. It is surfaced before any session state is
// created, so there is nothing to recover.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// State identifies a phase of the recording lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopping
	StateFinalizing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Artifact is the finalized output of one completed capture session.
type Artifact struct {
	// ID uniquely identifies this artifact for handoff logging.
	ID string

	// CallRecordID is the external call identifier the capture belongs to.
	CallRecordID string

	// Data is the merged, continuous audio container.
	Data []byte

	// Codec names the container ("wav"; "opus" after conversion).
	Codec string

	// Duration is the playback duration of Data.
	Duration time.Duration
}

// Config holds all dependencies for a [Recorder].
type Config struct {
	// Device is the capture backend. Required.
	Device audio.Device

	// Store is the durable slice store. Required.
	Store *slicestore.Store

	// Format is the session recording format frames are normalized to.
	// Default: 16 kHz mono.
	Format audio.Format

	// SliceInterval overrides [DefaultSliceInterval].
	SliceInterval time.Duration

	// Progress, when non-nil, receives elapsed-duration updates at least once
	// per slice boundary. It is invoked on a dispatch goroutine and never
	// blocks the capture path; updates are dropped rather than queued
	// unboundedly.
	Progress ProgressFunc

	// Metrics, when non-nil, receives capture-path instrumentation.
	Metrics *observe.Metrics
}

// Recorder manages the lifecycle of chunked capture sessions. At most one
// session is active at a time. All exported methods are safe for concurrent
// use.
type Recorder struct {
	device   audio.Device
	store    *slicestore.Store
	format   audio.Format
	interval time.Duration
	metrics  *observe.Metrics

	progressCh   chan Progress
	progressQuit chan struct{}

	mu             sync.Mutex
	state          State
	session        *slicestore.RecordingSession
	stream         audio.Stream
	conv           *audio.FormatConverter
	buf            []byte
	sliceIndex     int
	persistedBytes int64
	captureDone    chan struct{}
	fatalErr       error

	// pendingSession is the session id awaiting Ack after a successful Stop.
	pendingSession string
}

// New creates a Recorder with the given dependencies.
func New(cfg Config) (*Recorder, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("recorder: capture device is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("recorder: slice store is required")
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	if cfg.SliceInterval <= 0 {
		cfg.SliceInterval = DefaultSliceInterval
	}

	r := &Recorder{
		device:   cfg.Device,
		store:    cfg.Store,
		format:   cfg.Format,
		interval: cfg.SliceInterval,
		metrics:  cfg.Metrics,
	}
	if cfg.Progress != nil {
		r.progressCh = make(chan Progress, 16)
		r.progressQuit = make(chan struct{})
		go dispatchProgress(r.progressCh, r.progressQuit, cfg.Progress)
	}
	return r, nil
}

// Close stops the progress dispatcher. It does not touch an active session;
// call [Recorder.Cleanup] first if one may be running.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progressQuit != nil {
		close(r.progressQuit)
		r.progressQuit = nil
	}
	return nil
}

// State returns the current lifecycle state. It is the single observable
// other components should gate on (e.g. suppressing idle logout while a
// recording is live) instead of any shared flag.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that terminated the last capture abnormally, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// Recover inspects the durable store for a previously unterminated session.
// A valid saved state is returned for the caller to resume (via [Recorder.Start]
// with the same call record id) or discard; corrupt state has already been
// dropped by the store. Returns nil when there is nothing to recover.
func (r *Recorder) Recover(ctx context.Context) (*slicestore.RecordingSession, error) {
	state, err := r.store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("recorder: recover: %w", err)
	}
	if state != nil {
		slog.Info("recorder: found recoverable session",
			"call_record_id", state.CallRecordID,
			"elapsed", FormatDuration(state.Elapsed()),
		)
	}
	return state, nil
}

// DiscardRecovered deletes a recovered session's slices and state. This is an
// explicit operator decision — recovery never discards silently.
func (r *Recorder) DiscardRecovered(ctx context.Context, callRecordID string) error {
	if err := r.store.DeleteSession(ctx, callRecordID); err != nil {
		return fmt.Errorf("recorder: discard recovered: %w", err)
	}
	slog.Info("recorder: discarded recovered session", "call_record_id", callRecordID)
	return nil
}

// Start begins (or resumes) a capture session for callRecordID. It acquires
// the capture device, creates or resumes the persisted session state, and
// starts the slicing timer.
//
// Returns [ErrDeviceUnavailable] if the device cannot be acquired, an error
// if a session is already active, and an error if an unterminated session for
// a different call is still recoverable (resume or discard it first).
func (r *Recorder) Start(ctx context.Context, callRecordID string) error {
	if callRecordID == "" {
		return fmt.Errorf("recorder: call record id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return fmt.Errorf("recorder: a session is already active (call_record_id=%s, state=%s)",
			r.session.CallRecordID, r.state)
	}

	saved, err := r.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("recorder: start: %w", err)
	}
	if saved != nil && saved.CallRecordID != callRecordID {
		return fmt.Errorf("recorder: unterminated session %q is recoverable; resume or discard it before starting %q",
			saved.CallRecordID, callRecordID)
	}

	stream, err := r.device.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("recorder: %w: %w", ErrDeviceUnavailable, err)
	}

	now := time.Now()
	session := saved
	sliceIndex := 0
	if session == nil {
		session = &slicestore.RecordingSession{
			CallRecordID:     callRecordID,
			TotalStartMillis: now.UnixMilli(),
			LastUpdateMillis: now.UnixMilli(),
		}
	} else {
		// Resuming a crashed session: continue slice numbering after the
		// slices already on disk.
		slices, err := r.store.Slices(ctx, callRecordID)
		if err != nil {
			_ = stream.Close()
			return fmt.Errorf("recorder: start: %w", err)
		}
		sliceIndex = len(slices)
		session.Touch(now)
		slog.Info("recorder: resuming recovered session",
			"call_record_id", callRecordID,
			"slices", sliceIndex,
			"elapsed", FormatDuration(session.Elapsed()),
		)
	}
	session.Recording = true

	if err := r.store.SaveState(ctx, session); err != nil {
		_ = stream.Close()
		return fmt.Errorf("recorder: start: %w", err)
	}

	r.state = StateRecording
	r.session = session
	r.stream = stream
	r.conv = &audio.FormatConverter{Target: r.format}
	r.buf = nil
	r.sliceIndex = sliceIndex
	r.persistedBytes = 0
	r.fatalErr = nil
	r.pendingSession = ""
	r.captureDone = make(chan struct{})

	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(ctx, 1)
	}

	go r.captureLoop(stream.Frames())

	slog.Info("recorder: session started",
		"call_record_id", callRecordID,
		"slice_interval", r.interval,
		"format", fmt.Sprintf("%dHz/%dch", r.format.SampleRate, r.format.Channels),
	)
	return nil
}

// Pause suspends frame accumulation. The session state is persisted so that
// elapsed time stays recoverable across a crash while paused.
func (r *Recorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return fmt.Errorf("recorder: cannot pause from state %s", r.state)
	}

	r.state = StatePaused
	r.session.Recording = false
	r.session.Touch(time.Now())
	if err := r.store.SaveState(ctx, r.session); err != nil {
		return fmt.Errorf("recorder: pause: %w", err)
	}
	r.sendProgress()
	slog.Info("recorder: paused", "call_record_id", r.session.CallRecordID)
	return nil
}

// Resume continues a paused session.
func (r *Recorder) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePaused {
		return fmt.Errorf("recorder: cannot resume from state %s", r.state)
	}

	r.state = StateRecording
	r.session.Recording = true
	r.session.Touch(time.Now())
	if err := r.store.SaveState(ctx, r.session); err != nil {
		return fmt.Errorf("recorder: resume: %w", err)
	}
	r.sendProgress()
	slog.Info("recorder: resumed", "call_record_id", r.session.CallRecordID)
	return nil
}

// Stop ends the active session: it stops the capture device, flushes the
// final partial buffer as a last slice, and merges all persisted slices into
// one continuous artifact.
//
// The session is NOT deleted from the store until the caller acknowledges a
// successful handoff via [Recorder.Ack] — if the upload fails, the session
// remains fully recoverable.
func (r *Recorder) Stop(ctx context.Context) (*Artifact, error) {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		defer r.mu.Unlock()
		return nil, fmt.Errorf("recorder: cannot stop from state %s", r.state)
	}
	r.state = StateStopping
	stream := r.stream
	done := r.captureDone
	r.mu.Unlock()

	// Closing the stream closes the frames channel; the capture loop drains
	// any frames already queued and exits. In-flight slice writes complete —
	// they run inside the loop and are never truncated.
	if err := stream.Close(); err != nil {
		slog.Warn("recorder: stream close error", "err", err)
	}
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()

	// A concurrent Cleanup may have forced the recorder back to Idle while we
	// waited for the capture loop; the session is gone, but its persisted
	// slices remain recoverable.
	if r.state != StateStopping || r.session == nil {
		return nil, fmt.Errorf("recorder: session was cleaned up during stop")
	}

	callRecordID := r.session.CallRecordID

	// Flush the final partial buffer as the last slice.
	if err := r.flushSliceLocked(ctx); err != nil {
		r.failLocked(ctx, err)
		return nil, fmt.Errorf("recorder: stop: %w", err)
	}

	r.state = StateFinalizing

	slices, err := r.store.Slices(ctx, callRecordID)
	if err != nil {
		r.failLocked(ctx, err)
		return nil, fmt.Errorf("recorder: stop: %w", err)
	}
	if err := slicestore.ContiguousIndices(slices); err != nil {
		r.failLocked(ctx, err)
		return nil, fmt.Errorf("recorder: stop: %w", err)
	}

	mergeStart := time.Now()
	data, err := merge.Merge(slices)
	if err != nil {
		// Leave everything persisted; the caller may invoke Salvage as an
		// explicit recovery action.
		r.releaseLocked(ctx)
		r.pendingSession = callRecordID
		return nil, fmt.Errorf("recorder: stop: %w", err)
	}
	if r.metrics != nil {
		r.metrics.MergeDuration.Record(ctx, time.Since(mergeStart).Seconds())
	}

	artifact := r.buildArtifactLocked(callRecordID, data)
	r.releaseLocked(ctx)
	r.pendingSession = callRecordID

	slog.Info("recorder: session stopped",
		"call_record_id", callRecordID,
		"artifact_id", artifact.ID,
		"slices", len(slices),
		"duration", FormatDuration(artifact.Duration),
		"bytes", len(artifact.Data),
	)
	return artifact, nil
}

// Salvage is the explicit recovery action after Stop failed with a corrupt
// slice: it merges every slice that still decodes and reports the skipped
// sequence indices. Slices are never dropped silently — the skipped list is
// part of the result.
func (r *Recorder) Salvage(ctx context.Context) (*Artifact, []int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pendingSession == "" {
		return nil, nil, fmt.Errorf("recorder: no stopped session to salvage")
	}

	slices, err := r.store.Slices(ctx, r.pendingSession)
	if err != nil {
		return nil, nil, fmt.Errorf("recorder: salvage: %w", err)
	}
	data, skipped, err := merge.MergeValid(slices)
	if err != nil {
		return nil, skipped, fmt.Errorf("recorder: salvage: %w", err)
	}
	if len(skipped) > 0 {
		slog.Warn("recorder: salvage skipped corrupt slices",
			"call_record_id", r.pendingSession,
			"skipped", skipped,
		)
	}

	artifact := r.buildArtifactLocked(r.pendingSession, data)
	return artifact, skipped, nil
}

// Ack confirms that the artifact from the last Stop was handed off
// successfully. Only now is the session deleted from the durable store.
func (r *Recorder) Ack(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pendingSession == "" {
		return fmt.Errorf("recorder: no stopped session to acknowledge")
	}
	if err := r.store.DeleteSession(ctx, r.pendingSession); err != nil {
		return fmt.Errorf("recorder: ack: %w", err)
	}
	slog.Info("recorder: session acknowledged and deleted", "call_record_id", r.pendingSession)
	r.pendingSession = ""
	return nil
}

// Cleanup forces the recorder back to Idle from any state: the capture device
// is released and in-memory (not yet persisted) buffers are discarded.
// Persisted slices and session state are untouched, so an interrupted session
// stays recoverable. Each cleanup step's failure is reported distinctly and
// never aborts the remaining steps.
func (r *Recorder) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	stream := r.stream
	done := r.captureDone
	active := r.state == StateRecording || r.state == StatePaused || r.state == StateStopping
	wasIdle := r.state == StateIdle
	r.mu.Unlock()

	var errs []error

	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("recorder: cleanup: stream close failed", "err", err)
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
	}
	if done != nil {
		<-done
	}

	r.mu.Lock()
	discarded := len(r.buf)
	r.buf = nil
	r.stream = nil
	r.conv = nil
	r.captureDone = nil
	r.session = nil
	r.state = StateIdle
	r.mu.Unlock()

	if active && r.metrics != nil {
		r.metrics.ActiveSessions.Add(ctx, -1)
	}
	if !wasIdle {
		slog.Info("recorder: cleanup complete", "discarded_buffer_bytes", discarded)
	}

	return errors.Join(errs...)
}

// buildArtifactLocked assembles the Artifact for merged data. Callers hold r.mu.
func (r *Recorder) buildArtifactLocked(callRecordID string, data []byte) *Artifact {
	duration, err := audio.WAVDuration(data)
	if err != nil {
		// Single-slice identity output is still WAV; anything else landing
		// here is logged and reported with zero duration rather than dropped.
		slog.Warn("recorder: artifact duration unavailable", "err", err)
	}
	return &Artifact{
		ID:           uuid.NewString(),
		CallRecordID: callRecordID,
		Data:         data,
		Codec:        "wav",
		Duration:     duration,
	}
}

// releaseLocked clears per-session capture resources after a terminal
// transition. Callers hold r.mu.
func (r *Recorder) releaseLocked(ctx context.Context) {
	r.state = StateIdle
	r.stream = nil
	r.conv = nil
	r.buf = nil
	r.captureDone = nil
	r.session = nil
	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(ctx, -1)
	}
}
