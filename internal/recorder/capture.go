package recorder

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callvault/callvault/pkg/audio"
)

// captureLoop is the single logical execution context of a session: frame
// ingestion and the slicing timer interleave here, so slice N is always fully
// persisted before slice N+1 begins accumulating. The loop exits when the
// frames channel closes (stream closed by Stop or Cleanup), draining queued
// frames first so the final flush misses nothing.
func (r *Recorder) captureLoop(frames <-chan audio.Frame) {
	defer close(r.captureDone)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			r.ingest(frame)
		case <-ticker.C:
			if err := r.cutSlice(context.Background()); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

// ingest appends one captured frame to the in-progress buffer, normalized to
// the session format. Frames arriving while paused are dropped — pauses
// exclude audio by contract, not merely mark it.
func (r *Recorder) ingest(frame audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording && r.state != StateStopping {
		return
	}

	converted := r.conv.Convert(frame)
	if len(converted.Data) == 0 {
		return
	}
	r.buf = append(r.buf, converted.Data...)
	r.session.ElapsedMillis += converted.Duration().Milliseconds()
}

// cutSlice finalizes the in-progress buffer into a persisted slice at a timer
// boundary. The session's last-update timestamp advances on every boundary —
// even an empty one — so recovery can estimate elapsed time across a crash.
func (r *Recorder) cutSlice(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording && r.state != StatePaused {
		return nil
	}
	return r.flushSliceLocked(ctx)
}

// flushSliceLocked encodes and persists the current buffer as the next slice,
// then saves session state and reports progress. Callers hold r.mu.
func (r *Recorder) flushSliceLocked(ctx context.Context) error {
	if len(r.buf) > 0 {
		payload, err := audio.EncodeWAV(r.buf, r.format)
		if err != nil {
			return err
		}
		if err := r.store.PutSlice(ctx, r.session.CallRecordID, r.sliceIndex, payload, "wav"); err != nil {
			return err
		}
		r.persistedBytes += int64(len(payload))
		r.sliceIndex++
		r.buf = r.buf[:0]

		if r.metrics != nil {
			r.metrics.SlicesPersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("codec", "wav")))
			r.metrics.SliceBytes.Add(ctx, int64(len(payload)))
		}
	}

	r.session.Touch(time.Now())
	if err := r.store.SaveState(ctx, r.session); err != nil {
		return err
	}

	r.sendProgress()
	return nil
}

// fail records a fatal capture error: recording stops and the device is
// released, but everything already persisted stays recoverable. Called from
// the capture loop, so the loop is about to exit.
func (r *Recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(context.Background(), err)
}

// failLocked is [Recorder.fail] for callers already holding r.mu.
func (r *Recorder) failLocked(ctx context.Context, err error) {
	if r.state == StateIdle {
		return
	}
	callRecordID := ""
	if r.session != nil {
		callRecordID = r.session.CallRecordID
	}
	slog.Error("recorder: capture failed, stopping; persisted slices remain recoverable",
		"call_record_id", callRecordID,
		"err", err,
	)
	r.fatalErr = err
	if r.stream != nil {
		if closeErr := r.stream.Close(); closeErr != nil {
			slog.Warn("recorder: release stream after failure", "err", closeErr)
		}
	}
	r.releaseLocked(ctx)
}
