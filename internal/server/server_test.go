package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/callvault/callvault/internal/health"
	"github.com/callvault/callvault/internal/recorder"
	"github.com/callvault/callvault/internal/slicestore"
	"github.com/callvault/callvault/pkg/audio"
	audiomock "github.com/callvault/callvault/pkg/audio/mock"
)

// fakeUploader records uploads and can be told to fail.
type fakeUploader struct {
	err      error
	uploads  int
	lastType string
	lastCall string
}

func (f *fakeUploader) Upload(_ context.Context, artifact *recorder.Artifact, contentType string) error {
	f.uploads++
	f.lastType = contentType
	f.lastCall = artifact.CallRecordID
	return f.err
}

type fixture struct {
	api      *httptest.Server
	stream   *audiomock.Stream
	store    *slicestore.Store
	rec      *recorder.Recorder
	uploader *fakeUploader
}

func newFixture(t *testing.T, uploader *fakeUploader) *fixture {
	t.Helper()

	store, err := slicestore.Open(filepath.Join(t.TempDir(), "slices.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	stream := &audiomock.Stream{FramesResult: make(chan audio.Frame, 64)}
	rec, err := recorder.New(recorder.Config{
		Device:        &audiomock.Device{AcquireResult: stream},
		Store:         store,
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		SliceInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	t.Cleanup(func() {
		_ = rec.Cleanup(context.Background())
		_ = rec.Close()
	})

	cfg := Config{
		Recorder: rec,
		Health:   health.New(health.StoreChecker(store)),
	}
	if uploader != nil {
		cfg.Uploader = uploader
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	return &fixture{api: api, stream: stream, store: store, rec: rec, uploader: uploader}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(f.api.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.api.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp, decoded
}

// feedAudio delivers one second of audio and waits for ingestion.
func (f *fixture) feedAudio(t *testing.T) {
	t.Helper()
	before, _ := f.rec.Snapshot()
	f.stream.FramesResult <- audio.Frame{
		Data:       make([]byte, 32000),
		SampleRate: 16000,
		Channels:   1,
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := f.rec.Snapshot()
		if ok && snap.Elapsed > before.Elapsed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("frame was not ingested in time")
}

func TestStartStopUploadLifecycle(t *testing.T) {
	up := &fakeUploader{}
	f := newFixture(t, up)

	resp, body := f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d: %v", resp.StatusCode, body)
	}
	if body["state"] != "recording" || body["callRecordId"] != "call-1" {
		t.Errorf("start body = %v", body)
	}

	f.feedAudio(t)

	resp, body = f.post(t, "/sessions/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d: %v", resp.StatusCode, body)
	}
	if body["uploaded"] != true || body["acknowledged"] != true {
		t.Errorf("stop body = %v", body)
	}
	if body["codec"] != "wav" || body["converted"] != false {
		t.Errorf("small artifact should pass through unconverted: %v", body)
	}
	if body["duration"] != "0:01" {
		t.Errorf("duration = %v, want 0:01", body["duration"])
	}
	if up.uploads != 1 || up.lastType != "audio/wav" || up.lastCall != "call-1" {
		t.Errorf("uploader = %+v", up)
	}

	// Acknowledged session is gone from the store.
	state, err := f.store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state != nil {
		t.Errorf("session still in store after ack: %+v", state)
	}
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.post(t, "/sessions/start", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing callRecordId status = %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	resp, _ = f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-2"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want conflict", resp.StatusCode)
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	store, err := slicestore.Open(filepath.Join(t.TempDir(), "slices.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec, err := recorder.New(recorder.Config{
		Device: &audiomock.Device{AcquireError: errors.New("device busy")},
		Store:  store,
	})
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	srv, err := New(Config{Recorder: rec})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]string{"callRecordId": "call-1"})
	resp, err := http.Post(api.URL+"/sessions/start", "application/json", &buf)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestPauseResumeAndCurrent(t *testing.T) {
	f := newFixture(t, nil)

	// Transitions from idle are conflicts.
	resp, _ := f.post(t, "/sessions/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pause from idle status = %d", resp.StatusCode)
	}

	resp, body := f.get(t, "/sessions/current")
	if resp.StatusCode != http.StatusOK || body["state"] != "idle" {
		t.Errorf("current = %d %v", resp.StatusCode, body)
	}

	f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-1"})

	resp, body = f.post(t, "/sessions/pause", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "paused" {
		t.Errorf("pause = %d %v", resp.StatusCode, body)
	}
	resp, body = f.post(t, "/sessions/resume", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "recording" {
		t.Errorf("resume = %d %v", resp.StatusCode, body)
	}

	_, body = f.get(t, "/sessions/current")
	if body["callRecordId"] != "call-1" {
		t.Errorf("current = %v", body)
	}
}

func TestStop_UploadFailureKeepsSessionPending(t *testing.T) {
	up := &fakeUploader{err: errors.New("intake down")}
	f := newFixture(t, up)

	f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-1"})
	f.feedAudio(t)

	resp, body := f.post(t, "/sessions/stop", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("stop status = %d: %v", resp.StatusCode, body)
	}
	if body["uploaded"] != false || body["acknowledged"] != false {
		t.Errorf("stop body = %v", body)
	}

	// Session survives for retry; manual ack releases it.
	state, err := f.store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state == nil {
		t.Fatal("session deleted despite failed upload")
	}

	resp, _ = f.post(t, "/sessions/ack", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ack status = %d", resp.StatusCode)
	}
	state, err = f.store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state != nil {
		t.Errorf("session still present after ack: %+v", state)
	}
}

func TestStop_NoUploaderLeavesPending(t *testing.T) {
	f := newFixture(t, nil)

	f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-1"})
	f.feedAudio(t)

	resp, body := f.post(t, "/sessions/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d: %v", resp.StatusCode, body)
	}
	if body["uploaded"] != false || body["acknowledged"] != false {
		t.Errorf("stop body = %v", body)
	}

	resp, _ = f.post(t, "/sessions/ack", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ack status = %d", resp.StatusCode)
	}
	resp, _ = f.post(t, "/sessions/ack", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double ack status = %d, want conflict", resp.StatusCode)
	}
}

func TestStop_NormalizesDiarizationSegments(t *testing.T) {
	f := newFixture(t, nil)

	f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-1"})
	f.feedAudio(t)

	resp, body := f.post(t, "/sessions/stop", map[string]any{
		"segments": []map[string]any{
			{"s": 0.0, "e": 1.5, "spk": "SPEAKER-3", "txt": "hello"},
			{"startTime": 1.5, "endTime": 2.0, "speaker": "Dana", "text": "hi"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d: %v", resp.StatusCode, body)
	}

	segs, ok := body["segments"].([]any)
	if !ok || len(segs) != 2 {
		t.Fatalf("segments = %v", body["segments"])
	}
	first := segs[0].(map[string]any)
	if first["speaker"] != "speaker_3" {
		t.Errorf("speaker = %v, want speaker_3", first["speaker"])
	}
	if first["confidence"] != 0.85 {
		t.Errorf("confidence = %v, want default 0.85", first["confidence"])
	}
	second := segs[1].(map[string]any)
	if second["speaker"] != "Dana" {
		t.Errorf("display name = %v, want Dana", second["speaker"])
	}
}

func TestStop_RejectsInvalidSegmentsWithoutStopping(t *testing.T) {
	f := newFixture(t, nil)

	f.post(t, "/sessions/start", map[string]string{"callRecordId": "call-1"})
	f.feedAudio(t)

	// endTime before startTime is rejected before the session is touched.
	resp, _ := f.post(t, "/sessions/stop", map[string]any{
		"segments": []map[string]any{
			{"s": 5.0, "e": 1.0, "spk": "speaker_0", "txt": "bad"},
		},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stop status = %d, want 400", resp.StatusCode)
	}
	if f.rec.State() != recorder.StateRecording {
		t.Errorf("state = %v, session should still be recording", f.rec.State())
	}
}

func TestHealthAndMetricsMounted(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.api.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(f.api.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}
