// Package server exposes the recording control API over HTTP. It drives the
// recorder lifecycle, runs the stop pipeline (merge, optional conversion,
// upload, acknowledgement), and mounts the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callvault/callvault/internal/convert"
	"github.com/callvault/callvault/internal/diarization"
	"github.com/callvault/callvault/internal/health"
	"github.com/callvault/callvault/internal/merge"
	"github.com/callvault/callvault/internal/observe"
	"github.com/callvault/callvault/internal/recorder"
	"github.com/callvault/callvault/internal/slicestore"
	"github.com/callvault/callvault/internal/upload"
)

// Config holds the server's dependencies.
type Config struct {
	// Recorder drives the capture lifecycle. Required.
	Recorder *recorder.Recorder

	// Uploader, when non-nil, receives the artifact after stop; the session
	// is acknowledged only after a successful upload. When nil, stop leaves
	// the session pending and the caller acknowledges via POST /sessions/ack.
	Uploader upload.Uploader

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// Metrics instruments HTTP handling. Optional.
	Metrics *observe.Metrics
}

// Server is the HTTP control surface of the recording service.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New assembles the control API routes.
func New(cfg Config) (*Server, error) {
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("server: recorder is required")
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /sessions/start", s.handleStart)
	s.mux.HandleFunc("POST /sessions/pause", s.handlePause)
	s.mux.HandleFunc("POST /sessions/resume", s.handleResume)
	s.mux.HandleFunc("POST /sessions/stop", s.handleStop)
	s.mux.HandleFunc("POST /sessions/ack", s.handleAck)
	s.mux.HandleFunc("GET /sessions/current", s.handleCurrent)

	if cfg.Health != nil {
		cfg.Health.Register(s.mux)
	}
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.cfg.Metrics)(s.mux)
}

type startRequest struct {
	CallRecordID string `json:"callRecordId"`
}

// stopRequest optionally carries diarization segments produced during the
// call (e.g. by a live transcriber). They are normalized and echoed on the
// artifact; the raw shapes never travel further.
type stopRequest struct {
	Segments json.RawMessage `json:"segments,omitempty"`
}

type sessionResponse struct {
	State          string `json:"state"`
	CallRecordID   string `json:"callRecordId,omitempty"`
	Elapsed        string `json:"elapsed,omitempty"`
	Slices         int    `json:"slices,omitempty"`
	PersistedBytes int64  `json:"persistedBytes,omitempty"`
}

type stopResponse struct {
	ArtifactID      string                `json:"artifactId"`
	CallRecordID    string                `json:"callRecordId"`
	Codec           string                `json:"codec"`
	Duration        string                `json:"duration"`
	DurationSeconds int                   `json:"durationSeconds"`
	Bytes           int                   `json:"bytes"`
	Converted       bool                  `json:"converted"`
	SkippedSlices   []int                 `json:"skippedSlices,omitempty"`
	Segments        []diarization.Segment `json:"segments,omitempty"`
	Uploaded        bool                  `json:"uploaded"`
	Acknowledged    bool                  `json:"acknowledged"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.CallRecordID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "callRecordId is required"})
		return
	}

	if err := s.cfg.Recorder.Start(r.Context(), req.CallRecordID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, recorder.ErrDeviceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, s.currentSession())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Recorder.Pause(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.currentSession())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Recorder.Resume(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.currentSession())
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSession())
}

// handleStop runs the full stop pipeline. Storage failures keep the session
// recoverable and are reported as 500; a failed upload keeps the session
// pending for a later /sessions/ack and is reported as 502.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Decode and validate any supplied diarization segments before touching
	// the recorder, so a malformed body does not terminate the session.
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	var segments []diarization.Segment
	if len(req.Segments) > 0 {
		var err error
		segments, err = diarization.Decode(req.Segments)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	artifact, err := s.cfg.Recorder.Stop(ctx)
	var skipped []int
	if err != nil {
		var corrupt *merge.SliceCorruptError
		if !errors.As(err, &corrupt) {
			status := http.StatusConflict
			if errors.Is(err, slicestore.ErrStorageUnavailable) {
				status = http.StatusInternalServerError
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		// One slice failed to decode; salvage the rest explicitly.
		slog.Warn("server: merge hit corrupt slice, salvaging", "err", err)
		artifact, skipped, err = s.cfg.Recorder.Salvage(ctx)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
	}

	converted := s.maybeConvert(ctx, artifact)

	resp := stopResponse{
		ArtifactID:      artifact.ID,
		CallRecordID:    artifact.CallRecordID,
		Codec:           artifact.Codec,
		Duration:        recorder.FormatDuration(artifact.Duration),
		DurationSeconds: int(artifact.Duration / time.Second),
		Bytes:           len(artifact.Data),
		Converted:       converted,
		SkippedSlices:   skipped,
		Segments:        segments,
	}

	if s.cfg.Uploader != nil {
		if err := s.cfg.Uploader.Upload(ctx, artifact, convert.ContentType(artifact.Codec)); err != nil {
			// Session stays pending and recoverable; the operator can retry
			// the handoff and acknowledge out of band.
			slog.Error("server: upload failed, session kept for retry",
				"call_record_id", artifact.CallRecordID, "err", err)
			writeJSON(w, http.StatusBadGateway, resp)
			return
		}
		resp.Uploaded = true
		if err := s.cfg.Recorder.Ack(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		resp.Acknowledged = true
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Recorder.Ack(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{State: s.cfg.Recorder.State().String()})
}

// maybeConvert compresses the artifact in place when the size policy says so.
// Conversion failure falls back to the original artifact.
func (s *Server) maybeConvert(ctx context.Context, artifact *recorder.Artifact) bool {
	if !convert.ShouldConvert(int64(len(artifact.Data)), artifact.Codec) {
		return false
	}

	start := time.Now()
	data, err := convert.Convert(ctx, artifact.Data, func(stage convert.Stage) {
		slog.Debug("server: conversion progress",
			"call_record_id", artifact.CallRecordID, "stage", string(stage))
	})
	if err != nil {
		slog.Warn("server: conversion failed, uploading original",
			"call_record_id", artifact.CallRecordID, "err", err)
		return false
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConversionDuration.Record(ctx, time.Since(start).Seconds())
	}

	artifact.Data = data
	artifact.Codec = "opus"
	return true
}

func (s *Server) currentSession() sessionResponse {
	snap, ok := s.cfg.Recorder.Snapshot()
	if !ok {
		return sessionResponse{State: recorder.StateIdle.String()}
	}
	return sessionResponse{
		State:          snap.State.String(),
		CallRecordID:   snap.CallRecordID,
		Elapsed:        recorder.FormatDuration(snap.Elapsed),
		Slices:         snap.Slices,
		PersistedBytes: snap.PersistedBytes,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: write response", "err", err)
	}
}
