// Command callvault is the call recording service: it captures PCM audio from
// the configured source, persists it in durable slices, and serves the
// recording control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callvault/callvault/internal/capture"
	"github.com/callvault/callvault/internal/config"
	"github.com/callvault/callvault/internal/health"
	"github.com/callvault/callvault/internal/observe"
	"github.com/callvault/callvault/internal/recorder"
	"github.com/callvault/callvault/internal/server"
	"github.com/callvault/callvault/internal/slicestore"
	"github.com/callvault/callvault/internal/upload"
	"github.com/callvault/callvault/pkg/audio"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "callvault.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can adjust it live.
	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// ── Configuration (watched for hot-reloadable changes) ────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.MonitorChanged || d.UploadChanged || d.ConversionChanged {
			slog.Info("config changed; restart to apply non-logging settings")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callvault: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callvault: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()
	logLevel.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("callvault starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callvault",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.DefaultMetrics()
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Durable slice store ───────────────────────────────────────────────────
	store, err := slicestore.Open(cfg.Recording.StorePath,
		slicestore.WithMaxSessionBytes(cfg.Recording.MaxSessionBytes),
	)
	if err != nil {
		slog.Error("failed to open slice store", "path", cfg.Recording.StorePath, "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("slice store close error", "err", err)
		}
	}()

	// ── Capture source ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	reg.RegisterSource("udp", capture.Factory())
	device, err := reg.CreateSource(cfg.Capture)
	if err != nil {
		slog.Error("failed to create capture source", "err", err)
		return 1
	}

	// ── Recorder ──────────────────────────────────────────────────────────────
	rec, err := recorder.New(recorder.Config{
		Device:        device,
		Store:         store,
		Format:        audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels},
		SliceInterval: time.Duration(cfg.Recording.SliceIntervalSeconds) * time.Second,
		Metrics:       metrics,
		Progress: func(p recorder.Progress) {
			slog.Debug("recording progress",
				"call_record_id", p.CallRecordID,
				"state", p.State.String(),
				"elapsed", recorder.FormatDuration(p.Elapsed),
				"slices", p.Slices,
			)
		},
	})
	if err != nil {
		slog.Error("failed to create recorder", "err", err)
		return 1
	}
	defer func() {
		if err := rec.Cleanup(context.Background()); err != nil {
			slog.Warn("recorder cleanup error", "err", err)
		}
		_ = rec.Close()
	}()

	// ── Crash recovery ────────────────────────────────────────────────────────
	// A recoverable session is surfaced, never silently discarded: starting a
	// session with the same call record id resumes it.
	if recovered, err := rec.Recover(ctx); err != nil {
		slog.Error("recovery check failed", "err", err)
		return 1
	} else if recovered != nil {
		slog.Warn("unterminated session found; start the same call record id to resume it",
			"call_record_id", recovered.CallRecordID,
			"elapsed", recorder.FormatDuration(recovered.Elapsed()),
		)
	}

	// ── Upload handoff (optional) ─────────────────────────────────────────────
	var uploader upload.Uploader
	if cfg.Upload.Endpoint != "" {
		uploader = upload.NewHTTP(cfg.Upload.Endpoint,
			upload.WithClient(&http.Client{Timeout: time.Duration(cfg.Upload.TimeoutSeconds) * time.Second}),
			upload.WithMetrics(metrics),
		)
	}

	// ── HTTP control API ──────────────────────────────────────────────────────
	srv, err := server.New(server.Config{
		Recorder: rec,
		Uploader: uploader,
		Health:   health.New(health.StoreChecker(store), health.RecorderChecker(rec)),
		Metrics:  metrics,
	})
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	// The deferred recorder cleanup releases the capture device; persisted
	// slices stay recoverable for the next start.
	slog.Info("goodbye")
	return 0
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
