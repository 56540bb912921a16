// Command callvault-monitor is the one-shot pipeline watchdog. It checks the
// call record database for stuck transcriptions and missing analyses, probes
// the processing service, prints a JSON report to stdout, and exits 0 when
// the pipeline is healthy, 1 when it is not.
//
// Thresholds come from the monitor section of the config file and can be
// overridden through the CALLVAULT_* environment variables, which makes the
// binary easy to drive from cron or a systemd timer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callvault/callvault/internal/config"
	"github.com/callvault/callvault/internal/monitor"
	"github.com/callvault/callvault/internal/monitor/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "callvault.yaml", "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No file is fine for the watchdog: defaults plus env overrides
			// are enough when the DSN is provided through the environment.
			cfg = config.Default()
			if err := config.ApplyEnv(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "callvault-monitor: %v\n", err)
				return 1
			}
		} else {
			fmt.Fprintf(os.Stderr, "callvault-monitor: %v\n", err)
			return 1
		}
	}
	if dsn := os.Getenv("CALLVAULT_POSTGRES_DSN"); dsn != "" {
		cfg.Monitor.PostgresDSN = dsn
	}
	if cfg.Monitor.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "callvault-monitor: monitor.postgres_dsn is not configured")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pool, err := postgres.Connect(ctx, cfg.Monitor.PostgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callvault-monitor: %v\n", err)
		return 1
	}
	defer pool.Close()

	mon, err := monitor.New(monitor.Config{
		Store:             store,
		ProcessingBaseURL: cfg.Monitor.ProcessingBaseURL,
		Lookback:          time.Duration(cfg.Monitor.LookbackMinutes) * time.Minute,
		StuckAfter:        time.Duration(cfg.Monitor.StuckMinutes) * time.Minute,
		AnalysisLag:       time.Duration(cfg.Monitor.AnalysisLagMinutes) * time.Minute,
		ProbeTimeout:      time.Duration(cfg.Monitor.ProbeTimeoutSeconds) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "callvault-monitor: %v\n", err)
		return 1
	}

	report, err := mon.CheckHealth(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callvault-monitor: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "callvault-monitor: encode report: %v\n", err)
		return 1
	}
	fmt.Println(string(out))

	if !report.Healthy {
		return 1
	}
	return 0
}
