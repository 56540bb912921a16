package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables that override monitor settings from the file. They
// exist so the one-shot watchdog binary can be pointed at a different window
// without editing the config.
const (
	EnvLookbackMinutes    = "CALLVAULT_LOOKBACK_MINUTES"
	EnvStuckMinutes       = "CALLVAULT_STUCK_MINUTES"
	EnvAnalysisLagMinutes = "CALLVAULT_ANALYSIS_LAG_MINUTES"
	EnvProcessingBaseURL  = "CALLVAULT_PROCESSING_BASE_URL"
)

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Capture: CaptureConfig{
			Source:     "udp",
			ListenAddr: ":7355",
			SampleRate: 16000,
			Channels:   1,
		},
		Recording: RecordingConfig{
			StorePath:            "callvault.db",
			SliceIntervalSeconds: 15,
			MaxSessionBytes:      512 << 20,
		},
		Conversion: ConversionConfig{
			ThresholdBytes: 5 << 20,
		},
		Upload: UploadConfig{
			TimeoutSeconds: 30,
		},
		Monitor: MonitorConfig{
			LookbackMinutes:     240,
			StuckMinutes:        45,
			AnalysisLagMinutes:  30,
			ProbeTimeoutSeconds: 5,
		},
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg's monitor settings from the CALLVAULT_* environment
// variables where set.
func ApplyEnv(cfg *Config) error {
	var errs []error
	applyIntEnv(EnvLookbackMinutes, &cfg.Monitor.LookbackMinutes, &errs)
	applyIntEnv(EnvStuckMinutes, &cfg.Monitor.StuckMinutes, &errs)
	applyIntEnv(EnvAnalysisLagMinutes, &cfg.Monitor.AnalysisLagMinutes, &errs)
	if v := os.Getenv(EnvProcessingBaseURL); v != "" {
		cfg.Monitor.ProcessingBaseURL = v
	}
	return errors.Join(errs...)
}

func applyIntEnv(key string, dst *int, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Capture.Source == "" {
		errs = append(errs, fmt.Errorf("capture.source is required"))
	}
	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 1 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d must be 1 or 2", cfg.Capture.Channels))
	}

	if cfg.Recording.StorePath == "" {
		errs = append(errs, fmt.Errorf("recording.store_path is required"))
	}
	if cfg.Recording.SliceIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("recording.slice_interval_seconds %d must be positive", cfg.Recording.SliceIntervalSeconds))
	}
	if cfg.Recording.MaxSessionBytes <= 0 {
		errs = append(errs, fmt.Errorf("recording.max_session_bytes %d must be positive", cfg.Recording.MaxSessionBytes))
	}

	if cfg.Conversion.ThresholdBytes < 0 {
		errs = append(errs, fmt.Errorf("conversion.threshold_bytes %d must not be negative", cfg.Conversion.ThresholdBytes))
	}

	if cfg.Upload.Endpoint != "" {
		if u, err := url.Parse(cfg.Upload.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upload.endpoint %q is not an absolute URL", cfg.Upload.Endpoint))
		}
	}
	if cfg.Upload.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("upload.timeout_seconds %d must be positive", cfg.Upload.TimeoutSeconds))
	}

	if cfg.Monitor.ProcessingBaseURL != "" {
		if u, err := url.Parse(cfg.Monitor.ProcessingBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("monitor.processing_base_url %q is not an absolute URL", cfg.Monitor.ProcessingBaseURL))
		}
	}
	if cfg.Monitor.LookbackMinutes <= 0 {
		errs = append(errs, fmt.Errorf("monitor.lookback_minutes %d must be positive", cfg.Monitor.LookbackMinutes))
	}
	if cfg.Monitor.StuckMinutes <= 0 {
		errs = append(errs, fmt.Errorf("monitor.stuck_minutes %d must be positive", cfg.Monitor.StuckMinutes))
	}
	if cfg.Monitor.AnalysisLagMinutes <= 0 {
		errs = append(errs, fmt.Errorf("monitor.analysis_lag_minutes %d must be positive", cfg.Monitor.AnalysisLagMinutes))
	}
	if cfg.Monitor.ProbeTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("monitor.probe_timeout_seconds %d must be positive", cfg.Monitor.ProbeTimeoutSeconds))
	}
	if cfg.Monitor.LookbackMinutes > 0 && cfg.Monitor.StuckMinutes > 0 &&
		cfg.Monitor.StuckMinutes >= cfg.Monitor.LookbackMinutes {
		errs = append(errs, fmt.Errorf("monitor.stuck_minutes %d must be below lookback_minutes %d, or stuck records age out of the window before detection",
			cfg.Monitor.StuckMinutes, cfg.Monitor.LookbackMinutes))
	}

	return errors.Join(errs...)
}
