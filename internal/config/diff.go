package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything touching
// the capture device, the store path, or the listen address needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MonitorChanged is true when any stuck/lagging threshold, the lookback
	// window, or the processing URL changed.
	MonitorChanged bool
	NewMonitor     MonitorConfig

	// UploadChanged is true when the upload endpoint or timeout changed.
	UploadChanged bool
	NewUpload     UploadConfig

	// ConversionChanged is true when the conversion size threshold changed.
	ConversionChanged bool
	NewConversion     ConversionConfig
}

// Any reports whether the diff contains at least one applied change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.MonitorChanged || d.UploadChanged || d.ConversionChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Monitor != new.Monitor {
		d.MonitorChanged = true
		d.NewMonitor = new.Monitor
	}
	if old.Upload != new.Upload {
		d.UploadChanged = true
		d.NewUpload = new.Upload
	}
	if old.Conversion != new.Conversion {
		d.ConversionChanged = true
		d.NewConversion = new.Conversion
	}

	return d
}
