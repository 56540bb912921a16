package config

import "testing"

func TestDiff_NoChanges(t *testing.T) {
	old, new := Default(), Default()
	d := Diff(old, new)
	if d.Any() {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	old, new := Default(), Default()
	new.Server.LogLevel = LogDebug

	d := Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.MonitorChanged || d.UploadChanged || d.ConversionChanged {
		t.Errorf("unrelated sections flagged: %+v", d)
	}
}

func TestDiff_MonitorThresholds(t *testing.T) {
	old, new := Default(), Default()
	new.Monitor.StuckMinutes = 60

	d := Diff(old, new)
	if !d.MonitorChanged || d.NewMonitor.StuckMinutes != 60 {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_UploadAndConversion(t *testing.T) {
	old, new := Default(), Default()
	new.Upload.Endpoint = "https://intake.example.com"
	new.Conversion.ThresholdBytes = 1 << 20

	d := Diff(old, new)
	if !d.UploadChanged || d.NewUpload.Endpoint != "https://intake.example.com" {
		t.Errorf("upload diff = %+v", d)
	}
	if !d.ConversionChanged || d.NewConversion.ThresholdBytes != 1<<20 {
		t.Errorf("conversion diff = %+v", d)
	}
}

func TestDiff_RestartOnlyFieldsIgnored(t *testing.T) {
	old, new := Default(), Default()
	new.Server.ListenAddr = ":9999"
	new.Capture.ListenAddr = ":7000"
	new.Recording.StorePath = "/elsewhere.db"

	if d := Diff(old, new); d.Any() {
		t.Errorf("restart-only fields produced a hot-reload diff: %+v", d)
	}
}
