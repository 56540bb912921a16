// Package monitor implements the pipeline health watchdog. It inspects
// recently created call records for transcriptions that are stuck in progress
// and completed transcripts whose downstream analysis has not appeared, and
// probes the processing service for liveness. The monitor is read-only
// diagnosis: it never mutates records or retries stuck work itself.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callvault/callvault/internal/observe"
)

// Defaults for the check thresholds, overridable through configuration.
const (
	DefaultLookback     = 240 * time.Minute
	DefaultStuckAfter   = 45 * time.Minute
	DefaultAnalysisLag  = 30 * time.Minute
	DefaultProbeTimeout = 5 * time.Second
)

// Transcript sentinels written by the transcription pipeline. They are
// convention, not schema; [StateOf] is the single place that interprets them.
const (
	SentinelTranscribing = "Transcribing audio..."
	SentinelProcessing   = "Processing transcription..."
	FailureMarker        = "Transcription failed"
)

// ProcessingState is the derived transcription state of a call record. The
// sentinel strings are promoted to this explicit enumeration at the query
// boundary so nothing downstream string-matches transcripts.
type ProcessingState int

const (
	StatePending ProcessingState = iota
	StateInProgress
	StateFailed
	StateCompleted
)

// String returns the state name as it appears in reports.
func (s ProcessingState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// StateOf derives the processing state from a raw transcript value.
func StateOf(transcript string) ProcessingState {
	switch {
	case strings.TrimSpace(transcript) == "":
		return StatePending
	case transcript == SentinelTranscribing || transcript == SentinelProcessing:
		return StateInProgress
	case strings.Contains(transcript, FailureMarker):
		return StateFailed
	default:
		return StateCompleted
	}
}

// CallRecord is the read-only view of a pipeline call record the monitor
// inspects.
type CallRecord struct {
	ID              string
	CreatedAt       time.Time
	Transcript      string
	DurationSeconds float64
}

// State derives the record's processing state from its transcript.
func (r CallRecord) State() ProcessingState { return StateOf(r.Transcript) }

// RecordStore is the query surface the monitor needs from the pipeline
// database. The production implementation lives in
// [github.com/callvault/callvault/internal/monitor/postgres].
type RecordStore interface {
	// ListCreatedSince returns call records created at or after the cutoff.
	ListCreatedSince(ctx context.Context, cutoff time.Time) ([]CallRecord, error)

	// HasAnalysis reports whether an analysis record referencing the call
	// exists.
	HasAnalysis(ctx context.Context, callRecordID string) (bool, error)
}

// Config holds the monitor's dependencies and thresholds.
type Config struct {
	// Store is the pipeline record store. Required.
	Store RecordStore

	// ProcessingBaseURL is the processing service probed for liveness. Empty
	// skips the probe and reports it failed.
	ProcessingBaseURL string

	// Lookback bounds how far back records are inspected. Default 240 minutes.
	Lookback time.Duration

	// StuckAfter is the age past which an in-progress record is stuck.
	// Default 45 minutes.
	StuckAfter time.Duration

	// AnalysisLag is the age past which a completed record without analysis
	// is lagging. Default 30 minutes.
	AnalysisLag time.Duration

	// ProbeTimeout bounds the liveness probe. Default 5 seconds.
	ProbeTimeout time.Duration

	// HTTPClient performs the liveness probe. Default: http.DefaultClient.
	HTTPClient *http.Client

	// Metrics, when non-nil, counts monitor runs by verdict.
	Metrics *observe.Metrics

	// now is overridable in tests.
	now func() time.Time
}

// ProbeResult describes the outcome of the processing-service liveness probe.
type ProbeResult struct {
	OK         bool          `json:"ok"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsedMs"`
}

// Report is the structured result of one health check run.
type Report struct {
	// Healthy is true only when the liveness probe succeeded and no record is
	// stuck or lagging.
	Healthy bool `json:"healthy"`

	// GeneratedAt is when the check ran.
	GeneratedAt time.Time `json:"generatedAt"`

	// CheckedRecords is how many records fell inside the lookback window.
	CheckedRecords int `json:"checkedRecords"`

	// Stuck lists ids of in-progress records older than the stuck threshold.
	Stuck []string `json:"stuck"`

	// Lagging lists ids of completed records past the analysis-lag threshold
	// with no analysis record.
	Lagging []string `json:"lagging"`

	// Failed lists ids whose transcript carries the failure marker. Reported
	// for triage; failed records do not change the verdict, their failure was
	// already surfaced when it happened.
	Failed []string `json:"failed"`

	// Errors lists per-record check errors (e.g. an analysis lookup that
	// could not complete). Any entry downgrades the verdict, because an
	// unverifiable record cannot be called healthy.
	Errors []string `json:"errors,omitempty"`

	// Probe is the liveness probe outcome.
	Probe ProbeResult `json:"probe"`
}

// Monitor runs pipeline health checks.
type Monitor struct {
	cfg Config
}

// New creates a Monitor, applying defaults for unset thresholds.
func New(cfg Config) (*Monitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("monitor: record store is required")
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	if cfg.AnalysisLag <= 0 {
		cfg.AnalysisLag = DefaultAnalysisLag
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Monitor{cfg: cfg}, nil
}

// CheckHealth runs one full health check: record classification, analysis-lag
// lookups, and the liveness probe. The probe and the per-record analysis
// lookups run concurrently; a failure of any single lookup is isolated to
// that record.
func (m *Monitor) CheckHealth(ctx context.Context) (*Report, error) {
	now := m.cfg.now()
	report := &Report{
		GeneratedAt: now,
		Stuck:       []string{},
		Lagging:     []string{},
		Failed:      []string{},
	}

	records, err := m.cfg.Store.ListCreatedSince(ctx, now.Add(-m.cfg.Lookback))
	if err != nil {
		return nil, fmt.Errorf("monitor: list records: %w", err)
	}
	report.CheckedRecords = len(records)

	// Completed records old enough to owe an analysis record.
	var lagCandidates []CallRecord

	for _, rec := range records {
		age := now.Sub(rec.CreatedAt)
		switch rec.State() {
		case StateInProgress:
			if age > m.cfg.StuckAfter {
				report.Stuck = append(report.Stuck, rec.ID)
			}
		case StateFailed:
			report.Failed = append(report.Failed, rec.ID)
		case StateCompleted:
			if age > m.cfg.AnalysisLag {
				lagCandidates = append(lagCandidates, rec)
			}
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	g.Go(func() error {
		report.Probe = m.probe(gctx)
		return nil
	})

	for _, rec := range lagCandidates {
		g.Go(func() error {
			has, err := m.cfg.Store.HasAnalysis(gctx, rec.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("analysis lookup %s: %v", rec.ID, err))
				return nil
			}
			if !has {
				report.Lagging = append(report.Lagging, rec.ID)
			}
			return nil
		})
	}

	// Workers only report through the report struct; the group never fails.
	_ = g.Wait()

	sort.Strings(report.Stuck)
	sort.Strings(report.Lagging)
	sort.Strings(report.Failed)
	sort.Strings(report.Errors)

	report.Healthy = report.Probe.OK &&
		len(report.Stuck) == 0 &&
		len(report.Lagging) == 0 &&
		len(report.Errors) == 0

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordMonitorCheck(ctx, report.Healthy)
	}
	slog.Info("monitor: health check complete",
		"healthy", report.Healthy,
		"checked", report.CheckedRecords,
		"stuck", len(report.Stuck),
		"lagging", len(report.Lagging),
		"failed", len(report.Failed),
		"probe_ok", report.Probe.OK,
	)
	return report, nil
}

// probe performs one liveness GET against the processing service. Failures
// and timeouts downgrade health; they are never retried within a run.
func (m *Monitor) probe(ctx context.Context) ProbeResult {
	if m.cfg.ProcessingBaseURL == "" {
		return ProbeResult{Error: "no processing base URL configured"}
	}

	url := strings.TrimSuffix(m.cfg.ProcessingBaseURL, "/") + "/health"
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Error: err.Error(), Elapsed: time.Since(start)}
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return ProbeResult{Error: err.Error(), Elapsed: time.Since(start)}
	}
	defer resp.Body.Close()

	res := ProbeResult{
		StatusCode: resp.StatusCode,
		Elapsed:    time.Since(start),
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !res.OK {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return res
}
