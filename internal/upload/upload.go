// Package upload hands finished artifacts off to the external intake service.
// The core guarantees exactly one artifact per completed session; the recorder
// keeps the session recoverable until the upload is acknowledged.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callvault/callvault/internal/observe"
	"github.com/callvault/callvault/internal/recorder"
)

// Uploader delivers one finalized artifact as a single binary blob.
type Uploader interface {
	Upload(ctx context.Context, artifact *recorder.Artifact, contentType string) error
}

// HTTPUploader delivers artifacts with an HTTP PUT to
// {endpoint}/{callRecordID}.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
	metrics  *observe.Metrics
}

// Option configures an [HTTPUploader].
type Option func(*HTTPUploader)

// WithClient overrides the HTTP client (and with it the attempt timeout).
func WithClient(c *http.Client) Option {
	return func(u *HTTPUploader) { u.client = c }
}

// WithMetrics enables upload instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(u *HTTPUploader) { u.metrics = m }
}

// NewHTTP creates an uploader targeting endpoint. The default client times
// out a single attempt after 30 seconds.
func NewHTTP(endpoint string, opts ...Option) *HTTPUploader {
	u := &HTTPUploader{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload implements [Uploader]. A non-2xx response is an error; the caller
// decides whether to retry and only acknowledges the session on success.
func (u *HTTPUploader) Upload(ctx context.Context, artifact *recorder.Artifact, contentType string) error {
	url := u.endpoint + "/" + artifact.CallRecordID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(artifact.Data))
	if err != nil {
		return fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Artifact-ID", artifact.ID)
	req.ContentLength = int64(len(artifact.Data))

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		u.count(ctx, "error")
		return fmt.Errorf("upload: put %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The intake service often explains rejections in the body.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		u.count(ctx, "error")
		return fmt.Errorf("upload: put %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	u.count(ctx, "ok")
	slog.Info("upload: artifact delivered",
		"call_record_id", artifact.CallRecordID,
		"artifact_id", artifact.ID,
		"bytes", len(artifact.Data),
		"content_type", contentType,
		"elapsed", time.Since(start),
	)
	return nil
}

func (u *HTTPUploader) count(ctx context.Context, status string) {
	if u.metrics != nil {
		u.metrics.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}
