// Package transport builds the HTTP clients the agent uses for outbound
// calls to node-local endpoints such as the TPU device plugin.
package transport

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single outbound request including retries.
const DefaultTimeout = 5 * time.Second

// NewClient returns an http.Client that logs requests and retries
// idempotent requests on connection errors and 5xx responses.
func NewClient(timeout time.Duration, maxRetries int, logger *slog.Logger) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	var rt http.RoundTripper = http.DefaultTransport
	rt = WithRetry(maxRetries, 200*time.Millisecond, rt)
	rt = WithLogging(logger.With("component", "transport"), rt)
	return &http.Client{Timeout: timeout, Transport: rt}
}

// loggingTransport logs request method/URL and response status at debug level.
type loggingTransport struct {
	logger *slog.Logger
	next   http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging.
func WithLogging(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{logger: logger, next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		l.logger.Debug("HTTP request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	l.logger.Debug("HTTP request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// retryTransport retries GET and HEAD requests with exponential backoff.
type retryTransport struct {
	maxRetries int
	base       time.Duration
	next       http.RoundTripper
}

// WithRetry wraps a RoundTripper with retry logic for transient errors.
// The delay before attempt n+1 is base * 2^n.
func WithRetry(maxRetries int, base time.Duration, next http.RoundTripper) http.RoundTripper {
	return &retryTransport{maxRetries: maxRetries, base: base, next: next}
}

func (r *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return r.next.RoundTrip(req)
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = r.next.RoundTrip(req)
		retryable := err != nil || resp.StatusCode >= 500
		if !retryable || attempt >= r.maxRetries {
			return resp, err
		}
		if resp != nil {
			drainAndClose(resp.Body)
		}

		t := time.NewTimer(r.base << attempt)
		select {
		case <-req.Context().Done():
			t.Stop()
			return nil, req.Context().Err()
		case <-t.C:
		}
	}
}

// drainAndClose reads remaining body bytes and closes, preventing connection leaks.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
