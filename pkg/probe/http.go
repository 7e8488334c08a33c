package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes a deployment's health endpoint with GET requests.
// Rollout probes are reads; anything a target needs mutated belongs in
// the orchestrator, not the prober.
type HTTPChecker struct {
	url     string
	headers http.Header
	okMin   int
	okMax   int
	client  *http.Client
}

// NewHTTPChecker creates a checker for the given health endpoint. Any
// status in 200-399 counts as healthy until WithStatusRange narrows it.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url:     url,
		headers: make(http.Header),
		okMin:   http.StatusOK,
		okMax:   399,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHeader adds a header to every probe request (auth tokens, host
// overrides).
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.headers.Set(key, value)
	return h
}

// WithStatusRange narrows the healthy status range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.okMin = min
	h.okMax = max
	return h
}

// WithTimeout caps each probe request
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}

// Check performs one probe request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, args ...interface{}) Result {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fail("failed to create request: %v", err)
	}
	for key, values := range h.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	// Drain so the connection is reused across the probe loop.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < h.okMin || resp.StatusCode > h.okMax {
		return fail("HTTP %d %s (expected %d-%d)",
			resp.StatusCode, http.StatusText(resp.StatusCode), h.okMin, h.okMax)
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
