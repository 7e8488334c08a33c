package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stagehq/stagehand/pkg/errdefs"
)

// Driver is the narrow contract to the container orchestrator that
// actually shifts traffic and scales replicas. Stagehand issues commands
// and trusts their effects; it never touches containers itself.
type Driver interface {
	// ShiftTraffic routes percentage of the deployment's traffic to the
	// given revision reference.
	ShiftTraffic(ctx context.Context, service, env, revisionRef string, percentage int) error

	// Provision brings up the given revision reference alongside the
	// current one without routing traffic to it (blue-green staging).
	Provision(ctx context.Context, service, env, revisionRef string) error

	// Swap atomically switches the deployment to the given revision
	// reference (blue-green cutover).
	Swap(ctx context.Context, service, env, revisionRef string) error
}

// HTTPDriver drives an orchestrator over its HTTP control endpoint
type HTTPDriver struct {
	// BaseURL is the orchestrator control endpoint (e.g., "http://orchestrator:9090")
	BaseURL string

	// Client is the HTTP client to use
	Client *http.Client

	// Retries is the number of additional attempts on transient errors
	Retries int

	// RetryDelay is the initial delay between attempts; it doubles each
	// retry
	RetryDelay time.Duration
}

// NewHTTPDriver creates a driver for the given control endpoint
func NewHTTPDriver(baseURL string) *HTTPDriver {
	return &HTTPDriver{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
		Retries:    2,
		RetryDelay: 500 * time.Millisecond,
	}
}

type trafficCommand struct {
	Service    string `json:"service"`
	Env        string `json:"env"`
	Revision   string `json:"revision"`
	Percentage int    `json:"percentage,omitempty"`
}

// ShiftTraffic posts a traffic-shift command to the orchestrator
func (d *HTTPDriver) ShiftTraffic(ctx context.Context, service, env, revisionRef string, percentage int) error {
	return d.post(ctx, "/v1/traffic/shift", trafficCommand{
		Service:    service,
		Env:        env,
		Revision:   revisionRef,
		Percentage: percentage,
	})
}

// Provision posts a stage-without-traffic command to the orchestrator
func (d *HTTPDriver) Provision(ctx context.Context, service, env, revisionRef string) error {
	return d.post(ctx, "/v1/traffic/provision", trafficCommand{
		Service:  service,
		Env:      env,
		Revision: revisionRef,
	})
}

// Swap posts an atomic-switch command to the orchestrator
func (d *HTTPDriver) Swap(ctx context.Context, service, env, revisionRef string) error {
	return d.post(ctx, "/v1/traffic/swap", trafficCommand{
		Service:  service,
		Env:      env,
		Revision: revisionRef,
	})
}

func (d *HTTPDriver) post(ctx context.Context, path string, cmd trafficCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	delay := d.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errdefs.Unavailable("runtime command cancelled: %v", ctx.Err())
			}
			delay *= 2
		}

		err := d.doPost(ctx, path, body)
		if err == nil {
			return nil
		}
		// A rejected command stays rejected; only transient failures are
		// worth another attempt.
		if !errors.Is(err, errdefs.ErrUnavailable) {
			return err
		}
		lastErr = err
	}

	return lastErr
}

func (d *HTTPDriver) doPost(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return errdefs.Unavailable("runtime request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errdefs.Unavailable("runtime returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return errdefs.Invalid("runtime rejected command with %d", resp.StatusCode)
	}
	return nil
}
