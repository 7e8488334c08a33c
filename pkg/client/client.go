package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/stagehq/stagehand/pkg/api"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/types"
)

// Client talks to a controller's HTTP API. Promotions and rollbacks
// run synchronously on the server, so the underlying HTTP client
// carries no timeout; callers bound requests with their context.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the controller at baseURL
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// Healthz checks the controller is reachable
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ApplyService upserts a service definition
func (c *Client) ApplyService(ctx context.Context, spec *api.ServiceSpec) (*types.Service, error) {
	var service types.Service
	if err := c.do(ctx, http.MethodPost, "/v1/services", spec, &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// GetService fetches one service by name
func (c *Client) GetService(ctx context.Context, name string) (*types.Service, error) {
	var service types.Service
	if err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(name), nil, &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// ListServices fetches all services
func (c *Client) ListServices(ctx context.Context) ([]*types.Service, error) {
	var services []*types.Service
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// Status fetches the per-environment status report for a service
func (c *Client) Status(ctx context.Context, name string) (*api.StatusReport, error) {
	var report api.StatusReport
	if err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(name)+"/status", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// History lists a service's rollout attempts, newest first. An empty
// env covers all environments.
func (c *Client) History(ctx context.Context, name, env string) ([]*types.RolloutAttempt, error) {
	path := "/v1/services/" + url.PathEscape(name) + "/history"
	if env != "" {
		path += "?env=" + url.QueryEscape(env)
	}
	var attempts []*types.RolloutAttempt
	if err := c.do(ctx, http.MethodGet, path, nil, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

// Promote requests a promotion. When the server reports a terminal
// failure it still returns the promotion record alongside the error.
func (c *Client) Promote(ctx context.Context, service, from, to, tag string) (*types.Promotion, error) {
	req := api.PromoteRequest{Service: service, From: from, To: to, Tag: tag}
	return c.promotionCall(ctx, http.MethodPost, "/v1/promotions", req)
}

// Approve grants a pending promotion and waits for its rollout
func (c *Client) Approve(ctx context.Context, promotionID string) (*types.Promotion, error) {
	return c.promotionCall(ctx, http.MethodPost, "/v1/promotions/"+url.PathEscape(promotionID)+"/approve", nil)
}

// Deny rejects a pending promotion
func (c *Client) Deny(ctx context.Context, promotionID, reason string) (*types.Promotion, error) {
	var promo types.Promotion
	body := api.DenyRequest{Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/v1/promotions/"+url.PathEscape(promotionID)+"/deny", body, &promo); err != nil {
		return nil, err
	}
	return &promo, nil
}

// GetPromotion fetches one promotion by ID
func (c *Client) GetPromotion(ctx context.Context, id string) (*types.Promotion, error) {
	var promo types.Promotion
	if err := c.do(ctx, http.MethodGet, "/v1/promotions/"+url.PathEscape(id), nil, &promo); err != nil {
		return nil, err
	}
	return &promo, nil
}

// ListPromotions lists promotions, optionally filtered by service name
func (c *Client) ListPromotions(ctx context.Context, service string) ([]*types.Promotion, error) {
	path := "/v1/promotions"
	if service != "" {
		path += "?service=" + url.QueryEscape(service)
	}
	var promotions []*types.Promotion
	if err := c.do(ctx, http.MethodGet, path, nil, &promotions); err != nil {
		return nil, err
	}
	return promotions, nil
}

// Rollback reverts a deployment to its previous revision
func (c *Client) Rollback(ctx context.Context, service, env string) (*types.RolloutAttempt, error) {
	path := "/v1/services/" + url.PathEscape(service) + "/environments/" + url.PathEscape(env) + "/rollback"

	resp, err := c.roundTrip(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var attempt types.RolloutAttempt
		if err := json.NewDecoder(resp.Body).Decode(&attempt); err != nil {
			return nil, fmt.Errorf("decoding rollback response: %w", err)
		}
		return &attempt, nil
	}

	var envelope struct {
		Error   string                `json:"error"`
		Code    string                `json:"code"`
		Attempt *types.RolloutAttempt `json:"attempt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, statusError(resp.StatusCode, "")
	}
	return envelope.Attempt, codedError(envelope.Code, envelope.Error)
}

// Clear releases a failed deployment back to stable
func (c *Client) Clear(ctx context.Context, service, env string) error {
	path := "/v1/services/" + url.PathEscape(service) + "/environments/" + url.PathEscape(env) + "/clear"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// CancelAttempt requests cooperative cancellation of a rollout attempt
func (c *Client) CancelAttempt(ctx context.Context, attemptID string) error {
	return c.do(ctx, http.MethodPost, "/v1/attempts/"+url.PathEscape(attemptID)+"/cancel", nil, nil)
}

// promotionCall handles endpoints that return a promotion record even
// on terminal failure.
func (c *Client) promotionCall(ctx context.Context, method, path string, body interface{}) (*types.Promotion, error) {
	resp, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var promo types.Promotion
		if err := json.NewDecoder(resp.Body).Decode(&promo); err != nil {
			return nil, fmt.Errorf("decoding promotion response: %w", err)
		}
		return &promo, nil
	}

	var envelope struct {
		Error     string           `json:"error"`
		Code      string           `json:"code"`
		Promotion *types.Promotion `json:"promotion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, statusError(resp.StatusCode, "")
	}
	return envelope.Promotion, codedError(envelope.Code, envelope.Error)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Unavailable("controller at %s unreachable: %v", c.baseURL, err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return statusError(resp.StatusCode, "")
		}
		return codedError(envelope.Code, envelope.Error)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// codedError rebuilds the sentinel-classified error from the wire form
func codedError(code, message string) error {
	if message == "" {
		message = "request failed"
	}
	switch code {
	case "not_found":
		return fmt.Errorf("%s: %w", message, errdefs.ErrNotFound)
	case "invalid":
		return fmt.Errorf("%s: %w", message, errdefs.ErrInvalid)
	case "conflict":
		return fmt.Errorf("%s: %w", message, errdefs.ErrConflict)
	case "unavailable":
		return fmt.Errorf("%s: %w", message, errdefs.ErrUnavailable)
	case "rollout_failed":
		return fmt.Errorf("%s: %w", message, errdefs.ErrRolloutFailed)
	default:
		return fmt.Errorf("%s", message)
	}
}

// statusError classifies a response that carried no error envelope
func statusError(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusNotFound:
		return errdefs.NotFound("%s", message)
	case http.StatusBadRequest:
		return errdefs.Invalid("%s", message)
	case http.StatusConflict:
		return errdefs.Conflict("%s", message)
	case http.StatusServiceUnavailable:
		return errdefs.Unavailable("%s", message)
	case http.StatusBadGateway:
		return fmt.Errorf("%s: %w", message, errdefs.ErrRolloutFailed)
	default:
		return fmt.Errorf("unexpected status %d: %s", status, message)
	}
}
