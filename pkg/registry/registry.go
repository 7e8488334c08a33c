package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/metrics"
	"github.com/stagehq/stagehand/pkg/types"
)

// Resolver resolves a repository tag to a pinned revision.
// A lookup has no side effects.
type Resolver interface {
	Resolve(ctx context.Context, repo, tag string) (*types.Revision, error)
}

// HTTPResolver resolves tags against a Docker Registry v2 endpoint by
// reading the Docker-Content-Digest header from a manifest HEAD request.
type HTTPResolver struct {
	// Scheme is "https" unless overridden for local registries
	Scheme string

	// Client is the HTTP client to use
	Client *http.Client

	// Retries is the number of additional attempts on transient errors
	Retries int

	// RetryDelay is the initial delay between attempts; it doubles each
	// retry
	RetryDelay time.Duration
}

// NewHTTPResolver creates a resolver with default transport settings
func NewHTTPResolver() *HTTPResolver {
	return &HTTPResolver{
		Scheme: "https",
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// WithScheme overrides the registry scheme (e.g., "http" for a local
// registry in tests)
func (r *HTTPResolver) WithScheme(scheme string) *HTTPResolver {
	r.Scheme = scheme
	return r
}

// WithRetries sets the transient-error retry budget
func (r *HTTPResolver) WithRetries(n int, delay time.Duration) *HTTPResolver {
	r.Retries = n
	r.RetryDelay = delay
	return r
}

// Resolve looks up repo:tag and returns a digest-pinned revision.
// NotFound is terminal; transient failures are retried with doubling
// delays until the retry budget is spent, then surface as Unavailable.
func (r *HTTPResolver) Resolve(ctx context.Context, repo, tag string) (*types.Revision, error) {
	host, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", r.Scheme, host, name, tag)

	delay := r.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= r.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errdefs.Unavailable("registry lookup cancelled: %v", ctx.Err())
			}
			delay *= 2
		}

		dgst, err := r.fetchDigest(ctx, url)
		if err == nil {
			metrics.RegistryLookupsTotal.WithLabelValues("ok").Inc()
			return &types.Revision{
				ID:        uuid.New().String(),
				Repo:      repo,
				Tag:       tag,
				Digest:    dgst,
				CreatedAt: time.Now(),
			}, nil
		}

		// Only transient failures are worth another attempt
		if !isTransient(err) {
			metrics.RegistryLookupsTotal.WithLabelValues("not_found").Inc()
			return nil, err
		}
		lastErr = err
	}

	metrics.RegistryLookupsTotal.WithLabelValues("unavailable").Inc()
	return nil, lastErr
}

// fetchDigest performs one manifest HEAD request
func (r *HTTPResolver) fetchDigest(ctx context.Context, url string) (digest.Digest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", errdefs.Invalid("failed to build manifest request: %v", err)
	}
	req.Header.Set("Accept", strings.Join([]string{
		"application/vnd.docker.distribution.manifest.v2+json",
		"application/vnd.oci.image.manifest.v1+json",
		"application/vnd.oci.image.index.v1+json",
	}, ", "))

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", errdefs.Unavailable("registry request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return "", errdefs.NotFound("manifest %s", url)
	case resp.StatusCode >= 500:
		return "", errdefs.Unavailable("registry returned %d", resp.StatusCode)
	default:
		return "", errdefs.Invalid("registry returned unexpected status %d", resp.StatusCode)
	}

	raw := resp.Header.Get("Docker-Content-Digest")
	if raw == "" {
		return "", errdefs.Invalid("registry response missing Docker-Content-Digest header")
	}

	dgst, err := digest.Parse(raw)
	if err != nil {
		return "", errdefs.Invalid("malformed digest %q: %v", raw, err)
	}
	return dgst, nil
}

// isTransient reports whether the error is worth retrying
func isTransient(err error) bool {
	return errors.Is(err, errdefs.ErrUnavailable)
}

func splitRepo(repo string) (host, name string, err error) {
	idx := strings.Index(repo, "/")
	if idx <= 0 || idx == len(repo)-1 {
		return "", "", errdefs.Invalid("repository %q must be host/name", repo)
	}
	return repo[:idx], repo[idx+1:], nil
}
