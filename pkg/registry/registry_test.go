package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "sha256:b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c"

// testResolver points the resolver at an httptest registry
func testResolver(t *testing.T, handler http.HandlerFunc) (*HTTPResolver, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	host := strings.TrimPrefix(server.URL, "http://")
	resolver := NewHTTPResolver().WithScheme("http").WithRetries(2, time.Millisecond)
	return resolver, host
}

func TestResolvePinsTagToDigest(t *testing.T) {
	var gotPath, gotAccept string
	resolver, host := testResolver(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Docker-Content-Digest", testDigest)
		w.WriteHeader(http.StatusOK)
	})

	rev, err := resolver.Resolve(context.Background(), host+"/team/checkout", "v1.2.3")
	require.NoError(t, err)

	assert.Equal(t, "/v2/team/checkout/manifests/v1.2.3", gotPath)
	assert.Contains(t, gotAccept, "application/vnd.docker.distribution.manifest.v2+json")
	assert.Equal(t, testDigest, rev.Digest.String())
	assert.Equal(t, "v1.2.3", rev.Tag)
	assert.Equal(t, host+"/team/checkout", rev.Repo)
	assert.NotEmpty(t, rev.ID)
}

func TestResolveUnknownTagIsTerminal(t *testing.T) {
	var calls atomic.Int64
	resolver, host := testResolver(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := resolver.Resolve(context.Background(), host+"/team/checkout", "v9.9.9")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	// Not found is never retried
	assert.Equal(t, int64(1), calls.Load())
}

func TestResolveRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int64
	resolver, host := testResolver(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Docker-Content-Digest", testDigest)
		w.WriteHeader(http.StatusOK)
	})

	rev, err := resolver.Resolve(context.Background(), host+"/team/checkout", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, testDigest, rev.Digest.String())
}

func TestResolveExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	var calls atomic.Int64
	resolver, host := testResolver(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := resolver.Resolve(context.Background(), host+"/team/checkout", "v1.0.0")
	assert.ErrorIs(t, err, errdefs.ErrUnavailable)
	// Initial attempt plus two retries
	assert.Equal(t, int64(3), calls.Load())
}

func TestResolveMissingDigestHeader(t *testing.T) {
	resolver, host := testResolver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := resolver.Resolve(context.Background(), host+"/team/checkout", "v1.0.0")
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
}

func TestResolveMalformedDigest(t *testing.T) {
	resolver, host := testResolver(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", "not-a-digest")
		w.WriteHeader(http.StatusOK)
	})

	_, err := resolver.Resolve(context.Background(), host+"/team/checkout", "v1.0.0")
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		repo    string
		host    string
		name    string
		wantErr bool
	}{
		{"registry.example.com/checkout", "registry.example.com", "checkout", false},
		{"registry.example.com/team/checkout", "registry.example.com", "team/checkout", false},
		{"checkout", "", "", true},
		{"/checkout", "", "", true},
		{"registry.example.com/", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			host, name, err := splitRepo(tt.repo)
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.name, name)
		})
	}
}
