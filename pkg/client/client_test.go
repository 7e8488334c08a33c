package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestGetServiceDecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/services/checkout", r.URL.Path)
		writeJSON(w, http.StatusOK, types.Service{ID: "svc-1", Name: "checkout"})
	})

	service, err := c.GetService(context.Background(), "checkout")
	require.NoError(t, err)
	assert.Equal(t, "svc-1", service.ID)
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   error
	}{
		{"not_found", http.StatusNotFound, errdefs.ErrNotFound},
		{"invalid", http.StatusBadRequest, errdefs.ErrInvalid},
		{"conflict", http.StatusConflict, errdefs.ErrConflict},
		{"unavailable", http.StatusServiceUnavailable, errdefs.ErrUnavailable},
		{"rollout_failed", http.StatusBadGateway, errdefs.ErrRolloutFailed},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{
					"error": "something happened",
					"code":  tt.code,
				})
			})

			_, err := c.GetService(context.Background(), "checkout")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "something happened")
		})
	}
}

func TestStatusWithoutEnvelopeFallsBackToHTTPStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	_, err := c.GetService(context.Background(), "checkout")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestUnreachableControllerIsUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1")

	err := c.Healthz(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrUnavailable)
	assert.Equal(t, errdefs.ExitUnavailable, errdefs.ExitCode(err))
}

func TestPromoteReturnsPromotionAlongsideError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":     "attempt rolled back",
			"code":      "rollout_failed",
			"promotion": types.Promotion{ID: "promo-1", State: types.PromotionStateRolledBack},
		})
	})

	promo, err := c.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRolloutFailed)
	assert.Equal(t, errdefs.ExitRolloutFailed, errdefs.ExitCode(err))
	require.NotNil(t, promo)
	assert.Equal(t, types.PromotionStateRolledBack, promo.State)
}

func TestPromoteSuccess(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, types.Promotion{ID: "promo-1", State: types.PromotionStateSucceeded})
	})

	promo, err := c.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.PromotionStateSucceeded, promo.State)
	assert.Equal(t, "checkout", gotBody["service"])
	assert.Equal(t, "dev", gotBody["from"])
	assert.Equal(t, "qa", gotBody["to"])
	assert.Equal(t, "v1.0.0", gotBody["tag"])
}

func TestRollbackCarriesAttemptOnFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "rollback exhausted",
			"code":    "rollout_failed",
			"attempt": types.RolloutAttempt{ID: "attempt-1", State: types.AttemptStateFailed},
		})
	})

	attempt, err := c.Rollback(context.Background(), "checkout", "qa")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRolloutFailed)
	require.NotNil(t, attempt)
	assert.Equal(t, types.AttemptStateFailed, attempt.State)
}

func TestHistoryQueryString(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, []*types.RolloutAttempt{})
	})

	_, err := c.History(context.Background(), "checkout", "qa")
	require.NoError(t, err)
	assert.Equal(t, "env=qa", gotQuery)
}
