package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/storage"
	"github.com/stagehq/stagehand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePromoter scripts pipeline responses
type fakePromoter struct {
	promo *types.Promotion
	err   error

	gotService, gotFrom, gotTo, gotTag string
}

func (f *fakePromoter) Promote(ctx context.Context, service, from, to, tag string) (*types.Promotion, error) {
	f.gotService, f.gotFrom, f.gotTo, f.gotTag = service, from, to, tag
	return f.promo, f.err
}

func (f *fakePromoter) Approve(ctx context.Context, id string) (*types.Promotion, error) {
	return f.promo, f.err
}

func (f *fakePromoter) Deny(id, reason string) (*types.Promotion, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := *f.promo
	p.State = types.PromotionStateDenied
	p.Error = reason
	return &p, nil
}

// fakeRollbacker scripts engine responses
type fakeRollbacker struct {
	attempt   *types.RolloutAttempt
	err       error
	cancelled string
}

func (f *fakeRollbacker) RollbackDeployment(ctx context.Context, service *types.Service, env string) (*types.RolloutAttempt, error) {
	return f.attempt, f.err
}

func (f *fakeRollbacker) Cancel(attemptID string) error {
	f.cancelled = attemptID
	return f.err
}

type apiFixture struct {
	store    *storage.BoltStore
	promoter *fakePromoter
	rollback *fakeRollbacker
	ts       *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &apiFixture{
		store:    store,
		promoter: &fakePromoter{},
		rollback: &fakeRollbacker{},
	}
	server := NewServer(store, f.promoter, f.rollback, nil)
	f.ts = httptest.NewServer(server.Router())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func validSpec() ServiceSpec {
	return ServiceSpec{
		Name:   "checkout",
		Repo:   "registry.example.com/checkout",
		Stages: []string{"dev", "qa", "prod"},
	}
}

func TestApplyServiceCreatesDeployments(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/services", validSpec())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var service types.Service
	decode(t, resp, &service)
	assert.NotEmpty(t, service.ID)
	assert.Equal(t, "checkout", service.Name)

	// Every stage got an empty deployment record
	for _, stage := range []string{"dev", "qa", "prod"} {
		dep, err := f.store.GetDeployment(service.ID, stage)
		require.NoError(t, err)
		assert.Empty(t, dep.RevisionID)
		assert.Equal(t, types.DeploymentStatusStable, dep.Status)
	}
}

func TestApplyServiceUpsertKeepsIdentity(t *testing.T) {
	f := newAPIFixture(t)

	var first types.Service
	decode(t, f.post(t, "/v1/services", validSpec()), &first)

	spec := validSpec()
	spec.Labels = map[string]string{"team": "payments"}
	var second types.Service
	decode(t, f.post(t, "/v1/services", spec), &second)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "payments", second.Labels["team"])
}

func TestApplyServiceValidation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		mutate func(s *ServiceSpec)
	}{
		{"missing name", func(s *ServiceSpec) { s.Name = "" }},
		{"missing repo", func(s *ServiceSpec) { s.Repo = "" }},
		{"no stages", func(s *ServiceSpec) { s.Stages = nil }},
		{"reserved stage name", func(s *ServiceSpec) { s.Stages = []string{"-", "qa"} }},
		{"duplicate stage", func(s *ServiceSpec) { s.Stages = []string{"dev", "dev"} }},
		{"bad plan", func(s *ServiceSpec) {
			s.Plan = &types.RolloutPlan{Strategy: types.StrategyCanary, Steps: []int{50}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			resp := f.post(t, "/v1/services", spec)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetServiceNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/v1/services/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope map[string]string
	decode(t, resp, &envelope)
	assert.Equal(t, "not_found", envelope["code"])
}

func TestStatusReport(t *testing.T) {
	f := newAPIFixture(t)

	var service types.Service
	decode(t, f.post(t, "/v1/services", validSpec()), &service)

	require.NoError(t, f.store.PutRevision(&types.Revision{
		ID:     "rev-1",
		Repo:   service.Repo,
		Tag:    "v1.0.0",
		Digest: digest.Digest("sha256:" + fmt.Sprintf("%064d", 1)),
	}))
	require.NoError(t, f.store.PutDeployment(&types.Deployment{
		ServiceID:   service.ID,
		Environment: "dev",
		RevisionID:  "rev-1",
		Status:      types.DeploymentStatusStable,
		UpdatedAt:   time.Now(),
	}))

	resp := f.get(t, "/v1/services/checkout/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report StatusReport
	decode(t, resp, &report)
	require.Len(t, report.Environments, 3)
	assert.Equal(t, "dev", report.Environments[0].Environment)
	assert.Equal(t, "v1.0.0", report.Environments[0].Tag)
	assert.Empty(t, report.Environments[1].Tag)
}

func TestPromoteForwardsRequest(t *testing.T) {
	f := newAPIFixture(t)
	f.promoter.promo = &types.Promotion{ID: "promo-1", State: types.PromotionStateSucceeded}

	resp := f.post(t, "/v1/promotions", PromoteRequest{
		Service: "checkout", From: "dev", To: "qa", Tag: "v1.0.0",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var promo types.Promotion
	decode(t, resp, &promo)
	assert.Equal(t, "promo-1", promo.ID)
	assert.Equal(t, "checkout", f.promoter.gotService)
	assert.Equal(t, "dev", f.promoter.gotFrom)
	assert.Equal(t, "qa", f.promoter.gotTo)
	assert.Equal(t, "v1.0.0", f.promoter.gotTag)
}

func TestPromoteMissingFields(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/promotions", PromoteRequest{Service: "checkout"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPromoteConflictCarriesPromotion(t *testing.T) {
	f := newAPIFixture(t)
	f.promoter.promo = &types.Promotion{ID: "promo-1", State: types.PromotionStateFailed}
	f.promoter.err = errdefs.Conflict("deployment held by attempt-7")

	resp := f.post(t, "/v1/promotions", PromoteRequest{
		Service: "checkout", From: "dev", To: "qa", Tag: "v1.0.0",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var envelope struct {
		Error     string           `json:"error"`
		Code      string           `json:"code"`
		Promotion *types.Promotion `json:"promotion"`
	}
	decode(t, resp, &envelope)
	assert.Equal(t, "conflict", envelope.Code)
	require.NotNil(t, envelope.Promotion)
	assert.Equal(t, "promo-1", envelope.Promotion.ID)
}

func TestRollbackEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	decode(t, f.post(t, "/v1/services", validSpec()), &types.Service{})
	f.rollback.attempt = &types.RolloutAttempt{ID: "attempt-1", State: types.AttemptStateSucceeded}

	resp := f.post(t, "/v1/services/checkout/environments/qa/rollback", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var attempt types.RolloutAttempt
	decode(t, resp, &attempt)
	assert.Equal(t, "attempt-1", attempt.ID)
}

func TestClearEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var service types.Service
	decode(t, f.post(t, "/v1/services", validSpec()), &service)
	require.NoError(t, f.store.PutDeployment(&types.Deployment{
		ServiceID:   service.ID,
		Environment: "qa",
		Status:      types.DeploymentStatusFailed,
	}))

	resp := f.post(t, "/v1/services/checkout/environments/qa/clear", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dep, err := f.store.GetDeployment(service.ID, "qa")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusStable, dep.Status)

	// Clearing a stable deployment is a validation error
	resp = f.post(t, "/v1/services/checkout/environments/qa/clear", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistorySortedNewestFirst(t *testing.T) {
	f := newAPIFixture(t)

	var service types.Service
	decode(t, f.post(t, "/v1/services", validSpec()), &service)

	old := &types.RolloutAttempt{
		ID: "old", ServiceID: service.ID, Environment: "dev",
		State: types.AttemptStateSucceeded, StartedAt: time.Now().Add(-time.Hour),
	}
	recent := &types.RolloutAttempt{
		ID: "recent", ServiceID: service.ID, Environment: "dev",
		State: types.AttemptStateRolledBack, StartedAt: time.Now(),
	}
	require.NoError(t, f.store.UpdateAttempt(old))
	require.NoError(t, f.store.UpdateAttempt(recent))

	resp := f.get(t, "/v1/services/checkout/history?env=dev")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var attempts []*types.RolloutAttempt
	decode(t, resp, &attempts)
	require.Len(t, attempts, 2)
	assert.Equal(t, "recent", attempts[0].ID)
	assert.Equal(t, "old", attempts[1].ID)

	// Without an env filter the history covers every environment
	resp = f.get(t, "/v1/services/checkout/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	attempts = nil
	decode(t, resp, &attempts)
	assert.Len(t, attempts, 2)
}

func TestCancelAttemptEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/attempts/attempt-9/cancel", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "attempt-9", f.rollback.cancelled)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/healthz")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
