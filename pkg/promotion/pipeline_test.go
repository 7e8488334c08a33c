package promotion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/probe"
	"github.com/stagehq/stagehand/pkg/rollout"
	"github.com/stagehq/stagehand/pkg/storage"
	"github.com/stagehq/stagehand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	digestV1 = digest.Digest("sha256:" + fmt.Sprintf("%064d", 1))
	digestV2 = digest.Digest("sha256:" + fmt.Sprintf("%064d", 2))
)

// fakeResolver maps tags to digests without a registry
type fakeResolver struct {
	digests map[string]digest.Digest
	err     error
	calls   int
}

func (r *fakeResolver) Resolve(ctx context.Context, repo, tag string) (*types.Revision, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	dgst, ok := r.digests[tag]
	if !ok {
		return nil, errdefs.NotFound("manifest %s:%s", repo, tag)
	}
	return &types.Revision{
		ID:        fmt.Sprintf("resolved-%s-%d", tag, r.calls),
		Repo:      repo,
		Tag:       tag,
		Digest:    dgst,
		CreatedAt: time.Now(),
	}, nil
}

// okDriver accepts every traffic command
type okDriver struct{}

func (okDriver) ShiftTraffic(ctx context.Context, service, env, ref string, pct int) error {
	return nil
}
func (okDriver) Provision(ctx context.Context, service, env, ref string) error { return nil }
func (okDriver) Swap(ctx context.Context, service, env, ref string) error      { return nil }

// staticChecker always reports the same health
type staticChecker struct{ healthy bool }

func (c staticChecker) Check(ctx context.Context) probe.Result {
	return probe.Result{Healthy: c.healthy, Message: "static"}
}

type fixture struct {
	store    *storage.BoltStore
	resolver *fakeResolver
	checker  *staticChecker
	pipeline *Pipeline
	service  *types.Service
}

func newFixture(t *testing.T, gate ApprovalGate) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		resolver: &fakeResolver{digests: map[string]digest.Digest{"v1.0.0": digestV1, "v2.0.0": digestV2}},
		checker:  &staticChecker{healthy: true},
	}

	f.service = &types.Service{
		ID:     "svc-1",
		Name:   "checkout",
		Repo:   "registry.example.com/checkout",
		Stages: []string{"dev", "qa", "prod"},
		Plan: &types.RolloutPlan{
			Strategy:           types.StrategyAllAtOnce,
			HealthyThreshold:   1,
			UnhealthyThreshold: 1,
			ProbeWindow:        time.Second,
			AttemptTimeout:     10 * time.Second,
			RollbackRetries:    1,
		},
		Probe: &types.ProbeSpec{Interval: time.Millisecond, Timeout: 100 * time.Millisecond},
	}
	require.NoError(t, store.PutService(f.service))

	// dev already runs v1.0.0; qa and prod are empty
	require.NoError(t, store.PutRevision(&types.Revision{
		ID:     "rev-1",
		Repo:   f.service.Repo,
		Tag:    "v1.0.0",
		Digest: digestV1,
	}))
	for i, stage := range f.service.Stages {
		dep := &types.Deployment{
			ServiceID:   "svc-1",
			Environment: stage,
			Status:      types.DeploymentStatusStable,
		}
		if i == 0 {
			dep.RevisionID = "rev-1"
		}
		require.NoError(t, store.PutDeployment(dep))
	}

	factory := func(service *types.Service, env string) probe.Checker { return f.checker }
	engine := rollout.NewEngine(store, okDriver{}, factory, nil)
	f.pipeline = NewPipeline(store, f.resolver, engine, gate, nil)
	return f
}

func TestPromoteAutoApprovedSucceeds(t *testing.T) {
	f := newFixture(t, NewPolicyGate([]PolicyRule{{EnvPattern: "*"}}))

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.PromotionStateSucceeded, promo.State)
	assert.NotEmpty(t, promo.AttemptID)

	// qa now runs the promoted revision
	dep, err := f.store.GetDeployment("svc-1", "qa")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", dep.RevisionID)
}

func TestPromoteReusesKnownRevision(t *testing.T) {
	f := newFixture(t, NewPolicyGate([]PolicyRule{{EnvPattern: "*"}}))

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.NoError(t, err)

	// The resolved digest matched the stored revision, so no duplicate
	// identity was minted.
	assert.Equal(t, "rev-1", promo.RevisionID)
}

func TestPromoteStageOrderValidation(t *testing.T) {
	f := newFixture(t, ManualGate{})

	tests := []struct {
		name string
		from string
		to   string
	}{
		{"backwards", "qa", "dev"},
		{"same stage", "qa", "qa"},
		{"unknown target", "dev", "staging"},
		{"unknown source", "staging", "prod"},
		{"initial release into later stage", "-", "qa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Promote(context.Background(), "checkout", tt.from, tt.to, "v1.0.0")
			assert.ErrorIs(t, err, errdefs.ErrInvalid)
		})
	}
}

func TestInitialReleaseIntoFirstStage(t *testing.T) {
	f := newFixture(t, NewPolicyGate([]PolicyRule{{EnvPattern: "*"}}))

	// Reset dev to empty so v2.0.0 is a first release
	require.NoError(t, f.store.PutDeployment(&types.Deployment{
		ServiceID:   "svc-1",
		Environment: "dev",
		Status:      types.DeploymentStatusStable,
	}))

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "-", "dev", "v2.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.PromotionStateSucceeded, promo.State)

	dep, err := f.store.GetDeployment("svc-1", "dev")
	require.NoError(t, err)
	assert.NotEmpty(t, dep.RevisionID)
}

func TestPromoteRequiresSourceRunningRevision(t *testing.T) {
	f := newFixture(t, ManualGate{})

	// dev runs v1.0.0, promoting v2.0.0 out of dev is a lie
	_, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v2.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
	assert.Contains(t, err.Error(), "runs v1.0.0")
}

func TestPromoteNoOpWhenTargetCurrent(t *testing.T) {
	f := newFixture(t, NewPolicyGate([]PolicyRule{{EnvPattern: "*"}}))

	// qa already runs rev-1
	require.NoError(t, f.store.PutDeployment(&types.Deployment{
		ServiceID:   "svc-1",
		Environment: "qa",
		RevisionID:  "rev-1",
		Status:      types.DeploymentStatusStable,
	}))

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.PromotionStateNoOp, promo.State)
	assert.Empty(t, promo.AttemptID)
}

func TestPromoteRefusesFailedTarget(t *testing.T) {
	f := newFixture(t, ManualGate{})

	require.NoError(t, f.store.PutDeployment(&types.Deployment{
		ServiceID:   "svc-1",
		Environment: "qa",
		Status:      types.DeploymentStatusFailed,
	}))

	_, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
	assert.Contains(t, err.Error(), "clear")
}

func TestPromoteUnknownTagSurfacesNotFound(t *testing.T) {
	f := newFixture(t, ManualGate{})

	_, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v9.9.9")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestManualGateParksThenApproveRuns(t *testing.T) {
	f := newFixture(t, ManualGate{})

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, types.PromotionStatePendingApproval, promo.State)

	// Nothing rolled out yet
	dep, err := f.store.GetDeployment("svc-1", "qa")
	require.NoError(t, err)
	assert.Empty(t, dep.RevisionID)

	approved, err := f.pipeline.Approve(context.Background(), promo.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PromotionStateSucceeded, approved.State)
	assert.False(t, approved.DecidedAt.IsZero())

	dep, err = f.store.GetDeployment("svc-1", "qa")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", dep.RevisionID)
}

func TestApproveRejectsNonPending(t *testing.T) {
	f := newFixture(t, NewPolicyGate([]PolicyRule{{EnvPattern: "*"}}))

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.NoError(t, err)
	require.Equal(t, types.PromotionStateSucceeded, promo.State)

	_, err = f.pipeline.Approve(context.Background(), promo.ID)
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
}

func TestDenyRecordsReason(t *testing.T) {
	f := newFixture(t, ManualGate{})

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.NoError(t, err)

	denied, err := f.pipeline.Deny(promo.ID, "not during freeze")
	require.NoError(t, err)
	assert.Equal(t, types.PromotionStateDenied, denied.State)
	assert.Equal(t, "not during freeze", denied.Error)

	// Terminal; a second decision is rejected
	_, err = f.pipeline.Deny(promo.ID, "again")
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
}

func TestPromotionRolledBackOnUnhealthyRollout(t *testing.T) {
	f := newFixture(t, NewPolicyGate([]PolicyRule{{EnvPattern: "*"}}))
	f.checker.healthy = false

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRolloutFailed)
	require.NotNil(t, promo)
	assert.Equal(t, types.PromotionStateRolledBack, promo.State)

	// qa was never committed
	dep, err := f.store.GetDeployment("svc-1", "qa")
	require.NoError(t, err)
	assert.Empty(t, dep.RevisionID)
}

func TestPolicyDenialIsTerminal(t *testing.T) {
	f := newFixture(t, NewPolicyGate([]PolicyRule{{EnvPattern: "qa", Constraint: ">= 2.0.0"}}))

	promo, err := f.pipeline.Promote(context.Background(), "checkout", "dev", "qa", "v1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrInvalid)
	require.NotNil(t, promo)
	assert.Equal(t, types.PromotionStateDenied, promo.State)
}
