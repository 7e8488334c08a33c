package promotion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/events"
	"github.com/stagehq/stagehand/pkg/log"
	"github.com/stagehq/stagehand/pkg/metrics"
	"github.com/stagehq/stagehand/pkg/registry"
	"github.com/stagehq/stagehand/pkg/rollout"
	"github.com/stagehq/stagehand/pkg/types"
)

// InitialStage is the fromEnv value marking a first release into a
// service's first configured stage.
const InitialStage = "-"

// State is the slice of the store the pipeline reads and writes. The
// raft-backed manager satisfies it.
type State interface {
	rollout.State
	GetServiceByName(name string) (*types.Service, error)
	PutRevision(rev *types.Revision) error
	PutPromotion(p *types.Promotion) error
	GetPromotion(id string) (*types.Promotion, error)
	ListRevisions(repo string) ([]*types.Revision, error)
}

// Pipeline coordinates promotions: it validates the stage transition,
// resolves the tag against the registry, runs the approval gate, and
// hands granted promotions to the rollout engine.
type Pipeline struct {
	state    State
	resolver registry.Resolver
	engine   *rollout.Engine
	gate     ApprovalGate
	broker   *events.Broker
}

// NewPipeline creates a promotion pipeline
func NewPipeline(state State, resolver registry.Resolver, engine *rollout.Engine, gate ApprovalGate, broker *events.Broker) *Pipeline {
	if gate == nil {
		gate = ManualGate{}
	}
	return &Pipeline{
		state:    state,
		resolver: resolver,
		engine:   engine,
		gate:     gate,
		broker:   broker,
	}
}

// Promote requests moving serviceName's tag from fromEnv into toEnv.
// The returned promotion is either terminal (no-op, denied, or a
// finished rollout) or pending approval. The error is non-nil for
// validation failures, conflicts, and failed rollouts.
func (p *Pipeline) Promote(ctx context.Context, serviceName, fromEnv, toEnv, tag string) (*types.Promotion, error) {
	service, err := p.state.GetServiceByName(serviceName)
	if err != nil {
		return nil, err
	}

	if err := validateTransition(service, fromEnv, toEnv); err != nil {
		return nil, err
	}

	rev, err := p.resolveRevision(ctx, service, tag)
	if err != nil {
		return nil, err
	}

	dep, err := p.state.GetDeployment(service.ID, toEnv)
	if err != nil {
		return nil, err
	}
	if dep.Status == types.DeploymentStatusFailed {
		return nil, errdefs.Invalid("deployment %s/%s is failed; clear it before promoting", serviceName, toEnv)
	}

	// The source stage must actually be running what we promote.
	if fromEnv != InitialStage {
		if err := p.checkSourceRunning(service, fromEnv, rev); err != nil {
			return nil, err
		}
	}

	promo := &types.Promotion{
		ID:          uuid.New().String(),
		ServiceID:   service.ID,
		FromEnv:     fromEnv,
		ToEnv:       toEnv,
		Tag:         tag,
		RevisionID:  rev.ID,
		RequestedAt: time.Now(),
	}

	// Fast path: the target already runs this artifact.
	if dep.RevisionID != "" {
		current, err := p.state.GetRevision(dep.RevisionID)
		if err == nil && current.Digest == rev.Digest {
			promo.State = types.PromotionStateNoOp
			promo.FinishedAt = time.Now()
			if err := p.state.PutPromotion(promo); err != nil {
				return nil, err
			}
			metrics.PromotionsTotal.WithLabelValues("no_op").Inc()
			logger := log.WithDeployment(serviceName, toEnv)
			logger.Info().Str("tag", tag).Msg("promotion is a no-op, revision already current")
			return promo, nil
		}
	}

	promo.State = types.PromotionStatePendingApproval
	if err := p.state.PutPromotion(promo); err != nil {
		return nil, err
	}
	p.publish(events.EventPromotionRequested, service.Name, toEnv,
		fmt.Sprintf("promote %s from %s", tag, fromEnv), promo.ID)

	decision, gateErr := p.gate.Evaluate(promo, service)
	switch decision {
	case DecisionGranted:
		promo.DecidedAt = time.Now()
		p.publish(events.EventPromotionApproved, service.Name, toEnv, "auto-approved by policy", promo.ID)
		return p.run(ctx, promo, service, rev)
	case DecisionDenied:
		promo.State = types.PromotionStateDenied
		promo.DecidedAt = time.Now()
		promo.FinishedAt = promo.DecidedAt
		if gateErr != nil {
			promo.Error = gateErr.Error()
		} else {
			promo.Error = "denied by policy"
		}
		if err := p.state.PutPromotion(promo); err != nil {
			return nil, err
		}
		metrics.PromotionsTotal.WithLabelValues("denied").Inc()
		p.publish(events.EventPromotionDenied, service.Name, toEnv, promo.Error, promo.ID)
		return promo, errdefs.Invalid("promotion %s denied: %s", promo.ID, promo.Error)
	default:
		metrics.PendingApprovals.Inc()
		logger := log.WithDeployment(serviceName, toEnv)
		logger.Info().
			Str("promotion_id", promo.ID).
			Str("tag", tag).
			Msg("promotion awaiting approval")
		return promo, nil
	}
}

// Approve grants a pending promotion and runs its rollout
func (p *Pipeline) Approve(ctx context.Context, promotionID string) (*types.Promotion, error) {
	promo, err := p.state.GetPromotion(promotionID)
	if err != nil {
		return nil, err
	}
	if promo.State != types.PromotionStatePendingApproval {
		return nil, errdefs.Invalid("promotion %s is %s, not pending approval", promotionID, promo.State)
	}

	service, err := p.state.GetService(promo.ServiceID)
	if err != nil {
		return nil, err
	}
	rev, err := p.state.GetRevision(promo.RevisionID)
	if err != nil {
		return nil, err
	}

	// Conditions may have shifted while the promotion sat in the queue.
	dep, err := p.state.GetDeployment(service.ID, promo.ToEnv)
	if err != nil {
		return nil, err
	}
	if dep.Status == types.DeploymentStatusFailed {
		return nil, errdefs.Invalid("deployment %s/%s is failed; clear it before approving", service.Name, promo.ToEnv)
	}

	metrics.PendingApprovals.Dec()
	promo.DecidedAt = time.Now()
	p.publish(events.EventPromotionApproved, service.Name, promo.ToEnv, "approved by operator", promo.ID)

	return p.run(ctx, promo, service, rev)
}

// Deny rejects a pending promotion
func (p *Pipeline) Deny(promotionID, reason string) (*types.Promotion, error) {
	promo, err := p.state.GetPromotion(promotionID)
	if err != nil {
		return nil, err
	}
	if promo.State != types.PromotionStatePendingApproval {
		return nil, errdefs.Invalid("promotion %s is %s, not pending approval", promotionID, promo.State)
	}

	metrics.PendingApprovals.Dec()
	promo.State = types.PromotionStateDenied
	promo.Error = reason
	promo.DecidedAt = time.Now()
	promo.FinishedAt = promo.DecidedAt
	if err := p.state.PutPromotion(promo); err != nil {
		return nil, err
	}
	metrics.PromotionsTotal.WithLabelValues("denied").Inc()

	if service, err := p.state.GetService(promo.ServiceID); err == nil {
		p.publish(events.EventPromotionDenied, service.Name, promo.ToEnv, reason, promo.ID)
	}
	return promo, nil
}

// run executes the rollout for a granted promotion and records the
// terminal promotion state.
func (p *Pipeline) run(ctx context.Context, promo *types.Promotion, service *types.Service, rev *types.Revision) (*types.Promotion, error) {
	promo.State = types.PromotionStateRollingOut
	if err := p.state.PutPromotion(promo); err != nil {
		return nil, err
	}

	attempt, runErr := p.engine.Run(ctx, service, promo.ToEnv, rev, nil)
	if attempt != nil {
		promo.AttemptID = attempt.ID
	}

	switch {
	case runErr == nil:
		promo.State = types.PromotionStateSucceeded
	case attempt != nil && attempt.State == types.AttemptStateRolledBack:
		promo.State = types.PromotionStateRolledBack
		promo.Error = attempt.Error
	case attempt != nil && attempt.State == types.AttemptStateFailed:
		promo.State = types.PromotionStateFailed
		promo.Error = attempt.Error
	default:
		// The attempt never started (admission conflict, bad plan).
		promo.State = types.PromotionStateFailed
		promo.Error = runErr.Error()
	}
	promo.FinishedAt = time.Now()

	if err := p.state.PutPromotion(promo); err != nil {
		log.Errorf("failed to record promotion outcome", err)
	}
	metrics.PromotionsTotal.WithLabelValues(promotionResult(promo.State)).Inc()

	return promo, runErr
}

// resolveRevision looks the tag up in the registry and pins it. A
// digest already known for this repo reuses the stored revision so the
// same artifact carries one identity across stages.
func (p *Pipeline) resolveRevision(ctx context.Context, service *types.Service, tag string) (*types.Revision, error) {
	rev, err := p.resolver.Resolve(ctx, service.Repo, tag)
	if err != nil {
		return nil, err
	}

	existing, err := p.state.ListRevisions(service.Repo)
	if err == nil {
		for _, candidate := range existing {
			if candidate.Digest == rev.Digest {
				return candidate, nil
			}
		}
	}

	if err := p.state.PutRevision(rev); err != nil {
		return nil, err
	}
	return rev, nil
}

// checkSourceRunning verifies fromEnv currently serves the revision
// being promoted.
func (p *Pipeline) checkSourceRunning(service *types.Service, fromEnv string, rev *types.Revision) error {
	dep, err := p.state.GetDeployment(service.ID, fromEnv)
	if err != nil {
		return err
	}
	if dep.RevisionID == "" {
		return errdefs.Invalid("%s/%s has no deployed revision to promote from", service.Name, fromEnv)
	}
	current, err := p.state.GetRevision(dep.RevisionID)
	if err != nil {
		return err
	}
	if current.Digest != rev.Digest {
		return errdefs.Invalid("%s/%s runs %s, not %s; promote the revision actually deployed",
			service.Name, fromEnv, current.Tag, rev.Tag)
	}
	return nil
}

// validateTransition enforces the service's configured stage order
func validateTransition(service *types.Service, fromEnv, toEnv string) error {
	toIdx := service.StageIndex(toEnv)
	if toIdx < 0 {
		return errdefs.Invalid("%q is not a stage of service %s (stages: %v)", toEnv, service.Name, service.Stages)
	}

	if fromEnv == InitialStage {
		if toIdx != 0 {
			return errdefs.Invalid("initial release must target the first stage %q, not %q", service.Stages[0], toEnv)
		}
		return nil
	}

	fromIdx := service.StageIndex(fromEnv)
	if fromIdx < 0 {
		return errdefs.Invalid("%q is not a stage of service %s (stages: %v)", fromEnv, service.Name, service.Stages)
	}
	if fromIdx >= toIdx {
		return errdefs.Invalid("%q does not precede %q in stage order %v", fromEnv, toEnv, service.Stages)
	}
	return nil
}

func promotionResult(state types.PromotionState) string {
	switch state {
	case types.PromotionStateSucceeded:
		return "succeeded"
	case types.PromotionStateRolledBack:
		return "rolled_back"
	default:
		return "failed"
	}
}

func (p *Pipeline) publish(eventType events.EventType, service, env, message, promotionID string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Service: service,
		Env:     env,
		Message: message,
		Metadata: map[string]string{
			"promotion_id": promotionID,
		},
	})
}
