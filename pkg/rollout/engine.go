package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/events"
	"github.com/stagehq/stagehand/pkg/log"
	"github.com/stagehq/stagehand/pkg/metrics"
	"github.com/stagehq/stagehand/pkg/probe"
	"github.com/stagehq/stagehand/pkg/runtime"
	"github.com/stagehq/stagehand/pkg/types"
)

// State is the slice of the store the engine mutates. Both the bolt
// store and the raft-backed manager satisfy it.
type State interface {
	GetService(id string) (*types.Service, error)
	GetRevision(id string) (*types.Revision, error)
	GetDeployment(serviceID, env string) (*types.Deployment, error)
	BeginAttempt(attempt *types.RolloutAttempt) error
	UpdateAttempt(attempt *types.RolloutAttempt) error
	FinishAttempt(attempt *types.RolloutAttempt) error
	CASDeployment(serviceID, env, expectedRevisionID, newRevisionID string) error
	ListAttempts(serviceID, env string) ([]*types.RolloutAttempt, error)
}

// CheckerFactory builds the health checker probing one deployment
type CheckerFactory func(service *types.Service, env string) probe.Checker

// Engine drives rollout attempts through their state machine:
// Pending -> InProgress -> {Succeeded, RolledBack, Failed}.
type Engine struct {
	state    State
	driver   runtime.Driver
	checkers CheckerFactory
	broker   *events.Broker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine creates a rollout engine
func NewEngine(state State, driver runtime.Driver, checkers CheckerFactory, broker *events.Broker) *Engine {
	return &Engine{
		state:    state,
		driver:   driver,
		checkers: checkers,
		broker:   broker,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run executes one rollout attempt to completion. It returns the
// terminal attempt; the error is non-nil unless the attempt succeeded.
// Admission is atomic: a second attempt on the same deployment observes
// a conflict before any traffic moves.
func (e *Engine) Run(ctx context.Context, service *types.Service, env string, target *types.Revision, plan *types.RolloutPlan) (*types.RolloutAttempt, error) {
	if plan == nil {
		plan = service.Plan
	}
	if plan == nil {
		plan = DefaultPlan()
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	dep, err := e.state.GetDeployment(service.ID, env)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	attempt := &types.RolloutAttempt{
		ID:             uuid.New().String(),
		ServiceID:      service.ID,
		Environment:    env,
		FromRevisionID: dep.RevisionID,
		TargetRevision: target.ID,
		Plan:           plan,
		State:          types.AttemptStatePending,
		Deadline:       now.Add(plan.AttemptTimeout),
		StartedAt:      now,
	}

	// Plan is validated; admission enforces one active attempt per
	// deployment.
	if err := e.state.BeginAttempt(attempt); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), attempt.Deadline)
	e.mu.Lock()
	e.cancels[attempt.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, attempt.ID)
		e.mu.Unlock()
	}()

	metrics.ActiveAttempts.Inc()
	defer metrics.ActiveAttempts.Dec()

	return e.execute(runCtx, service, env, target, attempt)
}

// Cancel requests cooperative cancellation of an in-progress attempt.
// The engine finishes the in-flight health probe, then rolls back
// instead of continuing forward.
func (e *Engine) Cancel(attemptID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[attemptID]
	e.mu.Unlock()
	if !ok {
		return errdefs.NotFound("no in-progress attempt %s", attemptID)
	}
	cancel()
	return nil
}

// Running reports whether this engine is actively driving the attempt.
// Attempts recorded as in-progress but not running here are orphans
// from a previous process.
func (e *Engine) Running(attemptID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancels[attemptID]
	return ok
}

// RollbackDeployment starts a fresh all-at-once attempt targeting the
// revision that was current before the deployment's last successful
// attempt. Used by the operator-facing rollback command.
func (e *Engine) RollbackDeployment(ctx context.Context, service *types.Service, env string) (*types.RolloutAttempt, error) {
	attempts, err := e.state.ListAttempts(service.ID, env)
	if err != nil {
		return nil, err
	}

	var last *types.RolloutAttempt
	for _, a := range attempts {
		if a.State != types.AttemptStateSucceeded || a.FromRevisionID == "" {
			continue
		}
		if last == nil || a.FinishedAt.After(last.FinishedAt) {
			last = a
		}
	}
	if last == nil {
		return nil, errdefs.Invalid("deployment %s/%s has no previous revision to roll back to", service.Name, env)
	}

	prev, err := e.state.GetRevision(last.FromRevisionID)
	if err != nil {
		return nil, err
	}

	plan := DefaultPlan()
	if service.Plan != nil {
		// Keep the service's probe thresholds but replace the strategy:
		// an operator rollback is a single replacement step.
		p := *service.Plan
		p.Strategy = types.StrategyAllAtOnce
		p.Steps = nil
		plan = &p
	}

	return e.Run(ctx, service, env, prev, plan)
}

// execute walks the plan's steps, probing after each one
func (e *Engine) execute(ctx context.Context, service *types.Service, env string, target *types.Revision, attempt *types.RolloutAttempt) (*types.RolloutAttempt, error) {
	logger := log.WithDeployment(service.Name, env)
	timer := metrics.NewTimer()

	attempt.State = types.AttemptStateInProgress
	if err := e.state.UpdateAttempt(attempt); err != nil {
		return e.finish(attempt, types.AttemptStateFailed, fmt.Sprintf("failed to record attempt start: %v", err))
	}

	e.publish(events.EventRolloutStarted, service.Name, env, fmt.Sprintf("rolling out %s (%s)", target.Tag, attempt.Plan.Strategy), attempt.ID)
	logger.Info().
		Str("attempt_id", attempt.ID).
		Str("target", target.Tag).
		Str("strategy", string(attempt.Plan.Strategy)).
		Msg("rollout started")

	prober := probe.NewProber(e.checkers(service, env), probeConfig(service, attempt.Plan))

	for _, st := range expandSteps(attempt.Plan) {
		if err := e.applyStep(ctx, service, env, target, st); err != nil {
			logger.Error().Err(err).Int("percentage", st.percentage).Msg("traffic command failed")
			return e.rollback(service, env, attempt, timer, fmt.Sprintf("traffic command at %d%%: %v", st.percentage, err))
		}

		outcome, msg := prober.Probe(ctx)

		attempt.Steps = append(attempt.Steps, types.StepOutcome{
			Percentage: st.percentage,
			Healthy:    outcome == probe.OutcomeHealthy,
			Message:    msg,
			FinishedAt: time.Now(),
		})
		if err := e.state.UpdateAttempt(attempt); err != nil {
			logger.Error().Err(err).Msg("failed to record step outcome")
		}

		e.publish(events.EventStepCompleted, service.Name, env,
			fmt.Sprintf("step %d%%: %s", st.percentage, outcome), attempt.ID)

		if outcome != probe.OutcomeHealthy {
			reason := fmt.Sprintf("step %d%% %s: %s", st.percentage, outcome, msg)
			if cancelled(ctx) {
				e.publish(events.EventRolloutCancelled, service.Name, env, "cancelled by operator", attempt.ID)
				reason = "cancelled by operator"
			}
			logger.Warn().Str("outcome", string(outcome)).Int("percentage", st.percentage).Msg("step unhealthy, rolling back")
			return e.rollback(service, env, attempt, timer, reason)
		}
	}

	// All steps passed: commit the revision. The CAS is the only path
	// that moves a deployment's current revision.
	if err := e.state.CASDeployment(service.ID, env, attempt.FromRevisionID, target.ID); err != nil {
		logger.Error().Err(err).Msg("commit CAS failed, rolling back")
		return e.rollback(service, env, attempt, timer, fmt.Sprintf("commit: %v", err))
	}

	timer.ObserveDuration(metrics.RolloutDuration.WithLabelValues(string(attempt.Plan.Strategy)))
	metrics.RolloutsTotal.WithLabelValues(string(attempt.Plan.Strategy), "succeeded").Inc()
	e.publish(events.EventRolloutSucceeded, service.Name, env, fmt.Sprintf("now serving %s", target.Tag), attempt.ID)
	logger.Info().Str("attempt_id", attempt.ID).Str("target", target.Tag).Msg("rollout succeeded")

	return e.finish(attempt, types.AttemptStateSucceeded, "")
}

// applyStep issues the traffic command for one step
func (e *Engine) applyStep(ctx context.Context, service *types.Service, env string, target *types.Revision, st step) error {
	ref := target.Ref()
	switch {
	case st.provision:
		return e.driver.Provision(ctx, service.Name, env, ref)
	case st.swap:
		return e.driver.Swap(ctx, service.Name, env, ref)
	default:
		return e.driver.ShiftTraffic(ctx, service.Name, env, ref, st.percentage)
	}
}

// rollback reverts traffic to the prior revision. It always runs, even
// when the attempt's deadline has expired, and retries a bounded number
// of times; exhaustion marks the attempt failed and leaves the
// deployment for manual intervention.
func (e *Engine) rollback(service *types.Service, env string, attempt *types.RolloutAttempt, timer *metrics.Timer, reason string) (*types.RolloutAttempt, error) {
	logger := log.WithDeployment(service.Name, env)

	// The attempt context may be cancelled or past its deadline;
	// rollback gets its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var revert func(context.Context) error
	if attempt.FromRevisionID == "" {
		// Initial release: nothing to restore, drain the target instead.
		target, err := e.state.GetRevision(attempt.TargetRevision)
		if err == nil {
			revert = func(ctx context.Context) error {
				return e.driver.ShiftTraffic(ctx, service.Name, env, target.Ref(), 0)
			}
		} else {
			revert = func(context.Context) error { return err }
		}
	} else {
		prev, err := e.state.GetRevision(attempt.FromRevisionID)
		if err == nil {
			revert = func(ctx context.Context) error {
				return e.driver.ShiftTraffic(ctx, service.Name, env, prev.Ref(), 100)
			}
		} else {
			revert = func(context.Context) error { return err }
		}
	}

	retries := attempt.Plan.RollbackRetries
	var lastErr error
	for i := 0; i <= retries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i) * time.Second):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		if lastErr = revert(ctx); lastErr == nil {
			break
		}
		logger.Warn().Err(lastErr).Int("try", i+1).Msg("rollback traffic command failed")
	}

	timer.ObserveDuration(metrics.RolloutDuration.WithLabelValues(string(attempt.Plan.Strategy)))

	if lastErr != nil {
		metrics.RolloutsTotal.WithLabelValues(string(attempt.Plan.Strategy), "failed").Inc()
		e.publish(events.EventRolloutFailed, service.Name, env,
			fmt.Sprintf("rollback exhausted, manual intervention required: %v", lastErr), attempt.ID)
		logger.Error().Err(lastErr).Msg("rollback exhausted, deployment needs manual intervention")
		return e.finish(attempt, types.AttemptStateFailed,
			fmt.Sprintf("%s; rollback exhausted: %v", reason, lastErr))
	}

	metrics.RollbacksTotal.Inc()
	metrics.RolloutsTotal.WithLabelValues(string(attempt.Plan.Strategy), "rolled_back").Inc()
	e.publish(events.EventRolledBack, service.Name, env, reason, attempt.ID)
	logger.Info().Str("reason", reason).Msg("rolled back")

	return e.finish(attempt, types.AttemptStateRolledBack, reason)
}

// finish records the terminal state and releases the deployment
func (e *Engine) finish(attempt *types.RolloutAttempt, state types.AttemptState, errMsg string) (*types.RolloutAttempt, error) {
	attempt.State = state
	attempt.Error = errMsg
	attempt.FinishedAt = time.Now()

	if err := e.state.FinishAttempt(attempt); err != nil {
		log.Errorf("failed to finish attempt", err)
	}

	switch state {
	case types.AttemptStateSucceeded:
		return attempt, nil
	case types.AttemptStateRolledBack:
		return attempt, fmt.Errorf("attempt %s rolled back (%s): %w", attempt.ID, errMsg, errdefs.ErrRolloutFailed)
	default:
		return attempt, fmt.Errorf("attempt %s failed (%s): %w", attempt.ID, errMsg, errdefs.ErrRolloutFailed)
	}
}

func (e *Engine) publish(eventType events.EventType, service, env, message, attemptID string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Service: service,
		Env:     env,
		Message: message,
		Metadata: map[string]string{
			"attempt_id": attemptID,
		},
	})
}

// probeConfig merges the service's probe spec with the plan thresholds
func probeConfig(service *types.Service, plan *types.RolloutPlan) probe.Config {
	cfg := probe.DefaultConfig()
	cfg.HealthyThreshold = plan.HealthyThreshold
	cfg.UnhealthyThreshold = plan.UnhealthyThreshold
	cfg.Window = plan.ProbeWindow
	if service.Probe != nil {
		if service.Probe.Interval > 0 {
			cfg.Interval = service.Probe.Interval
		}
		if service.Probe.Timeout > 0 {
			cfg.Timeout = service.Probe.Timeout
		}
	}
	return cfg
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() == context.Canceled
}
