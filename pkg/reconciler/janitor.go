package reconciler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stagehq/stagehand/pkg/events"
	"github.com/stagehq/stagehand/pkg/log"
	"github.com/stagehq/stagehand/pkg/metrics"
	"github.com/stagehq/stagehand/pkg/rollout"
	"github.com/stagehq/stagehand/pkg/types"
)

const (
	// DefaultInterval is how often the janitor sweeps
	DefaultInterval = 30 * time.Second
	// DefaultPromotionTTL bounds how long a promotion may sit awaiting
	// approval before it expires
	DefaultPromotionTTL = 24 * time.Hour
)

// State is the slice of the store the janitor sweeps
type State interface {
	GetService(id string) (*types.Service, error)
	ListActiveAttempts() ([]*types.RolloutAttempt, error)
	FinishAttempt(attempt *types.RolloutAttempt) error
	ListPendingPromotions() ([]*types.Promotion, error)
	PutPromotion(p *types.Promotion) error
}

// Janitor periodically repairs state the happy path cannot: rollout
// attempts orphaned by a process restart are failed once their deadline
// passes, and promotions parked for approval expire after their TTL.
type Janitor struct {
	state        State
	engine       *rollout.Engine
	broker       *events.Broker
	interval     time.Duration
	promotionTTL time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewJanitor creates a janitor sweeping at the given interval. Zero
// values fall back to the defaults.
func NewJanitor(state State, engine *rollout.Engine, broker *events.Broker, interval, promotionTTL time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if promotionTTL <= 0 {
		promotionTTL = DefaultPromotionTTL
	}
	return &Janitor{
		state:        state,
		engine:       engine,
		broker:       broker,
		interval:     interval,
		promotionTTL: promotionTTL,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called
func (j *Janitor) Start() {
	logger := log.WithComponent("janitor")
	logger.Info().
		Dur("interval", j.interval).
		Dur("promotion_ttl", j.promotionTTL).
		Msg("janitor started")

	go func() {
		defer close(j.doneCh)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.sweep()
			case <-j.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current cycle to finish
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
	logger := log.WithComponent("janitor")
	logger.Info().Msg("janitor stopped")
}

func (j *Janitor) sweep() {
	timer := metrics.NewTimer()
	j.sweepAttempts()
	j.sweepPromotions()
	timer.ObserveDuration(metrics.JanitorDuration)
	metrics.JanitorCyclesTotal.Inc()
}

// sweepAttempts fails orphaned attempts whose deadline has passed.
// Attempts this process is actively driving are left to the engine.
func (j *Janitor) sweepAttempts() {
	logger := log.WithComponent("janitor")

	attempts, err := j.state.ListActiveAttempts()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list active attempts")
		return
	}

	now := time.Now()
	for _, attempt := range attempts {
		if now.Before(attempt.Deadline) {
			continue
		}
		if j.engine != nil && j.engine.Running(attempt.ID) {
			continue
		}

		attempt.State = types.AttemptStateFailed
		attempt.Error = fmt.Sprintf("orphaned: deadline %s passed with no engine driving the attempt", attempt.Deadline.Format(time.RFC3339))
		attempt.FinishedAt = now
		if err := j.state.FinishAttempt(attempt); err != nil {
			logger.Error().Err(err).Str("attempt_id", attempt.ID).Msg("failed to fail orphaned attempt")
			continue
		}

		metrics.RolloutsTotal.WithLabelValues(string(attempt.Plan.Strategy), "failed").Inc()
		logger.Warn().
			Str("attempt_id", attempt.ID).
			Str("env", attempt.Environment).
			Msg("failed orphaned rollout attempt, deployment needs manual intervention")

		if service, err := j.state.GetService(attempt.ServiceID); err == nil {
			j.publish(events.EventRolloutFailed, service.Name, attempt.Environment,
				"orphaned attempt failed by janitor, manual intervention required", attempt.ID)
		}
	}
}

// sweepPromotions expires promotions that sat pending past the TTL
func (j *Janitor) sweepPromotions() {
	logger := log.WithComponent("janitor")

	pending, err := j.state.ListPendingPromotions()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list pending promotions")
		return
	}

	now := time.Now()
	for _, promo := range pending {
		if now.Sub(promo.RequestedAt) < j.promotionTTL {
			continue
		}

		promo.State = types.PromotionStateExpired
		promo.Error = fmt.Sprintf("approval not granted within %s", j.promotionTTL)
		promo.FinishedAt = now
		if err := j.state.PutPromotion(promo); err != nil {
			logger.Error().Err(err).Str("promotion_id", promo.ID).Msg("failed to expire promotion")
			continue
		}

		metrics.PendingApprovals.Dec()
		logger.Info().
			Str("promotion_id", promo.ID).
			Str("env", promo.ToEnv).
			Str("tag", promo.Tag).
			Msg("expired stale promotion")

		if service, err := j.state.GetService(promo.ServiceID); err == nil {
			j.publish(events.EventPromotionExpired, service.Name, promo.ToEnv, promo.Error, promo.ID)
		}
	}
}

func (j *Janitor) publish(eventType events.EventType, service, env, message, refID string) {
	if j.broker == nil {
		return
	}
	j.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Service: service,
		Env:     env,
		Message: message,
		Metadata: map[string]string{
			"ref_id": refID,
		},
	})
}
