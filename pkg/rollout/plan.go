package rollout

import (
	"time"

	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/types"
)

// DefaultPlan returns the plan used when a service does not configure one
func DefaultPlan() *types.RolloutPlan {
	return &types.RolloutPlan{
		Strategy:           types.StrategyAllAtOnce,
		HealthyThreshold:   3,
		UnhealthyThreshold: 3,
		ProbeWindow:        2 * time.Minute,
		AttemptTimeout:     15 * time.Minute,
		RollbackRetries:    3,
	}
}

// FillDefaults backfills zero plan fields from the default plan so a
// partial user-supplied plan still validates.
func FillDefaults(plan *types.RolloutPlan) {
	def := DefaultPlan()
	if plan.Strategy == "" {
		plan.Strategy = def.Strategy
	}
	if plan.HealthyThreshold == 0 {
		plan.HealthyThreshold = def.HealthyThreshold
	}
	if plan.UnhealthyThreshold == 0 {
		plan.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if plan.ProbeWindow == 0 {
		plan.ProbeWindow = def.ProbeWindow
	}
	if plan.AttemptTimeout == 0 {
		plan.AttemptTimeout = def.AttemptTimeout
	}
}

// ValidatePlan rejects a plan before any mutation takes place
func ValidatePlan(plan *types.RolloutPlan) error {
	if plan == nil {
		return errdefs.Invalid("rollout plan is required")
	}

	switch plan.Strategy {
	case types.StrategyAllAtOnce, types.StrategyBlueGreen:
		// Steps are derived, not configured
	case types.StrategyCanary:
		if len(plan.Steps) == 0 {
			return errdefs.Invalid("canary plan has zero steps")
		}
		prev := 0
		for _, pct := range plan.Steps {
			if pct <= 0 || pct > 100 {
				return errdefs.Invalid("canary step %d%% out of range (1-100)", pct)
			}
			if pct <= prev {
				return errdefs.Invalid("canary steps must increase, got %d%% after %d%%", pct, prev)
			}
			prev = pct
		}
		if plan.Steps[len(plan.Steps)-1] != 100 {
			return errdefs.Invalid("canary plan must end at 100%%")
		}
	default:
		return errdefs.Invalid("unknown strategy %q", plan.Strategy)
	}

	if plan.HealthyThreshold <= 0 {
		return errdefs.Invalid("healthy threshold must be positive")
	}
	if plan.UnhealthyThreshold <= 0 {
		return errdefs.Invalid("unhealthy threshold must be positive")
	}
	if plan.ProbeWindow <= 0 {
		return errdefs.Invalid("probe window must be positive")
	}
	if plan.AttemptTimeout <= 0 {
		return errdefs.Invalid("attempt timeout must be positive")
	}
	if plan.RollbackRetries < 0 {
		return errdefs.Invalid("rollback retries must not be negative")
	}

	return nil
}

// step is one unit of forward progress within an attempt
type step struct {
	percentage int
	swap       bool // atomic cutover instead of a traffic shift
	provision  bool // bring up the parallel target without routing traffic
}

// expandSteps turns a plan into the ordered steps the engine executes
func expandSteps(plan *types.RolloutPlan) []step {
	switch plan.Strategy {
	case types.StrategyCanary:
		steps := make([]step, 0, len(plan.Steps))
		for _, pct := range plan.Steps {
			steps = append(steps, step{percentage: pct})
		}
		return steps
	case types.StrategyBlueGreen:
		// Provision the full parallel target first, verify it, then cut
		// over atomically.
		return []step{
			{percentage: 0, provision: true},
			{percentage: 100, swap: true},
		}
	default: // all-at-once
		return []step{{percentage: 100}}
	}
}
