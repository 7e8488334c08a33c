package probe

import (
	"context"
	"time"

	"github.com/stagehq/stagehand/pkg/metrics"
)

// Outcome is the terminal result of a probe sequence
type Outcome string

const (
	// OutcomeHealthy means the target produced the configured number of
	// consecutive successful checks.
	OutcomeHealthy Outcome = "healthy"
	// OutcomeUnhealthy means the target produced the configured number
	// of consecutive failed checks.
	OutcomeUnhealthy Outcome = "unhealthy"
	// OutcomeTimeout means no stable signal emerged within the probe
	// window. Fatal to the current rollout step, not the whole attempt;
	// the caller decides what happens next.
	OutcomeTimeout Outcome = "timeout"
)

// Result represents the outcome of a single check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface all health checkers implement
type Checker interface {
	// Check performs one health check and returns the result
	Check(ctx context.Context) Result
}

// Config controls the probe loop
type Config struct {
	// Interval is the time between checks
	Interval time.Duration

	// Timeout applies to each individual check
	Timeout time.Duration

	// HealthyThreshold is the number of consecutive successes required
	// for a Healthy outcome
	HealthyThreshold int

	// UnhealthyThreshold is the number of consecutive failures required
	// for an Unhealthy outcome. Thresholds absorb flapping signals.
	UnhealthyThreshold int

	// Window bounds the whole probe sequence
	Window time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		Timeout:            3 * time.Second,
		HealthyThreshold:   3,
		UnhealthyThreshold: 3,
		Window:             2 * time.Minute,
	}
}

// Prober polls a checker until a stable signal emerges or the window
// expires.
type Prober struct {
	checker Checker
	config  Config
}

// NewProber creates a prober for the given checker
func NewProber(checker Checker, config Config) *Prober {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = DefaultConfig().HealthyThreshold
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = DefaultConfig().UnhealthyThreshold
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Prober{checker: checker, config: config}
}

// Probe runs the poll loop. It returns OutcomeTimeout when the window
// or the caller's context expires before a stable signal; waiting never
// holds any lock.
func (p *Prober) Probe(ctx context.Context) (Outcome, string) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Window)
	defer cancel()

	var (
		successes int
		failures  int
		lastMsg   string
	)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// First check runs immediately; the ticker paces the rest.
	for {
		result := p.runCheck(ctx)
		lastMsg = result.Message

		if result.Healthy {
			successes++
			failures = 0
			if successes >= p.config.HealthyThreshold {
				metrics.ProbesTotal.WithLabelValues(string(OutcomeHealthy)).Inc()
				return OutcomeHealthy, lastMsg
			}
		} else {
			failures++
			successes = 0
			if failures >= p.config.UnhealthyThreshold {
				metrics.ProbesTotal.WithLabelValues(string(OutcomeUnhealthy)).Inc()
				return OutcomeUnhealthy, lastMsg
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			metrics.ProbesTotal.WithLabelValues(string(OutcomeTimeout)).Inc()
			return OutcomeTimeout, lastMsg
		}
	}
}

// runCheck performs one check under the per-call timeout
func (p *Prober) runCheck(ctx context.Context) Result {
	checkCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	result := p.checker.Check(checkCtx)
	timer.ObserveDuration(metrics.ProbeDuration)
	return result
}
