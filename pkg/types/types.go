package types

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Service represents a deployable workload promoted through environments
type Service struct {
	ID        string
	Name      string
	Repo      string   // Registry repository (e.g., "registry.example.com/checkout")
	Stages    []string // Ordered environment stages (e.g., ["dev", "qa", "prod"])
	Plan      *RolloutPlan
	Probe     *ProbeSpec
	Labels    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageIndex returns the position of env in the service's stage order,
// or -1 if env is not a configured stage.
func (s *Service) StageIndex(env string) int {
	for i, stage := range s.Stages {
		if stage == env {
			return i
		}
	}
	return -1
}

// Revision is an immutable, content-addressed build artifact reference
type Revision struct {
	ID        string
	Repo      string
	Tag       string
	Digest    digest.Digest
	SourceRef string // Source commit, if known
	CreatedAt time.Time
}

// Ref returns the pinned image reference for the revision.
func (r *Revision) Ref() string {
	return r.Repo + "@" + r.Digest.String()
}

// Deployment binds a service and environment to its current revision.
// There is exactly one Deployment per (service, environment) pair.
type Deployment struct {
	ServiceID       string
	Environment     string
	RevisionID      string // Current revision; changes only via a successful attempt's CAS
	Status          DeploymentStatus
	ActiveAttemptID string // Non-empty while a rollout attempt holds the deployment
	UpdatedAt       time.Time
}

// Key returns the store key for a (service, environment) pair.
func (d *Deployment) Key() string {
	return DeploymentKey(d.ServiceID, d.Environment)
}

// DeploymentKey builds the composite key used to address a deployment.
func DeploymentKey(serviceID, env string) string {
	return serviceID + "/" + env
}

// DeploymentStatus represents the current state of a deployment
type DeploymentStatus string

const (
	DeploymentStatusStable     DeploymentStatus = "stable"
	DeploymentStatusRollingOut DeploymentStatus = "rolling-out"
	// DeploymentStatusFailed marks a deployment needing operator attention;
	// automatic promotion is suspended until it is cleared.
	DeploymentStatusFailed DeploymentStatus = "failed"
)

// Strategy defines how an update is rolled out
type Strategy string

const (
	StrategyAllAtOnce Strategy = "all-at-once"
	StrategyCanary    Strategy = "canary"
	StrategyBlueGreen Strategy = "blue-green"
)

// RolloutPlan describes how a rollout attempt progresses.
// A plan is immutable once an attempt starts.
type RolloutPlan struct {
	Strategy Strategy
	// Steps are traffic percentages for canary (e.g., [10, 50, 100]).
	// Ignored for all-at-once and blue-green.
	Steps []int
	// HealthyThreshold is the number of consecutive healthy probes
	// required to pass a step.
	HealthyThreshold int
	// UnhealthyThreshold is the number of consecutive failed probes
	// before a step is declared unhealthy.
	UnhealthyThreshold int
	// ProbeWindow bounds how long a single step may wait for a stable
	// health signal before it times out.
	ProbeWindow time.Duration
	// AttemptTimeout is the wall-clock ceiling across all steps.
	AttemptTimeout time.Duration
	// RollbackRetries bounds how many times a failed rollback is retried
	// before the attempt is marked failed.
	RollbackRetries int
}

// ProbeSpec configures health probing for a service's deployments
type ProbeSpec struct {
	// Path is the HTTP status endpoint, probed per environment.
	Path string
	// Interval is the time between polls.
	Interval time.Duration
	// Timeout applies to each individual poll.
	Timeout time.Duration
}

// AttemptState represents the rollout attempt state machine
type AttemptState string

const (
	AttemptStatePending    AttemptState = "pending"
	AttemptStateInProgress AttemptState = "in-progress"
	AttemptStateSucceeded  AttemptState = "succeeded"
	AttemptStateRolledBack AttemptState = "rolled-back"
	AttemptStateFailed     AttemptState = "failed"
)

// Terminal reports whether the state is final.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptStateSucceeded, AttemptStateRolledBack, AttemptStateFailed:
		return true
	}
	return false
}

// StepOutcome records the result of one rollout step
type StepOutcome struct {
	Percentage int
	Healthy    bool
	Message    string
	FinishedAt time.Time
}

// RolloutAttempt is one execution of a rollout from the deployment's
// current revision to a target revision. Terminal states are final; a
// retry is a new attempt.
type RolloutAttempt struct {
	ID             string
	ServiceID      string
	Environment    string
	FromRevisionID string
	TargetRevision string
	Plan           *RolloutPlan
	State          AttemptState
	Steps          []StepOutcome
	Error          string
	Deadline       time.Time // Wall-clock ceiling; orphaned attempts past it are failed
	StartedAt      time.Time
	FinishedAt     time.Time
}

// PromotionState tracks a promotion request through approval and rollout
type PromotionState string

const (
	PromotionStatePendingApproval PromotionState = "pending-approval"
	PromotionStateDenied          PromotionState = "denied"
	PromotionStateRollingOut      PromotionState = "rolling-out"
	PromotionStateSucceeded       PromotionState = "succeeded"
	PromotionStateRolledBack      PromotionState = "rolled-back"
	PromotionStateFailed          PromotionState = "failed"
	PromotionStateNoOp            PromotionState = "no-op"
	PromotionStateExpired         PromotionState = "expired"
)

// Terminal reports whether the promotion state is final.
func (s PromotionState) Terminal() bool {
	switch s {
	case PromotionStatePendingApproval, PromotionStateRollingOut:
		return false
	}
	return true
}

// Promotion is a request to move a service's revision from one
// environment stage to the next. Each stage promotion is a distinct,
// separately gated operation.
type Promotion struct {
	ID          string
	ServiceID   string
	FromEnv     string // "-" for the initial release into the first stage
	ToEnv       string
	Tag         string
	RevisionID  string
	State       PromotionState
	AttemptID   string
	Error       string
	RequestedAt time.Time
	DecidedAt   time.Time // When the approval gate granted or denied
	FinishedAt  time.Time
}
