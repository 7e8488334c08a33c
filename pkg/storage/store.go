package storage

import (
	"github.com/stagehq/stagehand/pkg/types"
)

// Store defines the interface for controller state storage.
// Implemented by the BoltDB-backed store; writes are replicated through
// the manager's FSM when running under raft.
type Store interface {
	// Services
	PutService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	GetServiceByName(name string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	DeleteService(id string) error

	// Revisions
	PutRevision(rev *types.Revision) error
	GetRevision(id string) (*types.Revision, error)
	ListRevisions(repo string) ([]*types.Revision, error)

	// Deployments
	PutDeployment(dep *types.Deployment) error
	GetDeployment(serviceID, env string) (*types.Deployment, error)
	ListDeployments(serviceID string) ([]*types.Deployment, error)

	// CASDeployment is the sole mutation path for a deployment's current
	// revision. It fails with a conflict when expectedRevisionID does not
	// match the stored revision.
	CASDeployment(serviceID, env, expectedRevisionID, newRevisionID string) error

	// ClearFailure re-enables automatic promotion on a failed deployment.
	ClearFailure(serviceID, env string) error

	// Rollout attempts
	//
	// BeginAttempt atomically admits an attempt: it fails with a conflict
	// if the deployment already has an active attempt.
	BeginAttempt(attempt *types.RolloutAttempt) error
	UpdateAttempt(attempt *types.RolloutAttempt) error
	// FinishAttempt records the terminal attempt state and releases the
	// deployment.
	FinishAttempt(attempt *types.RolloutAttempt) error
	GetAttempt(id string) (*types.RolloutAttempt, error)
	// ListAttempts returns the attempt history for one deployment, or
	// every attempt when serviceID is empty.
	ListAttempts(serviceID, env string) ([]*types.RolloutAttempt, error)
	ListActiveAttempts() ([]*types.RolloutAttempt, error)

	// Promotions
	PutPromotion(p *types.Promotion) error
	GetPromotion(id string) (*types.Promotion, error)
	ListPromotions(serviceID string) ([]*types.Promotion, error)
	ListPendingPromotions() ([]*types.Promotion, error)

	// Utility
	Close() error
}
