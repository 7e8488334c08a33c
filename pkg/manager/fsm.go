package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/stagehq/stagehand/pkg/storage"
	"github.com/stagehq/stagehand/pkg/types"
)

// FSM implements the Raft finite state machine for controller state.
// It applies committed log entries to the local store and handles
// snapshots.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// casPayload carries a compare-and-swap of a deployment's revision
type casPayload struct {
	ServiceID  string `json:"service_id"`
	Env        string `json:"env"`
	ExpectedID string `json:"expected_id"`
	NewID      string `json:"new_id"`
}

// deploymentRef addresses one (service, environment) pair
type deploymentRef struct {
	ServiceID string `json:"service_id"`
	Env       string `json:"env"`
}

// Apply applies a Raft log entry to the FSM.
// Errors (including conflicts from begin_attempt and cas_deployment)
// ride back to the caller through the apply future's response.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "put_service":
		var service types.Service
		if err := json.Unmarshal(cmd.Data, &service); err != nil {
			return err
		}
		return f.store.PutService(&service)

	case "delete_service":
		var serviceID string
		if err := json.Unmarshal(cmd.Data, &serviceID); err != nil {
			return err
		}
		return f.store.DeleteService(serviceID)

	case "put_revision":
		var rev types.Revision
		if err := json.Unmarshal(cmd.Data, &rev); err != nil {
			return err
		}
		return f.store.PutRevision(&rev)

	case "put_deployment":
		var dep types.Deployment
		if err := json.Unmarshal(cmd.Data, &dep); err != nil {
			return err
		}
		return f.store.PutDeployment(&dep)

	case "cas_deployment":
		var cas casPayload
		if err := json.Unmarshal(cmd.Data, &cas); err != nil {
			return err
		}
		return f.store.CASDeployment(cas.ServiceID, cas.Env, cas.ExpectedID, cas.NewID)

	case "clear_failure":
		var ref deploymentRef
		if err := json.Unmarshal(cmd.Data, &ref); err != nil {
			return err
		}
		return f.store.ClearFailure(ref.ServiceID, ref.Env)

	case "begin_attempt":
		var attempt types.RolloutAttempt
		if err := json.Unmarshal(cmd.Data, &attempt); err != nil {
			return err
		}
		return f.store.BeginAttempt(&attempt)

	case "update_attempt":
		var attempt types.RolloutAttempt
		if err := json.Unmarshal(cmd.Data, &attempt); err != nil {
			return err
		}
		return f.store.UpdateAttempt(&attempt)

	case "finish_attempt":
		var attempt types.RolloutAttempt
		if err := json.Unmarshal(cmd.Data, &attempt); err != nil {
			return err
		}
		return f.store.FinishAttempt(&attempt)

	case "put_promotion":
		var p types.Promotion
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.PutPromotion(&p)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM.
// Called periodically by Raft to compact the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	services, err := f.store.ListServices()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	revisions, err := f.store.ListRevisions("")
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}

	deployments, err := f.store.ListDeployments("")
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	attempts, err := f.store.ListAttempts("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	promotions, err := f.store.ListPromotions("")
	if err != nil {
		return nil, fmt.Errorf("failed to list promotions: %w", err)
	}

	snapshot := &Snapshot{
		Services:    services,
		Revisions:   revisions,
		Deployments: deployments,
		Attempts:    attempts,
		Promotions:  promotions,
	}

	return snapshot, nil
}

// Restore restores the FSM from a snapshot.
// Called when a node restarts or joins the cluster.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, service := range snapshot.Services {
		if err := f.store.PutService(service); err != nil {
			return fmt.Errorf("failed to restore service: %w", err)
		}
	}

	for _, rev := range snapshot.Revisions {
		if err := f.store.PutRevision(rev); err != nil {
			return fmt.Errorf("failed to restore revision: %w", err)
		}
	}

	for _, dep := range snapshot.Deployments {
		if err := f.store.PutDeployment(dep); err != nil {
			return fmt.Errorf("failed to restore deployment: %w", err)
		}
	}

	for _, attempt := range snapshot.Attempts {
		if err := f.store.UpdateAttempt(attempt); err != nil {
			return fmt.Errorf("failed to restore attempt: %w", err)
		}
	}

	for _, p := range snapshot.Promotions {
		if err := f.store.PutPromotion(p); err != nil {
			return fmt.Errorf("failed to restore promotion: %w", err)
		}
	}

	return nil
}

// Snapshot represents a point-in-time snapshot of controller state
type Snapshot struct {
	Services    []*types.Service
	Revisions   []*types.Revision
	Deployments []*types.Deployment
	Attempts    []*types.RolloutAttempt
	Promotions  []*types.Promotion
}

// Persist writes the snapshot to the given SnapshotSink
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *Snapshot) Release() {}
