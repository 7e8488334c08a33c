package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/stagehq/stagehand/pkg/events"
	"github.com/stagehq/stagehand/pkg/storage"
	"github.com/stagehq/stagehand/pkg/types"
)

// Manager owns the controller's replicated state. Writes go through the
// Raft log so a controller can run single-node today and HA later; reads
// are served from the local store.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *FSM
	store       storage.Store
	eventBroker *events.Broker
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewFSM(store)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         fsm,
		store:       store,
		eventBroker: eventBroker,
	}

	return m, nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// A promotion controller serves few writes; the defaults are tuned
	// for WAN consensus. Tighten them for LAN-speed failover.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStorePath := filepath.Join(m.dataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStorePath := filepath.Join(m.dataDir, "raft-stable.db")
	stableStore, err := raftboltdb.NewBoltStore(stableStorePath)
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		// A data dir carrying prior Raft state refuses a re-bootstrap;
		// the node rejoins from that state instead.
		if errors.Is(err, raft.ErrCantBootstrap) {
			return nil
		}
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	return nil
}

// WaitForLeader blocks until this node becomes leader or the timeout
// elapses. Used after Bootstrap before accepting writes.
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsLeader() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %v", timeout)
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// RaftStats returns Raft statistics for the status surface
func (m *Manager) RaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())

	return stats
}

// EventBroker returns the event broker
func (m *Manager) EventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event to all subscribers
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// apply submits a command to the Raft cluster and surfaces the FSM's
// response error, if any. Conflicts from cas_deployment and
// begin_attempt come back this way.
func (m *Manager) apply(op string, payload interface{}) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

// Write operations (replicated through the Raft log)

func (m *Manager) PutService(service *types.Service) error {
	return m.apply("put_service", service)
}

func (m *Manager) DeleteService(id string) error {
	return m.apply("delete_service", id)
}

func (m *Manager) PutRevision(rev *types.Revision) error {
	return m.apply("put_revision", rev)
}

func (m *Manager) PutDeployment(dep *types.Deployment) error {
	return m.apply("put_deployment", dep)
}

func (m *Manager) CASDeployment(serviceID, env, expectedRevisionID, newRevisionID string) error {
	return m.apply("cas_deployment", casPayload{
		ServiceID:  serviceID,
		Env:        env,
		ExpectedID: expectedRevisionID,
		NewID:      newRevisionID,
	})
}

func (m *Manager) ClearFailure(serviceID, env string) error {
	return m.apply("clear_failure", deploymentRef{ServiceID: serviceID, Env: env})
}

func (m *Manager) BeginAttempt(attempt *types.RolloutAttempt) error {
	return m.apply("begin_attempt", attempt)
}

func (m *Manager) UpdateAttempt(attempt *types.RolloutAttempt) error {
	return m.apply("update_attempt", attempt)
}

func (m *Manager) FinishAttempt(attempt *types.RolloutAttempt) error {
	return m.apply("finish_attempt", attempt)
}

func (m *Manager) PutPromotion(p *types.Promotion) error {
	return m.apply("put_promotion", p)
}

// Read operations (served from the local store)

func (m *Manager) GetService(id string) (*types.Service, error) {
	return m.store.GetService(id)
}

func (m *Manager) GetServiceByName(name string) (*types.Service, error) {
	return m.store.GetServiceByName(name)
}

func (m *Manager) ListServices() ([]*types.Service, error) {
	return m.store.ListServices()
}

func (m *Manager) GetRevision(id string) (*types.Revision, error) {
	return m.store.GetRevision(id)
}

func (m *Manager) ListRevisions(repo string) ([]*types.Revision, error) {
	return m.store.ListRevisions(repo)
}

func (m *Manager) GetDeployment(serviceID, env string) (*types.Deployment, error) {
	return m.store.GetDeployment(serviceID, env)
}

func (m *Manager) ListDeployments(serviceID string) ([]*types.Deployment, error) {
	return m.store.ListDeployments(serviceID)
}

func (m *Manager) GetAttempt(id string) (*types.RolloutAttempt, error) {
	return m.store.GetAttempt(id)
}

func (m *Manager) ListAttempts(serviceID, env string) ([]*types.RolloutAttempt, error) {
	return m.store.ListAttempts(serviceID, env)
}

func (m *Manager) ListActiveAttempts() ([]*types.RolloutAttempt, error) {
	return m.store.ListActiveAttempts()
}

func (m *Manager) GetPromotion(id string) (*types.Promotion, error) {
	return m.store.GetPromotion(id)
}

func (m *Manager) ListPromotions(serviceID string) ([]*types.Promotion, error) {
	return m.store.ListPromotions(serviceID)
}

func (m *Manager) ListPendingPromotions() ([]*types.Promotion, error) {
	return m.store.ListPendingPromotions()
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
