package manager

import (
	"net"
	"testing"
	"time"

	"github.com/stagehq/stagehand/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startManager(t *testing.T, nodeID, bindAddr, dataDir string) *Manager {
	t.Helper()
	mgr, err := NewManager(&Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir})
	require.NoError(t, err)
	require.NoError(t, mgr.Bootstrap())
	require.NoError(t, mgr.WaitForLeader(10*time.Second))
	return mgr
}

func TestBootstrapReusesExistingState(t *testing.T) {
	dataDir := t.TempDir()

	mgr := startManager(t, "node-1", freeAddr(t), dataDir)
	require.NoError(t, mgr.PutService(&types.Service{ID: "svc-1", Name: "checkout", Stages: []string{"dev"}}))
	require.NoError(t, mgr.Shutdown())

	// A second start over the same data dir finds prior Raft state;
	// Bootstrap must tolerate that and rejoin instead of failing.
	restarted := startManager(t, "node-1", freeAddr(t), dataDir)
	defer restarted.Shutdown()

	service, err := restarted.GetService("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "checkout", service.Name)
}
