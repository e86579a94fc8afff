package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
)

func startGossipMonitor(t *testing.T, id, helloAddr string, helloPeers ...string) *Monitor {
	t.Helper()
	cfg := monitorConfig(id, "127.0.0.1:1")
	// Two monitors alone never reach a quorum of three, so the unreachable
	// primary is never failed over.
	cfg.Masters[0].Quorum = 3
	cfg.HelloAddr = helloAddr
	cfg.HelloPeers = helloPeers
	cfg.HelloInterval = 50 * time.Millisecond
	m, err := New(cfg, logging.NewNopLogger(), metrics.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestHelloDiscoversPeers(t *testing.T) {
	urlA := fmt.Sprintf("inproc://%s-a", t.Name())
	urlB := fmt.Sprintf("inproc://%s-b", t.Name())
	a := startGossipMonitor(t, "a", urlA, urlB)
	// b only knows a's hello address from a's own hellos once a dials it.
	b := startGossipMonitor(t, "b", urlB)

	for _, pair := range [][2]*Monitor{{a, b}, {b, a}} {
		self, other := pair[0], pair[1]
		require.Eventually(t, func() bool {
			peers, err := self.Monitors(masterName)
			if err != nil || len(peers) != 1 {
				return false
			}
			p := peers[0]
			return p.Addr == other.RPCAddr() && p.ID == other.ID() && !p.LastHello.IsZero()
		}, waitFor, 20*time.Millisecond, "%s must learn %s", self.ID(), other.ID())
	}

	peers, err := b.Monitors(masterName)
	require.NoError(t, err)
	assert.Equal(t, urlA, peers[0].HelloAddr)
}

func TestHelloSpreadsNewerConfiguration(t *testing.T) {
	urlA := fmt.Sprintf("inproc://%s-a", t.Name())
	urlB := fmt.Sprintf("inproc://%s-b", t.Name())
	a := startGossipMonitor(t, "a", urlA, urlB)
	b := startGossipMonitor(t, "b", urlB, urlA)

	ms, err := b.master(masterName)
	require.NoError(t, err)
	require.True(t, b.switchMaster(ms, "127.0.0.1:2", 5, "test"))

	require.Eventually(t, func() bool {
		addr, err := a.GetMasterAddrByName(masterName)
		return err == nil && addr.Addr == "127.0.0.1:2" && addr.Epoch == 5
	}, waitFor, 20*time.Millisecond)

	// An older configuration is ignored.
	g := a.gossip
	g.handleHello(Hello{MonitorID: "c", RPCAddr: "127.0.0.1:3", Master: masterName, PrimaryAddr: "127.0.0.1:4", ConfigEpoch: 4})
	addr, err := a.GetMasterAddrByName(masterName)
	require.NoError(t, err)
	assert.Equal(t, MasterAddr{Name: masterName, Addr: "127.0.0.1:2", Epoch: 5}, addr)
}
