package replication

import (
	"errors"
	"maps"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/engine"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
)

type fakeRole struct {
	mu       sync.Mutex
	epoch    uint64
	primary  bool
	observed []uint64
}

func (r *fakeRole) PrimaryEpoch() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch, r.primary
}

func (r *fakeRole) ObserveEpoch(epoch uint64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, epoch)
	if epoch > r.epoch {
		r.primary = false
	}
}

func (r *fakeRole) Observed() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.observed...)
}

type testPrimary struct {
	stream *Stream
	server *Server
	role   *fakeRole
}

func startPrimary(t *testing.T, backlog int, verifier TokenVerifier) *testPrimary {
	t.Helper()
	stream := newTestStream(backlog)
	role := &fakeRole{epoch: 1, primary: true}
	srv := NewServer(ServerConfig{
		ListenAddr:        "127.0.0.1:0",
		NodeID:            "primary",
		HeartbeatInterval: 20 * time.Millisecond,
	}, stream, role, verifier, logging.NewNopLogger(), metrics.NewRegistry())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return &testPrimary{stream: stream, server: srv, role: role}
}

func startAgent(t *testing.T, id string, stream *Stream, addr string, epoch uint64, issuer TokenIssuer) *Agent {
	t.Helper()
	a := NewAgent(AgentConfig{
		ReplicaID:   id,
		ReplicaAddr: id + ":0",
		ReadTimeout: 500 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}, stream, issuer, logging.NewNopLogger(), metrics.NewRegistry())
	a.Start(addr, epoch)
	t.Cleanup(a.Stop)
	return a
}

func writeN(t *testing.T, s *Stream, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		_, _, err := s.Apply(engine.Command{Op: engine.OpSet, Key: "k" + strconv.Itoa(i), Value: strconv.Itoa(i)})
		require.NoError(t, err)
	}
}

func waitConverged(t *testing.T, primary, replica *Stream) {
	t.Helper()
	require.Eventually(t, func() bool {
		return replica.Offset() == primary.Offset() &&
			maps.Equal(replica.Engine().Dump(), primary.Engine().Dump())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentFullSyncThenStreams(t *testing.T) {
	p := startPrimary(t, 100, nil)
	writeN(t, p.stream, 0, 20)

	replica := newTestStream(100)
	agent := startAgent(t, "r1", replica, p.server.Addr(), 1, nil)
	waitConverged(t, p.stream, replica)

	writeN(t, p.stream, 20, 40)
	waitConverged(t, p.stream, replica)

	st := agent.Status()
	assert.True(t, st.LinkUp)
	assert.Equal(t, uint64(1), st.FullSyncs)
	assert.Equal(t, p.stream.Position().Lineage, replica.Position().Lineage)

	require.Eventually(t, func() bool {
		infos := p.server.Replicas()
		return len(infos) == 1 && infos[0].AckedOffset == 40 && infos[0].Lag == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), agent.Lag())
}

func TestAgentPartialResyncAfterBriefDisconnect(t *testing.T) {
	p := startPrimary(t, 1000, nil)
	writeN(t, p.stream, 0, 10)

	replica := newTestStream(1000)
	agent := startAgent(t, "r1", replica, p.server.Addr(), 1, nil)
	waitConverged(t, p.stream, replica)

	p.server.DropAll("test")
	writeN(t, p.stream, 10, 30)
	waitConverged(t, p.stream, replica)

	st := agent.Status()
	assert.Equal(t, uint64(1), st.FullSyncs, "reconnect must not copy the full state")
	assert.GreaterOrEqual(t, st.PartialSyncs, uint64(1))
}

func TestAgentFarBehindFallsBackToFullResync(t *testing.T) {
	p := startPrimary(t, 5, nil)
	writeN(t, p.stream, 0, 3)

	replica := newTestStream(5)
	first := startAgent(t, "r1", replica, p.server.Addr(), 1, nil)
	waitConverged(t, p.stream, replica)
	first.Stop()

	writeN(t, p.stream, 3, 50)

	second := startAgent(t, "r1", replica, p.server.Addr(), 1, nil)
	waitConverged(t, p.stream, replica)
	st := second.Status()
	assert.Equal(t, uint64(1), st.FullSyncs)
	assert.Equal(t, uint64(0), st.PartialSyncs)
}

func TestStalePrimaryIsFencedByReplicaEpoch(t *testing.T) {
	p := startPrimary(t, 100, nil)
	writeN(t, p.stream, 0, 5)

	replica := newTestStream(100)
	agent := startAgent(t, "r1", replica, p.server.Addr(), 3, nil)

	require.Eventually(t, func() bool {
		obs := p.role.Observed()
		return len(obs) > 0 && obs[0] == 3
	}, 5*time.Second, 10*time.Millisecond)

	_, isPrimary := p.role.PrimaryEpoch()
	assert.False(t, isPrimary, "primary must step down after seeing a higher epoch")
	assert.Equal(t, uint64(0), replica.Offset(), "replica must not accept data from a stale primary")

	require.Eventually(t, func() bool {
		return agent.Status().LastError != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, agent.Status().LastError, ErrStaleEpoch.Error())
}

func TestNonPrimaryRejectsReplicas(t *testing.T) {
	p := startPrimary(t, 100, nil)
	p.role.mu.Lock()
	p.role.primary = false
	p.role.mu.Unlock()

	replica := newTestStream(100)
	agent := startAgent(t, "r1", replica, p.server.Addr(), 1, nil)

	require.Eventually(t, func() bool {
		return agent.Status().Attempts >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, agent.Status().LinkUp)
	assert.Contains(t, agent.Status().LastError, ErrNotPrimary.Error())
}

func TestAgentRetarget(t *testing.T) {
	a := startPrimary(t, 100, nil)
	b := startPrimary(t, 100, nil)
	writeN(t, a.stream, 0, 5)
	writeN(t, b.stream, 0, 8)

	replica := newTestStream(100)
	agent := startAgent(t, "r1", replica, a.server.Addr(), 1, nil)
	waitConverged(t, a.stream, replica)

	agent.Retarget(b.server.Addr(), 1)
	waitConverged(t, b.stream, replica)
	assert.Equal(t, b.server.Addr(), agent.Status().PrimaryAddr)
}

type staticTokens struct{ token string }

func (s staticTokens) Issue(string) (string, error) { return s.token, nil }

func (s staticTokens) Verify(token, _ string) error {
	if token != s.token {
		return errors.New("bad token")
	}
	return nil
}

func TestHandshakeAuthentication(t *testing.T) {
	p := startPrimary(t, 100, staticTokens{token: "secret"})
	writeN(t, p.stream, 0, 3)

	good := newTestStream(100)
	startAgent(t, "good", good, p.server.Addr(), 1, staticTokens{token: "secret"})
	waitConverged(t, p.stream, good)

	bad := newTestStream(100)
	badAgent := startAgent(t, "bad", bad, p.server.Addr(), 1, staticTokens{token: "wrong"})
	require.Eventually(t, func() bool {
		return badAgent.Status().Attempts >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, badAgent.Status().LastError, ErrUnauthorized.Error())
	assert.Equal(t, uint64(0), bad.Offset())
}
