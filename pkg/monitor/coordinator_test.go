package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/node"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

func addrs(views []NodeView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Addr
	}
	return out
}

func TestRankCandidates(t *testing.T) {
	views := []NodeView{
		{Addr: "a", NodeID: "n-a", Offset: 90, Priority: 10},
		{Addr: "b", NodeID: "n-b", Offset: 100, Priority: 100},
		{Addr: "c", NodeID: "n-c", Offset: 100, Priority: 50},
		{Addr: "d", Offset: 70, Priority: 10},
	}
	tests := []struct {
		name string
		rank RankFunc
		want []string
	}{
		{"lag then id", RankCandidatesByLag, []string{"b", "c", "a", "d"}},
		{"priority then lag", RankCandidatesByPriority, []string{"a", "d", "c", "b"}},
		{"policy default", rankPolicy(""), []string{"b", "c", "a", "d"}},
		{"policy priority", rankPolicy(RankByPriority), []string{"a", "d", "c", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := addrs(tt.rank(views))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
	if views[0].Addr != "a" {
		t.Fatal("ranking must not reorder its input")
	}
}

func TestRankEmpty(t *testing.T) {
	if got := RankCandidatesByLag(nil); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestAbortReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrElectionLost, "not-elected"},
		{ErrPrimaryUp, "primary-up"},
		{ErrLeadershipLost, "leadership-lost"},
		{ErrSuperseded, "superseded"},
		{ErrNoCandidate, "no-good-slave"},
		{errors.Join(ErrPromoteUnconfirmed, rpc.ErrFenced), "promote-unconfirmed"},
		{ErrStaleEpoch, "stale-epoch"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
	}
	for _, tt := range tests {
		if got := abortReason(tt.err); got != tt.want {
			t.Errorf("abortReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRefusedEpoch(t *testing.T) {
	tests := []struct {
		name string
		err  *rpc.Error
		want uint64
	}{
		{"stale reports newer", &rpc.Error{Code: rpc.CodeStaleEpoch, Epoch: 9}, 9},
		{"stale without epoch", &rpc.Error{Code: rpc.CodeStaleEpoch}, 6},
		{"fenced at newer", &rpc.Error{Code: rpc.CodeFenced, Epoch: 7}, 7},
		{"fenced at ours", &rpc.Error{Code: rpc.CodeFenced, Epoch: 5}, 0},
		{"not promotable", &rpc.Error{Code: rpc.CodeBadRequest}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, refusedEpoch(tt.err, 5))
		})
	}
}

// hang never answers; the caller gives up when its deadline passes.
func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func waitAborted(t *testing.T, m *Monitor) MasterView {
	t.Helper()
	var v MasterView
	require.Eventually(t, func() bool {
		var err error
		v, err = m.Master(masterName)
		return err == nil && v.FailoverState == FailoverAbort
	}, waitFor, 20*time.Millisecond)
	return v
}

func TestPromoteRefusedAtNewerEpochAborts(t *testing.T) {
	c := newCluster(t, 2, 3)
	const newer = 40
	for _, n := range c.nodes[1:] {
		c.waitFollowing(n, c.primary)
		c.links[0].fail(n.RPCAddr(), node.MethodPromote, func(context.Context) error {
			return &rpc.Error{Code: rpc.CodeStaleEpoch, Message: "epoch superseded", Epoch: newer}
		})
	}

	m := c.monitors[0]
	require.NoError(t, m.Failover(masterName))
	v := waitAborted(t, m)

	assert.Equal(t, "stale-epoch", v.FailoverError)
	assert.Less(t, v.FailoverEpoch, uint64(newer))
	assert.GreaterOrEqual(t, v.CurrentEpoch, uint64(newer), "the refusal's epoch is adopted")

	// The first refusal ends the run; the other secondary is never asked.
	var selected int
	for _, e := range m.Events().Recent(masterName, 0, 1000) {
		if e.Type == events.SelectedReplica {
			selected++
		}
	}
	assert.Equal(t, 1, selected)

	for _, mon := range c.monitors {
		a, err := mon.GetMasterAddrByName(masterName)
		require.NoError(t, err)
		assert.Equal(t, c.primary.RPCAddr(), a.Addr)
		assert.Zero(t, a.Epoch)
		for _, e := range mon.Events().Recent(masterName, 0, 1000) {
			assert.NotEqual(t, events.SwitchMaster, e.Type, "%s: %s", mon.ID(), e)
		}
	}
	assert.Equal(t, []*node.Node{c.primary}, primaries(c.nodes))
}

func TestPromoteTimeoutFencesCandidate(t *testing.T) {
	c := newCluster(t, 2, 3)
	for _, n := range c.nodes[1:] {
		c.waitFollowing(n, c.primary)
	}

	// Both secondaries are caught up, so n1 ranks first on node id.
	hung := c.nodes[1]
	for _, l := range c.links {
		l.fail(hung.RPCAddr(), node.MethodPromote, hang)
	}

	require.NoError(t, c.monitors[0].Failover(masterName))
	addr := c.waitSwitched(c.monitors...)
	promoted := c.nodeAt(addr.Addr)
	require.NotNil(t, promoted)
	assert.Equal(t, c.nodes[2], promoted)

	_, fenced := hung.Epochs()
	assert.GreaterOrEqual(t, fenced, addr.Epoch, "the unanswered candidate is fenced at the epoch")

	var atEpoch []*node.Node
	for _, n := range primaries(c.nodes) {
		if n.Role().RoleEpoch() == addr.Epoch {
			atEpoch = append(atEpoch, n)
		}
	}
	assert.Equal(t, []*node.Node{promoted}, atEpoch)

	c.waitFollowing(c.primary, promoted)
	c.waitFollowing(hung, promoted)
	assert.Equal(t, []*node.Node{promoted}, primaries(c.nodes))

	var promotions int
	for _, e := range c.monitors[0].Events().Recent(masterName, 0, 1000) {
		if e.Type == events.PromotedReplica && e.Epoch == addr.Epoch {
			promotions++
		}
	}
	assert.Equal(t, 1, promotions)
}

func TestPrimaryUpDuringElection(t *testing.T) {
	c := newCluster(t, 1, 3)
	m := c.monitors[0]
	for _, p := range c.monitors[1:] {
		c.links[0].fail(p.RPCAddr(), MethodIsPrimaryDown, hang)
	}
	ms, err := m.master(masterName)
	require.NoError(t, err)

	require.NoError(t, m.Failover(masterName))
	ms.mu.Lock()
	run := ms.failover
	ms.mu.Unlock()
	require.NotNil(t, run)
	run.cancel(ErrPrimaryUp)

	v := waitAborted(t, m)
	assert.Equal(t, "primary-up", v.FailoverError)
	assert.Equal(t, c.primary.RPCAddr(), v.Addr)
	assert.Equal(t, []*node.Node{c.primary}, primaries(c.nodes))
}
