package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/node"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

const (
	waitFor    = 10 * time.Second
	masterName = "main"
)

var errPartitioned = errors.New("partitioned")

// links is one monitor's view of the network. Calls to blocked addresses
// fail at once, like a refused connection.
type links struct {
	inner   rpc.Caller
	mu      sync.Mutex
	blocked map[string]bool
	faults  map[string]func(ctx context.Context) error
}

func newLinks() *links {
	return &links{
		inner:   rpc.NewClient(200*time.Millisecond, nil),
		blocked: map[string]bool{},
		faults:  map[string]func(ctx context.Context) error{},
	}
}

func (l *links) Call(ctx context.Context, addr, method string, req, resp any) error {
	l.mu.Lock()
	blocked := l.blocked[addr]
	fault := l.faults[addr+" "+method]
	l.mu.Unlock()
	if blocked {
		return errPartitioned
	}
	if fault != nil {
		return fault(ctx)
	}
	return l.inner.Call(ctx, addr, method, req, resp)
}

// fail answers every call of method to addr with fn instead of sending it.
func (l *links) fail(addr, method string, fn func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[addr+" "+method] = fn
}

func (l *links) block(addrs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range addrs {
		l.blocked[a] = true
	}
}

func (l *links) heal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.blocked)
}

func nodeConfig(id string) node.Config {
	return node.Config{
		NodeID:            id,
		RPCAddr:           "127.0.0.1:0",
		ReplicationAddr:   "127.0.0.1:0",
		HeartbeatInterval: 20 * time.Millisecond,
		LinkTimeout:       500 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		RPCTimeout:        500 * time.Millisecond,
	}
}

func startKVNode(t *testing.T, cfg node.Config) *node.Node {
	t.Helper()
	n, err := node.New(context.Background(), cfg, logging.NewNopLogger(), metrics.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func monitorConfig(id, primary string) Config {
	return Config{
		ID:                id,
		RPCAddr:           "127.0.0.1:0",
		HeartbeatInterval: 50 * time.Millisecond,
		InfoInterval:      100 * time.Millisecond,
		RPCTimeout:        200 * time.Millisecond,
		PromoteAttempts:   3,
		RewireAttempts:    3,
		Masters: []MasterConfig{{
			Name:            masterName,
			Addr:            primary,
			Quorum:          2,
			DownAfter:       300 * time.Millisecond,
			ElectionTimeout: 500 * time.Millisecond,
			FailoverTimeout: 3 * time.Second,
			RetryDelay:      600 * time.Millisecond,
		}},
	}
}

type cluster struct {
	t        *testing.T
	primary  *node.Node
	nodes    []*node.Node
	monitors []*Monitor
	links    []*links
}

// newCluster starts a primary with secondaries and monitors that know
// each other, and waits until every monitor has discovered every node.
func newCluster(t *testing.T, secondaries, monitors int) *cluster {
	t.Helper()
	return startCluster(t, secondaries, monitors, nil)
}

// startCluster is newCluster with a hook to adjust each monitor's config.
func startCluster(t *testing.T, secondaries, monitors int, configure func(*Config)) *cluster {
	t.Helper()
	c := &cluster{t: t}
	c.primary = startKVNode(t, nodeConfig("n0"))
	c.nodes = append(c.nodes, c.primary)
	for i := 1; i <= secondaries; i++ {
		cfg := nodeConfig(fmt.Sprintf("n%d", i))
		cfg.ReplicaOf = c.primary.RPCAddr()
		c.nodes = append(c.nodes, startKVNode(t, cfg))
	}

	for i := 0; i < monitors; i++ {
		l := newLinks()
		cfg := monitorConfig(fmt.Sprintf("m%d", i), c.primary.RPCAddr())
		if configure != nil {
			configure(&cfg)
		}
		m, err := New(cfg, logging.NewNopLogger(), metrics.NewRegistry(), WithCaller(l))
		require.NoError(t, err)
		require.NoError(t, m.Start())
		t.Cleanup(m.Stop)
		c.monitors = append(c.monitors, m)
		c.links = append(c.links, l)
	}
	for _, a := range c.monitors {
		for _, b := range c.monitors {
			a.AddPeer(b.RPCAddr())
		}
	}

	require.Eventually(t, func() bool {
		for _, m := range c.monitors {
			reps, err := m.Replicas(masterName)
			if err != nil || len(reps) != secondaries {
				return false
			}
		}
		return true
	}, waitFor, 20*time.Millisecond, "monitors must discover every secondary")
	return c
}

// stop shuts the cluster down before the test ends.
func (c *cluster) stop() {
	for _, m := range c.monitors {
		m.Stop()
	}
	for _, n := range c.nodes {
		n.Stop()
	}
}

// isolate cuts monitor i off from every other monitor in both directions.
func (c *cluster) isolate(i int) {
	for j, m := range c.monitors {
		if j == i {
			continue
		}
		c.links[i].block(m.RPCAddr())
		c.links[j].block(c.monitors[i].RPCAddr())
	}
}

// hidePrimary stops every monitor from reaching the primary while it keeps
// serving its secondaries.
func (c *cluster) hidePrimary() {
	for _, l := range c.links {
		l.block(c.primary.RPCAddr())
	}
}

func (c *cluster) nodeAt(addr string) *node.Node {
	for _, n := range c.nodes {
		if n.RPCAddr() == addr {
			return n
		}
	}
	return nil
}

// waitSwitched waits until the given monitors agree on a primary other
// than the original one and returns it.
func (c *cluster) waitSwitched(monitors ...*Monitor) MasterAddr {
	c.t.Helper()
	var agreed MasterAddr
	require.Eventually(c.t, func() bool {
		var first MasterAddr
		for i, m := range monitors {
			a, err := m.GetMasterAddrByName(masterName)
			if err != nil || a.Addr == c.primary.RPCAddr() || a.Epoch == 0 {
				return false
			}
			if i == 0 {
				first = a
			} else if a != first {
				return false
			}
		}
		agreed = first
		return true
	}, waitFor, 20*time.Millisecond, "monitors must agree on a new primary")
	return agreed
}

func (c *cluster) waitFollowing(n *node.Node, primary *node.Node) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		info := n.Info()
		return info.Role == node.RoleSecondary &&
			info.PrimaryAddr == primary.RPCAddr() &&
			info.Link != nil && info.Link.LinkUp &&
			n.Stream().Offset() == primary.Stream().Offset()
	}, waitFor, 20*time.Millisecond, "%s must follow %s", n.ID(), primary.ID())
}

func primaries(nodes []*node.Node) []*node.Node {
	var out []*node.Node
	for _, n := range nodes {
		if n.Role().Kind() == node.RolePrimary {
			out = append(out, n)
		}
	}
	return out
}

func TestFailoverAfterPrimaryDies(t *testing.T) {
	c := newCluster(t, 2, 3)
	for i := 0; i < 20; i++ {
		_, err := c.primary.Set(fmt.Sprintf("k%d", i), "v", 0)
		require.NoError(t, err)
	}
	for _, n := range c.nodes[1:] {
		c.waitFollowing(n, c.primary)
	}

	c.primary.Stop()
	addr := c.waitSwitched(c.monitors...)

	survivors := c.nodes[1:]
	promoted := primaries(survivors)
	require.Len(t, promoted, 1, "exactly one secondary is promoted")
	assert.Equal(t, addr.Addr, promoted[0].RPCAddr())
	assert.Equal(t, addr.Epoch, promoted[0].Role().RoleEpoch())

	for _, n := range survivors {
		if n != promoted[0] {
			c.waitFollowing(n, promoted[0])
			v, ok := n.Get("k7")
			assert.True(t, ok)
			assert.Equal(t, "v", v)
		}
	}

	_, err := promoted[0].Set("after", "1", 0)
	require.NoError(t, err)

	for _, m := range c.monitors {
		v, err := m.Master(masterName)
		require.NoError(t, err)
		assert.Equal(t, addr.Epoch, v.ConfigEpoch)
	}
}

func TestIsolatedMonitorDoesNotBlockFailover(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.isolate(2)

	c.primary.Stop()
	addr := c.waitSwitched(c.monitors[0], c.monitors[1])
	require.Len(t, primaries(c.nodes[1:]), 1)

	// The isolated monitor could neither reach odown nor win an election
	// on its own, so it never started a failover or voted.
	v, err := c.monitors[2].Master(masterName)
	require.NoError(t, err)
	assert.Equal(t, FailoverNone, v.FailoverState)
	votes, err := c.monitors[2].Votes(masterName)
	require.NoError(t, err)
	assert.Empty(t, votes)

	// Once it rejoins it learns the new primary from its peers.
	c.links[2].heal()
	for _, l := range c.links[:2] {
		l.heal()
	}
	require.Eventually(t, func() bool {
		a, err := c.monitors[2].GetMasterAddrByName(masterName)
		return err == nil && a == addr
	}, waitFor, 20*time.Millisecond)
}

func TestPrimaryUnreachableFromOneMonitorOnly(t *testing.T) {
	c := newCluster(t, 2, 3)
	c.links[0].block(c.primary.RPCAddr())

	require.Eventually(t, func() bool {
		v, err := c.monitors[0].Master(masterName)
		return err == nil && v.Status == StatusSubjectivelyDown && v.Condition == ConditionFailoverPending
	}, waitFor, 20*time.Millisecond)
	v, err := c.monitors[1].Master(masterName)
	require.NoError(t, err)
	assert.Equal(t, ConditionOK, v.Condition)

	assert.Never(t, func() bool {
		for _, m := range c.monitors {
			v, err := m.Master(masterName)
			if err != nil || v.Status == StatusObjectivelyDown || v.ConfigEpoch != 0 {
				return true
			}
		}
		return len(primaries(c.nodes)) != 1
	}, time.Second, 50*time.Millisecond, "one monitor alone must not fail the primary over")
}

func TestConcurrentProposalsElectAtMostOneLeader(t *testing.T) {
	c := newCluster(t, 1, 3)

	type result struct {
		epoch uint64
		err   error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			epoch, err := c.monitors[i].ProposeSelf(context.Background(), masterName)
			results[i] = result{epoch, err}
		}()
	}
	wg.Wait()

	// A proposal that reaches the other proposer first pushes it to the
	// next epoch, so the two may run at different epochs. Within one epoch
	// there is at most one winner.
	winners := map[uint64]int{}
	for _, r := range results {
		require.GreaterOrEqual(t, r.epoch, uint64(1))
		if r.err == nil {
			winners[r.epoch]++
		} else {
			assert.ErrorIs(t, r.err, ErrElectionLost)
		}
	}
	for epoch, n := range winners {
		assert.Equal(t, 1, n, "winners at epoch %d", epoch)
	}

	votes, err := c.monitors[2].Votes(masterName)
	require.NoError(t, err)
	seen := map[uint64]bool{}
	for _, v := range votes {
		assert.False(t, seen[v.Epoch], "the third monitor voted twice at epoch %d", v.Epoch)
		seen[v.Epoch] = true
	}

	// No election here touches the nodes.
	assert.Equal(t, []*node.Node{c.primary}, primaries(c.nodes))
}

func TestReturningPrimaryIsConverted(t *testing.T) {
	c := newCluster(t, 2, 3)
	_, err := c.primary.Set("before", "1", 0)
	require.NoError(t, err)
	for _, n := range c.nodes[1:] {
		c.waitFollowing(n, c.primary)
	}

	c.hidePrimary()
	addr := c.waitSwitched(c.monitors...)
	promoted := c.nodeAt(addr.Addr)
	require.NotNil(t, promoted)

	// Still a primary on its side of the partition; these writes are lost.
	_, err = c.primary.Set("lost", "1", 0)
	require.NoError(t, err)

	for _, l := range c.links {
		l.heal()
	}
	c.waitFollowing(c.primary, promoted)
	assert.Equal(t, addr.Epoch, c.primary.Role().RoleEpoch())

	_, ok := c.primary.Get("lost")
	assert.False(t, ok, "writes accepted under the old epoch are discarded")
	v, ok := c.primary.Get("before")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Len(t, primaries(c.nodes), 1)
}

func TestManualFailover(t *testing.T) {
	c := newCluster(t, 2, 3)
	for _, n := range c.nodes[1:] {
		c.waitFollowing(n, c.primary)
	}

	require.NoError(t, c.monitors[0].Failover(masterName))
	addr := c.waitSwitched(c.monitors...)
	promoted := c.nodeAt(addr.Addr)
	require.NotNil(t, promoted)

	// The old primary was up, so it is rewired as well.
	c.waitFollowing(c.primary, promoted)
	for _, n := range c.nodes[1:] {
		if n != promoted {
			c.waitFollowing(n, promoted)
		}
	}

	require.Eventually(t, func() bool {
		v, err := c.monitors[0].Master(masterName)
		return err == nil && v.FailoverState == FailoverDone && v.FailoverEpoch == addr.Epoch
	}, waitFor, 20*time.Millisecond)

	assert.ErrorIs(t, c.monitors[0].Failover("nope"), ErrUnknownMaster)
}

func TestFailoverInProgress(t *testing.T) {
	c := newCluster(t, 1, 1)
	m := c.monitors[0]
	ms, err := m.master(masterName)
	require.NoError(t, err)

	ms.mu.Lock()
	ms.failover = &failoverRun{state: FailoverElection, cancel: func(error) {}}
	ms.mu.Unlock()
	assert.ErrorIs(t, m.Failover(masterName), ErrFailoverInProgress)

	v, err := m.Master(masterName)
	require.NoError(t, err)
	assert.Equal(t, FailoverElection, v.FailoverState)
	assert.Equal(t, ConditionFailoverInProgress, v.Condition)
}

func TestCKQuorum(t *testing.T) {
	c := newCluster(t, 1, 3)
	m := c.monitors[0]

	require.Eventually(t, func() bool {
		r, err := m.CKQuorum(masterName)
		return err == nil && r.OK && r.Usable == 3
	}, waitFor, 20*time.Millisecond)
	v, err := m.Master(masterName)
	require.NoError(t, err)
	assert.Equal(t, ConditionOK, v.Condition)

	c.isolate(0)
	require.Eventually(t, func() bool {
		r, err := m.CKQuorum(masterName)
		return errors.Is(err, ErrNoQuorum) && !r.OK && r.Usable == 1
	}, waitFor, 20*time.Millisecond)
	r, _ := m.CKQuorum(masterName)
	assert.Contains(t, r.Message, string(ConditionNoFailover))
	v, err = m.Master(masterName)
	require.NoError(t, err)
	assert.Equal(t, ConditionNoFailover, v.Condition)

	_, err = m.CKQuorum("nope")
	assert.ErrorIs(t, err, ErrUnknownMaster)
}

func TestCondition(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		primary Status
		quorum  error
		want    Condition
	}{
		{"healthy", false, StatusUp, nil, ConditionOK},
		{"subjectively down", false, StatusSubjectivelyDown, nil, ConditionFailoverPending},
		{"objectively down between runs", false, StatusObjectivelyDown, nil, ConditionFailoverPending},
		{"run active", true, StatusObjectivelyDown, nil, ConditionFailoverInProgress},
		{"no quorum", false, StatusObjectivelyDown, ErrNoQuorum, ConditionNoFailover},
		{"no majority with primary up", false, StatusUp, ErrNoMajority, ConditionNoFailover},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, condition(tt.running, tt.primary, tt.quorum))
		})
	}
}

func TestRequiredVotesIgnoresLowQuorum(t *testing.T) {
	tests := []struct {
		quorum, monitors, want int
	}{
		{1, 1, 1},
		{1, 3, 2},
		{2, 3, 2},
		{3, 3, 3},
		{2, 5, 3},
		{4, 5, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requiredVotes(tt.quorum, tt.monitors), "quorum %d of %d", tt.quorum, tt.monitors)
	}
}
