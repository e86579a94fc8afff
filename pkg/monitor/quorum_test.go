package monitor

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-kv/pkg/events"
)

// quiet is how long a cluster that must not fail over is watched. It
// covers detection, the start delay, one election and a promotion.
const quiet = 2 * time.Second

// switchedAway reports whether any of monitors adopted a primary other
// than the original one, or announced a switch.
func (c *cluster) switchedAway(monitors []*Monitor) bool {
	for _, m := range monitors {
		a, err := m.GetMasterAddrByName(masterName)
		if err != nil || a.Addr != c.primary.RPCAddr() || a.Epoch != 0 {
			return true
		}
		for _, e := range m.Events().Recent(masterName, 0, 1000) {
			if e.Type == events.SwitchMaster {
				return true
			}
		}
	}
	return len(primaries(c.nodes[1:])) != 0
}

// agreedOnOne reports whether monitors agree on one new primary and it is
// the only promoted secondary.
func (c *cluster) agreedOnOne(monitors []*Monitor) bool {
	promoted := primaries(c.nodes[1:])
	if len(promoted) != 1 {
		return false
	}
	for _, m := range monitors {
		a, err := m.GetMasterAddrByName(masterName)
		if err != nil || a.Addr != promoted[0].RPCAddr() || a.Epoch != promoted[0].Role().RoleEpoch() {
			return false
		}
	}
	return true
}

func eventually(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

// failoverWithReachable kills the primary of a cluster of n monitors with
// quorum q, where only the first r monitors can talk to each other. It
// reports whether the outcome matches what r allows.
func failoverWithReachable(t *testing.T, n, q, r int) bool {
	c := startCluster(t, 2, n, func(cfg *Config) { cfg.Masters[0].Quorum = q })
	defer c.stop()
	for i := r; i < n; i++ {
		c.isolate(i)
	}
	c.primary.Stop()

	need := requiredVotes(q, n)
	if r < need {
		if eventually(quiet, func() bool { return c.switchedAway(c.monitors) }) {
			t.Logf("n=%d q=%d reachable=%d: switched with %d of %d needed votes", n, q, r, r, need)
			return false
		}
		return true
	}
	if !eventually(waitFor, func() bool { return c.agreedOnOne(c.monitors[:r]) }) {
		t.Logf("n=%d q=%d reachable=%d: no single new primary", n, q, r)
		return false
	}
	return true
}

func TestQuorumProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a cluster per case")
	}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 8
	parameters.MaxShrinkCount = 4
	properties := gopter.NewProperties(parameters)

	properties.Property("failover needs max(quorum, majority) reachable monitors", prop.ForAll(
		func(n, q, r int) bool {
			return failoverWithReachable(t, n, min(q, n), min(r, n))
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 5),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
