package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/node"
)

// watch starts the heartbeat loop for addr unless one is already running.
// It reports whether addr was new.
func (m *Monitor) watch(ms *master, addr string) bool {
	if addr == "" {
		return false
	}
	ms.mu.Lock()
	if _, ok := ms.nodes[addr]; ok {
		ms.mu.Unlock()
		return false
	}
	ms.nodes[addr] = &NodeView{Addr: addr, Role: RoleUnreachable, LastReply: time.Now()}
	replicas := len(ms.nodes) - 1
	ms.mu.Unlock()

	m.metrics.MonitorKnownReplicas.WithLabelValues(ms.cfg.Name).Set(float64(replicas))
	m.spawn(func() { m.nodeLoop(ms, addr) })
	return true
}

// nodeLoop pings one node every heartbeat and refreshes its info less
// often. Whether the node is the primary is decided on every pass, so the
// same loop keeps running across failovers.
func (m *Monitor) nodeLoop(ms *master, addr string) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var lastInfo time.Time
	for {
		m.ping(ms, addr)
		if time.Since(lastInfo) >= m.cfg.InfoInterval {
			m.refreshInfo(ms, addr)
			lastInfo = time.Now()
		}
		m.check(ms, addr)

		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) ping(ms *master, addr string) {
	ms.mu.Lock()
	epoch := ms.configEpoch
	ms.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
	resp, err := m.nodes.Ping(ctx, addr, node.PingRequest{From: m.id, Epoch: epoch})
	cancel()
	if err != nil {
		m.logger.Debug("ping failed", logging.Master(ms.cfg.Name), logging.Peer(addr), logging.Error(err))
		return
	}
	m.markReply(ms, addr, func(v *NodeView) {
		v.NodeID, v.RunID = resp.NodeID, resp.RunID
		v.Role = NodeRole(resp.Role)
		v.Epoch = resp.Epoch
		v.Offset = resp.Offset
	})
}

// markReply records a valid reply from addr. A node that was down is up
// again, and an automatic failover of a primary that came back is
// cancelled unless a secondary was already promoted.
func (m *Monitor) markReply(ms *master, addr string, update func(*NodeView)) {
	ms.mu.Lock()
	v, ok := ms.nodes[addr]
	if !ok {
		ms.mu.Unlock()
		return
	}
	prev := v.Status
	v.Status = StatusUp
	v.LastReply = time.Now()
	v.DownSince = time.Time{}
	update(v)

	isPrimary := addr == ms.addr
	var cancelRun context.CancelCauseFunc
	if prev.Down() && isPrimary && ms.failover != nil && ms.failover.auto && !ms.failover.promoted {
		cancelRun = ms.failover.cancel
	}
	epoch := ms.currentEpoch
	ms.mu.Unlock()

	if prev.Down() {
		if prev == StatusObjectivelyDown {
			m.publish(ms.cfg.Name, events.ODownCleared, addr, epoch, "")
		}
		m.publish(ms.cfg.Name, events.SDownCleared, addr, epoch, "")
		if isPrimary {
			m.metrics.MonitorMasterStatus.WithLabelValues(ms.cfg.Name).Set(float64(StatusUp))
		}
	}
	if cancelRun != nil {
		cancelRun(ErrPrimaryUp)
	}
}

// check moves a silent node to subjectively down and, for the primary,
// asks the peers whether it is objectively down.
func (m *Monitor) check(ms *master, addr string) {
	ms.mu.Lock()
	v, ok := ms.nodes[addr]
	if !ok {
		ms.mu.Unlock()
		return
	}
	becameDown := false
	if v.Status == StatusUp && time.Since(v.LastReply) > ms.cfg.DownAfter {
		v.Status = StatusSubjectivelyDown
		v.Role = RoleUnreachable
		v.DownSince = time.Now()
		becameDown = true
	}
	down := v.Status.Down()
	isPrimary := addr == ms.addr
	epoch := ms.currentEpoch
	ms.mu.Unlock()

	if becameDown {
		m.publish(ms.cfg.Name, events.SDown, addr, epoch, "")
		if isPrimary {
			m.metrics.MonitorMasterStatus.WithLabelValues(ms.cfg.Name).Set(float64(StatusSubjectivelyDown))
		}
	}
	if isPrimary && down {
		m.checkObjectivelyDown(ms, addr)
	}
}

// checkObjectivelyDown counts the peers that also see the primary down.
// Peers that do not answer in time do not agree, so a monitor that is cut
// off from its peers never gets past subjectively down.
func (m *Monitor) checkObjectivelyDown(ms *master, addr string) {
	ms.mu.Lock()
	epoch, quorum := ms.currentEpoch, ms.cfg.Quorum
	ms.mu.Unlock()

	agree := 1 + m.askPeers(ms, addr, epoch)

	ms.mu.Lock()
	v, ok := ms.nodes[addr]
	if !ok || addr != ms.addr || !v.Status.Down() {
		ms.mu.Unlock()
		return
	}
	prev := v.Status
	if agree >= quorum {
		v.Status = StatusObjectivelyDown
	} else {
		v.Status = StatusSubjectivelyDown
	}
	odown := v.Status == StatusObjectivelyDown
	start := odown && ms.failover == nil && !time.Now().Before(ms.nextAttempt)
	ms.mu.Unlock()

	switch {
	case odown && prev != StatusObjectivelyDown:
		m.publish(ms.cfg.Name, events.ODown, addr, epoch, fmt.Sprintf("#quorum %d/%d", agree, quorum))
		m.metrics.MonitorMasterStatus.WithLabelValues(ms.cfg.Name).Set(float64(StatusObjectivelyDown))
	case !odown && prev == StatusObjectivelyDown:
		m.publish(ms.cfg.Name, events.ODownCleared, addr, epoch, fmt.Sprintf("#quorum %d/%d", agree, quorum))
		m.metrics.MonitorMasterStatus.WithLabelValues(ms.cfg.Name).Set(float64(StatusSubjectivelyDown))
	}
	if start {
		if err := m.startFailover(ms, true); err != nil {
			m.logger.Debug("failover not started", logging.Master(ms.cfg.Name), logging.Error(err))
		}
	}
}

// askPeers queries every known peer in parallel and returns how many of
// them consider the primary at addr down.
func (m *Monitor) askPeers(ms *master, addr string, epoch uint64) int {
	var agree atomic.Int32
	var g errgroup.Group
	for _, p := range m.peerAddrs() {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
			defer cancel()
			resp, err := m.peerRPC.IsPrimaryDown(ctx, p, IsPrimaryDownRequest{
				Master: ms.cfg.Name,
				Addr:   addr,
				Epoch:  epoch,
				From:   m.id,
			})
			switch {
			case err != nil:
				m.metrics.MonitorPeerQueriesTotal.WithLabelValues("error").Inc()
			case resp.Down:
				agree.Add(1)
				m.metrics.MonitorPeerQueriesTotal.WithLabelValues("agree").Inc()
			default:
				m.metrics.MonitorPeerQueriesTotal.WithLabelValues("disagree").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(agree.Load())
}

// refreshInfo pulls a node's replication state, discovers secondaries
// from the primary and fixes nodes that disagree with the configuration.
func (m *Monitor) refreshInfo(ms *master, addr string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
	info, err := m.nodes.Info(ctx, addr)
	cancel()
	if err != nil {
		m.logger.Debug("info failed", logging.Master(ms.cfg.Name), logging.Peer(addr), logging.Error(err))
		return
	}
	m.markReply(ms, addr, func(v *NodeView) {
		v.NodeID, v.RunID = info.NodeID, info.RunID
		v.Role = NodeRole(info.Role)
		v.Epoch = info.Epoch
		v.Lineage = info.Position.Lineage.String()
		v.Offset = info.Position.Offset
		v.Priority = info.Priority
		v.ReplicationAddr = info.ReplicationAddr
		v.PrimaryAddr = info.PrimaryAddr
		v.LinkUp, v.Lag = false, 0
		if info.Link != nil {
			v.LinkUp, v.Lag = info.Link.LinkUp, info.Link.Lag
		}
		v.LastInfo = time.Now()
	})

	ms.mu.Lock()
	ms.currentEpoch = max(ms.currentEpoch, info.HighestEpoch)
	primary, epoch := ms.addr, ms.configEpoch
	if addr == primary && info.Role == node.RolePrimary && info.Epoch > epoch {
		// Started against a primary promoted before this monitor ran.
		ms.configEpoch, epoch = info.Epoch, info.Epoch
		m.metrics.SetConfigEpoch(ms.cfg.Name, epoch)
	}
	ms.mu.Unlock()

	if addr == primary {
		switch info.Role {
		case node.RolePrimary:
			for _, r := range info.Replicas {
				if m.watch(ms, r.Addr) {
					m.publish(ms.cfg.Name, events.NewReplica, r.Addr, epoch, "")
				}
			}
		case node.RoleSecondary:
			// The configured primary follows someone under a newer epoch;
			// watch that node so its info can be adopted.
			if info.PrimaryAddr != "" && info.HighestEpoch > epoch {
				m.watch(ms, info.PrimaryAddr)
			}
		}
		return
	}
	m.reconcile(ms, addr, info)
}

// reconcile brings a node in line with this monitor's configuration. A
// primary under a newer epoch is adopted; a stale primary or a secondary
// following the wrong node is pointed at the configured primary.
func (m *Monitor) reconcile(ms *master, addr string, info node.Info) {
	ms.mu.Lock()
	primary, epoch := ms.addr, ms.configEpoch
	busy := ms.failover != nil
	var primaryUp bool
	var primaryRepl string
	if pv, ok := ms.nodes[primary]; ok {
		primaryUp, primaryRepl = pv.Status == StatusUp, pv.ReplicationAddr
	}
	ms.mu.Unlock()
	if busy {
		return
	}

	var ev events.Type
	switch {
	case info.Role == node.RolePrimary && info.Epoch > epoch:
		m.switchMaster(ms, addr, info.Epoch, "discovered")
		return
	case !primaryUp:
		return
	case info.Role == node.RolePrimary:
		ev = events.ConvertToReplica
	case info.PrimaryAddr != primary:
		ev = events.FixReplicaConfig
	default:
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
	defer cancel()
	_, err := m.nodes.ReplicaOf(ctx, addr, node.ReplicaOfRequest{
		Primary:         primary,
		ReplicationAddr: primaryRepl,
		Epoch:           epoch,
		From:            m.id,
	})
	if err != nil {
		m.logger.Warn("reconfigure failed",
			logging.Master(ms.cfg.Name), logging.Peer(addr), logging.Epoch(epoch), logging.Error(err))
		return
	}
	m.publish(ms.cfg.Name, ev, addr, epoch, "-> "+primary)
}
