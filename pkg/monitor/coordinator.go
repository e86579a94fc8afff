package monitor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/node"
	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

// failoverRun is one attempt to replace a master's primary. Its fields are
// guarded by the master's mutex.
type failoverRun struct {
	epoch     uint64
	state     FailoverState
	auto      bool
	promoted  bool
	started   time.Time
	candidate string
	reason    string
	cancel    context.CancelCauseFunc
}

// RankFunc orders failover candidates, best first. It only sees live
// secondaries that may be promoted.
type RankFunc func(candidates []NodeView) []NodeView

func rankPolicy(name string) RankFunc {
	if name == RankByPriority {
		return RankCandidatesByPriority
	}
	return RankCandidatesByLag
}

// RankCandidatesByLag prefers the secondary that is furthest along, then
// the lowest node id.
func RankCandidatesByLag(candidates []NodeView) []NodeView {
	out := slices.Clone(candidates)
	top := highestOffset(out)
	slices.SortStableFunc(out, func(a, b NodeView) int {
		if c := cmp.Compare(top-a.Offset, top-b.Offset); c != 0 {
			return c
		}
		return cmp.Compare(nodeKey(a), nodeKey(b))
	})
	return out
}

// RankCandidatesByPriority orders by configured priority, lower first, and
// breaks ties like RankCandidatesByLag.
func RankCandidatesByPriority(candidates []NodeView) []NodeView {
	out := RankCandidatesByLag(candidates)
	slices.SortStableFunc(out, func(a, b NodeView) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return out
}

func highestOffset(views []NodeView) uint64 {
	var top uint64
	for _, v := range views {
		top = max(top, v.Offset)
	}
	return top
}

func nodeKey(v NodeView) string {
	if v.NodeID != "" {
		return v.NodeID
	}
	return v.Addr
}

// Failover starts a failover of master without waiting for the primary to
// be objectively down. It still needs to win an election, so it never
// promotes two nodes under one epoch.
func (m *Monitor) Failover(name string) error {
	ms, err := m.master(name)
	if err != nil {
		return err
	}
	return m.startFailover(ms, false)
}

func (m *Monitor) startFailover(ms *master, auto bool) error {
	ctx, cancel := context.WithCancelCause(m.ctx)

	ms.mu.Lock()
	if ms.failover != nil {
		ms.mu.Unlock()
		cancel(nil)
		return ErrFailoverInProgress
	}
	run := &failoverRun{state: FailoverElection, auto: auto, started: time.Now(), cancel: cancel}
	ms.failover = run
	ms.mu.Unlock()

	if !m.spawn(func() { m.runFailover(ctx, ms, run) }) {
		m.abort(ms, run, context.Canceled)
		return context.Canceled
	}
	return nil
}

// runFailover walks election, select, promote, rewire and announce.
// Cancellation is checked between steps; once a secondary accepted the
// promotion the run can no longer be cancelled and always announces.
func (m *Monitor) runFailover(ctx context.Context, ms *master, run *failoverRun) {
	defer run.cancel(nil)
	name := ms.cfg.Name

	ctx, cancel := context.WithTimeout(ctx, ms.cfg.FailoverTimeout)
	defer cancel()

	if run.auto {
		// Monitors usually see the primary fail together. Waiting a random
		// part of the election timeout lets one of them ask first, and the
		// others vote for it instead of splitting the votes.
		select {
		case <-ctx.Done():
			m.abort(ms, run, context.Cause(ctx))
			return
		case <-time.After(startDelay(ms.cfg.ElectionTimeout)):
		}
	}

	epoch, err := m.proposeSelf(ctx, ms)
	ms.mu.Lock()
	run.epoch = epoch
	ms.mu.Unlock()
	if err != nil {
		// A run cancelled mid-election reports why it was cancelled, not
		// that the votes never arrived.
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		m.abort(ms, run, err)
		return
	}

	timer := logging.StartTimer(m.logger, "failover", logging.Master(name), logging.Epoch(epoch))
	if err := m.advance(ctx, ms, run, FailoverSelect); err != nil {
		m.abort(ms, run, err)
		return
	}
	candidates := m.candidates(ctx, ms)
	if len(candidates) == 0 {
		m.abort(ms, run, ErrNoCandidate)
		return
	}

	if err := m.advance(ctx, ms, run, FailoverPromote); err != nil {
		m.abort(ms, run, err)
		return
	}
	chosen, err := m.promote(ctx, ms, run, candidates, epoch)
	if err != nil {
		m.abort(ms, run, err)
		return
	}

	// Past the point of no return.
	ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), ms.cfg.FailoverTimeout)
	defer cancel()

	m.advance(ctx, ms, run, FailoverRewire)
	m.rewireAll(ctx, ms, chosen, epoch)

	m.advance(ctx, ms, run, FailoverAnnounce)
	if !m.switchMaster(ms, chosen.Addr, epoch, "failover") {
		m.abort(ms, run, ErrSuperseded)
		return
	}
	m.announce(ctx, ms)

	ms.mu.Lock()
	run.state = FailoverDone
	ms.failover, ms.last = nil, run
	ms.mu.Unlock()

	m.publish(name, events.FailoverEnd, chosen.Addr, epoch, "")
	m.metrics.RecordFailover(name, "done", time.Since(run.started))
	timer.End(logging.Peer(chosen.Addr))
}

// advance moves run to next unless the run was cancelled.
func (m *Monitor) advance(ctx context.Context, ms *master, run *failoverRun, next FailoverState) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	ms.mu.Lock()
	run.state = next
	epoch := run.epoch
	ms.mu.Unlock()
	m.publish(ms.cfg.Name, events.FailoverState, "", epoch, string(next))
	return nil
}

func (m *Monitor) abort(ms *master, run *failoverRun, cause error) {
	reason := abortReason(cause)

	ms.mu.Lock()
	run.state = FailoverAbort
	run.reason = reason
	if ms.failover == run {
		ms.failover = nil
	}
	ms.last = run
	ms.nextAttempt = time.Now().Add(retryDelay(ms.cfg.RetryDelay))
	epoch := run.epoch
	ms.mu.Unlock()

	m.publish(ms.cfg.Name, events.FailoverAbort, "", epoch, reason)
	m.metrics.RecordFailover(ms.cfg.Name, "aborted", time.Since(run.started))
	m.logger.Warn("failover aborted",
		logging.Master(ms.cfg.Name), logging.Epoch(epoch), logging.String("reason", reason), logging.Error(cause))
}

func startDelay(electionTimeout time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(electionTimeout)/2 + 1))
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, ErrElectionLost):
		return "not-elected"
	case errors.Is(err, ErrPrimaryUp):
		return "primary-up"
	case errors.Is(err, ErrLeadershipLost):
		return "leadership-lost"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrNoCandidate):
		return "no-good-slave"
	case errors.Is(err, ErrPromoteUnconfirmed):
		return "promote-unconfirmed"
	case errors.Is(err, ErrStaleEpoch):
		return "stale-epoch"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "canceled"
	}
}

// candidates asks every live secondary for fresh info and ranks those that
// answer and may be promoted.
func (m *Monitor) candidates(ctx context.Context, ms *master) []NodeView {
	ms.mu.Lock()
	primary := ms.addr
	var addrs []string
	for addr, v := range ms.nodes {
		if addr != primary && v.Status == StatusUp {
			addrs = append(addrs, addr)
		}
	}
	rank := ms.rank
	ms.mu.Unlock()

	var (
		mu  sync.Mutex
		out []NodeView
		g   errgroup.Group
	)
	for _, addr := range addrs {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
			info, err := m.nodes.Info(cctx, addr)
			cancel()
			if err != nil || info.Role != node.RoleSecondary || info.Priority <= 0 {
				return nil
			}
			v := NodeView{
				Addr:            addr,
				NodeID:          info.NodeID,
				RunID:           info.RunID,
				Role:            RoleSecondary,
				Status:          StatusUp,
				Epoch:           info.Epoch,
				Lineage:         info.Position.Lineage.String(),
				Offset:          info.Position.Offset,
				Priority:        info.Priority,
				ReplicationAddr: info.ReplicationAddr,
				PrimaryAddr:     info.PrimaryAddr,
				LastInfo:        time.Now(),
			}
			if info.Link != nil {
				v.LinkUp, v.Lag = info.Link.LinkUp, info.Link.Lag
			}
			mu.Lock()
			out = append(out, v)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rank(out)
}

// promote tries candidates in rank order. A candidate that does not answer
// is asked again with backoff, up to PromoteAttempts times. It may still
// have promoted itself, so it is then fenced at the epoch before the next
// one is tried; if the fence is not acknowledged either, the epoch is
// abandoned. A candidate that has seen a newer epoch ends the run.
func (m *Monitor) promote(ctx context.Context, ms *master, run *failoverRun, candidates []NodeView, epoch uint64) (NodeView, error) {
	name := ms.cfg.Name
	for _, c := range candidates {
		if err := context.Cause(ctx); err != nil {
			return NodeView{}, err
		}
		ms.mu.Lock()
		run.candidate = c.Addr
		ms.mu.Unlock()
		m.publish(name, events.SelectedReplica, c.Addr, epoch, fmt.Sprintf("offset %d", c.Offset))

		err := m.promoteOne(ctx, c.Addr, epoch)
		if err == nil {
			ms.mu.Lock()
			run.promoted = true
			ms.mu.Unlock()
			m.publish(name, events.PromotedReplica, c.Addr, epoch, "")
			return c, nil
		}
		if cause := context.Cause(ctx); cause != nil && rpc.CodeOf(err) == "" {
			if ferr := m.fenceCandidate(ctx, ms, c.Addr, epoch, cause); ferr != nil {
				return NodeView{}, ferr
			}
			return NodeView{}, cause
		}

		var re *rpc.Error
		if errors.As(err, &re) {
			if newer := refusedEpoch(re, epoch); newer > epoch {
				m.observeEpoch(ms, newer)
				return NodeView{}, fmt.Errorf("%w: %s at epoch %d, ours %d", ErrStaleEpoch, c.Addr, newer, epoch)
			}
			m.logger.Warn("candidate refused promotion",
				logging.Master(name), logging.Peer(c.Addr), logging.Epoch(epoch), logging.Error(err))
			continue
		}

		if ferr := m.fenceCandidate(ctx, ms, c.Addr, epoch, err); ferr != nil {
			return NodeView{}, ferr
		}
	}
	return NodeView{}, ErrNoCandidate
}

// promoteOne sends PROMOTE to addr until it is answered, the attempts run
// out or ctx ends. Promote is idempotent per epoch.
func (m *Monitor) promoteOne(ctx context.Context, addr string, epoch uint64) error {
	backoff := replication.NewBackoff(m.cfg.HeartbeatInterval, 8*m.cfg.HeartbeatInterval)
	req := node.PromoteRequest{Epoch: epoch, Leader: m.id}
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		_, err := m.nodes.Promote(cctx, addr, req)
		cancel()
		if err == nil || rpc.CodeOf(err) != "" || attempt >= m.cfg.PromoteAttempts {
			return err
		}
		m.logger.Debug("promote unanswered, retrying",
			logging.Peer(addr), logging.Epoch(epoch), logging.Int("attempt", attempt), logging.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff.Next()):
		}
	}
}

// fenceCandidate fences addr at epoch after a promotion that was never
// answered. It returns ErrPromoteUnconfirmed when the fence fails too.
func (m *Monitor) fenceCandidate(ctx context.Context, ms *master, addr string, epoch uint64, cause error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RPCTimeout)
	_, err := m.nodes.Fence(fctx, addr, node.FenceRequest{Epoch: epoch, From: m.id})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPromoteUnconfirmed, addr, err)
	}
	m.logger.Warn("promotion unanswered, candidate fenced",
		logging.Master(ms.cfg.Name), logging.Peer(addr), logging.Epoch(epoch), logging.Error(cause))
	return nil
}

// refusedEpoch returns the newer epoch a refusal reports, or 0 when the
// refusal is not about epochs.
func refusedEpoch(re *rpc.Error, epoch uint64) uint64 {
	switch re.Code {
	case rpc.CodeStaleEpoch:
		return max(re.Epoch, epoch+1)
	case rpc.CodeFenced:
		if re.Epoch > epoch {
			return re.Epoch
		}
	}
	return 0
}

// rewireAll points every other live node at the new primary, at most
// ParallelSyncs at a time. Nodes that cannot be reached are left to
// reconciliation.
func (m *Monitor) rewireAll(ctx context.Context, ms *master, primary NodeView, epoch uint64) {
	ms.mu.Lock()
	var addrs []string
	for addr, v := range ms.nodes {
		if addr != primary.Addr && v.Status == StatusUp {
			addrs = append(addrs, addr)
		}
	}
	ms.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(ms.cfg.ParallelSyncs)
	for _, addr := range addrs {
		g.Go(func() error {
			m.rewire(ctx, ms, addr, primary, epoch)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) rewire(ctx context.Context, ms *master, addr string, primary NodeView, epoch uint64) {
	backoff := replication.NewBackoff(m.cfg.HeartbeatInterval, 8*m.cfg.HeartbeatInterval)
	req := node.ReplicaOfRequest{
		Primary:         primary.Addr,
		ReplicationAddr: primary.ReplicationAddr,
		Epoch:           epoch,
		From:            m.id,
	}
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		_, err := m.nodes.ReplicaOf(cctx, addr, req)
		cancel()
		if err == nil {
			m.publish(ms.cfg.Name, events.ReplicaReconf, addr, epoch, "-> "+primary.Addr)
			return
		}
		if attempt >= m.cfg.RewireAttempts || errors.Is(err, rpc.ErrStaleEpoch) {
			m.logger.Warn("rewire failed",
				logging.Master(ms.cfg.Name), logging.Peer(addr), logging.Epoch(epoch),
				logging.Int("attempts", attempt), logging.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}
	}
}

// switchMaster adopts addr as the primary under epoch if epoch is newer
// than the current configuration. An unpromoted failover of an older epoch
// is cancelled.
func (m *Monitor) switchMaster(ms *master, addr string, epoch uint64, cause string) bool {
	ms.mu.Lock()
	if epoch <= ms.configEpoch || addr == "" {
		ms.mu.Unlock()
		return false
	}
	old := ms.addr
	ms.addr, ms.configEpoch = addr, epoch
	ms.currentEpoch = max(ms.currentEpoch, epoch)
	if v, ok := ms.nodes[old]; ok && v.Status == StatusObjectivelyDown {
		v.Status = StatusSubjectivelyDown
	}
	status := StatusUp
	if v, ok := ms.nodes[addr]; ok {
		status = v.Status
	}
	var cancelRun context.CancelCauseFunc
	if run := ms.failover; run != nil && run.epoch < epoch && !run.promoted {
		cancelRun = run.cancel
	}
	ms.mu.Unlock()

	m.watch(ms, addr)
	if cancelRun != nil {
		cancelRun(ErrSuperseded)
	}
	m.metrics.SetConfigEpoch(ms.cfg.Name, epoch)
	m.metrics.MonitorMasterStatus.WithLabelValues(ms.cfg.Name).Set(float64(status))
	m.publish(ms.cfg.Name, events.SwitchMaster, addr, epoch, fmt.Sprintf("%s -> %s (%s)", old, addr, cause))
	return true
}

// announce tells every peer about the current configuration, over RPC and
// hello gossip.
func (m *Monitor) announce(ctx context.Context, ms *master) {
	ms.mu.Lock()
	req := AnnounceRequest{Master: ms.cfg.Name, Addr: ms.addr, Epoch: ms.configEpoch, From: m.id}
	ms.mu.Unlock()

	var g errgroup.Group
	for _, p := range m.peerAddrs() {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
			defer cancel()
			if _, err := m.peerRPC.Announce(cctx, p, req); err != nil {
				m.logger.Debug("announce failed", logging.Master(req.Master), logging.Peer(p), logging.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if m.gossip != nil {
		m.gossip.publishMaster(ms)
	}
}
