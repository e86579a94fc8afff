// Package node implements a data server: a key-value engine behind a
// replication stream, which serves as primary or secondary as instructed by
// monitors and fences itself on any sign of a newer configuration epoch.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-kv/pkg/auth"
	"github.com/dd0wney/cluso-kv/pkg/checkpoint"
	"github.com/dd0wney/cluso-kv/pkg/engine"
	"github.com/dd0wney/cluso-kv/pkg/health"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
	"github.com/dd0wney/cluso-kv/pkg/server"
)

// Node is one member of a replication group.
type Node struct {
	cfg     Config
	id      string
	runID   string
	started time.Time

	engine *engine.MemoryEngine
	stream *replication.Stream
	repl   *replication.Server
	rpc    *rpc.Server
	http   *server.GracefulServer
	health *health.HealthChecker
	peers  *Client
	auth   *auth.Authenticator
	store  checkpoint.Store

	// transitionMu serializes role changes. mu guards the fields below and
	// is held for reading across every write so that a demotion cannot
	// interleave with one.
	transitionMu  sync.Mutex
	mu            sync.RWMutex
	role          Role
	agent         *replication.Agent
	highestEpoch  uint64
	fencedEpoch   uint64
	promotedEpoch uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger  logging.Logger
	metrics *metrics.Registry
}

// New builds a node and restores its last checkpoint, if any. Nothing
// listens until Start.
func New(ctx context.Context, cfg Config, logger logging.Logger, reg *metrics.Registry) (*Node, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrDefault(logger)
	reg = metrics.OrDefault(reg)

	n := &Node{
		cfg:     cfg,
		id:      cfg.NodeID,
		runID:   uuid.NewString(),
		started: time.Now(),
		engine:  engine.NewMemoryEngine(),
		stopCh:  make(chan struct{}),
		metrics: reg,
	}

	var err error
	if n.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	pos := replication.Position{Lineage: replication.NewLineage(0)}
	if n.store != nil {
		restored, err := n.restore(ctx, logger)
		if err != nil {
			return nil, err
		}
		if restored != nil {
			pos = *restored
		}
	}
	if n.id == "" {
		n.id = uuid.NewString()
	}
	n.logger = logger.With(logging.Component("node"), logging.Node(n.id))

	var verifier replication.TokenVerifier
	if cfg.Secret != "" {
		if n.auth, err = auth.New(cfg.Secret, n.id, 0); err != nil {
			return nil, err
		}
		verifier = n.auth
	}

	n.stream = replication.NewStream(n.engine, pos, replication.StreamConfig{BacklogSize: cfg.BacklogSize}, logger, reg)
	n.repl = replication.NewServer(replication.ServerConfig{
		ListenAddr:        cfg.ReplicationAddr,
		NodeID:            n.id,
		MaxReplicas:       cfg.MaxReplicas,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReplicaTimeout:    cfg.ReplicaTimeout,
	}, n.stream, n, verifier, logger, reg)
	n.rpc = rpc.NewServer(rpc.ServerConfig{ListenAddr: cfg.RPCAddr}, verifier, logger)
	n.peers = NewClient(cfg.RPCTimeout, issuerOrNil(n.auth))
	n.registerHandlers(n.rpc.Router)

	if cfg.ReplicaOf == "" {
		n.role = PrimaryRole{Epoch: n.highestEpoch, Since: time.Now()}
	} else {
		n.role = SecondaryRole{
			Epoch:           n.highestEpoch,
			PrimaryAddr:     cfg.ReplicaOf,
			PrimaryReplAddr: cfg.ReplicaOfReplication,
			Since:           time.Now(),
		}
	}

	n.health = health.NewHealthChecker()
	n.health.RegisterCheck("replication", health.ReplicationCheck(cfg.MaxLagHealthy, n.replicationState))
	n.health.RegisterReadinessCheck("replication", health.ReplicationCheck(cfg.MaxLagHealthy, n.replicationState))
	n.health.RegisterLivenessCheck("engine", health.PingCheck("engine", func() error { return nil }))
	n.health.SetRole(func() string { return string(n.Role().Kind()) })
	if cfg.HTTPAddr != "" {
		n.http = server.NewGracefulServer(server.Config{Addr: cfg.HTTPAddr}, n.httpHandler(), logger)
	}
	return n, nil
}

func issuerOrNil(a *auth.Authenticator) rpc.TokenIssuer {
	if a == nil {
		return nil
	}
	return a
}

// Start opens the listeners and, for a secondary, begins replicating.
func (n *Node) Start() error {
	if err := n.repl.Start(); err != nil {
		return err
	}
	if err := n.rpc.Start(); err != nil {
		n.repl.Stop()
		return err
	}
	if n.http != nil {
		if err := n.http.Start(); err != nil {
			n.rpc.Stop()
			n.repl.Stop()
			return err
		}
	}

	n.mu.Lock()
	if sec, ok := n.role.(SecondaryRole); ok && sec.PrimaryAddr != "" && sec.PrimaryReplAddr == "" {
		n.mu.Unlock()
		n.wg.Add(1)
		go n.resolvePrimary(sec)
	} else {
		n.startAgentLocked()
		n.mu.Unlock()
	}
	n.publishRole("start")

	if n.store != nil && n.cfg.CheckpointInterval > 0 {
		n.wg.Add(1)
		go n.checkpointLoop()
	}
	n.logger.Info("node started",
		logging.RunID(n.runID),
		logging.String("role", string(n.Role().Kind())),
		logging.String("rpc", n.RPCAddr()),
		logging.String("replication", n.ReplicationAddr()),
		logging.Offset(n.stream.Offset()))
	return nil
}

// Stop shuts every listener down and writes a final checkpoint.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()

		n.mu.Lock()
		agent := n.agent
		n.agent = nil
		n.mu.Unlock()
		if agent != nil {
			agent.Stop()
		}
		if n.http != nil {
			n.http.Shutdown()
		}
		n.rpc.Stop()
		n.repl.Stop()

		if n.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := n.SaveCheckpoint(ctx); err != nil {
				n.logger.Error("final checkpoint failed", logging.Error(err))
			}
		}
		n.logger.Info("node stopped")
	})
}

func (n *Node) ID() string    { return n.id }
func (n *Node) RunID() string { return n.runID }

// RPCAddr is the address monitors and peers use for this node.
func (n *Node) RPCAddr() string {
	if n.cfg.AdvertiseRPCAddr != "" {
		return n.cfg.AdvertiseRPCAddr
	}
	return n.rpc.Addr()
}

// ReplicationAddr is where secondaries open their replication link. The
// advertised address wins over the bound one.
func (n *Node) ReplicationAddr() string {
	if n.cfg.AdvertiseReplicationAddr != "" {
		return n.cfg.AdvertiseReplicationAddr
	}
	return n.repl.Addr()
}

// HTTPAddr returns the client API address, or "" when disabled.
func (n *Node) HTTPAddr() string {
	if n.http == nil {
		return ""
	}
	return n.http.Addr()
}

// Role returns the current role. Switch on the concrete type, PrimaryRole
// or SecondaryRole, for the details.
func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// Epochs returns the highest epoch seen and the highest fenced epoch.
func (n *Node) Epochs() (highest, fenced uint64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.highestEpoch, n.fencedEpoch
}

// Stream exposes the node's replication stream.
func (n *Node) Stream() *replication.Stream { return n.stream }

// PrimaryEpoch implements replication.RoleSource.
func (n *Node) PrimaryEpoch() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if p, ok := n.role.(PrimaryRole); ok {
		return p.Epoch, true
	}
	return n.highestEpoch, false
}

// ObserveEpoch records an epoch seen from a peer, replica, monitor or
// client. A primary seeing a higher epoch than its own demotes itself at
// once and waits to be told which primary to follow.
func (n *Node) ObserveEpoch(epoch uint64, source string) {
	n.mu.Lock()
	if epoch <= n.highestEpoch {
		n.mu.Unlock()
		return
	}
	n.highestEpoch = epoch
	p, wasPrimary := n.role.(PrimaryRole)
	demote := wasPrimary && p.Epoch < epoch
	if demote {
		n.role = SecondaryRole{Epoch: epoch, Since: time.Now()}
	}
	n.mu.Unlock()

	n.metrics.NodeEpoch.Set(float64(epoch))
	if demote {
		n.logger.Warn("demoted: higher epoch observed",
			logging.Uint64("own_epoch", p.Epoch), logging.Epoch(epoch), logging.String("source", source))
		n.afterDemotion("higher_epoch")
	}
}

func (n *Node) afterDemotion(cause string) {
	n.stream.CloseSubscribers(replication.ErrNotPrimary)
	n.repl.DropAll("demoted")
	n.metrics.NodeRoleChanges.WithLabelValues(cause).Inc()
	n.publishRole(cause)
}

func (n *Node) publishRole(cause string) {
	role := n.Role()
	n.metrics.SetNodeRole(string(role.Kind()))
	n.metrics.NodeEpoch.Set(float64(role.RoleEpoch()))
	n.logger.Debug("role published", logging.String("role", string(role.Kind())), logging.String("cause", cause))
}

// Promote makes the node primary under epoch. It is idempotent for the
// epoch it already holds and refuses fenced or superseded epochs.
func (n *Node) Promote(req PromoteRequest) (PromoteResponse, error) {
	n.transitionMu.Lock()
	defer n.transitionMu.Unlock()

	n.mu.Lock()
	if err := n.checkPromoteLocked(req.Epoch); err != nil {
		n.mu.Unlock()
		return PromoteResponse{}, err
	}
	if p, ok := n.role.(PrimaryRole); ok && p.Epoch == req.Epoch {
		n.mu.Unlock()
		return PromoteResponse{NodeID: n.id, Epoch: req.Epoch, Position: n.stream.Position()}, nil
	}
	agent := n.agent
	n.agent = nil
	n.mu.Unlock()

	// The link must be fully closed before the stream takes local writes.
	if agent != nil {
		agent.Stop()
	}

	n.mu.Lock()
	if err := n.checkPromoteLocked(req.Epoch); err != nil {
		// Fenced or superseded while the link was closing.
		n.startAgentLocked()
		n.mu.Unlock()
		return PromoteResponse{}, err
	}
	var pos replication.Position
	if _, wasPrimary := n.role.(PrimaryRole); wasPrimary {
		pos = n.stream.Position()
	} else {
		pos = n.stream.Fork(req.Epoch)
	}
	n.role = PrimaryRole{Epoch: req.Epoch, Since: time.Now()}
	n.highestEpoch = max(n.highestEpoch, req.Epoch)
	n.promotedEpoch = req.Epoch
	n.mu.Unlock()

	n.metrics.NodeRoleChanges.WithLabelValues("promote").Inc()
	n.publishRole("promote")
	n.logger.Info("promoted to primary",
		logging.Epoch(req.Epoch),
		logging.String("leader", req.Leader),
		logging.String("lineage", pos.Lineage.String()),
		logging.Offset(pos.Offset))
	return PromoteResponse{NodeID: n.id, Epoch: req.Epoch, Position: pos}, nil
}

func (n *Node) checkPromoteLocked(epoch uint64) error {
	switch {
	case n.cfg.NoPromote:
		return rpc.Errorf(rpc.CodeBadRequest, "node %s is not promotable", n.id)
	case epoch == 0:
		return rpc.Errorf(rpc.CodeBadRequest, "promotion requires an epoch")
	case epoch <= n.fencedEpoch:
		return &rpc.Error{Code: rpc.CodeFenced, Message: fmt.Sprintf("epoch %d is fenced", epoch), Epoch: n.fencedEpoch}
	case epoch < n.highestEpoch:
		return &rpc.Error{Code: rpc.CodeStaleEpoch, Message: fmt.Sprintf("epoch %d superseded", epoch), Epoch: n.highestEpoch}
	}
	if n.promotedEpoch == epoch {
		if p, ok := n.role.(PrimaryRole); !ok || p.Epoch != epoch {
			return &rpc.Error{Code: rpc.CodeStaleEpoch, Message: fmt.Sprintf("already demoted from epoch %d", epoch), Epoch: n.highestEpoch}
		}
	}
	return nil
}

// ReplicaOf points the node at a primary. A primary at a lower epoch is
// demoted; an equal or higher one refuses.
func (n *Node) ReplicaOf(ctx context.Context, req ReplicaOfRequest) (ReplicaOfResponse, error) {
	if req.Primary == "" {
		return ReplicaOfResponse{}, rpc.Errorf(rpc.CodeBadRequest, "primary address required")
	}
	if req.Primary == n.RPCAddr() {
		return ReplicaOfResponse{}, rpc.Errorf(rpc.CodeBadRequest, "cannot replicate from self")
	}
	if req.ReplicationAddr == "" {
		info, err := n.peers.Info(ctx, req.Primary)
		if err != nil {
			return ReplicaOfResponse{}, rpc.Errorf(rpc.CodeUnavailable, "resolve primary %s: %v", req.Primary, err)
		}
		req.ReplicationAddr = info.ReplicationAddr
	}

	n.transitionMu.Lock()
	defer n.transitionMu.Unlock()

	n.mu.Lock()
	if req.Epoch < n.highestEpoch {
		n.mu.Unlock()
		return ReplicaOfResponse{}, &rpc.Error{Code: rpc.CodeStaleEpoch,
			Message: fmt.Sprintf("epoch %d < %d", req.Epoch, n.highestEpoch), Epoch: n.highestEpoch}
	}
	if p, ok := n.role.(PrimaryRole); ok && p.Epoch >= req.Epoch {
		n.mu.Unlock()
		return ReplicaOfResponse{}, &rpc.Error{Code: rpc.CodeStaleEpoch,
			Message: fmt.Sprintf("primary at epoch %d", p.Epoch), Epoch: p.Epoch}
	}
	if sec, ok := n.role.(SecondaryRole); ok && sec.PrimaryAddr == req.Primary && sec.Epoch == req.Epoch && n.agent != nil {
		n.mu.Unlock()
		return ReplicaOfResponse{NodeID: n.id, Epoch: req.Epoch}, nil
	}

	_, wasPrimary := n.role.(PrimaryRole)
	n.highestEpoch = max(n.highestEpoch, req.Epoch)
	n.role = SecondaryRole{
		Epoch:           req.Epoch,
		PrimaryAddr:     req.Primary,
		PrimaryReplAddr: req.ReplicationAddr,
		Since:           time.Now(),
	}
	agent := n.agent
	if agent == nil {
		n.startAgentLocked()
	}
	n.mu.Unlock()

	if agent != nil {
		agent.Retarget(req.ReplicationAddr, req.Epoch)
	}
	cause := "replicaof"
	if wasPrimary {
		cause = "demote"
		n.afterDemotion(cause)
	} else {
		n.publishRole(cause)
	}
	n.logger.Info("replicating",
		logging.Peer(req.Primary), logging.Epoch(req.Epoch), logging.String("from", req.From), logging.Bool("was_primary", wasPrimary))
	return ReplicaOfResponse{NodeID: n.id, Epoch: req.Epoch, Changed: true}, nil
}

// Fence forbids promotion at or below req.Epoch and demotes the node if it
// is primary at such an epoch.
func (n *Node) Fence(req FenceRequest) FenceResponse {
	n.mu.Lock()
	n.fencedEpoch = max(n.fencedEpoch, req.Epoch)
	n.highestEpoch = max(n.highestEpoch, req.Epoch)
	p, wasPrimary := n.role.(PrimaryRole)
	demote := wasPrimary && p.Epoch <= req.Epoch
	if demote {
		n.role = SecondaryRole{Epoch: req.Epoch, Since: time.Now()}
	}
	resp := FenceResponse{NodeID: n.id, FencedEpoch: n.fencedEpoch, Role: n.role.Kind()}
	n.mu.Unlock()

	n.logger.Warn("fenced", logging.Epoch(req.Epoch), logging.String("from", req.From), logging.Bool("demoted", demote))
	if demote {
		n.afterDemotion("fence")
	}
	return resp
}

// startAgentLocked starts replicating for a secondary role with a known
// primary. Caller holds n.mu.
func (n *Node) startAgentLocked() {
	sec, ok := n.role.(SecondaryRole)
	if !ok || sec.PrimaryReplAddr == "" || n.agent != nil {
		return
	}
	agent := replication.NewAgent(replication.AgentConfig{
		ReplicaID:   n.id,
		ReplicaAddr: n.RPCAddr(),
		ReadTimeout: n.cfg.LinkTimeout,
		BackoffBase: n.cfg.BackoffBase,
		BackoffMax:  n.cfg.BackoffMax,
	}, n.stream, issuerOrNil(n.auth), n.logger, n.metrics)
	agent.OnHigherEpoch(n.ObserveEpoch)
	agent.Start(sec.PrimaryReplAddr, sec.Epoch)
	n.agent = agent
}

// resolvePrimary looks up the replication address of a configured primary,
// retrying until it answers or the node stops.
func (n *Node) resolvePrimary(sec SecondaryRole) {
	defer n.wg.Done()

	backoff := replication.NewBackoff(n.cfg.BackoffBase, n.cfg.BackoffMax)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		info, err := n.peers.Info(ctx, sec.PrimaryAddr)
		cancel()
		if err == nil {
			n.mu.Lock()
			if cur, ok := n.role.(SecondaryRole); ok && cur.PrimaryAddr == sec.PrimaryAddr && cur.PrimaryReplAddr == "" {
				cur.PrimaryReplAddr = info.ReplicationAddr
				n.role = cur
				n.startAgentLocked()
			}
			n.mu.Unlock()
			return
		}
		delay := backoff.Next()
		n.logger.Warn("primary lookup failed", logging.Peer(sec.PrimaryAddr), logging.Error(err), logging.Duration("retry_in", delay))
		select {
		case <-n.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

func (n *Node) readOnlyLocked() error {
	sec, _ := n.role.(SecondaryRole)
	msg := "node is not the primary"
	if sec.PrimaryAddr == "" {
		msg = "node is not the primary and has none"
	}
	return &rpc.Error{Code: rpc.CodeReadOnly, Message: msg, Primary: sec.PrimaryAddr, Epoch: n.highestEpoch}
}

func (n *Node) write(epoch uint64, cmd engine.Command) (WriteResponse, error) {
	if epoch > 0 {
		n.ObserveEpoch(epoch, "client")
	}
	start := time.Now()

	n.mu.RLock()
	defer n.mu.RUnlock()
	if _, ok := n.role.(PrimaryRole); !ok {
		n.metrics.RecordCommand(cmd.Op.String(), "readonly", time.Since(start))
		return WriteResponse{}, n.readOnlyLocked()
	}
	res, offset, err := n.stream.Apply(cmd)
	if err != nil {
		n.metrics.RecordCommand(cmd.Op.String(), "error", time.Since(start))
		if errors.Is(err, engine.ErrNotInteger) || errors.Is(err, engine.ErrEmptyKey) {
			return WriteResponse{}, rpc.Errorf(rpc.CodeBadRequest, "%v", err)
		}
		return WriteResponse{}, err
	}
	n.metrics.RecordCommand(cmd.Op.String(), "ok", time.Since(start))
	return WriteResponse{Value: res.Value, Existed: res.Existed, Offset: offset}, nil
}

// Set writes key on a primary. A non-zero epoch is the newest epoch the
// client has seen; a primary older than that steps down before refusing
// the write. Secondaries return a readonly error naming their primary.
func (n *Node) Set(key, value string, epoch uint64) (WriteResponse, error) {
	return n.write(epoch, engine.Command{Op: engine.OpSet, Key: key, Value: value})
}

// Del removes key. See Set for the epoch.
func (n *Node) Del(key string, epoch uint64) (WriteResponse, error) {
	return n.write(epoch, engine.Command{Op: engine.OpDel, Key: key})
}

// IncrBy adds delta to the integer at key, creating it at zero. A value
// that is not an integer is refused with bad_request.
func (n *Node) IncrBy(key string, delta int64, epoch uint64) (WriteResponse, error) {
	return n.write(epoch, engine.Command{Op: engine.OpIncrBy, Key: key, Delta: delta})
}

// Get reads locally. Secondaries may return stale values.
func (n *Node) Get(key string) (string, bool) {
	start := time.Now()
	v, ok := n.engine.Get(key)
	n.metrics.RecordCommand("get", "ok", time.Since(start))
	return v, ok
}

// Info assembles the node's replication state.
func (n *Node) Info() Info {
	pos := n.stream.Position()
	first, last := n.stream.BacklogRange()

	n.mu.RLock()
	role, agent := n.role, n.agent
	info := Info{
		NodeID:          n.id,
		RunID:           n.runID,
		Role:            role.Kind(),
		Epoch:           role.RoleEpoch(),
		HighestEpoch:    n.highestEpoch,
		FencedEpoch:     n.fencedEpoch,
		Priority:        n.cfg.Priority,
		RPCAddr:         n.RPCAddr(),
		ReplicationAddr: n.ReplicationAddr(),
		HTTPAddr:        n.HTTPAddr(),
		Position:        pos,
		BacklogFirst:    first,
		BacklogLast:     last,
		Keys:            n.engine.Len(),
		Uptime:          time.Since(n.started),
	}
	n.mu.RUnlock()

	if n.cfg.NoPromote {
		info.Priority = 0
	}
	switch r := role.(type) {
	case PrimaryRole:
		info.Replicas = n.repl.Replicas()
	case SecondaryRole:
		info.PrimaryAddr = r.PrimaryAddr
		if agent != nil {
			st := agent.Status()
			info.Link = &st
		}
	}
	n.metrics.NodeKeys.Set(float64(info.Keys))
	return info
}

func (n *Node) replicationState() health.ReplicationState {
	info := n.Info()
	st := health.ReplicationState{Role: string(info.Role), Replicas: len(info.Replicas), HasTarget: info.PrimaryAddr != ""}
	if info.Link != nil {
		st.LinkUp, st.Lag, st.LastIO = info.Link.LinkUp, info.Link.Lag, info.Link.LastIO
	}
	return st
}
