// Package monitor watches primaries and their secondaries, agrees with
// peer monitors when a primary is down and drives failover.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-kv/pkg/auth"
	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/health"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/node"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
	"github.com/dd0wney/cluso-kv/pkg/server"
)

// Monitor is one member of the monitor quorum.
//
// Locking: m.mu guards the peer table. Each master has its own mutex for
// its configuration, node views, votes and failover run. Network calls are
// never made while holding either.
type Monitor struct {
	cfg     Config
	id      string
	logger  logging.Logger
	metrics *metrics.Registry
	events  *events.Bus
	health  *health.HealthChecker

	rpc     *rpc.Server
	nodes   *node.Client
	peerRPC *PeerClient
	http    *server.GracefulServer
	gossip  *gossip

	masters map[string]*master

	mu    sync.RWMutex
	peers map[string]*peer

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type master struct {
	cfg  MasterConfig
	rank RankFunc

	mu           sync.Mutex
	addr         string
	configEpoch  uint64
	currentEpoch uint64
	nodes        map[string]*NodeView
	votes        *VoteLedger
	failover     *failoverRun
	last         *failoverRun
	nextAttempt  time.Time
}

type peer struct {
	addr      string
	id        string
	helloAddr string
	lastReply time.Time
	lastHello time.Time
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithCaller routes every node and peer call through c.
func WithCaller(c rpc.Caller) Option {
	return func(m *Monitor) {
		m.nodes = node.NewClientWith(c)
		m.peerRPC = NewPeerClient(c)
	}
}

// WithRank replaces the ranking policy for one master.
func WithRank(masterName string, fn RankFunc) Option {
	return func(m *Monitor) {
		if ms, ok := m.masters[masterName]; ok {
			ms.rank = fn
		}
	}
}

// New builds a monitor. Nothing runs until Start.
func New(cfg Config, logger logging.Logger, reg *metrics.Registry, opts ...Option) (*Monitor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	reg = metrics.OrDefault(reg)

	m := &Monitor{
		cfg:     cfg,
		id:      cfg.ID,
		logger:  logging.OrDefault(logger).With(logging.Component("monitor"), logging.Node(cfg.ID)),
		metrics: reg,
		events:  events.NewBus(1000),
		health:  health.NewHealthChecker(),
		masters: make(map[string]*master, len(cfg.Masters)),
		peers:   make(map[string]*peer),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	var verifier rpc.TokenVerifier
	var issuer rpc.TokenIssuer
	if cfg.Secret != "" {
		a, err := auth.New(cfg.Secret, cfg.ID, 0)
		if err != nil {
			return nil, err
		}
		verifier, issuer = a, a
	}
	caller := rpc.NewClient(cfg.RPCTimeout, issuer)
	m.nodes = node.NewClientWith(caller)
	m.peerRPC = NewPeerClient(caller)
	m.rpc = rpc.NewServer(rpc.ServerConfig{ListenAddr: cfg.RPCAddr}, verifier, m.logger)
	m.registerHandlers(m.rpc.Router)

	for _, mc := range cfg.Masters {
		ms := &master{
			cfg:   mc,
			rank:  rankPolicy(mc.RankPolicy),
			addr:  mc.Addr,
			nodes: make(map[string]*NodeView),
			votes: NewVoteLedger(cfg.ID),
		}
		m.masters[mc.Name] = ms
	}
	for _, o := range opts {
		o(m)
	}

	m.health.SetRole(func() string { return "monitor" })
	m.health.RegisterCheck("quorum", health.QuorumCheck(m.quorumState))
	m.health.RegisterLivenessCheck("monitor", health.PingCheck("monitor", func() error {
		if m.ctx.Err() != nil {
			return errors.New("monitor stopped")
		}
		return nil
	}))
	if cfg.HTTPAddr != "" {
		m.http = server.NewGracefulServer(server.Config{Addr: cfg.HTTPAddr}, m.httpHandler(), m.logger)
	}
	return m, nil
}

// Start opens the listeners and begins watching every configured master.
func (m *Monitor) Start() error {
	// Handlers read m.gossip, so it is set before the listeners open.
	if m.cfg.HelloAddr != "" {
		g, err := newGossip(m, m.cfg.HelloAddr)
		if err != nil {
			return err
		}
		m.gossip = g
	}
	if err := m.rpc.Start(); err != nil {
		m.closeGossip()
		return err
	}
	if m.http != nil {
		if err := m.http.Start(); err != nil {
			m.rpc.Stop()
			m.closeGossip()
			return err
		}
	}
	if g := m.gossip; g != nil {
		for _, url := range m.cfg.HelloPeers {
			g.dial(url)
		}
		m.spawn(g.recvLoop)
		m.spawn(g.helloLoop)
	}

	for _, addr := range m.cfg.Peers {
		m.AddPeer(addr)
	}
	for name, ms := range m.masters {
		m.metrics.SetConfigEpoch(name, 0)
		m.watch(ms, ms.cfg.Addr)
	}
	m.logger.Info("monitor started",
		logging.String("rpc", m.RPCAddr()),
		logging.Int("masters", len(m.masters)),
		logging.Int("peers", len(m.cfg.Peers)))
	return nil
}

// Stop cancels every loop and in-flight failover and closes the listeners.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.cancel()
		m.mu.Unlock()
		m.closeGossip()
		m.wg.Wait()
		if m.http != nil {
			m.http.Shutdown()
		}
		m.rpc.Stop()
		m.events.Shutdown()
		m.logger.Info("monitor stopped")
	})
}

func (m *Monitor) closeGossip() {
	if m.gossip != nil {
		m.gossip.close()
	}
}

func (m *Monitor) ID() string { return m.id }

// RPCAddr is the address peers call, preferring the advertised one.
func (m *Monitor) RPCAddr() string {
	if m.cfg.AdvertiseAddr != "" {
		return m.cfg.AdvertiseAddr
	}
	if a := m.rpc.Addr(); a != "" {
		return a
	}
	return m.cfg.RPCAddr
}

// HTTPAddr returns the query API address, or "" when it is disabled.
func (m *Monitor) HTTPAddr() string {
	if m.http == nil {
		return ""
	}
	return m.http.Addr()
}

// Events exposes the event bus for in-process subscribers.
func (m *Monitor) Events() *events.Bus { return m.events }

func (m *Monitor) master(name string) (*master, error) {
	ms, ok := m.masters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMaster, name)
	}
	return ms, nil
}

// AddPeer starts pinging the monitor at addr. Known peers are ignored.
func (m *Monitor) AddPeer(addr string) {
	if addr == "" || addr == m.RPCAddr() || m.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.peers[addr]; ok {
		m.mu.Unlock()
		return
	}
	m.peers[addr] = &peer{addr: addr}
	n := len(m.peers)
	m.mu.Unlock()

	for name := range m.masters {
		m.metrics.MonitorKnownPeers.WithLabelValues(name).Set(float64(n))
		m.publish(name, events.NewMonitor, addr, 0, "")
	}
	m.spawn(func() { m.peerLoop(addr) })
}

// spawn runs fn in a tracked goroutine unless the monitor is stopping.
func (m *Monitor) spawn(fn func()) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx.Err() != nil {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Monitor) peerAddrs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// peerLoop pings one peer monitor so that ckquorum knows which peers are
// reachable.
func (m *Monitor) peerLoop(addr string) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
		resp, err := m.peerRPC.Ping(ctx, addr, m.selfPing())
		cancel()
		if err == nil {
			m.learnPeer(addr, resp.ID, resp.HelloAddr, true)
		}
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) selfPing() PeerPing {
	p := PeerPing{ID: m.id, Addr: m.RPCAddr()}
	if m.gossip != nil {
		p.HelloAddr = m.gossip.url
	}
	return p
}

// learnPeer records what a peer told about itself and subscribes to its
// hellos.
func (m *Monitor) learnPeer(addr, id, helloAddr string, replied bool) {
	m.mu.Lock()
	p, ok := m.peers[addr]
	if ok {
		if id != "" {
			p.id = id
		}
		if helloAddr != "" {
			p.helloAddr = helloAddr
		}
		if replied {
			p.lastReply = time.Now()
		}
	}
	m.mu.Unlock()
	if ok && m.gossip != nil {
		m.gossip.dial(helloAddr)
	}
}

// requiredVotes is the number of votes a leader needs: the configured
// quorum, but never less than a strict majority of known monitors.
func requiredVotes(quorum, monitors int) int {
	return max(quorum, monitors/2+1)
}

// CKQuorum reports whether enough monitors are reachable both to agree a
// primary is down and to elect a failover leader.
func (m *Monitor) CKQuorum(name string) (QuorumReport, error) {
	ms, err := m.master(name)
	if err != nil {
		return QuorumReport{}, err
	}
	m.mu.RLock()
	usable, known := 1, len(m.peers)+1
	for _, p := range m.peers {
		if time.Since(p.lastReply) <= ms.cfg.DownAfter {
			usable++
		}
	}
	m.mu.RUnlock()

	r := QuorumReport{Master: name, Usable: usable, Quorum: ms.cfg.Quorum, Majority: known/2 + 1}
	switch {
	case usable < r.Quorum:
		r.Message = fmt.Sprintf("NOQUORUM %d usable monitors, quorum is %d: %s", usable, r.Quorum, ConditionNoFailover)
		return r, ErrNoQuorum
	case usable < r.Majority:
		r.Message = fmt.Sprintf("NOAUTH %d usable monitors, majority is %d: %s", usable, r.Majority, ConditionNoFailover)
		return r, ErrNoMajority
	}
	r.OK = true
	r.Message = fmt.Sprintf("OK %d usable monitors, quorum %d, majority %d", usable, r.Quorum, r.Majority)
	return r, nil
}

func (m *Monitor) quorumState() map[string]error {
	out := make(map[string]error, len(m.masters))
	for name := range m.masters {
		_, err := m.CKQuorum(name)
		out[name] = err
	}
	return out
}

// publish records an event on the bus and in the log.
func (m *Monitor) publish(masterName string, typ events.Type, nodeAddr string, epoch uint64, detail string) {
	e := m.events.Publish(events.Event{Type: typ, Master: masterName, Node: nodeAddr, Epoch: epoch, Detail: detail})
	switch typ {
	case events.SDown, events.SDownCleared, events.ODown, events.ODownCleared:
		m.metrics.RecordStatusTransition(masterName, string(typ))
	}
	m.logger.Info(e.String(), logging.Master(masterName), logging.String("event", string(typ)))
}

// retryDelay adds up to 50% jitter so that monitors which failed together
// do not retry together.
func retryDelay(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int64N(int64(base)/2+1))
}
