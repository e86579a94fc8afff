package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// AgentConfig configures the secondary side of replication.
type AgentConfig struct {
	ReplicaID        string
	ReplicaAddr      string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout marks the link down when nothing arrives for this long.
	// It must exceed the primary's heartbeat interval.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// DefaultAgentConfig returns the link timeouts and reconnect backoff used
// for unset fields.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       60 * time.Second,
	}
}

func (c *AgentConfig) ApplyDefaults() {
	d := DefaultAgentConfig()
	c.ConnectTimeout = validation.DefaultOrDuration(c.ConnectTimeout, d.ConnectTimeout)
	c.HandshakeTimeout = validation.DefaultOrDuration(c.HandshakeTimeout, d.HandshakeTimeout)
	c.ReadTimeout = validation.DefaultOrDuration(c.ReadTimeout, d.ReadTimeout)
	c.WriteTimeout = validation.DefaultOrDuration(c.WriteTimeout, d.WriteTimeout)
	c.BackoffBase = validation.DefaultOrDuration(c.BackoffBase, d.BackoffBase)
	c.BackoffMax = validation.DefaultOrDuration(c.BackoffMax, d.BackoffMax)
}

// AgentStatus is a copy of the agent's link state, shaped after the
// replication section of a node's info reply.
type AgentStatus struct {
	PrimaryAddr   string    `json:"primary_addr"`
	Epoch         uint64    `json:"epoch"`
	LinkUp        bool      `json:"link_up"`
	LastIO        time.Time `json:"last_io"`
	PrimaryOffset uint64    `json:"primary_offset"`
	Offset        uint64    `json:"offset"`
	Lag           uint64    `json:"lag"`
	FullSyncs     uint64    `json:"full_syncs"`
	PartialSyncs  uint64    `json:"partial_syncs"`
	Attempts      uint64    `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
}

// Agent keeps a secondary attached to its primary. It reconnects with
// exponential backoff, applies entries strictly in offset order and serves
// nothing itself: reads go to the engine and may be stale.
type Agent struct {
	cfg     AgentConfig
	stream  *Stream
	issuer  TokenIssuer
	onEpoch func(epoch uint64, source string)

	mu            sync.RWMutex
	primaryAddr   string
	epoch         uint64
	conn          net.Conn
	linkUp        bool
	lastIO        time.Time
	primaryOffset uint64
	forceFull     bool
	fullSyncs     uint64
	partialSyncs  uint64
	attempts      uint64
	lastErr       error
	running       bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger  logging.Logger
	metrics *metrics.Registry
}

// NewAgent creates an agent. issuer may be nil when authentication is off.
func NewAgent(cfg AgentConfig, stream *Stream, issuer TokenIssuer, logger logging.Logger, reg *metrics.Registry) *Agent {
	cfg.ApplyDefaults()
	return &Agent{
		cfg:     cfg,
		stream:  stream,
		issuer:  issuer,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		logger:  logging.OrDefault(logger).With(logging.Component("replication-agent"), logging.Node(cfg.ReplicaID)),
		metrics: metrics.OrDefault(reg),
	}
}

// OnHigherEpoch registers a callback for epochs above the agent's own seen
// on the link. Must be called before Start.
func (a *Agent) OnHigherEpoch(fn func(epoch uint64, source string)) {
	a.onEpoch = fn
}

// Start begins replicating from addr under epoch.
func (a *Agent) Start(addr string, epoch uint64) {
	a.mu.Lock()
	a.primaryAddr, a.epoch = addr, epoch
	if a.running {
		a.mu.Unlock()
		a.kick()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run()
}

// Retarget points the agent at a new primary. The current link is closed
// and the agent reconnects immediately with its (lineage, offset).
func (a *Agent) Retarget(addr string, epoch uint64) {
	a.mu.Lock()
	changed := addr != a.primaryAddr || epoch != a.epoch
	a.primaryAddr = addr
	if epoch > a.epoch {
		a.epoch = epoch
	}
	conn := a.conn
	a.mu.Unlock()

	if changed && conn != nil {
		conn.Close()
	}
	a.kick()
}

// Stop closes the link and waits for the agent to exit.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.mu.Unlock()
	})
	a.wg.Wait()
	a.setLink(false, nil)
}

// Lag is the primary's last reported offset minus the local offset.
func (a *Agent) Lag() uint64 {
	a.mu.RLock()
	p := a.primaryOffset
	a.mu.RUnlock()
	if local := a.stream.Offset(); p > local {
		return p - local
	}
	return 0
}

// Status reports the link state and how far behind the primary the local
// stream is, as of the last heartbeat.
func (a *Agent) Status() AgentStatus {
	offset := a.stream.Offset()

	a.mu.RLock()
	defer a.mu.RUnlock()
	st := AgentStatus{
		PrimaryAddr:   a.primaryAddr,
		Epoch:         a.epoch,
		LinkUp:        a.linkUp,
		LastIO:        a.lastIO,
		PrimaryOffset: a.primaryOffset,
		Offset:        offset,
		FullSyncs:     a.fullSyncs,
		PartialSyncs:  a.partialSyncs,
		Attempts:      a.attempts,
	}
	if a.primaryOffset > offset {
		st.Lag = a.primaryOffset - offset
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}

func (a *Agent) kick() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) stopped() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *Agent) target() (string, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.primaryAddr, a.epoch
}

func (a *Agent) setLink(up bool, err error) {
	a.mu.Lock()
	a.linkUp = up
	if err != nil {
		a.lastErr = err
	}
	a.mu.Unlock()
	a.metrics.SetLinkUp(up)
}

func (a *Agent) run() {
	defer a.wg.Done()

	backoff := NewBackoff(a.cfg.BackoffBase, a.cfg.BackoffMax)
	for !a.stopped() {
		addr, epoch := a.target()
		synced, err := a.session(addr, epoch)
		if a.stopped() {
			return
		}
		a.setLink(false, err)
		if synced {
			backoff.Reset()
		}
		delay := backoff.Next()
		if err != nil {
			a.logger.Warn("replication link down",
				logging.Peer(addr), logging.Error(err), logging.Duration("retry_in", delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-a.stopCh:
			timer.Stop()
			return
		case <-a.wake:
			timer.Stop()
			backoff.Reset()
		case <-timer.C:
		}
	}
}

// session runs one connection to the primary. synced reports whether the
// handshake and initial resync completed.
func (a *Agent) session(addr string, epoch uint64) (synced bool, err error) {
	a.mu.Lock()
	a.attempts++
	a.mu.Unlock()

	if addr == "" {
		return false, errors.New("no primary configured")
	}

	conn, err := net.DialTimeout("tcp", addr, a.cfg.ConnectTimeout)
	if err != nil {
		return false, fmt.Errorf("dial primary: %w", err)
	}
	defer conn.Close()

	a.mu.Lock()
	if a.primaryAddr != addr {
		a.mu.Unlock()
		return false, errors.New("retargeted during connect")
	}
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
	}()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	if err := conn.SetDeadline(time.Now().Add(a.cfg.HandshakeTimeout)); err != nil {
		return false, err
	}
	resp, err := a.handshake(enc, dec, epoch)
	if err != nil {
		return false, err
	}
	if err := a.initialSync(dec, resp); err != nil {
		return false, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return false, err
	}

	a.mu.Lock()
	a.lastIO = time.Now()
	a.primaryOffset = max(a.primaryOffset, resp.Position.Offset)
	a.mu.Unlock()
	a.setLink(true, nil)
	a.logger.Info("replication link up",
		logging.Peer(addr),
		logging.String("mode", string(resp.Mode)),
		logging.Offset(a.stream.Offset()),
		logging.Epoch(resp.Epoch))

	if err := a.sendAck(enc, conn, 0); err != nil {
		return true, err
	}
	return true, a.receive(enc, dec, conn)
}

func (a *Agent) handshake(enc *json.Encoder, dec *json.Decoder, epoch uint64) (*HandshakeResponse, error) {
	pos := a.stream.Position()
	a.mu.RLock()
	forceFull := a.forceFull
	a.mu.RUnlock()

	req := HandshakeRequest{
		ReplicaID:   a.cfg.ReplicaID,
		ReplicaAddr: a.cfg.ReplicaAddr,
		Lineage:     pos.Lineage,
		Offset:      pos.Offset,
		Epoch:       epoch,
	}
	if forceFull {
		req.Lineage = Lineage{}
	}
	if a.issuer != nil {
		tok, err := a.issuer.Issue(Audience)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		req.Token = tok
	}

	msg, err := NewMessage(MsgHandshake, &req)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	var reply Message
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	var resp HandshakeResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Epoch > epoch {
		a.observeEpoch(resp.Epoch, "primary:"+resp.PrimaryID)
	}
	if !resp.Accepted {
		base := ErrRejected
		switch resp.ErrorCode {
		case CodeStaleEpoch:
			base = ErrStaleEpoch
		case CodeNotPrimary:
			base = ErrNotPrimary
		case CodeUnauthorized:
			base = ErrUnauthorized
		case CodeMaxReplicas:
			base = ErrMaxReplicas
		}
		return nil, fmt.Errorf("%w: %s", base, resp.ErrorMessage)
	}
	return &resp, nil
}

func (a *Agent) initialSync(dec *json.Decoder, resp *HandshakeResponse) error {
	switch resp.Mode {
	case ResyncFull:
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		if msg.Type != MsgSnapshot {
			return fmt.Errorf("expected snapshot, got %s", msg.Type)
		}
		var snap SnapshotMessage
		if err := msg.Decode(&snap); err != nil {
			return err
		}
		if err := a.stream.ResetTo(resp.Position, snap.Data); err != nil {
			return fmt.Errorf("install snapshot: %w", err)
		}
		a.mu.Lock()
		a.fullSyncs++
		a.forceFull = false
		a.mu.Unlock()

	case ResyncPartial:
		if a.stream.Position().Lineage != resp.Position.Lineage {
			if err := a.stream.AdoptLineage(resp.Position); err != nil {
				a.requireFull()
				return err
			}
		}
		a.mu.Lock()
		a.partialSyncs++
		a.mu.Unlock()

	default:
		return fmt.Errorf("unknown resync mode %q", resp.Mode)
	}
	return nil
}

func (a *Agent) receive(enc *json.Encoder, dec *json.Decoder, conn net.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)); err != nil {
			return err
		}
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return fmt.Errorf("read from primary: %w", err)
		}
		a.mu.Lock()
		a.lastIO = time.Now()
		a.mu.Unlock()

		switch msg.Type {
		case MsgEntries:
			var em EntriesMessage
			if err := msg.Decode(&em); err != nil {
				return err
			}
			for _, e := range em.Entries {
				if err := a.stream.ApplyReplicated(e); err != nil {
					// Gaps and divergence are only repaired by a full copy.
					a.requireFull()
					return err
				}
			}
			a.metrics.ReplicationEntriesTotal.WithLabelValues("received").Add(float64(len(em.Entries)))

		case MsgHeartbeat:
			var hb HeartbeatMessage
			if err := msg.Decode(&hb); err != nil {
				return err
			}
			a.mu.Lock()
			a.primaryOffset = hb.Offset
			epoch := a.epoch
			a.mu.Unlock()
			if hb.Epoch > epoch {
				a.observeEpoch(hb.Epoch, "primary:"+hb.From)
			}
			a.metrics.ReplicationHeartbeatsTotal.WithLabelValues("received").Inc()
			a.metrics.UpdateReplication(a.stream.Offset(), a.Lag())
			if err := a.sendAck(enc, conn, hb.Sequence); err != nil {
				return err
			}

		case MsgError:
			var em ErrorMessage
			if err := msg.Decode(&em); err != nil {
				return err
			}
			if em.Fatal {
				return fmt.Errorf("primary error %s: %s", em.Code, em.Message)
			}
			a.logger.Warn("primary reported error", logging.String("code", em.Code), logging.String("message", em.Message))

		default:
			a.logger.Debug("ignoring message", logging.String("type", msg.Type.String()))
		}
	}
}

func (a *Agent) sendAck(enc *json.Encoder, conn net.Conn, seq uint64) error {
	msg, err := NewMessage(MsgAck, &AckMessage{ReplicaID: a.cfg.ReplicaID, Offset: a.stream.Offset(), Sequence: seq})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
		return err
	}
	return enc.Encode(msg)
}

func (a *Agent) requireFull() {
	a.mu.Lock()
	a.forceFull = true
	a.mu.Unlock()
}

func (a *Agent) observeEpoch(epoch uint64, source string) {
	a.mu.Lock()
	if epoch <= a.epoch {
		a.mu.Unlock()
		return
	}
	a.epoch = epoch
	fn := a.onEpoch
	a.mu.Unlock()

	a.logger.Info("observed higher epoch", logging.Epoch(epoch), logging.String("source", source))
	if fn != nil {
		fn(epoch, source)
	}
}
