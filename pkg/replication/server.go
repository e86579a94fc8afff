package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// RoleSource lets the server check the node's role on every handshake.
type RoleSource interface {
	// PrimaryEpoch returns the epoch this node is primary for, and false if
	// it is not currently primary.
	PrimaryEpoch() (uint64, bool)
	// ObserveEpoch reports an epoch seen on a replication link. A value
	// above the node's own epoch means the node is stale.
	ObserveEpoch(epoch uint64, source string)
}

// ServerConfig configures the primary side of replication.
type ServerConfig struct {
	ListenAddr        string
	NodeID            string
	MaxReplicas       int
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// ReplicaTimeout drops a replica that has not acked for this long.
	ReplicaTimeout time.Duration
	MaxBatch       int
}

// DefaultServerConfig returns the listener settings for replication links.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":7380",
		MaxReplicas:       16,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: time.Second,
		WriteTimeout:      5 * time.Second,
		ReplicaTimeout:    30 * time.Second,
		MaxBatch:          256,
	}
}

func (c *ServerConfig) ApplyDefaults() {
	d := DefaultServerConfig()
	c.ListenAddr = validation.DefaultOr(c.ListenAddr, d.ListenAddr)
	c.MaxReplicas = validation.DefaultOrInt(c.MaxReplicas, d.MaxReplicas)
	c.HandshakeTimeout = validation.DefaultOrDuration(c.HandshakeTimeout, d.HandshakeTimeout)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.WriteTimeout = validation.DefaultOrDuration(c.WriteTimeout, d.WriteTimeout)
	c.ReplicaTimeout = validation.DefaultOrDuration(c.ReplicaTimeout, d.ReplicaTimeout)
	c.MaxBatch = validation.DefaultOrInt(c.MaxBatch, d.MaxBatch)
}

// Validate checks the listen address, node id and limits.
func (c *ServerConfig) Validate() error {
	return validation.NewConfigValidator("ServerConfig").
		Required("ListenAddr", c.ListenAddr).
		Required("NodeID", c.NodeID).
		RangeInt("MaxReplicas", c.MaxReplicas, 1, 1024).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, 10*time.Millisecond).
		Validate()
}

// ReplicaInfo is a copy of a connected secondary's state.
type ReplicaInfo struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	AckedOffset uint64    `json:"acked_offset"`
	Lag         uint64    `json:"lag"`
	LastAck     time.Time `json:"last_ack"`
	Connected   time.Time `json:"connected"`
	Mode        string    `json:"mode"`
}

// Server accepts secondaries and streams entries to them.
type Server struct {
	cfg      ServerConfig
	stream   *Stream
	role     RoleSource
	verifier TokenVerifier

	listener net.Listener
	replicas map[string]*replicaConn
	mu       sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger  logging.Logger
	metrics *metrics.Registry
}

type replicaConn struct {
	id        string
	addr      string
	conn      net.Conn
	sub       *Subscription
	mode      ResyncMode
	connected time.Time

	mu          sync.Mutex
	ackedOffset uint64
	lastAck     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (rc *replicaConn) stop() {
	rc.stopOnce.Do(func() {
		close(rc.stopCh)
		rc.conn.Close()
	})
}

// NewServer creates a replication server. verifier may be nil to accept
// unauthenticated secondaries.
func NewServer(cfg ServerConfig, stream *Stream, role RoleSource, verifier TokenVerifier, logger logging.Logger, reg *metrics.Registry) *Server {
	cfg.ApplyDefaults()
	return &Server{
		cfg:      cfg,
		stream:   stream,
		role:     role,
		verifier: verifier,
		replicas: make(map[string]*replicaConn),
		stopCh:   make(chan struct{}),
		logger:   logging.OrDefault(logger).With(logging.Component("replication-server")),
		metrics:  metrics.OrDefault(reg),
	}
}

// Start listens and begins accepting secondaries.
func (s *Server) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("replication listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("replication server started", logging.Addr(ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every replica link.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.DropAll("shutdown")
	})
	s.wg.Wait()
}

// DropAll disconnects every secondary. Used on demotion so that secondaries
// reconnect to the new primary.
func (s *Server) DropAll(reason string) {
	s.mu.Lock()
	conns := make([]*replicaConn, 0, len(s.replicas))
	for _, rc := range s.replicas {
		conns = append(conns, rc)
	}
	s.mu.Unlock()

	for _, rc := range conns {
		rc.stop()
		s.metrics.ReplicationDisconnectsTotal.WithLabelValues(reason).Inc()
	}
}

// Replicas returns the connected secondaries ordered by id.
func (s *Server) Replicas() []ReplicaInfo {
	offset := s.stream.Offset()

	s.mu.RLock()
	out := make([]ReplicaInfo, 0, len(s.replicas))
	for _, rc := range s.replicas {
		rc.mu.Lock()
		info := ReplicaInfo{
			ID:          rc.id,
			Addr:        rc.addr,
			AckedOffset: rc.ackedOffset,
			LastAck:     rc.lastAck,
			Connected:   rc.connected,
			Mode:        string(rc.mode),
		}
		rc.mu.Unlock()
		if offset > info.AckedOffset {
			info.Lag = offset - info.AckedOffset
		}
		out = append(out, info)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	// Bound concurrent handlers; extra slots cover handshakes in progress.
	sem := make(chan struct{}, s.cfg.MaxReplicas+4)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", logging.Error(err))
			continue
		}

		select {
		case sem <- struct{}{}:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-sem }()
				s.handleConn(conn)
			}()
		default:
			s.logger.Warn("rejecting connection at handler capacity", logging.Peer(conn.RemoteAddr().String()))
			conn.Close()
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return
	}
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		s.logger.Debug("handshake read failed", logging.Peer(conn.RemoteAddr().String()), logging.Error(err))
		return
	}
	if msg.Type != MsgHandshake {
		s.logger.Warn("expected handshake", logging.String("got", msg.Type.String()))
		return
	}
	var hs HandshakeRequest
	if err := msg.Decode(&hs); err != nil {
		s.logger.Warn("bad handshake", logging.Error(err))
		return
	}
	logger := s.logger.With(logging.String("replica", hs.ReplicaID), logging.Peer(hs.ReplicaAddr))

	epoch, reject := s.checkHandshake(&hs)
	if reject != nil {
		logger.Warn("handshake rejected", logging.String("code", reject.ErrorCode), logging.Epoch(hs.Epoch))
		_ = s.send(enc, conn, MsgHandshake, reject)
		return
	}

	res, sub, err := s.stream.Attach(hs.ReplicaID, AttachRequest{Lineage: hs.Lineage, Offset: hs.Offset})
	if err != nil {
		logger.Error("attach failed", logging.Error(err))
		_ = s.send(enc, conn, MsgHandshake, &HandshakeResponse{
			PrimaryID: s.cfg.NodeID, ErrorCode: CodeInternal, ErrorMessage: err.Error(), Epoch: epoch,
		})
		return
	}
	defer sub.Close()

	rc := &replicaConn{
		id:          hs.ReplicaID,
		addr:        hs.ReplicaAddr,
		conn:        conn,
		sub:         sub,
		mode:        res.Mode,
		connected:   time.Now(),
		ackedOffset: hs.Offset,
		lastAck:     time.Now(),
		stopCh:      make(chan struct{}),
	}
	if err := s.initialSync(enc, conn, rc, res, epoch); err != nil {
		logger.Warn("initial sync failed", logging.Error(err))
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	if !s.register(rc) {
		return
	}
	defer s.unregister(rc)

	logger.Info("replica connected",
		logging.String("mode", string(res.Mode)),
		logging.Offset(res.Position.Offset),
		logging.Epoch(epoch))

	s.wg.Add(1)
	go s.sendLoop(rc, enc, res.Position.Lineage, epoch)
	s.receiveLoop(rc, dec)
	rc.stop()

	if err := sub.Err(); errors.Is(err, ErrSlowSubscriber) {
		s.metrics.ReplicationDisconnectsTotal.WithLabelValues("slow").Inc()
	}
	logger.Info("replica disconnected")
}

// checkHandshake applies authentication, role and epoch fencing. A non-nil
// response means the handshake is rejected.
func (s *Server) checkHandshake(hs *HandshakeRequest) (uint64, *HandshakeResponse) {
	epoch, isPrimary := s.role.PrimaryEpoch()
	reject := func(code, msg string) *HandshakeResponse {
		return &HandshakeResponse{PrimaryID: s.cfg.NodeID, ErrorCode: code, ErrorMessage: msg, Epoch: epoch}
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(hs.Token, Audience); err != nil {
			return epoch, reject(CodeUnauthorized, err.Error())
		}
	}
	if hs.Epoch > epoch {
		// A secondary that has seen a newer configuration proves this node
		// is a stale primary.
		s.role.ObserveEpoch(hs.Epoch, "replica:"+hs.ReplicaID)
		return epoch, reject(CodeStaleEpoch,
			fmt.Sprintf("replica epoch %d > primary epoch %d", hs.Epoch, epoch))
	}
	if !isPrimary {
		return epoch, reject(CodeNotPrimary, "node is not a primary")
	}

	s.mu.RLock()
	_, reconnect := s.replicas[hs.ReplicaID]
	full := !reconnect && len(s.replicas) >= s.cfg.MaxReplicas
	s.mu.RUnlock()
	if full {
		return epoch, reject(CodeMaxReplicas, "max replicas reached")
	}
	return epoch, nil
}

func (s *Server) initialSync(enc *json.Encoder, conn net.Conn, rc *replicaConn, res *AttachResult, epoch uint64) error {
	if err := s.send(enc, conn, MsgHandshake, &HandshakeResponse{
		PrimaryID: s.cfg.NodeID,
		Accepted:  true,
		Mode:      res.Mode,
		Position:  res.Position,
		Epoch:     epoch,
	}); err != nil {
		return err
	}

	if res.Mode == ResyncFull {
		rc.ackedOffset = 0
		return s.send(enc, conn, MsgSnapshot, &SnapshotMessage{Offset: res.Position.Offset, Data: res.Snapshot})
	}
	for start := 0; start < len(res.Backlog); start += s.cfg.MaxBatch {
		end := min(start+s.cfg.MaxBatch, len(res.Backlog))
		if err := s.send(enc, conn, MsgEntries, &EntriesMessage{Entries: res.Backlog[start:end]}); err != nil {
			return err
		}
		s.metrics.ReplicationEntriesTotal.WithLabelValues("sent").Add(float64(end - start))
	}
	return nil
}

func (s *Server) register(rc *replicaConn) bool {
	s.mu.Lock()
	old := s.replicas[rc.id]
	s.replicas[rc.id] = rc
	n := len(s.replicas)
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	s.metrics.ReplicationConnectedReplicas.Set(float64(n))
	select {
	case <-s.stopCh:
		rc.stop()
		return false
	default:
		return true
	}
}

func (s *Server) unregister(rc *replicaConn) {
	s.mu.Lock()
	if s.replicas[rc.id] == rc {
		delete(s.replicas, rc.id)
	}
	n := len(s.replicas)
	s.mu.Unlock()
	s.metrics.ReplicationConnectedReplicas.Set(float64(n))
}

func (s *Server) send(enc *json.Encoder, conn net.Conn, t MessageType, data any) error {
	msg, err := NewMessage(t, data)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return enc.Encode(msg)
}

// sendLoop forwards subscription entries in batches and sends heartbeats.
// It owns the encoder after the initial sync.
func (s *Server) sendLoop(rc *replicaConn, enc *json.Encoder, lineage Lineage, epoch uint64) {
	defer s.wg.Done()
	defer rc.stop()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var seq uint64
	batch := make([]Entry, 0, s.cfg.MaxBatch)
	for {
		select {
		case <-rc.stopCh:
			return

		case e, ok := <-rc.sub.C():
			if !ok {
				return
			}
			batch = append(batch[:0], e)
		drain:
			for len(batch) < s.cfg.MaxBatch {
				select {
				case e, ok := <-rc.sub.C():
					if !ok {
						break drain
					}
					batch = append(batch, e)
				default:
					break drain
				}
			}
			if err := s.send(enc, rc.conn, MsgEntries, &EntriesMessage{Entries: batch}); err != nil {
				s.logger.Debug("send entries failed", logging.String("replica", rc.id), logging.Error(err))
				return
			}
			s.metrics.ReplicationEntriesTotal.WithLabelValues("sent").Add(float64(len(batch)))

		case <-ticker.C:
			rc.mu.Lock()
			idle := time.Since(rc.lastAck)
			rc.mu.Unlock()
			if idle > s.cfg.ReplicaTimeout {
				s.logger.Warn("replica ack timeout", logging.String("replica", rc.id), logging.Duration("idle", idle))
				s.metrics.ReplicationDisconnectsTotal.WithLabelValues("timeout").Inc()
				return
			}

			seq++
			hb := &HeartbeatMessage{
				From:     s.cfg.NodeID,
				Sequence: seq,
				Offset:   s.stream.Offset(),
				Lineage:  lineage,
				Epoch:    epoch,
			}
			if err := s.send(enc, rc.conn, MsgHeartbeat, hb); err != nil {
				return
			}
			s.metrics.ReplicationHeartbeatsTotal.WithLabelValues("sent").Inc()
		}
	}
}

func (s *Server) receiveLoop(rc *replicaConn, dec *json.Decoder) {
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		switch msg.Type {
		case MsgAck:
			var ack AckMessage
			if err := msg.Decode(&ack); err != nil {
				s.logger.Warn("bad ack", logging.String("replica", rc.id), logging.Error(err))
				continue
			}
			rc.mu.Lock()
			rc.ackedOffset = ack.Offset
			rc.lastAck = time.Now()
			rc.mu.Unlock()
		case MsgError:
			var em ErrorMessage
			if err := msg.Decode(&em); err == nil {
				s.logger.Warn("replica reported error",
					logging.String("replica", rc.id), logging.String("code", em.Code), logging.String("message", em.Message))
				if em.Fatal {
					return
				}
			}
		default:
			s.logger.Debug("ignoring message from replica", logging.String("type", msg.Type.String()))
		}
	}
}
