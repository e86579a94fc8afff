package replication

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-kv/pkg/engine"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// ResyncMode tells a secondary how it is being brought up to date.
type ResyncMode string

const (
	ResyncFull    ResyncMode = "full"
	ResyncPartial ResyncMode = "partial"
)

// StreamConfig sizes the backlog and subscriber buffers.
type StreamConfig struct {
	BacklogSize      int
	SubscriberBuffer int
}

// DefaultStreamConfig keeps the last 10000 entries for partial resync.
// Secondaries that fall further behind need a full one.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BacklogSize:      10000,
		SubscriberBuffer: 1024,
	}
}

func (c *StreamConfig) ApplyDefaults() {
	d := DefaultStreamConfig()
	c.BacklogSize = validation.DefaultOrInt(c.BacklogSize, d.BacklogSize)
	c.SubscriberBuffer = validation.DefaultOrInt(c.SubscriberBuffer, d.SubscriberBuffer)
}

// AttachRequest is what a secondary presents when it (re)connects.
type AttachRequest struct {
	Lineage Lineage
	Offset  uint64
}

// AttachResult describes how the secondary is brought up to date. For a
// full resync Snapshot holds the state at Position.Offset; for a partial one
// Backlog holds every entry after the requested offset.
type AttachResult struct {
	Mode     ResyncMode
	Position Position
	Snapshot []byte
	Backlog  []Entry
}

// Stream owns the local engine and its replication history. Every mutation
// goes through it so that applying a write, assigning its offset, appending
// it to the backlog and fanning it out are one atomic step relative to
// Attach.
type Stream struct {
	mu      sync.Mutex
	cfg     StreamConfig
	engine  engine.Engine
	pos     Position
	backlog *Backlog
	subs    map[uint64]*Subscription
	nextSub uint64

	logger  logging.Logger
	metrics *metrics.Registry
}

// NewStream creates a stream over eng starting at pos.
func NewStream(eng engine.Engine, pos Position, cfg StreamConfig, logger logging.Logger, reg *metrics.Registry) *Stream {
	cfg.ApplyDefaults()
	s := &Stream{
		cfg:     cfg,
		engine:  eng,
		pos:     pos,
		backlog: NewBacklog(cfg.BacklogSize, pos.Offset),
		subs:    make(map[uint64]*Subscription),
		logger:  logging.OrDefault(logger).With(logging.Component("stream")),
		metrics: metrics.OrDefault(reg),
	}
	s.metrics.ReplicationOffset.Set(float64(pos.Offset))
	return s
}

// Engine returns the underlying engine for reads.
func (s *Stream) Engine() engine.Engine { return s.engine }

// Position returns the lineage and offset together, so that a caller sees
// a consistent pair even while writes are applied.
func (s *Stream) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Offset returns the offset of the last applied entry.
func (s *Stream) Offset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.Offset
}

// Apply executes a client write and appends it to the stream. Commands that
// fail do not consume an offset.
func (s *Stream) Apply(cmd engine.Command) (engine.Result, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.engine.Apply(cmd)
	if err != nil {
		return res, s.pos.Offset, err
	}
	e := Entry{Offset: s.pos.Offset + 1, Command: cmd}
	s.appendLocked(e)
	return res, e.Offset, nil
}

// ApplyReplicated applies an entry received from the primary. Entries must
// arrive in offset order; anything else returns ErrOffsetGap.
func (s *Stream) ApplyReplicated(e Entry) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Offset != s.pos.Offset+1 {
		return fmt.Errorf("%w: local %d, received %d", ErrOffsetGap, s.pos.Offset, e.Offset)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic at offset %d: %v", ErrDiverged, e.Offset, r)
		}
	}()
	if _, err := s.engine.Apply(e.Command); err != nil {
		return fmt.Errorf("%w: offset %d: %v", ErrDiverged, e.Offset, err)
	}
	s.appendLocked(e)
	return nil
}

func (s *Stream) appendLocked(e Entry) {
	// The offset check above makes Append infallible here.
	_ = s.backlog.Append(e)
	s.pos.Offset = e.Offset
	s.metrics.ReplicationOffset.Set(float64(e.Offset))

	for id, sub := range s.subs {
		select {
		case sub.ch <- e:
		default:
			s.logger.Warn("subscriber buffer full, disconnecting",
				logging.String("subscriber", sub.name), logging.Offset(e.Offset))
			s.closeSubLocked(id, ErrSlowSubscriber)
		}
	}
}

// Attach decides between partial and full resync for a secondary and
// registers a subscription for every entry after the returned position.
func (s *Stream) Attach(name string, req AttachRequest) (*AttachResult, *Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &AttachResult{Position: s.pos}
	if s.pos.Continues(req.Lineage, req.Offset) && s.backlog.Covers(req.Offset) {
		entries, _ := s.backlog.Since(req.Offset)
		res.Mode = ResyncPartial
		res.Backlog = entries
	} else {
		snap, err := s.engine.Snapshot()
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot for full resync: %w", err)
		}
		res.Mode = ResyncFull
		res.Snapshot = snap
	}
	s.metrics.ReplicationResyncsTotal.WithLabelValues(string(res.Mode)).Inc()

	s.nextSub++
	sub := &Subscription{
		id:     s.nextSub,
		name:   name,
		stream: s,
		ch:     make(chan Entry, s.cfg.SubscriberBuffer),
	}
	s.subs[sub.id] = sub

	s.logger.Info("secondary attached",
		logging.String("subscriber", name),
		logging.String("mode", string(res.Mode)),
		logging.String("requested_lineage", req.Lineage.String()),
		logging.Uint64("requested_offset", req.Offset),
		logging.Offset(s.pos.Offset))
	return res, sub, nil
}

// Snapshot returns the engine state together with the position it
// reflects, for checkpoints.
func (s *Stream) Snapshot() (Position, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.engine.Snapshot()
	if err != nil {
		return Position{}, nil, err
	}
	return s.pos, snap, nil
}

// Fork starts a new lineage at the current offset, remembering the old one
// as the fork point. Called when a secondary is promoted.
func (s *Stream) Fork(epoch uint64) Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pos = Position{
		Lineage:     NewLineage(epoch),
		Offset:      s.pos.Offset,
		Previous:    s.pos.Lineage,
		PreviousEnd: s.pos.Offset,
	}
	s.closeAllLocked(ErrStreamReset)
	s.logger.Info("forked new lineage",
		logging.String("lineage", s.pos.Lineage.String()),
		logging.String("previous", s.pos.Previous.String()),
		logging.Offset(s.pos.Offset))
	return s.pos
}

// ResetTo installs a full snapshot received from a primary.
func (s *Stream) ResetTo(pos Position, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Restore(snapshot); err != nil {
		return err
	}
	s.pos = pos
	s.backlog.Reset(pos.Offset)
	s.closeAllLocked(ErrStreamReset)
	s.metrics.ReplicationOffset.Set(float64(pos.Offset))
	return nil
}

// AdoptLineage switches to a primary's lineage after a partial resync in
// which the local history is a prefix of the primary's.
func (s *Stream) AdoptLineage(pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !pos.Continues(s.pos.Lineage, s.pos.Offset) {
		return fmt.Errorf("%w: local %s/%d does not continue into %s",
			ErrOffsetGap, s.pos.Lineage, s.pos.Offset, pos.Lineage)
	}
	s.pos.Lineage = pos.Lineage
	s.pos.Previous = pos.Previous
	s.pos.PreviousEnd = pos.PreviousEnd
	return nil
}

// CloseSubscribers disconnects every subscriber, e.g. on demotion.
func (s *Stream) CloseSubscribers(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllLocked(reason)
}

// Subscribers counts the live replication links reading the stream.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// BacklogRange returns the first and last retained offsets.
func (s *Stream) BacklogRange() (first, last uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.First(), s.backlog.Last()
}

func (s *Stream) closeAllLocked(reason error) {
	for id := range s.subs {
		s.closeSubLocked(id, reason)
	}
}

func (s *Stream) closeSubLocked(id uint64, reason error) {
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	sub.err = reason
	close(sub.ch)
}

// Subscription delivers entries appended after Attach. C is closed when the
// subscription ends; Err then reports why.
type Subscription struct {
	id     uint64
	name   string
	stream *Stream
	ch     chan Entry
	err    error
}

func (sub *Subscription) C() <-chan Entry { return sub.ch }

// Err returns the reason the subscription was closed, or nil if it is open.
func (sub *Subscription) Err() error {
	sub.stream.mu.Lock()
	defer sub.stream.mu.Unlock()
	return sub.err
}

// Close unregisters the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.stream.mu.Lock()
	defer sub.stream.mu.Unlock()
	sub.stream.closeSubLocked(sub.id, ErrClosed)
}
