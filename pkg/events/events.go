// Package events is an in-process publish/subscribe bus for monitor state
// changes. Every event is also kept in a bounded history so that late
// readers can catch up.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Type names a monitor event.
type Type string

const (
	SDown            Type = "+sdown"
	SDownCleared     Type = "-sdown"
	ODown            Type = "+odown"
	ODownCleared     Type = "-odown"
	NewEpoch         Type = "+new-epoch"
	TryFailover      Type = "+try-failover"
	VoteForLeader    Type = "+vote-for-leader"
	ElectedLeader    Type = "+elected-leader"
	FailoverState    Type = "+failover-state"
	SelectedReplica  Type = "+selected-slave"
	PromotedReplica  Type = "+promoted-slave"
	ReplicaReconf    Type = "+slave-reconf-sent"
	FailoverEnd      Type = "+failover-end"
	SwitchMaster     Type = "+switch-master"
	FixReplicaConfig Type = "+fix-slave-config"
	ConvertToReplica Type = "+convert-to-slave"
	FailoverAbort    Type = "-failover-abort"
	NewReplica       Type = "+slave"
	NewMonitor       Type = "+sentinel"
	Role             Type = "+role-change"
)

// Event is one state change observed by a monitor.
type Event struct {
	Seq    uint64    `json:"seq"`
	Type   Type      `json:"type"`
	Master string    `json:"master"`
	Node   string    `json:"node,omitempty"`
	Epoch  uint64    `json:"epoch"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

func (e Event) String() string {
	s := fmt.Sprintf("%s master %s", e.Type, e.Master)
	if e.Node != "" {
		s += " " + e.Node
	}
	s += fmt.Sprintf(" #epoch %d", e.Epoch)
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

var ErrClosed = errors.New("event bus closed")

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that does not keep up loses events and sees its Dropped count
// grow.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
	history     []Event
	historyNext int
	historyLen  int
	seq         uint64
	closed      bool
	shutdown    chan struct{}
}

// Subscription receives events for one master, or every master when the
// master name is empty.
type Subscription struct {
	master    string
	ch        chan Event
	bus       *Bus
	cancel    context.CancelFunc
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewBus keeps the last historySize events.
func NewBus(historySize int) *Bus {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Bus{
		subscribers: make(map[string]map[*Subscription]struct{}),
		history:     make([]Event, historySize),
		shutdown:    make(chan struct{}),
	}
}

// Subscribe registers a subscription that ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, master string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		master: master,
		ch:     make(chan Event, 128),
		bus:    b,
		cancel: cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if b.subscribers[master] == nil {
		b.subscribers[master] = make(map[*Subscription]struct{})
	}
	b.subscribers[master][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
			sub.Unsubscribe()
		case <-b.shutdown:
		}
	}()
	return sub, nil
}

// Publish stamps e with a sequence number and time, records it and
// delivers it. The stamped event is returned.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return e
	}
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.history[b.historyNext] = e
	b.historyNext = (b.historyNext + 1) % len(b.history)
	if b.historyLen < len(b.history) {
		b.historyLen++
	}

	// Sends never block, so delivering under the lock is cheap and keeps
	// Unsubscribe from closing a channel mid-send.
	for sub := range b.subscribers[e.Master] {
		sub.deliver(e)
	}
	if e.Master != "" {
		for sub := range b.subscribers[""] {
			sub.deliver(e)
		}
	}
	b.mu.Unlock()
	return e
}

// Recent returns up to n recorded events for master (all masters when
// empty) with Seq greater than after, oldest first.
func (b *Bus) Recent(master string, after uint64, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, min(n, b.historyLen))
	start := (b.historyNext - b.historyLen + len(b.history)) % len(b.history)
	for i := 0; i < b.historyLen; i++ {
		e := b.history[(start+i)%len(b.history)]
		if e.Seq <= after || (master != "" && e.Master != master) {
			continue
		}
		out = append(out, e)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (b *Bus) SubscriberCount(master string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[master])
}

// Shutdown closes every subscription. Later publishes are ignored.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.shutdown)
	for master, subs := range b.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(b.subscribers, master)
	}
	b.mu.Unlock()
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events lost because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Unsubscribe() {
	s.cancel()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs := s.bus.subscribers[s.master]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subscribers, s.master)
		}
	}
	s.close()
}

func (s *Subscription) deliver(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}
