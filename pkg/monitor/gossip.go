package monitor

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-kv/pkg/logging"
)

const helloRecvDeadline = 200 * time.Millisecond

// gossip publishes hello messages on a PUB socket and listens to every
// peer's PUB socket with one SUB socket. Monitors that find each other
// this way become peers without being listed in the configuration.
type gossip struct {
	m   *Monitor
	url string
	pub mangos.Socket
	sub mangos.Socket

	mu     sync.Mutex
	dialed map[string]bool
}

func newGossip(m *Monitor, url string) (*gossip, error) {
	p, err := pub.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := p.Listen(url); err != nil {
		p.Close()
		return nil, err
	}
	s, err := sub.NewSocket()
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		p.Close()
		s.Close()
		return nil, err
	}
	if err := s.SetOption(mangos.OptionRecvDeadline, helloRecvDeadline); err != nil {
		p.Close()
		s.Close()
		return nil, err
	}
	return &gossip{m: m, url: url, pub: p, sub: s, dialed: map[string]bool{url: true}}, nil
}

// dial subscribes to the hello socket at url. Peers that are not up yet
// are retried by mangos in the background.
func (g *gossip) dial(url string) {
	g.mu.Lock()
	if url == "" || g.dialed[url] {
		g.mu.Unlock()
		return
	}
	g.dialed[url] = true
	g.mu.Unlock()

	opts := map[string]any{mangos.OptionDialAsynch: true}
	if err := g.sub.DialOptions(url, opts); err != nil {
		g.m.logger.Warn("hello dial failed", logging.String("url", url), logging.Error(err))
		g.mu.Lock()
		delete(g.dialed, url)
		g.mu.Unlock()
	}
}

func (g *gossip) close() {
	g.sub.Close()
	g.pub.Close()
}

func (g *gossip) helloLoop() {
	ticker := time.NewTicker(g.m.cfg.HelloInterval)
	defer ticker.Stop()
	for {
		for _, ms := range g.m.masters {
			g.publishMaster(ms)
		}
		select {
		case <-g.m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// publishMaster sends this monitor's current configuration of ms.
func (g *gossip) publishMaster(ms *master) {
	ms.mu.Lock()
	h := Hello{
		MonitorID:   g.m.id,
		RPCAddr:     g.m.RPCAddr(),
		HelloAddr:   g.url,
		Master:      ms.cfg.Name,
		PrimaryAddr: ms.addr,
		ConfigEpoch: ms.configEpoch,
		Time:        time.Now(),
	}
	ms.mu.Unlock()

	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	if err := g.pub.Send(data); err != nil && !errors.Is(err, mangos.ErrClosed) {
		g.m.logger.Debug("hello send failed", logging.Master(h.Master), logging.Error(err))
	}
}

func (g *gossip) recvLoop() {
	for g.m.ctx.Err() == nil {
		data, err := g.sub.Recv()
		switch {
		case errors.Is(err, mangos.ErrRecvTimeout):
			continue
		case errors.Is(err, mangos.ErrClosed):
			return
		case err != nil:
			g.m.logger.Debug("hello recv failed", logging.Error(err))
			continue
		}
		var h Hello
		if err := json.Unmarshal(data, &h); err != nil {
			g.m.logger.Debug("bad hello", logging.Error(err))
			continue
		}
		g.handleHello(h)
	}
}

// handleHello learns the sender as a peer and adopts its configuration if
// it is newer than ours.
func (g *gossip) handleHello(h Hello) {
	if h.MonitorID == g.m.id || h.RPCAddr == "" {
		return
	}
	g.m.AddPeer(h.RPCAddr)
	g.m.mu.Lock()
	if p, ok := g.m.peers[h.RPCAddr]; ok {
		p.lastHello = time.Now()
	}
	g.m.mu.Unlock()
	g.m.learnPeer(h.RPCAddr, h.MonitorID, h.HelloAddr, false)

	ms, ok := g.m.masters[h.Master]
	if !ok {
		return
	}
	g.m.switchMaster(ms, h.PrimaryAddr, h.ConfigEpoch, "hello from "+h.MonitorID)
}
