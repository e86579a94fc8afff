package monitor

import (
	"sort"
)

// Masters returns a view of every monitored master, sorted by name.
func (m *Monitor) Masters() []MasterView {
	out := make([]MasterView, 0, len(m.masters))
	for _, ms := range m.masters {
		out = append(out, m.masterView(ms))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Master returns the monitor's current view of one master, including the
// state of its running or last failover and a Condition for operators.
// It returns ErrUnknownMaster for names it does not monitor.
func (m *Monitor) Master(name string) (MasterView, error) {
	ms, err := m.master(name)
	if err != nil {
		return MasterView{}, err
	}
	return m.masterView(ms), nil
}

// Replicas returns every node of the master other than its primary.
func (m *Monitor) Replicas(name string) ([]NodeView, error) {
	ms, err := m.master(name)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	out := make([]NodeView, 0, len(ms.nodes))
	for addr, v := range ms.nodes {
		if addr != ms.addr {
			out = append(out, *v)
		}
	}
	ms.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

// Monitors returns the peers known to this monitor.
func (m *Monitor) Monitors(name string) ([]MonitorView, error) {
	if _, err := m.master(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]MonitorView, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, MonitorView{
			ID:        p.id,
			Addr:      p.addr,
			HelloAddr: p.helloAddr,
			LastReply: p.lastReply,
			LastHello: p.lastHello,
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

// GetMasterAddrByName returns the primary clients should write to.
func (m *Monitor) GetMasterAddrByName(name string) (MasterAddr, error) {
	ms, err := m.master(name)
	if err != nil {
		return MasterAddr{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return MasterAddr{Name: name, Addr: ms.addr, Epoch: ms.configEpoch}, nil
}

// Votes returns the votes this monitor cast for master, oldest first.
func (m *Monitor) Votes(name string) ([]VoteRecord, error) {
	ms, err := m.master(name)
	if err != nil {
		return nil, err
	}
	return ms.votes.Records(), nil
}

func (m *Monitor) masterView(ms *master) MasterView {
	m.mu.RLock()
	monitors := len(m.peers)
	m.mu.RUnlock()
	_, quorumErr := m.CKQuorum(ms.cfg.Name)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	v := MasterView{
		Name:          ms.cfg.Name,
		Addr:          ms.addr,
		ConfigEpoch:   ms.configEpoch,
		CurrentEpoch:  ms.currentEpoch,
		Quorum:        ms.cfg.Quorum,
		Replicas:      max(len(ms.nodes)-1, 0),
		Monitors:      monitors,
		FailoverState: FailoverNone,
	}
	if p, ok := ms.nodes[ms.addr]; ok {
		v.Primary = *p
		v.Status = p.Status
	}
	vote := ms.votes.Highest()
	v.Leader, v.LeaderEpoch = vote.CandidateID, vote.Epoch

	run := ms.failover
	if run == nil {
		run = ms.last
	}
	if run != nil {
		v.FailoverState = run.state
		v.FailoverEpoch = run.epoch
		v.FailoverError = run.reason
	}
	v.Condition = condition(ms.failover != nil, v.Status, quorumErr)
	return v
}

func condition(running bool, primary Status, quorumErr error) Condition {
	switch {
	case running:
		return ConditionFailoverInProgress
	case quorumErr != nil:
		return ConditionNoFailover
	case primary != StatusUp:
		return ConditionFailoverPending
	}
	return ConditionOK
}
