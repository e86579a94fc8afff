package monitor

import (
	"fmt"
	"time"
)

// RPC methods served by a monitor to its peers.
const (
	MethodPing          = "monitor.ping"
	MethodIsPrimaryDown = "monitor.is-primary-down"
	MethodAnnounce      = "monitor.announce"
)

// Status is a monitor's opinion of a node.
type Status int

const (
	StatusUp Status = iota
	StatusSubjectivelyDown
	StatusObjectivelyDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusSubjectivelyDown:
		return "subjectively_down"
	case StatusObjectivelyDown:
		return "objectively_down"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses the names String produces.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "up":
		*s = StatusUp
	case "subjectively_down":
		*s = StatusSubjectivelyDown
	case "objectively_down":
		*s = StatusObjectivelyDown
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Down reports whether s is either down state.
func (s Status) Down() bool { return s != StatusUp }

// NodeRole is the role a monitor last saw a node in.
type NodeRole string

const (
	RolePrimary     NodeRole = "primary"
	RoleSecondary   NodeRole = "secondary"
	RoleUnreachable NodeRole = "unreachable"
)

// FailoverState is the step a failover run is in.
type FailoverState string

const (
	FailoverNone     FailoverState = "none"
	FailoverElection FailoverState = "election"
	FailoverSelect   FailoverState = "select_candidate"
	FailoverPromote  FailoverState = "promote"
	FailoverRewire   FailoverState = "rewire"
	FailoverAnnounce FailoverState = "announce"
	FailoverDone     FailoverState = "done"
	FailoverAbort    FailoverState = "abort"
)

// Condition is the one-line summary of a master shown to operators.
type Condition string

const (
	ConditionOK                 Condition = "ok"
	ConditionFailoverInProgress Condition = "failover in progress"
	// ConditionFailoverPending means the primary is down and the monitors
	// can still fail it over, but no run is active: they are waiting for
	// agreement, or for the retry delay after an abandoned epoch.
	ConditionFailoverPending Condition = "failover pending"
	// ConditionNoFailover means too few monitors are reachable to reach
	// quorum or a majority. Writes stay blocked if the primary is gone.
	ConditionNoFailover Condition = "no failover possible"
)

// NodeView is one monitor's belief about a node. It is always handed out
// as a copy.
type NodeView struct {
	Addr            string    `json:"addr"`
	NodeID          string    `json:"node_id,omitempty"`
	RunID           string    `json:"run_id,omitempty"`
	Role            NodeRole  `json:"role"`
	Status          Status    `json:"status"`
	Epoch           uint64    `json:"epoch"`
	Lineage         string    `json:"lineage,omitempty"`
	Offset          uint64    `json:"offset"`
	Priority        int       `json:"priority"`
	ReplicationAddr string    `json:"replication_addr,omitempty"`
	PrimaryAddr     string    `json:"primary_addr,omitempty"`
	LinkUp          bool      `json:"link_up"`
	Lag             uint64    `json:"lag"`
	LastReply       time.Time `json:"last_reply"`
	LastInfo        time.Time `json:"last_info"`
	DownSince       time.Time `json:"down_since,omitempty"`
}

// MasterView summarizes a monitored master.
type MasterView struct {
	Name          string        `json:"name"`
	Addr          string        `json:"addr"`
	ConfigEpoch   uint64        `json:"config_epoch"`
	CurrentEpoch  uint64        `json:"current_epoch"`
	Status        Status        `json:"status"`
	Quorum        int           `json:"quorum"`
	Replicas      int           `json:"num_replicas"`
	Monitors      int           `json:"num_other_monitors"`
	Condition     Condition     `json:"condition"`
	FailoverState FailoverState `json:"failover_state"`
	FailoverEpoch uint64        `json:"failover_epoch,omitempty"`
	FailoverError string        `json:"failover_error,omitempty"`
	Leader        string        `json:"leader,omitempty"`
	LeaderEpoch   uint64        `json:"leader_epoch,omitempty"`
	Primary       NodeView      `json:"primary"`
}

// MonitorView is what this monitor knows about a peer.
type MonitorView struct {
	ID        string    `json:"id,omitempty"`
	Addr      string    `json:"addr"`
	HelloAddr string    `json:"hello_addr,omitempty"`
	LastReply time.Time `json:"last_reply"`
	LastHello time.Time `json:"last_hello"`
}

// VoteRecord is a vote a monitor cast for a failover leader. It is never
// changed once cast.
type VoteRecord struct {
	Epoch       uint64 `json:"epoch"`
	VoterID     string `json:"voter_id"`
	CandidateID string `json:"candidate_id"`
}

// MasterAddr answers get-master-addr-by-name.
type MasterAddr struct {
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	Epoch uint64 `json:"epoch"`
}

// QuorumReport answers ckquorum.
type QuorumReport struct {
	Master   string `json:"master"`
	Usable   int    `json:"usable"`
	Quorum   int    `json:"quorum"`
	Majority int    `json:"majority"`
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
}

// PeerPing is both request and reply of MethodPing.
type PeerPing struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	HelloAddr string `json:"hello_addr,omitempty"`
}

// IsPrimaryDownRequest asks a peer whether it considers the primary at
// Addr down. A non-empty Candidate also asks for the peer's vote at Epoch.
type IsPrimaryDownRequest struct {
	Master    string `json:"master"`
	Addr      string `json:"addr"`
	Epoch     uint64 `json:"epoch"`
	Candidate string `json:"candidate,omitempty"`
	From      string `json:"from,omitempty"`
}

type IsPrimaryDownResponse struct {
	MonitorID   string `json:"monitor_id"`
	Down        bool   `json:"down"`
	Leader      string `json:"leader,omitempty"`
	LeaderEpoch uint64 `json:"leader_epoch,omitempty"`
}

// AnnounceRequest tells a peer which node is primary at Epoch.
type AnnounceRequest struct {
	Master string `json:"master"`
	Addr   string `json:"addr"`
	Epoch  uint64 `json:"epoch"`
	From   string `json:"from,omitempty"`
}

type AnnounceResponse struct {
	Adopted     bool   `json:"adopted"`
	ConfigEpoch uint64 `json:"config_epoch"`
}

// Hello is gossiped periodically for every master a monitor watches.
type Hello struct {
	MonitorID   string    `json:"monitor_id"`
	RPCAddr     string    `json:"rpc_addr"`
	HelloAddr   string    `json:"hello_addr,omitempty"`
	Master      string    `json:"master"`
	PrimaryAddr string    `json:"primary_addr"`
	ConfigEpoch uint64    `json:"config_epoch"`
	Time        time.Time `json:"time"`
}
