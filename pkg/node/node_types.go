package node

import (
	"time"

	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// RPC method names served by a node.
const (
	MethodPing      = "ping"
	MethodInfo      = "info"
	MethodPromote   = "promote"
	MethodReplicaOf = "replicaof"
	MethodFence     = "fence"
	MethodGet       = "get"
	MethodSet       = "set"
	MethodDel       = "del"
	MethodIncrBy    = "incrby"
)

type RoleKind string

const (
	RolePrimary   RoleKind = "primary"
	RoleSecondary RoleKind = "secondary"
)

// Role is either PrimaryRole or SecondaryRole. A node changes role only by
// replacing the value, never by mutating it.
type Role interface {
	Kind() RoleKind
	RoleEpoch() uint64
	sealed()
}

// PrimaryRole accepts writes under Epoch.
type PrimaryRole struct {
	Epoch uint64
	Since time.Time
}

// SecondaryRole follows the primary at PrimaryAddr. An empty PrimaryAddr
// means the node was demoted and waits to be told whom to follow.
type SecondaryRole struct {
	Epoch           uint64
	PrimaryAddr     string
	PrimaryReplAddr string
	Since           time.Time
}

func (PrimaryRole) Kind() RoleKind { return RolePrimary }

// RoleEpoch is the epoch the node was promoted under.
func (r PrimaryRole) RoleEpoch() uint64 { return r.Epoch }
func (PrimaryRole) sealed()             {}

func (SecondaryRole) Kind() RoleKind { return RoleSecondary }

// RoleEpoch is the epoch of the last ReplicaOf the node accepted.
func (r SecondaryRole) RoleEpoch() uint64 { return r.Epoch }
func (SecondaryRole) sealed()             {}

// PingRequest carries the caller's view of the configuration epoch. A node
// that learns of a higher epoch this way demotes itself if it is a primary.
type PingRequest struct {
	From  string `json:"from,omitempty"`
	Epoch uint64 `json:"epoch,omitempty"`
}

type PingResponse struct {
	NodeID string    `json:"node_id"`
	RunID  string    `json:"run_id"`
	Role   RoleKind  `json:"role"`
	Epoch  uint64    `json:"epoch"`
	Offset uint64    `json:"offset"`
	Time   time.Time `json:"time"`
}

// Info is the replication section of a node's state as monitors see it.
type Info struct {
	NodeID          string               `json:"node_id"`
	RunID           string               `json:"run_id"`
	Role            RoleKind             `json:"role"`
	Epoch           uint64               `json:"epoch"`
	HighestEpoch    uint64               `json:"highest_epoch"`
	FencedEpoch     uint64               `json:"fenced_epoch"`
	Priority        int                  `json:"priority"`
	RPCAddr         string               `json:"rpc_addr"`
	ReplicationAddr string               `json:"replication_addr"`
	HTTPAddr        string               `json:"http_addr,omitempty"`
	Position        replication.Position `json:"position"`
	BacklogFirst    uint64               `json:"backlog_first"`
	BacklogLast     uint64               `json:"backlog_last"`
	Keys            int                  `json:"keys"`
	Uptime          time.Duration        `json:"uptime"`

	// Primary only.
	Replicas []replication.ReplicaInfo `json:"replicas,omitempty"`

	// Secondary only.
	PrimaryAddr string                   `json:"primary_addr,omitempty"`
	Link        *replication.AgentStatus `json:"link,omitempty"`
}

type PromoteRequest struct {
	Epoch  uint64 `json:"epoch"`
	Leader string `json:"leader,omitempty"`
}

type PromoteResponse struct {
	NodeID   string               `json:"node_id"`
	Epoch    uint64               `json:"epoch"`
	Position replication.Position `json:"position"`
}

// ReplicaOfRequest points a node at a primary. Primary is the primary's RPC
// address; ReplicationAddr may be left empty and is then looked up.
type ReplicaOfRequest struct {
	Primary         string `json:"primary"`
	ReplicationAddr string `json:"replication_addr,omitempty"`
	Epoch           uint64 `json:"epoch"`
	From            string `json:"from,omitempty"`
}

type ReplicaOfResponse struct {
	NodeID  string `json:"node_id"`
	Epoch   uint64 `json:"epoch"`
	Changed bool   `json:"changed"`
}

// FenceRequest forbids the node from being primary for any epoch up to and
// including Epoch.
type FenceRequest struct {
	Epoch uint64 `json:"epoch"`
	From  string `json:"from,omitempty"`
}

type FenceResponse struct {
	NodeID      string   `json:"node_id"`
	FencedEpoch uint64   `json:"fenced_epoch"`
	Role        RoleKind `json:"role"`
}

type GetRequest struct {
	validation.KeyRequest
}

type GetResponse struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type SetRequest struct {
	validation.SetRequest
	Epoch uint64 `json:"epoch,omitempty"`
}

type DelRequest struct {
	validation.KeyRequest
	Epoch uint64 `json:"epoch,omitempty"`
}

type IncrByRequest struct {
	validation.IncrByRequest
	Epoch uint64 `json:"epoch,omitempty"`
}

// WriteResponse reports the offset the write was applied under.
type WriteResponse struct {
	Value   string `json:"value,omitempty"`
	Existed bool   `json:"existed"`
	Offset  uint64 `json:"offset"`
}
