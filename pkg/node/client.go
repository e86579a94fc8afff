package node

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

// Client is a typed RPC client for nodes, used by monitors, peers and
// tooling.
type Client struct {
	rpc rpc.Caller
}

// NewClient creates a client with a per-call timeout. issuer may be nil.
func NewClient(timeout time.Duration, issuer rpc.TokenIssuer) *Client {
	return &Client{rpc: rpc.NewClient(timeout, issuer)}
}

// NewClientWith sends every call through caller.
func NewClientWith(caller rpc.Caller) *Client {
	return &Client{rpc: caller}
}

// Ping checks that the node at addr is alive and tells it the epoch the
// caller believes in.
func (c *Client) Ping(ctx context.Context, addr string, req PingRequest) (PingResponse, error) {
	var resp PingResponse
	err := c.rpc.Call(ctx, addr, MethodPing, &req, &resp)
	return resp, err
}

// Info fetches the node's role, replication position and link state.
func (c *Client) Info(ctx context.Context, addr string) (Info, error) {
	var resp Info
	err := c.rpc.Call(ctx, addr, MethodInfo, nil, &resp)
	return resp, err
}

// Promote asks the node at addr to become primary under req.Epoch. The
// node answers with an *rpc.Error coded stale_epoch or fenced when the
// epoch is no longer valid for it. Repeating a successful call for the
// same epoch succeeds again without side effects.
func (c *Client) Promote(ctx context.Context, addr string, req PromoteRequest) (PromoteResponse, error) {
	var resp PromoteResponse
	err := c.rpc.Call(ctx, addr, MethodPromote, &req, &resp)
	return resp, err
}

// ReplicaOf points the node at a new primary.
func (c *Client) ReplicaOf(ctx context.Context, addr string, req ReplicaOfRequest) (ReplicaOfResponse, error) {
	var resp ReplicaOfResponse
	err := c.rpc.Call(ctx, addr, MethodReplicaOf, &req, &resp)
	return resp, err
}

// Fence forbids the node from acting as primary at or below req.Epoch.
func (c *Client) Fence(ctx context.Context, addr string, req FenceRequest) (FenceResponse, error) {
	var resp FenceResponse
	err := c.rpc.Call(ctx, addr, MethodFence, &req, &resp)
	return resp, err
}

// Get reads key from the node at addr.
func (c *Client) Get(ctx context.Context, addr, key string) (GetResponse, error) {
	var req GetRequest
	req.Key = key
	var resp GetResponse
	err := c.rpc.Call(ctx, addr, MethodGet, &req, &resp)
	return resp, err
}

// Set writes key on the node at addr. A secondary refuses with
// rpc.ErrReadOnly naming the primary it follows.
func (c *Client) Set(ctx context.Context, addr, key, value string) (WriteResponse, error) {
	var req SetRequest
	req.Key, req.Value = key, value
	var resp WriteResponse
	err := c.rpc.Call(ctx, addr, MethodSet, &req, &resp)
	return resp, err
}

func (c *Client) Del(ctx context.Context, addr, key string) (WriteResponse, error) {
	var req DelRequest
	req.Key = key
	var resp WriteResponse
	err := c.rpc.Call(ctx, addr, MethodDel, &req, &resp)
	return resp, err
}

func (c *Client) IncrBy(ctx context.Context, addr, key string, delta int64) (WriteResponse, error) {
	var req IncrByRequest
	req.Key, req.Delta = key, delta
	var resp WriteResponse
	err := c.rpc.Call(ctx, addr, MethodIncrBy, &req, &resp)
	return resp, err
}
