package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Caller is the calling side of Client. Tests substitute it to drop calls
// to chosen addresses.
type Caller interface {
	Call(ctx context.Context, addr, method string, req, resp any) error
}

// Client makes calls to RPC servers. It dials a fresh connection per call,
// so a peer that stops answering never blocks later calls.
type Client struct {
	timeout time.Duration
	issuer  TokenIssuer
	nextID  atomic.Uint64
	dialer  net.Dialer
}

// NewClient creates a client whose calls time out after timeout unless the
// context expires first. issuer may be nil.
func NewClient(timeout time.Duration, issuer TokenIssuer) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{timeout: timeout, issuer: issuer}
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Call invokes method on addr. req is encoded as the payload and the
// response payload is decoded into resp when resp is non-nil. Remote
// failures are returned as *Error.
func (c *Client) Call(ctx context.Context, addr, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := Request{ID: c.nextID.Add(1), Method: method}
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
		r.Data = data
	}
	if c.issuer != nil {
		tok, err := c.issuer.Issue(Audience)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		r.Token = tok
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	// Unblock reads if the caller cancels before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(&r); err != nil {
		return fmt.Errorf("%s %s: %w", method, addr, err)
	}
	var out Response
	if err := json.NewDecoder(conn).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, addr, ctx.Err())
		}
		return fmt.Errorf("%s %s: %w", method, addr, err)
	}
	if out.ID != r.ID {
		return fmt.Errorf("%s %s: response id %d for request %d", method, addr, out.ID, r.ID)
	}
	if out.Error != nil {
		return out.Error
	}
	if resp != nil && len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, resp); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return nil
}
