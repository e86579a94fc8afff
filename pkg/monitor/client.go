package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
)

// PeerClient calls other monitors.
type PeerClient struct {
	rpc rpc.Caller
}

// NewPeerClient returns a client for the monitor-to-monitor RPCs.
func NewPeerClient(c rpc.Caller) *PeerClient {
	return &PeerClient{rpc: c}
}

// Ping exchanges liveness with a peer monitor and learns its hello address.
func (c *PeerClient) Ping(ctx context.Context, addr string, req PeerPing) (PeerPing, error) {
	var resp PeerPing
	err := c.rpc.Call(ctx, addr, MethodPing, &req, &resp)
	return resp, err
}

// IsPrimaryDown asks a peer whether it also sees the primary down. When
// req carries a candidate and an epoch, the reply includes the peer's vote
// for that epoch.
func (c *PeerClient) IsPrimaryDown(ctx context.Context, addr string, req IsPrimaryDownRequest) (IsPrimaryDownResponse, error) {
	var resp IsPrimaryDownResponse
	err := c.rpc.Call(ctx, addr, MethodIsPrimaryDown, &req, &resp)
	return resp, err
}

// Announce pushes this monitor's configuration for one master to a peer.
func (c *PeerClient) Announce(ctx context.Context, addr string, req AnnounceRequest) (AnnounceResponse, error) {
	var resp AnnounceResponse
	err := c.rpc.Call(ctx, addr, MethodAnnounce, &req, &resp)
	return resp, err
}

// QueryClient reads a monitor's HTTP API. Clients use it to find the
// current primary and operators to inspect and steer failover.
type QueryClient struct {
	base string
	http *http.Client
}

// NewQueryClient talks to the monitor HTTP API at addr (host:port or URL).
func NewQueryClient(addr string, timeout time.Duration) *QueryClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &QueryClient{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: timeout}}
}

// APIError is a non-2xx answer from the monitor.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("monitor api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("monitor api: %d: %s", e.Status, e.Message)
}

// Masters lists every master the monitor watches.
func (c *QueryClient) Masters(ctx context.Context) ([]MasterView, error) {
	var out []MasterView
	err := c.do(ctx, http.MethodGet, "/masters", &out)
	return out, err
}

// Master fetches one master. An unknown name comes back as an *APIError
// with status 404.
func (c *QueryClient) Master(ctx context.Context, name string) (MasterView, error) {
	var out MasterView
	err := c.do(ctx, http.MethodGet, "/masters/"+url.PathEscape(name), &out)
	return out, err
}

// Replicas lists the secondaries the monitor knows for name.
func (c *QueryClient) Replicas(ctx context.Context, name string) ([]NodeView, error) {
	var out []NodeView
	err := c.do(ctx, http.MethodGet, "/masters/"+url.PathEscape(name)+"/replicas", &out)
	return out, err
}

func (c *QueryClient) Monitors(ctx context.Context, name string) ([]MonitorView, error) {
	var out []MonitorView
	err := c.do(ctx, http.MethodGet, "/masters/"+url.PathEscape(name)+"/monitors", &out)
	return out, err
}

// GetMasterAddrByName returns the address clients should write to.
func (c *QueryClient) GetMasterAddrByName(ctx context.Context, name string) (MasterAddr, error) {
	var out MasterAddr
	err := c.do(ctx, http.MethodGet, "/masters/"+url.PathEscape(name)+"/addr", &out)
	return out, err
}

// CKQuorum returns the report even when the quorum check fails; the error
// is then an *APIError with status 503.
func (c *QueryClient) CKQuorum(ctx context.Context, name string) (QuorumReport, error) {
	var out QuorumReport
	err := c.do(ctx, http.MethodGet, "/masters/"+url.PathEscape(name)+"/ckquorum", &out)
	return out, err
}

// Failover asks the monitor to start a failover without waiting for the
// primary to be objectively down. It returns once the run has started,
// not when it finishes; poll Master for the outcome.
func (c *QueryClient) Failover(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/masters/"+url.PathEscape(name)+"/failover", nil)
}

// Events streams events for master (every master when empty) to fn until
// ctx is done, fn returns an error or the server closes the stream. Events
// after seq are replayed first.
func (c *QueryClient) Events(ctx context.Context, master string, after uint64, fn func(events.Event) error) error {
	q := url.Values{}
	if master != "" {
		q.Set("master", master)
	}
	q.Set("after", strconv.FormatUint(after, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the per-request timeout.
	stream := *c.http
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := bytes.CutPrefix(sc.Bytes(), []byte("data: "))
		if !ok {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *QueryClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		// A failed ckquorum still carries its report.
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil {
			_ = json.Unmarshal(body, out)
		}
		return apiErr
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}
