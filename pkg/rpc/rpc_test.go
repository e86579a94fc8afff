package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/logging"
)

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text string `json:"text"`
	N    int    `json:"n"`
}

func startServer(t *testing.T, verifier TokenVerifier) *Server {
	t.Helper()
	s := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}, verifier, logging.NewNopLogger())
	HandleFunc(s.Router, "echo", func(_ context.Context, req *echoReq) (echoResp, error) {
		return echoResp{Text: req.Text, N: len(req.Text)}, nil
	})
	HandleFunc(s.Router, "readonly", func(_ context.Context, _ *struct{}) (struct{}, error) {
		return struct{}{}, &Error{Code: CodeReadOnly, Message: "replica", Primary: "10.0.0.1:7379", Epoch: 4}
	})
	HandleFunc(s.Router, "boom", func(_ context.Context, _ *struct{}) (struct{}, error) {
		panic("boom")
	})
	HandleFunc(s.Router, "slow", func(ctx context.Context, _ *struct{}) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, nil
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func TestCallRoundTrip(t *testing.T) {
	s := startServer(t, nil)
	c := NewClient(time.Second, nil)

	var resp echoResp
	require.NoError(t, c.Call(context.Background(), s.Addr(), "echo", echoReq{Text: "hello"}, &resp))
	assert.Equal(t, echoResp{Text: "hello", N: 5}, resp)
	assert.Equal(t, []string{"boom", "echo", "readonly", "slow"}, s.Methods())
}

func TestCallErrors(t *testing.T) {
	s := startServer(t, nil)
	c := NewClient(time.Second, nil)
	ctx := context.Background()

	err := c.Call(ctx, s.Addr(), "readonly", nil, nil)
	require.ErrorIs(t, err, ErrReadOnly)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "10.0.0.1:7379", re.Primary)
	assert.Equal(t, uint64(4), re.Epoch)

	assert.ErrorIs(t, c.Call(ctx, s.Addr(), "nope", nil, nil), ErrUnknownMethod)
	assert.Equal(t, CodeInternal, CodeOf(c.Call(ctx, s.Addr(), "boom", nil, nil)))
	assert.Equal(t, CodeBadRequest, CodeOf(c.Call(ctx, s.Addr(), "echo", []int{1}, nil)))
}

func TestCallTimesOutAgainstSilentPeer(t *testing.T) {
	// A listener that accepts but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := NewClient(100*time.Millisecond, nil)
	start := time.Now()
	err = c.Call(context.Background(), ln.Addr().String(), "echo", echoReq{}, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "", CodeOf(err), "transport failures are not remote errors")
}

func TestCallHonoursContextCancel(t *testing.T) {
	s := startServer(t, nil)
	c := NewClient(5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := c.Call(ctx, s.Addr(), "slow", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type tokens struct{ want string }

func (tk tokens) Issue(string) (string, error) { return tk.want, nil }
func (tk tokens) Verify(token, _ string) error {
	if token != tk.want {
		return errors.New("bad token")
	}
	return nil
}

func TestAuthentication(t *testing.T) {
	s := startServer(t, tokens{want: "t0ken"})

	ok := NewClient(time.Second, tokens{want: "t0ken"})
	assert.NoError(t, ok.Call(context.Background(), s.Addr(), "echo", echoReq{Text: "x"}, nil))

	anon := NewClient(time.Second, nil)
	assert.ErrorIs(t, anon.Call(context.Background(), s.Addr(), "echo", echoReq{}, nil), ErrUnauthorized)
}
