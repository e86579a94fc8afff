package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// ServerConfig configures an RPC listener.
type ServerConfig struct {
	ListenAddr string
	// IdleTimeout closes connections with no request for this long.
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	HandlerTimeout time.Duration
	MaxConns       int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":7379",
		IdleTimeout:    2 * time.Minute,
		WriteTimeout:   5 * time.Second,
		HandlerTimeout: 10 * time.Second,
		MaxConns:       1024,
	}
}

func (c *ServerConfig) ApplyDefaults() {
	d := DefaultServerConfig()
	c.ListenAddr = validation.DefaultOr(c.ListenAddr, d.ListenAddr)
	c.IdleTimeout = validation.DefaultOrDuration(c.IdleTimeout, d.IdleTimeout)
	c.WriteTimeout = validation.DefaultOrDuration(c.WriteTimeout, d.WriteTimeout)
	c.HandlerTimeout = validation.DefaultOrDuration(c.HandlerTimeout, d.HandlerTimeout)
	c.MaxConns = validation.DefaultOrInt(c.MaxConns, d.MaxConns)
}

// Server serves a Router over TCP.
type Server struct {
	*Router
	cfg      ServerConfig
	verifier TokenVerifier
	logger   logging.Logger

	listener net.Listener
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server. verifier may be nil to skip authentication.
func NewServer(cfg ServerConfig, verifier TokenVerifier, logger logging.Logger) *Server {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		baseCtx:  ctx,
		cancel:   cancel,
		Router:   NewRouter(),
		cfg:      cfg,
		verifier: verifier,
		logger:   logging.OrDefault(logger).With(logging.Component("rpc")),
		conns:    make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("rpc server started", logging.Addr(ln.Addr().String()))
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and all open connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.connsMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connsMu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", logging.Error(err))
			continue
		}

		s.connsMu.Lock()
		if len(s.conns) >= s.cfg.MaxConns {
			s.connsMu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		resp := s.serve(&req)
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("write response failed", logging.Operation(req.Method), logging.Error(err))
			return
		}
	}
}

func (s *Server) serve(req *Request) (resp *Response) {
	resp = &Response{ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", logging.Operation(req.Method), logging.Any("panic", fmt.Sprint(r)))
			resp.Data = nil
			resp.Error = Errorf(CodeInternal, "handler panic")
		}
	}()

	if s.verifier != nil {
		if err := s.verifier.Verify(req.Token, Audience); err != nil {
			resp.Error = Errorf(CodeUnauthorized, "%v", err)
			return resp
		}
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.HandlerTimeout)
	defer cancel()

	out, err := s.Dispatch(ctx, req.Method, req.Data)
	if err != nil {
		resp.Error = AsError(err)
		return resp
	}
	if out != nil {
		data, err := json.Marshal(out)
		if err != nil {
			resp.Error = Errorf(CodeInternal, "encode response: %v", err)
			return resp
		}
		resp.Data = data
	}
	return resp
}
