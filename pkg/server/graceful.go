// Package server runs the HTTP endpoints of nodes and monitors with
// bounded timeouts and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// Config holds HTTP server timeouts.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.Addr = validation.DefaultOr(c.Addr, d.Addr)
	c.ReadTimeout = validation.DefaultOrDuration(c.ReadTimeout, d.ReadTimeout)
	c.WriteTimeout = validation.DefaultOrDuration(c.WriteTimeout, d.WriteTimeout)
	c.IdleTimeout = validation.DefaultOrDuration(c.IdleTimeout, d.IdleTimeout)
	c.ShutdownTimeout = validation.DefaultOrDuration(c.ShutdownTimeout, d.ShutdownTimeout)
}

// GracefulServer wraps an HTTP server with graceful shutdown.
type GracefulServer struct {
	cfg          Config
	server       *http.Server
	listener     net.Listener
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	logger       logging.Logger
}

func NewGracefulServer(cfg Config, handler http.Handler, logger logging.Logger) *GracefulServer {
	cfg.ApplyDefaults()
	return &GracefulServer{
		cfg: cfg,
		server: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: 1 << 20,
		},
		shutdownCh: make(chan struct{}),
		logger:     logging.OrDefault(logger).With(logging.Component("http")),
	}
}

// Start binds the listener and serves in the background.
func (gs *GracefulServer) Start() error {
	ln, err := net.Listen("tcp", gs.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	gs.listener = ln
	gs.logger.Info("http server started", logging.Addr(ln.Addr().String()))

	go func() {
		if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gs.logger.Error("http server failed", logging.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (gs *GracefulServer) Addr() string {
	if gs.listener == nil {
		return gs.cfg.Addr
	}
	return gs.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones up to the
// configured timeout.
func (gs *GracefulServer) Shutdown() error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), gs.cfg.ShutdownTimeout)
		defer cancel()

		if err = gs.server.Shutdown(ctx); err != nil {
			gs.logger.Warn("http shutdown incomplete", logging.Error(err))
			return
		}
		gs.logger.Info("http server stopped")
	})
	return err
}

func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}
