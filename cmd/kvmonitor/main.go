package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/monitor"
	"github.com/dd0wney/cluso-kv/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (required)")
	id := flag.String("id", "", "Monitor ID (random if empty)")
	rpcAddr := flag.String("rpc", "", "RPC listen address")
	httpAddr := flag.String("http", "", "Query API address (empty disables)")
	peers := flag.String("peers", "", "Comma separated RPC addresses of the other monitors")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "kvmonitor: -config is required")
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := monitor.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *id != "" {
		cfg.ID = *id
	}
	if *rpcAddr != "" {
		cfg.RPCAddr = *rpcAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *peers != "" {
		cfg.Peers = strings.Split(*peers, ",")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultLogger(logger)

	m, err := monitor.New(cfg, logger, metrics.DefaultRegistry())
	if err != nil {
		logger.Error("invalid monitor config", logging.Error(err))
		os.Exit(1)
	}
	if err := m.Start(); err != nil {
		logger.Error("monitor failed to start", logging.Error(err))
		os.Exit(1)
	}

	server.WaitForShutdown(context.Background(), logger, func() error {
		reloaded, err := monitor.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		logger.SetLevel(logging.ParseLevel(reloaded.LogLevel))
		return nil
	})
	m.Stop()
}
