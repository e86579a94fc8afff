package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/node"
	"github.com/dd0wney/cluso-kv/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	id := flag.String("id", "", "Node ID (generated and checkpointed if empty)")
	rpcAddr := flag.String("rpc", "", "RPC listen address")
	replAddr := flag.String("replication", "", "Replication listen address")
	httpAddr := flag.String("http", "", "Client HTTP address (empty disables)")
	replicaOf := flag.String("replica-of", "", "Start as a secondary of the primary at this RPC address")
	priority := flag.Int("priority", 0, "Failover priority, lower is preferred")
	noPromote := flag.Bool("no-promote", false, "Never promote this node")
	checkpointPath := flag.String("checkpoint", "", "Checkpoint file")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	cfg := node.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = node.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	override(&cfg.NodeID, *id)
	override(&cfg.RPCAddr, *rpcAddr)
	override(&cfg.ReplicationAddr, *replAddr)
	override(&cfg.HTTPAddr, *httpAddr)
	override(&cfg.ReplicaOf, *replicaOf)
	override(&cfg.CheckpointPath, *checkpointPath)
	override(&cfg.LogLevel, *logLevel)
	if *priority > 0 {
		cfg.Priority = *priority
	}
	if *noPromote {
		cfg.NoPromote = true
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.New(ctx, cfg, logger, metrics.DefaultRegistry())
	if err != nil {
		logger.Error("invalid node config", logging.Error(err))
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		logger.Error("node failed to start", logging.Error(err))
		os.Exit(1)
	}

	server.WaitForShutdown(ctx, logger, func() error {
		if *configPath == "" {
			return nil
		}
		reloaded, err := node.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		logger.SetLevel(logging.ParseLevel(reloaded.LogLevel))
		return nil
	})
	n.Stop()
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
