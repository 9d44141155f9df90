/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
ledgerdb - replicated bank-ledger consensus node

One process is one cluster member. It speaks the consensus protocol to its
peers over TCP, serves clients over HTTP, and can run either Raft or Paxos
(switchable at runtime without restarting the process).

Configuration comes from an optional config file, overridden by
environment variables (NODE_ID, NODE_IP, HTTP_PORT, TCP_PORT, PEERS,
ALGORITHM). A typical four-node local cluster:

	NODE_ID=1 TCP_PORT=5001 HTTP_PORT=8001 \
	PEERS="127.0.0.2:5002;127.0.0.3:5003;127.0.0.4:5004" ledgerdb
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ledgerdb/internal/audit"
	"ledgerdb/internal/cluster"
	"ledgerdb/internal/config"
	"ledgerdb/internal/consensus"
	"ledgerdb/internal/errors"
	"ledgerdb/internal/logging"
	"ledgerdb/internal/metrics"
	"ledgerdb/internal/node"
	"ledgerdb/internal/server"
	"ledgerdb/internal/transport"
	"ledgerdb/internal/wire"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ledgerdb v%s\n", version)
		os.Exit(0)
	}

	mgr := config.Global()
	if *configPath != "" {
		if err := mgr.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", errors.FormatError(err))
			os.Exit(1)
		}
	}
	mgr.LoadFromEnv()
	cfg := mgr.Get()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
	logger := logging.NewLogger("main")
	logger.Info("starting node", "version", version, "config", cfg.String())

	if err := run(cfg, logger); err != nil {
		logger.Error("node exited with error", "err", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	trail := audit.NewTrail(cfg.NodeID, cfg.Algorithm)
	metricSet := metrics.NewSet(fmt.Sprint(cfg.NodeID))
	peers := cluster.NewPeerSet(cfg.Peers)

	peerIPs := make([]string, 0, len(peers.Peers()))
	for _, p := range peers.Peers() {
		peerIPs = append(peerIPs, p.IP)
	}

	factory := func(algorithm string) (consensus.Engine, error) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.NodeID)))
		switch algorithm {
		case "raft":
			return consensus.NewRaft(consensus.RaftConfig{
				NodeID:            cfg.NodeID,
				Addr:              cfg.SelfAddr(),
				Peers:             peerIPs,
				ElectionBase:      cfg.ElectionBase,
				ElectionJitter:    cfg.ElectionJitter,
				HeartbeatInterval: cfg.HeartbeatInterval(),
				Rand:              rng,
				Events:            trail.Record,
				Metrics:           metricSet,
			}), nil
		case "paxos":
			return consensus.NewPaxos(consensus.PaxosConfig{
				NodeID:  cfg.NodeID,
				Addr:    cfg.SelfAddr(),
				Peers:   peerIPs,
				Rand:    rng,
				Events:  trail.Record,
				Metrics: metricSet,
			}), nil
		default:
			return nil, errors.InvalidAlgorithm(algorithm)
		}
	}

	var rt *node.Runtime

	tcp := transport.New(fmt.Sprintf(":%d", cfg.TCPPort), peers.Addrs(), func(env *wire.Envelope) {
		rt.Deliver(env)
	})

	var err error
	rt, err = node.New(node.Config{
		NodeID:    cfg.NodeID,
		SelfAddr:  cfg.SelfAddr(),
		Algorithm: cfg.Algorithm,
		Factory:   factory,
		Sender:    tcp,
		Trail:     trail,
		Metrics:   metricSet,
	})
	if err != nil {
		return err
	}

	if err := tcp.Start(); err != nil {
		return err
	}
	defer tcp.Stop()

	rt.Start()
	defer rt.Stop()

	peers.StartProbing()
	defer peers.Stop()

	discovery := cluster.NewDiscoveryService(cluster.DiscoveryConfig{
		NodeID:      fmt.Sprint(cfg.NodeID),
		ClusterAddr: fmt.Sprintf("%s:%d", cfg.NodeIP, cfg.TCPPort),
		HTTPAddr:    fmt.Sprintf("%s:%d", cfg.NodeIP, cfg.HTTPPort),
		Version:     version,
		Enabled:     cfg.Discovery,
	})
	if err := discovery.Start(); err != nil {
		logger.Warn("discovery unavailable", "err", err.Error())
	}
	defer discovery.Stop()

	httpServer := server.New(fmt.Sprintf(":%d", cfg.HTTPPort), rt, trail, metricSet)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(httpServer.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return httpServer.Close()
	})

	return g.Wait()
}
