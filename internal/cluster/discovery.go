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

package cluster

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"ledgerdb/internal/logging"
)

// mDNS service identity for LedgerDB nodes.
const (
	mdnsService = "_ledgerdb._tcp"
	mdnsDomain  = "local."
)

// DiscoveryConfig configures the mDNS discovery service.
type DiscoveryConfig struct {
	NodeID      string
	ClusterAddr string // ip:tcp_port of the consensus listener
	HTTPAddr    string // ip:http_port of the client facade
	Version     string
	Enabled     bool // advertise this node on the network
}

// DiscoveredNode is one node found on the local network.
type DiscoveredNode struct {
	NodeID      string `json:"node_id"`
	ClusterID   string `json:"cluster_id,omitempty"`
	ClusterAddr string `json:"cluster_addr"`
	RaftAddr    string `json:"raft_addr,omitempty"`
	HTTPAddr    string `json:"http_addr,omitempty"`
	Version     string `json:"version,omitempty"`
}

// DiscoveryService advertises this node via mDNS and browses for others.
type DiscoveryService struct {
	config DiscoveryConfig
	logger *logging.Logger
	server *mdns.Server
}

// NewDiscoveryService creates a discovery service. Advertising only
// happens when the config enables it and Start is called; DiscoverNodes
// works either way.
func NewDiscoveryService(config DiscoveryConfig) *DiscoveryService {
	return &DiscoveryService{
		config: config,
		logger: logging.NewLogger("discovery"),
	}
}

// Start begins advertising this node on the local network.
func (d *DiscoveryService) Start() error {
	if !d.config.Enabled {
		return nil
	}

	host, _ := os.Hostname()
	port := 0
	if _, p, ok := cutPort(d.config.ClusterAddr); ok {
		port = p
	}

	info := []string{
		fmt.Sprintf("node_id=%s", d.config.NodeID),
		fmt.Sprintf("cluster_addr=%s", d.config.ClusterAddr),
		fmt.Sprintf("http_addr=%s", d.config.HTTPAddr),
		fmt.Sprintf("version=%s", d.config.Version),
	}

	service, err := mdns.NewMDNSService(d.config.NodeID, mdnsService, mdnsDomain, host+".", port, nil, info)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to start mDNS server: %w", err)
	}
	d.server = server
	d.logger.Info("advertising node", "service", mdnsService, "node_id", d.config.NodeID)
	return nil
}

// Stop stops advertising.
func (d *DiscoveryService) Stop() {
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
}

// DiscoverNodes browses the local network for LedgerDB nodes until the
// timeout elapses.
func (d *DiscoveryService) DiscoverNodes(timeout time.Duration) ([]*DiscoveredNode, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan []*DiscoveredNode, 1)

	go func() {
		var nodes []*DiscoveredNode
		seen := make(map[string]bool)
		for entry := range entries {
			node := parseServiceEntry(entry)
			if node == nil || node.NodeID == d.config.NodeID || seen[node.NodeID] {
				continue
			}
			seen[node.NodeID] = true
			nodes = append(nodes, node)
		}
		done <- nodes
	}()

	params := mdns.DefaultParams(mdnsService)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	err := mdns.Query(params)
	close(entries)
	nodes := <-done
	if err != nil {
		return nodes, fmt.Errorf("mDNS query failed: %w", err)
	}
	return nodes, nil
}

// parseServiceEntry extracts node metadata from the TXT fields.
func parseServiceEntry(entry *mdns.ServiceEntry) *DiscoveredNode {
	if entry == nil {
		return nil
	}
	node := &DiscoveredNode{}
	for _, field := range entry.InfoFields {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case "node_id":
			node.NodeID = value
		case "cluster_addr":
			node.ClusterAddr = value
		case "http_addr":
			node.HTTPAddr = value
		case "version":
			node.Version = value
		}
	}
	if node.ClusterAddr == "" && entry.AddrV4 != nil {
		node.ClusterAddr = fmt.Sprintf("%s:%d", entry.AddrV4.String(), entry.Port)
	}
	if node.NodeID == "" {
		return nil
	}
	return node
}

func cutPort(addr string) (string, int, bool) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, 0, false
	}
	var port int
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		return addr, 0, false
	}
	return addr[:i], port, true
}
