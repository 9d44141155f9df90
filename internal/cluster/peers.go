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
Package cluster tracks the fixed peer membership of a LedgerDB cluster and
provides network discovery of running nodes.

Membership itself is static for the lifetime of a node (it comes from
configuration); what changes is reachability. The PeerSet probes each
peer's consensus port on an interval and keeps a health flag per peer, so
the status surface can report which members are currently reachable
without involving the consensus engines.
*/
package cluster

import (
	"net"
	"strings"
	"sync"
	"time"

	"ledgerdb/internal/logging"
)

// Probe cadence, matching the defaults the membership layer has always
// shipped with.
const (
	probeInterval = 1 * time.Second
	probeTimeout  = 500 * time.Millisecond
)

// Peer is one static cluster member.
type Peer struct {
	IP       string `json:"ip"`
	DialAddr string `json:"addr"` // ip:tcp_port
}

// PeerStatus is a health snapshot of one peer.
type PeerStatus struct {
	Peer
	Healthy  bool      `json:"healthy"`
	LastSeen time.Time `json:"last_seen"`
}

// PeerSet holds the cluster members and their probed health.
type PeerSet struct {
	mu     sync.RWMutex
	peers  []Peer
	health map[string]*PeerStatus
	logger *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPeerSet builds a PeerSet from ip:tcp_port strings.
func NewPeerSet(addrs []string) *PeerSet {
	ps := &PeerSet{
		health: make(map[string]*PeerStatus),
		logger: logging.NewLogger("cluster"),
		stopCh: make(chan struct{}),
	}
	for _, addr := range addrs {
		ip := addr
		if i := strings.LastIndex(addr, ":"); i > 0 {
			ip = addr[:i]
		}
		peer := Peer{IP: ip, DialAddr: addr}
		ps.peers = append(ps.peers, peer)
		ps.health[ip] = &PeerStatus{Peer: peer}
	}
	return ps
}

// Peers returns the static member list.
func (ps *PeerSet) Peers() []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return append([]Peer(nil), ps.peers...)
}

// Addrs returns the routing-IP -> dial-address table for the transport.
func (ps *PeerSet) Addrs() map[string]string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	table := make(map[string]string, len(ps.peers))
	for _, p := range ps.peers {
		table[p.IP] = p.DialAddr
	}
	return table
}

// Status returns a health snapshot of every peer.
func (ps *PeerSet) Status() []PeerStatus {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	statuses := make([]PeerStatus, 0, len(ps.peers))
	for _, p := range ps.peers {
		statuses = append(statuses, *ps.health[p.IP])
	}
	return statuses
}

// StartProbing launches the background health probe loop.
func (ps *PeerSet) StartProbing() {
	ps.wg.Add(1)
	go ps.probeLoop()
}

// Stop halts probing.
func (ps *PeerSet) Stop() {
	ps.stopOnce.Do(func() { close(ps.stopCh) })
	ps.wg.Wait()
}

func (ps *PeerSet) probeLoop() {
	defer ps.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.stopCh:
			return
		case <-ticker.C:
			ps.probeAll()
		}
	}
}

func (ps *PeerSet) probeAll() {
	for _, peer := range ps.Peers() {
		healthy := probe(peer.DialAddr)
		ps.mu.Lock()
		status := ps.health[peer.IP]
		if healthy {
			if !status.Healthy {
				ps.logger.Info("peer reachable", "peer", peer.DialAddr)
			}
			status.Healthy = true
			status.LastSeen = time.Now()
		} else {
			if status.Healthy {
				ps.logger.Warn("peer unreachable", "peer", peer.DialAddr)
			}
			status.Healthy = false
		}
		ps.mu.Unlock()
	}
}

func probe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
