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

package consensus

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// The engine tests run whole clusters in-process: N engines plus a message
// queue shuttled between them. The harness controls time, ordering, and
// node failure, which is exactly what the deterministic engine model is
// for.

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// testAddr returns the routing address of node i (1-based).
func testAddr(i int) string {
	return fmt.Sprintf("10.0.0.%d", i)
}

// ============================================================================
// Raft cluster harness
// ============================================================================

type raftCluster struct {
	t     *testing.T
	clock *fakeClock
	nodes map[string]*Raft
	addrs []string
	down  map[string]bool
	queue []Message
}

func newRaftCluster(t *testing.T, n int) *raftCluster {
	t.Helper()
	c := &raftCluster{
		t:     t,
		clock: newFakeClock(),
		nodes: make(map[string]*Raft, n),
		down:  make(map[string]bool),
	}
	for i := 1; i <= n; i++ {
		c.addrs = append(c.addrs, testAddr(i))
	}
	for i := 1; i <= n; i++ {
		peers := make([]string, 0, n-1)
		for j := 1; j <= n; j++ {
			if j != i {
				peers = append(peers, testAddr(j))
			}
		}
		c.nodes[testAddr(i)] = NewRaft(RaftConfig{
			NodeID:            i,
			Addr:              testAddr(i),
			Peers:             peers,
			ElectionBase:      2 * time.Second,
			ElectionJitter:    1 * time.Second,
			HeartbeatInterval: 500 * time.Millisecond,
			Clock:             c.clock.Now,
			Rand:              rand.New(rand.NewSource(int64(i))),
		})
	}
	return c
}

func (c *raftCluster) node(i int) *Raft { return c.nodes[testAddr(i)] }

func (c *raftCluster) collect(out *Outbox) {
	c.queue = append(c.queue, out.Drain()...)
}

// pump delivers queued messages (and their cascading replies) until the
// network is quiet. Messages to or from a downed node are dropped.
func (c *raftCluster) pump() {
	for len(c.queue) > 0 {
		msgs := c.queue
		c.queue = nil
		for _, m := range msgs {
			if c.down[m.To] || c.down[m.From] {
				continue
			}
			target, ok := c.nodes[m.To]
			if !ok {
				continue
			}
			out := &Outbox{}
			target.Receive(m, out)
			c.collect(out)
		}
	}
}

// elect forces an election timeout on one node and runs it to completion.
func (c *raftCluster) elect(i int) {
	c.t.Helper()
	out := &Outbox{}
	c.node(i).startElection(out)
	c.collect(out)
	c.pump()
}

// propose submits an operation on one node and settles the cluster.
func (c *raftCluster) propose(i int, op string) error {
	c.t.Helper()
	out := &Outbox{}
	err := c.node(i).Propose(op, out)
	c.collect(out)
	c.pump()
	return err
}

// heartbeat fires the leader's heartbeat tick and settles the cluster.
func (c *raftCluster) heartbeat(i int) {
	c.t.Helper()
	c.clock.Advance(600 * time.Millisecond)
	out := &Outbox{}
	c.node(i).Tick(c.clock.Now(), out)
	c.collect(out)
	c.pump()
}

// ============================================================================
// Paxos cluster harness
// ============================================================================

type paxosCluster struct {
	t     *testing.T
	clock *fakeClock
	nodes map[string]*Paxos
	addrs []string
	down  map[string]bool
	queue []Message
	// hold filters message types kept back instead of delivered; held
	// messages accumulate in parked.
	hold   map[Type]bool
	parked []Message
}

func newPaxosCluster(t *testing.T, n int) *paxosCluster {
	t.Helper()
	c := &paxosCluster{
		t:     t,
		clock: newFakeClock(),
		nodes: make(map[string]*Paxos, n),
		down:  make(map[string]bool),
		hold:  make(map[Type]bool),
	}
	for i := 1; i <= n; i++ {
		c.addrs = append(c.addrs, testAddr(i))
	}
	for i := 1; i <= n; i++ {
		peers := make([]string, 0, n-1)
		for j := 1; j <= n; j++ {
			if j != i {
				peers = append(peers, testAddr(j))
			}
		}
		c.nodes[testAddr(i)] = NewPaxos(PaxosConfig{
			NodeID: i,
			Addr:   testAddr(i),
			Peers:  peers,
			Clock:  c.clock.Now,
			Rand:   rand.New(rand.NewSource(int64(i))),
		})
	}
	return c
}

func (c *paxosCluster) node(i int) *Paxos { return c.nodes[testAddr(i)] }

func (c *paxosCluster) collect(out *Outbox) {
	c.queue = append(c.queue, out.Drain()...)
}

func (c *paxosCluster) pump() {
	for len(c.queue) > 0 {
		msgs := c.queue
		c.queue = nil
		for _, m := range msgs {
			if c.hold[m.Type] {
				c.parked = append(c.parked, m)
				continue
			}
			if c.down[m.To] || c.down[m.From] {
				continue
			}
			target, ok := c.nodes[m.To]
			if !ok {
				continue
			}
			out := &Outbox{}
			target.Receive(m, out)
			c.collect(out)
		}
	}
}

// release re-queues parked messages of one type and settles the cluster.
func (c *paxosCluster) release(t Type) {
	delete(c.hold, t)
	var still []Message
	for _, m := range c.parked {
		if m.Type == t {
			c.queue = append(c.queue, m)
		} else {
			still = append(still, m)
		}
	}
	c.parked = still
	c.pump()
}

func (c *paxosCluster) propose(i int, op string) {
	c.t.Helper()
	out := &Outbox{}
	if err := c.node(i).Propose(op, out); err != nil {
		c.t.Fatalf("propose on node %d failed: %v", i, err)
	}
	c.collect(out)
	c.pump()
}

// tick fires one node's timer (Paxos retries) and settles the cluster.
func (c *paxosCluster) tick(i int) {
	out := &Outbox{}
	c.node(i).Tick(c.clock.Now(), out)
	c.collect(out)
	c.pump()
}
