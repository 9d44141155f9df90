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
Package consensus implements the two LedgerDB consensus engines and the
replicated log they share.

Engine Model:
=============

An engine is a deterministic state machine. It never blocks, never touches
the network, and never sleeps: every handler consumes one input (a message,
a client proposal, or a timer tick) and appends any outbound messages to an
Outbox the caller supplied. The node runtime serialises all inputs through
a single dispatcher per node and delivers the outbox afterwards, looping
self-addressed messages straight back through the dispatcher.

This split keeps the hard consensus logic synchronous and unit-testable:
a test cluster is just N engines and a loop that shuttles outboxes between
them, with full control over ordering, loss, and timing.

Two engines are provided:

  - Raft: leader-based replication (raft.go)
  - Paxos: single-decree proposer/acceptor/learner with resource locking
    (paxos.go)

A node runs exactly one engine at a time; the runtime swaps engines on
algorithm switch and drops in-flight messages of the inactive family.
*/
package consensus

import (
	"time"

	"ledgerdb/internal/txn"
)

// Outbox collects the messages an engine wants delivered. The runtime
// decides routing: self-addressed messages re-enter the local dispatcher,
// everything else goes to the per-peer transport queues.
type Outbox struct {
	msgs []Message
}

// Add appends a message.
func (o *Outbox) Add(m Message) {
	o.msgs = append(o.msgs, m)
}

// Drain returns and clears the buffered messages.
func (o *Outbox) Drain() []Message {
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

// Len returns the number of buffered messages.
func (o *Outbox) Len() int {
	return len(o.msgs)
}

// Status is a point-in-time engine snapshot for the client facade.
type Status struct {
	Algorithm   string  `json:"algorithm"`
	Role        string  `json:"role,omitempty"`
	Term        int     `json:"term,omitempty"`
	Leader      string  `json:"leader,omitempty"`
	PromisedID  RoundID `json:"-"`
	LogSize     int     `json:"log_size"`
	CommitIndex int     `json:"commit_index"`
}

// Engine is the contract between a consensus implementation and the node
// runtime. Implementations are not safe for concurrent use; the runtime
// serialises all calls.
type Engine interface {
	// Algorithm returns "raft" or "paxos".
	Algorithm() string

	// Propose submits a client operation. Raft requires leadership;
	// Paxos arms a fresh round. Outbound messages land in out.
	Propose(op string, out *Outbox) error

	// Receive dispatches one inbound message.
	Receive(msg Message, out *Outbox)

	// Tick drives time-based behaviour: election timeouts, heartbeats,
	// and Paxos lock-conflict retries.
	Tick(now time.Time, out *Outbox)

	// Status snapshots the engine for the facade.
	Status() Status

	// Log exposes the replicated log.
	Log() *Log

	// Ledger exposes the applied account state.
	Ledger() *txn.Ledger
}

// EventFunc records a consensus event on the node's audit trail. Engines
// call it for elections, votes, promises, accepts, and commits. A nil
// EventFunc is valid and discards events.
type EventFunc func(level, message string)

func (f EventFunc) emit(level, message string) {
	if f != nil {
		f(level, message)
	}
}
