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
	"testing"
	"time"

	"ledgerdb/internal/txn"
)

func TestPaxosHappyPath(t *testing.T) {
	c := newPaxosCluster(t, 4)
	c.propose(1, "DEPOSIT;KONTO_A;500.00;TX_ID:1")

	for i := 1; i <= 4; i++ {
		n := c.node(i)
		if got := n.ledger.Balance("KONTO_A"); got != 1050000 {
			t.Errorf("node %d KONTO_A = %s, want 10500.00", i, got)
		}
		if n.log.Size() != 1 {
			t.Errorf("node %d log size = %d, want 1", i, n.log.Size())
		}
		if len(n.locks) != 0 {
			t.Errorf("node %d still holds locks: %v", i, n.locks)
		}
	}
}

// TestPaxosAcceptorDown drops one node entirely; the remaining three are
// a quorum and the value is still learned everywhere except the dead
// node.
func TestPaxosAcceptorDown(t *testing.T) {
	c := newPaxosCluster(t, 4)
	c.down[testAddr(3)] = true

	c.propose(1, "DEPOSIT;KONTO_B;300;TX_ID:4")

	for _, i := range []int{1, 2, 4} {
		if got := c.node(i).ledger.Balance("KONTO_B"); got != 530000 {
			t.Errorf("node %d KONTO_B = %s, want 5300.00", i, got)
		}
	}
	if got := c.node(3).ledger.Balance("KONTO_B"); got != 500000 {
		t.Errorf("dead node KONTO_B = %s, want 5000.00 (unchanged)", got)
	}
	if c.node(3).log.Size() != 0 {
		t.Error("dead node learned an entry")
	}
}

// TestPaxosDuellingProposers interleaves two proposers. The later round
// invalidates the earlier proposer's accept, and once an acceptor has
// accepted a value, a retrying proposer must adopt it rather than push its
// own.
func TestPaxosDuellingProposers(t *testing.T) {
	c := newPaxosCluster(t, 4)
	opX := "DEPOSIT;KONTO_A;111.00;TX_ID:x"
	opY := "DEPOSIT;KONTO_B;222.00;TX_ID:y"

	// Node 1 prepares round (1,1) but its promises are parked before it
	// can act on them.
	c.hold[TypePromise] = true
	c.propose(1, opX)

	// Node 2 prepares a round above everything it promised, which
	// outranks node 1's (1,1). Keep its ACCEPTED parked so the decree
	// stays open.
	c.hold[TypeAccepted] = true
	c.propose(2, opY)
	c.release(TypePromise) // both proposers see their promises now

	// Node 1's promises were for the superseded round (1,1): its ACCEPT
	// is rejected by every acceptor that promised node 2's round. Nothing
	// for X may have been accepted.
	for i := 1; i <= 4; i++ {
		n := c.node(i)
		if n.acceptor.hasAccepted && n.acceptor.acceptedValue == opX {
			t.Errorf("node %d accepted the invalidated value X", i)
		}
	}

	// Node 1 retries at a higher round. Its promises now carry node 2's
	// accepted value Y, so node 1 must adopt Y.
	c.propose(1, opX)
	for i := 1; i <= 4; i++ {
		n := c.node(i)
		if n.acceptor.hasAccepted && n.acceptor.acceptedValue != opY {
			t.Errorf("node %d accepted %q, want the adopted value Y", i, n.acceptor.acceptedValue)
		}
	}

	// Let the ACCEPTED traffic through: exactly Y is learned, never X.
	c.release(TypeAccepted)

	for i := 1; i <= 4; i++ {
		n := c.node(i)
		if got := n.ledger.Balance("KONTO_B"); got != 522200 {
			t.Errorf("node %d KONTO_B = %s, want 5222.00 (Y applied)", i, got)
		}
		if got := n.ledger.Balance("KONTO_A"); got != 1000000 {
			t.Errorf("node %d KONTO_A = %s, want 10000.00 (X never applied)", i, got)
		}
		for _, entry := range n.log.Entries() {
			if entry.Payload == opX {
				t.Errorf("node %d learned both values", i)
			}
		}
	}
}

// TestPaxosLockContention pre-seeds a foreign lock on one acceptor. The
// accept fails there, the acceptor schedules a randomised retry at a
// higher round, and after the retry the transaction is learned exactly
// once.
func TestPaxosLockContention(t *testing.T) {
	c := newPaxosCluster(t, 4)
	op := "WITHDRAW;KONTO_A;100.00;TX_ID:NEW_TX"

	c.node(3).SeedLock("KONTO_A", "OLD_TX")

	// Deliver an ACCEPT straight to node 3, as a proposer whose prepare
	// raced ahead would.
	out := &Outbox{}
	c.node(3).Receive(Message{
		From:    testAddr(2),
		To:      testAddr(3),
		Type:    TypeAccept,
		Round:   RoundID{Seq: 1, Node: 2},
		Content: AcceptContent{Value: op},
	}, out)
	out.Drain()

	if c.node(3).retry == nil {
		t.Fatal("lock conflict did not schedule a retry")
	}
	if c.node(3).acceptor.hasAccepted {
		t.Fatal("value accepted despite lock conflict")
	}

	// Before the randomised delay elapses the retry must not fire.
	c.tick(3)
	if c.node(3).retry == nil {
		t.Fatal("retry fired before its deadline")
	}

	// After the delay the node re-proposes at a higher round; its own
	// prepare clears the stale lock and the value is learned everywhere.
	c.clock.Advance(time.Second)
	c.tick(3)

	if c.node(3).retry != nil {
		t.Error("retry still pending after firing")
	}
	for i := 1; i <= 4; i++ {
		n := c.node(i)
		if got := n.ledger.Balance("KONTO_A"); got != 990000 {
			t.Errorf("node %d KONTO_A = %s, want 9900.00", i, got)
		}
		if n.log.Size() != 1 {
			t.Errorf("node %d log size = %d, want exactly one learned entry", i, n.log.Size())
		}
	}
}

// TestPaxosRedeliveredAcceptedIdempotent re-delivers ACCEPTED messages for
// an already-learned value; the ledger must not double-apply.
func TestPaxosRedeliveredAcceptedIdempotent(t *testing.T) {
	c := newPaxosCluster(t, 4)
	op := "DEPOSIT;KONTO_A;10.00;TX_ID:r"
	c.propose(1, op)

	learner := c.node(2)
	before := learner.ledger.Balance("KONTO_A")
	logBefore := learner.log.Size()

	for i := 1; i <= 4; i++ {
		out := &Outbox{}
		learner.Receive(Message{
			From:    testAddr(i),
			To:      testAddr(2),
			Type:    TypeAccepted,
			Round:   RoundID{Seq: 1, Node: 1},
			Content: AcceptedContent{Value: op},
		}, out)
		out.Drain()
	}

	if got := learner.ledger.Balance("KONTO_A"); got != before {
		t.Errorf("balance changed on re-delivery: %s -> %s", before, got)
	}
	if learner.log.Size() != logBefore {
		t.Error("log grew on re-delivery")
	}
}

// TestPaxosPromiseCarriesAccepted: a promise from an acceptor that already
// accepted must report that accept, not the proposer's tentative value.
func TestPaxosPromiseCarriesAccepted(t *testing.T) {
	c := newPaxosCluster(t, 4)
	n := c.node(1)
	n.acceptor.promised = RoundID{Seq: 1, Node: 2}
	n.acceptor.accepted = RoundID{Seq: 1, Node: 2}
	n.acceptor.acceptedValue = "DEPOSIT;KONTO_A;5.00;TX_ID:v"
	n.acceptor.hasAccepted = true

	out := &Outbox{}
	n.Receive(Message{
		From:    testAddr(3),
		To:      testAddr(1),
		Type:    TypePrepare,
		Round:   RoundID{Seq: 2, Node: 3},
		Content: PrepareContent{Value: "DEPOSIT;KONTO_B;9.00;TX_ID:w"},
	}, out)

	replies := out.Drain()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	promise := replies[0].Content.(PromiseContent)
	if promise.AcceptedID != (RoundID{Seq: 1, Node: 2}) {
		t.Errorf("promise accepted id = %s, want 1.2", promise.AcceptedID)
	}
	if promise.Value != n.acceptor.acceptedValue {
		t.Errorf("promise value = %q, want the accepted value", promise.Value)
	}
}

func TestPaxosStaleRoundIgnored(t *testing.T) {
	c := newPaxosCluster(t, 4)
	n := c.node(1)
	n.acceptor.promised = RoundID{Seq: 5, Node: 2}

	out := &Outbox{}
	n.Receive(Message{
		From:    testAddr(3),
		To:      testAddr(1),
		Type:    TypePrepare,
		Round:   RoundID{Seq: 4, Node: 3},
		Content: PrepareContent{Value: "DEPOSIT;KONTO_A;1.00"},
	}, out)
	if out.Len() != 0 {
		t.Error("stale prepare produced a reply")
	}

	n.Receive(Message{
		From:    testAddr(3),
		To:      testAddr(1),
		Type:    TypeAccept,
		Round:   RoundID{Seq: 4, Node: 3},
		Content: AcceptContent{Value: "DEPOSIT;KONTO_A;1.00"},
	}, out)
	if out.Len() != 0 {
		t.Error("stale accept produced a reply")
	}
	if n.acceptor.hasAccepted {
		t.Error("stale accept was recorded")
	}
}

// TestPaxosPromisedNeverDecreases pins round monotonicity on the acceptor.
func TestPaxosPromisedNeverDecreases(t *testing.T) {
	c := newPaxosCluster(t, 4)
	n := c.node(1)

	rounds := []RoundID{{3, 1}, {1, 2}, {5, 4}, {2, 2}}
	high := RoundID{}
	for _, round := range rounds {
		out := &Outbox{}
		n.Receive(Message{
			From:    testAddr(2),
			To:      testAddr(1),
			Type:    TypePrepare,
			Round:   round,
			Content: PrepareContent{Value: "DEPOSIT;KONTO_A;1.00"},
		}, out)
		out.Drain()
		if high.Less(round) {
			high = round
		}
		if n.acceptor.promised != high {
			t.Fatalf("promised = %s after %s, want %s", n.acceptor.promised, round, high)
		}
	}
}

// TestPaxosSingleValuePerDecree runs two competing full proposals back to
// back and checks every node applied the same operation stream.
func TestPaxosSingleValuePerDecree(t *testing.T) {
	c := newPaxosCluster(t, 4)
	c.propose(1, "DEPOSIT;KONTO_A;100.00;TX_ID:p1")
	c.propose(2, "DEPOSIT;KONTO_A;200.00;TX_ID:p2")

	reference := c.node(1).log.Entries()
	if len(reference) != 2 {
		t.Fatalf("log size = %d, want 2 decrees", len(reference))
	}
	for i := 2; i <= 4; i++ {
		entries := c.node(i).log.Entries()
		if len(entries) != len(reference) {
			t.Fatalf("node %d log size = %d, want %d", i, len(entries), len(reference))
		}
		for idx := range entries {
			if entries[idx].Payload != reference[idx].Payload {
				t.Errorf("node %d decree %d = %q, want %q", i, idx, entries[idx].Payload, reference[idx].Payload)
			}
		}
	}

	var want txn.Amount = 1000000 + 10000 + 20000
	for i := 1; i <= 4; i++ {
		if got := c.node(i).ledger.Balance("KONTO_A"); got != want {
			t.Errorf("node %d KONTO_A = %s, want %s", i, got, want)
		}
	}
}
