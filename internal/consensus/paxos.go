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
Paxos Engine
============

Single-decree Paxos with every node playing proposer, acceptor, and
learner at once. The three roles keep disjoint state blocks inside one
engine struct; each message type touches exactly one block.

Rounds are (sequence, nodeId) pairs ordered lexicographically, so ties
between proposers break on the node id and every retry at a higher
sequence beats everything before it.

On top of textbook Paxos the acceptor guards the bank accounts a value
touches with a lock table. An Accept that cannot take all of its locks
signals a potential deadlock: the acceptor becomes a proposer for the same
value after a randomised delay, re-issuing at a higher round. Locks are
released when the owning transaction commits, and cleared wholesale when a
newer round takes over. The policy is deliberate: a held lock is never
forcibly preempted; conflicting transactions always back off and retry.

Once a quorum of ACCEPTED messages for one value is observed, the value is
chosen: it is applied to the ledger, appended to the local log, and the
per-decree state resets for the next operation. Promised and accepted
round ids stay monotone across decrees.
*/
package consensus

import (
	"fmt"
	"math/rand"
	"time"

	"ledgerdb/internal/logging"
	"ledgerdb/internal/metrics"
	"ledgerdb/internal/txn"
)

// Retry backoff bounds for lock conflicts.
const (
	retryMin = 100 * time.Millisecond
	retryMax = 500 * time.Millisecond
)

// acceptorState is the promise/accept block.
type acceptorState struct {
	promised      RoundID
	accepted      RoundID
	acceptedValue string
	hasAccepted   bool
}

// proposerState is the active-round block.
type proposerState struct {
	seq        int // monotone per-node sequence
	round      RoundID
	value      string
	promises   map[string]PromiseContent
	acceptSent bool
}

// learnerState counts ACCEPTED messages per distinct value.
type learnerState struct {
	counts  map[string]int
	learned map[string]struct{} // values already chosen; re-deliveries are no-ops
}

// pendingRetry is a scheduled re-proposal after a lock conflict.
type pendingRetry struct {
	value string
	at    time.Time
}

// PaxosConfig configures a Paxos engine instance.
type PaxosConfig struct {
	NodeID int
	Addr   string
	Peers  []string // addresses of every other cluster member

	Clock   func() time.Time // nil means time.Now
	Rand    *rand.Rand       // nil means a fresh per-node source
	Events  EventFunc
	Metrics *metrics.Set
}

// Paxos is the Paxos consensus engine for one node. Not safe for
// concurrent use; the node runtime serialises all calls.
type Paxos struct {
	id     int
	addr   string
	peers  []string // other members
	all    []string // every member including self
	quorum int

	clock   func() time.Time
	rng     *rand.Rand
	events  EventFunc
	metrics *metrics.Set
	logger  *logging.Logger

	log    *Log
	ledger *txn.Ledger

	acceptor acceptorState
	proposer proposerState
	learner  learnerState

	locks map[string]string // account -> owning transaction id
	retry *pendingRetry

	handlers map[Type]func(Message, *Outbox)
}

// NewPaxos creates a fresh engine with an empty log and a seeded ledger.
func NewPaxos(cfg PaxosConfig) *Paxos {
	p := &Paxos{
		id:      cfg.NodeID,
		addr:    cfg.Addr,
		peers:   append([]string(nil), cfg.Peers...),
		all:     append(append([]string(nil), cfg.Peers...), cfg.Addr),
		quorum:  (len(cfg.Peers)+1)/2 + 1,
		clock:   cfg.Clock,
		rng:     cfg.Rand,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  logging.NewLogger("paxos"),
		log:     NewLog(),
		ledger:  txn.NewLedger(),
		locks:   make(map[string]string),
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.NodeID)))
	}
	p.proposer.promises = make(map[string]PromiseContent)
	p.learner.counts = make(map[string]int)
	p.learner.learned = make(map[string]struct{})

	p.handlers = map[Type]func(Message, *Outbox){
		TypePrepare:  p.handlePrepare,
		TypePromise:  p.handlePromise,
		TypeAccept:   p.handleAccept,
		TypeAccepted: p.handleAccepted,
	}
	return p
}

// Algorithm implements Engine.
func (p *Paxos) Algorithm() string { return "paxos" }

// Log implements Engine.
func (p *Paxos) Log() *Log { return p.log }

// Ledger implements Engine.
func (p *Paxos) Ledger() *txn.Ledger { return p.ledger }

// Status implements Engine.
func (p *Paxos) Status() Status {
	return Status{
		Algorithm:   "paxos",
		PromisedID:  p.acceptor.promised,
		LogSize:     p.log.Size(),
		CommitIndex: p.log.LastIndex(),
	}
}

// LockedAccounts returns a copy of the lock table (facade/status use).
func (p *Paxos) LockedAccounts() map[string]string {
	cp := make(map[string]string, len(p.locks))
	for k, v := range p.locks {
		cp[k] = v
	}
	return cp
}

// SeedLock pre-installs a lock owned by a transaction id. Exercised by
// contention tests and operational tooling; normal flow takes locks only
// on Accept.
func (p *Paxos) SeedLock(account, txID string) {
	p.locks[account] = txID
}

// Propose implements Engine: arm a fresh round above everything this node
// has seen and broadcast Prepare to the whole cluster, itself included.
func (p *Paxos) Propose(op string, out *Outbox) error {
	seq := p.proposer.seq
	if p.acceptor.promised.Seq > seq {
		seq = p.acceptor.promised.Seq
	}
	p.armRound(op, RoundID{Seq: seq + 1, Node: p.id})
	p.events.emit("PROPOSE", fmt.Sprintf("proposing %q (round %s)", op, p.proposer.round))

	for _, addr := range p.all {
		out.Add(Message{
			From:    p.addr,
			To:      addr,
			Type:    TypePrepare,
			Round:   p.proposer.round,
			Content: PrepareContent{Value: op},
		})
	}
	return nil
}

// armRound resets the proposer block for a new round.
func (p *Paxos) armRound(value string, round RoundID) {
	p.proposer.seq = round.Seq
	p.proposer.round = round
	p.proposer.value = value
	p.proposer.promises = make(map[string]PromiseContent)
	p.proposer.acceptSent = false
}

// Receive implements Engine.
func (p *Paxos) Receive(msg Message, out *Outbox) {
	if handler, ok := p.handlers[msg.Type]; ok {
		handler(msg, out)
	}
}

// Tick implements Engine: fire a scheduled lock-conflict retry once its
// randomised delay has elapsed.
func (p *Paxos) Tick(now time.Time, out *Outbox) {
	if p.retry == nil || now.Before(p.retry.at) {
		return
	}
	value := p.retry.value
	p.retry = nil
	p.metrics.IncRetry()
	p.events.emit("RETRY", fmt.Sprintf("re-proposing %q after lock conflict", value))
	_ = p.Propose(value, out)
}

// ============================================================================
// Acceptor
// ============================================================================

func (p *Paxos) handlePrepare(msg Message, out *Outbox) {
	content, ok := msg.Content.(PrepareContent)
	if !ok {
		return
	}

	if !p.acceptor.promised.Less(msg.Round) {
		p.events.emit("REJECT", fmt.Sprintf("rejected PREPARE %s (promised %s)", msg.Round, p.acceptor.promised))
		return
	}

	p.acceptor.promised = msg.Round
	p.metrics.SetTerm(msg.Round.Seq)
	p.events.emit("PROMISE", fmt.Sprintf("promised round %s", msg.Round))

	// A newer round supersedes whatever an older round had locked.
	if len(p.locks) > 0 {
		p.locks = make(map[string]string)
	}

	promise := PromiseContent{Value: content.Value}
	if p.acceptor.hasAccepted {
		promise.AcceptedID = p.acceptor.accepted
		promise.Value = p.acceptor.acceptedValue
	}
	out.Add(Message{
		From:    p.addr,
		To:      msg.From,
		Type:    TypePromise,
		Round:   msg.Round,
		Content: promise,
	})
}

func (p *Paxos) handleAccept(msg Message, out *Outbox) {
	content, ok := msg.Content.(AcceptContent)
	if !ok {
		return
	}

	if msg.Round.Less(p.acceptor.promised) {
		p.events.emit("REJECT", fmt.Sprintf("rejected ACCEPT %s < promised %s", msg.Round, p.acceptor.promised))
		return
	}

	value := content.Value
	txID := txn.ExtractTxID(value)
	required := txn.RequiredAccounts(value)

	// Re-locking our own transaction is fine; stale locks from an earlier
	// attempt of the same transaction are released first.
	if txID != "" {
		p.unlockAll(txID)
	}

	if txID != "" && len(required) > 0 && !p.tryLockAll(txID, required) {
		p.metrics.IncLockConflict()
		p.events.emit("DEADLOCK", fmt.Sprintf("lock conflict on ACCEPT %s, scheduling retry", msg.Round))
		p.scheduleRetry(value)
		return
	}

	p.acceptor.accepted = msg.Round
	p.acceptor.acceptedValue = value
	p.acceptor.hasAccepted = true
	p.events.emit("ACCEPTED", fmt.Sprintf("accepted proposal %s", msg.Round))

	for _, addr := range p.all {
		out.Add(Message{
			From:    p.addr,
			To:      addr,
			Type:    TypeAccepted,
			Round:   msg.Round,
			Content: AcceptedContent{Value: value},
		})
	}
}

// tryLockAll takes every required account atomically: all must be free or
// already owned by this transaction.
func (p *Paxos) tryLockAll(txID string, accounts []string) bool {
	for _, account := range accounts {
		if owner, held := p.locks[account]; held && owner != txID {
			return false
		}
	}
	for _, account := range accounts {
		p.locks[account] = txID
	}
	return true
}

// unlockAll releases every lock owned by a transaction. Idempotent on
// non-present keys.
func (p *Paxos) unlockAll(txID string) {
	for account, owner := range p.locks {
		if owner == txID {
			delete(p.locks, account)
		}
	}
}

// scheduleRetry arms a randomised re-proposal. Each conflicting node draws
// its own delay, so one of them eventually wins the race outright.
func (p *Paxos) scheduleRetry(value string) {
	delay := retryMin + time.Duration(p.rng.Int63n(int64(retryMax-retryMin)))
	p.retry = &pendingRetry{value: value, at: p.clock().Add(delay)}
}

// ============================================================================
// Proposer
// ============================================================================

func (p *Paxos) handlePromise(msg Message, out *Outbox) {
	content, ok := msg.Content.(PromiseContent)
	if !ok {
		return
	}

	// A promise for a round above ours means another of our prepares (a
	// retry) superseded this one; adopt it and start counting afresh.
	if p.proposer.round.Less(msg.Round) {
		p.proposer.round = msg.Round
		if msg.Round.Seq > p.proposer.seq {
			p.proposer.seq = msg.Round.Seq
		}
		p.proposer.promises = make(map[string]PromiseContent)
		p.proposer.acceptSent = false
	}
	if msg.Round != p.proposer.round {
		return
	}

	p.proposer.promises[msg.From] = content
	if len(p.proposer.promises) < p.quorum || p.proposer.acceptSent {
		return
	}

	// Safety rule: adopt the value of the highest-numbered prior accept
	// reported by any promise; only propose our own when nobody accepted
	// anything yet.
	value := p.proposer.value
	highest := RoundID{}
	for _, promise := range p.proposer.promises {
		if !promise.AcceptedID.IsZero() && highest.Less(promise.AcceptedID) {
			highest = promise.AcceptedID
			value = promise.Value
		}
	}

	p.proposer.acceptSent = true
	p.events.emit("ACCEPT", fmt.Sprintf("promise quorum reached, sending ACCEPT %q (round %s)", value, p.proposer.round))

	for _, addr := range p.all {
		out.Add(Message{
			From:    p.addr,
			To:      addr,
			Type:    TypeAccept,
			Round:   p.proposer.round,
			Content: AcceptContent{Value: value},
		})
	}
}

// ============================================================================
// Learner
// ============================================================================

func (p *Paxos) handleAccepted(msg Message, out *Outbox) {
	content, ok := msg.Content.(AcceptedContent)
	if !ok {
		return
	}
	value := content.Value

	// Values are compared by content: a re-delivered ACCEPTED for a value
	// that already reached quorum must not double-apply.
	if _, done := p.learner.learned[value]; done {
		return
	}

	p.learner.counts[value]++
	if p.learner.counts[value] < p.quorum {
		return
	}

	p.learner.learned[value] = struct{}{}
	p.events.emit("CONSENSUS", fmt.Sprintf("consensus reached: %q", value))
	p.logger.Info("value learned", "round", msg.Round.String(), "value", value)

	res, err := p.ledger.Apply(value)
	p.metrics.IncCommit()
	switch {
	case err != nil:
		p.logger.Warn("learned value failed to parse", "err", err.Error())
	case res.Rejected != "":
		p.events.emit("REJECTED", res.Rejected)
	}

	p.log.Append(Entry{
		Term:      msg.Round.Seq,
		Index:     p.log.LastIndex() + 1,
		Timestamp: p.clock(),
		Payload:   value,
	})
	p.metrics.SetCommitIndex(p.log.LastIndex())

	if txID := txn.ExtractTxID(value); txID != "" {
		p.unlockAll(txID)
	}
	p.resetDecree()
}

// resetDecree clears per-decree state for the next operation. Promised and
// accepted round ids are deliberately kept: they are the acceptor's safety
// floor and must stay monotone.
func (p *Paxos) resetDecree() {
	p.acceptor.acceptedValue = ""
	p.acceptor.hasAccepted = false
	p.proposer.value = ""
	p.proposer.promises = make(map[string]PromiseContent)
	p.proposer.acceptSent = false
	p.learner.counts = make(map[string]int)
	p.locks = make(map[string]string)
}
