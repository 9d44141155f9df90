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
Raft Engine
===========

Leader-based replication over a fixed cluster. Time is divided into terms;
each term has at most one leader, elected by majority vote. The leader
replicates log entries to followers, advances the commit index once a
quorum has replicated an entry created in its own term, and every node
applies committed entries in index order to the transaction engine.

Safety rests on three checks implemented here:

  - Vote restriction: a vote is granted only to a candidate whose log is
    at least as up-to-date as the voter's.
  - Log matching: AppendEntries carries (prevLogIndex, prevLogTerm); a
    follower whose entry at prevLogIndex disagrees truncates its suffix
    and rejects, sending its last index back as a fast-decrement hint.
  - Commit rule: the leader only advances the commit index over entries
    of its current term, never over inherited entries directly.
*/
package consensus

import (
	"fmt"
	"math/rand"
	"time"

	"ledgerdb/internal/errors"
	"ledgerdb/internal/logging"
	"ledgerdb/internal/metrics"
	"ledgerdb/internal/txn"
)

// Role is the Raft role of a node.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// voteDecision is the tagged outcome of evaluating a RequestVote.
type voteDecision int

const (
	voteGrant voteDecision = iota
	voteReject
)

// appendOutcome is the tagged outcome of an AppendEntries consistency
// check. Hint carries the follower's last index for fast nextIndex repair.
type appendOutcome struct {
	ok   bool
	hint int
}

// RaftConfig configures a Raft engine instance.
type RaftConfig struct {
	NodeID int
	Addr   string
	Peers  []string // addresses of every other cluster member

	ElectionBase      time.Duration
	ElectionJitter    time.Duration
	HeartbeatInterval time.Duration

	Clock   func() time.Time // nil means time.Now
	Rand    *rand.Rand       // nil means a fresh per-node source
	Events  EventFunc
	Metrics *metrics.Set
}

// Raft is the Raft consensus engine for one node. Not safe for concurrent
// use; the node runtime serialises all calls.
type Raft struct {
	id     int
	addr   string
	peers  []string
	quorum int

	clock   func() time.Time
	rng     *rand.Rand
	events  EventFunc
	metrics *metrics.Set
	logger  *logging.Logger

	log    *Log
	ledger *txn.Ledger

	// Persistent-in-spirit state (this design is in-memory; a crashed
	// node rejoins as a fresh follower and is caught up by log transfer).
	currentTerm int
	votedFor    string

	// Volatile state.
	commitIndex int
	lastApplied int
	role        Role
	leaderID    string
	votes       map[string]struct{}

	// Leader state.
	nextIndex  map[string]int
	matchIndex map[string]int

	// Timing.
	electionBase     time.Duration
	electionJitter   time.Duration
	heartbeatEvery   time.Duration
	electionDeadline time.Time
	nextHeartbeat    time.Time

	handlers map[Type]func(Message, *Outbox)
}

// NewRaft creates a follower with an empty log and a fresh ledger.
func NewRaft(cfg RaftConfig) *Raft {
	r := &Raft{
		id:             cfg.NodeID,
		addr:           cfg.Addr,
		peers:          append([]string(nil), cfg.Peers...),
		quorum:         (len(cfg.Peers)+1)/2 + 1,
		clock:          cfg.Clock,
		rng:            cfg.Rand,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		logger:         logging.NewLogger("raft"),
		log:            NewLog(),
		ledger:         txn.NewLedger(),
		commitIndex:    -1,
		lastApplied:    -1,
		role:           RoleFollower,
		votes:          make(map[string]struct{}),
		nextIndex:      make(map[string]int),
		matchIndex:     make(map[string]int),
		electionBase:   cfg.ElectionBase,
		electionJitter: cfg.ElectionJitter,
		heartbeatEvery: cfg.HeartbeatInterval,
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.NodeID)))
	}
	if r.electionBase <= 0 {
		r.electionBase = 2 * time.Second
	}
	if r.electionJitter <= 0 {
		r.electionJitter = r.electionBase / 2
	}
	if r.heartbeatEvery <= 0 {
		r.heartbeatEvery = r.electionBase / 4
	}

	r.handlers = map[Type]func(Message, *Outbox){
		TypeRequestVote:    r.handleRequestVote,
		TypeVote:           r.handleVoteResponse,
		TypeAppendEntries:  r.handleAppendEntries,
		TypeAppendResponse: r.handleAppendResponse,
	}

	r.resetElectionDeadline()
	return r
}

// Algorithm implements Engine.
func (r *Raft) Algorithm() string { return "raft" }

// Log implements Engine.
func (r *Raft) Log() *Log { return r.log }

// Ledger implements Engine.
func (r *Raft) Ledger() *txn.Ledger { return r.ledger }

// Status implements Engine.
func (r *Raft) Status() Status {
	return Status{
		Algorithm:   "raft",
		Role:        r.role.String(),
		Term:        r.currentTerm,
		Leader:      r.leaderID,
		LogSize:     r.log.Size(),
		CommitIndex: r.commitIndex,
	}
}

// LeaderHint returns the address this node believes is the leader.
func (r *Raft) LeaderHint() string { return r.leaderID }

// Propose implements Engine. Only the leader accepts proposals; everyone
// else rejects with a hint naming the believed leader.
func (r *Raft) Propose(op string, out *Outbox) error {
	if r.role != RoleLeader {
		return errors.NotLeader(r.leaderID)
	}

	entry := Entry{
		Term:      r.currentTerm,
		Index:     r.log.LastIndex() + 1,
		Timestamp: r.clock(),
		Payload:   op,
	}
	r.log.Append(entry)
	r.events.emit("PROPOSE", fmt.Sprintf("appended %q at index %d (term %d)", op, entry.Index, entry.Term))

	r.broadcastAppendEntries(out)
	// A single-node cluster has its quorum already; in any larger cluster
	// this is a no-op until responses arrive.
	r.advanceCommitIndex()
	return nil
}

// Receive implements Engine.
func (r *Raft) Receive(msg Message, out *Outbox) {
	// Any higher term demotes us immediately, whatever the message.
	if msg.Term > r.currentTerm {
		r.events.emit("TERM", fmt.Sprintf("new term %d observed (from %s)", msg.Term, msg.From))
		r.becomeFollower(msg.Term)
	}

	// Stale senders get a refusal carrying our term so they step down.
	if msg.Term < r.currentTerm {
		switch msg.Type {
		case TypeRequestVote:
			r.send(out, msg.From, TypeVote, VoteContent{Granted: false})
		case TypeAppendEntries:
			r.send(out, msg.From, TypeAppendResponse, AppendResponseContent{Success: false, Index: r.log.LastIndex()})
		}
		return
	}

	// A current-term AppendEntries establishes the sender as leader.
	if msg.Type == TypeAppendEntries {
		r.leaderID = msg.From
		if r.role != RoleFollower {
			r.role = RoleFollower
		}
		r.resetElectionDeadline()
	}

	if handler, ok := r.handlers[msg.Type]; ok {
		handler(msg, out)
	}
}

// Tick implements Engine: election timeout for non-leaders, heartbeat
// cadence for the leader.
func (r *Raft) Tick(now time.Time, out *Outbox) {
	if r.role != RoleLeader {
		if !now.Before(r.electionDeadline) {
			r.startElection(out)
		}
		return
	}
	if !now.Before(r.nextHeartbeat) {
		r.broadcastAppendEntries(out)
		r.nextHeartbeat = now.Add(r.heartbeatEvery)
	}
}

// ============================================================================
// Elections
// ============================================================================

func (r *Raft) startElection(out *Outbox) {
	r.currentTerm++
	r.role = RoleCandidate
	r.votedFor = r.addr
	r.leaderID = ""
	r.votes = map[string]struct{}{r.addr: {}}
	r.resetElectionDeadline()
	r.metrics.IncElection()
	r.metrics.SetTerm(r.currentTerm)
	r.events.emit("ELECTION", fmt.Sprintf("starting election (term %d)", r.currentTerm))
	r.logger.Info("starting election", "term", fmt.Sprint(r.currentTerm))

	content := RequestVoteContent{
		CandidateID:  r.addr,
		LastLogIndex: r.log.LastIndex(),
		LastLogTerm:  r.log.LastTerm(),
	}
	for _, peer := range r.peers {
		r.send(out, peer, TypeRequestVote, content)
	}

	// A cluster of one elects itself.
	if len(r.votes) >= r.quorum {
		r.becomeLeader(out)
	}
}

func (r *Raft) handleRequestVote(msg Message, out *Outbox) {
	content, ok := msg.Content.(RequestVoteContent)
	if !ok {
		return
	}
	candidate := content.CandidateID
	if candidate == "" {
		candidate = msg.From
	}

	decision := voteReject
	if (r.votedFor == "" || r.votedFor == candidate) &&
		r.candidateLogUpToDate(content.LastLogIndex, content.LastLogTerm) {
		decision = voteGrant
	}

	if decision == voteGrant {
		r.votedFor = candidate
		r.resetElectionDeadline()
		r.events.emit("VOTE", fmt.Sprintf("voted for %s in term %d", candidate, r.currentTerm))
		r.send(out, msg.From, TypeVote, VoteContent{Granted: true})
		return
	}
	r.send(out, msg.From, TypeVote, VoteContent{Granted: false})
}

func (r *Raft) handleVoteResponse(msg Message, out *Outbox) {
	if r.role != RoleCandidate {
		return
	}
	content, ok := msg.Content.(VoteContent)
	if !ok || !content.Granted {
		return
	}
	r.votes[msg.From] = struct{}{}
	if len(r.votes) >= r.quorum {
		r.becomeLeader(out)
	}
}

// candidateLogUpToDate implements the vote restriction: higher last term
// wins; equal last terms compare last index.
func (r *Raft) candidateLogUpToDate(candLastIndex, candLastTerm int) bool {
	myTerm := r.log.LastTerm()
	if candLastTerm != myTerm {
		return candLastTerm > myTerm
	}
	return candLastIndex >= r.log.LastIndex()
}

func (r *Raft) becomeLeader(out *Outbox) {
	if r.role == RoleLeader {
		return
	}
	r.role = RoleLeader
	r.leaderID = r.addr
	r.nextHeartbeat = r.clock().Add(r.heartbeatEvery)

	lastIndex := r.log.LastIndex()
	for _, peer := range r.peers {
		r.nextIndex[peer] = lastIndex + 1
		r.matchIndex[peer] = -1
	}

	r.events.emit("LEADER", fmt.Sprintf("became leader (term %d)", r.currentTerm))
	r.logger.Info("became leader", "term", fmt.Sprint(r.currentTerm))
	r.broadcastAppendEntries(out)
}

func (r *Raft) becomeFollower(term int) {
	r.currentTerm = term
	r.role = RoleFollower
	r.votedFor = ""
	r.leaderID = ""
	r.votes = make(map[string]struct{})
	r.metrics.SetTerm(term)
	r.resetElectionDeadline()
}

func (r *Raft) resetElectionDeadline() {
	jitter := time.Duration(r.rng.Int63n(int64(r.electionJitter)))
	r.electionDeadline = r.clock().Add(r.electionBase + jitter)
}

// ============================================================================
// Log replication
// ============================================================================

func (r *Raft) broadcastAppendEntries(out *Outbox) {
	for _, peer := range r.peers {
		next, ok := r.nextIndex[peer]
		if !ok {
			next = r.log.LastIndex() + 1
			r.nextIndex[peer] = next
		}
		prevIndex := next - 1
		prevTerm := 0
		if prevIndex >= 0 {
			if t, err := r.log.TermAt(prevIndex); err == nil {
				prevTerm = t
			}
		}

		content := AppendEntriesContent{
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      r.log.EntriesFrom(next),
			LeaderCommit: r.commitIndex,
			LeaderID:     r.addr,
		}
		r.send(out, peer, TypeAppendEntries, content)
	}
}

func (r *Raft) handleAppendEntries(msg Message, out *Outbox) {
	content, ok := msg.Content.(AppendEntriesContent)
	if !ok {
		return
	}

	outcome := r.checkLogConsistency(content)
	if !outcome.ok {
		r.send(out, msg.From, TypeAppendResponse, AppendResponseContent{Success: false, Index: outcome.hint})
		return
	}

	// Append entries, truncating on the first term conflict.
	for i, entry := range content.Entries {
		idx := content.PrevLogIndex + 1 + i
		if idx <= r.log.LastIndex() {
			existing, err := r.log.TermAt(idx)
			if err == nil && existing != entry.Term {
				r.log.TruncateFrom(idx)
				r.log.Append(entry)
			}
			// Same term at the same index is the same entry; skip.
		} else {
			r.log.Append(entry)
		}
	}

	if content.LeaderCommit > r.commitIndex {
		r.commitIndex = min(content.LeaderCommit, r.log.LastIndex())
		r.metrics.SetCommitIndex(r.commitIndex)
		r.applyCommitted()
	}

	r.send(out, msg.From, TypeAppendResponse, AppendResponseContent{Success: true, Index: r.log.LastIndex()})
}

// checkLogConsistency validates (prevLogIndex, prevLogTerm). On a term
// mismatch the conflicting suffix is truncated before rejecting, so the
// leader's next attempt lands on a clean prefix.
func (r *Raft) checkLogConsistency(content AppendEntriesContent) appendOutcome {
	if content.PrevLogIndex > r.log.LastIndex() {
		return appendOutcome{ok: false, hint: r.log.LastIndex()}
	}
	if content.PrevLogIndex >= 0 {
		term, err := r.log.TermAt(content.PrevLogIndex)
		if err != nil || term != content.PrevLogTerm {
			r.log.TruncateFrom(content.PrevLogIndex)
			return appendOutcome{ok: false, hint: r.log.LastIndex()}
		}
	}
	return appendOutcome{ok: true}
}

func (r *Raft) handleAppendResponse(msg Message, out *Outbox) {
	if r.role != RoleLeader {
		return
	}
	content, ok := msg.Content.(AppendResponseContent)
	if !ok {
		return
	}
	peer := msg.From

	if content.Success {
		r.matchIndex[peer] = content.Index
		r.nextIndex[peer] = content.Index + 1
		r.advanceCommitIndex()
		return
	}

	// Fast repair: jump to just past the follower's last index when that
	// is lower than a plain decrement.
	next := r.nextIndex[peer] - 1
	if hint := content.Index + 1; hint < next {
		next = hint
	}
	if next < 0 {
		next = 0
	}
	r.nextIndex[peer] = next
}

// advanceCommitIndex moves commitIndex to the quorum-median match index,
// but only onto entries of the current term.
func (r *Raft) advanceCommitIndex() {
	matches := make([]int, 0, len(r.peers)+1)
	matches = append(matches, r.log.LastIndex())
	for _, peer := range r.peers {
		if m, ok := r.matchIndex[peer]; ok {
			matches = append(matches, m)
		} else {
			matches = append(matches, -1)
		}
	}
	// Insertion sort; the cluster is small.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j] < matches[j-1]; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}

	majority := matches[len(matches)-r.quorum]
	if majority <= r.commitIndex {
		return
	}
	term, err := r.log.TermAt(majority)
	if err != nil || term != r.currentTerm {
		return
	}

	r.commitIndex = majority
	r.metrics.SetCommitIndex(majority)
	r.events.emit("COMMIT", fmt.Sprintf("committed through index %d", majority))
	r.applyCommitted()
}

// applyCommitted feeds committed payloads to the transaction engine in
// index order. lastApplied only ever advances.
func (r *Raft) applyCommitted() {
	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		entry, err := r.log.At(r.lastApplied)
		if err != nil {
			return
		}
		res, err := r.ledger.Apply(entry.Payload)
		r.metrics.IncCommit()
		if err != nil {
			r.logger.Warn("skipping unparseable entry", "index", fmt.Sprint(r.lastApplied), "err", err.Error())
			continue
		}
		if res.Rejected != "" {
			r.events.emit("REJECTED", fmt.Sprintf("index %d: %s", r.lastApplied, res.Rejected))
			continue
		}
		r.events.emit("APPLY", fmt.Sprintf("index %d: %s", r.lastApplied, entry.Payload))
	}
}

func (r *Raft) send(out *Outbox, to string, t Type, content any) {
	if to == r.addr {
		return
	}
	out.Add(Message{
		From:    r.addr,
		To:      to,
		Type:    t,
		Term:    r.currentTerm,
		Content: content,
	})
}
