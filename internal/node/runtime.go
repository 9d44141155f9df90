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
Package node provides the runtime that owns a consensus engine and drives
it with inbound messages and timer events.

Each node is a single logical actor: decoded messages, client proposals,
timer ticks, and algorithm switches are all serialised through one mutex
before touching engine state, so the engines themselves need no locking.

The runtime also implements the self-delivery fixed point: when the engine
emits a message addressed to this node (Paxos proposers broadcast to
themselves), the message re-enters the dispatcher directly instead of
round-tripping through a socket. The loop is bounded as a safety net
against a misbehaving engine.
*/
package node

import (
	"fmt"
	"sync"
	"time"

	"ledgerdb/internal/audit"
	"ledgerdb/internal/consensus"
	"ledgerdb/internal/errors"
	"ledgerdb/internal/logging"
	"ledgerdb/internal/metrics"
	"ledgerdb/internal/txn"
	"ledgerdb/internal/wire"
)

// selfDeliveryLimit bounds one dispatch cascade. A four-node decree needs
// a couple of dozen self-deliveries at most; hitting the limit means the
// engine is looping.
const selfDeliveryLimit = 256

// defaultTickInterval is the timer resolution for elections, heartbeats
// and Paxos retries.
const defaultTickInterval = 50 * time.Millisecond

// Sender delivers an envelope to a remote peer. Implemented by the TCP
// transport; tests substitute an in-memory fabric.
type Sender interface {
	Send(toIP string, env *wire.Envelope)
}

// EngineFactory builds a fresh engine for the named algorithm.
type EngineFactory func(algorithm string) (consensus.Engine, error)

// Runtime owns one engine instance at a time and routes everything
// through it.
type Runtime struct {
	mu sync.Mutex

	nodeID    int
	selfAddr  string
	algorithm string
	engine    consensus.Engine
	factory   EngineFactory

	sender  Sender
	trail   *audit.Trail
	metrics *metrics.Set
	logger  *logging.Logger

	waiters []*commitWaiter

	tickInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// commitWaiter resolves once a proposed operation is committed locally.
type commitWaiter struct {
	done  chan struct{}
	check func() bool
}

// Config assembles a Runtime.
type Config struct {
	NodeID    int
	SelfAddr  string
	Algorithm string
	Factory   EngineFactory
	Sender    Sender
	Trail     *audit.Trail
	Metrics   *metrics.Set

	TickInterval time.Duration // zero means the default resolution
}

// New creates a runtime and instantiates its first engine.
func New(cfg Config) (*Runtime, error) {
	rt := &Runtime{
		nodeID:       cfg.NodeID,
		selfAddr:     cfg.SelfAddr,
		algorithm:    cfg.Algorithm,
		factory:      cfg.Factory,
		sender:       cfg.Sender,
		trail:        cfg.Trail,
		metrics:      cfg.Metrics,
		logger:       logging.NewLogger("node"),
		tickInterval: cfg.TickInterval,
		stopCh:       make(chan struct{}),
	}
	if rt.tickInterval <= 0 {
		rt.tickInterval = defaultTickInterval
	}

	engine, err := cfg.Factory(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	rt.engine = engine
	if rt.trail != nil {
		rt.trail.SetAlgorithm(cfg.Algorithm)
		rt.trail.Record("SYSTEM", fmt.Sprintf("node initialized with %s", cfg.Algorithm))
	}
	return rt, nil
}

// Start launches the timer loop.
func (rt *Runtime) Start() {
	rt.wg.Add(1)
	go rt.tickLoop()
}

// Stop halts the timer loop.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
	rt.wg.Wait()
}

func (rt *Runtime) tickLoop() {
	defer rt.wg.Done()
	ticker := time.NewTicker(rt.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.stopCh:
			return
		case now := <-ticker.C:
			rt.mu.Lock()
			out := &consensus.Outbox{}
			rt.engine.Tick(now, out)
			rt.dispatchOutbox(out)
			rt.notifyWaiters()
			rt.mu.Unlock()
		}
	}
}

// Algorithm returns the active algorithm name.
func (rt *Runtime) Algorithm() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.algorithm
}

// NodeID returns the stable node identity.
func (rt *Runtime) NodeID() int { return rt.nodeID }

// SelfAddr returns this node's routing address.
func (rt *Runtime) SelfAddr() string { return rt.selfAddr }

// Deliver routes one inbound envelope into the engine. Frames of the
// inactive protocol family and undecodable frames are dropped; the wire
// may always carry junk and the node must shrug it off.
func (rt *Runtime) Deliver(env *wire.Envelope) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if env.Family().String() != rt.algorithm {
		rt.logger.Debug("dropping wrong-family frame", "type", env.MessageType, "active", rt.algorithm)
		return
	}

	msg, err := consensus.Decode(env)
	if err != nil {
		rt.logger.Warn("dropping undecodable frame", "type", env.MessageType, "err", err.Error())
		return
	}

	rt.metrics.IncMessage(env.MessageType)
	out := &consensus.Outbox{}
	rt.engine.Receive(msg, out)
	rt.dispatchOutbox(out)
	rt.notifyWaiters()
}

// dispatchOutbox delivers engine output: self-addressed messages loop
// straight back through the engine (zero network latency), the rest are
// encoded and handed to the transport. Callers hold rt.mu.
func (rt *Runtime) dispatchOutbox(out *consensus.Outbox) {
	for i := 0; i < selfDeliveryLimit; i++ {
		msgs := out.Drain()
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if msg.To == rt.selfAddr {
				rt.metrics.IncMessage(msg.Type.String())
				rt.engine.Receive(msg, out)
				continue
			}
			env, err := consensus.Encode(msg)
			if err != nil {
				rt.logger.Error("dropping unencodable message", "type", msg.Type.String(), "err", err.Error())
				continue
			}
			if rt.sender != nil {
				rt.sender.Send(msg.To, env)
			}
		}
	}
	rt.logger.Error("self-delivery loop exceeded limit, dropping remainder")
}

// Propose submits a client operation and blocks until it commits locally
// or the timeout elapses. The returned snapshot is the applied state after
// commit.
func (rt *Runtime) Propose(op string, timeout time.Duration) (map[string]txn.Amount, error) {
	rt.mu.Lock()

	rt.metrics.IncProposal()
	out := &consensus.Outbox{}
	if err := rt.engine.Propose(op, out); err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	rt.dispatchOutbox(out)

	waiter := rt.addCommitWaiter(op)
	rt.notifyWaiters()
	rt.mu.Unlock()

	select {
	case <-waiter.done:
		rt.mu.Lock()
		snapshot := rt.engine.Ledger().Snapshot()
		rt.mu.Unlock()
		return snapshot, nil
	case <-time.After(timeout):
		rt.removeWaiter(waiter)
		return nil, errors.Timeout("consensus on proposal")
	}
}

// addCommitWaiter registers a waiter that fires once the proposed payload
// appears at or below the engine's commit point. Callers hold rt.mu.
func (rt *Runtime) addCommitWaiter(op string) *commitWaiter {
	log := rt.engine.Log()
	engine := rt.engine
	waiter := &commitWaiter{
		done: make(chan struct{}),
		check: func() bool {
			status := engine.Status()
			for index := status.CommitIndex; index >= 0; index-- {
				entry, err := log.At(index)
				if err != nil {
					break
				}
				if entry.Payload == op {
					return true
				}
			}
			return false
		},
	}
	rt.waiters = append(rt.waiters, waiter)
	return waiter
}

// notifyWaiters resolves every waiter whose condition now holds. Callers
// hold rt.mu.
func (rt *Runtime) notifyWaiters() {
	remaining := rt.waiters[:0]
	for _, w := range rt.waiters {
		if w.check() {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	rt.waiters = remaining
}

func (rt *Runtime) removeWaiter(target *commitWaiter) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	remaining := rt.waiters[:0]
	for _, w := range rt.waiters {
		if w != target {
			remaining = append(remaining, w)
		}
	}
	rt.waiters = remaining
}

// SwitchAlgorithm tears down the current engine and reinitialises the
// other protocol. In-flight messages of the now-inactive family are
// filtered on arrival. Node identity is preserved.
func (rt *Runtime) SwitchAlgorithm(algorithm string) error {
	switch algorithm {
	case "raft", "paxos":
	default:
		return errors.InvalidAlgorithm(algorithm)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if algorithm == rt.algorithm {
		return nil
	}

	engine, err := rt.factory(algorithm)
	if err != nil {
		return err
	}
	rt.abandonWaiters()
	rt.engine = engine
	rt.algorithm = algorithm
	if rt.trail != nil {
		rt.trail.SetAlgorithm(algorithm)
		rt.trail.Record("SYSTEM", fmt.Sprintf("switched algorithm to %s", algorithm))
	}
	rt.logger.Info("switched algorithm", "algorithm", algorithm)
	return nil
}

// Reset reinitialises the current engine, discarding log, ledger and
// protocol state while preserving node identity.
func (rt *Runtime) Reset() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	engine, err := rt.factory(rt.algorithm)
	if err != nil {
		return err
	}
	rt.abandonWaiters()
	rt.engine = engine
	if rt.trail != nil {
		rt.trail.Record("SYSTEM", "node reset")
	}
	return nil
}

// abandonWaiters drops pending proposal waiters; their proposals died with
// the old engine and the clients will see timeouts. Callers hold rt.mu.
func (rt *Runtime) abandonWaiters() {
	rt.waiters = nil
}

// Status snapshots the active engine plus node identity.
func (rt *Runtime) Status() consensus.Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.engine.Status()
}

// Accounts snapshots the applied ledger state.
func (rt *Runtime) Accounts() map[string]txn.Amount {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.engine.Ledger().Snapshot()
}

// LogEntries snapshots the replicated log.
func (rt *Runtime) LogEntries() []consensus.Entry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.engine.Log().Entries()
}

// WithEngine runs fn against the live engine under the runtime lock.
// Tests and the facade use it for engine-specific inspection.
func (rt *Runtime) WithEngine(fn func(consensus.Engine)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn(rt.engine)
}
