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
Package transport carries consensus frames between cluster nodes over TCP.

Inbound: a listener accepts peer connections and reads length-prefixed
envelopes off each stream, handing every decoded frame to the runtime.

Outbound: each peer gets its own FIFO queue drained by a dedicated sender
goroutine that dials lazily and reconnects on failure. Messages to one
peer stay ordered on a healthy connection; a message that cannot be sent
is dropped — consensus retransmits on its own timers, so the transport
never blocks the engines waiting for a sick peer.

The transport owns connections and nothing else; it never touches engine
state.
*/
package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"ledgerdb/internal/logging"
	"ledgerdb/internal/wire"
)

const (
	dialTimeout  = 500 * time.Millisecond
	writeTimeout = 2 * time.Second
	queueDepth   = 256
	redialDelay  = 250 * time.Millisecond
)

// Handler consumes inbound envelopes.
type Handler func(env *wire.Envelope)

// Transport is the TCP fabric for one node.
type Transport struct {
	listenAddr string
	handler    Handler
	logger     *logging.Logger

	// peers maps a routing IP to its ip:tcp_port dial address.
	peersMu sync.RWMutex
	peers   map[string]string
	queues  map[string]*peerQueue

	listener net.Listener
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// peerQueue is the per-peer FIFO send queue.
type peerQueue struct {
	dialAddr string
	ch       chan *wire.Envelope
}

// New creates a transport listening on listenAddr. The peer table maps
// each peer's routing IP to its dialable ip:tcp_port address.
func New(listenAddr string, peers map[string]string, handler Handler) *Transport {
	t := &Transport{
		listenAddr: listenAddr,
		handler:    handler,
		logger:     logging.NewLogger("transport"),
		peers:      make(map[string]string, len(peers)),
		queues:     make(map[string]*peerQueue),
		conns:      make(map[net.Conn]struct{}),
		stopCh:     make(chan struct{}),
	}
	for ip, addr := range peers {
		t.peers[ip] = addr
	}
	return t
}

// Start opens the listener and launches the accept loop.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to start consensus listener: %w", err)
	}
	t.listener = ln
	t.logger.Info("listening", "addr", t.listenAddr)

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every open connection, then drains the
// goroutines.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if t.listener != nil {
		t.listener.Close()
	}
	t.connsMu.Lock()
	for conn := range t.conns {
		conn.Close()
	}
	t.connsMu.Unlock()
	t.wg.Wait()
}

func (t *Transport) track(conn net.Conn) {
	t.connsMu.Lock()
	t.conns[conn] = struct{}{}
	t.connsMu.Unlock()
}

func (t *Transport) untrack(conn net.Conn) {
	t.connsMu.Lock()
	delete(t.conns, conn)
	t.connsMu.Unlock()
}

// Addr returns the bound listener address (useful with ":0" in tests).
func (t *Transport) Addr() string {
	if t.listener == nil {
		return t.listenAddr
	}
	return t.listener.Addr().String()
}

// Send enqueues an envelope for a peer. Unknown peers and full queues drop
// the message; the upper protocol re-sends on its next timer.
func (t *Transport) Send(toIP string, env *wire.Envelope) {
	queue := t.queueFor(toIP)
	if queue == nil {
		t.logger.Warn("no route to peer", "peer", toIP)
		return
	}
	select {
	case queue.ch <- env:
	default:
		t.logger.Warn("send queue full, dropping frame", "peer", toIP, "type", env.MessageType)
	}
}

func (t *Transport) queueFor(toIP string) *peerQueue {
	t.peersMu.RLock()
	queue, ok := t.queues[toIP]
	t.peersMu.RUnlock()
	if ok {
		return queue
	}

	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if queue, ok = t.queues[toIP]; ok {
		return queue
	}
	dialAddr, known := t.peers[toIP]
	if !known {
		return nil
	}
	queue = &peerQueue{dialAddr: dialAddr, ch: make(chan *wire.Envelope, queueDepth)}
	t.queues[toIP] = queue

	t.wg.Add(1)
	go t.senderLoop(queue)
	return queue
}

// senderLoop drains one peer's queue, dialing lazily and reconnecting on
// write failure. One attempt per frame: consensus owns retransmission.
func (t *Transport) senderLoop(q *peerQueue) {
	defer t.wg.Done()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-t.stopCh:
			return
		case env := <-q.ch:
			if conn == nil {
				c, err := net.DialTimeout("tcp", q.dialAddr, dialTimeout)
				if err != nil {
					t.logger.Debug("dial failed, dropping frame", "peer", q.dialAddr, "err", err.Error())
					time.Sleep(redialDelay)
					continue
				}
				conn = c
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wire.WriteFrame(conn, env); err != nil {
				t.logger.Debug("write failed, closing connection", "peer", q.dialAddr, "err", err.Error())
				conn.Close()
				conn = nil
			}
		}
	}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		t.track(conn)
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

// readLoop decodes frames off one inbound connection until it closes.
// Malformed frames poison the stream framing, so the connection is
// dropped; the peer redials.
func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer t.untrack(conn)
	defer conn.Close()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		env, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("read failed, closing connection", "err", err.Error())
			}
			return
		}
		t.handler(env)
	}
}
