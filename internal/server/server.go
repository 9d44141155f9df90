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
Package server implements the HTTP client facade of a consensus node.

The facade is a thin boundary: it translates HTTP requests into runtime
operations and runtime results into JSON responses. It never touches
engine state directly.

Endpoints:

	GET  /status            role, term/promised id, leader, log size, commit index
	POST /propose           {"operation": "..."} -> consensus, applied state
	GET  /log               full replicated log (gzip-encoded when accepted)
	GET  /accounts          applied account balances
	POST /switch_algorithm  {"algorithm": "raft"|"paxos"}
	POST /reset             reinitialise the current algorithm
	GET  /consensus_logs    recent consensus event trail
	GET  /metrics           Prometheus metrics
*/
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"ledgerdb/internal/audit"
	"ledgerdb/internal/consensus"
	"ledgerdb/internal/errors"
	"ledgerdb/internal/logging"
	"ledgerdb/internal/metrics"
	"ledgerdb/internal/node"
	"ledgerdb/internal/txn"
)

// The propose timeouts bound how long a client waits for consensus. Paxos may
// need a couple of randomised retries under contention, so it gets more
// headroom than Raft.
const (
	raftProposeTimeout  = 5 * time.Second
	paxosProposeTimeout = 10 * time.Second
)

// Server is the HTTP facade for one node.
type Server struct {
	rt     *node.Runtime
	trail  *audit.Trail
	logger *logging.Logger

	httpServer *http.Server
}

// New creates the facade for a runtime.
func New(addr string, rt *node.Runtime, trail *audit.Trail, m *metrics.Set) *Server {
	s := &Server{
		rt:     rt,
		trail:  trail,
		logger: logging.NewLogger("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/propose", s.handlePropose)
	mux.HandleFunc("/log", s.handleLog)
	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/switch_algorithm", s.handleSwitchAlgorithm)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/consensus_logs", s.handleConsensusLogs)
	mux.Handle("/metrics", m.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: withCORS(mux),
	}
	return s
}

// Handler exposes the route table for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("serving client API", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// withCORS mirrors the permissive CORS behaviour of the original
// deployment so the bundled dashboards keep working.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", "err", err.Error())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	status := s.rt.Status()
	resp := map[string]any{
		"node_id":   s.rt.NodeID(),
		"algorithm": status.Algorithm,
		"log_size":  status.LogSize,
	}
	if status.Algorithm == "raft" {
		resp["role"] = status.Role
		resp["term"] = status.Term
		resp["leader"] = status.Leader
		resp["commit_index"] = status.CommitIndex
	} else {
		resp["promised_id"] = status.PromisedID.String()
		s.rt.WithEngine(func(e consensus.Engine) {
			if p, ok := e.(*consensus.Paxos); ok {
				resp["locked_accounts"] = p.LockedAccounts()
			}
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req struct {
		Operation string `json:"operation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Operation) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   errors.MissingRequired("operation").Message,
		})
		return
	}

	operation := ensureTxID(req.Operation)

	// Reject unparseable operations here; garbage must never enter the
	// replicated log.
	if _, err := txn.ParseOperation(operation); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   errorMessage(err),
		})
		return
	}

	timeout := raftProposeTimeout
	if s.rt.Algorithm() == "paxos" {
		timeout = paxosProposeTimeout
	}

	snapshot, err := s.rt.Propose(operation, timeout)
	if err != nil {
		resp := map[string]any{"success": false, "error": errorMessage(err)}
		status := http.StatusConflict
		switch errors.GetCode(err) {
		case errors.ErrCodeNotLeader:
			s.rt.WithEngine(func(e consensus.Engine) {
				if raft, ok := e.(*consensus.Raft); ok {
					resp["leader"] = raft.LeaderHint()
				}
			})
		case errors.ErrCodeTimeout:
			status = http.StatusGatewayTimeout
		case errors.ErrCodeUnknownOperation, errors.ErrCodeBadAmount:
			status = http.StatusBadRequest
		}
		s.writeJSON(w, status, resp)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"operation": operation,
		"algorithm": s.rt.Algorithm(),
		"new_state": snapshot,
	})
}

// ensureTxID appends a generated TX_ID token when the client omitted one.
// Paxos lock ownership requires every operation to carry a transaction id,
// and giving Raft entries one too keeps the two logs interchangeable.
func ensureTxID(operation string) string {
	if txIDOf(operation) != "" {
		return operation
	}
	return fmt.Sprintf("%s;TX_ID:%s", strings.TrimRight(operation, ";"), uuid.NewString())
}

func txIDOf(operation string) string {
	for _, part := range strings.Split(operation, ";") {
		if strings.HasPrefix(strings.TrimSpace(part), "TX_ID:") {
			return strings.TrimSpace(part)
		}
	}
	return ""
}

func errorMessage(err error) string {
	if e, ok := err.(*errors.LedgerError); ok {
		return e.Message
	}
	return err.Error()
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	payload := map[string]any{
		"node_id":   s.rt.NodeID(),
		"algorithm": s.rt.Algorithm(),
		"log":       s.rt.LogEntries(),
	}

	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if err := json.NewEncoder(gz).Encode(payload); err != nil {
			s.logger.Warn("failed to encode log response", "err", err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.rt.Accounts())
}

func (s *Server) handleSwitchAlgorithm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req struct {
		Algorithm string `json:"algorithm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	if err := s.rt.SwitchAlgorithm(strings.ToLower(req.Algorithm)); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": errorMessage(err)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "algorithm": s.rt.Algorithm()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.trail != nil {
		s.trail.Record("SYSTEM", "reset triggered by client")
	}
	if err := s.rt.Reset(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": errorMessage(err)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleConsensusLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	events := []audit.Event{}
	if s.trail != nil {
		events = s.trail.Events()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"node_id": s.rt.NodeID(),
		"logs":    events,
	})
}
