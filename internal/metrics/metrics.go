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

// Package metrics exposes Prometheus instrumentation for the consensus
// node. A Set is handed to the runtime and engines; all methods are
// nil-safe so tests can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the consensus collectors for one node.
type Set struct {
	registry *prometheus.Registry

	messagesTotal      *prometheus.CounterVec
	proposalsTotal     prometheus.Counter
	commitsTotal       prometheus.Counter
	electionsTotal     prometheus.Counter
	lockConflictsTotal prometheus.Counter
	retriesTotal       prometheus.Counter
	currentTerm        prometheus.Gauge
	commitIndex        prometheus.Gauge
}

// NewSet creates a Set with its own registry.
func NewSet(nodeID string) *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Set{
		registry: reg,
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "ledgerdb_messages_total",
			Help:        "Consensus messages dispatched, by wire type.",
			ConstLabels: labels,
		}, []string{"type"}),
		proposalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ledgerdb_proposals_total",
			Help:        "Client operations proposed on this node.",
			ConstLabels: labels,
		}),
		commitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ledgerdb_commits_total",
			Help:        "Log entries applied to the state machine.",
			ConstLabels: labels,
		}),
		electionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ledgerdb_elections_total",
			Help:        "Elections started by this node.",
			ConstLabels: labels,
		}),
		lockConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ledgerdb_lock_conflicts_total",
			Help:        "Paxos resource lock conflicts observed.",
			ConstLabels: labels,
		}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ledgerdb_retries_total",
			Help:        "Paxos proposer retries after lock conflicts.",
			ConstLabels: labels,
		}),
		currentTerm: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "ledgerdb_current_term",
			Help:        "Current Raft term (or highest promised Paxos sequence).",
			ConstLabels: labels,
		}),
		commitIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "ledgerdb_commit_index",
			Help:        "Highest committed log index.",
			ConstLabels: labels,
		}),
	}
}

// Handler returns the HTTP handler serving this set's registry.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// IncMessage counts one dispatched message of the given wire type.
func (s *Set) IncMessage(msgType string) {
	if s != nil {
		s.messagesTotal.WithLabelValues(msgType).Inc()
	}
}

// IncProposal counts one client proposal.
func (s *Set) IncProposal() {
	if s != nil {
		s.proposalsTotal.Inc()
	}
}

// IncCommit counts one applied entry.
func (s *Set) IncCommit() {
	if s != nil {
		s.commitsTotal.Inc()
	}
}

// IncElection counts one started election.
func (s *Set) IncElection() {
	if s != nil {
		s.electionsTotal.Inc()
	}
}

// IncLockConflict counts one Paxos lock conflict.
func (s *Set) IncLockConflict() {
	if s != nil {
		s.lockConflictsTotal.Inc()
	}
}

// IncRetry counts one Paxos proposer retry.
func (s *Set) IncRetry() {
	if s != nil {
		s.retriesTotal.Inc()
	}
}

// SetTerm records the current term (or promised sequence).
func (s *Set) SetTerm(term int) {
	if s != nil {
		s.currentTerm.Set(float64(term))
	}
}

// SetCommitIndex records the commit index.
func (s *Set) SetCommitIndex(index int) {
	if s != nil {
		s.commitIndex.Set(float64(index))
	}
}
