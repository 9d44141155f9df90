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
Package config provides configuration management for LedgerDB.

Configuration Sources (later sources override earlier ones):
============================================================

1. Built-in defaults
2. Configuration file (TOML-style key = value pairs)
3. Environment variables

Environment Variables:
======================

The cluster-facing variables keep their short historical names so that
deployment scripts stay portable across node implementations:

  - NODE_ID       unique integer node identity
  - NODE_IP       address peers use to route to this node
  - HTTP_PORT     client facade port
  - TCP_PORT      inter-node consensus port
  - PEERS         semicolon-separated ip:tcp_port list of the other members
  - ALGORITHM     raft or paxos

Everything else is namespaced:

  - LEDGERDB_LOG_LEVEL, LEDGERDB_LOG_JSON, LEDGERDB_DISCOVERY
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names.
const (
	EnvNodeID    = "NODE_ID"
	EnvNodeIP    = "NODE_IP"
	EnvHTTPPort  = "HTTP_PORT"
	EnvTCPPort   = "TCP_PORT"
	EnvPeers     = "PEERS"
	EnvAlgorithm = "ALGORITHM"
	EnvLogLevel  = "LEDGERDB_LOG_LEVEL"
	EnvLogJSON   = "LEDGERDB_LOG_JSON"
	EnvDiscovery = "LEDGERDB_DISCOVERY"
)

// Config holds the complete node configuration.
type Config struct {
	NodeID    int      `json:"node_id"`
	NodeIP    string   `json:"node_ip"`
	HTTPPort  int      `json:"http_port"`
	TCPPort   int      `json:"tcp_port"`
	Peers     []string `json:"peers"` // ip:tcp_port of every other member
	Algorithm string   `json:"algorithm"`

	ElectionBase   time.Duration `json:"election_base"`
	ElectionJitter time.Duration `json:"election_jitter"`

	LogLevel  string `json:"log_level"`
	LogJSON   bool   `json:"log_json"`
	Discovery bool   `json:"discovery"`

	ConfigFile string `json:"-"`
}

// DefaultConfig returns a Config with sensible defaults for a local
// four-node cluster.
func DefaultConfig() *Config {
	return &Config{
		NodeID:         1,
		NodeIP:         "127.0.0.1",
		HTTPPort:       8000,
		TCPPort:        5000,
		Peers:          []string{},
		Algorithm:      "raft",
		ElectionBase:   2 * time.Second,
		ElectionJitter: 1 * time.Second,
		LogLevel:       "info",
		LogJSON:        false,
		Discovery:      false,
	}
}

// HeartbeatInterval derives the leader heartbeat period from the election
// timing (a quarter of the base keeps followers comfortably suppressed).
func (c *Config) HeartbeatInterval() time.Duration {
	return c.ElectionBase / 4
}

// SelfAddr returns the address peers use to route to this node.
func (c *Config) SelfAddr() string {
	return c.NodeIP
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validPort(c.HTTPPort, "http_port"); err != nil {
		return err
	}
	if err := validPort(c.TCPPort, "tcp_port"); err != nil {
		return err
	}
	if c.HTTPPort == c.TCPPort {
		return fmt.Errorf("http_port and tcp_port must differ (both %d)", c.HTTPPort)
	}
	if c.NodeID <= 0 {
		return fmt.Errorf("node_id must be a positive integer, got %d", c.NodeID)
	}
	if c.NodeIP == "" {
		return fmt.Errorf("node_ip must not be empty")
	}
	switch c.Algorithm {
	case "raft", "paxos":
	default:
		return fmt.Errorf("invalid algorithm %q (want raft or paxos)", c.Algorithm)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.ElectionBase <= 0 {
		return fmt.Errorf("election_base must be positive")
	}
	for _, p := range c.Peers {
		host, port, ok := splitHostPort(p)
		if !ok || host == "" {
			return fmt.Errorf("invalid peer %q (want ip:tcp_port)", p)
		}
		if err := validPort(port, "peer port"); err != nil {
			return err
		}
	}
	return nil
}

func validPort(p int, name string) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s out of range: %d", name, p)
	}
	return nil
}

func splitHostPort(s string) (string, int, bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:i], port, true
}

// ToTOML renders the configuration as a TOML-style document.
func (c *Config) ToTOML() string {
	var sb strings.Builder
	sb.WriteString("# LedgerDB node configuration\n")
	fmt.Fprintf(&sb, "node_id = %d\n", c.NodeID)
	fmt.Fprintf(&sb, "node_ip = %q\n", c.NodeIP)
	fmt.Fprintf(&sb, "http_port = %d\n", c.HTTPPort)
	fmt.Fprintf(&sb, "tcp_port = %d\n", c.TCPPort)
	fmt.Fprintf(&sb, "peers = %q\n", strings.Join(c.Peers, ";"))
	fmt.Fprintf(&sb, "algorithm = %q\n", c.Algorithm)
	fmt.Fprintf(&sb, "election_base_ms = %d\n", c.ElectionBase.Milliseconds())
	fmt.Fprintf(&sb, "election_jitter_ms = %d\n", c.ElectionJitter.Milliseconds())
	fmt.Fprintf(&sb, "log_level = %q\n", c.LogLevel)
	fmt.Fprintf(&sb, "log_json = %t\n", c.LogJSON)
	fmt.Fprintf(&sb, "discovery = %t\n", c.Discovery)
	return sb.String()
}

// SaveToFile writes the configuration to a file, creating directories as
// needed.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(c.ToTOML()), 0644)
}

// String returns a one-line human-readable summary.
func (c *Config) String() string {
	return fmt.Sprintf("NodeID: %d, NodeIP: %s, HTTPPort: %d, TCPPort: %d, Algorithm: %s, Peers: %d",
		c.NodeID, c.NodeIP, c.HTTPPort, c.TCPPort, c.Algorithm, len(c.Peers))
}

// Manager loads, validates and reloads configuration.
type Manager struct {
	mu       sync.RWMutex
	cfg      *Config
	onReload []func(*Config)
}

// NewManager creates a Manager holding the default configuration.
func NewManager() *Manager {
	return &Manager{cfg: DefaultConfig()}
}

var (
	globalOnce sync.Once
	globalMgr  *Manager
)

// Global returns the process-wide configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.cfg
	cp.Peers = append([]string(nil), m.cfg.Peers...)
	return &cp
}

// OnReload registers a callback invoked after each successful Reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// LoadFromFile reads a TOML-style configuration file into the manager.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("line %d: expected key = value", lineNo+1)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch key {
		case "node_id":
			cfg.NodeID, err = strconv.Atoi(value)
		case "node_ip":
			cfg.NodeIP = value
		case "http_port":
			cfg.HTTPPort, err = strconv.Atoi(value)
		case "tcp_port":
			cfg.TCPPort, err = strconv.Atoi(value)
		case "peers":
			cfg.Peers = parsePeers(value)
		case "algorithm":
			cfg.Algorithm = strings.ToLower(value)
		case "election_base_ms":
			var ms int
			ms, err = strconv.Atoi(value)
			cfg.ElectionBase = time.Duration(ms) * time.Millisecond
		case "election_jitter_ms":
			var ms int
			ms, err = strconv.Atoi(value)
			cfg.ElectionJitter = time.Duration(ms) * time.Millisecond
		case "log_level":
			cfg.LogLevel = strings.ToLower(value)
		case "log_json":
			cfg.LogJSON = value == "true"
		case "discovery":
			cfg.Discovery = value == "true"
		default:
			// Unknown keys are ignored for forward compatibility.
		}
		if err != nil {
			return fmt.Errorf("line %d: invalid value for %s: %q", lineNo+1, key, value)
		}
	}
	cfg.ConfigFile = path
	return nil
}

// LoadFromEnv overlays environment variables onto the current configuration.
func (m *Manager) LoadFromEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	if v := os.Getenv(EnvNodeID); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.NodeID = id
		}
	}
	if v := os.Getenv(EnvNodeIP); v != "" {
		cfg.NodeIP = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv(EnvTCPPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.TCPPort = p
		}
	}
	if v := os.Getenv(EnvPeers); v != "" {
		cfg.Peers = parsePeers(v)
	}
	if v := os.Getenv(EnvAlgorithm); v != "" {
		cfg.Algorithm = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvDiscovery); v != "" {
		cfg.Discovery = v == "true" || v == "1"
	}
}

// Reload re-reads the configuration file (if one was loaded) and re-applies
// the environment, then notifies reload callbacks.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.cfg.ConfigFile
	m.mu.RUnlock()

	if path != "" {
		if err := m.LoadFromFile(path); err != nil {
			return err
		}
	}
	m.LoadFromEnv()

	m.mu.RLock()
	cfg := m.cfg
	callbacks := append([]func(*Config){}, m.onReload...)
	m.mu.RUnlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// parsePeers splits a semicolon-separated ip:port list, tolerating blanks.
func parsePeers(s string) []string {
	peers := []string{}
	for _, p := range strings.Split(s, ";") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
