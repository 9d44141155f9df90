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
ledgerdb-discover - LedgerDB Node Discovery Tool

This tool discovers LedgerDB nodes on the local network using mDNS
(Bonjour/Avahi). It can be used by provisioning scripts to find existing
cluster nodes for the PEERS list.

Usage:
    ledgerdb-discover                    # Discover nodes (5 second timeout)
    ledgerdb-discover --timeout 10       # Custom timeout in seconds
    ledgerdb-discover --json             # Output as JSON
    ledgerdb-discover --quiet            # Only output addresses (for scripting)
*/
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"ledgerdb/internal/cluster"
	"ledgerdb/pkg/cli"
)

const version = "1.0.0"

func main() {
	timeout := flag.Int("timeout", 5, "Discovery timeout in seconds")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	quiet := flag.Bool("quiet", false, "Only output cluster addresses (for scripting)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(quiet, "q", false, "Only output cluster addresses (for scripting)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ledgerdb-discover v%s\n", version)
		os.Exit(0)
	}

	// Suppress mDNS library logging (it logs IPv6 errors that are not critical)
	log.SetOutput(io.Discard)

	discovery := cluster.NewDiscoveryService(cluster.DiscoveryConfig{
		NodeID:  "discover-client",
		Enabled: false, // Don't advertise, just discover
	})

	if !*quiet && !*jsonOutput {
		cli.Infof("Scanning for LedgerDB nodes on the network (timeout: %ds)...", *timeout)
	}

	nodes, err := discovery.DiscoverNodes(time.Duration(*timeout) * time.Second)
	if err != nil {
		if !*quiet {
			cli.Failf("Discovery failed: %v", err)
		}
		os.Exit(1)
	}

	if len(nodes) == 0 {
		if !*quiet && !*jsonOutput {
			cli.Warnf("No LedgerDB nodes found on the network.")
			fmt.Println()
			fmt.Println("  Common issues:")
			fmt.Println("    • nodes are not running with LEDGERDB_DISCOVERY=true")
			fmt.Println("    • mDNS/Bonjour is blocked by firewall (UDP port 5353)")
			fmt.Println("    • nodes are on a different network segment")
		}
		os.Exit(0)
	}

	switch {
	case *jsonOutput:
		cli.PrintJSON(nodes)
	case *quiet:
		addrs := make([]string, len(nodes))
		for i, n := range nodes {
			addrs[i] = n.ClusterAddr
		}
		fmt.Println(strings.Join(addrs, ";"))
	default:
		cli.Successf("Found %d LedgerDB node(s)", len(nodes))
		table := cli.NewTable("NODE", "CLUSTER ADDRESS", "HTTP ADDRESS", "VERSION")
		for _, n := range nodes {
			table.AddRow(n.NodeID, n.ClusterAddr, n.HTTPAddr, n.Version)
		}
		table.Print()
	}
}
