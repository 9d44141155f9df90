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
ledgerdb-cli - interactive shell for a LedgerDB node

Talks to a node's HTTP facade. Commands:

	status                        node role, term, leader
	accounts                      applied balances
	log                           replicated log entries
	deposit ACCT AMOUNT           propose a deposit
	withdraw ACCT AMOUNT          propose a withdrawal
	transfer SRC DST AMOUNT       propose a transfer
	switch raft|paxos             switch consensus algorithm
	reset                         reinitialise the node
	events                        recent consensus events
	help, quit
*/
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"ledgerdb/pkg/cli"
)

const version = "1.0.0"

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) post(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8000", "Node HTTP address")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ledgerdb-cli v%s\n", version)
		os.Exit(0)
	}

	c := &client{
		base: strings.TrimRight(*addr, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}

	completer := readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("accounts"),
		readline.PcItem("log"),
		readline.PcItem("events"),
		readline.PcItem("deposit"),
		readline.PcItem("withdraw"),
		readline.PcItem("transfer"),
		readline.PcItem("switch",
			readline.PcItem("raft"),
			readline.PcItem("paxos"),
		),
		readline.PcItem("reset"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cli.Colorize(cli.Cyan, "ledgerdb> "),
		HistoryFile:     os.TempDir() + "/ledgerdb_cli_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		cli.Failf("failed to initialise shell: %v", err)
		os.Exit(1)
	}
	defer rl.Close()

	cli.Infof("Connected to %s (type 'help' for commands)", c.base)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "quit", "exit":
			return
		case "help":
			printHelp()
		case "status":
			runStatus(c)
		case "accounts":
			runAccounts(c)
		case "log":
			runLog(c)
		case "events":
			runEvents(c)
		case "deposit", "withdraw":
			if len(fields) != 3 {
				cli.Failf("usage: %s ACCT AMOUNT", fields[0])
				continue
			}
			propose(c, fmt.Sprintf("%s;%s;%s", strings.ToUpper(fields[0]), fields[1], fields[2]))
		case "transfer":
			if len(fields) != 4 {
				cli.Failf("usage: transfer SRC DST AMOUNT")
				continue
			}
			propose(c, fmt.Sprintf("TRANSFER;%s;%s;%s", fields[1], fields[2], fields[3]))
		case "switch":
			if len(fields) != 2 {
				cli.Failf("usage: switch raft|paxos")
				continue
			}
			runSwitch(c, strings.ToLower(fields[1]))
		case "reset":
			runReset(c)
		default:
			cli.Failf("unknown command %q (type 'help')", fields[0])
		}
	}
}

func printHelp() {
	fmt.Println(`Commands:
  status                    node role, term/promised id, leader
  accounts                  applied balances
  log                       replicated log entries
  events                    recent consensus events
  deposit ACCT AMOUNT       propose a deposit
  withdraw ACCT AMOUNT      propose a withdrawal
  transfer SRC DST AMOUNT   propose a transfer
  switch raft|paxos         switch consensus algorithm
  reset                     reinitialise the node
  quit                      leave the shell`)
}

func runStatus(c *client) {
	var status map[string]any
	if err := c.get("/status", &status); err != nil {
		cli.Failf("status failed: %v", err)
		return
	}
	cli.PrintJSON(status)
}

func runAccounts(c *client) {
	var accounts map[string]json.Number
	if err := c.get("/accounts", &accounts); err != nil {
		cli.Failf("accounts failed: %v", err)
		return
	}
	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	table := cli.NewTable("ACCOUNT", "BALANCE")
	for _, name := range names {
		table.AddRow(name, accounts[name].String())
	}
	table.Print()
}

func runLog(c *client) {
	var resp struct {
		Log []struct {
			RequestNumber [2]int `json:"request_number"`
			Timestamp     string `json:"timestamp"`
			Message       string `json:"message"`
		} `json:"log"`
	}
	if err := c.get("/log", &resp); err != nil {
		cli.Failf("log failed: %v", err)
		return
	}
	table := cli.NewTable("TERM", "INDEX", "OPERATION")
	for _, entry := range resp.Log {
		table.AddRow(
			fmt.Sprint(entry.RequestNumber[0]),
			fmt.Sprint(entry.RequestNumber[1]),
			entry.Message,
		)
	}
	table.Print()
}

func runEvents(c *client) {
	var resp struct {
		Logs []struct {
			Timestamp string `json:"timestamp"`
			Level     string `json:"level"`
			Message   string `json:"message"`
		} `json:"logs"`
	}
	if err := c.get("/consensus_logs", &resp); err != nil {
		cli.Failf("events failed: %v", err)
		return
	}
	table := cli.NewTable("TIME", "LEVEL", "EVENT")
	for _, e := range resp.Logs {
		table.AddRow(e.Timestamp, e.Level, e.Message)
	}
	table.Print()
}

func propose(c *client, operation string) {
	var resp struct {
		Success  bool            `json:"success"`
		Error    string          `json:"error"`
		Leader   string          `json:"leader"`
		NewState json.RawMessage `json:"new_state"`
	}
	if err := c.post("/propose", map[string]string{"operation": operation}, &resp); err != nil {
		cli.Failf("propose failed: %v", err)
		return
	}
	if !resp.Success {
		if resp.Leader != "" {
			cli.Failf("%s (try the leader at %s)", resp.Error, resp.Leader)
		} else {
			cli.Failf("%s", resp.Error)
		}
		return
	}
	cli.Successf("committed %s", operation)
	if len(resp.NewState) > 0 {
		var state any
		if json.Unmarshal(resp.NewState, &state) == nil {
			cli.PrintJSON(state)
		}
	}
}

func runSwitch(c *client, algorithm string) {
	// Switching reinitialises the engine: the replicated log, balances
	// and in-flight consensus state on this node are gone afterwards.
	if !cli.ConfirmDestructive(
		fmt.Sprintf("Switching to %s drops this node's replicated log, balances and in-flight consensus state.", algorithm),
		"switch") {
		cli.Warnf("switch aborted")
		return
	}

	var resp struct {
		Success   bool   `json:"success"`
		Error     string `json:"error"`
		Algorithm string `json:"algorithm"`
	}
	if err := c.post("/switch_algorithm", map[string]string{"algorithm": algorithm}, &resp); err != nil {
		cli.Failf("switch failed: %v", err)
		return
	}
	if !resp.Success {
		cli.Failf("%s", resp.Error)
		return
	}
	cli.Successf("algorithm is now %s", resp.Algorithm)
}

func runReset(c *client) {
	if !cli.ConfirmDestructive(
		"Resetting clears this node's replicated log and restores the seed balances.",
		"reset") {
		cli.Warnf("reset aborted")
		return
	}

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.post("/reset", nil, &resp); err != nil {
		cli.Failf("reset failed: %v", err)
		return
	}
	if resp.Success {
		cli.Successf("node reinitialised")
	} else {
		cli.Failf("%s", resp.Error)
	}
}
