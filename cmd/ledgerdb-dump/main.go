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
ledgerdb-dump - export a node's replicated log and account state

Fetches /log and /accounts from a running node and writes a compressed
JSON export. Useful for offline inspection and for comparing replica
state across a cluster after an incident.

Usage:
    ledgerdb-dump --addr http://127.0.0.1:8001 --out node1.dump
    ledgerdb-dump --compression snappy --out node1.dump
    ledgerdb-dump --decode node1.dump           # print an existing export
*/
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"ledgerdb/internal/compression"
	"ledgerdb/pkg/cli"
)

const version = "1.0.0"

// exportHeader identifies a dump file and names its payload compression.
type exportHeader struct {
	Magic       string `json:"magic"`
	Version     string `json:"version"`
	Compression string `json:"compression"`
	CreatedAt   string `json:"created_at"`
}

const exportMagic = "LEDGERDB-DUMP"

// export bundles everything fetched from a node.
type export struct {
	Source   string          `json:"source"`
	Log      json.RawMessage `json:"log"`
	Accounts json.RawMessage `json:"accounts"`
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8000", "Node HTTP address")
	out := flag.String("out", "ledgerdb.dump", "Output file")
	algoName := flag.String("compression", "gzip", "Compression algorithm (none, gzip, lz4, snappy, zstd)")
	decode := flag.String("decode", "", "Decode an existing dump file instead of exporting")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ledgerdb-dump v%s\n", version)
		os.Exit(0)
	}

	if *decode != "" {
		if err := decodeDump(*decode); err != nil {
			cli.Failf("decode failed: %v", err)
			os.Exit(1)
		}
		return
	}

	algo, err := compression.ParseAlgorithm(*algoName)
	if err != nil {
		cli.Failf("%v", err)
		os.Exit(1)
	}

	if err := writeDump(*addr, *out, algo); err != nil {
		cli.Failf("export failed: %v", err)
		os.Exit(1)
	}
	cli.Successf("exported %s to %s (%s)", *addr, *out, algo)
}

func fetch(client *http.Client, url string) (json.RawMessage, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeDump(addr, out string, algo compression.Algorithm) error {
	client := &http.Client{Timeout: 10 * time.Second}

	logData, err := fetch(client, addr+"/log")
	if err != nil {
		return err
	}
	accounts, err := fetch(client, addr+"/accounts")
	if err != nil {
		return err
	}

	payload, err := json.Marshal(export{Source: addr, Log: logData, Accounts: accounts})
	if err != nil {
		return err
	}

	compressor := compression.NewCompressor(compression.Config{Algorithm: algo, MinSize: 0})
	compressed, err := compressor.Compress(payload)
	if err != nil {
		return err
	}

	header, err := json.Marshal(exportHeader{
		Magic:       exportMagic,
		Version:     version,
		Compression: algo.String(),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	// Header line, then the compressed payload.
	if _, err := f.Write(append(header, '\n')); err != nil {
		return err
	}
	_, err = f.Write(compressed)
	return err
}

func decodeDump(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	nl := -1
	for i, b := range data {
		if b == '\n' {
			nl = i
			break
		}
	}
	if nl < 0 {
		return fmt.Errorf("not a ledgerdb dump: missing header")
	}

	var header exportHeader
	if err := json.Unmarshal(data[:nl], &header); err != nil || header.Magic != exportMagic {
		return fmt.Errorf("not a ledgerdb dump: bad header")
	}

	algo, err := compression.ParseAlgorithm(header.Compression)
	if err != nil {
		return err
	}

	compressor := compression.NewCompressor(compression.Config{Algorithm: algo, MinSize: 0})
	payload, err := compressor.Decompress(data[nl+1:], algo)
	if err != nil {
		return err
	}

	var ex export
	if err := json.Unmarshal(payload, &ex); err != nil {
		return err
	}

	cli.Infof("dump of %s, created %s (%s)", ex.Source, header.CreatedAt, header.Compression)
	cli.PrintJSON(map[string]json.RawMessage{
		"log":      ex.Log,
		"accounts": ex.Accounts,
	})
	return nil
}
