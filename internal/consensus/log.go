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

package consensus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is a single replicated log entry. Identity is (Term, Index); the
// payload is the opaque operation string fed to the transaction engine on
// apply. Under Paxos the Term field carries the winning round's sequence.
type Entry struct {
	Term      int
	Index     int
	Timestamp time.Time
	Payload   string
}

// entryWire is the historical JSON shape entries travel in:
// {"request_number":[term,index],"timestamp":"...","message":"..."}.
type entryWire struct {
	RequestNumber [2]int `json:"request_number"`
	Timestamp     string `json:"timestamp"`
	Message       string `json:"message"`
}

// MarshalJSON renders the entry in the historical wire shape.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryWire{
		RequestNumber: [2]int{e.Term, e.Index},
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		Message:       e.Payload,
	})
}

// UnmarshalJSON parses the historical wire shape.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		// Timestamps are informational; a peer with a different clock
		// format must not poison replication.
		ts = time.Time{}
	}
	*e = Entry{
		Term:      w.RequestNumber[0],
		Index:     w.RequestNumber[1],
		Timestamp: ts,
		Payload:   w.Message,
	}
	return nil
}

// Log is the ordered, append-only entry sequence, indexed from 0. It is
// the sole source of truth for apply ordering. Followers may truncate a
// conflicting suffix during Raft consistency repair; nothing else removes
// entries.
type Log struct {
	entries []Entry
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append adds an entry at the end of the log.
func (l *Log) Append(e Entry) {
	l.entries = append(l.entries, e)
}

// TruncateFrom discards the entry at index and everything after it.
func (l *Log) TruncateFrom(index int) {
	if index < 0 {
		index = 0
	}
	if index < len(l.entries) {
		l.entries = l.entries[:index]
	}
}

// LastIndex returns the index of the final entry, or -1 for an empty log.
func (l *Log) LastIndex() int {
	return len(l.entries) - 1
}

// LastTerm returns the term of the final entry, or 0 for an empty log.
func (l *Log) LastTerm() int {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at index.
func (l *Log) TermAt(index int) (int, error) {
	if index < 0 || index >= len(l.entries) {
		return 0, fmt.Errorf("log index %d out of range [0,%d)", index, len(l.entries))
	}
	return l.entries[index].Term, nil
}

// At returns the entry at index.
func (l *Log) At(index int) (Entry, error) {
	if index < 0 || index >= len(l.entries) {
		return Entry{}, fmt.Errorf("log index %d out of range [0,%d)", index, len(l.entries))
	}
	return l.entries[index], nil
}

// EntriesFrom returns a copy of the suffix starting at index.
func (l *Log) EntriesFrom(index int) []Entry {
	if index < 0 {
		index = 0
	}
	if index >= len(l.entries) {
		return nil
	}
	return append([]Entry(nil), l.entries[index:]...)
}

// Entries returns a copy of the whole log.
func (l *Log) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// Size returns the number of entries.
func (l *Log) Size() int {
	return len(l.entries)
}
