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
Package wire implements the LedgerDB inter-node wire protocol.

Protocol Overview:
==================

Consensus messages travel over point-to-point TCP streams as
length-prefixed frames:

	+--------+--------+--------+--------+--------+...
	|        Length (4B, big-endian)    | Payload...
	+--------+--------+--------+--------+--------+...

The payload is a UTF-8 JSON envelope:

	{
	  "from_ip": "...", "to_ip": "...",
	  "message_type": "...", "message_content": ...,
	  "term": 3,                  // Raft family only
	  "round_identifier": "4.2"   // Paxos family only
	}

Message Types:
==============

	Raft:  REQUEST_VOTE, VOTE, APPEND_ENTRIES, APPEND_RESPONSE
	Paxos: PREPARE, PROMISE, ACCEPT, ACCEPTED

A node running one algorithm silently drops frames of the other family;
the envelope carries enough to classify a frame before any content is
interpreted.
*/
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"ledgerdb/internal/errors"
)

// MaxFrameSize bounds a single frame (16 MB).
const MaxFrameSize = 16 * 1024 * 1024

// Raft message type names.
const (
	TypeRequestVote    = "REQUEST_VOTE"
	TypeVote           = "VOTE"
	TypeAppendEntries  = "APPEND_ENTRIES"
	TypeAppendResponse = "APPEND_RESPONSE"
)

// Paxos message type names.
const (
	TypePrepare  = "PREPARE"
	TypePromise  = "PROMISE"
	TypeAccept   = "ACCEPT"
	TypeAccepted = "ACCEPTED"
)

// Family identifies which protocol a message type belongs to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyRaft
	FamilyPaxos
)

func (f Family) String() string {
	switch f {
	case FamilyRaft:
		return "raft"
	case FamilyPaxos:
		return "paxos"
	default:
		return "unknown"
	}
}

// FamilyOf classifies a message type name.
func FamilyOf(messageType string) Family {
	switch messageType {
	case TypeRequestVote, TypeVote, TypeAppendEntries, TypeAppendResponse:
		return FamilyRaft
	case TypePrepare, TypePromise, TypeAccept, TypeAccepted:
		return FamilyPaxos
	default:
		return FamilyUnknown
	}
}

// Envelope is the JSON frame payload. MessageContent stays raw here; the
// consensus package parses it into typed records at the boundary so that
// no raw strings reach the engines.
type Envelope struct {
	FromIP          string          `json:"from_ip"`
	ToIP            string          `json:"to_ip"`
	MessageType     string          `json:"message_type"`
	MessageContent  json.RawMessage `json:"message_content,omitempty"`
	Term            *int            `json:"term,omitempty"`
	RoundIdentifier string          `json:"round_identifier,omitempty"`
}

// Family classifies the envelope by its message type.
func (e *Envelope) Family() Family {
	return FamilyOf(e.MessageType)
}

// WriteFrame writes one length-prefixed envelope to w.
func WriteFrame(w io.Writer, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.MalformedFrame("encode").WithCause(err)
	}
	if len(payload) > MaxFrameSize {
		return errors.FrameTooLarge(len(payload), MaxFrameSize)
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed envelope from r. io.EOF is returned
// unchanged on a clean end of stream so callers can terminate read loops.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > MaxFrameSize {
		return nil, errors.FrameTooLarge(int(size), MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	env := &Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, errors.MalformedFrame("decode").WithCause(err)
	}
	if env.MessageType == "" {
		return nil, errors.MalformedFrame("missing message_type")
	}
	return env, nil
}
