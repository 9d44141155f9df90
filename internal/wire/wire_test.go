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

package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
)

func TestWriteAndReadFrame(t *testing.T) {
	term := 3
	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "raft append entries",
			env: Envelope{
				FromIP:         "10.0.0.1",
				ToIP:           "10.0.0.2",
				MessageType:    TypeAppendEntries,
				MessageContent: json.RawMessage(`{"prev_log_index":-1,"prev_log_term":0,"entries":[],"leader_commit":-1,"leader_id":"10.0.0.1"}`),
				Term:           &term,
			},
		},
		{
			name: "paxos prepare",
			env: Envelope{
				FromIP:          "10.0.0.1",
				ToIP:            "10.0.0.3",
				MessageType:     TypePrepare,
				MessageContent:  json.RawMessage(`"DEPOSIT;KONTO_A;10;TX_ID:1"`),
				RoundIdentifier: "4.1",
			},
		},
		{
			name: "raft vote",
			env: Envelope{
				FromIP:         "10.0.0.2",
				ToIP:           "10.0.0.1",
				MessageType:    TypeVote,
				MessageContent: json.RawMessage(`{"granted":true}`),
				Term:           &term,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := WriteFrame(buf, &tt.env); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}

			got, err := ReadFrame(buf)
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}

			if got.FromIP != tt.env.FromIP || got.ToIP != tt.env.ToIP {
				t.Errorf("addresses mismatch: got %s->%s", got.FromIP, got.ToIP)
			}
			if got.MessageType != tt.env.MessageType {
				t.Errorf("type mismatch: got %s, want %s", got.MessageType, tt.env.MessageType)
			}
			if got.RoundIdentifier != tt.env.RoundIdentifier {
				t.Errorf("round mismatch: got %s, want %s", got.RoundIdentifier, tt.env.RoundIdentifier)
			}
			if (got.Term == nil) != (tt.env.Term == nil) {
				t.Errorf("term presence mismatch")
			}
			if got.Term != nil && *got.Term != *tt.env.Term {
				t.Errorf("term mismatch: got %d, want %d", *got.Term, *tt.env.Term)
			}
		})
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		msgType string
		want    Family
	}{
		{TypeRequestVote, FamilyRaft},
		{TypeVote, FamilyRaft},
		{TypeAppendEntries, FamilyRaft},
		{TypeAppendResponse, FamilyRaft},
		{TypePrepare, FamilyPaxos},
		{TypePromise, FamilyPaxos},
		{TypeAccept, FamilyPaxos},
		{TypeAccepted, FamilyPaxos},
		{"BOGUS", FamilyUnknown},
		{"", FamilyUnknown},
	}
	for _, tt := range tests {
		if got := FamilyOf(tt.msgType); got != tt.want {
			t.Errorf("FamilyOf(%q) = %v, want %v", tt.msgType, got, tt.want)
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	buf := new(bytes.Buffer)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], MaxFrameSize+1)
	buf.Write(length[:])

	if _, err := ReadFrame(buf); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestShortRead(t *testing.T) {
	// Length prefix promises more bytes than the stream carries.
	buf := new(bytes.Buffer)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], 100)
	buf.Write(length[:])
	buf.WriteString("{}")

	if _, err := ReadFrame(buf); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestMalformedPayload(t *testing.T) {
	payload := []byte("not json at all")
	buf := new(bytes.Buffer)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)

	if _, err := ReadFrame(buf); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestMissingMessageType(t *testing.T) {
	payload := []byte(`{"from_ip":"a","to_ip":"b"}`)
	buf := new(bytes.Buffer)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)

	if _, err := ReadFrame(buf); err == nil {
		t.Error("expected error for missing message_type")
	}
}
