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

package txn

import (
	"reflect"
	"testing"
)

func newTestLedger(t *testing.T, balances map[string]Amount) *Ledger {
	t.Helper()
	l := NewLedger()
	l.mu.Lock()
	l.accounts = balances
	l.mu.Unlock()
	return l
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    Amount
		wantErr bool
	}{
		{"100", 10000, false},
		{"100.5", 10050, false},
		{"100.50", 10050, false},
		{"0.01", 1, false},
		{" 42.00 ", 4200, false},
		{"0", 0, false},
		{"", 0, true},
		{"-5", 0, true},
		{"+5", 0, true},
		{"1.234", 0, true},
		{"abc", 0, true},
		{"1.x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAmount(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestAmountString(t *testing.T) {
	tests := []struct {
		amount Amount
		want   string
	}{
		{10000, "100.00"},
		{10050, "100.50"},
		{1, "0.01"},
		{0, "0.00"},
		{-250, "-2.50"},
	}
	for _, tt := range tests {
		if got := tt.amount.String(); got != tt.want {
			t.Errorf("Amount(%d).String() = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestWithdraw(t *testing.T) {
	l := newTestLedger(t, map[string]Amount{"KONTO_A": 10000, "KONTO_B": 0})

	if _, err := l.Apply("WITHDRAW;KONTO_A;50.0"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := l.Balance("KONTO_A"); got != 5000 {
		t.Errorf("after first withdraw: %s, want 50.00", got)
	}

	if _, err := l.Apply("WITHDRAW;KONTO_A;50.0"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := l.Balance("KONTO_A"); got != 0 {
		t.Errorf("after second withdraw: %s, want 0.00", got)
	}

	// Overdraw is a domain rejection, not an error; the balance must stay.
	res, err := l.Apply("WITHDRAW;KONTO_A;10.0")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Rejected == "" {
		t.Error("expected insufficient-funds rejection")
	}
	if got := l.Balance("KONTO_A"); got != 0 {
		t.Errorf("after overdraw: %s, want 0.00", got)
	}
}

func TestDeposit(t *testing.T) {
	l := newTestLedger(t, map[string]Amount{"KONTO_A": 10000})

	if _, err := l.Apply("DEPOSIT;KONTO_A;50.0"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := l.Balance("KONTO_A"); got != 15000 {
		t.Errorf("balance = %s, want 150.00", got)
	}

	// Deposits create unknown accounts on demand.
	if _, err := l.Apply("DEPOSIT;KONTO_C;25.00"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := l.Balance("KONTO_C"); got != 2500 {
		t.Errorf("new account balance = %s, want 25.00", got)
	}
}

func TestTransfer(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		l := newTestLedger(t, map[string]Amount{"KONTO_A": 10000, "KONTO_B": 0})
		if _, err := l.Apply("TRANSFER;KONTO_A;KONTO_B;50.0"); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if a, b := l.Balance("KONTO_A"), l.Balance("KONTO_B"); a != 5000 || b != 5000 {
			t.Errorf("balances = %s/%s, want 50.00/50.00", a, b)
		}
	})

	t.Run("exact balance", func(t *testing.T) {
		l := newTestLedger(t, map[string]Amount{"KONTO_A": 10000, "KONTO_B": 0})
		if _, err := l.Apply("TRANSFER;KONTO_A;KONTO_B;100.0"); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if a, b := l.Balance("KONTO_A"), l.Balance("KONTO_B"); a != 0 || b != 10000 {
			t.Errorf("balances = %s/%s, want 0.00/100.00", a, b)
		}
	})

	t.Run("insufficient funds is atomic", func(t *testing.T) {
		l := newTestLedger(t, map[string]Amount{"KONTO_A": 100, "KONTO_B": 0})
		res, err := l.Apply("TRANSFER;KONTO_A;KONTO_B;50.0")
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if res.Rejected == "" {
			t.Error("expected rejection")
		}
		if a, b := l.Balance("KONTO_A"), l.Balance("KONTO_B"); a != 100 || b != 0 {
			t.Errorf("balances changed on rejected transfer: %s/%s", a, b)
		}
	})
}

func TestMalformedOperations(t *testing.T) {
	l := NewLedger()
	tests := []string{
		"DEPOSIT;KONTO_A", // missing amount must not panic
		"",
		";;;",
		"FROBNICATE;KONTO_A;10",
		"TRANSFER;KONTO_A;KONTO_B", // missing amount
	}
	for _, op := range tests {
		if _, err := l.Apply(op); err == nil {
			t.Errorf("Apply(%q) succeeded, want error", op)
		}
	}
}

func TestWhitespaceTolerance(t *testing.T) {
	l := newTestLedger(t, map[string]Amount{"KONTO_A": 0})
	if _, err := l.Apply("  DEPOSIT ; KONTO_A ; 10.00 ; TX_ID: tx-1 "); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := l.Balance("KONTO_A"); got != 1000 {
		t.Errorf("balance = %s, want 10.00", got)
	}
}

func TestRequiredAccounts(t *testing.T) {
	tests := []struct {
		op   string
		want []string
	}{
		{"TRANSFER;KONTO_B;KONTO_A;10", []string{"KONTO_A", "KONTO_B"}}, // sorted
		{"DEPOSIT;KONTO_A;10", []string{"KONTO_A"}},
		{"WITHDRAW;KONTO_B;10", []string{"KONTO_B"}},
		{"GARBAGE", nil},
		{"", nil},
	}
	for _, tt := range tests {
		if got := RequiredAccounts(tt.op); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("RequiredAccounts(%q) = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestExtractTxID(t *testing.T) {
	tests := []struct {
		op   string
		want string
	}{
		{"DEPOSIT;KONTO_A;10;TX_ID:abc", "abc"},
		{"DEPOSIT;KONTO_A;10; TX_ID: abc ", "abc"},
		{"DEPOSIT;KONTO_A;10", ""},
	}
	for _, tt := range tests {
		if got := ExtractTxID(tt.op); got != tt.want {
			t.Errorf("ExtractTxID(%q) = %q, want %q", tt.op, got, tt.want)
		}
	}
}

// TestDeterminism is the end-state property clients observe: the same
// ordered stream of committed payloads produces identical account maps.
func TestDeterminism(t *testing.T) {
	ops := []string{
		"DEPOSIT;KONTO_A;500.00;TX_ID:1",
		"WITHDRAW;KONTO_B;200.00;TX_ID:2",
		"TRANSFER;KONTO_A;KONTO_B;1000.00;TX_ID:3",
		"WITHDRAW;KONTO_A;999999.00;TX_ID:4", // rejected, still part of the stream
		"DEPOSIT;KONTO_C;0.01;TX_ID:5",
	}

	first := NewLedger()
	second := NewLedger()
	for _, op := range ops {
		if _, err := first.Apply(op); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if _, err := second.Apply(op); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	if !reflect.DeepEqual(first.Snapshot(), second.Snapshot()) {
		t.Errorf("replicas diverged: %v vs %v", first.Snapshot(), second.Snapshot())
	}

	want := map[string]Amount{
		"KONTO_A": 950000,
		"KONTO_B": 580000,
		"KONTO_C": 1,
	}
	if got := first.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("final state = %v, want %v", got, want)
	}
}
