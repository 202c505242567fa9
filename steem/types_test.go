// Copyright 2025 The hivesync Authors
// This file is part of hivesync.
//
// hivesync is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// hivesync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with hivesync. If not, see <http://www.gnu.org/licenses/>.

package steem

import (
	"encoding/json"
	"testing"
)

func TestBlockNum(t *testing.T) {
	tests := []struct {
		name    string
		blockID string
		want    uint64
	}{
		{"genesis successor", "00000001f9175a42e1b9c8b4a0e76b7b6d3c4a1e", 1},
		{"mid range", "004c4b40aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 5000000},
		{"short id", "0000", 0},
		{"bad hex", "zzzzzzzzaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Block{BlockID: tt.blockID}
			if got := b.Num(); got != tt.want {
				t.Fatalf("Num() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOperationTupleDecode(t *testing.T) {
	raw := `["vote", {"voter": "alice", "author": "bob", "permlink": "hello", "weight": 10000}]`
	var op Operation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if op.Type != "vote" {
		t.Fatalf("type = %q, want vote", op.Type)
	}
	var vote VoteOp
	if err := op.Decode(&vote); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vote.Voter != "alice" || vote.Author != "bob" || vote.Weight != 10000 {
		t.Fatalf("unexpected vote payload: %+v", vote)
	}
}

func TestOperationTupleRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not a list", `{"vote": {}}`},
		{"one element", `["vote"]`},
		{"three elements", `["vote", {}, {}]`},
		{"non-string type", `[7, {}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var op Operation
			if err := json.Unmarshal([]byte(tt.raw), &op); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime("2016-03-24T16:05:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Year() != 2016 || got.Month() != 3 || got.Hour() != 16 {
		t.Fatalf("unexpected time %v", got)
	}
	if FormatTime(got) != "2016-03-24T16:05:00" {
		t.Fatalf("round trip mismatch: %s", FormatTime(got))
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		val     float64
		symbol  string
		wantErr bool
	}{
		{"1.234 STEEM", 1.234, "STEEM", false},
		{"0.000 SBD", 0, "SBD", false},
		{"  2.5 VESTS ", 2.5, "VESTS", false},
		{"1.234", 0, "", true},
		{"abc STEEM", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			val, symbol, err := ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if val != tt.val || symbol != tt.symbol {
				t.Fatalf("got (%v, %q), want (%v, %q)", val, symbol, tt.val, tt.symbol)
			}
		})
	}
}

func TestCustomJSONActor(t *testing.T) {
	tests := []struct {
		name    string
		op      CustomJSONOp
		want    string
	}{
		{"posting auth preferred", CustomJSONOp{RequiredPostingAuths: []string{"alice"}, RequiredAuths: []string{"bob"}}, "alice"},
		{"active fallback", CustomJSONOp{RequiredAuths: []string{"bob"}}, "bob"},
		{"no auths", CustomJSONOp{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.op.Actor(); got != tt.want {
				t.Fatalf("Actor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPow2Worker(t *testing.T) {
	raw := `{"work": ["pow2", {"input": {"worker_account": "miner1", "prev_block": "deadbeef"}}]}`
	worker, err := Pow2Worker(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if worker != "miner1" {
		t.Fatalf("worker = %q, want miner1", worker)
	}

	if _, err := Pow2Worker(json.RawMessage(`{"work": []}`)); err == nil {
		t.Fatal("expected error for empty work tuple")
	}
}

func TestCommentOpHelpers(t *testing.T) {
	root := &CommentOp{Author: "alice", Permlink: "hello", ParentPermlink: "travel"}
	if !root.IsRoot() {
		t.Fatal("expected root post")
	}
	if root.URL() != "alice/hello" {
		t.Fatalf("url = %q", root.URL())
	}
	reply := &CommentOp{Author: "bob", Permlink: "re-hello", ParentAuthor: "alice", ParentPermlink: "hello"}
	if reply.IsRoot() {
		t.Fatal("expected comment")
	}
}
