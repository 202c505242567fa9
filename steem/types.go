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

// Package steem implements the upstream steemd JSON-RPC client: batched
// calls with retry, global-props fetch, and the live block stream.
package steem

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeLayout is the bare ISO timestamp used by steemd (no zone, always UTC).
const timeLayout = "2006-01-02T15:04:05"

// ParseTime decodes a steemd timestamp string.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// FormatTime encodes a time in the steemd timestamp convention.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Time wraps time.Time with steemd JSON encoding.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatTime(t.Time))
}

// Block is a condenser-API block.
type Block struct {
	Previous     string        `json:"previous"`
	BlockID      string        `json:"block_id"`
	Timestamp    Time          `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

// Num extracts the block number from the big-endian hex prefix of the block id.
func (b *Block) Num() uint64 {
	if len(b.BlockID) < 8 {
		return 0
	}
	num, err := strconv.ParseUint(b.BlockID[:8], 16, 64)
	if err != nil {
		return 0
	}
	return num
}

// OpCount returns the total operation count across all transactions.
func (b *Block) OpCount() int {
	n := 0
	for i := range b.Transactions {
		n += len(b.Transactions[i].Operations)
	}
	return n
}

// Transaction holds the operations of a single chain transaction.
type Transaction struct {
	Operations []Operation `json:"operations"`
}

// Operation is an on-chain op, wire-encoded as a [name, body] tuple.
type Operation struct {
	Type string
	Body json.RawMessage
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("operation tuple has %d elements, want 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &op.Type); err != nil {
		return fmt.Errorf("operation type: %w", err)
	}
	op.Body = tuple[1]
	return nil
}

func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{op.Type, op.Body})
}

// Decode unmarshals the op body into a typed payload.
func (op *Operation) Decode(v any) error {
	return json.Unmarshal(op.Body, v)
}

// CommentOp creates or edits a post or comment.
type CommentOp struct {
	ParentAuthor   string `json:"parent_author"`
	ParentPermlink string `json:"parent_permlink"`
	Author         string `json:"author"`
	Permlink       string `json:"permlink"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	JSONMetadata   string `json:"json_metadata"`
}

// IsRoot reports whether the op targets a top-level post.
func (c *CommentOp) IsRoot() bool { return c.ParentAuthor == "" }

// URL returns the author/permlink key for the op.
func (c *CommentOp) URL() string { return c.Author + "/" + c.Permlink }

// DeleteCommentOp removes a post or comment.
type DeleteCommentOp struct {
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
}

// VoteOp casts or adjusts a vote.
type VoteOp struct {
	Voter    string `json:"voter"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
	Weight   int32  `json:"weight"`
}

// CustomJSONOp carries application-level key/value events.
type CustomJSONOp struct {
	ID                   string   `json:"id"`
	JSON                 string   `json:"json"`
	RequiredAuths        []string `json:"required_auths"`
	RequiredPostingAuths []string `json:"required_posting_auths"`
}

// Actor returns the account authorizing the op: the first posting auth,
// falling back to the first active auth.
func (c *CustomJSONOp) Actor() string {
	if len(c.RequiredPostingAuths) > 0 {
		return c.RequiredPostingAuths[0]
	}
	if len(c.RequiredAuths) > 0 {
		return c.RequiredAuths[0]
	}
	return ""
}

// AccountCreateOp covers account_create and account_create_with_delegation.
type AccountCreateOp struct {
	NewAccountName string `json:"new_account_name"`
}

// PowOp is the legacy mining op; its worker account may be new.
type PowOp struct {
	WorkerAccount string `json:"worker_account"`
}

// pow2Op wraps the nested pow2 work payload.
type pow2Op struct {
	Work []json.RawMessage `json:"work"`
}

type pow2Input struct {
	Input struct {
		WorkerAccount string `json:"worker_account"`
	} `json:"input"`
}

// Pow2Worker digs the worker account out of a pow2 op body.
func Pow2Worker(body json.RawMessage) (string, error) {
	var op pow2Op
	if err := json.Unmarshal(body, &op); err != nil {
		return "", err
	}
	if len(op.Work) != 2 {
		return "", fmt.Errorf("pow2 work tuple has %d elements, want 2", len(op.Work))
	}
	var in pow2Input
	if err := json.Unmarshal(op.Work[1], &in); err != nil {
		return "", err
	}
	if in.Input.WorkerAccount == "" {
		return "", fmt.Errorf("pow2 op missing worker account")
	}
	return in.Input.WorkerAccount, nil
}

// Account is the subset of a get_accounts record the indexer consumes.
type Account struct {
	Name         string      `json:"name"`
	Created      Time        `json:"created"`
	PostCount    int64       `json:"post_count"`
	Reputation   json.Number `json:"reputation"`
	JSONMetadata string      `json:"json_metadata"`
}

// ContentVote is one active_votes entry on a get_content response.
type ContentVote struct {
	Voter   string      `json:"voter"`
	Rshares json.Number `json:"rshares"`
	Percent int32       `json:"percent"`
}

// Content is the authoritative post snapshot returned by get_content.
type Content struct {
	ID                 uint64        `json:"id"`
	Author             string        `json:"author"`
	Permlink           string        `json:"permlink"`
	Category           string        `json:"category"`
	Depth              uint32        `json:"depth"`
	Title              string        `json:"title"`
	Body               string        `json:"body"`
	JSONMetadata       string        `json:"json_metadata"`
	Created            Time          `json:"created"`
	CashoutTime        Time          `json:"cashout_time"`
	NetRshares         json.Number   `json:"net_rshares"`
	Promoted           string        `json:"promoted"`
	TotalPayoutValue   string        `json:"total_payout_value"`
	CuratorPayoutValue string        `json:"curator_payout_value"`
	PendingPayoutValue string        `json:"pending_payout_value"`
	ActiveVotes        []ContentVote `json:"active_votes"`
}

// Found reports whether the response names an actual post. get_content
// returns an empty shell (author == "") for unknown author/permlink pairs.
func (c *Content) Found() bool { return c.Author != "" }

// URL returns the author/permlink key for the content.
func (c *Content) URL() string { return c.Author + "/" + c.Permlink }

// ChainProps is the derived chain state persisted into hive_state.
type ChainProps struct {
	BlockNum      uint64
	SteemPerMvest string
	USDPerSteem   string
	SBDPerSteem   string
	DGPO          json.RawMessage
}

// dynamicGlobalProps is the typed subset of get_dynamic_global_properties.
type dynamicGlobalProps struct {
	Time                   Time   `json:"time"`
	HeadBlockNumber        uint64 `json:"head_block_number"`
	LastIrreversibleBlock  uint64 `json:"last_irreversible_block_num"`
	TotalVestingFundSteem  string `json:"total_vesting_fund_steem"`
	TotalVestingShares     string `json:"total_vesting_shares"`
}

// feedHistory is the subset of get_feed_history consumed for price state.
type feedHistory struct {
	CurrentMedianHistory struct {
		Base  string `json:"base"`
		Quote string `json:"quote"`
	} `json:"current_median_history"`
}

// orderBook is the subset of get_order_book consumed for price state.
type orderBook struct {
	Asks []orderBookEntry `json:"asks"`
	Bids []orderBookEntry `json:"bids"`
}

type orderBookEntry struct {
	RealPrice string `json:"real_price"`
}

// ParseAmount splits an asset string ("1.234 STEEM") into value and symbol.
func ParseAmount(s string) (float64, string, error) {
	parts := strings.Split(strings.TrimSpace(s), " ")
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed asset %q", s)
	}
	val, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed asset %q: %w", s, err)
	}
	return val, parts[1], nil
}
