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

package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/openhive/hivesync/db"
	"github.com/openhive/hivesync/steem"
)

// Processor applies one block's operations to the store in deterministic
// order: block row, account registrations, posts and deletes, custom ops,
// then vote dirties.
type Processor struct {
	accounts  *Accounts
	posts     *Posts
	customOps *CustomOps
	cache     *CachedPosts
}

// NewProcessor creates the block processor.
func NewProcessor(accounts *Accounts, posts *Posts, customOps *CustomOps, cache *CachedPosts) *Processor {
	return &Processor{accounts: accounts, posts: posts, customOps: customOps, cache: cache}
}

// ProcessBlock applies a single block. The caller owns the transaction;
// any returned error leaves the store untouched once the tx rolls back.
func (p *Processor) ProcessBlock(ctx context.Context, e db.Execer, block *steem.Block) error {
	num := block.Num()
	date := block.Timestamp.Time

	// idempotent: a reprocessed block leaves the existing row alone
	_, err := e.ExecContext(ctx, `INSERT INTO hive_blocks (num, hash, prev, txs, ops, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE num = num`,
		num, block.BlockID, block.Previous, len(block.Transactions), block.OpCount(), date)
	if err != nil {
		return fmt.Errorf("store block %d: %w", num, err)
	}

	// pass 1: register new accounts so later ops can resolve ids
	var newNames []string
	for ti := range block.Transactions {
		for oi := range block.Transactions[ti].Operations {
			op := &block.Transactions[ti].Operations[oi]
			name, err := accountNameFromOp(op)
			if err != nil {
				log.Warn("Malformed account op skipped", "block", num, "type", op.Type, "err", err)
				continue
			}
			if name != "" {
				newNames = append(newNames, name)
			}
		}
	}
	if len(newNames) > 0 {
		if err := p.accounts.Register(ctx, e, newNames, date); err != nil {
			return err
		}
	}

	// pass 2: content, votes and custom ops in chain order
	for ti := range block.Transactions {
		for oi := range block.Transactions[ti].Operations {
			op := &block.Transactions[ti].Operations[oi]
			if err := p.processOp(ctx, e, op, date); err != nil {
				return fmt.Errorf("block %d op %s: %w", num, op.Type, err)
			}
		}
	}

	blocksProcessedTotal.Inc(1)
	return nil
}

// accountNameFromOp extracts the newly created account name, if the op
// type creates one.
func accountNameFromOp(op *steem.Operation) (string, error) {
	switch op.Type {
	case "account_create", "account_create_with_delegation":
		var body steem.AccountCreateOp
		if err := op.Decode(&body); err != nil {
			return "", err
		}
		return body.NewAccountName, nil
	case "pow":
		var body steem.PowOp
		if err := op.Decode(&body); err != nil {
			return "", err
		}
		return body.WorkerAccount, nil
	case "pow2":
		return steem.Pow2Worker(op.Body)
	}
	return "", nil
}

// processOp applies one non-registration operation.
func (p *Processor) processOp(ctx context.Context, e db.Execer, op *steem.Operation, date time.Time) error {
	switch op.Type {
	case "comment":
		var body steem.CommentOp
		if err := op.Decode(&body); err != nil {
			return err
		}
		if _, _, err := p.posts.Register(ctx, e, &body, date); err != nil {
			return err
		}
		p.accounts.Dirty(body.Author)
		p.cache.Dirty(body.URL())

	case "delete_comment":
		var body steem.DeleteCommentOp
		if err := op.Decode(&body); err != nil {
			return err
		}
		if err := p.posts.Delete(ctx, e, &body); err != nil {
			return err
		}
		p.cache.Undirty(body.Author + "/" + body.Permlink)

	case "vote":
		var body steem.VoteOp
		if err := op.Decode(&body); err != nil {
			return err
		}
		p.accounts.Dirty(body.Voter)
		p.accounts.Dirty(body.Author)
		p.cache.DirtyVote(body.Author + "/" + body.Permlink)

	case "custom_json":
		var body steem.CustomJSONOp
		if err := op.Decode(&body); err != nil {
			return err
		}
		if err := p.customOps.Process(ctx, e, &body, date); err != nil {
			return err
		}
	}
	return nil
}
