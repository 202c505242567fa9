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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openhive/hivesync/db"
)

// Follow edge states.
const (
	FollowStateReset = 0
	FollowStateBlog  = 1
	FollowStateMute  = 2
)

// followOp is the payload of a follow custom op.
type followOp struct {
	Follower  string   `json:"follower"`
	Following string   `json:"following"`
	What      []string `json:"what"`
}

// reblogOp is the payload of a reblog custom op.
type reblogOp struct {
	Account  string `json:"account"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
	Delete   string `json:"delete"`
}

// Follows maintains the follow graph and reblog set, deferring
// follower/following count maintenance to an in-memory delta map flushed
// once per block or batch.
type Follows struct {
	accounts accountLookup
	posts    *Posts

	// pending count deltas keyed by account id
	followersDelta map[int64]int64
	followingDelta map[int64]int64
}

// NewFollows creates the follow accumulator.
func NewFollows(accounts accountLookup, posts *Posts) *Follows {
	return &Follows{
		accounts:       accounts,
		posts:          posts,
		followersDelta: make(map[int64]int64),
		followingDelta: make(map[int64]int64),
	}
}

// ProcessFollow applies one follow op. The what list selects the target
// state: empty resets, "blog" follows, "ignore" mutes. A returned error
// means the op was malformed and is dropped.
func (f *Follows) ProcessFollow(ctx context.Context, e db.Execer, actor string, rawJSON json.RawMessage, date time.Time) error {
	var op followOp
	if err := json.Unmarshal(rawJSON, &op); err != nil {
		return fmt.Errorf("invalid follow payload: %w", err)
	}
	if op.Follower != actor {
		return fmt.Errorf("follower %q does not match actor %q", op.Follower, actor)
	}
	if op.Follower == op.Following {
		return errors.New("account cannot follow itself")
	}
	state := FollowStateReset
	if len(op.What) > 0 {
		switch op.What[0] {
		case "blog", "follow":
			state = FollowStateBlog
		case "ignore":
			state = FollowStateMute
		case "":
			state = FollowStateReset
		default:
			return fmt.Errorf("unknown follow mode %q", op.What[0])
		}
	}

	followerID, ok := f.accounts.GetID(op.Follower)
	if !ok {
		return fmt.Errorf("follower %q not found", op.Follower)
	}
	followingID, ok := f.accounts.GetID(op.Following)
	if !ok {
		return fmt.Errorf("following %q not found", op.Following)
	}

	oldState, err := f.edgeState(ctx, e, followerID, followingID)
	if err != nil {
		return err
	}
	if oldState == state {
		return nil
	}

	_, err = e.ExecContext(ctx, `INSERT INTO hive_follows
		(follower, following, state, created_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state)`,
		followerID, followingID, state, date)
	if err != nil {
		return fmt.Errorf("store follow edge: %w", err)
	}

	// counts track only the blog state
	if oldState == FollowStateBlog {
		f.followingDelta[followerID]--
		f.followersDelta[followingID]--
	}
	if state == FollowStateBlog {
		f.followingDelta[followerID]++
		f.followersDelta[followingID]++
	}
	return nil
}

// edgeState reads the stored state of a follow edge; absent edges are reset.
func (f *Follows) edgeState(ctx context.Context, e db.Execer, followerID, followingID int64) (int, error) {
	state, found, err := db.QueryInt64(ctx, e,
		"SELECT state FROM hive_follows WHERE follower = ? AND following = ?",
		followerID, followingID)
	if err != nil {
		return 0, err
	}
	if !found {
		return FollowStateReset, nil
	}
	return int(state), nil
}

// ProcessReblog applies one reblog op: a reblog row plus a feed cache
// entry, or their removal when delete is requested. Authors cannot reblog
// their own posts.
func (f *Follows) ProcessReblog(ctx context.Context, e db.Execer, actor string, rawJSON json.RawMessage, date time.Time) error {
	var op reblogOp
	if err := json.Unmarshal(rawJSON, &op); err != nil {
		return fmt.Errorf("invalid reblog payload: %w", err)
	}
	if op.Account != actor {
		return fmt.Errorf("reblog account %q does not match actor %q", op.Account, actor)
	}
	if op.Account == op.Author {
		return errors.New("account cannot reblog its own post")
	}
	accountID, ok := f.accounts.GetID(op.Account)
	if !ok {
		return fmt.Errorf("account %q not found", op.Account)
	}
	postID, found, err := f.posts.GetID(ctx, e, op.Author, op.Permlink)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("reblog of unknown post %s/%s", op.Author, op.Permlink)
	}

	if op.Delete == "delete" {
		if _, err := e.ExecContext(ctx,
			"DELETE FROM hive_reblogs WHERE account = ? AND post_id = ?", accountID, postID); err != nil {
			return fmt.Errorf("delete reblog: %w", err)
		}
		_, err = e.ExecContext(ctx,
			"DELETE FROM hive_feed_cache WHERE account_id = ? AND post_id = ?", accountID, postID)
		if err != nil {
			return fmt.Errorf("delete feed cache entry: %w", err)
		}
		return nil
	}

	if _, err := e.ExecContext(ctx, `INSERT IGNORE INTO hive_reblogs
		(account, post_id, created_at) VALUES (?, ?, ?)`, accountID, postID, date); err != nil {
		return fmt.Errorf("store reblog: %w", err)
	}
	_, err = e.ExecContext(ctx, `INSERT IGNORE INTO hive_feed_cache
		(account_id, post_id, created_at) VALUES (?, ?, ?)`, accountID, postID, date)
	if err != nil {
		return fmt.Errorf("store feed cache entry: %w", err)
	}
	return nil
}

// DeltaCount returns the number of accounts with pending count deltas.
func (f *Follows) DeltaCount() int {
	return len(f.followersDelta) + len(f.followingDelta)
}

// Flush applies the pending follower/following count deltas and clears
// them. Returns the number of accounts touched.
func (f *Follows) Flush(ctx context.Context, e db.Execer) (int, error) {
	touched := 0
	for id, delta := range f.followersDelta {
		if delta == 0 {
			continue
		}
		if _, err := e.ExecContext(ctx,
			"UPDATE hive_accounts SET followers = followers + ? WHERE id = ?", delta, id); err != nil {
			return touched, fmt.Errorf("flush follower counts: %w", err)
		}
		touched++
	}
	for id, delta := range f.followingDelta {
		if delta == 0 {
			continue
		}
		if _, err := e.ExecContext(ctx,
			"UPDATE hive_accounts SET following = following + ? WHERE id = ?", delta, id); err != nil {
			return touched, fmt.Errorf("flush following counts: %w", err)
		}
		touched++
	}
	f.followersDelta = make(map[int64]int64)
	f.followingDelta = make(map[int64]int64)
	return touched, nil
}

// RebuildFeedCache regenerates hive_feed_cache from root posts and
// reblogs. Used after initial sync, where per-op feed inserts are the
// source of truth only from then on.
func (f *Follows) RebuildFeedCache(ctx context.Context, e db.Execer) error {
	if _, err := e.ExecContext(ctx, "DELETE FROM hive_feed_cache"); err != nil {
		return fmt.Errorf("clear feed cache: %w", err)
	}
	_, err := e.ExecContext(ctx, `INSERT IGNORE INTO hive_feed_cache (account_id, post_id, created_at)
		SELECT a.id, p.id, p.created_at
		  FROM hive_posts p JOIN hive_accounts a ON a.name = p.author
		 WHERE p.depth = 0 AND p.is_deleted = 0`)
	if err != nil {
		return fmt.Errorf("rebuild feed cache from posts: %w", err)
	}
	_, err = e.ExecContext(ctx, `INSERT IGNORE INTO hive_feed_cache (account_id, post_id, created_at)
		SELECT r.account, r.post_id, r.created_at FROM hive_reblogs r
		  JOIN hive_posts p ON p.id = r.post_id
		 WHERE p.is_deleted = 0`)
	if err != nil {
		return fmt.Errorf("rebuild feed cache from reblogs: %w", err)
	}
	return nil
}

// RecountAll recomputes the follower/following counts from the edge table.
// Used after initial sync, where per-edge deltas are skipped.
func (f *Follows) RecountAll(ctx context.Context, e db.Execer) error {
	_, err := e.ExecContext(ctx, `UPDATE hive_accounts a
		  LEFT JOIN (SELECT following i, COUNT(*) c FROM hive_follows WHERE state = 1 GROUP BY following) fr ON fr.i = a.id
		  LEFT JOIN (SELECT follower i, COUNT(*) c FROM hive_follows WHERE state = 1 GROUP BY follower) fg ON fg.i = a.id
		   SET a.followers = COALESCE(fr.c, 0), a.following = COALESCE(fg.c, 0)`)
	if err != nil {
		return fmt.Errorf("recount follows: %w", err)
	}
	return nil
}
